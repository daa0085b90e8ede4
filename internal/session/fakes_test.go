package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/realitycheck-coach/internal/domain"
	"github.com/ashureev/realitycheck-coach/internal/gateway"
)

var errScripted = errors.New("scripted gateway failure")

// fakeCoach replays scripted updates; the last one repeats once the script
// runs out. A nil entry yields the fallback.
type fakeCoach struct {
	mu     sync.Mutex
	script []*domain.CoachUpdate
	calls  []gateway.CoachContext
	hook   func(call int)
}

func (f *fakeCoach) then(updates ...*domain.CoachUpdate) *fakeCoach {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = append(f.script, updates...)
	return f
}

func (f *fakeCoach) Invoke(_ context.Context, in gateway.CoachContext) gateway.Result[domain.CoachUpdate] {
	f.mu.Lock()
	f.calls = append(f.calls, in)
	call := len(f.calls)
	var next *domain.CoachUpdate
	if len(f.script) > 0 {
		next = f.script[0]
		if len(f.script) > 1 {
			f.script = f.script[1:]
		}
	}
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if next == nil {
		return gateway.Result[domain.CoachUpdate]{
			Value: gateway.FallbackCoachUpdate(errScripted),
			Err:   &gateway.GatewayError{Gateway: gateway.CoachName, Kind: gateway.KindTransport, Err: errScripted},
		}
	}
	return gateway.Result[domain.CoachUpdate]{Value: *next}
}

func (f *fakeCoach) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeCoach) lastCall() gateway.CoachContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

// fakePerception labels every observation with its call number.
type fakePerception struct {
	mu    sync.Mutex
	calls []gateway.PerceptionContext
}

func (f *fakePerception) Invoke(_ context.Context, in gateway.PerceptionContext) gateway.Result[domain.Observation] {
	f.mu.Lock()
	f.calls = append(f.calls, in)
	n := len(f.calls)
	f.mu.Unlock()

	return gateway.Result[domain.Observation]{Value: domain.Observation{
		SceneSummary:   fmt.Sprintf("frame %d", n),
		SalientObjects: []string{"dial"},
		StateEstimate:  map[string]string{"dial": "cotton"},
		StateDelta:     map[string]string{},
		Uncertainties:  []string{},
	}}
}

// fakeVerifier replays scripted verdicts.
type fakeVerifier struct {
	mu      sync.Mutex
	script  []domain.Verification
	calls   []gateway.VerifierContext
	failing bool
}

func (f *fakeVerifier) then(verdicts ...domain.Verdict) *fakeVerifier {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range verdicts {
		vr := domain.Verification{Verdict: v, Reason: "reason " + string(v)}
		if v == domain.VerdictFail {
			vr.Correction = "fix it"
		}
		if v == domain.VerdictUnclear {
			vr.RequestNewEvidence = "Move closer to the dial"
		}
		f.script = append(f.script, vr)
	}
	return f
}

func (f *fakeVerifier) Invoke(_ context.Context, in gateway.VerifierContext) gateway.Result[domain.Verification] {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, in)
	if f.failing || len(f.script) == 0 {
		return gateway.Result[domain.Verification]{
			Value: gateway.FallbackVerification(errScripted),
			Err:   &gateway.GatewayError{Gateway: gateway.VerifierName, Kind: gateway.KindTimeout, Err: errScripted},
		}
	}
	next := f.script[0]
	f.script = f.script[1:]
	return gateway.Result[domain.Verification]{Value: next}
}

func (f *fakeVerifier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeJournal struct {
	mu     sync.Mutex
	events []domain.Event
	err    error
}

func (f *fakeJournal) RecordEvent(_ context.Context, ev domain.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeJournal) kinds(sessionID string) []domain.EventKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.EventKind
	for _, ev := range f.events {
		if ev.SessionID == sessionID {
			out = append(out, ev.Kind)
		}
	}
	return out
}

type fakeRecorder struct {
	mu         sync.Mutex
	verdicts   []domain.Verdict
	superseded []string
	active     int
}

func (f *fakeRecorder) ObserveVerdict(v domain.Verdict) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verdicts = append(f.verdicts, v)
}

func (f *fakeRecorder) ObserveSuperseded(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.superseded = append(f.superseded, op)
}

func (f *fakeRecorder) SetActiveSessions(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = n
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type sequentialIDs struct {
	mu sync.Mutex
	n  int
}

func (s *sequentialIDs) next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%d", s.n)
}

type harness struct {
	machine    *Machine
	store      *Store
	coach      *fakeCoach
	perception *fakePerception
	verifier   *fakeVerifier
	journal    *fakeJournal
	recorder   *fakeRecorder
	clock      *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:      NewStore(),
		coach:      &fakeCoach{},
		perception: &fakePerception{},
		verifier:   &fakeVerifier{},
		journal:    &fakeJournal{},
		recorder:   &fakeRecorder{},
		clock:      &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
	}
	ids := &sequentialIDs{}
	h.machine = NewMachine(h.store, gateway.Set{
		Perception: h.perception,
		Coach:      h.coach,
		Verifier:   h.verifier,
	},
		WithJournal(h.journal),
		WithRecorder(h.recorder),
		WithClock(h.clock.Now),
		WithIDGenerator(ids.next),
	)
	return h
}

func step(title string, verify bool) *domain.CoachUpdate {
	return &domain.CoachUpdate{
		Status:               domain.StatusInProgress,
		NextStep:             domain.NextStep{Title: title, Instruction: "Please " + title},
		WhyThisStep:          "because",
		AskUser:              []string{},
		RequiresVerification: verify,
		VerificationRequest:  "Show me " + title,
		SafetyWarnings:       []string{},
		FallbackOptions:      []string{"Ask for help with " + title},
	}
}

func withStatus(u *domain.CoachUpdate, status domain.Status) *domain.CoachUpdate {
	c := *u
	c.Status = status
	return &c
}

const frame = "data:image/png;base64,iVBORw0KGgo="
