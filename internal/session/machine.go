package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/ashureev/realitycheck-coach/internal/domain"
	"github.com/ashureev/realitycheck-coach/internal/gateway"
	"github.com/ashureev/realitycheck-coach/internal/report"
	"github.com/google/uuid"
)

const (
	// DefaultMaxAttempts is the number of failed verifications after which a
	// step is escalated.
	DefaultMaxAttempts = 3

	// DefaultCorrection is logged when the verifier fails a step without
	// saying how to fix it.
	DefaultCorrection = "Review the step instruction and try again"

	resumeMessage = "Session resumed"

	// coachReplays bounds how often a coach call is repeated when the
	// session moved while it ran.
	coachReplays = 2
)

// Policy holds the tunable retry and context limits.
type Policy struct {
	MaxAttempts   int
	ContextWindow int
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.ContextWindow <= 0 {
		p.ContextWindow = domain.DefaultContextWindow
	}
	return p
}

// Journal receives an audit record of every committed transition.
type Journal interface {
	RecordEvent(ctx context.Context, ev domain.Event) error
}

// Recorder receives state machine telemetry.
type Recorder interface {
	ObserveVerdict(verdict domain.Verdict)
	ObserveSuperseded(op string)
	SetActiveSessions(n int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveVerdict(domain.Verdict) {}
func (nopRecorder) ObserveSuperseded(string)      {}
func (nopRecorder) SetActiveSessions(int)         {}

// Option configures a Machine.
type Option func(*Machine)

// WithPolicy overrides the retry and context limits.
func WithPolicy(p Policy) Option {
	return func(m *Machine) { m.policy = p.withDefaults() }
}

// WithJournal attaches an event journal.
func WithJournal(j Journal) Option {
	return func(m *Machine) { m.journal = j }
}

// WithRecorder attaches a telemetry recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Machine) { m.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithIDGenerator replaces the UUID generator for session and step ids.
func WithIDGenerator(newID func() string) Option {
	return func(m *Machine) { m.newID = newID }
}

// Machine is the session orchestrator. It sequences the decision gateways
// for each operation and commits the outcome to the session under the
// store's per-session lock.
//
// Gateway calls run outside the lock. Each operation takes a ticket before
// calling out. A frame result is discarded with ErrSuperseded only when a
// newer frame was submitted; a verdict is discarded when the step or its
// attempts changed underneath it. Coach results computed against a step that
// has since moved are recomputed.
type Machine struct {
	store    *Store
	gateways gateway.Set
	journal  Journal
	recorder Recorder
	policy   Policy
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// NewMachine creates a state machine over the given store and gateways.
func NewMachine(store *Store, gateways gateway.Set, opts ...Option) *Machine {
	m := &Machine{
		store:    store,
		gateways: gateways,
		recorder: nopRecorder{},
		policy:   Policy{}.withDefaults(),
		logger:   slog.Default(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Policy returns the active policy.
func (m *Machine) Policy() Policy {
	return m.policy
}

// StartResult is returned by Start.
type StartResult struct {
	SessionID   string             `json:"session_id"`
	CoachUpdate domain.CoachUpdate `json:"coach_update"`
	Questions   []domain.Question  `json:"questions"`
}

// FrameResult is returned by PushFrame. Verification is set when the frame
// was routed to the active step's verification.
type FrameResult struct {
	CoachUpdate       domain.CoachUpdate `json:"coach_update"`
	PerceptionSummary domain.Observation `json:"perception_summary"`
	Questions         []domain.Question  `json:"questions"`
	Verification      *VerifyResult      `json:"verification,omitempty"`
	Status            domain.Status      `json:"status"`
}

// AnswerResult is returned by Answer.
type AnswerResult struct {
	CoachUpdate domain.CoachUpdate `json:"coach_update"`
	Questions   []domain.Question  `json:"questions"`
	Status      domain.Status      `json:"status"`
}

// VerifyResult summarises a verification attempt.
type VerifyResult struct {
	StepID             string             `json:"step_id"`
	Verdict            domain.Verdict     `json:"verdict"`
	Reason             string             `json:"reason"`
	Correction         string             `json:"correction,omitempty"`
	RequestNewEvidence string             `json:"request_new_evidence,omitempty"`
	Attempts           int                `json:"attempts"`
	MaxAttempts        int                `json:"max_attempts"`
	StepOutcome        domain.Outcome     `json:"step_outcome"`
	Escalated          bool               `json:"escalated"`
	FallbackOptions    []string           `json:"fallback_options,omitempty"`
	CoachUpdate        domain.CoachUpdate `json:"coach_update"`
	Questions          []domain.Question  `json:"questions"`
	Status             domain.Status      `json:"status"`
}

// StatusResult is returned by Status.
type StatusResult struct {
	SessionID string          `json:"session_id"`
	Goal      string          `json:"goal"`
	Language  string          `json:"language"`
	Progress  domain.Progress `json:"progress"`
}

// ResumeResult is returned by Resume.
type ResumeResult struct {
	Message   string        `json:"message"`
	SessionID string        `json:"session_id"`
	Status    domain.Status `json:"status"`
}

// ticket captures the state a gateway result was computed against: the
// active step, its attempt count and, for frame-driven work, the frame
// sequence at submission.
type ticket struct {
	frameSeq uint64
	stepID   string
	attempts int
}

func ticketOf(sess *domain.Session) ticket {
	id := activeStepID(sess)
	return ticket{stepID: id, attempts: sess.VerificationAttempts[id]}
}

func frameTicketOf(sess *domain.Session) ticket {
	t := ticketOf(sess)
	t.frameSeq = sess.FrameSeq
	return t
}

// newerFrame reports whether a frame was submitted after this one.
func (t ticket) newerFrame(sess *domain.Session) bool {
	return t.frameSeq != 0 && sess.FrameSeq != t.frameSeq
}

// sameOrigin reports whether the active step and its attempts are unchanged.
func (t ticket) sameOrigin(sess *domain.Session) bool {
	id := activeStepID(sess)
	return id == t.stepID && sess.VerificationAttempts[id] == t.attempts
}

func (t ticket) current(sess *domain.Session) bool {
	return !t.newerFrame(sess) && t.sameOrigin(sess)
}

// Start creates a session and asks the coach for the first step.
func (m *Machine) Start(ctx context.Context, goal, language string) (StartResult, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return StartResult{}, fmt.Errorf("%w: goal is required", ErrBadRequest)
	}
	language = strings.TrimSpace(language)

	sess := domain.NewSession(m.newID(), goal, language, m.now())
	res := m.gateways.Coach.Invoke(ctx, m.coachContext(sess, nil))
	if err := ctx.Err(); err != nil {
		return StartResult{}, err
	}

	update, asked := m.seed(sess, res)
	sess.Touch(m.now())
	snapshot := sess.Clone()
	if err := m.store.Create(sess); err != nil {
		return StartResult{}, err
	}
	m.recorder.SetActiveSessions(m.store.Len())

	m.logger.Info("Session started",
		"session_id", snapshot.ID,
		"status", snapshot.Status,
		"coach_fallback", res.Fallback(),
	)
	m.record(ctx, snapshot, domain.EventSessionStarted, "", map[string]any{
		"goal":       goal,
		"language":   language,
		"first_step": update.NextStep.Title,
	})

	return StartResult{SessionID: snapshot.ID, CoachUpdate: update, Questions: asked}, nil
}

// seed applies the first coach update. The first step is always recorded,
// falling back to the coach's fallback step when none was proposed, and the
// initial status is limited to needs_input or in_progress.
func (m *Machine) seed(sess *domain.Session, res gateway.Result[domain.CoachUpdate]) (domain.CoachUpdate, []domain.Question) {
	update := res.Value
	if strings.TrimSpace(update.NextStep.Title) == "" {
		update.NextStep = gateway.FallbackCoachUpdate(nil).NextStep
	}
	asked := sess.Ask(update.AskUser)
	sess.AppendStep(domain.NewStep(m.newID(), update, m.now()))

	if res.Fallback() || update.Status == domain.StatusNeedsInput {
		sess.Status = domain.StatusNeedsInput
	} else {
		sess.Status = domain.StatusInProgress
	}
	update.Status = sess.Status
	sess.LastCoachUpdate = update
	return update, asked
}

// applyCoach commits a coach update to the session and returns the update
// as surfaced to the caller, with its status replaced by the session's.
func (m *Machine) applyCoach(sess *domain.Session, res gateway.Result[domain.CoachUpdate]) (domain.CoachUpdate, []domain.Question) {
	update := res.Value
	asked := sess.Ask(update.AskUser)

	switch {
	case res.Fallback():
		sess.Status = domain.StatusNeedsInput
	case update.Status == domain.StatusComplete:
		m.complete(sess)
	default:
		m.propose(sess, update)
	}

	update.Status = sess.Status
	sess.LastCoachUpdate = update
	return update, asked
}

func (m *Machine) complete(sess *domain.Session) {
	if active := sess.ActiveStep(); active != nil && !active.RequiresVerification {
		active.Outcome = domain.OutcomePassed
		sess.Advance()
	}
	if sess.AllResolved() {
		sess.Status = domain.StatusComplete
		return
	}
	// Only a step awaiting verification can still be pending.
	sess.Status = domain.StatusVerifyStep
}

func (m *Machine) propose(sess *domain.Session, update domain.CoachUpdate) {
	active := sess.ActiveStep()
	awaitingVerification := false

	switch {
	case active == nil:
		if strings.TrimSpace(update.NextStep.Title) != "" {
			sess.AppendStep(domain.NewStep(m.newID(), update, m.now()))
		}
	case active.SameAs(update.NextStep):
		active.Refresh(update)
	case !active.RequiresVerification:
		active.Outcome = domain.OutcomePassed
		sess.Advance()
		sess.AppendStep(domain.NewStep(m.newID(), update, m.now()))
	default:
		// A step that needs evidence is not skipped by a new proposal.
		awaitingVerification = true
	}

	active = sess.ActiveStep()
	switch {
	case awaitingVerification:
		sess.Status = domain.StatusVerifyStep
	case update.Status == domain.StatusVerifyStep && active != nil && active.RequiresVerification:
		sess.Status = domain.StatusVerifyStep
	case update.Status == domain.StatusNeedsInput:
		sess.Status = domain.StatusNeedsInput
	default:
		sess.Status = domain.StatusInProgress
	}
}

// coachContext builds the coach input from the session, optionally with a
// not-yet-committed observation as the latest one.
func (m *Machine) coachContext(sess *domain.Session, pending *domain.Observation) gateway.CoachContext {
	window := m.policy.ContextWindow
	recent := sess.Context.Last(window)
	if pending != nil {
		recent = append(recent, *pending)
		if len(recent) > window {
			recent = recent[len(recent)-window:]
		}
	}
	return gateway.CoachContext{
		Goal:           sess.Goal,
		Language:       sess.Language,
		CompletedSteps: sess.CompletedSteps(),
		TotalSteps:     len(sess.Steps),
		Recent:         recent,
		Questions:      maps.Clone(sess.Questions),
		Answers:        maps.Clone(sess.Answers),
	}
}

func (m *Machine) perceptionContext(sess *domain.Session, frame string) gateway.PerceptionContext {
	pc := gateway.PerceptionContext{
		Goal:   sess.Goal,
		Recent: sess.Context.Last(m.policy.ContextWindow),
		Frame:  frame,
	}
	if step := sess.ActiveStep(); step != nil {
		pc.StepFocus = step.Title
	}
	return pc
}

// PushFrame processes a camera frame. While the active step awaits
// verification the frame is verification evidence; otherwise the coach is
// consulted with the updated context.
func (m *Machine) PushFrame(ctx context.Context, id, frame string) (FrameResult, error) {
	if strings.TrimSpace(frame) == "" {
		return FrameResult{}, fmt.Errorf("%w: image_base64 is required", ErrBadRequest)
	}

	var (
		t         ticket
		pc        gateway.PerceptionContext
		verifying *verifySnapshot
		completed bool
	)
	err := m.store.With(id, func(sess *domain.Session) error {
		sess.FrameSeq++
		t = frameTicketOf(sess)
		pc = m.perceptionContext(sess, frame)
		completed = sess.Status == domain.StatusComplete

		if step := sess.ActiveStep(); step != nil && sess.Status == domain.StatusVerifyStep &&
			step.RequiresVerification && !step.Resolved() {
			snap := m.snapshotVerify(sess, step)
			snap.ticket = t
			verifying = &snap
		}
		return nil
	})
	if err != nil {
		return FrameResult{}, err
	}

	if verifying != nil {
		vr, obs, err := m.runVerification(ctx, id, *verifying, frame)
		if err != nil {
			return FrameResult{}, err
		}
		return FrameResult{
			CoachUpdate:       vr.CoachUpdate,
			PerceptionSummary: obs,
			Questions:         vr.Questions,
			Verification:      &vr,
			Status:            vr.Status,
		}, nil
	}

	perception := m.gateways.Perception.Invoke(ctx, pc)
	if err := ctx.Err(); err != nil {
		return FrameResult{}, err
	}
	obs := perception.Value
	obs.CreatedAt = m.now()

	if completed {
		return m.commitObservation(ctx, id, t, obs)
	}

	result, ev, coachFallback, err := m.coachFrame(ctx, id, t, obs)
	if err != nil {
		return FrameResult{}, m.superseded("push_frame", id, err)
	}
	result.PerceptionSummary = obs

	m.record(ctx, ev, domain.EventFrameProcessed, activeStepID(ev), map[string]any{
		"scene_summary":       obs.SceneSummary,
		"perception_fallback": perception.Fallback(),
		"coach_fallback":      coachFallback,
	})
	m.recordCompletion(ctx, ev)
	return result, nil
}

// coachFrame asks the coach about a perceived frame and commits both. Only a
// newer frame discards the result. When another operation moved the active
// step or its attempts meanwhile, the coach is asked again against the
// current state; once the replays run out the observation is kept and the
// coach result dropped.
func (m *Machine) coachFrame(ctx context.Context, id string, t ticket, obs domain.Observation) (FrameResult, *domain.Session, bool, error) {
	for replay := 0; ; replay++ {
		var cc gateway.CoachContext
		err := m.store.With(id, func(sess *domain.Session) error {
			if t.newerFrame(sess) {
				return ErrSuperseded
			}
			t = frameTicketOf(sess)
			cc = m.coachContext(sess, &obs)
			return nil
		})
		if err != nil {
			return FrameResult{}, nil, false, err
		}

		coach := m.gateways.Coach.Invoke(ctx, cc)
		if err := ctx.Err(); err != nil {
			return FrameResult{}, nil, false, err
		}

		var (
			result FrameResult
			ev     *domain.Session
			stale  bool
		)
		err = m.store.With(id, func(sess *domain.Session) error {
			if t.newerFrame(sess) {
				return ErrSuperseded
			}
			if !t.sameOrigin(sess) && replay < coachReplays {
				stale = true
				return nil
			}
			sess.Context.Append(obs)
			update, asked := sess.LastCoachUpdate, []domain.Question{}
			if t.sameOrigin(sess) {
				update, asked = m.applyCoach(sess, coach)
			}
			sess.Touch(m.now())
			result = FrameResult{CoachUpdate: update, Questions: asked, Status: sess.Status}
			ev = sess.Clone()
			return nil
		})
		if err != nil {
			return FrameResult{}, nil, false, err
		}
		if !stale {
			return result, ev, coach.Fallback(), nil
		}
		m.logger.Info("Session moved during coach call, asking again", "op", "push_frame", "session_id", id, "replay", replay+1)
	}
}

// commitObservation records a frame for a complete session without
// consulting the coach.
func (m *Machine) commitObservation(ctx context.Context, id string, t ticket, obs domain.Observation) (FrameResult, error) {
	var (
		result FrameResult
		ev     *domain.Session
	)
	err := m.store.With(id, func(sess *domain.Session) error {
		if t.newerFrame(sess) {
			return ErrSuperseded
		}
		sess.Context.Append(obs)
		sess.Touch(m.now())
		result = FrameResult{
			CoachUpdate:       sess.LastCoachUpdate,
			PerceptionSummary: obs,
			Questions:         []domain.Question{},
			Status:            sess.Status,
		}
		ev = sess.Clone()
		return nil
	})
	if err != nil {
		return FrameResult{}, m.superseded("push_frame", id, err)
	}
	m.record(ctx, ev, domain.EventFrameProcessed, "", map[string]any{
		"scene_summary": obs.SceneSummary,
	})
	return result, nil
}

// Answer records an answer and asks the coach to reconsider. The answer is
// kept even when the coach result cannot be applied.
func (m *Machine) Answer(ctx context.Context, id, questionID, answer string) (AnswerResult, error) {
	questionID = strings.TrimSpace(questionID)
	if questionID == "" {
		return AnswerResult{}, fmt.Errorf("%w: question_id is required", ErrBadRequest)
	}

	var (
		t         ticket
		cc        gateway.CoachContext
		completed *AnswerResult
		ev        *domain.Session
	)
	err := m.store.With(id, func(sess *domain.Session) error {
		sess.RecordAnswer(questionID, answer)
		sess.Touch(m.now())
		t = ticketOf(sess)
		cc = m.coachContext(sess, nil)
		ev = sess.Clone()
		if sess.Status == domain.StatusComplete {
			completed = &AnswerResult{
				CoachUpdate: sess.LastCoachUpdate,
				Questions:   []domain.Question{},
				Status:      sess.Status,
			}
		}
		return nil
	})
	if err != nil {
		return AnswerResult{}, err
	}
	m.record(ctx, ev, domain.EventQuestionAnswered, "", map[string]any{
		"question_id": questionID,
		"answer":      answer,
	})
	if completed != nil {
		return *completed, nil
	}

	for replay := 0; ; replay++ {
		coach := m.gateways.Coach.Invoke(ctx, cc)
		if err := ctx.Err(); err != nil {
			return AnswerResult{}, err
		}

		var (
			result AnswerResult
			stale  bool
		)
		err = m.store.With(id, func(sess *domain.Session) error {
			if !t.sameOrigin(sess) {
				if replay < coachReplays {
					stale = true
					t = ticketOf(sess)
					cc = m.coachContext(sess, nil)
					return nil
				}
				result = AnswerResult{CoachUpdate: sess.LastCoachUpdate, Questions: []domain.Question{}, Status: sess.Status}
				return nil
			}
			update, asked := m.applyCoach(sess, coach)
			sess.Touch(m.now())
			result = AnswerResult{CoachUpdate: update, Questions: asked, Status: sess.Status}
			ev = sess.Clone()
			return nil
		})
		if err != nil {
			return AnswerResult{}, err
		}
		if !stale {
			m.recordCompletion(ctx, ev)
			return result, nil
		}
		m.logger.Info("Session moved during coach call, asking again", "op", "answer", "session_id", id, "replay", replay+1)
	}
}

// verifySnapshot is the state a verification is judged against.
type verifySnapshot struct {
	ticket   ticket
	step     domain.Step
	failures []string
	pc       gateway.PerceptionContext
}

func (m *Machine) snapshotVerify(sess *domain.Session, step *domain.Step) verifySnapshot {
	return verifySnapshot{
		ticket:   ticketOf(sess),
		step:     *step,
		failures: append([]string{}, sess.FailureReasons[step.ID]...),
		pc:       m.perceptionContext(sess, ""),
	}
}

func checkVerifiable(sess *domain.Session, step *domain.Step) error {
	reason := ""
	switch {
	case sess.Status == domain.StatusComplete:
		reason = "session is complete"
	case step.Resolved():
		reason = fmt.Sprintf("step %s is already %s", step.ID, step.Outcome)
	case sess.ActiveStep() != step:
		reason = fmt.Sprintf("step %s is not the active step", step.ID)
	case !step.RequiresVerification:
		reason = fmt.Sprintf("step %s does not require verification", step.ID)
	default:
		return nil
	}
	return &TransitionError{Op: "verify", Status: sess.Status, Reason: reason}
}

// Verify judges evidence for a step. Failed verdicts consume attempts; when
// they run out the step is escalated and the session moves on.
func (m *Machine) Verify(ctx context.Context, id, stepID, evidence string) (VerifyResult, error) {
	if strings.TrimSpace(evidence) == "" {
		return VerifyResult{}, fmt.Errorf("%w: evidence_image_base64 is required", ErrBadRequest)
	}

	var snap verifySnapshot
	err := m.store.With(id, func(sess *domain.Session) error {
		step := sess.StepByID(stepID)
		if step == nil {
			return fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
		}
		if err := checkVerifiable(sess, step); err != nil {
			return err
		}
		snap = m.snapshotVerify(sess, step)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			m.logger.Error("Rejected verification", "session_id", id, "step_id", stepID, "error", err)
		}
		return VerifyResult{}, err
	}

	result, _, err := m.runVerification(ctx, id, snap, evidence)
	return result, err
}

func (m *Machine) runVerification(ctx context.Context, id string, snap verifySnapshot, evidence string) (VerifyResult, domain.Observation, error) {
	pc := snap.pc
	pc.Frame = evidence
	perception := m.gateways.Perception.Invoke(ctx, pc)
	if err := ctx.Err(); err != nil {
		return VerifyResult{}, domain.Observation{}, err
	}
	obs := perception.Value
	obs.CreatedAt = m.now()

	verification := m.gateways.Verifier.Invoke(ctx, gateway.VerifierContext{
		StepTitle:        snap.step.Title,
		StepInstruction:  snap.step.Instruction,
		Evidence:         obs,
		PreviousFailures: snap.failures,
		Frame:            evidence,
	})
	if err := ctx.Err(); err != nil {
		return VerifyResult{}, domain.Observation{}, err
	}
	v := verification.Value

	var (
		result    VerifyResult
		advanced  bool
		next      ticket
		cc        gateway.CoachContext
		ev        *domain.Session
		eventKind = domain.EventStepVerified
	)
	err := m.store.With(id, func(sess *domain.Session) error {
		if !snap.ticket.current(sess) {
			return ErrSuperseded
		}
		step := sess.StepByID(snap.step.ID)
		sess.Context.Append(obs)

		result = VerifyResult{
			StepID:      step.ID,
			Verdict:     v.Verdict,
			Reason:      v.Reason,
			MaxAttempts: m.policy.MaxAttempts,
		}

		switch v.Verdict {
		case domain.VerdictPass:
			step.Outcome = domain.OutcomePassed
			sess.Advance()
			sess.Status = domain.StatusInProgress
			advanced = true
		case domain.VerdictFail:
			correction := strings.TrimSpace(v.Correction)
			if correction == "" {
				correction = DefaultCorrection
			}
			result.Correction = correction
			attempts := sess.RecordFailure(step.ID, v.Reason, correction)
			if attempts >= m.policy.MaxAttempts {
				step.Outcome = domain.OutcomeFailedEscalated
				sess.Advance()
				sess.Status = domain.StatusInProgress
				result.Escalated = true
				result.FallbackOptions = append([]string{}, step.FallbackOptions...)
				eventKind = domain.EventStepEscalated
				advanced = true
			} else {
				sess.Status = domain.StatusVerifyStep
			}
		default:
			result.RequestNewEvidence = v.RequestNewEvidence
			if result.RequestNewEvidence == "" {
				result.RequestNewEvidence = gateway.FallbackRequestNewEvidence
			}
			sess.Status = domain.StatusVerifyStep
		}

		sess.Touch(m.now())
		result.Attempts = sess.VerificationAttempts[step.ID]
		result.StepOutcome = step.Outcome
		result.CoachUpdate = sess.LastCoachUpdate
		result.Questions = []domain.Question{}
		result.Status = sess.Status
		if advanced {
			next = ticketOf(sess)
			cc = m.coachContext(sess, nil)
		}
		ev = sess.Clone()
		return nil
	})
	if err != nil {
		return VerifyResult{}, domain.Observation{}, m.superseded("verify", id, err)
	}

	m.recorder.ObserveVerdict(v.Verdict)
	m.logger.Info("Step verified",
		"session_id", id,
		"step_id", snap.step.ID,
		"verdict", v.Verdict,
		"attempts", result.Attempts,
		"escalated", result.Escalated,
		"verifier_fallback", verification.Fallback(),
	)
	m.record(ctx, ev, eventKind, snap.step.ID, map[string]any{
		"verdict":    string(v.Verdict),
		"reason":     v.Reason,
		"correction": result.Correction,
		"attempts":   result.Attempts,
	})

	if !advanced {
		return result, obs, nil
	}

	// The verdict is committed. Only the next-step proposal below can be
	// superseded.
	coach := m.gateways.Coach.Invoke(ctx, cc)
	if err := ctx.Err(); err != nil {
		return result, obs, nil
	}
	err = m.store.With(id, func(sess *domain.Session) error {
		if !next.current(sess) {
			return ErrSuperseded
		}
		update, asked := m.applyCoach(sess, coach)
		sess.Touch(m.now())
		result.CoachUpdate = update
		result.Questions = asked
		result.Status = sess.Status
		ev = sess.Clone()
		return nil
	})
	switch {
	case errors.Is(err, ErrSuperseded):
		m.recorder.ObserveSuperseded("verify_next_step")
		m.logger.Info("Next step proposal superseded", "session_id", id, "step_id", snap.step.ID)
	case err != nil:
		return result, obs, err
	default:
		m.recordCompletion(ctx, ev)
	}
	return result, obs, nil
}

// Status returns a progress summary.
func (m *Machine) Status(_ context.Context, id string) (StatusResult, error) {
	sess, err := m.store.Get(id)
	if err != nil {
		return StatusResult{}, err
	}
	return StatusResult{
		SessionID: sess.ID,
		Goal:      sess.Goal,
		Language:  sess.Language,
		Progress:  sess.Progress(),
	}, nil
}

// Report builds the session artifacts.
func (m *Machine) Report(_ context.Context, id string) (report.Artifacts, error) {
	sess, err := m.store.Get(id)
	if err != nil {
		return report.Artifacts{}, err
	}
	return report.Build(sess), nil
}

// Resume confirms that a session still exists. It does not mutate state.
func (m *Machine) Resume(_ context.Context, id string) (ResumeResult, error) {
	sess, err := m.store.Get(id)
	if err != nil {
		return ResumeResult{}, err
	}
	return ResumeResult{Message: resumeMessage, SessionID: sess.ID, Status: sess.Status}, nil
}

// Exists reports whether a session is registered.
func (m *Machine) Exists(id string) bool {
	_, ok := m.store.lookup(id)
	return ok
}

// Delete removes a session.
func (m *Machine) Delete(ctx context.Context, id string) error {
	return m.remove(ctx, id, domain.EventSessionDeleted)
}

func (m *Machine) remove(ctx context.Context, id string, kind domain.EventKind) error {
	sess, err := m.store.Get(id)
	if err != nil {
		return err
	}
	if err := m.store.Delete(id); err != nil {
		return err
	}
	m.recorder.SetActiveSessions(m.store.Len())
	m.logger.Info("Session removed", "session_id", id, "reason", string(kind))
	m.record(ctx, sess, kind, "", nil)
	return nil
}

func (m *Machine) superseded(op, id string, err error) error {
	if errors.Is(err, ErrSuperseded) {
		m.recorder.ObserveSuperseded(op)
		m.logger.Info("Discarded superseded result", "op", op, "session_id", id)
	}
	return err
}

func (m *Machine) recordCompletion(ctx context.Context, sess *domain.Session) {
	if sess.Status != domain.StatusComplete {
		return
	}
	m.record(ctx, sess, domain.EventSessionCompleted, "", map[string]any{
		"steps": len(sess.Steps),
	})
}

// record writes an event to the journal. Journal failures are logged and
// never fail the operation.
func (m *Machine) record(ctx context.Context, sess *domain.Session, kind domain.EventKind, stepID string, detail map[string]any) {
	if m.journal == nil {
		return
	}
	ev := domain.Event{
		SessionID: sess.ID,
		Kind:      kind,
		Status:    sess.Status,
		StepID:    stepID,
		Detail:    detail,
		CreatedAt: m.now(),
	}
	if err := m.journal.RecordEvent(context.WithoutCancel(ctx), ev); err != nil {
		m.logger.Warn("Failed to record session event",
			"session_id", sess.ID,
			"kind", kind,
			"error", err,
		)
	}
}

func activeStepID(sess *domain.Session) string {
	if step := sess.ActiveStep(); step != nil {
		return step.ID
	}
	return ""
}
