package gateway

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/realitycheck-coach/internal/domain"
	"golang.org/x/time/rate"
)

const (
	PerceptionName = "perception"
	CoachName      = "coach"
	VerifierName   = "verifier"

	// MaxQuestions caps the clarifying questions honoured per coach update.
	MaxQuestions = 2

	// DefaultTimeout bounds each gateway call.
	DefaultTimeout = 30 * time.Second
)

// Fallback values.
const (
	FallbackSceneSummary        = "Error processing frame"
	FallbackStepTitle           = "Continue task"
	FallbackStepInstruction     = "Show me the current state of your setup"
	FallbackWhyThisStep         = "Need to see current state to provide guidance"
	FallbackRequestNewEvidence  = "Please capture a clearer image"
	fallbackPerceptionErrFormat = "Processing error: %v"
	fallbackVerifierErrFormat   = "Error processing evidence: %v"
)

// FallbackObservation is returned when perception fails.
func FallbackObservation(err error) domain.Observation {
	return domain.Observation{
		SceneSummary:   FallbackSceneSummary,
		SalientObjects: []string{},
		StateEstimate:  map[string]string{},
		StateDelta:     map[string]string{},
		Uncertainties:  []string{fmt.Sprintf(fallbackPerceptionErrFormat, err)},
	}
}

// FallbackCoachUpdate is returned when the coach fails: it asks for a fresh frame.
func FallbackCoachUpdate(error) domain.CoachUpdate {
	return domain.CoachUpdate{
		Status: domain.StatusNeedsInput,
		NextStep: domain.NextStep{
			Title:       FallbackStepTitle,
			Instruction: FallbackStepInstruction,
		},
		WhyThisStep:     FallbackWhyThisStep,
		AskUser:         []string{},
		SafetyWarnings:  []string{},
		FallbackOptions: []string{},
	}
}

// FallbackVerification is returned when the verifier fails.
func FallbackVerification(err error) domain.Verification {
	return domain.Verification{
		Verdict:            domain.VerdictUnclear,
		Reason:             fmt.Sprintf(fallbackVerifierErrFormat, err),
		RequestNewEvidence: FallbackRequestNewEvidence,
		UpdateStepState:    false,
	}
}

// ParseObservation validates a perception response.
func ParseObservation(text string) (domain.Observation, error) {
	o, err := decodeObject(text)
	if err != nil {
		return domain.Observation{}, err
	}
	return domain.Observation{
		SceneSummary:   o.str("scene_summary"),
		SalientObjects: dedupe(o.strs("salient_objects")),
		ReadableText:   o.optStr("readable_text"),
		StateEstimate:  o.strMap("state_estimate"),
		StateDelta:     o.strMap("state_delta"),
		Uncertainties:  o.strs("uncertainties"),
	}, nil
}

// ParseCoachUpdate validates a coach response.
func ParseCoachUpdate(text string) (domain.CoachUpdate, error) {
	o, err := decodeObject(text)
	if err != nil {
		return domain.CoachUpdate{}, err
	}

	next := o.obj("next_step")
	update := domain.CoachUpdate{
		NextStep: domain.NextStep{
			Title:       next.str("title"),
			Instruction: next.str("instruction"),
		},
		WhyThisStep:          o.str("why_this_step"),
		AskUser:              o.strs("ask_user"),
		RequiresVerification: o.boolean("requires_verification"),
		VerificationRequest:  o.str("verification_request"),
		SafetyWarnings:       o.strs("safety_warnings"),
		FallbackOptions:      o.strs("fallback_options"),
	}
	if len(update.AskUser) > MaxQuestions {
		update.AskUser = update.AskUser[:MaxQuestions]
	}

	status, ok := domain.ParseStatus(o.str("status"))
	switch {
	case ok:
		update.Status = status
	case update.NextStep.Title != "":
		update.Status = domain.StatusInProgress
	default:
		update.Status = domain.StatusNeedsInput
	}
	return update, nil
}

// ParseVerification validates a verifier response. An unknown verdict is
// treated as unclear so that no attempt is consumed on a schema slip.
func ParseVerification(text string) (domain.Verification, error) {
	o, err := decodeObject(text)
	if err != nil {
		return domain.Verification{}, err
	}

	v := domain.Verification{
		Reason:             o.str("reason"),
		Correction:         o.str("correction"),
		RequestNewEvidence: o.str("request_new_evidence"),
		UpdateStepState:    o.boolean("update_step_state"),
	}
	switch verdict := domain.Verdict(o.str("verdict")); verdict {
	case domain.VerdictPass, domain.VerdictFail, domain.VerdictUnclear:
		v.Verdict = verdict
	default:
		v.Verdict = domain.VerdictUnclear
		if v.RequestNewEvidence == "" {
			v.RequestNewEvidence = FallbackRequestNewEvidence
		}
	}
	return v, nil
}

// Perception is the perception gateway shape.
type Perception = Invoker[PerceptionContext, domain.Observation]

// Coach is the coach gateway shape.
type Coach = Invoker[CoachContext, domain.CoachUpdate]

// Verifier is the verifier gateway shape.
type Verifier = Invoker[VerifierContext, domain.Verification]

// Set bundles the three gateways handed to the state machine.
type Set struct {
	Perception Perception
	Coach      Coach
	Verifier   Verifier
}

// Config selects models and the call envelope.
type Config struct {
	FlashModel string
	ProModel   string
	Timeout    time.Duration
	// RateLimit is the sustained calls per second per gateway; 0 disables limiting.
	RateLimit float64
	Burst     int
}

// NewSet wires the three gateways onto one generator. Perception runs on the
// fast model, coach and verifier on the stronger one.
func NewSet(gen Generator, cfg Config, rec Recorder, logger *slog.Logger) Set {
	opts := func() Options {
		o := Options{Timeout: cfg.Timeout, Recorder: rec, Logger: logger}
		if cfg.RateLimit > 0 {
			burst := cfg.Burst
			if burst <= 0 {
				burst = 1
			}
			o.Limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
		}
		return o
	}

	return Set{
		Perception: New(gen, Contract[PerceptionContext, domain.Observation]{
			Name:     PerceptionName,
			Model:    cfg.FlashModel,
			Render:   RenderPerception,
			Image:    func(c PerceptionContext) string { return c.Frame },
			Parse:    ParseObservation,
			Fallback: FallbackObservation,
		}, opts()),
		Coach: New(gen, Contract[CoachContext, domain.CoachUpdate]{
			Name:     CoachName,
			Model:    cfg.ProModel,
			Render:   RenderCoach,
			Parse:    ParseCoachUpdate,
			Fallback: FallbackCoachUpdate,
		}, opts()),
		Verifier: New(gen, Contract[VerifierContext, domain.Verification]{
			Name:     VerifierName,
			Model:    cfg.ProModel,
			Render:   RenderVerifier,
			Image:    func(c VerifierContext) string { return c.Frame },
			Parse:    ParseVerification,
			Fallback: FallbackVerification,
		}, opts()),
	}
}
