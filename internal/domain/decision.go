package domain

import "time"

// Observation is the structured perception result derived from one frame.
type Observation struct {
	SceneSummary   string            `json:"scene_summary"`
	SalientObjects []string          `json:"salient_objects"`
	ReadableText   *string           `json:"readable_text"`
	StateEstimate  map[string]string `json:"state_estimate"`
	StateDelta     map[string]string `json:"state_delta"`
	Uncertainties  []string          `json:"uncertainties"`
	CreatedAt      time.Time         `json:"created_at"`
}

func (o Observation) clone() Observation {
	c := o
	c.SalientObjects = cloneStrings(o.SalientObjects)
	c.StateEstimate = cloneMap(o.StateEstimate)
	c.StateDelta = cloneMap(o.StateDelta)
	c.Uncertainties = cloneStrings(o.Uncertainties)
	if o.ReadableText != nil {
		text := *o.ReadableText
		c.ReadableText = &text
	}
	return c
}

// NextStep is the coach's proposed micro-step.
type NextStep struct {
	Title       string `json:"title"`
	Instruction string `json:"instruction"`
}

// CoachUpdate is the coach's decision for the session.
type CoachUpdate struct {
	Status               Status   `json:"status"`
	NextStep             NextStep `json:"next_step"`
	WhyThisStep          string   `json:"why_this_step"`
	AskUser              []string `json:"ask_user"`
	RequiresVerification bool     `json:"requires_verification"`
	VerificationRequest  string   `json:"verification_request"`
	SafetyWarnings       []string `json:"safety_warnings"`
	FallbackOptions      []string `json:"fallback_options"`
}

// Verdict is the verifier's judgment on evidence for a step.
type Verdict string

const (
	VerdictPass    Verdict = "pass"
	VerdictFail    Verdict = "fail"
	VerdictUnclear Verdict = "unclear"
)

// Verification is the verifier's full response.
type Verification struct {
	Verdict            Verdict `json:"verdict"`
	Reason             string  `json:"reason"`
	Correction         string  `json:"correction"`
	RequestNewEvidence string  `json:"request_new_evidence"`
	UpdateStepState    bool    `json:"update_step_state"`
}
