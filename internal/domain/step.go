// Package domain contains core domain types for the coaching service.
package domain

import (
	"strings"
	"time"
)

// Outcome is the resolution state of a step.
type Outcome string

const (
	// OutcomePending means the step has not been resolved yet.
	OutcomePending Outcome = "pending"
	// OutcomePassed means the step was completed (verified or superseded by the coach).
	OutcomePassed Outcome = "passed"
	// OutcomeFailedEscalated means verification attempts ran out and the session moved on.
	OutcomeFailedEscalated Outcome = "failed_escalated"
)

// Step is one micro-instruction proposed by the coach.
type Step struct {
	ID                   string    `json:"id"`
	Title                string    `json:"title"`
	Instruction          string    `json:"instruction"`
	WhyThisStep          string    `json:"why_this_step"`
	RequiresVerification bool      `json:"requires_verification"`
	VerificationRequest  string    `json:"verification_request,omitempty"`
	SafetyWarnings       []string  `json:"safety_warnings"`
	FallbackOptions      []string  `json:"fallback_options"`
	Outcome              Outcome   `json:"outcome"`
	ProposedAt           time.Time `json:"proposed_at"`
}

// NewStep builds a pending step from a coach proposal.
func NewStep(id string, update CoachUpdate, now time.Time) *Step {
	return &Step{
		ID:                   id,
		Title:                update.NextStep.Title,
		Instruction:          update.NextStep.Instruction,
		WhyThisStep:          update.WhyThisStep,
		RequiresVerification: update.RequiresVerification,
		VerificationRequest:  update.VerificationRequest,
		SafetyWarnings:       cloneStrings(update.SafetyWarnings),
		FallbackOptions:      cloneStrings(update.FallbackOptions),
		Outcome:              OutcomePending,
		ProposedAt:           now,
	}
}

// Resolved reports whether the step has left the pending state.
func (s *Step) Resolved() bool {
	return s.Outcome != OutcomePending
}

// SameAs reports whether a coach proposal refers to this step.
// An untitled proposal is treated as a refinement of the active step.
func (s *Step) SameAs(next NextStep) bool {
	title := normalizeTitle(next.Title)
	return title == "" || title == normalizeTitle(s.Title)
}

// Refresh updates the advisory fields from a newer proposal for the same step.
// Identity, title and the verification requirement are fixed at proposal time.
func (s *Step) Refresh(update CoachUpdate) {
	if update.NextStep.Instruction != "" {
		s.Instruction = update.NextStep.Instruction
	}
	if update.WhyThisStep != "" {
		s.WhyThisStep = update.WhyThisStep
	}
	if update.VerificationRequest != "" {
		s.VerificationRequest = update.VerificationRequest
	}
	if len(update.SafetyWarnings) > 0 {
		s.SafetyWarnings = cloneStrings(update.SafetyWarnings)
	}
	if len(update.FallbackOptions) > 0 {
		s.FallbackOptions = cloneStrings(update.FallbackOptions)
	}
}

func (s *Step) clone() *Step {
	c := *s
	c.SafetyWarnings = cloneStrings(s.SafetyWarnings)
	c.FallbackOptions = cloneStrings(s.FallbackOptions)
	return &c
}

func normalizeTitle(title string) string {
	return strings.ToLower(strings.Join(strings.Fields(title), " "))
}

func cloneStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
