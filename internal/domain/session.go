package domain

import (
	"strconv"
	"strings"
	"time"
)

// Status is the coarse state of a coaching session.
type Status string

const (
	StatusNeedsInput Status = "needs_input"
	StatusInProgress Status = "in_progress"
	StatusVerifyStep Status = "verify_step"
	StatusComplete   Status = "complete"
)

// ParseStatus maps a loosely formatted status string onto a known status.
func ParseStatus(s string) (Status, bool) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusNeedsInput:
		return StatusNeedsInput, true
	case StatusInProgress:
		return StatusInProgress, true
	case StatusVerifyStep:
		return StatusVerifyStep, true
	case StatusComplete:
		return StatusComplete, true
	default:
		return "", false
	}
}

// Question is a clarifying question asked by the coach.
type Question struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Session holds the state of one end-to-end coaching interaction.
// It is owned by the session state machine and guarded by the store's
// per-session lock; readers work on clones.
type Session struct {
	ID       string
	Goal     string
	Language string

	Status           Status
	Steps            []*Step
	CurrentStepIndex int
	Context          RollingContext

	PendingQuestions     []Question
	Questions            map[string]string
	Answers              map[string]string
	VerificationAttempts map[string]int
	FailureReasons       map[string][]string
	CorrectionsLog       []string
	LastCoachUpdate      CoachUpdate

	// Revision increments on every committed mutation. FrameSeq increments on
	// every submitted frame. Together they detect superseded gateway results.
	Revision uint64
	FrameSeq uint64

	questionSeq int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewSession creates an empty session.
func NewSession(id, goal, language string, now time.Time) *Session {
	return &Session{
		ID:                   id,
		Goal:                 goal,
		Language:             language,
		Status:               StatusNeedsInput,
		Steps:                []*Step{},
		PendingQuestions:     []Question{},
		Questions:            make(map[string]string),
		Answers:              make(map[string]string),
		VerificationAttempts: make(map[string]int),
		FailureReasons:       make(map[string][]string),
		CorrectionsLog:       []string{},
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

// Touch marks a committed mutation.
func (s *Session) Touch(now time.Time) {
	s.Revision++
	s.UpdatedAt = now
}

// ActiveStep returns the step at the current index, or nil when every
// proposed step has been resolved.
func (s *Session) ActiveStep() *Step {
	if s.CurrentStepIndex < 0 || s.CurrentStepIndex >= len(s.Steps) {
		return nil
	}
	return s.Steps[s.CurrentStepIndex]
}

// StepByID returns the step with the given id, or nil.
func (s *Session) StepByID(id string) *Step {
	for _, step := range s.Steps {
		if step.ID == id {
			return step
		}
	}
	return nil
}

// AppendStep adds a newly proposed step.
func (s *Session) AppendStep(step *Step) {
	s.Steps = append(s.Steps, step)
}

// Advance moves the current index past the active step.
func (s *Session) Advance() {
	if s.CurrentStepIndex < len(s.Steps) {
		s.CurrentStepIndex++
	}
}

// CompletedSteps counts resolved steps.
func (s *Session) CompletedSteps() int {
	n := 0
	for _, step := range s.Steps {
		if step.Resolved() {
			n++
		}
	}
	return n
}

// AllResolved reports whether no step is pending.
func (s *Session) AllResolved() bool {
	return s.CompletedSteps() == len(s.Steps)
}

// Ask registers coach questions, assigning sequential ids (q1, q2, ...).
func (s *Session) Ask(questions []string) []Question {
	asked := make([]Question, 0, len(questions))
	for _, text := range questions {
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		s.questionSeq++
		q := Question{ID: "q" + strconv.Itoa(s.questionSeq), Text: text}
		s.Questions[q.ID] = text
		s.PendingQuestions = append(s.PendingQuestions, q)
		asked = append(asked, q)
	}
	return asked
}

// RecordAnswer stores an answer and clears the matching pending question.
// Answers to unknown question ids are kept as free-form context.
func (s *Session) RecordAnswer(questionID, answer string) {
	s.Answers[questionID] = answer
	pending := s.PendingQuestions[:0]
	for _, q := range s.PendingQuestions {
		if q.ID != questionID {
			pending = append(pending, q)
		}
	}
	s.PendingQuestions = pending
}

// RecordFailure counts a failed verification and logs its correction.
// It returns the number of attempts consumed for the step.
func (s *Session) RecordFailure(stepID, reason, correction string) int {
	s.VerificationAttempts[stepID]++
	if reason != "" {
		s.FailureReasons[stepID] = append(s.FailureReasons[stepID], reason)
	}
	s.CorrectionsLog = append(s.CorrectionsLog, correction)
	return s.VerificationAttempts[stepID]
}

// Clone returns a deep copy safe to hand to readers.
func (s *Session) Clone() *Session {
	c := *s
	c.Steps = make([]*Step, len(s.Steps))
	for i, step := range s.Steps {
		c.Steps[i] = step.clone()
	}
	c.Context = s.Context.clone()
	c.PendingQuestions = append([]Question{}, s.PendingQuestions...)
	c.Questions = cloneMap(s.Questions)
	c.Answers = cloneMap(s.Answers)
	c.VerificationAttempts = make(map[string]int, len(s.VerificationAttempts))
	for k, v := range s.VerificationAttempts {
		c.VerificationAttempts[k] = v
	}
	c.FailureReasons = make(map[string][]string, len(s.FailureReasons))
	for k, v := range s.FailureReasons {
		c.FailureReasons[k] = cloneStrings(v)
	}
	c.CorrectionsLog = cloneStrings(s.CorrectionsLog)
	c.LastCoachUpdate = cloneUpdate(s.LastCoachUpdate)
	return &c
}

func cloneUpdate(u CoachUpdate) CoachUpdate {
	u.AskUser = cloneStrings(u.AskUser)
	u.SafetyWarnings = cloneStrings(u.SafetyWarnings)
	u.FallbackOptions = cloneStrings(u.FallbackOptions)
	return u
}

// Progress summarises the session for status queries.
type Progress struct {
	Status               Status         `json:"status"`
	CurrentStepIndex     int            `json:"current_step_index"`
	TotalSteps           int            `json:"total_steps"`
	CompletedSteps       int            `json:"completed_steps"`
	CurrentStep          *Step          `json:"current_step"`
	PendingQuestions     []Question     `json:"pending_questions"`
	Observations         int            `json:"observations"`
	VerificationAttempts map[string]int `json:"verification_attempts"`
}

// Progress builds a progress summary from the session.
func (s *Session) Progress() Progress {
	var current *Step
	if step := s.ActiveStep(); step != nil {
		current = step.clone()
	}
	attempts := make(map[string]int, len(s.VerificationAttempts))
	for k, v := range s.VerificationAttempts {
		attempts[k] = v
	}
	return Progress{
		Status:               s.Status,
		CurrentStepIndex:     s.CurrentStepIndex,
		TotalSteps:           len(s.Steps),
		CompletedSteps:       s.CompletedSteps(),
		CurrentStep:          current,
		PendingQuestions:     append([]Question{}, s.PendingQuestions...),
		Observations:         s.Context.Len(),
		VerificationAttempts: attempts,
	}
}
