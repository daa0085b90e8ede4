// Package report derives read-only artifacts from a session's history.
package report

import "github.com/ashureev/realitycheck-coach/internal/domain"

// ChecklistItem is one step of the session and how it ended.
type ChecklistItem struct {
	StepID    string         `json:"step_id"`
	StepTitle string         `json:"step_title"`
	Outcome   domain.Outcome `json:"outcome"`
	Attempts  int            `json:"attempts"`
}

// Artifacts is the session report.
type Artifacts struct {
	Checklist      []ChecklistItem `json:"checklist"`
	CorrectionsLog []string        `json:"corrections_log"`
}

// Build lists every step in order, pending ones included, alongside a copy of
// the corrections log. It does not modify the session.
func Build(sess *domain.Session) Artifacts {
	checklist := make([]ChecklistItem, 0, len(sess.Steps))
	for _, step := range sess.Steps {
		checklist = append(checklist, ChecklistItem{
			StepID:    step.ID,
			StepTitle: step.Title,
			Outcome:   step.Outcome,
			Attempts:  sess.VerificationAttempts[step.ID],
		})
	}

	corrections := make([]string, len(sess.CorrectionsLog))
	copy(corrections, sess.CorrectionsLog)

	return Artifacts{
		Checklist:      checklist,
		CorrectionsLog: corrections,
	}
}
