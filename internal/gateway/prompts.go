package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/ashureev/realitycheck-coach/internal/domain"
)

// PerceptionContext is the typed input of the perception gateway.
type PerceptionContext struct {
	Goal      string
	StepFocus string
	Recent    []domain.Observation
	Frame     string
}

// CoachContext is the typed input of the coach gateway.
type CoachContext struct {
	Goal           string
	Language       string
	CompletedSteps int
	TotalSteps     int
	Recent         []domain.Observation
	Questions      map[string]string
	Answers        map[string]string
}

// Latest returns the most recent observation in the context view.
func (c CoachContext) Latest() *domain.Observation {
	if len(c.Recent) == 0 {
		return nil
	}
	return &c.Recent[len(c.Recent)-1]
}

// VerifierContext is the typed input of the verifier gateway.
type VerifierContext struct {
	StepTitle        string
	StepInstruction  string
	Evidence         domain.Observation
	PreviousFailures []string
	Frame            string
}

var promptFuncs = template.FuncMap{
	"json":    inlineJSON,
	"answers": renderAnswers,
	"inc":     func(i int) int { return i + 1 },
	"orNA": func(s string) string {
		if strings.TrimSpace(s) == "" {
			return "N/A"
		}
		return s
	},
}

var perceptionTmpl = template.Must(template.New("perception").Funcs(promptFuncs).Parse(
	`You are a perception agent analyzing video frames of a real-world task.

Task Goal: {{.Goal}}
Current Step Focus: {{if .StepFocus}}{{.StepFocus}}{{else}}Initial observation{{end}}
{{if .Recent}}
Previous observations:
{{range $i, $o := .Recent}}{{inc $i}}. {{orNA $o.SceneSummary}}
{{if $o.StateEstimate}}   State: {{json $o.StateEstimate}}
{{end}}{{end}}{{end}}
Analyze the current frame and provide:
1. What objects and elements are visible (buttons, dials, LEDs, doors, etc.)
2. Current state of key objects (positions, settings, status)
3. What changed since the last observation (state delta)
4. Any text you can read (labels, settings, numbers)
5. What you're uncertain about or can't see clearly

Output ONLY valid JSON with this exact structure:
{
    "scene_summary": "Brief description of what's visible",
    "salient_objects": ["dial", "button", "door", "etc"],
    "readable_text": "Any text visible in the frame",
    "state_estimate": {"dial": "current setting", "door": "open/closed"},
    "state_delta": {"dial": "changed from X to Y", "door": "no change"},
    "uncertainties": ["what you can't see clearly"]
}

Be specific and factual. Only report what you can actually see.`))

var coachTmpl = template.Must(template.New("coach").Funcs(promptFuncs).Parse(
	`You are a coaching agent guiding someone through: {{.Goal}}

Progress so far:
- Completed steps: {{.CompletedSteps}}
- Total steps planned: {{.TotalSteps}}
{{with .Latest}}
Latest observation:
- Scene: {{orNA .SceneSummary}}
- State: {{json .StateEstimate}}
- Changes: {{json .StateDelta}}
{{end}}{{if .Answers}}
User provided answers: {{answers .Questions .Answers}}
{{end}}
Your job is to decide the NEXT SINGLE micro-step and provide clear coaching.

Consider:
1. What should they do next to make progress?
2. Do you need to ask them any clarifying questions (max 2)?
3. Does this step require visual verification?
4. Are there any safety concerns?

Output ONLY valid JSON with this structure:
{
    "status": "needs_input" | "in_progress" | "verify_step" | "complete",
    "next_step": {"title": "Brief step name", "instruction": "Clear, actionable instruction"},
    "why_this_step": "Brief explanation of why this step is important",
    "ask_user": ["question 1?", "question 2?"],
    "requires_verification": true/false,
    "verification_request": "What evidence to show (e.g., 'Show me the dial')",
    "safety_warnings": ["warning if applicable"],
    "fallback_options": ["option A", "option B"]
}

Be concise, clear, and encouraging. Break complex tasks into tiny steps.{{if .Language}}
Write all user-facing text in {{.Language}}.{{end}}`))

var verifierTmpl = template.Must(template.New("verifier").Funcs(promptFuncs).Parse(
	`You are a verification agent checking if a step was completed correctly.

Step to verify:
Title: {{.StepTitle}}
Instruction: {{.StepInstruction}}

Latest perception from evidence:
- Scene: {{orNA .Evidence.SceneSummary}}
- State: {{json .Evidence.StateEstimate}}
- Uncertainties: {{json .Evidence.Uncertainties}}
{{if .PreviousFailures}}
Previous verification failures: {{json .PreviousFailures}}
{{end}}
Your job: Determine if the step was completed correctly based on the evidence.

Output ONLY valid JSON:
{
    "verdict": "pass" | "fail" | "unclear",
    "reason": "Specific reason for your verdict",
    "correction": "What they should do to fix it (if fail)",
    "request_new_evidence": "What angle/view to capture (if unclear)",
    "update_step_state": true/false
}

Be specific about what you see. If unclear, ask for better evidence.`))

// RenderPerception builds the perception prompt.
func RenderPerception(c PerceptionContext) (string, error) {
	return execute(perceptionTmpl, c)
}

// RenderCoach builds the coach prompt.
func RenderCoach(c CoachContext) (string, error) {
	return execute(coachTmpl, c)
}

// RenderVerifier builds the verifier prompt.
func RenderVerifier(c VerifierContext) (string, error) {
	return execute(verifierTmpl, c)
}

func execute(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", t.Name(), err)
	}
	return buf.String(), nil
}

func inlineJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func renderAnswers(questions, answers map[string]string) string {
	type entry struct {
		Question string `json:"question,omitempty"`
		Answer   string `json:"answer"`
	}
	out := make(map[string]entry, len(answers))
	for id, answer := range answers {
		out[id] = entry{Question: questions[id], Answer: answer}
	}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}
