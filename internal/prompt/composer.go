// Package prompt renders every prompt the simulator sends to the completion backend.
//
// Rendering is pure: the same Context always yields the same bytes. Empty
// optional fields are replaced by fixed placeholder sentences so no template
// slot is ever left blank.
package prompt

import (
	"fmt"
	"strings"
	"text/template"

	"medsim/internal/cases"
)

// Placeholders rendered for empty optional fields.
const (
	NoTranscript     = "No anamnesis questions were asked."
	NoExamination    = "No physical examination was performed."
	NoDifferentials  = "No differential diagnoses entered."
	NoRequests       = "No diagnostics requested."
	NoFindings       = "No data available."
	NoDiagnosis      = "No diagnosis entered."
	NoTherapy        = "No therapy entered."
	NoCareSetting    = "No care setting specified."
	NoKnowledgeBase  = "No reference material available."
	NoInvestigations = "No investigations specified."

	NoJob             = "not specified"
	NoDescription     = "No case description available."
	NoExaminationHint = "No specific examination findings are given; report age-appropriate normal findings."
)

// Context is everything a prompt may draw on. Only student-authored interview
// lines belong in UserTranscript.
type Context struct {
	Case           *cases.Case
	UserTranscript string
	Examination    string
	Differentials  string
	RoundRequests  string
	RoundFindings  string
	FinalDiagnosis string
	Therapy        string
	CareSetting    string
	KnowledgeBase  string
}

// Composer renders prompts from templates.
type Composer struct {
	tmpl *template.Template
}

// NewComposer parses the built-in templates
func NewComposer() *Composer {
	t := template.New("prompts").Option("missingkey=error")
	template.Must(t.New("patient").Parse(patientTemplate))
	template.Must(t.New("context").Parse(contextTemplate))
	template.Must(t.New("examination").Parse(examinationTemplate))
	template.Must(t.New("findings").Parse(findingsTemplate))
	template.Must(t.New("feedback").Parse(feedbackTemplate))
	template.Must(t.New("task").Parse(taskTemplate))
	return &Composer{tmpl: t}
}

// PatientInstruction renders the system instruction for the simulated patient.
func (c *Composer) PatientInstruction(cs *cases.Case) (string, error) {
	if cs == nil {
		return "", fmt.Errorf("patient instruction: case is required")
	}
	return c.render("patient", map[string]any{
		"Name":        cs.Name,
		"Age":         cs.Age,
		"Gender":      string(cs.Gender),
		"Job":         orPlaceholder(cs.Job, NoJob),
		"Description": orPlaceholder(cs.Description, NoDescription),
		"Behavior":    cs.Behavior.Describe(),
	})
}

// ContextBlock renders the shared case summary used by every evaluation prompt.
func (c *Composer) ContextBlock(ctx Context) (string, error) {
	view, err := ctx.view()
	if err != nil {
		return "", err
	}
	return c.render("context", view)
}

// ExaminationPrompt asks for physical examination findings.
func (c *Composer) ExaminationPrompt(ctx Context) (string, error) {
	view, err := ctx.view()
	if err != nil {
		return "", err
	}
	return c.render("examination", view)
}

// FindingsPrompt asks for the results of the investigations requested in one round.
func (c *Composer) FindingsPrompt(ctx Context, round int, request string) (string, error) {
	view, err := ctx.view()
	if err != nil {
		return "", err
	}
	view["Round"] = fmt.Sprint(round)
	view["Request"] = orPlaceholder(request, NoInvestigations)
	return c.render("findings", view)
}

// FeedbackPrompt renders the single-shot evaluation prompt.
func (c *Composer) FeedbackPrompt(ctx Context) (string, error) {
	block, err := c.ContextBlock(ctx)
	if err != nil {
		return "", err
	}
	return c.render("feedback", map[string]any{"Context": block})
}

// TaskPrompt renders the prompt for one feedback section.
func (c *Composer) TaskPrompt(ctx Context, title, instruction string) (string, error) {
	block, err := c.ContextBlock(ctx)
	if err != nil {
		return "", err
	}
	return c.render("task", map[string]any{
		"Context":     block,
		"Title":       title,
		"Instruction": strings.TrimSpace(instruction),
	})
}

func (c *Composer) render(name string, data any) (string, error) {
	var b strings.Builder
	if err := c.tmpl.ExecuteTemplate(&b, name, data); err != nil {
		return "", fmt.Errorf("failed to render %s prompt: %w", name, err)
	}
	return b.String(), nil
}

func (ctx Context) view() (map[string]any, error) {
	if ctx.Case == nil {
		return nil, fmt.Errorf("prompt context: case is required")
	}
	return map[string]any{
		"ScenarioID":      ctx.Case.ScenarioID,
		"Name":            ctx.Case.Name,
		"Age":             ctx.Case.Age,
		"Gender":          string(ctx.Case.Gender),
		"Job":             orPlaceholder(ctx.Case.Job, NoJob),
		"Description":     orPlaceholder(ctx.Case.Description, NoDescription),
		"ExaminationHint": orPlaceholder(ctx.Case.ExaminationHint, NoExaminationHint),
		"Transcript":      orPlaceholder(ctx.UserTranscript, NoTranscript),
		"Examination":     orPlaceholder(ctx.Examination, NoExamination),
		"Differentials":   orPlaceholder(ctx.Differentials, NoDifferentials),
		"Requests":        orPlaceholder(ctx.RoundRequests, NoRequests),
		"Findings":        orPlaceholder(ctx.RoundFindings, NoFindings),
		"FinalDiagnosis":  orPlaceholder(ctx.FinalDiagnosis, NoDiagnosis),
		"Therapy":         orPlaceholder(ctx.Therapy, NoTherapy),
		"CareSetting":     orPlaceholder(ctx.CareSetting, NoCareSetting),
		"KnowledgeBase":   orPlaceholder(ctx.KnowledgeBase, NoKnowledgeBase),
	}, nil
}

func orPlaceholder(v, placeholder string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return placeholder
	}
	return v
}
