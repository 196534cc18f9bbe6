// Package feedback turns a finished session into the student's evaluation.
//
// A Catalog declares the evaluation sections. A Generator renders and runs the
// prompts, either as one call or as a concurrent fan-out with one call per
// section, and an Assembler guards the per-session generation lifecycle.
package feedback

import (
	"fmt"
	"strings"
	"time"

	"medsim/internal/completion"
)

// Task is one independently generated section of the evaluation.
type Task struct {
	ID          string `yaml:"id" json:"id"`
	Title       string `yaml:"title" json:"title"`
	Instruction string `yaml:"instruction" json:"instruction"`
	Model       string `yaml:"model,omitempty" json:"model,omitempty"`
}

// Result is the output of one task in one run.
type Result struct {
	TaskID   string           `json:"task_id"`
	Text     string           `json:"text"`
	Model    string           `json:"model,omitempty"`
	Usage    completion.Usage `json:"usage"`
	Duration time.Duration    `json:"duration"`
}

// Catalog is the ordered, static list of feedback tasks.
type Catalog struct {
	tasks []Task
}

// NewCatalog validates and builds a catalog. Declaration order is the render order.
func NewCatalog(tasks ...Task) (*Catalog, error) {
	if len(tasks) == 0 {
		return nil, fmt.Errorf("feedback catalog is empty")
	}

	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if strings.TrimSpace(t.ID) == "" {
			return nil, fmt.Errorf("feedback task %q has no id", t.Title)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("duplicate feedback task id %q", t.ID)
		}
		seen[t.ID] = true
	}

	out := make([]Task, len(tasks))
	copy(out, tasks)
	return &Catalog{tasks: out}, nil
}

// Tasks returns the tasks in declaration order
func (c *Catalog) Tasks() []Task {
	out := make([]Task, len(c.tasks))
	copy(out, c.tasks)
	return out
}

// Len returns the number of tasks
func (c *Catalog) Len() int {
	return len(c.tasks)
}

// WithModel returns a copy of the catalog in which tasks without an explicit
// model override use model.
func (c *Catalog) WithModel(model string) *Catalog {
	out := c.Tasks()
	for i := range out {
		if out[i].Model == "" {
			out[i].Model = model
		}
	}
	return &Catalog{tasks: out}
}

// DefaultCatalog returns the eight standard evaluation sections.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(
		Task{
			ID:          "overview",
			Title:       "Overview",
			Instruction: "Summarise in three to five sentences how the student approached the case and whether the overall diagnostic reasoning was sound.",
		},
		Task{
			ID:          "anamnesis",
			Title:       "History taking",
			Instruction: "Assess the history taking. Name the relevant questions that were asked and list important questions that were missing, such as red flags, medication, allergies and social history.",
		},
		Task{
			ID:          "examination",
			Title:       "Physical examination",
			Instruction: "Assess whether the physical examination was adequate for the presentation and which findings should have been looked for in addition.",
		},
		Task{
			ID:          "diagnostics",
			Title:       "Diagnostics",
			Instruction: "Assess the requested investigations round by round. Judge whether they were indicated, in a sensible order and cost-conscious, and name unnecessary or missing tests.",
		},
		Task{
			ID:          "differentials",
			Title:       "Differential diagnoses",
			Instruction: "Assess the differential diagnoses. Name relevant alternatives that were missed and explain which findings argue for or against each.",
		},
		Task{
			ID:          "final_diagnosis",
			Title:       "Final diagnosis",
			Instruction: "State whether the final diagnosis is correct, partially correct or wrong, and explain which findings support the correct diagnosis.",
		},
		Task{
			ID:          "therapy",
			Title:       "Therapy",
			Instruction: "Assess the proposed therapy for appropriateness, completeness and safety in the given care setting. Name guideline-based alternatives where relevant.",
		},
		Task{
			ID:          "conclusion",
			Title:       "Conclusion",
			Instruction: "Close with the three most important learning points for the student and an overall assessment.",
		},
	)
	if err != nil {
		panic(fmt.Sprintf("default feedback catalog is invalid: %v", err))
	}
	return c
}
