package feedback

import (
	"context"
	"fmt"
	"time"

	"medsim/internal/completion"
	"medsim/internal/prompt"
)

// Mode selects how feedback is generated.
type Mode string

const (
	// ModeSingle sends one prompt covering the whole evaluation.
	ModeSingle Mode = "single"
	// ModeParallel sends one prompt per catalog task concurrently.
	ModeParallel Mode = "parallel"
)

// ParseMode validates a configured mode. Empty means parallel.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeParallel:
		return ModeParallel, nil
	case ModeSingle:
		return ModeSingle, nil
	default:
		return "", fmt.Errorf("unknown feedback mode %q", s)
	}
}

// SingleTaskID labels the result of a single-mode run.
const SingleTaskID = "feedback"

// Document is a generated evaluation.
type Document struct {
	Text        string        `json:"text"`
	Mode        Mode          `json:"mode"`
	Results     []Result      `json:"results"`
	Duration    time.Duration `json:"duration"`
	GeneratedAt time.Time     `json:"generated_at"`
}

// Usage sums the usage of all results.
func (d *Document) Usage() completion.Usage {
	var u completion.Usage
	for _, r := range d.Results {
		u = u.Add(r.Usage)
	}
	return u
}

// Generator renders feedback prompts and runs them.
type Generator struct {
	composer *prompt.Composer
	provider completion.Provider
	catalog  *Catalog
	mode     Mode
	model    string
}

// NewGenerator creates a generator. model is used for single mode; catalog
// tasks carry their own overrides.
func NewGenerator(composer *prompt.Composer, provider completion.Provider, catalog *Catalog, mode Mode, model string) *Generator {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if mode == "" {
		mode = ModeParallel
	}
	return &Generator{composer: composer, provider: provider, catalog: catalog, mode: mode, model: model}
}

// Mode returns the configured mode
func (g *Generator) Mode() Mode {
	return g.mode
}

// Catalog returns the task catalog
func (g *Generator) Catalog() *Catalog {
	return g.catalog
}

// Generate produces a Document for pctx. It does not touch any shared
// counters; callers aggregate Document usage themselves.
func (g *Generator) Generate(ctx context.Context, pctx prompt.Context) (*Document, error) {
	start := time.Now()

	var (
		doc *Document
		err error
	)
	switch g.mode {
	case ModeSingle:
		doc, err = g.single(ctx, pctx)
	default:
		doc, err = g.parallel(ctx, pctx)
	}
	if err != nil {
		return nil, err
	}

	doc.Duration = time.Since(start)
	doc.GeneratedAt = time.Now()
	return doc, nil
}

func (g *Generator) single(ctx context.Context, pctx prompt.Context) (*Document, error) {
	text, err := g.composer.FeedbackPrompt(pctx)
	if err != nil {
		return nil, err
	}

	res, err := completion.Call(ctx, g.provider, SingleTaskID,
		[]completion.Message{{Role: completion.RoleUser, Content: text}},
		completion.WithModel(g.model),
		completion.WithOperation("feedback"),
	)
	if err != nil {
		return nil, err
	}

	return &Document{
		Text: res.Content,
		Mode: ModeSingle,
		Results: []Result{{
			TaskID:   SingleTaskID,
			Text:     res.Content,
			Model:    res.Model,
			Usage:    res.Usage,
			Duration: res.Duration,
		}},
	}, nil
}

func (g *Generator) parallel(ctx context.Context, pctx prompt.Context) (*Document, error) {
	tasks := g.catalog.Tasks()
	jobs := make([]completion.Job, 0, len(tasks))

	for _, t := range tasks {
		text, err := g.composer.TaskPrompt(pctx, t.Title, t.Instruction)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", t.ID, err)
		}
		model := t.Model
		if model == "" {
			model = g.model
		}
		jobs = append(jobs, completion.Job{
			ID:       t.ID,
			Messages: []completion.Message{{Role: completion.RoleUser, Content: text}},
			Options: []completion.CallOption{
				completion.WithModel(model),
				completion.WithOperation("feedback:" + t.ID),
			},
		})
	}

	out, err := completion.RunBatch(ctx, g.provider, jobs)
	if err != nil {
		return nil, err
	}

	results := FromBatch(out)
	text, err := CombineSections(g.catalog, results)
	if err != nil {
		return nil, err
	}

	return &Document{Text: text, Mode: ModeParallel, Results: results}, nil
}

// FromBatch converts batch results into feedback results, one per task.
func FromBatch(out []completion.Result) []Result {
	results := make([]Result, len(out))
	for i, r := range out {
		results[i] = Result{
			TaskID:   r.ID,
			Text:     r.Content,
			Model:    r.Model,
			Usage:    r.Usage,
			Duration: r.Duration,
		}
	}
	return results
}
