package completion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"medsim/internal/simerr"
)

// Job is one independent completion in a batch.
type Job struct {
	ID       string
	Messages []Message
	Options  []CallOption
}

// Result is the outcome of a successful job.
type Result struct {
	ID       string
	Content  string
	Model    string
	Usage    Usage
	Duration time.Duration
}

// BatchError reports a batch in which at least one job failed. Failed lists
// every job that did not complete, in submission order. Completed holds the
// jobs that did finish so their usage can still be booked. Rate-limit
// failures lead Err, so errors.As finds them before any cancellation they
// caused in sibling jobs.
type BatchError struct {
	Failed    []string
	Completed []Result
	Err       error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch failed, incomplete tasks [%s]: %v", strings.Join(e.Failed, ", "), e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// Call runs a single completion and measures its wall-clock duration.
func Call(ctx context.Context, p Provider, id string, messages []Message, opts ...CallOption) (Result, error) {
	start := time.Now()
	resp, err := p.Chat(ctx, messages, opts...)
	if err != nil {
		return Result{}, err
	}
	return Result{
		ID:       id,
		Content:  resp.Content,
		Model:    resp.Model,
		Usage:    resp.Usage,
		Duration: time.Since(start),
	}, nil
}

// RunBatch executes jobs concurrently on a pool sized to len(jobs) and returns
// the results in job order. Workers only fill their own slot; aggregating usage
// is left to the caller. If any job fails the remaining calls are cancelled and
// a *BatchError is returned instead of results.
//
// When p is an *ObservedProvider the workers call past it, and every outcome is
// reported from the calling goroutine after the pool has drained.
func RunBatch(ctx context.Context, p Provider, jobs []Job) ([]Result, error) {
	if len(jobs) == 0 {
		return nil, nil
	}

	seen := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		if j.ID == "" {
			return nil, fmt.Errorf("batch job has no id")
		}
		if seen[j.ID] {
			return nil, fmt.Errorf("duplicate batch job id %q", j.ID)
		}
		seen[j.ID] = true
	}

	exec := p
	observed, _ := p.(*ObservedProvider)
	if observed != nil {
		exec = observed.next
	}

	results := make([]Result, len(jobs))
	errs := make([]error, len(jobs))
	latencies := make([]time.Duration, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(jobs))

	for i, job := range jobs {
		g.Go(func() error {
			start := time.Now()
			res, err := Call(gctx, exec, job.ID, job.Messages, job.Options...)
			latencies[i] = time.Since(start)
			if err != nil {
				errs[i] = fmt.Errorf("task %s: %w", job.ID, err)
				return errs[i]
			}
			results[i] = res
			return nil
		})
	}

	_ = g.Wait()

	if observed != nil {
		for i, job := range jobs {
			cfg := ApplyOptions(CallConfig{}, job.Options...)
			model := cfg.Model
			if results[i].Model != "" {
				model = results[i].Model
			}
			observed.report(cfg.Operation, model, latencies[i], results[i].Usage, errs[i])
		}
	}

	var (
		failed    []string
		completed []Result
		limited   error
		other     error
	)
	for i, err := range errs {
		switch {
		case err == nil:
			completed = append(completed, results[i])
		case simerr.IsRateLimited(err):
			failed = append(failed, jobs[i].ID)
			limited = multierr.Append(limited, err)
		default:
			failed = append(failed, jobs[i].ID)
			other = multierr.Append(other, err)
		}
	}
	if len(failed) > 0 {
		return nil, &BatchError{
			Failed:    failed,
			Completed: completed,
			Err:       multierr.Append(limited, other),
		}
	}

	return results, nil
}
