package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/splax/pipelines/api/internal/domain"
)

// StageRun identifies the unit of work handed to a Runner.
type StageRun struct {
	ExecutionToken string
	OrderIndex     int
	Spec           domain.StageSpec
}

// Runner performs the work of one stage and returns its output. A non-nil
// error fails the stage and the run. Implementations must return promptly
// once ctx is cancelled.
type Runner interface {
	RunStage(ctx context.Context, run StageRun) (string, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, run StageRun) (string, error)

// RunStage calls f.
func (f RunnerFunc) RunStage(ctx context.Context, run StageRun) (string, error) {
	return f(ctx, run)
}

// SimulatedRunner stands in for a real executor: every stage waits Delay and
// succeeds.
type SimulatedRunner struct {
	Delay time.Duration
}

// RunStage waits for the configured delay or until ctx is cancelled.
func (r SimulatedRunner) RunStage(ctx context.Context, run StageRun) (string, error) {
	if r.Delay > 0 {
		timer := time.NewTimer(r.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("simulated %s stage %q", run.Spec.Type, run.Spec.Name), nil
}
