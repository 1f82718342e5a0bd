// Package engine drives one execution through its stages.
//
// The engine is the only writer of an execution once it has been dispatched.
// Stages are appended one at a time in definition order; a stage is never
// created before its predecessor reached a terminal status. Any stage fault
// aborts the remaining stages and fails the run. There are no retries and no
// per-stage timeout: a runner that never returns keeps the run in running
// until its context is cancelled.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/splax/pipelines/api/internal/domain"
	"github.com/splax/pipelines/api/internal/repository"
	"github.com/splax/pipelines/api/internal/service/definition"
)

const tracerName = "github.com/splax/pipelines/api/internal/service/engine"

// Broadcaster pushes transition events to observers of an execution.
type Broadcaster interface {
	Emit(ctx context.Context, event domain.Event)
}

// Engine executes pipeline runs.
type Engine struct {
	executions repository.ExecutionRepository
	pipelines  repository.PipelineRepository
	runner     Runner
	events     Broadcaster
	logger     *slog.Logger
	metrics    *Metrics
	tracer     trace.Tracer
	now        func() time.Time
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides the time source used for every transition timestamp.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithMetrics records run and stage outcomes.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// New constructs an engine.
func New(executions repository.ExecutionRepository, pipelines repository.PipelineRepository, runner Runner, events Broadcaster, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		executions: executions,
		pipelines:  pipelines,
		runner:     runner,
		events:     events,
		logger:     logger.With("component", "engine"),
		tracer:     otel.Tracer(tracerName),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes the pending execution identified by token to completion. The
// returned error reports persistence problems only; stage faults are recorded
// on the execution. Cancelling ctx finalizes the run as cancelled.
func (e *Engine) Run(ctx context.Context, token string) error {
	// Writes outlive cancellation so a cancelled run is still finalized.
	store := context.WithoutCancel(ctx)

	exec, err := e.executions.GetExecutionByToken(store, token)
	if err != nil {
		return fmt.Errorf("load execution %s: %w", token, err)
	}
	if exec.Status != domain.StatusPending {
		return fmt.Errorf("run execution %s in status %s: %w", token, exec.Status, repository.ErrInvalidTransition)
	}
	logger := e.logger.With("execution_id", token, "pipeline_id", exec.PipelineID)

	ctx, span := e.tracer.Start(ctx, "execution.run", trace.WithAttributes(
		attribute.String("execution.token", token),
		attribute.String("pipeline.id", exec.PipelineID),
	))
	defer span.End()

	if ctx.Err() != nil {
		return e.cancelPending(store, exec, logger)
	}

	startedAt := e.stamp(time.Time{})
	if err := e.executions.UpdateExecutionStatus(store, domain.ExecutionStatusUpdate{
		Token:     token,
		Status:    domain.StatusRunning,
		Logs:      "execution started",
		StartedAt: &startedAt,
	}); err != nil {
		span.RecordError(err)
		return fmt.Errorf("start execution %s: %w", token, err)
	}
	e.metrics.runStarted()
	logger.Info("execution started")
	e.emit(store, domain.Event{Kind: domain.EventExecutionUpdate, ExecutionToken: token, Status: domain.StatusRunning, OccurredAt: startedAt})

	completed, last, runErr := e.runStages(ctx, store, exec, startedAt, logger)

	update := domain.ExecutionStatusUpdate{Token: token}
	switch {
	case runErr == nil:
		update.Status = domain.StatusSuccess
		update.Logs = fmt.Sprintf("pipeline completed successfully: %d stages", completed)
	case ctx.Err() != nil:
		update.Status = domain.StatusCancelled
		update.Logs = fmt.Sprintf("execution cancelled after %d completed stages", completed)
	default:
		update.Status = domain.StatusFailed
		update.ErrorMessage = runErr.Error()
		update.Logs = fmt.Sprintf("pipeline failed after %d completed stages", completed)
	}
	finishedAt := e.stamp(last)
	update.FinishedAt = &finishedAt

	if err := e.executions.UpdateExecutionStatus(store, update); err != nil {
		logger.Error("failed to finalize execution", "status", update.Status, "error", err)
		e.metrics.runLost()
		span.RecordError(err)
		return fmt.Errorf("finalize execution %s: %w", token, err)
	}
	e.metrics.runFinished(update.Status, finishedAt.Sub(startedAt))
	span.SetAttributes(attribute.String("execution.status", string(update.Status)))
	if update.Status == domain.StatusFailed {
		span.SetStatus(codes.Error, update.ErrorMessage)
		logger.Warn("execution failed", "error", update.ErrorMessage)
	} else {
		logger.Info("execution finished", "status", update.Status)
	}
	e.emit(store, domain.Event{Kind: domain.EventExecutionUpdate, ExecutionToken: token, Status: update.Status, OccurredAt: finishedAt})
	return nil
}

// runStages runs every resolved stage in order. It reports how many stages
// succeeded and the last timestamp it recorded.
func (e *Engine) runStages(ctx, store context.Context, exec *domain.Execution, prev time.Time, logger *slog.Logger) (int, time.Time, error) {
	pipeline, err := e.pipelines.GetPipelineByID(store, exec.PipelineID)
	if err != nil {
		return 0, prev, fmt.Errorf("load pipeline %s: %w", exec.PipelineID, err)
	}
	specs := definition.Resolve(pipeline.Config)

	for i, spec := range specs {
		if err := ctx.Err(); err != nil {
			return i, prev, err
		}
		finishedAt, err := e.runStage(ctx, store, exec.Token, i, spec, prev, logger)
		if !finishedAt.IsZero() {
			prev = finishedAt
		}
		if err != nil {
			return i, prev, err
		}
	}
	return len(specs), prev, nil
}

func (e *Engine) runStage(ctx, store context.Context, token string, index int, spec domain.StageSpec, prev time.Time, logger *slog.Logger) (time.Time, error) {
	logger = logger.With("stage", spec.Name, "order_index", index)
	ctx, span := e.tracer.Start(ctx, "stage.run", trace.WithAttributes(
		attribute.String("stage.name", spec.Name),
		attribute.String("stage.type", string(spec.Type)),
		attribute.Int("stage.order_index", index),
	))
	defer span.End()

	stage := &domain.StageExecution{
		OrderIndex: index,
		StageName:  spec.Name,
		StageType:  spec.Type,
		Status:     domain.StatusPending,
	}
	if err := e.executions.AppendStage(store, token, stage); err != nil {
		span.RecordError(err)
		return time.Time{}, fmt.Errorf("create stage %q: %w", spec.Name, err)
	}
	startedAt := e.stamp(prev)
	if err := e.executions.UpdateStageStatus(store, domain.StageStatusUpdate{
		Token:      token,
		OrderIndex: index,
		Status:     domain.StatusRunning,
		StartedAt:  &startedAt,
	}); err != nil {
		span.RecordError(err)
		return time.Time{}, fmt.Errorf("start stage %q: %w", spec.Name, err)
	}
	logger.Info("stage started")
	e.emit(store, domain.Event{Kind: domain.EventStageUpdate, ExecutionToken: token, StageName: spec.Name, OrderIndex: index, Status: domain.StatusRunning, OccurredAt: startedAt})

	output, runErr := e.runner.RunStage(ctx, StageRun{ExecutionToken: token, OrderIndex: index, Spec: spec})

	finishedAt := e.stamp(startedAt)
	update := domain.StageStatusUpdate{Token: token, OrderIndex: index, FinishedAt: &finishedAt}
	if runErr != nil {
		update.Status = domain.StatusFailed
		update.Logs = joinLogs(output, fmt.Sprintf("stage %s failed: %v", spec.Name, runErr))
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	} else {
		update.Status = domain.StatusSuccess
		update.Logs = joinLogs(output, fmt.Sprintf("stage %s completed successfully", spec.Name))
	}
	if err := e.executions.UpdateStageStatus(store, update); err != nil {
		span.RecordError(err)
		return startedAt, fmt.Errorf("finish stage %q: %w", spec.Name, err)
	}
	e.metrics.stageFinished(spec.Type, update.Status, finishedAt.Sub(startedAt))
	e.emit(store, domain.Event{Kind: domain.EventStageUpdate, ExecutionToken: token, StageName: spec.Name, OrderIndex: index, Status: update.Status, OccurredAt: finishedAt})

	if runErr != nil {
		logger.Warn("stage failed", "error", runErr)
		return finishedAt, fmt.Errorf("stage %q failed: %w", spec.Name, runErr)
	}
	logger.Info("stage finished")
	return finishedAt, nil
}

// cancelPending finalizes a run that was cancelled before it started.
func (e *Engine) cancelPending(store context.Context, exec *domain.Execution, logger *slog.Logger) error {
	finishedAt := e.stamp(time.Time{})
	if err := e.executions.UpdateExecutionStatus(store, domain.ExecutionStatusUpdate{
		Token:      exec.Token,
		Status:     domain.StatusCancelled,
		Logs:       "execution cancelled before it started",
		FinishedAt: &finishedAt,
	}); err != nil {
		return fmt.Errorf("cancel execution %s: %w", exec.Token, err)
	}
	e.metrics.runAbandoned(domain.StatusCancelled)
	logger.Info("execution cancelled before start")
	e.emit(store, domain.Event{Kind: domain.EventExecutionUpdate, ExecutionToken: exec.Token, Status: domain.StatusCancelled, OccurredAt: finishedAt})
	return nil
}

// Interrupt fails an execution abandoned by a previous process. A stage left
// running is marked failed first so the stage and run invariants still hold.
func (e *Engine) Interrupt(ctx context.Context, exec *domain.Execution, reason string) error {
	finishedAt := e.stamp(time.Time{})
	for _, stage := range exec.Stages {
		if stage.Status.Terminal() {
			continue
		}
		if stage.Status == domain.StatusPending {
			// pending stages fail through running, like pending executions below.
			startedAt := finishedAt
			if err := e.executions.UpdateStageStatus(ctx, domain.StageStatusUpdate{
				Token:      exec.Token,
				OrderIndex: stage.OrderIndex,
				Status:     domain.StatusRunning,
				Logs:       stage.Logs,
				StartedAt:  &startedAt,
			}); err != nil {
				return fmt.Errorf("interrupt stage %d of %s: %w", stage.OrderIndex, exec.Token, err)
			}
		}
		if err := e.executions.UpdateStageStatus(ctx, domain.StageStatusUpdate{
			Token:      exec.Token,
			OrderIndex: stage.OrderIndex,
			Status:     domain.StatusFailed,
			Logs:       joinLogs(stage.Logs, reason),
			FinishedAt: &finishedAt,
		}); err != nil {
			return fmt.Errorf("interrupt stage %d of %s: %w", stage.OrderIndex, exec.Token, err)
		}
		e.emit(ctx, domain.Event{Kind: domain.EventStageUpdate, ExecutionToken: exec.Token, StageName: stage.StageName, OrderIndex: stage.OrderIndex, Status: domain.StatusFailed, OccurredAt: finishedAt})
	}

	update := domain.ExecutionStatusUpdate{
		Token:        exec.Token,
		Status:       domain.StatusFailed,
		Logs:         joinLogs(exec.Logs, reason),
		ErrorMessage: reason,
		FinishedAt:   &finishedAt,
	}
	if exec.Status == domain.StatusPending {
		// pending cannot fail directly.
		startedAt := finishedAt
		if err := e.executions.UpdateExecutionStatus(ctx, domain.ExecutionStatusUpdate{
			Token: exec.Token, Status: domain.StatusRunning, StartedAt: &startedAt,
		}); err != nil {
			return fmt.Errorf("interrupt execution %s: %w", exec.Token, err)
		}
	}
	if err := e.executions.UpdateExecutionStatus(ctx, update); err != nil {
		return fmt.Errorf("interrupt execution %s: %w", exec.Token, err)
	}
	e.metrics.runAbandoned(domain.StatusFailed)
	e.emit(ctx, domain.Event{Kind: domain.EventExecutionUpdate, ExecutionToken: exec.Token, Status: domain.StatusFailed, OccurredAt: finishedAt})
	return nil
}

func (e *Engine) emit(ctx context.Context, event domain.Event) {
	if e.events == nil {
		return
	}
	e.events.Emit(ctx, event)
}

// stamp returns the current time at microsecond precision, strictly after prev.
func (e *Engine) stamp(prev time.Time) time.Time {
	return nextStamp(e.now(), prev)
}

func nextStamp(now, prev time.Time) time.Time {
	t := now.UTC().Truncate(time.Microsecond)
	if !prev.IsZero() && !t.After(prev) {
		t = prev.Add(time.Microsecond)
	}
	return t
}

func joinLogs(parts ...string) string {
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += p
	}
	return out
}
