package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/splax/pipelines/api/internal/domain"
	"github.com/splax/pipelines/api/internal/repository"
)

// StatusStarted is reported to callers once a run has been handed to the engine.
const StatusStarted = "started"

// InterruptedReason is recorded on runs abandoned by a previous process.
const InterruptedReason = "execution interrupted by service restart"

var (
	// ErrInvalidRequest indicates a malformed dispatch request.
	ErrInvalidRequest = errors.New("execution: invalid request")
	// ErrAlreadyFinished indicates a cancel request for a terminal run.
	ErrAlreadyFinished = errors.New("execution: already finished")
	// ErrNotOwned indicates the run is not executing in this process.
	ErrNotOwned = errors.New("execution: not running on this instance")
	// ErrShuttingDown indicates the service no longer accepts runs.
	ErrShuttingDown = errors.New("execution: service shutting down")
)

// Engine runs and finalizes executions.
type Engine interface {
	Run(ctx context.Context, token string) error
	Interrupt(ctx context.Context, exec *domain.Execution, reason string) error
}

// Options tunes the dispatcher.
type Options struct {
	// MaxConcurrent bounds running executions; zero leaves them unbounded.
	MaxConcurrent int
	// NewToken generates execution tokens. Defaults to random UUIDs.
	NewToken func() string
	Now      func() time.Time
}

// DispatchInput describes a run request.
type DispatchInput struct {
	PipelineID    string
	TriggeredBy   string
	EnvironmentID *string
}

// DispatchResult is returned as soon as a run has been handed off.
type DispatchResult struct {
	Token  string `json:"execution_id"`
	Status string `json:"status"`
}

// Service accepts run requests and owns the goroutine of every run it starts.
type Service struct {
	executions repository.ExecutionRepository
	pipelines  repository.PipelineRepository
	engine     Engine
	logger     *slog.Logger
	sem        *semaphore.Weighted
	newToken   func() string
	now        func() time.Time

	base context.Context
	stop context.CancelFunc

	mu       sync.Mutex
	closed   bool
	inflight map[string]context.CancelFunc
	wg       sync.WaitGroup
}

// New constructs a dispatcher.
func New(executions repository.ExecutionRepository, pipelines repository.PipelineRepository, engine Engine, logger *slog.Logger, opts Options) *Service {
	base, stop := context.WithCancel(context.Background())
	s := &Service{
		executions: executions,
		pipelines:  pipelines,
		engine:     engine,
		logger:     logger.With("component", "dispatcher"),
		newToken:   opts.NewToken,
		now:        opts.Now,
		base:       base,
		stop:       stop,
		inflight:   make(map[string]context.CancelFunc),
	}
	if opts.MaxConcurrent > 0 {
		s.sem = semaphore.NewWeighted(int64(opts.MaxConcurrent))
	}
	if s.newToken == nil {
		s.newToken = uuid.NewString
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Dispatch records a pending execution and starts it in the background. It
// never waits for stage work.
func (s *Service) Dispatch(ctx context.Context, in DispatchInput) (DispatchResult, error) {
	pipelineID := strings.TrimSpace(in.PipelineID)
	if pipelineID == "" {
		return DispatchResult{}, fmt.Errorf("pipeline id required: %w", ErrInvalidRequest)
	}
	if strings.TrimSpace(in.TriggeredBy) == "" {
		return DispatchResult{}, fmt.Errorf("triggering actor required: %w", ErrInvalidRequest)
	}
	if s.isClosed() {
		return DispatchResult{}, ErrShuttingDown
	}
	if _, err := s.pipelines.GetPipelineByID(ctx, pipelineID); err != nil {
		return DispatchResult{}, err
	}

	exec := &domain.Execution{
		Token:         s.newToken(),
		PipelineID:    pipelineID,
		Status:        domain.StatusPending,
		TriggeredBy:   in.TriggeredBy,
		EnvironmentID: in.EnvironmentID,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.executions.CreateExecution(ctx, exec); err != nil {
		return DispatchResult{}, fmt.Errorf("create execution: %w", err)
	}
	s.logger.Info("execution dispatched", "execution_id", exec.Token, "pipeline_id", pipelineID, "triggered_by", in.TriggeredBy)
	s.launch(exec.Token)
	return DispatchResult{Token: exec.Token, Status: StatusStarted}, nil
}

func (s *Service) launch(token string) {
	runCtx, cancel := context.WithCancel(s.base)

	s.mu.Lock()
	if s.closed {
		// The run was recorded while shutting down; the engine finalizes it as cancelled.
		cancel()
	}
	s.inflight[token] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, token)
			s.mu.Unlock()
			cancel()
		}()
		if s.sem != nil {
			// A failed acquire means runCtx is done, which the engine records as cancelled.
			if err := s.sem.Acquire(runCtx, 1); err == nil {
				defer s.sem.Release(1)
			}
		}
		if err := s.engine.Run(runCtx, token); err != nil {
			s.logger.Error("execution run failed", "execution_id", token, "error", err)
		}
	}()
}

// Get returns an execution with its stages.
func (s *Service) Get(ctx context.Context, token string) (*domain.Execution, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("execution id required: %w", ErrInvalidRequest)
	}
	return s.executions.GetExecutionByToken(ctx, token)
}

// Last returns the pipeline's most recent execution, or nil when it has never run.
func (s *Service) Last(ctx context.Context, pipelineID string) (*domain.Execution, error) {
	if _, err := s.pipelines.GetPipelineByID(ctx, pipelineID); err != nil {
		return nil, err
	}
	exec, err := s.executions.LatestExecutionForPipeline(ctx, pipelineID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	return exec, err
}

// List returns the pipeline's executions, newest first.
func (s *Service) List(ctx context.Context, pipelineID string, limit int) ([]domain.Execution, error) {
	if _, err := s.pipelines.GetPipelineByID(ctx, pipelineID); err != nil {
		return nil, err
	}
	return s.executions.ListExecutionsByPipeline(ctx, pipelineID, limit)
}

// Cancel asks the engine running token to stop. The run reaches cancelled
// asynchronously; observers see it through the usual execution_update event.
func (s *Service) Cancel(ctx context.Context, token string) error {
	exec, err := s.Get(ctx, token)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return ErrAlreadyFinished
	}
	s.mu.Lock()
	cancel, ok := s.inflight[token]
	s.mu.Unlock()
	if !ok {
		return ErrNotOwned
	}
	cancel()
	s.logger.Info("execution cancel requested", "execution_id", token)
	return nil
}

// RecoverOrphans fails executions left pending or running by a previous
// process. Call it once at startup, before accepting requests.
func (s *Service) RecoverOrphans(ctx context.Context) (int, error) {
	active, err := s.executions.ListActiveExecutions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active executions: %w", err)
	}
	recovered := 0
	for i := range active {
		exec := &active[i]
		if s.owns(exec.Token) {
			continue
		}
		if err := s.engine.Interrupt(ctx, exec, InterruptedReason); err != nil {
			s.logger.Warn("failed to recover execution", "execution_id", exec.Token, "error", err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		s.logger.Info("recovered orphaned executions", "count", recovered)
	}
	return recovered, nil
}

// Running reports how many runs this process currently owns.
func (s *Service) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Wait blocks until every started run has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Shutdown stops accepting runs, cancels in-flight runs, and waits for the
// engine to finalize them or for ctx to expire.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) owns(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inflight[token]
	return ok
}

func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
