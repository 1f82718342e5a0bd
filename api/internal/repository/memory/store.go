package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/splax/pipelines/api/internal/domain"
	"github.com/splax/pipelines/api/internal/repository"
)

const defaultListLimit = 20

// Store keeps pipelines and executions in process memory. Writes to one
// execution are serialized by that execution's own lock; reads of different
// executions proceed concurrently.
type Store struct {
	mu         sync.RWMutex
	pipelines  map[string]domain.Pipeline
	executions map[string]*record
	byPipeline map[string][]string
	nextID     int64
}

type record struct {
	mu        sync.Mutex
	execution *domain.Execution
}

var (
	_ repository.PipelineRepository  = (*Store)(nil)
	_ repository.ExecutionRepository = (*Store)(nil)
)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		pipelines:  make(map[string]domain.Pipeline),
		executions: make(map[string]*record),
		byPipeline: make(map[string][]string),
	}
}

// CreatePipeline stores a pipeline definition.
func (s *Store) CreatePipeline(ctx context.Context, pipeline *domain.Pipeline) error {
	if pipeline == nil || pipeline.ID == "" {
		return fmt.Errorf("create pipeline: id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pipelines[pipeline.ID]; exists {
		return fmt.Errorf("create pipeline %s: %w", pipeline.ID, repository.ErrConflict)
	}
	now := time.Now().UTC()
	if pipeline.CreatedAt.IsZero() {
		pipeline.CreatedAt = now
	}
	if pipeline.UpdatedAt.IsZero() {
		pipeline.UpdatedAt = pipeline.CreatedAt
	}
	s.pipelines[pipeline.ID] = *pipeline
	return nil
}

// GetPipelineByID returns a pipeline definition.
func (s *Store) GetPipelineByID(ctx context.Context, pipelineID string) (*domain.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pipelines[pipelineID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

// UpdatePipelineConfig replaces the stored configuration document.
func (s *Store) UpdatePipelineConfig(ctx context.Context, pipelineID, config string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pipelines[pipelineID]
	if !ok {
		return repository.ErrNotFound
	}
	p.Config = config
	p.UpdatedAt = time.Now().UTC()
	s.pipelines[pipelineID] = p
	return nil
}

// CreateExecution inserts a new pending execution and assigns its internal key.
func (s *Store) CreateExecution(ctx context.Context, execution *domain.Execution) error {
	if execution == nil || execution.Token == "" {
		return fmt.Errorf("create execution: token required")
	}
	if execution.Status != domain.StatusPending {
		return fmt.Errorf("create execution with status %q: %w", execution.Status, repository.ErrInvalidTransition)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[execution.Token]; exists {
		return fmt.Errorf("create execution %s: %w", execution.Token, repository.ErrConflict)
	}
	s.nextID++
	execution.ID = s.nextID
	stored := execution.Clone()
	stored.Stages = nil
	s.executions[execution.Token] = &record{execution: stored}
	s.byPipeline[execution.PipelineID] = append(s.byPipeline[execution.PipelineID], execution.Token)
	return nil
}

// GetExecutionByToken returns a snapshot of the execution and its stages.
func (s *Store) GetExecutionByToken(ctx context.Context, token string) (*domain.Execution, error) {
	rec, err := s.lookup(token)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.execution.Clone(), nil
}

// AppendStage adds the next stage of a running execution. The stage must be
// pending, carry the next order index, and follow a terminal predecessor.
func (s *Store) AppendStage(ctx context.Context, token string, stage *domain.StageExecution) error {
	if stage == nil {
		return fmt.Errorf("append stage: stage required")
	}
	rec, err := s.lookup(token)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	exec := rec.execution
	if exec.Status != domain.StatusRunning {
		return fmt.Errorf("append stage to %s execution: %w", exec.Status, repository.ErrInvalidTransition)
	}
	if stage.Status != domain.StatusPending {
		return fmt.Errorf("append stage with status %q: %w", stage.Status, repository.ErrInvalidTransition)
	}
	if stage.OrderIndex != len(exec.Stages) {
		return fmt.Errorf("append stage index %d, expected %d: %w", stage.OrderIndex, len(exec.Stages), repository.ErrConflict)
	}
	if n := len(exec.Stages); n > 0 && !exec.Stages[n-1].Status.Terminal() {
		return fmt.Errorf("append stage while stage %d is %s: %w", n-1, exec.Stages[n-1].Status, repository.ErrInvalidTransition)
	}
	stage.ExecutionID = exec.ID
	stored := *stage
	exec.Stages = append(exec.Stages, stored)
	return nil
}

// UpdateExecutionStatus applies a validated status transition.
func (s *Store) UpdateExecutionStatus(ctx context.Context, update domain.ExecutionStatusUpdate) error {
	rec, err := s.lookup(update.Token)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	exec := rec.execution
	if err := repository.ValidateExecutionUpdate(exec.Status, update); err != nil {
		return err
	}
	exec.Status = update.Status
	exec.Logs = update.Logs
	exec.ErrorMessage = update.ErrorMessage
	if update.StartedAt != nil {
		t := *update.StartedAt
		exec.StartedAt = &t
	}
	if update.FinishedAt != nil {
		t := *update.FinishedAt
		exec.FinishedAt = &t
	}
	return nil
}

// UpdateStageStatus applies a validated stage transition.
func (s *Store) UpdateStageStatus(ctx context.Context, update domain.StageStatusUpdate) error {
	rec, err := s.lookup(update.Token)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	exec := rec.execution
	if update.OrderIndex < 0 || update.OrderIndex >= len(exec.Stages) {
		return repository.ErrNotFound
	}
	stage := &exec.Stages[update.OrderIndex]
	if err := repository.ValidateStageUpdate(stage.Status, stage.StartedAt, update); err != nil {
		return err
	}
	stage.Status = update.Status
	stage.Logs = update.Logs
	if update.StartedAt != nil {
		t := *update.StartedAt
		stage.StartedAt = &t
	}
	if update.FinishedAt != nil {
		t := *update.FinishedAt
		stage.FinishedAt = &t
	}
	return nil
}

// LatestExecutionForPipeline returns the most recently created execution.
func (s *Store) LatestExecutionForPipeline(ctx context.Context, pipelineID string) (*domain.Execution, error) {
	s.mu.RLock()
	tokens := s.byPipeline[pipelineID]
	var rec *record
	if len(tokens) > 0 {
		rec = s.executions[tokens[len(tokens)-1]]
	}
	s.mu.RUnlock()
	if rec == nil {
		return nil, repository.ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.execution.Clone(), nil
}

// ListExecutionsByPipeline returns executions newest first.
func (s *Store) ListExecutionsByPipeline(ctx context.Context, pipelineID string, limit int) ([]domain.Execution, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	s.mu.RLock()
	tokens := s.byPipeline[pipelineID]
	recs := make([]*record, 0, min(limit, len(tokens)))
	for i := len(tokens) - 1; i >= 0 && len(recs) < limit; i-- {
		recs = append(recs, s.executions[tokens[i]])
	}
	s.mu.RUnlock()

	out := make([]domain.Execution, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		out = append(out, *rec.execution.Clone())
		rec.mu.Unlock()
	}
	return out, nil
}

// ListActiveExecutions returns executions still pending or running.
func (s *Store) ListActiveExecutions(ctx context.Context) ([]domain.Execution, error) {
	s.mu.RLock()
	recs := make([]*record, 0, len(s.executions))
	for _, rec := range s.executions {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	out := make([]domain.Execution, 0)
	for _, rec := range recs {
		rec.mu.Lock()
		if !rec.execution.Status.Terminal() {
			out = append(out, *rec.execution.Clone())
		}
		rec.mu.Unlock()
	}
	return out, nil
}

// DeleteExecution removes an execution together with its stages.
func (s *Store) DeleteExecution(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.executions[token]
	if !ok {
		return repository.ErrNotFound
	}
	delete(s.executions, token)
	pipelineID := rec.execution.PipelineID
	tokens := s.byPipeline[pipelineID]
	for i, t := range tokens {
		if t == token {
			s.byPipeline[pipelineID] = append(tokens[:i:i], tokens[i+1:]...)
			break
		}
	}
	if len(s.byPipeline[pipelineID]) == 0 {
		delete(s.byPipeline, pipelineID)
	}
	return nil
}

// Ping always succeeds; it lets the store stand in for a database health check.
func (s *Store) Ping(ctx context.Context) error {
	return nil
}

func (s *Store) lookup(token string) (*record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.executions[token]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return rec, nil
}
