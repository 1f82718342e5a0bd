package repository

import (
	"context"

	"github.com/splax/pipelines/api/internal/domain"
)

// PipelineRepository reads and stores pipeline definitions.
type PipelineRepository interface {
	CreatePipeline(ctx context.Context, pipeline *domain.Pipeline) error
	GetPipelineByID(ctx context.Context, pipelineID string) (*domain.Pipeline, error)
	UpdatePipelineConfig(ctx context.Context, pipelineID, config string) error
}

// ExecutionRepository persists executions and their stages. Updates are
// full-field replacements validated against the status state machine.
type ExecutionRepository interface {
	CreateExecution(ctx context.Context, execution *domain.Execution) error
	GetExecutionByToken(ctx context.Context, token string) (*domain.Execution, error)
	AppendStage(ctx context.Context, token string, stage *domain.StageExecution) error
	UpdateExecutionStatus(ctx context.Context, update domain.ExecutionStatusUpdate) error
	UpdateStageStatus(ctx context.Context, update domain.StageStatusUpdate) error
	LatestExecutionForPipeline(ctx context.Context, pipelineID string) (*domain.Execution, error)
	ListExecutionsByPipeline(ctx context.Context, pipelineID string, limit int) ([]domain.Execution, error)
	ListActiveExecutions(ctx context.Context) ([]domain.Execution, error)
	DeleteExecution(ctx context.Context, token string) error
}
