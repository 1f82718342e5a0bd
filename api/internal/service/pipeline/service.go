package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/splax/pipelines/api/internal/domain"
	"github.com/splax/pipelines/api/internal/repository"
	"github.com/splax/pipelines/api/internal/service/definition"
)

// ErrInvalidPipeline indicates a create or update request missing required fields.
var ErrInvalidPipeline = errors.New("pipeline: invalid request")

// Service manages stored pipeline definitions.
type Service struct {
	repo   repository.PipelineRepository
	logger *slog.Logger
}

// New constructs a pipeline service.
func New(repo repository.PipelineRepository, logger *slog.Logger) Service {
	return Service{repo: repo, logger: logger}
}

// CreateInput describes a new pipeline. ID is generated when empty.
type CreateInput struct {
	ID     string
	Name   string
	Config string
}

// Result pairs a pipeline with a warning describing why its configuration
// will resolve to the default stages, if it does.
type Result struct {
	Pipeline *domain.Pipeline
	Warning  string
}

// Create stores a pipeline definition.
func (s Service) Create(ctx context.Context, in CreateInput) (Result, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Result{}, fmt.Errorf("name required: %w", ErrInvalidPipeline)
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = uuid.NewString()
	}
	p := &domain.Pipeline{ID: id, Name: name, Config: in.Config}
	if err := s.repo.CreatePipeline(ctx, p); err != nil {
		return Result{}, err
	}
	s.logger.Info("pipeline created", "pipeline_id", p.ID)
	return Result{Pipeline: p, Warning: configWarning(in.Config)}, nil
}

// Get returns a pipeline definition.
func (s Service) Get(ctx context.Context, id string) (Result, error) {
	p, err := s.repo.GetPipelineByID(ctx, id)
	if err != nil {
		return Result{}, err
	}
	return Result{Pipeline: p, Warning: configWarning(p.Config)}, nil
}

// UpdateConfig replaces the configuration. Runs already started keep the
// stages they resolved when they began.
func (s Service) UpdateConfig(ctx context.Context, id, config string) (Result, error) {
	if err := s.repo.UpdatePipelineConfig(ctx, id, config); err != nil {
		return Result{}, err
	}
	s.logger.Info("pipeline config updated", "pipeline_id", id)
	return s.Get(ctx, id)
}

func configWarning(config string) string {
	if strings.TrimSpace(config) == "" {
		return ""
	}
	if _, err := definition.Parse(config); err != nil {
		return fmt.Sprintf("configuration is not usable, default stages will run: %v", err)
	}
	return ""
}
