package repository

import (
	"errors"
	"testing"
	"time"

	"github.com/splax/pipelines/api/internal/domain"
)

func TestValidateExecutionUpdateFinishedAt(t *testing.T) {
	now := time.Now()
	if err := ValidateExecutionUpdate(domain.StatusRunning, domain.ExecutionStatusUpdate{Status: domain.StatusSuccess}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("terminal update without finished_at should fail, got %v", err)
	}
	if err := ValidateExecutionUpdate(domain.StatusPending, domain.ExecutionStatusUpdate{Status: domain.StatusRunning, FinishedAt: &now}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("running update with finished_at should fail, got %v", err)
	}
	if err := ValidateExecutionUpdate(domain.StatusRunning, domain.ExecutionStatusUpdate{Status: domain.StatusFailed, FinishedAt: &now}); err != nil {
		t.Fatalf("valid update rejected: %v", err)
	}
	if err := ValidateExecutionUpdate(domain.StatusSuccess, domain.ExecutionStatusUpdate{Status: domain.StatusFailed, FinishedAt: &now}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("terminal execution must be immutable, got %v", err)
	}
}

func TestValidateStageUpdateRequiresStart(t *testing.T) {
	now := time.Now()
	update := domain.StageStatusUpdate{Status: domain.StatusSuccess, FinishedAt: &now}
	if err := ValidateStageUpdate(domain.StatusRunning, nil, update); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("success without start should fail, got %v", err)
	}
	if err := ValidateStageUpdate(domain.StatusRunning, &now, update); err != nil {
		t.Fatalf("valid stage update rejected: %v", err)
	}
}
