package repository

import (
	"fmt"
	"time"

	"github.com/splax/pipelines/api/internal/domain"
)

// ValidateExecutionUpdate checks an execution update against the current status.
// finishedAt must be supplied exactly when the target status is terminal.
func ValidateExecutionUpdate(current domain.Status, update domain.ExecutionStatusUpdate) error {
	if !current.CanTransition(update.Status) {
		return fmt.Errorf("execution %s -> %s: %w", current, update.Status, ErrInvalidTransition)
	}
	if update.Status.Terminal() != (update.FinishedAt != nil) {
		return fmt.Errorf("execution %s: finished_at must be set only for terminal status: %w", update.Status, ErrInvalidTransition)
	}
	return nil
}

// ValidateStageUpdate checks a stage update. A stage cannot succeed without a start time.
func ValidateStageUpdate(current domain.Status, startedAt *time.Time, update domain.StageStatusUpdate) error {
	if !current.CanTransitionStage(update.Status) {
		return fmt.Errorf("stage %d %s -> %s: %w", update.OrderIndex, current, update.Status, ErrInvalidTransition)
	}
	if update.Status == domain.StatusSuccess && startedAt == nil && update.StartedAt == nil {
		return fmt.Errorf("stage %d cannot succeed before it started: %w", update.OrderIndex, ErrInvalidTransition)
	}
	return nil
}
