package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/pipelines/api/internal/domain"
	"github.com/splax/pipelines/api/internal/repository"
)

const defaultListLimit = 20

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.PipelineRepository  = (*Repository)(nil)
	_ repository.ExecutionRepository = (*Repository)(nil)
)

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// CreatePipeline inserts a pipeline definition.
func (r *Repository) CreatePipeline(ctx context.Context, pipeline *domain.Pipeline) error {
	const query = `INSERT INTO pipelines (id, name, config, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW()) RETURNING created_at, updated_at`
	err := r.pool.QueryRow(ctx, query, pipeline.ID, pipeline.Name, pipeline.Config).
		Scan(&pipeline.CreatedAt, &pipeline.UpdatedAt)
	return mapWriteError(err)
}

// GetPipelineByID fetches a pipeline definition.
func (r *Repository) GetPipelineByID(ctx context.Context, pipelineID string) (*domain.Pipeline, error) {
	const query = `SELECT id, name, config, created_at, updated_at FROM pipelines WHERE id = $1`
	var p domain.Pipeline
	if err := r.pool.QueryRow(ctx, query, pipelineID).Scan(&p.ID, &p.Name, &p.Config, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// UpdatePipelineConfig replaces the stored configuration document.
func (r *Repository) UpdatePipelineConfig(ctx context.Context, pipelineID, config string) error {
	const query = `UPDATE pipelines SET config = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, pipelineID, config)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

const executionColumns = `id, token, pipeline_id, status, triggered_by, environment_id, logs, error_message, created_at, started_at, finished_at`

// CreateExecution inserts a pending execution and assigns its internal key.
func (r *Repository) CreateExecution(ctx context.Context, execution *domain.Execution) error {
	if execution.Status != domain.StatusPending {
		return fmt.Errorf("create execution with status %q: %w", execution.Status, repository.ErrInvalidTransition)
	}
	const query = `INSERT INTO pipeline_executions (token, pipeline_id, status, triggered_by, environment_id, logs, error_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`
	err := r.pool.QueryRow(ctx, query,
		execution.Token,
		execution.PipelineID,
		string(execution.Status),
		execution.TriggeredBy,
		execution.EnvironmentID,
		execution.Logs,
		execution.ErrorMessage,
		execution.CreatedAt,
	).Scan(&execution.ID)
	return mapWriteError(err)
}

// GetExecutionByToken returns an execution with its ordered stages.
func (r *Repository) GetExecutionByToken(ctx context.Context, token string) (*domain.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM pipeline_executions WHERE token = $1`
	exec, err := scanExecution(r.pool.QueryRow(ctx, query, token))
	if err != nil {
		return nil, err
	}
	if err := r.loadStages(ctx, r.pool, exec); err != nil {
		return nil, err
	}
	return exec, nil
}

// AppendStage inserts the next stage of a running execution. The execution row
// is locked for the duration so concurrent writers to the same run serialize.
func (r *Repository) AppendStage(ctx context.Context, token string, stage *domain.StageExecution) error {
	if stage.Status != domain.StatusPending {
		return fmt.Errorf("append stage with status %q: %w", stage.Status, repository.ErrInvalidTransition)
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	id, status, err := lockExecution(ctx, tx, token)
	if err != nil {
		return err
	}
	if status != domain.StatusRunning {
		return fmt.Errorf("append stage to %s execution: %w", status, repository.ErrInvalidTransition)
	}

	var count int
	var lastStatus *string
	const tail = `SELECT COUNT(1), (SELECT status FROM stage_executions WHERE execution_id = $1 ORDER BY order_index DESC LIMIT 1)
		FROM stage_executions WHERE execution_id = $1`
	if err := tx.QueryRow(ctx, tail, id).Scan(&count, &lastStatus); err != nil {
		return err
	}
	if stage.OrderIndex != count {
		return fmt.Errorf("append stage index %d, expected %d: %w", stage.OrderIndex, count, repository.ErrConflict)
	}
	if lastStatus != nil && !domain.Status(*lastStatus).Terminal() {
		return fmt.Errorf("append stage while stage %d is %s: %w", count-1, *lastStatus, repository.ErrInvalidTransition)
	}

	const insert = `INSERT INTO stage_executions (execution_id, order_index, stage_name, stage_type, status, started_at, finished_at, logs)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := tx.Exec(ctx, insert, id, stage.OrderIndex, stage.StageName, string(stage.StageType), string(stage.Status), stage.StartedAt, stage.FinishedAt, stage.Logs); err != nil {
		return mapWriteError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	stage.ExecutionID = id
	return nil
}

// UpdateExecutionStatus applies a validated status transition under a row lock.
func (r *Repository) UpdateExecutionStatus(ctx context.Context, update domain.ExecutionStatusUpdate) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	id, status, err := lockExecution(ctx, tx, update.Token)
	if err != nil {
		return err
	}
	if err := repository.ValidateExecutionUpdate(status, update); err != nil {
		return err
	}
	const query = `UPDATE pipeline_executions
		SET status = $2, logs = $3, error_message = $4,
			started_at = COALESCE($5, started_at), finished_at = COALESCE($6, finished_at)
		WHERE id = $1`
	if _, err := tx.Exec(ctx, query, id, string(update.Status), update.Logs, update.ErrorMessage, update.StartedAt, update.FinishedAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// UpdateStageStatus applies a validated stage transition under the owning execution's row lock.
func (r *Repository) UpdateStageStatus(ctx context.Context, update domain.StageStatusUpdate) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	id, _, err := lockExecution(ctx, tx, update.Token)
	if err != nil {
		return err
	}
	var current string
	var startedAt *time.Time
	const read = `SELECT status, started_at FROM stage_executions WHERE execution_id = $1 AND order_index = $2`
	if err := tx.QueryRow(ctx, read, id, update.OrderIndex).Scan(&current, &startedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		return err
	}
	if err := repository.ValidateStageUpdate(domain.Status(current), startedAt, update); err != nil {
		return err
	}
	const query = `UPDATE stage_executions
		SET status = $3, logs = $4,
			started_at = COALESCE($5, started_at), finished_at = COALESCE($6, finished_at)
		WHERE execution_id = $1 AND order_index = $2`
	if _, err := tx.Exec(ctx, query, id, update.OrderIndex, string(update.Status), update.Logs, update.StartedAt, update.FinishedAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// LatestExecutionForPipeline returns the most recently created execution.
func (r *Repository) LatestExecutionForPipeline(ctx context.Context, pipelineID string) (*domain.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM pipeline_executions
		WHERE pipeline_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`
	exec, err := scanExecution(r.pool.QueryRow(ctx, query, pipelineID))
	if err != nil {
		return nil, err
	}
	if err := r.loadStages(ctx, r.pool, exec); err != nil {
		return nil, err
	}
	return exec, nil
}

// ListExecutionsByPipeline returns executions newest first, without stages.
func (r *Repository) ListExecutionsByPipeline(ctx context.Context, pipelineID string, limit int) ([]domain.Execution, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `SELECT ` + executionColumns + ` FROM pipeline_executions
		WHERE pipeline_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`
	return r.queryExecutions(ctx, query, pipelineID, limit)
}

// ListActiveExecutions returns executions that have not reached a terminal status.
func (r *Repository) ListActiveExecutions(ctx context.Context) ([]domain.Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM pipeline_executions
		WHERE status IN ('pending', 'running') ORDER BY created_at`
	return r.queryExecutions(ctx, query)
}

// DeleteExecution removes an execution; stages cascade.
func (r *Repository) DeleteExecution(ctx context.Context, token string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM pipeline_executions WHERE token = $1`, token)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *Repository) queryExecutions(ctx context.Context, query string, args ...any) ([]domain.Execution, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	executions := make([]domain.Execution, 0)
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, *exec)
	}
	return executions, rows.Err()
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (r *Repository) loadStages(ctx context.Context, q querier, exec *domain.Execution) error {
	const query = `SELECT execution_id, order_index, stage_name, stage_type, status, started_at, finished_at, logs
		FROM stage_executions WHERE execution_id = $1 ORDER BY order_index`
	rows, err := q.Query(ctx, query, exec.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	stages := make([]domain.StageExecution, 0)
	for rows.Next() {
		var st domain.StageExecution
		var stageType, status string
		if err := rows.Scan(&st.ExecutionID, &st.OrderIndex, &st.StageName, &stageType, &status, &st.StartedAt, &st.FinishedAt, &st.Logs); err != nil {
			return err
		}
		st.StageType = domain.StageType(stageType)
		st.Status = domain.Status(status)
		stages = append(stages, st)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	exec.Stages = stages
	return nil
}

func scanExecution(row pgx.Row) (*domain.Execution, error) {
	var e domain.Execution
	var status string
	if err := row.Scan(&e.ID, &e.Token, &e.PipelineID, &status, &e.TriggeredBy, &e.EnvironmentID, &e.Logs, &e.ErrorMessage, &e.CreatedAt, &e.StartedAt, &e.FinishedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	e.Status = domain.Status(status)
	return &e, nil
}

func lockExecution(ctx context.Context, tx pgx.Tx, token string) (int64, domain.Status, error) {
	var id int64
	var status string
	const query = `SELECT id, status FROM pipeline_executions WHERE token = $1 FOR UPDATE`
	if err := tx.QueryRow(ctx, query, token).Scan(&id, &status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, "", repository.ErrNotFound
		}
		return 0, "", err
	}
	return id, domain.Status(status), nil
}

func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23503":
			return repository.ErrNotFound
		case "23505":
			return repository.ErrConflict
		case "23514":
			return repository.ErrInvalidTransition
		}
	}
	return err
}
