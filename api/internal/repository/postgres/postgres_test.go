package postgres

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/pipelines/api/internal/app/migrate"
	"github.com/splax/pipelines/api/internal/domain"
	"github.com/splax/pipelines/api/internal/repository"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	dsn := os.Getenv("PIPELINES_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("PIPELINES_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	runner, err := migrate.New(pool, "../../../../db/migrations", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("migrator: %v", err)
	}
	if err := runner.Ensure(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(pool)
}

func seedPipeline(t *testing.T, repo *Repository) string {
	t.Helper()
	id := "test-" + uuid.NewString()
	if err := repo.CreatePipeline(context.Background(), &domain.Pipeline{ID: id, Name: "test"}); err != nil {
		t.Fatalf("create pipeline: %v", err)
	}
	return id
}

func TestExecutionLifecycle(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	pipelineID := seedPipeline(t, repo)

	token := uuid.NewString()
	now := time.Now().UTC().Truncate(time.Microsecond)
	exec := &domain.Execution{Token: token, PipelineID: pipelineID, Status: domain.StatusPending, TriggeredBy: "tester", CreatedAt: now}
	if err := repo.CreateExecution(ctx, exec); err != nil {
		t.Fatalf("create execution: %v", err)
	}
	t.Cleanup(func() { repo.DeleteExecution(context.Background(), token) })
	if exec.ID == 0 {
		t.Fatal("expected id to be assigned")
	}

	if err := repo.UpdateExecutionStatus(ctx, domain.ExecutionStatusUpdate{Token: token, Status: domain.StatusRunning, StartedAt: &now}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := repo.AppendStage(ctx, token, &domain.StageExecution{OrderIndex: 0, StageName: "Build", StageType: domain.StageBuild, Status: domain.StatusPending}); err != nil {
		t.Fatalf("append stage: %v", err)
	}
	if err := repo.AppendStage(ctx, token, &domain.StageExecution{OrderIndex: 1, Status: domain.StatusPending}); !errors.Is(err, repository.ErrInvalidTransition) {
		t.Fatalf("expected predecessor check, got %v", err)
	}
	if err := repo.UpdateStageStatus(ctx, domain.StageStatusUpdate{Token: token, OrderIndex: 0, Status: domain.StatusRunning, StartedAt: &now}); err != nil {
		t.Fatalf("stage running: %v", err)
	}
	done := now.Add(time.Second)
	if err := repo.UpdateStageStatus(ctx, domain.StageStatusUpdate{Token: token, OrderIndex: 0, Status: domain.StatusSuccess, FinishedAt: &done, Logs: "ok"}); err != nil {
		t.Fatalf("stage success: %v", err)
	}
	if err := repo.UpdateExecutionStatus(ctx, domain.ExecutionStatusUpdate{Token: token, Status: domain.StatusSuccess, FinishedAt: &done}); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := repo.UpdateExecutionStatus(ctx, domain.ExecutionStatusUpdate{Token: token, Status: domain.StatusFailed, FinishedAt: &done}); !errors.Is(err, repository.ErrInvalidTransition) {
		t.Fatalf("terminal execution should be immutable, got %v", err)
	}

	got, err := repo.GetExecutionByToken(ctx, token)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusSuccess || got.FinishedAt == nil || len(got.Stages) != 1 || got.Stages[0].Logs != "ok" {
		t.Fatalf("unexpected execution %+v", got)
	}

	latest, err := repo.LatestExecutionForPipeline(ctx, pipelineID)
	if err != nil || latest.Token != token {
		t.Fatalf("latest: %+v %v", latest, err)
	}
}

func TestCreateExecutionUnknownPipeline(t *testing.T) {
	repo := newTestRepository(t)
	err := repo.CreateExecution(context.Background(), &domain.Execution{Token: uuid.NewString(), PipelineID: "missing-" + uuid.NewString(), Status: domain.StatusPending, CreatedAt: time.Now()})
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetExecutionMissing(t *testing.T) {
	repo := newTestRepository(t)
	if _, err := repo.GetExecutionByToken(context.Background(), uuid.NewString()); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
