package domain

import (
	"testing"
	"time"
)

func TestStatusTransitions(t *testing.T) {
	allowed := map[Status][]Status{
		StatusPending: {StatusRunning, StatusCancelled},
		StatusRunning: {StatusSuccess, StatusFailed, StatusCancelled},
	}
	all := []Status{StatusPending, StatusRunning, StatusSuccess, StatusFailed, StatusCancelled}
	for _, from := range all {
		for _, to := range all {
			want := false
			for _, ok := range allowed[from] {
				if ok == to {
					want = true
				}
			}
			if got := from.CanTransition(to); got != want {
				t.Fatalf("%s -> %s: got %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestStageTransitionsNeverCancel(t *testing.T) {
	if StatusRunning.CanTransitionStage(StatusCancelled) {
		t.Fatal("stages must not be cancelled")
	}
	if !StatusPending.CanTransitionStage(StatusRunning) || !StatusRunning.CanTransitionStage(StatusFailed) {
		t.Fatal("expected pending -> running -> failed to be allowed")
	}
	if StatusSuccess.CanTransitionStage(StatusRunning) {
		t.Fatal("terminal stage status must be immutable")
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []Status{StatusSuccess, StatusFailed, StatusCancelled} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusRunning} {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
	if Status("queued").Valid() {
		t.Fatal("unknown status reported valid")
	}
}

func TestCloneIsDeep(t *testing.T) {
	now := time.Now()
	env := "prod"
	orig := &Execution{Token: "t", EnvironmentID: &env, StartedAt: &now, Stages: []StageExecution{{StageName: "Build", StartedAt: &now}}}
	cp := orig.Clone()
	cp.Stages[0].StageName = "Changed"
	*cp.EnvironmentID = "dev"
	later := now.Add(time.Hour)
	*cp.Stages[0].StartedAt = later
	if orig.Stages[0].StageName != "Build" || *orig.EnvironmentID != "prod" || !orig.Stages[0].StartedAt.Equal(now) {
		t.Fatal("clone shares state with original")
	}
	var nilExec *Execution
	if nilExec.Clone() != nil {
		t.Fatal("nil clone should be nil")
	}
}
