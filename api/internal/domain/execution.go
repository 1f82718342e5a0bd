package domain

import "time"

// Status is the lifecycle state shared by executions and their stages.
type Status string

// Execution and stage statuses.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are permitted.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the five known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSuccess, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether an execution may move from s to next.
// A queued run may be cancelled before it ever starts running.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusCancelled
	case StatusRunning:
		return next.Terminal()
	}
	return false
}

// CanTransitionStage is the stage sub-machine: stages never become cancelled.
func (s Status) CanTransitionStage(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning
	case StatusRunning:
		return next == StatusSuccess || next == StatusFailed
	}
	return false
}

// Execution is one run of a pipeline definition.
type Execution struct {
	ID            int64
	Token         string
	PipelineID    string
	Status        Status
	TriggeredBy   string
	EnvironmentID *string
	Logs          string
	ErrorMessage  string
	CreatedAt     time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
	Stages        []StageExecution
}

// StageExecution is one stage's run within an execution.
type StageExecution struct {
	ExecutionID int64
	OrderIndex  int
	StageName   string
	StageType   StageType
	Status      Status
	StartedAt   *time.Time
	FinishedAt  *time.Time
	Logs        string
}

// ExecutionStatusUpdate captures the mutable fields of an execution.
type ExecutionStatusUpdate struct {
	Token        string
	Status       Status
	Logs         string
	ErrorMessage string
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// StageStatusUpdate captures the mutable fields of a stage, keyed by (execution, order index).
type StageStatusUpdate struct {
	Token      string
	OrderIndex int
	Status     Status
	Logs       string
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// Clone returns a deep copy so callers never share stage slices or timestamps with a store.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	out := *e
	out.EnvironmentID = cloneString(e.EnvironmentID)
	out.StartedAt = cloneTime(e.StartedAt)
	out.FinishedAt = cloneTime(e.FinishedAt)
	if e.Stages != nil {
		out.Stages = make([]StageExecution, len(e.Stages))
		for i, st := range e.Stages {
			st.StartedAt = cloneTime(st.StartedAt)
			st.FinishedAt = cloneTime(st.FinishedAt)
			out.Stages[i] = st
		}
	}
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
