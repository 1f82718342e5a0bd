package domain

import "time"

// EventKind names a broadcast notification.
type EventKind string

// Event kinds pushed to observers of an execution.
const (
	EventExecutionUpdate EventKind = "execution_update"
	EventStageUpdate     EventKind = "stage_update"
)

// Event is a status transition notification scoped to one execution token.
type Event struct {
	Kind           EventKind
	ExecutionToken string
	StageName      string
	OrderIndex     int
	Status         Status
	OccurredAt     time.Time
}
