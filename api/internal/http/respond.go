package httpx

import (
	"encoding/json"
	"net/http"
	"time"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type pipelineResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Config    string    `json:"config"`
	Warning   string    `json:"config_warning,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type stageResponse struct {
	OrderIndex int        `json:"order_index"`
	Name       string     `json:"stage_name"`
	Type       string     `json:"stage_type"`
	Status     string     `json:"status"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Logs       string     `json:"logs,omitempty"`
}

type executionResponse struct {
	ID            string          `json:"execution_id"`
	PipelineID    string          `json:"pipeline_id"`
	Status        string          `json:"status"`
	TriggeredBy   string          `json:"triggered_by"`
	EnvironmentID *string         `json:"environment_id,omitempty"`
	Logs          string          `json:"logs,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
	Stages        []stageResponse `json:"stages"`
}
