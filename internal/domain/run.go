package domain

import (
	"encoding/json"
	"time"
)

// RunRecord is a generation request queued for browser-side execution.
type RunRecord struct {
	ID          string            `json:"id"`
	ProjectID   string            `json:"projectId"`
	Value       string            `json:"value"`
	BaseFiles   map[string]string `json:"baseFiles,omitempty"`
	Framework   string            `json:"framework,omitempty"`
	Model       string            `json:"model,omitempty"`
	SandboxID   string            `json:"sandboxId,omitempty"`
	Status      RunStatus         `json:"status"`
	ExecutorID  string            `json:"executorId,omitempty"`
	Result      json.RawMessage   `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	ClaimedAt   *time.Time        `json:"claimedAt,omitempty"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
}

// Fragment is the persisted artifact of one completed generation.
type Fragment struct {
	ID           string            `json:"id"`
	ProjectID    string            `json:"projectId"`
	GenerationID string            `json:"generationId"`
	RunID        string            `json:"runId,omitempty"`
	SandboxID    string            `json:"sandboxId,omitempty"`
	Summary      string            `json:"summary"`
	Files        map[string]string `json:"files"`
	Validated    bool              `json:"validated"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// Event is a recorded stream event kept for replay.
type Event struct {
	EventID      string          `json:"eventId"`
	GenerationID string          `json:"generationId"`
	Seq          int64           `json:"seq"`
	Ts           int64           `json:"ts"`
	Type         EventType       `json:"type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}
