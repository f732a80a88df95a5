package entity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	RunPending RunStatus = "pending"
	RunRunning RunStatus = "running"
	RunDone    RunStatus = "done"
	RunError   RunStatus = "error"
)

// Event kinds accepted by the relay. EventRepoUpdate is internal, raised
// by the gitea push hook rather than the inventory UI.
const (
	EventVLANCreated = "vlan_created"
	EventManualSync  = "manual_sync"
	EventRunTests    = "run_anta_test"
	EventRepoUpdate  = "repo_update"
)

// TaskRun is the audit record of one background task triggered by a
// webhook. The HTTP response is long gone by the time the task runs, so
// this row is the only place its outcome is visible.
type TaskRun struct {
	ID      uuid.UUID       `json:"id"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Status  RunStatus       `json:"status"`
	// Output is the task outcome (branch, pushed, skip reason).
	Output    json.RawMessage `json:"output,omitempty"`
	Error     *string         `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
