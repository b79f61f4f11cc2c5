package models

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is the lifecycle status of one playbook run.
type ExecutionStatus string

// Execution statuses.
const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the execution can no longer change state.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// Execution is one run of a catalog entry. Its authoritative state is the
// fold over its events; this row carries only identity and a cached summary.
type Execution struct {
	ID                int64           `json:"execution_id"`
	CatalogID         int64           `json:"catalog_id"`
	CatalogPath       string          `json:"catalog_path"`
	ParentExecutionID *int64          `json:"parent_execution_id,omitempty"`
	ParentNodeID      string          `json:"parent_node_id,omitempty"`
	Status            ExecutionStatus `json:"status"`
	Workload          json.RawMessage `json:"workload,omitempty"`
	StartedAt         time.Time       `json:"started_at"`
	EndedAt           *time.Time      `json:"ended_at,omitempty"`
	Error             string          `json:"error,omitempty"`
	LastEventID       int64           `json:"last_event_id"`
	CallbackRequestID string          `json:"callback_request_id,omitempty"`
}
