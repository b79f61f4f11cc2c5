// Package models defines the persistent records shared across the engine,
// dispatcher, worker runtime, and API layers.
package models

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of an event record.
type EventType string

// Event types appended to the per-execution log.
const (
	EventPlaybookInitialized EventType = "playbook.initialized"
	EventPlaybookCompleted   EventType = "playbook.completed"
	EventPlaybookFailed      EventType = "playbook.failed"

	EventStepStarted    EventType = "step.started"
	EventStepDispatched EventType = "step.dispatched"
	EventStepResult     EventType = "step.result"
	EventStepCompleted  EventType = "step.completed"
	EventStepFailed     EventType = "step.failed"
	EventStepLost       EventType = "step.lost"
	EventStepSkipped    EventType = "step.skipped"
	EventStepCancelled  EventType = "step.cancelled"

	EventLoopStarted   EventType = "loop.started"
	EventLoopCompleted EventType = "loop.completed"

	EventSinkStarted   EventType = "sink.started"
	EventSinkCompleted EventType = "sink.completed"

	EventCaseEvaluated EventType = "case.evaluated"

	EventExecutionCancelRequested EventType = "execution.cancel_requested"
	EventExecutionCancelled       EventType = "execution.cancelled"
	EventExecutionCompleted       EventType = "execution.completed"
	EventExecutionFailed          EventType = "execution.failed"
)

// NodeStatus is the projected status of a step name within an execution.
type NodeStatus string

// Node statuses. Completed, failed, skipped and cancelled are terminal.
const (
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
	NodeCancelled NodeStatus = "cancelled"
)

// Terminal reports whether a node status admits no further transitions.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeCompleted, NodeFailed, NodeSkipped, NodeCancelled:
		return true
	}
	return false
}

// Event is one immutable record in an execution's append-only log.
// EventID is monotonic within the execution and assigned by the store.
type Event struct {
	ExecutionID       int64           `json:"execution_id"`
	EventID           int64           `json:"event_id"`
	ParentEventID     *int64          `json:"parent_event_id,omitempty"`
	ParentExecutionID *int64          `json:"parent_execution_id,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	EventType         EventType       `json:"event_type"`
	NodeID            string          `json:"node_id,omitempty"`
	NodeName          string          `json:"node_name,omitempty"`
	NodeType          string          `json:"node_type,omitempty"`
	Status            string          `json:"status,omitempty"`
	Duration          *time.Duration  `json:"duration,omitempty"`
	WorkerID          string          `json:"worker_id,omitempty"`
	CurrentIndex      *int            `json:"current_index,omitempty"`
	LoopName          string          `json:"loop_name,omitempty"`
	Result            json.RawMessage `json:"result,omitempty"`
	Context           json.RawMessage `json:"context,omitempty"`
	Error             string          `json:"error,omitempty"`
}

// ResultEnvelope is the wire shape of Event.Result: either inline JSON or a
// single-key object {"$ref": "noetl://..."} pointing into the result store.
type ResultEnvelope struct {
	Ref string `json:"$ref,omitempty"`
}

// RefFromResult returns the result-store reference embedded in a result
// payload, or "" if the payload is inline.
func RefFromResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var env ResultEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ""
	}
	return env.Ref
}
