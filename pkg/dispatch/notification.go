// Package dispatch is the seam between the engine and the worker fleet:
// bounded task notifications out over the broker, task claims, events,
// heartbeats and results back in over RPC, and a supervisor that turns
// expired task leases into step.lost events.
package dispatch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/noetl/noetl/pkg/playbook"
)

// notificationBudget caps the serialized notification. Notifications carry
// identity only; workers fetch the full task over RPC.
const notificationBudget = 1024

// Notification is the broker message announcing one dispatched task.
type Notification struct {
	ExecutionID int64     `json:"execution_id"`
	NodeID      string    `json:"node_id"`
	NodeName    string    `json:"node_name"`
	Attempt     int       `json:"attempt"`
	Pool        string    `json:"pool"`
	Kind        string    `json:"kind"`
	Deadline    time.Time `json:"deadline"`
}

// Marshal serializes the notification, enforcing the size bound.
func (n *Notification) Marshal() ([]byte, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task notification: %w", err)
	}
	if len(data) > notificationBudget {
		return nil, fmt.Errorf("task notification exceeds %d bytes: %d", notificationBudget, len(data))
	}
	return data, nil
}

// ParseNotification deserializes a broker task message.
func ParseNotification(data []byte) (*Notification, error) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("failed to parse task notification: %w", err)
	}
	if n.ExecutionID == 0 || n.NodeID == "" {
		return nil, fmt.Errorf("task notification missing identity")
	}
	return &n, nil
}

// TaskSpec is the full rendered task a worker fetches after claiming a
// notification. It is stored as the context of the step.dispatched event, so
// a redelivered notification always resolves to the same work.
type TaskSpec struct {
	ExecutionID int64             `json:"execution_id"`
	NodeID      string            `json:"node_id"`
	NodeName    string            `json:"node_name"`
	Attempt     int               `json:"attempt"`
	Kind        string            `json:"kind"`
	Tool        playbook.ToolSpec `json:"tool"`
	Inputs      map[string]any    `json:"inputs,omitempty"`
	Sink        *playbook.SinkSpec `json:"sink,omitempty"`
	Timeout     time.Duration     `json:"timeout"`
	Deadline    time.Time         `json:"deadline"`

	// Loop correlation, set on fan-out iterations.
	LoopName     string `json:"loop_name,omitempty"`
	CurrentIndex *int   `json:"current_index,omitempty"`

	// Child linkage for playbook steps; the worker never sees these tasks.
	ChildExecutionID int64 `json:"child_execution_id,omitempty"`
}
