package models

import "time"

// RuntimeKind distinguishes control-plane servers from worker pools.
type RuntimeKind string

// Runtime kinds.
const (
	RuntimeServer RuntimeKind = "server"
	RuntimeWorker RuntimeKind = "worker"
)

// RuntimeStatus is the liveness status of a registered runtime.
type RuntimeStatus string

// Runtime statuses.
const (
	RuntimeReady   RuntimeStatus = "ready"
	RuntimeDraining RuntimeStatus = "draining"
	RuntimeOffline RuntimeStatus = "offline"
)

// RuntimeRegistration is a per-server or per-worker-pool record. Workers
// register on startup and are marked offline when heartbeats go stale.
type RuntimeRegistration struct {
	ID            int64         `json:"runtime_id"`
	Kind          RuntimeKind   `json:"kind"`
	Name          string        `json:"name"`
	Pool          string        `json:"pool,omitempty"`
	Capabilities  []string      `json:"capabilities,omitempty"` // tool kinds this runtime executes
	Capacity      int           `json:"capacity"`
	Status        RuntimeStatus `json:"status"`
	RegisteredAt  time.Time     `json:"registered_at"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
}
