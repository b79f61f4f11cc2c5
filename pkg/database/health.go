package database

import (
	"context"
	"time"
)

// HealthStatus reports database reachability and latency.
type HealthStatus struct {
	Reachable bool          `json:"reachable"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
}

// Health pings the database and measures round-trip latency.
func (c *Client) Health(ctx context.Context) HealthStatus {
	start := time.Now()
	err := c.pool.Ping(ctx)
	status := HealthStatus{
		Reachable: err == nil,
		Latency:   time.Since(start),
	}
	if err != nil {
		status.Error = err.Error()
	}
	return status
}
