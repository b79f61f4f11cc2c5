package models

import (
	"encoding/json"
	"time"
)

// TriggerKind is how a schedule decides its next run.
type TriggerKind string

// Trigger kinds.
const (
	TriggerCron     TriggerKind = "cron"
	TriggerInterval TriggerKind = "interval"
)

// Schedule binds a trigger to a playbook path. A single-writer loop claims
// due schedules, advances next_run_at, and creates executions.
type Schedule struct {
	ID          int64           `json:"schedule_id"`
	PlaybookPath string         `json:"playbook_path"`
	Kind        TriggerKind     `json:"kind"`
	CronExpr    string          `json:"cron_expr,omitempty"`
	Interval    time.Duration   `json:"interval,omitempty"`
	Timezone    string          `json:"timezone"` // IANA name; evaluation happens in this zone
	Workload    json.RawMessage `json:"workload,omitempty"`
	Enabled     bool            `json:"enabled"`
	NextRunAt   time.Time       `json:"next_run_at"`
	LastRunAt   *time.Time      `json:"last_run_at,omitempty"`
	LastStatus  string          `json:"last_status,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}
