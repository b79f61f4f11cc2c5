package models

import (
	"encoding/json"
	"time"
)

// VarType tags a transient variable for debugging; values are arbitrary JSON.
type VarType string

// Transient variable types.
const (
	VarUserDefined   VarType = "user_defined"
	VarStepResult    VarType = "step_result"
	VarComputed      VarType = "computed"
	VarIteratorState VarType = "iterator_state"
)

// TransientVar is an execution-scoped key/value pair. It expires with its
// execution unless an explicit TTL ends it sooner.
type TransientVar struct {
	ExecutionID int64           `json:"execution_id"`
	Name        string          `json:"name"`
	Type        VarType         `json:"type"`
	Value       json.RawMessage `json:"value"`
	AccessCount int64           `json:"access_count"`
	AccessedAt  *time.Time      `json:"accessed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
}
