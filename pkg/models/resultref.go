package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ResultScope bounds the lifetime of a stored result.
type ResultScope string

// Result scopes, weakest to strongest retention.
const (
	ScopeStep      ResultScope = "step"
	ScopeExecution ResultScope = "execution"
	ScopeWorkflow  ResultScope = "workflow"
	ScopePermanent ResultScope = "permanent"
)

// StorageTier identifies which physical backend holds the bytes.
type StorageTier string

// Storage tiers.
const (
	TierInline   StorageTier = "inline"   // embedded in the metadata row
	TierMemory   StorageTier = "memory"   // in-process cache
	TierBrokerKV StorageTier = "broker_kv"
	TierDatabase StorageTier = "database"
	TierObject   StorageTier = "object"
)

// RefScheme is the URI scheme of logical result references.
const RefScheme = "noetl://"

// ResultRef is a logical pointer to a step result stored out of band.
type ResultRef struct {
	ID          int64           `json:"id"`
	ExecutionID int64           `json:"execution_id"`
	Name        string          `json:"name"`
	Scope       ResultScope     `json:"scope"`
	Tier        StorageTier     `json:"tier"`
	PhysicalURI string          `json:"physical_uri,omitempty"`
	Size        int64           `json:"size"`
	Preview     string          `json:"preview,omitempty"` // first <=1 KiB of the payload
	Fields      json.RawMessage `json:"fields,omitempty"`  // extracted fields, if requested
	// Correlation keys for fan-out aggregation.
	IterationIndex *int   `json:"iteration_index,omitempty"`
	Page           *int   `json:"page,omitempty"`
	Cursor         string `json:"cursor,omitempty"`
	Batch          string `json:"batch,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// URI renders the logical reference: noetl://execution/<E>/result/<name>/<id>.
func (r *ResultRef) URI() string {
	return fmt.Sprintf("%sexecution/%d/result/%s/%d", RefScheme, r.ExecutionID, r.Name, r.ID)
}

// ParseRefURI splits a noetl:// reference into its components.
func ParseRefURI(uri string) (executionID int64, name string, id int64, err error) {
	rest, ok := strings.CutPrefix(uri, RefScheme)
	if !ok {
		return 0, "", 0, fmt.Errorf("not a %s reference: %q", RefScheme, uri)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 5 || parts[0] != "execution" || parts[2] != "result" {
		return 0, "", 0, fmt.Errorf("malformed result reference: %q", uri)
	}
	executionID, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, "", 0, fmt.Errorf("bad execution id in reference %q: %w", uri, err)
	}
	id, err = strconv.ParseInt(parts[4], 10, 64)
	if err != nil {
		return 0, "", 0, fmt.Errorf("bad artifact id in reference %q: %w", uri, err)
	}
	return executionID, parts[3], id, nil
}

// CombineStrategy tells readers how manifest parts compose into one result.
type CombineStrategy string

// Combine strategies.
const (
	CombineAppend  CombineStrategy = "append"
	CombineReplace CombineStrategy = "replace"
	CombineMerge   CombineStrategy = "merge"
	CombineConcat  CombineStrategy = "concat"
)

// Manifest is an ordered collection of result parts produced by a loop.
// Parts are added monotonically; CompletedAt set means immutable.
type Manifest struct {
	ID          int64           `json:"id"`
	ExecutionID int64           `json:"execution_id"`
	Name        string          `json:"name"`
	Strategy    CombineStrategy `json:"strategy"`
	ConcatPath  string          `json:"concat_path,omitempty"` // JSON path for concat of nested arrays
	Parts       []ManifestPart  `json:"parts"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// ManifestPart is one entry of a manifest, ordered by PartIndex.
type ManifestPart struct {
	PartIndex int    `json:"part_index"`
	RefURI    string `json:"ref_uri"`
	Size      int64  `json:"size"`
}
