package models

import "time"

// CatalogEntry is an immutable, versioned playbook definition. New versions
// append under the same path; existing entries are never mutated.
type CatalogEntry struct {
	ID        int64     `json:"catalog_id"`
	Path      string    `json:"path"`
	Version   int       `json:"version"`
	Kind      string    `json:"kind"` // currently always "playbook"
	Content   []byte    `json:"-"`    // normalized graph, YAML
	Layout    []byte    `json:"-"`    // optional UI layout blob, opaque to the engine
	CreatedAt time.Time `json:"created_at"`
}
