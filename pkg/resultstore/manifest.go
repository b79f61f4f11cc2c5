package resultstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/noetl/noetl/pkg/models"
)

// ErrManifestClosed reports a part added after CloseManifest.
var ErrManifestClosed = errors.New("manifest already completed")

// OpenManifest creates an empty manifest for a fan-out step's results.
func (s *Store) OpenManifest(ctx context.Context, executionID int64, name string, strategy models.CombineStrategy, concatPath string) (*models.Manifest, error) {
	m := &models.Manifest{
		ID:          s.ids.Next(),
		ExecutionID: executionID,
		Name:        name,
		Strategy:    strategy,
		ConcatPath:  concatPath,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO manifests (id, execution_id, name, strategy, concat_path, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		m.ID, m.ExecutionID, m.Name, m.Strategy, m.ConcatPath, m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create manifest: %w", err)
	}
	return m, nil
}

// PutPart records one part at its index. Re-putting an index is idempotent —
// retried iterations overwrite their own slot, never a sibling's.
func (s *Store) PutPart(ctx context.Context, manifestID int64, part models.ManifestPart) error {
	var completedAt *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT completed_at FROM manifests WHERE id = $1`, manifestID).Scan(&completedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: manifest %d", ErrNotFound, manifestID)
		}
		return fmt.Errorf("failed to check manifest %d: %w", manifestID, err)
	}
	if completedAt != nil {
		return fmt.Errorf("%w: manifest %d", ErrManifestClosed, manifestID)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO manifest_parts (manifest_id, part_index, ref_uri, size)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (manifest_id, part_index)
		DO UPDATE SET ref_uri = EXCLUDED.ref_uri, size = EXCLUDED.size`,
		manifestID, part.PartIndex, part.RefURI, part.Size)
	if err != nil {
		return fmt.Errorf("failed to record manifest part: %w", err)
	}
	return nil
}

// CloseManifest marks the manifest immutable.
func (s *Store) CloseManifest(ctx context.Context, manifestID int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE manifests SET completed_at = now() WHERE id = $1 AND completed_at IS NULL`,
		manifestID)
	if err != nil {
		return fmt.Errorf("failed to close manifest %d: %w", manifestID, err)
	}
	if tag.RowsAffected() == 0 {
		// Already closed or missing; closing twice is harmless.
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM manifests WHERE id = $1)`, manifestID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to verify manifest %d: %w", manifestID, err)
		}
		if !exists {
			return fmt.Errorf("%w: manifest %d", ErrNotFound, manifestID)
		}
	}
	return nil
}

// LoadManifest reads a manifest and its parts in part order.
func (s *Store) LoadManifest(ctx context.Context, manifestID int64) (*models.Manifest, error) {
	var m models.Manifest
	err := s.pool.QueryRow(ctx, `
		SELECT id, execution_id, name, strategy, concat_path, created_at, completed_at
		FROM manifests WHERE id = $1`, manifestID).Scan(
		&m.ID, &m.ExecutionID, &m.Name, &m.Strategy, &m.ConcatPath, &m.CreatedAt, &m.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: manifest %d", ErrNotFound, manifestID)
		}
		return nil, fmt.Errorf("failed to load manifest %d: %w", manifestID, err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT part_index, ref_uri, size FROM manifest_parts
		WHERE manifest_id = $1 ORDER BY part_index`, manifestID)
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest parts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p models.ManifestPart
		if err := rows.Scan(&p.PartIndex, &p.RefURI, &p.Size); err != nil {
			return nil, fmt.Errorf("failed to scan manifest part: %w", err)
		}
		m.Parts = append(m.Parts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Combine materializes a manifest into one JSON document according to its
// strategy. Parts are fetched lazily; an empty manifest combines to the
// strategy's zero value.
func (s *Store) Combine(ctx context.Context, m *models.Manifest) (json.RawMessage, error) {
	switch m.Strategy {
	case models.CombineReplace:
		if len(m.Parts) == 0 {
			return json.RawMessage("null"), nil
		}
		payload, _, err := s.Get(ctx, m.Parts[len(m.Parts)-1].RefURI)
		return payload, err

	case models.CombineMerge:
		merged := map[string]json.RawMessage{}
		for _, part := range m.Parts {
			payload, _, err := s.Get(ctx, part.RefURI)
			if err != nil {
				return nil, err
			}
			var obj map[string]json.RawMessage
			if err := json.Unmarshal(payload, &obj); err != nil {
				return nil, fmt.Errorf("merge part %d is not an object: %w", part.PartIndex, err)
			}
			for k, v := range obj {
				merged[k] = v
			}
		}
		return json.Marshal(merged)

	case models.CombineConcat:
		var combined []json.RawMessage
		for _, part := range m.Parts {
			payload, _, err := s.Get(ctx, part.RefURI)
			if err != nil {
				return nil, err
			}
			items, err := extractArray(payload, m.ConcatPath)
			if err != nil {
				return nil, fmt.Errorf("concat part %d: %w", part.PartIndex, err)
			}
			combined = append(combined, items...)
		}
		if combined == nil {
			combined = []json.RawMessage{}
		}
		return json.Marshal(combined)

	default: // append
		parts := make([]json.RawMessage, 0, len(m.Parts))
		for _, part := range m.Parts {
			payload, _, err := s.Get(ctx, part.RefURI)
			if err != nil {
				return nil, err
			}
			parts = append(parts, payload)
		}
		return json.Marshal(parts)
	}
}

// extractArray pulls the array at a dotted path out of a JSON document. An
// empty path means the document itself is the array.
func extractArray(payload json.RawMessage, path string) ([]json.RawMessage, error) {
	current := payload
	if path != "" {
		var obj map[string]json.RawMessage
		for _, seg := range splitPath(path) {
			if err := json.Unmarshal(current, &obj); err != nil {
				return nil, fmt.Errorf("path segment %q is not an object: %w", seg, err)
			}
			next, ok := obj[seg]
			if !ok {
				return nil, fmt.Errorf("path segment %q missing", seg)
			}
			current = next
		}
	}
	var items []json.RawMessage
	if err := json.Unmarshal(current, &items); err != nil {
		return nil, fmt.Errorf("value is not an array: %w", err)
	}
	return items, nil
}

func splitPath(path string) []string {
	var segs []string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '.' {
			if i > start {
				segs = append(segs, path[start:i])
			}
			start = i + 1
		}
	}
	return segs
}
