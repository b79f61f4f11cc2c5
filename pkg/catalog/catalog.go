// Package catalog stores versioned playbook definitions. Entries are
// immutable; registering a path again appends the next version.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noetl/noetl/pkg/ident"
	"github.com/noetl/noetl/pkg/models"
	"github.com/noetl/noetl/pkg/playbook"
)

// ErrNotFound reports a missing catalog path or version.
var ErrNotFound = errors.New("catalog entry not found")

// Service is the playbook catalog.
type Service struct {
	pool *pgxpool.Pool
	ids  *ident.Allocator
}

// NewService builds a catalog service.
func NewService(pool *pgxpool.Pool, ids *ident.Allocator) *Service {
	return &Service{pool: pool, ids: ids}
}

// Register validates the playbook and stores it as the next version of its
// path. The content is kept byte-for-byte as submitted.
func (s *Service) Register(ctx context.Context, path string, content, layout []byte) (*models.CatalogEntry, error) {
	pb, err := playbook.Load(content)
	if err != nil {
		return nil, fmt.Errorf("invalid playbook: %w", err)
	}
	if pb.Path != "" && pb.Path != path {
		return nil, fmt.Errorf("playbook declares path %q but was registered as %q", pb.Path, path)
	}

	entry := &models.CatalogEntry{
		ID:        s.ids.Next(),
		Path:      path,
		Kind:      "playbook",
		Content:   content,
		Layout:    layout,
		CreatedAt: time.Now().UTC(),
	}

	// Version assignment races only with a concurrent register of the same
	// path; the unique (path, version) constraint breaks the tie.
	for attempt := 0; attempt < 5; attempt++ {
		err := s.pool.QueryRow(ctx, `
			INSERT INTO catalog (id, path, version, kind, content, layout, created_at)
			SELECT $1, $2, COALESCE(MAX(version), 0) + 1, $3, $4, $5, $6
			FROM catalog WHERE path = $2
			RETURNING version`,
			entry.ID, entry.Path, entry.Kind, entry.Content, nullableBytes(entry.Layout), entry.CreatedAt,
		).Scan(&entry.Version)
		if err == nil {
			return entry, nil
		}
		if !isUniqueViolation(err) {
			return nil, fmt.Errorf("failed to register playbook: %w", err)
		}
	}
	return nil, fmt.Errorf("failed to register playbook %s: version contention persisted", path)
}

// Fetch returns one version of a path; version 0 means latest.
func (s *Service) Fetch(ctx context.Context, path string, version int) (*models.CatalogEntry, error) {
	query := `
		SELECT id, path, version, kind, content, layout, created_at
		FROM catalog WHERE path = $1`
	args := []any{path}
	if version > 0 {
		query += ` AND version = $2`
		args = append(args, version)
	} else {
		query += ` ORDER BY version DESC LIMIT 1`
	}

	var entry models.CatalogEntry
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&entry.ID, &entry.Path, &entry.Version, &entry.Kind,
		&entry.Content, &entry.Layout, &entry.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s version %d", ErrNotFound, path, version)
		}
		return nil, fmt.Errorf("failed to fetch catalog entry: %w", err)
	}
	return &entry, nil
}

// FetchByID returns the entry with the given catalog id.
func (s *Service) FetchByID(ctx context.Context, id int64) (*models.CatalogEntry, error) {
	var entry models.CatalogEntry
	err := s.pool.QueryRow(ctx, `
		SELECT id, path, version, kind, content, layout, created_at
		FROM catalog WHERE id = $1`, id).Scan(
		&entry.ID, &entry.Path, &entry.Version, &entry.Kind,
		&entry.Content, &entry.Layout, &entry.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to fetch catalog entry %d: %w", id, err)
	}
	return &entry, nil
}

// List returns the newest version of every path.
func (s *Service) List(ctx context.Context) ([]models.CatalogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (path) id, path, version, kind, created_at
		FROM catalog ORDER BY path, version DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list catalog: %w", err)
	}
	defer rows.Close()

	var entries []models.CatalogEntry
	for rows.Next() {
		var entry models.CatalogEntry
		if err := rows.Scan(&entry.ID, &entry.Path, &entry.Version, &entry.Kind, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan catalog entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// LoadPlaybook fetches and parses the playbook behind a catalog id.
func (s *Service) LoadPlaybook(ctx context.Context, id int64) (*playbook.Playbook, *models.CatalogEntry, error) {
	entry, err := s.FetchByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	pb, err := playbook.Load(entry.Content)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse catalog entry %d: %w", id, err)
	}
	return pb, entry, nil
}

func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	return errors.As(err, &pgErr) && pgErr.SQLState() == "23505"
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
