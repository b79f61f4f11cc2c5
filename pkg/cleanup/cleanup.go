// Package cleanup runs the retention loop: dropping event partitions past
// the retention window, sweeping expired results, variables and keychain
// entries, and marking silent runtimes offline.
package cleanup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noetl/noetl/pkg/config"
	"github.com/noetl/noetl/pkg/eventlog"
	"github.com/noetl/noetl/pkg/ident"
	"github.com/noetl/noetl/pkg/keychain"
	"github.com/noetl/noetl/pkg/resultstore"
	"github.com/noetl/noetl/pkg/runtime"
)

// Service is the retention worker.
type Service struct {
	cfg      config.RetentionConfig
	pool     *pgxpool.Pool
	events   *eventlog.Store
	results  *resultstore.Store
	keychain *keychain.Service
	runtimes *runtime.Registry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService builds the retention worker.
func NewService(cfg config.RetentionConfig, pool *pgxpool.Pool, events *eventlog.Store,
	results *resultstore.Store, kc *keychain.Service, runtimes *runtime.Registry) *Service {
	return &Service{
		cfg:      cfg,
		pool:     pool,
		events:   events,
		results:  results,
		keychain: kc,
		runtimes: runtimes,
	}
}

// Start launches the periodic cleanup loop.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.CleanupInterval)
		defer ticker.Stop()

		// Stale-runtime detection runs on a much shorter cadence than
		// retention proper.
		staleTicker := time.NewTicker(s.cfg.RuntimeStaleAfter / 2)
		defer staleTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-staleTicker.C:
				s.markStaleRuntimes(ctx)
			case <-ticker.C:
				s.Run(ctx)
			}
		}
	}()
	slog.Info("Cleanup service started",
		"interval", s.cfg.CleanupInterval, "event_retention", s.cfg.EventRetention)
}

// Stop halts the loop.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Run executes one full retention pass.
func (s *Service) Run(ctx context.Context) {
	s.dropExpiredPartitions(ctx)

	if n, err := s.results.Sweep(ctx); err != nil {
		s.warn(ctx, "Result sweep failed", err)
	} else if n > 0 {
		slog.Info("Swept expired results", "count", n)
	}

	if n, err := s.keychain.SweepExpired(ctx); err != nil {
		s.warn(ctx, "Keychain sweep failed", err)
	} else if n > 0 {
		slog.Info("Swept expired keychain entries", "count", n)
	}

	s.sweepExpiredVars(ctx)
}

// dropExpiredPartitions removes whole event partitions older than the
// retention window. Execution ids encode time, so the cutoff converts to an
// id bound and retention is a metadata-only drop.
func (s *Service) dropExpiredPartitions(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.EventRetention)
	_, high := ident.RangeForDay(cutoff.AddDate(0, 0, -1))

	dropped, err := s.events.DropRange(ctx, 0, high)
	if err != nil {
		s.warn(ctx, "Partition drop failed", err)
		return
	}
	if dropped > 0 {
		slog.Info("Dropped expired event partitions", "count", dropped, "cutoff", cutoff)
	}
}

func (s *Service) sweepExpiredVars(ctx context.Context) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM transient_vars WHERE expires_at IS NOT NULL AND expires_at < now()`)
	if err != nil {
		s.warn(ctx, "Variable sweep failed", err)
		return
	}
	if tag.RowsAffected() > 0 {
		slog.Info("Swept expired variables", "count", tag.RowsAffected())
	}
}

func (s *Service) markStaleRuntimes(ctx context.Context) {
	n, err := s.runtimes.MarkStale(ctx, s.cfg.RuntimeStaleAfter)
	if err != nil {
		s.warn(ctx, "Stale runtime check failed", err)
		return
	}
	if n > 0 {
		slog.Warn("Marked stale runtimes offline", "count", n)
	}
}

func (s *Service) warn(ctx context.Context, msg string, err error) {
	if ctx.Err() == nil {
		slog.Warn(msg, "error", err)
	}
}
