// Package service owns the live dataset. All reads and edits go through a
// Service; nothing else holds the mutable state.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rpattn/zonemap/internal/domain"
	"github.com/rpattn/zonemap/internal/ledger"
	"github.com/rpattn/zonemap/internal/logger"
	"github.com/rpattn/zonemap/internal/metrics"
	"github.com/rpattn/zonemap/internal/notify"
	"github.com/rpattn/zonemap/internal/reconcile"
	"github.com/rpattn/zonemap/internal/snapshot"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// BaseLoader parses the base dataset file.
type BaseLoader interface {
	Load(path string) (domain.BaseDataset, error)
}

// SnapshotStore loads and atomically replaces the materialized snapshot.
type SnapshotStore interface {
	Load(ctx context.Context) (*snapshot.Snapshot, error)
	Persist(ctx context.Context, ds *domain.Dataset) error
}

// Restorer rebuilds the dataset when the snapshot is corrupt.
type Restorer interface {
	RestoreLatest(ctx context.Context) (*domain.Dataset, error)
}

// Deps are the collaborators of a Service. Backups, Engine and Notifier are
// optional.
type Deps struct {
	BasePath  string
	Loader    BaseLoader
	Ledger    ledger.Store
	Snapshots SnapshotStore
	Backups   Restorer
	Engine    *reconcile.Engine
	Notifier  notify.Notifier
	Colors    domain.ZoneColors
}

// Service serializes writers through one queue and lets readers load the
// current immutable Dataset without locking.
type Service struct {
	deps   Deps
	logger *slog.Logger
	now    func() time.Time

	current atomic.Pointer[domain.Dataset]

	requests chan *request
	done     chan struct{}
	running  atomic.Bool

	persistSignal  chan struct{}
	persistLimiter *rate.Limiter
	retryDelay     time.Duration
	persistMu      sync.Mutex
	persisted      int64
	persistedCh    chan struct{}

	changes chan domain.Change
}

// Option customises a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithPersistInterval spaces snapshot writes at least d apart.
func WithPersistInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.persistLimiter = rate.NewLimiter(rate.Every(d), 1)
		}
	}
}

// WithRetryDelay sets the wait before retrying a failed snapshot write.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.retryDelay = d
		}
	}
}

// WithNotifyBuffer sets how many changes may wait for the notifier.
func WithNotifyBuffer(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.changes = make(chan domain.Change, n)
		}
	}
}

// WithQueueSize sets how many writers may wait in the queue.
func WithQueueSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.requests = make(chan *request, n)
		}
	}
}

// WithClock overrides the ledger timestamp clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New creates a Service. Call Open, then Run.
func New(deps Deps, opts ...Option) *Service {
	s := &Service{
		deps:           deps,
		logger:         logger.Discard(),
		now:            time.Now,
		requests:       make(chan *request, 64),
		done:           make(chan struct{}),
		persistSignal:  make(chan struct{}, 1),
		persistLimiter: rate.NewLimiter(rate.Inf, 1),
		retryDelay:     5 * time.Second,
		persisted:      -1,
		persistedCh:    make(chan struct{}),
		changes:        make(chan domain.Change, 256),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.deps.Engine == nil {
		s.deps.Engine = reconcile.NewEngine(reconcile.WithLogger(s.logger))
	}
	s.current.Store(domain.EmptyDataset())
	return s
}

// Open builds the authoritative dataset and writes it back as the snapshot.
// Data problems never fail Open: it falls back from snapshot to backups to
// base plus ledger to an empty dataset. Only ctx cancellation is returned.
func (s *Service) Open(ctx context.Context) error {
	ds, err := s.loadAuthoritative(ctx)
	if err != nil {
		return err
	}
	s.current.Store(ds)
	metrics.DatasetVersion.Set(float64(ds.Version()))

	if err := s.deps.Snapshots.Persist(ctx, ds); err != nil {
		metrics.SnapshotPersistFailures.Inc()
		s.logger.Error("snapshot_persist_failed", "version", ds.Version(), "error", err)
		s.schedulePersist()
	} else {
		metrics.SnapshotPersists.Inc()
		s.markPersisted(ds.Version())
	}
	return nil
}

// Build reconciles from disk without installing or persisting the result.
func (s *Service) Build(ctx context.Context) (*domain.Dataset, error) {
	return s.loadAuthoritative(ctx)
}

func (s *Service) loadAuthoritative(ctx context.Context) (*domain.Dataset, error) {
	base, err := s.deps.Loader.Load(s.deps.BasePath)
	if err != nil {
		s.logger.Warn("base_unavailable", "path", s.deps.BasePath, "error", err)
		base = domain.BaseDataset{Path: s.deps.BasePath}
	}

	snap, err := s.deps.Snapshots.Load(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, domain.ErrSnapshotCorrupt) {
			s.logger.Warn("snapshot_corrupt", "error", err)
		} else {
			s.logger.Warn("snapshot_unreadable", "error", err)
		}
		snap = nil
		if s.deps.Backups != nil {
			return s.deps.Backups.RestoreLatest(ctx)
		}
	}

	entries, err := s.deps.Ledger.ReplayAll(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		s.logger.Error("ledger_replay_failed", "error", err)
		entries = nil
	}

	ds, _ := s.deps.Engine.Reconcile(reconcile.Input{Base: base, Snapshot: snap, Entries: entries})
	return ds, nil
}

// Run drives the writer queue, snapshot persistence and notifications until
// ctx is done. Pending snapshot writes are flushed before it returns.
func (s *Service) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("service already running")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(s.done)
		return s.writeLoop(gctx)
	})
	g.Go(func() error {
		return s.persistLoop(gctx)
	})
	g.Go(func() error {
		return s.notifyLoop(gctx)
	})
	return g.Wait()
}

// Dataset returns the current immutable version.
func (s *Service) Dataset() *domain.Dataset {
	return s.current.Load()
}

// Version returns the current version.
func (s *Service) Version() int64 {
	return s.current.Load().Version()
}

// GetAll returns every record of the current version ordered by code.
func (s *Service) GetAll() []domain.MunicipalityRecord {
	return s.current.Load().Records()
}

// GetByZone returns the records of one zone in the current version.
func (s *Service) GetByZone(zone string) []domain.MunicipalityRecord {
	return s.current.Load().ByZone(domain.NormalizeZone(zone))
}

// Get returns one record of the current version.
func (s *Service) Get(code string) (domain.MunicipalityRecord, bool) {
	return s.current.Load().Get(code)
}

// Statistics returns the per-zone aggregates of the current version.
func (s *Service) Statistics() domain.Statistics {
	return s.current.Load().Statistics()
}

// Colors returns the zone colour table.
func (s *Service) Colors() domain.ZoneColors {
	return s.deps.Colors
}

// Changes returns the raw ledger entries appended after seq.
func (s *Service) Changes(ctx context.Context, seq int64) ([]domain.ChangeLedgerEntry, error) {
	entries, err := s.deps.Ledger.ReplaySince(ctx, seq)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	return entries, nil
}
