package service

import (
	"context"
	"time"

	"github.com/rpattn/zonemap/internal/metrics"
)

// schedulePersist marks the snapshot dirty. Signals coalesce: many swaps
// between two writes produce one write of the newest version.
func (s *Service) schedulePersist() {
	select {
	case s.persistSignal <- struct{}{}:
	default:
	}
}

func (s *Service) persistLoop(ctx context.Context) error {
	var retry <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			s.flush()
			return nil
		case <-s.persistSignal:
		case <-retry:
			retry = nil
		}

		if err := s.persistLimiter.Wait(ctx); err != nil {
			s.flush()
			return nil
		}
		if !s.persistCurrent(ctx) {
			retry = time.After(s.retryDelay)
		} else {
			retry = nil
		}
	}
}

// flush writes the newest version on shutdown if it has not been persisted.
func (s *Service) flush() {
	if s.persistedVersion() == s.current.Load().Version() {
		return
	}
	s.persistCurrent(context.Background())
}

func (s *Service) persistCurrent(ctx context.Context) bool {
	ds := s.current.Load()
	if s.persistedVersion() == ds.Version() {
		return true
	}
	if err := s.deps.Snapshots.Persist(ctx, ds); err != nil {
		metrics.SnapshotPersistFailures.Inc()
		s.logger.Error("snapshot_persist_failed", "version", ds.Version(), "retry_in", s.retryDelay, "error", err)
		return false
	}
	metrics.SnapshotPersists.Inc()
	s.logger.Debug("snapshot_persisted", "version", ds.Version(), "sequence", ds.Sequence())
	s.markPersisted(ds.Version())
	return true
}

func (s *Service) persistedVersion() int64 {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	return s.persisted
}

// markPersisted records version as durable in the snapshot and wakes every
// WaitPersisted caller.
func (s *Service) markPersisted(version int64) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if version < s.persisted {
		return
	}
	s.persisted = version
	close(s.persistedCh)
	s.persistedCh = make(chan struct{})
}

// WaitPersisted blocks until a snapshot at or beyond version has been written.
func (s *Service) WaitPersisted(ctx context.Context, version int64) error {
	for {
		s.persistMu.Lock()
		done := s.persisted >= version
		ch := s.persistedCh
		s.persistMu.Unlock()
		if done {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
