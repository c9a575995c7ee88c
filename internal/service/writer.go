package service

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rpattn/zonemap/internal/auth"
	"github.com/rpattn/zonemap/internal/domain"
	"github.com/rpattn/zonemap/internal/metrics"
)

type requestKind int

const (
	kindEdit requestKind = iota
	kindReload
	kindRevert
)

// Request states. A request moves from pending to exactly one of taken (the
// writer owns it) or abandoned (the caller gave up first).
const (
	statePending int32 = iota
	stateTaken
	stateAbandoned
)

type request struct {
	ctx   context.Context
	kind  requestKind
	code  string
	zone  string
	actor string
	state atomic.Int32
	reply chan result
}

type result struct {
	version int64
	err     error
}

// ApplyEdit moves one municipality to zone. The edit is durable in the ledger
// before ApplyEdit returns; snapshot and notification follow asynchronously.
// A ledger failure is returned unchanged and leaves the dataset untouched. A
// request that times out while still queued has no effect and can be resent.
// An empty actor is taken from the context, see auth.ContextWithActor.
func (s *Service) ApplyEdit(ctx context.Context, code, zone, actor string) (int64, error) {
	return s.submit(ctx, &request{kind: kindEdit, code: strings.TrimSpace(code), zone: zone, actor: auth.ResolveActor(ctx, actor)})
}

// Reload re-runs reconciliation from disk and swaps the result in. Edits
// queued behind it apply on top of the reloaded dataset.
func (s *Service) Reload(ctx context.Context) error {
	_, err := s.submit(ctx, &request{kind: kindReload})
	return err
}

// RevertToBase appends one reversing ledger entry per municipality whose zone
// differs from the base file and returns the resulting version. History is
// kept.
func (s *Service) RevertToBase(ctx context.Context, actor string) (int64, error) {
	return s.submit(ctx, &request{kind: kindRevert, actor: auth.ResolveActor(ctx, actor)})
}

func (s *Service) submit(ctx context.Context, req *request) (int64, error) {
	req.ctx = ctx
	req.reply = make(chan result, 1)

	select {
	case s.requests <- req:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-s.done:
		return 0, domain.ErrServiceClosed
	}

	select {
	case res := <-req.reply:
		return res.version, res.err
	case <-ctx.Done():
		if req.state.CompareAndSwap(statePending, stateAbandoned) {
			return 0, ctx.Err()
		}
		res := <-req.reply
		return res.version, res.err
	case <-s.done:
		if req.state.CompareAndSwap(statePending, stateAbandoned) {
			return 0, domain.ErrServiceClosed
		}
		res := <-req.reply
		return res.version, res.err
	}
}

func (s *Service) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.drainRequests()
			return nil
		case req := <-s.requests:
			if !req.state.CompareAndSwap(statePending, stateTaken) {
				continue
			}
			// Once dequeued the request runs to completion even if its caller
			// stops waiting.
			req.reply <- s.process(context.WithoutCancel(req.ctx), req)
		}
	}
}

func (s *Service) drainRequests() {
	for {
		select {
		case req := <-s.requests:
			if req.state.CompareAndSwap(statePending, stateTaken) {
				req.reply <- result{err: domain.ErrServiceClosed}
			}
		default:
			return
		}
	}
}

func (s *Service) process(ctx context.Context, req *request) result {
	switch req.kind {
	case kindEdit:
		version, err := s.applyEdit(ctx, req.code, req.zone, req.actor)
		return result{version: version, err: err}
	case kindReload:
		return result{err: s.reload(ctx)}
	case kindRevert:
		version, err := s.revertToBase(ctx, req.actor)
		return result{version: version, err: err}
	default:
		return result{err: fmt.Errorf("unknown request kind %d", req.kind)}
	}
}

func (s *Service) applyEdit(ctx context.Context, code, zone, actor string) (int64, error) {
	cur := s.current.Load()
	zone = strings.TrimSpace(zone)
	if zone == "" {
		metrics.EditFailures.WithLabelValues("invalid_zone").Inc()
		return cur.Version(), domain.ErrInvalidZone
	}
	record, ok := cur.Get(code)
	if !ok {
		metrics.EditFailures.WithLabelValues("unknown_municipality").Inc()
		return cur.Version(), fmt.Errorf("%w: %s", domain.ErrUnknownMunicipality, code)
	}
	if record.Zone == zone {
		metrics.EditFailures.WithLabelValues("unchanged").Inc()
		return cur.Version(), fmt.Errorf("%w: %s is already in %s", domain.ErrZoneUnchanged, code, zone)
	}

	entry := domain.NewChangeLedgerEntry(code, record.Zone, zone, actor, s.now())
	start := time.Now()
	stored, err := s.deps.Ledger.Append(ctx, entry)
	metrics.LedgerAppendMs.Observe(float64(time.Since(start).Microseconds()) / 1000)
	if err != nil {
		metrics.EditFailures.WithLabelValues("ledger").Inc()
		s.logger.Error("ledger_append_failed", "code", code, "zone", zone, "error", err)
		return cur.Version(), err
	}

	next, _ := cur.WithZone(code, zone, stored.Sequence)
	next = tieToLedger(next, stored)
	s.swap(next)
	metrics.EditsApplied.Inc()
	s.logger.Info("zone_edit_applied",
		"code", code,
		"from", record.Zone,
		"to", zone,
		"actor", actor,
		"version", next.Version(),
		"sequence", stored.Sequence,
	)

	updated, _ := next.Get(code)
	s.publish(domain.Change{
		Kind:         domain.ChangeEdit,
		Version:      next.Version(),
		At:           stored.Timestamp,
		Actor:        actor,
		Record:       &updated,
		PreviousZone: record.Zone,
		Color:        s.deps.Colors.Color(zone),
		Statistics:   next.Statistics(),
	})
	return next.Version(), nil
}

func (s *Service) reload(ctx context.Context) error {
	ds, err := s.loadAuthoritative(ctx)
	if err != nil {
		metrics.Reloads.WithLabelValues("failed").Inc()
		return err
	}
	cur := s.current.Load()
	if sameState(cur, ds) {
		metrics.Reloads.WithLabelValues("unchanged").Inc()
		s.logger.Info("dataset_reload_unchanged", "version", cur.Version())
		return nil
	}
	// The version stays monotonic across reloads even when the new
	// reconciliation starts from a shorter history.
	if ds.Version() <= cur.Version() {
		ds = ds.WithVersion(cur.Version() + 1)
	}
	diff := domain.DiffZones(cur, ds)
	s.swap(ds)
	metrics.Reloads.WithLabelValues("ok").Inc()
	s.logger.Info("dataset_reloaded", "version", ds.Version(), "records", ds.Len(), "changed", len(diff))

	s.publish(domain.Change{
		Kind:       domain.ChangeReload,
		Version:    ds.Version(),
		At:         s.now().UTC(),
		Diff:       diff,
		Statistics: ds.Statistics(),
	})
	return nil
}

func (s *Service) revertToBase(ctx context.Context, actor string) (int64, error) {
	cur := s.current.Load()
	base, err := s.deps.Loader.Load(s.deps.BasePath)
	if err != nil {
		return cur.Version(), fmt.Errorf("load base: %w", err)
	}
	target := domain.NewDataset(base.Records, 0, 0, domain.Provenance{})

	moves := make(map[string]string)
	var diff []domain.ZoneDiff
	var first domain.ChangeLedgerEntry
	var sequence int64
	var appendErr error
	for _, d := range domain.DiffZones(cur, target) {
		if d.From == "" || d.To == "" {
			continue
		}
		entry := domain.NewChangeLedgerEntry(d.Code, d.From, d.To, actor, s.now())
		stored, err := s.deps.Ledger.Append(ctx, entry)
		if err != nil {
			s.logger.Error("ledger_append_failed", "code", d.Code, "zone", d.To, "error", err)
			appendErr = err
			break
		}
		if len(moves) == 0 {
			first = stored
		}
		moves[d.Code] = d.To
		diff = append(diff, d)
		sequence = stored.Sequence
	}

	if len(moves) == 0 {
		return cur.Version(), appendErr
	}
	// Entries already appended are durable, so they are applied even when a
	// later append failed.
	next, applied := cur.WithZones(moves, sequence)
	next = tieToLedger(next, first)
	s.swap(next)
	metrics.EditsApplied.Add(float64(applied))
	s.logger.Info("zones_reverted_to_base", "moved", applied, "actor", actor, "version", next.Version())

	s.publish(domain.Change{
		Kind:       domain.ChangeReload,
		Version:    next.Version(),
		At:         s.now().UTC(),
		Actor:      actor,
		Diff:       diff,
		Statistics: next.Statistics(),
	})
	return next.Version(), appendErr
}

func (s *Service) swap(ds *domain.Dataset) {
	s.current.Store(ds)
	metrics.DatasetVersion.Set(float64(ds.Version()))
	s.schedulePersist()
}

// tieToLedger records the ledger identity on the first entry appended to an
// empty ledger.
func tieToLedger(ds *domain.Dataset, entry domain.ChangeLedgerEntry) *domain.Dataset {
	if ds.Provenance().LedgerID != "" {
		return ds
	}
	return ds.WithLedgerID(entry.ID.String())
}

// sameState reports whether a reload would change nothing readers can see.
func sameState(cur, next *domain.Dataset) bool {
	if cur.Len() != next.Len() || cur.Sequence() != next.Sequence() {
		return false
	}
	if cur.Provenance().BaseFingerprint != next.Provenance().BaseFingerprint ||
		cur.Provenance().LedgerID != next.Provenance().LedgerID {
		return false
	}
	a, b := cur.Records(), next.Records()
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
