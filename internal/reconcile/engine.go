// Package reconcile merges the base dataset, an optional snapshot and the
// ledger into one current Dataset.
package reconcile

import (
	"log/slog"
	"sort"

	"github.com/rpattn/zonemap/internal/domain"
	"github.com/rpattn/zonemap/internal/logger"
	"github.com/rpattn/zonemap/internal/metrics"
	"github.com/rpattn/zonemap/internal/snapshot"
)

// Decision explains why a snapshot was or was not used as the starting state.
type Decision string

const (
	DecisionNoSnapshot       Decision = "no_snapshot"
	DecisionFingerprint      Decision = "accepted_fingerprint"
	DecisionNoBase           Decision = "accepted_no_base"
	DecisionModTime          Decision = "accepted_mtime"
	DecisionBaseChanged      Decision = "rejected_base_changed"
	DecisionSnapshotOutdated Decision = "rejected_outdated"
)

// Accepted reports whether the snapshot became the starting state.
func (d Decision) Accepted() bool {
	return d == DecisionFingerprint || d == DecisionNoBase || d == DecisionModTime
}

// Input is everything a reconciliation reads.
type Input struct {
	Base     domain.BaseDataset
	Snapshot *snapshot.Snapshot
	Entries  []domain.ChangeLedgerEntry
}

// Report describes what a reconciliation did.
type Report struct {
	Decision Decision
	// Applied entries changed the starting state; Covered entries were
	// already reflected in the snapshot; Skipped entries named unknown codes.
	Applied      int
	Covered      int
	Skipped      int
	SkippedCodes []string
	// LedgerBehind is set when the snapshot claims a later sequence than the
	// ledger holds, which means ledger history was lost.
	LedgerBehind bool
	// LedgerReplaced is set when the snapshot was built from a different
	// ledger than the one replayed, detected by its first entry id.
	LedgerReplaced bool
}

// Engine reconciles datasets. The zero value is not usable; use NewEngine.
type Engine struct {
	logger  *slog.Logger
	aliases map[string]string
}

// Option customises an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithCodeAliases maps retired codes in old ledger entries to current codes.
func WithCodeAliases(aliases map[string]string) Option {
	return func(e *Engine) {
		e.aliases = aliases
	}
}

// NewEngine creates a reconciliation engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{logger: logger.Discard()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Reconcile is the plain contract with a default engine.
func Reconcile(base domain.BaseDataset, snap *snapshot.Snapshot, entries []domain.ChangeLedgerEntry) *domain.Dataset {
	ds, _ := NewEngine().Reconcile(Input{Base: base, Snapshot: snap, Entries: entries})
	return ds
}

// Reconcile builds the current Dataset. It is deterministic: the same input
// always yields the same records, version and sequence. Entries are ordered
// by Sequence alone; timestamps are never consulted.
func (e *Engine) Reconcile(in Input) (*domain.Dataset, Report) {
	report := Report{Decision: decide(in.Base, in.Snapshot)}

	records := make(map[string]domain.MunicipalityRecord)
	var startVersion, startSeq int64
	provenance := domain.Provenance{
		BaseFingerprint: in.Base.Fingerprint,
		BaseModTime:     in.Base.ModTime,
	}

	if report.Decision.Accepted() {
		for _, record := range in.Snapshot.Dataset.Records() {
			records[record.Code] = record
		}
		startVersion = in.Snapshot.Dataset.Version()
		startSeq = in.Snapshot.Dataset.Sequence()
		if !in.Base.Available() {
			provenance = in.Snapshot.Dataset.Provenance()
		}
	} else {
		for _, record := range in.Base.Records {
			record.Zone = domain.NormalizeZone(record.Zone)
			records[record.Code] = record
		}
	}

	entries := make([]domain.ChangeLedgerEntry, len(in.Entries))
	copy(entries, in.Entries)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Sequence < entries[j].Sequence
	})

	var maxSeq int64
	provenance.LedgerID = ""
	if n := len(entries); n > 0 {
		maxSeq = entries[n-1].Sequence
		provenance.LedgerID = entries[0].ID.String()
	}
	if report.Decision.Accepted() {
		snapLedger := in.Snapshot.Meta.LedgerID
		switch {
		case startSeq > maxSeq:
			report.LedgerBehind = true
			e.logger.Warn("reconcile_ledger_behind_snapshot",
				"snapshot_sequence", startSeq,
				"ledger_sequence", maxSeq,
				"entries", len(entries),
			)
			startSeq = 0
		case snapLedger != "" && provenance.LedgerID != "" && snapLedger != provenance.LedgerID:
			// Sequences restarted in a new ledger, so they say nothing about
			// what the snapshot already reflects.
			report.LedgerReplaced = true
			e.logger.Warn("reconcile_ledger_replaced",
				"snapshot_ledger", snapLedger,
				"ledger", provenance.LedgerID,
				"snapshot_sequence", startSeq,
				"entries", len(entries),
			)
			startSeq = 0
		}
	}

	skipped := make(map[string]struct{})
	sequence := startSeq
	for _, entry := range entries {
		if entry.Sequence <= startSeq {
			report.Covered++
			continue
		}
		sequence = entry.Sequence

		code := entry.MunicipalityCode
		if alias, ok := e.aliases[code]; ok {
			code = alias
		}
		record, ok := records[code]
		if !ok {
			report.Skipped++
			skipped[code] = struct{}{}
			e.logger.Debug("reconcile_entry_skipped", "code", code, "sequence", entry.Sequence)
			continue
		}
		records[code] = record.WithZone(entry.NewZone)
		report.Applied++
	}
	if report.LedgerBehind || report.LedgerReplaced {
		sequence = maxSeq
	}

	for code := range skipped {
		report.SkippedCodes = append(report.SkippedCodes, code)
	}
	sort.Strings(report.SkippedCodes)
	if report.Skipped > 0 {
		metrics.ReconcileSkipped.Add(float64(report.Skipped))
		e.logger.Warn("reconcile_entries_skipped", "entries", report.Skipped, "codes", report.SkippedCodes)
	}

	list := make([]domain.MunicipalityRecord, 0, len(records))
	for _, record := range records {
		list = append(list, record)
	}
	ds := domain.NewDataset(list, startVersion+int64(report.Applied), sequence, provenance)

	e.logger.Info("reconcile_complete",
		"decision", string(report.Decision),
		"records", ds.Len(),
		"applied", report.Applied,
		"covered", report.Covered,
		"skipped", report.Skipped,
		"version", ds.Version(),
		"sequence", ds.Sequence(),
	)
	return ds, report
}

// decide applies the snapshot acceptance rules. A recorded base fingerprint
// is authoritative; file times are only consulted for headerless legacy
// snapshots. A current snapshot written without a base cannot vouch for the
// base that is present now.
func decide(base domain.BaseDataset, snap *snapshot.Snapshot) Decision {
	switch {
	case snap == nil || snap.Dataset == nil:
		return DecisionNoSnapshot
	case !base.Available():
		return DecisionNoBase
	case snap.Meta.BaseFingerprint != "":
		if snap.Meta.BaseFingerprint == base.Fingerprint {
			return DecisionFingerprint
		}
		return DecisionBaseChanged
	case !snap.Legacy:
		return DecisionBaseChanged
	case !snap.ModTime.Before(base.ModTime):
		return DecisionModTime
	default:
		return DecisionSnapshotOutdated
	}
}
