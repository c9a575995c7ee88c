// Package ledger stores the append-only history of zone changes.
package ledger

import (
	"context"

	"github.com/rpattn/zonemap/internal/domain"
)

// Store is a durable, append-only log of ChangeLedgerEntry values ordered by
// their append sequence.
type Store interface {
	// Append durably stores entry and returns it with its assigned sequence.
	// On error nothing was stored.
	Append(ctx context.Context, entry domain.ChangeLedgerEntry) (domain.ChangeLedgerEntry, error)
	// ReplayAll returns every entry in append order.
	ReplayAll(ctx context.Context) ([]domain.ChangeLedgerEntry, error)
	// ReplaySince returns the entries whose sequence is greater than seq.
	ReplaySince(ctx context.Context, seq int64) ([]domain.ChangeLedgerEntry, error)
	Close() error
}

func since(entries []domain.ChangeLedgerEntry, seq int64) []domain.ChangeLedgerEntry {
	out := make([]domain.ChangeLedgerEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.Sequence > seq {
			out = append(out, entry)
		}
	}
	return out
}
