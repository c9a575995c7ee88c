package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/rpattn/zonemap/internal/db"
	"github.com/rpattn/zonemap/internal/domain"
)

const (
	insertEntrySQL = `INSERT INTO zone_ledger (id, municipality_code, previous_zone, new_zone, recorded_at, actor)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING seq`

	selectSinceSQL = `SELECT seq, id, municipality_code, previous_zone, new_zone, recorded_at, actor
FROM zone_ledger
WHERE seq > $1
ORDER BY seq`
)

// PostgresStore keeps the ledger in the zone_ledger table. A committed INSERT
// is the durability point; the BIGSERIAL column is the append sequence.
type PostgresStore struct {
	conn *db.Connection
}

// NewPostgresStore wraps an open connection. Run db.RunMigrations first.
func NewPostgresStore(conn *db.Connection) *PostgresStore {
	return &PostgresStore{conn: conn}
}

// Append inserts entry and returns it with the sequence postgres assigned.
func (s *PostgresStore) Append(ctx context.Context, entry domain.ChangeLedgerEntry) (domain.ChangeLedgerEntry, error) {
	var seq int64
	err := s.conn.Pool.QueryRow(ctx, insertEntrySQL,
		entry.ID,
		entry.MunicipalityCode,
		entry.PreviousZone,
		entry.NewZone,
		entry.Timestamp,
		entry.Actor,
	).Scan(&seq)
	if err != nil {
		return domain.ChangeLedgerEntry{}, fmt.Errorf("%w: %v", domain.ErrLedgerWrite, err)
	}
	entry.Sequence = seq
	return entry, nil
}

// ReplayAll returns every entry ordered by sequence.
func (s *PostgresStore) ReplayAll(ctx context.Context) ([]domain.ChangeLedgerEntry, error) {
	return s.ReplaySince(ctx, 0)
}

// ReplaySince returns the entries with a sequence greater than seq.
func (s *PostgresStore) ReplaySince(ctx context.Context, seq int64) ([]domain.ChangeLedgerEntry, error) {
	rows, err := s.conn.Pool.Query(ctx, selectSinceSQL, seq)
	if err != nil {
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var entries []domain.ChangeLedgerEntry
	for rows.Next() {
		var (
			entry      domain.ChangeLedgerEntry
			recordedAt time.Time
		)
		if err := rows.Scan(
			&entry.Sequence,
			&entry.ID,
			&entry.MunicipalityCode,
			&entry.PreviousZone,
			&entry.NewZone,
			&recordedAt,
			&entry.Actor,
		); err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		entry.Timestamp = recordedAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger: %w", err)
	}
	return entries, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.conn.Close()
	return nil
}
