package ledger

import (
	"context"
	"os"
	"testing"

	"github.com/rpattn/zonemap/internal/db"
	"github.com/rpattn/zonemap/internal/domain"
)

func TestPostgresStoreRoundTrip(t *testing.T) {
	dsn := os.Getenv("ZONEMAP_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("ZONEMAP_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	if err := db.RunMigrations(dsn); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	conn, err := db.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := conn.Pool.Exec(ctx, "TRUNCATE zone_ledger RESTART IDENTITY"); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	store := NewPostgresStore(conn)
	t.Cleanup(func() { _ = store.Close() })

	first, err := store.Append(ctx, entry("2611606", domain.UnassignedZone, "Zona Norte"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	second, err := store.Append(ctx, entry("2611606", "Zona Norte", "Zona Sul"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if second.Sequence <= first.Sequence {
		t.Fatalf("expected increasing sequences, got %d then %d", first.Sequence, second.Sequence)
	}

	entries, err := store.ReplayAll(ctx)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(entries) != 2 || entries[0].ID != first.ID || entries[1].NewZone != "Zona Sul" {
		t.Fatalf("unexpected replay: %+v", entries)
	}
	if !entries[0].Timestamp.Equal(first.Timestamp) {
		t.Fatalf("expected timestamp %s, got %s", first.Timestamp, entries[0].Timestamp)
	}

	tail, err := store.ReplaySince(ctx, first.Sequence)
	if err != nil {
		t.Fatalf("replay since: %v", err)
	}
	if len(tail) != 1 || tail[0].ID != second.ID {
		t.Fatalf("unexpected tail: %+v", tail)
	}
}
