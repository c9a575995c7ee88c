package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rpattn/zonemap/internal/auth"
	"github.com/rpattn/zonemap/internal/domain"
	"github.com/rpattn/zonemap/internal/ingestion"
	"github.com/rpattn/zonemap/internal/ledger"
	"github.com/rpattn/zonemap/internal/reconcile"
	"github.com/rpattn/zonemap/internal/snapshot"
)

func baseRecords() []domain.MunicipalityRecord {
	return []domain.MunicipalityRecord{
		{Code: "2611606", Name: "Recife", Zone: domain.UnassignedZone, AnnualSales: 50, AnnualPotential: 200, PointsOfSale: 10},
		{Code: "2607901", Name: "Jaboatão dos Guararapes", Zone: "Zona Sul", AnnualSales: 30, AnnualPotential: 60},
		{Code: "2609600", Name: "Olinda", Zone: domain.UnassignedZone},
	}
}

type stubLoader struct {
	mu      sync.Mutex
	records []domain.MunicipalityRecord
	err     error
	gate    chan struct{}
	entered chan struct{}
}

func (l *stubLoader) Load(path string) (domain.BaseDataset, error) {
	l.mu.Lock()
	gate, entered := l.gate, l.entered
	l.mu.Unlock()
	if gate != nil {
		entered <- struct{}{}
		<-gate
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return domain.BaseDataset{}, l.err
	}
	records := append([]domain.MunicipalityRecord(nil), l.records...)
	return domain.BaseDataset{Path: path, Records: records, Fingerprint: "sha256:base", ModTime: time.Unix(100, 0)}, nil
}

func (l *stubLoader) set(records []domain.MunicipalityRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = records
}

type stubLedger struct {
	mu      sync.Mutex
	entries []domain.ChangeLedgerEntry
	fail    error
}

func (l *stubLedger) Append(ctx context.Context, entry domain.ChangeLedgerEntry) (domain.ChangeLedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail != nil {
		return domain.ChangeLedgerEntry{}, l.fail
	}
	entry.Sequence = int64(len(l.entries) + 1)
	l.entries = append(l.entries, entry)
	return entry, nil
}

func (l *stubLedger) ReplayAll(ctx context.Context) ([]domain.ChangeLedgerEntry, error) {
	return l.ReplaySince(ctx, 0)
}

func (l *stubLedger) ReplaySince(ctx context.Context, seq int64) ([]domain.ChangeLedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.ChangeLedgerEntry
	for _, e := range l.entries {
		if e.Sequence > seq {
			out = append(out, e)
		}
	}
	return out, nil
}

func (l *stubLedger) Close() error { return nil }

func (l *stubLedger) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *stubLedger) setFail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail = err
}

type stubSnapshots struct {
	mu       sync.Mutex
	loadErr  error
	failures int
	calls    int
	last     *domain.Dataset
}

func (s *stubSnapshots) Load(ctx context.Context) (*snapshot.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return nil, s.loadErr
}

func (s *stubSnapshots) Persist(ctx context.Context, ds *domain.Dataset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return fmt.Errorf("%w: disk full", domain.ErrSnapshotWrite)
	}
	s.last = ds
	return nil
}

func (s *stubSnapshots) lastVersion() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return -1
	}
	return s.last.Version()
}

type stubRestorer struct {
	ds *domain.Dataset
}

func (r stubRestorer) RestoreLatest(ctx context.Context) (*domain.Dataset, error) {
	return r.ds, nil
}

type recordingNotifier struct {
	changes chan domain.Change
}

func (n *recordingNotifier) Notify(ctx context.Context, change domain.Change) error {
	select {
	case n.changes <- change:
	case <-ctx.Done():
	}
	return nil
}

type fixture struct {
	svc       *Service
	loader    *stubLoader
	ledger    *stubLedger
	snapshots *stubSnapshots
	notifier  *recordingNotifier
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		loader:    &stubLoader{records: baseRecords()},
		ledger:    &stubLedger{},
		snapshots: &stubSnapshots{},
		notifier:  &recordingNotifier{changes: make(chan domain.Change, 16)},
	}
	f.svc = New(Deps{
		BasePath:  "base.csv",
		Loader:    f.loader,
		Ledger:    f.ledger,
		Snapshots: f.snapshots,
		Notifier:  f.notifier,
		Colors:    domain.ZoneColors{"Zona Norte": "#FF0000"},
	}, opts...)
	return f
}

// start opens the service and runs it until the test ends.
func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.svc.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	f.run(t)
}

func (f *fixture) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.svc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestApplyEditMovesMunicipality(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	ctx := context.Background()

	version, err := f.svc.ApplyEdit(ctx, "2611606", "Zona Norte", "ana")
	if err != nil {
		t.Fatalf("apply edit: %v", err)
	}
	if version != 1 || f.svc.Version() != 1 {
		t.Fatalf("expected version 1, got %d/%d", version, f.svc.Version())
	}

	record, _ := f.svc.Get("2611606")
	if record.Zone != "Zona Norte" {
		t.Fatalf("expected Zona Norte, got %q", record.Zone)
	}
	stats := f.svc.Statistics()
	north, _ := stats.Zone("Zona Norte")
	unassigned, _ := stats.Zone(domain.UnassignedZone)
	if north.Municipalities != 1 || unassigned.Municipalities != 1 {
		t.Fatalf("unexpected statistics: %+v", stats.Zones)
	}
	if len(f.svc.GetByZone(" zona norte ")) != 0 || len(f.svc.GetByZone("Zona Norte")) != 1 {
		t.Fatalf("unexpected zone listing")
	}

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := f.svc.WaitPersisted(waitCtx, 1); err != nil {
		t.Fatalf("wait persisted: %v", err)
	}
	if f.snapshots.lastVersion() != 1 {
		t.Fatalf("expected snapshot at version 1, got %d", f.snapshots.lastVersion())
	}

	base, _ := f.loader.Load("base.csv")
	entries, _ := f.ledger.ReplayAll(ctx)
	rebuilt := reconcile.Reconcile(base, nil, entries)
	if rebuilt.Version() != 1 {
		t.Fatalf("expected replay to reach version 1, got %d", rebuilt.Version())
	}
	if got, _ := rebuilt.Get("2611606"); got.Zone != "Zona Norte" {
		t.Fatalf("replay disagrees with live state: %q", got.Zone)
	}

	select {
	case change := <-f.notifier.changes:
		if change.Kind != domain.ChangeEdit || change.PreviousZone != domain.UnassignedZone || change.Color != "#FF0000" {
			t.Fatalf("unexpected change: %+v", change)
		}
		if change.Record == nil || change.Record.Zone != "Zona Norte" {
			t.Fatalf("expected updated record in change, got %+v", change.Record)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected a change notification")
	}
}

func TestApplyEditLedgerFailureLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	before := f.svc.GetAll()

	stubErr := errors.New("ledger offline")
	f.ledger.setFail(stubErr)
	version, err := f.svc.ApplyEdit(context.Background(), "2611606", "Zona Norte", "ana")
	if !errors.Is(err, stubErr) {
		t.Fatalf("expected ledger error, got %v", err)
	}
	if version != 0 || f.svc.Version() != 0 {
		t.Fatalf("expected version to stay 0, got %d/%d", version, f.svc.Version())
	}
	after := f.svc.GetAll()
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("record %s changed after failed edit", before[i].Code)
		}
	}
}

func TestApplyEditRejectsInvalidRequests(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	ctx := context.Background()

	if _, err := f.svc.ApplyEdit(ctx, "9999999", "Zona Norte", ""); !errors.Is(err, domain.ErrUnknownMunicipality) {
		t.Fatalf("expected unknown municipality, got %v", err)
	}
	if _, err := f.svc.ApplyEdit(ctx, "2611606", "  ", ""); !errors.Is(err, domain.ErrInvalidZone) {
		t.Fatalf("expected invalid zone, got %v", err)
	}
	if _, err := f.svc.ApplyEdit(ctx, "2607901", "Zona Sul", ""); !errors.Is(err, domain.ErrZoneUnchanged) {
		t.Fatalf("expected unchanged zone, got %v", err)
	}
	if f.ledger.len() != 0 {
		t.Fatalf("rejected edits must not reach the ledger, got %d entries", f.ledger.len())
	}
}

func TestEditsApplyInSubmissionOrder(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}

	edits := []struct{ code, zone string }{
		{"2611606", "Zona Norte"},
		{"2611606", "Zona Oeste"},
		{"2609600", "Zona Norte"},
	}
	var wg sync.WaitGroup
	for i, edit := range edits {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.ApplyEdit(context.Background(), edit.code, edit.zone, ""); err != nil {
				t.Errorf("edit %d: %v", i, err)
			}
		}()
		waitFor(t, "request to be queued", func() bool { return len(f.svc.requests) == i+1 })
	}
	f.run(t)
	wg.Wait()

	entries, _ := f.ledger.ReplayAll(context.Background())
	if len(entries) != 3 {
		t.Fatalf("expected 3 ledger entries, got %d", len(entries))
	}
	for i, edit := range edits {
		if entries[i].MunicipalityCode != edit.code || entries[i].NewZone != edit.zone {
			t.Fatalf("entry %d out of order: %+v", i, entries[i])
		}
	}
	if entries[1].PreviousZone != "Zona Norte" {
		t.Fatalf("second edit should see the first, got previous %q", entries[1].PreviousZone)
	}
	if record, _ := f.svc.Get("2611606"); record.Zone != "Zona Oeste" {
		t.Fatalf("expected last edit to win, got %q", record.Zone)
	}
}

func TestQueuedEditThatTimesOutHasNoEffect(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := f.svc.ApplyEdit(ctx, "2611606", "Zona Norte", ""); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	f.run(t)
	version, err := f.svc.ApplyEdit(context.Background(), "2609600", "Zona Sul", "")
	if err != nil {
		t.Fatalf("apply edit: %v", err)
	}
	if version != 1 || f.ledger.len() != 1 {
		t.Fatalf("abandoned edit was applied: version %d, %d entries", version, f.ledger.len())
	}
	if record, _ := f.svc.Get("2611606"); record.Zone != domain.UnassignedZone {
		t.Fatalf("abandoned edit changed Recife to %q", record.Zone)
	}
}

func TestEditQueuedDuringReloadAppliesAfterSwap(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	updated := baseRecords()
	updated[1].Zone = "Zona Leste"
	f.loader.set(updated)
	f.loader.mu.Lock()
	f.loader.gate = make(chan struct{})
	f.loader.entered = make(chan struct{}, 1)
	gate, entered := f.loader.gate, f.loader.entered
	f.loader.mu.Unlock()

	reloaded := make(chan error, 1)
	go func() { reloaded <- f.svc.Reload(context.Background()) }()
	<-entered

	edited := make(chan error, 1)
	go func() {
		_, err := f.svc.ApplyEdit(context.Background(), "2609600", "Zona Norte", "")
		edited <- err
	}()
	waitFor(t, "edit to be queued", func() bool { return len(f.svc.requests) == 1 })

	f.loader.mu.Lock()
	f.loader.gate = nil
	f.loader.mu.Unlock()
	close(gate)

	if err := <-reloaded; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if err := <-edited; err != nil {
		t.Fatalf("edit: %v", err)
	}
	if f.svc.Version() != 2 {
		t.Fatalf("expected reload then edit to reach version 2, got %d", f.svc.Version())
	}
	if record, _ := f.svc.Get("2607901"); record.Zone != "Zona Leste" {
		t.Fatalf("reload not applied: %q", record.Zone)
	}
	if record, _ := f.svc.Get("2609600"); record.Zone != "Zona Norte" {
		t.Fatalf("edit lost across reload: %q", record.Zone)
	}
}

func TestSnapshotPersistRetriesAfterFailure(t *testing.T) {
	f := newFixture(t, WithRetryDelay(5*time.Millisecond))
	f.snapshots.failures = 2
	f.start(t)

	if _, err := f.svc.ApplyEdit(context.Background(), "2611606", "Zona Norte", ""); err != nil {
		t.Fatalf("apply edit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.svc.WaitPersisted(ctx, 1); err != nil {
		t.Fatalf("snapshot never persisted: %v", err)
	}
	f.snapshots.mu.Lock()
	calls := f.snapshots.calls
	f.snapshots.mu.Unlock()
	if calls < 3 {
		t.Fatalf("expected at least 3 persist attempts, got %d", calls)
	}
}

func TestShutdownFlushesPendingSnapshot(t *testing.T) {
	f := newFixture(t, WithPersistInterval(time.Hour))
	if err := f.svc.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.svc.Run(ctx) }()

	// The first write consumes the limiter burst; the second waits an hour
	// unless the shutdown flush writes it.
	for _, zone := range []string{"Zona Norte", "Zona Oeste"} {
		if _, err := f.svc.ApplyEdit(context.Background(), "2611606", zone, ""); err != nil {
			t.Fatalf("apply edit: %v", err)
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if f.snapshots.lastVersion() != 2 {
		t.Fatalf("expected flushed snapshot at version 2, got %d", f.snapshots.lastVersion())
	}
	if _, err := f.svc.ApplyEdit(context.Background(), "2609600", "Zona Sul", ""); !errors.Is(err, domain.ErrServiceClosed) {
		t.Fatalf("expected closed service, got %v", err)
	}
}

func TestOpenRestoresFromBackupWhenSnapshotCorrupt(t *testing.T) {
	f := newFixture(t)
	f.snapshots.loadErr = fmt.Errorf("%w: bad checksum", domain.ErrSnapshotCorrupt)
	f.svc.deps.Backups = stubRestorer{ds: domain.NewDataset(baseRecords(), 7, 7, domain.Provenance{})}

	if err := f.svc.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if f.svc.Version() != 7 {
		t.Fatalf("expected restored version 7, got %d", f.svc.Version())
	}
	if f.snapshots.lastVersion() != 7 {
		t.Fatalf("expected restored dataset to be written back, got %d", f.snapshots.lastVersion())
	}
}

func TestOpenWithoutBaseStartsEmpty(t *testing.T) {
	f := newFixture(t)
	f.loader.err = domain.ErrMissingBaseFile
	if err := f.svc.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(f.svc.GetAll()) != 0 {
		t.Fatalf("expected empty dataset, got %d records", len(f.svc.GetAll()))
	}
}

func TestRevertToBaseRestoresBaseZones(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	ctx := context.Background()

	for _, edit := range []struct{ code, zone string }{{"2611606", "Zona Norte"}, {"2607901", "Zona Leste"}} {
		if _, err := f.svc.ApplyEdit(ctx, edit.code, edit.zone, ""); err != nil {
			t.Fatalf("apply edit: %v", err)
		}
	}
	version, err := f.svc.RevertToBase(auth.ContextWithActor(ctx, "admin"), "")
	if err != nil {
		t.Fatalf("revert: %v", err)
	}
	if version != 4 || f.ledger.len() != 4 {
		t.Fatalf("expected version 4 with 4 entries, got %d/%d", version, f.ledger.len())
	}
	for _, want := range baseRecords() {
		got, _ := f.svc.Get(want.Code)
		if got.Zone != want.Zone {
			t.Fatalf("%s: expected %q, got %q", want.Code, want.Zone, got.Zone)
		}
	}

	changes, err := f.svc.Changes(ctx, 2)
	if err != nil {
		t.Fatalf("changes: %v", err)
	}
	if len(changes) != 2 || changes[0].Actor != "admin" {
		t.Fatalf("expected the two reverting entries, got %+v", changes)
	}
}

func TestReadersSeeConsistentVersions(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				ds := f.svc.Dataset()
				stats := ds.Statistics()
				total := 0
				for _, z := range stats.Zones {
					total += z.Municipalities
				}
				if total != ds.Len() || stats.Version != ds.Version() {
					t.Errorf("inconsistent read at version %d", ds.Version())
					return
				}
			}
		}()
	}

	zones := []string{"Zona Norte", "Zona Sul", "Zona Oeste"}
	for i := 0; i < 30; i++ {
		if _, err := f.svc.ApplyEdit(context.Background(), "2609600", zones[i%len(zones)], ""); err != nil {
			t.Fatalf("edit %d: %v", i, err)
		}
	}
	close(stop)
	wg.Wait()
	if f.svc.Version() != 30 {
		t.Fatalf("expected version 30, got %d", f.svc.Version())
	}
}

func TestBaseDeployedAfterEmptyStartIsLoaded(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.csv")
	open := func() *Service {
		t.Helper()
		store, err := ledger.OpenFile(filepath.Join(dir, "zones.jsonl"), nil)
		if err != nil {
			t.Fatalf("open ledger: %v", err)
		}
		t.Cleanup(func() { _ = store.Close() })
		snapshots, err := snapshot.NewStore(filepath.Join(dir, "snapshot.csv"))
		if err != nil {
			t.Fatalf("snapshot store: %v", err)
		}
		svc := New(Deps{
			BasePath:  basePath,
			Loader:    ingestion.NewLoader(),
			Ledger:    store,
			Snapshots: snapshots,
		})
		if err := svc.Open(context.Background()); err != nil {
			t.Fatalf("open: %v", err)
		}
		return svc
	}

	if n := len(open().GetAll()); n != 0 {
		t.Fatalf("expected empty dataset without a base, got %d records", n)
	}

	data := "code,name,zone\n2611606,Recife,Zona Norte\n2609600,Olinda,\n"
	if err := os.WriteFile(basePath, []byte(data), 0o644); err != nil {
		t.Fatalf("write base: %v", err)
	}
	// Copied files often keep an mtime older than the snapshot.
	old := time.Now().Add(-24 * time.Hour)
	if err := os.Chtimes(basePath, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	svc := open()
	if n := len(svc.GetAll()); n != 2 {
		t.Fatalf("expected the deployed base, got %d records", n)
	}
	if record, _ := svc.Get("2611606"); record.Zone != "Zona Norte" {
		t.Fatalf("expected Zona Norte, got %q", record.Zone)
	}
}

func TestFirstEditRecordsLedgerIdentity(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	if id := f.svc.Dataset().Provenance().LedgerID; id != "" {
		t.Fatalf("expected no ledger identity before the first edit, got %q", id)
	}
	if _, err := f.svc.ApplyEdit(context.Background(), "2611606", "Zona Norte", ""); err != nil {
		t.Fatalf("apply edit: %v", err)
	}
	entries, _ := f.ledger.ReplayAll(context.Background())
	if got, want := f.svc.Dataset().Provenance().LedgerID, entries[0].ID.String(); got != want {
		t.Fatalf("expected ledger id %q, got %q", want, got)
	}

	if _, err := f.svc.ApplyEdit(context.Background(), "2609600", "Zona Norte", ""); err != nil {
		t.Fatalf("apply edit: %v", err)
	}
	if got, want := f.svc.Dataset().Provenance().LedgerID, entries[0].ID.String(); got != want {
		t.Fatalf("expected ledger id to stay %q, got %q", want, got)
	}
}

func TestReloadWithoutChangesKeepsVersion(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	ctx := context.Background()

	if _, err := f.svc.ApplyEdit(ctx, "2611606", "Zona Norte", ""); err != nil {
		t.Fatalf("apply edit: %v", err)
	}
	select {
	case <-f.notifier.changes:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected the edit notification")
	}

	before := f.svc.Dataset()
	for i := 0; i < 3; i++ {
		if err := f.svc.Reload(ctx); err != nil {
			t.Fatalf("reload: %v", err)
		}
	}
	if f.svc.Version() != 1 || f.svc.Dataset() != before {
		t.Fatalf("expected version 1 to be kept, got %d", f.svc.Version())
	}
	select {
	case change := <-f.notifier.changes:
		t.Fatalf("expected no notification, got %+v", change)
	case <-time.After(50 * time.Millisecond):
	}
}
