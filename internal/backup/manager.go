// Package backup keeps timestamped copies of the snapshot and restores from
// them when the snapshot is unreadable.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rpattn/zonemap/internal/domain"
	"github.com/rpattn/zonemap/internal/ledger"
	"github.com/rpattn/zonemap/internal/logger"
	"github.com/rpattn/zonemap/internal/metrics"
	"github.com/rpattn/zonemap/internal/reconcile"
	"github.com/rpattn/zonemap/internal/snapshot"

	"golang.org/x/time/rate"
)

const (
	archivePrefix = "snapshot-"
	archiveSuffix = ".csv"
	// Fixed width so that name order is time order.
	archiveLayout = "20060102T150405.000000000Z"
)

// ErrNoSnapshot is returned by Backup when there is no snapshot to copy.
var ErrNoSnapshot = errors.New("no snapshot to back up")

// Archive describes one backup copy.
type Archive struct {
	Name   string
	Path   string
	Time   time.Time
	Size   int64
	Remote bool
}

// Sources are what RestoreLatest reconciles a recovered archive against.
type Sources struct {
	Base   func() (domain.BaseDataset, error)
	Ledger ledger.Store
	Engine *reconcile.Engine
}

// Manager owns the archive directory.
type Manager struct {
	dir         string
	retain      int
	minInterval time.Duration
	mirror      Mirror
	sources     Sources
	logger      *slog.Logger
	now         func() time.Time

	mu        sync.Mutex
	last      time.Time
	sometimes rate.Sometimes
}

// Option customises a Manager.
type Option func(*Manager)

// WithMirror copies every archive to m as well.
func WithMirror(m Mirror) Option {
	return func(mg *Manager) {
		mg.mirror = m
	}
}

// WithMinInterval spaces pre-overwrite backups at least d apart.
func WithMinInterval(d time.Duration) Option {
	return func(mg *Manager) {
		mg.minInterval = d
	}
}

// WithSources configures the base and ledger used by RestoreLatest.
func WithSources(s Sources) Option {
	return func(mg *Manager) {
		mg.sources = s
	}
}

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option {
	return func(mg *Manager) {
		if l != nil {
			mg.logger = l
		}
	}
}

// WithClock overrides the archive timestamp clock.
func WithClock(now func() time.Time) Option {
	return func(mg *Manager) {
		mg.now = now
	}
}

// NewManager creates the archive directory if needed. retain below 1 keeps one.
func NewManager(dir string, retain int, opts ...Option) (*Manager, error) {
	if retain < 1 {
		retain = 1
	}
	m := &Manager{
		dir:    dir,
		retain: retain,
		logger: logger.Discard(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.sometimes = rate.Sometimes{Interval: m.minInterval}
	if m.sources.Engine == nil {
		m.sources.Engine = reconcile.NewEngine(reconcile.WithLogger(m.logger))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}
	return m, nil
}

// Backup copies a valid snapshot at snapshotPath into a new archive, mirrors
// it and prunes old archives. Corrupt snapshots are not archived.
func (m *Manager) Backup(ctx context.Context, snapshotPath string) (Archive, error) {
	data, err := os.ReadFile(snapshotPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Archive{}, ErrNoSnapshot
		}
		return Archive{}, fmt.Errorf("read snapshot: %w", err)
	}
	if _, err := snapshot.Decode(data, time.Time{}); err != nil {
		return Archive{}, fmt.Errorf("refusing to archive: %w", err)
	}

	m.mu.Lock()
	stamp := m.now().UTC()
	if !stamp.After(m.last) {
		stamp = m.last.Add(time.Nanosecond)
	}
	m.last = stamp
	m.mu.Unlock()

	name := archiveName(stamp)
	archivePath := filepath.Join(m.dir, name)
	if err := writeFileAtomic(archivePath, data); err != nil {
		return Archive{}, err
	}
	metrics.BackupsCreated.Inc()
	m.logger.Info("backup_created", "archive", name, "bytes", len(data))

	if m.mirror != nil {
		if err := m.mirror.Upload(ctx, name, data); err != nil {
			m.logger.Warn("backup_mirror_upload_failed", "archive", name, "error", err)
		}
	}
	if err := m.Prune(ctx); err != nil {
		m.logger.Warn("backup_prune_failed", "error", err)
	}

	return Archive{Name: name, Path: archivePath, Time: stamp, Size: int64(len(data))}, nil
}

// BeforeReplace is a snapshot.ReplaceHook: it archives the snapshot about to
// be overwritten, at most once per min interval.
func (m *Manager) BeforeReplace(ctx context.Context, path string) error {
	var err error
	run := func() {
		_, err = m.Backup(ctx, path)
	}
	if m.minInterval <= 0 {
		run()
	} else {
		m.sometimes.Do(run)
	}
	if errors.Is(err, ErrNoSnapshot) {
		return nil
	}
	return err
}

// Run archives snapshotPath every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration, snapshotPath string) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.Backup(ctx, snapshotPath); err != nil && !errors.Is(err, ErrNoSnapshot) {
				m.logger.Warn("backup_periodic_failed", "error", err)
			}
		}
	}
}

// List returns local archives, then mirror-only archives, each newest first.
func (m *Manager) List(ctx context.Context) ([]Archive, error) {
	local, err := m.localArchives()
	if err != nil {
		return nil, err
	}
	if m.mirror == nil {
		return local, nil
	}

	names, err := m.mirror.List(ctx)
	if err != nil {
		return local, fmt.Errorf("list mirror: %w", err)
	}
	have := make(map[string]bool, len(local))
	for _, a := range local {
		have[a.Name] = true
	}
	var remote []Archive
	for _, name := range names {
		stamp, ok := parseArchiveName(name)
		if !ok || have[name] {
			continue
		}
		remote = append(remote, Archive{Name: name, Time: stamp, Remote: true})
	}
	sortNewestFirst(remote)
	return append(local, remote...), nil
}

// Prune deletes archives beyond the retention count, oldest first, locally and
// on the mirror.
func (m *Manager) Prune(ctx context.Context) error {
	local, err := m.localArchives()
	if err != nil {
		return err
	}
	for _, a := range excess(local, m.retain) {
		if err := os.Remove(a.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove archive %s: %w", a.Name, err)
		}
		metrics.BackupsPruned.Inc()
		m.logger.Debug("backup_pruned", "archive", a.Name)
	}

	if m.mirror == nil {
		return nil
	}
	names, err := m.mirror.List(ctx)
	if err != nil {
		return fmt.Errorf("list mirror: %w", err)
	}
	var remote []Archive
	for _, name := range names {
		if stamp, ok := parseArchiveName(name); ok {
			remote = append(remote, Archive{Name: name, Time: stamp, Remote: true})
		}
	}
	sortNewestFirst(remote)
	for _, a := range excess(remote, m.retain) {
		if err := m.mirror.Delete(ctx, a.Name); err != nil {
			return err
		}
	}
	return nil
}

// RestoreLatest rebuilds the dataset after the snapshot was found corrupt.
// It starts from the newest readable archive (local, then mirror) and
// reconciles it with the base and the full ledger, so entries appended after
// the backup are applied on top. Without any archive it reconciles base and
// ledger alone. It only fails when ctx is done.
func (m *Manager) RestoreLatest(ctx context.Context) (*domain.Dataset, error) {
	snap, source := m.latestValid(ctx)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	base := domain.BaseDataset{}
	if m.sources.Base != nil {
		loaded, err := m.sources.Base()
		if err != nil {
			m.logger.Warn("restore_base_unavailable", "error", err)
		} else {
			base = loaded
		}
	}

	var entries []domain.ChangeLedgerEntry
	if m.sources.Ledger != nil {
		replayed, err := m.sources.Ledger.ReplayAll(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			m.logger.Error("restore_ledger_unavailable", "error", err)
		} else {
			entries = replayed
		}
	}

	ds, report := m.sources.Engine.Reconcile(reconcile.Input{Base: base, Snapshot: snap, Entries: entries})
	m.logger.Info("restore_complete",
		"source", source,
		"decision", string(report.Decision),
		"version", ds.Version(),
		"records", ds.Len(),
	)
	return ds, nil
}

func (m *Manager) latestValid(ctx context.Context) (*snapshot.Snapshot, string) {
	local, err := m.localArchives()
	if err != nil {
		m.logger.Warn("restore_list_failed", "error", err)
	}
	for _, a := range local {
		snap, err := snapshot.ReadFile(a.Path)
		if err == nil && snap != nil {
			return snap, a.Name
		}
		m.logger.Warn("restore_archive_unreadable", "archive", a.Name, "error", err)
	}

	if m.mirror == nil || ctx.Err() != nil {
		return nil, "none"
	}
	names, err := m.mirror.List(ctx)
	if err != nil {
		m.logger.Warn("restore_mirror_list_failed", "error", err)
		return nil, "none"
	}
	var remote []Archive
	for _, name := range names {
		if stamp, ok := parseArchiveName(name); ok {
			remote = append(remote, Archive{Name: name, Time: stamp, Remote: true})
		}
	}
	sortNewestFirst(remote)
	for _, a := range remote {
		data, err := m.mirror.Download(ctx, a.Name)
		if err != nil {
			m.logger.Warn("restore_mirror_download_failed", "archive", a.Name, "error", err)
			continue
		}
		snap, err := snapshot.Decode(data, a.Time)
		if err == nil {
			return snap, "mirror:" + a.Name
		}
		m.logger.Warn("restore_archive_unreadable", "archive", a.Name, "error", err)
	}
	return nil, "none"
}

func (m *Manager) localArchives() ([]Archive, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backup directory: %w", err)
	}
	var archives []Archive
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		stamp, ok := parseArchiveName(entry.Name())
		if !ok {
			continue
		}
		a := Archive{Name: entry.Name(), Path: filepath.Join(m.dir, entry.Name()), Time: stamp}
		if info, err := entry.Info(); err == nil {
			a.Size = info.Size()
		}
		archives = append(archives, a)
	}
	sortNewestFirst(archives)
	return archives, nil
}

func archiveName(t time.Time) string {
	return archivePrefix + t.UTC().Format(archiveLayout) + archiveSuffix
}

func parseArchiveName(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, archivePrefix) || !strings.HasSuffix(name, archiveSuffix) {
		return time.Time{}, false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(name, archivePrefix), archiveSuffix)
	t, err := time.Parse(archiveLayout, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func sortNewestFirst(archives []Archive) {
	sort.Slice(archives, func(i, j int) bool {
		return archives[i].Name > archives[j].Name
	})
}

func excess(newestFirst []Archive, retain int) []Archive {
	if len(newestFirst) <= retain {
		return nil
	}
	return newestFirst[retain:]
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create archive temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write archive: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close archive: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename archive: %w", err)
	}
	return nil
}
