// Package snapshot persists the materialized dataset for fast startup.
package snapshot

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rpattn/zonemap/internal/domain"
	"github.com/rpattn/zonemap/internal/logger"
)

// ReplaceHook runs after the new snapshot is fully written and synced and
// before it replaces path. It sees the previous file, if any, still in place.
type ReplaceHook func(ctx context.Context, path string) error

// Store reads and atomically replaces one snapshot file.
type Store struct {
	path          string
	logger        *slog.Logger
	beforeReplace ReplaceHook
	now           func() time.Time
	rename        func(oldpath, newpath string) error
}

// Option customises a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithBeforeReplace installs a hook run before every replacement.
func WithBeforeReplace(hook ReplaceHook) Option {
	return func(s *Store) {
		s.beforeReplace = hook
	}
}

// WithClock overrides the WrittenAt clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore prepares the snapshot directory and removes temp files left by an
// interrupted Persist.
func NewStore(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:   path,
		logger: logger.Discard(),
		now:    time.Now,
		rename: os.Rename,
	}
	for _, opt := range opts {
		opt(s)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}
	stale, err := filepath.Glob(filepath.Join(dir, tempPrefix(path)+"*"))
	if err != nil {
		return nil, fmt.Errorf("scan snapshot directory: %w", err)
	}
	for _, name := range stale {
		if err := os.Remove(name); err == nil {
			s.logger.Warn("snapshot_stale_temp_removed", "file", name)
		}
	}
	return s, nil
}

func tempPrefix(path string) string {
	return "." + filepath.Base(path) + ".tmp-"
}

// Path returns the snapshot location.
func (s *Store) Path() string { return s.path }

// Load reads the snapshot. It returns (nil, nil) when no snapshot exists and
// an ErrSnapshotCorrupt error when the file cannot be trusted.
func (s *Store) Load(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ReadFile(s.path)
}

// ReadFile decodes the snapshot at path; a missing file is (nil, nil).
func ReadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrSnapshotCorrupt, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSnapshotCorrupt, err)
	}
	return Decode(data, info.ModTime())
}

// Persist writes ds to a temp file in the snapshot directory, syncs it, runs
// the before-replace hook and renames it over the snapshot. Readers of the
// path only ever see the old or the new complete file. Errors wrap
// ErrSnapshotWrite.
func (s *Store) Persist(ctx context.Context, ds *domain.Dataset) error {
	if err := s.persist(ctx, ds); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSnapshotWrite, err)
	}
	return nil
}

func (s *Store) persist(ctx context.Context, ds *domain.Dataset) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, tempPrefix(s.path)+"*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	bw := bufio.NewWriter(tmp)
	if err := Encode(bw, ds, s.now()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := bw.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("flush temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}

	if s.beforeReplace != nil {
		if err := s.beforeReplace(ctx, s.path); err != nil {
			s.logger.Warn("snapshot_before_replace_failed", "path", s.path, "error", err)
		}
	}

	if err := s.rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	committed = true

	if err := syncDir(dir); err != nil {
		s.logger.Warn("snapshot_dir_sync_failed", "dir", dir, "error", err)
	}
	s.logger.Debug("snapshot_persisted", "path", s.path, "version", ds.Version(), "sequence", ds.Sequence())
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
