package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/rpattn/zonemap/internal/domain"
	"github.com/rpattn/zonemap/internal/logger"
)

// FileStore keeps the ledger as JSON lines, one entry per line, fsynced on
// every append. The process must be the file's only writer.
type FileStore struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	size    int64
	entries []domain.ChangeLedgerEntry
	logger  *slog.Logger
	closed  bool
}

// OpenFile opens or creates the ledger at path. A torn trailing line left by
// a crash is cut off; corrupt lines in the middle are skipped. Both are
// logged, neither is an error.
func OpenFile(path string, log *slog.Logger) (*FileStore, error) {
	if log == nil {
		log = logger.Discard()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	_, statErr := os.Stat(path)
	created := errors.Is(statErr, os.ErrNotExist)

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	if created {
		if err := syncDir(filepath.Dir(path)); err != nil {
			_ = file.Close()
			return nil, err
		}
	}

	store := &FileStore{path: path, file: file, logger: log}
	if err := store.load(); err != nil {
		_ = file.Close()
		return nil, err
	}
	return store, nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read ledger %s: %w", s.path, err)
	}

	var offset int64
	var lastSeq int64
	for len(data) > 0 {
		idx := bytes.IndexByte(data, '\n')
		complete := idx >= 0
		line := data
		if complete {
			line = data[:idx]
		}

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			var entry domain.ChangeLedgerEntry
			if err := json.Unmarshal(trimmed, &entry); err != nil || entry.MunicipalityCode == "" {
				if !complete {
					s.logger.Warn("ledger_torn_tail_truncated", "path", s.path, "offset", offset, "bytes", len(line))
					if err := s.file.Truncate(offset); err != nil {
						return fmt.Errorf("truncate torn ledger tail: %w", err)
					}
					if err := s.file.Sync(); err != nil {
						return fmt.Errorf("sync ledger: %w", err)
					}
					break
				}
				s.logger.Warn("ledger_line_skipped", "path", s.path, "offset", offset)
			} else {
				// Entries written without a sequence take their position.
				if entry.Sequence <= lastSeq {
					entry.Sequence = lastSeq + 1
				}
				lastSeq = entry.Sequence
				s.entries = append(s.entries, entry)
			}
		}

		if !complete {
			if len(trimmed) == 0 {
				if err := s.file.Truncate(offset); err != nil {
					return fmt.Errorf("truncate ledger tail: %w", err)
				}
				break
			}
			// A well-formed final entry missing its newline: terminate it so the
			// next append starts on a fresh line.
			offset += int64(len(line))
			if _, err := s.file.WriteAt([]byte{'\n'}, offset); err != nil {
				return fmt.Errorf("terminate ledger tail: %w", err)
			}
			if err := s.file.Sync(); err != nil {
				return fmt.Errorf("sync ledger: %w", err)
			}
			offset++
			break
		}
		offset += int64(idx) + 1
		data = data[idx+1:]
	}

	s.size = offset
	s.logger.Info("ledger_opened", "path", s.path, "entries", len(s.entries))
	return nil
}

// Append writes entry as one line and fsyncs before returning. A failed write
// or sync truncates the file back to its previous size.
func (s *FileStore) Append(ctx context.Context, entry domain.ChangeLedgerEntry) (domain.ChangeLedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return domain.ChangeLedgerEntry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return domain.ChangeLedgerEntry{}, fmt.Errorf("%w: ledger closed", domain.ErrLedgerWrite)
	}

	entry.Sequence = 1
	if n := len(s.entries); n > 0 {
		entry.Sequence = s.entries[n-1].Sequence + 1
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return domain.ChangeLedgerEntry{}, fmt.Errorf("%w: encode entry: %v", domain.ErrLedgerWrite, err)
	}
	line = append(line, '\n')

	if _, err := s.file.WriteAt(line, s.size); err != nil {
		s.rollback()
		return domain.ChangeLedgerEntry{}, fmt.Errorf("%w: %v", domain.ErrLedgerWrite, err)
	}
	if err := s.file.Sync(); err != nil {
		s.rollback()
		return domain.ChangeLedgerEntry{}, fmt.Errorf("%w: sync: %v", domain.ErrLedgerWrite, err)
	}

	s.size += int64(len(line))
	s.entries = append(s.entries, entry)
	return entry, nil
}

func (s *FileStore) rollback() {
	if err := s.file.Truncate(s.size); err != nil {
		s.logger.Error("ledger_rollback_failed", "path", s.path, "error", err)
	}
}

// ReplayAll returns every entry in append order.
func (s *FileStore) ReplayAll(ctx context.Context) ([]domain.ChangeLedgerEntry, error) {
	return s.ReplaySince(ctx, 0)
}

// ReplaySince returns the entries appended after seq.
func (s *FileStore) ReplaySince(ctx context.Context, seq int64) ([]domain.ChangeLedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return since(s.entries, seq), nil
}

// Close releases the file. Further appends fail with ErrLedgerWrite.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open directory %s: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync directory %s: %w", dir, err)
	}
	return nil
}
