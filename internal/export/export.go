// Package export renders the current dataset and the change ledger as
// downloadable files.
package export

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rpattn/zonemap/internal/domain"
)

// Format names an export layout.
type Format string

const (
	FormatCSV        Format = "csv"
	FormatXLSX       Format = "xlsx"
	FormatLedgerJSON Format = "ledger-json"
	FormatLedgerCSV  Format = "ledger-csv"
)

// Formats lists every supported format.
var Formats = []Format{FormatCSV, FormatXLSX, FormatLedgerJSON, FormatLedgerCSV}

// ParseFormat accepts a format name case-insensitively.
func ParseFormat(value string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(value)))
	for _, known := range Formats {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("unsupported export format %q", value)
}

// Extension is the file extension for the format.
func (f Format) Extension() string {
	switch f {
	case FormatXLSX:
		return ".xlsx"
	case FormatLedgerJSON:
		return ".json"
	default:
		return ".csv"
	}
}

// FileName builds a default output name such as zonemap-ledger-20250101_120000.json.
func FileName(f Format, now time.Time) string {
	stem := "zonemap"
	if strings.HasPrefix(string(f), "ledger") {
		stem = "zonemap-ledger"
	}
	return fmt.Sprintf("%s-%s%s", stem, now.UTC().Format("20060102_150405"), f.Extension())
}

// LedgerColumns is the header of the ledger CSV report.
var LedgerColumns = []string{"seq", "id", "code", "previous_zone", "new_zone", "timestamp", "actor"}

// WriteDatasetCSV writes the canonical columns of every record, ordered by code.
func WriteDatasetCSV(w io.Writer, ds *domain.Dataset) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(domain.RecordColumns); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, record := range ds.Records() {
		if err := cw.Write(record.Row()); err != nil {
			return fmt.Errorf("write record %s: %w", record.Code, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush rows: %w", err)
	}
	return nil
}

// LedgerReport is the JSON change report.
type LedgerReport struct {
	GeneratedAt time.Time                  `json:"generated_at"`
	Total       int                        `json:"total"`
	Changes     []domain.ChangeLedgerEntry `json:"changes"`
}

// WriteLedgerJSON writes entries as an indented report.
func WriteLedgerJSON(w io.Writer, entries []domain.ChangeLedgerEntry, generatedAt time.Time) error {
	if entries == nil {
		entries = []domain.ChangeLedgerEntry{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(LedgerReport{GeneratedAt: generatedAt.UTC(), Total: len(entries), Changes: entries}); err != nil {
		return fmt.Errorf("encode ledger report: %w", err)
	}
	return nil
}

// WriteLedgerCSV writes one row per ledger entry in sequence order as given.
func WriteLedgerCSV(w io.Writer, entries []domain.ChangeLedgerEntry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(LedgerColumns); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, e := range entries {
		row := []string{
			strconv.FormatInt(e.Sequence, 10),
			e.ID.String(),
			e.MunicipalityCode,
			e.PreviousZone,
			e.NewZone,
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			e.Actor,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write entry %d: %w", e.Sequence, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush rows: %w", err)
	}
	return nil
}

// WriteFile streams write into a temp file beside path and renames it into
// place, so readers never see a partial export. It returns the bytes written.
func WriteFile(path string, write func(io.Writer) error) (int64, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("ensure export directory: %w", err)
	}
	tempFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("create temp export file: %w", err)
	}
	tempPath := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = tempFile.Close()
			_ = os.Remove(tempPath)
		}
	}()

	buffered := bufio.NewWriterSize(tempFile, 1<<20)
	counter := &countingWriter{writer: buffered}
	if err := write(counter); err != nil {
		return 0, err
	}
	if err := buffered.Flush(); err != nil {
		return 0, fmt.Errorf("flush export file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		return 0, fmt.Errorf("sync export file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return 0, fmt.Errorf("close export file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return 0, fmt.Errorf("promote export file: %w", err)
	}
	cleanup = false
	return counter.count, nil
}

type countingWriter struct {
	writer *bufio.Writer
	count  int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.writer.Write(p)
	c.count += int64(n)
	return n, err
}
