package snapshot

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rpattn/zonemap/internal/domain"
)

const (
	metaPrefix    = "# zonemap-snapshot "
	formatVersion = 1
)

// Meta is the header line of a snapshot file.
type Meta struct {
	Format          int       `json:"format"`
	Version         int64     `json:"version"`
	Sequence        int64     `json:"sequence"`
	Records         int       `json:"records"`
	BaseFingerprint string    `json:"base_fingerprint,omitempty"`
	BaseModTime     time.Time `json:"base_mtime"`
	LedgerID        string    `json:"ledger_id,omitempty"`
	WrittenAt       time.Time `json:"written_at"`
	Checksum        string    `json:"checksum"`
}

// Snapshot is a decoded snapshot file.
type Snapshot struct {
	Meta    Meta
	Dataset *domain.Dataset
	// ModTime is when the snapshot was written: WrittenAt for current files,
	// the file mtime for headerless legacy ones.
	ModTime time.Time
	// Legacy marks a plain CSV without a metadata line.
	Legacy bool
}

// Encode writes ds as a snapshot: one metadata line, then canonical CSV
// ordered by code. Equal datasets encode to identical bytes for a given
// writtenAt.
func Encode(w io.Writer, ds *domain.Dataset, writtenAt time.Time) error {
	body, err := encodeBody(ds.Records())
	if err != nil {
		return err
	}
	sum := sha256.Sum256(body)
	prov := ds.Provenance()
	meta := Meta{
		Format:          formatVersion,
		Version:         ds.Version(),
		Sequence:        ds.Sequence(),
		Records:         ds.Len(),
		BaseFingerprint: prov.BaseFingerprint,
		BaseModTime:     prov.BaseModTime.UTC(),
		LedgerID:        prov.LedgerID,
		WrittenAt:       writtenAt.UTC(),
		Checksum:        hex.EncodeToString(sum[:]),
	}
	header, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode snapshot meta: %w", err)
	}

	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(metaPrefix); err != nil {
		return err
	}
	if _, err := bw.Write(header); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if _, err := bw.Write(body); err != nil {
		return err
	}
	return bw.Flush()
}

func encodeBody(records []domain.MunicipalityRecord) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.Write(domain.RecordColumns); err != nil {
		return nil, fmt.Errorf("write snapshot header: %w", err)
	}
	for _, record := range records {
		if err := writer.Write(record.Row()); err != nil {
			return nil, fmt.Errorf("write snapshot row %s: %w", record.Code, err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("flush snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses a snapshot. Every failure wraps ErrSnapshotCorrupt.
// fileModTime stands in for WrittenAt when the file has no metadata line.
func Decode(data []byte, fileModTime time.Time) (*Snapshot, error) {
	snap, err := decode(data, fileModTime)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSnapshotCorrupt, err)
	}
	return snap, nil
}

func decode(data []byte, fileModTime time.Time) (*Snapshot, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("empty file")
	}

	if !bytes.HasPrefix(data, []byte(metaPrefix)) {
		records, err := decodeBody(data)
		if err != nil {
			return nil, err
		}
		ds := domain.NewDataset(records, 0, 0, domain.Provenance{})
		return &Snapshot{
			Meta:    Meta{Records: len(records)},
			Dataset: ds,
			ModTime: fileModTime.UTC(),
			Legacy:  true,
		}, nil
	}

	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return nil, errors.New("metadata line not terminated")
	}
	var meta Meta
	if err := json.Unmarshal(data[len(metaPrefix):idx], &meta); err != nil {
		return nil, fmt.Errorf("metadata: %v", err)
	}
	if meta.Format != formatVersion {
		return nil, fmt.Errorf("unsupported format %d", meta.Format)
	}

	body := data[idx+1:]
	sum := sha256.Sum256(body)
	if hex.EncodeToString(sum[:]) != meta.Checksum {
		return nil, errors.New("checksum mismatch")
	}
	records, err := decodeBody(body)
	if err != nil {
		return nil, err
	}
	if len(records) != meta.Records {
		return nil, fmt.Errorf("expected %d records, found %d", meta.Records, len(records))
	}

	ds := domain.NewDataset(records, meta.Version, meta.Sequence, domain.Provenance{
		BaseFingerprint: meta.BaseFingerprint,
		BaseModTime:     meta.BaseModTime,
		LedgerID:        meta.LedgerID,
	})
	return &Snapshot{Meta: meta, Dataset: ds, ModTime: meta.WrittenAt}, nil
}

func decodeBody(body []byte) ([]domain.MunicipalityRecord, error) {
	reader := csv.NewReader(bytes.NewReader(body))
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("csv: %v", err)
	}
	if len(rows) == 0 {
		return nil, errors.New("missing header")
	}

	index := make(map[string]int, len(rows[0]))
	for i, column := range rows[0] {
		index[column] = i
	}
	for _, column := range domain.RequiredColumns {
		if _, ok := index[column]; !ok {
			return nil, fmt.Errorf("missing column %s", column)
		}
	}

	records := make([]domain.MunicipalityRecord, 0, len(rows)-1)
	seen := make(map[string]struct{}, len(rows)-1)
	for i, row := range rows[1:] {
		record, err := domain.RecordFromRow(index, row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %v", i+2, err)
		}
		if _, dup := seen[record.Code]; dup {
			return nil, fmt.Errorf("duplicate code %s", record.Code)
		}
		seen[record.Code] = struct{}{}
		records = append(records, record)
	}
	return records, nil
}
