package domain

import (
	"sort"
	"sync"
	"time"
)

// Provenance records which base file and which ledger a Dataset was
// reconciled from. LedgerID is the id of the ledger's first entry, empty
// while the ledger is empty.
type Provenance struct {
	BaseFingerprint string
	BaseModTime     time.Time
	LedgerID        string
}

// Dataset is the reconciled current state. A Dataset is never mutated after
// construction; WithZone returns a successor so readers holding a pointer always
// see one complete version.
type Dataset struct {
	records    map[string]MunicipalityRecord
	codes      []string
	byZone     map[string][]string
	version    int64
	sequence   int64
	provenance Provenance

	statsOnce sync.Once
	stats     Statistics
}

// NewDataset indexes records. Later duplicates of a code replace earlier ones.
func NewDataset(records []MunicipalityRecord, version, sequence int64, provenance Provenance) *Dataset {
	byCode := make(map[string]MunicipalityRecord, len(records))
	for _, record := range records {
		record.Zone = NormalizeZone(record.Zone)
		byCode[record.Code] = record
	}
	return newDataset(byCode, version, sequence, provenance)
}

// EmptyDataset holds no municipalities.
func EmptyDataset() *Dataset {
	return newDataset(map[string]MunicipalityRecord{}, 0, 0, Provenance{})
}

func newDataset(records map[string]MunicipalityRecord, version, sequence int64, provenance Provenance) *Dataset {
	codes := make([]string, 0, len(records))
	byZone := make(map[string][]string)
	for code := range records {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		zone := records[code].Zone
		byZone[zone] = append(byZone[zone], code)
	}
	return &Dataset{
		records:    records,
		codes:      codes,
		byZone:     byZone,
		version:    version,
		sequence:   sequence,
		provenance: provenance,
	}
}

// WithZone returns the successor Dataset with code moved to zone, version
// incremented and sequence recorded. The receiver is left untouched.
func (d *Dataset) WithZone(code, zone string, sequence int64) (*Dataset, bool) {
	current, ok := d.records[code]
	if !ok {
		return d, false
	}
	next := make(map[string]MunicipalityRecord, len(d.records))
	for k, v := range d.records {
		next[k] = v
	}
	next[code] = current.WithZone(zone)
	return newDataset(next, d.version+1, sequence, d.provenance), true
}

// WithZones applies several zone moves in one step. Unknown codes are
// ignored; version advances by the number of moves applied.
func (d *Dataset) WithZones(zones map[string]string, sequence int64) (*Dataset, int) {
	next := make(map[string]MunicipalityRecord, len(d.records))
	for k, v := range d.records {
		next[k] = v
	}
	applied := 0
	for code, zone := range zones {
		current, ok := next[code]
		if !ok {
			continue
		}
		next[code] = current.WithZone(zone)
		applied++
	}
	return newDataset(next, d.version+int64(applied), sequence, d.provenance), applied
}

// WithVersion returns the same records under another version number.
func (d *Dataset) WithVersion(version int64) *Dataset {
	return &Dataset{
		records:    d.records,
		codes:      d.codes,
		byZone:     d.byZone,
		version:    version,
		sequence:   d.sequence,
		provenance: d.provenance,
	}
}

// WithLedgerID returns the same records and version tied to ledger id.
func (d *Dataset) WithLedgerID(id string) *Dataset {
	provenance := d.provenance
	provenance.LedgerID = id
	return &Dataset{
		records:    d.records,
		codes:      d.codes,
		byZone:     d.byZone,
		version:    d.version,
		sequence:   d.sequence,
		provenance: provenance,
	}
}

// Version counts the edits applied since the initial state.
func (d *Dataset) Version() int64 { return d.version }

// Sequence is the last ledger sequence reflected in this Dataset.
func (d *Dataset) Sequence() int64 { return d.sequence }

// Provenance describes the base file behind this Dataset.
func (d *Dataset) Provenance() Provenance { return d.provenance }

// Len returns the number of municipalities.
func (d *Dataset) Len() int { return len(d.codes) }

// Get returns the record for code.
func (d *Dataset) Get(code string) (MunicipalityRecord, bool) {
	record, ok := d.records[code]
	return record, ok
}

// Records returns every record ordered by code.
func (d *Dataset) Records() []MunicipalityRecord {
	out := make([]MunicipalityRecord, 0, len(d.codes))
	for _, code := range d.codes {
		out = append(out, d.records[code])
	}
	return out
}

// ByZone returns the records assigned to zone ordered by code.
func (d *Dataset) ByZone(zone string) []MunicipalityRecord {
	codes := d.byZone[zone]
	out := make([]MunicipalityRecord, 0, len(codes))
	for _, code := range codes {
		out = append(out, d.records[code])
	}
	return out
}

// Zones returns the zone labels in use, sorted.
func (d *Dataset) Zones() []string {
	zones := make([]string, 0, len(d.byZone))
	for zone := range d.byZone {
		zones = append(zones, zone)
	}
	sort.Strings(zones)
	return zones
}

// Statistics aggregates the Dataset per zone. Computed once per version.
func (d *Dataset) Statistics() Statistics {
	d.statsOnce.Do(func() {
		d.stats = computeStatistics(d)
	})
	return d.stats
}
