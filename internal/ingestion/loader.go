// Package ingestion parses base municipality files into domain records.
package ingestion

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/rpattn/zonemap/internal/domain"
	"github.com/rpattn/zonemap/internal/logger"
	"github.com/rpattn/zonemap/pkg/validator"
)

// Loader reads base dataset files. It never mutates them.
type Loader struct {
	logger    *slog.Logger
	aliases   map[string]string
	validator *validator.RecordValidator
}

// Option customises a Loader.
type Option func(*Loader)

// WithLogger sets the logger used for row diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(ld *Loader) {
		if l != nil {
			ld.logger = l
		}
	}
}

// WithCodeAliases rewrites retired municipality codes to their current code.
func WithCodeAliases(aliases map[string]string) Option {
	return func(ld *Loader) {
		ld.aliases = aliases
	}
}

// NewLoader creates a new base file loader.
func NewLoader(opts ...Option) *Loader {
	ld := &Loader{
		logger:    logger.Discard(),
		validator: validator.NewRecordValidator(),
	}
	for _, opt := range opts {
		opt(ld)
	}
	return ld
}

// Load parses path into a BaseDataset. A missing file yields ErrMissingBaseFile;
// an unreadable table or a header without code, name and zone yields
// ErrMalformedBaseData. Bad rows are skipped with a warning.
func (l *Loader) Load(path string) (domain.BaseDataset, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.BaseDataset{}, fmt.Errorf("%w: %s", domain.ErrMissingBaseFile, path)
		}
		return domain.BaseDataset{}, fmt.Errorf("read base file %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return domain.BaseDataset{}, fmt.Errorf("stat base file %s: %w", path, err)
	}

	table, err := parseTable(path, payload)
	if err != nil {
		return domain.BaseDataset{}, fmt.Errorf("%w: %s: %v", domain.ErrMalformedBaseData, path, err)
	}

	index := mapHeaders(table.headers)
	if missing := missingColumns(index); len(missing) > 0 {
		return domain.BaseDataset{}, fmt.Errorf("%w: %s: missing columns %s",
			domain.ErrMalformedBaseData, path, strings.Join(missing, ", "))
	}

	sum := sha256.Sum256(payload)
	base := domain.BaseDataset{
		Path:        path,
		Fingerprint: hex.EncodeToString(sum[:]),
		ModTime:     info.ModTime().UTC(),
	}

	position := make(map[string]int)
	for i, row := range table.rows {
		rowNumber := table.headerRowIndex + i + 2
		record, ok := l.parseRow(index, row, rowNumber)
		if !ok {
			continue
		}
		if pos, seen := position[record.Code]; seen {
			l.logger.Warn("base_duplicate_code", "code", record.Code, "row", rowNumber)
			base.Duplicates = append(base.Duplicates, record.Code)
			base.Records[pos] = record
			continue
		}
		position[record.Code] = len(base.Records)
		base.Records = append(base.Records, record)
	}

	l.logger.Info("base_loaded",
		"path", path,
		"records", len(base.Records),
		"duplicates", len(base.Duplicates),
		"fingerprint", base.Fingerprint[:12],
	)
	return base, nil
}

func (l *Loader) parseRow(index map[string]int, row []string, rowNumber int) (domain.MunicipalityRecord, bool) {
	cell := func(column string) string {
		pos, ok := index[column]
		if !ok || pos >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[pos])
	}

	record := domain.MunicipalityRecord{
		Code:   normalizeCode(cell(domain.ColumnCode)),
		Name:   cell(domain.ColumnName),
		State:  strings.ToUpper(cell(domain.ColumnState)),
		Region: cell(domain.ColumnRegion),
		Zone:   domain.NormalizeZone(cell(domain.ColumnZone)),
	}
	if alias, ok := l.aliases[record.Code]; ok {
		l.logger.Debug("base_code_alias", "from", record.Code, "to", alias, "row", rowNumber)
		record.Code = alias
	}

	number := func(column string) float64 {
		raw := cell(column)
		v, ok := parseNumber(raw)
		if !ok {
			l.logger.Debug("base_number_unparsable", "column", column, "value", raw, "row", rowNumber)
		}
		return v
	}
	record.AnnualSales = number(domain.ColumnAnnualSales)
	record.MonthlySales = number(domain.ColumnMonthlySales)
	record.AnnualPotential = number(domain.ColumnAnnualPotential)
	record.MonthlyPotential = number(domain.ColumnMonthlyPotential)
	record.Population = int64(math.Round(number(domain.ColumnPopulation)))
	record.PointsOfSale = int64(math.Round(number(domain.ColumnPointsOfSale)))
	record.SharePercent = number(domain.ColumnSharePercent)

	result := l.validator.ValidateRecord(record)
	if !result.IsValid {
		for _, e := range result.Errors {
			l.logger.Warn("base_row_skipped", "row", rowNumber, "field", e.Field, "reason", e.Message)
		}
		return domain.MunicipalityRecord{}, false
	}
	for _, w := range result.Warnings {
		l.logger.Debug("base_row_warning", "row", rowNumber, "code", record.Code, "field", w.Field, "reason", w.Message)
	}
	return record, true
}

// normalizeCode undoes spreadsheet float artefacts such as "2611606.0".
func normalizeCode(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if _, err := strconv.ParseUint(raw, 10, 64); err == nil {
		return raw
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f < 0 || math.Mod(f, 1) != 0 || f > math.MaxInt64 {
		return raw
	}
	return strconv.FormatInt(int64(f), 10)
}

// parseNumber accepts "1234.5", "1.234,5", "1,5", "12%" and "R$ 10". Empty is
// zero. The bool is false when the value was present but unparsable.
func parseNumber(raw string) (float64, bool) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "R$")
	s = strings.TrimSuffix(s, "%")
	s = strings.ReplaceAll(s, " ", "")
	if s == "" || s == "-" {
		return 0, true
	}

	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(s, ",") > 1 {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.Replace(s, ",", ".", 1)
		}
	case strings.Count(s, ".") > 1:
		s = strings.ReplaceAll(s, ".", "")
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
