package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// UnassignedZone labels municipalities that belong to no sales zone.
const UnassignedZone = "Sem Zona"

// MunicipalityRecord is one row of the base dataset with its current zone.
type MunicipalityRecord struct {
	Code             string  `json:"code"`
	Name             string  `json:"name"`
	State            string  `json:"state,omitempty"`
	Region           string  `json:"region,omitempty"`
	Zone             string  `json:"zone"`
	AnnualSales      float64 `json:"annual_sales"`
	MonthlySales     float64 `json:"monthly_sales"`
	AnnualPotential  float64 `json:"annual_potential"`
	MonthlyPotential float64 `json:"monthly_potential"`
	Population       int64   `json:"population"`
	PointsOfSale     int64   `json:"points_of_sale"`
	SharePercent     float64 `json:"share_percent"`
}

// WithZone returns a copy of the record assigned to zone.
func (r MunicipalityRecord) WithZone(zone string) MunicipalityRecord {
	r.Zone = NormalizeZone(zone)
	return r
}

// NormalizeZone trims a zone label and maps the empty label to UnassignedZone.
func NormalizeZone(zone string) string {
	zone = strings.TrimSpace(zone)
	if zone == "" {
		return UnassignedZone
	}
	return zone
}

// Canonical tabular columns shared by snapshots and exports.
const (
	ColumnCode             = "code"
	ColumnName             = "name"
	ColumnState            = "state"
	ColumnRegion           = "region"
	ColumnZone             = "zone"
	ColumnAnnualSales      = "annual_sales"
	ColumnMonthlySales     = "monthly_sales"
	ColumnAnnualPotential  = "annual_potential"
	ColumnMonthlyPotential = "monthly_potential"
	ColumnPopulation       = "population"
	ColumnPointsOfSale     = "points_of_sale"
	ColumnSharePercent     = "share_percent"
)

// RecordColumns lists the canonical columns in file order.
var RecordColumns = []string{
	ColumnCode,
	ColumnName,
	ColumnState,
	ColumnRegion,
	ColumnZone,
	ColumnAnnualSales,
	ColumnMonthlySales,
	ColumnAnnualPotential,
	ColumnMonthlyPotential,
	ColumnPopulation,
	ColumnPointsOfSale,
	ColumnSharePercent,
}

// RequiredColumns must be present in any base dataset header.
var RequiredColumns = []string{ColumnCode, ColumnName, ColumnZone}

// Row renders the record in RecordColumns order.
func (r MunicipalityRecord) Row() []string {
	return []string{
		r.Code,
		r.Name,
		r.State,
		r.Region,
		r.Zone,
		formatFloat(r.AnnualSales),
		formatFloat(r.MonthlySales),
		formatFloat(r.AnnualPotential),
		formatFloat(r.MonthlyPotential),
		strconv.FormatInt(r.Population, 10),
		strconv.FormatInt(r.PointsOfSale, 10),
		formatFloat(r.SharePercent),
	}
}

// RecordFromRow parses a canonical row strictly. index maps column name to position.
func RecordFromRow(index map[string]int, row []string) (MunicipalityRecord, error) {
	cell := func(column string) string {
		pos, ok := index[column]
		if !ok || pos >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[pos])
	}

	record := MunicipalityRecord{
		Code:   cell(ColumnCode),
		Name:   cell(ColumnName),
		State:  cell(ColumnState),
		Region: cell(ColumnRegion),
		Zone:   cell(ColumnZone),
	}
	if record.Code == "" {
		return MunicipalityRecord{}, fmt.Errorf("row has no code")
	}
	if record.Zone == "" {
		return MunicipalityRecord{}, fmt.Errorf("municipality %s has no zone", record.Code)
	}

	floats := []struct {
		column string
		target *float64
	}{
		{ColumnAnnualSales, &record.AnnualSales},
		{ColumnMonthlySales, &record.MonthlySales},
		{ColumnAnnualPotential, &record.AnnualPotential},
		{ColumnMonthlyPotential, &record.MonthlyPotential},
		{ColumnSharePercent, &record.SharePercent},
	}
	for _, f := range floats {
		raw := cell(f.column)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return MunicipalityRecord{}, fmt.Errorf("municipality %s column %s: %w", record.Code, f.column, err)
		}
		*f.target = v
	}

	ints := []struct {
		column string
		target *int64
	}{
		{ColumnPopulation, &record.Population},
		{ColumnPointsOfSale, &record.PointsOfSale},
	}
	for _, i := range ints {
		raw := cell(i.column)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return MunicipalityRecord{}, fmt.Errorf("municipality %s column %s: %w", record.Code, i.column, err)
		}
		*i.target = v
	}

	return record, nil
}

func formatFloat(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "0"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// BaseDataset is the parsed, immutable base file.
type BaseDataset struct {
	Path        string
	Records     []MunicipalityRecord
	Fingerprint string
	ModTime     time.Time
	// Duplicates lists codes that appeared more than once; the last row won.
	Duplicates []string
}

// Available reports whether the base file was actually loaded.
func (b BaseDataset) Available() bool {
	return b.Fingerprint != ""
}
