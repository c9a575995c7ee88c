package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/rpattn/zonemap/internal/domain"
)

func sampleDataset() *domain.Dataset {
	return domain.NewDataset([]domain.MunicipalityRecord{
		{Code: "2611606", Name: "Recife", State: "PE", Zone: "Zona Norte", AnnualSales: 50, AnnualPotential: 200, PointsOfSale: 10},
		{Code: "2609600", Name: "Olinda", State: "PE", Zone: domain.UnassignedZone, Population: 393115},
	}, 3, 3, domain.Provenance{})
}

func sampleEntries() []domain.ChangeLedgerEntry {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	first := domain.NewChangeLedgerEntry("2611606", domain.UnassignedZone, "Zona Norte", "ana", at)
	first.Sequence = 1
	second := domain.NewChangeLedgerEntry("2609600", "Zona Norte", domain.UnassignedZone, "", at.Add(time.Minute))
	second.Sequence = 2
	return []domain.ChangeLedgerEntry{first, second}
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat(" XLSX ")
	if err != nil || f != FormatXLSX {
		t.Fatalf("expected xlsx, got %q (%v)", f, err)
	}
	if _, err := ParseFormat("pdf"); err == nil {
		t.Fatalf("expected unsupported format error")
	}
	name := FileName(FormatLedgerJSON, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC))
	if name != "zonemap-ledger-20250102_030405.json" {
		t.Fatalf("unexpected file name %q", name)
	}
}

func TestWriteDatasetCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteDatasetCSV(&buf, sampleDataset()); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read back csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header and 2 rows, got %d", len(rows))
	}
	if strings.Join(rows[0], ",") != strings.Join(domain.RecordColumns, ",") {
		t.Fatalf("unexpected header %v", rows[0])
	}
	if rows[1][0] != "2609600" || rows[2][4] != "Zona Norte" {
		t.Fatalf("unexpected rows %v", rows[1:])
	}
}

func TestWriteLedgerReports(t *testing.T) {
	entries := sampleEntries()

	var jsonBuf bytes.Buffer
	if err := WriteLedgerJSON(&jsonBuf, entries, time.Unix(0, 0)); err != nil {
		t.Fatalf("write json: %v", err)
	}
	var report LedgerReport
	if err := json.Unmarshal(jsonBuf.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Total != 2 || report.Changes[0].ID != entries[0].ID || report.Changes[1].Sequence != 2 {
		t.Fatalf("unexpected report %+v", report)
	}

	var csvBuf bytes.Buffer
	if err := WriteLedgerCSV(&csvBuf, entries); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	rows, err := csv.NewReader(&csvBuf).ReadAll()
	if err != nil {
		t.Fatalf("read back csv: %v", err)
	}
	if len(rows) != 3 || rows[1][0] != "1" || rows[1][2] != "2611606" || rows[1][6] != "ana" {
		t.Fatalf("unexpected ledger rows %v", rows)
	}
	if rows[2][5] != "2025-03-01T12:01:00Z" {
		t.Fatalf("unexpected timestamp %q", rows[2][5])
	}

	var empty bytes.Buffer
	if err := WriteLedgerJSON(&empty, nil, time.Unix(0, 0)); err != nil {
		t.Fatalf("write empty report: %v", err)
	}
	if !strings.Contains(empty.String(), `"changes": []`) {
		t.Fatalf("expected empty changes array, got %s", empty.String())
	}
}

func TestWriteDatasetXLSXColorsZones(t *testing.T) {
	var buf bytes.Buffer
	colors := domain.ZoneColors{"Zona Norte": "#FF0000"}
	if err := WriteDatasetXLSX(&buf, sampleDataset(), colors); err != nil {
		t.Fatalf("write xlsx: %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()
	sheet := f.GetSheetName(0)

	zone, err := f.GetCellValue(sheet, "E3")
	if err != nil || zone != "Zona Norte" {
		t.Fatalf("expected Zona Norte in E3, got %q (%v)", zone, err)
	}
	styleID, err := f.GetCellStyle(sheet, "E3")
	if err != nil {
		t.Fatalf("cell style: %v", err)
	}
	style, err := f.GetStyle(styleID)
	if err != nil {
		t.Fatalf("get style: %v", err)
	}
	if len(style.Fill.Color) == 0 || !strings.EqualFold(strings.TrimPrefix(style.Fill.Color[0], "#"), "FF0000") {
		t.Fatalf("expected red zone fill, got %+v", style.Fill)
	}

	rows, err := f.GetRows(statisticsSheet)
	if err != nil {
		t.Fatalf("statistics rows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header and 2 zones, got %d rows", len(rows))
	}
}

func TestWriteFileIsAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out", "export.csv")

	n, err := WriteFile(path, func(w io.Writer) error {
		return WriteDatasetCSV(w, sampleDataset())
	})
	if err != nil {
		t.Fatalf("write file: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() != n {
		t.Fatalf("expected %d bytes on disk, got %v (%v)", n, info, err)
	}

	boom := errors.New("boom")
	if _, err := WriteFile(path, func(w io.Writer) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected writer error, got %v", err)
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("expected failed write to leave only the previous export, got %d files", len(entries))
	}
}
