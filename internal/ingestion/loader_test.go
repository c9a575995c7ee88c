package ingestion

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rpattn/zonemap/internal/domain"

	"github.com/xuri/excelize/v2"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoaderParsesOriginalExportHeaders(t *testing.T) {
	data := "\xEF\xBB\xBFCD_Mun,Cidade,UF,Mesorregião Geográfica,Zona,SELL OUT ANUAL,POPULAÇÃO ,PDV,%SHARE,Cor\n" +
		"2611606.0,Recife,pe,Metropolitana de Recife,,\"1.234,5\",1488920,812,12%,#FF0000\n" +
		"2607901,Jaboatão dos Guararapes,PE,Metropolitana de Recife,Zona Sul,,,,,\n"
	path := writeFile(t, "base.csv", data)

	base, err := NewLoader().Load(path)
	if err != nil {
		t.Fatalf("load returned error: %v", err)
	}
	if len(base.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(base.Records))
	}
	if !base.Available() || len(base.Fingerprint) != 64 {
		t.Fatalf("expected sha256 fingerprint, got %q", base.Fingerprint)
	}

	recife := base.Records[0]
	if recife.Code != "2611606" {
		t.Fatalf("expected normalized code, got %q", recife.Code)
	}
	if recife.Zone != domain.UnassignedZone {
		t.Fatalf("expected empty zone to default to %q, got %q", domain.UnassignedZone, recife.Zone)
	}
	if recife.State != "PE" || recife.Region != "Metropolitana de Recife" {
		t.Fatalf("unexpected location fields: %+v", recife)
	}
	if recife.AnnualSales != 1234.5 || recife.Population != 1488920 || recife.PointsOfSale != 812 || recife.SharePercent != 12 {
		t.Fatalf("unexpected metrics: %+v", recife)
	}

	jaboatao := base.Records[1]
	if jaboatao.Zone != "Zona Sul" || jaboatao.AnnualSales != 0 {
		t.Fatalf("expected optional metrics to default to zero: %+v", jaboatao)
	}
}

func TestLoaderMissingFile(t *testing.T) {
	_, err := NewLoader().Load(filepath.Join(t.TempDir(), "absent.csv"))
	if !errors.Is(err, domain.ErrMissingBaseFile) {
		t.Fatalf("expected ErrMissingBaseFile, got %v", err)
	}
}

func TestLoaderMissingRequiredColumn(t *testing.T) {
	path := writeFile(t, "base.csv", "code,name\n2611606,Recife\n")

	_, err := NewLoader().Load(path)
	if !errors.Is(err, domain.ErrMalformedBaseData) {
		t.Fatalf("expected ErrMalformedBaseData, got %v", err)
	}
}

func TestLoaderUnsupportedFormatIsMalformed(t *testing.T) {
	path := writeFile(t, "base.parquet", "whatever")

	_, err := NewLoader().Load(path)
	if !errors.Is(err, domain.ErrMalformedBaseData) {
		t.Fatalf("expected ErrMalformedBaseData, got %v", err)
	}
}

func TestLoaderDuplicateCodesLastRowWins(t *testing.T) {
	data := "code,name,zone\n" +
		"2611606,Recife,Zona Norte\n" +
		"2609600,Olinda,Zona Norte\n" +
		"code,name,zone\n" +
		"2611606,Recife,Zona Sul\n"
	path := writeFile(t, "base.csv", data)

	base, err := NewLoader().Load(path)
	if err != nil {
		t.Fatalf("load returned error: %v", err)
	}
	if len(base.Records) != 2 {
		t.Fatalf("expected 2 records, got %+v", base.Records)
	}
	if base.Records[0].Zone != "Zona Sul" {
		t.Fatalf("expected last duplicate to win, got %q", base.Records[0].Zone)
	}
	if len(base.Duplicates) != 1 || base.Duplicates[0] != "2611606" {
		t.Fatalf("expected duplicate to be reported, got %v", base.Duplicates)
	}
}

func TestLoaderSkipsRowsWithInvalidCodes(t *testing.T) {
	path := writeFile(t, "base.csv", "code;name;zone\nTOTAL;;\n2611606;Recife;Zona Norte\n")

	base, err := NewLoader().Load(path)
	if err != nil {
		t.Fatalf("load returned error: %v", err)
	}
	if len(base.Records) != 1 || base.Records[0].Code != "2611606" {
		t.Fatalf("expected only the valid row, got %+v", base.Records)
	}
}

func TestLoaderAppliesCodeAliases(t *testing.T) {
	path := writeFile(t, "base.csv", "code,name,zone\n2600000,Recife,Zona Norte\n")

	base, err := NewLoader(WithCodeAliases(map[string]string{"2600000": "2611606"})).Load(path)
	if err != nil {
		t.Fatalf("load returned error: %v", err)
	}
	if base.Records[0].Code != "2611606" {
		t.Fatalf("expected alias to rewrite code, got %q", base.Records[0].Code)
	}
}

func TestLoaderReadsExcel(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(f.GetActiveSheetIndex())
	rows := [][]any{
		{"Código", "Município", "Zona", "POTENCIAL ANUAL"},
		{"2611606", "Recife", "Zona Norte", 2500.75},
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatalf("cell name: %v", err)
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			t.Fatalf("set row: %v", err)
		}
	}
	path := filepath.Join(t.TempDir(), "base.xlsx")
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("save xlsx: %v", err)
	}
	_ = f.Close()

	base, err := NewLoader().Load(path)
	if err != nil {
		t.Fatalf("load returned error: %v", err)
	}
	if len(base.Records) != 1 || base.Records[0].AnnualPotential != 2500.75 {
		t.Fatalf("unexpected records: %+v", base.Records)
	}
}

func TestParseNumber(t *testing.T) {
	cases := map[string]float64{
		"":          0,
		"1234.5":    1234.5,
		"1.234,5":   1234.5,
		"1,234.5":   1234.5,
		"1,5":       1.5,
		"1.234.567": 1234567,
		"12,5%":     12.5,
		"R$ 10":     10,
	}
	for input, want := range cases {
		got, ok := parseNumber(input)
		if !ok || got != want {
			t.Fatalf("parseNumber(%q): expected %v, got %v (ok=%v)", input, want, got, ok)
		}
	}
	if _, ok := parseNumber("n/a"); ok {
		t.Fatalf("expected n/a to be unparsable")
	}
}
