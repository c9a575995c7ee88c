package export

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/rpattn/zonemap/internal/domain"
)

const statisticsSheet = "Statistics"

var statisticsColumns = []string{
	"zone", "municipalities", "percent", "annual_sales", "monthly_sales",
	"annual_potential", "monthly_potential", "population", "points_of_sale", "share",
}

// WriteDatasetXLSX writes the records to the first sheet with every zone cell
// filled in its zone colour, and the per-zone statistics to a second sheet.
func WriteDatasetXLSX(w io.Writer, ds *domain.Dataset, colors domain.ZoneColors) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(f.GetActiveSheetIndex())
	styles := map[string]int{}
	zoneColumn := columnIndex(domain.RecordColumns, domain.ColumnZone) + 1

	if err := writeRow(f, sheet, 1, toCells(domain.RecordColumns)); err != nil {
		return err
	}
	for i, record := range ds.Records() {
		row := i + 2
		if err := writeRow(f, sheet, row, recordCells(record)); err != nil {
			return err
		}
		color := colors.Color(record.Zone)
		style, ok := styles[color]
		if !ok {
			id, err := f.NewStyle(&excelize.Style{
				Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{color}},
			})
			if err != nil {
				return fmt.Errorf("zone style %s: %w", color, err)
			}
			styles[color] = id
			style = id
		}
		cell, err := excelize.CoordinatesToCellName(zoneColumn, row)
		if err != nil {
			return err
		}
		if err := f.SetCellStyle(sheet, cell, cell, style); err != nil {
			return fmt.Errorf("style %s: %w", cell, err)
		}
	}

	if _, err := f.NewSheet(statisticsSheet); err != nil {
		return fmt.Errorf("create statistics sheet: %w", err)
	}
	if err := writeRow(f, statisticsSheet, 1, toCells(statisticsColumns)); err != nil {
		return err
	}
	for i, z := range ds.Statistics().Zones {
		cells := []interface{}{
			z.Zone, z.Municipalities, z.Percent, z.AnnualSales, z.MonthlySales,
			z.AnnualPotential, z.MonthlyPotential, z.Population, z.PointsOfSale, z.Share,
		}
		if err := writeRow(f, statisticsSheet, i+2, cells); err != nil {
			return err
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func writeRow(f *excelize.File, sheet string, row int, cells []interface{}) error {
	start, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	if err := f.SetSheetRow(sheet, start, &cells); err != nil {
		return fmt.Errorf("write %s row %d: %w", sheet, row, err)
	}
	return nil
}

func recordCells(r domain.MunicipalityRecord) []interface{} {
	return []interface{}{
		r.Code, r.Name, r.State, r.Region, r.Zone,
		r.AnnualSales, r.MonthlySales, r.AnnualPotential, r.MonthlyPotential,
		r.Population, r.PointsOfSale, r.SharePercent,
	}
}

func toCells(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func columnIndex(columns []string, name string) int {
	for i, c := range columns {
		if strings.EqualFold(c, name) {
			return i
		}
	}
	return 0
}
