package domain

import (
	"math"
	"sort"
)

// ZoneStatistics aggregates one zone.
type ZoneStatistics struct {
	Zone             string  `json:"zone"`
	Municipalities   int     `json:"municipalities"`
	Percent          float64 `json:"percent"`
	AnnualSales      float64 `json:"annual_sales"`
	MonthlySales     float64 `json:"monthly_sales"`
	AnnualPotential  float64 `json:"annual_potential"`
	MonthlyPotential float64 `json:"monthly_potential"`
	Population       int64   `json:"population"`
	PointsOfSale     int64   `json:"points_of_sale"`
	// Share is annual sales over annual potential, in percent.
	Share float64 `json:"share"`
}

// Statistics is the per-zone breakdown of a Dataset version.
type Statistics struct {
	Version int64            `json:"version"`
	Total   int              `json:"total"`
	Zones   []ZoneStatistics `json:"zones"`
}

// Zone looks up the aggregate for a zone label.
func (s Statistics) Zone(zone string) (ZoneStatistics, bool) {
	for _, z := range s.Zones {
		if z.Zone == zone {
			return z, true
		}
	}
	return ZoneStatistics{}, false
}

func computeStatistics(d *Dataset) Statistics {
	stats := Statistics{
		Version: d.version,
		Total:   len(d.codes),
		Zones:   make([]ZoneStatistics, 0, len(d.byZone)),
	}
	for zone, codes := range d.byZone {
		agg := ZoneStatistics{Zone: zone, Municipalities: len(codes)}
		for _, code := range codes {
			r := d.records[code]
			agg.AnnualSales += r.AnnualSales
			agg.MonthlySales += r.MonthlySales
			agg.AnnualPotential += r.AnnualPotential
			agg.MonthlyPotential += r.MonthlyPotential
			agg.Population += r.Population
			agg.PointsOfSale += r.PointsOfSale
		}
		if stats.Total > 0 {
			agg.Percent = round1(float64(agg.Municipalities) / float64(stats.Total) * 100)
		}
		if agg.AnnualPotential > 0 {
			agg.Share = agg.AnnualSales / agg.AnnualPotential * 100
		}
		stats.Zones = append(stats.Zones, agg)
	}
	sort.Slice(stats.Zones, func(i, j int) bool {
		if stats.Zones[i].Municipalities != stats.Zones[j].Municipalities {
			return stats.Zones[i].Municipalities > stats.Zones[j].Municipalities
		}
		return stats.Zones[i].Zone < stats.Zones[j].Zone
	})
	return stats
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
