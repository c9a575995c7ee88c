package ingestion

import (
	"strings"
	"unicode"

	"github.com/rpattn/zonemap/internal/domain"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// headerAliases lists the spellings seen in municipality exports for each
// canonical column. Matching goes through headerKey, so case, accents and
// underscores do not matter.
var headerAliases = map[string][]string{
	domain.ColumnCode:             {"code", "codigo", "cd_mun", "cod_ibge", "codigo_ibge", "ibge"},
	domain.ColumnName:             {"name", "cidade", "municipio", "nome", "nm_mun"},
	domain.ColumnState:            {"state", "uf", "sigla_uf", "estado"},
	domain.ColumnRegion:           {"region", "regiao", "mesorregiao", "mesorregião geográfica"},
	domain.ColumnZone:             {"zone", "zona"},
	domain.ColumnAnnualSales:      {"annual_sales", "sell out anual", "vendas anual"},
	domain.ColumnMonthlySales:     {"monthly_sales", "sell out mês", "vendas mes"},
	domain.ColumnAnnualPotential:  {"annual_potential", "potencial anual"},
	domain.ColumnMonthlyPotential: {"monthly_potential", "potencial mês"},
	domain.ColumnPopulation:       {"population", "população", "populacao"},
	domain.ColumnPointsOfSale:     {"points_of_sale", "pdv", "pontos de venda"},
	domain.ColumnSharePercent:     {"share_percent", "%share", "share", "% share"},
}

var aliasIndex = buildAliasIndex()

func buildAliasIndex() map[string]string {
	index := make(map[string]string)
	for column, aliases := range headerAliases {
		for _, alias := range aliases {
			index[headerKey(alias)] = column
		}
	}
	return index
}

// headerKey folds a header for alias lookup: accents dropped, lower case,
// underscores and dashes read as spaces, whitespace collapsed.
func headerKey(header string) string {
	// Transformers carry state, so each call builds its own chain.
	stripper := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(stripper, header)
	if err != nil {
		folded = header
	}
	folded = strings.ToLower(folded)
	folded = strings.NewReplacer("_", " ", "-", " ").Replace(folded)
	folded = strings.Join(strings.Fields(folded), " ")
	return strings.ReplaceAll(folded, "% ", "%")
}

// mapHeaders returns canonical column -> position. The first occurrence of a
// canonical column wins; unknown headers (Cor, for instance) are ignored.
func mapHeaders(headers []string) map[string]int {
	index := make(map[string]int)
	for pos, header := range headers {
		column, ok := aliasIndex[headerKey(header)]
		if !ok {
			continue
		}
		if _, seen := index[column]; !seen {
			index[column] = pos
		}
	}
	return index
}

func missingColumns(index map[string]int) []string {
	var missing []string
	for _, column := range domain.RequiredColumns {
		if _, ok := index[column]; !ok {
			missing = append(missing, column)
		}
	}
	return missing
}
