package validator

import (
	"fmt"

	playground "github.com/go-playground/validator/v10"
	"github.com/rpattn/zonemap/internal/domain"
)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

// ValidationResult represents the result of validation
type ValidationResult struct {
	IsValid  bool              `json:"is_valid"`
	Errors   []ValidationError `json:"errors"`
	Warnings []ValidationError `json:"warnings"`
}

// RecordValidator checks parsed municipality rows before they enter a dataset.
// Errors reject the row; warnings are reported and the row is kept.
type RecordValidator struct {
	validate *playground.Validate
}

// NewRecordValidator creates a new record validator
func NewRecordValidator() *RecordValidator {
	return &RecordValidator{validate: playground.New()}
}

// ValidateRecord validates one municipality record.
func (rv *RecordValidator) ValidateRecord(record domain.MunicipalityRecord) ValidationResult {
	result := ValidationResult{
		IsValid:  true,
		Errors:   []ValidationError{},
		Warnings: []ValidationError{},
	}

	if err := rv.validate.Var(record.Code, "required,numeric"); err != nil {
		result.IsValid = false
		result.Errors = append(result.Errors, ValidationError{
			Field:   domain.ColumnCode,
			Message: "code must be a non-empty string of digits",
			Value:   record.Code,
		})
	} else if err := rv.validate.Var(record.Code, "len=7"); err != nil {
		// IBGE municipality codes have seven digits.
		result.Warnings = append(result.Warnings, ValidationError{
			Field:   domain.ColumnCode,
			Message: fmt.Sprintf("code has %d digits, expected 7", len(record.Code)),
			Value:   record.Code,
		})
	}

	if record.Name == "" {
		result.Warnings = append(result.Warnings, ValidationError{
			Field:   domain.ColumnName,
			Message: "name is empty",
		})
	}

	if record.State != "" {
		if err := rv.validate.Var(record.State, "len=2,alpha"); err != nil {
			result.Warnings = append(result.Warnings, ValidationError{
				Field:   domain.ColumnState,
				Message: "state should be a two-letter UF",
				Value:   record.State,
			})
		}
	}

	metrics := map[string]float64{
		domain.ColumnAnnualSales:      record.AnnualSales,
		domain.ColumnMonthlySales:     record.MonthlySales,
		domain.ColumnAnnualPotential:  record.AnnualPotential,
		domain.ColumnMonthlyPotential: record.MonthlyPotential,
		domain.ColumnPopulation:       float64(record.Population),
		domain.ColumnPointsOfSale:     float64(record.PointsOfSale),
	}
	for _, column := range domain.RecordColumns {
		value, ok := metrics[column]
		if !ok || value >= 0 {
			continue
		}
		result.Warnings = append(result.Warnings, ValidationError{
			Field:   column,
			Message: fmt.Sprintf("%s is negative", column),
			Value:   value,
		})
	}

	return result
}
