// Package validate checks a dataset snapshot against the configured contract
// before any training resource is consumed.
package validate

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/readmit-labs/readmit-go/internal/domain"
)

const (
	ViolationMissingColumn    = "missing_column"
	ViolationInsufficientRows = "insufficient_rows"
	ViolationExcessNulls      = "excess_nulls"
)

// Rules is the dataset contract. Violations are reported in a deterministic
// order: missing columns first (in rule order), then row count, then null
// rates (in rule order).
type Rules struct {
	RequiredColumns []string
	MinRows         int64
	MaxNullFraction float64
}

func (r Rules) Validate() error {
	if len(r.RequiredColumns) == 0 {
		return errors.New("required columns must be non-empty")
	}
	for i, col := range r.RequiredColumns {
		if strings.TrimSpace(col) == "" {
			return fmt.Errorf("required column [%d] must be non-empty", i)
		}
	}
	if r.MinRows < 1 {
		return errors.New("min rows must be >= 1")
	}
	if r.MaxNullFraction < 0 || r.MaxNullFraction > 1 {
		return errors.New("max null fraction must be within [0, 1]")
	}
	return nil
}

// Check produces the validation report for a snapshot. Total and
// deterministic: the same snapshot always yields the same report. A column
// that is missing is not additionally reported for excess nulls.
func Check(snapshot domain.DatasetSnapshot, rules Rules, now time.Time) domain.ValidationReport {
	report := domain.ValidationReport{
		SnapshotID: snapshot.ID,
		Violations: []string{},
		CheckedAt:  now.UTC(),
	}

	present := make(map[string]bool, len(rules.RequiredColumns))
	for _, col := range rules.RequiredColumns {
		if snapshot.HasColumn(col) {
			present[col] = true
			continue
		}
		report.Violations = append(report.Violations, ViolationMissingColumn+":"+col)
	}

	if snapshot.RowCount < rules.MinRows {
		report.Violations = append(report.Violations, ViolationInsufficientRows)
	}

	for _, col := range rules.RequiredColumns {
		if !present[col] {
			continue
		}
		if snapshot.NullFractions[col] > rules.MaxNullFraction {
			report.Violations = append(report.Violations, ViolationExcessNulls+":"+col)
		}
	}

	return report
}
