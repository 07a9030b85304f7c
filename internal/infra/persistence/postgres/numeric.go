package postgres

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// decimalFromText parses a NUMERIC column scanned as text.
func decimalFromText(value string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return decimal.Zero, fmt.Errorf("numeric value required")
	}
	out, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse numeric %q: %w", trimmed, err)
	}
	return out, nil
}

// decimalFromNullable parses an optional NUMERIC column scanned as nullable text.
func decimalFromNullable(value sql.NullString) (*decimal.Decimal, error) {
	if !value.Valid || strings.TrimSpace(value.String) == "" {
		return nil, nil
	}
	out, err := decimalFromText(value.String)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// decimalArg renders a decimal for a NUMERIC parameter.
func decimalArg(value decimal.Decimal) string {
	return value.String()
}

// optionalDecimalArg renders an optional decimal, passing NULL when absent.
func optionalDecimalArg(ptr *decimal.Decimal) any {
	if ptr == nil {
		return nil
	}
	return ptr.String()
}

// nullableString passes NULL for empty strings.
func nullableString(value string) any {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return trimmed
}
