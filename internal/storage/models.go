package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// nullableDecimal turns an optional decimal into a query argument.
func nullableDecimal(d decimal.NullDecimal) interface{} {
	if !d.Valid {
		return nil
	}
	return d.Decimal.String()
}

// nullableTime maps the zero time to NULL.
func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func parseDecimal(raw, field string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s: %w", field, err)
	}
	return d, nil
}

func parseNullDecimal(raw sql.NullString, field string) (decimal.NullDecimal, error) {
	if !raw.Valid {
		return decimal.NullDecimal{}, nil
	}
	d, err := parseDecimal(raw.String, field)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
