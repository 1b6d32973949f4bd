// Package normalizer converts raw CSV cells into canonical transaction
// fields. Every function degrades gracefully: a bad date becomes "now", a bad
// amount becomes zero. Ingestion never aborts on a single malformed row.
package normalizer

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/insight-hunter/insight-hunter/internal/domain/ingest/mapper"
	"github.com/insight-hunter/insight-hunter/internal/domain/ingest/parser"
)

// Kind is the direction of a transaction.
type Kind string

const (
	KindIncome  Kind = "income"
	KindExpense Kind = "expense"
)

// Fields is the normalized fragment of a transaction before categorization.
type Fields struct {
	Date        time.Time
	Description string
	// Amount is the absolute value; the sign lives in Kind.
	Amount Amount
	Kind   Kind
	// Category is the explicit category from the CSV, empty when absent.
	Category string
}

// Amount wraps a decimal so callers get exact arithmetic and stable
// formatting for storage.
type Amount struct {
	decimal.Decimal
}

var (
	dateLayouts = []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
		"Jan 2, 2006",
		"2 Jan 2006",
	}
	mdyPattern    = regexp.MustCompile(`^(\d{1,2})/(\d{1,2})/(\d{4})$`)
	currencyChars = strings.NewReplacer("$", "", "€", "", "£", "", "¥", "", ",", "", " ", "", "\t", "")
)

// Normalize applies the column mapping to one parsed row.
func Normalize(row parser.Row, m mapper.Mapping, now func() time.Time) Fields {
	date := ParseDate(row[m.Date], now)
	signed := ParseAmount(row[m.Amount])

	description := row[m.Description]
	if description == "" {
		description = "Unknown"
	}

	kind := KindExpense
	if typeVal := row[m.Type]; m.Type != "" && typeVal != "" {
		lower := strings.ToLower(typeVal)
		if strings.Contains(lower, "credit") || strings.Contains(lower, "income") {
			kind = KindIncome
		}
	} else if signed.IsPositive() {
		kind = KindIncome
	}

	return Fields{
		Date:        date,
		Description: description,
		Amount:      Amount{signed.Abs()},
		Kind:        kind,
		Category:    row[m.Category],
	}
}

// ParseDate tries common calendar layouts, then MM/DD/YYYY, and finally
// falls back to the current time.
func ParseDate(value string, now func() time.Time) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return now()
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	if m := mdyPattern.FindStringSubmatch(value); m != nil {
		month, _ := strconv.Atoi(m[1])
		day, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		if month >= 1 && month <= 12 {
			return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
		}
	}
	return now()
}

// ParseAmount strips currency symbols, thousands separators and whitespace,
// treats a parenthesized value as negative, and normalizes anything
// unparseable to zero.
func ParseAmount(value string) decimal.Decimal {
	if value == "" {
		return decimal.Zero
	}
	cleaned := currencyChars.Replace(value)
	negative := strings.Contains(value, "(") && strings.Contains(value, ")")
	cleaned = strings.NewReplacer("(", "", ")", "").Replace(cleaned)

	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero
	}
	if negative {
		d = d.Neg()
	}
	return d
}
