// Package mapper validates bank-export headers and figures out which column
// holds which transaction field.
package mapper

import "strings"

// Mapping names the source column for each logical transaction field. Empty
// means the column is absent.
type Mapping struct {
	Date        string `json:"date,omitempty"`
	Amount      string `json:"amount,omitempty"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type,omitempty"`
	Category    string `json:"category,omitempty"`
}

// ValidationError collects every missing required column so the caller can
// report them all at once.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid CSV: " + strings.Join(e.Problems, ", ")
}

// Validate checks that the headers carry a recognizable date column
// (substring "date" or "posted") and an amount column (substring "amount" or
// "value"). Headers are expected lower-cased already.
func Validate(headers []string) error {
	var problems []string
	if !anyContains(headers, "date", "posted") {
		problems = append(problems, "Missing date column")
	}
	if !anyContains(headers, "amount", "value") {
		problems = append(problems, "Missing amount column")
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Detect resolves each transaction field to the first matching header in
// column order. An explicit mapping from the client replaces detection
// wholesale, including its empty fields.
func Detect(headers []string, explicit *Mapping) Mapping {
	if explicit != nil {
		return *explicit
	}
	var m Mapping
	for _, h := range headers {
		lower := strings.ToLower(h)
		if m.Date == "" && (strings.Contains(lower, "date") || strings.Contains(lower, "posted")) {
			m.Date = h
		}
		if m.Amount == "" && (strings.Contains(lower, "amount") || strings.Contains(lower, "value")) {
			m.Amount = h
		}
		if m.Description == "" && (strings.Contains(lower, "description") || strings.Contains(lower, "memo") || strings.Contains(lower, "payee")) {
			m.Description = h
		}
		if m.Type == "" && strings.Contains(lower, "type") {
			m.Type = h
		}
		if m.Category == "" && strings.Contains(lower, "category") {
			m.Category = h
		}
	}
	return m
}

func anyContains(headers []string, needles ...string) bool {
	for _, h := range headers {
		for _, n := range needles {
			if strings.Contains(h, n) {
				return true
			}
		}
	}
	return false
}
