// Package parser implements the CSV reader used for bank exports. Bank CSVs
// are messy, so instead of encoding/csv the reader is a small quote-aware
// state machine that tolerates ragged rows by dropping them.
package parser

import (
	"strings"
)

// Row maps a lower-cased header name to the trimmed cell value.
type Row map[string]string

// Document is the parsed form of an uploaded CSV.
type Document struct {
	// Headers preserves the column order of the first line, lower-cased
	// and trimmed.
	Headers []string
	Rows    []Row
	// Dropped counts data lines discarded for having the wrong field count.
	Dropped int
}

// ParseError reports a structurally unusable CSV.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "csv parsing failed: " + e.Reason
}

// Parse splits content into lines, treats the first non-blank line as the
// header and returns one Row per data line. Lines whose field count does not
// match the header are dropped silently. Blank lines are ignored.
func Parse(content string) (*Document, error) {
	rawLines := strings.Split(content, "\n")
	lines := make([]string, 0, len(rawLines))
	for _, l := range rawLines {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) < 2 {
		return nil, &ParseError{Reason: "CSV must have at least header and one data row"}
	}

	rawHeaders := parseLine(lines[0])
	headers := make([]string, len(rawHeaders))
	for i, h := range rawHeaders {
		headers[i] = strings.ToLower(strings.TrimSpace(h))
	}

	dropped := 0
	rows := make([]Row, 0, len(lines)-1)
	for _, line := range lines[1:] {
		values := parseLine(line)
		if len(values) != len(headers) {
			dropped++
			continue
		}
		row := make(Row, len(headers))
		for i, h := range headers {
			row[h] = strings.TrimSpace(values[i])
		}
		rows = append(rows, row)
	}

	return &Document{Headers: headers, Rows: rows, Dropped: dropped}, nil
}

// parseLine splits one CSV line on commas outside quotes. A doubled quote
// inside a quoted field unescapes to a literal quote.
func parseLine(line string) []string {
	var result []string
	var current strings.Builder
	inQuotes := false

	runes := []rune(line)
	for i := 0; i < len(runes); i++ {
		ch := runes[i]
		switch {
		case ch == '"':
			if inQuotes && i+1 < len(runes) && runes[i+1] == '"' {
				current.WriteRune('"')
				i++
			} else {
				inQuotes = !inQuotes
			}
		case ch == ',' && !inQuotes:
			result = append(result, current.String())
			current.Reset()
		default:
			current.WriteRune(ch)
		}
	}
	result = append(result, current.String())
	return result
}
