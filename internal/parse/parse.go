// Package parse extracts numeric values and dates from noisy cell text.
//
// Parsers never fail loudly: bad input yields ok == false and the caller
// decides whether to try another candidate or fall back to a default.
package parse

import (
	"regexp"
	"strings"
	"time"
	"unicode"

	"labtools/internal/rules"
)

// DateLayouts are tried in order; the first successful parse wins.
var DateLayouts = []string{
	"1/2/2006",   // MM/DD/YYYY
	"1/2/06",     // MM/DD/YY
	"2006-01-02", // YYYY-MM-DD
	"2-Jan-2006", // DD-Mon-YYYY
}

var (
	valuePattern     = regexp.MustCompile(`([<>])?\s*(\d+(?:\.\d+)?|\.\d+)`)
	thousandsPattern = regexp.MustCompile(`(\d),(\d{3})\b`)
	datePattern      = regexp.MustCompile(`\d{1,2}/\d{1,2}/\d{2,4}`)
	numericPattern   = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)
)

// Parser holds the blocklist and the reference time zone.
type Parser struct {
	rules    *rules.Set
	location *time.Location
}

// NewParser returns a parser using rs (defaults when nil) and UTC as the
// reference time zone for dates.
func NewParser(rs *rules.Set) *Parser {
	if rs == nil {
		rs = rules.Default()
	}
	return &Parser{rules: rs, location: time.UTC}
}

// WithLocation returns a copy of p that interprets dates in loc.
func (p *Parser) WithLocation(loc *time.Location) *Parser {
	cp := *p
	cp.location = loc
	return &cp
}

// Value returns the numeric portion of a cell. A leading comparison operator
// is dropped: "<75" yields "75".
func (p *Parser) Value(raw string) (string, bool) {
	v, _, ok := p.ValueWithOperator(raw)
	return v, ok
}

// ValueWithOperator is Value but also reports the dropped "<" or ">" operator.
func (p *Parser) ValueWithOperator(raw string) (value, operator string, ok bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || p.rules.IsBlockedValue(trimmed) {
		return "", "", false
	}
	for thousandsPattern.MatchString(trimmed) {
		trimmed = thousandsPattern.ReplaceAllString(trimmed, "$1$2")
	}
	m := valuePattern.FindStringSubmatch(trimmed)
	if m == nil {
		return "", "", false
	}
	value = m[2]
	if strings.HasPrefix(value, ".") {
		// ".5" -> "0.5"
		value = "0" + value
	}
	if !numericPattern.MatchString(value) {
		return "", "", false
	}
	return value, m[1], true
}

// IsNumeric reports whether s already has the canonical numeric shape.
func IsNumeric(s string) bool {
	return numericPattern.MatchString(s)
}

// Date finds a date in free text and returns it as Unix seconds at midnight
// in the parser's reference time zone.
func (p *Parser) Date(text string) (int64, bool) {
	candidate := isolateDate(text)
	if candidate == "" {
		return 0, false
	}
	for _, layout := range DateLayouts {
		if t, err := time.ParseInLocation(layout, candidate, p.location); err == nil {
			return t.Unix(), true
		}
	}
	return 0, false
}

// DateOr is Date with a fallback for text that holds no parsable date.
func (p *Parser) DateOr(text string, fallback int64) int64 {
	if ts, ok := p.Date(text); ok {
		return ts
	}
	return fallback
}

// isolateDate prefers a slash-separated date anywhere in text and otherwise
// takes the text up to the first whitespace or slash.
func isolateDate(text string) string {
	if m := datePattern.FindString(text); m != "" {
		return m
	}
	trimmed := strings.TrimSpace(text)
	if i := strings.IndexFunc(trimmed, func(r rune) bool { return unicode.IsSpace(r) || r == '/' }); i >= 0 {
		return trimmed[:i]
	}
	return trimmed
}
