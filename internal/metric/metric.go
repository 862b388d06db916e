// Package metric canonicalizes raw lab test names into a stable vocabulary.
//
// Normalize is pure and idempotent: Normalize(Normalize(x)) == Normalize(x).
// Record identity is derived from its output, so re-processing a document
// must land on the same names every time.
package metric

import (
	"regexp"
	"strings"
	"unicode"
)

// Rule maps every cleaned name that satisfies it to Canonical.
//
// A name matches when it contains all of Require and none of Exclude. Any of
// Override re-admits a name that Exclude rejected.
type Rule struct {
	Canonical string
	Require   []string
	Exclude   []string
	Override  []string
}

// Rules are evaluated in order; the first match wins. Canonical names are
// already in cleaned form so applying a rule twice is stable.
var Rules = []Rule{
	{
		Canonical: "TESTOSTERONE, TOTAL",
		Require:   []string{"TESTOSTERONE", "TOTAL"},
		Exclude:   []string{"FREE"},
		Override:  []string{"FREE AND TOTAL", "LC/MS"},
	},
	{
		Canonical: "ESTRADIOL, ULTRASENSITIVE",
		Require:   []string{"ESTRADIOL", "ULTRASENSITIVE"},
	},
}

var commaSpacing = regexp.MustCompile(`\s*,\s*`)

// Matches reports whether the cleaned name satisfies r.
func (r Rule) Matches(cleaned string) bool {
	for _, req := range r.Require {
		if !strings.Contains(cleaned, req) {
			return false
		}
	}
	if containsAny(cleaned, r.Exclude) && !containsAny(cleaned, r.Override) {
		return false
	}
	return true
}

// Normalize returns the canonical form of a raw test name.
func Normalize(name string) string {
	cleaned := Clean(name)
	for _, r := range Rules {
		if r.Matches(cleaned) {
			return r.Canonical
		}
	}
	return TitleCase(cleaned)
}

// Clean upper-cases name, collapses whitespace runs and normalizes comma
// spacing to ", ".
func Clean(name string) string {
	s := strings.Join(strings.Fields(strings.ToUpper(name)), " ")
	s = commaSpacing.ReplaceAllString(s, ", ")
	return strings.TrimSpace(s)
}

// TitleCase upper-cases the first letter of every run of letters and
// lower-cases the rest, so "25-HYDROXY" becomes "25-Hydroxy".
func TitleCase(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevLetter := false
	for _, r := range s {
		if unicode.IsLetter(r) {
			if prevLetter {
				b.WriteRune(unicode.ToLower(r))
			} else {
				b.WriteRune(unicode.ToUpper(r))
			}
			prevLetter = true
			continue
		}
		b.WriteRune(r)
		prevLetter = false
	}
	return b.String()
}

// Key returns the identity fragment for a metric name: the normalized name
// with whitespace replaced by underscores.
func Key(name string) string {
	return strings.Join(strings.Fields(Normalize(name)), "_")
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
