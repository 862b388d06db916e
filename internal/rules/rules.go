// Package rules holds the declarative heuristics used to tell lab-report data
// rows apart from headers, footnotes and OCR debris.
//
// The defaults are tuned against real lab vendor layouts. A YAML file may
// extend every list; it can never remove a default entry.
//
// Example rules file:
//
//	noise_phrases:
//	  - "FASTING STATUS"
//	noise_patterns:
//	  - "^SPECIMEN\\s+#"
//	value_blocklist:
//	  - "CANCELED"
//	date_labels:
//	  - "DRAWN"
package rules

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultNoisePhrases are substrings (case-insensitive) that mark a candidate
// name as non-data.
var DefaultNoisePhrases = []string{
	"REFERENCE RANGE",
	"PAGE OF",
	"COLLECTED",
	"RECEIVED",
	"REPORTED",
	"SEE NOTE",
	"INTERPRETATION",
	"PLEASE REFER TO",
	"Z SCORE",
	"LAB REF",
	"FOR ADDITIONAL INFORMATION",
	"PURPOSES ONLY",
	"CONSIDER EXCLUDE",
	"HIGHER RELATIVE",
	"TEST NAME",
	"ANALYTE",
	"SPECIMEN",
	"PATIENT",
	"PHYSICIAN",
	"ACCESSION",
	"DATE OF BIRTH",
	"THIS TEST WAS DEVELOPED",
	"PERFORMING SITE",
}

// DefaultNoisePatterns are regular expressions matched against the upper-cased
// candidate name.
var DefaultNoisePatterns = []string{
	`^PAGE\s+\d+\s+(OF|/)\s+\d+$`,
	`^\(?CONTINUED\)?$`,
}

// DefaultValueBlocklist are whole-cell tokens that are never a measurement,
// compared after trimming and upper-casing.
var DefaultValueBlocklist = []string{
	"SEE NOTE",
	"SEE NOTE:",
	"SEE BELOW",
	"PAGE",
	"OF",
	"NOTE",
	"N/A",
	"NA",
	"TNP",
	"QNS",
	"DNR",
	"PENDING",
	"0F",
	"1OF",
	"L0W",
}

// DefaultDateLabels mark free text that carries the specimen collection date.
var DefaultDateLabels = []string{
	"COLLECTION DATE",
	"DATE COLLECTED",
	"COLLECTED",
	"SERVICE DATE",
	"DATE OF SERVICE",
}

// DefaultResultFlags are abnormal-result markers that sit in unit-like columns
// and must not be mistaken for a unit.
var DefaultResultFlags = []string{
	"H", "L", "A", "HH", "LL",
	"HIGH", "LOW", "ABNORMAL", "NORMAL",
	"POSITIVE", "NEGATIVE", "CRITICAL",
}

// Set is one resolved collection of rules.
type Set struct {
	NoisePhrases   []string
	NoisePatterns  []*regexp.Regexp
	ValueBlocklist []string
	DateLabels     []string
	ResultFlags    []string

	blocked map[string]bool
	flags   map[string]bool
}

// File is the YAML shape of a rules file.
type File struct {
	NoisePhrases   []string `yaml:"noise_phrases"`
	NoisePatterns  []string `yaml:"noise_patterns"`
	ValueBlocklist []string `yaml:"value_blocklist"`
	DateLabels     []string `yaml:"date_labels"`
	ResultFlags    []string `yaml:"result_flags"`
}

// Default returns the built-in rule set.
func Default() *Set {
	s, err := build(File{})
	if err != nil {
		// Built-in patterns are constants; failing to compile them is a bug.
		panic(err)
	}
	return s
}

// Load returns the built-in rules extended with the entries of the YAML file
// at path. An empty path yields Default().
func Load(path string) (*Set, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("rules: parse %s: %w", path, err)
	}
	return build(f)
}

func build(extra File) (*Set, error) {
	s := &Set{
		NoisePhrases:   merge(DefaultNoisePhrases, extra.NoisePhrases),
		ValueBlocklist: merge(DefaultValueBlocklist, extra.ValueBlocklist),
		DateLabels:     merge(DefaultDateLabels, extra.DateLabels),
		ResultFlags:    merge(DefaultResultFlags, extra.ResultFlags),
	}
	for _, p := range append(append([]string{}, DefaultNoisePatterns...), extra.NoisePatterns...) {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("rules: noise pattern %q: %w", p, err)
		}
		s.NoisePatterns = append(s.NoisePatterns, re)
	}
	s.blocked = toSet(s.ValueBlocklist)
	s.flags = toSet(s.ResultFlags)
	return s, nil
}

// NoiseMatch returns the first rule that marks name as noise, or "".
func (s *Set) NoiseMatch(name string) string {
	upper := strings.ToUpper(name)
	for _, phrase := range s.NoisePhrases {
		if strings.Contains(upper, phrase) {
			return phrase
		}
	}
	trimmed := strings.TrimSpace(upper)
	for _, re := range s.NoisePatterns {
		if re.MatchString(trimmed) {
			return re.String()
		}
	}
	return ""
}

// IsNoise reports whether name contains a noise phrase or matches a noise pattern.
func (s *Set) IsNoise(name string) bool {
	return s.NoiseMatch(name) != ""
}

// IsBlockedValue reports whether the whole cell is a blocklisted token.
func (s *Set) IsBlockedValue(cell string) bool {
	return s.blocked[strings.ToUpper(strings.TrimSpace(cell))]
}

// IsResultFlag reports whether text is an abnormal-result marker.
func (s *Set) IsResultFlag(text string) bool {
	return s.flags[strings.ToUpper(strings.TrimSpace(text))]
}

// HasDateLabel reports whether text mentions a collection-date label.
func (s *Set) HasDateLabel(text string) bool {
	upper := strings.ToUpper(text)
	for _, label := range s.DateLabels {
		if strings.Contains(upper, label) {
			return true
		}
	}
	return false
}

// merge upper-cases and appends extra to base, dropping blanks and duplicates
// while keeping base order first.
func merge(base, extra []string) []string {
	seen := make(map[string]bool, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, list := range [][]string{base, extra} {
		for _, v := range list {
			v = strings.ToUpper(strings.TrimSpace(v))
			if v == "" || seen[v] {
				continue
			}
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

func toSet(list []string) map[string]bool {
	m := make(map[string]bool, len(list))
	for _, v := range list {
		m[v] = true
	}
	return m
}
