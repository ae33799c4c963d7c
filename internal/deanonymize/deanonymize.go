// Package deanonymize restores original PII values into text carrying
// placeholders or synthetic stand-ins, reversing internal/anonymize.
package deanonymize

import (
	"regexp"
	"strings"

	"github.com/user/pii-airlock/internal/mapping"
)

var exactPlaceholder = regexp.MustCompile(`<([A-Z_]+)_(\d+)>`)

// fuzzyPattern pairs a tolerant placeholder regex with the confidence
// score assigned to a match against it, mirroring the LLM-corruption
// variants a model is observed to produce (case folding, stray
// whitespace, alternate separators, alternate bracket characters).
type fuzzyPattern struct {
	re         *regexp.Regexp
	confidence float64
}

var fuzzyPatterns = []fuzzyPattern{
	{regexp.MustCompile(`<([A-Za-z_]+)\s+(\d+)\s*>`), 0.90},
	{regexp.MustCompile(`(?i)<([A-Za-z_]+)[:]\s*(\d+)>`), 0.90},
	{regexp.MustCompile(`(?i)<([A-Za-z_]+)-(\d+)>`), 0.90},
	{regexp.MustCompile(`(?i)\[([A-Za-z_]+)[_\s](\d+)\]`), 0.85},
	{regexp.MustCompile(`(?i)\{([A-Za-z_]+)[_\s](\d+)\}`), 0.85},
	{regexp.MustCompile(`(?i)\(([A-Za-z_]+)[_\s](\d+)\)`), 0.85},
	{regexp.MustCompile(`(?i)<\s*([A-Za-z_]+)_(\d+)\s*>`), 0.95},
}

const confidenceThreshold = 0.75

// Result reports what deanonymization accomplished.
type Result struct {
	Text          string
	ReplacedCount int
	Unresolved    []string
}

// IsComplete reports whether every placeholder in the text was
// resolved.
func (r Result) IsComplete() bool {
	return len(r.Unresolved) == 0
}

// Deanonymize restores original values for m's placeholders and
// synthetic entries in text. Strict mode (fuzzy disabled) only resolves
// exact `<TYPE_N>` placeholders and longest-first synthetic substrings;
// fuzzy mode additionally attempts the tolerant variants, locking in
// exact matches first and scanning only the remainder for fuzzy ones.
func Deanonymize(text string, m *mapping.RequestMapping, fuzzy bool) Result {
	if text == "" {
		return Result{Text: text}
	}

	replaced := 0
	result := text

	if m.HasSyntheticMappings() {
		result, replaced = replaceSynthetic(result, m)
	}

	var unresolved []string
	result = exactPlaceholder.ReplaceAllStringFunc(result, func(match string) string {
		sub := exactPlaceholder.FindStringSubmatch(match)
		placeholder := "<" + sub[1] + "_" + sub[2] + ">"
		if original, ok := m.GetOriginal(placeholder); ok {
			replaced++
			return original
		}
		unresolved = append(unresolved, placeholder)
		return match
	})

	if fuzzy {
		var fuzzyCount int
		result, fuzzyCount = fuzzyReplace(result, m)
		replaced += fuzzyCount
	}

	return Result{Text: result, ReplacedCount: replaced, Unresolved: unresolved}
}

// replaceSynthetic substitutes synthetic values with their originals,
// longest value first so a shorter synthetic string that happens to be
// a substring of a longer one never causes a partial replacement.
func replaceSynthetic(text string, m *mapping.RequestMapping) (string, int) {
	count := 0
	result := text
	for _, syn := range m.SyntheticValuesLongestFirst() {
		if original, ok := m.GetOriginalFromSynthetic(syn); ok {
			n := strings.Count(result, syn)
			if n > 0 {
				result = strings.ReplaceAll(result, syn, original)
				count += n
			}
		}
	}
	return result, count
}

// fuzzyReplace attempts every tolerant placeholder pattern over the
// remaining text (after exact matches have already been locked in),
// keeping only matches whose pattern confidence meets the threshold.
func fuzzyReplace(text string, m *mapping.RequestMapping) (string, int) {
	count := 0
	result := text
	for _, fp := range fuzzyPatterns {
		if fp.confidence < confidenceThreshold {
			continue
		}
		result = fp.re.ReplaceAllStringFunc(result, func(match string) string {
			sub := fp.re.FindStringSubmatch(match)
			entityType := strings.ToUpper(sub[1])
			placeholder := "<" + entityType + "_" + sub[2] + ">"
			if original, ok := m.GetOriginal(placeholder); ok {
				count++
				return original
			}
			return match
		})
	}
	return result, count
}
