// Package ner provides named-entity recognition spans for the
// anonymization engine. The engine treats recognition as an external
// collaborator behind the Recognizer interface; Builtin is a
// regex-based implementation usable standalone or as a fallback when no
// model-backed recognizer is configured.
package ner

import "regexp"

// Span is a single entity detection over a source message.
type Span struct {
	EntityType string
	Start      int
	End        int
	Score      float64
}

// Recognizer detects entity spans in text. Implementations may overlap
// spans; the caller resolves overlaps.
type Recognizer interface {
	Recognize(text string) []Span
}

// pattern pairs a compiled regex with the entity type it identifies and
// a base confidence score, mirroring the structured-pattern stage of a
// two-stage recognizer: regex handles unambiguous formats directly,
// leaving free-form entities like names to a model-backed recognizer.
type pattern struct {
	re         *regexp.Regexp
	entityType string
	score      float64
}

// Builtin is a regex-only Recognizer covering structurally unambiguous
// PII: phone numbers, email addresses, ID card numbers and credit card
// numbers. Free-form entities (PERSON, ORGANIZATION, LOCATION) require
// a model-backed Recognizer; Builtin additionally matches common
// Chinese given-name patterns as a low-confidence heuristic.
type Builtin struct {
	patterns []pattern
	names    *regexp.Regexp
}

// NewBuiltin compiles the regex pattern set.
func NewBuiltin() *Builtin {
	b := &Builtin{
		patterns: []pattern{
			{regexp.MustCompile(`1[3-9]\d{9}`), "PHONE_NUMBER", 0.95},
			{regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`), "EMAIL", 0.95},
			{regexp.MustCompile(`[1-9]\d{5}(?:19|20)\d{2}(?:0[1-9]|1[0-2])(?:0[1-9]|[12]\d|3[01])\d{3}[\dXx]`), "ID_CARD_NUMBER", 0.95},
			{regexp.MustCompile(`(?:\d[ -]?){13,19}`), "CREDIT_CARD", 0.6},
		},
		// Two-to-three character runs drawn from common Chinese surnames,
		// as a low-confidence PERSON heuristic; a model-backed recognizer
		// should be preferred in production.
		names: regexp.MustCompile(`(?:王|李|张|刘|陈|杨|黄|赵|吴|周|徐|孙|马|朱|胡|郭|何|高|林|罗)[\p{Han}]{1,2}`),
	}
	return b
}

// Recognize scans text with every compiled pattern and returns all
// matches as spans, in no particular order; overlap resolution happens
// downstream.
func (b *Builtin) Recognize(text string) []Span {
	var spans []Span
	for _, p := range b.patterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			spans = append(spans, Span{EntityType: p.entityType, Start: loc[0], End: loc[1], Score: p.score})
		}
	}
	for _, loc := range b.names.FindAllStringIndex(text, -1) {
		spans = append(spans, Span{EntityType: "PERSON", Start: loc[0], End: loc[1], Score: 0.55})
	}
	return spans
}
