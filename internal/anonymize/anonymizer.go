package anonymize

import (
	"sort"

	"github.com/user/pii-airlock/internal/allowlist"
	"github.com/user/pii-airlock/internal/intent"
	"github.com/user/pii-airlock/internal/mapping"
	"github.com/user/pii-airlock/internal/ner"
)

// StrategyConfig maps entity types to their configured strategy, with
// StrategyPlaceholder as the default for any type not listed.
type StrategyConfig struct {
	byType map[string]Strategy
}

// NewStrategyConfig builds a config defaulting every entity type to
// StrategyPlaceholder.
func NewStrategyConfig() *StrategyConfig {
	return &StrategyConfig{byType: make(map[string]Strategy)}
}

// Set overrides the strategy for a single entity type.
func (c *StrategyConfig) Set(entityType string, strategy Strategy) {
	c.byType[entityType] = strategy
}

// Get returns the configured strategy for entityType, defaulting to
// StrategyPlaceholder.
func (c *StrategyConfig) Get(entityType string) Strategy {
	if s, ok := c.byType[entityType]; ok {
		return s
	}
	return StrategyPlaceholder
}

// Config bundles everything the Anonymizer needs beyond the text
// itself: which recognizer to use, the score floor, and the exemption
// collaborators.
type Config struct {
	Recognizer     ner.Recognizer
	ScoreThreshold float64
	Strategies     *StrategyConfig
	Allowlist      *allowlist.Registry
	Intent         *intent.Detector
}

// Anonymizer orchestrates entity recognition, overlap resolution,
// exemption and strategy dispatch into a single anonymize() call per
// message.
type Anonymizer struct {
	cfg Config
}

// New builds an Anonymizer. A nil Allowlist or Intent disables the
// corresponding exemption check.
func New(cfg Config) *Anonymizer {
	if cfg.ScoreThreshold == 0 {
		cfg.ScoreThreshold = 0.5
	}
	return &Anonymizer{cfg: cfg}
}

// Outcome is the result of anonymizing one message's content.
type Outcome struct {
	Text      string
	PIICount  int
	Entities  []ner.Span
}

// AnonymizeMessage runs the full pipeline over content, reusing and
// extending m (the request's shared mapping) so repeated values across
// messages in the same request collapse onto one placeholder.
func (a *Anonymizer) AnonymizeMessage(content string, m *mapping.RequestMapping, counter *Counter, sessionSalt string) Outcome {
	if content == "" {
		return Outcome{Text: content}
	}

	spans := a.cfg.Recognizer.Recognize(content)
	spans = filterByScore(spans, a.cfg.ScoreThreshold)
	if len(spans) == 0 {
		return Outcome{Text: content}
	}

	accepted := resolveOverlaps(spans)
	accepted = a.filterExempt(content, accepted)
	if len(accepted) == 0 {
		return Outcome{Text: content, Entities: spans}
	}

	// Descending start order so earlier replacements don't shift the
	// offsets of spans not yet processed.
	sort.Slice(accepted, func(i, j int) bool { return accepted[i].Start > accepted[j].Start })

	text := content
	for _, span := range accepted {
		original := content[span.Start:span.End]

		var replacement string
		if existing, ok := m.GetPlaceholder(span.EntityType, original); ok {
			replacement = existing
		} else if syn, ok := m.GetSynthetic(original); ok {
			replacement = syn
		} else {
			strategy := a.cfg.Strategies.Get(span.EntityType)
			idx := counter.Next(span.EntityType)
			result, err := Apply(strategy, original, span.EntityType, ApplyContext{Index: idx, SessionSalt: sessionSalt})
			if err != nil {
				continue
			}
			replacement = result.Text
			if result.Reversible {
				if strategy == StrategySynthetic {
					m.AddSynthetic(span.EntityType, original, replacement)
				} else {
					m.Add(span.EntityType, original, replacement, string(strategy))
				}
			}
		}

		text = text[:span.Start] + replacement + text[span.End:]
	}

	return Outcome{Text: text, PIICount: len(accepted), Entities: spans}
}

func filterByScore(spans []ner.Span, threshold float64) []ner.Span {
	out := spans[:0:0]
	for _, s := range spans {
		if s.Score >= threshold {
			out = append(out, s)
		}
	}
	return out
}

// resolveOverlaps keeps, for any set of overlapping spans, the
// highest-score-then-longest one: sort by (start asc, score desc,
// length desc) and greedily accept non-overlapping spans in that order.
func resolveOverlaps(spans []ner.Span) []ner.Span {
	sorted := make([]ner.Span, len(spans))
	copy(sorted, spans)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score > sorted[j].Score
		}
		return (sorted[i].End - sorted[i].Start) > (sorted[j].End - sorted[j].Start)
	})

	var accepted []ner.Span
	for _, candidate := range sorted {
		overlaps := false
		for _, a := range accepted {
			if !(candidate.End <= a.Start || candidate.Start >= a.End) {
				overlaps = true
				break
			}
		}
		if !overlaps {
			accepted = append(accepted, candidate)
		}
	}
	return accepted
}

// filterExempt drops spans that question-context or allowlist exemption
// says should be preserved verbatim.
func (a *Anonymizer) filterExempt(text string, spans []ner.Span) []ner.Span {
	if a.cfg.Allowlist == nil && a.cfg.Intent == nil {
		return spans
	}

	var kept []ner.Span
	for _, s := range spans {
		value := text[s.Start:s.End]

		allowlisted := a.cfg.Allowlist != nil && a.cfg.Allowlist.IsAllowed(s.EntityType, value)

		if a.cfg.Intent != nil && a.cfg.Intent.QuestionFavoringTypes(s.EntityType) {
			if a.cfg.Intent.ShouldPreserveEntity(text, s.Start, s.End, allowlisted) {
				continue
			}
		} else if allowlisted {
			continue
		}

		kept = append(kept, s)
	}
	return kept
}
