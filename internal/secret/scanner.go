package secret

import "fmt"

// Match is a single secret hit: a (type, span) pair plus a redacted
// preview of the matched value, enough to audit without leaking it.
type Match struct {
	Type      string
	Name      string
	RiskLevel RiskLevel
	Start     int
	End       int
	Redacted  string
}

// Result is the outcome of scanning one text for secrets.
type Result struct {
	Matches []Match
	Blocked bool

	threshold RiskLevel
}

// Scanner detects secrets against the fixed pattern catalog and decides
// whether a request should be blocked based on a configurable risk
// threshold.
type Scanner struct {
	patterns  []Pattern
	threshold RiskLevel
}

// New builds a Scanner. blockThreshold is the minimum risk level at
// which a match causes Result.Blocked to be true; the default used by
// the proxy orchestrator is RiskHigh.
func New(blockThreshold RiskLevel) *Scanner {
	if blockThreshold == "" {
		blockThreshold = RiskHigh
	}
	return &Scanner{patterns: Patterns, threshold: blockThreshold}
}

type span struct {
	start, end int
}

// Scan finds all secret matches in text, deduplicated by (span, type),
// and reports whether any match meets the block threshold.
func (s *Scanner) Scan(text string) Result {
	seen := make(map[span]map[string]bool)
	var matches []Match

	for _, p := range s.patterns {
		locs := p.Regexp.FindAllStringIndex(text, -1)
		for _, loc := range locs {
			sp := span{loc[0], loc[1]}
			if seen[sp] == nil {
				seen[sp] = make(map[string]bool)
			}
			if seen[sp][p.Type] {
				continue
			}
			seen[sp][p.Type] = true

			matches = append(matches, Match{
				Type:      p.Type,
				Name:      p.Name,
				RiskLevel: p.RiskLevel,
				Start:     loc[0],
				End:       loc[1],
				Redacted:  redact(text[loc[0]:loc[1]]),
			})
		}
	}

	blocked := false
	for _, m := range matches {
		if MeetsThreshold(m.RiskLevel, s.threshold) {
			blocked = true
			break
		}
	}

	return Result{Matches: matches, Blocked: blocked, threshold: s.threshold}
}

// BlockingMatch returns the highest-risk match that met the scanner's
// block threshold, for callers (the orchestrator's audit event) that
// need the secret's type and redacted preview rather than a bare count.
// Returns nil if the result isn't blocked.
func (r Result) BlockingMatch() *Match {
	if !r.Blocked {
		return nil
	}
	var best *Match
	for i := range r.Matches {
		m := &r.Matches[i]
		if !MeetsThreshold(m.RiskLevel, r.threshold) {
			continue
		}
		if best == nil || riskOrder[m.RiskLevel] > riskOrder[best.RiskLevel] {
			best = m
		}
	}
	return best
}

// redact previews a matched secret as its first and last four
// characters, masking the middle so audit logs never carry the value.
func redact(value string) string {
	if len(value) <= 8 {
		return "****"
	}
	return fmt.Sprintf("%s****%s", value[:4], value[len(value)-4:])
}
