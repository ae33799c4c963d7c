package anonymize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/user/pii-airlock/internal/synthetic"
)

// Strategy is the closed tagged variant from spec §9 "Duck-typed strategy
// lookup" reshaped as an enum with a single dispatch point.
type Strategy string

const (
	StrategyPlaceholder Strategy = "placeholder"
	StrategyHash        Strategy = "hash"
	StrategyMask        Strategy = "mask"
	StrategyRedact      Strategy = "redact"
	StrategySynthetic   Strategy = "synthetic"
)

// Result is what a strategy application produces: the replacement text
// and whether the original value can be recovered from it via the
// mapping.
type Result struct {
	Text       string
	Reversible bool
}

// ApplyContext carries the per-request state a strategy needs: the
// placeholder index already reserved for this (entity_type, original)
// pair and the session salt for deterministic synthetic generation.
type ApplyContext struct {
	Index       int
	SessionSalt string
}

func Apply(strategy Strategy, value, entityType string, ctx ApplyContext) (Result, error) {
	switch strategy {
	case StrategyPlaceholder:
		return Result{Text: fmt.Sprintf("<%s_%d>", strings.ToUpper(entityType), ctx.Index), Reversible: true}, nil
	case StrategyHash:
		sum := sha256.Sum256([]byte(entityType + ":" + value))
		return Result{Text: hex.EncodeToString(sum[:]), Reversible: true}, nil
	case StrategyMask:
		return Result{Text: mask(value, entityType), Reversible: false}, nil
	case StrategyRedact:
		return Result{Text: "[REDACTED]", Reversible: false}, nil
	case StrategySynthetic:
		text, err := synthetic.Generate(entityType, value, ctx.SessionSalt)
		if err != nil {
			return Result{}, err
		}
		return Result{Text: text, Reversible: true}, nil
	default:
		return Result{}, fmt.Errorf("anonymize: unknown strategy %q", strategy)
	}
}

func mask(value, entityType string) string {
	switch strings.ToUpper(entityType) {
	case "PHONE", "PHONE_NUMBER":
		digits := onlyDigits(value)
		if len(digits) < 7 {
			return genericMask(value)
		}
		return digits[:3] + strings.Repeat("*", len(digits)-7) + digits[len(digits)-4:]
	case "EMAIL":
		at := strings.IndexByte(value, '@')
		if at <= 0 {
			return genericMask(value)
		}
		local, domain := value[:at], value[at:]
		if len(local) <= 2 {
			return local + domain
		}
		return string(local[0]) + strings.Repeat("*", len(local)-2) + string(local[len(local)-1]) + domain
	case "ID_CARD", "ID_CARD_NUMBER":
		if len(value) < 10 {
			return genericMask(value)
		}
		return value[:6] + strings.Repeat("*", len(value)-10) + value[len(value)-4:]
	case "CREDIT_CARD":
		digits := onlyDigits(value)
		if len(digits) < 8 {
			return genericMask(value)
		}
		return digits[:4] + strings.Repeat("*", len(digits)-8) + digits[len(digits)-4:]
	default:
		return genericMask(value)
	}
}

// genericMask shows a 25% prefix and suffix, masking the middle.
func genericMask(value string) string {
	runes := []rune(value)
	n := len(runes)
	if n <= 4 {
		return strings.Repeat("*", n)
	}
	keep := n / 4
	if keep < 1 {
		keep = 1
	}
	if keep*2 >= n {
		keep = n/2 - 1
	}
	middle := n - 2*keep
	return string(runes[:keep]) + strings.Repeat("*", middle) + string(runes[n-keep:])
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
