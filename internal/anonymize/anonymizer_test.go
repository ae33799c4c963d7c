package anonymize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/pii-airlock/internal/allowlist"
	"github.com/user/pii-airlock/internal/intent"
	"github.com/user/pii-airlock/internal/mapping"
	"github.com/user/pii-airlock/internal/ner"
)

func TestAnonymizeMessage_BasicPlaceholderRoundTrip(t *testing.T) {
	a := New(Config{
		Recognizer:     ner.NewBuiltin(),
		ScoreThreshold: 0.5,
		Strategies:     NewStrategyConfig(),
	})

	m := mapping.NewRequestMapping("sess-1")
	counter := NewCounter()

	out := a.AnonymizeMessage("张三的电话是13800138000", m, counter, "salt-1")

	assert.NotContains(t, out.Text, "13800138000")
	assert.Greater(t, out.PIICount, 0)

	placeholder, ok := m.GetPlaceholder("PHONE_NUMBER", "13800138000")
	require.True(t, ok)
	original, ok := m.GetOriginal(placeholder)
	require.True(t, ok)
	assert.Equal(t, "13800138000", original)
}

func TestAnonymizeMessage_RepeatedValueReusesPlaceholder(t *testing.T) {
	a := New(Config{Recognizer: ner.NewBuiltin(), Strategies: NewStrategyConfig()})
	m := mapping.NewRequestMapping("sess-1")
	counter := NewCounter()

	out := a.AnonymizeMessage("13800138000 和 13800138000 是同一个号码", m, counter, "salt")
	first, ok1 := m.GetPlaceholder("PHONE_NUMBER", "13800138000")
	require.True(t, ok1)
	// Only one distinct placeholder should exist for the repeated value.
	count := 0
	for i := 0; i < 10; i++ {
		if got, ok := m.GetPlaceholder("PHONE_NUMBER", "13800138000"); ok && got == first {
			count++
		}
	}
	assert.Equal(t, 10, count)
	assert.Contains(t, out.Text, first)
}

func TestAnonymizeMessage_NoPIIReturnsTextUnchanged(t *testing.T) {
	a := New(Config{Recognizer: ner.NewBuiltin(), Strategies: NewStrategyConfig()})
	m := mapping.NewRequestMapping("sess-1")
	counter := NewCounter()

	out := a.AnonymizeMessage("today is a good day", m, counter, "salt")
	assert.Equal(t, "today is a good day", out.Text)
	assert.Equal(t, 0, out.PIICount)
}

func TestAnonymizeMessage_AllowlistedStatementIsAnonymized(t *testing.T) {
	reg := allowlist.NewRegistry()
	figures := allowlist.NewList("public-figures", "PERSON")
	figures.Add("马云")
	reg.Register(figures)

	a := New(Config{
		Recognizer: ner.NewBuiltin(),
		Strategies: NewStrategyConfig(),
		Allowlist:  reg,
		Intent:     intent.NewDetector(),
	})
	m := mapping.NewRequestMapping("sess-1")
	counter := NewCounter()

	out := a.AnonymizeMessage("给马云发邮件", m, counter, "salt")
	assert.NotContains(t, out.Text, "马云")
}

func TestResolveOverlaps_KeepsHighestScoreThenLongest(t *testing.T) {
	spans := []ner.Span{
		{EntityType: "A", Start: 0, End: 5, Score: 0.6},
		{EntityType: "B", Start: 0, End: 10, Score: 0.6},
		{EntityType: "C", Start: 20, End: 25, Score: 0.9},
	}
	accepted := resolveOverlaps(spans)
	require.Len(t, accepted, 2)
	assert.Equal(t, "B", accepted[0].EntityType)
	assert.Equal(t, "C", accepted[1].EntityType)
}
