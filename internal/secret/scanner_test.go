package secret

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScan_DetectsOpenAIKey(t *testing.T) {
	s := New(RiskHigh)
	res := s.Scan("here is my key sk-abcdefghij1234567890ABCDEFGHIJ in the prompt")
	assert.True(t, res.Blocked)
	assert.NotEmpty(t, res.Matches)
	assert.Equal(t, "openai_api_key", res.Matches[0].Type)
}

func TestScan_NoMatchIsNotBlocked(t *testing.T) {
	s := New(RiskHigh)
	res := s.Scan("just a regular sentence with no secrets in it")
	assert.False(t, res.Blocked)
	assert.Empty(t, res.Matches)
}

func TestScan_BelowThresholdNotBlocked(t *testing.T) {
	s := New(RiskCritical)
	res := s.Scan("api_key: abcdefghijklmnopqrstuvwx1234")
	assert.NotEmpty(t, res.Matches)
	assert.False(t, res.Blocked, "generic api key is medium risk, below a critical-only threshold")
}

func TestScan_DedupesOverlappingMatchesBySpanAndType(t *testing.T) {
	s := New(RiskHigh)
	res := s.Scan("sk-abcdefghij1234567890ABCDEFGHIJ")
	count := 0
	for _, m := range res.Matches {
		if m.Type == "openai_api_key" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestRedact_PreviewsFirstAndLastFourChars(t *testing.T) {
	assert.Equal(t, "sk-a****GHIJ", redact("sk-abcdefghij1234567890ABCDEFGHIJ"))
	assert.Equal(t, "****", redact("short"))
}

func TestMeetsThreshold(t *testing.T) {
	assert.True(t, MeetsThreshold(RiskCritical, RiskHigh))
	assert.True(t, MeetsThreshold(RiskHigh, RiskHigh))
	assert.False(t, MeetsThreshold(RiskMedium, RiskHigh))
}
