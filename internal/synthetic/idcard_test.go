package synthetic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateIDCard_PreservesRegionBirthAndChecksum(t *testing.T) {
	original := "110101199003077758"
	out, err := GenerateIDCard(original, "session-a")
	require.NoError(t, err)

	require.Len(t, out, 18)
	assert.Equal(t, "11", out[:2], "province code preserved")
	assert.Equal(t, "19900307", out[6:14], "birth date preserved")
	assert.True(t, ValidIDCard(out), "synthesized id card must pass checksum validation")
}

func TestGenerateIDCard_Deterministic(t *testing.T) {
	original := "110101199003077758"
	a, _ := GenerateIDCard(original, "session-a")
	b, _ := GenerateIDCard(original, "session-a")
	assert.Equal(t, a, b)
}

func TestGenerateIDCard_DiffersAcrossSessions(t *testing.T) {
	original := "110101199003077758"
	a, _ := GenerateIDCard(original, "session-a")
	b, _ := GenerateIDCard(original, "session-b")
	assert.NotEqual(t, a, b)
}

func TestGenerateIDCard_PassesThroughInvalidInput(t *testing.T) {
	out, err := GenerateIDCard("not-an-id-card", "session-a")
	require.NoError(t, err)
	assert.Equal(t, "not-an-id-card", out)
}

func TestValidIDCard_RejectsBadChecksum(t *testing.T) {
	assert.False(t, ValidIDCard("110101199003077759"))
}
