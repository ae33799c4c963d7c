package synthetic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_Person(t *testing.T) {
	out, err := Generate("PERSON", "张三", "session-a")
	require.NoError(t, err)
	assert.NotEqual(t, "张三", out)
	assert.NotEmpty(t, out)
}

func TestGenerate_PhonePreservesPrefix(t *testing.T) {
	out, err := Generate("PHONE", "13800138000", "session-a")
	require.NoError(t, err)
	require.Len(t, out, 11)
	assert.Equal(t, "138", out[:3])
}

func TestGenerate_Deterministic(t *testing.T) {
	a, _ := Generate("PERSON", "张三", "s1")
	b, _ := Generate("PERSON", "张三", "s1")
	assert.Equal(t, a, b)
}

func TestGenerate_DiffersAcrossSessions(t *testing.T) {
	a, _ := Generate("PERSON", "张三", "s1")
	b, _ := Generate("PERSON", "张三", "s2")
	assert.NotEqual(t, a, b)
}
