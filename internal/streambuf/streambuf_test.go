package streambuf

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/user/pii-airlock/internal/mapping"
)

func TestBuffer_SplitPlaceholderAcrossChunks(t *testing.T) {
	m := mapping.NewRequestMapping("s1")
	m.Add("PERSON", "张三", "<PERSON_1>", "placeholder")

	b := New(m, false)
	out1 := b.Write("致<PER")
	out2 := b.Write("SON_1>，电话是<PHONE_1>")
	out3 := b.Flush()

	assert.NotContains(t, out1, "<PER")
	full := out1 + out2 + out3
	assert.Contains(t, full, "张三")
}

func TestBuffer_NoTrailingAngleBracketEmitsImmediately(t *testing.T) {
	m := mapping.NewRequestMapping("s1")
	b := New(m, false)
	out := b.Write("plain text, no placeholders here")
	assert.Equal(t, "plain text, no placeholders here", out)
	assert.False(t, b.HasPending())
}

func TestBuffer_NonPlaceholderAngleBracketEventuallyForceEmitted(t *testing.T) {
	m := mapping.NewRequestMapping("s1")
	b := New(m, false)
	out := b.Write("<html is not a placeholder and exceeds the bound>")
	assert.Contains(t, out, "<html")
}

func TestBuffer_FlushOnEmptyBufferReturnsEmpty(t *testing.T) {
	m := mapping.NewRequestMapping("s1")
	b := New(m, false)
	assert.Equal(t, "", b.Flush())
}

func TestBuffer_ClearDiscardsPending(t *testing.T) {
	m := mapping.NewRequestMapping("s1")
	b := New(m, false)
	b.Write("<PER")
	assert.True(t, b.HasPending())
	b.Clear()
	assert.False(t, b.HasPending())
}
