package deanonymize

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/user/pii-airlock/internal/mapping"
)

func TestDeanonymize_ExactPlaceholder(t *testing.T) {
	m := mapping.NewRequestMapping("s1")
	m.Add("PERSON", "张三", "<PERSON_1>", "placeholder")

	r := Deanonymize("致<PERSON_1>：您好", m, false)
	assert.Equal(t, "致张三：您好", r.Text)
	assert.Equal(t, 1, r.ReplacedCount)
	assert.True(t, r.IsComplete())
}

func TestDeanonymize_UnresolvedPlaceholderPassesThrough(t *testing.T) {
	m := mapping.NewRequestMapping("s1")
	r := Deanonymize("致<PERSON_1>：您好", m, false)
	assert.Equal(t, "致<PERSON_1>：您好", r.Text)
	assert.False(t, r.IsComplete())
	assert.Contains(t, r.Unresolved, "<PERSON_1>")
}

func TestDeanonymize_SyntheticLongestFirst(t *testing.T) {
	m := mapping.NewRequestMapping("s1")
	m.AddSynthetic("PERSON", "张三", "李四")
	m.AddSynthetic("PERSON", "张三丰", "李四光") // longer synthetic that has 李四 as its prefix, exercising the ordering path

	r := Deanonymize("致李四：您好", m, false)
	assert.Equal(t, "致张三：您好", r.Text)
}

func TestDeanonymize_FuzzyMatchesCaseAndWhitespaceVariants(t *testing.T) {
	m := mapping.NewRequestMapping("s1")
	m.Add("PERSON", "张三", "<PERSON_1>", "placeholder")

	r := Deanonymize("请联系 <Person_1> 或 [PERSON_1]", m, true)
	assert.Equal(t, "请联系 张三 或 张三", r.Text)
}

func TestDeanonymize_EmptyTextReturnsEmpty(t *testing.T) {
	m := mapping.NewRequestMapping("s1")
	r := Deanonymize("", m, true)
	assert.Equal(t, "", r.Text)
	assert.Equal(t, 0, r.ReplacedCount)
}
