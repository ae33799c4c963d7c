package allowlist

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestList_ContainsIsCaseInsensitive(t *testing.T) {
	l := NewList("public-figures", "PERSON")
	l.Add("Xi Jinping")
	assert.True(t, l.Contains("xi jinping"))
	assert.True(t, l.Contains("XI JINPING"))
	assert.False(t, l.Contains("张三"))
}

func TestRegistry_IsAllowedMatchesEntityTypeOrWildcard(t *testing.T) {
	r := NewRegistry()
	people := NewList("public-figures", "PERSON")
	people.Add("马云")
	r.Register(people)

	everything := NewList("brand-names", "*")
	everything.Add("Acme Corp")
	r.Register(everything)

	assert.True(t, r.IsAllowed("PERSON", "马云"))
	assert.True(t, r.IsAllowed("ORGANIZATION", "Acme Corp"))
	assert.False(t, r.IsAllowed("PERSON", "张三"))
}

func TestRegistry_DisabledListIsIgnored(t *testing.T) {
	r := NewRegistry()
	l := NewList("disabled-list", "PERSON")
	l.Add("张三")
	l.Enabled = false
	r.Register(l)

	assert.False(t, r.IsAllowed("PERSON", "张三"))
}
