package ner

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuiltin_DetectsPhoneAndPerson(t *testing.T) {
	b := NewBuiltin()
	spans := b.Recognize("张三的电话是13800138000")

	var gotPhone, gotPerson bool
	for _, s := range spans {
		if s.EntityType == "PHONE_NUMBER" {
			gotPhone = true
		}
		if s.EntityType == "PERSON" {
			gotPerson = true
		}
	}
	assert.True(t, gotPhone)
	assert.True(t, gotPerson)
}

func TestBuiltin_DetectsEmail(t *testing.T) {
	b := NewBuiltin()
	spans := b.Recognize("contact me at jane.doe@example.com please")
	found := false
	for _, s := range spans {
		if s.EntityType == "EMAIL" {
			found = true
			assert.Equal(t, "jane.doe@example.com", "contact me at jane.doe@example.com please"[s.Start:s.End])
		}
	}
	assert.True(t, found)
}

func TestBuiltin_NoFalsePositiveOnPlainText(t *testing.T) {
	b := NewBuiltin()
	spans := b.Recognize("today is a good day for testing")
	for _, s := range spans {
		assert.NotEqual(t, "PHONE_NUMBER", s.EntityType)
		assert.NotEqual(t, "EMAIL", s.EntityType)
	}
}
