package intent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsQuestionText_EndsWithQuestionMark(t *testing.T) {
	d := NewDetector()
	r := d.IsQuestionText("谁是张三？")
	assert.True(t, r.IsQuestion)
}

func TestIsQuestionText_EnglishWhQuestion(t *testing.T) {
	d := NewDetector()
	r := d.IsQuestionText("Who is Xi Jinping")
	assert.True(t, r.IsQuestion)
}

func TestIsQuestionContext_StatementPatternAnonymizes(t *testing.T) {
	d := NewDetector()
	text := "给张三发邮件"
	start, end := 0, 6 // covers "给张三" prefix roughly; context window covers whole short string
	r := d.IsQuestionContext(text, start, end)
	assert.False(t, r.IsQuestion)
}

func TestShouldPreserveEntity_QuestionContextAlwaysPreserves(t *testing.T) {
	d := NewDetector()
	text := "谁是张三？"
	assert.True(t, d.ShouldPreserveEntity(text, 2, 4, false))
}

func TestShouldPreserveEntity_StatementWithoutAllowlistAnonymizes(t *testing.T) {
	d := NewDetector()
	text := "给张三发邮件告诉他消息"
	assert.False(t, d.ShouldPreserveEntity(text, 1, 3, false))
}

func TestShouldPreserveEntity_StatementOverridesAllowlist(t *testing.T) {
	d := NewDetector()
	text := "给张三发邮件告诉他消息"
	assert.False(t, d.ShouldPreserveEntity(text, 1, 3, true))
}

func TestQuestionFavoringTypes_DefaultsIncludePersonOrgLocation(t *testing.T) {
	d := NewDetector()
	assert.True(t, d.QuestionFavoringTypes("PERSON"))
	assert.True(t, d.QuestionFavoringTypes("ORGANIZATION"))
	assert.True(t, d.QuestionFavoringTypes("LOCATION"))
	assert.False(t, d.QuestionFavoringTypes("PHONE_NUMBER"))
}
