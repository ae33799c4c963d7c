// Package intent classifies whether text asks about an entity (question
// context, preserve the entity so the model knows what's being asked)
// or uses it in a statement (anonymize it to protect privacy).
package intent

import (
	"os"
	"regexp"
	"strings"
)

var defaultQuestionFavoringTypes = map[string]bool{
	"PERSON":       true,
	"ORGANIZATION": true,
	"LOCATION":     true,
}

var questionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^[\s]*(\?|？|谁|何人|哪位|哪些|什么叫|什么是|请问|如何|怎么|多少|几|是不是|能否|可以)`),
	regexp.MustCompile(`(?i)(是誰|是谁|是什么|怎么样|如何|吗\?|呢\?|吗？|呢？)$`),
	regexp.MustCompile(`(?i)^[\s]*(请|kindly)?(告诉我|介绍一下|讲讲|说说|描述一下|解释一下)`),
	regexp.MustCompile(`(?i)(你知道|听说过)`),
	regexp.MustCompile(`(?i)(查一下|查查|搜索|找一下|找找)`),
	regexp.MustCompile(`(?i)^[\s]*(Who|What|Where|When|Why|How|Which|Whose|Whom|Is|Are|Do|Does|Can|Could|Would|Should|Will)\b`),
	regexp.MustCompile(`\?[\s]*$`),
	regexp.MustCompile(`(?i)(tell me|describe|explain|introduce)`),
	regexp.MustCompile(`(?i)(do you know|have you heard)`),
}

var questionContextPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(是哪|是誰|是谁|叫什么|叫啥|what is|who is)`),
	regexp.MustCompile(`(?i)(介绍|描述|explain|describe|introduce|tell me about)`),
}

var statementContextPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(联系|呼叫|发邮件|发送|写信|给|告诉|通知|提醒|call|email|text|send|write|notify)`),
	regexp.MustCompile(`(?i)(的电话|的邮箱|的地址|的身份证|的手机|'s phone|'s email|'s address)`),
}

// Result carries a classification and, for future auditing, why it was
// reached.
type Result struct {
	IsQuestion bool
	Confidence float64
	Reason     string
}

// Detector classifies question vs. statement context around entity
// spans. The zero value is not usable; use NewDetector.
type Detector struct {
	contextWindow          int
	questionFavoringTypes  map[string]bool
}

// NewDetector builds a Detector with a ±50 character context window and
// question-favoring entity types taken from PII_AIRLOCK_QUESTION_FAVORING_TYPES
// (comma-separated), falling back to {PERSON, ORGANIZATION, LOCATION}.
func NewDetector() *Detector {
	favoring := defaultQuestionFavoringTypes
	if env := strings.TrimSpace(os.Getenv("PII_AIRLOCK_QUESTION_FAVORING_TYPES")); env != "" {
		favoring = make(map[string]bool)
		for _, t := range strings.Split(env, ",") {
			t = strings.TrimSpace(strings.ToUpper(t))
			if t != "" {
				favoring[t] = true
			}
		}
	}
	return &Detector{contextWindow: 50, questionFavoringTypes: favoring}
}

// QuestionFavoringTypes reports whether entityType is configured to be
// preserved under question context.
func (d *Detector) QuestionFavoringTypes(entityType string) bool {
	return d.questionFavoringTypes[entityType]
}

// IsQuestionText reports whether the whole text reads as a question.
func (d *Detector) IsQuestionText(text string) Result {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{Reason: "empty text"}
	}
	if strings.HasSuffix(text, "?") || strings.HasSuffix(text, "？") {
		return Result{IsQuestion: true, Confidence: 0.9, Reason: "ends with question mark"}
	}
	for _, p := range questionPatterns {
		if p.MatchString(text) {
			return Result{IsQuestion: true, Confidence: 0.85, Reason: "matches question pattern"}
		}
	}
	return Result{Confidence: 0.7, Reason: "no question pattern matched"}
}

// IsQuestionContext classifies the ±contextWindow neighborhood of an
// entity span within text.
func (d *Detector) IsQuestionContext(text string, start, end int) Result {
	if start < 0 || end > len(text) || start > end {
		return Result{Reason: "invalid position"}
	}

	whole := d.IsQuestionText(text)
	if whole.IsQuestion && whole.Confidence > 0.8 {
		return Result{IsQuestion: true, Confidence: 0.95, Reason: "whole text is a question"}
	}

	ctxStart := start - d.contextWindow
	if ctxStart < 0 {
		ctxStart = 0
	}
	ctxEnd := end + d.contextWindow
	if ctxEnd > len(text) {
		ctxEnd = len(text)
	}
	context := text[ctxStart:ctxEnd]

	for _, p := range questionContextPatterns {
		if p.MatchString(context) {
			return Result{IsQuestion: true, Confidence: 0.85, Reason: "entity in question context"}
		}
	}
	for _, p := range statementContextPatterns {
		if p.MatchString(context) {
			return Result{IsQuestion: false, Confidence: 0.9, Reason: "entity in statement context"}
		}
	}
	return Result{IsQuestion: false, Confidence: 0.5, Reason: "no clear context, defaulting to statement"}
}

// ShouldPreserveEntity decides whether an entity span should be left
// unanonymized: question context always preserves; a statement-context
// match overrides the allowlist and forces anonymization; otherwise an
// allowlisted entity is preserved.
func (d *Detector) ShouldPreserveEntity(text string, start, end int, isAllowlisted bool) bool {
	result := d.IsQuestionContext(text, start, end)
	if result.IsQuestion {
		return true
	}
	if result.Reason == "entity in statement context" {
		return false
	}
	return isAllowlisted
}
