// Package synthetic generates deterministic, realistic replacement
// values for PII originals, keyed by a session salt so the same
// (salt, entity_type, original) always yields the same synthetic value
// within a session but differs across sessions.
package synthetic

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"strings"
)

var surnames = []string{
	"王", "李", "张", "刘", "陈", "杨", "黄", "赵", "吴", "周",
	"徐", "孙", "马", "朱", "胡", "郭", "何", "高", "林", "罗",
}

var givenChars = []string{
	"伟", "强", "磊", "洋", "勇", "军", "杰", "涛", "超", "明",
	"静", "丽", "娟", "燕", "艳", "梅", "玲", "芳", "娜", "敏",
	"浩", "然", "博", "文", "宇", "昊", "天", "铭", "轩", "睿",
}

var emailDomains = []string{
	"qq.com", "163.com", "126.com", "sina.com", "outlook.com",
	"gmail.com", "icloud.com", "foxmail.com", "yeah.net",
}

// hashSeed mirrors the Python originals' `int(md5(f"{seed}:{s}").hexdigest(), 16)`
// pattern, truncated to a uint64 for use as a deterministic index source.
func hashSeed(salt, s string) uint64 {
	sum := md5.Sum([]byte(salt + ":" + s))
	return binary.BigEndian.Uint64(sum[:8])
}

// Generate dispatches to the type-specific generator, falling back to a
// generic deterministic token for unrecognized entity types.
func Generate(entityType, original, sessionSalt string) (string, error) {
	switch strings.ToUpper(entityType) {
	case "PERSON":
		return generateName(original, sessionSalt), nil
	case "PHONE", "PHONE_NUMBER":
		return generatePhone(original, sessionSalt), nil
	case "EMAIL":
		return generateEmail(original, sessionSalt), nil
	case "ID_CARD", "ID_CARD_NUMBER":
		return GenerateIDCard(original, sessionSalt)
	default:
		h := hashSeed(sessionSalt, entityType+original)
		return fmt.Sprintf("SYN_%08X", h&0xFFFFFFFF), nil
	}
}

func generateName(original, salt string) string {
	h := hashSeed(salt, original)
	surname := surnames[h%uint64(len(surnames))]
	given1 := givenChars[(h>>8)%uint64(len(givenChars))]
	given2idx := (h >> 16) % uint64(len(givenChars)+4) // occasionally single-character given name
	if given2idx >= uint64(len(givenChars)) {
		return surname + given1
	}
	return surname + given1 + givenChars[given2idx]
}

// generatePhone preserves the 3-digit carrier prefix of the original
// (when it looks like a Chinese mobile number) and generates the
// remaining 8 digits deterministically.
func generatePhone(original, salt string) string {
	digits := onlyDigits(original)
	h := hashSeed(salt, original)

	prefix := "138"
	if len(digits) == 11 {
		prefix = digits[:3]
	}
	var b strings.Builder
	b.WriteString(prefix)
	for i := 0; i < 8; i++ {
		b.WriteByte(byte('0' + (h>>(uint(i)*4))%10))
	}
	return b.String()
}

func generateEmail(original, salt string) string {
	h := hashSeed(salt, original)
	domain := emailDomains[(h>>4)%uint64(len(emailDomains))]
	return fmt.Sprintf("user%d@%s", h%100000, domain)
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
