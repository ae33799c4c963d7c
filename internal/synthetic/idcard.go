package synthetic

import (
	"crypto/md5"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
)

// checksum weights and code table for the 18-digit Chinese resident ID
// card number, ISO-7064 MOD 11-2.
var idCardWeights = [17]int{7, 9, 10, 5, 8, 4, 2, 1, 6, 3, 7, 9, 10, 5, 8, 4, 2}

var idCardCheckCode = map[int]byte{
	0: '1', 1: '0', 2: 'X', 3: '9', 4: '8',
	5: '7', 6: '6', 7: '5', 8: '4', 9: '3', 10: '2',
}

var (
	idCard18Pattern = regexp.MustCompile(`^[1-9]\d{5}(19|20)\d{2}(0[1-9]|1[0-2])(0[1-9]|[12]\d|3[01])\d{3}[\dXx]$`)
	idCard15Pattern = regexp.MustCompile(`^[1-9]\d{5}\d{2}(0[1-9]|1[0-2])(0[1-9]|[12]\d|3[01])\d{3}$`)
)

type parsedIDCard struct {
	valid     bool
	region    string
	birthDate string
	gender    string // "male" or "female"
}

func parseIDCard(id string) parsedIDCard {
	id = strings.ToUpper(strings.TrimSpace(id))

	if idCard18Pattern.MatchString(id) {
		seq := id[14:17]
		return parsedIDCard{
			valid:     true,
			region:    id[:6],
			birthDate: id[6:14],
			gender:    genderFromSequence(seq),
		}
	}
	if idCard15Pattern.MatchString(id) {
		seq := id[12:15]
		return parsedIDCard{
			valid:     true,
			region:    id[:6],
			birthDate: "19" + id[6:12],
			gender:    genderFromSequence(seq),
		}
	}
	return parsedIDCard{valid: false}
}

func genderFromSequence(seq string) string {
	last := seq[len(seq)-1]
	if (last-'0')%2 == 1 {
		return "male"
	}
	return "female"
}

func idCardHash(salt, s string) uint64 {
	sum := md5.Sum([]byte(salt + ":" + s))
	n := new(big.Int).SetBytes(sum[:])
	mod := new(big.Int).SetUint64(1 << 62)
	return new(big.Int).Mod(n, mod).Uint64()
}

// GenerateIDCard produces a synthetic 18-digit ID card number that
// preserves the original's province code, birth date and gender while
// carrying a freshly computed, valid MOD 11-2 checksum. Non-ID-card-shaped
// input is returned unchanged, matching the Python original's behavior of
// passing through values it cannot parse.
func GenerateIDCard(original, sessionSalt string) (string, error) {
	parsed := parseIDCard(original)
	if !parsed.valid {
		return original, nil
	}

	h := idCardHash(sessionSalt, original)

	province := parsed.region[:2]
	suffix := h % 10000
	region := fmt.Sprintf("%s%04d", province, suffix)

	seqHash := idCardHash(sessionSalt, original+"seq")
	seq2 := seqHash % 100
	var last uint64
	if parsed.gender == "male" {
		last = 2*((seqHash>>8)%5) + 1
	} else {
		last = 2 * ((seqHash >> 8) % 5)
	}
	sequence := fmt.Sprintf("%02d%d", seq2, last)

	prefix17 := region + parsed.birthDate + sequence
	check := calculateCheckCode(prefix17)

	return prefix17 + string(check), nil
}

func calculateCheckCode(prefix17 string) byte {
	total := 0
	for i := 0; i < 17; i++ {
		d, _ := strconv.Atoi(string(prefix17[i]))
		total += d * idCardWeights[i]
	}
	return idCardCheckCode[total%11]
}

// ValidIDCard reports whether an 18-digit ID card's checksum verifies
// under the standard MOD 11-2 algorithm.
func ValidIDCard(id string) bool {
	id = strings.ToUpper(strings.TrimSpace(id))
	if !idCard18Pattern.MatchString(id) {
		return false
	}
	expected := calculateCheckCode(id[:17])
	return id[17] == expected
}
