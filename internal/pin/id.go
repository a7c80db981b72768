package pin

import (
	"encoding/base64"
	"strings"
)

// EncodedPrefix is base64("Pin") and starts every encoded pin id.
const EncodedPrefix = "UGlu"

const decodedPrefix = "Pin:"

// IsEncodedID reports whether id looks like a base64("Pin:<n>") id.
func IsEncodedID(id string) bool {
	return strings.HasPrefix(id, EncodedPrefix)
}

// DecodeID turns base64("Pin:<n>") into "<n>". It reports false for ids
// that are not encoded or do not decode to a numeric pin id.
func DecodeID(id string) (string, bool) {
	if !IsEncodedID(id) {
		return "", false
	}

	raw := strings.TrimRight(id, "=")
	var decoded []byte
	var err error
	for _, enc := range []*base64.Encoding{base64.RawStdEncoding, base64.RawURLEncoding} {
		decoded, err = enc.DecodeString(raw)
		if err == nil {
			break
		}
	}
	if err != nil {
		return "", false
	}

	s := string(decoded)
	if !strings.HasPrefix(s, decodedPrefix) {
		return "", false
	}
	num := s[len(decodedPrefix):]
	if num == "" {
		return "", false
	}
	for _, r := range num {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return num, true
}

// EncodeID is the inverse of DecodeID.
func EncodeID(numeric string) string {
	return base64.StdEncoding.EncodeToString([]byte(decodedPrefix + numeric))
}

// CanonicalID returns the decoded id for encoded ids and id otherwise.
func CanonicalID(id string) string {
	if n, ok := DecodeID(id); ok {
		return n
	}
	return id
}
