// Package secrets verifies shared secrets that may be mid-rotation and
// portfolio credentials stored in either hashed or legacy form.
package secrets

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// Which identifies the member of a Set that matched
type Which int

const (
	NoMatch Which = iota
	Current
	Next
)

func (w Which) String() string {
	switch w {
	case Current:
		return "current"
	case Next:
		return "next"
	default:
		return "none"
	}
}

// Set is the currently valid set of a rotating secret.
// Next is empty outside of a rotation.
type Set struct {
	Current string
	Next    string
}

// Configured reports whether at least one secret is set
func (s Set) Configured() bool {
	return s.Current != "" || s.Next != ""
}

func (s Set) members() []struct {
	secret string
	which  Which
} {
	return []struct {
		secret string
		which  Which
	}{{s.Current, Current}, {s.Next, Next}}
}

// Match compares value against every secret in the set in constant time
func (s Set) Match(value string) Which {
	if value == "" {
		return NoMatch
	}
	found := NoMatch
	for _, m := range s.members() {
		if m.secret == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(value), []byte(m.secret)) == 1 && found == NoMatch {
			found = m.which
		}
	}
	return found
}

// Sign returns the hex HMAC-SHA256 of payload under the current secret
func (s Set) Sign(payload []byte) string {
	return sign(s.Current, payload)
}

// VerifyHMAC checks a hex HMAC-SHA256 signature against every secret in the set.
// A "sha256=" prefix on the signature is accepted.
func (s Set) VerifyHMAC(payload []byte, signature string) Which {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	got, err := hex.DecodeString(signature)
	if err != nil || len(got) == 0 {
		return NoMatch
	}
	for _, m := range s.members() {
		if m.secret == "" {
			continue
		}
		want, _ := hex.DecodeString(sign(m.secret, payload))
		if hmac.Equal(got, want) {
			return m.which
		}
	}
	return NoMatch
}

func sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
