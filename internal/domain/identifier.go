package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
)

// IdentifierType names a piece of user data that platforms only accept hashed.
type IdentifierType string

const (
	IdentifierEmail      IdentifierType = "email"
	IdentifierPhone      IdentifierType = "phone"
	IdentifierFirstName  IdentifierType = "first_name"
	IdentifierLastName   IdentifierType = "last_name"
	IdentifierCity       IdentifierType = "city"
	IdentifierState      IdentifierType = "state"
	IdentifierZip        IdentifierType = "zip"
	IdentifierCountry    IdentifierType = "country"
	IdentifierExternalID IdentifierType = "external_id"
)

// HashedIdentifierTypes lists every identifier type, in the order writers emit them.
func HashedIdentifierTypes() []IdentifierType {
	return []IdentifierType{
		IdentifierEmail, IdentifierPhone, IdentifierFirstName, IdentifierLastName,
		IdentifierCity, IdentifierState, IdentifierZip, IdentifierCountry, IdentifierExternalID,
	}
}

func (t IdentifierType) IsValid() bool {
	switch t {
	case IdentifierEmail, IdentifierPhone, IdentifierFirstName, IdentifierLastName,
		IdentifierCity, IdentifierState, IdentifierZip, IdentifierCountry, IdentifierExternalID:
		return true
	default:
		return false
	}
}

// HashedIdentifier carries the SHA-256 hex digest of a normalized identifier.
type HashedIdentifier struct {
	Type        IdentifierType `json:"type" validate:"required"`
	SHA256Value string         `json:"sha256_value" validate:"required,len=64,hexadecimal"`
}

// NewHashedIdentifier normalizes raw for its type and hashes it. Values that are
// already a SHA-256 hex digest are kept as-is (lowercased).
func NewHashedIdentifier(t IdentifierType, raw string) (HashedIdentifier, error) {
	if !t.IsValid() {
		return HashedIdentifier{}, fmt.Errorf("unknown identifier type %q", t)
	}
	if IsSHA256Hex(raw) {
		return HashedIdentifier{Type: t, SHA256Value: strings.ToLower(raw)}, nil
	}
	normalized := Normalize(t, raw)
	if normalized == "" {
		return HashedIdentifier{}, fmt.Errorf("identifier %s is empty after normalization", t)
	}
	return HashedIdentifier{Type: t, SHA256Value: HashSHA256(normalized)}, nil
}

// Normalize applies the per-type normalization platforms expect before hashing.
func Normalize(t IdentifierType, raw string) string {
	v := strings.TrimSpace(raw)
	switch t {
	case IdentifierEmail:
		return strings.ToLower(v)
	case IdentifierPhone:
		return keepRunes(v, unicode.IsDigit)
	case IdentifierFirstName, IdentifierLastName:
		return strings.ToLower(keepRunes(v, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsSpace(r) || r == '-' }))
	case IdentifierCity, IdentifierState:
		return strings.ToLower(keepRunes(v, unicode.IsLetter))
	case IdentifierZip:
		return strings.ToLower(strings.ReplaceAll(v, " ", ""))
	case IdentifierCountry:
		return strings.ToLower(keepRunes(v, unicode.IsLetter))
	default:
		return v
	}
}

// HashSHA256 returns the lowercase hex SHA-256 digest of s.
func HashSHA256(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// IsSHA256Hex reports whether s already looks like a SHA-256 hex digest.
func IsSHA256Hex(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func keepRunes(s string, keep func(rune) bool) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if keep(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
