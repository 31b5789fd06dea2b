package platform

import (
	"strings"

	"github.com/Priya8975/conversion-dispatch/internal/domain"
)

// hashedValues returns every identifier on ev as a SHA-256 hex digest keyed by type.
// Digests pass through; anything else is normalized and hashed here so a raw
// value can never reach the wire.
func hashedValues(ev domain.OutcomeEvent) map[domain.IdentifierType]string {
	out := make(map[domain.IdentifierType]string, len(ev.Identifiers))
	for _, id := range ev.Identifiers {
		v := strings.TrimSpace(id.SHA256Value)
		if v == "" {
			continue
		}
		if domain.IsSHA256Hex(v) {
			out[id.Type] = strings.ToLower(v)
			continue
		}
		out[id.Type] = domain.HashSHA256(domain.Normalize(id.Type, v))
	}
	return out
}

// putHashed copies hashed identifiers into dst under the platform's field names.
func putHashed(dst map[string]any, hashed map[domain.IdentifierType]string, names map[domain.IdentifierType]string) {
	for _, t := range domain.HashedIdentifierTypes() {
		v, ok := hashed[t]
		if !ok {
			continue
		}
		name, ok := names[t]
		if !ok {
			continue
		}
		dst[name] = v
	}
}

// putRaw sets key only when v is non-empty.
func putRaw(dst map[string]any, key, v string) {
	if v != "" {
		dst[key] = v
	}
}

var metaUserFields = map[domain.IdentifierType]string{
	domain.IdentifierEmail:      "em",
	domain.IdentifierPhone:      "ph",
	domain.IdentifierFirstName:  "fn",
	domain.IdentifierLastName:   "ln",
	domain.IdentifierCity:       "ct",
	domain.IdentifierState:      "st",
	domain.IdentifierZip:        "zp",
	domain.IdentifierCountry:    "country",
	domain.IdentifierExternalID: "external_id",
}

// Snap CAPI v3 uses the same user_data field names as Meta.
var snapUserFields = metaUserFields

var tiktokUserFields = map[domain.IdentifierType]string{
	domain.IdentifierEmail:      "email",
	domain.IdentifierPhone:      "phone_number",
	domain.IdentifierFirstName:  "first_name",
	domain.IdentifierLastName:   "last_name",
	domain.IdentifierCity:       "city",
	domain.IdentifierState:      "state",
	domain.IdentifierZip:        "zip_code",
	domain.IdentifierCountry:    "country",
	domain.IdentifierExternalID: "external_id",
}

// customData merges mapped data with string custom fields, dropping keys the
// writer already emits at the event level.
func customData(data map[string]any, drop ...string) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	for _, k := range drop {
		delete(out, k)
	}
	return out
}
