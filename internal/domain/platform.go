package domain

import (
	"fmt"
	"strings"
)

// Platform identifies an advertising platform with a server-side conversions API.
type Platform string

const (
	PlatformMeta   Platform = "meta"
	PlatformSnap   Platform = "snap"
	PlatformTikTok Platform = "tiktok"
)

// AllPlatforms lists every supported platform in a stable order.
func AllPlatforms() []Platform {
	return []Platform{PlatformMeta, PlatformSnap, PlatformTikTok}
}

// ParsePlatform converts a raw string (case-insensitive) into a Platform.
func ParsePlatform(raw string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(raw)))
	if !p.IsValid() {
		return "", fmt.Errorf("unknown platform %q", raw)
	}
	return p, nil
}

// IsValid reports whether p is one of the supported platforms.
func (p Platform) IsValid() bool {
	switch p {
	case PlatformMeta, PlatformSnap, PlatformTikTok:
		return true
	default:
		return false
	}
}

// RefreshesTokens reports whether credentials for the platform expire and must be
// refreshed through OAuth. Meta system-user tokens never expire.
func (p Platform) RefreshesTokens() bool {
	switch p {
	case PlatformSnap, PlatformTikTok:
		return true
	default:
		return false
	}
}

func (p Platform) String() string {
	return string(p)
}

// AccountRef is a resolved (platform, account) pair supplied by the read-side sync.
type AccountRef struct {
	Platform  Platform `json:"platform"`
	AccountID string   `json:"account_id"`
}
