package domain

import "time"

// PlatformAccountCredential holds OAuth tokens for one advertiser account.
type PlatformAccountCredential struct {
	Platform       Platform   `json:"platform"`
	AccountID      string     `json:"account_id"`
	AccessToken    string     `json:"-"`
	RefreshToken   string     `json:"-"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Expired reports whether the access token can no longer be used at now.
// Credentials without an expiry never expire.
func (c PlatformAccountCredential) Expired(now time.Time) bool {
	if c.TokenExpiresAt == nil {
		return false
	}
	return !now.Before(*c.TokenExpiresAt)
}

// ExpiresWithin reports whether the token expires before now+window.
func (c PlatformAccountCredential) ExpiresWithin(now time.Time, window time.Duration) bool {
	if c.TokenExpiresAt == nil {
		return false
	}
	return now.Add(window).After(*c.TokenExpiresAt)
}

// CredentialUpdate is a partial credential write; nil fields keep the stored value.
type CredentialUpdate struct {
	AccessToken  *string
	RefreshToken *string
	ExpiresAt    *time.Time
}
