package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OutcomeType is the closed set of business outcomes reported to ad platforms.
type OutcomeType string

const (
	OutcomePurchase         OutcomeType = "purchase"
	OutcomeRefund           OutcomeType = "refund"
	OutcomeRetentionD7      OutcomeType = "retention_d7"
	OutcomeRetentionD30     OutcomeType = "retention_d30"
	OutcomeLtvUpdate        OutcomeType = "ltv_update"
	OutcomeLeadQualified    OutcomeType = "lead_qualified"
	OutcomeLeadDisqualified OutcomeType = "lead_disqualified"
	OutcomeDealWon          OutcomeType = "deal_won"
	OutcomeDealLost         OutcomeType = "deal_lost"
)

// ParseOutcomeType validates a raw outcome type string.
func ParseOutcomeType(raw string) (OutcomeType, error) {
	t := OutcomeType(raw)
	if !t.IsValid() {
		return "", fmt.Errorf("unknown outcome type %q", raw)
	}
	return t, nil
}

// IsValid reports whether t is part of the closed outcome set.
func (t OutcomeType) IsValid() bool {
	switch t {
	case OutcomePurchase, OutcomeRefund, OutcomeRetentionD7, OutcomeRetentionD30, OutcomeLtvUpdate,
		OutcomeLeadQualified, OutcomeLeadDisqualified, OutcomeDealWon, OutcomeDealLost:
		return true
	default:
		return false
	}
}

// RequiresValue reports whether events of this type must carry a monetary value.
func (t OutcomeType) RequiresValue() bool {
	switch t {
	case OutcomePurchase, OutcomeRefund, OutcomeLtvUpdate:
		return true
	default:
		return false
	}
}

// ForbidsValue reports whether events of this type must not carry a monetary value.
func (t OutcomeType) ForbidsValue() bool {
	switch t {
	case OutcomeLeadQualified, OutcomeLeadDisqualified:
		return true
	default:
		return false
	}
}

// IsCRMStage reports whether the type corresponds to a CRM pipeline stage change.
func (t OutcomeType) IsCRMStage() bool {
	switch t {
	case OutcomeLeadQualified, OutcomeLeadDisqualified, OutcomeDealWon, OutcomeDealLost:
		return true
	default:
		return false
	}
}

// Money is an amount in an ISO-4217 currency.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency" validate:"required,iso4217"`
}

// OutcomeEvent is the canonical, platform-agnostic description of a business outcome.
// It is treated as an immutable value once enqueued.
type OutcomeEvent struct {
	EventID         string             `json:"event_id" validate:"required,max=255"`
	OutcomeType     OutcomeType        `json:"outcome_type" validate:"required"`
	OccurredAt      time.Time          `json:"occurred_at" validate:"required"`
	Value           *Money             `json:"value,omitempty" validate:"omitempty"`
	Identifiers     []HashedIdentifier `json:"identifiers,omitempty" validate:"dive"`
	TargetPlatforms []Platform         `json:"target_platforms" validate:"required,min=1"`

	MetaFbc      string `json:"meta_fbc,omitempty"`
	MetaFbp      string `json:"meta_fbp,omitempty"`
	SnapClickID  string `json:"snap_click_id,omitempty"`
	SnapCookie1  string `json:"snap_cookie1,omitempty"`
	TikTokTtclid string `json:"tiktok_ttclid,omitempty"`
	TikTokTtp    string `json:"tiktok_ttp,omitempty"`

	ClientIP        string `json:"client_ip,omitempty" validate:"omitempty,ip"`
	ClientUserAgent string `json:"client_user_agent,omitempty"`
	EventSourceURL  string `json:"event_source_url,omitempty" validate:"omitempty,url"`

	LeadID   string   `json:"lead_id,omitempty"`
	CRMStage string   `json:"crm_stage,omitempty"`
	Score    *float64 `json:"score,omitempty"`

	CustomData map[string]string `json:"custom_data,omitempty"`
}

// Targets returns the target platforms with duplicates removed, preserving order.
func (e OutcomeEvent) Targets() []Platform {
	seen := make(map[Platform]struct{}, len(e.TargetPlatforms))
	out := make([]Platform, 0, len(e.TargetPlatforms))
	for _, p := range e.TargetPlatforms {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// Identifier returns the hashed value for the given identifier type, if present.
func (e OutcomeEvent) Identifier(t IdentifierType) (string, bool) {
	for _, id := range e.Identifiers {
		if id.Type == t {
			return id.SHA256Value, true
		}
	}
	return "", false
}

// IsCRMLead reports whether the event should be routed through the CRM lead shape.
func (e OutcomeEvent) IsCRMLead() bool {
	return e.OutcomeType.IsCRMStage() && e.LeadID != ""
}
