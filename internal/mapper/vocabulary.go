package mapper

import (
	"fmt"

	"github.com/Priya8975/conversion-dispatch/internal/domain"
)

const (
	actionSourceSystemGenerated = "system_generated"

	metaActionSource   = "website"
	snapActionSource   = "WEB"
	tiktokActionSource = "web"
)

// metaEventName returns the Meta standard or custom event name for t.
func metaEventName(t domain.OutcomeType) (string, error) {
	switch t {
	case domain.OutcomePurchase:
		return "Purchase", nil
	case domain.OutcomeRefund:
		return "Refund", nil
	case domain.OutcomeRetentionD7:
		return "RetentionD7", nil
	case domain.OutcomeRetentionD30:
		return "RetentionD30", nil
	case domain.OutcomeLtvUpdate:
		return "LTVUpdate", nil
	case domain.OutcomeLeadQualified:
		return "Lead", nil
	case domain.OutcomeLeadDisqualified:
		return "LeadDisqualified", nil
	case domain.OutcomeDealWon:
		return "DealWon", nil
	case domain.OutcomeDealLost:
		return "DealLost", nil
	}
	return "", unknownType(domain.PlatformMeta, t)
}

// snapEventName returns the Snap event type for t. Snap only accepts its fixed
// vocabulary, so outcomes without a standard equivalent use CUSTOM_EVENT_n slots.
func snapEventName(t domain.OutcomeType) (string, error) {
	switch t {
	case domain.OutcomePurchase:
		return "PURCHASE", nil
	case domain.OutcomeRefund:
		return "CUSTOM_EVENT_1", nil
	case domain.OutcomeRetentionD7:
		return "CUSTOM_EVENT_2", nil
	case domain.OutcomeRetentionD30:
		return "CUSTOM_EVENT_3", nil
	case domain.OutcomeLtvUpdate:
		return "CUSTOM_EVENT_4", nil
	case domain.OutcomeLeadQualified:
		return "SIGN_UP", nil
	case domain.OutcomeLeadDisqualified:
		return "CUSTOM_EVENT_5", nil
	case domain.OutcomeDealWon:
		return "ACHIEVEMENT_UNLOCKED", nil
	case domain.OutcomeDealLost:
		return "CUSTOM_EVENT_5", nil
	}
	return "", unknownType(domain.PlatformSnap, t)
}

func tiktokEventName(t domain.OutcomeType) (string, error) {
	switch t {
	case domain.OutcomePurchase:
		return "CompletePayment", nil
	case domain.OutcomeRefund:
		return "Refund", nil
	case domain.OutcomeRetentionD7:
		return "RetentionD7", nil
	case domain.OutcomeRetentionD30:
		return "RetentionD30", nil
	case domain.OutcomeLtvUpdate:
		return "LTVUpdate", nil
	case domain.OutcomeLeadQualified:
		return "SubmitForm", nil
	case domain.OutcomeLeadDisqualified:
		return "LeadDisqualified", nil
	case domain.OutcomeDealWon:
		return "DealWon", nil
	case domain.OutcomeDealLost:
		return "DealLost", nil
	}
	return "", unknownType(domain.PlatformTikTok, t)
}

// crmStageLabel is the event name used on the CRM path when no stage is supplied.
func crmStageLabel(t domain.OutcomeType) (string, error) {
	switch t {
	case domain.OutcomeLeadQualified:
		return "Marketing Qualified Lead", nil
	case domain.OutcomeLeadDisqualified:
		return "Disqualified", nil
	case domain.OutcomeDealWon:
		return "Converted", nil
	case domain.OutcomeDealLost:
		return "Lost", nil
	case domain.OutcomePurchase, domain.OutcomeRefund, domain.OutcomeRetentionD7,
		domain.OutcomeRetentionD30, domain.OutcomeLtvUpdate:
		return "", fmt.Errorf("outcome type %s has no crm stage", t)
	}
	return "", fmt.Errorf("unknown outcome type %q", t)
}

func unknownType(p domain.Platform, t domain.OutcomeType) error {
	return fmt.Errorf("%s: unknown outcome type %q", p, t)
}
