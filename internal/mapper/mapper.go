package mapper

import (
	"github.com/Priya8975/conversion-dispatch/internal/domain"
)

// Data keys shared by the platform writers.
const (
	KeyValue           = "value"
	KeyPrice           = "price"
	KeyCurrency        = "currency"
	KeyTransactionID   = "transaction_id"
	KeyClientDedupID   = "client_dedup_id"
	KeyEventSource     = "event_source"
	KeyLeadEventSource = "lead_event_source"
	KeyScore           = "score"

	eventSourceCRM = "crm"
)

// PlatformPayload is the platform-specific vocabulary for one event. Data holds
// the custom data block; monetary values are float64.
type PlatformPayload struct {
	EventName    string
	ActionSource string
	Data         map[string]any
}

// Mapper translates canonical outcome events into each platform's vocabulary.
// Its methods are pure.
type Mapper struct {
	// AppName is reported as lead_event_source on CRM events.
	AppName string
}

func New(appName string) Mapper {
	return Mapper{AppName: appName}
}

// Map dispatches to the platform-specific mapping.
func (m Mapper) Map(p domain.Platform, ev domain.OutcomeEvent) (PlatformPayload, error) {
	switch p {
	case domain.PlatformMeta:
		return m.MapForMeta(ev)
	case domain.PlatformSnap:
		return m.MapForSnap(ev)
	case domain.PlatformTikTok:
		return m.MapForTikTok(ev)
	}
	return PlatformPayload{}, domain.ErrNoWriter
}

func (m Mapper) MapForMeta(ev domain.OutcomeEvent) (PlatformPayload, error) {
	out, ok, err := m.crm(ev)
	if err != nil || ok {
		return out, err
	}
	name, err := metaEventName(ev.OutcomeType)
	if err != nil {
		return PlatformPayload{}, err
	}
	out = PlatformPayload{EventName: name, ActionSource: metaActionSource, Data: baseData(ev)}
	putValue(out.Data, KeyValue, ev)
	return out, nil
}

func (m Mapper) MapForSnap(ev domain.OutcomeEvent) (PlatformPayload, error) {
	out, ok, err := m.crm(ev)
	if err != nil {
		return out, err
	}
	if !ok {
		name, err := snapEventName(ev.OutcomeType)
		if err != nil {
			return PlatformPayload{}, err
		}
		out = PlatformPayload{EventName: name, ActionSource: snapActionSource, Data: baseData(ev)}
	}
	if ev.Value != nil {
		delete(out.Data, KeyValue)
		putValue(out.Data, KeyPrice, ev)
	}
	if ev.OutcomeType == domain.OutcomePurchase {
		out.Data[KeyTransactionID] = ev.EventID
	} else {
		out.Data[KeyClientDedupID] = ev.EventID
	}
	return out, nil
}

func (m Mapper) MapForTikTok(ev domain.OutcomeEvent) (PlatformPayload, error) {
	out, ok, err := m.crm(ev)
	if err != nil || ok {
		return out, err
	}
	name, err := tiktokEventName(ev.OutcomeType)
	if err != nil {
		return PlatformPayload{}, err
	}
	out = PlatformPayload{EventName: name, ActionSource: tiktokActionSource, Data: baseData(ev)}
	putValue(out.Data, KeyValue, ev)
	return out, nil
}

// crm builds the CRM-lead shape when ev is a pipeline stage change tied to a lead.
func (m Mapper) crm(ev domain.OutcomeEvent) (PlatformPayload, bool, error) {
	if !ev.IsCRMLead() {
		return PlatformPayload{}, false, nil
	}
	name := ev.CRMStage
	if name == "" {
		label, err := crmStageLabel(ev.OutcomeType)
		if err != nil {
			return PlatformPayload{}, false, err
		}
		name = label
	}
	data := baseData(ev)
	data[KeyEventSource] = eventSourceCRM
	data[KeyLeadEventSource] = m.AppName
	if ev.Score != nil {
		data[KeyScore] = *ev.Score
	}
	putValue(data, KeyValue, ev)
	return PlatformPayload{EventName: name, ActionSource: actionSourceSystemGenerated, Data: data}, true, nil
}

func baseData(ev domain.OutcomeEvent) map[string]any {
	data := make(map[string]any, len(ev.CustomData)+4)
	for k, v := range ev.CustomData {
		data[k] = v
	}
	return data
}

// putValue writes the event amount under key, negated for refunds.
func putValue(data map[string]any, key string, ev domain.OutcomeEvent) {
	if ev.Value == nil {
		return
	}
	amount := ev.Value.Amount
	if ev.OutcomeType == domain.OutcomeRefund {
		amount = amount.Abs().Neg()
	}
	data[key] = amount.InexactFloat64()
	data[KeyCurrency] = ev.Value.Currency
}
