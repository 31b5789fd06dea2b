package domain

import (
	"encoding/json"
	"time"
)

// OutboxStatus is the delivery state of one (event, platform) row.
type OutboxStatus string

const (
	StatusPending    OutboxStatus = "pending"
	StatusDelivered  OutboxStatus = "delivered"
	StatusDeadLetter OutboxStatus = "dead_letter"
)

// DefaultMaxRetries is the retry budget after which the sweep retires a row.
const DefaultMaxRetries = 5

func (s OutboxStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusDelivered, StatusDeadLetter:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether the outbox lifecycle allows moving from s to next.
// Leaving a terminal state is only possible through operator replay of dead letters.
func (s OutboxStatus) CanTransitionTo(next OutboxStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusPending || next == StatusDelivered || next == StatusDeadLetter
	case StatusDeadLetter:
		return next == StatusPending
	default:
		return false
	}
}

// OutboxRow is the durable delivery record for one event on one platform.
type OutboxRow struct {
	EventID          string          `json:"event_id"`
	Platform         Platform        `json:"platform"`
	Status           OutboxStatus    `json:"status"`
	RetryCount       int             `json:"retry_count"`
	LastError        *string         `json:"last_error,omitempty"`
	LastAttemptedAt  *time.Time      `json:"last_attempted_at,omitempty"`
	PlatformResponse json.RawMessage `json:"platform_response,omitempty"`
	Payload          json.RawMessage `json:"payload"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Event decodes the denormalized payload back into an OutcomeEvent.
func (r OutboxRow) Event() (OutcomeEvent, error) {
	return DecodeEvent(r.Payload)
}

// PendingDelivery is a pending row reconstituted for the dispatcher.
type PendingDelivery struct {
	Platform   Platform
	RetryCount int
	CreatedAt  time.Time
	Event      OutcomeEvent
}

// StatusCounts holds the number of rows per status.
type StatusCounts struct {
	Pending    int64 `json:"pending"`
	Delivered  int64 `json:"delivered"`
	DeadLetter int64 `json:"dead_letter"`
}

func (c StatusCounts) Total() int64 {
	return c.Pending + c.Delivered + c.DeadLetter
}

// Add increments the counter for status by n.
func (c *StatusCounts) Add(status OutboxStatus, n int64) {
	switch status {
	case StatusPending:
		c.Pending += n
	case StatusDelivered:
		c.Delivered += n
	case StatusDeadLetter:
		c.DeadLetter += n
	}
}

// EncodeEvent serializes an event for storage in an outbox payload column.
func EncodeEvent(ev OutcomeEvent) (json.RawMessage, error) {
	return json.Marshal(ev)
}

// DecodeEvent rebuilds an OutcomeEvent from a stored payload.
func DecodeEvent(payload []byte) (OutcomeEvent, error) {
	var ev OutcomeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return OutcomeEvent{}, err
	}
	return ev, nil
}
