package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Priya8975/conversion-dispatch/internal/domain"
)

// Outbox is the durable per-(event, platform) delivery ledger.
// An empty platform argument means every platform.
type Outbox interface {
	// UpsertPending writes the row for (eventID, platform) as pending with a fresh
	// retry budget, replacing any existing payload.
	UpsertPending(ctx context.Context, eventID string, platform domain.Platform, payload json.RawMessage) error
	FetchPending(ctx context.Context, limit int) ([]domain.PendingDelivery, error)
	FetchPendingFor(ctx context.Context, platform domain.Platform, limit int) ([]domain.PendingDelivery, error)
	MarkDelivered(ctx context.Context, eventID string, platform domain.Platform, response json.RawMessage) error
	MarkFailed(ctx context.Context, eventID string, platform domain.Platform, errMsg string) error
	MoveToDeadLetter(ctx context.Context, maxRetries int) (int64, error)

	CountByStatus(ctx context.Context, platform domain.Platform) (domain.StatusCounts, error)
	ReplayFailed(ctx context.Context, platform domain.Platform) (int64, error)
	ReplayDeadLetter(ctx context.Context, platform domain.Platform) (int64, error)
	PurgeDelivered(ctx context.Context, olderThan time.Time) (int64, error)
	ListDeadLetters(ctx context.Context, platform domain.Platform, limit int) ([]domain.OutboxRow, error)
	GetRow(ctx context.Context, eventID string, platform domain.Platform) (domain.OutboxRow, error)
}

const maxErrorLength = 2000

// clipError makes msg safe for a Postgres TEXT column: valid UTF-8, no NUL
// bytes, at most maxErrorLength bytes cut on a rune boundary.
func clipError(msg string) string {
	msg = strings.ToValidUTF8(msg, "\uFFFD")
	msg = strings.ReplaceAll(msg, "\x00", "")
	if len(msg) <= maxErrorLength {
		return msg
	}
	n := maxErrorLength
	for n > 0 && !utf8.RuneStart(msg[n]) {
		n--
	}
	return msg[:n]
}
