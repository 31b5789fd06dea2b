package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Priya8975/conversion-dispatch/internal/domain"
	"github.com/Priya8975/conversion-dispatch/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func purchase(id string) domain.OutcomeEvent {
	return domain.OutcomeEvent{
		EventID:         id,
		OutcomeType:     domain.OutcomePurchase,
		OccurredAt:      time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Value:           &domain.Money{Amount: decimal.NewFromInt(500), Currency: "USD"},
		TargetPlatforms: []domain.Platform{domain.PlatformMeta, domain.PlatformSnap, domain.PlatformTikTok, domain.PlatformMeta},
	}
}

func TestEnqueue_OneRowPerPlatform(t *testing.T) {
	ctx := context.Background()
	ob := store.NewMemoryOutbox()
	e := NewEnqueuer(ob, zap.NewNop())

	if err := e.Enqueue(ctx, purchase("evt-1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := e.Enqueue(ctx, purchase("evt-1")); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}

	counts, err := ob.CountByStatus(ctx, "")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts.Pending != 3 || counts.Total() != 3 {
		t.Errorf("expected 3 pending rows, got %+v", counts)
	}

	for _, p := range domain.AllPlatforms() {
		row, err := ob.GetRow(ctx, "evt-1", p)
		if err != nil {
			t.Fatalf("%s row: %v", p, err)
		}
		ev, err := row.Event()
		if err != nil {
			t.Fatalf("%s payload: %v", p, err)
		}
		if !ev.Value.Amount.Equal(decimal.NewFromInt(500)) {
			t.Errorf("%s payload value = %s", p, ev.Value.Amount)
		}
	}
}

func TestEnqueue_InvalidEventWritesNothing(t *testing.T) {
	ctx := context.Background()
	ob := store.NewMemoryOutbox()
	e := NewEnqueuer(ob, zap.NewNop())

	ev := purchase("evt-1")
	ev.Value = nil

	err := e.Enqueue(ctx, ev)
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	counts, _ := ob.CountByStatus(ctx, "")
	if counts.Total() != 0 {
		t.Errorf("expected no rows, got %+v", counts)
	}
}

func TestEnqueue_UnconfiguredPlatformIsRejected(t *testing.T) {
	ctx := context.Background()
	ob := store.NewMemoryOutbox()
	e := NewEnqueuer(ob, zap.NewNop(), domain.PlatformMeta, domain.PlatformTikTok)

	err := e.Enqueue(ctx, purchase("evt-1"))
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(verr.Fields) != 1 || verr.Fields[0].Field != "target_platforms" {
		t.Errorf("unexpected fields: %+v", verr.Fields)
	}

	counts, _ := ob.CountByStatus(ctx, "")
	if counts.Total() != 0 {
		t.Errorf("expected no rows, got %+v", counts)
	}

	ev := purchase("evt-2")
	ev.TargetPlatforms = []domain.Platform{domain.PlatformMeta}
	if err := e.Enqueue(ctx, ev); err != nil {
		t.Fatalf("enqueue configured platform: %v", err)
	}
	counts, _ = ob.CountByStatus(ctx, "")
	if counts.Pending != 1 {
		t.Errorf("expected 1 pending row, got %+v", counts)
	}
}

type failingOutbox struct {
	*store.MemoryOutbox
	fail domain.Platform
}

func (f failingOutbox) UpsertPending(ctx context.Context, eventID string, p domain.Platform, payload json.RawMessage) error {
	if p == f.fail {
		return errors.New("connection reset")
	}
	return f.MemoryOutbox.UpsertPending(ctx, eventID, p, payload)
}

func TestEnqueue_PartialFailureKeepsOtherRows(t *testing.T) {
	ctx := context.Background()
	ob := failingOutbox{MemoryOutbox: store.NewMemoryOutbox(), fail: domain.PlatformSnap}
	e := NewEnqueuer(ob, zap.NewNop())

	if err := e.Enqueue(ctx, purchase("evt-1")); err == nil {
		t.Fatal("expected an error when one platform row cannot be written")
	}

	counts, _ := ob.CountByStatus(ctx, "")
	if counts.Pending != 2 {
		t.Errorf("expected meta and tiktok rows to stay pending, got %+v", counts)
	}
}
