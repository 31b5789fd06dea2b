package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/Priya8975/conversion-dispatch/internal/domain"
	"github.com/Priya8975/conversion-dispatch/internal/store"
	"github.com/Priya8975/conversion-dispatch/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRun_PrintsUsage(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(nil, &out))
	assert.Contains(t, out.String(), "replay-dead-letter")
}

func TestRun_RejectsUnknownPlatform(t *testing.T) {
	err := run([]string{"status", "--platform=myspace"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestRun_UnknownCommandFailsBeforeConnecting(t *testing.T) {
	// The URL points nowhere; reaching the connect step would fail differently.
	err := run([]string{"explode", "--database-url=postgres://user@127.0.0.1:1/none"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "unknown command")
}

func TestCommandsMatchDispatch(t *testing.T) {
	op := worker.NewOperator(store.NewMemoryOutbox(), zap.NewNop())
	for cmd := range commands {
		_, err := dispatch(context.Background(), op, cmd, "", 30, 50)
		assert.NoError(t, err, cmd)
	}
}

func TestDispatch_Commands(t *testing.T) {
	ctx := context.Background()
	outbox := store.NewMemoryOutbox()
	payload := json.RawMessage(`{"event_id":"evt-1","outcome_type":"deal_won","occurred_at":"2026-03-01T12:00:00Z","target_platforms":["snap"]}`)
	require.NoError(t, outbox.UpsertPending(ctx, "evt-1", domain.PlatformSnap, payload))
	require.NoError(t, outbox.MarkFailed(ctx, "evt-1", domain.PlatformSnap, "snap: 503"))

	op := worker.NewOperator(outbox, zap.NewNop())

	res, err := dispatch(ctx, op, "status", domain.PlatformSnap, 30, 50)
	require.NoError(t, err)
	report := res.(worker.StatusReport)
	assert.EqualValues(t, 1, report.Total.Pending)

	res, err = dispatch(ctx, op, "replay-failed", "", 30, 50)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"replayed": 1}, res)

	_, err = dispatch(ctx, op, "explode", "", 30, 50)
	assert.ErrorContains(t, err, "unknown command")
}
