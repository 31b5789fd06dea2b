package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Priya8975/conversion-dispatch/internal/domain"
	"github.com/Priya8975/conversion-dispatch/internal/engine"
	"github.com/Priya8975/conversion-dispatch/internal/platform"
	"github.com/Priya8975/conversion-dispatch/internal/store"
	"github.com/Priya8975/conversion-dispatch/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubWriter struct {
	p   domain.Platform
	err error
}

func (w stubWriter) Platform() domain.Platform { return w.p }

func (w stubWriter) SendEvent(_ context.Context, _ domain.OutcomeEvent) (platform.Response, error) {
	if w.err != nil {
		return platform.Response{}, w.err
	}
	return platform.Response{Platform: w.p, StatusCode: 200, Body: json.RawMessage(`{"ok":true}`), EventsReceived: 1}, nil
}

func (w stubWriter) SendEventBatch(ctx context.Context, evs []domain.OutcomeEvent) ([]platform.Response, error) {
	return nil, nil
}

func (w stubWriter) ValidateEvent(ctx context.Context, ev domain.OutcomeEvent) (platform.Response, error) {
	return w.SendEvent(ctx, ev)
}

type testServer struct {
	handler http.Handler
	outbox  *store.MemoryOutbox
}

func newTestServer(t *testing.T, checks map[string]Check, writers ...platform.Writer) testServer {
	t.Helper()
	logger := zap.NewNop()
	outbox := store.NewMemoryOutbox()
	if len(writers) == 0 {
		writers = []platform.Writer{
			stubWriter{p: domain.PlatformMeta},
			stubWriter{p: domain.PlatformSnap},
			stubWriter{p: domain.PlatformTikTok},
		}
	}
	registry := platform.NewRegistry(writers...)
	h := NewRouter(Deps{
		Version:  "test",
		Logger:   logger,
		Enqueuer: engine.NewEnqueuer(outbox, logger, registry.Platforms()...),
		Writers:  registry,
		Operator: worker.NewOperator(outbox, logger),
		Counter:  outbox,
		Checks:   checks,
	})
	return testServer{handler: h, outbox: outbox}
}

func (s testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

const purchaseBody = `{
	"event_id": "evt-1",
	"outcome_type": "purchase",
	"occurred_at": "2026-03-01T12:00:00Z",
	"value": {"amount": "19.99", "currency": "USD"},
	"target_platforms": ["meta", "snap", "tiktok"]
}`

func TestCreateEvent_WritesOneRowPerPlatform(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/api/v1/events", purchaseBody)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp createEventResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "evt-1", resp.EventID)
	assert.Equal(t, "pending", resp.Status)
	assert.Len(t, resp.Platforms, 3)

	counts, err := s.outbox.CountByStatus(context.Background(), "")
	require.NoError(t, err)
	assert.EqualValues(t, 3, counts.Pending)
}

func TestCreateEvent_ValidationErrorListsFields(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(t, http.MethodPost, "/api/v1/events", `{
		"event_id": "evt-2",
		"outcome_type": "purchase",
		"occurred_at": "2026-03-01T12:00:00Z",
		"target_platforms": ["meta"]
	}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp errorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.NotEmpty(t, resp.Fields)

	counts, err := s.outbox.CountByStatus(context.Background(), "")
	require.NoError(t, err)
	assert.Zero(t, counts.Total())
}

func TestCreateEvent_UnconfiguredPlatformIsRejected(t *testing.T) {
	s := newTestServer(t, nil, stubWriter{p: domain.PlatformMeta})

	rec := s.do(t, http.MethodPost, "/api/v1/events", purchaseBody)
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	var resp errorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Fields, 2)
	assert.Equal(t, "target_platforms", resp.Fields[0].Field)

	counts, err := s.outbox.CountByStatus(context.Background(), "")
	require.NoError(t, err)
	assert.Zero(t, counts.Total())
}

func TestCreateEvent_MalformedBody(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, http.MethodPost, "/api/v1/events", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestValidateEvent_ReportsPerPlatform(t *testing.T) {
	rejection := &domain.PlatformRejection{Platform: domain.PlatformSnap, StatusCode: 400, Message: "bad pixel"}
	s := newTestServer(t, nil,
		stubWriter{p: domain.PlatformMeta},
		stubWriter{p: domain.PlatformSnap, err: rejection},
	)

	rec := s.do(t, http.MethodPost, "/api/v1/events/validate", purchaseBody)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var results []validationResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&results))
	require.Len(t, results, 3)

	assert.True(t, results[0].OK)
	assert.Equal(t, 200, results[0].StatusCode)
	assert.False(t, results[1].OK)
	assert.Equal(t, "rejection", results[1].ErrorKind)
	assert.False(t, results[2].OK)
	assert.Contains(t, results[2].Error, "no writer")

	counts, err := s.outbox.CountByStatus(context.Background(), "")
	require.NoError(t, err)
	assert.Zero(t, counts.Total(), "validation must not touch the outbox")
}

func TestOutboxStatus(t *testing.T) {
	s := newTestServer(t, nil)
	s.do(t, http.MethodPost, "/api/v1/events", purchaseBody)

	rec := s.do(t, http.MethodGet, "/api/v1/outbox/status?platform=snap", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var report worker.StatusReport
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.EqualValues(t, 1, report.Total.Pending)
	assert.Len(t, report.ByPlatform, 1)
}

func TestOutboxStatus_UnknownPlatform(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, http.MethodGet, "/api/v1/outbox/status?platform=myspace", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReplayDeadLetter(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()
	s.do(t, http.MethodPost, "/api/v1/events", purchaseBody)
	require.True(t, s.outbox.SetRetryCount("evt-1", domain.PlatformTikTok, 5))
	moved, err := s.outbox.MoveToDeadLetter(ctx, 5)
	require.NoError(t, err)
	require.EqualValues(t, 1, moved)

	rec := s.do(t, http.MethodGet, "/api/v1/outbox/dead-letters", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var rows []domain.OutboxRow
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&rows))
	require.Len(t, rows, 1)
	assert.Equal(t, domain.PlatformTikTok, rows[0].Platform)

	rec = s.do(t, http.MethodPost, "/api/v1/outbox/replay-dead-letter?platform=tiktok", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp countResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.EqualValues(t, 1, resp.Count)

	row, err := s.outbox.GetRow(ctx, "evt-1", domain.PlatformTikTok)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, row.Status)
	assert.Zero(t, row.RetryCount)
}

func TestPurgeDelivered_RejectsBadDays(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(t, http.MethodPost, "/api/v1/outbox/purge-delivered?days=-3", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/outbox/purge-delivered?days=7", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetRow(t *testing.T) {
	s := newTestServer(t, nil)
	s.do(t, http.MethodPost, "/api/v1/events", purchaseBody)

	rec := s.do(t, http.MethodGet, "/api/v1/outbox/rows/evt-1/meta", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var row domain.OutboxRow
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&row))
	assert.Equal(t, "evt-1", row.EventID)

	rec = s.do(t, http.MethodGet, "/api/v1/outbox/rows/evt-missing/meta", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPlatforms(t *testing.T) {
	s := newTestServer(t, nil)
	s.do(t, http.MethodPost, "/api/v1/events", purchaseBody)

	rec := s.do(t, http.MethodGet, "/api/v1/platforms", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp platformsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Platforms, 3)
	for _, p := range resp.Platforms {
		assert.EqualValues(t, 1, p.Outbox.Pending, p.Platform)
		assert.Nil(t, p.CircuitBreaker)
	}
}

func TestHealthHandler(t *testing.T) {
	s := newTestServer(t, map[string]Check{
		"postgres": func(context.Context) error { return nil },
	})
	rec := s.do(t, http.MethodGet, "/api/v1/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "ok", resp.Checks["postgres"])
}

func TestHealthHandler_FailingCheck(t *testing.T) {
	s := newTestServer(t, map[string]Check{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})
	rec := s.do(t, http.MethodGet, "/api/v1/health", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "unhealthy", resp.Status)
	assert.Equal(t, "connection refused", resp.Checks["redis"])
}
