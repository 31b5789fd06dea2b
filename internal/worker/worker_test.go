package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Priya8975/conversion-dispatch/internal/domain"
	"github.com/Priya8975/conversion-dispatch/internal/engine"
	"github.com/Priya8975/conversion-dispatch/internal/platform"
	"github.com/Priya8975/conversion-dispatch/internal/store"
	"github.com/Priya8975/conversion-dispatch/internal/tokens"
	"github.com/Priya8975/conversion-dispatch/internal/websocket"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeWriter struct {
	p    domain.Platform
	mu   sync.Mutex
	sent []string
	fail func(ev domain.OutcomeEvent) error
}

func (w *fakeWriter) Platform() domain.Platform { return w.p }

func (w *fakeWriter) SendEvent(_ context.Context, ev domain.OutcomeEvent) (platform.Response, error) {
	w.mu.Lock()
	w.sent = append(w.sent, ev.EventID)
	fail := w.fail
	w.mu.Unlock()
	if fail != nil {
		if err := fail(ev); err != nil {
			return platform.Response{}, err
		}
	}
	return platform.Response{
		Platform:       w.p,
		StatusCode:     200,
		Body:           json.RawMessage(`{"ok":true}`),
		EventsReceived: 1,
	}, nil
}

func (w *fakeWriter) SendEventBatch(ctx context.Context, evs []domain.OutcomeEvent) ([]platform.Response, error) {
	out := make([]platform.Response, 0, len(evs))
	for _, ev := range evs {
		r, err := w.SendEvent(ctx, ev)
		if err != nil {
			return out, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (w *fakeWriter) ValidateEvent(ctx context.Context, ev domain.OutcomeEvent) (platform.Response, error) {
	return w.SendEvent(ctx, ev)
}

func (w *fakeWriter) setFail(f func(domain.OutcomeEvent) error) {
	w.mu.Lock()
	w.fail = f
	w.mu.Unlock()
}

func (w *fakeWriter) sentCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sent)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []websocket.DeliveryEvent
}

func (n *recordingNotifier) Broadcast(ev websocket.DeliveryEvent) {
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	outbox   *store.MemoryOutbox
	writers  map[domain.Platform]*fakeWriter
	notifier *recordingNotifier
	pool     *Pool
	disp     *Dispatcher
}

func newHarness(t *testing.T, breaker Breaker, limiter Limiter, cfg DispatcherConfig) *harness {
	t.Helper()
	h := &harness{
		outbox:   store.NewMemoryOutbox(),
		writers:  make(map[domain.Platform]*fakeWriter),
		notifier: &recordingNotifier{},
	}
	var ws []platform.Writer
	for _, p := range domain.AllPlatforms() {
		w := &fakeWriter{p: p}
		h.writers[p] = w
		ws = append(ws, w)
	}

	logger := zap.NewNop()
	deliverer := NewDeliverer(platform.NewRegistry(ws...), h.outbox, breaker, h.notifier, logger)
	h.pool = NewPool(domain.AllPlatforms(), 4, deliverer, logger)

	ctx, cancel := context.WithCancel(context.Background())
	h.pool.Start(ctx)
	t.Cleanup(func() {
		cancel()
		h.pool.Stop()
	})

	h.disp = NewDispatcher(h.outbox, h.pool, domain.AllPlatforms(), breaker, limiter, cfg, logger)
	return h
}

func (h *harness) enqueue(t *testing.T, ids ...string) {
	t.Helper()
	e := engine.NewEnqueuer(h.outbox, zap.NewNop())
	for _, id := range ids {
		require.NoError(t, e.Enqueue(context.Background(), domain.OutcomeEvent{
			EventID:         id,
			OutcomeType:     domain.OutcomePurchase,
			OccurredAt:      time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
			Value:           &domain.Money{Amount: decimal.NewFromInt(500), Currency: "USD"},
			TargetPlatforms: domain.AllPlatforms(),
		}))
	}
}

func (h *harness) row(t *testing.T, id string, p domain.Platform) domain.OutboxRow {
	t.Helper()
	r, err := h.outbox.GetRow(context.Background(), id, p)
	require.NoError(t, err)
	return r
}

func TestDrainOnce_DeliversAndRecordsResponse(t *testing.T) {
	h := newHarness(t, nil, nil, DispatcherConfig{BatchSize: 10})
	h.enqueue(t, "evt-1", "evt-2")

	stats, err := h.disp.DrainAll(context.Background())
	require.NoError(t, err)
	require.Len(t, stats, 3)
	for _, s := range stats {
		assert.Equal(t, 2, s.Fetched, s.Platform)
		assert.Equal(t, 2, s.Delivered, s.Platform)
	}

	r := h.row(t, "evt-1", domain.PlatformSnap)
	assert.Equal(t, domain.StatusDelivered, r.Status)
	assert.JSONEq(t, `{"platform":"snap","status_code":200,"body":{"ok":true},"events_received":1}`, string(r.PlatformResponse))

	counts, _ := h.outbox.CountByStatus(context.Background(), "")
	assert.Equal(t, domain.StatusCounts{Delivered: 6}, counts)
	assert.Contains(t, h.notifier.types(), websocket.TypeDelivered)
}

func TestDrainOnce_FailuresRetryUntilSweep(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil, DispatcherConfig{BatchSize: 10})
	h.enqueue(t, "evt-1")
	h.writers[domain.PlatformTikTok].setFail(func(domain.OutcomeEvent) error {
		return &domain.PlatformRejection{Platform: domain.PlatformTikTok, StatusCode: 400, Message: "invalid pixel"}
	})
	maint := NewMaintenance(h.outbox, nil, nil, h.notifier, MaintenanceConfig{}, zap.NewNop())

	for i := 1; i <= domain.DefaultMaxRetries; i++ {
		_, err := h.disp.DrainOnce(ctx, domain.PlatformTikTok)
		require.NoError(t, err)
		r := h.row(t, "evt-1", domain.PlatformTikTok)
		assert.Equal(t, domain.StatusPending, r.Status)
		assert.Equal(t, i, r.RetryCount)
		require.NotNil(t, r.LastError)
		assert.Contains(t, *r.LastError, "invalid pixel")
	}

	moved, err := maint.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), moved)
	assert.Equal(t, domain.StatusDeadLetter, h.row(t, "evt-1", domain.PlatformTikTok).Status)

	// Dead letters are never fetched again.
	stats, err := h.disp.DrainOnce(ctx, domain.PlatformTikTok)
	require.NoError(t, err)
	assert.Zero(t, stats.Fetched)

	// Other platforms were unaffected.
	_, err = h.disp.DrainOnce(ctx, domain.PlatformMeta)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelivered, h.row(t, "evt-1", domain.PlatformMeta).Status)

	types := h.notifier.types()
	assert.Contains(t, types, websocket.TypeFailed)
	assert.Contains(t, types, websocket.TypeDeadLetter)
}

func TestDrainOnce_TokenErrorMarksFailed(t *testing.T) {
	h := newHarness(t, nil, nil, DispatcherConfig{BatchSize: 10})
	h.enqueue(t, "evt-1")
	h.writers[domain.PlatformSnap].setFail(func(domain.OutcomeEvent) error {
		return &domain.TokenError{Platform: domain.PlatformSnap, AccountID: "acct", Err: errors.New("invalid_grant")}
	})

	stats, err := h.disp.DrainOnce(context.Background(), domain.PlatformSnap)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	r := h.row(t, "evt-1", domain.PlatformSnap)
	assert.Equal(t, 1, r.RetryCount)
	assert.Contains(t, *r.LastError, "token unavailable")
}

func TestDrainOnce_MissingWriterMarksFailed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil, DispatcherConfig{BatchSize: 10})
	logger := zap.NewNop()
	deliverer := NewDeliverer(platform.NewRegistry(h.writers[domain.PlatformMeta]), h.outbox, nil, nil, logger)
	pool := NewPool([]domain.Platform{domain.PlatformSnap}, 1, deliverer, logger)
	pool.Start(ctx)
	defer pool.Stop()
	disp := NewDispatcher(h.outbox, pool, []domain.Platform{domain.PlatformSnap}, nil, nil, DispatcherConfig{}, logger)

	h.enqueue(t, "evt-1")
	_, err := disp.DrainOnce(ctx, domain.PlatformSnap)
	require.NoError(t, err)

	r := h.row(t, "evt-1", domain.PlatformSnap)
	assert.Equal(t, 1, r.RetryCount)
	assert.Contains(t, *r.LastError, domain.ErrNoWriter.Error())
}

func TestDrainOnce_HungPlatformDoesNotDelayOtherLanes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil, DispatcherConfig{BatchSize: 40})
	ids := make([]string, 0, 40)
	for i := 0; i < 40; i++ {
		ids = append(ids, fmt.Sprintf("evt-%02d", i))
	}
	h.enqueue(t, ids...)

	release := make(chan struct{})
	h.writers[domain.PlatformMeta].setFail(func(domain.OutcomeEvent) error {
		<-release
		return nil
	})

	metaDone := make(chan BatchStats, 1)
	go func() {
		s, _ := h.disp.DrainOnce(ctx, domain.PlatformMeta)
		metaDone <- s
	}()
	require.Eventually(t, func() bool { return h.writers[domain.PlatformMeta].sentCount() > 0 },
		time.Second, 5*time.Millisecond)

	start := time.Now()
	stats, err := h.disp.DrainOnce(ctx, domain.PlatformSnap)
	elapsed := time.Since(start)
	require.NoError(t, err)
	assert.Equal(t, 40, stats.Delivered)
	assert.Less(t, elapsed, 500*time.Millisecond, "snap lane waited behind meta")

	close(release)
	select {
	case s := <-metaDone:
		assert.Equal(t, 40, s.Delivered)
	case <-time.After(2 * time.Second):
		t.Fatal("meta lane did not finish after release")
	}
}

func TestPool_SubmitUnknownLane(t *testing.T) {
	pool := NewPool([]domain.Platform{domain.PlatformMeta}, 1, nil, zap.NewNop())
	err := pool.Submit(context.Background(), domain.PendingDelivery{Platform: domain.PlatformSnap}, func(Result) {})
	assert.ErrorContains(t, err, "no worker lane")
}

func TestDrainOnce_OpenCircuitPausesOnlyThatLane(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	breaker := engine.NewCircuitBreaker(client, zap.NewNop(), 3, time.Minute)

	h := newHarness(t, breaker, nil, DispatcherConfig{BatchSize: 10})
	h.enqueue(t, "evt-1", "evt-2", "evt-3")
	h.writers[domain.PlatformMeta].setFail(func(domain.OutcomeEvent) error {
		return &domain.TransientError{Platform: domain.PlatformMeta, StatusCode: 503, Err: errors.New("unavailable")}
	})

	stats, err := h.disp.DrainOnce(ctx, domain.PlatformMeta)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Failed)

	stats, err = h.disp.DrainOnce(ctx, domain.PlatformMeta)
	require.NoError(t, err)
	assert.True(t, stats.Paused)
	assert.Equal(t, 3, h.writers[domain.PlatformMeta].sentCount())
	assert.Equal(t, 1, h.row(t, "evt-1", domain.PlatformMeta).RetryCount, "paused lanes must not consume retries")

	stats, err = h.disp.DrainOnce(ctx, domain.PlatformSnap)
	require.NoError(t, err)
	assert.False(t, stats.Paused)
	assert.Equal(t, 3, stats.Delivered)
}

func TestDrainOnce_RejectionsDoNotOpenCircuit(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	breaker := engine.NewCircuitBreaker(client, zap.NewNop(), 2, time.Minute)

	h := newHarness(t, breaker, nil, DispatcherConfig{BatchSize: 10})
	h.enqueue(t, "evt-1", "evt-2", "evt-3")
	h.writers[domain.PlatformSnap].setFail(func(domain.OutcomeEvent) error {
		return &domain.PlatformRejection{Platform: domain.PlatformSnap, StatusCode: 400}
	})

	_, err := h.disp.DrainOnce(ctx, domain.PlatformSnap)
	require.NoError(t, err)

	state, allowed := breaker.AllowRequest(ctx, domain.PlatformSnap)
	assert.Equal(t, engine.StateClosed, state)
	assert.True(t, allowed)
}

type budgetLimiter struct {
	mu   sync.Mutex
	left int
}

func (l *budgetLimiter) Allow(context.Context, domain.Platform, int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.left == 0 {
		return false
	}
	l.left--
	return true
}

func TestDrainOnce_RateLimitDefersWithoutFailing(t *testing.T) {
	h := newHarness(t, nil, &budgetLimiter{left: 2}, DispatcherConfig{BatchSize: 10})
	h.enqueue(t, "evt-1", "evt-2", "evt-3", "evt-4")

	stats, err := h.disp.DrainOnce(context.Background(), domain.PlatformMeta)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Fetched)
	assert.Equal(t, 2, stats.Delivered)
	assert.Equal(t, 2, stats.Deferred)

	for _, id := range []string{"evt-3", "evt-4"} {
		r := h.row(t, id, domain.PlatformMeta)
		assert.Equal(t, domain.StatusPending, r.Status)
		assert.Zero(t, r.RetryCount)
	}
}

func TestDispatcher_StartDrainsUntilCancelled(t *testing.T) {
	h := newHarness(t, nil, nil, DispatcherConfig{BatchSize: 2, PollInterval: 10 * time.Millisecond})
	h.enqueue(t, "evt-1", "evt-2", "evt-3", "evt-4", "evt-5")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.disp.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		c, _ := h.outbox.CountByStatus(context.Background(), "")
		return c.Delivered == 15
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

type fakeRefresher struct {
	got    []domain.AccountRef
	window time.Duration
}

func (f *fakeRefresher) RefreshExpiring(_ context.Context, accounts []domain.AccountRef, window time.Duration) (int, error) {
	f.got = accounts
	f.window = window
	return len(accounts), nil
}

func TestMaintenance_SweepThreshold(t *testing.T) {
	ctx := context.Background()
	ob := store.NewMemoryOutbox()
	for id, n := range map[string]int{"r2": 2, "r5": 5, "r7": 7} {
		require.NoError(t, ob.UpsertPending(ctx, id, domain.PlatformMeta, json.RawMessage(`{}`)))
		ob.SetRetryCount(id, domain.PlatformMeta, n)
	}

	m := NewMaintenance(ob, nil, nil, nil, MaintenanceConfig{MaxRetries: 5}, zap.NewNop())
	moved, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), moved)

	r, _ := ob.GetRow(ctx, "r2", domain.PlatformMeta)
	assert.Equal(t, domain.StatusPending, r.Status)
}

func TestMaintenance_PurgeUsesRetention(t *testing.T) {
	ctx := context.Background()
	ob := store.NewMemoryOutbox()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ob.SetClock(func() time.Time { return base })
	require.NoError(t, ob.UpsertPending(ctx, "old", domain.PlatformMeta, json.RawMessage(`{}`)))
	require.NoError(t, ob.MarkDelivered(ctx, "old", domain.PlatformMeta, nil))

	m := NewMaintenance(ob, nil, nil, nil, MaintenanceConfig{}, zap.NewNop())
	m.now = func() time.Time { return base.Add(29 * 24 * time.Hour) }
	n, err := m.Purge(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	m.now = func() time.Time { return base.Add(31 * 24 * time.Hour) }
	n, err = m.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMaintenance_RefreshTokens(t *testing.T) {
	r := &fakeRefresher{}
	accounts := tokens.StaticAccounts{
		{Platform: domain.PlatformSnap, AccountID: "snap-1"},
		{Platform: domain.PlatformTikTok, AccountID: ""},
	}
	m := NewMaintenance(store.NewMemoryOutbox(), r, accounts, nil, MaintenanceConfig{RefreshWindow: time.Hour}, zap.NewNop())

	n, err := m.RefreshTokens(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, time.Hour, r.window)
	assert.Equal(t, []domain.AccountRef{{Platform: domain.PlatformSnap, AccountID: "snap-1"}}, r.got)

	none := NewMaintenance(store.NewMemoryOutbox(), nil, nil, nil, MaintenanceConfig{}, zap.NewNop())
	n, err = none.RefreshTokens(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOperator_StatusAndReplays(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, nil, DispatcherConfig{BatchSize: 10})
	h.enqueue(t, "evt-1", "evt-2")
	h.writers[domain.PlatformSnap].setFail(func(domain.OutcomeEvent) error { return errors.New("boom") })
	_, err := h.disp.DrainAll(ctx)
	require.NoError(t, err)

	op := NewOperator(h.outbox, zap.NewNop())
	report, err := op.Status(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCounts{Pending: 2, Delivered: 4}, report.Total)
	assert.Equal(t, domain.StatusCounts{Pending: 2}, report.ByPlatform[domain.PlatformSnap])

	only, err := op.Status(ctx, domain.PlatformMeta)
	require.NoError(t, err)
	assert.Len(t, only.ByPlatform, 1)
	assert.Equal(t, int64(2), only.Total.Delivered)

	n, err := op.ReplayFailed(ctx, domain.PlatformSnap)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Zero(t, h.row(t, "evt-1", domain.PlatformSnap).RetryCount)

	h.outbox.SetRetryCount("evt-1", domain.PlatformSnap, 9)
	_, err = h.outbox.MoveToDeadLetter(ctx, 5)
	require.NoError(t, err)

	dead, err := op.DeadLetters(ctx, domain.PlatformSnap, 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)

	n, err = op.ReplayDeadLetter(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = op.PurgeDelivered(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n, "freshly delivered rows are inside the default retention")
}
