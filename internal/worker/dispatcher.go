package worker

import (
	"context"
	"sync"
	"time"

	"github.com/Priya8975/conversion-dispatch/internal/domain"
	"github.com/Priya8975/conversion-dispatch/internal/engine"
	"github.com/Priya8975/conversion-dispatch/internal/logging"
	"github.com/Priya8975/conversion-dispatch/internal/store"
	"go.uber.org/zap"
)

// Limiter caps requests per platform. engine.RateLimiter implements it.
type Limiter interface {
	Allow(ctx context.Context, p domain.Platform, limit int) bool
}

type DispatcherConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// RateLimits caps sends per second per platform; zero or absent is unlimited.
	RateLimits map[domain.Platform]int
}

// BatchStats summarises one drain pass over a lane.
type BatchStats struct {
	Platform  domain.Platform `json:"platform"`
	Paused    bool            `json:"paused"`
	Fetched   int             `json:"fetched"`
	Delivered int             `json:"delivered"`
	Failed    int             `json:"failed"`
	Deferred  int             `json:"deferred"`
}

// Dispatcher drains the outbox in one lane per platform so that an outage on
// one platform never holds back the others. Each lane submits to its own
// pool lane.
type Dispatcher struct {
	outbox    store.Outbox
	pool      *Pool
	platforms []domain.Platform
	breaker   Breaker
	limiter   Limiter
	cfg       DispatcherConfig
	logger    *zap.Logger
}

// NewDispatcher builds a dispatcher over platforms. breaker and limiter may be nil.
func NewDispatcher(outbox store.Outbox, pool *Pool, platforms []domain.Platform, breaker Breaker, limiter Limiter, cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Dispatcher{
		outbox:    outbox,
		pool:      pool,
		platforms: platforms,
		breaker:   breaker,
		limiter:   limiter,
		cfg:       cfg,
		logger:    logger,
	}
}

// Start runs every lane until ctx is cancelled and returns once they have stopped.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("dispatcher started",
		zap.Int("lanes", len(d.platforms)),
		zap.Duration("poll_interval", d.cfg.PollInterval),
		zap.Int("batch_size", d.cfg.BatchSize),
	)

	var wg sync.WaitGroup
	for _, p := range d.platforms {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.lane(ctx, p)
		}()
	}
	wg.Wait()
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) lane(ctx context.Context, p domain.Platform) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Keep draining while batches come back full.
		for ctx.Err() == nil {
			stats, err := d.DrainOnce(ctx, p)
			if err != nil {
				logging.Error(ctx, d.logger, "drain failed",
					zap.String("platform", p.String()),
					zap.Error(err),
				)
				break
			}
			if stats.Paused || stats.Deferred > 0 || stats.Fetched < d.cfg.BatchSize {
				break
			}
		}
	}
}

// DrainOnce fetches one batch of pending rows for p and delivers it,
// returning after every row in the batch has been recorded.
func (d *Dispatcher) DrainOnce(ctx context.Context, p domain.Platform) (BatchStats, error) {
	stats := BatchStats{Platform: p}
	limit := d.cfg.BatchSize

	if d.breaker != nil {
		state, allowed := d.breaker.AllowRequest(ctx, p)
		if !allowed {
			stats.Paused = true
			logging.Debug(ctx, d.logger, "lane paused by open circuit", zap.String("platform", p.String()))
			return stats, nil
		}
		if state == engine.StateHalfOpen {
			limit = 1
		}
	}

	rows, err := d.outbox.FetchPendingFor(ctx, p, limit)
	if err != nil {
		return stats, err
	}
	stats.Fetched = len(rows)

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	done := func(r Result) {
		defer wg.Done()
		mu.Lock()
		defer mu.Unlock()
		if r.Err != nil {
			stats.Failed++
		} else {
			stats.Delivered++
		}
	}

	for i, row := range rows {
		if d.limiter != nil && !d.limiter.Allow(ctx, p, d.cfg.RateLimits[p]) {
			stats.Deferred = len(rows) - i
			break
		}
		wg.Add(1)
		if err := d.pool.Submit(ctx, row, done); err != nil {
			wg.Done()
			stats.Deferred = len(rows) - i
			break
		}
	}
	wg.Wait()

	if stats.Fetched > 0 {
		logging.Debug(ctx, d.logger, "lane batch drained",
			zap.String("platform", p.String()),
			zap.Int("fetched", stats.Fetched),
			zap.Int("delivered", stats.Delivered),
			zap.Int("failed", stats.Failed),
			zap.Int("deferred", stats.Deferred),
		)
	}
	return stats, nil
}

// DrainAll runs DrainOnce on every lane.
func (d *Dispatcher) DrainAll(ctx context.Context) ([]BatchStats, error) {
	out := make([]BatchStats, 0, len(d.platforms))
	for _, p := range d.platforms {
		s, err := d.DrainOnce(ctx, p)
		if err != nil {
			return out, err
		}
		out = append(out, s)
	}
	return out, nil
}
