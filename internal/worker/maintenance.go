package worker

import (
	"context"
	"time"

	"github.com/Priya8975/conversion-dispatch/internal/domain"
	"github.com/Priya8975/conversion-dispatch/internal/logging"
	"github.com/Priya8975/conversion-dispatch/internal/store"
	"github.com/Priya8975/conversion-dispatch/internal/tokens"
	"github.com/Priya8975/conversion-dispatch/internal/websocket"
	"go.uber.org/zap"
)

const DefaultRetention = 30 * 24 * time.Hour

// TokenRefresher proactively refreshes expiring credentials. tokens.Store implements it.
type TokenRefresher interface {
	RefreshExpiring(ctx context.Context, accounts []domain.AccountRef, window time.Duration) (int, error)
}

type MaintenanceConfig struct {
	MaxRetries      int
	SweepInterval   time.Duration
	PurgeInterval   time.Duration
	Retention       time.Duration
	RefreshInterval time.Duration
	RefreshWindow   time.Duration
}

// Maintenance runs the periodic jobs around the drain loop: the dead-letter
// sweep, the delivered-row purge and proactive token refresh.
type Maintenance struct {
	outbox    store.Outbox
	refresher TokenRefresher
	accounts  tokens.AccountSource
	notifier  Notifier
	cfg       MaintenanceConfig
	logger    *zap.Logger
	now       func() time.Time
}

// NewMaintenance builds the maintenance loop. refresher, accounts and notifier may be nil.
func NewMaintenance(outbox store.Outbox, refresher TokenRefresher, accounts tokens.AccountSource, notifier Notifier, cfg MaintenanceConfig, logger *zap.Logger) *Maintenance {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = domain.DefaultMaxRetries
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = 24 * time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 10 * time.Minute
	}
	if cfg.RefreshWindow <= 0 {
		cfg.RefreshWindow = 30 * time.Minute
	}
	return &Maintenance{
		outbox:    outbox,
		refresher: refresher,
		accounts:  accounts,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Start runs every job on its own ticker until ctx is cancelled.
func (m *Maintenance) Start(ctx context.Context) {
	sweep := time.NewTicker(m.cfg.SweepInterval)
	purge := time.NewTicker(m.cfg.PurgeInterval)
	refresh := time.NewTicker(m.cfg.RefreshInterval)
	defer func() {
		sweep.Stop()
		purge.Stop()
		refresh.Stop()
	}()

	m.logger.Info("maintenance started",
		zap.Int("max_retries", m.cfg.MaxRetries),
		zap.Duration("sweep_interval", m.cfg.SweepInterval),
		zap.Duration("retention", m.cfg.Retention),
	)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("maintenance stopped")
			return
		case <-sweep.C:
			_, _ = m.Sweep(ctx)
		case <-purge.C:
			_, _ = m.Purge(ctx)
		case <-refresh.C:
			_, _ = m.RefreshTokens(ctx)
		}
	}
}

// Sweep retires pending rows that exhausted their retry budget.
func (m *Maintenance) Sweep(ctx context.Context) (int64, error) {
	moved, err := m.outbox.MoveToDeadLetter(ctx, m.cfg.MaxRetries)
	if err != nil {
		logging.Error(ctx, m.logger, "dead-letter sweep failed", zap.Error(err))
		return 0, err
	}
	if moved > 0 {
		logging.Warn(ctx, m.logger, "rows moved to dead letter",
			zap.Int64("count", moved),
			zap.Int("max_retries", m.cfg.MaxRetries),
		)
		if m.notifier != nil {
			m.notifier.Broadcast(websocket.DeliveryEvent{
				Type:   websocket.TypeDeadLetter,
				Status: domain.StatusDeadLetter,
				Count:  moved,
			})
		}
	}
	return moved, nil
}

// Purge deletes delivered rows older than the retention period.
func (m *Maintenance) Purge(ctx context.Context) (int64, error) {
	n, err := m.outbox.PurgeDelivered(ctx, m.now().Add(-m.cfg.Retention))
	if err != nil {
		logging.Error(ctx, m.logger, "delivered purge failed", zap.Error(err))
		return 0, err
	}
	if n > 0 {
		logging.Info(ctx, m.logger, "delivered rows purged",
			zap.Int64("count", n),
			zap.Duration("retention", m.cfg.Retention),
		)
	}
	return n, nil
}

// RefreshTokens refreshes credentials of the known accounts that expire soon.
func (m *Maintenance) RefreshTokens(ctx context.Context) (int, error) {
	if m.refresher == nil || m.accounts == nil {
		return 0, nil
	}
	accounts, err := m.accounts.Accounts(ctx)
	if err != nil {
		logging.Error(ctx, m.logger, "listing accounts failed", zap.Error(err))
		return 0, err
	}
	n, err := m.refresher.RefreshExpiring(ctx, accounts, m.cfg.RefreshWindow)
	if err != nil {
		logging.Warn(ctx, m.logger, "proactive token refresh had failures",
			zap.Int("refreshed", n),
			zap.Error(err),
		)
		return n, err
	}
	if n > 0 {
		logging.Info(ctx, m.logger, "tokens refreshed proactively", zap.Int("count", n))
	}
	return n, nil
}
