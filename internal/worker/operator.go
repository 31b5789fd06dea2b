package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/Priya8975/conversion-dispatch/internal/domain"
	"github.com/Priya8975/conversion-dispatch/internal/store"
	"go.uber.org/zap"
)

// StatusReport is the row count per status, overall and per platform.
type StatusReport struct {
	Total      domain.StatusCounts                     `json:"total"`
	ByPlatform map[domain.Platform]domain.StatusCounts `json:"by_platform"`
}

// Operator implements the manual outbox controls shared by the CLI and the HTTP API.
type Operator struct {
	outbox store.Outbox
	logger *zap.Logger
	now    func() time.Time
}

func NewOperator(outbox store.Outbox, logger *zap.Logger) *Operator {
	return &Operator{outbox: outbox, logger: logger, now: time.Now}
}

// Status counts rows. An empty platform reports every platform.
func (o *Operator) Status(ctx context.Context, platform domain.Platform) (StatusReport, error) {
	platforms := domain.AllPlatforms()
	if platform != "" {
		platforms = []domain.Platform{platform}
	}

	report := StatusReport{ByPlatform: make(map[domain.Platform]domain.StatusCounts, len(platforms))}
	for _, p := range platforms {
		c, err := o.outbox.CountByStatus(ctx, p)
		if err != nil {
			return StatusReport{}, fmt.Errorf("counting %s rows: %w", p, err)
		}
		report.ByPlatform[p] = c
		report.Total.Pending += c.Pending
		report.Total.Delivered += c.Delivered
		report.Total.DeadLetter += c.DeadLetter
	}
	return report, nil
}

// ReplayFailed gives pending rows that have failed a fresh retry budget.
func (o *Operator) ReplayFailed(ctx context.Context, platform domain.Platform) (int64, error) {
	n, err := o.outbox.ReplayFailed(ctx, platform)
	if err != nil {
		return 0, err
	}
	o.logger.Info("replayed failed rows", zap.String("platform", platform.String()), zap.Int64("count", n))
	return n, nil
}

// ReplayDeadLetter moves dead letters back to pending with retry_count 0.
func (o *Operator) ReplayDeadLetter(ctx context.Context, platform domain.Platform) (int64, error) {
	n, err := o.outbox.ReplayDeadLetter(ctx, platform)
	if err != nil {
		return 0, err
	}
	o.logger.Info("replayed dead letters", zap.String("platform", platform.String()), zap.Int64("count", n))
	return n, nil
}

// PurgeDelivered deletes delivered rows older than days (default 30).
func (o *Operator) PurgeDelivered(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		days = int(DefaultRetention / (24 * time.Hour))
	}
	n, err := o.outbox.PurgeDelivered(ctx, o.now().Add(-time.Duration(days)*24*time.Hour))
	if err != nil {
		return 0, err
	}
	o.logger.Info("purged delivered rows", zap.Int("older_than_days", days), zap.Int64("count", n))
	return n, nil
}

func (o *Operator) DeadLetters(ctx context.Context, platform domain.Platform, limit int) ([]domain.OutboxRow, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return o.outbox.ListDeadLetters(ctx, platform, limit)
}

func (o *Operator) Row(ctx context.Context, eventID string, platform domain.Platform) (domain.OutboxRow, error) {
	return o.outbox.GetRow(ctx, eventID, platform)
}
