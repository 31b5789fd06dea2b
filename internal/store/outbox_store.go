package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Priya8975/conversion-dispatch/internal/domain"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const outboxColumns = `event_id, platform, status, retry_count, last_error, last_attempted_at, platform_response, payload, created_at, updated_at`

func (s *PostgresStore) UpsertPending(ctx context.Context, eventID string, platform domain.Platform, payload json.RawMessage) error {
	ctx, span := s.tracer.Start(ctx, "OutboxStore.UpsertPending")
	defer span.End()
	span.SetAttributes(attribute.String("event_id", eventID), attribute.String("platform", platform.String()))

	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversion_outbox (event_id, platform, status, retry_count, payload)
		VALUES ($1, $2, 'pending', 0, $3)
		ON CONFLICT (event_id, platform) DO UPDATE SET
			status = 'pending',
			retry_count = 0,
			last_error = NULL,
			platform_response = NULL,
			payload = EXCLUDED.payload,
			updated_at = NOW()
	`, eventID, platform, []byte(payload))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("upserting outbox row: %w", err)
	}
	return nil
}

func (s *PostgresStore) FetchPending(ctx context.Context, limit int) ([]domain.PendingDelivery, error) {
	return s.fetchPending(ctx, "", limit)
}

func (s *PostgresStore) FetchPendingFor(ctx context.Context, platform domain.Platform, limit int) ([]domain.PendingDelivery, error) {
	return s.fetchPending(ctx, platform, limit)
}

func (s *PostgresStore) fetchPending(ctx context.Context, platform domain.Platform, limit int) ([]domain.PendingDelivery, error) {
	ctx, span := s.tracer.Start(ctx, "OutboxStore.FetchPending")
	defer span.End()
	span.SetAttributes(attribute.Int("batch_size", limit), attribute.String("platform", platform.String()))

	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT event_id, platform, retry_count, payload, created_at
		FROM conversion_outbox
		WHERE status = 'pending' AND ($1 = '' OR platform = $1)
		ORDER BY created_at ASC, event_id ASC, platform ASC
		LIMIT $2
	`, string(platform), limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("querying pending rows: %w", err)
	}
	defer rows.Close()

	type undecodable struct {
		eventID  string
		platform domain.Platform
		err      error
	}
	var (
		out []domain.PendingDelivery
		bad []undecodable
	)
	for rows.Next() {
		var (
			d       domain.PendingDelivery
			eventID string
			payload []byte
		)
		if err := rows.Scan(&eventID, &d.Platform, &d.RetryCount, &payload, &d.CreatedAt); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("scanning pending row: %w", err)
		}
		ev, err := domain.DecodeEvent(payload)
		if err != nil {
			bad = append(bad, undecodable{eventID: eventID, platform: d.Platform, err: err})
			continue
		}
		d.Event = ev
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("iterating pending rows: %w", err)
	}

	// A payload that cannot be decoded still consumes retries so the sweep retires it.
	for _, b := range bad {
		s.logger.Error("undecodable outbox payload",
			zap.String("event_id", b.eventID),
			zap.String("platform", b.platform.String()),
			zap.Error(b.err),
		)
		if err := s.MarkFailed(ctx, b.eventID, b.platform, "decoding payload: "+b.err.Error()); err != nil {
			return nil, err
		}
	}

	span.SetAttributes(attribute.Int("result_count", len(out)))
	return out, nil
}

func (s *PostgresStore) MarkDelivered(ctx context.Context, eventID string, platform domain.Platform, response json.RawMessage) error {
	ctx, span := s.tracer.Start(ctx, "OutboxStore.MarkDelivered")
	defer span.End()
	span.SetAttributes(attribute.String("event_id", eventID), attribute.String("platform", platform.String()))

	var resp []byte
	if len(response) > 0 {
		resp = response
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE conversion_outbox
		SET status = 'delivered',
			platform_response = $3,
			last_attempted_at = NOW(),
			updated_at = NOW()
		WHERE event_id = $1 AND platform = $2 AND status = 'pending'
	`, eventID, platform, resp)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("marking row delivered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.requireRow(ctx, eventID, platform)
	}
	return nil
}

// MarkFailed only touches pending rows; a late failure on a delivered row is ignored.
func (s *PostgresStore) MarkFailed(ctx context.Context, eventID string, platform domain.Platform, errMsg string) error {
	ctx, span := s.tracer.Start(ctx, "OutboxStore.MarkFailed")
	defer span.End()
	span.SetAttributes(
		attribute.String("event_id", eventID),
		attribute.String("platform", platform.String()),
		attribute.String("outbox.error_message", errMsg),
	)

	tag, err := s.pool.Exec(ctx, `
		UPDATE conversion_outbox
		SET retry_count = retry_count + 1,
			last_error = $3,
			last_attempted_at = NOW(),
			updated_at = NOW()
		WHERE event_id = $1 AND platform = $2 AND status = 'pending'
	`, eventID, platform, clipError(errMsg))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("marking row failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.requireRow(ctx, eventID, platform)
	}
	return nil
}

func (s *PostgresStore) MoveToDeadLetter(ctx context.Context, maxRetries int) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "OutboxStore.MoveToDeadLetter")
	defer span.End()
	span.SetAttributes(attribute.Int("max_retries", maxRetries))

	tag, err := s.pool.Exec(ctx, `
		UPDATE conversion_outbox
		SET status = 'dead_letter', updated_at = NOW()
		WHERE status = 'pending' AND retry_count >= $1
	`, maxRetries)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("moving rows to dead letter: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) CountByStatus(ctx context.Context, platform domain.Platform) (domain.StatusCounts, error) {
	ctx, span := s.tracer.Start(ctx, "OutboxStore.CountByStatus")
	defer span.End()

	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*)
		FROM conversion_outbox
		WHERE ($1 = '' OR platform = $1)
		GROUP BY status
	`, string(platform))
	if err != nil {
		span.RecordError(err)
		return domain.StatusCounts{}, fmt.Errorf("counting outbox rows: %w", err)
	}
	defer rows.Close()

	var counts domain.StatusCounts
	for rows.Next() {
		var (
			status domain.OutboxStatus
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return domain.StatusCounts{}, fmt.Errorf("scanning status count: %w", err)
		}
		counts.Add(status, n)
	}
	return counts, rows.Err()
}

func (s *PostgresStore) ReplayFailed(ctx context.Context, platform domain.Platform) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "OutboxStore.ReplayFailed")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `
		UPDATE conversion_outbox
		SET retry_count = 0, last_error = NULL, updated_at = NOW()
		WHERE status = 'pending'
			AND (retry_count > 0 OR last_error IS NOT NULL)
			AND ($1 = '' OR platform = $1)
	`, string(platform))
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("replaying failed rows: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) ReplayDeadLetter(ctx context.Context, platform domain.Platform) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "OutboxStore.ReplayDeadLetter")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `
		UPDATE conversion_outbox
		SET status = 'pending', retry_count = 0, updated_at = NOW()
		WHERE status = 'dead_letter' AND ($1 = '' OR platform = $1)
	`, string(platform))
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("replaying dead letters: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) PurgeDelivered(ctx context.Context, olderThan time.Time) (int64, error) {
	ctx, span := s.tracer.Start(ctx, "OutboxStore.PurgeDelivered")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `
		DELETE FROM conversion_outbox
		WHERE status = 'delivered' AND updated_at < $1
	`, olderThan)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("purging delivered rows: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context, platform domain.Platform, limit int) ([]domain.OutboxRow, error) {
	ctx, span := s.tracer.Start(ctx, "OutboxStore.ListDeadLetters")
	defer span.End()

	rows, err := s.pool.Query(ctx, `
		SELECT `+outboxColumns+`
		FROM conversion_outbox
		WHERE status = 'dead_letter' AND ($1 = '' OR platform = $1)
		ORDER BY updated_at DESC
		LIMIT $2
	`, string(platform), limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("listing dead letters: %w", err)
	}
	defer rows.Close()

	var out []domain.OutboxRow
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetRow(ctx context.Context, eventID string, platform domain.Platform) (domain.OutboxRow, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+outboxColumns+`
		FROM conversion_outbox
		WHERE event_id = $1 AND platform = $2
	`, eventID, platform)

	r, err := scanRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.OutboxRow{}, domain.ErrRowNotFound
	}
	return r, err
}

func (s *PostgresStore) requireRow(ctx context.Context, eventID string, platform domain.Platform) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversion_outbox WHERE event_id = $1 AND platform = $2)`,
		eventID, platform,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking outbox row: %w", err)
	}
	if !exists {
		return domain.ErrRowNotFound
	}
	return nil
}

func scanRow(row pgx.Row) (domain.OutboxRow, error) {
	var (
		r        domain.OutboxRow
		response []byte
		payload  []byte
	)
	err := row.Scan(&r.EventID, &r.Platform, &r.Status, &r.RetryCount, &r.LastError,
		&r.LastAttemptedAt, &response, &payload, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.OutboxRow{}, err
		}
		return domain.OutboxRow{}, fmt.Errorf("scanning outbox row: %w", err)
	}
	r.PlatformResponse = response
	r.Payload = payload
	return r, nil
}
