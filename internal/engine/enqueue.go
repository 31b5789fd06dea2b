package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/Priya8975/conversion-dispatch/internal/domain"
	"github.com/Priya8975/conversion-dispatch/internal/logging"
	"github.com/Priya8975/conversion-dispatch/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Enqueuer is the producer entry point: it validates an outcome event and
// writes one pending outbox row per target platform.
type Enqueuer struct {
	outbox   store.Outbox
	accepted map[domain.Platform]bool
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewEnqueuer accepts events targeting only the given platforms, usually the
// ones with a registered writer. With none given every platform is accepted.
func NewEnqueuer(outbox store.Outbox, logger *zap.Logger, accepted ...domain.Platform) *Enqueuer {
	e := &Enqueuer{
		outbox: outbox,
		logger: logger,
		tracer: otel.Tracer("engine/enqueue"),
	}
	if len(accepted) > 0 {
		e.accepted = make(map[domain.Platform]bool, len(accepted))
		for _, p := range accepted {
			e.accepted[p] = true
		}
	}
	return e
}

// checkTargets rejects platforms no writer will ever drain.
func (e *Enqueuer) checkTargets(ev domain.OutcomeEvent) error {
	if e.accepted == nil {
		return nil
	}
	var fields []domain.FieldError
	for _, p := range ev.Targets() {
		if !e.accepted[p] {
			fields = append(fields, domain.FieldError{
				Field:   "target_platforms",
				Message: fmt.Sprintf("platform %s is not configured", p),
			})
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return &domain.ValidationError{EventID: ev.EventID, Fields: fields}
}

// Enqueue rejects invalid events with a *domain.ValidationError before any
// row is written. Re-enqueueing an event resets its rows to pending.
// Each row is written independently; on partial failure the rows already
// written stay pending and a retry of Enqueue is safe.
func (e *Enqueuer) Enqueue(ctx context.Context, ev domain.OutcomeEvent) error {
	ctx, span := e.tracer.Start(ctx, "Enqueuer.Enqueue")
	defer span.End()
	span.SetAttributes(
		attribute.String("event_id", ev.EventID),
		attribute.String("outcome_type", string(ev.OutcomeType)),
	)

	if err := domain.Validate(ev); err != nil {
		span.RecordError(err)
		return err
	}
	if err := e.checkTargets(ev); err != nil {
		span.RecordError(err)
		return err
	}

	payload, err := domain.EncodeEvent(ev)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("encoding event payload: %w", err)
	}

	targets := ev.Targets()
	var errs []error
	for _, p := range targets {
		if err := e.outbox.UpsertPending(ctx, ev.EventID, p, payload); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		logging.Error(ctx, e.logger, "enqueue failed",
			zap.String("event_id", ev.EventID),
			zap.Error(err),
		)
		return fmt.Errorf("enqueueing event %s: %w", ev.EventID, err)
	}

	logging.Info(ctx, e.logger, "event enqueued",
		zap.String("event_id", ev.EventID),
		zap.String("outcome_type", string(ev.OutcomeType)),
		zap.Int("platforms", len(targets)),
	)
	return nil
}
