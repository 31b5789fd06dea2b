package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Priya8975/conversion-dispatch/internal/domain"
	"github.com/Priya8975/conversion-dispatch/internal/logging"
	"github.com/Priya8975/conversion-dispatch/internal/platform"
	"github.com/Priya8975/conversion-dispatch/internal/store"
	"github.com/Priya8975/conversion-dispatch/internal/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Breaker gates a platform lane. engine.CircuitBreaker implements it.
type Breaker interface {
	AllowRequest(ctx context.Context, p domain.Platform) (string, bool)
	RecordSuccess(ctx context.Context, p domain.Platform)
	RecordFailure(ctx context.Context, p domain.Platform)
}

// Notifier receives delivery outcomes. websocket.Hub implements it.
type Notifier interface {
	Broadcast(event websocket.DeliveryEvent)
}

// Result is the outcome of one delivery attempt.
type Result struct {
	EventID  string
	Platform domain.Platform
	Err      error
}

// Deliverer sends one pending row through its platform writer and records
// the outcome on the outbox.
type Deliverer struct {
	writers  *platform.Registry
	outbox   store.Outbox
	breaker  Breaker
	notifier Notifier
	logger   *zap.Logger
	tracer   trace.Tracer

	delivered metric.Int64Counter
	failed    metric.Int64Counter
	latency   metric.Float64Histogram
}

func NewDeliverer(writers *platform.Registry, outbox store.Outbox, breaker Breaker, notifier Notifier, logger *zap.Logger) *Deliverer {
	meter := otel.Meter("worker/deliverer")
	delivered, _ := meter.Int64Counter("dispatch.delivered",
		metric.WithDescription("Outbox rows delivered to a platform"))
	failed, _ := meter.Int64Counter("dispatch.failed",
		metric.WithDescription("Failed delivery attempts"))
	latency, _ := meter.Float64Histogram("dispatch.duration",
		metric.WithDescription("Platform send duration"), metric.WithUnit("ms"))

	return &Deliverer{
		writers:   writers,
		outbox:    outbox,
		breaker:   breaker,
		notifier:  notifier,
		logger:    logger,
		tracer:    otel.Tracer("worker/deliverer"),
		delivered: delivered,
		failed:    failed,
		latency:   latency,
	}
}

// Deliver never gives up on a row: every error becomes MarkFailed and the
// sweep decides when the row is retired.
func (d *Deliverer) Deliver(ctx context.Context, job domain.PendingDelivery) Result {
	ev := job.Event
	res := Result{EventID: ev.EventID, Platform: job.Platform}

	ctx, span := d.tracer.Start(ctx, "Deliverer.Deliver")
	defer span.End()
	span.SetAttributes(
		attribute.String("event_id", ev.EventID),
		attribute.String("platform", job.Platform.String()),
		attribute.Int("retry_count", job.RetryCount),
	)

	start := time.Now()
	resp, err := d.send(ctx, job)
	elapsed := time.Since(start)
	platformAttr := metric.WithAttributes(attribute.String("platform", job.Platform.String()))
	d.latency.Record(ctx, float64(elapsed.Milliseconds()), platformAttr)

	if err != nil {
		res.Err = err
		span.RecordError(err)
		d.recordFailure(ctx, job, err, elapsed)
		return res
	}

	// A body that is not valid JSON leaves the snapshot empty.
	snapshot, _ := json.Marshal(resp)
	if err := d.outbox.MarkDelivered(ctx, ev.EventID, job.Platform, snapshot); err != nil {
		// The send succeeded; the row stays pending and the platform dedup key absorbs the resend.
		res.Err = err
		logging.Error(ctx, d.logger, "failed to mark row delivered",
			zap.String("event_id", ev.EventID),
			zap.String("platform", job.Platform.String()),
			zap.Error(err),
		)
		return res
	}
	if d.breaker != nil {
		d.breaker.RecordSuccess(ctx, job.Platform)
	}
	d.delivered.Add(ctx, 1, platformAttr)

	logging.Info(ctx, d.logger, "delivery successful",
		zap.String("event_id", ev.EventID),
		zap.String("platform", job.Platform.String()),
		zap.Int("attempt", job.RetryCount+1),
		zap.Int("status_code", resp.StatusCode),
		zap.Int64("response_time_ms", elapsed.Milliseconds()),
	)
	d.notify(websocket.DeliveryEvent{
		Type:       websocket.TypeDelivered,
		EventID:    ev.EventID,
		Platform:   job.Platform,
		Status:     domain.StatusDelivered,
		RetryCount: job.RetryCount,
		StatusCode: resp.StatusCode,
		DurationMs: elapsed.Milliseconds(),
	})
	return res
}

func (d *Deliverer) send(ctx context.Context, job domain.PendingDelivery) (platform.Response, error) {
	w, err := d.writers.Get(job.Platform)
	if err != nil {
		return platform.Response{}, err
	}
	return w.SendEvent(ctx, job.Event)
}

func (d *Deliverer) recordFailure(ctx context.Context, job domain.PendingDelivery, sendErr error, elapsed time.Duration) {
	kind := domain.ErrorKind(sendErr)
	attempt := job.RetryCount + 1

	// Only outages count against the platform's circuit.
	var transient *domain.TransientError
	isTransient := errors.As(sendErr, &transient)
	if d.breaker != nil && isTransient {
		d.breaker.RecordFailure(ctx, job.Platform)
	}
	d.failed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("platform", job.Platform.String()),
		attribute.String("error_kind", kind),
	))

	if err := d.outbox.MarkFailed(ctx, job.Event.EventID, job.Platform, sendErr.Error()); err != nil {
		logging.Error(ctx, d.logger, "failed to mark row failed",
			zap.String("event_id", job.Event.EventID),
			zap.String("platform", job.Platform.String()),
			zap.NamedError("send_error", sendErr),
			zap.Error(err),
		)
	}

	logging.Warn(ctx, d.logger, "delivery failed",
		zap.String("event_id", job.Event.EventID),
		zap.String("platform", job.Platform.String()),
		zap.Int("attempt", attempt),
		zap.String("error_kind", kind),
		zap.Int64("response_time_ms", elapsed.Milliseconds()),
		zap.Error(sendErr),
	)

	ev := websocket.DeliveryEvent{
		Type:       websocket.TypeFailed,
		EventID:    job.Event.EventID,
		Platform:   job.Platform,
		Status:     domain.StatusPending,
		RetryCount: attempt,
		ErrorKind:  kind,
		Error:      sendErr.Error(),
		DurationMs: elapsed.Milliseconds(),
	}
	var rejection *domain.PlatformRejection
	switch {
	case errors.As(sendErr, &rejection):
		ev.StatusCode = rejection.StatusCode
	case isTransient:
		ev.StatusCode = transient.StatusCode
	}
	d.notify(ev)
}

func (d *Deliverer) notify(ev websocket.DeliveryEvent) {
	if d.notifier != nil {
		d.notifier.Broadcast(ev)
	}
}
