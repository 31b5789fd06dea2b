package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/Priya8975/conversion-dispatch/internal/domain"
	"github.com/Priya8975/conversion-dispatch/internal/mapper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const DefaultSnapBaseURL = "https://tr.snapchat.com"

type SnapConfig struct {
	BaseURL   string
	PixelID   string
	AccountID string
}

// SnapWriter posts events to the Snap Conversions API v3, one event per call.
type SnapWriter struct {
	cfg    SnapConfig
	client *Client
	tokens TokenProvider
	mapper mapper.Mapper
	tracer trace.Tracer
}

func NewSnapWriter(cfg SnapConfig, client *Client, tokens TokenProvider, m mapper.Mapper) *SnapWriter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultSnapBaseURL
	}
	return &SnapWriter{
		cfg:    cfg,
		client: client,
		tokens: tokens,
		mapper: m,
		tracer: otel.Tracer("platform/snap"),
	}
}

func (w *SnapWriter) Platform() domain.Platform { return domain.PlatformSnap }

func (w *SnapWriter) SendEvent(ctx context.Context, ev domain.OutcomeEvent) (Response, error) {
	return w.post(ctx, ev, false)
}

func (w *SnapWriter) SendEventBatch(ctx context.Context, evs []domain.OutcomeEvent) ([]Response, error) {
	out := make([]Response, 0, len(evs))
	for _, ev := range evs {
		resp, err := w.post(ctx, ev, false)
		if err != nil {
			return out, fmt.Errorf("sending event %s: %w", ev.EventID, err)
		}
		out = append(out, resp)
	}
	return out, nil
}

// ValidateEvent posts to the /events/validate endpoint, which checks the
// payload without recording a conversion.
func (w *SnapWriter) ValidateEvent(ctx context.Context, ev domain.OutcomeEvent) (Response, error) {
	return w.post(ctx, ev, true)
}

func (w *SnapWriter) post(ctx context.Context, ev domain.OutcomeEvent, validate bool) (Response, error) {
	ctx, span := w.tracer.Start(ctx, "SnapWriter.Send")
	defer span.End()

	event, err := w.buildEvent(ev)
	if err != nil {
		span.RecordError(err)
		return Response{}, err
	}

	token, err := accessToken(ctx, w.tokens, domain.PlatformSnap, w.cfg.AccountID)
	if err != nil {
		span.RecordError(err)
		return Response{}, err
	}

	res, err := w.client.do(ctx, request{
		platform: domain.PlatformSnap,
		method:   http.MethodPost,
		url:      w.endpoint(token, validate),
		body:     map[string]any{"data": []map[string]any{event}},
	})
	if err != nil {
		span.RecordError(err)
		return Response{}, err
	}

	return Response{
		Platform:       domain.PlatformSnap,
		StatusCode:     res.statusCode,
		Body:           rawBody(res.body),
		EventsReceived: 1,
	}, nil
}

func (w *SnapWriter) endpoint(token string, validate bool) string {
	path := "/events"
	if validate {
		path = "/events/validate"
	}
	return fmt.Sprintf("%s/v3/%s%s?access_token=%s",
		strings.TrimRight(w.cfg.BaseURL, "/"), w.cfg.PixelID, path, url.QueryEscape(token))
}

func (w *SnapWriter) buildEvent(ev domain.OutcomeEvent) (map[string]any, error) {
	mapped, err := w.mapper.MapForSnap(ev)
	if err != nil {
		return nil, err
	}

	user := make(map[string]any)
	putHashed(user, hashedValues(ev), snapUserFields)
	putRaw(user, "client_ip_address", ev.ClientIP)
	putRaw(user, "client_user_agent", ev.ClientUserAgent)
	putRaw(user, "sc_click_id", ev.SnapClickID)
	putRaw(user, "sc_cookie1", ev.SnapCookie1)
	putRaw(user, "lead_id", ev.LeadID)

	out := map[string]any{
		"event_name":    mapped.EventName,
		"event_time":    ev.OccurredAt.UnixMilli(),
		"action_source": mapped.ActionSource,
		"user_data":     user,
	}
	putRaw(out, "event_source_url", ev.EventSourceURL)

	// Snap reads the dedup key from custom_data for purchases and from the
	// event for everything else.
	custom := customData(mapped.Data, mapper.KeyClientDedupID)
	if id, ok := mapped.Data[mapper.KeyClientDedupID]; ok {
		out[mapper.KeyClientDedupID] = id
	}
	if len(custom) > 0 {
		out["custom_data"] = custom
	}
	return out, nil
}
