package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Priya8975/conversion-dispatch/internal/domain"
	"github.com/Priya8975/conversion-dispatch/internal/mapper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const DefaultTikTokBaseURL = "https://business-api.tiktok.com/open_api/v1.3"

type TikTokConfig struct {
	BaseURL       string
	PixelCode     string
	AccountID     string
	TestEventCode string
}

// TikTokWriter posts events to the TikTok Events API, one call per event.
type TikTokWriter struct {
	cfg    TikTokConfig
	client *Client
	tokens TokenProvider
	mapper mapper.Mapper
	tracer trace.Tracer
}

func NewTikTokWriter(cfg TikTokConfig, client *Client, tokens TokenProvider, m mapper.Mapper) *TikTokWriter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultTikTokBaseURL
	}
	return &TikTokWriter{
		cfg:    cfg,
		client: client,
		tokens: tokens,
		mapper: m,
		tracer: otel.Tracer("platform/tiktok"),
	}
}

func (w *TikTokWriter) Platform() domain.Platform { return domain.PlatformTikTok }

func (w *TikTokWriter) SendEvent(ctx context.Context, ev domain.OutcomeEvent) (Response, error) {
	return w.post(ctx, ev, "")
}

func (w *TikTokWriter) SendEventBatch(ctx context.Context, evs []domain.OutcomeEvent) ([]Response, error) {
	out := make([]Response, 0, len(evs))
	for _, ev := range evs {
		resp, err := w.post(ctx, ev, "")
		if err != nil {
			return out, fmt.Errorf("sending event %s: %w", ev.EventID, err)
		}
		out = append(out, resp)
	}
	return out, nil
}

func (w *TikTokWriter) ValidateEvent(ctx context.Context, ev domain.OutcomeEvent) (Response, error) {
	code := w.cfg.TestEventCode
	if code == "" {
		code = "TEST"
	}
	return w.post(ctx, ev, code)
}

func (w *TikTokWriter) post(ctx context.Context, ev domain.OutcomeEvent, testEventCode string) (Response, error) {
	ctx, span := w.tracer.Start(ctx, "TikTokWriter.Send")
	defer span.End()

	body, err := w.buildEvent(ev)
	if err != nil {
		span.RecordError(err)
		return Response{}, err
	}
	if testEventCode != "" {
		body["test_event_code"] = testEventCode
	}

	token, err := accessToken(ctx, w.tokens, domain.PlatformTikTok, w.cfg.AccountID)
	if err != nil {
		span.RecordError(err)
		return Response{}, err
	}

	res, err := w.client.do(ctx, request{
		platform: domain.PlatformTikTok,
		method:   http.MethodPost,
		url:      strings.TrimRight(w.cfg.BaseURL, "/") + "/event/track/",
		body:     body,
		headers:  map[string]string{"Access-Token": token},
	})
	if err != nil {
		span.RecordError(err)
		return Response{}, err
	}

	// TikTok reports business errors with HTTP 200 and a non-zero code.
	var parsed struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(res.body, &parsed); err == nil && parsed.Code != 0 {
		rej := &domain.PlatformRejection{
			Platform:   domain.PlatformTikTok,
			StatusCode: res.statusCode,
			Code:       parsed.Code,
			Message:    parsed.Message,
			Body:       truncate(string(res.body), 1024),
		}
		span.RecordError(rej)
		return Response{}, rej
	}

	return Response{
		Platform:       domain.PlatformTikTok,
		StatusCode:     res.statusCode,
		Body:           rawBody(res.body),
		EventsReceived: 1,
	}, nil
}

func (w *TikTokWriter) buildEvent(ev domain.OutcomeEvent) (map[string]any, error) {
	mapped, err := w.mapper.MapForTikTok(ev)
	if err != nil {
		return nil, err
	}

	user := make(map[string]any)
	putHashed(user, hashedValues(ev), tiktokUserFields)
	putRaw(user, "ttp", ev.TikTokTtp)

	tctx := map[string]any{"user": user}
	if ev.TikTokTtclid != "" {
		tctx["ad"] = map[string]any{"callback": ev.TikTokTtclid}
	}
	if ev.EventSourceURL != "" {
		tctx["page"] = map[string]any{"url": ev.EventSourceURL}
	}
	if ev.LeadID != "" {
		tctx["lead"] = map[string]any{"lead_id": ev.LeadID}
	}
	putRaw(tctx, "ip", ev.ClientIP)
	putRaw(tctx, "user_agent", ev.ClientUserAgent)

	out := map[string]any{
		"pixel_code":   w.cfg.PixelCode,
		"event":        mapped.EventName,
		"event_id":     ev.EventID,
		"timestamp":    ev.OccurredAt.UTC().Format(time.RFC3339),
		"event_source": mapped.ActionSource,
		"context":      tctx,
	}
	if len(mapped.Data) > 0 {
		out["properties"] = customData(mapped.Data)
	}
	return out, nil
}
