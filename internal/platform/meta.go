package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/Priya8975/conversion-dispatch/internal/domain"
	"github.com/Priya8975/conversion-dispatch/internal/mapper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultMetaBaseURL = "https://graph.facebook.com"
	DefaultMetaVersion = "v19.0"

	metaMaxBatch = 1000
)

type MetaConfig struct {
	BaseURL       string
	APIVersion    string
	PixelID       string
	AccountID     string
	TestEventCode string
}

// MetaWriter posts events to the Meta Conversions API.
type MetaWriter struct {
	cfg    MetaConfig
	client *Client
	tokens TokenProvider
	mapper mapper.Mapper
	tracer trace.Tracer
}

func NewMetaWriter(cfg MetaConfig, client *Client, tokens TokenProvider, m mapper.Mapper) *MetaWriter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultMetaBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultMetaVersion
	}
	return &MetaWriter{
		cfg:    cfg,
		client: client,
		tokens: tokens,
		mapper: m,
		tracer: otel.Tracer("platform/meta"),
	}
}

func (w *MetaWriter) Platform() domain.Platform { return domain.PlatformMeta }

func (w *MetaWriter) SendEvent(ctx context.Context, ev domain.OutcomeEvent) (Response, error) {
	return w.post(ctx, []domain.OutcomeEvent{ev}, "")
}

// SendEventBatch posts events in chunks of up to 1000. It stops at the first
// failed chunk and returns the responses collected so far.
func (w *MetaWriter) SendEventBatch(ctx context.Context, evs []domain.OutcomeEvent) ([]Response, error) {
	var out []Response
	for start := 0; start < len(evs); start += metaMaxBatch {
		end := min(start+metaMaxBatch, len(evs))
		resp, err := w.post(ctx, evs[start:end], "")
		if err != nil {
			return out, err
		}
		out = append(out, resp)
	}
	return out, nil
}

func (w *MetaWriter) ValidateEvent(ctx context.Context, ev domain.OutcomeEvent) (Response, error) {
	code := w.cfg.TestEventCode
	if code == "" {
		code = "TEST"
	}
	return w.post(ctx, []domain.OutcomeEvent{ev}, code)
}

func (w *MetaWriter) post(ctx context.Context, evs []domain.OutcomeEvent, testEventCode string) (Response, error) {
	ctx, span := w.tracer.Start(ctx, "MetaWriter.Send")
	defer span.End()
	span.SetAttributes(attribute.Int("batch_size", len(evs)))

	data := make([]map[string]any, 0, len(evs))
	for _, ev := range evs {
		e, err := w.buildEvent(ev)
		if err != nil {
			span.RecordError(err)
			return Response{}, err
		}
		data = append(data, e)
	}

	token, err := accessToken(ctx, w.tokens, domain.PlatformMeta, w.cfg.AccountID)
	if err != nil {
		span.RecordError(err)
		return Response{}, err
	}

	body := map[string]any{"data": data, "access_token": token}
	if testEventCode != "" {
		body["test_event_code"] = testEventCode
	}

	res, err := w.client.do(ctx, request{
		platform: domain.PlatformMeta,
		method:   http.MethodPost,
		url:      w.endpoint(),
		body:     body,
	})
	if err != nil {
		span.RecordError(err)
		return Response{}, err
	}

	var parsed struct {
		EventsReceived int `json:"events_received"`
	}
	_ = json.Unmarshal(res.body, &parsed)

	return Response{
		Platform:       domain.PlatformMeta,
		StatusCode:     res.statusCode,
		Body:           rawBody(res.body),
		EventsReceived: parsed.EventsReceived,
	}, nil
}

func (w *MetaWriter) endpoint() string {
	return fmt.Sprintf("%s/%s/%s/events", strings.TrimRight(w.cfg.BaseURL, "/"), w.cfg.APIVersion, w.cfg.PixelID)
}

// buildEvent renders one Meta server event.
func (w *MetaWriter) buildEvent(ev domain.OutcomeEvent) (map[string]any, error) {
	mapped, err := w.mapper.MapForMeta(ev)
	if err != nil {
		return nil, err
	}

	user := make(map[string]any)
	putHashed(user, hashedValues(ev), metaUserFields)
	putRaw(user, "client_ip_address", ev.ClientIP)
	putRaw(user, "client_user_agent", ev.ClientUserAgent)
	putRaw(user, "fbc", ev.MetaFbc)
	putRaw(user, "fbp", ev.MetaFbp)
	putRaw(user, "lead_id", ev.LeadID)

	out := map[string]any{
		"event_name":    mapped.EventName,
		"event_time":    ev.OccurredAt.Unix(),
		"event_id":      ev.EventID,
		"action_source": mapped.ActionSource,
		"user_data":     user,
	}
	putRaw(out, "event_source_url", ev.EventSourceURL)
	if len(mapped.Data) > 0 {
		out["custom_data"] = customData(mapped.Data)
	}
	return out, nil
}
