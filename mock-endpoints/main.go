// Command mock-endpoints emulates the Meta, Snap and TikTok conversions APIs
// and an OAuth token endpoint for local runs. Point the writers at it with
// META_BASE_URL=http://localhost:9090/meta, SNAP_BASE_URL=http://localhost:9090/snap,
// TIKTOK_BASE_URL=http://localhost:9090/tiktok and the *_TOKEN_URL variables at /oauth/token.
package main

import (
	"encoding/json"
	"io"
	"math/rand/v2"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

type mock struct {
	logger   *zap.Logger
	failRate float64
	latency  time.Duration
	requests atomic.Int64
	failures atomic.Int64
}

func main() {
	port := pflag.String("port", "9090", "listen port")
	failRate := pflag.Float64("fail-rate", 0, "fraction of event calls answered with 503")
	latency := pflag.Duration("latency", 0, "delay added to every event call")
	pflag.Parse()

	logger, _ := zap.NewDevelopment()
	defer func() { _ = logger.Sync() }()

	m := &mock{logger: logger, failRate: *failRate, latency: *latency}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/meta/{version}/{pixelID}/events", m.meta)
	r.Post("/snap/v3/{pixelID}/events", m.snap)
	r.Post("/snap/v3/{pixelID}/events/validate", m.snap)
	r.Post("/tiktok/event/track/", m.tiktok)
	r.Post("/oauth/token", m.token)
	r.Get("/stats", m.stats)

	logger.Info("mock platform server starting",
		zap.String("port", *port),
		zap.Float64("fail_rate", *failRate),
		zap.Duration("latency", *latency),
	)
	if err := http.ListenAndServe(":"+*port, r); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

// intercept applies the configured latency and failure rate. It reports
// whether the request was already answered.
func (m *mock) intercept(w http.ResponseWriter, r *http.Request) bool {
	n := m.requests.Add(1)
	if m.latency > 0 {
		time.Sleep(m.latency)
	}
	if m.failRate > 0 && rand.Float64() < m.failRate {
		m.failures.Add(1)
		m.logger.Info("injected failure", zap.Int64("request", n), zap.String("path", r.URL.Path))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "temporarily unavailable"})
		return true
	}
	return false
}

func (m *mock) meta(w http.ResponseWriter, r *http.Request) {
	if m.intercept(w, r) {
		return
	}
	var body struct {
		Data        []json.RawMessage `json:"data"`
		AccessToken string            `json:"access_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]any{"message": err.Error(), "code": 100}})
		return
	}
	if body.AccessToken == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]any{"message": "missing access token", "code": 190}})
		return
	}

	m.logger.Info("meta events", zap.String("pixel_id", chi.URLParam(r, "pixelID")), zap.Int("events", len(body.Data)))
	writeJSON(w, http.StatusOK, map[string]any{
		"events_received": len(body.Data),
		"fbtrace_id":      uuid.NewString(),
	})
}

func (m *mock) snap(w http.ResponseWriter, r *http.Request) {
	if m.intercept(w, r) {
		return
	}
	if r.URL.Query().Get("access_token") == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"status": "INVALID", "reason": "missing access token"})
		return
	}
	_, _ = io.Copy(io.Discard, r.Body)

	m.logger.Info("snap event", zap.String("pixel_id", chi.URLParam(r, "pixelID")), zap.String("path", r.URL.Path))
	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "VALID",
		"reason":     "",
		"request_id": uuid.NewString(),
	})
}

func (m *mock) tiktok(w http.ResponseWriter, r *http.Request) {
	if m.intercept(w, r) {
		return
	}
	if r.Header.Get("Access-Token") == "" {
		writeJSON(w, http.StatusOK, map[string]any{"code": 40105, "message": "access token is empty"})
		return
	}
	_, _ = io.Copy(io.Discard, r.Body)

	m.logger.Info("tiktok event")
	writeJSON(w, http.StatusOK, map[string]any{
		"code":       0,
		"message":    "OK",
		"request_id": uuid.NewString(),
	})
}

func (m *mock) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || r.PostForm.Get("grant_type") != "refresh_token" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}
	m.logger.Info("token refresh", zap.String("client_id", r.PostForm.Get("client_id")))
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  uuid.NewString(),
		"refresh_token": uuid.NewString(),
		"token_type":    "Bearer",
		"expires_in":    3600,
	})
}

func (m *mock) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int64{
		"total_requests":    m.requests.Load(),
		"injected_failures": m.failures.Load(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
