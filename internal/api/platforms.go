package api

import (
	"context"
	"net/http"

	"github.com/Priya8975/conversion-dispatch/internal/domain"
	"github.com/Priya8975/conversion-dispatch/internal/engine"
)

// CircuitReader reports a platform's circuit. engine.CircuitBreaker implements it.
type CircuitReader interface {
	GetState(ctx context.Context, p domain.Platform) engine.CircuitBreakerState
}

// StatusCounter counts outbox rows for one platform.
type StatusCounter interface {
	CountByStatus(ctx context.Context, platform domain.Platform) (domain.StatusCounts, error)
}

// PlatformHandler reports the delivery health of every platform lane.
type PlatformHandler struct {
	platforms []domain.Platform
	counter   StatusCounter
	circuits  CircuitReader
	clients   func() int
}

// NewPlatformHandler builds the lane view. circuits and clients may be nil.
func NewPlatformHandler(platforms []domain.Platform, counter StatusCounter, circuits CircuitReader, clients func() int) *PlatformHandler {
	return &PlatformHandler{platforms: platforms, counter: counter, circuits: circuits, clients: clients}
}

type platformHealth struct {
	Platform       domain.Platform             `json:"platform"`
	Outbox         domain.StatusCounts         `json:"outbox"`
	CircuitBreaker *engine.CircuitBreakerState `json:"circuit_breaker,omitempty"`
}

type platformsResponse struct {
	Platforms        []platformHealth `json:"platforms"`
	WebSocketClients int              `json:"websocket_clients"`
}

func (h *PlatformHandler) List(w http.ResponseWriter, r *http.Request) {
	resp := platformsResponse{Platforms: make([]platformHealth, 0, len(h.platforms))}
	for _, p := range h.platforms {
		ph := platformHealth{Platform: p}
		c, err := h.counter.CountByStatus(r.Context(), p)
		if err != nil {
			respondErr(w, err)
			return
		}
		ph.Outbox = c
		if h.circuits != nil {
			s := h.circuits.GetState(r.Context(), p)
			ph.CircuitBreaker = &s
		}
		resp.Platforms = append(resp.Platforms, ph)
	}
	if h.clients != nil {
		resp.WebSocketClients = h.clients()
	}
	respondJSON(w, http.StatusOK, resp)
}
