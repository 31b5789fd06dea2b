package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/Priya8975/conversion-dispatch/internal/domain"
	"github.com/Priya8975/conversion-dispatch/internal/platform"
	"go.uber.org/zap"
)

// Enqueuer accepts outcome events into the outbox. engine.Enqueuer implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, ev domain.OutcomeEvent) error
}

type EventHandler struct {
	enqueuer Enqueuer
	writers  *platform.Registry
	logger   *zap.Logger
}

func NewEventHandler(e Enqueuer, writers *platform.Registry, logger *zap.Logger) *EventHandler {
	return &EventHandler{enqueuer: e, writers: writers, logger: logger}
}

type createEventResponse struct {
	EventID   string            `json:"event_id"`
	Platforms []domain.Platform `json:"platforms"`
	Status    string            `json:"status"`
}

const maxEventBytes = 1 << 20

// Create enqueues one outcome event. Delivery happens asynchronously.
func (h *EventHandler) Create(w http.ResponseWriter, r *http.Request) {
	var ev domain.OutcomeEvent
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBytes)).Decode(&ev); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := h.enqueuer.Enqueue(r.Context(), ev); err != nil {
		if domain.ErrorKind(err) != "validation" {
			h.logger.Error("enqueue failed", zap.String("event_id", ev.EventID), zap.Error(err))
		}
		respondErr(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, createEventResponse{
		EventID:   ev.EventID,
		Platforms: ev.Targets(),
		Status:    string(domain.StatusPending),
	})
}

type validationResult struct {
	Platform   domain.Platform `json:"platform"`
	OK         bool            `json:"ok"`
	StatusCode int             `json:"status_code,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorKind  string          `json:"error_kind,omitempty"`
}

// Validate sends the event to each target platform's test endpoint without
// touching the outbox.
func (h *EventHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var ev domain.OutcomeEvent
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBytes)).Decode(&ev); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := domain.Validate(ev); err != nil {
		respondErr(w, err)
		return
	}

	results := make([]validationResult, 0, len(ev.TargetPlatforms))
	for _, p := range ev.Targets() {
		res := validationResult{Platform: p}
		writer, err := h.writers.Get(p)
		if err == nil {
			var resp platform.Response
			resp, err = writer.ValidateEvent(r.Context(), ev)
			res.StatusCode = resp.StatusCode
			res.Body = resp.Body
		}
		if err != nil {
			res.Error = err.Error()
			res.ErrorKind = domain.ErrorKind(err)
		} else {
			res.OK = true
		}
		results = append(results, res)
	}

	respondJSON(w, http.StatusOK, results)
}
