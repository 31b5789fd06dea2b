package api

import (
	"net/http"
	"strconv"

	"github.com/Priya8975/conversion-dispatch/internal/domain"
	"github.com/Priya8975/conversion-dispatch/internal/worker"
	"github.com/go-chi/chi/v5"
)

// OutboxHandler exposes the operator controls over HTTP.
type OutboxHandler struct {
	operator *worker.Operator
}

func NewOutboxHandler(op *worker.Operator) *OutboxHandler {
	return &OutboxHandler{operator: op}
}

type countResponse struct {
	Platform domain.Platform `json:"platform,omitempty"`
	Count    int64           `json:"count"`
}

func (h *OutboxHandler) Status(w http.ResponseWriter, r *http.Request) {
	p, err := platformParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := h.operator.Status(r.Context(), p)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (h *OutboxHandler) ReplayFailed(w http.ResponseWriter, r *http.Request) {
	p, err := platformParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	n, err := h.operator.ReplayFailed(r.Context(), p)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, countResponse{Platform: p, Count: n})
}

func (h *OutboxHandler) ReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	p, err := platformParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	n, err := h.operator.ReplayDeadLetter(r.Context(), p)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, countResponse{Platform: p, Count: n})
}

func (h *OutboxHandler) PurgeDelivered(w http.ResponseWriter, r *http.Request) {
	days := 30
	if s := r.URL.Query().Get("days"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = n
	}

	n, err := h.operator.PurgeDelivered(r.Context(), days)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, countResponse{Count: n})
}

func (h *OutboxHandler) DeadLetters(w http.ResponseWriter, r *http.Request) {
	p, err := platformParam(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}

	rows, err := h.operator.DeadLetters(r.Context(), p, limit)
	if err != nil {
		respondErr(w, err)
		return
	}
	if rows == nil {
		rows = []domain.OutboxRow{}
	}
	respondJSON(w, http.StatusOK, rows)
}

func (h *OutboxHandler) Row(w http.ResponseWriter, r *http.Request) {
	p, err := domain.ParsePlatform(chi.URLParam(r, "platform"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	row, err := h.operator.Row(r.Context(), chi.URLParam(r, "eventID"), p)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, row)
}
