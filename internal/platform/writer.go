// Package platform holds the HTTP writers for each advertising platform's
// server-side conversions API.
package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Priya8975/conversion-dispatch/internal/domain"
)

// Response is the snapshot of a platform response kept on delivered rows.
type Response struct {
	Platform       domain.Platform `json:"platform"`
	StatusCode     int             `json:"status_code"`
	Body           json.RawMessage `json:"body,omitempty"`
	EventsReceived int             `json:"events_received"`
}

// Writer delivers canonical events to one platform.
type Writer interface {
	Platform() domain.Platform
	SendEvent(ctx context.Context, ev domain.OutcomeEvent) (Response, error)
	SendEventBatch(ctx context.Context, evs []domain.OutcomeEvent) ([]Response, error)
	// ValidateEvent sends ev in the platform's dry-run mode.
	ValidateEvent(ctx context.Context, ev domain.OutcomeEvent) (Response, error)
}

// TokenProvider resolves a usable access token for an account.
type TokenProvider interface {
	GetAccessToken(ctx context.Context, platform domain.Platform, accountID string) (string, error)
}

// Registry maps platforms to their writers.
type Registry struct {
	writers map[domain.Platform]Writer
}

func NewRegistry(writers ...Writer) *Registry {
	r := &Registry{writers: make(map[domain.Platform]Writer, len(writers))}
	for _, w := range writers {
		r.writers[w.Platform()] = w
	}
	return r
}

// Get returns the writer for p.
func (r *Registry) Get(p domain.Platform) (Writer, error) {
	w, ok := r.writers[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNoWriter, p)
	}
	return w, nil
}

// Platforms lists the registered platforms in a stable order.
func (r *Registry) Platforms() []domain.Platform {
	out := make([]domain.Platform, 0, len(r.writers))
	for _, p := range domain.AllPlatforms() {
		if _, ok := r.writers[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

func accessToken(ctx context.Context, tokens TokenProvider, p domain.Platform, accountID string) (string, error) {
	tok, err := tokens.GetAccessToken(ctx, p, accountID)
	if err != nil {
		var terr *domain.TokenError
		if errors.As(err, &terr) {
			return "", err
		}
		return "", &domain.TokenError{Platform: p, AccountID: accountID, Err: err}
	}
	return tok, nil
}
