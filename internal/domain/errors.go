package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrRowNotFound        = errors.New("outbox row not found")
	ErrCredentialNotFound = errors.New("platform credential not found")
	ErrNoWriter           = errors.New("no writer registered for platform")
)

// FieldError describes one failed validation rule.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError rejects an event before it reaches the outbox.
type ValidationError struct {
	EventID string
	Fields  []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	if e.EventID == "" {
		return "invalid outcome event: " + strings.Join(parts, "; ")
	}
	return fmt.Sprintf("invalid outcome event %s: %s", e.EventID, strings.Join(parts, "; "))
}

// TransientError is a timeout, network failure, 5xx or 429 that survived transport retries.
type TransientError struct {
	Platform   Platform
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: transient failure (status %d): %v", e.Platform, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: transient failure: %v", e.Platform, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PlatformRejection is a 4xx response, or a platform-level error code in a 2xx body.
type PlatformRejection struct {
	Platform   Platform
	StatusCode int
	Code       int
	Message    string
	Body       string
}

func (e *PlatformRejection) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Body
	}
	if e.Code != 0 {
		return fmt.Sprintf("%s: rejected (status %d, code %d): %s", e.Platform, e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("%s: rejected (status %d): %s", e.Platform, e.StatusCode, msg)
}

// TokenError is a failure to resolve or refresh an access token.
type TokenError struct {
	Platform  Platform
	AccountID string
	Err       error
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("%s account %s: token unavailable: %v", e.Platform, e.AccountID, e.Err)
}

func (e *TokenError) Unwrap() error { return e.Err }

// ErrorKind classifies err for logs and metrics.
func ErrorKind(err error) string {
	var (
		verr *ValidationError
		terr *TransientError
		perr *PlatformRejection
		kerr *TokenError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &verr):
		return "validation"
	case errors.As(err, &kerr):
		return "token"
	case errors.As(err, &perr):
		return "rejection"
	case errors.As(err, &terr):
		return "transient"
	default:
		return "unknown"
	}
}
