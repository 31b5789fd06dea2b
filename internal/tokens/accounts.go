package tokens

import (
	"context"

	"github.com/Priya8975/conversion-dispatch/internal/domain"
)

// AccountSource supplies the (platform, account) pairs whose credentials must be kept fresh.
type AccountSource interface {
	Accounts(ctx context.Context) ([]domain.AccountRef, error)
}

// StaticAccounts is an AccountSource backed by configuration.
type StaticAccounts []domain.AccountRef

func (s StaticAccounts) Accounts(context.Context) ([]domain.AccountRef, error) {
	out := make([]domain.AccountRef, 0, len(s))
	for _, a := range s {
		if a.AccountID != "" {
			out = append(out, a)
		}
	}
	return out, nil
}
