// Package tokens manages platform OAuth credentials: lookup, persistence and
// single-flight refresh of expiring Snap and TikTok tokens.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Priya8975/conversion-dispatch/internal/domain"
	"github.com/Priya8975/conversion-dispatch/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// CredentialRepository persists credentials keyed by (platform, account).
type CredentialRepository interface {
	GetCredential(ctx context.Context, platform domain.Platform, accountID string) (domain.PlatformAccountCredential, error)
	UpsertCredential(ctx context.Context, platform domain.Platform, accountID string, update domain.CredentialUpdate) error
}

// Refresher exchanges a refresh token for a new token set.
type Refresher interface {
	Refresh(ctx context.Context, platform domain.Platform, refreshToken string) (TokenSet, error)
}

// TokenSet is the result of a refresh grant. An empty RefreshToken means the
// platform did not rotate it. A zero ExpiresAt is stored as
// fallbackTokenLifetime from now.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

const (
	refreshTimeout        = 30 * time.Second
	fallbackTokenLifetime = time.Hour
)

// Locker serialises work across processes.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(context.Context) error) error
}

type Options struct {
	// StaticTokens are system-user tokens used for Meta accounts without a stored credential.
	StaticTokens map[domain.Platform]string
	Locker       Locker
	Now          func() time.Time
}

// Store is the keyed credential cache shared by all writers.
type Store struct {
	repo      CredentialRepository
	refresher Refresher
	locker    Locker
	static    map[domain.Platform]string
	now       func() time.Time
	logger    *zap.Logger
	tracer    trace.Tracer

	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]domain.PlatformAccountCredential
}

func NewStore(repo CredentialRepository, refresher Refresher, logger *zap.Logger, opts Options) *Store {
	s := &Store{
		repo:      repo,
		refresher: refresher,
		locker:    opts.Locker,
		static:    opts.StaticTokens,
		now:       opts.Now,
		logger:    logger,
		tracer:    otel.Tracer("tokens/store"),
		cache:     make(map[string]domain.PlatformAccountCredential),
	}
	if s.locker == nil {
		s.locker = NoopLocker{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func key(platform domain.Platform, accountID string) string {
	return fmt.Sprintf("%s:%s", platform, accountID)
}

// GetAccessToken returns a usable access token, refreshing expired Snap and
// TikTok credentials first. Concurrent refreshes of one key share a single call.
func (s *Store) GetAccessToken(ctx context.Context, platform domain.Platform, accountID string) (string, error) {
	if !platform.RefreshesTokens() {
		return s.staticOrStored(ctx, platform, accountID)
	}

	cred, err := s.credential(ctx, platform, accountID)
	if err != nil {
		return "", &domain.TokenError{Platform: platform, AccountID: accountID, Err: err}
	}
	if !cred.Expired(s.now()) {
		return cred.AccessToken, nil
	}

	return s.refresh(ctx, platform, accountID, 0)
}

// staticOrStored resolves non-expiring credentials, preferring the stored token.
func (s *Store) staticOrStored(ctx context.Context, platform domain.Platform, accountID string) (string, error) {
	cred, err := s.credential(ctx, platform, accountID)
	switch {
	case err == nil && cred.AccessToken != "":
		return cred.AccessToken, nil
	case err != nil && !errors.Is(err, domain.ErrCredentialNotFound):
		return "", &domain.TokenError{Platform: platform, AccountID: accountID, Err: err}
	}
	if tok := s.static[platform]; tok != "" {
		return tok, nil
	}
	return "", &domain.TokenError{Platform: platform, AccountID: accountID, Err: domain.ErrCredentialNotFound}
}

// SaveTokens upserts a credential. Nil fields keep their stored value.
func (s *Store) SaveTokens(ctx context.Context, platform domain.Platform, accountID string, access string, refresh *string, expiresAt *time.Time) error {
	update := domain.CredentialUpdate{RefreshToken: refresh, ExpiresAt: expiresAt}
	if access != "" {
		update.AccessToken = &access
	}
	if err := s.repo.UpsertCredential(ctx, platform, accountID, update); err != nil {
		return fmt.Errorf("saving %s credential: %w", platform, err)
	}
	s.invalidate(platform, accountID)
	return nil
}

// RefreshExpiring refreshes every refreshable account whose token expires
// within window. It returns the number refreshed and the joined failures.
func (s *Store) RefreshExpiring(ctx context.Context, accounts []domain.AccountRef, window time.Duration) (int, error) {
	var (
		refreshed int
		errs      []error
	)
	for _, acc := range accounts {
		if !acc.Platform.RefreshesTokens() {
			continue
		}
		cred, err := s.credential(ctx, acc.Platform, acc.AccountID)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key(acc.Platform, acc.AccountID), err))
			continue
		}
		if !cred.ExpiresWithin(s.now(), window) {
			continue
		}
		if _, err := s.refresh(ctx, acc.Platform, acc.AccountID, window); err != nil {
			errs = append(errs, err)
			continue
		}
		refreshed++
	}
	return refreshed, errors.Join(errs...)
}

// refresh runs one refresh per key at a time in this process and, through the
// locker, across processes. A credential that no longer expires within window
// once the lock is held was refreshed by someone else and is returned as-is.
// The shared call runs detached from the first caller's context so one caller
// giving up does not fail the others; each caller still stops waiting when its
// own context ends.
func (s *Store) refresh(ctx context.Context, platform domain.Platform, accountID string, window time.Duration) (string, error) {
	k := key(platform, accountID)
	ch := s.group.DoChan(k, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		ctx, span := s.tracer.Start(ctx, "TokenStore.Refresh")
		defer span.End()
		span.SetAttributes(
			attribute.String("platform", platform.String()),
			attribute.String("account_id", accountID),
		)

		var token string
		err := s.locker.WithLock(ctx, "lock:token-refresh:"+k, func(ctx context.Context) error {
			s.invalidate(platform, accountID)
			cred, err := s.credential(ctx, platform, accountID)
			if err != nil {
				return err
			}
			if !cred.ExpiresWithin(s.now(), window) && !cred.Expired(s.now()) {
				token = cred.AccessToken
				return nil
			}
			if cred.RefreshToken == "" {
				return errors.New("no refresh token stored")
			}

			set, err := s.refresher.Refresh(ctx, platform, cred.RefreshToken)
			if err != nil {
				return fmt.Errorf("refresh grant: %w", err)
			}

			update := domain.CredentialUpdate{AccessToken: &set.AccessToken}
			if set.RefreshToken != "" {
				update.RefreshToken = &set.RefreshToken
			}
			expiresAt := set.ExpiresAt
			if expiresAt.IsZero() {
				expiresAt = s.now().Add(fallbackTokenLifetime)
			}
			update.ExpiresAt = &expiresAt
			if err := s.repo.UpsertCredential(ctx, platform, accountID, update); err != nil {
				return fmt.Errorf("persisting refreshed token: %w", err)
			}
			s.invalidate(platform, accountID)
			token = set.AccessToken

			logging.Info(ctx, s.logger, "platform token refreshed",
				zap.String("platform", platform.String()),
				zap.String("account_id", accountID),
				zap.Time("expires_at", expiresAt),
			)
			return nil
		})
		if err != nil {
			span.RecordError(err)
			return "", err
		}
		return token, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return "", &domain.TokenError{Platform: platform, AccountID: accountID, Err: ctx.Err()}
	}
	if res.Err != nil {
		logging.Warn(ctx, s.logger, "platform token refresh failed",
			zap.String("platform", platform.String()),
			zap.String("account_id", accountID),
			zap.Bool("shared", res.Shared),
			zap.Error(res.Err),
		)
		return "", &domain.TokenError{Platform: platform, AccountID: accountID, Err: res.Err}
	}
	return res.Val.(string), nil
}

func (s *Store) credential(ctx context.Context, platform domain.Platform, accountID string) (domain.PlatformAccountCredential, error) {
	k := key(platform, accountID)

	s.mu.RLock()
	cred, ok := s.cache[k]
	s.mu.RUnlock()
	if ok {
		return cred, nil
	}

	cred, err := s.repo.GetCredential(ctx, platform, accountID)
	if err != nil {
		return domain.PlatformAccountCredential{}, err
	}

	s.mu.Lock()
	s.cache[k] = cred
	s.mu.Unlock()
	return cred, nil
}

func (s *Store) invalidate(platform domain.Platform, accountID string) {
	s.mu.Lock()
	delete(s.cache, key(platform, accountID))
	s.mu.Unlock()
}
