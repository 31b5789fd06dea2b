package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Priya8975/conversion-dispatch/internal/domain"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
)

func (s *PostgresStore) GetCredential(ctx context.Context, platform domain.Platform, accountID string) (domain.PlatformAccountCredential, error) {
	ctx, span := s.tracer.Start(ctx, "CredentialStore.GetCredential")
	defer span.End()
	span.SetAttributes(attribute.String("platform", platform.String()), attribute.String("account_id", accountID))

	var (
		access, refresh []byte
		cred            = domain.PlatformAccountCredential{Platform: platform, AccountID: accountID}
	)
	err := s.pool.QueryRow(ctx, `
		SELECT access_token_enc, refresh_token_enc, token_expires_at, updated_at
		FROM platform_credentials
		WHERE platform = $1 AND account_id = $2
	`, platform, accountID).Scan(&access, &refresh, &cred.TokenExpiresAt, &cred.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PlatformAccountCredential{}, domain.ErrCredentialNotFound
	}
	if err != nil {
		span.RecordError(err)
		return domain.PlatformAccountCredential{}, fmt.Errorf("querying credential: %w", err)
	}

	if cred.AccessToken, err = s.cipher.Decrypt(access); err != nil {
		return domain.PlatformAccountCredential{}, err
	}
	if cred.RefreshToken, err = s.cipher.Decrypt(refresh); err != nil {
		return domain.PlatformAccountCredential{}, err
	}
	return cred, nil
}

// UpsertCredential writes the non-nil fields of update, keeping stored values for the rest.
func (s *PostgresStore) UpsertCredential(ctx context.Context, platform domain.Platform, accountID string, update domain.CredentialUpdate) error {
	ctx, span := s.tracer.Start(ctx, "CredentialStore.UpsertCredential")
	defer span.End()
	span.SetAttributes(attribute.String("platform", platform.String()), attribute.String("account_id", accountID))

	var (
		access, refresh []byte
		expires         *time.Time
		err             error
	)
	if update.AccessToken != nil {
		if access, err = s.cipher.Encrypt(*update.AccessToken); err != nil {
			return err
		}
	}
	if update.RefreshToken != nil {
		if refresh, err = s.cipher.Encrypt(*update.RefreshToken); err != nil {
			return err
		}
	}
	if update.ExpiresAt != nil {
		t := update.ExpiresAt.UTC()
		expires = &t
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO platform_credentials (platform, account_id, access_token_enc, refresh_token_enc, token_expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (platform, account_id) DO UPDATE SET
			access_token_enc = COALESCE(EXCLUDED.access_token_enc, platform_credentials.access_token_enc),
			refresh_token_enc = COALESCE(EXCLUDED.refresh_token_enc, platform_credentials.refresh_token_enc),
			token_expires_at = COALESCE(EXCLUDED.token_expires_at, platform_credentials.token_expires_at),
			updated_at = NOW()
	`, platform, accountID, access, refresh, expires)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("upserting credential: %w", err)
	}
	return nil
}
