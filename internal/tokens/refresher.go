package tokens

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Priya8975/conversion-dispatch/internal/domain"
	"golang.org/x/oauth2"
)

// OAuthClient identifies this application to a platform's token endpoint.
type OAuthClient struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
}

// OAuthRefresher performs refresh_token grants against each platform's token endpoint.
type OAuthRefresher struct {
	clients    map[domain.Platform]OAuthClient
	httpClient *http.Client
}

func NewOAuthRefresher(clients map[domain.Platform]OAuthClient, timeout time.Duration) *OAuthRefresher {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &OAuthRefresher{
		clients:    clients,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (r *OAuthRefresher) Refresh(ctx context.Context, platform domain.Platform, refreshToken string) (TokenSet, error) {
	client, ok := r.clients[platform]
	if !ok || client.TokenURL == "" {
		return TokenSet{}, fmt.Errorf("no oauth client configured for %s", platform)
	}

	cfg := oauth2.Config{
		ClientID:     client.ClientID,
		ClientSecret: client.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  client.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	// An expired token forces the source to run the refresh grant.
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)})
	tok, err := src.Token()
	if err != nil {
		return TokenSet{}, fmt.Errorf("%s refresh_token grant: %w", platform, err)
	}

	set := TokenSet{AccessToken: tok.AccessToken, ExpiresAt: tok.Expiry}
	if tok.RefreshToken != refreshToken {
		set.RefreshToken = tok.RefreshToken
	}
	return set, nil
}
