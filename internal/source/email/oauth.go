package email

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/nhle/mailflow/internal/model"
	"github.com/nhle/mailflow/internal/source"
)

// ErrNoOAuthProvider is returned when an account names a provider without a
// client registration.
var ErrNoOAuthProvider = errors.New("oauth provider not configured")

// refreshSkew refreshes tokens that expire within this window.
const refreshSkew = time.Minute

// TokenRefresher renews OAuth access tokens for mail providers.
type TokenRefresher struct {
	configs map[string]*oauth2.Config
}

// NewTokenRefresher builds oauth2 configs for the configured providers.
// "google" and "microsoft" use the well-known endpoints unless TokenURL is
// set.
func NewTokenRefresher(providers map[string]model.OAuthProviderConfig) *TokenRefresher {
	configs := make(map[string]*oauth2.Config, len(providers))
	for name, p := range providers {
		name = strings.ToLower(name)
		endpoint := oauth2.Endpoint{TokenURL: p.TokenURL}
		if p.TokenURL == "" {
			switch name {
			case "google", "gmail":
				endpoint = endpoints.Google
			case "microsoft", "outlook", "office365":
				endpoint = endpoints.AzureAD("common")
			}
		}
		configs[name] = &oauth2.Config{
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			Endpoint:     endpoint,
		}
	}
	return &TokenRefresher{configs: configs}
}

// NeedsRefresh reports whether a token with the given expiry should be
// renewed before use.
func NeedsRefresh(expiresAt *time.Time, now time.Time) bool {
	return expiresAt != nil && !expiresAt.IsZero() && expiresAt.Before(now.Add(refreshSkew))
}

// Refresh exchanges refreshToken for a new token. A rejected refresh is an
// AuthError.
func (r *TokenRefresher) Refresh(ctx context.Context, provider, refreshToken string) (*oauth2.Token, error) {
	cfg, ok := r.configs[strings.ToLower(provider)]
	if !ok || cfg.Endpoint.TokenURL == "" {
		return nil, fmt.Errorf("refreshing %q token: %w", provider, ErrNoOAuthProvider)
	}

	expired := &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)}
	tok, err := cfg.TokenSource(ctx, expired).Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return nil, &source.AuthError{
				Protocol: source.ProtocolIMAP,
				Message:  fmt.Sprintf("oauth refresh rejected by %s: %v", provider, err),
			}
		}
		return nil, source.NewTransportError(source.ProtocolIMAP, "oauth refresh", err)
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	return tok, nil
}
