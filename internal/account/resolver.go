package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/nhle/mailflow/internal/credential"
	"github.com/nhle/mailflow/internal/model"
	"github.com/nhle/mailflow/internal/source"
	"github.com/nhle/mailflow/internal/source/email"
	"github.com/nhle/mailflow/internal/store"
)

// ErrNoCredentials is returned for an account with neither a password nor
// an access token stored.
var ErrNoCredentials = errors.New("account has no stored credentials")

// Refresher renews an OAuth access token.
type Refresher interface {
	Refresh(ctx context.Context, provider, refreshToken string) (*oauth2.Token, error)
}

// Resolver turns stored accounts into decrypted connection credentials.
type Resolver struct {
	store     store.Store
	vault     *credential.Vault
	refresher Refresher
	now       func() time.Time
	logger    zerolog.Logger
}

// NewResolver creates a Resolver. refresher may be nil, in which case
// stored tokens are used as-is.
func NewResolver(s store.Store, v *credential.Vault, r Refresher, logger zerolog.Logger) *Resolver {
	return &Resolver{
		store:     s,
		vault:     v,
		refresher: r,
		now:       time.Now,
		logger:    logger.With().Str("component", "account").Logger(),
	}
}

// Resolve decrypts the account's secrets and picks the auth strategy:
// OAuth when an access token is stored, password otherwise. An access token
// about to expire is refreshed and the new ciphertext persisted first.
func (r *Resolver) Resolve(ctx context.Context, a *model.EmailAccount) (source.Credentials, error) {
	creds := source.Credentials{
		AccountID: a.ID,
		Address:   a.EmailAddress,
		Username:  a.Username,
		IMAP:      source.Endpoint{Host: a.IMAPHost, Port: a.IMAPPort, Security: a.IMAPSecurity},
		SMTP:      source.Endpoint{Host: a.SMTPHost, Port: a.SMTPPort, Security: a.SMTPSecurity},
	}
	if creds.Username == "" {
		creds.Username = a.EmailAddress
	}

	switch {
	case a.UsesOAuth():
		token, err := r.accessToken(ctx, a)
		if err != nil {
			return source.Credentials{}, err
		}
		creds.Auth = source.OAuthAuth{AccessToken: token}
	case a.EncryptedPassword != nil && *a.EncryptedPassword != "":
		password, err := r.vault.Decrypt(*a.EncryptedPassword)
		if err != nil {
			return source.Credentials{}, fmt.Errorf("decrypting password for %s: %w", a.ID, err)
		}
		creds.Auth = source.PasswordAuth{Password: password}
	default:
		return source.Credentials{}, fmt.Errorf("account %s: %w", a.ID, ErrNoCredentials)
	}

	return creds, nil
}

func (r *Resolver) accessToken(ctx context.Context, a *model.EmailAccount) (string, error) {
	access, err := r.vault.Decrypt(*a.EncryptedAccessToken)
	if err != nil {
		return "", fmt.Errorf("decrypting access token for %s: %w", a.ID, err)
	}

	if r.refresher == nil || !email.NeedsRefresh(a.TokenExpiresAt, r.now()) {
		return access, nil
	}
	if a.EncryptedRefreshToken == nil || *a.EncryptedRefreshToken == "" {
		return access, nil
	}

	refresh, err := r.vault.Decrypt(*a.EncryptedRefreshToken)
	if err != nil {
		return "", fmt.Errorf("decrypting refresh token for %s: %w", a.ID, err)
	}
	tok, err := r.refresher.Refresh(ctx, a.Provider, refresh)
	if err != nil {
		return "", fmt.Errorf("refreshing token for %s: %w", a.ID, err)
	}

	encAccess, err := r.vault.Encrypt(tok.AccessToken)
	if err != nil {
		return "", err
	}
	var encRefresh *string
	if tok.RefreshToken != "" && tok.RefreshToken != refresh {
		if encRefresh, err = r.vault.EncryptPtr(tok.RefreshToken); err != nil {
			return "", err
		}
	}
	var expiry *time.Time
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry.UTC()
		expiry = &exp
	}

	if err := r.store.UpdateAccountTokens(ctx, a.ID, &encAccess, encRefresh, expiry); err != nil {
		return "", fmt.Errorf("saving refreshed token for %s: %w", a.ID, err)
	}
	a.EncryptedAccessToken = &encAccess
	if encRefresh != nil {
		a.EncryptedRefreshToken = encRefresh
	}
	a.TokenExpiresAt = expiry

	r.logger.Info().Str("account_id", a.ID).Str("provider", a.Provider).Msg("refreshed oauth token")
	return tok.AccessToken, nil
}

// DefaultSender returns the account a user's outbound mail goes through:
// the default account, else the earliest created.
func DefaultSender(ctx context.Context, s store.Store, userID string) (*model.EmailAccount, error) {
	accounts, err := s.ListAccountsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("accounts for user %s: %w", userID, store.ErrNotFound)
	}
	return &accounts[0], nil
}
