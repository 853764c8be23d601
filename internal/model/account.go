package model

import (
	"strings"
	"time"
)

// SecurityMode selects how a mail protocol connection is secured.
type SecurityMode string

const (
	SecurityTLS      SecurityMode = "tls"      // implicit TLS (993, 465)
	SecurityStartTLS SecurityMode = "starttls" // upgrade after greeting (143, 587)
	SecurityNone     SecurityMode = "none"
)

// ParseSecurityMode maps a configured value to a SecurityMode. Unknown
// values fall back to implicit TLS.
func ParseSecurityMode(s string) SecurityMode {
	switch SecurityMode(strings.ToLower(strings.TrimSpace(s))) {
	case SecurityStartTLS:
		return SecurityStartTLS
	case SecurityNone:
		return SecurityNone
	default:
		return SecurityTLS
	}
}

// EmailAccount is a user-owned mailbox the pipeline syncs from and sends
// digests through.
type EmailAccount struct {
	ID           string `json:"id" db:"id"`
	UserID       string `json:"user_id" db:"user_id"`
	EmailAddress string `json:"email_address" db:"email_address"`

	// Provider names the OAuth provider ("google", "microsoft") for
	// token-authenticated accounts; empty for password accounts.
	Provider string `json:"provider" db:"provider"`

	IMAPHost     string       `json:"imap_host" db:"imap_host"`
	IMAPPort     int          `json:"imap_port" db:"imap_port"`
	IMAPSecurity SecurityMode `json:"imap_security" db:"imap_security"`
	SMTPHost     string       `json:"smtp_host" db:"smtp_host"`
	SMTPPort     int          `json:"smtp_port" db:"smtp_port"`
	SMTPSecurity SecurityMode `json:"smtp_security" db:"smtp_security"`
	Username     string       `json:"username" db:"username"`

	// Credential columns hold vault ciphertext, never plaintext.
	EncryptedPassword     *string    `json:"-" db:"encrypted_password"`
	EncryptedAccessToken  *string    `json:"-" db:"encrypted_access_token"`
	EncryptedRefreshToken *string    `json:"-" db:"encrypted_refresh_token"`
	TokenExpiresAt        *time.Time `json:"-" db:"token_expires_at"`

	// Mailbox is the IMAP mailbox synced for this account.
	Mailbox   string `json:"mailbox" db:"mailbox"`
	IsDefault bool   `json:"is_default" db:"is_default"`

	// LastSyncedUID is the sync watermark. It only ever increases.
	LastSyncedUID uint32     `json:"last_synced_uid" db:"last_synced_uid"`
	LastSyncedAt  *time.Time `json:"last_synced_at,omitempty" db:"last_synced_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// UsesOAuth reports whether the account authenticates with a stored token.
func (a *EmailAccount) UsesOAuth() bool {
	return a.EncryptedAccessToken != nil && *a.EncryptedAccessToken != ""
}

// MailboxName returns the configured mailbox, defaulting to INBOX.
func (a *EmailAccount) MailboxName() string {
	if strings.TrimSpace(a.Mailbox) == "" {
		return "INBOX"
	}
	return a.Mailbox
}
