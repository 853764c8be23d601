package source

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/nhle/mailflow/internal/model"
)

// Protocol identifies the mail protocol a session speaks.
type Protocol string

const (
	ProtocolIMAP Protocol = "imap"
	ProtocolSMTP Protocol = "smtp"
)

// AuthError indicates that the server rejected the credentials or the OAuth
// token for an account.
type AuthError struct {
	Protocol Protocol
	Message  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Protocol, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// TransportKind narrows a TransportError.
type TransportKind string

const (
	TransportTimeout TransportKind = "timeout"
	TransportRefused TransportKind = "refused"
	TransportTLS     TransportKind = "tls"
	TransportNetwork TransportKind = "network"
)

// TransportError wraps a network-level failure talking to a mail server.
type TransportError struct {
	Protocol Protocol
	Kind     TransportKind
	Op       string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", e.Protocol, e.Op, e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransportError reports whether err (or any error in its chain) is a
// TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// NewTransportError classifies a low-level error into a TransportError.
func NewTransportError(proto Protocol, op string, err error) *TransportError {
	return &TransportError{Protocol: proto, Kind: classify(err), Op: op, Err: err}
}

func classify(err error) TransportKind {
	var netErr net.Error
	var recordErr tls.RecordHeaderError
	var certErr *tls.CertificateVerificationError
	var alert tls.AlertError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return TransportTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return TransportTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return TransportRefused
	case errors.As(err, &certErr), errors.As(err, &recordErr), errors.As(err, &alert):
		return TransportTLS
	case strings.Contains(strings.ToLower(err.Error()), "tls:"):
		return TransportTLS
	default:
		return TransportNetwork
	}
}

// Auth is the strategy used to authenticate a session. It is chosen once per
// account before any connection is made: OAuthAuth when an access token is
// stored, PasswordAuth otherwise. A rejected token never falls back.
type Auth interface {
	isAuth()
	Mechanism() string
}

// PasswordAuth authenticates with IMAP LOGIN and SMTP AUTH PLAIN.
type PasswordAuth struct {
	Password string
}

func (PasswordAuth) isAuth() {}

// Mechanism implements Auth.
func (PasswordAuth) Mechanism() string { return "PLAIN" }

// OAuthAuth authenticates with the XOAUTH2 SASL mechanism.
type OAuthAuth struct {
	AccessToken string
}

func (OAuthAuth) isAuth() {}

// Mechanism implements Auth.
func (OAuthAuth) Mechanism() string { return "XOAUTH2" }

// Endpoint is a host, port and security mode.
type Endpoint struct {
	Host     string
	Port     int
	Security model.SecurityMode
}

// Addr returns host:port.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, fmt.Sprint(e.Port))
}

// Credentials are the decrypted connection parameters for one account.
type Credentials struct {
	AccountID string
	Address   string
	Username  string
	IMAP      Endpoint
	SMTP      Endpoint
	Auth      Auth
}

// MailboxStatus is returned by Select.
type MailboxStatus struct {
	Name        string
	Messages    uint32
	UIDNext     uint32
	UIDValidity uint32
}

// FetchedMessage is one message returned by a fetch.
type FetchedMessage struct {
	UID          uint32
	Raw          []byte
	InternalDate time.Time
	Flags        []string
}

// Standard IMAP system flags.
const (
	FlagSeen    = `\Seen`
	FlagFlagged = `\Flagged`
)

// HasFlag reports whether the message carries flag.
func (m *FetchedMessage) HasFlag(flag string) bool {
	for _, f := range m.Flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

// MailboxSession is an authenticated IMAP session. The caller must Close it
// on every exit path.
type MailboxSession interface {
	// Select opens a mailbox and returns its status.
	Select(ctx context.Context, mailbox string) (*MailboxStatus, error)

	// SearchAfterUID returns UIDs strictly greater than uid in ascending order.
	SearchAfterUID(ctx context.Context, uid uint32) ([]uint32, error)

	// RecentUIDs returns the UIDs of the newest n messages in ascending order.
	RecentUIDs(ctx context.Context, n int) ([]uint32, error)

	// FetchUIDs fetches full messages for the given UIDs, in ascending order.
	FetchUIDs(ctx context.Context, uids []uint32) ([]FetchedMessage, error)

	// AddFlags adds flags to a message.
	AddFlags(ctx context.Context, uid uint32, flags ...string) error

	// Move moves a message to the first candidate mailbox that exists and
	// returns the chosen name.
	Move(ctx context.Context, uid uint32, candidates []string) (string, error)

	io.Closer
}

// Sender is an authenticated SMTP session.
type Sender interface {
	Send(ctx context.Context, from string, to []string, msg []byte) error
	io.Closer
}

// Connector opens protocol sessions for an account.
type Connector interface {
	OpenIMAP(ctx context.Context, creds Credentials) (MailboxSession, error)
	OpenSMTP(ctx context.Context, creds Credentials) (Sender, error)
}
