package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestNewTransportError_Kinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want TransportKind
	}{
		{name: "context deadline", err: context.DeadlineExceeded, want: TransportTimeout},
		{name: "net timeout", err: &net.OpError{Op: "dial", Err: timeoutErr{}}, want: TransportTimeout},
		{name: "refused", err: &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, want: TransportRefused},
		{name: "tls handshake", err: errors.New("tls: first record does not look like a TLS handshake"), want: TransportTLS},
		{name: "other", err: errors.New("connection reset by peer"), want: TransportNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := NewTransportError(ProtocolIMAP, "dial", tt.err)
			assert.Equal(t, tt.want, te.Kind)
			assert.ErrorIs(t, te, tt.err)
		})
	}
}

func TestErrorPredicates(t *testing.T) {
	auth := fmt.Errorf("syncing: %w", &AuthError{Protocol: ProtocolSMTP, Message: "535 bad credentials"})
	transport := fmt.Errorf("syncing: %w", NewTransportError(ProtocolIMAP, "dial", context.DeadlineExceeded))

	assert.True(t, IsAuthError(auth))
	assert.False(t, IsTransportError(auth))
	assert.True(t, IsTransportError(transport))
	assert.False(t, IsAuthError(transport))
	assert.Contains(t, auth.Error(), "smtp")
}

func TestAuthMechanism(t *testing.T) {
	var a Auth = OAuthAuth{AccessToken: "tok"}
	assert.Equal(t, "XOAUTH2", a.Mechanism())
	a = PasswordAuth{Password: "pw"}
	assert.Equal(t, "PLAIN", a.Mechanism())
}

func TestFetchedMessage_HasFlag(t *testing.T) {
	m := FetchedMessage{Flags: []string{`\seen`, "$Label"}}
	assert.True(t, m.HasFlag(FlagSeen))
	assert.False(t, m.HasFlag(FlagFlagged))
}

func TestEndpointAddr(t *testing.T) {
	assert.Equal(t, "imap.example.com:993", Endpoint{Host: "imap.example.com", Port: 993}.Addr())
}
