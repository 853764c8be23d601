package email

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailflow/internal/model"
	"github.com/nhle/mailflow/internal/source"
)

func TestXOAuth2Client(t *testing.T) {
	c := NewXOAuth2Client("me@example.com", "ya29.token")

	mech, ir, err := c.Start()
	require.NoError(t, err)
	assert.Equal(t, "XOAUTH2", mech)
	assert.Equal(t, "user=me@example.com\x01auth=Bearer ya29.token\x01\x01", string(ir))

	resp, err := c.Next([]byte(`{"status":"401","schemes":"Bearer"}`))
	require.NoError(t, err)
	assert.Empty(t, resp)
}

func TestUIDsAfter(t *testing.T) {
	tests := []struct {
		name  string
		uids  []imap.UID
		after uint32
		want  []uint32
	}{
		{name: "strictly greater", uids: []imap.UID{101, 102, 103}, after: 100, want: []uint32{101, 102, 103}},
		{name: "star matches old max", uids: []imap.UID{100}, after: 100, want: []uint32{}},
		{name: "unsorted input", uids: []imap.UID{7, 5, 6}, after: 0, want: []uint32{5, 6, 7}},
		{name: "empty", uids: nil, after: 10, want: []uint32{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, uidsAfter(tt.uids, tt.after))
		})
	}
}

func TestNeedsRefresh(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	soon := now.Add(30 * time.Second)
	later := now.Add(time.Hour)

	assert.False(t, NeedsRefresh(nil, now))
	assert.True(t, NeedsRefresh(&soon, now))
	assert.False(t, NeedsRefresh(&later, now))
}

func TestTokenRefresher_Refresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		if r.Form.Get("refresh_token") != "good-refresh" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"new-access","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	r := NewTokenRefresher(map[string]model.OAuthProviderConfig{
		"google": {ClientID: "id", ClientSecret: "secret", TokenURL: srv.URL},
	})

	tok, err := r.Refresh(context.Background(), "Google", "good-refresh")
	require.NoError(t, err)
	assert.Equal(t, "new-access", tok.AccessToken)
	assert.Equal(t, "good-refresh", tok.RefreshToken)
	assert.True(t, tok.Expiry.After(time.Now()))

	_, err = r.Refresh(context.Background(), "google", "revoked")
	assert.True(t, source.IsAuthError(err))

	_, err = r.Refresh(context.Background(), "yahoo", "x")
	assert.ErrorIs(t, err, ErrNoOAuthProvider)
}

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestOpenIMAP_RefusedIsTransportError(t *testing.T) {
	c := NewConnector(2*time.Second, time.Second, zerolog.Nop())
	creds := source.Credentials{
		Username: "user",
		IMAP:     source.Endpoint{Host: "127.0.0.1", Port: closedPort(t), Security: model.SecurityNone},
		Auth:     source.PasswordAuth{Password: "pw"},
	}

	_, err := c.OpenIMAP(context.Background(), creds)
	require.Error(t, err)

	var te *source.TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, source.TransportRefused, te.Kind)
	assert.Equal(t, source.ProtocolIMAP, te.Protocol)
}

type receivedMail struct {
	from string
	to   []string
	data string
}

type recordingBackend struct {
	user, pass string

	mu       sync.Mutex
	received []receivedMail
}

func (b *recordingBackend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &recordingSession{backend: b}, nil
}

type recordingSession struct {
	backend *recordingBackend
	from    string
	to      []string
}

func (s *recordingSession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *recordingSession) Auth(_ string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(_, username, password string) error {
		if username != s.backend.user || password != s.backend.pass {
			return errors.New("invalid credentials")
		}
		return nil
	}), nil
}

func (s *recordingSession) Mail(from string, _ *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *recordingSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.to = append(s.to, to)
	return nil
}

func (s *recordingSession) Data(r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.backend.received = append(s.backend.received, receivedMail{from: s.from, to: s.to, data: string(b)})
	return nil
}

func (s *recordingSession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *recordingSession) Logout() error { return nil }

func startSMTPServer(t *testing.T, be *recordingBackend) int {
	t.Helper()
	srv := smtp.NewServer(be)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true
	srv.ReadTimeout = 5 * time.Second
	srv.WriteTimeout = 5 * time.Second

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })
	return ln.Addr().(*net.TCPAddr).Port
}

func TestOpenSMTP_SendPlain(t *testing.T) {
	be := &recordingBackend{user: "me@example.com", pass: "app-password"}
	port := startSMTPServer(t, be)

	c := NewConnector(2*time.Second, 5*time.Second, zerolog.Nop())
	creds := source.Credentials{
		Username: "me@example.com",
		SMTP:     source.Endpoint{Host: "127.0.0.1", Port: port, Security: model.SecurityNone},
		Auth:     source.PasswordAuth{Password: "app-password"},
	}

	sender, err := c.OpenSMTP(context.Background(), creds)
	require.NoError(t, err)

	msg := "Subject: hello\r\n\r\nbody\r\n"
	require.NoError(t, sender.Send(context.Background(), "me@example.com", []string{"me@example.com"}, []byte(msg)))
	require.NoError(t, sender.Close())

	be.mu.Lock()
	defer be.mu.Unlock()
	require.Len(t, be.received, 1)
	assert.Equal(t, "me@example.com", be.received[0].from)
	assert.Equal(t, []string{"me@example.com"}, be.received[0].to)
	assert.Contains(t, be.received[0].data, "Subject: hello")
}

func TestOpenSMTP_BadPasswordIsAuthError(t *testing.T) {
	be := &recordingBackend{user: "me@example.com", pass: "right"}
	port := startSMTPServer(t, be)

	c := NewConnector(2*time.Second, 5*time.Second, zerolog.Nop())
	creds := source.Credentials{
		Username: "me@example.com",
		SMTP:     source.Endpoint{Host: "127.0.0.1", Port: port, Security: model.SecurityNone},
		Auth:     source.PasswordAuth{Password: "wrong"},
	}

	_, err := c.OpenSMTP(context.Background(), creds)
	require.Error(t, err)
	assert.True(t, source.IsAuthError(err))
}
