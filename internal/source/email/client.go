package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/zerolog"

	"github.com/nhle/mailflow/internal/model"
	"github.com/nhle/mailflow/internal/source"
)

// Connector opens IMAP and SMTP sessions with bounded connect timeouts.
type Connector struct {
	ConnectTimeout time.Duration
	CommandTimeout time.Duration

	// TLSConfig is cloned for every connection. ServerName is filled in
	// from the endpoint host when empty.
	TLSConfig *tls.Config

	logger zerolog.Logger
}

// NewConnector creates a Connector.
func NewConnector(connectTimeout, commandTimeout time.Duration, logger zerolog.Logger) *Connector {
	return &Connector{
		ConnectTimeout: connectTimeout,
		CommandTimeout: commandTimeout,
		logger:         logger.With().Str("component", "mail-connector").Logger(),
	}
}

var _ source.Connector = (*Connector)(nil)

func (c *Connector) tlsConfig(host string) *tls.Config {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if c.TLSConfig != nil {
		cfg = c.TLSConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	return cfg
}

func (c *Connector) connectTimeout() time.Duration {
	if c.ConnectTimeout <= 0 {
		return 20 * time.Second
	}
	return c.ConnectTimeout
}

// dial opens a TCP connection, wrapping it in TLS for implicit-TLS
// endpoints. Dial errors are returned as TransportErrors.
func (c *Connector) dial(ctx context.Context, proto source.Protocol, ep source.Endpoint) (net.Conn, error) {
	timeout := c.connectTimeout()
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	netDialer := &net.Dialer{Timeout: timeout}
	var (
		conn net.Conn
		err  error
	)
	if ep.Security == model.SecurityTLS {
		d := &tls.Dialer{NetDialer: netDialer, Config: c.tlsConfig(ep.Host)}
		conn, err = d.DialContext(dialCtx, "tcp", ep.Addr())
	} else {
		conn, err = netDialer.DialContext(dialCtx, "tcp", ep.Addr())
	}
	if err != nil {
		return nil, source.NewTransportError(proto, "dial "+ep.Addr(), err)
	}
	return conn, nil
}

// OpenIMAP connects, authenticates with the account's auth strategy and
// returns a session. The caller must Close the session.
func (c *Connector) OpenIMAP(ctx context.Context, creds source.Credentials) (source.MailboxSession, error) {
	conn, err := c.dial(ctx, source.ProtocolIMAP, creds.IMAP)
	if err != nil {
		return nil, err
	}

	// Bound the greeting, STARTTLS and auth exchange by the connect budget.
	_ = conn.SetDeadline(time.Now().Add(c.connectTimeout()))
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	var client *imapclient.Client
	if creds.IMAP.Security == model.SecurityStartTLS {
		client, err = imapclient.NewStartTLS(conn, &imapclient.Options{TLSConfig: c.tlsConfig(creds.IMAP.Host)})
		if err != nil {
			_ = conn.Close()
			return nil, source.NewTransportError(source.ProtocolIMAP, "starttls", err)
		}
	} else {
		client = imapclient.New(conn, nil)
		if err := client.WaitGreeting(); err != nil {
			_ = client.Close()
			return nil, source.NewTransportError(source.ProtocolIMAP, "greeting", err)
		}
	}

	if err := c.authenticateIMAP(client, creds); err != nil {
		_ = client.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, source.NewTransportError(source.ProtocolIMAP, "authenticate", ctxErr)
		}
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	c.logger.Debug().
		Str("account_id", creds.AccountID).
		Str("mechanism", creds.Auth.Mechanism()).
		Msg("imap session opened")

	return &imapSession{client: client, conn: conn, commandTimeout: c.CommandTimeout}, nil
}

func (c *Connector) authenticateIMAP(client *imapclient.Client, creds source.Credentials) error {
	var err error
	switch auth := creds.Auth.(type) {
	case source.OAuthAuth:
		err = client.Authenticate(NewXOAuth2Client(creds.Username, auth.AccessToken))
	case source.PasswordAuth:
		err = client.Login(creds.Username, auth.Password).Wait()
	default:
		return &source.AuthError{Protocol: source.ProtocolIMAP, Message: "no auth strategy configured"}
	}
	if err == nil {
		return nil
	}

	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		return &source.AuthError{
			Protocol: source.ProtocolIMAP,
			Message:  fmt.Sprintf("authentication failed for %s: %v", creds.Username, err),
		}
	}
	return source.NewTransportError(source.ProtocolIMAP, "authenticate", err)
}

// imapSession implements source.MailboxSession over go-imap v2.
type imapSession struct {
	client         *imapclient.Client
	conn           net.Conn
	commandTimeout time.Duration

	mailbox  string
	messages uint32
}

// guard ties one command to ctx and the per-command deadline.
func (s *imapSession) guard(ctx context.Context) func() {
	if s.commandTimeout > 0 {
		_ = s.conn.SetDeadline(time.Now().Add(s.commandTimeout))
	}
	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	return func() {
		stop()
		_ = s.conn.SetDeadline(time.Time{})
	}
}

func (s *imapSession) wrap(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return source.NewTransportError(source.ProtocolIMAP, op, ctxErr)
	}
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		return fmt.Errorf("imap %s: %w", op, err)
	}
	return source.NewTransportError(source.ProtocolIMAP, op, err)
}

func (s *imapSession) Select(ctx context.Context, mailbox string) (*source.MailboxStatus, error) {
	defer s.guard(ctx)()

	data, err := s.client.Select(mailbox, nil).Wait()
	if err != nil {
		return nil, s.wrap(ctx, "select "+mailbox, err)
	}
	s.mailbox = mailbox
	s.messages = data.NumMessages
	return &source.MailboxStatus{
		Name:        mailbox,
		Messages:    data.NumMessages,
		UIDNext:     uint32(data.UIDNext),
		UIDValidity: data.UIDValidity,
	}, nil
}

func (s *imapSession) SearchAfterUID(ctx context.Context, uid uint32) ([]uint32, error) {
	defer s.guard(ctx)()

	var set imap.UIDSet
	// 0 stands for "*", the highest UID in the mailbox.
	set.AddRange(imap.UID(uid+1), 0)

	data, err := s.client.UIDSearch(&imap.SearchCriteria{UID: []imap.UIDSet{set}}, nil).Wait()
	if err != nil {
		return nil, s.wrap(ctx, "uid search", err)
	}
	return uidsAfter(data.AllUIDs(), uid), nil
}

// uidsAfter keeps UIDs strictly greater than after, ascending. "N:*"
// always matches the highest UID even when it is below N.
func uidsAfter(uids []imap.UID, after uint32) []uint32 {
	out := make([]uint32, 0, len(uids))
	for _, u := range uids {
		if uint32(u) > after {
			out = append(out, uint32(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *imapSession) RecentUIDs(ctx context.Context, n int) ([]uint32, error) {
	if s.messages == 0 || n <= 0 {
		return nil, nil
	}
	defer s.guard(ctx)()

	first := uint32(1)
	if s.messages > uint32(n) {
		first = s.messages - uint32(n) + 1
	}
	var set imap.SeqSet
	set.AddRange(first, s.messages)

	msgs, err := s.client.Fetch(set, &imap.FetchOptions{UID: true}).Collect()
	if err != nil {
		return nil, s.wrap(ctx, "fetch recent", err)
	}
	uids := make([]imap.UID, 0, len(msgs))
	for _, m := range msgs {
		uids = append(uids, m.UID)
	}
	return uidsAfter(uids, 0), nil
}

func (s *imapSession) FetchUIDs(ctx context.Context, uids []uint32) ([]source.FetchedMessage, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	defer s.guard(ctx)()

	set := uidSet(uids...)
	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := s.client.Fetch(set, &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{bodySection},
	})
	defer fetchCmd.Close()

	var out []source.FetchedMessage
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			return nil, s.wrap(ctx, "fetch", err)
		}
		fm := source.FetchedMessage{
			UID:          uint32(buf.UID),
			Raw:          buf.FindBodySection(bodySection),
			InternalDate: buf.InternalDate,
		}
		for _, f := range buf.Flags {
			fm.Flags = append(fm.Flags, string(f))
		}
		out = append(out, fm)
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, s.wrap(ctx, "fetch", err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

func (s *imapSession) AddFlags(ctx context.Context, uid uint32, flags ...string) error {
	defer s.guard(ctx)()

	imapFlags := make([]imap.Flag, 0, len(flags))
	for _, f := range flags {
		imapFlags = append(imapFlags, imap.Flag(f))
	}
	err := s.client.Store(uidSet(uid), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  imapFlags,
	}, nil).Close()
	return s.wrap(ctx, "store", err)
}

// Move tries each candidate mailbox in turn. Servers name archive, trash
// and junk folders differently, so the first that accepts the move wins.
func (s *imapSession) Move(ctx context.Context, uid uint32, candidates []string) (string, error) {
	defer s.guard(ctx)()

	var lastErr error
	for _, mailbox := range candidates {
		_, err := s.client.Move(uidSet(uid), mailbox).Wait()
		if err == nil {
			return mailbox, nil
		}
		var imapErr *imap.Error
		if !errors.As(err, &imapErr) {
			return "", s.wrap(ctx, "move", err)
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no candidate mailboxes")
	}
	return "", fmt.Errorf("imap move uid %d: %w", uid, lastErr)
}

// Close logs out and closes the connection. It is safe to call after a
// failed command.
func (s *imapSession) Close() error {
	_ = s.conn.SetDeadline(time.Now().Add(5 * time.Second))
	_ = s.client.Logout().Wait()
	return s.client.Close()
}

func uidSet(uids ...uint32) imap.UIDSet {
	converted := make([]imap.UID, len(uids))
	for i, u := range uids {
		converted[i] = imap.UID(u)
	}
	return imap.UIDSetNum(converted...)
}
