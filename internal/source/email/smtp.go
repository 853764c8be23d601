package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/nhle/mailflow/internal/model"
	"github.com/nhle/mailflow/internal/source"
)

// OpenSMTP connects and authenticates an SMTP submission session. The
// caller must Close the returned Sender.
func (c *Connector) OpenSMTP(ctx context.Context, creds source.Credentials) (source.Sender, error) {
	conn, err := c.dial(ctx, source.ProtocolSMTP, creds.SMTP)
	if err != nil {
		return nil, err
	}

	_ = conn.SetDeadline(time.Now().Add(c.connectTimeout()))
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	var client *smtp.Client
	if creds.SMTP.Security == model.SecurityStartTLS {
		client, err = smtp.NewClientStartTLS(conn, c.tlsConfig(creds.SMTP.Host))
		if err != nil {
			_ = conn.Close()
			return nil, source.NewTransportError(source.ProtocolSMTP, "starttls", err)
		}
	} else {
		client = smtp.NewClient(conn)
	}
	if c.CommandTimeout > 0 {
		client.CommandTimeout = c.CommandTimeout
		client.SubmissionTimeout = c.CommandTimeout
	}

	if err := authenticateSMTP(client, creds); err != nil {
		_ = client.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, source.NewTransportError(source.ProtocolSMTP, "authenticate", ctxErr)
		}
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	c.logger.Debug().
		Str("account_id", creds.AccountID).
		Str("mechanism", creds.Auth.Mechanism()).
		Msg("smtp session opened")

	return &smtpSender{client: client}, nil
}

func authenticateSMTP(client *smtp.Client, creds source.Credentials) error {
	var saslClient sasl.Client
	switch auth := creds.Auth.(type) {
	case source.OAuthAuth:
		saslClient = NewXOAuth2Client(creds.Username, auth.AccessToken)
	case source.PasswordAuth:
		saslClient = sasl.NewPlainClient("", creds.Username, auth.Password)
	default:
		return &source.AuthError{Protocol: source.ProtocolSMTP, Message: "no auth strategy configured"}
	}

	err := client.Auth(saslClient)
	if err == nil {
		return nil
	}
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return &source.AuthError{
			Protocol: source.ProtocolSMTP,
			Message:  fmt.Sprintf("authentication failed for %s: %v", creds.Username, err),
		}
	}
	return source.NewTransportError(source.ProtocolSMTP, "authenticate", err)
}

type smtpSender struct {
	client *smtp.Client
}

// Send submits one message. Server rejections are returned as plain errors;
// connection failures as TransportErrors.
func (s *smtpSender) Send(ctx context.Context, from string, to []string, msg []byte) error {
	if len(to) == 0 {
		return errors.New("smtp send: no recipients")
	}
	stop := context.AfterFunc(ctx, func() { _ = s.client.Close() })
	defer stop()

	err := s.client.SendMail(from, to, bytes.NewReader(msg))
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return source.NewTransportError(source.ProtocolSMTP, "send", ctxErr)
	}
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return fmt.Errorf("smtp send: %w", err)
	}
	return source.NewTransportError(source.ProtocolSMTP, "send", err)
}

func (s *smtpSender) Close() error {
	if err := s.client.Quit(); err != nil {
		return s.client.Close()
	}
	return nil
}
