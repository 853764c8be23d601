package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nhle/mailflow/internal/model"
	"github.com/nhle/mailflow/internal/store"
)

// NewTestStore creates an in-memory SQLStore with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *store.SQLStore {
	t.Helper()

	s, err := store.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// CreateAccount inserts a password account for userID and ensures the
// user's settings row exists.
func CreateAccount(t *testing.T, s store.Store, userID, address string) *model.EmailAccount {
	t.Helper()

	ctx := context.Background()
	a := &model.EmailAccount{
		UserID:       userID,
		EmailAddress: address,
		IMAPHost:     "imap.example.com",
		IMAPPort:     993,
		IMAPSecurity: model.SecurityTLS,
		SMTPHost:     "smtp.example.com",
		SMTPPort:     465,
		SMTPSecurity: model.SecurityTLS,
		Username:     address,
	}
	if err := s.CreateAccount(ctx, a); err != nil {
		t.Fatalf("creating account: %v", err)
	}
	if _, err := s.EnsureUserSettings(ctx, userID); err != nil {
		t.Fatalf("creating settings: %v", err)
	}
	return a
}

// InsertEmail stores a minimal email for account in INBOX.
func InsertEmail(
	t *testing.T,
	s store.Store,
	account *model.EmailAccount,
	uid uint32,
	receivedAt time.Time,
	category *string,
) *model.Email {
	t.Helper()

	ctx := context.Background()
	folder, err := s.EnsureFolder(ctx, account.ID, "INBOX")
	if err != nil {
		t.Fatalf("ensuring folder: %v", err)
	}
	subject := fmt.Sprintf("Message %d", uid)
	messageID := fmt.Sprintf("msg-%d-%s@example.com", uid, account.ID)
	e := &model.Email{
		AccountID:   account.ID,
		FolderID:    folder.ID,
		UID:         uid,
		MessageID:   &messageID,
		FromAddress: model.StringPtr("sender@example.com"),
		Subject:     &subject,
		BodyText:    model.StringPtr("Body of " + subject),
		Preview:     model.StringPtr("Body of " + subject),
		ReceivedAt:  receivedAt,
		Category:    category,
	}
	ok, err := s.InsertEmail(ctx, e, nil)
	if err != nil {
		t.Fatalf("inserting email: %v", err)
	}
	if !ok {
		t.Fatalf("email uid %d was not inserted", uid)
	}
	return e
}

// RawMessage builds a minimal RFC 5322 message.
func RawMessage(messageID, subject, body string, date time.Time) []byte {
	return []byte(fmt.Sprintf(
		"Message-ID: <%s>\r\nDate: %s\r\nFrom: Sender <sender@example.com>\r\nTo: me@example.com\r\nSubject: %s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n",
		messageID, date.Format(time.RFC1123Z), subject, body,
	))
}
