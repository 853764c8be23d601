package digest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailflow/internal/model"
	"github.com/nhle/mailflow/internal/normalize"
	"github.com/nhle/mailflow/internal/source"
	"github.com/nhle/mailflow/internal/store"
	"github.com/nhle/mailflow/internal/testutil"
)

type stubResolver struct{}

func (stubResolver) Resolve(_ context.Context, a *model.EmailAccount) (source.Credentials, error) {
	return source.Credentials{AccountID: a.ID, Address: a.EmailAddress, Auth: source.PasswordAuth{Password: "x"}}, nil
}

func enableDigest(t *testing.T, s store.Store, userID string, categories ...string) {
	t.Helper()
	ctx := context.Background()
	settings, err := s.GetUserSettings(ctx, userID)
	require.NoError(t, err)
	for _, c := range categories {
		settings.CategoryPreferences[c] = model.CategoryPreference{Action: model.ActionNone, Digest: true}
	}
	require.NoError(t, s.UpsertUserSettings(ctx, settings))
}

func TestTitle(t *testing.T) {
	assert.Equal(t, "Newsletter", Title("newsletter"))
	assert.Equal(t, "Email Verification", Title("email-verification"))
}

func TestProcessUserDigest_OnlyRecentEmails(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	a := testutil.CreateAccount(t, s, "user-1", "me@example.com")
	enableDigest(t, s, "user-1", model.CategoryNewsletter, model.CategoryFinance, model.CategoryUncategorizable)

	news := model.CategoryNewsletter
	unc := model.CategoryUncategorizable
	now := time.Now().UTC()
	for uid := uint32(1); uid <= 3; uid++ {
		testutil.InsertEmail(t, s, a, uid, now.Add(-time.Duration(uid)*24*time.Hour), &news)
	}
	testutil.InsertEmail(t, s, a, 20, now.AddDate(0, 0, -10), &news)
	testutil.InsertEmail(t, s, a, 21, now.AddDate(0, 0, -10), &news)
	testutil.InsertEmail(t, s, a, 30, now, &unc)

	conn := testutil.NewFakeConnector()
	c := NewComposer(s, conn, stubResolver{}, 7, 1, zerolog.Nop())
	c.now = func() time.Time { return now }

	res, err := c.ProcessUserDigest(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, []string{model.CategoryNewsletter}, res.Categories)

	require.Len(t, conn.Sent, 1)
	sent := conn.Sent[0]
	assert.Equal(t, "me@example.com", sent.From)
	assert.Equal(t, []string{"me@example.com"}, sent.To)
	assert.Equal(t, 1, conn.CloseSMTPs)

	parsed, err := normalize.NewParser().Parse(sent.Data)
	require.NoError(t, err)
	assert.Equal(t, "Your weekly Newsletter digest (3)", model.Deref(parsed.Subject))
	require.NotNil(t, parsed.TextBody)
	require.NotNil(t, parsed.HTMLBody)

	for uid := 1; uid <= 3; uid++ {
		assert.Contains(t, *parsed.TextBody, fmt.Sprintf("* Message %d", uid))
		assert.Contains(t, *parsed.HTMLBody, fmt.Sprintf("<strong>Message %d</strong>", uid))
	}
	assert.NotContains(t, *parsed.TextBody, "Message 20")
	assert.NotContains(t, *parsed.TextBody, "Message 21")
}

func TestProcessUserDigest_NothingToSend(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	testutil.CreateAccount(t, s, "user-1", "me@example.com")

	conn := testutil.NewFakeConnector()
	c := NewComposer(s, conn, stubResolver{}, 7, 1, zerolog.Nop())

	res, err := c.ProcessUserDigest(ctx, "user-1")
	require.NoError(t, err)
	assert.Zero(t, res.Sent)

	enableDigest(t, s, "user-1", model.CategoryTravel)
	res, err = c.ProcessUserDigest(ctx, "user-1")
	require.NoError(t, err)
	assert.Zero(t, res.Sent)
	assert.Zero(t, conn.OpenSMTPs, "no session without anything to send")
}

func TestProcessAllUserDigests_IsolatesFailures(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	news := model.CategoryNewsletter

	var failing string
	for i := 1; i <= 3; i++ {
		userID := fmt.Sprintf("user-%d", i)
		a := testutil.CreateAccount(t, s, userID, userID+"@example.com")
		enableDigest(t, s, userID, news)
		testutil.InsertEmail(t, s, a, 1, time.Now().Add(-time.Hour), &news)
		if i == 2 {
			failing = a.EmailAddress
		}
	}

	conn := testutil.NewFakeConnector()
	conn.SendErrFrom[failing] = errors.New("550 mailbox unavailable")

	summary, err := NewComposer(s, conn, stubResolver{}, 7, 2, zerolog.Nop()).ProcessAllUserDigests(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{UsersProcessed: 2, UsersFailed: 1, DigestsSent: 2}, summary)

	for _, m := range conn.Sent {
		assert.False(t, strings.HasPrefix(m.From, "user-2"))
	}
}

func TestRender_IsMultipartAlternative(t *testing.T) {
	d := NewDigest(model.CategoryFinance, []model.Email{{
		Subject:     model.StringPtr("Invoice <42>"),
		FromAddress: model.StringPtr("billing@example.com"),
		ReceivedAt:  time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC),
	}}, time.Date(2025, 12, 29, 0, 0, 0, 0, time.UTC), time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC))

	raw, err := Render(d, "me@example.com", "me@example.com", time.Now())
	require.NoError(t, err)
	assert.Contains(t, string(raw), "multipart/alternative")

	parsed, err := normalize.NewParser().Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "Your weekly Finance digest (1)", model.Deref(parsed.Subject))
	assert.Contains(t, model.Deref(parsed.TextBody), "Invoice <42>")
	assert.Contains(t, model.Deref(parsed.HTMLBody), "Invoice &lt;42&gt;")
	assert.Contains(t, model.Deref(parsed.TextBody), "billing@example.com, Mon Jan 5 09:30")
	assert.NotNil(t, parsed.MessageID)
}
