package sync_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailflow/internal/model"
	"github.com/nhle/mailflow/internal/source"
	"github.com/nhle/mailflow/internal/store"
	mailsync "github.com/nhle/mailflow/internal/sync"
	"github.com/nhle/mailflow/internal/testutil"
)

type stubResolver struct {
	failFor map[string]error
}

func (r *stubResolver) Resolve(_ context.Context, a *model.EmailAccount) (source.Credentials, error) {
	if err := r.failFor[a.ID]; err != nil {
		return source.Credentials{}, err
	}
	return source.Credentials{
		AccountID: a.ID,
		Address:   a.EmailAddress,
		Username:  a.Username,
		Auth:      source.PasswordAuth{Password: "secret"},
	}, nil
}

// failingStore fails the nth InsertEmail call.
type failingStore struct {
	store.Store
	failOn int
	calls  int
}

func (s *failingStore) InsertEmail(ctx context.Context, e *model.Email, atts []model.Attachment) (bool, error) {
	s.calls++
	if s.calls == s.failOn {
		return false, &store.PersistenceError{Op: "inserting email", Err: errors.New("disk full")}
	}
	return s.Store.InsertEmail(ctx, e, atts)
}

func addMessages(c *testutil.FakeConnector, uids ...uint32) {
	for _, uid := range uids {
		raw := testutil.RawMessage(
			fmt.Sprintf("uid-%d@example.com", uid),
			fmt.Sprintf("Subject %d", uid),
			fmt.Sprintf("Body %d", uid),
			time.Now().Add(-time.Hour),
		)
		c.AddMessage("INBOX", uid, raw)
	}
}

func newEngine(s store.Store, c source.Connector, opts mailsync.Options) *mailsync.Engine {
	return mailsync.New(s, c, &stubResolver{}, nil, opts, zerolog.Nop())
}

func setWatermark(t *testing.T, s store.Store, a *model.EmailAccount, uid uint32) {
	t.Helper()
	require.NoError(t, s.AdvanceWatermark(context.Background(), a.ID, a.LastSyncedUID, uid, time.Now()))
	a.LastSyncedUID = uid
}

func TestSyncAccount_FetchesOnlyAfterWatermark(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	a := testutil.CreateAccount(t, s, "user-1", "me@example.com")
	setWatermark(t, s, a, 100)

	conn := testutil.NewFakeConnector()
	addMessages(conn, 99, 100, 101, 102, 103)

	engine := newEngine(s, conn, mailsync.Options{})
	res, err := engine.SyncAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Inserted)
	assert.Equal(t, uint32(103), res.Watermark)

	got, err := s.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(103), got.LastSyncedUID)
	require.NotNil(t, got.LastSyncedAt)

	n, err := s.CountEmails(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, conn.OpenIMAPs, conn.CloseIMAPs)

	// A second run with no new mail inserts nothing.
	res, err = engine.SyncAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Zero(t, res.Inserted)
	assert.Equal(t, uint32(103), res.Watermark)
}

func TestSyncAccount_FailureMidBatchKeepsWatermark(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	a := testutil.CreateAccount(t, s, "user-1", "me@example.com")
	setWatermark(t, s, a, 100)

	conn := testutil.NewFakeConnector()
	addMessages(conn, 101, 102, 103)

	failing := &failingStore{Store: s, failOn: 3}
	_, err := newEngine(failing, conn, mailsync.Options{}).SyncAccount(ctx, a.ID)
	require.Error(t, err)
	assert.True(t, store.IsPersistenceError(err))

	got, err := s.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(100), got.LastSyncedUID)
	n, err := s.CountEmails(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, conn.CloseIMAPs, "session closed on the failure path")

	res, err := newEngine(s, conn, mailsync.Options{}).SyncAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, uint32(103), res.Watermark)

	n, err = s.CountEmails(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSyncAccount_BatchesAdvanceWatermarkIncrementally(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	a := testutil.CreateAccount(t, s, "user-1", "me@example.com")

	conn := testutil.NewFakeConnector()
	addMessages(conn, 1, 2, 3, 4, 5)

	failing := &failingStore{Store: s, failOn: 5}
	_, err := newEngine(failing, conn, mailsync.Options{BatchSize: 2}).SyncAccount(ctx, a.ID)
	require.Error(t, err)

	got, err := s.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), got.LastSyncedUID)
}

func TestSyncAccount_InitialRecentAndFlags(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	a := testutil.CreateAccount(t, s, "user-1", "me@example.com")

	conn := testutil.NewFakeConnector()
	addMessages(conn, 10, 11, 12)
	conn.AddMessage("INBOX", 13, testutil.RawMessage("seen@example.com", "Seen", "read me", time.Now()),
		source.FlagSeen, source.FlagFlagged)

	var hooked []string
	engine := newEngine(s, conn, mailsync.Options{InitialRecent: 2})
	engine.SetAfterSync(func(_ context.Context, _ *model.EmailAccount, ids []string) {
		hooked = append(hooked, ids...)
	})

	res, err := engine.SyncAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, uint32(13), res.Watermark)
	assert.ElementsMatch(t, res.InsertedIDs, hooked)

	seen, err := s.GetEmail(ctx, res.InsertedIDs[1])
	require.NoError(t, err)
	assert.True(t, seen.IsRead)
	assert.True(t, seen.IsStarred)
	assert.Equal(t, "seen@example.com", model.Deref(seen.MessageID))
	assert.Equal(t, "read me", model.Deref(seen.Preview))

	status, ok := engine.Status(a.ID)
	require.True(t, ok)
	assert.Equal(t, mailsync.SyncIdle, status.State)
	assert.False(t, status.LastSync.IsZero())
}

func TestSyncAll_IsolatesFailures(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()
	good := testutil.CreateAccount(t, s, "user-1", "good@example.com")
	bad := testutil.CreateAccount(t, s, "user-2", "bad@example.com")
	locked := testutil.CreateAccount(t, s, "user-3", "busy@example.com")

	conn := testutil.NewFakeConnector()
	addMessages(conn, 1, 2)

	locker := mailsync.NewMemoryLocker()
	release, err := locker.Lock(ctx, locked.ID)
	require.NoError(t, err)
	defer release()

	resolver := &stubResolver{failFor: map[string]error{
		bad.ID: &source.AuthError{Protocol: source.ProtocolIMAP, Message: "invalid credentials"},
	}}
	engine := mailsync.New(s, conn, resolver, locker, mailsync.Options{Workers: 3}, zerolog.Nop())

	summary, err := engine.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, mailsync.Summary{
		AccountsProcessed: 1,
		AccountsFailed:    1,
		AccountsSkipped:   1,
		EmailsInserted:    2,
	}, summary)

	status, ok := engine.Status(bad.ID)
	require.True(t, ok)
	assert.Equal(t, mailsync.SyncFailed, status.State)
	assert.True(t, source.IsAuthError(status.Error))

	got, err := s.GetAccount(ctx, good.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), got.LastSyncedUID)

	statuses := engine.GetStatuses()
	assert.Len(t, statuses, 2)
}

func TestSyncAccount_TransportErrorAborts(t *testing.T) {
	s := testutil.NewTestStore(t)
	a := testutil.CreateAccount(t, s, "user-1", "me@example.com")

	conn := testutil.NewFakeConnector()
	addMessages(conn, 1)
	conn.FetchErr = source.NewTransportError(source.ProtocolIMAP, "fetch", context.DeadlineExceeded)

	_, err := newEngine(s, conn, mailsync.Options{}).SyncAccount(context.Background(), a.ID)
	require.Error(t, err)
	assert.True(t, source.IsTransportError(err))

	got, err := s.GetAccount(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Zero(t, got.LastSyncedUID)
}

func TestMemoryLocker(t *testing.T) {
	l := mailsync.NewMemoryLocker()
	ctx := context.Background()

	release, err := l.Lock(ctx, "acct")
	require.NoError(t, err)

	_, err = l.Lock(ctx, "acct")
	assert.ErrorIs(t, err, mailsync.ErrLocked)

	other, err := l.Lock(ctx, "other")
	require.NoError(t, err)
	other()

	release()
	release()
	again, err := l.Lock(ctx, "acct")
	require.NoError(t, err)
	again()
}

func TestChainReleasesOnFailure(t *testing.T) {
	first := mailsync.NewMemoryLocker()
	second := mailsync.NewMemoryLocker()
	ctx := context.Background()

	hold, err := second.Lock(ctx, "acct")
	require.NoError(t, err)

	chain := mailsync.Chain(first, second)
	_, err = chain.Lock(ctx, "acct")
	assert.ErrorIs(t, err, mailsync.ErrLocked)

	// first must have been released.
	r, err := first.Lock(ctx, "acct")
	require.NoError(t, err)
	r()
	hold()

	release, err := chain.Lock(ctx, "acct")
	require.NoError(t, err)
	release()
}

func TestRedisLocker_FailsOpenWhenUnavailable(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	l := mailsync.NewRedisLocker(rdb, time.Minute, zerolog.Nop())
	release, err := l.Lock(context.Background(), "acct")
	require.NoError(t, err)
	require.NotNil(t, release)
	release()
}
