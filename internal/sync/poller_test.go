package sync_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mailsync "github.com/nhle/mailflow/internal/sync"
	"github.com/nhle/mailflow/internal/testutil"
)

func nextSummary(t *testing.T, p *mailsync.Poller) mailsync.Summary {
	t.Helper()
	select {
	case s := <-p.Results():
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a poll result")
		return mailsync.Summary{}
	}
}

func TestPoller_RunsImmediatelyAndOnTrigger(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.CreateAccount(t, s, "user-1", "me@example.com")

	conn := testutil.NewFakeConnector()
	addMessages(conn, 1, 2)

	p := mailsync.NewPoller(newEngine(s, conn, mailsync.Options{}), time.Hour, time.Minute, zerolog.Nop())
	p.Start(context.Background())
	defer p.Stop()

	first := nextSummary(t, p)
	assert.Equal(t, mailsync.Summary{AccountsProcessed: 1, EmailsInserted: 2}, first)

	addMessages(conn, 3)
	p.Trigger()

	second := nextSummary(t, p)
	assert.Equal(t, mailsync.Summary{AccountsProcessed: 1, EmailsInserted: 1}, second)
}

func TestPoller_StopWaitsForLoop(t *testing.T) {
	s := testutil.NewTestStore(t)
	p := mailsync.NewPoller(newEngine(s, testutil.NewFakeConnector(), mailsync.Options{}), time.Hour, 0, zerolog.Nop())

	p.Start(context.Background())
	nextSummary(t, p)

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	// Stopping twice is a no-op.
	require.NotPanics(t, p.Stop)
}

func TestPoller_Restart(t *testing.T) {
	s := testutil.NewTestStore(t)
	testutil.CreateAccount(t, s, "user-1", "me@example.com")

	conn := testutil.NewFakeConnector()
	addMessages(conn, 1)

	p := mailsync.NewPoller(newEngine(s, conn, mailsync.Options{}), time.Hour, time.Minute, zerolog.Nop())
	p.Start(context.Background())
	assert.Equal(t, 1, nextSummary(t, p).EmailsInserted)
	p.Stop()

	addMessages(conn, 2)
	require.NotPanics(t, func() { p.Start(context.Background()) })
	assert.Equal(t, 1, nextSummary(t, p).EmailsInserted)
	require.NotPanics(t, p.Stop)
}
