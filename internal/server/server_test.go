package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailflow/internal/categorize"
	"github.com/nhle/mailflow/internal/digest"
	"github.com/nhle/mailflow/internal/retention"
	"github.com/nhle/mailflow/internal/store"
	mailsync "github.com/nhle/mailflow/internal/sync"
)

const secret = "s3cret-token"

type stubJobs struct {
	calls      []string
	filter     store.UncategorizedFilter
	digestUser string
	syncErr    error
	block      bool
}

func (j *stubJobs) SyncAll(ctx context.Context) (mailsync.Summary, error) {
	j.calls = append(j.calls, "sync")
	if j.block {
		<-ctx.Done()
		return mailsync.Summary{}, ctx.Err()
	}
	return mailsync.Summary{AccountsProcessed: 2, EmailsInserted: 5}, j.syncErr
}

func (j *stubJobs) CategorizePending(_ context.Context, f store.UncategorizedFilter) (categorize.Summary, error) {
	j.calls = append(j.calls, "categorize")
	j.filter = f
	return categorize.Summary{Processed: 3, Categorized: 3}, nil
}

func (j *stubJobs) Purge(context.Context) (retention.Result, error) {
	j.calls = append(j.calls, "purge")
	return retention.Result{Deleted: 10, Batches: 1}, nil
}

func (j *stubJobs) ProcessAllUserDigests(context.Context) (digest.Summary, error) {
	j.calls = append(j.calls, "digest")
	return digest.Summary{UsersProcessed: 1, DigestsSent: 1}, nil
}

func (j *stubJobs) ProcessUserDigest(_ context.Context, userID string) (digest.UserResult, error) {
	j.calls = append(j.calls, "digest_user")
	j.digestUser = userID
	return digest.UserResult{UserID: userID, Sent: 2}, nil
}

func (j *stubJobs) ResetMonthlyCounters(context.Context) (categorize.ResetSummary, error) {
	j.calls = append(j.calls, "reset_quota")
	return categorize.ResetSummary{UsersReset: 4}, nil
}

type stubPinger struct{ err error }

func (p stubPinger) PingContext(context.Context) error { return p.err }

func newTestServer(j *stubJobs, opts Options, db Pinger) *Server {
	if opts.CronSecret == "" {
		opts.CronSecret = secret
	}
	return New(opts, Jobs{
		Sync:         j,
		Categorize:   j,
		Purge:        j,
		Digest:       j,
		ResetQuota:   j,
		PendingLimit: 200,
	}, db, zerolog.Nop())
}

func do(t *testing.T, s *Server, method, path, token string) (*httptest.ResponseRecorder, JobResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var resp JobResponse
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func TestJobs_RequireBearerSecret(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{name: "missing header", header: ""},
		{name: "wrong token", header: "Bearer nope"},
		{name: "wrong scheme", header: "Basic " + secret},
		{name: "prefix of secret", header: "Bearer s3cret"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := &stubJobs{}
			s := newTestServer(j, Options{}, stubPinger{})

			req := httptest.NewRequest(http.MethodPost, "/jobs/sync", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Empty(t, j.calls, "no job may run without the secret")
		})
	}
}

func TestJobs_EmptySecretRejectsEverything(t *testing.T) {
	j := &stubJobs{}
	s := New(Options{}, Jobs{Sync: j}, stubPinger{}, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/jobs/sync", nil)
	req.Header.Set("Authorization", "Bearer ")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, j.calls)
}

func TestJobs_RunAndReturnSummary(t *testing.T) {
	tests := []struct {
		path    string
		job     string
		summary map[string]any
	}{
		{"/jobs/sync", "sync", map[string]any{"accounts_processed": float64(2), "emails_inserted": float64(5)}},
		{"/jobs/categorize", "categorize", map[string]any{"processed": float64(3), "categorized": float64(3)}},
		{"/jobs/purge", "purge", map[string]any{"deleted": float64(10), "batches": float64(1)}},
		{"/jobs/digest", "digest", map[string]any{"users_processed": float64(1), "digests_sent": float64(1)}},
		{"/jobs/digest/user-9", "digest_user", map[string]any{"user_id": "user-9", "sent": float64(2)}},
		{"/jobs/reset-quota", "reset_quota", map[string]any{"users_reset": float64(4)}},
	}

	for _, tt := range tests {
		t.Run(tt.job, func(t *testing.T) {
			j := &stubJobs{}
			s := newTestServer(j, Options{}, stubPinger{})

			rec, resp := do(t, s, http.MethodPost, tt.path, secret)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, []string{tt.job}, j.calls)
			assert.Equal(t, tt.job, resp.Job)
			assert.Equal(t, "ok", resp.Status)

			summary, ok := resp.Summary.(map[string]any)
			require.True(t, ok)
			for k, v := range tt.summary {
				assert.Equal(t, v, summary[k], k)
			}
		})
	}
}

func TestJobs_CategorizeUsesPendingLimit(t *testing.T) {
	j := &stubJobs{}
	s := newTestServer(j, Options{}, stubPinger{})

	rec, _ := do(t, s, http.MethodPost, "/jobs/categorize", secret)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 200, j.filter.Limit)
	assert.Nil(t, j.filter.AccountID)
}

func TestJobs_DigestForOneUser(t *testing.T) {
	j := &stubJobs{}
	s := newTestServer(j, Options{}, stubPinger{})

	rec, _ := do(t, s, http.MethodPost, "/jobs/digest/abc-123", secret)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc-123", j.digestUser)
}

func TestJobs_FailureReportsError(t *testing.T) {
	j := &stubJobs{syncErr: errors.New("listing accounts: boom")}
	s := newTestServer(j, Options{}, stubPinger{})

	rec, resp := do(t, s, http.MethodPost, "/jobs/sync", secret)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "failed", resp.Status)
	assert.Contains(t, resp.Error, "boom")
}

func TestJobs_Timeout(t *testing.T) {
	j := &stubJobs{block: true}
	s := newTestServer(j, Options{JobTimeout: 20 * time.Millisecond}, stubPinger{})

	rec, resp := do(t, s, http.MethodPost, "/jobs/sync", secret)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, "failed", resp.Status)
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name   string
		db     Pinger
		status int
		body   string
	}{
		{name: "healthy", db: stubPinger{}, status: http.StatusOK, body: `"healthy"`},
		{name: "ping fails", db: stubPinger{err: errors.New("connection refused")}, status: http.StatusServiceUnavailable, body: "connection refused"},
		{name: "no database", db: nil, status: http.StatusServiceUnavailable, body: "not initialized"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(&stubJobs{}, Options{}, tt.db)

			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.body)
		})
	}
}

func TestMetricsIsPublic(t *testing.T) {
	s := newTestServer(&stubJobs{}, Options{}, stubPinger{})

	// One job run so the job histogram has a sample.
	rec, _ := do(t, s, http.MethodPost, "/jobs/purge", secret)
	require.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mailflow_job_duration_seconds")
}
