package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/nhle/mailflow/internal/categorize"
	"github.com/nhle/mailflow/internal/digest"
	"github.com/nhle/mailflow/internal/metrics"
	"github.com/nhle/mailflow/internal/retention"
	"github.com/nhle/mailflow/internal/store"
	mailsync "github.com/nhle/mailflow/internal/sync"
)

// Syncer runs a sync over every account.
type Syncer interface {
	SyncAll(ctx context.Context) (mailsync.Summary, error)
}

// Categorizer runs the categorization gate over pending emails.
type Categorizer interface {
	CategorizePending(ctx context.Context, f store.UncategorizedFilter) (categorize.Summary, error)
}

// Purger removes expired emails.
type Purger interface {
	Purge(ctx context.Context) (retention.Result, error)
}

// DigestSender sends weekly digests.
type DigestSender interface {
	ProcessAllUserDigests(ctx context.Context) (digest.Summary, error)
	ProcessUserDigest(ctx context.Context, userID string) (digest.UserResult, error)
}

// QuotaResetter resets monthly categorization counters.
type QuotaResetter interface {
	ResetMonthlyCounters(ctx context.Context) (categorize.ResetSummary, error)
}

// Pinger reports database reachability.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Jobs bundles everything the trigger routes run.
type Jobs struct {
	Sync         Syncer
	Categorize   Categorizer
	Purge        Purger
	Digest       DigestSender
	ResetQuota   QuotaResetter
	PendingLimit int
}

// Options configures the server.
type Options struct {
	Addr       string
	CronSecret string
	JobTimeout time.Duration
}

// Server is the scheduler-facing HTTP trigger.
type Server struct {
	echo   *echo.Echo
	opts   Options
	jobs   Jobs
	db     Pinger
	logger zerolog.Logger
}

// JobResponse is the body of every job route.
type JobResponse struct {
	Job        string `json:"job"`
	Status     string `json:"status"`
	DurationMS int64  `json:"duration_ms"`
	Summary    any    `json:"summary,omitempty"`
	Error      string `json:"error,omitempty"`
}

// New creates a server with its routes registered.
func New(opts Options, jobs Jobs, db Pinger, logger zerolog.Logger) *Server {
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 5 * time.Minute
	}
	s := &Server{
		opts:   opts,
		jobs:   jobs,
		db:     db,
		logger: logger.With().Str("component", "server").Logger(),
	}

	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(s.zerologMiddleware())
	s.echo.Use(middleware.Recover())
	s.setupRoutes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// zerologMiddleware logs every request through the service logger.
func (s *Server) zerologMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			res := c.Response()
			s.logger.Info().
				Str("method", req.Method).
				Str("uri", req.RequestURI).
				Str("remote_ip", c.RealIP()).
				Int("status", res.Status).
				Int64("latency_ms", time.Since(start).Milliseconds()).
				Msg("HTTP request")

			return nil
		}
	}
}

// requireCronSecret rejects requests whose bearer token does not match the
// configured secret. An empty secret rejects everything.
func (s *Server) requireCronSecret() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || s.opts.CronSecret == "" ||
				subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.CronSecret)) != 1 {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			}
			return next(c)
		}
	}
}

func (s *Server) setupRoutes() {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	jobs := s.echo.Group("/jobs", s.requireCronSecret())
	jobs.POST("/sync", s.runJob("sync", func(ctx context.Context, _ echo.Context) (any, error) {
		return s.jobs.Sync.SyncAll(ctx)
	}))
	jobs.POST("/categorize", s.runJob("categorize", func(ctx context.Context, _ echo.Context) (any, error) {
		return s.jobs.Categorize.CategorizePending(ctx, store.UncategorizedFilter{Limit: s.jobs.PendingLimit})
	}))
	jobs.POST("/purge", s.runJob("purge", func(ctx context.Context, _ echo.Context) (any, error) {
		return s.jobs.Purge.Purge(ctx)
	}))
	jobs.POST("/digest", s.runJob("digest", func(ctx context.Context, _ echo.Context) (any, error) {
		return s.jobs.Digest.ProcessAllUserDigests(ctx)
	}))
	jobs.POST("/digest/:userID", s.runJob("digest_user", func(ctx context.Context, c echo.Context) (any, error) {
		return s.jobs.Digest.ProcessUserDigest(ctx, c.Param("userID"))
	}))
	jobs.POST("/reset-quota", s.runJob("reset_quota", func(ctx context.Context, _ echo.Context) (any, error) {
		return s.jobs.ResetQuota.ResetMonthlyCounters(ctx)
	}))
}

type jobFunc func(ctx context.Context, c echo.Context) (any, error)

// runJob wraps fn with the job timeout, metrics and a JSON summary. The
// job ignores request cancellation.
func (s *Server) runJob(name string, fn jobFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request().Context()), s.opts.JobTimeout)
		defer cancel()

		log := s.logger.With().Str("job", name).Logger()
		log.Info().Msg("job started")

		start := time.Now()
		summary, err := fn(ctx, c)
		elapsed := time.Since(start)

		resp := JobResponse{
			Job:        name,
			Status:     "ok",
			DurationMS: elapsed.Milliseconds(),
			Summary:    summary,
		}
		code := http.StatusOK
		if err != nil {
			resp.Status = "failed"
			resp.Error = err.Error()
			code = http.StatusInternalServerError
			if errors.Is(err, context.DeadlineExceeded) {
				code = http.StatusGatewayTimeout
			}
			log.Error().Err(err).Dur("elapsed", elapsed).Msg("job failed")
		} else {
			log.Info().Dur("elapsed", elapsed).Msg("job finished")
		}
		metrics.RecordJob(name, resp.Status, elapsed)

		return c.JSON(code, resp)
	}
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := healthResponse{Status: "healthy", Timestamp: time.Now().UTC()}
	if s.db == nil {
		resp.Status = "unhealthy"
		resp.Error = "database not initialized"
		return c.JSON(http.StatusServiceUnavailable, resp)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		resp.Status = "unhealthy"
		resp.Error = err.Error()
		return c.JSON(http.StatusServiceUnavailable, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.Addr).Msg("server starting")
		errCh <- s.echo.Start(s.opts.Addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info().Msg("server shutting down")
		return s.echo.Shutdown(shutdownCtx)
	}
}
