package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/nhle/mailflow/internal/account"
	"github.com/nhle/mailflow/internal/actions"
	"github.com/nhle/mailflow/internal/categorize"
	"github.com/nhle/mailflow/internal/classifier"
	"github.com/nhle/mailflow/internal/credential"
	"github.com/nhle/mailflow/internal/digest"
	"github.com/nhle/mailflow/internal/model"
	"github.com/nhle/mailflow/internal/retention"
	"github.com/nhle/mailflow/internal/server"
	"github.com/nhle/mailflow/internal/source"
	"github.com/nhle/mailflow/internal/source/email"
	"github.com/nhle/mailflow/internal/store"
	mailsync "github.com/nhle/mailflow/internal/sync"
)

// App holds the wired pipeline components for one process.
type App struct {
	Config *model.AppConfig
	Logger zerolog.Logger

	Store     *store.SQLStore
	Vault     *credential.Vault
	Connector source.Connector
	Resolver  *account.Resolver
	Engine    *mailsync.Engine
	Gate      *categorize.Gate
	Resetter  *categorize.Resetter
	Purger    *retention.Purger
	Composer  *digest.Composer

	redis redis.UniversalClient
}

// Options overrides pieces of the default wiring.
type Options struct {
	// KeySource supplies the vault key when the config has none. Nil uses
	// the OS keyring.
	KeySource credential.KeySource

	// Connector replaces the IMAP/SMTP connector.
	Connector source.Connector

	// Classifier replaces the configured classifier.
	Classifier classifier.Classifier
}

// New opens the store and wires every component from cfg.
func New(ctx context.Context, cfg *model.AppConfig, logger zerolog.Logger, opts Options) (*App, error) {
	keys := opts.KeySource
	if keys == nil {
		keys = credential.NewKeyring()
	}
	vault, err := credential.LoadVault(cfg.Vault.Key, keys)
	if err != nil {
		return nil, fmt.Errorf("loading vault: %w", err)
	}

	s, err := store.Open(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config: cfg,
		Logger: logger,
		Store:  s,
		Vault:  vault,
	}

	a.Connector = opts.Connector
	if a.Connector == nil {
		a.Connector = email.NewConnector(cfg.ConnectTimeout(), cfg.CommandTimeout(), logger)
	}
	a.Resolver = account.NewResolver(s, vault, email.NewTokenRefresher(cfg.OAuth), logger)

	cls := opts.Classifier
	if cls == nil {
		cls, err = classifier.New(cfg.Classifier, logger)
		if err != nil && !errors.Is(err, classifier.ErrNotConfigured) {
			s.Close()
			return nil, fmt.Errorf("building classifier: %w", err)
		}
		if err != nil {
			logger.Warn().Msg("classifier not configured, categorization will mark emails failed")
			cls = classifier.Func(func(context.Context, classifier.Input) (string, error) {
				return "", classifier.ErrNotConfigured
			})
		}
	}

	applier := actions.NewApplier(s, a.Connector, a.Resolver, logger)
	a.Gate = categorize.NewGate(s, cls, cfg.QuotaFor, applier, logger)
	a.Resetter = categorize.NewResetter(s, logger)
	a.Purger = retention.NewPurger(s, cfg.Retention.HorizonDays, cfg.Retention.BatchSize, logger)
	a.Composer = digest.NewComposer(s, a.Connector, a.Resolver, cfg.Digest.WindowDays, cfg.Digest.Workers, logger)

	a.Engine = mailsync.New(s, a.Connector, a.Resolver, a.locker(), mailsync.Options{
		Workers:       cfg.Sync.Workers,
		InitialRecent: cfg.Sync.InitialRecent,
		BatchSize:     cfg.Sync.BatchSize,
	}, logger)
	if cfg.Sync.CategorizeAfterSync {
		a.Engine.SetAfterSync(a.categorizeInserted)
	}

	return a, nil
}

// locker returns the in-process lock, chained with a Redis lock when one is
// configured.
func (a *App) locker() mailsync.Locker {
	mem := mailsync.NewMemoryLocker()
	if a.Config.Redis.Addr == "" {
		return mem
	}
	a.redis = redis.NewClient(&redis.Options{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	})
	ttl := time.Duration(a.Config.Sync.LockTTLSec) * time.Second
	return mailsync.Chain(mem, mailsync.NewRedisLocker(a.redis, ttl, a.Logger))
}

// categorizeInserted runs the gate over a sync run's new emails.
func (a *App) categorizeInserted(ctx context.Context, acct *model.EmailAccount, emailIDs []string) {
	summary, err := a.Gate.CategorizePending(ctx, store.UncategorizedFilter{
		AccountID: &acct.ID,
		EmailIDs:  emailIDs,
	})
	if err != nil {
		a.Logger.Error().Err(err).Str("account_id", acct.ID).Msg("post-sync categorization failed")
		return
	}
	a.Logger.Debug().
		Str("account_id", acct.ID).
		Int("categorized", summary.Categorized).
		Msg("post-sync categorization complete")
}

// Jobs returns the components the HTTP trigger runs.
func (a *App) Jobs() server.Jobs {
	return server.Jobs{
		Sync:         a.Engine,
		Categorize:   a.Gate,
		Purge:        a.Purger,
		Digest:       a.Composer,
		ResetQuota:   a.Resetter,
		PendingLimit: a.Config.Categorization.PendingLimit,
	}
}

// Server builds the HTTP trigger.
func (a *App) Server() *server.Server {
	return server.New(server.Options{
		Addr:       a.Config.Server.Addr,
		CronSecret: a.Config.Server.CronSecret,
		JobTimeout: a.Config.JobTimeout(),
	}, a.Jobs(), a.Store.DB(), a.Logger)
}

// AddAccount encrypts the supplied secrets and stores the account.
func (a *App) AddAccount(ctx context.Context, acct *model.EmailAccount, password, accessToken, refreshToken string) error {
	var err error
	if password != "" {
		if acct.EncryptedPassword, err = a.Vault.EncryptPtr(password); err != nil {
			return err
		}
	}
	if accessToken != "" {
		if acct.EncryptedAccessToken, err = a.Vault.EncryptPtr(accessToken); err != nil {
			return err
		}
	}
	if refreshToken != "" {
		if acct.EncryptedRefreshToken, err = a.Vault.EncryptPtr(refreshToken); err != nil {
			return err
		}
	}
	if acct.EncryptedPassword == nil && acct.EncryptedAccessToken == nil {
		return account.ErrNoCredentials
	}

	if err := a.Store.CreateAccount(ctx, acct); err != nil {
		return err
	}
	if _, err := a.Store.EnsureUserSettings(ctx, acct.UserID); err != nil {
		return err
	}
	a.Logger.Info().
		Str("account_id", acct.ID).
		Str("user_id", acct.UserID).
		Msg("account added")
	return nil
}

// Close releases the store and the Redis client.
func (a *App) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	errs = append(errs, a.Store.Close())
	return errors.Join(errs...)
}
