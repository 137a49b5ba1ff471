// Package app assembles the runtime graph shared by the service binaries.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"rostersync.org/internal/auth"
	"rostersync.org/internal/config"
	"rostersync.org/internal/extapi"
	"rostersync.org/internal/integrations"
	"rostersync.org/internal/jobqueue"
	"rostersync.org/internal/migrate"
	"rostersync.org/internal/obs"
	"rostersync.org/internal/roster"
	"rostersync.org/internal/scheduler"
	"rostersync.org/internal/sealer"
	"rostersync.org/internal/store/memory"
	"rostersync.org/internal/store/pg"
	"rostersync.org/internal/stream"
	"rostersync.org/internal/syncer"
	"rostersync.org/internal/vault"
)

// App holds the wired components.
type App struct {
	Config    *config.Config
	Store     roster.Store
	DB        *sql.DB
	Signer    *auth.Signer
	Vault     *vault.Vault
	Provider  *extapi.Factory
	Syncer    *syncer.Syncer
	Events    *stream.Stream
	Queue     *jobqueue.Queue
	Scheduler *scheduler.Scheduler
	Service   *integrations.Service

	started bool
}

// Build wires every component from cfg without starting background work.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}

	signer, err := auth.NewSigner(cfg.Security.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("app: signer: %w", err)
	}
	a.Signer = signer

	key, err := loadKey(ctx, cfg.Security)
	if err != nil {
		return nil, err
	}
	seal, err := sealer.New(key)
	if err != nil {
		return nil, fmt.Errorf("app: sealer: %w", err)
	}

	jobs, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	a.Vault = vault.New(seal, a.Store.Integrations())
	a.Provider = extapi.NewFactory(extapi.Config{
		BaseURL:         cfg.Provider.BaseURL,
		AuthURL:         cfg.Provider.AuthURL,
		TokenURL:        cfg.Provider.TokenURL,
		ClientID:        cfg.Provider.ClientID,
		ClientSecret:    cfg.Provider.ClientSecret,
		RedirectURL:     cfg.Provider.RedirectURL,
		Scopes:          cfg.Provider.Scopes,
		MaxItems:        cfg.Provider.MaxItems,
		MaxPages:        cfg.Provider.MaxPages,
		RatePerSecond:   cfg.Provider.RatePerSecond,
		Burst:           cfg.Provider.Burst,
		Timeout:         cfg.Provider.Timeout,
		BreakerFailures: cfg.Provider.BreakerFailures,
		BreakerTimeout:  cfg.Provider.BreakerTimeout,
	}, a.Vault)

	connect := syncer.ConnectorFunc(func(ctx context.Context, in roster.Integration) (syncer.Source, error) {
		c, err := a.Provider.Client(ctx, in)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
	a.Events = stream.New()
	a.Syncer = syncer.New(a.Store, connect,
		syncer.WithPasswords(auth.TemporaryPasswords{Cost: cfg.Sync.PasswordCost}),
		syncer.WithFetchConcurrency(cfg.Sync.FetchConcurrency),
		syncer.WithEvents(a.Events),
	)

	a.Queue = jobqueue.New(jobs,
		jobqueue.WithWorkers(cfg.Sync.Workers),
		jobqueue.WithPollInterval(cfg.Sync.PollInterval),
		jobqueue.WithRetryBackoff(cfg.Sync.RetryInitial, cfg.Sync.RetryMax),
		jobqueue.WithJobTimeout(cfg.Sync.JobTimeout),
	)
	a.Scheduler = scheduler.New(a.Queue, a.Store.Integrations(), a.Syncer,
		scheduler.WithMaxAttempts(cfg.Sync.MaxAttempts),
		scheduler.WithRetention(cfg.Sync.JobRetention),
	)

	a.Service = integrations.NewService(integrations.Config{
		ProviderName:     cfg.Provider.Name,
		DefaultFrequency: roster.Frequency(cfg.Sync.DefaultFrequency),
		StateTTL:         cfg.Security.StateTTL,
	}, a.Store, a.Vault, a.Provider.OAuth(), signer, a.Scheduler, a.Provider)

	return a, nil
}

func (a *App) openStore(ctx context.Context) (jobqueue.Store, error) {
	db := a.Config.Database
	if db.Driver != "postgres" {
		a.Store = memory.New()
		return jobqueue.NewMemoryStore(), nil
	}

	st, err := pg.Open(db.DSN, pg.PoolConfig{
		MaxOpenConns:    db.MaxOpenConns,
		MaxIdleConns:    db.MaxIdleConns,
		ConnMaxLifetime: db.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("app: open database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := st.Ping(pingCtx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("app: ping database: %w", err)
	}
	if db.AutoMigrate {
		applied, err := migrate.NewManager(st.DB()).Up(ctx)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("app: migrate: %w", err)
		}
		for _, name := range applied {
			obs.Logger().Info().Str("migration", name).Msg("migration applied")
		}
	}
	a.Store = st
	a.DB = st.DB()
	return st.Jobs(), nil
}

func loadKey(ctx context.Context, sec config.SecurityConfig) ([]byte, error) {
	if sec.KeySource != "aws" {
		key, err := sealer.KeyFromString(sec.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("app: encryption key: %w", err)
		}
		return key, nil
	}
	client, err := sealer.NewSecretsManagerClient(ctx, sec.AWSRegion)
	if err != nil {
		return nil, err
	}
	return sealer.KeyFromSecretsManager(ctx, client, sec.AWSSecretID)
}

// Start begins job processing, arms schedules for every enabled integration
// and starts housekeeping.
func (a *App) Start(ctx context.Context) error {
	if err := a.Queue.Start(ctx); err != nil {
		return err
	}
	a.started = true
	armed, err := a.Scheduler.InitializeScheduledSyncs(ctx)
	if err != nil {
		obs.Logger().Error().Err(err).Msg("some schedules could not be armed")
	}
	obs.Logger().Info().Int("armed", armed).Msg("sync schedules initialized")
	return a.Scheduler.StartHousekeeping()
}

// Shutdown stops background work, waiting for running syncs until ctx ends,
// then closes the database.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.Scheduler != nil {
		a.Scheduler.StopHousekeeping()
	}
	if a.Queue != nil && a.started {
		if err := a.Queue.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop queue: %w", err))
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}
	return errors.Join(errs...)
}
