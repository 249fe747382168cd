package commands

import (
	"context"
	"os"

	"github.com/zalando/go-keyring"

	"github.com/keywheel/keywheel/internal/access"
	"github.com/keywheel/keywheel/internal/audit"
	"github.com/keywheel/keywheel/internal/clock"
	"github.com/keywheel/keywheel/internal/config"
	"github.com/keywheel/keywheel/internal/emergency"
	"github.com/keywheel/keywheel/internal/health"
	"github.com/keywheel/keywheel/internal/kwerr"
	"github.com/keywheel/keywheel/internal/logging"
	"github.com/keywheel/keywheel/internal/material"
	"github.com/keywheel/keywheel/internal/notify"
	"github.com/keywheel/keywheel/internal/rotation"
	"github.com/keywheel/keywheel/internal/scheduler"
	"github.com/keywheel/keywheel/internal/store"
)

const (
	// keyringService is the OS keyring namespace holding the database DSN.
	keyringService = "keywheel"
	keyringAccount = "dsn"

	// dsnEnvVar overrides both the config file and the keyring.
	dsnEnvVar = "KEYWHEEL_DSN"
)

// Options carries global flags from the root command into subcommands.
type Options struct {
	ConfigPath string
	Debug      bool
	NoColor    bool
	Logger     *logging.Logger

	// Store overrides the configured backend; tests inject the memory store.
	Store store.Store
}

// app is the wired component graph every command operates through.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	clk    clock.Clock

	store      store.Store
	closeStore func() error

	recorder  *audit.Recorder
	reporter  *audit.Reporter
	notifier  *notify.Manager
	limiter   *access.Limiter
	emergency *emergency.Manager
	gate      *access.Gate
	registry  health.Registry
	monitor   *health.Monitor
	engine    *rotation.Engine
	sched     *scheduler.Scheduler
}

// newApp loads configuration and wires the component graph. A missing config
// file at the default path falls back to the in-memory defaults so read-only
// commands work without setup.
func newApp(ctx context.Context, opts *Options) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		if !kwerr.IsNotFound(err) || opts.ConfigPath != config.DefaultPath {
			return nil, err
		}
		cfg = config.Default()
	}

	logger := opts.Logger
	if logger == nil || (cfg.Logging.Debug && !opts.Debug) {
		logger = logging.New(opts.Debug || cfg.Logging.Debug, opts.NoColor || cfg.Logging.NoColor)
	}

	st := opts.Store
	closeStore := func() error { return nil }
	if st == nil {
		switch cfg.Store.Driver {
		case "postgres":
			dsn, err := resolveDSN(cfg)
			if err != nil {
				return nil, err
			}
			pg, err := store.NewPostgres(ctx, dsn)
			if err != nil {
				return nil, err
			}
			if err := pg.InitSchema(ctx); err != nil {
				_ = pg.Close()
				return nil, err
			}
			st = pg
			closeStore = pg.Close
		default:
			st = store.NewMemory()
		}
	}

	clk := clock.NewReal()
	recorder := audit.NewRecorder(st, clk, logger, 256)
	notifier := notify.NewManager(cfg.QueueSize(), logger)
	for _, p := range cfg.WebhookProviders() {
		notifier.RegisterProvider(p)
	}

	limiter := access.NewLimiter(clk)
	em := emergency.NewManager(st, recorder, notifier, clk, logger)
	gate := access.NewGate(st, limiter, em, recorder, logger)

	registry := health.Registry{
		store.ProbeHTTP:     health.NewHTTPChecker(cfg.HTTPConfig()),
		store.ProbePostgres: health.NewSQLChecker("postgres", health.DefaultSQLConfig()),
		store.ProbeMySQL:    health.NewSQLChecker("mysql", health.DefaultSQLConfig()),
	}
	monitor := health.NewMonitor(st, registry, notifier, clk, logger, cfg.MonitorConfig())

	source, err := buildSource(ctx, cfg)
	if err != nil {
		_ = closeStore()
		return nil, err
	}
	engine := rotation.NewEngine(st, source, registry, recorder, notifier, clk, logger)
	sched := scheduler.New(st, clk, notifier, logger)

	return &app{
		cfg:        cfg,
		logger:     logger,
		clk:        clk,
		store:      st,
		closeStore: closeStore,
		recorder:   recorder,
		reporter:   audit.NewReporter(st),
		notifier:   notifier,
		limiter:    limiter,
		emergency:  em,
		gate:       gate,
		registry:   registry,
		monitor:    monitor,
		engine:     engine,
		sched:      sched,
	}, nil
}

// start brings up the async workers commands depend on.
func (a *app) start(ctx context.Context) {
	a.notifier.Start(ctx)
	a.recorder.Start(ctx)
}

// shutdown stops workers in dependency order and flushes pending audit writes.
func (a *app) shutdown() {
	a.engine.Stop()
	a.sched.Stop()
	a.recorder.Flush()
	a.recorder.Stop()
	a.notifier.Stop()
	if err := a.closeStore(); err != nil {
		a.logger.Warn("closing store: %v", err)
	}
}

func buildSource(ctx context.Context, cfg *config.Config) (material.Source, error) {
	if cfg.Material.Source == "aws-secretsmanager" {
		return material.NewAWSSecretsManagerSource(ctx, cfg.AWSMaterialConfig())
	}
	return material.NewRandomSource(), nil
}

// resolveDSN looks up the database DSN: environment, then config file, then
// the OS keyring.
func resolveDSN(cfg *config.Config) (string, error) {
	if dsn := os.Getenv(dsnEnvVar); dsn != "" {
		return dsn, nil
	}
	if cfg.Store.DSN != "" {
		return cfg.Store.DSN, nil
	}
	dsn, err := keyring.Get(keyringService, keyringAccount)
	if err != nil {
		return "", kwerr.Validation("store.dsn",
			"no DSN configured: set %s, store.dsn in %s, or store one with 'keywheel run --save-dsn'",
			dsnEnvVar, config.DefaultPath)
	}
	return dsn, nil
}

// saveDSN stores the DSN in the OS keyring for later commands.
func saveDSN(dsn string) error {
	return keyring.Set(keyringService, keyringAccount, dsn)
}
