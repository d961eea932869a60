package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/openfroyo/confdeploy/pkg/config"
	"github.com/openfroyo/confdeploy/pkg/deployer"
	"github.com/openfroyo/confdeploy/pkg/diff"
	"github.com/openfroyo/confdeploy/pkg/engine"
	"github.com/openfroyo/confdeploy/pkg/inventory"
	"github.com/openfroyo/confdeploy/pkg/policy"
	"github.com/openfroyo/confdeploy/pkg/stores"
	"github.com/openfroyo/confdeploy/pkg/telemetry"
	"github.com/openfroyo/confdeploy/pkg/versions"
)

// app wires the components for one command invocation.
type app struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	logger zerolog.Logger

	store     *stores.SQLiteStore
	diff      *diff.Engine
	versions  *versions.Store
	inventory *inventory.Registry

	policy   *policy.Engine
	deployer *deployer.SSHDeployer
	orch     *engine.Orchestrator

	cancelWatch context.CancelFunc
	detach      func()
}

// openApp loads the configuration, applies flag overrides and opens the
// store, version store, diff engine and inventory.
func openApp(ctx context.Context, opts *globalOptions) (*app, error) {
	cfg, err := config.LoadOrDefault(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.dbPath != "" {
		cfg.Store.Path = opts.dbPath
	}
	if opts.environment != "" {
		if err := cfg.Telemetry.ApplyEnvironment(opts.environment); err != nil {
			return nil, err
		}
	}
	if opts.logLevel != "" {
		cfg.Telemetry.Logging.Level = opts.logLevel
	}
	if opts.metricsAddr != "" {
		cfg.Telemetry.Metrics.Enabled = true
		cfg.Telemetry.Metrics.ListenAddress = opts.metricsAddr
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if err := tel.StartMetricsServer(); err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("failed to start metrics server: %w", err)
	}

	a := &app{
		cfg:    cfg,
		tel:    tel,
		logger: tel.Logger.Zerolog(),
	}

	store, err := stores.NewSQLiteStore(cfg.Store)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a.store = store
	if err := store.Migrate(ctx); err != nil {
		_ = a.Close(ctx)
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	a.detach = stores.NewEventRecorder(store, a.logger).Attach(tel.Events)

	a.diff = diff.New(cfg.Diff,
		diff.WithLogger(a.logger),
		diff.WithMetrics(tel.Metrics),
	)
	a.versions = versions.New(store,
		versions.WithDiffer(a.diff),
		versions.WithLogger(a.logger),
	)
	a.inventory = inventory.New(store,
		inventory.WithEvents(tel.Events),
		inventory.WithMetrics(tel.Metrics),
		inventory.WithLogger(a.logger),
	)
	if err := a.inventory.Load(ctx); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	return a, nil
}

// openPolicy creates the admission engine with the built-in policies and the
// configured policy directory.
func (a *app) openPolicy(ctx context.Context) (*policy.Engine, error) {
	if a.policy != nil {
		return a.policy, nil
	}

	pe, err := policy.NewEngine(a.logger, policy.WithEnvironment(a.cfg.Policy.Environment))
	if err != nil {
		return nil, err
	}
	if dir := a.cfg.Policy.Dir; dir != "" {
		if a.cfg.Policy.Watch {
			watchCtx, cancel := context.WithCancel(ctx)
			if err := pe.WatchPolicies(watchCtx, []string{dir}); err != nil {
				cancel()
				_ = pe.Close()
				return nil, err
			}
			a.cancelWatch = cancel
		} else if err := pe.LoadPolicies(ctx, []string{dir}); err != nil {
			_ = pe.Close()
			return nil, err
		}
	}
	a.policy = pe
	return pe, nil
}

// openOrchestrator builds the SSH deployer and the orchestrator on top of the
// components opened by openApp.
func (a *app) openOrchestrator(ctx context.Context) (*engine.Orchestrator, error) {
	if a.orch != nil {
		return a.orch, nil
	}

	d, err := deployer.New(a.cfg.Deployer, a.logger)
	if err != nil {
		return nil, err
	}
	a.deployer = d

	opts := []engine.OrchestratorOption{
		engine.WithDiffer(a.diff),
		engine.WithJobStore(a.store),
		engine.WithEventPublisher(a.tel.Events),
		engine.WithTelemetry(a.tel),
		engine.WithOrchestratorConfig(a.cfg.Orchestrator),
	}
	if a.cfg.Policy.Enabled {
		pe, err := a.openPolicy(ctx)
		if err != nil {
			return nil, err
		}
		opts = append(opts, engine.WithAdmission(pe))
	}

	a.orch = engine.NewOrchestrator(d, a.versions, a.inventory, opts...)
	return a.orch, nil
}

// Close releases everything in reverse order of creation. Running jobs get
// up to 30 seconds to finish their current steps.
func (a *app) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	var result *multierror.Error
	if a.orch != nil {
		result = multierror.Append(result, a.orch.Shutdown(ctx))
	}
	if a.deployer != nil {
		result = multierror.Append(result, a.deployer.Close())
	}
	if a.cancelWatch != nil {
		a.cancelWatch()
	}
	if a.policy != nil {
		result = multierror.Append(result, a.policy.Close())
	}
	// Drain queued events into the store before closing it.
	result = multierror.Append(result, a.tel.Flush(ctx))
	if a.detach != nil {
		a.detach()
	}
	result = multierror.Append(result, a.tel.Shutdown(ctx))
	if a.store != nil {
		result = multierror.Append(result, a.store.Close())
	}
	return result.ErrorOrNil()
}

// withApp opens the application for the duration of fn.
func withApp(ctx context.Context, opts *globalOptions, fn func(ctx context.Context, a *app) error) (err error) {
	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(a.tel.WithContext(ctx), a)
}
