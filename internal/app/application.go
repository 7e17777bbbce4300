// Package app wires the runtime together: configuration, environment pool,
// tracker, registry, telemetry, and the MCP surface.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dyntools/internal/app/registry"
	"dyntools/internal/domain"
	"dyntools/internal/infra/boundary"
	"dyntools/internal/infra/descriptor"
	"dyntools/internal/infra/envpool"
	"dyntools/internal/infra/history"
	"dyntools/internal/infra/mcpserver"
	"dyntools/internal/infra/telemetry"
	"dyntools/internal/infra/tracker"
)

type App struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{logger: logger.Named("app")}
}

type ServeConfig struct {
	ConfigPath string

	// Overrides is applied to the loaded config before the runtime is
	// built, letting command-line flags win over file values.
	Overrides func(*Config)
}

// Serve runs the daemon until ctx is canceled: initial scan, filesystem
// watcher, periodic rescan, environment sweeper, telemetry server, and the
// MCP stdio surface.
func (a *App) Serve(ctx context.Context, serveCfg ServeConfig) error {
	cfg, err := LoadConfig(serveCfg.ConfigPath, a.logger)
	if err != nil {
		return err
	}
	if serveCfg.Overrides != nil {
		serveCfg.Overrides(&cfg)
	}

	rt, err := a.buildRuntime(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer rt.close()

	if _, err := rt.registry.Refresh(ctx); err != nil {
		return fmt.Errorf("initial scan: %w", err)
	}

	mcpSrv, err := mcpserver.New(rt.registry, a.logger)
	if err != nil {
		return err
	}

	group, runCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		sweepBeat := rt.health.Register("sweeper", 3*cfg.Eviction.SweepInterval)
		sweepBeat.Beat()
		rt.runSweeper(runCtx, cfg.Eviction.SweepInterval, sweepBeat)
		return nil
	})

	group.Go(func() error {
		watcher := tracker.NewWatcher(tracker.WatcherOptions{
			Root:     cfg.ToolsDir,
			Debounce: cfg.Debounce,
			Logger:   a.logger,
			OnChange: func(changeCtx context.Context) {
				if _, err := rt.registry.Refresh(changeCtx); err != nil {
					a.logger.Warn("watch-triggered refresh failed", zap.Error(err))
				}
			},
		})
		if err := watcher.Run(runCtx); err != nil && runCtx.Err() == nil {
			a.logger.Warn("tool watcher stopped", zap.Error(err))
		}
		return nil
	})

	if cfg.ScanInterval > 0 {
		group.Go(func() error {
			rt.runPeriodicScan(runCtx, cfg.ScanInterval)
			return nil
		})
	}

	if cfg.Observability.MetricsEnabled || cfg.Observability.HealthzEnabled {
		group.Go(func() error {
			return telemetry.StartHTTPServer(runCtx, telemetry.HTTPServerOptions{
				Addr:          cfg.Observability.ListenAddress,
				EnableMetrics: cfg.Observability.MetricsEnabled,
				EnableHealthz: cfg.Observability.HealthzEnabled,
				Health:        rt.health,
			}, a.logger)
		})
	}

	group.Go(func() error {
		return mcpSrv.Run(runCtx)
	})

	return group.Wait()
}

type ValidateResult struct {
	Tool  string
	Error error
}

// Validate checks the config file and every tool artifact under the tool
// root without provisioning anything.
func (a *App) Validate(ctx context.Context, configPath string) ([]ValidateResult, error) {
	cfg, err := LoadConfig(configPath, a.logger)
	if err != nil {
		return nil, err
	}

	tr := tracker.New(tracker.Options{
		Root:   cfg.ToolsDir,
		Store:  descriptor.NewStore(a.logger),
		Logger: a.logger,
	})
	scan, err := tr.Scan(ctx)
	if err != nil {
		return nil, err
	}

	var results []ValidateResult
	for name := range scan.Descriptors {
		results = append(results, ValidateResult{Tool: name})
	}
	for name, parseErr := range scan.Failures {
		results = append(results, ValidateResult{Tool: name, Error: parseErr})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Tool < results[j].Tool })
	return results, nil
}

// ListTools scans and lists the tools an in-process runtime would register.
func (a *App) ListTools(ctx context.Context, configPath string) ([]registry.ToolSummary, error) {
	cfg, err := LoadConfig(configPath, a.logger)
	if err != nil {
		return nil, err
	}
	rt, err := a.buildRuntime(ctx, cfg, false)
	if err != nil {
		return nil, err
	}
	defer rt.close()

	if _, err := rt.registry.Refresh(ctx); err != nil {
		return nil, err
	}
	return rt.registry.List(ctx)
}

// CallTool invokes one entry point with JSON-encoded arguments using an
// in-process runtime, provisioning the tool's environment if needed. A
// positive timeout overrides the configured invocation timeout.
func (a *App) CallTool(ctx context.Context, configPath, tool, entryPoint string, argsJSON []byte, timeout time.Duration) (domain.InvocationRecord, error) {
	cfg, err := LoadConfig(configPath, a.logger)
	if err != nil {
		return domain.InvocationRecord{}, err
	}
	rt, err := a.buildRuntime(ctx, cfg, false)
	if err != nil {
		return domain.InvocationRecord{}, err
	}
	defer rt.close()

	if _, err := rt.registry.Refresh(ctx); err != nil {
		return domain.InvocationRecord{}, err
	}

	var args map[string]any
	if len(argsJSON) > 0 {
		if err := json.Unmarshal(argsJSON, &args); err != nil {
			return domain.InvocationRecord{}, domain.E(domain.CodeInvalidArgument, "app.call_tool",
				"arguments must be a JSON object", err)
		}
	}
	return rt.registry.Invoke(ctx, tool, entryPoint, args, timeout)
}

// Changes reads persisted change records after the given sequence number.
func (a *App) Changes(ctx context.Context, configPath string, after uint64, limit int) ([]domain.ChangeRecord, error) {
	cfg, err := LoadConfig(configPath, a.logger)
	if err != nil {
		return nil, err
	}
	if cfg.HistoryPath == "" {
		return nil, fmt.Errorf("historyPath is not configured")
	}
	store, err := history.Open(cfg.HistoryPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = store.Close()
	}()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return store.Since(after, limit)
}

type runtime struct {
	logger   *zap.Logger
	registry *registry.Registry
	envs     *envpool.Manager
	history  *history.Store
	health   *telemetry.HealthTracker
}

// buildRuntime assembles the component graph. The only startup-fatal
// condition is an unusable interpreter backend; everything else degrades at
// the level of individual tools.
func (a *App) buildRuntime(ctx context.Context, cfg Config, withMetrics bool) (*runtime, error) {
	installer := envpool.NewVenvInstaller(envpool.VenvInstallerOptions{
		Python:   cfg.Python,
		IndexURL: cfg.PipIndexURL,
		Logger:   a.logger,
	})
	if err := installer.Verify(ctx); err != nil {
		return nil, fmt.Errorf("interpreter backend unusable: %w", err)
	}

	var metrics domain.Metrics = telemetry.NewNoopMetrics()
	if withMetrics {
		metrics = telemetry.NewPrometheusMetrics(prometheus.DefaultRegisterer)
	}

	envs, err := envpool.NewManager(envpool.Options{
		RootDir:   cfg.EnvironsDir,
		Installer: installer,
		Logger:    a.logger,
		Metrics:   metrics,
		Policy: envpool.EvictionPolicy{
			MaxIdle:         cfg.Eviction.MaxIdle,
			MaxEnvironments: cfg.Eviction.MaxEnvironments,
		},
		RetryBase:        cfg.RetryBase,
		RetryMax:         cfg.RetryMax,
		ProvisionTimeout: cfg.ProvisionTimeout,
	})
	if err != nil {
		return nil, err
	}

	var store *history.Store
	if cfg.HistoryPath != "" {
		store, err = history.Open(cfg.HistoryPath)
		if err != nil {
			return nil, err
		}
	}

	tr := tracker.New(tracker.Options{
		Root:    cfg.ToolsDir,
		Store:   descriptor.NewStore(a.logger),
		Logger:  a.logger,
		Metrics: metrics,
	})
	if store != nil {
		last, err := store.LastSequence()
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		tr.SetSequence(last)
	}

	proxy, err := boundary.NewProxy(boundary.ProxyOptions{
		Launcher: boundary.NewExecLauncher(a.logger),
		Logger:   a.logger,
		Metrics:  metrics,
		Timeout:  cfg.InvokeTimeout,
	})
	if err != nil {
		return nil, err
	}

	reg, err := registry.New(registry.Options{
		Tracker: tr,
		Envs:    envs,
		Proxy:   proxy,
		History: store,
		Logger:  a.logger,
	})
	if err != nil {
		return nil, err
	}

	return &runtime{
		logger:   a.logger,
		registry: reg,
		envs:     envs,
		history:  store,
		health:   telemetry.NewHealthTracker(),
	}, nil
}

func (rt *runtime) runSweeper(ctx context.Context, interval time.Duration, beat *telemetry.Heartbeat) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.envs.Sweep(ctx)
			beat.Beat()
		}
	}
}

func (rt *runtime) runPeriodicScan(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := rt.registry.Refresh(ctx); err != nil {
				rt.logger.Warn("periodic refresh failed", zap.Error(err))
			}
		}
	}
}

func (rt *runtime) close() {
	rt.envs.Close()
	if rt.history != nil {
		_ = rt.history.Close()
	}
}
