// Command modrunner wires the loader, executor, and host capability
// backends into a running module execution engine. Event ingress (HTTP
// webhooks, a cron scheduler, a CLI for pushing test messages) is outside
// this package's scope per the core's contract: modrunner exposes a
// programmatic Submit entrypoint, not a server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/latticerun/modrunner/internal/audit"
	"github.com/latticerun/modrunner/internal/bus"
	"github.com/latticerun/modrunner/internal/cache"
	"github.com/latticerun/modrunner/internal/config"
	"github.com/latticerun/modrunner/internal/delayqueue"
	"github.com/latticerun/modrunner/internal/executor"
	"github.com/latticerun/modrunner/internal/hostabi"
	"github.com/latticerun/modrunner/internal/loader"
	"github.com/latticerun/modrunner/internal/message"
	"github.com/latticerun/modrunner/internal/namedrequest"
	modotel "github.com/latticerun/modrunner/internal/otel"
	"github.com/latticerun/modrunner/internal/storage"
	"github.com/latticerun/modrunner/internal/telemetry"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s -config config.yaml -home ./data           Run the module execution engine
  %s -config config.yaml -home ./data validate   Load config, compile every
                                                  configured module, then exit

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	homeDir := flag.String("home", "./data", "directory for logs, audit records, and sqlite databases")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Usage = printUsage
	flag.Parse()

	validateOnly := len(flag.Args()) > 0 && flag.Args()[0] == "validate"

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(*homeDir, 0o755); err != nil {
		fatalStartup(nil, "E_HOME_DIR_CREATE", err)
	}

	// Audit must be initialized before the logger so a logger-construction
	// failure still has an audit trail to write its fatal record to.
	if err := audit.Init(*homeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(*homeDir, *logLevel, validateOnly)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	cfg := config.Default()
	if _, statErr := os.Stat(*configPath); statErr == nil {
		loaded, loadErr := config.LoadYAML(*configPath)
		if loadErr != nil {
			fatalStartup(logger, "E_CONFIG_LOAD", loadErr)
		}
		cfg = loaded
	} else {
		logger.Warn("config file not found, running with defaults", "path", *configPath)
	}
	logger.Info("startup phase", "phase", "config_loaded", "module_dir", cfg.Loader.ModuleDir)

	otelProvider, err := modotel.Init(ctx, cfg.Otel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() { _ = otelProvider.Shutdown(context.Background()) }()
	otelMetrics, err := modotel.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	eventBus := bus.New()
	registry := loader.NewRegistry()

	host, storageCloser, err := buildHost(cfg, eventBus, registry, logger)
	if err != nil {
		fatalStartup(logger, "E_HOST_BUILD", err)
	}
	defer storageCloser()
	host.Metrics = otelMetrics

	ld := loader.New(host, cfg, registry, logger)
	ld.Bus = eventBus
	ld.Otel = otelProvider
	ld.Metrics = otelMetrics

	if validateOnly {
		if err := ld.Load(ctx); err != nil {
			fatalStartup(logger, "E_VALIDATE_LOAD", err)
		}
		fmt.Printf("config OK: %d module(s) compiled and linked\n", len(registry.All()))
		return
	}

	exec := executor.New(cfg.Executor, registry, logger).WithBus(eventBus).WithTelemetry(otelProvider, otelMetrics)

	// Host.DirectDispatch and the delay queue's Dispatch both need to call
	// into the executor, but the executor is built from the same registry
	// the loader (which needs the host) populates. Closures break the
	// cycle: the host and delay queue are handed functions that close over
	// exec, constructed after the host but before anything runs.
	dispatch := func(msg message.Message) {
		_ = exec.Submit(ctx, msg)
	}
	delayQueue := delayqueue.New(dispatch)
	host.DirectDispatch = dispatch
	host.DelayQueue = delayQueue

	exec.Start(ctx)
	defer exec.Close()

	go delayQueue.Run(ctx)

	if err := ld.Load(ctx); err != nil {
		fatalStartup(logger, "E_INITIAL_LOAD", err)
	}
	applyStorageQuotas(cfg, registry, host)

	go func() {
		if watchErr := ld.Watch(ctx); watchErr != nil {
			logger.Error("loader: watcher stopped with error", "error", watchErr)
		}
	}()

	logger.Info("startup phase", "phase", "running", "loaded_modules", len(registry.All()))

	<-ctx.Done()
	logger.Info("shutdown signal received, draining in-flight invocations")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, "", reason)
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", reason)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure: %s: %s\n", reasonCode, reason)
	}
	os.Exit(1)
}

// buildHost constructs a *hostabi.Host from cfg's storage/cache backend
// selection. The returned closer releases any backend resources (sqlite
// handles) that need an explicit Close. DirectDispatch and DelayQueue are
// left unset here; main wires them once the executor exists.
func buildHost(cfg config.Config, eventBus *bus.Bus, registry *loader.Registry, logger *slog.Logger) (*hostabi.Host, func(), error) {
	var closers []func()
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	privateBackend, err := buildStorageBackend(cfg.Storage, "private.db")
	if err != nil {
		return nil, closeAll, fmt.Errorf("private storage: %w", err)
	}
	if cl, ok := privateBackend.(*storage.SQLiteProvider); ok {
		closers = append(closers, func() { _ = cl.Close() })
	}

	sharedBackend, err := buildStorageBackend(cfg.Storage, "shared.db")
	if err != nil {
		closeAll()
		return nil, closeAll, fmt.Errorf("shared storage: %w", err)
	}
	if cl, ok := sharedBackend.(*storage.SQLiteProvider); ok {
		closers = append(closers, func() { _ = cl.Close() })
	}

	var cacheProvider cache.Provider
	switch cfg.Cache.Backend {
	case "redis":
		logger.Warn("redis cache backend selected but no client is configured for this entrypoint; falling back to in-memory LRU")
		fallthrough
	default:
		cacheProvider = cache.NewLRUProvider(func(namespace string) int {
			return resolveCacheCapacity(cfg, registry, namespace)
		})
	}

	host := &hostabi.Host{
		PrivateStorage: storage.NewQuota(privateBackend),
		SharedStorage:  storage.NewQuota(sharedBackend),
		Cache:          cacheProvider,
		Dispatcher:     namedrequest.NewDispatcher(),
		Keyring:        map[string][]byte{},
		MaxRandomBytes: 4096,
		Now:            time.Now,
		Bus:            eventBus,
		Audit: func(d hostabi.Decision) {
			decision := "allow"
			if !d.Allowed {
				decision = "deny"
			}
			audit.Record(decision, d.Function, d.Reason, "", d.Module)
		},
	}
	return host, closeAll, nil
}

func buildStorageBackend(sc config.StorageConfig, defaultFileName string) (storage.Provider, error) {
	switch sc.Backend {
	case "sqlite":
		path := sc.SQLitePath
		if path == "" {
			path = defaultFileName
		}
		return storage.OpenSQLiteProvider(path)
	default:
		return storage.NewMemoryProvider(), nil
	}
}

// resolveCacheCapacity implements the module-override, log-type-override,
// default precedence. The cache is namespaced by module name, so the
// module's subscribed log type is looked up via the registry before
// consulting the log-type tier.
func resolveCacheCapacity(cfg config.Config, registry *loader.Registry, moduleName string) int {
	resolver := cache.CapacityResolver{
		LogTypeOverride: cfg.Cache.CacheEntries.PerLogType,
		Default:         cfg.Cache.CacheEntries.Default,
	}
	logType := ""
	if pm, ok := registry.Lookup(moduleName); ok {
		resolver.ModuleOverride = pm.Capabilities.CacheCapacity
		logType = pm.SubscribedLogType
	}
	if v, ok := cfg.Cache.CacheEntries.PerModule[moduleName]; ok && v > 0 {
		resolver.ModuleOverride = v
	}
	return resolver.Resolve(logType)
}

// applyStorageQuotas sets every loaded module's private-namespace byte limit
// on the Quota wrapper, and every shared namespace it can reach to the
// configured global default (the policy model carries no per-shared-
// namespace limit). It runs after every Loader.Load pass since a reload may
// introduce modules with new limits or new shared-namespace grants.
func applyStorageQuotas(cfg config.Config, registry *loader.Registry, host *hostabi.Host) {
	privateQuota, ok := host.PrivateStorage.(*storage.Quota)
	if !ok {
		return
	}
	sharedQuota, _ := host.SharedStorage.(*storage.Quota)

	for _, pm := range registry.All() {
		ns := pm.Capabilities.PrivateNamespace
		if ns == "" {
			ns = pm.Name
		}
		limit := pm.StorageLimit
		if limit == 0 {
			limit = cfg.Storage.StorageLimitBytes
		}
		privateQuota.SetLimit(ns, limit)

		if sharedQuota == nil {
			continue
		}
		for _, grant := range pm.Capabilities.SharedNamespaces {
			sharedQuota.SetLimit(grant.Namespace, cfg.Storage.StorageLimitBytes)
		}
	}
}
