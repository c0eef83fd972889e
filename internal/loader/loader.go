package loader

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"go.opentelemetry.io/otel/trace"

	"github.com/latticerun/modrunner/internal/bus"
	"github.com/latticerun/modrunner/internal/config"
	"github.com/latticerun/modrunner/internal/hostabi"
	"github.com/latticerun/modrunner/internal/module"
	modotel "github.com/latticerun/modrunner/internal/otel"
)

// CompiledArtifact is the concrete value stored in module.PlaidModule's
// opaque CompiledArtifact field. Each module gets its own wazero.Runtime: a
// CompiledModule and the host module it was compiled against are scoped to
// one Runtime, and per-module resource limits (memory pages, metering cost
// model) are runtime-level settings wazero has no notion of sharing.
type CompiledArtifact struct {
	Runtime   wazero.Runtime
	Compiled  wazero.CompiledModule
	CostModel CostModel

	closers []api.Closer
}

// Close releases the runtime and every host/stub module instantiated on it.
// Closing the runtime alone is sufficient in wazero, but closers are walked
// explicitly first so a partially-constructed artifact (an error mid-Load)
// still releases what it already opened.
func (a *CompiledArtifact) Close(ctx context.Context) error {
	for _, c := range a.closers {
		_ = c.Close(ctx)
	}
	if a.Compiled != nil {
		_ = a.Compiled.Close(ctx)
	}
	if a.Runtime != nil {
		return a.Runtime.Close(ctx)
	}
	return nil
}

// Loader discovers module artifacts, compiles and links each against a
// private wazero.Runtime with the metering listener and host capability
// module armed, attaches policy from config, optionally verifies sidecar
// signatures, and swaps the result into a Registry.
type Loader struct {
	Host     *hostabi.Host
	Config   config.Config
	Registry *Registry
	Logger   *slog.Logger
	Bus      *bus.Bus          // optional; nil means no lifecycle events are published
	Otel     *modotel.Provider // optional; nil means no spans are started
	Metrics  *modotel.Metrics  // optional; nil means no metrics are recorded

	mu       sync.Mutex
	trusted  TrustRoots
	haveRoot bool
}

// New constructs a Loader. host is shared across every module's runtime; its
// backends (storage, cache, named requests) are namespaced per-invocation by
// module.Env, not per-runtime.
func New(host *hostabi.Host, cfg config.Config, registry *Registry, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{
		Host:     host,
		Config:   cfg,
		Registry: registry,
		Logger:   logger,
	}
	if sr := cfg.Loader.SignatureRequirement; sr.Enabled {
		if tr, err := ParseTrustRoots(sr.TrustRoots); err == nil {
			l.trusted = tr
			l.haveRoot = true
		} else {
			logger.Error("loader: invalid signature trust roots, signature verification disabled", "error", err)
		}
	}
	return l
}

// Load discovers every artifact in the configured module directory, compiles
// and links each one that has a matching modules[] entry in config (an
// artifact with no matching entry is skipped and logged, not an error),
// verifies its signature when required, and atomically swaps the built set
// into the Registry. It never mutates the previous registry contents on
// partial failure: a bad artifact is skipped, the rest still load.
func (l *Loader) Load(ctx context.Context) error {
	artifacts, err := Discover(l.Config.Loader.ModuleDir)
	if err != nil {
		return fmt.Errorf("loader: discover: %w", err)
	}

	previouslyLoaded := len(l.Registry.All())

	var mods []*module.PlaidModule
	for _, a := range artifacts {
		mc, ok := l.Config.Modules[a.Name]
		if !ok {
			l.Logger.Warn("loader: artifact has no module configuration, skipping", "module", a.Name)
			continue
		}

		loadCtx := ctx
		var span trace.Span
		if l.Otel != nil {
			loadCtx, span = modotel.StartSpan(ctx, l.Otel.Tracer, "loader.load_one", modotel.AttrModuleName.String(a.Name))
		}
		started := time.Now()

		pm, err := l.loadOne(loadCtx, a, mc)

		if l.Metrics != nil {
			l.Metrics.ModuleLoadDuration.Record(ctx, time.Since(started).Seconds())
		}
		if err != nil {
			if span != nil {
				span.RecordError(err)
				span.End()
			}
			l.Logger.Error("loader: failed to load module, skipping", "module", a.Name, "error", err)
			l.publish(bus.TopicModuleLoadFailed, bus.ModuleLoadFailedEvent{Name: a.Name, Reason: err.Error()})
			continue
		}
		if span != nil {
			span.End()
		}

		mods = append(mods, pm)
		l.publish(bus.TopicModuleLoaded, bus.ModuleLoadedEvent{
			Name:              pm.Name,
			SubscribedLogType: pm.SubscribedLogType,
			ComputationLimit:  pm.ComputationLimit,
		})
	}

	l.Registry.Swap(mods)
	if l.Metrics != nil {
		l.Metrics.ModulesLoaded.Add(ctx, int64(len(mods)-previouslyLoaded))
	}
	l.publish(bus.TopicRegistrySwapped, bus.RegistrySwappedEvent{Loaded: len(mods), Discovered: len(artifacts)})
	l.Logger.Info("loader: registry swapped", "loaded", len(mods), "discovered", len(artifacts))
	return nil
}

func (l *Loader) publish(topic string, payload any) {
	if l.Bus == nil {
		return
	}
	l.Bus.Publish(topic, payload)
}

func (l *Loader) loadOne(ctx context.Context, a Artifact, mc config.ModuleConfig) (*module.PlaidModule, error) {
	if l.haveRoot {
		quorum := l.Config.Loader.SignatureRequirement.Quorum
		if err := VerifySignatures(a.Bytes, mc.SignaturePath, l.trusted, quorum); err != nil {
			return nil, fmt.Errorf("signature: %w", err)
		}
	}

	computationLimit := mc.ComputationLimit
	if computationLimit == 0 {
		computationLimit = l.Config.Loader.ComputationLimit
	}
	memoryPageLimit := mc.MemoryPageLimit
	if memoryPageLimit == 0 {
		memoryPageLimit = l.Config.Loader.MemoryPageLimit
	}
	costModel := CostModelFromTable(l.Config.Loader.CostModel)

	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memoryPageLimit).
		WithCloseOnContextDone(true)
	rt := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	artifact := &CompiledArtifact{Runtime: rt, CostModel: costModel}

	hostCloser, err := l.Host.Instantiate(ctx, rt)
	if err != nil {
		_ = artifact.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	artifact.closers = append(artifact.closers, hostCloser)

	meteredCtx := experimental.WithFunctionListenerFactory(ctx, NewMeteringListenerFactory(costModel))
	compiled, err := Compile(meteredCtx, rt, a.Bytes)
	if err != nil {
		_ = artifact.Close(ctx)
		return nil, err
	}
	artifact.Compiled = compiled

	stubClosers, err := StubReservedImports(ctx, rt, compiled)
	if err != nil {
		_ = artifact.Close(ctx)
		return nil, err
	}
	artifact.closers = append(artifact.closers, stubClosers...)

	storageLimit := mc.StorageLimitBytes
	if storageLimit == 0 {
		storageLimit = l.Config.Storage.StorageLimitBytes
	}

	pm := module.New(a.Name, artifact, computationLimit, memoryPageLimit, storageLimit, mc.SubscribedLogType, mc.Policy())
	return pm, nil
}

// Watch starts a Watcher over the configured module directory and reloads
// the registry on every event it observes, until ctx is cancelled. It blocks
// until ctx is done or the watcher fails to start.
func (l *Loader) Watch(ctx context.Context) error {
	if !l.Config.Loader.Watch {
		return nil
	}
	w := NewWatcher(l.Config.Loader.ModuleDir, l.Logger)
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("loader: start watcher: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-w.Events():
			if !ok {
				return nil
			}
			if err := l.Load(ctx); err != nil {
				l.Logger.Error("loader: reload failed", "error", err)
			}
		}
	}
}
