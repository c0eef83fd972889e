// Package config defines the typed shape of the six configuration groups the
// core consults: executor, loader, storage, cache, and per-module policy.
// Parsing a config *file* and resolving secrets is explicitly out of scope
// for the core (spec.md §1); LoadYAML exists only as a convenience for
// callers and tests that want to build a Config from disk rather than
// constructing one in code.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/latticerun/modrunner/internal/otel"
	"github.com/latticerun/modrunner/internal/policy"
)

// DedicatedPoolConfig sizes one of the executor's per-log-type dedicated
// thread pools.
type DedicatedPoolConfig struct {
	NumThreads   int `yaml:"num_threads"`
	LogQueueSize int `yaml:"log_queue_size"`
}

// ExecutorConfig configures the general pool and any dedicated pools.
type ExecutorConfig struct {
	ExecutionThreads int                            `yaml:"execution_threads"`
	LogQueueSize     int                            `yaml:"log_queue_size"`
	DedicatedThreads map[string]DedicatedPoolConfig `yaml:"dedicated_threads"`
}

// SignatureRequirement configures optional sidecar signature verification
// for compiled module artifacts.
type SignatureRequirement struct {
	Enabled    bool     `yaml:"enabled"`
	TrustRoots []string `yaml:"trust_roots"` // PEM-encoded Ed25519 public keys
	Quorum     int      `yaml:"quorum"`
}

// LoaderConfig configures module discovery and compilation.
type LoaderConfig struct {
	ModuleDir            string               `yaml:"module_dir"`
	ComputationLimit     uint64               `yaml:"computation_limit"`
	MemoryPageLimit      uint32               `yaml:"memory_page_limit"`
	CostModel            map[string]uint64    `yaml:"cost_model"`
	SignatureRequirement SignatureRequirement `yaml:"signature_requirement"`
	Watch                bool                 `yaml:"watch"`
}

// StorageConfig selects the storage backend and the default per-module byte
// quota (overridable per module).
type StorageConfig struct {
	Backend           string `yaml:"backend"` // "memory" | "sqlite"
	SQLitePath        string `yaml:"sqlite_path"`
	StorageLimitBytes int    `yaml:"storage_limit_bytes"`
}

// CacheEntriesConfig resolves effective LRU capacity per spec.md §4.6's
// precedence: module override, then log-type override, then default.
type CacheEntriesConfig struct {
	Default    int            `yaml:"default"`
	PerLogType map[string]int `yaml:"per_log_type"`
	PerModule  map[string]int `yaml:"per_module"`
}

// CacheConfig selects the cache backend.
type CacheConfig struct {
	Backend      string             `yaml:"backend"` // "memory" | "redis"
	RedisAddr    string             `yaml:"redis_addr"`
	CacheEntries CacheEntriesConfig `yaml:"cache_entries"`
}

// ModuleConfig is the per-module configuration block: subscription,
// resource limits, and the full capability grant.
type ModuleConfig struct {
	SubscribedLogType string `yaml:"subscribed_log_type"`
	ComputationLimit  uint64 `yaml:"computation_limit"` // 0 = inherit loader default
	MemoryPageLimit   uint32 `yaml:"memory_page_limit"` // 0 = inherit loader default
	StorageLimitBytes int    `yaml:"storage_limit_bytes"`
	SignaturePath     string `yaml:"signature_path"`

	NamedRequests          []policy.NamedRequestRule        `yaml:"named_requests"`
	PrivateNamespace       string                           `yaml:"private_namespace"`
	SharedNamespaces       []policy.SharedNamespaceGrant    `yaml:"shared_namespaces"`
	CacheCapacity          int                              `yaml:"cache_capacity"`
	LogbacksAllowed        policy.LogbacksAllowed           `yaml:"logbacks_allowed"`
	LogTypeEmitAllowlist   []string                         `yaml:"log_type_emit_allowlist"`
	CryptographyKeys       map[string]policy.CryptoKeyGrant `yaml:"cryptography_keys"`
	Secrets                map[string]string                `yaml:"secrets"`
	AccessoryData          map[string]string                `yaml:"accessory_data"`
	JWTKeyIDs              []string                         `yaml:"jwt_key_ids"`
	JWTExtraFieldAllowlist []string                         `yaml:"jwt_extra_field_allowlist"`
	TestModeNamedRequests  []string                         `yaml:"test_mode_named_requests"`
	TestMode               bool                             `yaml:"test_mode"`
}

// Policy projects a ModuleConfig's capability fields into a policy.Policy,
// leaving resource limits and subscription out (those stay on the loader's
// PlaidModule, not the policy).
func (m ModuleConfig) Policy() policy.Policy {
	return policy.Policy{
		NamedRequests:          m.NamedRequests,
		PrivateNamespace:       m.PrivateNamespace,
		SharedNamespaces:       m.SharedNamespaces,
		CacheCapacity:          m.CacheCapacity,
		StorageLimitBytes:      m.StorageLimitBytes,
		LogbacksAllowed:        m.LogbacksAllowed,
		LogTypeEmitAllowlist:   m.LogTypeEmitAllowlist,
		CryptographyKeys:       m.CryptographyKeys,
		Secrets:                m.Secrets,
		AccessoryData:          m.AccessoryData,
		JWTKeyIDs:              m.JWTKeyIDs,
		JWTExtraFieldAllowlist: m.JWTExtraFieldAllowlist,
		TestModeNamedRequests:  m.TestModeNamedRequests,
		TestMode:               m.TestMode,
	}
}

// Config is the fully resolved configuration object the core receives.
// Building one from a file, and resolving secret references within it, is
// the ingress layer's job (spec.md §1); this struct is what's left once
// that's done.
type Config struct {
	Executor ExecutorConfig          `yaml:"executor"`
	Loader   LoaderConfig            `yaml:"loader"`
	Storage  StorageConfig           `yaml:"storage"`
	Cache    CacheConfig             `yaml:"cache"`
	Modules  map[string]ModuleConfig `yaml:"modules"`
	Otel     otel.Config             `yaml:"otel"`
}

// Default returns zero-value-safe defaults: a single-threaded general pool,
// no dedicated pools, in-memory storage and cache, and no modules.
func Default() Config {
	return Config{
		Executor: ExecutorConfig{
			ExecutionThreads: 4,
			LogQueueSize:     64,
		},
		Loader: LoaderConfig{
			ComputationLimit: 10_000_000,
			MemoryPageLimit:  16,
		},
		Storage: StorageConfig{
			Backend: "memory",
		},
		Cache: CacheConfig{
			Backend: "memory",
			CacheEntries: CacheEntriesConfig{
				Default: 128,
			},
		},
		Modules: map[string]ModuleConfig{},
	}
}

// LoadYAML reads and parses a Config from a YAML file. Missing top-level
// groups fall back to Default's values for that group. This helper is
// test/dev tooling, not part of the core's execution-time contract.
func LoadYAML(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %q: %w", path, err)
	}
	// Unmarshal over the defaults so zero-valued fields in the file don't
	// clobber sane defaults for groups the file doesn't mention.
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %q: %w", path, err)
	}
	if cfg.Modules == nil {
		cfg.Modules = map[string]ModuleConfig{}
	}
	return cfg, nil
}
