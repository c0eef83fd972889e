// Package policy defines per-module capability grants and the checks the
// host function ABI consults before every side effect.
package policy

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// LogbacksAllowed mirrors message.LogbacksRemaining's shape at the grant
// level: either unlimited or a finite per-message ceiling applied the first
// time a module emits a log-back.
type LogbacksAllowed struct {
	Unlimited bool `yaml:"unlimited"`
	Ceiling   int  `yaml:"ceiling"`
}

func UnlimitedLogbacks() LogbacksAllowed { return LogbacksAllowed{Unlimited: true} }

func LimitedLogbacks(n int) LogbacksAllowed {
	if n < 0 {
		n = 0
	}
	return LogbacksAllowed{Ceiling: n}
}

// NamedRequestRule is one named-request grant.
type NamedRequestRule struct {
	Name            string   `yaml:"name"`
	URL             string   `yaml:"url"`
	Method          string   `yaml:"method"`
	BodyTemplate    string   `yaml:"body_template"`
	AllowedHeaders  []string `yaml:"allowed_headers"`
	RequiredHeaders []string `yaml:"required_headers"`
}

// SharedNamespaceGrant grants read and/or write access to a shared storage
// namespace.
type SharedNamespaceGrant struct {
	Namespace string `yaml:"namespace"`
	Read      bool   `yaml:"read"`
	Write     bool   `yaml:"write"`
}

// CryptoKeyGrant grants use of a logical AES key for encryption and/or
// decryption.
type CryptoKeyGrant struct {
	Encrypt bool `yaml:"encrypt"`
	Decrypt bool `yaml:"decrypt"`
}

// Policy is the full set of capability grants attached to one module. Every
// field defaults to empty/deny; there is no implicit grant.
type Policy struct {
	NamedRequests          []NamedRequestRule        `yaml:"named_requests"`
	PrivateNamespace       string                    `yaml:"private_namespace"`
	SharedNamespaces       []SharedNamespaceGrant    `yaml:"shared_namespaces"`
	CacheCapacity          int                       `yaml:"cache_capacity"`
	StorageLimitBytes      int                       `yaml:"storage_limit_bytes"`
	LogbacksAllowed        LogbacksAllowed           `yaml:"logbacks_allowed"`
	LogTypeEmitAllowlist   []string                  `yaml:"log_type_emit_allowlist"`
	CryptographyKeys       map[string]CryptoKeyGrant `yaml:"cryptography_keys"`
	Secrets                map[string]string         `yaml:"secrets"`
	AccessoryData          map[string]string         `yaml:"accessory_data"`
	JWTKeyIDs              []string                  `yaml:"jwt_key_ids"`
	JWTExtraFieldAllowlist []string                  `yaml:"jwt_extra_field_allowlist"`
	TestModeNamedRequests  []string                  `yaml:"test_mode_named_requests"`
	TestMode               bool                      `yaml:"test_mode"`
}

// Default returns an all-deny policy.
func Default() Policy {
	return Policy{
		LogbacksAllowed:   LimitedLogbacks(0),
		CryptographyKeys:  map[string]CryptoKeyGrant{},
		Secrets:           map[string]string{},
		AccessoryData:     map[string]string{},
		StorageLimitBytes: 0,
	}
}

// Load parses a Policy from a YAML file. An empty path, or a missing file,
// returns Default with no error.
func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := readFileIfExists(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if data == nil {
		return Default(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	return p, nil
}

func (p Policy) namedRequest(name string) (NamedRequestRule, bool) {
	for _, r := range p.NamedRequests {
		if r.Name == name {
			return r, true
		}
	}
	return NamedRequestRule{}, false
}

// AllowNamedRequest reports whether the module may invoke the given named
// request, returning its rule when allowed.
func (p Policy) AllowNamedRequest(name string) (NamedRequestRule, bool) {
	return p.namedRequest(name)
}

func (p Policy) sharedGrant(ns string) (SharedNamespaceGrant, bool) {
	for _, g := range p.SharedNamespaces {
		if g.Namespace == ns {
			return g, true
		}
	}
	return SharedNamespaceGrant{}, false
}

// AllowSharedRead reports whether the module may read the shared namespace.
func (p Policy) AllowSharedRead(ns string) bool {
	g, ok := p.sharedGrant(ns)
	return ok && g.Read
}

// AllowSharedWrite reports whether the module may write the shared namespace.
func (p Policy) AllowSharedWrite(ns string) bool {
	g, ok := p.sharedGrant(ns)
	return ok && g.Write
}

// AllowLogbackType reports whether the module may target logType via
// log-back. An empty allowlist means no type-level restriction beyond the
// logbacks-remaining quota.
func (p Policy) AllowLogbackType(logType string) bool {
	if len(p.LogTypeEmitAllowlist) == 0 {
		return true
	}
	for _, t := range p.LogTypeEmitAllowlist {
		if t == logType {
			return true
		}
	}
	return false
}

func (p Policy) cryptoGrant(keyID string) (CryptoKeyGrant, bool) {
	g, ok := p.CryptographyKeys[keyID]
	return g, ok
}

// AllowCryptoEncrypt reports whether the module may encrypt under keyID.
func (p Policy) AllowCryptoEncrypt(keyID string) bool {
	g, ok := p.cryptoGrant(keyID)
	return ok && g.Encrypt
}

// AllowCryptoDecrypt reports whether the module may decrypt under keyID.
func (p Policy) AllowCryptoDecrypt(keyID string) bool {
	g, ok := p.cryptoGrant(keyID)
	return ok && g.Decrypt
}

// AllowJWTKeyID reports whether the module may issue JWTs under kid.
func (p Policy) AllowJWTKeyID(kid string) bool {
	for _, k := range p.JWTKeyIDs {
		if k == kid {
			return true
		}
	}
	return false
}

// AllowJWTExtraFields reports whether every requested extra claim name is in
// the allowlist.
func (p Policy) AllowJWTExtraFields(fields []string) bool {
	allowed := make(map[string]struct{}, len(p.JWTExtraFieldAllowlist))
	for _, f := range p.JWTExtraFieldAllowlist {
		allowed[f] = struct{}{}
	}
	for _, f := range fields {
		if _, ok := allowed[f]; !ok {
			return false
		}
	}
	return true
}

// TestModeStub reports whether a named request is configured to return a
// stub success in test mode instead of performing a network call.
func (p Policy) TestModeStub(name string) bool {
	if !p.TestMode {
		return false
	}
	for _, n := range p.TestModeNamedRequests {
		if n == name {
			return true
		}
	}
	return false
}

// Lookup resolves name against explicitly-registered per-message values
// (headers/query parameters), then secrets, then static accessory data — the
// precedence rule of spec.md §4.3: a registered header/query value wins over
// a same-named secret.
func Lookup(registered, secrets, accessoryData map[string]string, name string) (string, bool) {
	if v, ok := registered[name]; ok {
		return v, true
	}
	if v, ok := secrets[name]; ok {
		return v, true
	}
	if v, ok := accessoryData[name]; ok {
		return v, true
	}
	return "", false
}

// CollidesAcrossUserFacingNamespaces reports names present in both the header
// table and the query-parameter table, flattened to lowercase.
func CollidesAcrossUserFacingNamespaces(headers, queryParams map[string]string) []string {
	var collisions []string
	for k := range headers {
		if _, ok := queryParams[k]; ok {
			collisions = append(collisions, strings.ToLower(k))
		}
	}
	return collisions
}

// LivePolicy wraps a Policy with thread-safe access and reload, used by the
// loader to swap a module's grants on hot-reload without a restart.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
}

// NewLivePolicy wraps an initial Policy snapshot.
func NewLivePolicy(initial Policy) *LivePolicy {
	return &LivePolicy{data: initial}
}

// Snapshot returns a copy of the current policy.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data
}

// Reload replaces the policy data with a fresh snapshot.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// Version returns a stable fingerprint of the current policy, useful for
// audit records and cache invalidation.
func (lp *LivePolicy) Version() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return fingerprint(lp.data)
}

func fingerprint(p Policy) string {
	h := fnv.New64a()
	for _, r := range p.NamedRequests {
		_, _ = h.Write([]byte("nr:" + r.Name + "|"))
	}
	for _, g := range p.SharedNamespaces {
		_, _ = h.Write([]byte(fmt.Sprintf("shared:%s:%v:%v|", g.Namespace, g.Read, g.Write)))
	}
	_, _ = h.Write([]byte("private:" + p.PrivateNamespace + "|"))
	_, _ = h.Write([]byte(fmt.Sprintf("cache:%d|storage:%d|", p.CacheCapacity, p.StorageLimitBytes)))
	_, _ = h.Write([]byte(fmt.Sprintf("logbacks:%v:%d|", p.LogbacksAllowed.Unlimited, p.LogbacksAllowed.Ceiling)))
	for _, t := range p.LogTypeEmitAllowlist {
		_, _ = h.Write([]byte("logtype:" + t + "|"))
	}
	for k, g := range p.CryptographyKeys {
		_, _ = h.Write([]byte(fmt.Sprintf("crypto:%s:%v:%v|", k, g.Encrypt, g.Decrypt)))
	}
	for _, k := range p.JWTKeyIDs {
		_, _ = h.Write([]byte("jwt:" + k + "|"))
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}
