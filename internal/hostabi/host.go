package hostabi

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"errors"

	"github.com/latticerun/modrunner/internal/bus"
	"github.com/latticerun/modrunner/internal/cache"
	"github.com/latticerun/modrunner/internal/crypto"
	"github.com/latticerun/modrunner/internal/delayqueue"
	"github.com/latticerun/modrunner/internal/message"
	"github.com/latticerun/modrunner/internal/module"
	"github.com/latticerun/modrunner/internal/namedrequest"
	modotel "github.com/latticerun/modrunner/internal/otel"
	"github.com/latticerun/modrunner/internal/policy"
	"github.com/latticerun/modrunner/internal/storage"
)

// Decision is an audit record of one capability check, emitted whether the
// check allowed or denied the call, per spec.md §4.4.
type Decision struct {
	Module   string
	Function string
	Allowed  bool
	Reason   string
}

// DecisionSink receives every capability decision as it is made.
type DecisionSink func(Decision)

// Host bundles the concrete backends the capability catalogue is wired
// against. One Host is shared across all invocations; per-invocation state
// lives entirely in module.Env.
type Host struct {
	PrivateStorage storageProvider
	SharedStorage  storageProvider
	Cache          cache.Provider
	Dispatcher     *namedrequest.Dispatcher
	Keyring        map[string][]byte // logical key id -> raw AES-128 key bytes
	DirectDispatch delayqueue.Dispatch
	DelayQueue     *delayqueue.Queue
	MaxRandomBytes int
	Now            func() time.Time
	Audit          DecisionSink
	Bus            *bus.Bus         // optional; nil means no lifecycle events are published
	Metrics        *modotel.Metrics // optional; nil means no metrics are recorded
	TestMode       bool
}

// storageProvider matches the subset of storage.Provider this package calls;
// declared locally to avoid import cycles and to keep construction flexible
// (the executor wires storage.Quota-wrapped providers here).
type storageProvider interface {
	Insert(ctx context.Context, namespace, key string, value []byte) error
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Delete(ctx context.Context, namespace, key string) error
	ListKeys(ctx context.Context, namespace string) ([]string, error)
	FetchAll(ctx context.Context, namespace string) (map[string][]byte, error)
}

func (h *Host) audit(module, function string, allowed bool, reason string) {
	if h.Bus != nil {
		h.Bus.Publish(bus.TopicCapabilityDecision, bus.CapabilityDecisionEvent{
			Module: module, Function: function, Allowed: allowed, Reason: reason,
		})
	}
	if h.Metrics != nil {
		if !allowed {
			h.Metrics.CapabilityDenials.Add(context.Background(), 1)
		}
		if function == "log_back" && allowed {
			h.Metrics.LogbacksEmitted.Add(context.Background(), 1)
		}
	}
	if h.Audit == nil {
		return
	}
	h.Audit(Decision{Module: module, Function: function, Allowed: allowed, Reason: reason})
}

func (h *Host) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// PrintDebugString has no policy; it is surfaced to the caller as a plain
// log line (the executor attaches the module name).
func (h *Host) PrintDebugString(env *module.Env, msg string) {
	h.audit(env.Module.Name, "print_debug_string", true, "")
}

// SetErrorContext stores a guest diagnostic string on Env.
func (h *Host) SetErrorContext(env *module.Env, msg string) {
	env.SetErrorContext(msg)
}

// GetTime returns the current time as Unix nanoseconds.
func (h *Host) GetTime() int64 {
	return h.now().UnixNano()
}

// FetchRandomBytes fills n cryptographically random bytes, capped by
// MaxRandomBytes.
func (h *Host) FetchRandomBytes(n int) ([]byte, error) {
	if h.MaxRandomBytes > 0 && n > h.MaxRandomBytes {
		n = h.MaxRandomBytes
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}
	return buf, nil
}

// --- Private storage ---

func (h *Host) privateNamespace(env *module.Env) string {
	if ns := env.Module.Capabilities.PrivateNamespace; ns != "" {
		return ns
	}
	return env.Module.Name
}

func (h *Host) StorageInsert(ctx context.Context, env *module.Env, key string, value []byte) error {
	ns := h.privateNamespace(env)
	if err := h.PrivateStorage.Insert(ctx, ns, key, value); err != nil {
		h.audit(env.Module.Name, "insert", false, err.Error())
		return mapStorageError(err)
	}
	h.audit(env.Module.Name, "insert", true, "")
	return nil
}

func (h *Host) StorageGet(ctx context.Context, env *module.Env, key string) ([]byte, error) {
	v, err := h.PrivateStorage.Get(ctx, h.privateNamespace(env), key)
	if err != nil {
		return nil, mapStorageError(err)
	}
	return v, nil
}

func (h *Host) StorageDelete(ctx context.Context, env *module.Env, key string) error {
	return mapStorageError(h.PrivateStorage.Delete(ctx, h.privateNamespace(env), key))
}

func (h *Host) StorageListKeys(ctx context.Context, env *module.Env, prefix string) ([]string, error) {
	all, err := h.PrivateStorage.ListKeys(ctx, h.privateNamespace(env))
	if err != nil {
		return nil, mapStorageError(err)
	}
	return filterPrefix(all, prefix), nil
}

// --- Shared storage ---

func (h *Host) SharedStorageInsert(ctx context.Context, env *module.Env, ns, key string, value []byte) error {
	if !env.Module.Capabilities.AllowSharedWrite(ns) {
		h.audit(env.Module.Name, "insert_shared", false, "namespace not writable: "+ns)
		return ErrCapabilityNotConfigured
	}
	if err := h.SharedStorage.Insert(ctx, ns, key, value); err != nil {
		h.audit(env.Module.Name, "insert_shared", false, err.Error())
		return mapStorageError(err)
	}
	h.audit(env.Module.Name, "insert_shared", true, "")
	return nil
}

func (h *Host) SharedStorageGet(ctx context.Context, env *module.Env, ns, key string) ([]byte, error) {
	if !env.Module.Capabilities.AllowSharedRead(ns) {
		h.audit(env.Module.Name, "get_shared", false, "namespace not readable: "+ns)
		return nil, ErrCapabilityNotConfigured
	}
	v, err := h.SharedStorage.Get(ctx, ns, key)
	if err != nil {
		return nil, mapStorageError(err)
	}
	return v, nil
}

func (h *Host) SharedStorageDelete(ctx context.Context, env *module.Env, ns, key string) error {
	if !env.Module.Capabilities.AllowSharedWrite(ns) {
		h.audit(env.Module.Name, "delete_shared", false, "namespace not writable: "+ns)
		return ErrCapabilityNotConfigured
	}
	return mapStorageError(h.SharedStorage.Delete(ctx, ns, key))
}

func filterPrefix(keys []string, prefix string) []string {
	if prefix == "" {
		return keys
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, k)
		}
	}
	return out
}

func mapStorageError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, storage.ErrLimitExceeded):
		return ErrStorageLimitReached
	case errors.Is(err, storage.ErrNotFound):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrInternalError, err)
	}
}

// --- Cache ---

func (h *Host) CacheInsert(ctx context.Context, env *module.Env, key string, value []byte) error {
	if h.Cache == nil {
		return ErrCacheDisabled
	}
	if err := h.Cache.Set(ctx, env.Module.Name, key, value); err != nil {
		if err == cache.ErrCacheDisabled {
			return ErrCacheDisabled
		}
		return fmt.Errorf("%w: %v", ErrInternalError, err)
	}
	return nil
}

func (h *Host) CacheGet(ctx context.Context, env *module.Env, key string) ([]byte, bool, error) {
	if h.Cache == nil {
		return nil, false, ErrCacheDisabled
	}
	v, ok, err := h.Cache.Get(ctx, env.Module.Name, key)
	if err != nil {
		if err == cache.ErrCacheDisabled {
			return nil, false, ErrCacheDisabled
		}
		return nil, false, fmt.Errorf("%w: %v", ErrInternalError, err)
	}
	return v, ok, nil
}

// --- Named request ---

func (h *Host) MakeNamedRequest(ctx context.Context, env *module.Env, name string, templateData any, callHeaders map[string]string) ([]byte, error) {
	rule, ok := env.Module.Capabilities.AllowNamedRequest(name)
	if !ok {
		h.audit(env.Module.Name, "make_named_request", false, "not in policy: "+name)
		return nil, ErrCapabilityNotConfigured
	}

	if env.Module.Capabilities.TestModeStub(name) {
		h.audit(env.Module.Name, "make_named_request", true, "stubbed in test mode")
		return namedrequest.Stub().Body, nil
	}
	if h.TestMode {
		h.audit(env.Module.Name, "make_named_request", false, "test mode rejection")
		return nil, ErrTestModeRejection
	}

	compiled, err := namedrequest.CompileRule(rule.Name, rule.URL, rule.Method, rule.BodyTemplate, rule.AllowedHeaders, rule.RequiredHeaders)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	resp, err := h.Dispatcher.Dispatch(ctx, compiled, namedrequest.Call{TemplateData: templateData, Headers: callHeaders})
	if err != nil {
		h.audit(env.Module.Name, "make_named_request", false, err.Error())
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}
	h.audit(env.Module.Name, "make_named_request", true, "")
	return resp.Body, nil
}

// --- Log-back ---

func (h *Host) LogBack(env *module.Env, logType string, payload []byte, delay time.Duration) error {
	if !env.Module.Capabilities.AllowLogbackType(logType) {
		h.audit(env.Module.Name, "log_back", false, "log type not in allowlist: "+logType)
		return ErrCapabilityNotConfigured
	}
	remaining, allowed := env.RemainingAfterNextLogback()
	if !allowed {
		h.audit(env.Module.Name, "log_back", false, "logbacks quota exhausted")
		return ErrCapabilityNotConfigured
	}
	env.RecordLogback()

	msg := message.New(logType, payload, message.LogbackSource(env.Module.Name), remaining)
	if delay <= 0 {
		h.DirectDispatch(msg)
	} else {
		h.DelayQueue.Push(message.NewDelayedMessage(delay, msg))
	}
	if h.Bus != nil {
		h.Bus.Publish(bus.TopicLogbackEmitted, bus.LogbackEvent{
			Module: env.Module.Name, LogType: logType, DelayMillis: delay.Milliseconds(),
		})
	}
	h.audit(env.Module.Name, "log_back", true, "")
	return nil
}

// --- Response ---

func (h *Host) SetResponse(env *module.Env, buf []byte) {
	env.SetResponse(buf)
}

func (h *Host) GetResponse(env *module.Env) ([]byte, bool) {
	return env.Response()
}

// --- Accessors ---

// GetHeader resolves name against the message's registered headers, falling
// back to a same-named secret and then static accessory data (policy.Lookup's
// precedence), so a module written against a header can be driven by a
// policy-level default when no webhook request supplied one.
func (h *Host) GetHeader(env *module.Env, name string) (string, bool) {
	h.warnOnNamespaceCollision(env, name)
	return policy.Lookup(env.Message.Headers, env.Module.Capabilities.Secrets, env.Module.Capabilities.AccessoryData, name)
}

// GetQueryParam resolves name with the same registered-then-secret-then-
// accessory precedence as GetHeader, scoped to the message's query
// parameters.
func (h *Host) GetQueryParam(env *module.Env, name string) (string, bool) {
	h.warnOnNamespaceCollision(env, name)
	return policy.Lookup(env.Message.QueryParams, env.Module.Capabilities.Secrets, env.Module.Capabilities.AccessoryData, name)
}

// warnOnNamespaceCollision audits name as ambiguous when it's registered in
// both the header and query-param tables: a module asking GetHeader for it
// may be silently missing the query-param-scoped value a caller intended.
func (h *Host) warnOnNamespaceCollision(env *module.Env, name string) {
	for _, c := range policy.CollidesAcrossUserFacingNamespaces(env.Message.Headers, env.Message.QueryParams) {
		if c == strings.ToLower(name) {
			h.audit(env.Module.Name, "namespace_collision", true, "name "+name+" registered in both headers and query params")
			return
		}
	}
}

func (h *Host) GetSecret(env *module.Env, name string) (string, bool) {
	v, ok := env.Module.Capabilities.Secrets[name]
	return v, ok
}

func (h *Host) GetAccessoryData(env *module.Env, name string) (string, bool) {
	if v, ok := env.Message.AccessoryData[name]; ok {
		return v, ok
	}
	v, ok := env.Module.Capabilities.AccessoryData[name]
	return v, ok
}

// --- Crypto ---

func (h *Host) AESEncryptLocal(env *module.Env, keyID string, plaintext []byte) (string, error) {
	if !env.Module.Capabilities.AllowCryptoEncrypt(keyID) {
		h.audit(env.Module.Name, "aes_encrypt_local", false, "no encrypt grant for "+keyID)
		return "", ErrCapabilityNotConfigured
	}
	key, ok := h.Keyring[keyID]
	if !ok {
		return "", ErrCapabilityNotConfigured
	}
	out, err := crypto.EncryptToBase64(key, plaintext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInternalError, err)
	}
	return out, nil
}

func (h *Host) AESDecryptLocal(env *module.Env, keyID string, blob string) (string, error) {
	if !env.Module.Capabilities.AllowCryptoDecrypt(keyID) {
		h.audit(env.Module.Name, "aes_decrypt_local", false, "no decrypt grant for "+keyID)
		return "", ErrCapabilityNotConfigured
	}
	key, ok := h.Keyring[keyID]
	if !ok {
		return "", ErrCapabilityNotConfigured
	}
	out, err := crypto.DecryptFromBase64(key, blob)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInternalError, err)
	}
	return out, nil
}

// --- JWT ---

func (h *Host) IssueJWT(env *module.Env, keyID string, ttl time.Duration, extraFields map[string]any) (string, error) {
	if !env.Module.Capabilities.AllowJWTKeyID(keyID) {
		h.audit(env.Module.Name, "issue_jwt", false, "kid not in policy: "+keyID)
		return "", ErrCapabilityNotConfigured
	}
	names := make([]string, 0, len(extraFields))
	for k := range extraFields {
		names = append(names, k)
	}
	if !env.Module.Capabilities.AllowJWTExtraFields(names) {
		h.audit(env.Module.Name, "issue_jwt", false, "extra field not in allowlist")
		return "", ErrCapabilityNotConfigured
	}
	secret, ok := h.Keyring[keyID]
	if !ok {
		return "", ErrCapabilityNotConfigured
	}
	now := h.now()
	token, err := crypto.IssueJWT(crypto.JWTRequest{
		KeyID:       keyID,
		Secret:      secret,
		IssuedAt:    now,
		ExpiresAt:   now.Add(ttl),
		ExtraFields: extraFields,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInternalError, err)
	}
	h.audit(env.Module.Name, "issue_jwt", true, "")
	return token, nil
}
