// Package cache implements the per-namespace cache abstraction exposed to
// modules through the cache host functions.
package cache

import (
	"context"
	"errors"
)

// ErrCacheDisabled is returned when a module has no cache capacity grant for
// the namespace it addressed.
var ErrCacheDisabled = errors.New("cache: disabled for namespace")

// Provider is implemented by every cache backend.
type Provider interface {
	Set(ctx context.Context, namespace, key string, value []byte) error
	Get(ctx context.Context, namespace, key string) ([]byte, bool, error)
}

// CapacityResolver resolves the effective cache capacity for a namespace
// using the precedence rule of spec.md §4.6: module override, then log-type
// override, then default.
type CapacityResolver struct {
	ModuleOverride  int
	LogTypeOverride map[string]int
	Default         int
}

// Resolve returns the effective capacity for a namespace tagged with logType.
func (r CapacityResolver) Resolve(logType string) int {
	if r.ModuleOverride > 0 {
		return r.ModuleOverride
	}
	if v, ok := r.LogTypeOverride[logType]; ok && v > 0 {
		return v
	}
	return r.Default
}
