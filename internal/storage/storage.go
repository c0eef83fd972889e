// Package storage implements the namespaced key/value abstraction exposed to
// modules through the private and shared storage host functions.
package storage

import (
	"context"
	"errors"
	"sync"
)

// ErrLimitExceeded is returned by Insert when the namespace's byte quota
// would be exceeded by the write.
var ErrLimitExceeded = errors.New("storage: namespace byte limit exceeded")

// ErrNotFound is returned by Get and Delete when the key is absent.
var ErrNotFound = errors.New("storage: key not found")

// Provider is implemented by every storage backend. A Provider is scoped to
// one namespace: callers construct a new Provider (or call the namespaced
// methods) per private/shared namespace they need.
type Provider interface {
	Insert(ctx context.Context, namespace, key string, value []byte) error
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Delete(ctx context.Context, namespace, key string) error
	ListKeys(ctx context.Context, namespace string) ([]string, error)
	FetchAll(ctx context.Context, namespace string) (map[string][]byte, error)
	IsPersistent() bool
}

// Quota wraps a Provider and enforces a per-namespace byte quota at the
// abstraction layer, independent of whatever the backend itself does.
// new_total = old_total - len(previous value, if any) + len(new value), per
// spec.md §4.5.
type Quota struct {
	inner Provider

	mu     sync.Mutex
	limits map[string]int // namespace -> byte limit, 0 = unlimited
	totals map[string]int // namespace -> current byte total
}

// NewQuota wraps inner with per-namespace byte accounting.
func NewQuota(inner Provider) *Quota {
	return &Quota{
		inner:  inner,
		limits: map[string]int{},
		totals: map[string]int{},
	}
}

// SetLimit configures the byte limit for a namespace. A limit of 0 means
// unlimited.
func (q *Quota) SetLimit(namespace string, limitBytes int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.limits[namespace] = limitBytes
}

func (q *Quota) Insert(ctx context.Context, namespace, key string, value []byte) error {
	q.mu.Lock()
	limit := q.limits[namespace]
	prevLen := 0
	if limit > 0 {
		if prev, err := q.inner.Get(ctx, namespace, key); err == nil {
			prevLen = len(prev)
		}
		newTotal := q.totals[namespace] - prevLen + len(value)
		if newTotal > limit {
			q.mu.Unlock()
			return ErrLimitExceeded
		}
		q.totals[namespace] = newTotal
	}
	q.mu.Unlock()

	if err := q.inner.Insert(ctx, namespace, key, value); err != nil {
		q.mu.Lock()
		if limit > 0 {
			q.totals[namespace] = q.totals[namespace] - len(value) + prevLen
		}
		q.mu.Unlock()
		return err
	}
	return nil
}

func (q *Quota) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	return q.inner.Get(ctx, namespace, key)
}

func (q *Quota) Delete(ctx context.Context, namespace, key string) error {
	q.mu.Lock()
	limit := q.limits[namespace]
	var prevLen int
	if limit > 0 {
		if prev, err := q.inner.Get(ctx, namespace, key); err == nil {
			prevLen = len(prev)
		}
	}
	q.mu.Unlock()

	if err := q.inner.Delete(ctx, namespace, key); err != nil {
		return err
	}

	if limit > 0 {
		q.mu.Lock()
		q.totals[namespace] -= prevLen
		if q.totals[namespace] < 0 {
			q.totals[namespace] = 0
		}
		q.mu.Unlock()
	}
	return nil
}

func (q *Quota) ListKeys(ctx context.Context, namespace string) ([]string, error) {
	return q.inner.ListKeys(ctx, namespace)
}

func (q *Quota) FetchAll(ctx context.Context, namespace string) (map[string][]byte, error) {
	return q.inner.FetchAll(ctx, namespace)
}

func (q *Quota) IsPersistent() bool { return q.inner.IsPersistent() }
