package cache

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRUProvider is an in-process, per-namespace LRU cache. Namespaces are
// created lazily at the capacity given by the first Set call that addresses
// them.
type LRUProvider struct {
	mu         sync.Mutex
	namespaces map[string]*lru.Cache[string, []byte]
	capacity   func(namespace string) int
}

// NewLRUProvider constructs an LRUProvider. capacity is consulted once per
// namespace, on first use, to size that namespace's cache.
func NewLRUProvider(capacity func(namespace string) int) *LRUProvider {
	return &LRUProvider{
		namespaces: map[string]*lru.Cache[string, []byte]{},
		capacity:   capacity,
	}
}

func (p *LRUProvider) namespaceCache(namespace string) (*lru.Cache[string, []byte], error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.namespaces[namespace]; ok {
		return c, nil
	}
	size := p.capacity(namespace)
	if size <= 0 {
		return nil, ErrCacheDisabled
	}
	c, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("cache: create lru for %q: %w", namespace, err)
	}
	p.namespaces[namespace] = c
	return c, nil
}

func (p *LRUProvider) Set(_ context.Context, namespace, key string, value []byte) error {
	c, err := p.namespaceCache(namespace)
	if err != nil {
		return err
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	c.Add(key, cp)
	return nil
}

func (p *LRUProvider) Get(_ context.Context, namespace, key string) ([]byte, bool, error) {
	c, err := p.namespaceCache(namespace)
	if err != nil {
		return nil, false, err
	}
	v, ok := c.Get(key)
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}
