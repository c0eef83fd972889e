package loader

import (
	"testing"

	"github.com/latticerun/modrunner/internal/module"
	"github.com/latticerun/modrunner/internal/policy"
)

func TestRegistry_SwapAndLookup(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Lookup("missing"); ok {
		t.Fatalf("expected empty registry to have no modules")
	}

	m1 := module.New("alpha", nil, 0, 0, 0, "orders", policy.Policy{})
	m2 := module.New("beta", nil, 0, 0, 0, "orders", policy.Policy{})
	m3 := module.New("gamma", nil, 0, 0, 0, "shipments", policy.Policy{})

	r.Swap([]*module.PlaidModule{m1, m2, m3})

	got, ok := r.Lookup("beta")
	if !ok || got != m2 {
		t.Fatalf("Lookup(beta) = %v, %v", got, ok)
	}

	orders := r.Subscribed("orders")
	if len(orders) != 2 {
		t.Fatalf("expected 2 modules subscribed to orders, got %d", len(orders))
	}

	if len(r.All()) != 3 {
		t.Fatalf("expected 3 total modules, got %d", len(r.All()))
	}
}

func TestRegistry_SwapReplacesPreviousContents(t *testing.T) {
	r := NewRegistry()
	r.Swap([]*module.PlaidModule{module.New("old", nil, 0, 0, 0, "orders", policy.Policy{})})
	r.Swap([]*module.PlaidModule{module.New("new", nil, 0, 0, 0, "orders", policy.Policy{})})

	if _, ok := r.Lookup("old"); ok {
		t.Fatalf("expected old module to be gone after swap")
	}
	if _, ok := r.Lookup("new"); !ok {
		t.Fatalf("expected new module to be present after swap")
	}
}

func TestRegistry_SubscribedUnknownLogTypeIsNil(t *testing.T) {
	r := NewRegistry()
	r.Swap([]*module.PlaidModule{module.New("alpha", nil, 0, 0, 0, "orders", policy.Policy{})})
	if got := r.Subscribed("nonexistent"); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}
