package bus

import (
	"testing"
)

func TestEventTopics_Constants(t *testing.T) {
	if TopicModuleLoaded == "" {
		t.Fatal("TopicModuleLoaded is empty")
	}
	if TopicModuleLoadFailed == "" {
		t.Fatal("TopicModuleLoadFailed is empty")
	}
	if TopicRegistrySwapped == "" {
		t.Fatal("TopicRegistrySwapped is empty")
	}
	if TopicInvocationStarted == "" {
		t.Fatal("TopicInvocationStarted is empty")
	}
	if TopicInvocationCompleted == "" {
		t.Fatal("TopicInvocationCompleted is empty")
	}
	if TopicInvocationFailed == "" {
		t.Fatal("TopicInvocationFailed is empty")
	}
	if TopicLogbackEmitted == "" {
		t.Fatal("TopicLogbackEmitted is empty")
	}
	if TopicCapabilityDecision == "" {
		t.Fatal("TopicCapabilityDecision is empty")
	}

	topics := map[string]bool{
		TopicModuleLoaded:        true,
		TopicModuleLoadFailed:    true,
		TopicRegistrySwapped:     true,
		TopicInvocationStarted:   true,
		TopicInvocationCompleted: true,
		TopicInvocationFailed:    true,
		TopicLogbackEmitted:      true,
		TopicCapabilityDecision:  true,
	}
	if len(topics) != 8 {
		t.Fatalf("expected 8 unique topics, got %d", len(topics))
	}
}

func TestModuleLoadedEvent_Fields(t *testing.T) {
	ev := ModuleLoadedEvent{Name: "orders-handler", SubscribedLogType: "orders", ComputationLimit: 1_000_000}
	if ev.Name != "orders-handler" {
		t.Fatalf("Name = %q, want orders-handler", ev.Name)
	}
	if ev.SubscribedLogType != "orders" {
		t.Fatalf("SubscribedLogType = %q, want orders", ev.SubscribedLogType)
	}
	if ev.ComputationLimit != 1_000_000 {
		t.Fatalf("ComputationLimit = %d, want 1000000", ev.ComputationLimit)
	}
}

func TestModuleLoadFailedEvent_Fields(t *testing.T) {
	ev := ModuleLoadFailedEvent{Name: "bad-module", Reason: "signature quorum not met"}
	if ev.Name == "" {
		t.Fatal("Name must not be empty")
	}
	if ev.Reason == "" {
		t.Fatal("Reason must not be empty")
	}
}

func TestInvocationEvent_Fields(t *testing.T) {
	ev := InvocationEvent{
		Module:    "orders-handler",
		LogType:   "orders",
		MessageID: "msg-1",
		State:     "returned",
		CostUsed:  42,
	}
	if ev.State != "returned" {
		t.Fatalf("State = %q, want returned", ev.State)
	}
	if ev.CostUsed != 42 {
		t.Fatalf("CostUsed = %d, want 42", ev.CostUsed)
	}

	failed := InvocationEvent{Module: "orders-handler", State: "trapped", Err: "guest panic"}
	if failed.Err == "" {
		t.Fatal("Err must not be empty on a failed invocation event")
	}
}

func TestLogbackEvent_Fields(t *testing.T) {
	ev := LogbackEvent{Module: "orders-handler", LogType: "shipping", DelayMillis: 5000}
	if ev.Module == "" {
		t.Fatal("Module must not be empty")
	}
	if ev.LogType == "" {
		t.Fatal("LogType must not be empty")
	}
	if ev.DelayMillis != 5000 {
		t.Fatalf("DelayMillis = %d, want 5000", ev.DelayMillis)
	}
}

func TestCapabilityDecisionEvent_Fields(t *testing.T) {
	denied := CapabilityDecisionEvent{Module: "orders-handler", Function: "make_named_request", Allowed: false, Reason: "not in policy: billing"}
	if denied.Allowed {
		t.Fatal("expected Allowed=false")
	}
	if denied.Reason == "" {
		t.Fatal("Reason must not be empty on a denial")
	}

	allowed := CapabilityDecisionEvent{Module: "orders-handler", Function: "insert", Allowed: true}
	if !allowed.Allowed {
		t.Fatal("expected Allowed=true")
	}
}
