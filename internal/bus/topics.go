package bus

// Log-back topic: published by the host ABI's log_back implementation,
// independent of whether the resulting message is dispatched immediately or
// parked in the delay queue.
const (
	TopicLogbackEmitted = "logback.emitted"
)

// Capability decision topic: published for every host-function capability
// check the audit sink observes, not only denials, so a subscriber can
// compute an allow/deny ratio without re-deriving it from audit.jsonl.
const (
	TopicCapabilityDecision = "capability.decision"
)

// LogbackEvent is published when a module successfully emits a log-back,
// after the logbacks-remaining quota has been checked and decremented.
type LogbackEvent struct {
	Module      string
	LogType     string
	DelayMillis int64
}

// CapabilityDecisionEvent mirrors hostabi.Decision for bus subscribers that
// don't want to depend on the hostabi package directly.
type CapabilityDecisionEvent struct {
	Module   string
	Function string
	Allowed  bool
	Reason   string
}
