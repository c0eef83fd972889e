// Package message defines the event envelope that flows from ingress,
// log-back, and the delayed message queue into the executor.
package message

import (
	"time"

	"github.com/google/uuid"
)

// SourceKind tags where a Message originated.
type SourceKind string

const (
	SourceGenerator   SourceKind = "generator"
	SourceWebhookPost SourceKind = "webhook_post"
	SourceWebhookGet  SourceKind = "webhook_get"
	SourceLogback     SourceKind = "logback"
)

// Source is the tagged variant describing a Message's origin.
// Exactly one of the Kind-specific fields is meaningful, selected by Kind.
type Source struct {
	Kind SourceKind

	// Generator(kind, name)
	GeneratorKind string
	GeneratorName string

	// WebhookPost(name) / WebhookGet(name)
	WebhookName string

	// Logback(origin-module)
	OriginModule string
}

func GeneratorSource(kind, name string) Source {
	return Source{Kind: SourceGenerator, GeneratorKind: kind, GeneratorName: name}
}

func WebhookPostSource(name string) Source {
	return Source{Kind: SourceWebhookPost, WebhookName: name}
}

func WebhookGetSource(name string) Source {
	return Source{Kind: SourceWebhookGet, WebhookName: name}
}

func LogbackSource(originModule string) Source {
	return Source{Kind: SourceLogback, OriginModule: originModule}
}

// LogbacksRemaining is either Unlimited or a finite non-negative ceiling.
type LogbacksRemaining struct {
	Unlimited bool
	Remaining int
}

func Unlimited() LogbacksRemaining {
	return LogbacksRemaining{Unlimited: true}
}

func Limited(n int) LogbacksRemaining {
	if n < 0 {
		n = 0
	}
	return LogbacksRemaining{Remaining: n}
}

// Allows reports whether one more log-back may be emitted.
func (l LogbacksRemaining) Allows() bool {
	return l.Unlimited || l.Remaining > 0
}

// Decrement returns the quota inherited by a message produced via log-back.
// A finite quota that would fall below zero is rejected by the caller before
// Decrement is invoked; Decrement itself implements max(0, parent-1).
func (l LogbacksRemaining) Decrement() LogbacksRemaining {
	if l.Unlimited {
		return l
	}
	if l.Remaining <= 0 {
		return Limited(0)
	}
	return Limited(l.Remaining - 1)
}

// ResponseSender is a one-shot channel back to the ingress layer, populated
// for webhook-triggered messages that expect a response.
type ResponseSender chan<- []byte

// Message is the event envelope dispatched to subscribed modules.
type Message struct {
	ID                string
	LogType           string
	Payload           []byte
	Source            Source
	Headers           map[string]string // webhook request headers, registered explicitly by name
	QueryParams       map[string]string // webhook query parameters, registered explicitly by name
	AccessoryData     map[string]string
	LogbacksRemaining LogbacksRemaining
	ResponseSender    ResponseSender
	CreatedAt         time.Time
}

// New constructs a Message with a generated ID and the current time.
func New(logType string, payload []byte, source Source, remaining LogbacksRemaining) Message {
	return Message{
		ID:                uuid.NewString(),
		LogType:           logType,
		Payload:           payload,
		Source:            source,
		Headers:           map[string]string{},
		QueryParams:       map[string]string{},
		AccessoryData:     map[string]string{},
		LogbacksRemaining: remaining,
		CreatedAt:         time.Now(),
	}
}

// WithResponseSender attaches a one-shot response channel, returning the
// modified Message for chaining.
func (m Message) WithResponseSender(s ResponseSender) Message {
	m.ResponseSender = s
	return m
}

// MergeAccessoryData layers rule-scoped data over universal-scoped data;
// rule-scoped keys win on collision.
func MergeAccessoryData(universal, rule map[string]string) map[string]string {
	merged := make(map[string]string, len(universal)+len(rule))
	for k, v := range universal {
		merged[k] = v
	}
	for k, v := range rule {
		merged[k] = v
	}
	return merged
}

// DelayedMessage pairs a Message with the absolute time it becomes due.
type DelayedMessage struct {
	DueAt   time.Time
	Message Message
}

// NewDelayedMessage computes DueAt as now+delay.
func NewDelayedMessage(delay time.Duration, msg Message) DelayedMessage {
	return DelayedMessage{DueAt: time.Now().Add(delay), Message: msg}
}
