package events

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Kind tags every event published by the engine. Consumers subscribe by Kind
// rather than by string name so dispatch stays type-checked.
type Kind string

const (
	KindThreatDetected        Kind = "threat_detected"
	KindThreatMitigated       Kind = "threat_mitigated"
	KindThreatFalsePositive   Kind = "threat_false_positive"
	KindBaselineEstablished   Kind = "baseline_established"
	KindAnomalyDetected       Kind = "anomaly_detected"
	KindAccountLocked         Kind = "account_locked"
	KindAuthChallengeRequired Kind = "auth_challenge_required"
	KindSessionTerminated     Kind = "session_terminated"
	KindSecurityAlert         Kind = "security_alert"
	KindAccessRestricted      Kind = "access_restricted"
	KindEnhancedMonitoring    Kind = "enhanced_monitoring"
	KindResponseExecuted      Kind = "response_action_executed"
	KindMLDataReady           Kind = "ml_data_ready"
)

// Event is the unit of fan-out to audit logging and notification consumers.
type Event struct {
	Kind     Kind           `json:"kind"`
	Identity string         `json:"identity,omitempty"`
	At       time.Time      `json:"at"`
	Detail   map[string]any `json:"detail,omitempty"`
}

// Handler consumes a single event. Dispatch is synchronous; handlers must not block.
type Handler func(ctx context.Context, ev Event)

// Bus is an in-process publish/subscribe fan-out keyed by event kind.
type Bus struct {
	mu     sync.RWMutex
	byKind map[Kind][]Handler
	all    []Handler

	published metric.Int64Counter
}

func NewBus() *Bus {
	published, _ := otel.Meter("sentinel-go").Int64Counter("sentinel_events_published_total")
	return &Bus{byKind: make(map[Kind][]Handler), published: published}
}

// Subscribe registers a handler for one event kind.
func (b *Bus) Subscribe(k Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byKind[k] = append(b.byKind[k], h)
}

// SubscribeAll registers a handler for every event kind (audit trail, NATS bridge).
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish delivers the event synchronously to all matching handlers in
// registration order. A zero At is stamped with the current time.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.byKind[ev.Kind])+len(b.all))
	handlers = append(handlers, b.byKind[ev.Kind]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	b.published.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(ev.Kind))))
	for _, h := range handlers {
		h(ctx, ev)
	}
}
