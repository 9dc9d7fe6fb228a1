package events

import (
	"context"
	"encoding/json"
	"log/slog"

	nats "github.com/nats-io/nats.go"

	"github.com/gridguard/sentinel/internal/natsctx"
)

// SubjectPrefix is the NATS subject namespace for bridged engine events.
// Full subject: sentinel.v1.events.<kind>.
const SubjectPrefix = "sentinel.v1.events."

// BridgeNATS forwards every bus event to NATS with trace context propagated.
// Publish failures are logged and dropped; the bus itself stays decoupled from
// broker availability.
func BridgeNATS(bus *Bus, nc *nats.Conn) {
	bus.SubscribeAll(func(ctx context.Context, ev Event) {
		data, err := json.Marshal(ev)
		if err != nil {
			slog.Error("event marshal failed", "kind", ev.Kind, "error", err)
			return
		}
		if err := natsctx.Publish(ctx, nc, SubjectPrefix+string(ev.Kind), data); err != nil {
			slog.Warn("event publish failed", "kind", ev.Kind, "error", err)
		}
	})
}
