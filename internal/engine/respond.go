package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/gridguard/sentinel/internal/events"
)

const executorName = "sentinel-engine"

// actionEventKinds maps each action kind to its emitted event. Enforcement
// (session kill, account lock) is delegated entirely to event consumers; the
// orchestrator holds no session or account state.
var actionEventKinds = map[ActionKind]events.Kind{
	ActionLockAccount:      events.KindAccountLocked,
	ActionRequireMFA:       events.KindAuthChallengeRequired,
	ActionTerminateSession: events.KindSessionTerminated,
	ActionAlert:            events.KindSecurityAlert,
	ActionRestrictAccess:   events.KindAccessRestricted,
	ActionMonitor:          events.KindEnhancedMonitoring,
}

// Execute stamps execution metadata, logs the action, and emits its event
// plus response_action_executed. Always succeeds locally.
func (e *Engine) Execute(ctx context.Context, action ResponseAction) {
	action.ExecutedAt = e.now()
	action.ExecutedBy = executorName

	slog.Info("response action executed",
		"kind", action.Kind,
		"target", action.Target,
		"duration", action.Duration,
	)
	e.responsesExecuted.Add(ctx, 1)

	detail := map[string]any{
		"kind":        string(action.Kind),
		"target":      action.Target,
		"executed_by": action.ExecutedBy,
	}
	if action.Duration > 0 {
		detail["duration"] = action.Duration.String()
	}
	for k, v := range action.Params {
		detail[k] = v
	}

	kind, ok := actionEventKinds[action.Kind]
	if !ok {
		kind = events.KindSecurityAlert
	}
	e.bus.Publish(ctx, events.Event{Kind: kind, Identity: action.Target, At: action.ExecutedAt, Detail: detail})
	e.bus.Publish(ctx, events.Event{Kind: events.KindResponseExecuted, Identity: action.Target, At: action.ExecutedAt, Detail: detail})
}

// tierResponses are the fire-and-forget containment bundles triggered when a
// risk score crosses into high or critical.
func criticalResponses(identity string) []ResponseAction {
	return []ResponseAction{
		{Kind: ActionTerminateSession, Target: identity},
		{Kind: ActionLockAccount, Target: identity, Duration: time.Hour},
		{Kind: ActionAlert, Target: identity, Params: map[string]string{"level": "critical"}},
	}
}

func highResponses(identity string) []ResponseAction {
	return []ResponseAction{
		{Kind: ActionRequireMFA, Target: identity},
		{Kind: ActionMonitor, Target: identity, Params: map[string]string{"mode": "heightened"}},
	}
}
