package engine

import (
	"context"
	"log/slog"
	"strings"

	"github.com/gridguard/sentinel/internal/events"
)

// privilegeChangeActions mark role or permission mutations in the audit log.
var privilegeChangeActions = map[string]bool{
	"role_change":        true,
	"role_assigned":      true,
	"permission_change":  true,
	"permission_granted": true,
}

type identityActivity struct {
	total            int
	failed           int
	privilegeChanges int
}

// runAnomalyScan aggregates the trailing audit window per identity and flags
// entries exceeding the volume, failure, or privilege-change limits. It emits
// anomaly_detected events only; ThreatIndicators come from the inline detectors.
func (e *Engine) runAnomalyScan(ctx context.Context) {
	ctx, span := e.tracer.Start(ctx, "engine.anomaly_scan")
	defer span.End()

	now := e.now()
	recs, err := e.audit.Query(ctx, AuditFilter{From: now.Add(-e.cfg.AnomalyScanWindow), To: now})
	if err != nil {
		slog.Warn("anomaly scan audit query failed", "error", err)
		return
	}

	byIdentity := make(map[string]*identityActivity)
	for _, r := range recs {
		if r.Identity == "" {
			continue
		}
		agg, ok := byIdentity[r.Identity]
		if !ok {
			agg = &identityActivity{}
			byIdentity[r.Identity] = agg
		}
		agg.total++
		if !r.Success || strings.HasSuffix(r.Action, "_failed") {
			agg.failed++
		}
		if privilegeChangeActions[r.Action] {
			agg.privilegeChanges++
		}
	}

	flagged := 0
	for identity, agg := range byIdentity {
		if agg.total > e.cfg.ActionSpikeLimit {
			e.emitAnomaly(ctx, identity, "access_spike", SeverityMedium, agg.total)
			flagged++
		}
		if agg.failed > e.cfg.FailedActionsLimit {
			e.emitAnomaly(ctx, identity, "failed_attempts", SeverityHigh, agg.failed)
			flagged++
		}
		if agg.privilegeChanges > 0 {
			e.emitAnomaly(ctx, identity, "privilege_escalation_attempt", SeverityCritical, agg.privilegeChanges)
			flagged++
		}
	}
	if flagged > 0 {
		slog.Info("anomaly scan flagged conditions", "identities", len(byIdentity), "flagged", flagged)
	}
}

func (e *Engine) emitAnomaly(ctx context.Context, identity, reason string, sev Severity, count int) {
	e.metrics.AnomaliesFlagged.Add(ctx, 1)
	e.bus.Publish(ctx, events.Event{
		Kind:     events.KindAnomalyDetected,
		Identity: identity,
		Detail: map[string]any{
			"reason":   reason,
			"severity": string(sev),
			"count":    count,
		},
	})
}
