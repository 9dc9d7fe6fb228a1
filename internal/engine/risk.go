package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// reputationActions are the audit actions counted against an identity's
// trailing reputation. Higher reputation sub-score = worse standing.
var reputationActions = []string{"threat_detected", "security_violation"}

// behaviorAnomalyActions feed the behavior sub-score's recent-anomaly count.
var behaviorAnomalyActions = []string{"anomaly_detected"}

// Score recomputes the identity's composite risk from scratch (overwrite
// semantics) and, as a side effect of crossing into a higher tier, executes
// the tier's containment bundle. Idempotent when inputs are unchanged.
func (e *Engine) Score(ctx context.Context, identity string) RiskScore {
	ctx, span := e.tracer.Start(ctx, "engine.score")
	defer span.End()

	now := e.now()
	behavior := e.behaviorSubScore(ctx, identity, now)
	threat := e.threatSubScore(identity)
	reputation := e.reputationSubScore(ctx, identity, now)
	device := e.deviceTrustSubScore(identity)

	score := RiskScore{
		Identity:    identity,
		Behavior:    SubScore{Value: behavior, Weight: e.cfg.BehaviorWeight, Contribution: behavior * e.cfg.BehaviorWeight},
		Threat:      SubScore{Value: threat, Weight: e.cfg.ThreatWeight, Contribution: threat * e.cfg.ThreatWeight},
		Reputation:  SubScore{Value: reputation, Weight: e.cfg.ReputationWeight, Contribution: reputation * e.cfg.ReputationWeight},
		DeviceTrust: SubScore{Value: device, Weight: e.cfg.DeviceWeight, Contribution: device * e.cfg.DeviceWeight},
		ComputedAt:  now,
	}
	score.Total = clamp100(score.Behavior.Contribution + score.Threat.Contribution + score.Reputation.Contribution + score.DeviceTrust.Contribution)
	score.Tier = TierFor(score.Total)
	score.Factors = []string{
		fmt.Sprintf("behavior %.1f x %.2f = %.1f", behavior, e.cfg.BehaviorWeight, score.Behavior.Contribution),
		fmt.Sprintf("active threats %.1f x %.2f = %.1f", threat, e.cfg.ThreatWeight, score.Threat.Contribution),
		fmt.Sprintf("reputation %.1f x %.2f = %.1f", reputation, e.cfg.ReputationWeight, score.Reputation.Contribution),
		fmt.Sprintf("device trust %.1f x %.2f = %.1f", device, e.cfg.DeviceWeight, score.DeviceTrust.Contribution),
	}

	// Swap in the new snapshot before any side effect so concurrent readers
	// never observe a stale score alongside a new tier.
	e.riskMu.Lock()
	prev, had := e.risks[identity]
	e.risks[identity] = score
	e.riskMu.Unlock()

	prevTier := TierLow
	if had {
		prevTier = prev.Tier
	}
	switch {
	case score.Tier == TierCritical && prevTier != TierCritical:
		slog.Warn("risk crossed critical", "identity", identity, "total", score.Total)
		for _, a := range criticalResponses(identity) {
			e.Execute(ctx, a)
		}
	case score.Tier == TierHigh && prevTier != TierHigh && prevTier != TierCritical:
		slog.Info("risk crossed high", "identity", identity, "total", score.Total)
		for _, a := range highResponses(identity) {
			e.Execute(ctx, a)
		}
	}
	return score
}

// behaviorSubScore: 0 without an established baseline, else 10 points per
// anomaly flagged in the recent window, clamped.
func (e *Engine) behaviorSubScore(ctx context.Context, identity string, now time.Time) float64 {
	if !e.profiles.baselineEstablished(identity) {
		return 0
	}
	recs, err := e.audit.Query(ctx, AuditFilter{
		Identity: identity,
		Actions:  behaviorAnomalyActions,
		From:     now.Add(-e.cfg.BehaviorAnomalyWindow),
		To:       now,
	})
	if err != nil {
		slog.Warn("behavior anomaly lookup failed", "identity", identity, "error", err)
		return 0
	}
	return clamp100(float64(len(recs)) * 10)
}

// threatSubScore sums fixed per-severity weights over active threats.
func (e *Engine) threatSubScore(identity string) float64 {
	total := 0.0
	e.threatMu.RLock()
	for _, t := range e.threats {
		if t.Identity == identity && t.Status == StatusActive {
			total += t.Severity.riskWeight()
		}
	}
	e.threatMu.RUnlock()
	return clamp100(total)
}

// reputationSubScore counts violation audit rows in the trailing window x5.
func (e *Engine) reputationSubScore(ctx context.Context, identity string, now time.Time) float64 {
	recs, err := e.audit.Query(ctx, AuditFilter{
		Identity: identity,
		Actions:  reputationActions,
		From:     now.Add(-e.cfg.ReputationWindow),
		To:       now,
	})
	if err != nil {
		slog.Warn("reputation lookup failed", "identity", identity, "error", err)
		return 0
	}
	return clamp100(float64(len(recs)) * 5)
}

// deviceTrustSubScore tiers by distinct known devices; unknown identities get
// the untrusted default.
func (e *Engine) deviceTrustSubScore(identity string) float64 {
	switch n := e.profiles.deviceCount(identity); {
	case n < 0:
		return 50
	case n <= 2:
		return 10
	case n <= 4:
		return 30
	default:
		return 50
	}
}

// recalculateAll sweeps every tracked identity serially. A slow identity
// delays the rest of the sweep rather than fanning out.
func (e *Engine) recalculateAll(ctx context.Context) {
	start := e.now()
	ids := e.profiles.identities()
	for _, id := range ids {
		e.Score(ctx, id)
	}
	e.riskSweepDur.Record(ctx, time.Since(start).Seconds())
	slog.Debug("risk sweep complete", "identities", len(ids), "duration", time.Since(start))
}

func clamp100(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
