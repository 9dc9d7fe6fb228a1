package engine

import (
	"context"
	"log/slog"
	"sort"
	"time"
)

// SecurityAnalytics is the dashboard-facing aggregate for one trailing range.
type SecurityAnalytics struct {
	Range             string             `json:"range"`
	GeneratedAt       time.Time          `json:"generated_at"`
	TotalThreats      int                `json:"total_threats"`
	ActiveThreats     int                `json:"active_threats"`
	ThreatsByType     map[ThreatType]int `json:"threats_by_type"`
	ThreatsBySeverity map[Severity]int   `json:"threats_by_severity"`
	RiskTiers         map[RiskTier]int   `json:"risk_tiers"`
	TopRisks          []RiskScore        `json:"top_risks"`
	ProfilesTracked   int                `json:"profiles_tracked"`
	AnomalyEvents     int                `json:"anomaly_events"`
	FeatureBuffer     int                `json:"feature_buffer"`
}

// Analytics aggregates threats, risk tiers, and anomaly volume over the
// trailing range. Audit failures degrade to a zero anomaly count.
func (e *Engine) Analytics(ctx context.Context, trailing time.Duration) SecurityAnalytics {
	now := e.now()
	out := SecurityAnalytics{
		Range:             trailing.String(),
		GeneratedAt:       now,
		ThreatsByType:     make(map[ThreatType]int),
		ThreatsBySeverity: make(map[Severity]int),
		RiskTiers:         make(map[RiskTier]int),
		ProfilesTracked:   e.profiles.size(),
		FeatureBuffer:     e.features.size(),
	}

	since := now.Add(-trailing)
	e.threatMu.RLock()
	for _, t := range e.threats {
		if t.DetectedAt.Before(since) {
			continue
		}
		out.TotalThreats++
		if t.Status == StatusActive {
			out.ActiveThreats++
		}
		out.ThreatsByType[t.Type]++
		out.ThreatsBySeverity[t.Severity]++
	}
	e.threatMu.RUnlock()

	e.riskMu.RLock()
	for _, s := range e.risks {
		out.RiskTiers[s.Tier]++
		out.TopRisks = append(out.TopRisks, s)
	}
	e.riskMu.RUnlock()
	sort.Slice(out.TopRisks, func(i, j int) bool { return out.TopRisks[i].Total > out.TopRisks[j].Total })
	if len(out.TopRisks) > 10 {
		out.TopRisks = out.TopRisks[:10]
	}

	recs, err := e.audit.Query(ctx, AuditFilter{Actions: behaviorAnomalyActions, From: since, To: now})
	if err != nil {
		slog.Warn("analytics anomaly count unavailable", "error", err)
	} else {
		out.AnomalyEvents = len(recs)
	}
	return out
}
