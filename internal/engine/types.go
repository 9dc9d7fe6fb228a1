package engine

import (
	"context"
	"time"
)

// ThreatType enumerates supported attack pattern categories.
type ThreatType string

const (
	ThreatBruteForce          ThreatType = "brute_force"
	ThreatSQLInjection        ThreatType = "sql_injection"
	ThreatXSS                 ThreatType = "xss"
	ThreatPrivilegeEscalation ThreatType = "privilege_escalation"
	ThreatSuspiciousAPIUsage  ThreatType = "suspicious_api_usage"
	ThreatRateLimitViolation  ThreatType = "rate_limit_violation"
	ThreatAnomalousBehavior   ThreatType = "anomalous_behavior"
	ThreatImpossibleTravel    ThreatType = "impossible_travel"
	ThreatUnknownDevice       ThreatType = "unknown_device"
	ThreatSessionHijacking    ThreatType = "session_hijacking"
	ThreatDataExfiltration    ThreatType = "data_exfiltration"
)

// Severity tiers a threat indicator.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// rank orders severities for max comparisons.
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// riskWeight is the per-severity contribution to the threat sub-score.
func (s Severity) riskWeight() float64 {
	switch s {
	case SeverityCritical:
		return 40
	case SeverityHigh:
		return 25
	case SeverityMedium:
		return 15
	default:
		return 5
	}
}

// ThreatStatus is the indicator lifecycle state. Transitions only via
// Investigate / Mitigate / MarkFalsePositive; mitigated and false_positive
// are terminal.
type ThreatStatus string

const (
	StatusActive        ThreatStatus = "active"
	StatusInvestigating ThreatStatus = "investigating"
	StatusMitigated     ThreatStatus = "mitigated"
	StatusFalsePositive ThreatStatus = "false_positive"
)

// ActionKind tags an automated containment action.
type ActionKind string

const (
	ActionLockAccount      ActionKind = "lock_account"
	ActionRequireMFA       ActionKind = "require_mfa"
	ActionTerminateSession ActionKind = "terminate_session"
	ActionAlert            ActionKind = "alert"
	ActionRestrictAccess   ActionKind = "restrict_access"
	ActionMonitor          ActionKind = "monitor"
)

// RiskTier classifies a composite risk score.
type RiskTier string

const (
	TierLow      RiskTier = "low"
	TierMedium   RiskTier = "medium"
	TierHigh     RiskTier = "high"
	TierCritical RiskTier = "critical"
)

// TierFor maps a 0-100 total to its tier. Thresholds are fixed.
func TierFor(total float64) RiskTier {
	switch {
	case total < 30:
		return TierLow
	case total < 50:
		return TierMedium
	case total < 70:
		return TierHigh
	default:
		return TierCritical
	}
}

// Activity is one authenticated action observed for an identity.
// Payload validation happens in the caller; the engine assumes clean input.
type Activity struct {
	Timestamp       time.Time     `json:"timestamp"`
	IP              string        `json:"ip"`
	UserAgent       string        `json:"user_agent"`
	Resource        string        `json:"resource,omitempty"`
	SessionDuration time.Duration `json:"session_duration,omitempty"`
}

// AnomalyTag names one baseline deviation found during Observe.
type AnomalyTag string

const (
	AnomalyUnusualTime        AnomalyTag = "unusual_time"
	AnomalyUnknownDevice      AnomalyTag = "unknown_device"
	AnomalyUnknownLocation    AnomalyTag = "unknown_location"
	AnomalyAbnormalDuration   AnomalyTag = "abnormal_duration"
	AnomalyUnusualResourceUse AnomalyTag = "unusual_resource_time"
	AnomalyNewResource        AnomalyTag = "new_resource"
)

// anomalyPoints is the fixed score contribution per tag, total clamped to 100.
var anomalyPoints = map[AnomalyTag]int{
	AnomalyUnusualTime:        15,
	AnomalyUnknownDevice:      20,
	AnomalyUnknownLocation:    25,
	AnomalyAbnormalDuration:   10,
	AnomalyUnusualResourceUse: 15,
	AnomalyNewResource:        10,
}

// ObserveResult is returned from every Observe call.
type ObserveResult struct {
	Anomalies []AnomalyTag `json:"anomalies"`
	Score     int          `json:"score"`
}

// ResponseAction is a planned or executed containment step. Execution
// metadata is stamped by the orchestrator, never before.
type ResponseAction struct {
	Kind       ActionKind        `json:"kind"`
	Target     string            `json:"target"`
	Duration   time.Duration     `json:"duration,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
	ExecutedAt time.Time         `json:"executed_at,omitempty"`
	ExecutedBy string            `json:"executed_by,omitempty"`
}

// ThreatIndicator is a detected, evidenced security event. Immutable once
// created except for its status machine.
type ThreatIndicator struct {
	ID             string            `json:"id"`
	Type           ThreatType        `json:"type"`
	Severity       Severity          `json:"severity"`
	Identity       string            `json:"identity,omitempty"`
	IP             string            `json:"ip,omitempty"`
	UserAgent      string            `json:"user_agent,omitempty"`
	Description    string            `json:"description"`
	Indicators     []string          `json:"indicators"`
	DetectedAt     time.Time         `json:"detected_at"`
	Status         ThreatStatus      `json:"status"`
	StatusChanged  time.Time         `json:"status_changed,omitempty"`
	RiskPoints     float64           `json:"risk_points"`
	Evidence       map[string]string `json:"evidence,omitempty"`
	PlannedActions []ResponseAction  `json:"planned_actions,omitempty"`
}

// SubScore is one named component of a composite risk score.
type SubScore struct {
	Value        float64 `json:"value"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
}

// RiskScore is the latest per-identity risk snapshot. Overwrite semantics;
// no history retained beyond the most recent computation.
type RiskScore struct {
	Identity    string    `json:"identity"`
	Behavior    SubScore  `json:"behavior"`
	Threat      SubScore  `json:"threat"`
	Reputation  SubScore  `json:"reputation"`
	DeviceTrust SubScore  `json:"device_trust"`
	Total       float64   `json:"total"`
	Tier        RiskTier  `json:"tier"`
	Factors     []string  `json:"factors"`
	ComputedAt  time.Time `json:"computed_at"`
}

// FeatureVector is a flat engineered summary of one activity, staged for a
// future offline training pipeline.
type FeatureVector struct {
	Identity            string  `json:"identity"`
	HourOfDay           int     `json:"hour_of_day"`
	DayOfWeek           int     `json:"day_of_week"`
	IsWeekend           bool    `json:"is_weekend"`
	IsNight             bool    `json:"is_night"`
	KnownDevice         bool    `json:"known_device"`
	KnownLocation       bool    `json:"known_location"`
	SessionDurationSec  float64 `json:"session_duration_sec"`
	DurationDeviation   float64 `json:"duration_deviation"`
	HourFrequency       float64 `json:"hour_frequency"`
	DistinctDevices     int     `json:"distinct_devices"`
	DistinctLocations   int     `json:"distinct_locations"`
	ResourceSeenBefore  bool    `json:"resource_seen_before"`
	BaselineEstablished bool    `json:"baseline_established"`
	AnomalyCount        int     `json:"anomaly_count"`
	Label               string  `json:"label"` // normal | suspicious | malicious
}

// AuditRecord is one durable audit row supplied by the audit collaborator.
type AuditRecord struct {
	Identity string    `json:"identity"`
	Action   string    `json:"action"`
	At       time.Time `json:"at"`
	Success  bool      `json:"success"`
	Detail   string    `json:"detail,omitempty"`
}

// AuditFilter narrows an audit query. Zero fields match everything.
type AuditFilter struct {
	Identity string
	Actions  []string
	From     time.Time
	To       time.Time
	Limit    int
}

// AuditQuerier is the audit-log collaborator. Lookup failures are soft:
// callers proceed with neutral defaults.
type AuditQuerier interface {
	Query(ctx context.Context, f AuditFilter) ([]AuditRecord, error)
}

// IdentityDirectory resolves identity display names. Misses default to "unknown".
type IdentityDirectory interface {
	DisplayName(ctx context.Context, identity string) (string, error)
}

// GeoPoint is a WGS84 coordinate pair.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Geolocator resolves an IP to a coordinate for impossible-travel checks.
type Geolocator interface {
	Locate(ctx context.Context, ip string) (GeoPoint, error)
}

// ThreatFilter narrows ActiveThreats queries.
type ThreatFilter struct {
	Identity string
	Type     ThreatType
	Severity Severity
	Status   ThreatStatus
}

// RiskFilter narrows RiskScores queries.
type RiskFilter struct {
	Identity string
	MinTotal float64
	Tier     RiskTier
}
