package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/gridguard/sentinel/internal/events"
	"github.com/gridguard/sentinel/internal/otelinit"
)

// Engine is the process-wide behavioral threat detection and risk-scoring
// core. One instance owns all per-identity state; collaborators are injected
// at construction, never reached through globals.
type Engine struct {
	cfg      Config
	bus      *events.Bus
	identity IdentityDirectory
	audit    AuditQuerier
	geo      Geolocator
	clock    func() time.Time

	profiles *profileStore
	features *featureCollector
	brute    *bruteTracker
	travel   *travelLog
	matcher  atomic.Value // *signatureMatcher

	threatMu sync.RWMutex
	threats  map[string]*ThreatIndicator

	riskMu sync.RWMutex
	risks  map[string]RiskScore

	cron *cron.Cron

	tracer            trace.Tracer
	metrics           otelinit.Metrics
	responsesExecuted metric.Int64Counter
	riskSweepDur      metric.Float64Histogram
}

// New builds an engine with explicit collaborators. The signature set is
// compiled once here; cfg.RulesPath overrides the built-in rules when set.
func New(cfg Config, bus *events.Bus, dir IdentityDirectory, audit AuditQuerier, geo Geolocator) (*Engine, error) {
	rules := defaultSignatureRules()
	if cfg.RulesPath != "" {
		loaded, err := loadSignatureFile(cfg.RulesPath)
		if err != nil {
			slog.Warn("rules file unavailable, using built-in signatures", "path", cfg.RulesPath, "error", err)
		} else {
			rules = loaded
		}
	}
	matcher, err := compileSignatures(rules)
	if err != nil {
		return nil, err
	}

	meter := otel.Meter("sentinel-go")
	responses, _ := meter.Int64Counter("sentinel_responses_executed_total")
	sweepDur, _ := meter.Float64Histogram("sentinel_risk_sweep_duration_seconds")

	e := &Engine{
		cfg:               cfg,
		bus:               bus,
		identity:          dir,
		audit:             audit,
		geo:               geo,
		clock:             time.Now,
		profiles:          newProfileStore(5), // 32 shards
		brute:             newBruteTracker(),
		travel:            newTravelLog(),
		threats:           make(map[string]*ThreatIndicator),
		risks:             make(map[string]RiskScore),
		tracer:            otel.Tracer("sentinel-engine"),
		metrics:           otelinit.Metrics{},
		responsesExecuted: responses,
		riskSweepDur:      sweepDur,
	}
	e.metrics.ActivitiesObserved, _ = meter.Int64Counter("sentinel_activities_observed_total")
	e.metrics.ThreatsDetected, _ = meter.Int64Counter("sentinel_threats_detected_total")
	e.metrics.AnomaliesFlagged, _ = meter.Int64Counter("sentinel_anomalies_flagged_total")
	e.matcher.Store(matcher)
	e.features = newFeatureCollector(cfg.FeatureBufferSize, bus)
	return e, nil
}

// Start registers the six periodic tasks and begins the scheduler. When a
// rules path is configured the fsnotify watcher hot-reloads signatures.
func (e *Engine) Start(ctx context.Context) error {
	c := cron.New(cron.WithSeconds())
	tasks := []struct {
		spec string
		name string
		fn   func(context.Context)
	}{
		{e.cfg.BaselineRefreshSpec, "baseline_refresh", e.refreshBaselines},
		{e.cfg.RiskRecalcSpec, "risk_recalc", e.recalculateAll},
		{e.cfg.CleanupSpec, "cleanup", e.runCleanup},
		{e.cfg.FeatureFlushSpec, "feature_flush", e.features.flush},
		{e.cfg.ImpossibleTravelSpec, "impossible_travel", e.checkImpossibleTravel},
		{e.cfg.AnomalyScanSpec, "anomaly_scan", e.runAnomalyScan},
	}
	for _, t := range tasks {
		task := t
		if _, err := c.AddFunc(task.spec, func() { task.fn(ctx) }); err != nil {
			return fmt.Errorf("schedule %s: %w", task.name, err)
		}
	}
	e.cron = c
	c.Start()
	slog.Info("engine scheduler started", "tasks", len(tasks))

	if e.cfg.RulesPath != "" {
		if err := watchRules(ctx, e.cfg.RulesPath, &e.matcher); err != nil {
			slog.Warn("signature hot reload disabled", "error", err)
		}
	}
	return nil
}

// Stop drains the scheduler; in-flight tasks run to completion or until ctx.
func (e *Engine) Stop(ctx context.Context) error {
	if e.cron == nil {
		return nil
	}
	stopCtx := e.cron.Stop()
	select {
	case <-stopCtx.Done():
		slog.Info("engine scheduler stopped")
		return nil
	case <-ctx.Done():
		slog.Warn("engine scheduler stop timeout")
		return ctx.Err()
	}
}

func (e *Engine) now() time.Time { return e.clock() }

// Observe scores one authenticated activity against the identity's baseline,
// then updates the baseline unconditionally and stages a feature vector.
func (e *Engine) Observe(ctx context.Context, identity string, act Activity) ObserveResult {
	ctx, span := e.tracer.Start(ctx, "engine.observe")
	defer span.End()
	if act.Timestamp.IsZero() {
		act.Timestamp = e.now()
	}
	e.metrics.ActivitiesObserved.Add(ctx, 1)

	// The directory round-trip only happens for identities without a profile
	// yet; the display name is consumed on profile creation and never after.
	displayName := ""
	if _, ok := e.profiles.get(identity); !ok {
		displayName = "unknown"
		if name, err := e.identity.DisplayName(ctx, identity); err == nil && name != "" {
			displayName = name
		}
	}

	tags, established, snap := e.profiles.observe(identity, displayName, act)
	score := 0
	for _, t := range tags {
		score += anomalyPoints[t]
	}
	if score > 100 {
		score = 100
	}

	if established {
		e.bus.Publish(ctx, events.Event{
			Kind:     events.KindBaselineEstablished,
			Identity: identity,
			Detail:   map[string]any{"display_name": snap.displayName},
		})
	}

	e.travel.record(identity, act.IP, act.Timestamp)

	durationDeviation := 0.0
	if snap.avgSession > 0 && act.SessionDuration > 0 {
		durationDeviation = float64(act.SessionDuration-snap.avgSession) / float64(snap.avgSession)
		if durationDeviation < 0 {
			durationDeviation = -durationDeviation
		}
	}
	hour := act.Timestamp.Hour()
	wd := act.Timestamp.Weekday()
	e.features.add(ctx, FeatureVector{
		Identity:            identity,
		HourOfDay:           hour,
		DayOfWeek:           int(wd),
		IsWeekend:           wd == time.Saturday || wd == time.Sunday,
		IsNight:             hour < 6 || hour >= 22,
		KnownDevice:         snap.knownDevice,
		KnownLocation:       snap.knownLocation,
		SessionDurationSec:  act.SessionDuration.Seconds(),
		DurationDeviation:   durationDeviation,
		HourFrequency:       snap.hourFreq,
		DistinctDevices:     snap.devices,
		DistinctLocations:   snap.locations,
		ResourceSeenBefore:  snap.resourceSeen,
		BaselineEstablished: snap.baseline,
		AnomalyCount:        len(tags),
		Label:               labelFor(len(tags)),
	})

	if tags == nil {
		tags = []AnomalyTag{}
	}
	return ObserveResult{Anomalies: tags, Score: score}
}

// RecordLoginOutcome feeds the brute-force detector. A success clears the
// key's window; every failure at or past the threshold raises a threat until
// a success resets it (no fire-once dedup).
func (e *Engine) RecordLoginOutcome(ctx context.Context, key string, success bool) *ThreatIndicator {
	if success {
		e.brute.recordSuccess(key)
		return nil
	}
	at := e.now()
	count := e.brute.recordFailure(key, at, e.cfg.BruteForceWindow)
	if count < e.cfg.BruteForceMaxAttempts {
		return nil
	}
	t := &ThreatIndicator{
		Type:        ThreatBruteForce,
		Severity:    SeverityHigh,
		Identity:    key,
		Description: fmt.Sprintf("%d failed login attempts within %s", count, e.cfg.BruteForceWindow),
		Indicators:  []string{fmt.Sprintf("failures=%d", count), fmt.Sprintf("window=%s", e.cfg.BruteForceWindow)},
		RiskPoints:  SeverityHigh.riskWeight(),
		Evidence:    map[string]string{"key": key, "failure_count": fmt.Sprintf("%d", count)},
		PlannedActions: []ResponseAction{
			{Kind: ActionLockAccount, Target: key, Duration: e.cfg.LockoutDuration},
		},
	}
	e.registerThreat(ctx, t)
	return t
}

// ScanInput runs the compiled signature set over one input string. The threat
// type is SQL injection whenever any SQLi rule fires; severity is the highest
// among the matched rules.
func (e *Engine) ScanInput(ctx context.Context, text, source string) *ThreatIndicator {
	ctx, span := e.tracer.Start(ctx, "engine.scan_input")
	defer span.End()

	matches := e.matcher.Load().(*signatureMatcher).match(text)
	if len(matches) == 0 {
		return nil
	}

	threatType := ThreatXSS
	severity := SeverityLow
	evidence := make(map[string]string, len(matches))
	indicators := make([]string, 0, len(matches))
	for _, m := range matches {
		if m.Type == ThreatSQLInjection {
			threatType = ThreatSQLInjection
		}
		if m.Severity.rank() > severity.rank() {
			severity = m.Severity
		}
		evidence[m.Name] = m.Snippet
		indicators = append(indicators, m.Snippet)
	}

	t := &ThreatIndicator{
		Type:        threatType,
		Severity:    severity,
		Description: fmt.Sprintf("%d signature match(es) in input from %s", len(matches), source),
		Indicators:  indicators,
		RiskPoints:  severity.riskWeight(),
		Evidence:    evidence,
		PlannedActions: []ResponseAction{
			{Kind: ActionTerminateSession, Target: source},
			{Kind: ActionAlert, Target: source},
		},
	}
	e.registerThreat(ctx, t)
	return t
}

// CheckPermissionRequest flags a non-privileged role requesting a privileged
// permission.
func (e *Engine) CheckPermissionRequest(ctx context.Context, identity, permission, currentRole string) *ThreatIndicator {
	if !isEscalationAttempt(permission, currentRole) {
		return nil
	}
	t := &ThreatIndicator{
		Type:        ThreatPrivilegeEscalation,
		Severity:    SeverityCritical,
		Identity:    identity,
		Description: fmt.Sprintf("role %q requested privileged permission %q", currentRole, permission),
		Indicators:  []string{"permission=" + permission, "role=" + currentRole},
		RiskPoints:  SeverityCritical.riskWeight(),
		Evidence:    map[string]string{"permission": permission, "role": currentRole},
		PlannedActions: []ResponseAction{
			{Kind: ActionLockAccount, Target: identity, Duration: e.cfg.LockoutDuration},
			{Kind: ActionTerminateSession, Target: identity},
			{Kind: ActionAlert, Target: identity},
		},
	}
	e.registerThreat(ctx, t)
	return t
}

// checkImpossibleTravel geolocates the last two distinct login origins per
// identity and flags implied speeds above the plausible maximum. Geolocation
// misses are soft failures: the transition is skipped, not retried.
func (e *Engine) checkImpossibleTravel(ctx context.Context) {
	for identity, pair := range e.travel.takePending() {
		from, err := e.geo.Locate(ctx, pair[0].IP)
		if err != nil {
			slog.Debug("geolocation miss", "ip", pair[0].IP, "error", err)
			continue
		}
		to, err := e.geo.Locate(ctx, pair[1].IP)
		if err != nil {
			slog.Debug("geolocation miss", "ip", pair[1].IP, "error", err)
			continue
		}
		speed := travelSpeedKmh(from, to, pair[1].At.Sub(pair[0].At))
		if speed <= e.cfg.MaxTravelSpeedKmh {
			continue
		}
		t := &ThreatIndicator{
			Type:        ThreatImpossibleTravel,
			Severity:    SeverityHigh,
			Identity:    identity,
			IP:          pair[1].IP,
			Description: fmt.Sprintf("login pair implies %.0f km/h between %s and %s", speed, pair[0].IP, pair[1].IP),
			Indicators:  []string{pair[0].IP, pair[1].IP},
			RiskPoints:  SeverityHigh.riskWeight(),
			Evidence: map[string]string{
				"from_ip":   pair[0].IP,
				"to_ip":     pair[1].IP,
				"speed_kmh": fmt.Sprintf("%.0f", speed),
			},
			PlannedActions: []ResponseAction{
				{Kind: ActionRequireMFA, Target: identity},
				{Kind: ActionAlert, Target: identity},
			},
		}
		e.registerThreat(ctx, t)
	}
}

// registerThreat stamps identity/lifecycle fields, stores the indicator, and
// publishes threat_detected. Map mutation completes before the publish.
func (e *Engine) registerThreat(ctx context.Context, t *ThreatIndicator) {
	t.ID = uuid.NewString()
	t.DetectedAt = e.now()
	t.Status = StatusActive
	t.StatusChanged = t.DetectedAt

	e.threatMu.Lock()
	e.threats[t.ID] = t
	e.threatMu.Unlock()

	e.metrics.ThreatsDetected.Add(ctx, 1)
	slog.Warn("threat detected",
		"id", t.ID,
		"type", t.Type,
		"severity", t.Severity,
		"identity", t.Identity,
	)
	e.bus.Publish(ctx, events.Event{
		Kind:     events.KindThreatDetected,
		Identity: t.Identity,
		Detail: map[string]any{
			"threat_id":   t.ID,
			"type":        string(t.Type),
			"severity":    string(t.Severity),
			"description": t.Description,
		},
	})
}

// transition moves a threat through its status machine under the table lock.
func (e *Engine) transition(id string, from []ThreatStatus, to ThreatStatus) (*ThreatIndicator, error) {
	e.threatMu.Lock()
	defer e.threatMu.Unlock()
	t, ok := e.threats[id]
	if !ok {
		return nil, fmt.Errorf("threat %s not found", id)
	}
	for _, f := range from {
		if t.Status == f {
			t.Status = to
			t.StatusChanged = e.now()
			return t, nil
		}
	}
	return nil, fmt.Errorf("threat %s: invalid transition %s -> %s", id, t.Status, to)
}

// Investigate marks an active threat as under investigation.
func (e *Engine) Investigate(ctx context.Context, id, by string) error {
	t, err := e.transition(id, []ThreatStatus{StatusActive}, StatusInvestigating)
	if err != nil {
		return err
	}
	slog.Info("threat under investigation", "id", t.ID, "by", by)
	return nil
}

// Mitigate closes a threat as handled and emits threat_mitigated.
func (e *Engine) Mitigate(ctx context.Context, id, by, notes string) error {
	t, err := e.transition(id, []ThreatStatus{StatusActive, StatusInvestigating}, StatusMitigated)
	if err != nil {
		return err
	}
	e.bus.Publish(ctx, events.Event{
		Kind:     events.KindThreatMitigated,
		Identity: t.Identity,
		Detail:   map[string]any{"threat_id": t.ID, "by": by, "notes": notes},
	})
	return nil
}

// MarkFalsePositive closes a threat as noise and emits threat_false_positive.
func (e *Engine) MarkFalsePositive(ctx context.Context, id, by, notes string) error {
	t, err := e.transition(id, []ThreatStatus{StatusActive, StatusInvestigating}, StatusFalsePositive)
	if err != nil {
		return err
	}
	e.bus.Publish(ctx, events.Event{
		Kind:     events.KindThreatFalsePositive,
		Identity: t.Identity,
		Detail:   map[string]any{"threat_id": t.ID, "by": by, "notes": notes},
	})
	return nil
}

// ActiveThreats returns threats matching the filter, newest first not
// guaranteed; callers sort for presentation.
func (e *Engine) ActiveThreats(f ThreatFilter) []ThreatIndicator {
	e.threatMu.RLock()
	defer e.threatMu.RUnlock()
	var out []ThreatIndicator
	for _, t := range e.threats {
		if f.Identity != "" && t.Identity != f.Identity {
			continue
		}
		if f.Type != "" && t.Type != f.Type {
			continue
		}
		if f.Severity != "" && t.Severity != f.Severity {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		out = append(out, *t)
	}
	return out
}

// RiskScores returns the latest snapshots matching the filter.
func (e *Engine) RiskScores(f RiskFilter) []RiskScore {
	e.riskMu.RLock()
	defer e.riskMu.RUnlock()
	var out []RiskScore
	for _, s := range e.risks {
		if f.Identity != "" && s.Identity != f.Identity {
			continue
		}
		if f.Tier != "" && s.Tier != f.Tier {
			continue
		}
		if s.Total < f.MinTotal {
			continue
		}
		out = append(out, s)
	}
	return out
}

// refreshBaselines is the hourly maintenance pass over profiles: stale
// per-resource patterns are dropped so weekly histograms track current usage.
func (e *Engine) refreshBaselines(ctx context.Context) {
	pruned := e.profiles.pruneResources(e.now().Add(-90 * 24 * time.Hour))
	if pruned > 0 {
		slog.Info("baseline refresh pruned stale resources", "pruned", pruned)
	}
}

// runCleanup garbage-collects closed threats past retention, prunes dead
// brute-force windows, and bounds profile memory.
func (e *Engine) runCleanup(ctx context.Context) {
	now := e.now()
	cutoff := now.Add(-e.cfg.ThreatRetention)

	removed := 0
	e.threatMu.Lock()
	for id, t := range e.threats {
		if t.Status != StatusActive && t.StatusChanged.Before(cutoff) {
			delete(e.threats, id)
			removed++
		}
	}
	e.threatMu.Unlock()

	prunedKeys := e.brute.prune(now, e.cfg.BruteForceWindow)
	idleProfiles := e.profiles.evictIdle(now.Add(-e.cfg.ProfileIdleMax))
	capped := e.profiles.enforceCap(e.cfg.MaxProfiles)
	travelEvicted := e.travel.evictIdle(now.Add(-e.cfg.ProfileIdleMax))

	slog.Info("cleanup pass complete",
		"threats_removed", removed,
		"brute_keys_pruned", prunedKeys,
		"profiles_evicted", idleProfiles+capped,
		"travel_entries_evicted", travelEvicted,
	)
}
