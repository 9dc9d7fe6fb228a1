package engine

import "time"

// Config carries every tunable of the engine. DefaultConfig matches the
// documented production defaults.
type Config struct {
	// Brute force detector
	BruteForceWindow      time.Duration
	BruteForceMaxAttempts int
	LockoutDuration       time.Duration

	// Impossible travel
	MaxTravelSpeedKmh float64

	// Risk scoring weights; must sum to 1.
	BehaviorWeight   float64
	ThreatWeight     float64
	ReputationWeight float64
	DeviceWeight     float64

	// Risk sub-score source windows
	BehaviorAnomalyWindow time.Duration
	ReputationWindow      time.Duration

	// Anomaly scanner
	AnomalyScanWindow  time.Duration
	ActionSpikeLimit   int
	FailedActionsLimit int

	// Feature vector collector
	FeatureBufferSize int

	// Retention / eviction
	ThreatRetention time.Duration // GC of non-active threats
	ProfileIdleMax  time.Duration // idle profiles evicted past this
	MaxProfiles     int           // hard cap; least-recently-updated evicted

	// Cron schedules (seconds precision)
	BaselineRefreshSpec  string
	RiskRecalcSpec       string
	CleanupSpec          string
	FeatureFlushSpec     string
	ImpossibleTravelSpec string
	AnomalyScanSpec      string

	// Signature rules file; empty disables hot reload and uses built-ins.
	RulesPath string
}

func DefaultConfig() Config {
	return Config{
		BruteForceWindow:      15 * time.Minute,
		BruteForceMaxAttempts: 5,
		LockoutDuration:       30 * time.Minute,
		MaxTravelSpeedKmh:     900,
		BehaviorWeight:        0.3,
		ThreatWeight:          0.4,
		ReputationWeight:      0.2,
		DeviceWeight:          0.1,
		BehaviorAnomalyWindow: time.Hour,
		ReputationWindow:      30 * 24 * time.Hour,
		AnomalyScanWindow:     time.Hour,
		ActionSpikeLimit:      100,
		FailedActionsLimit:    5,
		FeatureBufferSize:     10000,
		ThreatRetention:       7 * 24 * time.Hour,
		ProfileIdleMax:        30 * 24 * time.Hour,
		MaxProfiles:           100000,
		BaselineRefreshSpec:   "0 0 * * * *",
		RiskRecalcSpec:        "0 */5 * * * *",
		CleanupSpec:           "0 */30 * * * *",
		FeatureFlushSpec:      "0 0 * * * *",
		ImpossibleTravelSpec:  "0 * * * * *",
		AnomalyScanSpec:       "0 * * * * *",
	}
}
