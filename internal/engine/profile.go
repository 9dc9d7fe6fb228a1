package engine

import (
	"sort"
	"sync"
	"time"
)

const (
	maxRecentLocations = 10
	maxRecentDevices   = 5
	baselineThreshold  = 10  // combined device+location history entries
	sessionEWMAWeight  = 0.1 // new sample blend weight
)

// AccessPattern tracks per-resource access cadence inside a profile.
// Created lazily on first access to a new resource.
type AccessPattern struct {
	DayOfWeek  [7]int    `json:"day_of_week"`
	WeeklyHits int       `json:"weekly_hits"`
	LastAccess time.Time `json:"last_access"`
}

// BehaviorProfile is the rolling per-identity baseline. Mutated only by the
// profile store under its shard lock; never deleted mid-operation, only
// evicted during cleanup.
type BehaviorProfile struct {
	Identity    string `json:"identity"`
	DisplayName string `json:"display_name"`

	// hourCounts feeds the normalized login-hour histogram; frequencies are
	// counts/total so they always sum to 1 once any login is recorded.
	hourCounts [24]int
	hourTotal  int

	RecentLocations []string      `json:"recent_locations"` // FIFO, max 10
	RecentDevices   []string      `json:"recent_devices"`   // FIFO, max 5
	AvgSession      time.Duration `json:"avg_session"`
	sessionSamples  int

	Resources map[string]*AccessPattern `json:"resources"`

	BaselineEstablished bool      `json:"baseline_established"`
	LastUpdated         time.Time `json:"last_updated"`
}

// HourFrequency returns the normalized frequency of the given hour bucket.
func (p *BehaviorProfile) HourFrequency(hour int) float64 {
	if p.hourTotal == 0 {
		return 0
	}
	return float64(p.hourCounts[hour%24]) / float64(p.hourTotal)
}

// HourHistogram returns all 24 normalized buckets.
func (p *BehaviorProfile) HourHistogram() [24]float64 {
	var out [24]float64
	if p.hourTotal == 0 {
		return out
	}
	for i, c := range p.hourCounts {
		out[i] = float64(c) / float64(p.hourTotal)
	}
	return out
}

func (p *BehaviorProfile) knowsDevice(ua string) bool {
	for _, d := range p.RecentDevices {
		if d == ua {
			return true
		}
	}
	return false
}

func (p *BehaviorProfile) knowsLocation(ip string) bool {
	for _, l := range p.RecentLocations {
		if l == ip {
			return true
		}
	}
	return false
}

// deviations compares an activity against the existing baseline. Checks are
// suppressed until the baseline is established to avoid cold-start noise.
func (p *BehaviorProfile) deviations(act Activity) []AnomalyTag {
	if !p.BaselineEstablished {
		return nil
	}
	var tags []AnomalyTag

	// Login hour: no bucket within +-2 hours carrying frequency > 0.1.
	hour := act.Timestamp.Hour()
	usual := false
	for off := -2; off <= 2; off++ {
		if p.HourFrequency((hour+off+24)%24) > 0.1 {
			usual = true
			break
		}
	}
	if !usual {
		tags = append(tags, AnomalyUnusualTime)
	}

	if act.UserAgent != "" && !p.knowsDevice(act.UserAgent) {
		tags = append(tags, AnomalyUnknownDevice)
	}
	if act.IP != "" && !p.knowsLocation(act.IP) {
		tags = append(tags, AnomalyUnknownLocation)
	}

	if act.SessionDuration > 0 && p.AvgSession > 0 {
		diff := act.SessionDuration - p.AvgSession
		if diff < 0 {
			diff = -diff
		}
		if diff > 2*p.AvgSession {
			tags = append(tags, AnomalyAbnormalDuration)
		}
	}

	if act.Resource != "" {
		if pat, ok := p.Resources[act.Resource]; ok {
			if pat.DayOfWeek[int(act.Timestamp.Weekday())] == 0 {
				tags = append(tags, AnomalyUnusualResourceUse)
			}
		} else {
			tags = append(tags, AnomalyNewResource)
		}
	}
	return tags
}

// absorb updates the baseline with the new observation. Returns true when
// this observation establishes the baseline for the first time.
func (p *BehaviorProfile) absorb(act Activity) bool {
	p.hourCounts[act.Timestamp.Hour()%24]++
	p.hourTotal++

	if act.UserAgent != "" && !p.knowsDevice(act.UserAgent) {
		p.RecentDevices = append(p.RecentDevices, act.UserAgent)
		if len(p.RecentDevices) > maxRecentDevices {
			p.RecentDevices = p.RecentDevices[1:]
		}
	}
	if act.IP != "" && !p.knowsLocation(act.IP) {
		p.RecentLocations = append(p.RecentLocations, act.IP)
		if len(p.RecentLocations) > maxRecentLocations {
			p.RecentLocations = p.RecentLocations[1:]
		}
	}

	if act.SessionDuration > 0 {
		if p.sessionSamples == 0 {
			p.AvgSession = act.SessionDuration
		} else {
			blended := float64(p.AvgSession)*(1-sessionEWMAWeight) + float64(act.SessionDuration)*sessionEWMAWeight
			p.AvgSession = time.Duration(blended)
		}
		p.sessionSamples++
	}

	if act.Resource != "" {
		pat, ok := p.Resources[act.Resource]
		if !ok {
			pat = &AccessPattern{}
			p.Resources[act.Resource] = pat
		}
		pat.DayOfWeek[int(act.Timestamp.Weekday())]++
		pat.WeeklyHits++
		pat.LastAccess = act.Timestamp
	}

	p.LastUpdated = act.Timestamp
	if !p.BaselineEstablished && len(p.RecentDevices)+len(p.RecentLocations) >= baselineThreshold {
		p.BaselineEstablished = true
		return true
	}
	return false
}

// profileStore is a lock-striped shard map holding behavior profiles.
type profileStore struct {
	shards []profileShard
	mask   uint64
}

type profileShard struct {
	mu sync.RWMutex
	m  map[string]*BehaviorProfile
}

func newProfileStore(shardPow uint8) *profileStore {
	if shardPow > 10 {
		shardPow = 10 // cap 1024 shards
	}
	n := 1 << shardPow
	s := &profileStore{mask: uint64(n - 1)}
	s.shards = make([]profileShard, n)
	for i := 0; i < n; i++ {
		s.shards[i].m = make(map[string]*BehaviorProfile)
	}
	return s
}

func (s *profileStore) shardFor(key string) *profileShard {
	return &s.shards[uint64(fnv32(key))&s.mask]
}

// observe runs the compare-then-update cycle under one shard lock so no other
// goroutine sees a half-updated profile. displayName is only consulted when
// the profile is created.
func (s *profileStore) observe(identity, displayName string, act Activity) (tags []AnomalyTag, established bool, snap profileSnapshot) {
	sh := s.shardFor(identity)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	p, ok := sh.m[identity]
	if !ok {
		p = &BehaviorProfile{Identity: identity, DisplayName: displayName, Resources: make(map[string]*AccessPattern)}
		sh.m[identity] = p
	}
	tags = p.deviations(act)
	snap = profileSnapshot{
		displayName:   p.DisplayName,
		knownDevice:   p.knowsDevice(act.UserAgent),
		knownLocation: p.knowsLocation(act.IP),
		avgSession:    p.AvgSession,
		hourFreq:      p.HourFrequency(act.Timestamp.Hour()),
		devices:       len(p.RecentDevices),
		locations:     len(p.RecentLocations),
		baseline:      p.BaselineEstablished,
		resourceSeen:  act.Resource != "" && p.Resources[act.Resource] != nil,
	}
	established = p.absorb(act)
	return tags, established, snap
}

// profileSnapshot captures pre-update profile state for feature engineering.
type profileSnapshot struct {
	displayName   string
	knownDevice   bool
	knownLocation bool
	avgSession    time.Duration
	hourFreq      float64
	devices       int
	locations     int
	baseline      bool
	resourceSeen  bool
}

func (s *profileStore) get(identity string) (*BehaviorProfile, bool) {
	sh := s.shardFor(identity)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	p, ok := sh.m[identity]
	return p, ok
}

// deviceCount reports how many distinct devices the identity is known by.
// Missing profile returns -1 so callers can apply the untrusted default.
func (s *profileStore) deviceCount(identity string) int {
	sh := s.shardFor(identity)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	p, ok := sh.m[identity]
	if !ok {
		return -1
	}
	return len(p.RecentDevices)
}

func (s *profileStore) baselineEstablished(identity string) bool {
	sh := s.shardFor(identity)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	p, ok := sh.m[identity]
	return ok && p.BaselineEstablished
}

// identities returns every tracked identity (risk sweep iteration order is
// unspecified but the sweep itself is serial).
func (s *profileStore) identities() []string {
	var out []string
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for id := range sh.m {
			out = append(out, id)
		}
		sh.mu.RUnlock()
	}
	return out
}

func (s *profileStore) size() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		n += len(sh.m)
		sh.mu.RUnlock()
	}
	return n
}

// evictIdle drops profiles not updated since the cutoff. Returns evicted count.
// Bounded-memory policy for identities that stop being active.
func (s *profileStore) evictIdle(cutoff time.Time) int {
	evicted := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for id, p := range sh.m {
			if p.LastUpdated.Before(cutoff) {
				delete(sh.m, id)
				evicted++
			}
		}
		sh.mu.Unlock()
	}
	return evicted
}

// pruneResources drops per-resource patterns unused since the cutoff to keep
// long-lived profiles from accreting dead resource entries.
func (s *profileStore) pruneResources(cutoff time.Time) int {
	pruned := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for _, p := range sh.m {
			for res, pat := range p.Resources {
				if pat.LastAccess.Before(cutoff) {
					delete(p.Resources, res)
					pruned++
				}
			}
		}
		sh.mu.Unlock()
	}
	return pruned
}

// enforceCap evicts least-recently-updated profiles until the store holds at
// most max entries. Returns evicted count.
func (s *profileStore) enforceCap(max int) int {
	if max <= 0 || s.size() <= max {
		return 0
	}
	type aged struct {
		id string
		at time.Time
	}
	var all []aged
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for id, p := range sh.m {
			all = append(all, aged{id: id, at: p.LastUpdated})
		}
		sh.mu.RUnlock()
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	evicted := 0
	for _, a := range all {
		if len(all)-evicted <= max {
			break
		}
		sh := s.shardFor(a.id)
		sh.mu.Lock()
		if p, ok := sh.m[a.id]; ok && p.LastUpdated.Equal(a.at) {
			delete(sh.m, a.id)
			evicted++
		}
		sh.mu.Unlock()
	}
	return evicted
}

func fnv32(s string) uint32 {
	var h uint32 = 2166136261
	const prime = 16777619
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}
	return h
}
