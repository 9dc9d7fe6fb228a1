package engine

import (
	"fmt"
	"math"
	"testing"
	"time"
)

func TestHourHistogramNormalized(t *testing.T) {
	p := &BehaviorProfile{Resources: make(map[string]*AccessPattern)}
	hours := []int{9, 9, 9, 14, 14, 23}
	for _, h := range hours {
		p.absorb(Activity{Timestamp: time.Date(2026, 3, 10, h, 0, 0, 0, time.UTC)})
	}

	hist := p.HourHistogram()
	sum := 0.0
	for _, f := range hist {
		sum += f
	}
	if math.Abs(sum-1.0) > 1e-9 {
		t.Fatalf("histogram sums to %v, want 1", sum)
	}
	if got := p.HourFrequency(9); math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("freq(9) = %v, want 0.5", got)
	}
	if got := p.HourFrequency(3); got != 0 {
		t.Fatalf("freq(3) = %v, want 0", got)
	}
}

func TestRecentHistoryFIFO(t *testing.T) {
	p := &BehaviorProfile{Resources: make(map[string]*AccessPattern)}
	for i := 0; i < 12; i++ {
		p.absorb(Activity{
			Timestamp: testBase,
			IP:        fmt.Sprintf("ip-%d", i),
			UserAgent: fmt.Sprintf("ua-%d", i),
		})
	}
	if len(p.RecentDevices) != maxRecentDevices {
		t.Fatalf("devices = %d, want %d", len(p.RecentDevices), maxRecentDevices)
	}
	if len(p.RecentLocations) != maxRecentLocations {
		t.Fatalf("locations = %d, want %d", len(p.RecentLocations), maxRecentLocations)
	}
	if p.knowsDevice("ua-0") {
		t.Fatal("oldest device not evicted")
	}
	if !p.knowsDevice("ua-11") || !p.knowsLocation("ip-11") {
		t.Fatal("newest entries missing")
	}
	// Re-seen entries are not duplicated.
	p.absorb(Activity{Timestamp: testBase, IP: "ip-11", UserAgent: "ua-11"})
	if len(p.RecentDevices) != maxRecentDevices || len(p.RecentLocations) != maxRecentLocations {
		t.Fatal("known entry re-appended")
	}
}

func TestSessionEWMA(t *testing.T) {
	p := &BehaviorProfile{Resources: make(map[string]*AccessPattern)}
	p.absorb(Activity{Timestamp: testBase, SessionDuration: 100 * time.Minute})
	if p.AvgSession != 100*time.Minute {
		t.Fatalf("first sample avg = %s, want 100m", p.AvgSession)
	}
	p.absorb(Activity{Timestamp: testBase, SessionDuration: 200 * time.Minute})
	// 100*(0.9) + 200*(0.1) = 110
	if p.AvgSession != 110*time.Minute {
		t.Fatalf("blended avg = %s, want 110m", p.AvgSession)
	}
	// Zero-duration activity leaves the average untouched.
	p.absorb(Activity{Timestamp: testBase})
	if p.AvgSession != 110*time.Minute {
		t.Fatalf("zero duration moved avg to %s", p.AvgSession)
	}
}

func TestProfileStoreEvictIdle(t *testing.T) {
	s := newProfileStore(2)
	s.observe("stale", "", Activity{Timestamp: testBase})
	s.observe("fresh", "", Activity{Timestamp: testBase.Add(48 * time.Hour)})

	evicted := s.evictIdle(testBase.Add(24 * time.Hour))
	if evicted != 1 {
		t.Fatalf("evicted = %d, want 1", evicted)
	}
	if _, ok := s.get("stale"); ok {
		t.Fatal("stale profile survived eviction")
	}
	if _, ok := s.get("fresh"); !ok {
		t.Fatal("fresh profile evicted")
	}
}

func TestProfileStoreEnforceCap(t *testing.T) {
	s := newProfileStore(2)
	for i := 0; i < 10; i++ {
		s.observe(fmt.Sprintf("id-%d", i), "", Activity{Timestamp: testBase.Add(time.Duration(i) * time.Hour)})
	}
	if got := s.enforceCap(4); got != 6 {
		t.Fatalf("evicted = %d, want 6", got)
	}
	if s.size() != 4 {
		t.Fatalf("size = %d, want 4", s.size())
	}
	// Most recently updated survive.
	for i := 6; i < 10; i++ {
		if _, ok := s.get(fmt.Sprintf("id-%d", i)); !ok {
			t.Fatalf("id-%d evicted despite recent update", i)
		}
	}
	if got := s.enforceCap(4); got != 0 {
		t.Fatalf("cap re-applied under limit, evicted = %d", got)
	}
}

func TestProfileStorePruneResources(t *testing.T) {
	s := newProfileStore(2)
	s.observe("u", "", Activity{Timestamp: testBase.Add(-100 * 24 * time.Hour), Resource: "old"})
	s.observe("u", "", Activity{Timestamp: testBase, Resource: "current"})

	pruned := s.pruneResources(testBase.Add(-90 * 24 * time.Hour))
	if pruned != 1 {
		t.Fatalf("pruned = %d, want 1", pruned)
	}
	p, _ := s.get("u")
	if _, ok := p.Resources["old"]; ok {
		t.Fatal("stale resource kept")
	}
	if _, ok := p.Resources["current"]; !ok {
		t.Fatal("live resource dropped")
	}
}
