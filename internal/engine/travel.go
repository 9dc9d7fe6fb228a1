package engine

import (
	"math"
	"sync"
	"time"
)

const earthRadiusKm = 6371.0

// haversineKm returns the great-circle distance between two points.
func haversineKm(a, b GeoPoint) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}

// loginPoint is one observed login origin, pending geolocation.
type loginPoint struct {
	IP string
	At time.Time
}

// travelLog keeps the last two login origins per identity for the scheduled
// impossible-travel pass. Only transitions between distinct IPs are kept.
type travelLog struct {
	mu      sync.Mutex
	last    map[string][2]loginPoint // [previous, latest]
	pending map[string]bool          // identities with an unchecked transition
}

func newTravelLog() *travelLog {
	return &travelLog{last: make(map[string][2]loginPoint), pending: make(map[string]bool)}
}

// record notes a login origin. A new IP different from the latest one marks
// the identity pending for the next check.
func (t *travelLog) record(identity, ip string, at time.Time) {
	if ip == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	pair := t.last[identity]
	if pair[1].IP == ip {
		pair[1].At = at
		t.last[identity] = pair
		return
	}
	pair[0] = pair[1]
	pair[1] = loginPoint{IP: ip, At: at}
	t.last[identity] = pair
	if pair[0].IP != "" {
		t.pending[identity] = true
	}
}

// takePending returns and clears the identities with unchecked transitions.
func (t *travelLog) takePending() map[string][2]loginPoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string][2]loginPoint, len(t.pending))
	for id := range t.pending {
		out[id] = t.last[id]
	}
	t.pending = make(map[string]bool)
	return out
}

// evictIdle drops identities whose latest login predates the cutoff.
func (t *travelLog) evictIdle(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	evicted := 0
	for id, pair := range t.last {
		if pair[1].At.Before(cutoff) {
			delete(t.last, id)
			delete(t.pending, id)
			evicted++
		}
	}
	return evicted
}

// travelSpeedKmh computes implied speed between two located logins. The
// elapsed time is floored at one second so simultaneous logins from distant
// points always exceed any plausible threshold.
func travelSpeedKmh(from, to GeoPoint, elapsed time.Duration) float64 {
	dist := haversineKm(from, to)
	if dist == 0 {
		return 0
	}
	if elapsed < time.Second {
		elapsed = time.Second
	}
	return dist / elapsed.Hours()
}
