package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/gridguard/sentinel/internal/engine"
	"github.com/gridguard/sentinel/internal/events"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "audit.db"), otel.Meter("sentinel-go"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var storeBase = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func seedRecords(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	recs := []engine.AuditRecord{
		{Identity: "alice", Action: "login", At: storeBase, Success: true},
		{Identity: "alice", Action: "login_failed", At: storeBase.Add(time.Minute), Success: false},
		{Identity: "bob", Action: "login", At: storeBase.Add(2 * time.Minute), Success: true},
		{Identity: "alice", Action: "anomaly_detected", At: storeBase.Add(time.Hour), Success: true},
		{Identity: "bob", Action: "threat_detected", At: storeBase.Add(2 * time.Hour), Success: true},
	}
	for _, r := range recs {
		if err := s.Record(ctx, r); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
}

func TestStoreQueryTimeRange(t *testing.T) {
	s := openTestStore(t)
	seedRecords(t, s)
	ctx := context.Background()

	got, err := s.Query(ctx, engine.AuditFilter{From: storeBase, To: storeBase.Add(10 * time.Minute)})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("in-range rows = %d, want 3", len(got))
	}
	// Time order is preserved by the key layout.
	for i := 1; i < len(got); i++ {
		if got[i].At.Before(got[i-1].At) {
			t.Fatalf("rows out of order: %v after %v", got[i].At, got[i-1].At)
		}
	}
}

func TestStoreQueryFilters(t *testing.T) {
	s := openTestStore(t)
	seedRecords(t, s)
	ctx := context.Background()

	got, err := s.Query(ctx, engine.AuditFilter{Identity: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("alice rows = %d, want 3", len(got))
	}

	got, err = s.Query(ctx, engine.AuditFilter{Actions: []string{"anomaly_detected", "threat_detected"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("action-filtered rows = %d, want 2", len(got))
	}

	got, err = s.Query(ctx, engine.AuditFilter{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("limited rows = %d, want 2", len(got))
	}
}

func TestStoreSameNanoWritesKept(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	at := storeBase.Add(30 * time.Minute)
	for i := 0; i < 3; i++ {
		if err := s.Record(ctx, engine.AuditRecord{Identity: "carol", Action: "read", At: at, Success: true}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.Query(ctx, engine.AuditFilter{Identity: "carol"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("same-timestamp rows = %d, want 3", len(got))
	}
}

func TestSinkPersistsBusEvents(t *testing.T) {
	s := openTestStore(t)
	bus := events.NewBus()
	s.Sink(bus)
	ctx := context.Background()

	bus.Publish(ctx, events.Event{
		Kind:     events.KindThreatDetected,
		Identity: "dave",
		At:       storeBase,
		Detail:   map[string]any{"type": "brute_force"},
	})
	bus.Publish(ctx, events.Event{
		Kind: events.KindMLDataReady,
		At:   storeBase.Add(time.Second),
		Detail: map[string]any{
			"trigger": "size",
			"count":   10000,
			"vectors": make([]engine.FeatureVector, 3),
		},
	})

	got, err := s.Query(ctx, engine.AuditFilter{Actions: []string{"threat_detected"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Identity != "dave" || !got[0].Success {
		t.Fatalf("rows = %+v", got)
	}

	got, err = s.Query(ctx, engine.AuditFilter{Actions: []string{"ml_data_ready"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("ml rows = %d, want 1", len(got))
	}
	// Vectors are dropped from the durable row; batch metadata is kept.
	if got[0].Detail == "" || len(got[0].Detail) > 200 {
		t.Fatalf("ml detail = %q", got[0].Detail)
	}
}
