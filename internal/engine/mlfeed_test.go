package engine

import (
	"context"
	"testing"

	"github.com/gridguard/sentinel/internal/events"
)

func collectorFixture(maxSize int) (*featureCollector, *eventRecorder) {
	bus := events.NewBus()
	rec := &eventRecorder{}
	rec.attach(bus)
	return newFeatureCollector(maxSize, bus), rec
}

func TestFeatureCollectorFlushAtSize(t *testing.T) {
	c, rec := collectorFixture(5)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		c.add(ctx, FeatureVector{Identity: "u", AnomalyCount: i})
	}
	if rec.count(events.KindMLDataReady) != 0 {
		t.Fatal("flushed below threshold")
	}
	c.add(ctx, FeatureVector{Identity: "u"})

	if got := rec.count(events.KindMLDataReady); got != 1 {
		t.Fatalf("ml_data_ready count = %d, want 1", got)
	}
	ev := rec.got[0]
	if ev.Detail["trigger"] != "size" || ev.Detail["count"] != 5 {
		t.Fatalf("detail = %v", ev.Detail)
	}
	if vs, ok := ev.Detail["vectors"].([]FeatureVector); !ok || len(vs) != 5 {
		t.Fatalf("vectors payload = %T(%v)", ev.Detail["vectors"], ev.Detail["vectors"])
	}
	if c.size() != 0 {
		t.Fatalf("buffer size after flush = %d", c.size())
	}
}

func TestFeatureCollectorTimerFlush(t *testing.T) {
	c, rec := collectorFixture(100)
	ctx := context.Background()

	c.flush(ctx)
	if rec.count(events.KindMLDataReady) != 0 {
		t.Fatal("empty flush emitted an event")
	}

	c.add(ctx, FeatureVector{Identity: "u"})
	c.add(ctx, FeatureVector{Identity: "v"})
	c.flush(ctx)

	if got := rec.count(events.KindMLDataReady); got != 1 {
		t.Fatalf("ml_data_ready count = %d, want 1", got)
	}
	ev := rec.got[0]
	if ev.Detail["trigger"] != "timer" || ev.Detail["count"] != 2 {
		t.Fatalf("detail = %v", ev.Detail)
	}
}

func TestLabelFor(t *testing.T) {
	cases := []struct {
		anomalies int
		want      string
	}{
		{0, "normal"},
		{1, "suspicious"},
		{2, "suspicious"},
		{3, "malicious"},
		{6, "malicious"},
	}
	for _, c := range cases {
		if got := labelFor(c.anomalies); got != c.want {
			t.Errorf("labelFor(%d) = %q, want %q", c.anomalies, got, c.want)
		}
	}
}
