package engine

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/gridguard/sentinel/internal/events"
)

// featureCollector buffers engineered vectors until the size threshold or the
// hourly flush timer, whichever comes first. Downstream training consumption
// is an external collaborator's job; the collector keeps no persistence.
type featureCollector struct {
	mu      sync.Mutex
	buf     []FeatureVector
	maxSize int
	bus     *events.Bus

	flushes metric.Int64Counter
	staged  metric.Int64Counter
}

func newFeatureCollector(maxSize int, bus *events.Bus) *featureCollector {
	meter := otel.Meter("sentinel-go")
	flushes, _ := meter.Int64Counter("sentinel_feature_flushes_total")
	staged, _ := meter.Int64Counter("sentinel_feature_vectors_staged_total")
	return &featureCollector{maxSize: maxSize, bus: bus, flushes: flushes, staged: staged}
}

// add stages one vector, flushing when the buffer hits the size threshold.
func (c *featureCollector) add(ctx context.Context, v FeatureVector) {
	c.mu.Lock()
	c.buf = append(c.buf, v)
	var batch []FeatureVector
	if len(c.buf) >= c.maxSize {
		batch = c.buf
		c.buf = nil
	}
	c.mu.Unlock()

	c.staged.Add(ctx, 1)
	if batch != nil {
		c.emit(ctx, batch, "size")
	}
}

// flush emits whatever is buffered (timer-driven path). No-op when empty.
func (c *featureCollector) flush(ctx context.Context) {
	c.mu.Lock()
	batch := c.buf
	c.buf = nil
	c.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	c.emit(ctx, batch, "timer")
}

func (c *featureCollector) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}

func (c *featureCollector) emit(ctx context.Context, batch []FeatureVector, trigger string) {
	c.flushes.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
	c.bus.Publish(ctx, events.Event{
		Kind: events.KindMLDataReady,
		Detail: map[string]any{
			"trigger": trigger,
			"count":   len(batch),
			"vectors": batch,
		},
	})
}

// labelFor derives the weak training label from the anomaly count.
func labelFor(anomalies int) string {
	switch {
	case anomalies >= 3:
		return "malicious"
	case anomalies >= 1:
		return "suspicious"
	default:
		return "normal"
	}
}
