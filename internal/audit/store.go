// Package audit provides the durable audit-log collaborator: a bbolt store
// that sinks every engine event and serves the filtered range queries used by
// reputation scoring and the anomaly scanner.
package audit

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/gridguard/sentinel/internal/engine"
	"github.com/gridguard/sentinel/internal/events"
	"github.com/gridguard/sentinel/internal/otelinit"
)

var bucketRecords = []byte("records")

// Store persists audit records in time order. BoltDB is chosen for easy
// deployment (pure Go, single file, no C dependencies).
type Store struct {
	db  *bbolt.DB
	seq atomic.Uint32

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
}

// Open creates or opens the audit database at path.
func Open(path string, meter metric.Meter) (*Store, error) {
	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		NoSync:       false, // fsync for durability
		FreelistType: bbolt.FreelistArrayType,
	}
	db, err := bbolt.Open(path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRecords)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	readLatency, _ := meter.Float64Histogram("sentinel_audit_read_ms")
	writeLatency, _ := meter.Float64Histogram("sentinel_audit_write_ms")
	return &Store{db: db, readLatency: readLatency, writeLatency: writeLatency}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error { return s.db.Close() }

// recordKey orders records by timestamp with a sequence suffix so same-nano
// writes never collide.
func (s *Store) recordKey(at time.Time) []byte {
	key := make([]byte, 12)
	binary.BigEndian.PutUint64(key[:8], uint64(at.UnixNano()))
	binary.BigEndian.PutUint32(key[8:], s.seq.Add(1))
	return key
}

// Record appends one audit row.
func (s *Store) Record(ctx context.Context, rec engine.AuditRecord) error {
	ctx, end := otelinit.WithSpan(ctx, "audit.record")
	defer end()
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "record")))
	}()
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecords).Put(s.recordKey(rec.At), data)
	})
}

// Query scans the [From, To] time range and applies identity/action filters.
// Zero filter fields match everything.
func (s *Store) Query(ctx context.Context, f engine.AuditFilter) ([]engine.AuditRecord, error) {
	ctx, end := otelinit.WithSpan(ctx, "audit.query")
	defer end()
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "query")))
	}()

	actions := make(map[string]bool, len(f.Actions))
	for _, a := range f.Actions {
		actions[a] = true
	}

	var out []engine.AuditRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRecords).Cursor()
		var k, v []byte
		if f.From.IsZero() {
			k, v = c.First()
		} else {
			seek := make([]byte, 8)
			binary.BigEndian.PutUint64(seek, uint64(f.From.UnixNano()))
			k, v = c.Seek(seek)
		}
		for ; k != nil; k, v = c.Next() {
			var rec engine.AuditRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue // skip corrupt rows
			}
			if !f.To.IsZero() && rec.At.After(f.To) {
				break
			}
			if f.Identity != "" && rec.Identity != f.Identity {
				continue
			}
			if len(actions) > 0 && !actions[rec.Action] {
				continue
			}
			out = append(out, rec)
			if f.Limit > 0 && len(out) >= f.Limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// Sink subscribes the store to every bus event for durable logging. Failed
// writes are logged and dropped; the engine never blocks on audit.
func (s *Store) Sink(bus *events.Bus) {
	bus.SubscribeAll(func(ctx context.Context, ev events.Event) {
		detail := ""
		if len(ev.Detail) > 0 {
			payload := ev.Detail
			if ev.Kind == events.KindMLDataReady {
				// Durable log keeps batch metadata, not the vectors themselves.
				payload = map[string]any{"trigger": ev.Detail["trigger"], "count": ev.Detail["count"]}
			}
			if b, err := json.Marshal(payload); err == nil {
				detail = string(b)
			}
		}
		rec := engine.AuditRecord{
			Identity: ev.Identity,
			Action:   string(ev.Kind),
			At:       ev.At,
			Success:  true,
			Detail:   detail,
		}
		if err := s.Record(ctx, rec); err != nil {
			slog.Warn("audit write failed", "action", rec.Action, "error", err)
		}
	})
}
