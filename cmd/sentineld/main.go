package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/gridguard/sentinel/internal/audit"
	"github.com/gridguard/sentinel/internal/engine"
	"github.com/gridguard/sentinel/internal/events"
	"github.com/gridguard/sentinel/internal/logging"
	"github.com/gridguard/sentinel/internal/natsctx"
	"github.com/gridguard/sentinel/internal/otelinit"
	"github.com/gridguard/sentinel/internal/resilience"
)

func main() {
	service := "sentineld"
	logging.Init(service)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, _ := otelinit.InitMetrics(ctx, service)
	meter := otel.Meter("sentinel-go")

	bus := events.NewBus()

	store, err := audit.Open(getenv("SENTINEL_AUDIT_DB", "./sentinel-audit.db"), meter)
	if err != nil {
		slog.Error("audit store open failed", "error", err)
		return
	}
	defer store.Close()
	store.Sink(bus)

	cfg := engine.DefaultConfig()
	cfg.RulesPath = getenv("SENTINEL_RULES_PATH", "")
	eng, err := engine.New(cfg, bus, newDirectory(), store, newGeolocator())
	if err != nil {
		slog.Error("engine init failed", "error", err)
		return
	}
	if err := eng.Start(ctx); err != nil {
		slog.Error("engine start failed", "error", err)
		return
	}

	// NATS bridge is optional; without a broker the engine still runs with
	// in-process fan-out and durable audit only.
	if natsURL := getenv("NATS_URL", ""); natsURL != "" {
		nc, err := resilience.Retry(ctx, 5, time.Second, func() (*nats.Conn, error) {
			return nats.Connect(natsURL)
		})
		if err != nil {
			slog.Warn("nats connect failed, running without broker", "url", natsURL, "error", err)
		} else {
			defer nc.Close()
			events.BridgeNATS(bus, nc)
			subscribeActivity(nc, func(ctx context.Context, identity string, act engine.Activity) {
				eng.Observe(ctx, identity, act)
			})
			slog.Info("nats bridge active", "url", natsURL)
		}
	}

	limiter := resilience.NewRateLimiter(200, 100, time.Minute, 6000)
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/activity", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !limiter.Allow() {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		var payload struct {
			Identity string          `json:"identity"`
			Activity engine.Activity `json:"activity"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Identity == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		writeJSON(w, eng.Observe(r.Context(), payload.Identity, payload.Activity))
	})
	mux.HandleFunc("/v1/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var payload struct {
			Key     string `json:"key"`
			Success bool   `json:"success"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Key == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]any{"threat": eng.RecordLoginOutcome(r.Context(), payload.Key, payload.Success)})
	})
	mux.HandleFunc("/v1/scan", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var payload struct {
			Text   string `json:"text"`
			Source string `json:"source"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]any{"threat": eng.ScanInput(r.Context(), payload.Text, payload.Source)})
	})
	mux.HandleFunc("/v1/permission", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var payload struct {
			Identity   string `json:"identity"`
			Permission string `json:"permission"`
			Role       string `json:"role"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Identity == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]any{"threat": eng.CheckPermissionRequest(r.Context(), payload.Identity, payload.Permission, payload.Role)})
	})
	mux.HandleFunc("/v1/threats", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		q := r.URL.Query()
		writeJSON(w, eng.ActiveThreats(engine.ThreatFilter{
			Identity: q.Get("identity"),
			Type:     engine.ThreatType(q.Get("type")),
			Severity: engine.Severity(q.Get("severity")),
			Status:   engine.ThreatStatus(q.Get("status")),
		}))
	})
	mux.HandleFunc("/v1/threats/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		rest := strings.TrimPrefix(r.URL.Path, "/v1/threats/")
		id, verb, ok := strings.Cut(rest, "/")
		if !ok || id == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var payload struct {
			By    string `json:"by"`
			Notes string `json:"notes"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		var err error
		switch verb {
		case "investigate":
			err = eng.Investigate(r.Context(), id, payload.By)
		case "mitigate":
			err = eng.Mitigate(r.Context(), id, payload.By, payload.Notes)
		case "false-positive":
			err = eng.MarkFalsePositive(r.Context(), id, payload.By, payload.Notes)
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err != nil {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(err.Error()))
			return
		}
		writeJSON(w, map[string]any{"status": "ok"})
	})
	mux.HandleFunc("/v1/risk-scores", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		q := r.URL.Query()
		var minTotal float64
		_, _ = fmt.Sscanf(q.Get("min"), "%f", &minTotal)
		writeJSON(w, eng.RiskScores(engine.RiskFilter{
			Identity: q.Get("identity"),
			Tier:     engine.RiskTier(q.Get("tier")),
			MinTotal: minTotal,
		}))
	})
	mux.HandleFunc("/v1/risk/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		identity := strings.TrimPrefix(r.URL.Path, "/v1/risk/")
		if identity == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, eng.Score(r.Context(), identity))
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		an := eng.Analytics(r.Context(), time.Hour)
		writeJSON(w, map[string]any{
			"profiles_tracked": an.ProfilesTracked,
			"active_threats":   an.ActiveThreats,
			"feature_buffer":   an.FeatureBuffer,
		})
	})
	mux.HandleFunc("/v1/analytics", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		trailing := 24 * time.Hour
		if v := r.URL.Query().Get("range"); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				trailing = d
			}
		}
		writeJSON(w, eng.Analytics(r.Context(), trailing))
	})

	srv := &http.Server{Addr: getenv("SENTINEL_ADDR", ":8080"), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()
	slog.Info("service started", "addr", srv.Addr)
	<-ctx.Done()
	slog.Info("shutdown initiated")
	ctxSd, c2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer c2()
	_ = srv.Shutdown(ctxSd)
	_ = eng.Stop(ctxSd)
	otelinit.Flush(ctxSd, shutdownTrace)
	_ = shutdownMetrics(ctxSd)
	slog.Info("shutdown complete")
}

func subscribeActivity(nc *nats.Conn, handle func(context.Context, string, engine.Activity)) {
	_, err := natsctx.Subscribe(nc, "sentinel.v1.activity.observed", func(ctx context.Context, m *nats.Msg) {
		var payload struct {
			Identity string          `json:"identity"`
			Activity engine.Activity `json:"activity"`
		}
		if err := json.Unmarshal(m.Data, &payload); err != nil || payload.Identity == "" {
			slog.Warn("activity message discarded", "error", err)
			return
		}
		handle(ctx, payload.Identity, payload.Activity)
	})
	if err != nil {
		slog.Warn("activity subscription failed", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
