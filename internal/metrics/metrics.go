package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mdplane-v1/internal/model"
)

// Metrics holds all Prometheus metrics for the market-data plane.
type Metrics struct {
	// Receiver path
	PacketsTotal    *prometheus.CounterVec // labels: segment
	TicksTotal      *prometheus.CounterVec // labels: segment
	ParseErrors     *prometheus.CounterVec // labels: segment
	FilteredTicks   *prometheus.CounterVec // labels: segment
	RingDrops       *prometheus.CounterVec // labels: segment
	FramesByTxcode  *prometheus.CounterVec // labels: segment, txcode
	TicksByPriority *prometheus.CounterVec // labels: priority

	// Upstream WebSocket path
	WSTicksTotal   prometheus.Counter
	WSCandlesTotal prometheus.Counter
	WSReconnects   prometheus.Counter

	// Bridge / REST path
	RestCallsMade   prometheus.Counter
	RestCallsFailed prometheus.Counter
	RateLimitHits   prometheus.Counter
	CooldownState   prometheus.Gauge // 0=closed, 1=cooling down
	TokensEvicted   prometheus.Counter
	SubsActive      prometheus.Gauge
	SubsPending     prometheus.Gauge
	SubsCapacity    prometheus.Gauge

	// Migration
	MigrationsTotal *prometheus.CounterVec // labels: direction
	MigrationDur    prometheus.Histogram

	// Cache + dispatch
	CacheSize       prometheus.Gauge
	StaleEvicted    prometheus.Counter
	DispatchLatency prometheus.Histogram // udp-recv to handler dispatch

	// Connections
	EndpointState *prometheus.GaugeVec // labels: endpoint; value = ConnState
	PrimarySource prometheus.Gauge     // 0=UDP, 1=WS
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		PacketsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdplane_packets_total",
			Help: "Raw multicast datagrams received per segment",
		}, []string{"segment"}),
		TicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdplane_ticks_total",
			Help: "Decoded ticks per segment",
		}, []string{"segment"}),
		ParseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdplane_parse_errors_total",
			Help: "Frames dropped as malformed per segment",
		}, []string{"segment"}),
		FilteredTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdplane_filtered_ticks_total",
			Help: "Ticks suppressed by the subscription filter per segment",
		}, []string{"segment"}),
		RingDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdplane_ring_drops_total",
			Help: "Ticks overwritten in the emit ring before consumption",
		}, []string{"segment"}),
		FramesByTxcode: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdplane_frames_by_txcode_total",
			Help: "Decoded frames per segment and transaction code",
		}, []string{"segment", "txcode"}),
		TicksByPriority: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdplane_ticks_by_priority_total",
			Help: "Decoded frames per priority class",
		}, []string{"priority"}),

		WSTicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdplane_ws_ticks_total",
			Help: "Ticks received on the upstream WebSocket feed",
		}),
		WSCandlesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdplane_ws_candles_total",
			Help: "1-minute candles received on the upstream WebSocket feed",
		}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdplane_ws_reconnects_total",
			Help: "Upstream WebSocket reconnection attempts",
		}),

		RestCallsMade: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdplane_rest_calls_total",
			Help: "Upstream REST subscription calls issued",
		}),
		RestCallsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdplane_rest_calls_failed_total",
			Help: "Upstream REST subscription calls that failed permanently",
		}),
		RateLimitHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdplane_rate_limit_hits_total",
			Help: "Upstream REST rate-limit responses",
		}),
		CooldownState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mdplane_rest_cooldown_state",
			Help: "REST cooldown gate (0=open for calls, 1=cooling down)",
		}),
		TokensEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdplane_tokens_evicted_total",
			Help: "Subscriptions evicted by LRU to respect the global cap",
		}),
		SubsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mdplane_subscriptions_active",
			Help: "Upstream subscriptions currently active",
		}),
		SubsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mdplane_subscriptions_pending",
			Help: "Subscriptions queued but not yet acknowledged",
		}),
		SubsCapacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mdplane_subscriptions_capacity",
			Help: "Global upstream subscription cap",
		}),

		MigrationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mdplane_migrations_total",
			Help: "Primary-source migrations by direction (udp_to_ws, ws_to_udp, cancelled)",
		}, []string{"direction"}),
		MigrationDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mdplane_migration_duration_seconds",
			Help:    "Wall time of a primary-source migration",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		CacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mdplane_price_cache_size",
			Help: "Instruments currently held in the price cache",
		}),
		StaleEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mdplane_price_cache_stale_evicted_total",
			Help: "Cache entries removed by the stale sweep",
		}),
		DispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mdplane_dispatch_latency_seconds",
			Help:    "Latency from UDP recv to feed-handler dispatch",
			Buckets: []float64{0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
		}),

		EndpointState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mdplane_endpoint_state",
			Help: "Connection state per endpoint (0=disconnected … 4=error)",
		}, []string{"endpoint"}),
		PrimarySource: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mdplane_primary_source",
			Help: "Active primary tick source (0=UDP, 1=WS)",
		}),
	}

	prometheus.MustRegister(
		m.PacketsTotal,
		m.TicksTotal,
		m.ParseErrors,
		m.FilteredTicks,
		m.RingDrops,
		m.FramesByTxcode,
		m.TicksByPriority,
		m.WSTicksTotal,
		m.WSCandlesTotal,
		m.WSReconnects,
		m.RestCallsMade,
		m.RestCallsFailed,
		m.RateLimitHits,
		m.CooldownState,
		m.TokensEvicted,
		m.SubsActive,
		m.SubsPending,
		m.SubsCapacity,
		m.MigrationsTotal,
		m.MigrationDur,
		m.CacheSize,
		m.StaleEvicted,
		m.DispatchLatency,
		m.EndpointState,
		m.PrimarySource,
	)

	return m
}

// SetSubscriptionStats pushes the bridge's live stats triple.
func (m *Metrics) SetSubscriptionStats(s model.SubscriptionStats) {
	m.SubsActive.Set(float64(s.Subscribed))
	m.SubsPending.Set(float64(s.Pending))
	m.SubsCapacity.Set(float64(s.Capacity))
}

// SetEndpointState mirrors one endpoint's connection state.
func (m *Metrics) SetEndpointState(id model.EndpointID, st model.ConnState) {
	m.EndpointState.WithLabelValues(id.String()).Set(float64(st))
}

// HealthStatus represents the data plane's health.
type HealthStatus struct {
	mu sync.RWMutex

	WSConnected    bool
	LastTickTime   time.Time
	RedisConnected bool
	SQLiteOK       bool
	PrimarySource  string
	SessionPhase   string
	Subscriptions  model.SubscriptionStats
	Endpoints      []model.EndpointStatus

	RedisLatencyMs  float64
	SQLiteLatencyMs float64
	LastCheckAt     time.Time
	StartedAt       time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetWSConnected(v bool) {
	h.mu.Lock()
	h.WSConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetPrimarySource(s model.PrimarySource) {
	h.mu.Lock()
	h.PrimarySource = s.String()
	h.mu.Unlock()
}

func (h *HealthStatus) SetSessionPhase(p model.SessionPhase) {
	h.mu.Lock()
	h.SessionPhase = p.String()
	h.mu.Unlock()
}

func (h *HealthStatus) SetSubscriptions(s model.SubscriptionStats) {
	h.mu.Lock()
	h.Subscriptions = s
	h.mu.Unlock()
}

// SetEndpoints replaces the endpoint snapshot shown on /healthz.
func (h *HealthStatus) SetEndpoints(eps []model.EndpointStatus) {
	h.mu.Lock()
	h.Endpoints = eps
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite runs a trivial query and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	udpAlive := 0
	for _, ep := range h.Endpoints {
		if ep.ID >= model.EndpointUDPNSECM && ep.State == model.StateConnected {
			udpAlive++
		}
	}
	if !h.WSConnected && udpAlive == 0 {
		overallStatus = "unhealthy"
		httpCode = http.StatusServiceUnavailable
	} else if !h.WSConnected || udpAlive < 4 || !h.RedisConnected || !h.SQLiteOK {
		overallStatus = "degraded"
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string                   `json:"status"`
		Uptime          string                   `json:"uptime"`
		PrimarySource   string                   `json:"primary_source"`
		SessionPhase    string                   `json:"session_phase,omitempty"`
		WSConnected     bool                     `json:"ws_connected"`
		LastTickTime    string                   `json:"last_tick_time"`
		TickAge         string                   `json:"tick_age"`
		Subscriptions   model.SubscriptionStats  `json:"subscriptions"`
		Endpoints       []model.EndpointStatus   `json:"endpoints"`
		RedisConnected  bool                     `json:"redis_connected"`
		RedisLatencyMs  float64                  `json:"redis_latency_ms"`
		SQLiteOK        bool                     `json:"sqlite_ok"`
		SQLiteLatencyMs float64                  `json:"sqlite_latency_ms"`
		LastCheckAt     string                   `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		PrimarySource:   h.PrimarySource,
		SessionPhase:    h.SessionPhase,
		WSConnected:     h.WSConnected,
		LastTickTime:    h.LastTickTime.Format(time.RFC3339),
		TickAge:         tickAge,
		Subscriptions:   h.Subscriptions,
		Endpoints:       h.Endpoints,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
