// Package httpapi exposes throttlegate's admin surface over HTTP: health,
// Prometheus metrics, read-only statistics, and a config endpoint that
// lets an operator change bytes_per_second or a priority mapping without
// a process restart.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/flowctl/throttlegate/internal/limiter"
	"github.com/flowctl/throttlegate/internal/monitoring"
	"github.com/flowctl/throttlegate/internal/priority"
	"github.com/flowctl/throttlegate/internal/stats"
)

// maxEpochLag and maxPendingDebtEpochs are the thresholds the
// throttle-specific health checks degrade past. A few missed driver
// ticks are routine under scheduler jitter; several seconds of lag or
// several epochs of carried-forward debt means the periodic driver or a
// starved tier needs attention.
const (
	maxEpochLag          = 5 * time.Second
	maxPendingDebtEpochs = 4.0
)

// Server is the admin HTTP API. It never throttles the I/O path itself —
// it throttles access to *itself*, via its own requestLimiter, entirely
// separate from the throttle.Throttle that governs I/O admission.
type Server struct {
	limiter        *limiter.Limiter
	metrics        *monitoring.Metrics
	health         *monitoring.HealthManager
	healthCancel   context.CancelFunc
	requestLimiter *rate.Limiter
	router         *mux.Router
}

// New builds the admin router. requestsPerSecond/burst configure the
// server's own self-rate-limit (AdminConfig in internal/config), guarding
// the admin API from being hammered by monitoring scrapers or scripts.
// Ambient process checks (memory, goroutine count) and three
// throttle-specific checks — a priority map with no io_type on High,
// epoch-refill lag, and Low-tier carried-forward debt — are registered against the
// health manager and served under /healthz, /readyz and /livez.
func New(l *limiter.Limiter, m *monitoring.Metrics, requestsPerSecond float64, burst int) *Server {
	hm := monitoring.NewHealthManager(monitoring.HealthConfig{})
	hm.RegisterProcessHealthChecks()
	hm.RegisterCheck(throttleHealthCheck(l))
	hm.RegisterCheck(epochLagHealthCheck(l))
	hm.RegisterCheck(pendingDebtHealthCheck(l))
	ctx, cancel := context.WithCancel(context.Background())
	hm.Start(ctx)

	s := &Server{
		limiter:        l,
		metrics:        m,
		health:         hm,
		healthCancel:   cancel,
		requestLimiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
	}
	s.router = s.buildRouter()
	return s
}

// Close stops the background health-check loop. It does not close the
// underlying HTTP listener; callers that wrap Handler() in an
// http.Server own that lifecycle separately.
func (s *Server) Close() {
	s.health.Stop()
	s.healthCancel()
}

// RegisterHealthCheck adds an additional check to the admin API's health
// manager after construction. pkg/throttle uses this to wire a
// persistence backend check once it knows whether persistence is
// enabled, which New has no visibility into.
func (s *Server) RegisterHealthCheck(check *monitoring.HealthCheck) {
	s.health.RegisterCheck(check)
}

// throttleHealthCheck reports degraded if no io_type routes to High
// priority. Every io_type starts on High until SetIOPriority reassigns
// it, so this only fires once a priority map has moved every io_type to
// a lower tier.
func throttleHealthCheck(l *limiter.Limiter) *monitoring.HealthCheck {
	return &monitoring.HealthCheck{
		Name:     "throttle_budget",
		Critical: false,
		CheckFunc: func(ctx context.Context) monitoring.HealthCheckResult {
			for _, t := range priority.AllIOTypes() {
				if l.PriorityFor(t) == priority.High {
					return monitoring.HealthCheckResult{Status: monitoring.HealthStatusHealthy}
				}
			}
			return monitoring.HealthCheckResult{
				Status:  monitoring.HealthStatusDegraded,
				Message: "no io_type is mapped to High priority",
			}
		},
	}
}

// epochLagHealthCheck degrades once the throttle's refill boundary has
// drifted more than maxEpochLag into the past, which means the periodic
// driver (globalthrottle.Driver) has stalled or was never started.
func epochLagHealthCheck(l *limiter.Limiter) *monitoring.HealthCheck {
	return monitoring.EpochLagHealthCheck("epoch_lag", maxEpochLag, l.EpochLag)
}

// pendingDebtHealthCheck degrades once Low priority's carried-forward
// debt exceeds maxPendingDebtEpochs worth of its own epoch budget, the
// clearest sign that Low is being starved faster than Refill can drain
// its backlog.
func pendingDebtHealthCheck(l *limiter.Limiter) *monitoring.HealthCheck {
	return monitoring.PendingDebtHealthCheck("pending_debt_low", maxPendingDebtEpochs, func() (uint64, uint64, bool) {
		return l.PendingDebt(priority.Low)
	})
}

// Handler returns the wrapped http.Handler, suitable for http.ListenAndServe.
func (s *Server) Handler() http.Handler {
	return s.selfRateLimit(s.router)
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.health.HealthHandler()).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.health.ReadinessHandler()).Methods(http.MethodGet)
	r.HandleFunc("/livez", s.health.LivenessHandler()).Methods(http.MethodGet)
	r.Handle(s.metrics.Path(), s.metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/v1/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/v1/config", s.handleGetConfig).Methods(http.MethodGet)
	r.HandleFunc("/v1/config", s.handlePutConfig).Methods(http.MethodPut)

	return r
}

func (s *Server) selfRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.requestLimiter.Allow() {
			http.Error(w, "admin API rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statsResponse is the /v1/stats payload: current admitted-byte counters
// mirrored from the statistics sink. Populated only when enable_statistics
// is set; otherwise Admitted is empty.
type statsResponse struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Admitted    []stats.Snapshot `json:"admitted"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	sink := s.limiter.Statistics()
	resp := statsResponse{GeneratedAt: time.Now()}
	if sink != nil {
		resp.Admitted = sink.FetchAll()
	}
	writeJSON(w, http.StatusOK, resp)
}

type configResponse struct {
	BytesPerSecond uint64            `json:"bytes_per_second"`
	PriorityMap    map[string]string `json:"priority_map"`
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	m := make(map[string]string, priority.NumIOTypes())
	for _, t := range priority.AllIOTypes() {
		m[t.String()] = s.limiter.PriorityFor(t).String()
	}
	writeJSON(w, http.StatusOK, configResponse{PriorityMap: m})
}

type configUpdateRequest struct {
	BytesPerSecond *uint64           `json:"bytes_per_second,omitempty"`
	PriorityMap    map[string]string `json:"priority_map,omitempty"`
}

// handlePutConfig applies a partial config update: any field omitted
// from the request body is left unchanged. A malformed priority_map
// entry rejects the whole request with no partial effect.
func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var req configUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	updates := make(map[priority.IOType]priority.Priority, len(req.PriorityMap))
	for ioTypeStr, priorityStr := range req.PriorityMap {
		t, err := priority.ParseIOType(ioTypeStr)
		if err != nil {
			http.Error(w, "unrecognized io_type: "+ioTypeStr, http.StatusBadRequest)
			return
		}
		p, err := priority.ParsePriority(priorityStr)
		if err != nil {
			http.Error(w, "unrecognized priority: "+priorityStr, http.StatusBadRequest)
			return
		}
		updates[t] = p
	}

	for t, p := range updates {
		s.limiter.SetIOPriority(t, p)
	}
	if req.BytesPerSecond != nil {
		s.limiter.SetBytesPerSecond(*req.BytesPerSecond)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
