// internal/monitoring/health.go
package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnknown   HealthStatus = "unknown"
)

// HealthCheck represents a single health check
type HealthCheck struct {
	Name      string                                     `json:"name"`
	Status    HealthStatus                                `json:"status"`
	Message   string                                       `json:"message,omitempty"`
	Error     string                                       `json:"error,omitempty"`
	LastCheck time.Time                                    `json:"last_check"`
	Duration  time.Duration                                `json:"duration"`
	Metadata  map[string]interface{}                       `json:"metadata,omitempty"`
	CheckFunc func(ctx context.Context) HealthCheckResult  `json:"-"`
	Interval  time.Duration                                `json:"-"`
	Timeout   time.Duration                                `json:"-"`
	Critical  bool                                         `json:"critical"`
	Enabled   bool                                         `json:"enabled"`
}

// HealthCheckResult represents the result of a health check
type HealthCheckResult struct {
	Status   HealthStatus           `json:"status"`
	Message  string                 `json:"message,omitempty"`
	Error    error                  `json:"-"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// HealthManager manages health checks and monitoring
type HealthManager struct {
	checks       map[string]*HealthCheck
	checksMutex  sync.RWMutex
	results      map[string]HealthCheckResult
	resultsMutex sync.RWMutex
	ticker       *time.Ticker
	stopCh       chan struct{}
	config       HealthConfig
}

// HealthConfig configuration for health monitoring
type HealthConfig struct {
	CheckInterval     time.Duration `json:"check_interval"`
	DefaultTimeout    time.Duration `json:"default_timeout"`
	HealthEndpoint    string        `json:"health_endpoint"`
	ReadinessEndpoint string        `json:"readiness_endpoint"`
	LivenessEndpoint  string        `json:"liveness_endpoint"`
	DetailedResponse  bool          `json:"detailed_response"`
	EnableCaching     bool          `json:"enable_caching"`
	CacheTTL          time.Duration `json:"cache_ttl"`
}

// SystemHealth represents overall process health information, returned
// by the admin API's /healthz, /readyz and /livez endpoints.
type SystemHealth struct {
	Status    HealthStatus           `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version,omitempty"`
	Uptime    time.Duration          `json:"uptime"`
	Checks    map[string]HealthCheck `json:"checks,omitempty"`
	Summary   HealthSummary          `json:"summary"`
	Process   ProcessMetrics         `json:"process"`
}

// HealthSummary provides a summary of health checks
type HealthSummary struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Unhealthy int `json:"unhealthy"`
	Degraded  int `json:"degraded"`
	Unknown   int `json:"unknown"`
	Critical  int `json:"critical"`
}

// ProcessMetrics is the ambient Go-runtime metrics attached to every
// /healthz response, independent of any registered HealthCheck.
type ProcessMetrics struct {
	Memory         MemoryMetrics `json:"memory"`
	GoroutineCount int           `json:"goroutine_count"`
	GCStats        debug.GCStats `json:"gc_stats"`
	Uptime         time.Duration `json:"uptime"`
}

// MemoryMetrics provides memory usage information
type MemoryMetrics struct {
	Allocated    uint64  `json:"allocated_bytes"`
	TotalAlloc   uint64  `json:"total_alloc_bytes"`
	System       uint64  `json:"system_bytes"`
	NumGC        uint32  `json:"num_gc"`
	UsagePercent float64 `json:"usage_percent"`
}

// NewHealthManager creates a new health manager
func NewHealthManager(config HealthConfig) *HealthManager {
	if config.CheckInterval == 0 {
		config.CheckInterval = 30 * time.Second
	}
	if config.DefaultTimeout == 0 {
		config.DefaultTimeout = 10 * time.Second
	}
	if config.HealthEndpoint == "" {
		config.HealthEndpoint = "/health"
	}
	if config.ReadinessEndpoint == "" {
		config.ReadinessEndpoint = "/ready"
	}
	if config.LivenessEndpoint == "" {
		config.LivenessEndpoint = "/live"
	}
	if config.CacheTTL == 0 {
		config.CacheTTL = 5 * time.Second
	}

	return &HealthManager{
		checks:  make(map[string]*HealthCheck),
		results: make(map[string]HealthCheckResult),
		stopCh:  make(chan struct{}),
		config:  config,
	}
}

// RegisterCheck registers a new health check
func (hm *HealthManager) RegisterCheck(check *HealthCheck) {
	if check.Timeout == 0 {
		check.Timeout = hm.config.DefaultTimeout
	}
	if check.Interval == 0 {
		check.Interval = hm.config.CheckInterval
	}
	if !check.Enabled {
		check.Enabled = true
	}

	hm.checksMutex.Lock()
	hm.checks[check.Name] = check
	hm.checksMutex.Unlock()
}

// RemoveCheck removes a health check
func (hm *HealthManager) RemoveCheck(name string) {
	hm.checksMutex.Lock()
	delete(hm.checks, name)
	hm.checksMutex.Unlock()

	hm.resultsMutex.Lock()
	delete(hm.results, name)
	hm.resultsMutex.Unlock()
}

// Start starts the health monitoring
func (hm *HealthManager) Start(ctx context.Context) {
	hm.ticker = time.NewTicker(hm.config.CheckInterval)

	go func() {
		// Run initial checks
		hm.runAllChecks(ctx)

		for {
			select {
			case <-hm.ticker.C:
				hm.runAllChecks(ctx)
			case <-hm.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the health monitoring
func (hm *HealthManager) Stop() {
	if hm.ticker != nil {
		hm.ticker.Stop()
	}
	close(hm.stopCh)
}

// runAllChecks runs all registered health checks
func (hm *HealthManager) runAllChecks(ctx context.Context) {
	hm.checksMutex.RLock()
	checks := make([]*HealthCheck, 0, len(hm.checks))
	for _, check := range hm.checks {
		if check.Enabled {
			checks = append(checks, check)
		}
	}
	hm.checksMutex.RUnlock()

	// Run checks concurrently
	var wg sync.WaitGroup
	for _, check := range checks {
		wg.Add(1)
		go func(c *HealthCheck) {
			defer wg.Done()
			hm.runCheck(ctx, c)
		}(check)
	}
	wg.Wait()
}

// runCheck runs a single health check
func (hm *HealthManager) runCheck(ctx context.Context, check *HealthCheck) {
	start := time.Now()

	// Create timeout context
	checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	var result HealthCheckResult

	if check.CheckFunc != nil {
		result = check.CheckFunc(checkCtx)
	} else {
		result = HealthCheckResult{
			Status:  HealthStatusUnknown,
			Message: "no check function defined",
		}
	}

	duration := time.Since(start)

	// Update check metadata
	check.LastCheck = start
	check.Duration = duration
	check.Status = result.Status
	check.Message = result.Message
	if result.Error != nil {
		check.Error = result.Error.Error()
	} else {
		check.Error = ""
	}
	if result.Metadata != nil {
		check.Metadata = result.Metadata
	}

	// Store result
	hm.resultsMutex.Lock()
	hm.results[check.Name] = result
	hm.resultsMutex.Unlock()
}

// GetHealth returns the overall health status
func (hm *HealthManager) GetHealth() SystemHealth {
	hm.checksMutex.RLock()
	hm.resultsMutex.RLock()
	defer hm.checksMutex.RUnlock()
	defer hm.resultsMutex.RUnlock()

	health := SystemHealth{
		Timestamp: time.Now(),
		Uptime:    time.Since(startTime),
		Process:   hm.getProcessMetrics(),
	}

	if hm.config.DetailedResponse {
		health.Checks = make(map[string]HealthCheck)
		for name, check := range hm.checks {
			health.Checks[name] = *check
		}
	}

	// Calculate overall status and summary
	summary := HealthSummary{}
	overallStatus := HealthStatusHealthy

	for _, check := range hm.checks {
		if !check.Enabled {
			continue
		}

		summary.Total++

		switch check.Status {
		case HealthStatusHealthy:
			summary.Healthy++
		case HealthStatusUnhealthy:
			summary.Unhealthy++
			if check.Critical {
				overallStatus = HealthStatusUnhealthy
			} else if overallStatus == HealthStatusHealthy {
				overallStatus = HealthStatusDegraded
			}
		case HealthStatusDegraded:
			summary.Degraded++
			if overallStatus == HealthStatusHealthy {
				overallStatus = HealthStatusDegraded
			}
		case HealthStatusUnknown:
			summary.Unknown++
			if overallStatus == HealthStatusHealthy {
				overallStatus = HealthStatusDegraded
			}
		}

		if check.Critical {
			summary.Critical++
		}
	}

	health.Status = overallStatus
	health.Summary = summary

	return health
}

// GetReadiness returns readiness status (for Kubernetes readiness probes)
func (hm *HealthManager) GetReadiness() SystemHealth {
	health := hm.GetHealth()

	// Readiness focuses on whether the service can serve traffic
	// We consider degraded as ready (but log it), but unhealthy as not ready
	if health.Status == HealthStatusUnhealthy {
		health.Status = HealthStatusUnhealthy
	} else {
		health.Status = HealthStatusHealthy
	}

	return health
}

// GetLiveness returns liveness status (for Kubernetes liveness probes)
func (hm *HealthManager) GetLiveness() SystemHealth {
	health := hm.GetHealth()

	// Liveness is about whether the service is alive and should be restarted
	// Only critical failures should affect liveness
	criticalFailures := false

	hm.checksMutex.RLock()
	for _, check := range hm.checks {
		if check.Critical && check.Status == HealthStatusUnhealthy {
			criticalFailures = true
			break
		}
	}
	hm.checksMutex.RUnlock()

	if criticalFailures {
		health.Status = HealthStatusUnhealthy
	} else {
		health.Status = HealthStatusHealthy
	}

	return health
}

// getProcessMetrics collects ambient Go-runtime metrics
func (hm *HealthManager) getProcessMetrics() ProcessMetrics {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	var gcStats debug.GCStats
	debug.ReadGCStats(&gcStats)

	return ProcessMetrics{
		Memory: MemoryMetrics{
			Allocated:    m.Alloc,
			TotalAlloc:   m.TotalAlloc,
			System:       m.Sys,
			NumGC:        m.NumGC,
			UsagePercent: float64(m.Alloc) / float64(m.Sys) * 100,
		},
		GoroutineCount: runtime.NumGoroutine(),
		GCStats:        gcStats,
		Uptime:         time.Since(startTime),
	}
}

// HealthHandler returns HTTP handlers for health endpoints
func (hm *HealthManager) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := hm.GetHealth()

		w.Header().Set("Content-Type", "application/json")

		if health.Status == HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else if health.Status == HealthStatusDegraded {
			w.WriteHeader(http.StatusOK) // Still serve traffic but log warnings
		} else {
			w.WriteHeader(http.StatusOK)
		}

		json.NewEncoder(w).Encode(health)
	}
}

// ReadinessHandler returns HTTP handler for readiness endpoint
func (hm *HealthManager) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := hm.GetReadiness()

		w.Header().Set("Content-Type", "application/json")

		if health.Status == HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		json.NewEncoder(w).Encode(health)
	}
}

// LivenessHandler returns HTTP handler for liveness endpoint
func (hm *HealthManager) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := hm.GetLiveness()

		w.Header().Set("Content-Type", "application/json")

		if health.Status == HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		json.NewEncoder(w).Encode(health)
	}
}

var startTime time.Time

func init() {
	startTime = time.Now()
}

// BackendHealthCheck wraps a persistence backend's reachability into a
// HealthCheck. checkFunc reports an error while the backend's breaker
// considers writes unsafe to attempt; throttlegate's only caller passes
// a closure over persistence.Snapshotter.BackendHealthy.
func BackendHealthCheck(name string, checkFunc func(ctx context.Context) error) *HealthCheck {
	return &HealthCheck{
		Name:     name,
		Critical: true,
		Enabled:  true,
		CheckFunc: func(ctx context.Context) HealthCheckResult {
			err := checkFunc(ctx)
			if err != nil {
				return HealthCheckResult{
					Status:  HealthStatusUnhealthy,
					Message: "persistence backend breaker is open, snapshot writes are being dropped",
					Error:   err,
				}
			}
			return HealthCheckResult{
				Status:  HealthStatusHealthy,
				Message: "persistence backend accepting snapshot writes",
			}
		},
	}
}

// EpochLagHealthCheck reports how far the current epoch boundary has
// drifted past now. A lag past maxLag means the periodic refill driver
// has stalled; admit's own self-heal keeps requesters moving in that
// case, but a sustained lag is worth surfacing before it compounds. lag
// returns (0, false) when epoch diagnostics are unavailable (e.g. a
// Throttler test fake with no refill clock).
func EpochLagHealthCheck(name string, maxLag time.Duration, lag func() (time.Duration, bool)) *HealthCheck {
	return &HealthCheck{
		Name:     name,
		Critical: false,
		Enabled:  true,
		CheckFunc: func(ctx context.Context) HealthCheckResult {
			d, ok := lag()
			if !ok {
				return HealthCheckResult{
					Status:  HealthStatusUnknown,
					Message: "epoch diagnostics unavailable for this throttler",
				}
			}

			metadata := map[string]interface{}{
				"lag_ms":     d.Milliseconds(),
				"max_lag_ms": maxLag.Milliseconds(),
			}

			if d > maxLag {
				return HealthCheckResult{
					Status:   HealthStatusDegraded,
					Message:  fmt.Sprintf("epoch refill overdue by %v, periodic driver may have stalled", d),
					Metadata: metadata,
				}
			}
			return HealthCheckResult{
				Status:   HealthStatusHealthy,
				Message:  fmt.Sprintf("epoch refill on schedule (lag %v)", d),
				Metadata: metadata,
			}
		},
	}
}

// PendingDebtHealthCheck reports the carried-forward debt for a priority
// tier as a multiple of its own epoch budget. A tier that is
// persistently over budget accumulates pendingBytes faster than Refill
// can drain it, which shows up here before it shows up as runaway
// request latency. debtAndBudget returns ok=false when the tier is
// disabled (zero budget) or diagnostics are unavailable.
func PendingDebtHealthCheck(name string, maxDebtEpochs float64, debtAndBudget func() (pending, budget uint64, ok bool)) *HealthCheck {
	return &HealthCheck{
		Name:     name,
		Critical: false,
		Enabled:  true,
		CheckFunc: func(ctx context.Context) HealthCheckResult {
			pending, budget, ok := debtAndBudget()
			if !ok || budget == 0 {
				return HealthCheckResult{
					Status:  HealthStatusUnknown,
					Message: "debt diagnostics unavailable or tier disabled",
				}
			}

			ratio := float64(pending) / float64(budget)
			metadata := map[string]interface{}{
				"pending_bytes": pending,
				"budget_bytes":  budget,
				"debt_epochs":   ratio,
			}

			if ratio > maxDebtEpochs {
				return HealthCheckResult{
					Status:   HealthStatusDegraded,
					Message:  fmt.Sprintf("carried-forward debt is %.1f epochs of budget", ratio),
					Metadata: metadata,
				}
			}
			return HealthCheckResult{
				Status:   HealthStatusHealthy,
				Message:  fmt.Sprintf("carried-forward debt is %.1f epochs of budget", ratio),
				Metadata: metadata,
			}
		},
	}
}

// MemoryHealthCheck creates a memory usage health check
func MemoryHealthCheck(maxUsagePercent float64) *HealthCheck {
	return &HealthCheck{
		Name:     "memory",
		Critical: false,
		Enabled:  true,
		CheckFunc: func(ctx context.Context) HealthCheckResult {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)

			usagePercent := float64(m.Alloc) / float64(m.Sys) * 100

			metadata := map[string]interface{}{
				"allocated_bytes": m.Alloc,
				"system_bytes":    m.Sys,
				"usage_percent":   usagePercent,
			}

			if usagePercent > maxUsagePercent {
				return HealthCheckResult{
					Status:   HealthStatusDegraded,
					Message:  fmt.Sprintf("high memory usage: %.2f%%", usagePercent),
					Metadata: metadata,
				}
			}

			return HealthCheckResult{
				Status:   HealthStatusHealthy,
				Message:  fmt.Sprintf("memory usage normal: %.2f%%", usagePercent),
				Metadata: metadata,
			}
		},
	}
}

// GoroutineHealthCheck creates a goroutine count health check. Every
// slow-path AsyncRequest holds a goroutine until its computed wait
// elapses, so a heavily throttled process shows up here as a high count.
func GoroutineHealthCheck(maxGoroutines int) *HealthCheck {
	return &HealthCheck{
		Name:     "goroutines",
		Critical: false,
		Enabled:  true,
		CheckFunc: func(ctx context.Context) HealthCheckResult {
			count := runtime.NumGoroutine()

			metadata := map[string]interface{}{
				"goroutine_count": count,
				"max_allowed":     maxGoroutines,
			}

			if count > maxGoroutines {
				return HealthCheckResult{
					Status:   HealthStatusDegraded,
					Message:  fmt.Sprintf("high goroutine count: %d", count),
					Metadata: metadata,
				}
			}

			return HealthCheckResult{
				Status:   HealthStatusHealthy,
				Message:  fmt.Sprintf("goroutine count normal: %d", count),
				Metadata: metadata,
			}
		},
	}
}

// CreateProcessHealthChecks creates the ambient, domain-agnostic checks
// every throttlegate process registers regardless of its persistence or
// priority configuration.
func CreateProcessHealthChecks() map[string]*HealthCheck {
	return map[string]*HealthCheck{
		"memory":     MemoryHealthCheck(80.0),
		"goroutines": GoroutineHealthCheck(10000),
	}
}

// RegisterProcessHealthChecks registers the ambient process checks with
// a manager. Throttle-specific checks (epoch lag, pending debt,
// persistence backend reachability) are registered separately by
// internal/httpapi, since they close over a particular Limiter/Throttle
// instance rather than process-wide state.
func (hm *HealthManager) RegisterProcessHealthChecks() {
	for _, check := range CreateProcessHealthChecks() {
		hm.RegisterCheck(check)
	}
}

// GetHealthSummaryString returns a human-readable health summary
func (hm *HealthManager) GetHealthSummaryString() string {
	health := hm.GetHealth()

	var status string
	switch health.Status {
	case HealthStatusHealthy:
		status = "HEALTHY"
	case HealthStatusDegraded:
		status = "DEGRADED"
	case HealthStatusUnhealthy:
		status = "UNHEALTHY"
	default:
		status = "UNKNOWN"
	}

	return fmt.Sprintf("status=%s checks=%d/%d healthy uptime=%v memory=%.1f%% goroutines=%d",
		status,
		health.Summary.Healthy,
		health.Summary.Total,
		health.Uptime.Truncate(time.Second),
		health.Process.Memory.UsagePercent,
		health.Process.GoroutineCount,
	)
}

// IsHealthy returns true if the overall system status is healthy
func (hm *HealthManager) IsHealthy() bool {
	return hm.GetHealth().Status == HealthStatusHealthy
}

// IsReady returns true if the system is ready to serve traffic
func (hm *HealthManager) IsReady() bool {
	status := hm.GetReadiness().Status
	return status == HealthStatusHealthy || status == HealthStatusDegraded
}

// IsAlive returns true if the system is alive (no critical failures)
func (hm *HealthManager) IsAlive() bool {
	status := hm.GetLiveness().Status
	return status == HealthStatusHealthy || status == HealthStatusDegraded
}

// SetCheckEnabled enables or disables a specific health check
func (hm *HealthManager) SetCheckEnabled(name string, enabled bool) {
	hm.checksMutex.Lock()
	defer hm.checksMutex.Unlock()

	if check, exists := hm.checks[name]; exists {
		check.Enabled = enabled
	}
}

// GetCheckStatus returns the current status of a specific health check
func (hm *HealthManager) GetCheckStatus(name string) (HealthStatus, bool) {
	hm.checksMutex.RLock()
	defer hm.checksMutex.RUnlock()

	if check, exists := hm.checks[name]; exists {
		return check.Status, true
	}

	return HealthStatusUnknown, false
}

// RunCheck manually triggers a single health check
func (hm *HealthManager) RunCheck(ctx context.Context, name string) (HealthCheckResult, error) {
	hm.checksMutex.RLock()
	check, exists := hm.checks[name]
	hm.checksMutex.RUnlock()

	if !exists {
		return HealthCheckResult{}, fmt.Errorf("health check '%s' not found", name)
	}

	// Create a timeout context
	checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	// Run the check
	hm.runCheck(checkCtx, check)

	// Return the result
	hm.resultsMutex.RLock()
	result, exists := hm.results[name]
	hm.resultsMutex.RUnlock()

	if exists {
		return result, nil
	}

	return HealthCheckResult{
		Status:  HealthStatusUnknown,
		Message: "check completed but no result available",
	}, nil
}

// GetFailedChecks returns a list of checks that are currently unhealthy
func (hm *HealthManager) GetFailedChecks() []string {
	hm.checksMutex.RLock()
	defer hm.checksMutex.RUnlock()

	var failed []string
	for name, check := range hm.checks {
		if check.Enabled && check.Status == HealthStatusUnhealthy {
			failed = append(failed, name)
		}
	}

	return failed
}

// GetCriticalChecks returns a list of critical checks that are currently unhealthy
func (hm *HealthManager) GetCriticalChecks() []string {
	hm.checksMutex.RLock()
	defer hm.checksMutex.RUnlock()

	var critical []string
	for name, check := range hm.checks {
		if check.Enabled && check.Critical && check.Status == HealthStatusUnhealthy {
			critical = append(critical, name)
		}
	}

	return critical
}

// WaitForHealthy waits until the system becomes healthy or the context is cancelled
func (hm *HealthManager) WaitForHealthy(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if hm.IsHealthy() {
				return nil
			}
		}
	}
}
