// internal/errors/service.go - retry and backend-breaker recovery for
// the statistics persistence path.
package errors

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Breaker defaults for a persistence backend that has never been
// explicitly configured via ConfigureBreaker.
const (
	DefaultBreakerMaxFailures = 5                // trip after 5 write failures while closed
	DefaultBreakerCooldown    = 60 * time.Second // wait this long before probing again
)

// Service provides retry and backend-breaker recovery for the statistics
// persistence backend: Snapshotter's periodic writes are the only
// operation in throttlegate that can block on an external system (a
// database or the filesystem), so this is deliberately narrower than a
// general-purpose recovery framework — one Service per process, one
// breaker per configured persistence driver.
type Service struct {
	retryConfig RetryConfig
	breakers    map[string]*BackendBreaker
	mu          sync.RWMutex
}

// RetryConfig defines the exponential backoff applied to a failed
// snapshot write before it is attempted again.
type RetryConfig struct {
	MaxRetries    int           `yaml:"max_retries" json:"max_retries"`
	BaseDelay     time.Duration `yaml:"base_delay" json:"base_delay"`
	BackoffFactor float64       `yaml:"backoff_factor" json:"backoff_factor"`
	MaxDelay      time.Duration `yaml:"max_delay" json:"max_delay"`
}

// TripState is the state of a BackendBreaker.
type TripState int

const (
	StateClosed TripState = iota
	StateOpen
	StateHalfOpen
)

func (s TripState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BackendBreaker trips closed/open/half-open for a single named
// persistence backend (one per driver: mysql, postgres, sqlite,
// mongodb), so a backend that starts failing stops accepting snapshot
// writes instead of piling up blocked goroutines behind a dead
// connection.
type BackendBreaker struct {
	name    string
	config  BreakerConfig
	state   TripState

	writeFailures            int
	writeSuccesses           int
	totalAttempts            int
	slowWrites               int
	probeAttempts            int
	consecutiveHealthyWrites int

	lastFailureAt time.Time
	retryAt       time.Time
	history       []AttemptRecord

	mu sync.RWMutex
}

// AttemptRecord tracks a single snapshot-write attempt's outcome, for
// BackendBreaker.Stats.
type AttemptRecord struct {
	Timestamp time.Time
	Duration  time.Duration
	Success   bool
	Error     string
}

// BreakerConfig configures when a BackendBreaker trips and how it
// recovers.
type BreakerConfig struct {
	MaxFailures          int           `yaml:"max_failures" json:"max_failures"`
	ResetTimeout         time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
	FailureThreshold     float64       `yaml:"failure_threshold" json:"failure_threshold"`
	MinAttempts          int           `yaml:"min_attempts" json:"min_attempts"`
	MaxProbeAttempts     int           `yaml:"max_probe_attempts" json:"max_probe_attempts"`
	HealthyStreakToClose int           `yaml:"healthy_streak_to_close" json:"healthy_streak_to_close"`
	SlowWriteThreshold   time.Duration `yaml:"slow_write_threshold" json:"slow_write_threshold"`
	SlowWriteRate        float64       `yaml:"slow_write_rate" json:"slow_write_rate"`
}

// NewService creates a Service with sane defaults for guarding snapshot
// writes: three attempts, doubling backoff, capped at five minutes.
func NewService() *Service {
	return &Service{
		retryConfig: RetryConfig{
			MaxRetries:    3,
			BaseDelay:     time.Second * 2,
			BackoffFactor: 2.0,
			MaxDelay:      time.Minute * 5,
		},
		breakers: make(map[string]*BackendBreaker),
	}
}

// ExecuteWithRetry runs operation, retrying on a retryable error with
// exponential backoff, for at most retryConfig.MaxRetries attempts in
// total.
func (s *Service) ExecuteWithRetry(ctx context.Context, operation func() error, operationName string) error {
	var lastErr error
	attempts := 0

	for attempt := 0; attempt < s.retryConfig.MaxRetries; attempt++ {
		attempts++
		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if !s.shouldRetry(err, attempt) {
			break
		}

		delay := s.calculateDelay(attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
			continue
		}
	}

	return fmt.Errorf("operation %s failed after %d attempts: %w", operationName, attempts, lastErr)
}

// ExecuteWithBreaker guards operation behind both the named backend's
// breaker and the retry loop: a write is only attempted while the
// breaker is closed or half-open (probing), and each attempt's outcome
// is recorded against the breaker so a backend that keeps failing stops
// generating load on it.
func (s *Service) ExecuteWithBreaker(ctx context.Context, backendName string, operation func() error) error {
	b := s.getOrCreateBreaker(backendName)
	if !b.Allow() {
		return fmt.Errorf("breaker open for backend %s: unreachable or failing writes", backendName)
	}

	var lastErr error
	for attempt := 0; attempt < s.retryConfig.MaxRetries; attempt++ {
		start := time.Now()
		err := operation()
		duration := time.Since(start)

		if err == nil {
			b.RecordSuccess(duration)
			return nil
		}
		lastErr = err
		if b.Allow() {
			b.RecordFailure(err, duration)
		}

		if !s.shouldRetry(err, attempt) || b.State() == StateOpen {
			break
		}

		delay := s.calculateDelay(attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
			continue
		}
	}

	return fmt.Errorf("persistence write to %s failed after retries: %w", backendName, lastErr)
}

// ConfigureBreaker installs a non-default BreakerConfig for backendName,
// replacing any breaker already created for it.
func (s *Service) ConfigureBreaker(backendName string, config BreakerConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fillBreakerDefaults(&config)

	s.breakers[backendName] = &BackendBreaker{
		name:    backendName,
		config:  config,
		state:   StateClosed,
		history: make([]AttemptRecord, 0),
	}
}

func fillBreakerDefaults(config *BreakerConfig) {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 0.5
	}
	if config.MinAttempts == 0 {
		config.MinAttempts = 10
	}
	if config.MaxProbeAttempts == 0 {
		config.MaxProbeAttempts = 3
	}
	if config.HealthyStreakToClose == 0 {
		config.HealthyStreakToClose = 1
	}
}

func (s *Service) getOrCreateBreaker(backendName string) *BackendBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.breakers[backendName]; ok {
		return b
	}

	b := &BackendBreaker{
		name: backendName,
		config: BreakerConfig{
			MaxFailures:          DefaultBreakerMaxFailures,
			ResetTimeout:         DefaultBreakerCooldown,
			FailureThreshold:     0.5,
			MinAttempts:          10,
			MaxProbeAttempts:     3,
			HealthyStreakToClose: 2,
			SlowWriteThreshold:   10 * time.Second,
			SlowWriteRate:        0.3,
		},
		state:   StateClosed,
		history: make([]AttemptRecord, 0),
	}
	s.breakers[backendName] = b
	return b
}

// BreakerState reports the current trip state of backendName's breaker,
// or StateClosed if one has never been created (nothing has failed
// yet).
func (s *Service) BreakerState(backendName string) TripState {
	s.mu.RLock()
	b, ok := s.breakers[backendName]
	s.mu.RUnlock()
	if !ok {
		return StateClosed
	}
	return b.State()
}

// calculateDelay returns the exponential backoff delay for a retry
// attempt, capped at retryConfig.MaxDelay.
func (s *Service) calculateDelay(attempt int) time.Duration {
	delay := float64(s.retryConfig.BaseDelay)
	for i := 0; i < attempt; i++ {
		delay *= s.retryConfig.BackoffFactor
	}
	d := time.Duration(delay)
	if s.retryConfig.MaxDelay > 0 && d > s.retryConfig.MaxDelay {
		return s.retryConfig.MaxDelay
	}
	return d
}

// shouldRetry classifies err by substring match against known transient
// failure modes for storage backends: connection drops, timeouts, and
// resource exhaustion are worth a retry; anything else (bad DSN, syntax
// error, constraint violation) is not.
func (s *Service) shouldRetry(err error, attempt int) bool {
	if attempt >= s.retryConfig.MaxRetries-1 {
		return false
	}
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	retryable := []string{
		"connection refused", "no such host", "connection reset", "eof",
		"timeout", "deadline exceeded",
		"too many connections", "resource exhausted", "server has gone away",
		"temporary", "service unavailable",
	}
	for _, substr := range retryable {
		if strings.Contains(errStr, substr) {
			return true
		}
	}
	return false
}

// Allow reports whether a snapshot write should be attempted right now,
// advancing the breaker's trip state as a side effect: an open breaker
// moves to half-open once its cooldown has elapsed, admitting up to
// MaxProbeAttempts probe writes.
func (b *BackendBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()

	switch b.state {
	case StateClosed:
		if b.tripConditionMet() {
			b.trip(now)
			return false
		}
		return true
	case StateOpen:
		if now.After(b.retryAt) {
			b.state = StateHalfOpen
			b.probeAttempts = 0
			b.consecutiveHealthyWrites = 0
			return true
		}
		return false
	case StateHalfOpen:
		return b.probeAttempts < b.config.MaxProbeAttempts
	default:
		return false
	}
}

// tripConditionMet evaluates the three independent reasons a closed
// breaker flips open: a flat failure count, a failure rate once enough
// attempts have accumulated, or a backend that is technically
// succeeding but too slow to be worth waiting on.
func (b *BackendBreaker) tripConditionMet() bool {
	if b.config.MaxFailures > 0 && b.writeFailures >= b.config.MaxFailures {
		return true
	}
	if b.config.MaxFailures == 0 && b.totalAttempts >= b.config.MinAttempts {
		if float64(b.writeFailures)/float64(b.totalAttempts) >= b.config.FailureThreshold {
			return true
		}
	}
	if b.config.SlowWriteThreshold > 0 && b.config.SlowWriteRate > 0 && b.totalAttempts > 0 {
		if float64(b.slowWrites)/float64(b.totalAttempts) >= b.config.SlowWriteRate {
			return true
		}
	}
	return false
}

func (b *BackendBreaker) trip(now time.Time) {
	b.state = StateOpen
	b.retryAt = now.Add(b.config.ResetTimeout)
}

// RecordSuccess records a successful snapshot write and its duration,
// closing the breaker once enough consecutive successes have
// accumulated during a half-open probe.
func (b *BackendBreaker) RecordSuccess(duration time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalAttempts++
	b.writeSuccesses++
	b.addAttempt(AttemptRecord{Timestamp: time.Now(), Duration: duration, Success: true})

	if b.config.SlowWriteThreshold > 0 && duration > b.config.SlowWriteThreshold {
		b.slowWrites++
	}

	switch b.state {
	case StateHalfOpen:
		b.probeAttempts++
		b.consecutiveHealthyWrites++
		if b.consecutiveHealthyWrites >= b.config.HealthyStreakToClose {
			b.state = StateClosed
			b.resetCounters()
		}
	case StateClosed:
		b.consecutiveHealthyWrites++
	}
}

// RecordFailure records a failed snapshot write and its error,
// re-opening the breaker immediately on a failed probe, or tripping it
// from closed once the failure condition is met.
func (b *BackendBreaker) RecordFailure(err error, duration time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.totalAttempts++
	b.writeFailures++
	b.lastFailureAt = now
	b.consecutiveHealthyWrites = 0

	errStr := ""
	if err != nil {
		errStr = err.Error()
	}
	b.addAttempt(AttemptRecord{Timestamp: now, Duration: duration, Success: false, Error: errStr})

	switch b.state {
	case StateHalfOpen:
		b.trip(now)
	case StateClosed:
		if b.tripConditionMet() {
			b.trip(now)
		}
	}
}

func (b *BackendBreaker) addAttempt(record AttemptRecord) {
	b.history = append(b.history, record)
	const maxHistory = 100
	if len(b.history) > maxHistory {
		b.history = b.history[len(b.history)-maxHistory:]
	}
}

func (b *BackendBreaker) resetCounters() {
	b.writeFailures = 0
	b.slowWrites = 0
	b.probeAttempts = 0
	b.consecutiveHealthyWrites = 0
}

// State returns the breaker's current trip state.
func (b *BackendBreaker) State() TripState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Stats returns a snapshot of the breaker's counters, useful for the
// admin API's /v1/stats endpoint.
func (b *BackendBreaker) Stats() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var failureRate float64
	if b.totalAttempts > 0 {
		failureRate = float64(b.writeFailures) / float64(b.totalAttempts)
	}

	return map[string]interface{}{
		"name":         b.name,
		"state":        b.state.String(),
		"total_calls":  b.totalAttempts,
		"failures":     b.writeFailures,
		"successes":    b.writeSuccesses,
		"failure_rate": failureRate,
	}
}
