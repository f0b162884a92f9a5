// Package throttle is throttlegate's public API: a thin re-export of the
// internal types plus a Client that wires a throttle, a limiter façade,
// and (optionally) statistics persistence and the admin HTTP API into
// one process-embeddable unit.
package throttle

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/flowctl/throttlegate/internal/config"
	"github.com/flowctl/throttlegate/internal/globalthrottle"
	"github.com/flowctl/throttlegate/internal/httpapi"
	"github.com/flowctl/throttlegate/internal/limiter"
	"github.com/flowctl/throttlegate/internal/monitoring"
	"github.com/flowctl/throttlegate/internal/persistence"
	"github.com/flowctl/throttlegate/internal/priority"
	"github.com/flowctl/throttlegate/internal/stats"
	"github.com/flowctl/throttlegate/internal/throttle"
)

// Re-exported types so callers depend only on this package.
type (
	Priority = priority.Priority
	IOType   = priority.IOType
	IOOp     = priority.IOOp
	Config   = config.Config
	Snapshot = stats.Snapshot
)

const (
	Low    = priority.Low
	Medium = priority.Medium
	High   = priority.High

	Read  = priority.Read
	Write = priority.Write

	ForegroundWrite = priority.ForegroundWrite
	Compaction      = priority.Compaction
	Flush           = priority.Flush
	Import          = priority.Import
	WAL             = priority.WAL
	Checkpoint      = priority.Checkpoint
)

// Client bundles everything a process needs to participate in
// throttlegate's I/O accounting: the epoch engine, the priority façade,
// an optional statistics persistence loop, and an optional admin API.
type Client struct {
	Limiter *limiter.Limiter

	driver      *globalthrottle.Driver
	snapshotter *persistence.Snapshotter
	admin       *http.Server
	adminAPI    *httpapi.Server
	metrics     *monitoring.Metrics
}

// New constructs a Client from cfg. Persistence and the admin API are
// started only when cfg enables them (Persistence.Driver / Admin.ListenAddress
// non-empty); Close tears down whichever of those were started.
func New(cfg *config.Config) (*Client, error) {
	m := monitoring.New(monitoring.Config{})
	th := throttle.New(cfg.EpochPeriodOrDefault(), m.Observer())
	th.SetBytesPerSecond(cfg.BytesPerSecond)

	opts := []limiter.Option{}
	if cfg.EnableStatistics {
		opts = append(opts, limiter.WithStatistics())
	}
	l := limiter.New(th, opts...)

	for ioTypeStr, priorityStr := range cfg.PriorityMap {
		t, err := priority.ParseIOType(ioTypeStr)
		if err != nil {
			return nil, fmt.Errorf("priority_map: %w", err)
		}
		p, err := priority.ParsePriority(priorityStr)
		if err != nil {
			return nil, fmt.Errorf("priority_map: %w", err)
		}
		l.SetIOPriority(t, p)
	}

	globalthrottle.Set(&globalthrottle.Handle{Limiter: l, Refill: th})
	driver := globalthrottle.NewDriver(cfg.EpochPeriodOrDefault())
	driver.Start()

	c := &Client{Limiter: l, metrics: m, driver: driver}

	if cfg.Persistence.Driver != "" {
		store, err := persistence.Open(cfg.Persistence.Driver, cfg.Persistence.DSN, cfg.Persistence.Table, cfg.Persistence.CreateIfMissing)
		if err != nil {
			return nil, fmt.Errorf("open persistence store: %w", err)
		}
		c.snapshotter = persistence.NewSnapshotter(l.Statistics(), store, cfg.PersistenceIntervalOrDefault())
		c.snapshotter.Start()
	}

	if cfg.Admin.ListenAddress != "" {
		rps := cfg.Admin.RequestsPerSecond
		if rps == 0 {
			rps = config.DefaultAdminRequestsPerSecond
		}
		burst := cfg.Admin.Burst
		if burst == 0 {
			burst = config.DefaultAdminBurst
		}
		server := httpapi.New(l, m, rps, burst)
		c.adminAPI = server
		if c.snapshotter != nil {
			server.RegisterHealthCheck(persistenceHealthCheck(c.snapshotter))
		}
		c.admin = &http.Server{
			Addr:              cfg.Admin.ListenAddress,
			Handler:           server.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go c.admin.ListenAndServe()
	}

	return c, nil
}

// Request throttles a write of bytes for ioType, blocking the caller's
// goroutine until admitted; reads pass through unthrottled.
func (c *Client) Request(ioType IOType, op IOOp, bytes uint64) uint64 {
	return c.Limiter.Request(ioType, op, bytes)
}

// AsyncRequest is the non-blocking counterpart of Request.
func (c *Client) AsyncRequest(ioType IOType, op IOOp, bytes uint64) <-chan uint64 {
	return c.Limiter.AsyncRequest(ioType, op, bytes)
}

// Close stops the refill driver, the optional persistence loop, and the
// optional admin server, and clears the process-wide handle.
func (c *Client) Close() error {
	if c.driver != nil {
		c.driver.Stop()
	}
	globalthrottle.Set(nil)
	if c.snapshotter != nil {
		c.snapshotter.Stop()
	}
	if c.adminAPI != nil {
		c.adminAPI.Close()
	}
	if c.admin != nil {
		return c.admin.Close()
	}
	return nil
}

// persistenceHealthCheck reports unhealthy while snap's backend breaker
// is open, so the admin API's /healthz reflects a persistence backend
// that has stopped accepting snapshot writes.
func persistenceHealthCheck(snap *persistence.Snapshotter) *monitoring.HealthCheck {
	return monitoring.BackendHealthCheck("persistence_backend", func(ctx context.Context) error {
		if !snap.BackendHealthy() {
			return fmt.Errorf("persistence backend breaker is open")
		}
		return nil
	})
}
