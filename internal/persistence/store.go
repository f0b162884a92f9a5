// Package persistence periodically snapshots the statistics sink to a
// configured backend (mysql, postgres, sqlite, or mongodb), guarded by
// the retry/circuit-breaker Service in internal/errors so a slow or
// unreachable backend never blocks the throttle's hot path.
package persistence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	throttleerrors "github.com/flowctl/throttlegate/internal/errors"
	"github.com/flowctl/throttlegate/internal/stats"
)

// Row is one persisted statistics sample: the admitted byte total for a
// single (io_type, op) pair at the moment of the snapshot.
type Row struct {
	CapturedAt time.Time
	IOType     string
	Op         string
	Bytes      uint64
}

// Store persists a batch of Rows. Implementations are expected to
// upsert-or-append; throttlegate never reads its own snapshots back.
type Store interface {
	Write(ctx context.Context, rows []Row) error
	Close() error
}

// Driver names accepted in config.PersistenceConfig.Driver.
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMongoDB  = "mongodb"
)

// snapshotWriteOp names the single breaker every Snapshotter guards its
// writes behind, regardless of which driver backs it.
const snapshotWriteOp = "persistence_write"

// Open constructs the Store for the named driver. table defaults to
// "throttlegate_stats" when empty.
func Open(driver, dsn, table string, createIfMissing bool) (Store, error) {
	if table == "" {
		table = "throttlegate_stats"
	}
	switch driver {
	case DriverMySQL:
		return newSQLStore("mysql", dsn, table, createIfMissing, mysqlCreateTableSQL, mysqlInsertSQL)
	case DriverPostgres:
		return newSQLStore("postgres", dsn, table, createIfMissing, postgresCreateTableSQL, postgresInsertSQL)
	case DriverSQLite:
		return newSQLStore("sqlite3", dsn, table, createIfMissing, sqliteCreateTableSQL, sqliteInsertSQL)
	case DriverMongoDB:
		return newMongoStore(dsn, table)
	default:
		return nil, fmt.Errorf("persistence: unknown driver %q", driver)
	}
}

// Snapshotter periodically drains a statistics sink into a Store.
type Snapshotter struct {
	sink     *stats.Sink
	store    Store
	interval time.Duration
	recovery *throttleerrors.Service
	log      *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewSnapshotter wires sink to store, writing every interval.
func NewSnapshotter(sink *stats.Sink, store Store, interval time.Duration) *Snapshotter {
	return &Snapshotter{
		sink:     sink,
		store:    store,
		interval: interval,
		recovery: throttleerrors.NewService(),
		log:      slog.Default(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the snapshot loop in its own goroutine until Stop is called.
func (s *Snapshotter) Start() {
	go s.loop()
}

func (s *Snapshotter) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.snapshotOnce(now)
		}
	}
}

func (s *Snapshotter) snapshotOnce(now time.Time) {
	snaps := s.sink.FetchAll()
	if len(snaps) == 0 {
		return
	}
	rows := make([]Row, len(snaps))
	for i, snap := range snaps {
		rows[i] = Row{
			CapturedAt: now,
			IOType:     snap.Type.String(),
			Op:         snap.Op.String(),
			Bytes:      snap.Bytes,
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.recovery.ExecuteWithBreaker(ctx, snapshotWriteOp, func() error {
		return s.store.Write(ctx, rows)
	})
	if err != nil {
		s.log.Warn("statistics snapshot write failed", "error", err)
	}
}

// Stop halts the snapshot loop and blocks until it exits.
func (s *Snapshotter) Stop() {
	close(s.stop)
	<-s.done
}

// BackendHealthy reports whether snapshot writes are currently
// succeeding: false while the backend's breaker is open, which means
// writes are being dropped rather than attempted.
func (s *Snapshotter) BackendHealthy() bool {
	return s.recovery.BreakerState(snapshotWriteOp) != throttleerrors.StateOpen
}
