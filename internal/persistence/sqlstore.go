package persistence

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	mysqlCreateTableSQL = `CREATE TABLE IF NOT EXISTS %s (
		captured_at DATETIME NOT NULL,
		io_type     VARCHAR(32) NOT NULL,
		op          VARCHAR(16) NOT NULL,
		bytes       BIGINT UNSIGNED NOT NULL
	)`
	mysqlInsertSQL = `INSERT INTO %s (captured_at, io_type, op, bytes) VALUES (?, ?, ?, ?)`

	postgresCreateTableSQL = `CREATE TABLE IF NOT EXISTS %s (
		captured_at TIMESTAMPTZ NOT NULL,
		io_type     TEXT NOT NULL,
		op          TEXT NOT NULL,
		bytes       BIGINT NOT NULL
	)`
	postgresInsertSQL = `INSERT INTO %s (captured_at, io_type, op, bytes) VALUES ($1, $2, $3, $4)`

	sqliteCreateTableSQL = `CREATE TABLE IF NOT EXISTS %s (
		captured_at DATETIME NOT NULL,
		io_type     TEXT NOT NULL,
		op          TEXT NOT NULL,
		bytes       INTEGER NOT NULL
	)`
	sqliteInsertSQL = `INSERT INTO %s (captured_at, io_type, op, bytes) VALUES (?, ?, ?, ?)`
)

// sqlStore backs mysql, postgres, and sqlite: all three go through
// database/sql and differ only in driver name, placeholder style, and
// schema DDL, so one implementation covers all three drivers.
type sqlStore struct {
	db         *sql.DB
	table      string
	insertStmt string
}

func newSQLStore(driverName, dsn, table string, createIfMissing bool, createDDL, insertDML string) (*sqlStore, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driverName, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driverName, err)
	}

	if createIfMissing {
		if _, err := db.Exec(fmt.Sprintf(createDDL, table)); err != nil {
			db.Close()
			return nil, fmt.Errorf("create table %s: %w", table, err)
		}
	}

	return &sqlStore{
		db:         db,
		table:      table,
		insertStmt: fmt.Sprintf(insertDML, table),
	}, nil
}

func (s *sqlStore) Write(ctx context.Context, rows []Row) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, s.insertStmt)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row.CapturedAt, row.IOType, row.Op, row.Bytes); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *sqlStore) Close() error { return s.db.Close() }
