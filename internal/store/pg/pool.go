// Package pg is the Postgres-backed store.Store implementation: a
// single "duroq_jobs" table plus the leasing SQL that makes the queue
// durable across process restarts.
package pg

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

// OpenDB opens a pooled connection to Postgres using the pgx stdlib driver.
func OpenDB(dsn string) (*sqlx.DB, error) {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("pg: open: %w", err)
	}

	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(10)

	db := sqlx.NewDb(sqlDB, "pgx")
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pg: ping: %w", err)
	}

	slog.Info("duroq: postgres store connected")
	return db, nil
}
