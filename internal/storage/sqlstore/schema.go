package sqlstore

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var schemas = map[string][]string{
	DriverPostgres: {
		`CREATE TABLE IF NOT EXISTS events (
			id          TEXT PRIMARY KEY,
			title       VARCHAR(255) NOT NULL,
			description TEXT,
			channel     VARCHAR(128) NOT NULL,
			message_id  BIGINT NOT NULL,
			event_time  TIMESTAMP,
			media_urls  TEXT NOT NULL DEFAULT '[]',
			location    VARCHAR(255),
			price       VARCHAR(128),
			category    VARCHAR(128),
			source_link VARCHAR(512),
			created_at  TIMESTAMP NOT NULL,
			CONSTRAINT uq_channel_message UNIQUE (channel, message_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_created_at ON events (created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_events_channel_created_at ON events (channel, created_at DESC)`,
	},
	DriverSQLite: {
		`CREATE TABLE IF NOT EXISTS events (
			id          TEXT PRIMARY KEY,
			title       TEXT NOT NULL,
			description TEXT,
			channel     TEXT NOT NULL,
			message_id  INTEGER NOT NULL,
			event_time  DATETIME,
			media_urls  TEXT NOT NULL DEFAULT '[]',
			location    TEXT,
			price       TEXT,
			category    TEXT,
			source_link TEXT,
			created_at  DATETIME NOT NULL,
			CONSTRAINT uq_channel_message UNIQUE (channel, message_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_created_at ON events (created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_events_channel_created_at ON events (channel, created_at DESC)`,
	},
}

// Open connects to the database. SQLite is limited to one connection so
// writers queue instead of failing with SQLITE_BUSY.
func Open(ctx context.Context, driver, dsn string) (*sqlx.DB, error) {
	if _, ok := schemas[driver]; !ok {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate creates the events table and its indexes when absent.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	statements, ok := schemas[db.DriverName()]
	if !ok {
		return fmt.Errorf("unsupported database driver %q", db.DriverName())
	}

	return NewTransactionManager(db).WithTransaction(ctx, func(txCtx context.Context) error {
		exec := GetExecutor(txCtx, db)
		for _, stmt := range statements {
			if _, err := exec.ExecContext(txCtx, stmt); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		return nil
	})
}
