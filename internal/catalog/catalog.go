// Package catalog dials the relational catalog (spec.md §6's "catalog
// DSN") the Series Registry and IOC discovery log are queried through.
// Grounded on internal/repository/dbConnection.go's driver dispatch and
// sqlhooks.Wrap(sqlite3) query-logging idiom; daqingest supports the same
// two drivers for the same reasons -- sqlite3 for tests and single-node
// deployments, postgres (this module's PostgreSQL-style catalog) for
// production.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/qustavo/sqlhooks/v2"

	"github.com/dominikwerder/daqingest/pkg/log"
)

// Connect dials driver (one of "postgres", "sqlite3") at dsn. The
// placeholder format a caller must use with squirrel depends on the
// driver; PlaceholderFormat reports it.
func Connect(driver, dsn string) (*sqlx.DB, error) {
	switch driver {
	case "sqlite3":
		sql.Register("sqlite3WithHooks", sqlhooks.Wrap(&sqlite3.SQLiteDriver{}, &queryHooks{}))
		db, err := sqlx.Open("sqlite3WithHooks", fmt.Sprintf("%s?_foreign_keys=on", dsn))
		if err != nil {
			return nil, fmt.Errorf("catalog: open sqlite3: %w", err)
		}
		// sqlite3 does not multithread; more than one connection just means
		// waiting on locks.
		db.SetMaxOpenConns(1)
		return db, nil
	case "postgres":
		db, err := sqlx.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("catalog: open postgres: %w", err)
		}
		db.SetConnMaxLifetime(3 * time.Minute)
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		return db, nil
	default:
		return nil, fmt.Errorf("catalog: unsupported driver %q", driver)
	}
}

// PlaceholderFormat returns the squirrel placeholder style matching
// driver, so callers can call series.Registry.SetPlaceholderFormat
// correctly for non-Postgres catalogs (series.New defaults to '$N').
func PlaceholderFormat(driver string) sq.PlaceholderFormat {
	if driver == "sqlite3" {
		return sq.Question
	}
	return sq.Dollar
}

// queryHooks satisfies sqlhooks.Hooks, logging every catalog query at
// debug level with its elapsed time.
type queryHooks struct{}

func (h *queryHooks) Before(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	log.Debugf("catalog: query %s %q", query, args)
	return context.WithValue(ctx, ctxBeginKey{}, time.Now()), nil
}

func (h *queryHooks) After(ctx context.Context, query string, args ...interface{}) (context.Context, error) {
	if begin, ok := ctx.Value(ctxBeginKey{}).(time.Time); ok {
		log.Debugf("catalog: query took %s", time.Since(begin))
	}
	return ctx, nil
}

type ctxBeginKey struct{}
