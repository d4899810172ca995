// Package tsdb persists market data and trading records to TimescaleDB.
//
// Time-series tables (order books, trades, tickers, footprints) are written
// with idempotent upserts keyed on their natural identity, so at-least-once
// bus delivery never duplicates rows. Trading tables (orders, transactions,
// strategies, exchange configs) back the execution and strategy layers.
//
// Every write runs through withRetry, which retries connection-class
// failures a bounded number of times before surfacing the error to the
// caller (and, for bus consumers, back to the broker for redelivery).
package tsdb

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"tickflow/internal/config"
	"tickflow/internal/metrics"
)

const (
	maxRetries   = 3
	retryBackoff = 100 * time.Millisecond
)

// Store wraps the TimescaleDB connection pool.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, cfg config.TSDBConfig, logger *slog.Logger) (*Store, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open tsdb: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping tsdb: %w", err)
	}

	s := &Store{db: db, logger: logger.With("component", "tsdb")}
	s.logger.Info("tsdb connected",
		"max_open_conns", cfg.MaxOpenConns,
		"max_idle_conns", cfg.MaxIdleConns,
	)
	return s, nil
}

// Close shuts the connection pool down.
func (s *Store) Close() error {
	return s.db.Close()
}

// withRetry runs fn up to maxRetries times, backing off linearly between
// attempts. Only connection-class failures are retried; constraint
// violations and other logic errors surface immediately.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !retryableDBError(err) {
			return fmt.Errorf("%s: %w", op, err)
		}
		metrics.StoreRetries.Inc()
		if attempt < maxRetries {
			s.logger.Warn("retrying store operation",
				"op", op,
				"attempt", attempt,
				"error", err,
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * retryBackoff):
			}
		}
	}
	return fmt.Errorf("%s: retries exhausted: %w", op, err)
}

// retryableDBError reports whether err looks like a transient database
// failure worth another attempt.
func retryableDBError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		switch {
		case strings.HasPrefix(code, "08"): // connection exceptions
			return true
		case code == "40001" || code == "40P01": // serialization failure, deadlock
			return true
		case code == "53300" || code == "57P03": // too many connections, starting up
			return true
		}
	}
	return false
}
