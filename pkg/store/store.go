/*
Copyright 2025 The Jarvis Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package store provides durable persistence for attempts, patterns, host
// status, suppressions, maintenance windows, and self-restart handoffs over
// PostgreSQL.
//
// Every method maps connection-level failures to ErrStoreUnavailable so the
// pipeline can fall back to the in-memory queue (degraded mode) without
// inspecting driver internals.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"embed"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-logr/logr"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrStoreUnavailable indicates the database connection is lost.
	// Pipeline interprets this as degraded mode and defers to the Queue.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrHandoffConflict indicates a pending or in-progress handoff already
	// exists. At most one handoff may be active at a time.
	ErrHandoffConflict = errors.New("active handoff already exists")
)

// connectDelays is the startup backoff schedule. It accommodates a database
// container that is initializing alongside the service.
var connectDelays = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
	30 * time.Second,
}

const connectAttempts = 10

// Store is the PostgreSQL-backed persistence layer.
type Store struct {
	db      *sqlx.DB
	logger  logr.Logger
	healthy atomic.Bool
}

// Connect opens the database, waits for it to become reachable using
// exponential backoff (1,2,4,8,16,30s; up to 10 attempts), and applies the
// embedded schema migrations.
func Connect(ctx context.Context, databaseURL string, logger logr.Logger) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	err = retry.Do(
		func() error { return db.PingContext(ctx) },
		retry.Context(ctx),
		retry.Attempts(connectAttempts),
		retry.LastErrorOnly(true),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			if int(n) < len(connectDelays) {
				return connectDelays[n]
			}
			return connectDelays[len(connectDelays)-1]
		}),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("database not ready, retrying",
				"attempt", n+1,
				"maxAttempts", connectAttempts,
				"error", err.Error(),
			)
		}),
	)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if err := applyMigrations(db, logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:     sqlx.NewDb(db, "pgx"),
		logger: logger,
	}
	s.healthy.Store(true)

	logger.Info("database connection established")
	return s, nil
}

// NewWithDB wraps an existing connection. Used by tests with sqlmock.
func NewWithDB(db *sql.DB, logger logr.Logger) *Store {
	s := &Store{
		db:     sqlx.NewDb(db, "pgx"),
		logger: logger,
	}
	s.healthy.Store(true)
	return s
}

func applyMigrations(db *sql.DB, logger logr.Logger) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	logger.V(1).Info("schema migrations applied")
	return nil
}

// Healthy reports whether the last database operation succeeded.
func (s *Store) Healthy() bool {
	return s.healthy.Load()
}

// Ping probes the database and updates health state. The queue drainer uses
// this to decide when to replay deferred alerts.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		s.healthy.Store(false)
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	s.healthy.Store(true)
	return nil
}

// Close releases the database pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// wrap classifies a database error: connection-level failures become
// ErrStoreUnavailable (and flip health), sql.ErrNoRows becomes ErrNotFound,
// everything else passes through wrapped.
func (s *Store) wrap(op string, err error) error {
	if err == nil {
		s.healthy.Store(true)
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if isConnectionError(err) {
		s.healthy.Store(false)
		return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isConnectionError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exception. 57P01-57P03: server shutdown.
		if strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P") {
			return true
		}
	}
	return pgconn.Timeout(err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
