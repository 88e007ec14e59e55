// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package sqlstore implements the record store and the relational adapter on
// SQLite (modernc.org/sqlite) or Postgres (pgx).
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/poiesic/kgraph/core"
	"github.com/poiesic/kgraph/storage"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and tunes the SQL database.
type Config struct {
	Driver       string
	DSN          string
	MaxOpenConns int
	// Registerer receives database connection pool metrics when set.
	Registerer prometheus.Registerer
	Logger     *slog.Logger
	Caller     *storage.Caller
}

// Store is the record store: users, roles, datasets, data, runs, access
// control entries, and the relational copy of every DataPoint and Edge.
// It is safe for concurrent use.
type Store struct {
	db        *sql.DB
	stbl      sq.StatementBuilderType
	driver    string
	caller    *storage.Caller
	logger    *slog.Logger
	collector prometheus.Collector
	reg       prometheus.Registerer
}

// Open connects to the database described by cfg and applies migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sqlstore", "driver", cfg.Driver)

	var (
		db  *sql.DB
		err error
		ph  sq.PlaceholderFormat
	)
	switch cfg.Driver {
	case DriverSQLite, "":
		cfg.Driver = DriverSQLite
		dsn, perr := PrepareDSN(cfg.DSN)
		if perr != nil {
			return nil, perr
		}
		db, err = sql.Open("sqlite", dsn)
		ph = sq.Question
	case DriverPostgres:
		db, err = sql.Open("pgx", cfg.DSN)
		ph = sq.Dollar
	default:
		return nil, fmt.Errorf("%w: unknown sql driver %q", storage.ErrInvalidQuery, cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("initialize %s connection: %w", cfg.Driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	caller := cfg.Caller
	if caller == nil {
		caller = storage.NewCaller("sql", storage.WithTransient(IsTransient), storage.WithCallerLogger(logger))
	}

	s := &Store{
		db:     db,
		stbl:   sq.StatementBuilder.PlaceholderFormat(ph).RunWith(db),
		driver: cfg.Driver,
		caller: caller,
		logger: logger,
		reg:    cfg.Registerer,
	}

	if err := Migrate(ctx, db, cfg.Driver); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.Registerer != nil {
		s.collector = collectors.NewDBStatsCollector(db, "kgraph")
		if err := cfg.Registerer.Register(s.collector); err != nil {
			db.Close()
			return nil, fmt.Errorf("initialize metrics: %w", err)
		}
	}

	return s, nil
}

// Close releases the database connection pool.
func (s *Store) Close() error {
	if s.collector != nil && s.reg != nil {
		s.reg.Unregister(s.collector)
	}
	return s.db.Close()
}

// Driver returns the configured driver name.
func (s *Store) Driver() string {
	return s.driver
}

// withTx runs fn in a transaction, committing when fn returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx, stbl sq.StatementBuilderType) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return HandleSQLError(err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := fn(tx, s.stbl.RunWith(tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return HandleSQLError(err)
	}
	return nil
}

// PrepareDSN sets SQLite defaults for journal mode, busy timeout, foreign key
// enforcement and transaction locking unless the DSN specifies them.
func PrepareDSN(uri string) (string, error) {
	query := url.Values{}
	var err error

	if i := strings.Index(uri, "?"); i != -1 {
		query, err = url.ParseQuery(uri[i+1:])
		if err != nil {
			return uri, fmt.Errorf("error parsing dsn: %w", err)
		}
		uri = uri[:i]
	}

	foundJournalMode := false
	foundBusyTimeout := false
	foundForeignKeys := false
	for _, val := range query["_pragma"] {
		switch {
		case strings.HasPrefix(val, "journal_mode"):
			foundJournalMode = true
		case strings.HasPrefix(val, "busy_timeout"):
			foundBusyTimeout = true
		case strings.HasPrefix(val, "foreign_keys"):
			foundForeignKeys = true
		}
	}

	if !foundJournalMode {
		query.Add("_pragma", "journal_mode(WAL)")
	}
	if !foundBusyTimeout {
		query.Add("_pragma", "busy_timeout(5000)")
	}
	if !foundForeignKeys {
		query.Add("_pragma", "foreign_keys(1)")
	}
	if !query.Has("_txlock") {
		query.Set("_txlock", "immediate")
	}

	return uri + "?" + query.Encode(), nil
}

// HandleSQLError maps driver errors onto storage errors.
func HandleSQLError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code()&0xFF == sqlite3.SQLITE_CONSTRAINT {
			return fmt.Errorf("%w: %w", storage.ErrDuplicateKey, err)
		}
		if isBusyCode(sqliteErr.Code()) {
			return fmt.Errorf("%w: %w", storage.ErrTransient, err)
		}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "23503":
			return fmt.Errorf("%w: %w", storage.ErrDuplicateKey, err)
		case "40001", "40P01", "57P03":
			return fmt.Errorf("%w: %w", storage.ErrTransient, err)
		}
	}

	return fmt.Errorf("sql error: %w", err)
}

// IsTransient classifies SQL errors for retry.
func IsTransient(err error) bool {
	if storage.IsTransient(err) {
		return true
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return isBusyCode(sqliteErr.Code())
	}
	return errors.Is(err, sql.ErrConnDone)
}

var busyErrors = map[int]struct{}{
	sqlite3.SQLITE_BUSY_RECOVERY:      {},
	sqlite3.SQLITE_BUSY_SNAPSHOT:      {},
	sqlite3.SQLITE_BUSY_TIMEOUT:       {},
	sqlite3.SQLITE_BUSY:               {},
	sqlite3.SQLITE_LOCKED_SHAREDCACHE: {},
	sqlite3.SQLITE_LOCKED:             {},
}

func isBusyCode(code int) bool {
	_, ok := busyErrors[code]
	return ok
}

func toMicro(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func fromMicro(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMicro(v).UTC()
}

func idStrings(ids []core.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// scanID parses a TEXT id column.
func scanID(s string) (core.ID, error) {
	id, err := core.ParseID(s)
	if err != nil {
		return id, fmt.Errorf("%w: bad id %q: %w", storage.ErrSerializationFailed, s, err)
	}
	return id, nil
}

func now() time.Time {
	return time.Now().UTC()
}
