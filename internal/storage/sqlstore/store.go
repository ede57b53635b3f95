// Package sqlstore persists keys, refresh tokens, the access token blacklist,
// users, password credentials and the tenant directory in SQLite or MySQL.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	DriverSQLite = "sqlite3"
	DriverMySQL  = "mysql"

	dirPermissions    = 0750
	filePermissions   = 0600
	busyTimeoutMillis = 5000
	connectionTimeout = 5 * time.Second

	mysqlDuplicateEntry = 1062
)

//go:embed migrations
var migrationsFS embed.FS

// dialect holds the statements whose syntax differs between drivers.
type dialect struct {
	name             string
	upsertCredential string
	// insertIgnore starts an INSERT that skips rows violating a unique key.
	insertIgnore string
}

var dialects = map[string]dialect{
	DriverSQLite: {
		name: DriverSQLite,
		upsertCredential: `INSERT INTO password_credentials (user_id, hash, algorithm, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET hash = excluded.hash, algorithm = excluded.algorithm, updated_at = excluded.updated_at`,
		insertIgnore: "INSERT OR IGNORE",
	},
	DriverMySQL: {
		name: DriverMySQL,
		upsertCredential: `INSERT INTO password_credentials (user_id, hash, algorithm, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE hash = VALUES(hash), algorithm = VALUES(algorithm), updated_at = VALUES(updated_at)`,
		insertIgnore: "INSERT IGNORE",
	},
}

// Store is a migrated database connection shared by the repos in this package.
type Store struct {
	db      *sql.DB
	dialect dialect
	logger  zerolog.Logger
}

type StoreOption func(*Store)

func WithLogger(l zerolog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = l
	}
}

// Open connects to the database named by driver and dsn and verifies the
// connection. For sqlite3 the dsn is a file path whose directory is created
// when missing.
func Open(ctx context.Context, driver, dsn string, opts ...StoreOption) (*Store, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, errors.Errorf("[sqlstore.Open] unsupported driver %q", driver)
	}

	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		db, err = openSQLite(dsn)
	case DriverMySQL:
		db, err = openMySQL(dsn)
	}
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "[sqlstore.Open] verifying connection")
	}
	if driver == DriverSQLite {
		_ = os.Chmod(dsn, filePermissions)
	}

	s := &Store{db: db, dialect: d, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func openSQLite(file string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(file), dirPermissions); err != nil {
		return nil, errors.Wrap(err, "[sqlstore.Open] creating database directory")
	}
	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on&_journal_mode=WAL", file, busyTimeoutMillis)
	db, err := sql.Open(DriverSQLite, connStr)
	if err != nil {
		return nil, errors.Wrap(err, "[sqlstore.Open] opening sqlite")
	}
	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)
	return db, nil
}

func openMySQL(dsn string) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "[sqlstore.Open] parsing mysql dsn")
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	db, err := sql.Open(DriverMySQL, cfg.FormatDSN())
	if err != nil {
		return nil, errors.Wrap(err, "[sqlstore.Open] opening mysql")
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// Migrate applies the embedded migrations for the store's dialect that have
// not been recorded in schema_migrations. Each migration runs in its own
// transaction.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version VARCHAR(64) PRIMARY KEY,
		applied_at BIGINT NOT NULL
	)`); err != nil {
		return errors.Wrap(err, "[Store.Migrate] creating schema_migrations")
	}

	dir := path.Join("migrations", s.dialect.name)
	entries, err := fs.ReadDir(migrationsFS, dir)
	if err != nil {
		return errors.Wrap(err, "[Store.Migrate] reading migrations")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		version := strings.TrimSuffix(name, ".sql")
		var n int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&n); err != nil {
			return errors.Wrapf(err, "[Store.Migrate] checking %s", version)
		}
		if n > 0 {
			continue
		}
		script, err := fs.ReadFile(migrationsFS, path.Join(dir, name))
		if err != nil {
			return errors.Wrapf(err, "[Store.Migrate] reading %s", name)
		}
		if err := s.applyMigration(ctx, version, string(script)); err != nil {
			return err
		}
		s.logger.Info().Str("version", version).Str("driver", s.dialect.name).Msg("migration applied")
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, version, script string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrapf(err, "[Store.Migrate] begin %s", version)
	}
	defer tx.Rollback() //nolint:errcheck

	// the mysql driver runs one statement per Exec
	for _, stmt := range strings.Split(script, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "[Store.Migrate] applying %s", version)
		}
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", version, time.Now().UnixNano()); err != nil {
		return errors.Wrapf(err, "[Store.Migrate] recording %s", version)
	}
	return errors.Wrapf(tx.Commit(), "[Store.Migrate] commit %s", version)
}

// HealthCheck verifies the database answers a trivial query.
func (s *Store) HealthCheck(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return errors.Wrap(err, "[Store.HealthCheck]")
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// isUniqueViolation reports whether err is a duplicate key error from either driver.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlDuplicateEntry
	}
	return false
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func timeFromNull(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// placeholders returns "?, ?, ..." with n markers.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
