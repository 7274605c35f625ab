package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"

	"plannersync/internal/models"
)

const (
	DriverSQLite = "sqlite3"
	DriverMySQL  = "mysql"
)

var (
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrStoreUnavailable    = errors.New("appointment store unavailable")
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository is the set of operations available inside a transaction.
type Repository interface {
	ListAppointments(ctx context.Context, userID int64) ([]models.Appointment, error)
	ListTombstones(ctx context.Context, userID int64) ([]models.Tombstone, error)
	GetAppointmentByExternalID(ctx context.Context, userID int64, externalID string) (*models.Appointment, error)
	InsertAppointment(ctx context.Context, a *models.Appointment) error
	UpdateSyncedFields(ctx context.Context, a *models.Appointment) error
	DeleteByExternalID(ctx context.Context, userID int64, externalID string) (int64, error)
	InsertTombstone(ctx context.Context, t *models.Tombstone) error
	AddHistory(ctx context.Context, h *models.HistoryEntry) error
}

// Store persists appointments, tombstones and appointment history.
type Store struct {
	queries
	db     *sql.DB
	driver string
}

// Open connects to the database and applies migrations. driver is either
// "sqlite3" or "mysql"; MySQL DSNs always get parseTime=true.
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite:
		if dir := sqliteDir(dsn); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
	case DriverMySQL:
		var err error
		if dsn, err = mysqlDSN(dsn); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	s, err := New(db, driver)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// mysqlDSN turns on parseTime, which the DATETIME columns rely on.
func mysqlDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}

// New wraps an existing connection pool and applies migrations.
func New(db *sql.DB, driver string) (*Store, error) {
	switch driver {
	case DriverSQLite:
		// One connection serializes writers and keeps :memory: databases intact.
		db.SetMaxOpenConns(1)
	case DriverMySQL:
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Store{queries: queries{q: db}, db: db, driver: driver}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable. Failures wrap ErrStoreUnavailable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// WithTx runs fn inside a single transaction. The transaction is committed
// when fn returns nil and rolled back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(Repository) error) error {
	return s.withTx(ctx, func(q *queries) error { return fn(q) })
}

func (s *Store) withTx(ctx context.Context, fn func(*queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&queries{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) migrate() error {
	migrations := sqliteMigrations
	if s.driver == DriverMySQL {
		migrations = mysqlMigrations
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			// Ignore "duplicate column" errors for ALTER TABLE
			if !strings.Contains(strings.ToLower(err.Error()), "duplicate column") {
				return fmt.Errorf("exec migration: %w", err)
			}
		}
	}
	return nil
}

func sqliteDir(dsn string) string {
	if dsn == "" || strings.HasPrefix(dsn, ":memory:") || strings.HasPrefix(dsn, "file:") {
		return ""
	}
	path := dsn
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return ""
	}
	return dir
}

var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS appointments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		external_id TEXT,
		calendar_id TEXT,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		start_time DATETIME NOT NULL,
		end_time DATETIME NOT NULL,
		date TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		recurrence TEXT NOT NULL DEFAULT '',
		last_synced DATETIME,
		status TEXT NOT NULL DEFAULT 'scheduled',
		reminders TEXT,
		notes TEXT NOT NULL DEFAULT '',
		note_tags TEXT,
		session_number INTEGER,
		total_sessions INTEGER,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_appointments_user_external ON appointments(user_id, external_id)`,
	`CREATE INDEX IF NOT EXISTS idx_appointments_user_date ON appointments(user_id, date)`,
	`CREATE TABLE IF NOT EXISTS deleted_appointments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		external_id TEXT NOT NULL,
		calendar_id TEXT,
		deleted_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_deleted_appointments_user ON deleted_appointments(user_id, external_id)`,
	`CREATE TABLE IF NOT EXISTS appointment_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		appointment_id INTEGER NOT NULL,
		external_id TEXT,
		change_type TEXT NOT NULL,
		field_changed TEXT NOT NULL DEFAULT '',
		old_value TEXT NOT NULL DEFAULT '',
		new_value TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_appointment_history_appointment ON appointment_history(user_id, appointment_id)`,
}

var mysqlMigrations = []string{
	`CREATE TABLE IF NOT EXISTS appointments (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		user_id BIGINT NOT NULL,
		external_id VARCHAR(255),
		calendar_id VARCHAR(255),
		title VARCHAR(500) NOT NULL,
		description TEXT NOT NULL,
		start_time DATETIME(6) NOT NULL,
		end_time DATETIME(6) NOT NULL,
		date VARCHAR(10) NOT NULL,
		category VARCHAR(100) NOT NULL DEFAULT '',
		recurrence TEXT NOT NULL,
		last_synced DATETIME(6) NULL,
		status ENUM('scheduled','completed','client_canceled','therapist_canceled','no_show') NOT NULL DEFAULT 'scheduled',
		reminders TEXT,
		notes TEXT NOT NULL,
		note_tags TEXT,
		session_number INT NULL,
		total_sessions INT NULL,
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		UNIQUE KEY idx_appointments_user_external (user_id, external_id),
		KEY idx_appointments_user_date (user_id, date)
	)`,
	`CREATE TABLE IF NOT EXISTS deleted_appointments (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		user_id BIGINT NOT NULL,
		external_id VARCHAR(255) NOT NULL,
		calendar_id VARCHAR(255),
		deleted_at DATETIME(6) NOT NULL,
		KEY idx_deleted_appointments_user (user_id, external_id)
	)`,
	`CREATE TABLE IF NOT EXISTS appointment_history (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		user_id BIGINT NOT NULL,
		appointment_id BIGINT NOT NULL,
		external_id VARCHAR(255),
		change_type VARCHAR(32) NOT NULL,
		field_changed VARCHAR(100) NOT NULL DEFAULT '',
		old_value TEXT NOT NULL,
		new_value TEXT NOT NULL,
		description TEXT NOT NULL,
		created_at DATETIME(6) NOT NULL,
		KEY idx_appointment_history_appointment (user_id, appointment_id)
	)`,
}
