package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"rentflow/internal/models"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

var (
	ErrNotFound               = errors.New("record not found")
	ErrOverlap                = errors.New("booking overlaps an existing booking")
	ErrConcurrentModification = errors.New("record was modified concurrently")
	ErrAlreadyResolved        = errors.New("hold attempt already resolved")
)

type DB struct {
	*sql.DB
	logger        *zerolog.Logger
	bookingPrefix string
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// NewDB opens (creating if needed) the sqlite database and applies the schema.
// Transactions are started with BEGIN IMMEDIATE so writers serialize.
func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	return NewDBWithTimeout(path, 5000, logger)
}

func NewDBWithTimeout(path string, busyTimeoutMS int, logger *zerolog.Logger) (*DB, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	memory := path == ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_txlock=immediate&_foreign_keys=on", path, busyTimeoutMS)
	if !memory {
		dsn += "&_journal_mode=WAL"
	}

	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if memory {
		// every connection to :memory: is a separate database
		sqlDB.SetMaxOpenConns(1)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db := &DB{DB: sqlDB, logger: logger, bookingPrefix: models.DefaultBookingPrefix}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("database initialized")
	return db, nil
}

// NewFromSQL wraps an existing handle without running migrations.
func NewFromSQL(sqlDB *sql.DB, logger *zerolog.Logger) *DB {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &DB{DB: sqlDB, logger: logger, bookingPrefix: models.DefaultBookingPrefix}
}

// SetBookingPrefix sets the prefix of generated booking numbers.
func (db *DB) SetBookingPrefix(prefix string) {
	if prefix != "" {
		db.bookingPrefix = prefix
	}
}

const activeStatusFilter = `status NOT IN ('cancelled', 'rejected', 'no_show')`

func (db *DB) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS bookings (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            number TEXT NOT NULL UNIQUE,
            customer_id INTEGER NOT NULL,
            equipment_id INTEGER NOT NULL,
            equipment_name TEXT NOT NULL,
            start_at INTEGER NOT NULL,
            end_at INTEGER NOT NULL,
            delivery_address TEXT NOT NULL DEFAULT '',
            delivery_city TEXT NOT NULL DEFAULT '',
            days INTEGER NOT NULL,
            subtotal_cents INTEGER NOT NULL,
            taxes_cents INTEGER NOT NULL,
            delivery_fee_cents INTEGER NOT NULL,
            coupon_discount_cents INTEGER NOT NULL,
            total_cents INTEGER NOT NULL,
            deposit_cents INTEGER NOT NULL,
            status TEXT NOT NULL DEFAULT 'pending',
            balance_cents INTEGER,
            billing_status TEXT NOT NULL DEFAULT 'unpaid',
            step_contract INTEGER NOT NULL DEFAULT 0,
            step_insurance INTEGER NOT NULL DEFAULT 0,
            step_identity INTEGER NOT NULL DEFAULT 0,
            step_invoice INTEGER NOT NULL DEFAULT 0,
            step_deposit INTEGER NOT NULL DEFAULT 0,
            completion_fired_at INTEGER,
            hold_state TEXT NOT NULL DEFAULT 'no_hold',
            deposit_status TEXT NOT NULL DEFAULT 'none',
            payment_method_id TEXT NOT NULL DEFAULT '',
            verification_intent_id TEXT NOT NULL DEFAULT '',
            security_intent_id TEXT NOT NULL DEFAULT '',
            security_hold_cents INTEGER NOT NULL DEFAULT 0,
            security_hold_due_at INTEGER,
            hold_attempts INTEGER NOT NULL DEFAULT 0,
            hold_next_attempt_at INTEGER,
            contract_signed_at INTEGER,
            insurance_status TEXT NOT NULL DEFAULT 'pending',
            verification_status TEXT NOT NULL DEFAULT 'pending',
            verification_override INTEGER NOT NULL DEFAULT 0,
            cancellation_reason TEXT NOT NULL DEFAULT '',
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL,
            version INTEGER NOT NULL DEFAULT 1,
            CHECK (end_at > start_at),
            CHECK (total_cents >= 0),
            CHECK (total_cents = subtotal_cents + taxes_cents + delivery_fee_cents - coupon_discount_cents)
        )`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_equipment_window ON bookings(equipment_id, start_at, end_at)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_status ON bookings(status)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_hold_due ON bookings(hold_state, security_hold_due_at)`,

		// The storage layer refuses overlapping active bookings even if a caller skips the check.
		`CREATE TRIGGER IF NOT EXISTS bookings_no_overlap_insert
            BEFORE INSERT ON bookings
            WHEN NEW.status NOT IN ('cancelled', 'rejected', 'no_show')
             AND EXISTS (
                SELECT 1 FROM bookings b
                WHERE b.equipment_id = NEW.equipment_id
                  AND b.status NOT IN ('cancelled', 'rejected', 'no_show')
                  AND b.start_at < NEW.end_at
                  AND b.end_at > NEW.start_at
             )
        BEGIN
            SELECT RAISE(ABORT, 'booking_overlap');
        END`,
		`CREATE TRIGGER IF NOT EXISTS bookings_no_overlap_update
            BEFORE UPDATE OF status, start_at, end_at, equipment_id ON bookings
            WHEN NEW.status NOT IN ('cancelled', 'rejected', 'no_show')
             AND EXISTS (
                SELECT 1 FROM bookings b
                WHERE b.id != NEW.id
                  AND b.equipment_id = NEW.equipment_id
                  AND b.status NOT IN ('cancelled', 'rejected', 'no_show')
                  AND b.start_at < NEW.end_at
                  AND b.end_at > NEW.start_at
             )
        BEGIN
            SELECT RAISE(ABORT, 'booking_overlap');
        END`,

		`CREATE TABLE IF NOT EXISTS payments (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            booking_id INTEGER NOT NULL REFERENCES bookings(id),
            amount_cents INTEGER NOT NULL,
            type TEXT NOT NULL,
            status TEXT NOT NULL,
            method TEXT NOT NULL DEFAULT '',
            settled_at INTEGER,
            gateway_metadata TEXT NOT NULL DEFAULT '{}',
            deleted_at INTEGER,
            delete_reason TEXT NOT NULL DEFAULT '',
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL,
            CHECK (amount_cents > 0)
        )`,
		`CREATE INDEX IF NOT EXISTS idx_payments_booking ON payments(booking_id)`,

		`CREATE TABLE IF NOT EXISTS hold_transactions (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            booking_id INTEGER NOT NULL REFERENCES bookings(id),
            purpose TEXT NOT NULL,
            amount_cents INTEGER NOT NULL,
            status TEXT NOT NULL,
            intent_id TEXT NOT NULL DEFAULT '',
            idempotency_key TEXT NOT NULL,
            reason TEXT NOT NULL DEFAULT '',
            metadata TEXT NOT NULL DEFAULT '{}',
            created_at INTEGER NOT NULL
        )`,
		`CREATE INDEX IF NOT EXISTS idx_hold_tx_booking ON hold_transactions(booking_id, created_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_hold_tx_pending ON hold_transactions(idempotency_key, purpose) WHERE status = 'pending'`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_hold_tx_terminal ON hold_transactions(idempotency_key, purpose) WHERE status != 'pending'`,
		`CREATE TRIGGER IF NOT EXISTS hold_transactions_no_update
            BEFORE UPDATE ON hold_transactions
        BEGIN
            SELECT RAISE(ABORT, 'hold_transactions_append_only');
        END`,
		`CREATE TRIGGER IF NOT EXISTS hold_transactions_no_delete
            BEFORE DELETE ON hold_transactions
        BEGIN
            SELECT RAISE(ABORT, 'hold_transactions_append_only');
        END`,

		`CREATE TABLE IF NOT EXISTS notification_queue (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            event TEXT NOT NULL,
            booking_id INTEGER NOT NULL,
            payload TEXT NOT NULL DEFAULT '{}',
            status TEXT NOT NULL DEFAULT 'pending',
            retry_count INTEGER NOT NULL DEFAULT 0,
            last_error TEXT,
            created_at INTEGER NOT NULL,
            processed_at INTEGER,
            next_retry_at INTEGER
        )`,
		`CREATE INDEX IF NOT EXISTS idx_notification_queue_status ON notification_queue(status, next_retry_at)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", firstLine(query), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// withTx runs fn inside a transaction, committing on success.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func isOverlapAbort(err error) bool {
	return err != nil && strings.Contains(err.Error(), "booking_overlap")
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
