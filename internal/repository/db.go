package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("not found")

// DBTX is satisfied by both *sql.DB and *sql.Tx so every repo can run
// inside or outside a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// InitDB opens (or creates) a SQLite database at the given path and ensures
// all required tables exist. Pass ":memory:" for an in-memory database.
func InitDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite has a single writer. One connection serializes writers instead
	// of surfacing SQLITE_BUSY, and keeps ":memory:" on one database.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return db, nil
}

// InTx runs fn in a transaction. The transaction is rolled back when fn
// returns an error or panics, and committed otherwise.
func InTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func createTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS loans (
			loan_id TEXT PRIMARY KEY,
			investor_id TEXT NOT NULL,
			product_code TEXT NOT NULL,
			status TEXT NOT NULL,
			fees_due INTEGER NOT NULL DEFAULT 0 CHECK (fees_due >= 0),
			interest_due INTEGER NOT NULL DEFAULT 0 CHECK (interest_due >= 0),
			principal_due INTEGER NOT NULL DEFAULT 0 CHECK (principal_due >= 0),
			escrow_shortage INTEGER NOT NULL DEFAULT 0 CHECK (escrow_shortage >= 0),
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_loans_investor_product ON loans(investor_id, product_code)`,

		`CREATE TABLE IF NOT EXISTS payments (
			id TEXT PRIMARY KEY,
			idempotency_key TEXT NOT NULL UNIQUE,
			loan_id TEXT NOT NULL,
			method TEXT NOT NULL,
			event TEXT NOT NULL,
			amount_minor INTEGER NOT NULL,
			value_date TEXT NOT NULL,
			status TEXT NOT NULL,
			fees_minor INTEGER NOT NULL DEFAULT 0,
			interest_minor INTEGER NOT NULL DEFAULT 0,
			principal_minor INTEGER NOT NULL DEFAULT 0,
			escrow_minor INTEGER NOT NULL DEFAULT 0,
			suspense_minor INTEGER NOT NULL DEFAULT 0,
			default_loan INTEGER NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			delay_until DATETIME,
			envelope BLOB NOT NULL,
			created_at DATETIME NOT NULL,
			posted_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_loan ON payments(loan_id)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_status ON payments(status)`,

		`CREATE TABLE IF NOT EXISTS ledger_lines (
			id TEXT PRIMARY KEY,
			journal_id TEXT NOT NULL,
			journal_kind TEXT NOT NULL,
			account TEXT NOT NULL,
			direction TEXT NOT NULL CHECK (direction IN ('debit', 'credit')),
			amount_minor INTEGER NOT NULL CHECK (amount_minor >= 0),
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_lines_journal ON ledger_lines(journal_id)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_lines_account ON ledger_lines(account)`,

		`CREATE TABLE IF NOT EXISTS outbox (
			id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL UNIQUE,
			exchange TEXT NOT NULL,
			routing_key TEXT NOT NULL,
			payload BLOB NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			dispatched_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_status_created ON outbox(status, created_at)`,

		`CREATE TABLE IF NOT EXISTS processed_messages (
			consumer TEXT NOT NULL,
			message_id TEXT NOT NULL,
			processed_at DATETIME NOT NULL,
			PRIMARY KEY (consumer, message_id)
		)`,

		`CREATE TABLE IF NOT EXISTS investor_contracts (
			id TEXT PRIMARY KEY,
			investor_id TEXT NOT NULL,
			product_code TEXT NOT NULL,
			method TEXT NOT NULL,
			remittance_day INTEGER NOT NULL,
			cutoff_day INTEGER NOT NULL,
			servicer_fee_bps INTEGER NOT NULL,
			late_fee_split_bps INTEGER NOT NULL,
			UNIQUE (investor_id, product_code)
		)`,

		`CREATE TABLE IF NOT EXISTS waterfall_rules (
			contract_id TEXT NOT NULL,
			rank INTEGER NOT NULL,
			bucket TEXT NOT NULL,
			cap_minor INTEGER,
			PRIMARY KEY (contract_id, rank),
			UNIQUE (contract_id, bucket),
			FOREIGN KEY (contract_id) REFERENCES investor_contracts(id)
		)`,

		`CREATE TABLE IF NOT EXISTS remittance_collections (
			payment_id TEXT PRIMARY KEY,
			loan_id TEXT NOT NULL,
			value_date TEXT NOT NULL,
			principal_minor INTEGER NOT NULL,
			interest_minor INTEGER NOT NULL,
			late_fees_minor INTEGER NOT NULL,
			escrow_minor INTEGER NOT NULL,
			recoveries_minor INTEGER NOT NULL,
			recorded_at DATETIME NOT NULL,
			cycle_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_remittance_collections_loan_date ON remittance_collections(loan_id, value_date)`,
		`CREATE INDEX IF NOT EXISTS idx_remittance_collections_cycle ON remittance_collections(cycle_id)`,

		`CREATE TABLE IF NOT EXISTS remittance_cycles (
			id TEXT PRIMARY KEY,
			contract_id TEXT NOT NULL,
			investor_id TEXT NOT NULL,
			period_start TEXT NOT NULL,
			period_end TEXT NOT NULL,
			remit_on TEXT NOT NULL,
			status TEXT NOT NULL,
			total_collected_minor INTEGER NOT NULL DEFAULT 0,
			investor_due_minor INTEGER NOT NULL DEFAULT 0,
			servicer_fee_minor INTEGER NOT NULL DEFAULT 0,
			loan_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			calculated_at DATETIME,
			locked_at DATETIME,
			sent_at DATETIME,
			settled_at DATETIME,
			FOREIGN KEY (contract_id) REFERENCES investor_contracts(id)
		)`,
		// Only one open cycle per contract.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_remittance_cycles_one_open
			ON remittance_cycles(contract_id) WHERE status = 'open'`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_remittance_cycles_period
			ON remittance_cycles(contract_id, period_start, period_end)`,

		`CREATE TABLE IF NOT EXISTS remittance_items (
			cycle_id TEXT NOT NULL,
			loan_id TEXT NOT NULL,
			principal_minor INTEGER NOT NULL,
			interest_minor INTEGER NOT NULL,
			fees_minor INTEGER NOT NULL,
			escrow_minor INTEGER NOT NULL,
			recoveries_minor INTEGER NOT NULL,
			collected_minor INTEGER NOT NULL,
			investor_share_minor INTEGER NOT NULL,
			servicer_fee_minor INTEGER NOT NULL,
			gross_principal_minor INTEGER NOT NULL DEFAULT 0,
			gross_interest_minor INTEGER NOT NULL DEFAULT 0,
			gross_late_fees_minor INTEGER NOT NULL DEFAULT 0,
			gross_escrow_minor INTEGER NOT NULL DEFAULT 0,
			gross_recoveries_minor INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (cycle_id, loan_id),
			FOREIGN KEY (cycle_id) REFERENCES remittance_cycles(id)
		)`,

		`CREATE TABLE IF NOT EXISTS remittance_exports (
			id TEXT PRIMARY KEY,
			cycle_id TEXT NOT NULL,
			format TEXT NOT NULL,
			sha256 TEXT NOT NULL,
			content BLOB NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (cycle_id) REFERENCES remittance_cycles(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_remittance_exports_cycle ON remittance_exports(cycle_id)`,

		`CREATE TABLE IF NOT EXISTS exception_cases (
			id TEXT PRIMARY KEY,
			category TEXT NOT NULL,
			severity TEXT NOT NULL,
			state TEXT NOT NULL,
			reason TEXT NOT NULL,
			correlation_id TEXT NOT NULL DEFAULT '',
			message_id TEXT NOT NULL DEFAULT '',
			source_queue TEXT NOT NULL DEFAULT '',
			original_exchange TEXT NOT NULL DEFAULT '',
			original_routing_key TEXT NOT NULL DEFAULT '',
			payload_hash TEXT NOT NULL,
			payload BLOB,
			occurrences INTEGER NOT NULL DEFAULT 1,
			resolution TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_exception_cases_state ON exception_cases(state)`,
		`CREATE INDEX IF NOT EXISTS idx_exception_cases_category ON exception_cases(category)`,
		`CREATE INDEX IF NOT EXISTS idx_exception_cases_hash ON exception_cases(category, payload_hash)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}

	return nil
}

// timeLayout has a fixed-width fraction so stored timestamps compare
// correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
