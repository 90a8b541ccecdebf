package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/wakala/paysettle/internal/domain"
)

type LedgerRepo struct {
	q DBTX
}

func NewLedgerRepo(q DBTX) *LedgerRepo {
	return &LedgerRepo{q: q}
}

func (r *LedgerRepo) WithTx(tx *sql.Tx) *LedgerRepo {
	return &LedgerRepo{q: tx}
}

// InsertLines appends a journal entry. Callers pass a balanced set.
func (r *LedgerRepo) InsertLines(ctx context.Context, lines []domain.LedgerLine) error {
	if !domain.Balanced(lines) {
		return fmt.Errorf("journal entry is not balanced")
	}
	for i := range lines {
		l := &lines[i]
		_, err := r.q.ExecContext(ctx,
			`INSERT INTO ledger_lines
			(id, journal_id, journal_kind, account, direction, amount_minor, created_at)
			VALUES (?,?,?,?,?,?,?)`,
			l.ID, l.JournalID, string(l.JournalKind), l.Account, string(l.Direction),
			l.AmountMinor, formatTime(l.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert line %d: %w", i, err)
		}
	}
	return nil
}

// LinesByJournal returns every line of a journal entry.
func (r *LedgerRepo) LinesByJournal(ctx context.Context, journalID string) ([]domain.LedgerLine, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT id, journal_id, journal_kind, account, direction, amount_minor, created_at
		 FROM ledger_lines WHERE journal_id = ? ORDER BY direction DESC, account`, journalID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []domain.LedgerLine
	for rows.Next() {
		var l domain.LedgerLine
		var kind, dir, created string
		if err := rows.Scan(&l.ID, &l.JournalID, &kind, &l.Account, &dir, &l.AmountMinor, &created); err != nil {
			return nil, err
		}
		l.JournalKind = domain.JournalKind(kind)
		l.Direction = domain.Direction(dir)
		l.CreatedAt = parseTime(created)
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// AccountBalance returns debits minus credits posted to an account.
func (r *LedgerRepo) AccountBalance(ctx context.Context, account string) (int64, error) {
	var bal int64
	err := r.q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(CASE direction WHEN 'debit' THEN amount_minor ELSE -amount_minor END), 0)
		 FROM ledger_lines WHERE account = ?`, account,
	).Scan(&bal)
	return bal, err
}
