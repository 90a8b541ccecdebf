package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wakala/paysettle/internal/domain"
)

type LoanRepo struct {
	q DBTX
}

func NewLoanRepo(q DBTX) *LoanRepo {
	return &LoanRepo{q: q}
}

func (r *LoanRepo) WithTx(tx *sql.Tx) *LoanRepo {
	return &LoanRepo{q: tx}
}

// Upsert inserts a loan or replaces its servicing state.
func (r *LoanRepo) Upsert(ctx context.Context, l *domain.Loan) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO loans
		(loan_id, investor_id, product_code, status, fees_due, interest_due, principal_due, escrow_shortage, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(loan_id) DO UPDATE SET
			investor_id = excluded.investor_id,
			product_code = excluded.product_code,
			status = excluded.status,
			fees_due = excluded.fees_due,
			interest_due = excluded.interest_due,
			principal_due = excluded.principal_due,
			escrow_shortage = excluded.escrow_shortage,
			updated_at = excluded.updated_at`,
		l.LoanID, l.InvestorID, l.ProductCode, string(l.Status),
		l.Due.Fees, l.Due.Interest, l.Due.Principal, l.Due.EscrowShortage,
		formatTime(time.Now()),
	)
	return err
}

func (r *LoanRepo) Get(ctx context.Context, loanID string) (*domain.Loan, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT loan_id, investor_id, product_code, status, fees_due, interest_due,
		 principal_due, escrow_shortage, updated_at FROM loans WHERE loan_id = ?`, loanID,
	)
	l, err := scanLoan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("loan %s: %w", loanID, ErrNotFound)
	}
	return l, err
}

// ApplyAllocation reduces the loan's dues by what a posted payment funded.
// The CHECK constraints reject a reduction below zero, which happens when two
// payments for the same loan were allocated against the same stale dues.
func (r *LoanRepo) ApplyAllocation(ctx context.Context, loanID string, wf domain.WaterfallResult) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE loans SET
			fees_due = fees_due - ?,
			interest_due = interest_due - ?,
			principal_due = principal_due - ?,
			escrow_shortage = escrow_shortage - ?,
			updated_at = ?
		WHERE loan_id = ?`,
		wf.XF, wf.XI, wf.XP, wf.XE, formatTime(time.Now()), loanID,
	)
	if err != nil {
		return fmt.Errorf("apply allocation to %s: %w", loanID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("loan %s: %w", loanID, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLoan(s rowScanner) (*domain.Loan, error) {
	var l domain.Loan
	var status, updated string
	err := s.Scan(
		&l.LoanID, &l.InvestorID, &l.ProductCode, &status,
		&l.Due.Fees, &l.Due.Interest, &l.Due.Principal, &l.Due.EscrowShortage, &updated,
	)
	if err != nil {
		return nil, err
	}
	l.Status = domain.LoanStatus(status)
	l.UpdatedAt = parseTime(updated)
	return &l, nil
}
