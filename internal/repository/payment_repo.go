package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wakala/paysettle/internal/domain"
)

type PaymentRepo struct {
	q DBTX
}

func NewPaymentRepo(q DBTX) *PaymentRepo {
	return &PaymentRepo{q: q}
}

func (r *PaymentRepo) WithTx(tx *sql.Tx) *PaymentRepo {
	return &PaymentRepo{q: tx}
}

const paymentColumns = `id, idempotency_key, loan_id, method, event, amount_minor, value_date, status,
	fees_minor, interest_minor, principal_minor, escrow_minor, suspense_minor, default_loan,
	reason, delay_until, envelope, created_at, posted_at`

// GetByIdempotencyKey returns the payment recorded for key, or ErrNotFound.
func (r *PaymentRepo) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Payment, error) {
	row := r.q.QueryRowContext(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE idempotency_key = ?", key,
	)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment %s: %w", key, ErrNotFound)
	}
	return p, err
}

func (r *PaymentRepo) GetByID(ctx context.Context, id string) (*domain.Payment, error) {
	row := r.q.QueryRowContext(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE id = ?", id,
	)
	p, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	return p, err
}

// Insert adds a payment unless one with the same idempotency key exists.
// It reports whether a row was written.
func (r *PaymentRepo) Insert(ctx context.Context, p *domain.Payment) (bool, error) {
	res, err := r.q.ExecContext(ctx,
		`INSERT INTO payments (`+paymentColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(idempotency_key) DO NOTHING`,
		p.ID, p.IdempotencyKey, p.LoanID, string(p.Method), p.Event, p.AmountMinor, p.ValueDate,
		string(p.Status), p.Allocation.XF, p.Allocation.XI, p.Allocation.XP, p.Allocation.XE,
		p.Allocation.Suspense, boolInt(p.DefaultLoan), p.Reason, nullTime(p.DelayUntil),
		p.Envelope, formatTime(p.CreatedAt), nullTime(p.PostedAt),
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Promote turns a pending payment into a posted one with its allocation.
// It only matches rows that are still pending.
func (r *PaymentRepo) Promote(ctx context.Context, p *domain.Payment) (bool, error) {
	res, err := r.q.ExecContext(ctx,
		`UPDATE payments SET
			status = ?, event = ?, fees_minor = ?, interest_minor = ?, principal_minor = ?,
			escrow_minor = ?, suspense_minor = ?, default_loan = ?, reason = ?,
			delay_until = NULL, envelope = ?, posted_at = ?
		WHERE id = ? AND status = ?`,
		string(domain.PaymentPosted), p.Event, p.Allocation.XF, p.Allocation.XI, p.Allocation.XP,
		p.Allocation.XE, p.Allocation.Suspense, boolInt(p.DefaultLoan), p.Reason,
		p.Envelope, nullTime(p.PostedAt), p.ID, string(domain.PaymentPending),
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListOverduePending returns pending payments whose settlement deadline
// passed before now.
func (r *PaymentRepo) ListOverduePending(ctx context.Context, now time.Time) ([]domain.Payment, error) {
	rows, err := r.q.QueryContext(ctx,
		"SELECT "+paymentColumns+` FROM payments
		 WHERE status = ? AND delay_until IS NOT NULL AND delay_until < ?
		 ORDER BY delay_until`,
		string(domain.PaymentPending), formatTime(now),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

func (r *PaymentRepo) Count(ctx context.Context, status domain.PaymentStatus) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM payments WHERE status = ?", string(status),
	).Scan(&n)
	return n, err
}

func scanPayment(s rowScanner) (*domain.Payment, error) {
	var p domain.Payment
	var method, status, created string
	var defaultLoan int
	var delayUntil, postedAt sql.NullString

	err := s.Scan(
		&p.ID, &p.IdempotencyKey, &p.LoanID, &method, &p.Event, &p.AmountMinor, &p.ValueDate, &status,
		&p.Allocation.XF, &p.Allocation.XI, &p.Allocation.XP, &p.Allocation.XE, &p.Allocation.Suspense,
		&defaultLoan, &p.Reason, &delayUntil, &p.Envelope, &created, &postedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Method = domain.Method(method)
	p.Status = domain.PaymentStatus(status)
	p.DefaultLoan = defaultLoan != 0
	p.DelayUntil = parseNullTime(delayUntil)
	p.CreatedAt = parseTime(created)
	p.PostedAt = parseNullTime(postedAt)
	return &p, nil
}
