package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wakala/paysettle/internal/domain"
)

// ErrConflict is returned when a write loses to a concurrent state change
// or violates a uniqueness rule.
var ErrConflict = errors.New("conflict")

type CycleRepo struct {
	q DBTX
}

func NewCycleRepo(q DBTX) *CycleRepo {
	return &CycleRepo{q: q}
}

func (r *CycleRepo) WithTx(tx *sql.Tx) *CycleRepo {
	return &CycleRepo{q: tx}
}

const cycleColumns = `id, contract_id, investor_id, period_start, period_end, remit_on, status,
	total_collected_minor, investor_due_minor, servicer_fee_minor, loan_count,
	created_at, calculated_at, locked_at, sent_at, settled_at`

func (r *CycleRepo) Insert(ctx context.Context, c *domain.RemittanceCycle) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO remittance_cycles (`+cycleColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.ContractID, c.InvestorID, c.PeriodStart, c.PeriodEnd, c.RemitOn, string(c.Status),
		c.TotalCollectedMinor, c.InvestorDueMinor, c.ServicerFeeMinor, c.LoanCount,
		formatTime(c.CreatedAt), nullTime(c.CalculatedAt), nullTime(c.LockedAt),
		nullTime(c.SentAt), nullTime(c.SettledAt),
	)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("insert cycle: %w", ErrConflict)
	}
	return err
}

func (r *CycleRepo) Get(ctx context.Context, id string) (*domain.RemittanceCycle, error) {
	row := r.q.QueryRowContext(ctx, "SELECT "+cycleColumns+" FROM remittance_cycles WHERE id = ?", id)
	c, err := scanCycle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cycle %s: %w", id, ErrNotFound)
	}
	return c, err
}

// GetOpen returns the contract's open cycle, or ErrNotFound.
func (r *CycleRepo) GetOpen(ctx context.Context, contractID string) (*domain.RemittanceCycle, error) {
	row := r.q.QueryRowContext(ctx,
		"SELECT "+cycleColumns+" FROM remittance_cycles WHERE contract_id = ? AND status = ?",
		contractID, string(domain.CycleOpen),
	)
	c, err := scanCycle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("open cycle for %s: %w", contractID, ErrNotFound)
	}
	return c, err
}

// GetByPeriod returns the contract's cycle covering exactly start..end, or
// ErrNotFound.
func (r *CycleRepo) GetByPeriod(ctx context.Context, contractID, periodStart, periodEnd string) (*domain.RemittanceCycle, error) {
	row := r.q.QueryRowContext(ctx,
		"SELECT "+cycleColumns+" FROM remittance_cycles WHERE contract_id = ? AND period_start = ? AND period_end = ?",
		contractID, periodStart, periodEnd,
	)
	c, err := scanCycle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cycle for %s covering %s..%s: %w", contractID, periodStart, periodEnd, ErrNotFound)
	}
	return c, err
}

func (r *CycleRepo) ListByContract(ctx context.Context, contractID string) ([]domain.RemittanceCycle, error) {
	rows, err := r.q.QueryContext(ctx,
		"SELECT "+cycleColumns+" FROM remittance_cycles WHERE contract_id = ? ORDER BY period_start DESC",
		contractID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cycles []domain.RemittanceCycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		cycles = append(cycles, *c)
	}
	return cycles, rows.Err()
}

// Transition moves a cycle from one of the allowed statuses to next and
// stamps the matching timestamp column. It fails with ErrConflict when the
// cycle is no longer in an allowed status.
func (r *CycleRepo) Transition(ctx context.Context, id string, from []domain.CycleStatus, next domain.CycleStatus, at time.Time) error {
	if len(from) == 0 {
		return fmt.Errorf("transition %s: no source status", id)
	}
	stamp := ""
	switch next {
	case domain.CycleLocked:
		stamp = ", locked_at = ?"
	case domain.CycleSent:
		stamp = ", sent_at = ?"
	case domain.CycleSettled:
		stamp = ", settled_at = ?"
	}

	args := []any{string(next)}
	if stamp != "" {
		args = append(args, formatTime(at))
	}
	args = append(args, id)
	in := "?"
	args = append(args, string(from[0]))
	for _, s := range from[1:] {
		in += ",?"
		args = append(args, string(s))
	}

	res, err := r.q.ExecContext(ctx,
		"UPDATE remittance_cycles SET status = ?"+stamp+" WHERE id = ? AND status IN ("+in+")",
		args...,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("transition %s to %s: %w", id, next, ErrConflict)
	}
	return nil
}

// SaveCalculation replaces a cycle's items and totals. Only open cycles
// can be recalculated.
func (r *CycleRepo) SaveCalculation(ctx context.Context, c *domain.RemittanceCycle, items []domain.RemittanceItem) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE remittance_cycles SET total_collected_minor = ?, investor_due_minor = ?,
			servicer_fee_minor = ?, loan_count = ?, calculated_at = ?
		 WHERE id = ? AND status = ?`,
		c.TotalCollectedMinor, c.InvestorDueMinor, c.ServicerFeeMinor, c.LoanCount,
		nullTime(c.CalculatedAt), c.ID, string(domain.CycleOpen),
	)
	if err != nil {
		return fmt.Errorf("update totals: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("save calculation %s: %w", c.ID, ErrConflict)
	}

	if _, err := r.q.ExecContext(ctx, "DELETE FROM remittance_items WHERE cycle_id = ?", c.ID); err != nil {
		return fmt.Errorf("clear items: %w", err)
	}
	for i := range items {
		it := &items[i]
		_, err := r.q.ExecContext(ctx,
			`INSERT INTO remittance_items (`+itemColumns+`)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			c.ID, it.LoanID, it.PrincipalMinor, it.InterestMinor, it.FeesMinor, it.EscrowMinor,
			it.RecoveriesMinor, it.CollectedMinor, it.InvestorShareMinor, it.ServicerFeeMinor,
			it.Gross.Principal, it.Gross.Interest, it.Gross.LateFees, it.Gross.Escrow, it.Gross.Recoveries,
		)
		if err != nil {
			return fmt.Errorf("insert item %s: %w", it.LoanID, err)
		}
	}
	return nil
}

const itemColumns = `cycle_id, loan_id, principal_minor, interest_minor, fees_minor, escrow_minor,
	recoveries_minor, collected_minor, investor_share_minor, servicer_fee_minor,
	gross_principal_minor, gross_interest_minor, gross_late_fees_minor, gross_escrow_minor,
	gross_recoveries_minor`

func (r *CycleRepo) Items(ctx context.Context, cycleID string) ([]domain.RemittanceItem, error) {
	rows, err := r.q.QueryContext(ctx,
		"SELECT "+itemColumns+" FROM remittance_items WHERE cycle_id = ? ORDER BY loan_id", cycleID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.RemittanceItem
	for rows.Next() {
		var it domain.RemittanceItem
		err := rows.Scan(&it.CycleID, &it.LoanID, &it.PrincipalMinor, &it.InterestMinor, &it.FeesMinor,
			&it.EscrowMinor, &it.RecoveriesMinor, &it.CollectedMinor, &it.InvestorShareMinor, &it.ServicerFeeMinor,
			&it.Gross.Principal, &it.Gross.Interest, &it.Gross.LateFees, &it.Gross.Escrow, &it.Gross.Recoveries)
		if err != nil {
			return nil, err
		}
		it.Gross.LoanID = it.LoanID
		items = append(items, it)
	}
	return items, rows.Err()
}

func (r *CycleRepo) InsertExport(ctx context.Context, e *domain.RemittanceExport) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO remittance_exports (id, cycle_id, format, sha256, content, created_at)
		 VALUES (?,?,?,?,?,?)`,
		e.ID, e.CycleID, string(e.Format), e.SHA256, e.Content, formatTime(e.CreatedAt),
	)
	return err
}

func (r *CycleRepo) GetExport(ctx context.Context, id string) (*domain.RemittanceExport, error) {
	var e domain.RemittanceExport
	var format, created string
	err := r.q.QueryRowContext(ctx,
		"SELECT id, cycle_id, format, sha256, content, created_at FROM remittance_exports WHERE id = ?", id,
	).Scan(&e.ID, &e.CycleID, &format, &e.SHA256, &e.Content, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("export %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	e.Format = domain.ExportFormat(format)
	e.Size = len(e.Content)
	e.CreatedAt = parseTime(created)
	return &e, nil
}

// ListExports returns export metadata for a cycle without content.
func (r *CycleRepo) ListExports(ctx context.Context, cycleID string) ([]domain.RemittanceExport, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT id, cycle_id, format, sha256, length(content), created_at
		 FROM remittance_exports WHERE cycle_id = ? ORDER BY created_at`, cycleID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exports []domain.RemittanceExport
	for rows.Next() {
		var e domain.RemittanceExport
		var format, created string
		if err := rows.Scan(&e.ID, &e.CycleID, &format, &e.SHA256, &e.Size, &created); err != nil {
			return nil, err
		}
		e.Format = domain.ExportFormat(format)
		e.CreatedAt = parseTime(created)
		exports = append(exports, e)
	}
	return exports, rows.Err()
}

func scanCycle(s rowScanner) (*domain.RemittanceCycle, error) {
	var c domain.RemittanceCycle
	var status, created string
	var calculated, locked, sent, settled sql.NullString
	err := s.Scan(
		&c.ID, &c.ContractID, &c.InvestorID, &c.PeriodStart, &c.PeriodEnd, &c.RemitOn, &status,
		&c.TotalCollectedMinor, &c.InvestorDueMinor, &c.ServicerFeeMinor, &c.LoanCount,
		&created, &calculated, &locked, &sent, &settled,
	)
	if err != nil {
		return nil, err
	}
	c.Status = domain.CycleStatus(status)
	c.CreatedAt = parseTime(created)
	c.CalculatedAt = parseNullTime(calculated)
	c.LockedAt = parseNullTime(locked)
	c.SentAt = parseNullTime(sent)
	c.SettledAt = parseNullTime(settled)
	return &c, nil
}
