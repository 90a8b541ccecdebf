package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/wakala/paysettle/internal/domain"
)

// CollectionRepo stores what each posted payment contributed to the
// remittance buckets.
type CollectionRepo struct {
	q DBTX
}

func NewCollectionRepo(q DBTX) *CollectionRepo {
	return &CollectionRepo{q: q}
}

func (r *CollectionRepo) WithTx(tx *sql.Tx) *CollectionRepo {
	return &CollectionRepo{q: tx}
}

// Insert records a collection once per payment. It reports whether the
// row is new.
func (r *CollectionRepo) Insert(ctx context.Context, c *domain.Collection) (bool, error) {
	res, err := r.q.ExecContext(ctx,
		`INSERT OR IGNORE INTO remittance_collections
		(payment_id, loan_id, value_date, principal_minor, interest_minor, late_fees_minor,
		 escrow_minor, recoveries_minor, recorded_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		c.PaymentID, c.LoanID, c.ValueDate, c.PrincipalMinor, c.InterestMinor, c.LateFeesMinor,
		c.EscrowMinor, c.RecoveriesMinor, formatTime(time.Now()),
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// AssignToCycle releases whatever the cycle claimed before, then claims
// every unclaimed collection for the investor's product valued on or
// before through. Collections that arrive after their period was remitted
// are picked up by the next cycle this way.
func (r *CollectionRepo) AssignToCycle(ctx context.Context, cycleID, investorID, productCode, through string) (int64, error) {
	if _, err := r.q.ExecContext(ctx,
		"UPDATE remittance_collections SET cycle_id = NULL WHERE cycle_id = ?", cycleID); err != nil {
		return 0, fmt.Errorf("release collections of %s: %w", cycleID, err)
	}
	res, err := r.q.ExecContext(ctx,
		`UPDATE remittance_collections SET cycle_id = ?
		 WHERE cycle_id IS NULL AND value_date <= ?
		   AND loan_id IN (SELECT loan_id FROM loans WHERE investor_id = ? AND product_code = ?)`,
		cycleID, through, investorID, productCode,
	)
	if err != nil {
		return 0, fmt.Errorf("claim collections for %s: %w", cycleID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SumByCycle totals the collections a cycle claimed, per loan.
func (r *CollectionRepo) SumByCycle(ctx context.Context, cycleID string) ([]domain.LoanCollections, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT loan_id,
			SUM(principal_minor), SUM(interest_minor), SUM(late_fees_minor),
			SUM(escrow_minor), SUM(recoveries_minor)
		 FROM remittance_collections
		 WHERE cycle_id = ?
		 GROUP BY loan_id ORDER BY loan_id`,
		cycleID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.LoanCollections
	for rows.Next() {
		var lc domain.LoanCollections
		if err := rows.Scan(&lc.LoanID, &lc.Principal, &lc.Interest, &lc.LateFees, &lc.Escrow, &lc.Recoveries); err != nil {
			return nil, err
		}
		out = append(out, lc)
	}
	return out, rows.Err()
}

