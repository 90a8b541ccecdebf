package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/wakala/paysettle/internal/domain"
)

type ContractRepo struct {
	db *sql.DB
}

func NewContractRepo(db *sql.DB) *ContractRepo {
	return &ContractRepo{db: db}
}

// Upsert stores a contract and replaces its waterfall rules.
func (r *ContractRepo) Upsert(ctx context.Context, c *domain.InvestorContract) error {
	return InTx(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO investor_contracts
			(id, investor_id, product_code, method, remittance_day, cutoff_day, servicer_fee_bps, late_fee_split_bps)
			VALUES (?,?,?,?,?,?,?,?)
			ON CONFLICT(id) DO UPDATE SET
				investor_id = excluded.investor_id,
				product_code = excluded.product_code,
				method = excluded.method,
				remittance_day = excluded.remittance_day,
				cutoff_day = excluded.cutoff_day,
				servicer_fee_bps = excluded.servicer_fee_bps,
				late_fee_split_bps = excluded.late_fee_split_bps`,
			c.ID, c.InvestorID, c.ProductCode, c.Method, c.RemittanceDay, c.CutoffDay,
			c.ServicerFeeBps, c.LateFeeSplitBps,
		)
		if err != nil {
			return fmt.Errorf("upsert contract: %w", err)
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM waterfall_rules WHERE contract_id = ?", c.ID); err != nil {
			return fmt.Errorf("clear rules: %w", err)
		}
		for _, rule := range c.Rules {
			var capMinor any
			if rule.CapMinor != nil {
				capMinor = *rule.CapMinor
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO waterfall_rules (contract_id, rank, bucket, cap_minor) VALUES (?,?,?,?)",
				c.ID, rule.Rank, string(rule.Bucket), capMinor,
			)
			if err != nil {
				return fmt.Errorf("insert rule %d: %w", rule.Rank, err)
			}
		}
		return nil
	})
}

// Get returns a contract with its rules ordered by rank.
func (r *ContractRepo) Get(ctx context.Context, id string) (*domain.InvestorContract, error) {
	var c domain.InvestorContract
	err := r.db.QueryRowContext(ctx,
		`SELECT id, investor_id, product_code, method, remittance_day, cutoff_day,
		 servicer_fee_bps, late_fee_split_bps FROM investor_contracts WHERE id = ?`, id,
	).Scan(&c.ID, &c.InvestorID, &c.ProductCode, &c.Method, &c.RemittanceDay, &c.CutoffDay,
		&c.ServicerFeeBps, &c.LateFeeSplitBps)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("contract %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	rules, err := r.rules(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Rules = rules
	return &c, nil
}

func (r *ContractRepo) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id FROM investor_contracts ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *ContractRepo) rules(ctx context.Context, contractID string) ([]domain.WaterfallRule, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT rank, bucket, cap_minor FROM waterfall_rules WHERE contract_id = ? ORDER BY rank",
		contractID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []domain.WaterfallRule
	for rows.Next() {
		var rule domain.WaterfallRule
		var bucket string
		var capMinor sql.NullInt64
		if err := rows.Scan(&rule.Rank, &bucket, &capMinor); err != nil {
			return nil, err
		}
		rule.Bucket = domain.Bucket(bucket)
		if capMinor.Valid {
			v := capMinor.Int64
			rule.CapMinor = &v
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}
