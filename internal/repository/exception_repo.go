package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wakala/paysettle/internal/domain"
)

type ExceptionRepo struct {
	db *sql.DB
}

func NewExceptionRepo(db *sql.DB) *ExceptionRepo {
	return &ExceptionRepo{db: db}
}

const exceptionColumns = `id, category, severity, state, reason, correlation_id, message_id,
	source_queue, original_exchange, original_routing_key, payload_hash, payload, occurrences,
	resolution, created_at, updated_at`

// Upsert stores a case. An open case with the same category and payload
// hash absorbs the new occurrence instead, so redelivered failures do not
// pile up. It returns the stored case.
func (r *ExceptionRepo) Upsert(ctx context.Context, c *domain.ExceptionCase) (*domain.ExceptionCase, error) {
	var out *domain.ExceptionCase
	err := InTx(ctx, r.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			"SELECT "+exceptionColumns+` FROM exception_cases
			 WHERE category = ? AND payload_hash = ? AND state = ? LIMIT 1`,
			string(c.Category), c.PayloadHash, string(domain.ExceptionOpen),
		)
		existing, err := scanException(row)
		switch {
		case err == nil:
			_, err := tx.ExecContext(ctx,
				`UPDATE exception_cases SET occurrences = occurrences + 1, reason = ?, updated_at = ?
				 WHERE id = ?`,
				c.Reason, formatTime(c.UpdatedAt), existing.ID,
			)
			if err != nil {
				return fmt.Errorf("bump occurrences: %w", err)
			}
			existing.Occurrences++
			existing.Reason = c.Reason
			existing.UpdatedAt = c.UpdatedAt
			out = existing
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}

		if c.Occurrences == 0 {
			c.Occurrences = 1
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO exception_cases (`+exceptionColumns+`)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			c.ID, string(c.Category), string(c.Severity), string(c.State), c.Reason,
			c.CorrelationID, c.MessageID, c.SourceQueue, c.OriginalExchange, c.OriginalRoutingKey,
			c.PayloadHash, c.Payload, c.Occurrences, c.Resolution,
			formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert case: %w", err)
		}
		out = c
		return nil
	})
	return out, err
}

func (r *ExceptionRepo) Get(ctx context.Context, id string) (*domain.ExceptionCase, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+exceptionColumns+" FROM exception_cases WHERE id = ?", id)
	c, err := scanException(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("exception %s: %w", id, ErrNotFound)
	}
	return c, err
}

// UpdateState moves a case out of one of the given states. It fails with
// ErrConflict when the case is in none of them.
func (r *ExceptionRepo) UpdateState(ctx context.Context, id string, from []domain.ExceptionState, to domain.ExceptionState, resolution string) error {
	args := []any{string(to), resolution, formatTime(time.Now()), id}
	marks := make([]string, len(from))
	for i, s := range from {
		marks[i] = "?"
		args = append(args, string(s))
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE exception_cases SET state = ?, resolution = ?, updated_at = ?
		 WHERE id = ? AND state IN (`+strings.Join(marks, ",")+`)`,
		args...,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("exception %s to %s: %w", id, to, ErrConflict)
	}
	return nil
}

// ResolveOpen closes every open or replayed case of a category raised for
// correlationID and reports how many it closed.
func (r *ExceptionRepo) ResolveOpen(ctx context.Context, category domain.ExceptionCategory, correlationID, resolution string) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE exception_cases SET state = ?, resolution = ?, updated_at = ?
		 WHERE category = ? AND correlation_id = ? AND state IN (?, ?)`,
		string(domain.ExceptionResolved), resolution, formatTime(time.Now()),
		string(category), correlationID, string(domain.ExceptionOpen), string(domain.ExceptionReplayed),
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ReplacePayload swaps the stored payload and its replay routing key before
// an edit-and-retry.
func (r *ExceptionRepo) ReplacePayload(ctx context.Context, id string, payload []byte, hash, routingKey string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE exception_cases SET payload = ?, payload_hash = ?, original_routing_key = ?, updated_at = ?
		 WHERE id = ?`,
		payload, hash, routingKey, formatTime(time.Now()), id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("exception %s: %w", id, ErrNotFound)
	}
	return nil
}

// ExistsForMessage reports whether any case was raised for a message id in
// a category, open or not.
func (r *ExceptionRepo) ExistsForMessage(ctx context.Context, category domain.ExceptionCategory, messageID string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM exception_cases WHERE category = ? AND message_id = ?",
		string(category), messageID,
	).Scan(&count)
	return count > 0, err
}

type ExceptionFilter struct {
	Category string
	Severity string
	State    string
	From     *time.Time
	To       *time.Time
	Page     int
	Limit    int
}

func (r *ExceptionRepo) List(ctx context.Context, f ExceptionFilter) ([]domain.ExceptionCase, int, error) {
	where, args := buildExceptionWhere(f)

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM exception_cases"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	offset := (f.Page - 1) * f.Limit

	q := "SELECT " + exceptionColumns + " FROM exception_cases" + where + " ORDER BY updated_at DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var cases []domain.ExceptionCase
	for rows.Next() {
		c, err := scanException(rows)
		if err != nil {
			return nil, 0, err
		}
		c.Payload = nil
		cases = append(cases, *c)
	}
	return cases, total, rows.Err()
}

type ExceptionSummary struct {
	TotalCount int            `json:"total_count"`
	OpenCount  int            `json:"open_count"`
	ByCategory map[string]int `json:"by_category"`
	BySeverity map[string]int `json:"by_severity"`
	ByState    map[string]int `json:"by_state"`
}

func (r *ExceptionRepo) GetSummary(ctx context.Context) (*ExceptionSummary, error) {
	s := &ExceptionSummary{
		ByCategory: make(map[string]int),
		BySeverity: make(map[string]int),
		ByState:    make(map[string]int),
	}

	if err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(CASE WHEN state = 'open' THEN 1 ELSE 0 END), 0) FROM exception_cases",
	).Scan(&s.TotalCount, &s.OpenCount); err != nil {
		return nil, err
	}

	if err := r.scanGroupCount(ctx, "category", s.ByCategory); err != nil {
		return nil, err
	}
	if err := r.scanGroupCount(ctx, "severity", s.BySeverity); err != nil {
		return nil, err
	}
	if err := r.scanGroupCount(ctx, "state", s.ByState); err != nil {
		return nil, err
	}
	return s, nil
}

// --- helpers ---

func buildExceptionWhere(f ExceptionFilter) (string, []any) {
	var clauses []string
	var args []any

	if f.Category != "" {
		clauses = append(clauses, "category = ?")
		args = append(args, f.Category)
	}
	if f.Severity != "" {
		clauses = append(clauses, "severity = ?")
		args = append(args, f.Severity)
	}
	if f.State != "" {
		clauses = append(clauses, "state = ?")
		args = append(args, f.State)
	}
	if f.From != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, formatTime(*f.To))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (r *ExceptionRepo) scanGroupCount(ctx context.Context, col string, m map[string]int) error {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+col+", COUNT(*) FROM exception_cases GROUP BY "+col,
	)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var v int
		if err := rows.Scan(&k, &v); err != nil {
			return err
		}
		m[k] = v
	}
	return rows.Err()
}

func scanException(s rowScanner) (*domain.ExceptionCase, error) {
	var c domain.ExceptionCase
	var category, severity, state, created, updated string
	err := s.Scan(
		&c.ID, &category, &severity, &state, &c.Reason, &c.CorrelationID, &c.MessageID,
		&c.SourceQueue, &c.OriginalExchange, &c.OriginalRoutingKey, &c.PayloadHash, &c.Payload,
		&c.Occurrences, &c.Resolution, &created, &updated,
	)
	if err != nil {
		return nil, err
	}
	c.Category = domain.ExceptionCategory(category)
	c.Severity = domain.Severity(severity)
	c.State = domain.ExceptionState(state)
	c.CreatedAt = parseTime(created)
	c.UpdatedAt = parseTime(updated)
	return &c, nil
}
