package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/wakala/paysettle/internal/domain"
)

type OutboxRepo struct {
	q DBTX
}

func NewOutboxRepo(q DBTX) *OutboxRepo {
	return &OutboxRepo{q: q}
}

func (r *OutboxRepo) WithTx(tx *sql.Tx) *OutboxRepo {
	return &OutboxRepo{q: tx}
}

func (r *OutboxRepo) Insert(ctx context.Context, m *domain.OutboxMessage) error {
	if m.Status == "" {
		m.Status = domain.OutboxPending
	}
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO outbox
		(id, message_id, exchange, routing_key, payload, status, attempts, last_error, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		m.ID, m.MessageID, m.Exchange, m.RoutingKey, m.Payload, string(m.Status),
		m.Attempts, m.LastError, formatTime(m.CreatedAt),
	)
	return err
}

// FetchPending returns up to limit undelivered messages, oldest first.
func (r *OutboxRepo) FetchPending(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.q.QueryContext(ctx,
		`SELECT id, message_id, exchange, routing_key, payload, status, attempts, last_error,
		 created_at, dispatched_at FROM outbox WHERE status = ? ORDER BY created_at, id LIMIT ?`,
		string(domain.OutboxPending), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.OutboxMessage
	for rows.Next() {
		m, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func (r *OutboxRepo) MarkDispatched(ctx context.Context, id string, at time.Time) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE outbox SET status = ?, attempts = attempts + 1, last_error = '', dispatched_at = ?
		 WHERE id = ?`,
		string(domain.OutboxDispatched), formatTime(at), id,
	)
	return err
}

// MarkAttemptFailed records a failed publish. Once attempts reach
// maxAttempts the message is parked as failed. It returns the new status.
func (r *OutboxRepo) MarkAttemptFailed(ctx context.Context, id, lastErr string, maxAttempts int) (domain.OutboxStatus, error) {
	_, err := r.q.ExecContext(ctx,
		`UPDATE outbox SET attempts = attempts + 1, last_error = ?,
			status = CASE WHEN attempts + 1 >= ? THEN ? ELSE status END
		 WHERE id = ?`,
		lastErr, maxAttempts, string(domain.OutboxFailed), id,
	)
	if err != nil {
		return "", err
	}
	var status string
	if err := r.q.QueryRowContext(ctx, "SELECT status FROM outbox WHERE id = ?", id).Scan(&status); err != nil {
		return "", err
	}
	return domain.OutboxStatus(status), nil
}

// ListByStatus returns messages in a status, newest first.
func (r *OutboxRepo) ListByStatus(ctx context.Context, status domain.OutboxStatus, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.q.QueryContext(ctx,
		`SELECT id, message_id, exchange, routing_key, payload, status, attempts, last_error,
		 created_at, dispatched_at FROM outbox WHERE status = ? ORDER BY created_at DESC LIMIT ?`,
		string(status), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.OutboxMessage
	for rows.Next() {
		m, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func scanOutbox(s rowScanner) (*domain.OutboxMessage, error) {
	var m domain.OutboxMessage
	var status, created string
	var dispatched sql.NullString
	err := s.Scan(
		&m.ID, &m.MessageID, &m.Exchange, &m.RoutingKey, &m.Payload, &status,
		&m.Attempts, &m.LastError, &created, &dispatched,
	)
	if err != nil {
		return nil, err
	}
	m.Status = domain.OutboxStatus(status)
	m.CreatedAt = parseTime(created)
	m.DispatchedAt = parseNullTime(dispatched)
	return &m, nil
}
