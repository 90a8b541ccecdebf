package repository

import (
	"context"
	"time"
)

// ProcessedMessageRepo remembers which message ids a consumer has handled.
type ProcessedMessageRepo struct {
	q DBTX
}

func NewProcessedMessageRepo(q DBTX) *ProcessedMessageRepo {
	return &ProcessedMessageRepo{q: q}
}

func (r *ProcessedMessageRepo) Seen(ctx context.Context, consumer, messageID string) (bool, error) {
	var count int
	err := r.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM processed_messages WHERE consumer = ? AND message_id = ?",
		consumer, messageID,
	).Scan(&count)
	return count > 0, err
}

func (r *ProcessedMessageRepo) Mark(ctx context.Context, consumer, messageID string) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_messages (consumer, message_id, processed_at)
		 VALUES (?,?,?)`,
		consumer, messageID, formatTime(time.Now()),
	)
	return err
}
