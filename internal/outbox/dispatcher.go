// Package outbox relays rows written by the poster and the remittance engine
// to the broker, at least once and in creation order.
package outbox

import (
	"context"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/wakala/paysettle/internal/domain"
	"github.com/wakala/paysettle/internal/repository"
)

type Publisher interface {
	Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error
}

// Raiser opens an exception case for a message that could not be relayed.
type Raiser interface {
	Raise(ctx context.Context, c *domain.ExceptionCase) (*domain.ExceptionCase, error)
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
}

type Dispatcher struct {
	repo      *repository.OutboxRepo
	publisher Publisher
	raiser    Raiser
	cfg       Config
}

func NewDispatcher(repo *repository.OutboxRepo, publisher Publisher, raiser Raiser, cfg Config) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	return &Dispatcher{repo: repo, publisher: publisher, raiser: raiser, cfg: cfg}
}

// Run dispatches every PollInterval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	log.Printf("[outbox] dispatcher started (every %s, batch %d)", d.cfg.PollInterval, d.cfg.BatchSize)
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[outbox] dispatcher stopped")
			return
		case <-ticker.C:
			if _, err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[outbox] WARNING: dispatch failed: %v", err)
			}
		}
	}
}

// DispatchOnce publishes one batch of pending rows and returns how many were
// confirmed. A failed row stops the batch so later rows do not overtake it.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	msgs, err := d.repo.FetchPending(ctx, d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch pending: %w", err)
	}

	sent := 0
	for _, m := range msgs {
		pub := amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    m.MessageID,
			Timestamp:    m.CreatedAt,
			Type:         m.RoutingKey,
			Body:         m.Payload,
		}
		if err := d.publisher.Publish(ctx, m.Exchange, m.RoutingKey, pub); err != nil {
			if ctx.Err() != nil {
				return sent, ctx.Err()
			}
			return sent, d.recordFailure(ctx, m, err)
		}
		if err := d.repo.MarkDispatched(ctx, m.ID, time.Now().UTC()); err != nil {
			// The message is out; a redispatch is absorbed by consumer dedupe.
			return sent, fmt.Errorf("mark %s dispatched: %w", m.ID, err)
		}
		sent++
	}

	if sent > 0 {
		log.Printf("[outbox] dispatched %d messages", sent)
	}
	return sent, nil
}

func (d *Dispatcher) recordFailure(ctx context.Context, m domain.OutboxMessage, cause error) error {
	status, err := d.repo.MarkAttemptFailed(ctx, m.ID, cause.Error(), d.cfg.MaxAttempts)
	if err != nil {
		return fmt.Errorf("record failed attempt for %s: %w", m.ID, err)
	}
	if status != domain.OutboxFailed {
		return fmt.Errorf("publish %s (attempt %d): %w", m.MessageID, m.Attempts+1, cause)
	}

	log.Printf("[outbox] WARNING: giving up on %s after %d attempts: %v", m.MessageID, d.cfg.MaxAttempts, cause)
	if d.raiser != nil {
		_, rerr := d.raiser.Raise(ctx, &domain.ExceptionCase{
			Category:           domain.CategoryOutbox,
			Reason:             fmt.Sprintf("outbox message %s undeliverable: %v", m.MessageID, cause),
			MessageID:          m.MessageID,
			OriginalExchange:   m.Exchange,
			OriginalRoutingKey: m.RoutingKey,
			Payload:            m.Payload,
		})
		if rerr != nil {
			log.Printf("[outbox] WARNING: could not raise case for %s: %v", m.MessageID, rerr)
		}
	}
	return nil
}
