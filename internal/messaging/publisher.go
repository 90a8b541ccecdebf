package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var errConfirmsClosed = errors.New("confirm channel closed")

// Publisher publishes in confirm mode: a publish counts only once the
// broker acks it. Publishes are serialized on one channel so each confirm
// matches the message that produced it.
type Publisher struct {
	channels       ChannelSource
	policy         RetryPolicy
	confirmTimeout time.Duration

	mu       sync.Mutex
	ch       Channel
	confirms chan amqp.Confirmation
}

func NewPublisher(channels ChannelSource, policy RetryPolicy, confirmTimeout time.Duration) *Publisher {
	if confirmTimeout <= 0 {
		confirmTimeout = 5 * time.Second
	}
	return &Publisher{channels: channels, policy: policy, confirmTimeout: confirmTimeout}
}

// Publish sends msg and waits for the broker confirm, retrying with
// backoff. It wraps ErrPublishFailed once the budget is spent.
func (p *Publisher) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	attempts := p.policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, p.policy.Backoff(attempt-1)); err != nil {
				return err
			}
		}
		lastErr = p.publishOnce(ctx, exchange, key, msg)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("[publisher] WARNING: publish %s/%s attempt %d failed: %v", exchange, key, attempt+1, lastErr)
		// A late confirm on the old channel must not be read as the ack for
		// the next attempt.
		p.resetChannel()
	}
	return fmt.Errorf("%w: %s/%s after %d attempts: %v", ErrPublishFailed, exchange, key, attempts, lastErr)
}

// PublishJSON marshals v and publishes it as a persistent message.
func (p *Publisher) PublishJSON(ctx context.Context, exchange, key, messageID, correlationID string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return p.Publish(ctx, exchange, key, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     messageID,
		CorrelationId: correlationID,
		Timestamp:     time.Now().UTC(),
		Body:          body,
	})
}

func (p *Publisher) publishOnce(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	if p.ch == nil {
		ch, err := p.channels.Channel()
		if err != nil {
			return fmt.Errorf("open channel: %w", err)
		}
		if err := ch.Confirm(false); err != nil {
			ch.Close()
			return fmt.Errorf("enable confirms: %w", err)
		}
		p.ch = ch
		p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	}

	if err := p.ch.PublishWithContext(ctx, exchange, key, false, false, msg); err != nil {
		return err
	}

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()
	select {
	case c, ok := <-p.confirms:
		if !ok {
			return errConfirmsClosed
		}
		if !c.Ack {
			return fmt.Errorf("broker nacked delivery %d", c.DeliveryTag)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("no confirm within %s", p.confirmTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Publisher) resetChannel() {
	if p.ch != nil {
		p.ch.Close()
	}
	p.ch = nil
	p.confirms = nil
}

// Close releases the publishing channel.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetChannel()
}
