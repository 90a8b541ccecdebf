package messaging

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/wakala/paysettle/internal/domain"
)

// Headers carried by retried and dead-lettered messages.
const (
	HeaderRetryCount         = "x-retry-count"
	HeaderLastError          = "x-last-error"
	HeaderFailureCategory    = "x-failure-category"
	HeaderOriginalExchange   = "x-original-exchange"
	HeaderOriginalRoutingKey = "x-original-routing-key"
	HeaderSourceQueue        = "x-source-queue"
	HeaderFailedAt           = "x-failed-at"
)

const maxErrorHeader = 512

var errDeliveriesClosed = errors.New("delivery channel closed")

// Handler processes one delivery. A nil return acks it; an error wrapped
// with Permanent dead-letters it; any other error schedules a retry.
type Handler func(ctx context.Context, d amqp.Delivery) error

// Broker is what a consumer needs from the connection manager.
type Broker interface {
	ChannelSource
	WaitConnected(ctx context.Context) error
}

// Router is what a consumer needs to move failed messages.
type Router interface {
	Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error
}

type Consumer struct {
	Name    string
	stage   Stage
	broker  Broker
	router  Router
	handler Handler
	dedupe  Deduper
	workers int
	policy  RetryPolicy
	requeue bool
}

type ConsumerOption func(*Consumer)

// WithDeduper skips deliveries whose message id was already processed.
func WithDeduper(d Deduper) ConsumerOption {
	return func(c *Consumer) { c.dedupe = d }
}

// WithWorkers processes up to n deliveries at once. n is capped by the
// stage prefetch.
func WithWorkers(n int) ConsumerOption {
	return func(c *Consumer) { c.workers = n }
}

// WithRequeueOnFailure nacks failed deliveries back onto their own queue
// instead of routing them. Used for queues that have no retry or DLQ of
// their own, such as the DLQs themselves.
func WithRequeueOnFailure() ConsumerOption {
	return func(c *Consumer) { c.requeue = true }
}

func NewConsumer(name string, stage Stage, broker Broker, router Router, handler Handler, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		Name:    name,
		stage:   stage,
		broker:  broker,
		router:  router,
		handler: handler,
		workers: 1,
		policy:  DefaultRetryPolicy,
	}
	for _, o := range opts {
		o(c)
	}
	if c.workers < 1 {
		c.workers = 1
	}
	if c.stage.Prefetch > 0 && c.workers > c.stage.Prefetch {
		c.workers = c.stage.Prefetch
	}
	return c
}

// Run consumes until ctx is done. A lost channel is reopened once the
// connection is back; unacked deliveries return to the queue with it.
func (c *Consumer) Run(ctx context.Context) error {
	log.Printf("[consumer %s] consuming %s (prefetch=%d, workers=%d)", c.Name, c.stage.Queue, c.stage.Prefetch, c.workers)
	for attempt := 0; ; attempt++ {
		err := c.consume(ctx)
		if ctx.Err() != nil {
			log.Printf("[consumer %s] stopped", c.Name)
			return nil
		}
		log.Printf("[consumer %s] WARNING: channel lost: %v", c.Name, err)

		if err := c.broker.WaitConnected(ctx); err != nil {
			return nil
		}
		if err := sleepCtx(ctx, c.policy.Backoff(attempt)); err != nil {
			return nil
		}
	}
}

func (c *Consumer) consume(ctx context.Context) error {
	ch, err := c.broker.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if c.stage.Prefetch > 0 {
		if err := ch.Qos(c.stage.Prefetch, 0, false); err != nil {
			return err
		}
	}
	deliveries, err := ch.Consume(c.stage.Queue, c.Name, false, false, false, false, nil)
	if err != nil {
		return err
	}

	errc := make(chan error, c.workers)
	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						errc <- errDeliveriesClosed
						return
					}
					c.process(ctx, d)
				}
			}
		}()
	}
	wg.Wait()

	select {
	case err := <-errc:
		return err
	default:
		return ctx.Err()
	}
}

func (c *Consumer) process(ctx context.Context, d amqp.Delivery) {
	if c.dedupe != nil && d.MessageId != "" {
		seen, err := c.dedupe.Seen(ctx, c.Name, d.MessageId)
		if err != nil {
			log.Printf("[consumer %s] WARNING: dedupe lookup for %s: %v", c.Name, d.MessageId, err)
			d.Nack(false, true)
			return
		}
		if seen {
			log.Printf("[consumer %s] skipping duplicate message %s", c.Name, d.MessageId)
			d.Ack(false)
			return
		}
	}

	err := c.handler(ctx, d)
	if err != nil && ctx.Err() != nil {
		// Shutting down; the closed channel hands the message back.
		return
	}
	if err == nil {
		if c.dedupe != nil && d.MessageId != "" {
			if merr := c.dedupe.Mark(ctx, c.Name, d.MessageId); merr != nil {
				log.Printf("[consumer %s] WARNING: mark %s processed: %v", c.Name, d.MessageId, merr)
			}
		}
		d.Ack(false)
		return
	}

	c.route(ctx, d, err)
}

// route sends a failed delivery to the retry queue or the DLQ and acks the
// original only once that publish is confirmed.
func (c *Consumer) route(ctx context.Context, d amqp.Delivery, cause error) {
	if c.requeue {
		log.Printf("[consumer %s] WARNING: %s failed, requeueing: %v", c.Name, d.MessageId, cause)
		sleepCtx(ctx, c.policy.Backoff(0))
		d.Nack(false, true)
		return
	}

	retries := RetryCount(d.Headers)
	category, permanent := IsPermanent(cause)

	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	if _, ok := headers[HeaderOriginalExchange]; !ok {
		headers[HeaderOriginalExchange] = d.Exchange
		headers[HeaderOriginalRoutingKey] = d.RoutingKey
	}
	headers[HeaderLastError] = truncate(cause.Error(), maxErrorHeader)
	headers[HeaderSourceQueue] = c.stage.Queue

	var exchange, key string
	switch {
	case permanent:
		headers[HeaderFailureCategory] = string(category)
		exchange, key = ExchangeDLQ, c.stage.DeadLetterQueue()
	case retries >= c.stage.MaxRetries:
		headers[HeaderFailureCategory] = string(domain.CategoryRetryExhausted)
		exchange, key = ExchangeDLQ, c.stage.DeadLetterQueue()
	default:
		headers[HeaderRetryCount] = int32(retries + 1)
		exchange, key = "", c.stage.RetryQueue()
	}
	if exchange == ExchangeDLQ {
		headers[HeaderFailedAt] = time.Now().UTC().Format(time.RFC3339)
	}

	msg := amqp.Publishing{
		Headers:       headers,
		ContentType:   d.ContentType,
		DeliveryMode:  amqp.Persistent,
		MessageId:     d.MessageId,
		CorrelationId: d.CorrelationId,
		Timestamp:     d.Timestamp,
		Type:          d.Type,
		Body:          d.Body,
	}
	if err := c.router.Publish(ctx, exchange, key, msg); err != nil {
		log.Printf("[consumer %s] WARNING: could not route %s to %q: %v; requeueing", c.Name, d.MessageId, key, err)
		d.Nack(false, true)
		return
	}

	if exchange == ExchangeDLQ {
		log.Printf("[consumer %s] dead-lettered %s after %d retries: %v", c.Name, d.MessageId, retries, cause)
	} else {
		log.Printf("[consumer %s] retry %d/%d for %s: %v", c.Name, retries+1, c.stage.MaxRetries, d.MessageId, cause)
	}
	d.Ack(false)
}

// RetryCount reads x-retry-count, tolerating whatever integer type the
// broker decoded it as.
func RetryCount(h amqp.Table) int {
	switch v := h[HeaderRetryCount].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	default:
		return 0
	}
}

// HeaderString reads a string header, or "" if absent.
func HeaderString(h amqp.Table, key string) string {
	switch v := h[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
