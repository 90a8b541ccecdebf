// Package exceptions keeps every failure the pipeline could not resolve on
// its own as a case an operator can inspect, replay, edit, purge or close.
package exceptions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/wakala/paysettle/internal/currency"
	"github.com/wakala/paysettle/internal/domain"
	"github.com/wakala/paysettle/internal/ingestion"
	"github.com/wakala/paysettle/internal/messaging"
	"github.com/wakala/paysettle/internal/repository"
)

// ErrNotReplayable is returned when a case has no payload or no route to
// send it back on.
var ErrNotReplayable = errors.New("case cannot be replayed")

// Publisher is the confirmed publish the service needs.
type Publisher interface {
	Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error
}

type Service struct {
	cases     *repository.ExceptionRepo
	payments  *repository.PaymentRepo
	publisher Publisher
	now       func() time.Time
}

func NewService(cases *repository.ExceptionRepo, payments *repository.PaymentRepo, publisher Publisher) *Service {
	return &Service{
		cases:     cases,
		payments:  payments,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Raise stores a case. An open case with the same category and payload is
// bumped instead of duplicated.
func (s *Service) Raise(ctx context.Context, c *domain.ExceptionCase) (*domain.ExceptionCase, error) {
	now := s.now()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Severity == "" {
		c.Severity = defaultSeverity(c.Category)
	}
	c.State = domain.ExceptionOpen
	if c.PayloadHash == "" {
		c.PayloadHash = payloadHash(c.Payload, c.Reason)
	}
	c.CreatedAt = now
	c.UpdatedAt = now

	stored, err := s.cases.Upsert(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("raise %s case: %w", c.Category, err)
	}
	if stored.Occurrences > 1 {
		log.Printf("[exceptions] %s case %s seen again (occurrences=%d): %s",
			stored.Category, stored.ID, stored.Occurrences, stored.Reason)
	} else {
		log.Printf("[exceptions] raised %s %s case %s: %s", stored.Severity, stored.Category, stored.ID, stored.Reason)
	}
	return stored, nil
}

// RaisePostingFailure announces a failed posting on the events exchange and
// opens a posting case whose payload is the envelope, so a retry sends it
// back through ingest.
func (s *Service) RaisePostingFailure(ctx context.Context, ev domain.PostingFailedEvent) error {
	envelope, err := json.Marshal(ev.Envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if s.publisher != nil {
		body, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", domain.EventPostingFailed, err)
		}
		msg := amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			MessageId:     uuid.NewString(),
			CorrelationId: ev.Envelope.IdempotencyKey,
			Timestamp:     ev.Timestamp,
			Body:          body,
		}
		if err := s.publisher.Publish(ctx, messaging.ExchangeEvents, domain.EventPostingFailed, msg); err != nil {
			log.Printf("[exceptions] WARNING: could not publish %s for %s: %v",
				domain.EventPostingFailed, ev.Envelope.IdempotencyKey, err)
		}
	}

	_, err = s.Raise(ctx, &domain.ExceptionCase{
		Category:           domain.CategoryPosting,
		Severity:           domain.SeverityHigh,
		Reason:             ev.Error,
		CorrelationID:      ev.Envelope.IdempotencyKey,
		MessageID:          ingestion.MessageID(ev.Envelope),
		OriginalExchange:   messaging.ExchangeInbound,
		OriginalRoutingKey: string(ev.Envelope.Method),
		Payload:            envelope,
	})
	return err
}

// ResolvePostingFailures closes the posting cases of a payment that has
// since posted.
func (s *Service) ResolvePostingFailures(ctx context.Context, idempotencyKey, note string) (int, error) {
	n, err := s.cases.ResolveOpen(ctx, domain.CategoryPosting, idempotencyKey, note)
	if err != nil {
		return 0, fmt.Errorf("resolve posting cases for %s: %w", idempotencyKey, err)
	}
	if n > 0 {
		log.Printf("[exceptions] resolved %d posting cases for %s: %s", n, idempotencyKey, note)
	}
	return n, nil
}

func (s *Service) Get(ctx context.Context, id string) (*domain.ExceptionCase, error) {
	return s.cases.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, f repository.ExceptionFilter) ([]domain.ExceptionCase, int, error) {
	return s.cases.List(ctx, f)
}

func (s *Service) Summary(ctx context.Context) (*repository.ExceptionSummary, error) {
	return s.cases.GetSummary(ctx)
}

// Retry republishes the stored payload to where it originally went and
// marks the case replayed.
func (s *Service) Retry(ctx context.Context, id string) (*domain.ExceptionCase, error) {
	c, err := s.cases.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.State != domain.ExceptionOpen {
		return nil, fmt.Errorf("exception %s is %s: %w", id, c.State, repository.ErrConflict)
	}
	if len(c.Payload) == 0 || (c.OriginalExchange == "" && c.OriginalRoutingKey == "") {
		return nil, fmt.Errorf("exception %s: %w", id, ErrNotReplayable)
	}
	if s.publisher == nil {
		return nil, fmt.Errorf("exception %s: no publisher: %w", id, ErrNotReplayable)
	}

	messageID := c.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}
	msg := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     messageID,
		CorrelationId: c.CorrelationID,
		Timestamp:     s.now(),
		Headers:       amqp.Table{"x-replayed-from": c.ID},
		Body:          c.Payload,
	}
	if err := s.publisher.Publish(ctx, c.OriginalExchange, c.OriginalRoutingKey, msg); err != nil {
		return nil, fmt.Errorf("replay %s: %w", id, err)
	}

	note := fmt.Sprintf("replayed to %s/%s at %s", c.OriginalExchange, c.OriginalRoutingKey, s.now().Format(time.RFC3339))
	if err := s.cases.UpdateState(ctx, id, []domain.ExceptionState{domain.ExceptionOpen}, domain.ExceptionReplayed, note); err != nil {
		return nil, err
	}
	log.Printf("[exceptions] %s", note)
	return s.cases.Get(ctx, id)
}

// EditAndRetry replaces the payload and replays it. Envelopes bound for
// ingest are validated first and rerouted by their (possibly edited) rail.
func (s *Service) EditAndRetry(ctx context.Context, id string, body []byte) (*domain.ExceptionCase, error) {
	c, err := s.cases.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.State != domain.ExceptionOpen {
		return nil, fmt.Errorf("exception %s is %s: %w", id, c.State, repository.ErrConflict)
	}

	if c.OriginalExchange == messaging.ExchangeInbound {
		env, err := ingestion.DecodeEnvelope(body)
		if err != nil {
			return nil, err
		}
		c.OriginalRoutingKey = string(env.Method)
	} else if !json.Valid(body) {
		return nil, fmt.Errorf("edited payload is not JSON: %w", ErrNotReplayable)
	}

	if err := s.cases.ReplacePayload(ctx, id, body, payloadHash(body, ""), c.OriginalRoutingKey); err != nil {
		return nil, fmt.Errorf("replace payload: %w", err)
	}
	return s.Retry(ctx, id)
}

// Purge drops a case without replaying it.
func (s *Service) Purge(ctx context.Context, id string) error {
	err := s.cases.UpdateState(ctx, id,
		[]domain.ExceptionState{domain.ExceptionOpen, domain.ExceptionReplayed},
		domain.ExceptionPurged, "purged by operator")
	if err != nil {
		return err
	}
	log.Printf("[exceptions] purged %s", id)
	return nil
}

// Resolve closes a case with an operator note.
func (s *Service) Resolve(ctx context.Context, id, note string) error {
	if note == "" {
		note = "resolved by operator"
	}
	err := s.cases.UpdateState(ctx, id,
		[]domain.ExceptionState{domain.ExceptionOpen, domain.ExceptionReplayed},
		domain.ExceptionResolved, note)
	if err != nil {
		return err
	}
	log.Printf("[exceptions] resolved %s: %s", id, note)
	return nil
}

// SweepOverduePending raises a settlement_timeout case for every pending
// payment whose settlement deadline passed. Each payment is raised once.
func (s *Service) SweepOverduePending(ctx context.Context, now time.Time) (int, error) {
	overdue, err := s.payments.ListOverduePending(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list overdue pending: %w", err)
	}

	raised := 0
	for _, p := range overdue {
		exists, err := s.cases.ExistsForMessage(ctx, domain.CategorySettlementTimeout, p.ID)
		if err != nil {
			return raised, fmt.Errorf("check case for %s: %w", p.ID, err)
		}
		if exists {
			continue
		}

		_, err = s.Raise(ctx, &domain.ExceptionCase{
			Category:           domain.CategorySettlementTimeout,
			Severity:           severityByAmount(p.AmountMinor),
			Reason:             fmt.Sprintf("%s payment %s for loan %s (%s) still %q past %s", p.Method, p.ID, p.LoanID, currency.Format(p.AmountMinor, envelopeCurrency(p.Envelope)), p.Event, p.DelayUntil.Format(time.RFC3339)),
			CorrelationID:      p.IdempotencyKey,
			MessageID:          p.ID,
			OriginalExchange:   messaging.ExchangeInbound,
			OriginalRoutingKey: string(p.Method),
			Payload:            p.Envelope,
			PayloadHash:        payloadHash([]byte(p.ID), ""),
		})
		if err != nil {
			return raised, err
		}
		raised++
	}

	if raised > 0 {
		log.Printf("[exceptions] detected %d overdue pending payments", raised)
	}
	return raised, nil
}

// RunSweeper calls SweepOverduePending every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOverduePending(ctx, s.now()); err != nil && ctx.Err() == nil {
				log.Printf("[exceptions] WARNING: pending sweep failed: %v", err)
			}
		}
	}
}

// --- helpers ---

func payloadHash(payload []byte, fallback string) string {
	if len(payload) == 0 {
		payload = []byte(fallback)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func defaultSeverity(c domain.ExceptionCategory) domain.Severity {
	switch c {
	case domain.CategoryInvariant:
		return domain.SeverityCritical
	case domain.CategoryNormalization, domain.CategoryManualReview, domain.CategoryPosting,
		domain.CategoryOutbox, domain.CategoryRemittance:
		return domain.SeverityHigh
	case domain.CategoryRetryExhausted, domain.CategorySettlementTimeout:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

func envelopeCurrency(raw []byte) string {
	var env struct {
		Currency string `json:"currency"`
	}
	if err := json.Unmarshal(raw, &env); err != nil || env.Currency == "" {
		return "USD"
	}
	return env.Currency
}

// severityByAmount grades an overdue payment by size in minor units.
func severityByAmount(minor int64) domain.Severity {
	switch {
	case minor > 50000:
		return domain.SeverityHigh
	case minor > 10000:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}
