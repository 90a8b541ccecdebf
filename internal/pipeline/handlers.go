// Package pipeline holds the message handlers for each consumer stage.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/wakala/paysettle/internal/currency"
	"github.com/wakala/paysettle/internal/domain"
	"github.com/wakala/paysettle/internal/ingestion"
	"github.com/wakala/paysettle/internal/messaging"
	"github.com/wakala/paysettle/internal/poster"
	"github.com/wakala/paysettle/internal/repository"
	"github.com/wakala/paysettle/internal/rules"
)

// LoanSource looks up the servicing state of a loan.
type LoanSource interface {
	Get(ctx context.Context, loanID string) (*domain.Loan, error)
}

type Poster interface {
	PostFromRulesEngine(ctx context.Context, env domain.PaymentEnvelope, wf domain.WaterfallResult, decision domain.PostingDecision) (poster.PostResult, error)
}

type CollectionRecorder interface {
	RecordCollection(ctx context.Context, ev domain.LedgerPostedEvent) (bool, error)
}

type Raiser interface {
	Raise(ctx context.Context, c *domain.ExceptionCase) (*domain.ExceptionCase, error)
}

type Handlers struct {
	loans       LoanSource
	poster      Poster
	collections CollectionRecorder
	raiser      Raiser
	currency    string
	now         func() time.Time
}

func NewHandlers(loans LoanSource, p Poster, collections CollectionRecorder, raiser Raiser, currencyCode string) *Handlers {
	if currencyCode == "" {
		currencyCode = "USD"
	}
	return &Handlers{
		loans:       loans,
		poster:      p,
		collections: collections,
		raiser:      raiser,
		currency:    currencyCode,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Ingest allocates an inbound envelope against its loan and hands the
// result to the poster. Malformed envelopes, unknown loans, invariant
// breaches and events needing review are permanent failures.
func (h *Handlers) Ingest(ctx context.Context, d amqp.Delivery) error {
	env, err := ingestion.DecodeEnvelope(d.Body)
	if err != nil {
		return messaging.Permanent(domain.CategoryNormalization, err)
	}
	if err := ingestion.CheckCurrency(env, h.currency); err != nil {
		return messaging.Permanent(domain.CategoryNormalization, err)
	}

	loan, err := h.loans.Get(ctx, env.LoanID)
	if errors.Is(err, repository.ErrNotFound) {
		return messaging.Permanent(domain.CategoryManualReview, fmt.Errorf("unknown loan %s", env.LoanID))
	}
	if err != nil {
		return fmt.Errorf("load loan %s: %w", env.LoanID, err)
	}

	input := domain.WaterfallInput{
		AmountCents: env.AmountCents,
		Due:         loan.Due,
		Policy:      rules.PolicyForLoanStatus(loan.Status),
	}
	wf := rules.ApplyWaterfall(input)
	if err := rules.ValidateWaterfallResult(input, wf); err != nil {
		log.Printf("[pipeline] INVARIANT VIOLATION: waterfall for %s: %v", env.IdempotencyKey, err)
		return messaging.Permanent(domain.CategoryInvariant, err)
	}

	at := env.ReceivedAt
	if at.IsZero() {
		at = h.now()
	}
	decision := rules.GetPostingDecision(env.Method, env.Event, at)
	if decision.RequiresManualReview {
		return messaging.Permanent(domain.CategoryManualReview,
			fmt.Errorf("%s %s for loan %s: %s", env.Method, env.Event, env.LoanID, decision.Reason))
	}
	if !decision.ShouldPost && decision.DelayUntil == nil {
		log.Printf("[pipeline] ignoring %s %s for %s: %s", env.Method, env.Event, env.IdempotencyKey, decision.Reason)
		return nil
	}

	res, err := h.poster.PostFromRulesEngine(ctx, env, wf, decision)
	if err != nil {
		return err
	}
	switch {
	case res.Posted:
		log.Printf("[pipeline] %s %s posted as %s (%s)",
			env.Method, env.Event, res.PaymentID, currency.Format(env.AmountCents, env.Currency))
	case res.Pending:
		log.Printf("[pipeline] %s %s pending as %s", env.Method, env.Event, res.PaymentID)
	default:
		log.Printf("[pipeline] %s already posted as %s", env.IdempotencyKey, res.PaymentID)
	}
	return nil
}

// Collections feeds ledger.posted events into remittance.
func (h *Handlers) Collections(ctx context.Context, d amqp.Delivery) error {
	var ev domain.LedgerPostedEvent
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		return messaging.Permanent(domain.CategoryNormalization, fmt.Errorf("decode %s: %w", domain.EventLedgerPosted, err))
	}
	if ev.PaymentID == "" || ev.Envelope.LoanID == "" {
		return messaging.Permanent(domain.CategoryNormalization,
			fmt.Errorf("%s without payment or loan id", domain.EventLedgerPosted))
	}
	_, err := h.collections.RecordCollection(ctx, ev)
	return err
}

// DeadLetters turns a dead-lettered message into an exception case that
// remembers where it came from.
func (h *Handlers) DeadLetters(ctx context.Context, d amqp.Delivery) error {
	category := domain.ExceptionCategory(messaging.HeaderString(d.Headers, messaging.HeaderFailureCategory))
	if category == "" {
		category = domain.CategoryRetryExhausted
	}
	reason := messaging.HeaderString(d.Headers, messaging.HeaderLastError)
	if reason == "" {
		reason = "dead-lettered without a recorded error"
	}

	c := &domain.ExceptionCase{
		Category:           category,
		Reason:             reason,
		CorrelationID:      d.CorrelationId,
		MessageID:          d.MessageId,
		SourceQueue:        messaging.HeaderString(d.Headers, messaging.HeaderSourceQueue),
		OriginalExchange:   messaging.HeaderString(d.Headers, messaging.HeaderOriginalExchange),
		OriginalRoutingKey: messaging.HeaderString(d.Headers, messaging.HeaderOriginalRoutingKey),
		Payload:            d.Body,
	}
	if c.OriginalExchange == "" && c.OriginalRoutingKey == "" {
		c.OriginalExchange, c.OriginalRoutingKey = d.Exchange, d.RoutingKey
	}
	if _, err := h.raiser.Raise(ctx, c); err != nil {
		return fmt.Errorf("raise case for %s: %w", d.MessageId, err)
	}
	return nil
}
