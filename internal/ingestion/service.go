package ingestion

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/wakala/paysettle/internal/domain"
	"github.com/wakala/paysettle/internal/messaging"
)

// Publisher is the confirmed publish the service needs.
type Publisher interface {
	PublishJSON(ctx context.Context, exchange, key, messageID, correlationID string, v any) error
}

// SubmitResult is returned from a successful submission.
type SubmitResult struct {
	IdempotencyKey string `json:"idempotency_key"`
	MessageID      string `json:"message_id"`
	RoutingKey     string `json:"routing_key"`
}

// BatchResult summarizes a lockbox file submission.
type BatchResult struct {
	Received  int            `json:"received"`
	Published int            `json:"published"`
	Results   []SubmitResult `json:"results"`
}

// Service validates envelopes and hands them to the inbound exchange,
// routed by rail. Only envelopes in the remittance currency are accepted.
type Service struct {
	publisher Publisher
	currency  string
}

func NewService(publisher Publisher, currencyCode string) *Service {
	if currencyCode == "" {
		currencyCode = "USD"
	}
	return &Service{publisher: publisher, currency: currencyCode}
}

// Submit publishes one validated envelope. It returns only after the
// broker confirmed the message.
func (s *Service) Submit(ctx context.Context, env domain.PaymentEnvelope) (*SubmitResult, error) {
	if err := Validate(env); err != nil {
		return nil, err
	}
	if err := CheckCurrency(env, s.currency); err != nil {
		return nil, err
	}
	res := &SubmitResult{
		IdempotencyKey: env.IdempotencyKey,
		MessageID:      MessageID(env),
		RoutingKey:     string(env.Method),
	}
	if err := s.publisher.PublishJSON(ctx, messaging.ExchangeInbound, res.RoutingKey, res.MessageID, env.IdempotencyKey, env); err != nil {
		return nil, fmt.Errorf("publish %s: %w", env.IdempotencyKey, err)
	}
	log.Printf("[ingestion] accepted %s %s for loan %s (%s)", env.Method, env.Event, env.LoanID, env.IdempotencyKey[:12])
	return res, nil
}

// SubmitLockbox parses a lockbox deposit file and submits every check in
// it. It stops at the first publish failure; envelopes already published
// are safe to resend because posting is idempotent.
func (s *Service) SubmitLockbox(ctx context.Context, data []byte, currencyCode string, receivedAt time.Time) (*BatchResult, error) {
	if currencyCode == "" {
		currencyCode = s.currency
	}
	envelopes, err := ParseLockboxCSV(data, currencyCode, receivedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: lockbox: %v", ErrInvalidEnvelope, err)
	}

	out := &BatchResult{Received: len(envelopes)}
	for _, env := range envelopes {
		res, err := s.Submit(ctx, env)
		if err != nil {
			return out, err
		}
		out.Published++
		out.Results = append(out.Results, *res)
	}
	log.Printf("[ingestion] lockbox file: %d checks published", out.Published)
	return out, nil
}
