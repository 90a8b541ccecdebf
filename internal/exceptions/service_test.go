package exceptions

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/wakala/paysettle/internal/domain"
	"github.com/wakala/paysettle/internal/ingestion"
	"github.com/wakala/paysettle/internal/messaging"
	"github.com/wakala/paysettle/internal/repository"
)

type published struct {
	exchange, key string
	msg           amqp.Publishing
}

type fakePublisher struct {
	sent []published
	err  error
}

func (f *fakePublisher) Publish(_ context.Context, exchange, key string, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, published{exchange, key, msg})
	return nil
}

func newTestService(t *testing.T) (*Service, *repository.PaymentRepo, *fakePublisher) {
	t.Helper()
	db, err := repository.InitDB(":memory:")
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	payments := repository.NewPaymentRepo(db)
	pub := &fakePublisher{}
	return NewService(repository.NewExceptionRepo(db), payments, pub), payments, pub
}

func cardEnvelope(amount int64) domain.PaymentEnvelope {
	env := domain.PaymentEnvelope{
		Channel:     "gateway",
		Reference:   "ch_1",
		Method:      domain.MethodCard,
		Event:       "capture",
		AmountCents: amount,
		Currency:    "USD",
		LoanID:      "LN-1",
		ValueDate:   "2024-03-04",
		ReceivedAt:  time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC),
		External:    domain.ExternalIDs{ProviderPaymentID: "pp_1"},
	}
	env.IdempotencyKey = ingestion.ComputeIdempotencyKey(env.Channel, env.Reference, env.ValueDate, env.AmountCents, env.LoanID)
	return env
}

func TestRaiseBumpsDuplicateOpenCase(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()

	first, err := s.Raise(ctx, &domain.ExceptionCase{Category: domain.CategoryNormalization, Reason: "bad", Payload: []byte(`{"a":1}`)})
	if err != nil {
		t.Fatal(err)
	}
	if first.Severity != domain.SeverityHigh || first.State != domain.ExceptionOpen {
		t.Errorf("defaults = %s/%s", first.Severity, first.State)
	}
	second, err := s.Raise(ctx, &domain.ExceptionCase{Category: domain.CategoryNormalization, Reason: "still bad", Payload: []byte(`{"a":1}`)})
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID || second.Occurrences != 2 {
		t.Errorf("second = %s x%d, want %s x2", second.ID, second.Occurrences, first.ID)
	}

	cases, total, err := s.List(ctx, repository.ExceptionFilter{Category: string(domain.CategoryNormalization)})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 || len(cases) != 1 || cases[0].Reason != "still bad" {
		t.Errorf("list = %d %+v", total, cases)
	}
}

func TestRaisePostingFailure(t *testing.T) {
	s, _, pub := newTestService(t)
	ctx := context.Background()
	env := cardEnvelope(500)

	err := s.RaisePostingFailure(ctx, domain.PostingFailedEvent{
		Envelope:  env,
		Waterfall: domain.WaterfallResult{XF: 500},
		Error:     "loan dues changed",
		Timestamp: env.ReceivedAt,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(pub.sent) != 1 || pub.sent[0].exchange != messaging.ExchangeEvents || pub.sent[0].key != domain.EventPostingFailed {
		t.Fatalf("published = %+v", pub.sent)
	}

	cases, _, err := s.List(ctx, repository.ExceptionFilter{Category: string(domain.CategoryPosting)})
	if err != nil || len(cases) != 1 {
		t.Fatalf("cases = %+v, %v", cases, err)
	}
	c, err := s.Get(ctx, cases[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if c.OriginalExchange != messaging.ExchangeInbound || c.OriginalRoutingKey != "card" || c.MessageID != ingestion.MessageID(env) {
		t.Errorf("case route = %s/%s id %s", c.OriginalExchange, c.OriginalRoutingKey, c.MessageID)
	}
	if _, err := ingestion.DecodeEnvelope(c.Payload); err != nil {
		t.Errorf("stored payload is not a valid envelope: %v", err)
	}
}

func TestResolvePostingFailures(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()
	env := cardEnvelope(500)

	err := s.RaisePostingFailure(ctx, domain.PostingFailedEvent{Envelope: env, Error: "loan dues changed", Timestamp: env.ReceivedAt})
	if err != nil {
		t.Fatal(err)
	}
	other, err := s.Raise(ctx, &domain.ExceptionCase{
		Category: domain.CategoryNormalization, Reason: "bad field", CorrelationID: env.IdempotencyKey,
	})
	if err != nil {
		t.Fatal(err)
	}

	n, err := s.ResolvePostingFailures(ctx, env.IdempotencyKey, "posted as P-1 on retry")
	if err != nil || n != 1 {
		t.Fatalf("resolved = %d, %v; want 1", n, err)
	}
	cases, _, _ := s.List(ctx, repository.ExceptionFilter{Category: string(domain.CategoryPosting)})
	if len(cases) != 1 || cases[0].State != domain.ExceptionResolved {
		t.Errorf("posting cases = %+v", cases)
	}
	if c, _ := s.Get(ctx, other.ID); c.State != domain.ExceptionOpen {
		t.Errorf("%s case = %s, want open", c.Category, c.State)
	}

	if n, err := s.ResolvePostingFailures(ctx, env.IdempotencyKey, "again"); err != nil || n != 0 {
		t.Errorf("second resolve = %d, %v; want 0", n, err)
	}
}

func TestRetryAndStateRules(t *testing.T) {
	s, _, pub := newTestService(t)
	ctx := context.Background()

	c, err := s.Raise(ctx, &domain.ExceptionCase{
		Category:           domain.CategoryRetryExhausted,
		Reason:             "broker hiccup",
		MessageID:          "m-1",
		OriginalExchange:   messaging.ExchangeEvents,
		OriginalRoutingKey: domain.EventLedgerPosted,
		Payload:            []byte(`{"paymentId":"P-1"}`),
	})
	if err != nil {
		t.Fatal(err)
	}

	replayed, err := s.Retry(ctx, c.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if replayed.State != domain.ExceptionReplayed {
		t.Errorf("state = %s, want replayed", replayed.State)
	}
	got := pub.sent[0]
	if got.exchange != messaging.ExchangeEvents || got.key != domain.EventLedgerPosted || got.msg.MessageId != "m-1" {
		t.Errorf("replayed to %s/%s as %s", got.exchange, got.key, got.msg.MessageId)
	}
	if got.msg.Headers["x-replayed-from"] != c.ID {
		t.Errorf("x-replayed-from = %v", got.msg.Headers["x-replayed-from"])
	}

	if _, err := s.Retry(ctx, c.ID); !errors.Is(err, repository.ErrConflict) {
		t.Errorf("second retry err = %v, want ErrConflict", err)
	}
	if err := s.Resolve(ctx, c.ID, "confirmed downstream"); err != nil {
		t.Errorf("resolve replayed: %v", err)
	}
	if err := s.Purge(ctx, c.ID); !errors.Is(err, repository.ErrConflict) {
		t.Errorf("purge resolved err = %v, want ErrConflict", err)
	}
	if _, err := s.Retry(ctx, "nope"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("missing case err = %v, want ErrNotFound", err)
	}
}

func TestRetryNeedsPayloadAndRoute(t *testing.T) {
	s, _, _ := newTestService(t)
	c, err := s.Raise(context.Background(), &domain.ExceptionCase{Category: domain.CategoryRemittance, Reason: "conservation"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Retry(context.Background(), c.ID); !errors.Is(err, ErrNotReplayable) {
		t.Errorf("err = %v, want ErrNotReplayable", err)
	}
}

func TestEditAndRetryReroutesEnvelope(t *testing.T) {
	s, _, pub := newTestService(t)
	ctx := context.Background()

	c, err := s.Raise(ctx, &domain.ExceptionCase{
		Category:           domain.CategoryNormalization,
		Reason:             "missing provider id",
		OriginalExchange:   messaging.ExchangeInbound,
		OriginalRoutingKey: "card",
		Payload:            []byte(`{"method":"card"}`),
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.EditAndRetry(ctx, c.ID, []byte(`{"method":"card"}`)); !errors.Is(err, ingestion.ErrInvalidEnvelope) {
		t.Fatalf("invalid edit err = %v, want ErrInvalidEnvelope", err)
	}

	fixed := cardEnvelope(700)
	fixed.Method = domain.MethodZelle
	body, _ := json.Marshal(fixed)
	out, err := s.EditAndRetry(ctx, c.ID, body)
	if err != nil {
		t.Fatalf("EditAndRetry: %v", err)
	}
	if out.State != domain.ExceptionReplayed || out.OriginalRoutingKey != "zelle" {
		t.Errorf("case = %s via %s", out.State, out.OriginalRoutingKey)
	}
	if len(pub.sent) != 1 || pub.sent[0].key != "zelle" || string(pub.sent[0].msg.Body) != string(body) {
		t.Errorf("published = %+v", pub.sent)
	}
}

func TestSweepOverduePendingRaisesOnce(t *testing.T) {
	s, payments, _ := newTestService(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	env, _ := json.Marshal(cardEnvelope(60000))
	for _, p := range []domain.Payment{
		{ID: "P-late", IdempotencyKey: "k1", LoanID: "LN-1", Method: domain.MethodACH, Event: "pending", AmountMinor: 60000, ValueDate: "2024-03-01", Status: domain.PaymentPending, DelayUntil: &past, Envelope: env, CreatedAt: past},
		{ID: "P-early", IdempotencyKey: "k2", LoanID: "LN-1", Method: domain.MethodACH, Event: "pending", AmountMinor: 100, ValueDate: "2024-03-01", Status: domain.PaymentPending, DelayUntil: &future, Envelope: env, CreatedAt: past},
	} {
		if _, err := payments.Insert(ctx, &p); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.SweepOverduePending(ctx, now)
	if err != nil || n != 1 {
		t.Fatalf("first sweep = %d, %v; want 1", n, err)
	}
	n, err = s.SweepOverduePending(ctx, now)
	if err != nil || n != 0 {
		t.Fatalf("second sweep = %d, %v; want 0", n, err)
	}

	cases, _, _ := s.List(ctx, repository.ExceptionFilter{Category: string(domain.CategorySettlementTimeout)})
	if len(cases) != 1 || cases[0].MessageID != "P-late" || cases[0].Severity != domain.SeverityHigh {
		t.Errorf("cases = %+v", cases)
	}

	sum, err := s.Summary(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sum.OpenCount != 1 || sum.ByCategory[string(domain.CategorySettlementTimeout)] != 1 {
		t.Errorf("summary = %+v", sum)
	}
}
