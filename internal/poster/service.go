// Package poster turns an allocated payment into durable state: the payment
// row, its balanced journal, the loan's reduced dues and the outbox event
// announcing it, all in one transaction.
package poster

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/wakala/paysettle/internal/currency"
	"github.com/wakala/paysettle/internal/domain"
	"github.com/wakala/paysettle/internal/messaging"
	"github.com/wakala/paysettle/internal/repository"
	"github.com/wakala/paysettle/internal/rules"
)

var ErrUnbalancedWaterfall = errors.New("waterfall does not conserve the payment amount")

// FailureReporter records a posting that could not be committed, and
// closes those records once a retry commits it.
type FailureReporter interface {
	RaisePostingFailure(ctx context.Context, ev domain.PostingFailedEvent) error
	ResolvePostingFailures(ctx context.Context, idempotencyKey, note string) (int, error)
}

type PostResult struct {
	PaymentID  string     `json:"paymentId,omitempty"`
	Posted     bool       `json:"posted"`
	Pending    bool       `json:"pending"`
	DelayUntil *time.Time `json:"delayUntil,omitempty"`
}

type Service struct {
	db       *sql.DB
	payments *repository.PaymentRepo
	loans    *repository.LoanRepo
	ledger   *repository.LedgerRepo
	outbox   *repository.OutboxRepo
	failures FailureReporter
	now      func() time.Time
}

func NewService(db *sql.DB, failures FailureReporter) *Service {
	return &Service{
		db:       db,
		payments: repository.NewPaymentRepo(db),
		loans:    repository.NewLoanRepo(db),
		ledger:   repository.NewLedgerRepo(db),
		outbox:   repository.NewOutboxRepo(db),
		failures: failures,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// PostFromRulesEngine records the outcome of the rules engine for one
// envelope. It is idempotent on the envelope's idempotency key: a second
// call for a posted payment returns the original id with Posted false.
func (s *Service) PostFromRulesEngine(ctx context.Context, env domain.PaymentEnvelope, wf domain.WaterfallResult, decision domain.PostingDecision) (PostResult, error) {
	var (
		res PostResult
		err error
	)
	if err = checkConservation(env, wf); err == nil {
		if decision.ShouldPost {
			res, err = s.post(ctx, env, wf)
		} else {
			res, err = s.recordPending(ctx, env, decision)
		}
	}
	if err != nil {
		log.Printf("[poster] posting %s failed: %v", env.IdempotencyKey, err)
		s.reportFailure(ctx, env, wf, decision, err)
		return PostResult{}, fmt.Errorf("post %s: %w", env.IdempotencyKey, err)
	}
	return res, nil
}

func checkConservation(env domain.PaymentEnvelope, wf domain.WaterfallResult) error {
	if wf.XF < 0 || wf.XI < 0 || wf.XP < 0 || wf.XE < 0 || wf.Suspense < 0 {
		return fmt.Errorf("%w: negative component in %+v", ErrUnbalancedWaterfall, wf)
	}
	if wf.Total() != env.AmountCents {
		return fmt.Errorf("%w: allocated %d of %d", ErrUnbalancedWaterfall, wf.Total(), env.AmountCents)
	}
	return nil
}

func (s *Service) post(ctx context.Context, env domain.PaymentEnvelope, wf domain.WaterfallResult) (PostResult, error) {
	var res PostResult
	now := s.now()

	envelope, err := json.Marshal(env)
	if err != nil {
		return res, fmt.Errorf("marshal envelope: %w", err)
	}

	err = repository.InTx(ctx, s.db, func(tx *sql.Tx) error {
		payments := s.payments.WithTx(tx)
		loans := s.loans.WithTx(tx)

		existing, err := payments.GetByIdempotencyKey(ctx, env.IdempotencyKey)
		switch {
		case err == nil && existing.Status == domain.PaymentPosted:
			res = PostResult{PaymentID: existing.ID}
			return nil
		case err != nil && !errors.Is(err, repository.ErrNotFound):
			return fmt.Errorf("lookup payment: %w", err)
		}

		loan, err := loans.Get(ctx, env.LoanID)
		if err != nil {
			return fmt.Errorf("load loan: %w", err)
		}
		policy := rules.PolicyForLoanStatus(loan.Status)

		// Dues may have moved since the allocation was computed.
		input := domain.WaterfallInput{AmountCents: env.AmountCents, Due: loan.Due, Policy: policy}
		if err := rules.ValidateWaterfallResult(input, wf); err != nil {
			return fmt.Errorf("waterfall against current dues: %w", err)
		}

		p := &domain.Payment{
			ID:             uuid.NewString(),
			IdempotencyKey: env.IdempotencyKey,
			LoanID:         env.LoanID,
			Method:         env.Method,
			Event:          env.Event,
			AmountMinor:    env.AmountCents,
			ValueDate:      env.ValueDate,
			Status:         domain.PaymentPosted,
			Allocation:     wf,
			DefaultLoan:    policy.DefaultLoan,
			Envelope:       envelope,
			CreatedAt:      now,
			PostedAt:       &now,
		}
		if existing != nil {
			p.ID = existing.ID
			p.CreatedAt = existing.CreatedAt
			p.Reason = "promoted from pending: " + env.Event
			ok, err := payments.Promote(ctx, p)
			if err != nil {
				return fmt.Errorf("promote payment: %w", err)
			}
			if !ok {
				return fmt.Errorf("payment %s is no longer pending", p.ID)
			}
		} else {
			ok, err := payments.Insert(ctx, p)
			if err != nil {
				return fmt.Errorf("insert payment: %w", err)
			}
			if !ok {
				return fmt.Errorf("payment %s inserted concurrently", env.IdempotencyKey)
			}
		}

		if err := s.ledger.WithTx(tx).InsertLines(ctx, JournalLines(p.ID, env.AmountCents, wf, now)); err != nil {
			return fmt.Errorf("insert ledger lines: %w", err)
		}
		if err := loans.ApplyAllocation(ctx, env.LoanID, wf); err != nil {
			return err
		}

		payload, err := json.Marshal(domain.LedgerPostedEvent{
			PaymentID:   p.ID,
			Envelope:    env,
			Waterfall:   wf,
			DefaultLoan: p.DefaultLoan,
			Timestamp:   now,
		})
		if err != nil {
			return fmt.Errorf("marshal ledger.posted: %w", err)
		}
		msg := &domain.OutboxMessage{
			ID:         uuid.NewString(),
			MessageID:  domain.EventLedgerPosted + ":" + p.ID,
			Exchange:   messaging.ExchangeEvents,
			RoutingKey: domain.EventLedgerPosted,
			Payload:    payload,
			CreatedAt:  now,
		}
		if err := s.outbox.WithTx(tx).Insert(ctx, msg); err != nil {
			return fmt.Errorf("insert outbox: %w", err)
		}

		res = PostResult{PaymentID: p.ID, Posted: true}
		return nil
	})
	if err != nil {
		return PostResult{}, err
	}

	if res.Posted {
		log.Printf("[poster] posted %s for loan %s: %s (fees=%d interest=%d principal=%d escrow=%d suspense=%d)",
			res.PaymentID, env.LoanID, currency.Format(env.AmountCents, env.Currency),
			wf.XF, wf.XI, wf.XP, wf.XE, wf.Suspense)
		s.resolveFailures(ctx, env.IdempotencyKey, res.PaymentID)
	} else {
		log.Printf("[poster] %s already posted as %s, skipping", env.IdempotencyKey, res.PaymentID)
	}
	return res, nil
}

// recordPending keeps a payment whose rail has not settled yet. A posted
// payment is never downgraded.
func (s *Service) recordPending(ctx context.Context, env domain.PaymentEnvelope, decision domain.PostingDecision) (PostResult, error) {
	var res PostResult
	now := s.now()

	envelope, err := json.Marshal(env)
	if err != nil {
		return res, fmt.Errorf("marshal envelope: %w", err)
	}

	err = repository.InTx(ctx, s.db, func(tx *sql.Tx) error {
		payments := s.payments.WithTx(tx)

		existing, err := payments.GetByIdempotencyKey(ctx, env.IdempotencyKey)
		if err == nil {
			res = PostResult{
				PaymentID:  existing.ID,
				Pending:    existing.Status == domain.PaymentPending,
				DelayUntil: existing.DelayUntil,
			}
			return nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("lookup payment: %w", err)
		}

		p := &domain.Payment{
			ID:             uuid.NewString(),
			IdempotencyKey: env.IdempotencyKey,
			LoanID:         env.LoanID,
			Method:         env.Method,
			Event:          env.Event,
			AmountMinor:    env.AmountCents,
			ValueDate:      env.ValueDate,
			Status:         domain.PaymentPending,
			Reason:         decision.Reason,
			DelayUntil:     decision.DelayUntil,
			Envelope:       envelope,
			CreatedAt:      now,
		}
		ok, err := payments.Insert(ctx, p)
		if err != nil {
			return fmt.Errorf("insert pending payment: %w", err)
		}
		if !ok {
			return fmt.Errorf("pending payment %s inserted concurrently", env.IdempotencyKey)
		}

		payload, err := json.Marshal(domain.AwaitingSettlementEvent{
			PaymentID:      p.ID,
			IdempotencyKey: p.IdempotencyKey,
			LoanID:         p.LoanID,
			Reason:         decision.Reason,
			DelayUntil:     decision.DelayUntil,
			Timestamp:      now,
		})
		if err != nil {
			return fmt.Errorf("marshal awaiting_settlement: %w", err)
		}
		msg := &domain.OutboxMessage{
			ID:         uuid.NewString(),
			MessageID:  domain.EventAwaitingSettlement + ":" + p.ID,
			Exchange:   messaging.ExchangeSaga,
			RoutingKey: domain.EventAwaitingSettlement,
			Payload:    payload,
			CreatedAt:  now,
		}
		if err := s.outbox.WithTx(tx).Insert(ctx, msg); err != nil {
			return fmt.Errorf("insert outbox: %w", err)
		}

		res = PostResult{PaymentID: p.ID, Pending: true, DelayUntil: decision.DelayUntil}
		log.Printf("[poster] %s pending: %s", p.ID, decision.Reason)
		return nil
	})
	return res, err
}

func (s *Service) reportFailure(ctx context.Context, env domain.PaymentEnvelope, wf domain.WaterfallResult, decision domain.PostingDecision, cause error) {
	if s.failures == nil {
		return
	}
	ev := domain.PostingFailedEvent{
		Envelope:        env,
		Waterfall:       wf,
		PostingDecision: decision,
		Error:           cause.Error(),
		Timestamp:       s.now(),
	}
	if err := s.failures.RaisePostingFailure(ctx, ev); err != nil {
		log.Printf("[poster] WARNING: could not record posting failure for %s: %v", env.IdempotencyKey, err)
	}
}

func (s *Service) resolveFailures(ctx context.Context, key, paymentID string) {
	if s.failures == nil {
		return
	}
	n, err := s.failures.ResolvePostingFailures(ctx, key, "posted as "+paymentID+" on retry")
	if err != nil {
		log.Printf("[poster] WARNING: could not close posting cases for %s: %v", key, err)
		return
	}
	if n > 0 {
		log.Printf("[poster] closed %d posting cases for %s", n, key)
	}
}

// JournalLines builds the balanced entry for a posted payment: the cash
// debit against one credit per funded bucket. Zero lines are omitted.
func JournalLines(paymentID string, amount int64, wf domain.WaterfallResult, at time.Time) []domain.LedgerLine {
	line := func(account string, dir domain.Direction, minor int64) domain.LedgerLine {
		return domain.LedgerLine{
			ID:          uuid.NewString(),
			JournalID:   paymentID,
			JournalKind: domain.JournalPayment,
			Account:     account,
			Direction:   dir,
			AmountMinor: minor,
			CreatedAt:   at,
		}
	}

	lines := []domain.LedgerLine{line(domain.AccountCashClearing, domain.Debit, amount)}
	credits := []struct {
		account string
		minor   int64
	}{
		{domain.AccountFeesReceivable, wf.XF},
		{domain.AccountInterestReceivable, wf.XI},
		{domain.AccountLoanPrincipal, wf.XP},
		{domain.AccountEscrowLiability, wf.XE},
		{domain.AccountSuspense, wf.Suspense},
	}
	for _, c := range credits {
		if c.minor > 0 {
			lines = append(lines, line(c.account, domain.Credit, c.minor))
		}
	}
	return lines
}
