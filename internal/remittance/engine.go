// Package remittance aggregates posted collections into investor cycles,
// splits them by each contract's waterfall, exports the result and settles
// it on the ledger.
package remittance

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
)

var (
	ErrOpenCycleExists = errors.New("contract already has an open cycle")
	ErrCycleState      = errors.New("cycle status does not allow this")
	ErrNotCalculated   = errors.New("cycle has not been calculated")
	ErrPeriodRemitted  = errors.New("period already has a cycle")
)

// Raiser opens an exception case.
type Raiser interface {
	Raise(ctx context.Context, c *domain.ExceptionCase) (*domain.ExceptionCase, error)
}

// CycleDetail is a cycle with its items and export metadata.
type CycleDetail struct {
	Cycle   *domain.RemittanceCycle   `json:"cycle"`
	Items   []domain.RemittanceItem   `json:"items"`
	Exports []domain.RemittanceExport `json:"exports"`
}

type Engine struct {
	db          *sql.DB
	contracts   *repository.ContractRepo
	cycles      *repository.CycleRepo
	collections *repository.CollectionRepo
	ledger      *repository.LedgerRepo
	outbox      *repository.OutboxRepo
	raiser      Raiser
	currency    string
	now         func() time.Time
}

func NewEngine(db *sql.DB, raiser Raiser, currencyCode string) *Engine {
	if currencyCode == "" {
		currencyCode = "USD"
	}
	return &Engine{
		db:          db,
		contracts:   repository.NewContractRepo(db),
		cycles:      repository.NewCycleRepo(db),
		collections: repository.NewCollectionRepo(db),
		ledger:      repository.NewLedgerRepo(db),
		outbox:      repository.NewOutboxRepo(db),
		raiser:      raiser,
		currency:    currencyCode,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// RecordCollection stores what a posted payment contributes to remittance.
// Redelivered events are ignored.
func (e *Engine) RecordCollection(ctx context.Context, ev domain.LedgerPostedEvent) (bool, error) {
	c := CollectionFromEvent(ev)
	inserted, err := e.collections.Insert(ctx, &c)
	if err != nil {
		return false, fmt.Errorf("record collection %s: %w", ev.PaymentID, err)
	}
	if inserted {
		log.Printf("[remittance] recorded collection %s for loan %s (%s)",
			c.PaymentID, c.LoanID, currency.Format(ev.Waterfall.Applied(), ev.Envelope.Currency))
	}
	return inserted, nil
}

// InitiateCycle opens a cycle for the contract's current reporting period.
func (e *Engine) InitiateCycle(ctx context.Context, contractID string, now time.Time) (*domain.RemittanceCycle, error) {
	contract, err := e.contracts.Get(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if err := ValidateContract(contract); err != nil {
		return nil, fmt.Errorf("contract %s: %w", contractID, err)
	}

	if open, err := e.cycles.GetOpen(ctx, contractID); err == nil {
		return nil, fmt.Errorf("%w: %s (%s..%s)", ErrOpenCycleExists, open.ID, open.PeriodStart, open.PeriodEnd)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	start, end, remitOn := Period(contract.CutoffDay, contract.RemittanceDay, now)
	if prev, err := e.cycles.GetByPeriod(ctx, contractID, start.Format(dateLayout), end.Format(dateLayout)); err == nil {
		return nil, fmt.Errorf("%w: %s is %s", ErrPeriodRemitted, prev.ID, prev.Status)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	c := &domain.RemittanceCycle{
		ID:          uuid.NewString(),
		ContractID:  contract.ID,
		InvestorID:  contract.InvestorID,
		PeriodStart: start.Format(dateLayout),
		PeriodEnd:   end.Format(dateLayout),
		RemitOn:     remitOn.Format(dateLayout),
		Status:      domain.CycleOpen,
		CreatedAt:   e.now(),
	}
	if err := e.cycles.Insert(ctx, c); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: %s", ErrOpenCycleExists, contractID)
		}
		return nil, err
	}

	log.Printf("[remittance] opened cycle %s for %s: %s..%s, remit on %s",
		c.ID, contract.ID, c.PeriodStart, c.PeriodEnd, c.RemitOn)
	return c, nil
}

// CalculateWaterfall claims every unremitted collection valued up to the
// period end and computes one item per loan. Collections that posted after
// an earlier cycle closed roll in here. An open cycle can be recalculated;
// its claims and items are replaced.
func (e *Engine) CalculateWaterfall(ctx context.Context, cycleID string) (*CycleDetail, error) {
	c, err := e.cycles.Get(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	if c.Status != domain.CycleOpen {
		return nil, fmt.Errorf("%w: calculate needs open, cycle %s is %s", ErrCycleState, c.ID, c.Status)
	}
	contract, err := e.contracts.Get(ctx, c.ContractID)
	if err != nil {
		return nil, err
	}
	if err := ValidateContract(contract); err != nil {
		return nil, fmt.Errorf("contract %s: %w", contract.ID, err)
	}

	var (
		items   []domain.RemittanceItem
		claimed int64
	)
	now := e.now()
	err = repository.InTx(ctx, e.db, func(tx *sql.Tx) error {
		collections := e.collections.WithTx(tx)
		var err error
		claimed, err = collections.AssignToCycle(ctx, c.ID, contract.InvestorID, contract.ProductCode, c.PeriodEnd)
		if err != nil {
			return err
		}
		sums, err := collections.SumByCycle(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("sum collections: %w", err)
		}

		items = make([]domain.RemittanceItem, 0, len(sums))
		for _, lc := range sums {
			it := CalculateItem(contract, lc)
			it.CycleID = c.ID
			items = append(items, it)
		}

		collected, investorDue, servicerFee, err := Totals(items)
		if err != nil {
			return err
		}
		c.TotalCollectedMinor = collected
		c.InvestorDueMinor = investorDue
		c.ServicerFeeMinor = servicerFee
		c.LoanCount = len(items)
		c.CalculatedAt = &now
		return e.cycles.WithTx(tx).SaveCalculation(ctx, c, items)
	})
	switch {
	case errors.Is(err, ErrConservation):
		log.Printf("[remittance] INVARIANT VIOLATION: cycle %s: %v", c.ID, err)
		e.raise(ctx, c, err)
		return nil, err
	case errors.Is(err, repository.ErrConflict):
		return nil, fmt.Errorf("%w: cycle %s left open while calculating", ErrCycleState, c.ID)
	case err != nil:
		return nil, err
	}

	log.Printf("[remittance] calculated cycle %s: %d collections over %d loans, collected %s, investor %s, servicer %s",
		c.ID, claimed, c.LoanCount, currency.Format(c.TotalCollectedMinor, e.currency),
		currency.Format(c.InvestorDueMinor, e.currency), currency.Format(c.ServicerFeeMinor, e.currency))
	return &CycleDetail{Cycle: c, Items: items}, nil
}

// LockCycle freezes a calculated open cycle.
func (e *Engine) LockCycle(ctx context.Context, cycleID string) (*domain.RemittanceCycle, error) {
	c, err := e.cycles.Get(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	if c.Status != domain.CycleOpen {
		return nil, fmt.Errorf("%w: lock needs open, cycle %s is %s", ErrCycleState, c.ID, c.Status)
	}
	if c.CalculatedAt == nil {
		return nil, fmt.Errorf("lock %s: %w", c.ID, ErrNotCalculated)
	}
	if err := e.transition(ctx, e.cycles, c, []domain.CycleStatus{domain.CycleOpen}, domain.CycleLocked); err != nil {
		return nil, err
	}
	log.Printf("[remittance] locked cycle %s", c.ID)
	return e.cycles.Get(ctx, cycleID)
}

// MarkSent records that the generated file reached the investor.
func (e *Engine) MarkSent(ctx context.Context, cycleID string) (*domain.RemittanceCycle, error) {
	c, err := e.cycles.Get(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	if err := e.transition(ctx, e.cycles, c, []domain.CycleStatus{domain.CycleFileGenerated}, domain.CycleSent); err != nil {
		return nil, err
	}
	log.Printf("[remittance] cycle %s sent", c.ID)
	return e.cycles.Get(ctx, cycleID)
}

// SettleRemittance pays the investor out of cash: it posts the balanced
// settlement journal, queues remittance.cycle.settled and marks the cycle
// settled, in one transaction.
func (e *Engine) SettleRemittance(ctx context.Context, cycleID string) (*domain.RemittanceCycle, error) {
	now := e.now()
	var settled *domain.RemittanceCycle

	err := repository.InTx(ctx, e.db, func(tx *sql.Tx) error {
		cycles := e.cycles.WithTx(tx)
		c, err := cycles.Get(ctx, cycleID)
		if err != nil {
			return err
		}
		from := []domain.CycleStatus{domain.CycleLocked, domain.CycleFileGenerated, domain.CycleSent}
		if err := e.transition(ctx, cycles, c, from, domain.CycleSettled); err != nil {
			return err
		}

		items, err := cycles.Items(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("load items: %w", err)
		}
		collected, investorDue, servicerFee, err := Totals(items)
		if err != nil {
			return err
		}
		if collected != c.TotalCollectedMinor || investorDue != c.InvestorDueMinor || servicerFee != c.ServicerFeeMinor {
			return fmt.Errorf("%w: items of %s no longer match its totals", ErrConservation, c.ID)
		}

		if err := e.ledger.WithTx(tx).InsertLines(ctx, SettlementLines(c, items, now)); err != nil {
			return fmt.Errorf("insert settlement lines: %w", err)
		}

		payload, err := json.Marshal(domain.CycleSettledEvent{
			CycleID:          c.ID,
			ContractID:       c.ContractID,
			InvestorID:       c.InvestorID,
			InvestorDueMinor: investorDue,
			ServicerFeeMinor: servicerFee,
			Timestamp:        now,
		})
		if err != nil {
			return fmt.Errorf("marshal %s: %w", domain.EventRemittanceCycleSettle, err)
		}
		err = e.outbox.WithTx(tx).Insert(ctx, &domain.OutboxMessage{
			ID:         uuid.NewString(),
			MessageID:  domain.EventRemittanceCycleSettle + ":" + c.ID,
			Exchange:   messaging.ExchangeEvents,
			RoutingKey: domain.EventRemittanceCycleSettle,
			Payload:    payload,
			CreatedAt:  now,
		})
		if err != nil {
			return fmt.Errorf("insert outbox: %w", err)
		}

		settled, err = cycles.Get(ctx, c.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[remittance] settled cycle %s: paid %s to %s, retained %s",
		settled.ID, currency.Format(settled.InvestorDueMinor, e.currency), settled.InvestorID,
		currency.Format(settled.ServicerFeeMinor, e.currency))
	return settled, nil
}

// SettlementLines debits each investor payable bucket for what was
// collected and credits cash for the payout and fee income for the rest.
func SettlementLines(c *domain.RemittanceCycle, items []domain.RemittanceItem, at time.Time) []domain.LedgerLine {
	var gross domain.LoanCollections
	for _, it := range items {
		gross.Principal += it.Gross.Principal
		gross.Interest += it.Gross.Interest
		gross.LateFees += it.Gross.LateFees
		gross.Escrow += it.Gross.Escrow
		gross.Recoveries += it.Gross.Recoveries
	}

	var lines []domain.LedgerLine
	add := func(account string, dir domain.Direction, minor int64) {
		if minor == 0 {
			return
		}
		lines = append(lines, domain.LedgerLine{
			ID:          uuid.NewString(),
			JournalID:   c.ID,
			JournalKind: domain.JournalRemittance,
			Account:     account,
			Direction:   dir,
			AmountMinor: minor,
			CreatedAt:   at,
		})
	}
	add(domain.AccountInvestorPayable+string(domain.BucketPrincipal), domain.Debit, gross.Principal)
	add(domain.AccountInvestorPayable+string(domain.BucketInterest), domain.Debit, gross.Interest)
	add(domain.AccountInvestorPayable+string(domain.BucketLateFees), domain.Debit, gross.LateFees)
	add(domain.AccountInvestorPayable+string(domain.BucketEscrow), domain.Debit, gross.Escrow)
	add(domain.AccountInvestorPayable+string(domain.BucketRecoveries), domain.Debit, gross.Recoveries)
	add(domain.AccountCash, domain.Credit, c.InvestorDueMinor)
	add(domain.AccountServicerFeeIncome, domain.Credit, c.ServicerFeeMinor)
	return lines
}

// GetCycle returns a cycle with its items and exports.
func (e *Engine) GetCycle(ctx context.Context, cycleID string) (*CycleDetail, error) {
	c, err := e.cycles.Get(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	items, err := e.cycles.Items(ctx, cycleID)
	if err != nil {
		return nil, fmt.Errorf("load items: %w", err)
	}
	exports, err := e.cycles.ListExports(ctx, cycleID)
	if err != nil {
		return nil, fmt.Errorf("load exports: %w", err)
	}
	return &CycleDetail{Cycle: c, Items: items, Exports: exports}, nil
}

func (e *Engine) ListCycles(ctx context.Context, contractID string) ([]domain.RemittanceCycle, error) {
	return e.cycles.ListByContract(ctx, contractID)
}

func (e *Engine) ListContractIDs(ctx context.Context) ([]string, error) {
	return e.contracts.ListIDs(ctx)
}

func (e *Engine) transition(ctx context.Context, cycles *repository.CycleRepo, c *domain.RemittanceCycle, from []domain.CycleStatus, next domain.CycleStatus) error {
	allowed := false
	for _, s := range from {
		if c.Status == s {
			allowed = true
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s needs %v, cycle %s is %s", ErrCycleState, next, from, c.ID, c.Status)
	}
	err := cycles.Transition(ctx, c.ID, from, next, e.now())
	if errors.Is(err, repository.ErrConflict) {
		return fmt.Errorf("%w: cycle %s changed concurrently", ErrCycleState, c.ID)
	}
	return err
}

func (e *Engine) raise(ctx context.Context, c *domain.RemittanceCycle, cause error) {
	if e.raiser == nil {
		return
	}
	_, err := e.raiser.Raise(ctx, &domain.ExceptionCase{
		Category:      domain.CategoryRemittance,
		Severity:      domain.SeverityCritical,
		Reason:        cause.Error(),
		CorrelationID: c.ID,
		MessageID:     c.ID,
	})
	if err != nil {
		log.Printf("[remittance] WARNING: could not raise case for %s: %v", c.ID, err)
	}
}
