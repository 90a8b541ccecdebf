package remittance

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/xml"
	"errors"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/wakala/paysettle/internal/domain"
	"github.com/wakala/paysettle/internal/repository"
)

var testNow = time.Date(2024, 3, 20, 9, 0, 0, 0, time.UTC)

type fakeRaiser struct {
	cases []*domain.ExceptionCase
}

func (f *fakeRaiser) Raise(_ context.Context, c *domain.ExceptionCase) (*domain.ExceptionCase, error) {
	f.cases = append(f.cases, c)
	return c, nil
}

func newTestEngine(t *testing.T) (*Engine, *fakeRaiser) {
	t.Helper()
	db, err := repository.InitDB(":memory:")
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	if err := repository.NewContractRepo(db).Upsert(ctx, testContract()); err != nil {
		t.Fatalf("upsert contract: %v", err)
	}
	loans := repository.NewLoanRepo(db)
	for _, l := range []domain.Loan{
		{LoanID: "LN-1", InvestorID: "INV-1", ProductCode: "PL-36", Status: domain.LoanCurrent},
		{LoanID: "LN-2", InvestorID: "INV-1", ProductCode: "PL-36", Status: domain.LoanDefault},
		{LoanID: "LN-9", InvestorID: "INV-2", ProductCode: "PL-36", Status: domain.LoanCurrent},
	} {
		l.UpdatedAt = testNow
		if err := loans.Upsert(ctx, &l); err != nil {
			t.Fatalf("upsert loan: %v", err)
		}
	}

	raiser := &fakeRaiser{}
	e := NewEngine(db, raiser, "USD")
	e.now = func() time.Time { return testNow }
	return e, raiser
}

func posted(paymentID, loanID, valueDate string, wf domain.WaterfallResult, defaultLoan bool) domain.LedgerPostedEvent {
	return domain.LedgerPostedEvent{
		PaymentID:   paymentID,
		Envelope:    domain.PaymentEnvelope{LoanID: loanID, ValueDate: valueDate, Currency: "USD"},
		Waterfall:   wf,
		DefaultLoan: defaultLoan,
		Timestamp:   testNow,
	}
}

func seedCollections(t *testing.T, e *Engine) {
	t.Helper()
	ctx := context.Background()
	events := []domain.LedgerPostedEvent{
		posted("P-1", "LN-1", "2024-03-02", domain.WaterfallResult{XF: 500, XI: 2000, XP: 6000}, false),
		posted("P-2", "LN-1", "2024-03-14", domain.WaterfallResult{XP: 4000, XE: 300, Suspense: 75}, false),
		posted("P-3", "LN-2", "2024-03-05", domain.WaterfallResult{XP: 900}, true),
		// After the cutoff, and for another investor.
		posted("P-4", "LN-1", "2024-03-16", domain.WaterfallResult{XP: 111}, false),
		posted("P-5", "LN-9", "2024-03-03", domain.WaterfallResult{XP: 222}, false),
	}
	for _, ev := range events {
		if _, err := e.RecordCollection(ctx, ev); err != nil {
			t.Fatalf("RecordCollection %s: %v", ev.PaymentID, err)
		}
	}
}

func TestRecordCollectionIsIdempotent(t *testing.T) {
	e, _ := newTestEngine(t)
	ev := posted("P-1", "LN-1", "2024-03-02", domain.WaterfallResult{XP: 100}, false)

	first, err := e.RecordCollection(context.Background(), ev)
	if err != nil || !first {
		t.Fatalf("first = %v, %v; want true, nil", first, err)
	}
	again, err := e.RecordCollection(context.Background(), ev)
	if err != nil || again {
		t.Fatalf("again = %v, %v; want false, nil", again, err)
	}
}

func TestCycleLifecycle(t *testing.T) {
	e, raiser := newTestEngine(t)
	seedCollections(t, e)
	ctx := context.Background()

	c, err := e.InitiateCycle(ctx, "CT-1", testNow)
	if err != nil {
		t.Fatalf("InitiateCycle: %v", err)
	}
	if c.PeriodStart != "2024-03-01" || c.PeriodEnd != "2024-03-15" || c.RemitOn != "2024-03-25" {
		t.Errorf("period = %s..%s remit %s", c.PeriodStart, c.PeriodEnd, c.RemitOn)
	}
	if _, err := e.InitiateCycle(ctx, "CT-1", testNow); !errors.Is(err, ErrOpenCycleExists) {
		t.Errorf("second open cycle err = %v, want ErrOpenCycleExists", err)
	}

	if _, err := e.LockCycle(ctx, c.ID); !errors.Is(err, ErrNotCalculated) {
		t.Errorf("lock before calculate err = %v, want ErrNotCalculated", err)
	}
	if _, err := e.GenerateExport(ctx, c.ID, domain.ExportCSV); !errors.Is(err, ErrCycleState) {
		t.Errorf("export while open err = %v, want ErrCycleState", err)
	}

	detail, err := e.CalculateWaterfall(ctx, c.ID)
	if err != nil {
		t.Fatalf("CalculateWaterfall: %v", err)
	}
	// Recalculating an open cycle replaces its items.
	if detail, err = e.CalculateWaterfall(ctx, c.ID); err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	got := detail.Cycle
	if got.LoanCount != 2 {
		t.Fatalf("loan count = %d, want 2", got.LoanCount)
	}
	if got.TotalCollectedMinor != 13700 || got.InvestorDueMinor != 12950 || got.ServicerFeeMinor != 750 {
		t.Errorf("totals = %d/%d/%d, want 13700/12950/750",
			got.TotalCollectedMinor, got.InvestorDueMinor, got.ServicerFeeMinor)
	}

	if _, err := e.LockCycle(ctx, c.ID); err != nil {
		t.Fatalf("LockCycle: %v", err)
	}
	if _, err := e.CalculateWaterfall(ctx, c.ID); !errors.Is(err, ErrCycleState) {
		t.Errorf("calculate after lock err = %v, want ErrCycleState", err)
	}
	if _, err := e.MarkSent(ctx, c.ID); !errors.Is(err, ErrCycleState) {
		t.Errorf("send before export err = %v, want ErrCycleState", err)
	}

	exp, err := e.GenerateExport(ctx, c.ID, domain.ExportCSV)
	if err != nil {
		t.Fatalf("GenerateExport: %v", err)
	}
	rows, err := csv.NewReader(bytes.NewReader(exp.Content)).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("csv rows = %d, want header + 2", len(rows))
	}
	for i, h := range csvHeader {
		if rows[0][i] != h {
			t.Errorf("header[%d] = %q, want %q", i, rows[0][i], h)
		}
	}
	if rows[1][0] != "LN-1" || rows[1][4] != "12050" || rows[1][5] != "750" {
		t.Errorf("LN-1 row = %v", rows[1])
	}

	if _, err := e.MarkSent(ctx, c.ID); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	settled, err := e.SettleRemittance(ctx, c.ID)
	if err != nil {
		t.Fatalf("SettleRemittance: %v", err)
	}
	if settled.Status != domain.CycleSettled || settled.SettledAt == nil {
		t.Errorf("settled cycle = %s at %v", settled.Status, settled.SettledAt)
	}
	if _, err := e.SettleRemittance(ctx, c.ID); !errors.Is(err, ErrCycleState) {
		t.Errorf("settle twice err = %v, want ErrCycleState", err)
	}

	lines, err := e.ledger.LinesByJournal(ctx, c.ID)
	if err != nil {
		t.Fatalf("LinesByJournal: %v", err)
	}
	if !domain.Balanced(lines) {
		t.Errorf("settlement journal is not balanced: %+v", lines)
	}
	var cash, recoveries int64
	for _, l := range lines {
		switch l.Account {
		case domain.AccountCash:
			cash = l.AmountMinor
		case domain.AccountInvestorPayable + string(domain.BucketRecoveries):
			recoveries = l.AmountMinor
		}
	}
	if cash != 12950 || recoveries != 900 {
		t.Errorf("cash credit = %d, recoveries debit = %d; want 12950, 900", cash, recoveries)
	}

	pending, err := e.outbox.ListByStatus(ctx, domain.OutboxPending, 10)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(pending) != 1 || pending[0].RoutingKey != domain.EventRemittanceCycleSettle {
		t.Errorf("outbox = %+v, want one %s", pending, domain.EventRemittanceCycleSettle)
	}

	// A new cycle can open once the previous one has left open.
	if _, err := e.InitiateCycle(ctx, "CT-1", testNow.AddDate(0, 1, 0)); err != nil {
		t.Errorf("next cycle: %v", err)
	}
	if len(raiser.cases) != 0 {
		t.Errorf("raised %d cases, want none", len(raiser.cases))
	}
}

func TestSettleStraightFromLocked(t *testing.T) {
	e, _ := newTestEngine(t)
	seedCollections(t, e)
	ctx := context.Background()

	c, err := e.InitiateCycle(ctx, "CT-1", testNow)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.SettleRemittance(ctx, c.ID); !errors.Is(err, ErrCycleState) {
		t.Errorf("settle open err = %v, want ErrCycleState", err)
	}
	if _, err := e.CalculateWaterfall(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := e.LockCycle(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SettleRemittance(ctx, c.ID); err != nil {
		t.Fatalf("settle locked: %v", err)
	}

	// The settled period cannot be opened again.
	if _, err := e.InitiateCycle(ctx, "CT-1", testNow); !errors.Is(err, ErrPeriodRemitted) {
		t.Errorf("reopen period err = %v, want ErrPeriodRemitted", err)
	}
}

func TestLateCollectionsRollIntoNextCycle(t *testing.T) {
	e, raiser := newTestEngine(t)
	ctx := context.Background()
	record := func(ev domain.LedgerPostedEvent) {
		t.Helper()
		if _, err := e.RecordCollection(ctx, ev); err != nil {
			t.Fatalf("RecordCollection %s: %v", ev.PaymentID, err)
		}
	}
	remit := func(now time.Time) *domain.RemittanceCycle {
		t.Helper()
		c, err := e.InitiateCycle(ctx, "CT-1", now)
		if err != nil {
			t.Fatalf("InitiateCycle at %s: %v", now.Format(dateLayout), err)
		}
		detail, err := e.CalculateWaterfall(ctx, c.ID)
		if err != nil {
			t.Fatalf("CalculateWaterfall %s: %v", c.ID, err)
		}
		if _, err := e.LockCycle(ctx, c.ID); err != nil {
			t.Fatalf("LockCycle %s: %v", c.ID, err)
		}
		if _, err := e.SettleRemittance(ctx, c.ID); err != nil {
			t.Fatalf("SettleRemittance %s: %v", c.ID, err)
		}
		return detail.Cycle
	}

	record(posted("P-1", "LN-1", "2024-03-02", domain.WaterfallResult{XP: 1000}, false))
	march := remit(testNow)
	if march.PeriodEnd != "2024-03-15" || march.TotalCollectedMinor != 1000 {
		t.Fatalf("first cycle %s..%s collected %d", march.PeriodStart, march.PeriodEnd, march.TotalCollectedMinor)
	}

	// Both post after the first cycle settled; one is dated inside its period.
	record(posted("P-2", "LN-1", "2024-03-14", domain.WaterfallResult{XP: 5000}, false))
	record(posted("P-3", "LN-1", "2024-03-20", domain.WaterfallResult{XP: 7000}, false))

	prior := remit(time.Date(2024, 4, 10, 9, 0, 0, 0, time.UTC))
	if prior.PeriodStart != "2024-03-01" || prior.PeriodEnd != "2024-03-31" {
		t.Errorf("prior-month cycle = %s..%s", prior.PeriodStart, prior.PeriodEnd)
	}
	if prior.TotalCollectedMinor != 12000 {
		t.Errorf("prior-month cycle collected %d, want 12000", prior.TotalCollectedMinor)
	}

	april := remit(time.Date(2024, 4, 20, 9, 0, 0, 0, time.UTC))
	if april.TotalCollectedMinor != 0 {
		t.Errorf("april cycle collected %d, want 0", april.TotalCollectedMinor)
	}

	if total := march.TotalCollectedMinor + prior.TotalCollectedMinor + april.TotalCollectedMinor; total != 13000 {
		t.Errorf("remitted %d of 13000 recorded", total)
	}
	if len(raiser.cases) != 0 {
		t.Errorf("raised %d cases, want none", len(raiser.cases))
	}
}

func TestRecalculateKeepsClaimsStable(t *testing.T) {
	e, _ := newTestEngine(t)
	seedCollections(t, e)
	ctx := context.Background()

	c, err := e.InitiateCycle(ctx, "CT-1", testNow)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.CalculateWaterfall(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	// A collection that posts before the recalculation is picked up by it.
	if _, err := e.RecordCollection(ctx, posted("P-6", "LN-1", "2024-03-10", domain.WaterfallResult{XP: 500}, false)); err != nil {
		t.Fatal(err)
	}
	detail, err := e.CalculateWaterfall(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if detail.Cycle.TotalCollectedMinor != 14200 {
		t.Errorf("recalculated collected %d, want 14200", detail.Cycle.TotalCollectedMinor)
	}
}

func TestExportsAndVerify(t *testing.T) {
	e, _ := newTestEngine(t)
	seedCollections(t, e)
	ctx := context.Background()

	c, err := e.InitiateCycle(ctx, "CT-1", testNow)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.CalculateWaterfall(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := e.LockCycle(ctx, c.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := e.GenerateExport(ctx, c.ID, "pdf"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("pdf err = %v, want ErrUnsupportedFormat", err)
	}

	xmlExp, err := e.GenerateExport(ctx, c.ID, domain.ExportXML)
	if err != nil {
		t.Fatalf("xml export: %v", err)
	}
	var report xmlReport
	if err := xml.Unmarshal(xmlExp.Content, &report); err != nil {
		t.Fatalf("parse xml: %v", err)
	}
	if len(report.Loans) != 2 || report.Summary.InvestorDue != "129.50" || report.Summary.Currency != "USD" {
		t.Errorf("report = %+v", report)
	}

	xlsxExp, err := e.GenerateExport(ctx, c.ID, domain.ExportXLSX)
	if err != nil {
		t.Fatalf("xlsx export: %v", err)
	}
	f, err := excelize.OpenReader(bytes.NewReader(xlsxExp.Content))
	if err != nil {
		t.Fatalf("open xlsx: %v", err)
	}
	defer f.Close()
	if v, _ := f.GetCellValue(xlsxSheet, "A1"); v != "loan_id" {
		t.Errorf("A1 = %q, want loan_id", v)
	}
	if v, _ := f.GetCellValue(xlsxSheet, "A3"); v != "LN-2" {
		t.Errorf("A3 = %q, want LN-2", v)
	}

	detail, err := e.GetCycle(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if detail.Cycle.Status != domain.CycleFileGenerated || len(detail.Exports) != 2 {
		t.Errorf("cycle %s with %d exports, want file_generated with 2", detail.Cycle.Status, len(detail.Exports))
	}

	v, err := e.VerifyExport(ctx, xlsxExp.ID)
	if err != nil {
		t.Fatalf("VerifyExport: %v", err)
	}
	if !v.Valid || v.Computed != xlsxExp.SHA256 {
		t.Errorf("verification = %+v", v)
	}

	if _, err := e.VerifyExport(ctx, "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("missing export err = %v, want ErrNotFound", err)
	}
}
