package remittance

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/wakala/paysettle/internal/domain"
)

func int64p(v int64) *int64 { return &v }

func testContract() *domain.InvestorContract {
	return &domain.InvestorContract{
		ID:              "CT-1",
		InvestorID:      "INV-1",
		ProductCode:     "PL-36",
		Method:          "actual_actual",
		RemittanceDay:   25,
		CutoffDay:       15,
		ServicerFeeBps:  2500,
		LateFeeSplitBps: 5000,
		Rules: []domain.WaterfallRule{
			{Rank: 1, Bucket: domain.BucketInterest},
			{Rank: 2, Bucket: domain.BucketPrincipal},
			{Rank: 3, Bucket: domain.BucketLateFees},
			{Rank: 4, Bucket: domain.BucketEscrow},
			{Rank: 5, Bucket: domain.BucketRecoveries},
		},
	}
}

func TestPeriod(t *testing.T) {
	tests := []struct {
		name      string
		cutoff    int
		remit     int
		now       time.Time
		wantStart string
		wantEnd   string
		wantRemit string
	}{
		{"after cutoff", 15, 25, time.Date(2024, 3, 20, 9, 0, 0, 0, time.UTC), "2024-03-01", "2024-03-15", "2024-03-25"},
		{"on cutoff", 15, 25, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), "2024-03-01", "2024-03-15", "2024-03-25"},
		{"before cutoff uses prior month", 15, 25, time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), "2024-02-01", "2024-02-29", "2024-03-25"},
		{"cutoff clamps to month end", 31, 10, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), "2024-02-01", "2024-02-29", "2024-03-10"},
		{"remittance day before cutoff rolls over", 15, 5, time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC), "2024-03-01", "2024-03-15", "2024-04-05"},
		{"january before cutoff", 10, 20, time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC), "2024-12-01", "2024-12-31", "2025-01-20"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, end, remitOn := Period(tt.cutoff, tt.remit, tt.now)
			if got := start.Format(dateLayout); got != tt.wantStart {
				t.Errorf("start = %s, want %s", got, tt.wantStart)
			}
			if got := end.Format(dateLayout); got != tt.wantEnd {
				t.Errorf("end = %s, want %s", got, tt.wantEnd)
			}
			if got := remitOn.Format(dateLayout); got != tt.wantRemit {
				t.Errorf("remitOn = %s, want %s", got, tt.wantRemit)
			}
		})
	}
}

func TestCalculateItem(t *testing.T) {
	lc := domain.LoanCollections{LoanID: "LN-1", Principal: 10000, Interest: 2000, LateFees: 500, Escrow: 300}

	it := CalculateItem(testContract(), lc)
	if it.InterestMinor != 1500 {
		t.Errorf("interest = %d, want 1500 after 25%% fee", it.InterestMinor)
	}
	if it.FeesMinor != 250 {
		t.Errorf("fees = %d, want 250 at 50%% split", it.FeesMinor)
	}
	if it.InvestorShareMinor != 12050 || it.ServicerFeeMinor != 750 || it.CollectedMinor != 12800 {
		t.Errorf("split = %d/%d of %d, want 12050/750 of 12800",
			it.InvestorShareMinor, it.ServicerFeeMinor, it.CollectedMinor)
	}
	if it.Gross != lc {
		t.Errorf("gross = %+v, want %+v", it.Gross, lc)
	}
}

func TestCalculateItemCapsAndMissingRules(t *testing.T) {
	c := testContract()
	c.Rules = []domain.WaterfallRule{
		{Rank: 1, Bucket: domain.BucketInterest},
		{Rank: 2, Bucket: domain.BucketPrincipal, CapMinor: int64p(4000)},
	}
	lc := domain.LoanCollections{LoanID: "LN-2", Principal: 10000, Interest: 1000, Escrow: 700}

	it := CalculateItem(c, lc)
	if it.PrincipalMinor != 4000 {
		t.Errorf("principal = %d, want capped 4000", it.PrincipalMinor)
	}
	if it.EscrowMinor != 0 {
		t.Errorf("escrow = %d, want 0 without a rule", it.EscrowMinor)
	}
	if it.InvestorShareMinor+it.ServicerFeeMinor != it.CollectedMinor {
		t.Errorf("split %d+%d does not add up to %d", it.InvestorShareMinor, it.ServicerFeeMinor, it.CollectedMinor)
	}
	if it.ServicerFeeMinor != 6000+250+700 {
		t.Errorf("servicer = %d, want 6950", it.ServicerFeeMinor)
	}
}

func TestTotals(t *testing.T) {
	c := testContract()
	items := []domain.RemittanceItem{
		CalculateItem(c, domain.LoanCollections{LoanID: "A", Principal: 100, Interest: 40}),
		CalculateItem(c, domain.LoanCollections{LoanID: "B", Recoveries: 900}),
	}
	collected, investor, servicer, err := Totals(items)
	if err != nil {
		t.Fatalf("Totals: %v", err)
	}
	if collected != 1040 || investor+servicer != collected {
		t.Errorf("totals = %d/%d/%d", collected, investor, servicer)
	}

	items[1].ServicerFeeMinor++
	if _, _, _, err := Totals(items); !errors.Is(err, ErrConservation) {
		t.Errorf("err = %v, want ErrConservation", err)
	}
}

func TestValidateContract(t *testing.T) {
	if err := ValidateContract(testContract()); err != nil {
		t.Fatalf("valid contract rejected: %v", err)
	}

	c := testContract()
	c.CutoffDay = 0
	c.ServicerFeeBps = 12000
	c.Rules = append(c.Rules,
		domain.WaterfallRule{Rank: 6, Bucket: domain.BucketInterest},
		domain.WaterfallRule{Rank: 7, Bucket: "bonus"},
		domain.WaterfallRule{Rank: 8, Bucket: domain.BucketEscrow, CapMinor: int64p(-1)},
	)
	err := ValidateContract(c)
	if err == nil {
		t.Fatal("invalid contract accepted")
	}
	for _, want := range []string{"cutoff_day", "servicer_fee_bps", "appears twice", "unknown bucket", "negative cap"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestCollectionFromEvent(t *testing.T) {
	ev := domain.LedgerPostedEvent{
		PaymentID: "P-1",
		Envelope:  domain.PaymentEnvelope{LoanID: "LN-1", ValueDate: "2024-03-02"},
		Waterfall: domain.WaterfallResult{XF: 10, XI: 20, XP: 30, XE: 40, Suspense: 50},
	}
	c := CollectionFromEvent(ev)
	if c.LateFeesMinor != 10 || c.InterestMinor != 20 || c.PrincipalMinor != 30 || c.EscrowMinor != 40 || c.RecoveriesMinor != 0 {
		t.Errorf("collection = %+v", c)
	}

	ev.DefaultLoan = true
	c = CollectionFromEvent(ev)
	if c.RecoveriesMinor != 100 || c.PrincipalMinor != 0 {
		t.Errorf("default collection = %+v, want 100 recoveries", c)
	}
}
