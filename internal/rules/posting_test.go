package rules

import (
	"testing"
	"time"

	"github.com/wakala/paysettle/internal/domain"
)

func TestGetPostingDecision(t *testing.T) {
	at := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		rail       domain.Method
		event      string
		wantPost   bool
		wantReview bool
		wantDelay  time.Duration
	}{
		{"ach pending defers", domain.MethodACH, "pending", false, false, 72 * time.Hour},
		{"ach settled posts", domain.MethodACH, "settled", true, false, 0},
		{"ach cleared posts", domain.MethodACH, "cleared", true, false, 0},
		{"ach returned needs review", domain.MethodACH, "returned", false, true, 0},
		{"check deposited defers", domain.MethodCheck, "deposited", false, false, 120 * time.Hour},
		{"check cleared posts", domain.MethodCheck, "cleared", true, false, 0},
		{"wire completed posts", domain.MethodWire, "completed", true, false, 0},
		{"wire initiated waits", domain.MethodWire, "initiated", false, false, 0},
		{"realtime completed posts", domain.MethodRealtime, "completed", true, false, 0},
		{"zelle completed posts", domain.MethodZelle, "completed", true, false, 0},
		{"card authorization waits", domain.MethodCard, "authorization", false, false, 0},
		{"card capture posts", domain.MethodCard, "capture", true, false, 0},
		{"paypal settlement posts", domain.MethodPayPal, "settlement", true, false, 0},
		{"venmo capture posts", domain.MethodVenmo, "capture", true, false, 0},
		{"card chargeback needs review", domain.MethodCard, "chargeback", false, true, 0},
		{"cash received posts", domain.MethodCash, "received", true, false, 0},
		{"unknown rail needs review", domain.Method("crypto"), "completed", false, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := GetPostingDecision(tt.rail, tt.event, at)
			if d.ShouldPost != tt.wantPost {
				t.Errorf("ShouldPost = %v, want %v (%s)", d.ShouldPost, tt.wantPost, d.Reason)
			}
			if d.RequiresManualReview != tt.wantReview {
				t.Errorf("RequiresManualReview = %v, want %v", d.RequiresManualReview, tt.wantReview)
			}
			if tt.wantDelay == 0 && d.DelayUntil != nil {
				t.Errorf("DelayUntil = %v, want nil", d.DelayUntil)
			}
			if tt.wantDelay > 0 {
				if d.DelayUntil == nil {
					t.Fatal("DelayUntil = nil, want a deadline")
				}
				if got := d.DelayUntil.Sub(at); got != tt.wantDelay {
					t.Errorf("delay = %v, want %v", got, tt.wantDelay)
				}
			}
			if d.Reason == "" {
				t.Error("Reason is empty")
			}
		})
	}
}

func TestEveryMethodHasRail(t *testing.T) {
	for _, m := range domain.Methods {
		if _, ok := Rails[m]; !ok {
			t.Errorf("no rail config for %s", m)
		}
	}
}

func TestPolicyForLoanStatus(t *testing.T) {
	tests := []struct {
		status domain.LoanStatus
		want   domain.Policy
	}{
		{domain.LoanCurrent, allAllowed},
		{domain.LoanDelinquent, allAllowed},
		{domain.LoanDefault, domain.Policy{AllowFees: true, AllowInterest: true, AllowPrincipal: true, DefaultLoan: true}},
		{domain.LoanChargedOff, domain.Policy{AllowFees: true, AllowInterest: true, DefaultLoan: true}},
		{domain.LoanForbearance, domain.Policy{AllowInterest: true, AllowPrincipal: true, AllowEscrow: true}},
		{domain.LoanStatus("paid_off"), domain.Policy{}},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := PolicyForLoanStatus(tt.status); got != tt.want {
				t.Errorf("PolicyForLoanStatus(%s) = %+v, want %+v", tt.status, got, tt.want)
			}
		})
	}
}

func TestChargedOffLoanNeverFundsPrincipal(t *testing.T) {
	in := domain.WaterfallInput{AmountCents: 100000, Due: standardDue, Policy: PolicyForLoanStatus(domain.LoanChargedOff)}
	r := ApplyWaterfall(in)
	if r.XP != 0 || r.XE != 0 {
		t.Errorf("charged off allocation = %+v, want no principal or escrow", r)
	}
	if r.Suspense != 65000 {
		t.Errorf("Suspense = %d, want 65000", r.Suspense)
	}
}
