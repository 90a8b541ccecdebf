// Package rules allocates payments across due buckets and decides when a
// payment event may be posted. Nothing here has side effects.
package rules

import (
	"errors"
	"fmt"

	"github.com/wakala/paysettle/internal/domain"
)

// ApplyWaterfall allocates input.AmountCents to fees, then interest, then
// principal, then escrow shortage. Each bucket takes min(remaining, due) and
// is skipped when the policy disallows it. Whatever is left is suspense.
//
// The order is a business rule. Negative amounts or dues are treated as zero.
func ApplyWaterfall(input domain.WaterfallInput) domain.WaterfallResult {
	remaining := nonNegative(input.AmountCents)
	take := func(allowed bool, due int64) int64 {
		if !allowed {
			return 0
		}
		x := min(remaining, nonNegative(due))
		remaining -= x
		return x
	}

	var r domain.WaterfallResult
	r.XF = take(input.Policy.AllowFees, input.Due.Fees)
	r.XI = take(input.Policy.AllowInterest, input.Due.Interest)
	r.XP = take(input.Policy.AllowPrincipal, input.Due.Principal)
	r.XE = take(input.Policy.AllowEscrow, input.Due.EscrowShortage)
	r.Suspense = remaining
	return r
}

// ValidateWaterfallResult checks conservation, non-negativity, due-capping
// and policy compliance. All violations are reported together.
func ValidateWaterfallResult(input domain.WaterfallInput, r domain.WaterfallResult) error {
	var errs []error

	if got, want := r.Total(), nonNegative(input.AmountCents); got != want {
		errs = append(errs, fmt.Errorf("conservation: allocated %d, amount %d", got, want))
	}

	buckets := []struct {
		name    string
		x       int64
		due     int64
		allowed bool
	}{
		{"fees", r.XF, input.Due.Fees, input.Policy.AllowFees},
		{"interest", r.XI, input.Due.Interest, input.Policy.AllowInterest},
		{"principal", r.XP, input.Due.Principal, input.Policy.AllowPrincipal},
		{"escrow", r.XE, input.Due.EscrowShortage, input.Policy.AllowEscrow},
	}
	for _, b := range buckets {
		if b.x < 0 {
			errs = append(errs, fmt.Errorf("non-negativity: %s is %d", b.name, b.x))
		}
		if b.x > nonNegative(b.due) {
			errs = append(errs, fmt.Errorf("due cap: %s %d exceeds due %d", b.name, b.x, b.due))
		}
		if !b.allowed && b.x != 0 {
			errs = append(errs, fmt.Errorf("policy: %s disallowed but allocated %d", b.name, b.x))
		}
	}
	if r.Suspense < 0 {
		errs = append(errs, fmt.Errorf("non-negativity: suspense is %d", r.Suspense))
	}

	return errors.Join(errs...)
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
