package remittance

import (
	"errors"
	"fmt"

	"github.com/wakala/paysettle/internal/currency"
	"github.com/wakala/paysettle/internal/domain"
)

// ErrConservation means a calculation did not split collections exactly
// between investor and servicer.
var ErrConservation = errors.New("remittance does not conserve collections")

// ValidateContract checks the terms a calculation relies on.
func ValidateContract(c *domain.InvestorContract) error {
	var errs []error
	if c.CutoffDay < 1 || c.CutoffDay > 31 {
		errs = append(errs, fmt.Errorf("cutoff_day %d out of range", c.CutoffDay))
	}
	if c.RemittanceDay < 1 || c.RemittanceDay > 31 {
		errs = append(errs, fmt.Errorf("remittance_day %d out of range", c.RemittanceDay))
	}
	if c.ServicerFeeBps < 0 || c.ServicerFeeBps > currency.BpsDenominator {
		errs = append(errs, fmt.Errorf("servicer_fee_bps %d out of range", c.ServicerFeeBps))
	}
	if c.LateFeeSplitBps < 0 || c.LateFeeSplitBps > currency.BpsDenominator {
		errs = append(errs, fmt.Errorf("late_fee_split_bps %d out of range", c.LateFeeSplitBps))
	}
	seen := map[domain.Bucket]bool{}
	for _, r := range c.Rules {
		if !r.Bucket.Valid() {
			errs = append(errs, fmt.Errorf("rule %d: unknown bucket %q", r.Rank, r.Bucket))
		}
		if seen[r.Bucket] {
			errs = append(errs, fmt.Errorf("rule %d: bucket %s appears twice", r.Rank, r.Bucket))
		}
		seen[r.Bucket] = true
		if r.CapMinor != nil && *r.CapMinor < 0 {
			errs = append(errs, fmt.Errorf("rule %d: negative cap", r.Rank))
		}
	}
	return errors.Join(errs...)
}

// CalculateItem splits one loan's period collections between investor and
// servicer. The servicer fee is taken from interest first; each ranked rule
// then passes its bucket to the investor up to the rule's cap. Whatever no
// rule passes on stays with the servicer.
func CalculateItem(c *domain.InvestorContract, lc domain.LoanCollections) domain.RemittanceItem {
	item := domain.RemittanceItem{
		LoanID:         lc.LoanID,
		CollectedMinor: lc.Total(),
		Gross:          lc,
	}
	fee := currency.ApplyBps(lc.Interest, c.ServicerFeeBps)

	for _, r := range c.Rules {
		switch r.Bucket {
		case domain.BucketInterest:
			item.InterestMinor = capAt(lc.Interest-fee, r.CapMinor)
		case domain.BucketPrincipal:
			item.PrincipalMinor = capAt(lc.Principal, r.CapMinor)
		case domain.BucketLateFees:
			item.FeesMinor = capAt(currency.ApplyBps(lc.LateFees, c.LateFeeSplitBps), r.CapMinor)
		case domain.BucketEscrow:
			item.EscrowMinor = capAt(lc.Escrow, r.CapMinor)
		case domain.BucketRecoveries:
			item.RecoveriesMinor = capAt(lc.Recoveries, r.CapMinor)
		}
	}

	item.InvestorShareMinor = item.PrincipalMinor + item.InterestMinor + item.FeesMinor +
		item.EscrowMinor + item.RecoveriesMinor
	item.ServicerFeeMinor = item.CollectedMinor - item.InvestorShareMinor
	return item
}

// Totals sums items into cycle totals and checks that every item and the
// cycle split collections exactly.
func Totals(items []domain.RemittanceItem) (collected, investorDue, servicerFee int64, err error) {
	for _, it := range items {
		if it.InvestorShareMinor < 0 || it.ServicerFeeMinor < 0 ||
			it.InvestorShareMinor+it.ServicerFeeMinor != it.CollectedMinor ||
			it.Gross.Total() != it.CollectedMinor {
			return 0, 0, 0, fmt.Errorf("%w: loan %s investor=%d servicer=%d collected=%d",
				ErrConservation, it.LoanID, it.InvestorShareMinor, it.ServicerFeeMinor, it.CollectedMinor)
		}
		collected += it.CollectedMinor
		investorDue += it.InvestorShareMinor
		servicerFee += it.ServicerFeeMinor
	}
	if investorDue+servicerFee != collected {
		return 0, 0, 0, fmt.Errorf("%w: cycle investor=%d servicer=%d collected=%d",
			ErrConservation, investorDue, servicerFee, collected)
	}
	return collected, investorDue, servicerFee, nil
}

// CollectionFromEvent maps a ledger.posted event onto remittance buckets.
// On a defaulted or charged-off loan everything applied is a recovery.
// Suspense is never remitted.
func CollectionFromEvent(ev domain.LedgerPostedEvent) domain.Collection {
	c := domain.Collection{
		PaymentID: ev.PaymentID,
		LoanID:    ev.Envelope.LoanID,
		ValueDate: ev.Envelope.ValueDate,
	}
	if ev.DefaultLoan {
		c.RecoveriesMinor = ev.Waterfall.Applied()
		return c
	}
	c.LateFeesMinor = ev.Waterfall.XF
	c.InterestMinor = ev.Waterfall.XI
	c.PrincipalMinor = ev.Waterfall.XP
	c.EscrowMinor = ev.Waterfall.XE
	return c
}

func capAt(v int64, capMinor *int64) int64 {
	if v < 0 {
		v = 0
	}
	if capMinor != nil && v > *capMinor {
		return *capMinor
	}
	return v
}
