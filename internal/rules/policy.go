package rules

import "github.com/wakala/paysettle/internal/domain"

// PolicyForLoanStatus returns the buckets a payment may fund for a loan in
// the given status. Unknown statuses fund nothing, so the whole payment
// lands in suspense until someone looks at the loan.
func PolicyForLoanStatus(status domain.LoanStatus) domain.Policy {
	switch status {
	case domain.LoanCurrent, domain.LoanDelinquent:
		return domain.Policy{AllowFees: true, AllowInterest: true, AllowPrincipal: true, AllowEscrow: true}
	case domain.LoanDefault:
		return domain.Policy{AllowFees: true, AllowInterest: true, AllowPrincipal: true, DefaultLoan: true}
	case domain.LoanChargedOff:
		return domain.Policy{AllowFees: true, AllowInterest: true, DefaultLoan: true}
	case domain.LoanForbearance:
		return domain.Policy{AllowInterest: true, AllowPrincipal: true, AllowEscrow: true}
	default:
		return domain.Policy{}
	}
}
