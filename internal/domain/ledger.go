package domain

import "time"

type Direction string

const (
	Debit  Direction = "debit"
	Credit Direction = "credit"
)

type JournalKind string

const (
	JournalPayment    JournalKind = "payment"
	JournalRemittance JournalKind = "remittance"
)

// Ledger accounts touched by payment posting and remittance settlement.
const (
	AccountCashClearing       = "cash_clearing"
	AccountFeesReceivable     = "fees_receivable"
	AccountInterestReceivable = "interest_receivable"
	AccountLoanPrincipal      = "loan_principal"
	AccountEscrowLiability    = "escrow_liability"
	AccountSuspense           = "unapplied_suspense"
	AccountCash               = "cash"
	AccountServicerFeeIncome  = "servicer_fee_income"
	AccountInvestorPayable    = "investor_payable_"
)

// LedgerLine is one append-only side of a journal entry.
type LedgerLine struct {
	ID          string      `json:"id"`
	JournalID   string      `json:"journal_id"`
	JournalKind JournalKind `json:"journal_kind"`
	Account     string      `json:"account"`
	Direction   Direction   `json:"direction"`
	AmountMinor int64       `json:"amount_minor"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Balanced reports whether debits equal credits and no line is negative.
func Balanced(lines []LedgerLine) bool {
	var dr, cr int64
	for _, l := range lines {
		if l.AmountMinor < 0 {
			return false
		}
		switch l.Direction {
		case Debit:
			dr += l.AmountMinor
		case Credit:
			cr += l.AmountMinor
		default:
			return false
		}
	}
	return dr == cr
}
