package domain

import "time"

type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxDispatched OutboxStatus = "dispatched"
	OutboxFailed     OutboxStatus = "failed"
)

// OutboxMessage is written in the same transaction as the state change it
// announces and dispatched to the broker at least once.
type OutboxMessage struct {
	ID           string       `json:"id"`
	MessageID    string       `json:"message_id"`
	Exchange     string       `json:"exchange"`
	RoutingKey   string       `json:"routing_key"`
	Payload      []byte       `json:"payload"`
	Status       OutboxStatus `json:"status"`
	Attempts     int          `json:"attempts"`
	LastError    string       `json:"last_error,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	DispatchedAt *time.Time   `json:"dispatched_at,omitempty"`
}

// Event routing keys.
const (
	EventLedgerPosted          = "ledger.posted"
	EventPostingFailed         = "exception.posting.failed"
	EventAwaitingSettlement    = "payment.awaiting_settlement"
	EventRemittanceCycleSettle = "remittance.cycle.settled"
)

// LedgerPostedEvent is the payload of ledger.posted.
type LedgerPostedEvent struct {
	PaymentID   string          `json:"paymentId"`
	Envelope    PaymentEnvelope `json:"envelope"`
	Waterfall   WaterfallResult `json:"waterfall"`
	DefaultLoan bool            `json:"defaultLoan"`
	Timestamp   time.Time       `json:"timestamp"`
}

// PostingFailedEvent is the payload of exception.posting.failed.
type PostingFailedEvent struct {
	Envelope        PaymentEnvelope `json:"envelope"`
	Waterfall       WaterfallResult `json:"waterfall"`
	PostingDecision PostingDecision `json:"postingDecision"`
	Error           string          `json:"error"`
	Timestamp       time.Time       `json:"timestamp"`
}

// AwaitingSettlementEvent is the payload of payment.awaiting_settlement.
type AwaitingSettlementEvent struct {
	PaymentID      string     `json:"paymentId"`
	IdempotencyKey string     `json:"idempotencyKey"`
	LoanID         string     `json:"loanId"`
	Reason         string     `json:"reason"`
	DelayUntil     *time.Time `json:"delayUntil,omitempty"`
	Timestamp      time.Time  `json:"timestamp"`
}

// CycleSettledEvent is the payload of remittance.cycle.settled.
type CycleSettledEvent struct {
	CycleID          string    `json:"cycleId"`
	ContractID       string    `json:"contractId"`
	InvestorID       string    `json:"investorId"`
	InvestorDueMinor int64     `json:"investorDueMinor"`
	ServicerFeeMinor int64     `json:"servicerFeeMinor"`
	Timestamp        time.Time `json:"timestamp"`
}
