package domain

import "time"

// Method is the settlement rail a payment arrived on.
type Method string

const (
	MethodACH      Method = "ach"
	MethodWire     Method = "wire"
	MethodRealtime Method = "realtime"
	MethodCheck    Method = "check"
	MethodCard     Method = "card"
	MethodPayPal   Method = "paypal"
	MethodVenmo    Method = "venmo"
	MethodZelle    Method = "zelle"
	MethodCash     Method = "cash"
)

// Methods lists every rail the pipeline knows about, in routing-key order.
var Methods = []Method{
	MethodACH, MethodWire, MethodRealtime, MethodCheck, MethodCard,
	MethodPayPal, MethodVenmo, MethodZelle, MethodCash,
}

// Valid reports whether m is a known rail.
func (m Method) Valid() bool {
	for _, k := range Methods {
		if k == m {
			return true
		}
	}
	return false
}

// ExternalIDs carries provider identifiers attached by the normalizer.
type ExternalIDs struct {
	ProviderPaymentID string `json:"provider_payment_id,omitempty"`
	TraceNumber       string `json:"trace_number,omitempty"`
	CheckNumber       string `json:"check_number,omitempty"`
	IMAD              string `json:"imad,omitempty"`
}

// PaymentEnvelope is the canonical, immutable form of one inbound payment
// event. Amounts are integer minor units.
type PaymentEnvelope struct {
	IdempotencyKey string      `json:"idempotency_key"`
	Channel        string      `json:"channel"`
	Reference      string      `json:"reference"`
	Method         Method      `json:"method"`
	Event          string      `json:"event"`
	AmountCents    int64       `json:"amount_cents"`
	Currency       string      `json:"currency"`
	LoanID         string      `json:"loan_id"`
	ValueDate      string      `json:"value_date"`
	ReceivedAt     time.Time   `json:"received_at"`
	External       ExternalIDs `json:"external,omitempty"`
}

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPosted  PaymentStatus = "posted"
)

// Payment is the durable record of an envelope, keyed by its idempotency key.
type Payment struct {
	ID             string          `json:"id"`
	IdempotencyKey string          `json:"idempotency_key"`
	LoanID         string          `json:"loan_id"`
	Method         Method          `json:"method"`
	Event          string          `json:"event"`
	AmountMinor    int64           `json:"amount_minor"`
	ValueDate      string          `json:"value_date"`
	Status         PaymentStatus   `json:"status"`
	Allocation     WaterfallResult `json:"allocation"`
	DefaultLoan    bool            `json:"default_loan"`
	Reason         string          `json:"reason,omitempty"`
	DelayUntil     *time.Time      `json:"delay_until,omitempty"`
	Envelope       []byte          `json:"-"`
	CreatedAt      time.Time       `json:"created_at"`
	PostedAt       *time.Time      `json:"posted_at,omitempty"`
}
