package domain

import "time"

// Due holds the outstanding amount per payment bucket, in minor units.
type Due struct {
	Fees           int64 `json:"fees" yaml:"fees"`
	Interest       int64 `json:"interest" yaml:"interest"`
	Principal      int64 `json:"principal" yaml:"principal"`
	EscrowShortage int64 `json:"escrowShortage" yaml:"escrow_shortage"`
}

// Policy says which buckets a payment may fund.
type Policy struct {
	AllowFees      bool `json:"allowFees"`
	AllowInterest  bool `json:"allowInterest"`
	AllowPrincipal bool `json:"allowPrincipal"`
	AllowEscrow    bool `json:"allowEscrow"`
	DefaultLoan    bool `json:"defaultLoan"`
}

type WaterfallInput struct {
	AmountCents int64  `json:"amountCents"`
	Due         Due    `json:"due"`
	Policy      Policy `json:"policy"`
}

// WaterfallResult is the allocation of one payment. The five fields always
// sum to the input amount.
type WaterfallResult struct {
	XF       int64 `json:"xF"`
	XI       int64 `json:"xI"`
	XP       int64 `json:"xP"`
	XE       int64 `json:"xE"`
	Suspense int64 `json:"suspense"`
}

// Applied is the part of the payment that reached a due bucket.
func (r WaterfallResult) Applied() int64 {
	return r.XF + r.XI + r.XP + r.XE
}

func (r WaterfallResult) Total() int64 {
	return r.Applied() + r.Suspense
}

type PostingDecision struct {
	ShouldPost           bool       `json:"shouldPost"`
	Reason               string     `json:"reason"`
	DelayUntil           *time.Time `json:"delayUntil,omitempty"`
	RequiresManualReview bool       `json:"requiresManualReview"`
}
