package domain

import "time"

// Bucket names a remittance waterfall bucket.
type Bucket string

const (
	BucketInterest   Bucket = "interest"
	BucketPrincipal  Bucket = "principal"
	BucketLateFees   Bucket = "late_fees"
	BucketEscrow     Bucket = "escrow"
	BucketRecoveries Bucket = "recoveries"
)

func (b Bucket) Valid() bool {
	switch b {
	case BucketInterest, BucketPrincipal, BucketLateFees, BucketEscrow, BucketRecoveries:
		return true
	}
	return false
}

// WaterfallRule is one ranked step of an investor's remittance waterfall.
type WaterfallRule struct {
	Rank     int    `json:"rank" yaml:"rank"`
	Bucket   Bucket `json:"bucket" yaml:"bucket"`
	CapMinor *int64 `json:"cap_minor,omitempty" yaml:"cap_minor,omitempty"`
}

// InvestorContract describes how collections on a product are remitted to
// one investor.
type InvestorContract struct {
	ID              string          `json:"id" yaml:"id"`
	InvestorID      string          `json:"investor_id" yaml:"investor_id"`
	ProductCode     string          `json:"product_code" yaml:"product_code"`
	Method          string          `json:"method" yaml:"method"`
	RemittanceDay   int             `json:"remittance_day" yaml:"remittance_day"`
	CutoffDay       int             `json:"cutoff_day" yaml:"cutoff_day"`
	ServicerFeeBps  int64           `json:"servicer_fee_bps" yaml:"servicer_fee_bps"`
	LateFeeSplitBps int64           `json:"late_fee_split_bps" yaml:"late_fee_split_bps"`
	Rules           []WaterfallRule `json:"rules" yaml:"rules"`
}

type CycleStatus string

const (
	CycleOpen          CycleStatus = "open"
	CycleLocked        CycleStatus = "locked"
	CycleFileGenerated CycleStatus = "file_generated"
	CycleSent          CycleStatus = "sent"
	CycleSettled       CycleStatus = "settled"
)

// RemittanceCycle aggregates one contract's collections over a period.
// Dates are inclusive YYYY-MM-DD strings.
type RemittanceCycle struct {
	ID                  string      `json:"id"`
	ContractID          string      `json:"contract_id"`
	InvestorID          string      `json:"investor_id"`
	PeriodStart         string      `json:"period_start"`
	PeriodEnd           string      `json:"period_end"`
	RemitOn             string      `json:"remit_on"`
	Status              CycleStatus `json:"status"`
	TotalCollectedMinor int64       `json:"total_collected_minor"`
	InvestorDueMinor    int64       `json:"investor_due_minor"`
	ServicerFeeMinor    int64       `json:"servicer_fee_minor"`
	LoanCount           int         `json:"loan_count"`
	CreatedAt           time.Time   `json:"created_at"`
	CalculatedAt        *time.Time  `json:"calculated_at,omitempty"`
	LockedAt            *time.Time  `json:"locked_at,omitempty"`
	SentAt              *time.Time  `json:"sent_at,omitempty"`
	SettledAt           *time.Time  `json:"settled_at,omitempty"`
}

// RemittanceItem is one loan's contribution to a cycle. Principal,
// Interest, Fees, Escrow and Recoveries are the investor's shares; Gross is
// what was collected per bucket.
type RemittanceItem struct {
	CycleID            string          `json:"cycle_id"`
	LoanID             string          `json:"loan_id"`
	PrincipalMinor     int64           `json:"principal_minor"`
	InterestMinor      int64           `json:"interest_minor"`
	FeesMinor          int64           `json:"fees_minor"`
	EscrowMinor        int64           `json:"escrow_minor"`
	RecoveriesMinor    int64           `json:"recoveries_minor"`
	CollectedMinor     int64           `json:"collected_minor"`
	InvestorShareMinor int64           `json:"investor_share_minor"`
	ServicerFeeMinor   int64           `json:"servicer_fee_minor"`
	Gross              LoanCollections `json:"gross"`
}

// Collection is what a single posted payment contributed to each bucket.
type Collection struct {
	PaymentID       string    `json:"payment_id"`
	LoanID          string    `json:"loan_id"`
	ValueDate       string    `json:"value_date"`
	PrincipalMinor  int64     `json:"principal_minor"`
	InterestMinor   int64     `json:"interest_minor"`
	LateFeesMinor   int64     `json:"late_fees_minor"`
	EscrowMinor     int64     `json:"escrow_minor"`
	RecoveriesMinor int64     `json:"recoveries_minor"`
	RecordedAt      time.Time `json:"recorded_at"`
}

// LoanCollections sums a loan's collections over a period.
type LoanCollections struct {
	LoanID     string `json:"loan_id"`
	Principal  int64  `json:"principal"`
	Interest   int64  `json:"interest"`
	LateFees   int64  `json:"late_fees"`
	Escrow     int64  `json:"escrow"`
	Recoveries int64  `json:"recoveries"`
}

func (c LoanCollections) Total() int64 {
	return c.Principal + c.Interest + c.LateFees + c.Escrow + c.Recoveries
}

type ExportFormat string

const (
	ExportCSV  ExportFormat = "csv"
	ExportXML  ExportFormat = "xml"
	ExportXLSX ExportFormat = "xlsx"
)

// RemittanceExport is a generated artifact and the SHA-256 of its content.
type RemittanceExport struct {
	ID        string       `json:"id"`
	CycleID   string       `json:"cycle_id"`
	Format    ExportFormat `json:"format"`
	SHA256    string       `json:"sha256"`
	Size      int          `json:"size"`
	Content   []byte       `json:"-"`
	CreatedAt time.Time    `json:"created_at"`
}
