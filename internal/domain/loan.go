package domain

import "time"

type LoanStatus string

const (
	LoanCurrent     LoanStatus = "current"
	LoanDelinquent  LoanStatus = "delinquent"
	LoanDefault     LoanStatus = "default"
	LoanChargedOff  LoanStatus = "charged_off"
	LoanForbearance LoanStatus = "forbearance"
)

// Loan is the servicing state a payment is allocated against.
type Loan struct {
	LoanID      string     `json:"loan_id" yaml:"loan_id"`
	InvestorID  string     `json:"investor_id" yaml:"investor_id"`
	ProductCode string     `json:"product_code" yaml:"product_code"`
	Status      LoanStatus `json:"status" yaml:"status"`
	Due         Due        `json:"due" yaml:"due"`
	UpdatedAt   time.Time  `json:"updated_at" yaml:"-"`
}
