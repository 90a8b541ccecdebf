package domain

import "time"

type ExceptionCategory string

const (
	CategoryWebhookParse      ExceptionCategory = "webhook_parse"
	CategoryNormalization     ExceptionCategory = "normalization"
	CategoryInvariant         ExceptionCategory = "invariant"
	CategoryManualReview      ExceptionCategory = "manual_review"
	CategoryPosting           ExceptionCategory = "posting"
	CategoryOutbox            ExceptionCategory = "outbox"
	CategorySettlementTimeout ExceptionCategory = "settlement_timeout"
	CategoryRetryExhausted    ExceptionCategory = "retry_exhausted"
	CategoryRemittance        ExceptionCategory = "remittance"
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

type ExceptionState string

const (
	ExceptionOpen     ExceptionState = "open"
	ExceptionReplayed ExceptionState = "replayed"
	ExceptionResolved ExceptionState = "resolved"
	ExceptionPurged   ExceptionState = "purged"
)

// ExceptionCase is anything the pipeline could not resolve on its own. It
// keeps the raw payload and where it came from so an operator can replay it.
type ExceptionCase struct {
	ID                 string            `json:"id"`
	Category           ExceptionCategory `json:"category"`
	Severity           Severity          `json:"severity"`
	State              ExceptionState    `json:"state"`
	Reason             string            `json:"reason"`
	CorrelationID      string            `json:"correlation_id,omitempty"`
	MessageID          string            `json:"message_id,omitempty"`
	SourceQueue        string            `json:"source_queue,omitempty"`
	OriginalExchange   string            `json:"original_exchange,omitempty"`
	OriginalRoutingKey string            `json:"original_routing_key,omitempty"`
	PayloadHash        string            `json:"payload_hash"`
	Payload            []byte            `json:"payload,omitempty"`
	Occurrences        int               `json:"occurrences"`
	Resolution         string            `json:"resolution,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}
