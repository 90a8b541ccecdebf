package ingestion

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/wakala/paysettle/internal/currency"
	"github.com/wakala/paysettle/internal/domain"
)

// ErrInvalidEnvelope wraps every reason an inbound envelope is refused.
var ErrInvalidEnvelope = errors.New("invalid payment envelope")

const valueDateLayout = "2006-01-02"

// ComputeIdempotencyKey is the SHA-256 hex of the fields that identify one
// payment regardless of which event announced it.
func ComputeIdempotencyKey(channel, reference, valueDate string, amountCents int64, loanID string) string {
	raw := strings.Join([]string{channel, reference, valueDate, strconv.FormatInt(amountCents, 10), loanID}, "|")
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// DecodeEnvelope parses and validates one envelope. Unknown fields are
// rejected.
func DecodeEnvelope(body []byte) (domain.PaymentEnvelope, error) {
	var env domain.PaymentEnvelope
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return env, fmt.Errorf("%w: decode: %v", ErrInvalidEnvelope, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return env, fmt.Errorf("%w: trailing data after envelope", ErrInvalidEnvelope)
	}
	if err := Validate(env); err != nil {
		return env, err
	}
	return env, nil
}

// Validate checks the envelope's shape, including the identifiers each
// rail must carry.
func Validate(env domain.PaymentEnvelope) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if !env.Method.Valid() {
		add("unknown method %q", env.Method)
	}
	if env.AmountCents <= 0 {
		add("amount_cents must be positive, got %d", env.AmountCents)
	}
	if env.Currency == "" {
		add("currency is required")
	} else if _, err := currency.Exponent(env.Currency); err != nil {
		add("currency %q is not supported", env.Currency)
	}
	if env.LoanID == "" {
		add("loan_id is required")
	}
	if env.Channel == "" {
		add("channel is required")
	}
	if env.Reference == "" {
		add("reference is required")
	}
	if env.Event == "" {
		add("event is required")
	}
	if _, err := time.Parse(valueDateLayout, env.ValueDate); err != nil {
		add("value_date %q is not YYYY-MM-DD", env.ValueDate)
	}
	want := ComputeIdempotencyKey(env.Channel, env.Reference, env.ValueDate, env.AmountCents, env.LoanID)
	if env.IdempotencyKey != want {
		add("idempotency_key does not match envelope fields")
	}

	ext := env.External
	switch env.Method {
	case domain.MethodCard, domain.MethodPayPal, domain.MethodVenmo, domain.MethodZelle:
		if ext.ProviderPaymentID == "" {
			add("%s payments need external.provider_payment_id", env.Method)
		}
	case domain.MethodCheck:
		if ext.CheckNumber == "" {
			add("check payments need external.check_number")
		}
	case domain.MethodACH:
		if ext.TraceNumber == "" {
			add("ach payments need external.trace_number")
		}
	case domain.MethodWire:
		if ext.IMAD == "" && ext.ProviderPaymentID == "" {
			add("wire payments need external.imad or external.provider_payment_id")
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidEnvelope, strings.Join(problems, "; "))
	}
	return nil
}

// CheckCurrency refuses an envelope that is not in want. Cycles sum minor
// units across payments, so a second currency cannot be mixed in.
func CheckCurrency(env domain.PaymentEnvelope, want string) error {
	if env.Currency != want {
		return fmt.Errorf("%w: currency %s is not the remittance currency %s", ErrInvalidEnvelope, env.Currency, want)
	}
	return nil
}

// MessageID identifies one event of one payment on the wire. Two events
// for the same payment share an idempotency key but not a message id.
func MessageID(env domain.PaymentEnvelope) string {
	return env.IdempotencyKey + ":" + env.Event
}
