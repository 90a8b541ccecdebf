package ingestion

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wakala/paysettle/internal/currency"
	"github.com/wakala/paysettle/internal/domain"
)

// LockboxChannel is the channel name stamped on envelopes built from a
// bank lockbox deposit file.
const LockboxChannel = "lockbox"

// LockboxEvent is the event a deposited check carries until the bank
// reports it cleared.
const LockboxEvent = "deposited"

// ParseLockboxCSV parses a bank lockbox deposit file into check envelopes.
//
// Expected header:
//
//	batch_id,check_number,loan_id,amount,deposit_date
//
// amount is in major units with at most the currency's minor digits.
func ParseLockboxCSV(data []byte, currencyCode string, receivedAt time.Time) ([]domain.PaymentEnvelope, error) {
	if currencyCode == "" {
		currencyCode = "USD"
	}
	exp, err := currency.Exponent(currencyCode)
	if err != nil {
		return nil, err
	}

	reader := csv.NewReader(strings.NewReader(string(data)))
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) < 5 {
		return nil, fmt.Errorf("expected 5 columns, got %d", len(header))
	}

	var envelopes []domain.PaymentEnvelope
	lineNum := 1

	for {
		lineNum++
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		if len(row) < 5 {
			continue
		}

		batchID := strings.TrimSpace(row[0])
		checkNumber := strings.TrimSpace(row[1])
		loanID := strings.TrimSpace(row[2])
		amountStr := strings.TrimSpace(row[3])
		depositDate := strings.TrimSpace(row[4])

		amount, err := decimal.NewFromString(amountStr)
		if err != nil {
			return nil, fmt.Errorf("line %d amount: %w", lineNum, err)
		}
		minor := amount.Shift(exp)
		if !minor.Equal(minor.Truncate(0)) {
			return nil, fmt.Errorf("line %d amount %s has more than %d decimals", lineNum, amountStr, exp)
		}

		if _, err := time.Parse(valueDateLayout, depositDate); err != nil {
			return nil, fmt.Errorf("line %d date: %w", lineNum, err)
		}

		env := domain.PaymentEnvelope{
			Channel:     LockboxChannel,
			Reference:   batchID + "-" + checkNumber,
			Method:      domain.MethodCheck,
			Event:       LockboxEvent,
			AmountCents: minor.IntPart(),
			Currency:    currencyCode,
			LoanID:      loanID,
			ValueDate:   depositDate,
			ReceivedAt:  receivedAt,
			External:    domain.ExternalIDs{CheckNumber: checkNumber},
		}
		env.IdempotencyKey = ComputeIdempotencyKey(env.Channel, env.Reference, env.ValueDate, env.AmountCents, env.LoanID)
		if err := Validate(env); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		envelopes = append(envelopes, env)
	}

	return envelopes, nil
}
