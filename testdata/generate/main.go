// Command generate writes demo inbound traffic for the seeded loans:
// envelopes.json for POST /api/v1/payments and lockbox_sample.csv for
// POST /api/v1/payments/lockbox.
package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/wakala/paysettle/internal/domain"
	"github.com/wakala/paysettle/internal/ingestion"
	"github.com/wakala/paysettle/internal/seed"
)

const (
	valueDate   = "2024-03-04"
	depositDate = "2024-03-05"
	lockboxID   = "LBX-0305"
)

var receivedAt = time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)

func main() {
	baseDir := findTestdataDir()

	data, err := os.ReadFile(filepath.Join(baseDir, "seed.yaml"))
	if err != nil {
		panic(err)
	}
	fixture, err := seed.Parse(data)
	if err != nil {
		panic(err)
	}

	generateEnvelopes(fixture.Loans, baseDir)
	generateLockboxCSV(fixture.Loans, baseDir)
}

func envelope(channel, reference string, method domain.Method, event string, amount int64, loanID string, ext domain.ExternalIDs) domain.PaymentEnvelope {
	env := domain.PaymentEnvelope{
		Channel:     channel,
		Reference:   reference,
		Method:      method,
		Event:       event,
		AmountCents: amount,
		Currency:    "USD",
		LoanID:      loanID,
		ValueDate:   valueDate,
		ReceivedAt:  receivedAt,
		External:    ext,
	}
	env.IdempotencyKey = ingestion.ComputeIdempotencyKey(channel, reference, valueDate, amount, loanID)
	return env
}

// generateEnvelopes picks a rail per loan status so every posting path is
// covered: immediate card posting, deferred ACH promoted by its settlement
// event, wire and Zelle completions, and one envelope for an unknown loan
// that ends up in manual review.
func generateEnvelopes(loans []domain.Loan, baseDir string) {
	var out []domain.PaymentEnvelope

	for i, l := range loans {
		due := l.Due
		switch l.Status {
		case domain.LoanCurrent:
			out = append(out, envelope("gateway", "ch_"+l.LoanID, domain.MethodCard, "capture",
				due.Fees+due.Interest+due.Principal, l.LoanID,
				domain.ExternalIDs{ProviderPaymentID: "pi_" + l.LoanID}))
		case domain.LoanDelinquent:
			trace := fmt.Sprintf("021000021%06d", i+1)
			amount := due.Fees + due.Interest + due.Principal + due.EscrowShortage
			for _, event := range []string{"initiated", "settled"} {
				out = append(out, envelope("nacha", "ACH-"+l.LoanID, domain.MethodACH, event,
					amount, l.LoanID, domain.ExternalIDs{TraceNumber: trace}))
			}
		case domain.LoanDefault:
			out = append(out, envelope("fedwire", "WIRE-"+l.LoanID, domain.MethodWire, "completed",
				due.Fees+due.Interest, l.LoanID,
				domain.ExternalIDs{IMAD: fmt.Sprintf("20240304MMQFMP2N%06d", i+1)}))
		case domain.LoanForbearance:
			out = append(out, envelope("zelle", "ZL-"+l.LoanID, domain.MethodZelle, "completed",
				due.Fees+due.Interest, l.LoanID,
				domain.ExternalIDs{ProviderPaymentID: "zl_" + l.LoanID}))
		}
	}

	out = append(out, envelope("gateway", "ch_LN-9999", domain.MethodCard, "capture", 10000, "LN-9999",
		domain.ExternalIDs{ProviderPaymentID: "pi_LN-9999"}))

	writeJSONFile(filepath.Join(baseDir, "envelopes.json"), out)
	fmt.Printf("Generated %d envelopes -> envelopes.json\n", len(out))
}

// generateLockboxCSV deposits a principal-only check for every current loan.
func generateLockboxCSV(loans []domain.Loan, baseDir string) {
	filePath := filepath.Join(baseDir, "lockbox_sample.csv")
	f, err := os.Create(filePath)
	if err != nil {
		panic(err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	w.Write([]string{"batch_id", "check_number", "loan_id", "amount", "deposit_date"})

	count := 0
	for _, l := range loans {
		if l.Status != domain.LoanCurrent {
			continue
		}
		w.Write([]string{
			lockboxID,
			fmt.Sprintf("%d", 5001+count),
			l.LoanID,
			fmt.Sprintf("%d.%02d", l.Due.Principal/100, l.Due.Principal%100),
			depositDate,
		})
		count++
	}

	fmt.Printf("Generated %d lockbox checks -> lockbox_sample.csv\n", count)
}

func writeJSONFile(path string, v any) {
	f, err := os.Create(path)
	if err != nil {
		panic(err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		panic(err)
	}
}

func findTestdataDir() string {
	candidates := []string{
		"testdata",
		"./testdata",
		"../testdata",
	}
	for _, c := range candidates {
		if info, err := os.Stat(filepath.Join(c, "seed.yaml")); err == nil && !info.IsDir() {
			return c
		}
	}
	return "testdata"
}
