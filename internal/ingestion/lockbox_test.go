package ingestion

import (
	"strings"
	"testing"
	"time"

	"github.com/wakala/paysettle/internal/domain"
)

const lockboxFile = `batch_id,check_number,loan_id,amount,deposit_date
B-0301,1001,LN-1,1250.00,2025-03-01
B-0301,1002,LN-2,99.5,2025-03-01
`

func TestParseLockboxCSV(t *testing.T) {
	at := time.Date(2025, 3, 1, 16, 0, 0, 0, time.UTC)
	envs, err := ParseLockboxCSV([]byte(lockboxFile), "USD", at)
	if err != nil {
		t.Fatalf("ParseLockboxCSV: %v", err)
	}
	if len(envs) != 2 {
		t.Fatalf("got %d envelopes, want 2", len(envs))
	}

	e := envs[0]
	if e.AmountCents != 125000 || e.Method != domain.MethodCheck || e.Event != LockboxEvent {
		t.Errorf("first envelope = %+v", e)
	}
	if e.Reference != "B-0301-1001" || e.External.CheckNumber != "1001" {
		t.Errorf("reference/check = %s/%s", e.Reference, e.External.CheckNumber)
	}
	if envs[1].AmountCents != 9950 {
		t.Errorf("second amount = %d, want 9950", envs[1].AmountCents)
	}
	if err := Validate(e); err != nil {
		t.Errorf("parsed envelope does not validate: %v", err)
	}
}

func TestParseLockboxCSVRejects(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "short header", body: "a,b\n", wantErr: "expected 5 columns"},
		{name: "sub-cent amount", body: "batch_id,check_number,loan_id,amount,deposit_date\nB,1,LN,1.005,2025-03-01\n", wantErr: "decimals"},
		{name: "bad amount", body: "batch_id,check_number,loan_id,amount,deposit_date\nB,1,LN,ten,2025-03-01\n", wantErr: "amount"},
		{name: "bad date", body: "batch_id,check_number,loan_id,amount,deposit_date\nB,1,LN,10,03/01/2025\n", wantErr: "date"},
		{name: "negative amount", body: "batch_id,check_number,loan_id,amount,deposit_date\nB,1,LN,-10,2025-03-01\n", wantErr: "positive"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseLockboxCSV([]byte(tc.body), "USD", time.Now())
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("err = %v, want mention of %q", err, tc.wantErr)
			}
		})
	}
}
