package ingestion

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSampleEnvelopesValidate(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("..", "..", "testdata", "envelopes.json"))
	if err != nil {
		t.Fatal(err)
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if len(raw) == 0 {
		t.Fatal("no sample envelopes")
	}
	for i, body := range raw {
		if _, err := DecodeEnvelope(body); err != nil {
			t.Errorf("envelope %d: %v", i, err)
		}
	}
}

func TestSampleLockboxParses(t *testing.T) {
	data, err := os.ReadFile(filepath.Join("..", "..", "testdata", "lockbox_sample.csv"))
	if err != nil {
		t.Fatal(err)
	}
	envs, err := ParseLockboxCSV(data, "USD", time.Now())
	if err != nil {
		t.Fatalf("ParseLockboxCSV: %v", err)
	}
	if len(envs) != 2 {
		t.Fatalf("parsed %d checks, want 2", len(envs))
	}
	if envs[0].AmountCents != 25000 || envs[0].External.CheckNumber != "5001" {
		t.Errorf("first check = %+v", envs[0])
	}
}
