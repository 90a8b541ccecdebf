package currency

import "testing"

func TestApplyBps(t *testing.T) {
	tests := []struct {
		name   string
		amount int64
		bps    int64
		want   int64
	}{
		{"quarter percent", 100000, 25, 250},
		{"truncates", 333, 2500, 83},
		{"zero bps", 5000, 0, 0},
		{"full", 5000, 10000, 5000},
		{"sub cent truncates to zero", 39, 25, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ApplyBps(tt.amount, tt.bps); got != tt.want {
				t.Errorf("ApplyBps(%d, %d) = %d, want %d", tt.amount, tt.bps, got, tt.want)
			}
		})
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		minor int64
		code  string
		want  string
	}{
		{123456, "USD", "1234.56 USD"},
		{5, "USD", "0.05 USD"},
		{-250, "", "-2.50 USD"},
		{1500, "JPY", "1500 JPY"},
	}
	for _, tt := range tests {
		if got := Format(tt.minor, tt.code); got != tt.want {
			t.Errorf("Format(%d, %q) = %q, want %q", tt.minor, tt.code, got, tt.want)
		}
	}
}

func TestToMajorUnsupported(t *testing.T) {
	if _, err := ToMajor(100, "XYZ"); err == nil {
		t.Error("ToMajor(XYZ) error = nil, want error")
	}
}
