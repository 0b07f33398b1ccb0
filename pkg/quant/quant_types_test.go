package quant

import (
	"errors"
	"testing"
	"time"
)

func TestParsePrice(t *testing.T) {
	tests := []struct {
		input    string
		expected float64
		wantErr  bool
	}{
		{"51000", 51000, false},
		{"50123.45", 50123.45, false},
		{" 0.000123 ", 0.000123, false},
		{"1e-7", 0.0000001, false},
		{"0", 0, false},
		{"", 0, true},
		{"null", 0, true},
		{"abc", 0, true},
		{"-1.23", 0, true},
		{"1.2.3", 0, true},
	}

	for _, tt := range tests {
		got, err := ParsePrice(tt.input)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidPrice) {
				t.Errorf("ParsePrice(%q) error = %v; want ErrInvalidPrice", tt.input, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParsePrice(%q) unexpected error: %v", tt.input, err)
			continue
		}
		if got != tt.expected {
			t.Errorf("ParsePrice(%q) = %v; want %v", tt.input, got, tt.expected)
		}
	}
}

func TestFormatUSD(t *testing.T) {
	tests := []struct {
		input    float64
		expected string
	}{
		{51000, "$51,000.00"},
		{1234567.891, "$1,234,567.89"},
		{999.5, "$999.50"},
		{1, "$1.00"},
		{0.5, "$0.5"},
		{0.00012345, "$0.000123"},
		{0, "$0.00"},
	}

	for _, tt := range tests {
		if got := FormatUSD(tt.input); got != tt.expected {
			t.Errorf("FormatUSD(%v) = %s; want %s", tt.input, got, tt.expected)
		}
	}
}

func TestFormatCompact(t *testing.T) {
	tests := []struct {
		input    float64
		expected string
	}{
		{1.5e12, "$1.50T"},
		{987654321000, "$987.65B"},
		{2500000, "$2.50M"},
		{1000, "$1.00K"},
		{12.345, "$12.35"},
	}

	for _, tt := range tests {
		if got := FormatCompact(tt.input); got != tt.expected {
			t.Errorf("FormatCompact(%v) = %s; want %s", tt.input, got, tt.expected)
		}
	}
}

func TestFormatPercent(t *testing.T) {
	if got := FormatPercent(2.345); got != "+2.35%" {
		t.Errorf("FormatPercent(2.345) = %s", got)
	}
	if got := FormatPercent(-0.4); got != "-0.40%" {
		t.Errorf("FormatPercent(-0.4) = %s", got)
	}
}

func TestTimeStamp_RoundTrip(t *testing.T) {
	now := time.UnixMilli(1704067200000)
	ts := FromTime(now)
	if ts != 1704067200000 {
		t.Fatalf("FromTime = %d", ts)
	}
	if !ts.Time().Equal(now) {
		t.Errorf("Time() = %v; want %v", ts.Time(), now)
	}

	parsed, err := ParseTimeStamp(ts.String())
	if err != nil || parsed != ts {
		t.Errorf("ParseTimeStamp(%s) = %d, %v", ts.String(), parsed, err)
	}

	if !TimeStamp(0).Time().IsZero() {
		t.Error("zero TimeStamp should map to zero time")
	}
}
