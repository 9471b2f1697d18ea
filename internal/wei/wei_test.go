package wei

import (
	"math/big"
	"testing"
)

func mustBig(t *testing.T, s string) *big.Int {
	t.Helper()
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		t.Fatalf("bad test literal %q", s)
	}
	return v
}

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"one ether", "1", "1000000000000000000"},
		{"one point zero", "1.0", "1000000000000000000"},
		{"tenth", "0.1", "100000000000000000"},
		{"leading dot", ".5", "500000000000000000"},
		{"trailing dot", "2.", "2000000000000000000"},
		{"one wei", "0.000000000000000001", "1"},
		{"large", "123456789.123456789", "123456789123456789000000000"},
		{"zero", "0", "0"},
		{"padded", " 3.25 ", "3250000000000000000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.input)
			if !ok {
				t.Fatalf("Parse(%q) returned ok=false", tt.input)
			}
			if want := mustBig(t, tt.expected); got.Cmp(want) != 0 {
				t.Errorf("Parse(%q) = %s, want %s", tt.input, got, want)
			}
		})
	}
}

func TestParse_InvalidAmounts(t *testing.T) {
	for _, input := range []string{
		"", ".", "-1", "+1", "1e18", "1.2.3", "abc", "0x10", "1,5",
		"0.0000000000000000001", // 19 fractional digits
	} {
		if _, ok := Parse(input); ok {
			t.Errorf("Parse(%q) should fail", input)
		}
	}
}

func TestParsePositive(t *testing.T) {
	if _, ok := ParsePositive("0.000"); ok {
		t.Error("zero should be rejected")
	}
	if v, ok := ParsePositive("0.01"); !ok || v.Sign() <= 0 {
		t.Error("0.01 should be accepted")
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		wei  string
		want string
	}{
		{"0", "0"},
		{"1", "0.000000000000000001"},
		{"1000000000000000000", "1"},
		{"1500000000000000000", "1.5"},
		{"100000000000000000", "0.1"},
		{"-250000000000000000", "-0.25"},
	}
	for _, tt := range tests {
		if got := Format(mustBig(t, tt.wei)); got != tt.want {
			t.Errorf("Format(%s) = %q, want %q", tt.wei, got, tt.want)
		}
	}
	if got := Format(nil); got != "0" {
		t.Errorf("Format(nil) = %q, want 0", got)
	}
}

func TestRoundTrip(t *testing.T) {
	for _, input := range []string{"0.1", "1", "42.000000000000000001", "0.333333333333333333"} {
		v, ok := Parse(input)
		if !ok {
			t.Fatalf("Parse(%q) failed", input)
		}
		if got := Format(v); got != input {
			t.Errorf("round trip %q -> %q", input, got)
		}
	}
}

func TestCanonical(t *testing.T) {
	if got := Canonical("0.100000000000000000"); got != "0.1" {
		t.Errorf("Canonical = %q, want 0.1", got)
	}
	if got := Canonical("5.000000000000000000"); got != "5" {
		t.Errorf("Canonical = %q, want 5", got)
	}
	if got := Canonical("garbage"); got != "garbage" {
		t.Errorf("Canonical should pass through invalid input, got %q", got)
	}
}
