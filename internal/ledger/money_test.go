package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestParseMilliunits(t *testing.T) {
	cases := map[string]Milliunits{
		"1":       1000,
		"1.00":    1000,
		"25.50":   25500,
		"-25":     -25000,
		"-0.001":  -1,
		"0":       0,
		"1234.56": 1234560,
	}
	for in, want := range cases {
		got, err := ParseMilliunits(in)
		if err != nil {
			t.Fatalf("ParseMilliunits(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseMilliunits(%q)=%d, want %d", in, got, want)
		}
	}
}

func TestParseMilliunitsInvalid(t *testing.T) {
	if _, err := ParseMilliunits("12,50"); err == nil {
		t.Fatal("expected error for comma decimal")
	}
	if _, err := ParseMilliunits(""); err == nil {
		t.Fatal("expected error for empty string")
	}
}

func TestFromDecimalRounding(t *testing.T) {
	d := decimal.RequireFromString("0.0015")
	if got := FromDecimal(d); got != 2 {
		t.Fatalf("FromDecimal(0.0015)=%d, want 2", got)
	}
	d = decimal.RequireFromString("-0.0015")
	if got := FromDecimal(d); got != -2 {
		t.Fatalf("FromDecimal(-0.0015)=%d, want -2", got)
	}
}

func TestMilliunitsString(t *testing.T) {
	if s := Milliunits(-25500).String(); s != "-25.5" {
		t.Fatalf("String()=%q", s)
	}
}
