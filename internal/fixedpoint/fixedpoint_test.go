package fixedpoint_test

import (
	"errors"
	"math"
	"testing"

	"MicroBook/internal/fixedpoint"
)

func TestToFixed_Exact(t *testing.T) {
	c := fixedpoint.NewCodec(fixedpoint.DecimalConfig{DecimalPrecision: 2, Scale: 100})

	cases := []struct {
		in   string
		want int64
	}{
		{"0", 0},
		{"1", 100},
		{"100.00", 10000},
		{"100.1", 10010},
		{"100.10", 10010},
		{"0.01", 1},
		{"-2.5", -250},
		{"+3.25", 325},
		{"92233720368547758.07", 9223372036854775807},
	}

	for _, tc := range cases {
		got, err := c.ToFixed(tc.in)
		if err != nil {
			t.Errorf("ToFixed(%q): unexpected error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ToFixed(%q): got %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestToFixed_TruncatesNotRounds(t *testing.T) {
	c := fixedpoint.NewCodec(fixedpoint.DecimalConfig{DecimalPrecision: 2, Scale: 100})

	got, err := c.ToFixed("1.999")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 199 {
		t.Errorf("ToFixed(1.999): got %d, want 199 (truncate toward zero)", got)
	}

	got, err = c.ToFixed("-1.999")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != -199 {
		t.Errorf("ToFixed(-1.999): got %d, want -199 (truncate toward zero)", got)
	}
}

func TestToFixed_Overflow(t *testing.T) {
	c := fixedpoint.NewCodec(fixedpoint.DecimalConfig{DecimalPrecision: 8, Scale: 100_000_000})

	for _, in := range []string{
		"92233720368.54775808", // MaxInt64 + 1 at scale 1e8
		"99999999999999999999",
	} {
		_, err := c.ToFixed(in)
		if !errors.Is(err, fixedpoint.ErrScaleOverflow) {
			t.Errorf("ToFixed(%q): got err %v, want ErrScaleOverflow", in, err)
		}
	}
}

func TestToFixed_Malformed(t *testing.T) {
	c := fixedpoint.NewCodec(fixedpoint.PriceConfig)

	for _, in := range []string{"", ".", "-", "1.2.3", "1e5", "abc", "12a.5"} {
		if _, err := c.ToFixed(in); err == nil {
			t.Errorf("ToFixed(%q): expected error", in)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	c := fixedpoint.NewCodec(fixedpoint.DecimalConfig{DecimalPrecision: 8, Scale: 100_000_000})

	// Canonical inputs: no leading/trailing zeros beyond significance.
	inputs := []string{
		"0", "1", "65000.5", "0.00000001", "123456789.87654321",
		"-42.5", "19999.00000009",
	}
	for _, in := range inputs {
		fp, err := c.ToFixed(in)
		if err != nil {
			t.Fatalf("ToFixed(%q): %v", in, err)
		}
		out := c.FromFixed(fp)
		if out != in {
			t.Errorf("round trip %q: got %q (fp=%d)", in, out, fp)
		}
	}
}

func TestCoexistingScales(t *testing.T) {
	price := fixedpoint.NewCodec(fixedpoint.DecimalConfig{DecimalPrecision: 2, Scale: 100})
	qty := fixedpoint.NewCodec(fixedpoint.DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000})

	p, err := price.ToFixed("50000.25")
	if err != nil {
		t.Fatalf("price ToFixed: %v", err)
	}
	q, err := qty.ToFixed("0.5")
	if err != nil {
		t.Fatalf("qty ToFixed: %v", err)
	}

	if p != 5_000_025 {
		t.Errorf("price fp: got %d, want 5000025", p)
	}
	if q != 500_000 {
		t.Errorf("qty fp: got %d, want 500000", q)
	}
}

func TestWeightedMean_Truncates(t *testing.T) {
	// (100.00*1 + 100.10*2) / 3 at scale 100 → 100.0666... truncated to 100.06
	got := fixedpoint.WeightedMean(10000, 1, 10010, 2)
	if got != 10006 {
		t.Errorf("WeightedMean: got %d, want 10006", got)
	}

	// Negative numerator truncates toward zero, not floor.
	got = fixedpoint.WeightedMean(-10, 1, 0, 2)
	if got != -3 {
		t.Errorf("WeightedMean negative: got %d, want -3", got)
	}
}

func TestWeightedMean_ExtremeWeights(t *testing.T) {
	// Weights whose int64 sum would wrap: the mean of equally weighted
	// values must still come out exact.
	got := fixedpoint.WeightedMean(10_000_000_000, math.MaxInt64, 10_010_000_000, math.MaxInt64)
	if got != 10_005_000_000 {
		t.Errorf("WeightedMean extreme weights: got %d, want 10005000000", got)
	}
}
