package tax

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func TestCompute(t *testing.T) {
	cases := []struct {
		name      string
		net       string
		pct       string
		inclusive bool
		places    int32
		tax       string
		total     string
	}{
		{"zero rate", "50.00", "0", false, 2, "0", "50.00"},
		{"exclusive 7%", "100.00", "7", false, 2, "7.00", "107.00"},
		{"inclusive 7%", "107.00", "7", true, 2, "7.00", "107.00"},
		{"exclusive rounds once", "33.33", "7", false, 2, "2.33", "35.66"},
		{"inclusive rounds once", "10.00", "7", true, 2, "0.65", "10.00"},
		{"zero decimal currency", "2500", "10", false, 0, "250", "2750"},
		{"negative net floors at zero", "-5.00", "7", false, 2, "0", "0"},
	}
	for _, tc := range cases {
		got := Compute(d(tc.net), d(tc.pct), tc.inclusive, tc.places)
		if !got.TaxAmount.Equal(d(tc.tax)) || !got.Total.Equal(d(tc.total)) {
			t.Fatalf("%s: expected tax %s total %s, got tax %s total %s", tc.name, tc.tax, tc.total, got.TaxAmount, got.Total)
		}
	}
}
