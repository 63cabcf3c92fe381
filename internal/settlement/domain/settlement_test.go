package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeCostRoundsUpToWholeMinutes(t *testing.T) {
	cases := []struct {
		name       string
		billedSecs int64
		rate       int64
		minCharge  int64
		want       int64
	}{
		{name: "zero duration no minimum", billedSecs: 0, rate: 50, minCharge: 0, want: 0},
		{name: "zero duration with minimum", billedSecs: 0, rate: 50, minCharge: 25, want: 25},
		{name: "one second charges a full minute", billedSecs: 1, rate: 50, minCharge: 0, want: 50},
		{name: "exact minutes", billedSecs: 180, rate: 50, minCharge: 0, want: 150},
		{name: "partial minute rounds up", billedSecs: 181, rate: 50, minCharge: 0, want: 200},
		{name: "minimum charge floor", billedSecs: 60, rate: 10, minCharge: 100, want: 100},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ComputeCost(tc.billedSecs, tc.rate, tc.minCharge))
		})
	}
}

func TestComputeSplitAlwaysSumsToTotal(t *testing.T) {
	cases := []struct {
		name           string
		total          int64
		commissionPct  float64
		taxPct         float64
		wantCommission int64
		wantProvider   int64
		wantTax        int64
	}{
		{name: "three minutes at fifty", total: 150, commissionPct: 20, taxPct: 18, wantCommission: 30, wantProvider: 120, wantTax: 5},
		{name: "rounding favors provider remainder", total: 101, commissionPct: 20, taxPct: 18, wantCommission: 20, wantProvider: 81, wantTax: 4},
		{name: "zero total", total: 0, commissionPct: 20, taxPct: 18, wantCommission: 0, wantProvider: 0, wantTax: 0},
		{name: "full commission", total: 100, commissionPct: 100, taxPct: 0, wantCommission: 100, wantProvider: 0, wantTax: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			split := ComputeSplit(tc.total, tc.commissionPct, tc.taxPct)
			assert.Equal(t, tc.wantCommission, split.Commission)
			assert.Equal(t, tc.wantProvider, split.Provider)
			assert.Equal(t, tc.wantTax, split.Tax)
			require.Equal(t, split.Total, split.Commission+split.Provider, "split must sum to total")
		})
	}
}
