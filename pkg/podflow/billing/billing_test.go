package billing

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podflow/podflow/pkg/podflow/model"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func tier(input, output, reasoning string) *model.PricingTier {
	return &model.PricingTier{
		InputPerMillion:     dec(input),
		OutputPerMillion:    dec(output),
		ReasoningPerMillion: dec(reasoning),
	}
}

func TestSettleScenario(t *testing.T) {
	// 1,000 prompt tokens at $3/M and 500 completion tokens at $15/M:
	// $0.003 + $0.0075 = $0.0105; 2x markup -> $0.021; at $0.0001 per
	// credit, ceil(210) = 210.
	e := New(dec("2"), dec("0.0001"))

	s := e.Settle(Usage{PromptTokens: 1000, CompletionTokens: 500}, tier("3", "15", "0"), 0)

	assert.True(t, s.InputCost.Equal(dec("0.003")), "input cost %s", s.InputCost)
	assert.True(t, s.OutputCost.Equal(dec("0.0075")), "output cost %s", s.OutputCost)
	assert.True(t, s.Cost.Equal(dec("0.0105")), "total cost %s", s.Cost)
	assert.True(t, s.Charge.Equal(dec("0.021")), "charge %s", s.Charge)
	assert.Equal(t, int64(210), s.Credits)
}

func TestSettleReasoningTokens(t *testing.T) {
	e := New(dec("1"), dec("0.0001"))

	s := e.Settle(Usage{PromptTokens: 100, CompletionTokens: 100, ReasoningTokens: 300},
		tier("1", "2", "4"), 0)

	// 0.0001 + 0.0002 + 0.0012 = 0.0015
	assert.True(t, s.Cost.Equal(dec("0.0015")), "cost %s", s.Cost)
	assert.Equal(t, int64(15), s.Credits)
}

func TestSettleZeroUsage(t *testing.T) {
	e := New(dec("2"), dec("0.0001"))

	s := e.Settle(Usage{}, tier("3", "15", "0"), 0)
	assert.True(t, s.Cost.IsZero())
	assert.Equal(t, int64(0), s.Credits)
}

func TestSingleRoundingOfSum(t *testing.T) {
	// Components that each round up would drift if summed after
	// rounding; the stored total must round the unrounded sum once.
	e := New(dec("1"), dec("0.0001"))

	// 1 token at $3.004/M is $0.000003004 per component. Each component
	// rounds to $0.00000300 at 8 decimals; the unrounded sum of three is
	// $0.000009012, which rounds to $0.00000901.
	component := dec("0.000003004")
	tr := tier("3.004", "3.004", "3.004")
	s := e.Settle(Usage{PromptTokens: 1, CompletionTokens: 1, ReasoningTokens: 1}, tr, 0)

	unrounded := component.Mul(decimal.NewFromInt(3))
	require.True(t, s.Cost.Equal(unrounded.Round(8)), "cost %s", s.Cost)
	assert.True(t, s.Cost.Equal(dec("0.00000901")), "cost %s", s.Cost)

	prerounded := component.Round(8).Mul(decimal.NewFromInt(3))
	assert.True(t, prerounded.Equal(dec("0.000009")))
	assert.False(t, s.Cost.Equal(prerounded), "sum of pre-rounded components must not be the stored total")
}

func TestRoundingIdempotence(t *testing.T) {
	v := dec("0.01050000")
	assert.True(t, v.Round(8).Equal(v))
}

func TestCreditsFloorAndCeiling(t *testing.T) {
	e := New(dec("1"), dec("0.0001"))

	tests := []struct {
		charge string
		prior  int64
		want   int64
	}{
		{"0", 0, 0},
		{"0", 5, 5},           // zero charge honors a prior positive quote
		{"0.00000001", 0, 1},  // tiny positive charge floors at 1
		{"0.0001", 0, 1},      // exactly one credit
		{"0.00010001", 0, 2},  // fractional credits round up
		{"0.021", 0, 210},
		{"0.021", 300, 300}, // prior estimate is a floor
		{"0.021", 100, 210}, // computed dominates a smaller prior
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("charge=%s prior=%d", tt.charge, tt.prior), func(t *testing.T) {
			assert.Equal(t, tt.want, e.Credits(dec(tt.charge), tt.prior))
		})
	}
}

func TestCreditsMonotonic(t *testing.T) {
	e := New(dec("1"), dec("0.0001"))

	var prev int64
	charge := decimal.Zero
	step := dec("0.000037")
	for i := 0; i < 200; i++ {
		credits := e.Credits(charge, 0)
		require.GreaterOrEqual(t, credits, prev, "credits decreased at charge %s", charge)
		if charge.Sign() > 0 {
			require.GreaterOrEqual(t, credits, int64(1))
		}
		prev = credits
		charge = charge.Add(step)
	}
}
