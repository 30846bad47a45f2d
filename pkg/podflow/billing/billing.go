// Package billing converts token usage and pricing tiers into exact
// decimal costs and integer credit charges. Floating point never touches
// money here; everything runs on shopspring decimals.
package billing

import (
	"github.com/shopspring/decimal"

	"github.com/podflow/podflow/pkg/podflow/model"
)

// costScale is the decimal precision of stored and displayed USD costs.
const costScale = 8

// Usage is the token accounting of one completed call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	ReasoningTokens  int
}

// Settlement is the outcome of pricing one execution.
type Settlement struct {
	// Per-component display costs, each rounded to 8 decimals.
	InputCost     decimal.Decimal
	OutputCost    decimal.Decimal
	ReasoningCost decimal.Decimal

	// Cost is the stored total: the unrounded component sum rounded
	// once. Summing the pre-rounded components instead would accumulate
	// rounding drift.
	Cost decimal.Decimal

	// Charge is cost with the markup multiplier applied.
	Charge decimal.Decimal

	// Credits is the integer credit charge derived from Charge.
	Credits int64
}

// Engine prices executions under a fixed markup and credit value.
type Engine struct {
	markup      decimal.Decimal
	creditValue decimal.Decimal
}

// New creates a settlement engine. creditValue is the USD value of one
// credit (e.g. 0.0001).
func New(markup, creditValue decimal.Decimal) *Engine {
	return &Engine{markup: markup, creditValue: creditValue}
}

// componentCost is tokens/1,000,000 x pricePerMillion, computed exactly
// via a decimal shift rather than division.
func componentCost(tokens int, perMillion decimal.Decimal) decimal.Decimal {
	return perMillion.Mul(decimal.NewFromInt(int64(tokens))).Shift(-6)
}

// Settle prices one execution's usage against a tier and derives the
// credit charge. priorEstimate is a previously quoted credit amount
// (0 when none); the final charge never decreases relative to it.
func (e *Engine) Settle(usage Usage, tier *model.PricingTier, priorEstimate int64) Settlement {
	input := componentCost(usage.PromptTokens, tier.InputPerMillion)
	output := componentCost(usage.CompletionTokens, tier.OutputPerMillion)
	reasoning := componentCost(usage.ReasoningTokens, tier.ReasoningPerMillion)

	total := input.Add(output).Add(reasoning).Round(costScale)
	charge := total.Mul(e.markup).Round(costScale)

	return Settlement{
		InputCost:     input.Round(costScale),
		OutputCost:    output.Round(costScale),
		ReasoningCost: reasoning.Round(costScale),
		Cost:          total,
		Charge:        charge,
		Credits:       e.Credits(charge, priorEstimate),
	}
}

// Credits derives the integer credit charge for a USD amount:
// ceil(charge/creditValue), floored at 1 whenever the charge is
// positive, and never below a prior positive estimate. A zero charge
// with no prior estimate costs nothing.
func (e *Engine) Credits(charge decimal.Decimal, priorEstimate int64) int64 {
	if charge.Sign() <= 0 {
		if priorEstimate > 0 {
			return max(priorEstimate, 1)
		}
		return 0
	}

	credits := charge.Div(e.creditValue).Ceil().IntPart()
	if credits < 1 {
		credits = 1
	}
	if priorEstimate > credits {
		credits = priorEstimate
	}
	return credits
}
