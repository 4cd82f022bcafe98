package models

import "strings"

//
// Cost table rows
//

type PricingUnit string

const (
	PricingUnitToken     PricingUnit = "token"
	PricingUnit1KTokens  PricingUnit = "1k_tokens"
	PricingUnit10KTokens PricingUnit = "10k_tokens"
)

// ModelCost is one row of the cost table. Costs are quoted per Unit,
// which defaults to 10k tokens.
type ModelCost struct {
	Model         string      `json:"model" db:"model"`
	InputCost10k  float64     `json:"input_cost_10k" db:"input_cost_10k"`
	OutputCost10k float64     `json:"output_cost_10k" db:"output_cost_10k"`
	Unit          PricingUnit `json:"unit,omitempty" db:"unit"`
}

// Matches reports whether the row applies to modelID (case-insensitive exact match).
func (c ModelCost) Matches(modelID string) bool {
	return strings.EqualFold(strings.TrimSpace(c.Model), strings.TrimSpace(modelID))
}

// InputRate returns the input cost per token.
func (c ModelCost) InputRate() float64 {
	return perToken(c.InputCost10k, c.Unit)
}

// OutputRate returns the output cost per token.
func (c ModelCost) OutputRate() float64 {
	return perToken(c.OutputCost10k, c.Unit)
}

func perToken(price float64, unit PricingUnit) float64 {
	switch unit {
	case PricingUnitToken:
		return price
	case PricingUnit1KTokens:
		return price / 1_000
	default:
		return price / 10_000
	}
}
