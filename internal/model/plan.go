package model

import "github.com/shopspring/decimal"

// Allocation is a fixed GBP amount for one asset.
type Allocation struct {
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// PurchasePlan is the full order derived from a trigger number.
type PurchasePlan struct {
	TriggerNumber int          `json:"trigger_number"`
	Crypto        []Allocation `json:"crypto"`
	Equities      []Allocation `json:"equities"`
	IncludesBonus bool         `json:"includes_bonus"`
	BonusAssets   []string     `json:"bonus_assets,omitempty"`
}

// CryptoTotal sums the broker order.
func (p PurchasePlan) CryptoTotal() decimal.Decimal { return Total(p.Crypto) }

// EquityTotal sums the manual equity purchases.
func (p PurchasePlan) EquityTotal() decimal.Decimal { return Total(p.Equities) }

// Total sums allocation amounts.
func Total(allocs []Allocation) decimal.Decimal {
	sum := decimal.Zero
	for _, a := range allocs {
		sum = sum.Add(a.Amount)
	}
	return sum
}

// Decision is the output of the trigger evaluator.
type Decision struct {
	Fired         bool
	Reason        string // why nothing fired; empty when Fired
	Category      TriggerCategory
	TriggerNumber int
	Final         bool // the trigger that reaches the lifetime cap
	DropPct       float64
	Plan          PurchasePlan
	Observation   Observation
}
