package strategy

import (
	"github.com/shopspring/decimal"

	"RedDaySentinel/internal/model"
)

// AllocationTable holds the fixed GBP purchase amounts applied on each trigger.
type AllocationTable struct {
	CoreCrypto  []model.Allocation // every trigger, broker order
	BonusCrypto []model.Allocation // added to the broker order when n % BonusEvery == 0
	BonusEvery  int
	Equities    []model.Allocation // every trigger, manual action
}

// DefaultTable is the published allocation table.
var DefaultTable = AllocationTable{
	CoreCrypto: []model.Allocation{
		{Asset: "LINK", Amount: decimal.RequireFromString("666.67")},
		{Asset: "ONDO", Amount: decimal.RequireFromString("533.33")},
		{Asset: "TAO", Amount: decimal.RequireFromString("533.33")},
		{Asset: "RENDER", Amount: decimal.RequireFromString("533.33")},
		{Asset: "TRAC", Amount: decimal.RequireFromString("333.33")},
	},
	BonusCrypto: []model.Allocation{
		{Asset: "BANANA", Amount: decimal.RequireFromString("100.00")},
		{Asset: "BONK", Amount: decimal.RequireFromString("100.00")},
	},
	BonusEvery: 3,
	Equities: []model.Allocation{
		{Asset: "COIN", Amount: decimal.RequireFromString("233.33")},
		{Asset: "NVDA", Amount: decimal.RequireFromString("200.00")},
		{Asset: "PLTR", Amount: decimal.RequireFromString("166.67")},
	},
}

// IncludesBonus reports whether trigger n (1-indexed) carries the bonus assets.
func (t AllocationTable) IncludesBonus(n int) bool {
	return t.BonusEvery > 0 && n > 0 && n%t.BonusEvery == 0
}

// PlanFor derives the purchase plan for trigger number n.
func (t AllocationTable) PlanFor(n int) model.PurchasePlan {
	plan := model.PurchasePlan{
		TriggerNumber: n,
		Crypto:        append([]model.Allocation(nil), t.CoreCrypto...),
		Equities:      append([]model.Allocation(nil), t.Equities...),
	}
	if t.IncludesBonus(n) {
		plan.IncludesBonus = true
		plan.Crypto = append(plan.Crypto, t.BonusCrypto...)
		for _, a := range t.BonusCrypto {
			plan.BonusAssets = append(plan.BonusAssets, a.Asset)
		}
	}
	return plan
}

// PlanFor derives the purchase plan for trigger number n from DefaultTable.
func PlanFor(n int) model.PurchasePlan {
	return DefaultTable.PlanFor(n)
}
