package notifier

import (
	"fmt"
	"html"
	"strings"
	"time"

	"RedDaySentinel/internal/model"
)

// FormatTriggerSummary formats a fired trigger for the Telegram mirror.
func FormatTriggerSummary(rec model.TriggerRecord, plan model.PurchasePlan, maxTriggers int) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("🔴 <b>Red Day DCA Trigger #%d of %d</b>\n\n", rec.Number, maxTriggers))
	b.WriteString(fmt.Sprintf("Type: %s\n", html.EscapeString(rec.Category.Label())))
	b.WriteString(fmt.Sprintf("BTC: %s", usd(rec.Price)))
	if rec.YesterdayClose != nil {
		b.WriteString(fmt.Sprintf(" (prev close %s)", usd(*rec.YesterdayClose)))
	}
	b.WriteString(fmt.Sprintf("\nChange: %s\n\n", pct(rec.DropPct)))

	b.WriteString(fmt.Sprintf("💰 <b>Broker order</b> %s\n", gbp(plan.CryptoTotal())))
	for _, a := range plan.Crypto {
		b.WriteString(fmt.Sprintf("  %s: %s\n", a.Asset, gbp(a.Amount)))
	}
	b.WriteString(fmt.Sprintf("\n📱 <b>eToro</b> %s\n", gbp(plan.EquityTotal())))
	for _, a := range plan.Equities {
		b.WriteString(fmt.Sprintf("  %s: %s\n", a.Asset, gbp(a.Amount)))
	}
	if plan.IncludesBonus {
		b.WriteString(fmt.Sprintf("\n⚠️ Bonus trigger: %s included\n", strings.Join(plan.BonusAssets, ", ")))
	}
	b.WriteString(fmt.Sprintf("\nProgress: %d/%d", rec.Number, maxTriggers))
	return b.String()
}

// FormatStatus formats the current trigger state for display.
func FormatStatus(state model.TriggerState, maxTriggers int) string {
	var b strings.Builder
	b.WriteString("📦 <b>Red Day DCA status</b>\n\n")
	b.WriteString(fmt.Sprintf("Triggers: %d of %d (remaining %d)\n", state.TriggerCount, maxTriggers, max(maxTriggers-state.TriggerCount, 0)))
	b.WriteString(fmt.Sprintf("Last trigger: %s\n", orNone(state.LastTriggerDate)))
	if state.YesterdayClose != nil {
		b.WriteString(fmt.Sprintf("Reference close: %s (%s)\n", usd(*state.YesterdayClose), orNone(state.YesterdayCloseDate)))
	} else {
		b.WriteString("Reference close: none\n")
	}

	pending := 0
	for _, r := range state.TriggerHistory {
		if r.Pending() {
			pending++
		}
	}
	if pending > 0 {
		b.WriteString(fmt.Sprintf("Pending notifications: %d\n", pending))
	}

	if n := len(state.TriggerHistory); n > 0 {
		b.WriteString("\nRecent triggers:\n")
		start := 0
		if n > 5 {
			start = n - 5
		}
		for _, r := range state.TriggerHistory[start:] {
			b.WriteString(fmt.Sprintf("  #%d %s %s %s (%s)\n", r.Number, r.Date, usd(r.Price), pct(r.DropPct), r.Category.Label()))
		}
	}
	if !state.UpdatedAt.IsZero() {
		b.WriteString(fmt.Sprintf("\nUpdated: %s\n", state.UpdatedAt.UTC().Format(time.DateTime+" UTC")))
	}
	return b.String()
}

func orNone(s *string) string {
	if s == nil || *s == "" {
		return "none"
	}
	return *s
}
