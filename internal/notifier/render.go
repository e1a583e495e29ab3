package notifier

import (
	"bytes"
	"embed"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"

	"RedDaySentinel/internal/model"
	"RedDaySentinel/internal/strategy"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// Parties names the people that appear in the email copy.
type Parties struct {
	SenderName string
	BrokerName string
	BrokerAddr string
}

// Renderer builds the broker, personal and completion emails.
type Renderer struct {
	html    *htmltemplate.Template
	text    *texttemplate.Template
	table   strategy.AllocationTable
	max     int
	parties Parties
}

// NewRenderer parses the embedded templates.
func NewRenderer(table strategy.AllocationTable, maxTriggers int, parties Parties) (*Renderer, error) {
	html, err := htmltemplate.ParseFS(templateFS, "templates/*.html.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse html templates: %w", err)
	}
	text, err := texttemplate.ParseFS(templateFS, "templates/*.txt.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse text templates: %w", err)
	}
	if parties.SenderName == "" {
		parties.SenderName = "Red Day DCA"
	}
	return &Renderer{html: html, text: text, table: table, max: maxTriggers, parties: parties}, nil
}

type allocationView struct {
	Asset  string
	Amount string
}

type triggerView struct {
	Number         int
	Max            int
	Remaining      int
	ProgressPct    string
	Category       string
	Price          string
	ReferenceClose string
	Drop           string
	Timestamp      string
	Crypto         []allocationView
	CryptoTotal    string
	Equities       []allocationView
	EquityTotal    string
	IncludesBonus  bool
	BonusAssets    string
	BonusOrdinal   string
	SenderName     string
	BrokerName     string
	BrokerLabel    string
}

type historyRow struct {
	Number   int
	Date     string
	Price    string
	Drop     string
	Category string
}

type completionView struct {
	Max            int
	History        []historyRow
	CryptoDeployed string
	EquityDeployed string
}

// BrokerOrder renders the crypto buy order for the broker.
func (r *Renderer) BrokerOrder(rec model.TriggerRecord) (Email, error) {
	v := r.view(rec)
	e := Email{Subject: fmt.Sprintf("BUY ORDER - Red Day DCA Trigger #%d of %d", rec.Number, r.max)}
	return r.render(e, "broker", v)
}

// PersonalAlert renders the equities action email, which also confirms the broker order.
func (r *Renderer) PersonalAlert(rec model.TriggerRecord) (Email, error) {
	v := r.view(rec)
	e := Email{Subject: fmt.Sprintf("ACTION REQUIRED: eToro Purchase - Trigger #%d", rec.Number)}
	return r.render(e, "personal", v)
}

// Completion renders the summary sent once the last trigger has fired.
func (r *Renderer) Completion(history []model.TriggerRecord) (Email, error) {
	v := completionView{Max: r.max}
	crypto, equity := decimal.Zero, decimal.Zero
	for _, rec := range history {
		plan := r.table.PlanFor(rec.Number)
		crypto = crypto.Add(plan.CryptoTotal())
		equity = equity.Add(plan.EquityTotal())
		v.History = append(v.History, historyRow{
			Number:   rec.Number,
			Date:     rec.Date,
			Price:    usd(rec.Price),
			Drop:     pct(rec.DropPct),
			Category: rec.Category.Label(),
		})
	}
	v.CryptoDeployed = gbp(crypto)
	v.EquityDeployed = gbp(equity)

	e := Email{Subject: fmt.Sprintf("Red Day DCA Complete - All %d Triggers Executed", r.max)}
	return r.render(e, "completion", v)
}

func (r *Renderer) render(e Email, name string, data any) (Email, error) {
	var h, t bytes.Buffer
	if err := r.html.ExecuteTemplate(&h, name+".html.tmpl", data); err != nil {
		return Email{}, fmt.Errorf("render %s html: %w", name, err)
	}
	if err := r.text.ExecuteTemplate(&t, name+".txt.tmpl", data); err != nil {
		return Email{}, fmt.Errorf("render %s text: %w", name, err)
	}
	e.HTML = h.String()
	e.Text = t.String()
	return e, nil
}

func (r *Renderer) view(rec model.TriggerRecord) triggerView {
	plan := r.table.PlanFor(rec.Number)
	v := triggerView{
		Number:        rec.Number,
		Max:           r.max,
		Remaining:     max(r.max-rec.Number, 0),
		Category:      rec.Category.Label(),
		Price:         usd(rec.Price),
		Drop:          pct(rec.DropPct),
		Timestamp:     rec.Time.UTC().Format("2006-01-02 15:04 UTC"),
		Crypto:        allocationViews(plan.Crypto),
		CryptoTotal:   gbp(plan.CryptoTotal()),
		Equities:      allocationViews(plan.Equities),
		EquityTotal:   gbp(plan.EquityTotal()),
		IncludesBonus: plan.IncludesBonus,
		BonusAssets:   strings.Join(plan.BonusAssets, " and "),
		BonusOrdinal:  humanize.Ordinal(r.table.BonusEvery),
		SenderName:    r.parties.SenderName,
		BrokerName:    r.parties.BrokerName,
		BrokerLabel:   r.brokerLabel(),
	}
	if r.max > 0 {
		v.ProgressPct = fmt.Sprintf("%.0f", float64(rec.Number)/float64(r.max)*100)
	}
	v.ReferenceClose = "n/a"
	if rec.YesterdayClose != nil {
		v.ReferenceClose = usd(*rec.YesterdayClose)
	}
	return v
}

func (r *Renderer) brokerLabel() string {
	switch {
	case r.parties.BrokerName != "":
		return r.parties.BrokerName
	case r.parties.BrokerAddr != "":
		return r.parties.BrokerAddr
	default:
		return "the broker"
	}
}

func allocationViews(allocs []model.Allocation) []allocationView {
	out := make([]allocationView, len(allocs))
	for i, a := range allocs {
		out[i] = allocationView{Asset: a.Asset, Amount: gbp(a.Amount)}
	}
	return out
}

func gbp(d decimal.Decimal) string {
	return "£" + humanize.FormatFloat("#,###.##", d.InexactFloat64())
}

func usd(v float64) string {
	return "$" + humanize.FormatFloat("#,###.##", v)
}

func pct(v float64) string {
	return fmt.Sprintf("%.2f%%", v)
}
