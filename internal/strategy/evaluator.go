package strategy

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"RedDaySentinel/internal/calculator"
	"RedDaySentinel/internal/model"
)

// ErrInvalidInput is returned when an observation cannot be compared.
var ErrInvalidInput = errors.New("invalid input")

// Skip reasons reported on a Decision that did not fire.
const (
	ReasonLifetimeCap      = "lifetime cap reached"
	ReasonAlreadyTriggered = "already triggered for session"
	ReasonAboveThreshold   = "change above thresholds"
)

// Rules are the thresholds and caps the evaluator applies.
type Rules struct {
	IntradayThresholdPct float64 // e.g. -4.7
	CloseThresholdPct    float64 // e.g. -3.3
	MaxTriggers          int
}

// DefaultRules returns -4.7% intraday, -3.3% close-to-close and a cap of 15.
func DefaultRules() Rules {
	return Rules{IntradayThresholdPct: -4.7, CloseThresholdPct: -3.3, MaxTriggers: 15}
}

// Evaluate decides whether obs fires a trigger given the current state.
// Rules are evaluated in order and the first match wins:
//  1. lifetime cap
//  2. daily cap (one trigger per session date)
//  3. intraday dip
//  4. close-to-close, session_close observations only
//
// Evaluate performs no I/O and never mutates state.
func Evaluate(obs model.Observation, state model.TriggerState, rules Rules) (model.Decision, error) {
	d := model.Decision{Observation: obs}

	if state.TriggerCount >= rules.MaxTriggers {
		d.Reason = ReasonLifetimeCap
		return d, nil
	}
	if triggeredOnOrAfter(state, obs.SessionDate) {
		d.Reason = ReasonAlreadyTriggered
		return d, nil
	}

	if err := validate(obs); err != nil {
		return d, err
	}
	change, err := calculator.PctChange(decimal.NewFromFloat(obs.Price), decimal.NewFromFloat(*obs.ReferenceClose))
	if err != nil {
		return d, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	d.DropPct = change.Round(4).InexactFloat64()

	switch {
	case change.LessThanOrEqual(decimal.NewFromFloat(rules.IntradayThresholdPct)):
		d.Category = model.CategoryIntradayDip
	case obs.Kind == model.ObservationSessionClose &&
		change.LessThanOrEqual(decimal.NewFromFloat(rules.CloseThresholdPct)):
		d.Category = model.CategoryCloseToClose
	default:
		d.Reason = ReasonAboveThreshold
		return d, nil
	}

	return fire(d, state, rules), nil
}

// ManualDecision fires the next trigger regardless of price. Both caps still apply.
func ManualDecision(state model.TriggerState, price float64, at time.Time, rules Rules) (model.Decision, error) {
	obs := model.Observation{
		Kind:        model.ObservationIntraday,
		Source:      "manual",
		Price:       price,
		SessionDate: at.UTC().Format(model.DateLayout),
		ObservedAt:  at,
	}
	d := model.Decision{Observation: obs}
	if state.TriggerCount >= rules.MaxTriggers {
		d.Reason = ReasonLifetimeCap
		return d, nil
	}
	if triggeredOnOrAfter(state, obs.SessionDate) {
		d.Reason = ReasonAlreadyTriggered
		return d, nil
	}
	if price <= 0 {
		return d, fmt.Errorf("%w: price %v must be positive", ErrInvalidInput, price)
	}

	if state.YesterdayClose != nil && *state.YesterdayClose > 0 {
		ref := *state.YesterdayClose
		d.Observation.ReferenceClose = &ref
		if state.YesterdayCloseDate != nil {
			d.Observation.ReferenceDate = *state.YesterdayCloseDate
		}
		if pct, err := calculator.PctChangeFloat(price, ref); err == nil {
			d.DropPct = pct
		}
	}
	d.Category = model.CategoryManual
	return fire(d, state, rules), nil
}

// Apply returns the state that results from committing a fired decision.
// The record is appended with a pending notification status.
func Apply(state model.TriggerState, d model.Decision, at time.Time) model.TriggerState {
	next := state.Clone()
	if !d.Fired {
		return next
	}
	date := d.Observation.SessionDate
	rec := model.TriggerRecord{
		Number:       d.TriggerNumber,
		Date:         date,
		Time:         at.UTC(),
		Price:        d.Observation.Price,
		DropPct:      d.DropPct,
		Category:     d.Category,
		Notification: model.NotificationPending,
		Final:        d.Final,
	}
	if d.Observation.ReferenceClose != nil {
		ref := *d.Observation.ReferenceClose
		rec.YesterdayClose = &ref
	}
	next.TriggerCount = d.TriggerNumber
	next.LastTriggerDate = &date
	next.TriggerHistory = append(next.TriggerHistory, rec)
	return next
}

func fire(d model.Decision, state model.TriggerState, rules Rules) model.Decision {
	d.Fired = true
	d.Reason = ""
	d.TriggerNumber = state.TriggerCount + 1
	d.Final = d.TriggerNumber >= rules.MaxTriggers
	d.Plan = PlanFor(d.TriggerNumber)
	return d
}

// triggeredOnOrAfter treats any trigger dated on or after the session as a daily-cap hit,
// so a late session-close check can never fire behind a newer intraday trigger.
func triggeredOnOrAfter(state model.TriggerState, sessionDate string) bool {
	if state.LastTriggerDate == nil || *state.LastTriggerDate == "" {
		return false
	}
	return *state.LastTriggerDate >= sessionDate
}

func validate(obs model.Observation) error {
	if obs.Price <= 0 {
		return fmt.Errorf("%w: price %v must be positive", ErrInvalidInput, obs.Price)
	}
	if obs.ReferenceClose == nil {
		return fmt.Errorf("%w: reference close is absent", ErrInvalidInput)
	}
	if *obs.ReferenceClose <= 0 {
		return fmt.Errorf("%w: reference close %v must be positive", ErrInvalidInput, *obs.ReferenceClose)
	}
	if obs.SessionDate == "" {
		return fmt.Errorf("%w: session date is empty", ErrInvalidInput)
	}
	return nil
}
