package model

import "time"

// DateLayout is the calendar-date format used for sessions and persisted state (UTC).
const DateLayout = "2006-01-02"

// DailyBar represents a single completed daily candlestick.
type DailyBar struct {
	Date      string    `json:"date"` // UTC open date of the candle
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	CloseTime time.Time `json:"close_time"`
}

// ObservationKind tells the evaluator which rules apply to a price reading.
type ObservationKind string

const (
	ObservationIntraday     ObservationKind = "intraday"
	ObservationSessionClose ObservationKind = "session_close"
)

// Observation is one price reading paired with the reference close it is measured against.
type Observation struct {
	Kind           ObservationKind
	Symbol         string
	Source         string
	Price          float64
	ReferenceClose *float64 // nil when no usable prior close is known
	ReferenceDate  string
	SessionDate    string
	ObservedAt     time.Time
}
