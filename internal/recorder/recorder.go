package recorder

import (
	"context"
	"time"
)

// ObservationEvent is one evaluated price reading.
type ObservationEvent struct {
	RunID          string    `json:"run_id"`
	Timestamp      time.Time `json:"timestamp"`
	Kind           string    `json:"kind"`
	Symbol         string    `json:"symbol"`
	Source         string    `json:"source"`
	Price          float64   `json:"price"`
	ReferenceClose *float64  `json:"reference_close,omitempty"`
	ReferenceDate  string    `json:"reference_date,omitempty"`
	SessionDate    string    `json:"session_date"`
	ChangePct      *float64  `json:"change_pct,omitempty"`
	Fired          bool      `json:"fired"`
	Reason         string    `json:"reason,omitempty"` // skip reason or error text
}

// TriggerEvent records a committed trigger.
type TriggerEvent struct {
	RunID          string    `json:"run_id"`
	Timestamp      time.Time `json:"timestamp"`
	Number         int       `json:"number"`
	Date           string    `json:"date"`
	Category       string    `json:"category"`
	Price          float64   `json:"price"`
	ReferenceClose *float64  `json:"reference_close,omitempty"`
	DropPct        float64   `json:"drop_pct"`
	CryptoTotal    string    `json:"crypto_total"`
	EquityTotal    string    `json:"equity_total"`
	IncludesBonus  bool      `json:"includes_bonus"`
}

// NotificationEvent records one send attempt.
type NotificationEvent struct {
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`
	Trigger   int       `json:"trigger"`
	Kind      string    `json:"kind"` // broker, personal, completion, telegram
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

// Recorder is an append-only audit journal. It is never read back for decisions.
type Recorder interface {
	RecordObservation(ctx context.Context, evt *ObservationEvent) error
	RecordTrigger(ctx context.Context, evt *TriggerEvent) error
	RecordNotification(ctx context.Context, evt *NotificationEvent) error
	Close() error
}
