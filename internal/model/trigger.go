package model

import "time"

// TriggerCategory indicates which condition fired a trigger.
type TriggerCategory string

const (
	CategoryIntradayDip  TriggerCategory = "intraday_dip"
	CategoryCloseToClose TriggerCategory = "close_to_close"
	CategoryManual       TriggerCategory = "manual"
)

// Label returns the human readable name used in emails and logs.
func (c TriggerCategory) Label() string {
	switch c {
	case CategoryIntradayDip:
		return "Intraday dip"
	case CategoryCloseToClose:
		return "Close-to-close"
	case CategoryManual:
		return "Manual trigger"
	default:
		return string(c)
	}
}

// NotificationStatus tracks the two-phase commit of a trigger's emails.
type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
)

// TriggerRecord is one entry of the append-only trigger history.
// Final marks the trigger that reaches the cap; it also owes the completion email.
type TriggerRecord struct {
	Number           int                `json:"number"`
	Date             string             `json:"date"`
	Time             time.Time          `json:"time"`
	Price            float64            `json:"price"`
	YesterdayClose   *float64           `json:"yesterday_close,omitempty"`
	DropPct          float64            `json:"drop_pct"`
	Category         TriggerCategory    `json:"category"`
	Notification     NotificationStatus `json:"notification"`
	BrokerSentAt     *time.Time         `json:"broker_sent_at,omitempty"`
	PersonalSentAt   *time.Time         `json:"personal_sent_at,omitempty"`
	Final            bool               `json:"final,omitempty"`
	CompletionSentAt *time.Time         `json:"completion_sent_at,omitempty"`
}

// TriggerState is the persisted record of counters and history.
type TriggerState struct {
	TriggerCount       int             `json:"trigger_count"`
	LastTriggerDate    *string         `json:"last_trigger_date"`
	YesterdayClose     *float64        `json:"yesterday_close"`
	YesterdayCloseDate *string         `json:"yesterday_close_date"`
	TriggerHistory     []TriggerRecord `json:"trigger_history"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// NewTriggerState returns first-run defaults.
func NewTriggerState() *TriggerState {
	return &TriggerState{TriggerHistory: []TriggerRecord{}}
}

// Clone returns a deep copy so callers can derive a new state without aliasing.
func (s TriggerState) Clone() TriggerState {
	out := s
	out.LastTriggerDate = cloneString(s.LastTriggerDate)
	out.YesterdayClose = cloneFloat(s.YesterdayClose)
	out.YesterdayCloseDate = cloneString(s.YesterdayCloseDate)
	out.TriggerHistory = make([]TriggerRecord, len(s.TriggerHistory))
	for i, r := range s.TriggerHistory {
		out.TriggerHistory[i] = r.Clone()
	}
	return out
}

// Clone returns a deep copy of the record.
func (r TriggerRecord) Clone() TriggerRecord {
	out := r
	out.YesterdayClose = cloneFloat(r.YesterdayClose)
	out.BrokerSentAt = cloneTime(r.BrokerSentAt)
	out.PersonalSentAt = cloneTime(r.PersonalSentAt)
	out.CompletionSentAt = cloneTime(r.CompletionSentAt)
	return out
}

// Pending reports whether any email of the record is still unconfirmed.
func (r TriggerRecord) Pending() bool {
	return r.Notification != NotificationSent
}

// Delivered reports whether every email the record owes has been confirmed.
func (r TriggerRecord) Delivered() bool {
	if r.BrokerSentAt == nil || r.PersonalSentAt == nil {
		return false
	}
	return !r.Final || r.CompletionSentAt != nil
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
