package models

import "time"

// Session status values.
const (
	SessionStatusActive    = "active"
	SessionStatusCompleted = "completed"
)

// End triggers recorded on a closed session.
const (
	EndTriggerAuto   = "auto"
	EndTriggerManual = "manual"
)

// End reasons qualify an end trigger. A session closed without a reason ended normally.
const (
	EndReasonRelayFault = "relay_fault"
)

// DateLayout is the calendar-date format of StartDate.
const DateLayout = "2006-01-02"

// Session is the durable record of one charging session. A session is open while EndTime is nil.
type Session struct {
	SessionID      string     `db:"session_id" json:"session_id"`
	TransactionID  string     `db:"transaction_id" json:"transaction_id"`
	DeviceID       string     `db:"device_id" json:"device_id"`
	UserID         string     `db:"user_id" json:"user_id"`
	Status         string     `db:"status" json:"status"`
	StartTime      time.Time  `db:"start_time" json:"start_time"`
	StartDate      string     `db:"start_date" json:"start_date"`
	EndTime        *time.Time `db:"end_time" json:"end_time"`
	EndTrigger     string     `db:"end_trigger" json:"end_trigger,omitempty"`
	EndReason      string     `db:"end_reason" json:"end_reason,omitempty"`
	AmountPaid     float64    `db:"amount_paid" json:"amount_paid"`
	EnergySelected float64    `db:"energy_selected" json:"energy_selected"`
	EnergyConsumed float64    `db:"energy_consumed" json:"energy_consumed"`
	AmountUsed     float64    `db:"amount_used" json:"amount_used"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// IsActive reports whether the session has not been closed.
func (s *Session) IsActive() bool {
	return s != nil && s.EndTime == nil
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.EndTime != nil {
		end := *s.EndTime
		out.EndTime = &end
	}
	return &out
}
