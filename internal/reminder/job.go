package reminder

import (
	"fmt"
	"time"

	"agendacore/internal/store"
)

// Status is where a reminder job is in its lifecycle. Every status but Pending is terminal.
type Status int

const (
	StatusPending Status = iota
	StatusFired
	StatusSkipped
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusFired:
		return "fired"
	case StatusSkipped:
		return "skipped"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s Status) Terminal() bool { return s != StatusPending }

// Job is the reminder state of one appointment. At most one Pending job
// exists per appointment.
type Job struct {
	AppointmentID int64     `json:"appointment_id"`
	TenantID      int64     `json:"establishment_id"`
	ClientID      int64     `json:"client_id"`
	StartLocal    time.Time `json:"start_local"`
	FireAt        time.Time `json:"fire_at,omitempty"`
	Status        Status    `json:"status"`
	Outcome       Outcome   `json:"outcome"`
	Token         string    `json:"-"`
	UpdatedAt     time.Time `json:"updated_at"`

	appt store.Appointment // as armed; payload fallback when the store is unreachable at fire time
	held bool              // cancelled by an operator; kept until the start time changes
}

// FiredKey identifies a reminder in the storage ledger. Rescheduling the
// appointment to another start yields a new key.
func FiredKey(appointmentID int64, startLocal time.Time) string {
	return fmt.Sprintf("reminder:%d:%s", appointmentID, startLocal.Format("2006-01-02T15:04"))
}
