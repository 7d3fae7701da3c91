package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrMalformedAuth    = errors.New("realtime: malformed auth message")
	ErrUnknownEventType = errors.New("realtime: unknown event type")
)

type EventType string

const (
	EventAppointmentChange            EventType = "appointment_change"
	EventFinancialChange              EventType = "financial_change"
	EventNewNotification              EventType = "new_notification"
	EventDashboardChange              EventType = "dashboard_change"
	EventClientChange                 EventType = "client_change"
	EventInventoryChange              EventType = "inventory_change"
	EventStaffDashboardChange         EventType = "staff_dashboard_change"
	EventStaffAppointmentNotification EventType = "staff_appointment_notification"
)

var eventTypes = map[EventType]struct{}{
	EventAppointmentChange:            {},
	EventFinancialChange:              {},
	EventNewNotification:              {},
	EventDashboardChange:              {},
	EventClientChange:                 {},
	EventInventoryChange:              {},
	EventStaffDashboardChange:         {},
	EventStaffAppointmentNotification: {},
}

func (t EventType) Valid() bool {
	_, ok := eventTypes[t]
	return ok
}

func ParseEventType(s string) (EventType, error) {
	t := EventType(strings.TrimSpace(s))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownEventType, s)
	}
	return t, nil
}

// Message is the outbound wire shape.
type Message struct {
	Type    EventType `json:"type"`
	Data    any       `json:"data"`
	StaffID *int64    `json:"staffId,omitempty"`
}

// Claims are the identity a connection presents in its auth message.
type Claims struct {
	TenantID int64  `json:"establishmentId"`
	UserID   int64  `json:"userId"`
	Role     string `json:"userRole"`
}

func (c Claims) valid() bool {
	return c.TenantID > 0 && c.UserID > 0 && strings.TrimSpace(c.Role) != ""
}

// flexID accepts 12 as well as "12"; browser clients often send ids read
// from data attributes as strings.
type flexID int64

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		b = []byte(strings.TrimSpace(s))
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return err
	}
	*f = flexID(n)
	return nil
}

type authMessage struct {
	Type            string  `json:"type"`
	EstablishmentID *flexID `json:"establishmentId"`
	UserID          *flexID `json:"userId"`
	UserRole        string  `json:"userRole"`
}

// ParseAuth decodes the first inbound message of a connection. Any message
// that is not a complete auth message yields ErrMalformedAuth.
func ParseAuth(raw []byte) (Claims, error) {
	var m authMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformedAuth, err)
	}
	if m.Type != "auth" {
		return Claims{}, fmt.Errorf("%w: type %q", ErrMalformedAuth, m.Type)
	}
	if m.EstablishmentID == nil || m.UserID == nil {
		return Claims{}, fmt.Errorf("%w: missing ids", ErrMalformedAuth)
	}
	c := Claims{
		TenantID: int64(*m.EstablishmentID),
		UserID:   int64(*m.UserID),
		Role:     strings.TrimSpace(m.UserRole),
	}
	if !c.valid() {
		return Claims{}, fmt.Errorf("%w: incomplete claims", ErrMalformedAuth)
	}
	return c, nil
}
