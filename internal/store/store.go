// Package store reads appointments and establishments owned by the booking
// application. This service never writes business records.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrNotFound = errors.New("store: not found")

// Appointment is the read model of a booked appointment.
//
// StartLocal holds the wall-clock start as entered by the establishment
// (date + time, no zone). Its Location is always UTC and carries no meaning;
// the establishment's timezone decides which instant it is.
type Appointment struct {
	ID              int64
	EstablishmentID int64
	ClientID        int64
	StaffID         int64
	StartLocal      time.Time
	Status          string

	EstablishmentName  string
	ClientName         string
	ClientPhone        string
	ClientEmail        string
	StaffName          string
	ServiceName        string
	ServicePrice       float64
	ServiceDurationMin int
	Notes              string
}

// Cancelled reports whether the appointment no longer takes place.
func (a Appointment) Cancelled() bool {
	switch strings.ToLower(strings.TrimSpace(a.Status)) {
	case "cancelado", "cancelada", "cancelled", "canceled":
		return true
	}
	return false
}

type Establishment struct {
	ID       int64
	Name     string
	Timezone string // IANA name, may be empty
}

type AppointmentStore interface {
	GetAppointment(ctx context.Context, id int64) (Appointment, error)
	// ListBetween returns appointments whose naive start lies in [from, to),
	// across all establishments, including cancelled ones.
	ListBetween(ctx context.Context, from, to time.Time) ([]Appointment, error)
	// ListUpcoming returns non-cancelled appointments of one establishment
	// starting strictly after the naive instant from, ordered by start.
	ListUpcoming(ctx context.Context, establishmentID int64, from time.Time) ([]Appointment, error)
}

type EstablishmentStore interface {
	GetEstablishment(ctx context.Context, id int64) (Establishment, error)
}

// Naive strips the zone from t by re-reading its wall clock in UTC.
func Naive(t time.Time) time.Time {
	y, mo, d := t.Date()
	h, mi, s := t.Clock()
	return time.Date(y, mo, d, h, mi, s, t.Nanosecond(), time.UTC)
}
