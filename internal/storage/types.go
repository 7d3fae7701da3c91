package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// DispatchEntry records one reminder delivery attempt.
// Keep it compact and schema-stable.
type DispatchEntry struct {
	At              time.Time `json:"at"`
	AppointmentID   int64     `json:"appointment_id"`
	EstablishmentID int64     `json:"establishment_id"`
	ClientID        int64     `json:"client_id"`
	FireAt          time.Time `json:"fire_at"`
	Status          string    `json:"status"`
	HTTPStatus      int       `json:"http_status,omitempty"`
	Error           string    `json:"error,omitempty"`
	TookMS          int64     `json:"took_ms"`
}
