package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryListUpcoming(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	m.PutEstablishment(Establishment{ID: 1, Name: "Barbearia", Timezone: "America/Sao_Paulo"})
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	m.PutAppointment(Appointment{ID: 3, EstablishmentID: 1, ClientID: 7, StartLocal: base.Add(3 * time.Hour)})
	m.PutAppointment(Appointment{ID: 1, EstablishmentID: 1, ClientID: 7, StartLocal: base.Add(time.Hour)})
	m.PutAppointment(Appointment{ID: 2, EstablishmentID: 1, ClientID: 8, StartLocal: base.Add(2 * time.Hour), Status: "cancelado"})
	m.PutAppointment(Appointment{ID: 4, EstablishmentID: 2, ClientID: 9, StartLocal: base.Add(time.Hour)})
	m.PutAppointment(Appointment{ID: 5, EstablishmentID: 1, ClientID: 9, StartLocal: base.Add(-time.Hour)})

	got, err := m.ListUpcoming(context.Background(), 1, base)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != 1 || got[1].ID != 3 {
		t.Fatalf("unexpected upcoming: %+v", got)
	}
	if got[0].EstablishmentName != "Barbearia" {
		t.Fatalf("establishment name not joined: %q", got[0].EstablishmentName)
	}
}

func TestMemoryNotFound(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	if _, err := m.GetAppointment(context.Background(), 42); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v", err)
	}
	if _, err := m.GetEstablishment(context.Background(), 42); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v", err)
	}
}

func TestNaiveKeepsWallClock(t *testing.T) {
	t.Parallel()

	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	in := time.Date(2026, 3, 10, 14, 30, 0, 0, loc)
	got := Naive(in)
	if got.Location() != time.UTC || got.Hour() != 14 || got.Minute() != 30 || got.Day() != 10 {
		t.Fatalf("Naive(%v)=%v", in, got)
	}
}

func TestCancelled(t *testing.T) {
	t.Parallel()

	for status, want := range map[string]bool{
		"cancelado": true, " Cancelled ": true, "canceled": true,
		"confirmado": false, "": false,
	} {
		if got := (Appointment{Status: status}).Cancelled(); got != want {
			t.Fatalf("Cancelled(%q)=%v want %v", status, got, want)
		}
	}
}
