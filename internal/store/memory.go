package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process store used for local runs (database.driver=memory)
// and tests.
type Memory struct {
	mu     sync.RWMutex
	appts  map[int64]Appointment
	estabs map[int64]Establishment
}

func NewMemory() *Memory {
	return &Memory{
		appts:  map[int64]Appointment{},
		estabs: map[int64]Establishment{},
	}
}

func (m *Memory) PutAppointment(a Appointment) {
	a.StartLocal = Naive(a.StartLocal)
	m.mu.Lock()
	m.appts[a.ID] = a
	m.mu.Unlock()
}

func (m *Memory) DeleteAppointment(id int64) {
	m.mu.Lock()
	delete(m.appts, id)
	m.mu.Unlock()
}

func (m *Memory) PutEstablishment(e Establishment) {
	m.mu.Lock()
	m.estabs[e.ID] = e
	m.mu.Unlock()
}

func (m *Memory) GetAppointment(_ context.Context, id int64) (Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.appts[id]
	if !ok {
		return Appointment{}, ErrNotFound
	}
	return m.withEstablishment(a), nil
}

func (m *Memory) ListBetween(_ context.Context, from, to time.Time) ([]Appointment, error) {
	from, to = Naive(from), Naive(to)
	return m.filter(func(a Appointment) bool {
		return !a.StartLocal.Before(from) && a.StartLocal.Before(to)
	}), nil
}

func (m *Memory) ListUpcoming(_ context.Context, establishmentID int64, from time.Time) ([]Appointment, error) {
	from = Naive(from)
	return m.filter(func(a Appointment) bool {
		return a.EstablishmentID == establishmentID && a.StartLocal.After(from) && !a.Cancelled()
	}), nil
}

func (m *Memory) GetEstablishment(_ context.Context, id int64) (Establishment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.estabs[id]
	if !ok {
		return Establishment{}, ErrNotFound
	}
	return e, nil
}

func (m *Memory) filter(keep func(Appointment) bool) []Appointment {
	m.mu.RLock()
	out := make([]Appointment, 0, len(m.appts))
	for _, a := range m.appts {
		if keep(a) {
			out = append(out, m.withEstablishment(a))
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartLocal.Equal(out[j].StartLocal) {
			return out[i].StartLocal.Before(out[j].StartLocal)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// caller holds m.mu
func (m *Memory) withEstablishment(a Appointment) Appointment {
	if a.EstablishmentName == "" {
		a.EstablishmentName = m.estabs[a.EstablishmentID].Name
	}
	return a
}
