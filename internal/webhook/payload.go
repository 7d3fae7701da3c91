package webhook

import "agendacore/internal/store"

// Reminder is the "lembrete" payload consumed by the automation system.
// Field names on the wire are part of the external contract.
type Reminder struct {
	ClientName        string  `json:"cliente_nome"`
	ClientID          int64   `json:"cliente_id"`
	ClientPhone       string  `json:"cliente_telefone"`
	ClientEmail       string  `json:"cliente_email"`
	EstablishmentID   int64   `json:"estabelecimento_id"`
	EstablishmentName string  `json:"estabelecimento_nome"`
	Date              string  `json:"agendamento_data"` // YYYY-MM-DD, establishment-local
	Time              string  `json:"agendamento_hora"` // HH:MM, establishment-local
	StaffName         string  `json:"profissional_nome"`
	ServiceName       string  `json:"servico_nome"`
	ServicePrice      float64 `json:"servico_preco"`
	ServiceDuration   int     `json:"servico_duracao"` // minutes
	Notes             string  `json:"agendamento_observacoes"`
}

func NewReminder(a store.Appointment) Reminder {
	return Reminder{
		ClientName:        a.ClientName,
		ClientID:          a.ClientID,
		ClientPhone:       a.ClientPhone,
		ClientEmail:       a.ClientEmail,
		EstablishmentID:   a.EstablishmentID,
		EstablishmentName: a.EstablishmentName,
		Date:              a.StartLocal.Format("2006-01-02"),
		Time:              a.StartLocal.Format("15:04"),
		StaffName:         a.StaffName,
		ServiceName:       a.ServiceName,
		ServicePrice:      a.ServicePrice,
		ServiceDuration:   a.ServiceDurationMin,
		Notes:             a.Notes,
	}
}
