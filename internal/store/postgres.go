package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres reads the booking application's tables.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, url string, maxConns int) (*Postgres, error) {
	pc, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("store: parse database url: %w", err)
	}
	if maxConns > 0 {
		pc.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() { p.pool.Close() }

const appointmentSelect = `
SELECT a.id, a.estabelecimento_id, a.cliente_id, COALESCE(a.profissional_id, 0),
       (a.data_agendamento + a.hora_inicio)::timestamp,
       COALESCE(a.status, ''),
       COALESCE(e.nome, ''),
       COALESCE(c.nome, ''), COALESCE(c.telefone, ''), COALESCE(c.email, ''),
       COALESCE(p.nome, ''),
       COALESCE(s.nome, ''), COALESCE(s.preco, 0)::float8, COALESCE(s.duracao_minutos, 0),
       COALESCE(a.observacoes, '')
FROM agendamentos a
JOIN estabelecimentos e ON e.id = a.estabelecimento_id
LEFT JOIN clientes c ON c.id = a.cliente_id
LEFT JOIN profissionais p ON p.id = a.profissional_id
LEFT JOIN servicos s ON s.id = a.servico_id`

func scanAppointment(row pgx.Row) (Appointment, error) {
	var a Appointment
	err := row.Scan(
		&a.ID, &a.EstablishmentID, &a.ClientID, &a.StaffID,
		&a.StartLocal, &a.Status,
		&a.EstablishmentName,
		&a.ClientName, &a.ClientPhone, &a.ClientEmail,
		&a.StaffName,
		&a.ServiceName, &a.ServicePrice, &a.ServiceDurationMin,
		&a.Notes,
	)
	if err != nil {
		return Appointment{}, err
	}
	a.StartLocal = Naive(a.StartLocal)
	return a, nil
}

func (p *Postgres) GetAppointment(ctx context.Context, id int64) (Appointment, error) {
	a, err := scanAppointment(p.pool.QueryRow(ctx, appointmentSelect+` WHERE a.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Appointment{}, ErrNotFound
	}
	return a, err
}

func (p *Postgres) ListBetween(ctx context.Context, from, to time.Time) ([]Appointment, error) {
	return p.list(ctx, appointmentSelect+`
WHERE (a.data_agendamento + a.hora_inicio) >= $1 AND (a.data_agendamento + a.hora_inicio) < $2
ORDER BY a.data_agendamento, a.hora_inicio`, Naive(from), Naive(to))
}

func (p *Postgres) ListUpcoming(ctx context.Context, establishmentID int64, from time.Time) ([]Appointment, error) {
	return p.list(ctx, appointmentSelect+`
WHERE a.estabelecimento_id = $1
  AND (a.data_agendamento + a.hora_inicio) > $2
  AND lower(COALESCE(a.status, '')) NOT IN ('cancelado', 'cancelada', 'cancelled', 'canceled')
ORDER BY a.data_agendamento, a.hora_inicio`, establishmentID, Naive(from))
}

func (p *Postgres) list(ctx context.Context, q string, args ...any) ([]Appointment, error) {
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) GetEstablishment(ctx context.Context, id int64) (Establishment, error) {
	var e Establishment
	err := p.pool.QueryRow(ctx,
		`SELECT id, nome, COALESCE(timezone, '') FROM estabelecimentos WHERE id = $1`, id,
	).Scan(&e.ID, &e.Name, &e.Timezone)
	if errors.Is(err, pgx.ErrNoRows) {
		return Establishment{}, ErrNotFound
	}
	return e, err
}
