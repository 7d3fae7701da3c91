package reminder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"agendacore/internal/storage"
	"agendacore/internal/store"
	"agendacore/internal/webhook"
	logx "agendacore/pkg/logx"
)

const (
	// rescanHorizon covers every establishment's local "today" regardless of its UTC offset.
	rescanHorizon = 36 * time.Hour
	// firedRetention is how long a fired mark outlives its fire time in the ledger.
	firedRetention = 48 * time.Hour
	rescanTimeout  = 2 * time.Minute
	ledgerTimeout  = 5 * time.Second
)

var (
	ErrDisabled = errors.New("reminder: scheduler disabled")
	ErrStopped  = errors.New("reminder: scheduler stopped")
)

// Dispatcher delivers a fired reminder.
type Dispatcher interface {
	Deliver(ctx context.Context, r webhook.Reminder) webhook.Result
}

// Timer is the handle returned by an AfterFunc.
type Timer interface {
	Stop() bool
}

type Config struct {
	Enabled         bool
	Rescan          RescanSpec
	Timezone        string // zone used to evaluate cron rescans
	DefaultTimezone string // zone for establishments without one
}

type Option func(*Scheduler)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// WithAfterFunc overrides time.AfterFunc.
func WithAfterFunc(fn func(d time.Duration, f func()) Timer) Option {
	return func(s *Scheduler) { s.afterFunc = fn }
}

// WithLedger enables fired marks and dispatch audit.
func WithLedger(st storage.Store) Option { return func(s *Scheduler) { s.ledger = st } }

// Scheduler owns the reminder job of every appointment it has seen.
//
// Each armed job gets a unique token. A timer callback only dispatches if the
// token is still Pending in the status map at fire time, so a cancelled or
// superseded job can never dispatch even if its timer was already running.
type Scheduler struct {
	appts    store.AppointmentStore
	estabs   store.EstablishmentStore
	dispatch Dispatcher
	ledger   storage.Store
	log      logx.Logger

	now       func() time.Time
	afterFunc func(d time.Duration, f func()) Timer

	mu      sync.Mutex
	cfg     Config
	jobs    map[int64]*Job
	status  map[string]Status // by token
	owner   map[string]int64  // token -> appointment id
	timers  map[string]Timer  // by token
	zones   map[string]*time.Location
	c       *cron.Cron
	baseCtx context.Context
	stopped bool

	inflight sync.WaitGroup
}

func New(cfg Config, appts store.AppointmentStore, estabs store.EstablishmentStore, d Dispatcher, log logx.Logger, opts ...Option) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		appts:    appts,
		estabs:   estabs,
		dispatch: d,
		log:      log,
		now:      time.Now,
		afterFunc: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
		cfg:     cfg,
		jobs:    map[int64]*Job{},
		status:  map[string]Status{},
		owner:   map[string]int64{},
		timers:  map[string]Timer{},
		zones:   map[string]*time.Location{},
		baseCtx: context.Background(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Scheduler) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start rescans immediately and then on the configured rescan schedule.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.c != nil {
		s.mu.Unlock()
		return nil
	}
	s.baseCtx = ctx
	s.stopped = false
	if err := s.startCronLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	cfg := s.cfg
	s.mu.Unlock()

	s.log.Info("reminder scheduler started",
		logx.String("rescan", cfg.Rescan.String()),
		logx.String("tz", strings.TrimSpace(cfg.Timezone)),
		logx.Duration("lead", LeadTime))

	rctx, cancel := context.WithTimeout(ctx, rescanTimeout)
	defer cancel()
	if _, err := s.Rescan(rctx); err != nil {
		// Not fatal: the next rescan retries.
		s.log.Warn("initial rescan failed", logx.Err(err))
	}
	return nil
}

func (s *Scheduler) startCronLocked() error {
	sched, err := s.cfg.Rescan.Schedule()
	if err != nil {
		return fmt.Errorf("reminder: rescan schedule: %w", err)
	}
	loc := s.zoneLocked(s.cfg.Timezone)
	s.c = cron.New(cron.WithParser(cronParser), cron.WithLocation(loc))
	s.c.Schedule(sched, cron.FuncJob(s.rescanJob))
	s.c.Start()
	return nil
}

func (s *Scheduler) rescanJob() {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, rescanTimeout)
	defer cancel()
	if _, err := s.Rescan(ctx); err != nil {
		s.log.Warn("rescan failed", logx.Err(err))
	}
}

// Apply swaps config at runtime. A changed rescan schedule or timezone
// restarts the cron loop.
func (s *Scheduler) Apply(cfg Config) {
	s.mu.Lock()
	restart := cfg.Rescan != s.cfg.Rescan || strings.TrimSpace(cfg.Timezone) != strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	old := s.c
	if old == nil || !restart {
		s.mu.Unlock()
		return
	}
	s.c = nil
	s.mu.Unlock()

	// A running rescan needs s.mu to finish, so wait for it unlocked.
	<-old.Stop().Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.c != nil {
		return
	}
	if err := s.startCronLocked(); err != nil {
		s.log.Error("rescan restart failed", logx.Err(err))
		return
	}
	s.log.Info("rescan schedule updated", logx.String("rescan", s.cfg.Rescan.String()))
}

// Stop halts rescans and every armed timer, then waits for in-flight
// deliveries. Pending jobs stay pending but can no longer fire.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.stopped = true
	for tok, t := range s.timers {
		t.Stop()
		delete(s.timers, tok)
	}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("stop timed out waiting for deliveries", logx.Err(ctx.Err()))
	}
}

// Schedule (re)resolves the reminder of an appointment. An existing Pending
// job with the same fire time is kept; any other Pending job is cancelled
// before the new one is armed or skipped.
func (s *Scheduler) Schedule(ctx context.Context, a store.Appointment) (Job, error) {
	return s.schedule(ctx, a, map[int64]*time.Location{})
}

func (s *Scheduler) schedule(ctx context.Context, a store.Appointment, zones map[int64]*time.Location) (Job, error) {
	if !s.Enabled() {
		return Job{}, ErrDisabled
	}
	if a.Cancelled() {
		return s.cancel(a.ID), nil
	}
	a.StartLocal = store.Naive(a.StartLocal)

	loc, ok := zones[a.EstablishmentID]
	if !ok {
		loc = s.establishmentZone(ctx, a.EstablishmentID)
		zones[a.EstablishmentID] = loc
	}

	fired, err := s.alreadyFired(ctx, a)
	if err != nil {
		return Job{}, err
	}

	now := s.now()
	d := Resolve(a.StartLocal, loc, now)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return Job{}, ErrStopped
	}

	prev := s.jobs[a.ID]
	sameStart := prev != nil && prev.StartLocal.Equal(a.StartLocal)
	if sameStart && (prev.Status == StatusFired || (prev.Status == StatusCancelled && prev.held)) {
		return *prev, nil
	}
	// Same fire time: keep the armed timer, even if it is due right now.
	if sameStart && prev.Status == StatusPending && d.Outcome != OutcomeSkip && prev.FireAt.Equal(d.FireAt) {
		prev.appt = a
		return *prev, nil
	}
	if prev != nil && prev.Status == StatusPending {
		s.cancelLocked(prev)
	}

	job := &Job{
		AppointmentID: a.ID,
		TenantID:      a.EstablishmentID,
		ClientID:      a.ClientID,
		StartLocal:    a.StartLocal,
		FireAt:        d.FireAt,
		Outcome:       d.Outcome,
		UpdatedAt:     now,
		appt:          a,
	}
	s.jobs[a.ID] = job

	switch {
	case fired:
		job.Status = StatusFired
		s.log.Debug("reminder already fired", logx.Int64("appointment", a.ID))
	case d.Outcome == OutcomeArmed:
		job.Status = StatusPending
		job.Token = uuid.NewString()
		tok := job.Token
		s.status[tok] = StatusPending
		s.owner[tok] = a.ID
		s.timers[tok] = s.afterFunc(d.Delay, func() { s.fire(tok) })
		s.log.Debug("reminder armed",
			logx.Int64("appointment", a.ID),
			logx.Int64("establishment", a.EstablishmentID),
			logx.Time("fire_at", d.FireAt),
			logx.Duration("delay", d.Delay))
	default:
		job.Status = StatusSkipped
		s.log.Info("reminder not armed",
			logx.Int64("appointment", a.ID),
			logx.Int64("establishment", a.EstablishmentID),
			logx.String("outcome", d.Outcome.String()))
	}
	return *job, nil
}

// Sync reloads an appointment and reschedules it, or cancels its reminder
// when it no longer exists or was cancelled.
func (s *Scheduler) Sync(ctx context.Context, appointmentID int64) (Job, error) {
	a, err := s.appts.GetAppointment(ctx, appointmentID)
	if errors.Is(err, store.ErrNotFound) {
		return s.cancel(appointmentID), nil
	}
	if err != nil {
		return Job{}, fmt.Errorf("reminder: load appointment %d: %w", appointmentID, err)
	}
	return s.Schedule(ctx, a)
}

// Cancel moves a Pending job to Cancelled and reports whether it did. The
// cancellation holds across rescans until the appointment's start changes.
func (s *Scheduler) Cancel(appointmentID int64) bool {
	return s.cancelPending(appointmentID, true)
}

func (s *Scheduler) cancelPending(appointmentID int64, held bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[appointmentID]
	if j == nil || j.Status != StatusPending {
		return false
	}
	s.cancelLocked(j)
	j.held = held
	return true
}

// cancel follows the appointment itself going away or being cancelled, so a
// later reactivation can arm it again.
func (s *Scheduler) cancel(appointmentID int64) Job {
	s.cancelPending(appointmentID, false)
	s.mu.Lock()
	defer s.mu.Unlock()
	if j := s.jobs[appointmentID]; j != nil {
		return *j
	}
	return Job{AppointmentID: appointmentID, Status: StatusCancelled, UpdatedAt: s.now()}
}

// caller holds s.mu
func (s *Scheduler) cancelLocked(j *Job) {
	s.status[j.Token] = StatusCancelled
	if t, ok := s.timers[j.Token]; ok {
		// Best-effort: the status entry is what guarantees no dispatch.
		t.Stop()
		delete(s.timers, j.Token)
	}
	j.Status = StatusCancelled
	j.UpdatedAt = s.now()
	s.log.Debug("reminder cancelled", logx.Int64("appointment", j.AppointmentID))
}

// Job returns the current job of an appointment.
func (s *Scheduler) Job(appointmentID int64) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[appointmentID]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// Snapshot counts known jobs by status.
func (s *Scheduler) Snapshot() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]int{}
	for _, j := range s.jobs {
		out[j.Status.String()]++
	}
	return out
}

func (s *Scheduler) fire(token string) {
	s.mu.Lock()
	j, ok := s.pendingJobLocked(token)
	if !ok {
		s.mu.Unlock()
		s.log.Debug("stale reminder timer ignored")
		return
	}
	// Registered under s.mu so Stop never races an Add against its Wait.
	s.inflight.Add(1)
	job := *j
	ctx := s.baseCtx
	s.mu.Unlock()
	defer s.inflight.Done()

	// Refresh the payload; the appointment may have changed since it was armed.
	a, err := s.appts.GetAppointment(ctx, job.AppointmentID)
	switch {
	case errors.Is(err, store.ErrNotFound) || (err == nil && a.Cancelled()):
		s.cancel(job.AppointmentID)
		return
	case err == nil && !store.Naive(a.StartLocal).Equal(job.StartLocal):
		if _, err := s.Schedule(ctx, a); err != nil {
			s.log.Warn("reschedule on fire failed", logx.Int64("appointment", a.ID), logx.Err(err))
		}
		return
	case err != nil:
		s.log.Warn("appointment reload failed; dispatching last known data",
			logx.Int64("appointment", job.AppointmentID), logx.Err(err))
		a = job.appt
	}

	// Claim: only one path may move this token out of Pending.
	s.mu.Lock()
	cur, ok := s.pendingJobLocked(token)
	if ok {
		s.status[token] = StatusFired
		delete(s.timers, token)
		cur.Status = StatusFired
		cur.UpdatedAt = s.now()
		job = *cur
		if err == nil {
			cur.appt = a
		}
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.markFired(ctx, job)
	res := s.dispatch.Deliver(ctx, webhook.NewReminder(a))
	s.audit(ctx, job, res)

	if res.Delivered() {
		s.log.Info("reminder delivered",
			logx.Int64("appointment", job.AppointmentID),
			logx.Int64("establishment", job.TenantID),
			logx.Duration("took", res.Took))
		return
	}
	s.log.Warn("reminder delivery failed",
		logx.Int64("appointment", job.AppointmentID),
		logx.Int64("establishment", job.TenantID),
		logx.Int("status", res.StatusCode),
		logx.Err(res.Err))
}

// caller holds s.mu
func (s *Scheduler) pendingJobLocked(token string) (*Job, bool) {
	if s.stopped || s.status[token] != StatusPending {
		return nil, false
	}
	j := s.jobs[s.owner[token]]
	if j == nil || j.Token != token || j.Status != StatusPending {
		return nil, false
	}
	return j, true
}

// Rescan re-resolves every appointment that can be on some establishment's
// local today, and reconciles pending jobs whose appointment disappeared.
// Already-pending jobs with an unchanged fire time are left alone, and the
// ledger keeps fired reminders from firing again.
func (s *Scheduler) Rescan(ctx context.Context) (map[string]int, error) {
	now := s.now().UTC()
	list, err := s.appts.ListBetween(ctx, store.Naive(now.Add(-rescanHorizon)), store.Naive(now.Add(rescanHorizon)))
	if err != nil {
		return nil, fmt.Errorf("reminder: rescan list: %w", err)
	}

	counts := map[string]int{}
	seen := make(map[int64]struct{}, len(list))
	zones := map[int64]*time.Location{}
	for _, a := range list {
		if ctx.Err() != nil {
			return counts, ctx.Err()
		}
		seen[a.ID] = struct{}{}
		j, err := s.schedule(ctx, a, zones)
		if err != nil {
			counts["error"]++
			s.log.Warn("rescan schedule failed", logx.Int64("appointment", a.ID), logx.Err(err))
			continue
		}
		counts[j.Status.String()]++
	}

	for _, id := range s.pendingOutside(seen) {
		if _, err := s.Sync(ctx, id); err != nil {
			s.log.Warn("rescan sync failed", logx.Int64("appointment", id), logx.Err(err))
		}
	}
	s.prune(now)

	s.log.Info("rescan finished", logx.Int("appointments", len(list)), logx.Any("jobs", counts))
	return counts, nil
}

func (s *Scheduler) pendingOutside(seen map[int64]struct{}) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	for id, j := range s.jobs {
		if _, ok := seen[id]; !ok && j.Status == StatusPending {
			out = append(out, id)
		}
	}
	return out
}

// prune drops terminal tokens and jobs that can no longer matter.
func (s *Scheduler) prune(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tok, st := range s.status {
		if st.Terminal() {
			delete(s.status, tok)
			delete(s.owner, tok)
		}
	}
	cut := store.Naive(now.Add(-firedRetention))
	for id, j := range s.jobs {
		if j.Status.Terminal() && j.StartLocal.Before(cut) {
			delete(s.jobs, id)
		}
	}
}

func (s *Scheduler) alreadyFired(ctx context.Context, a store.Appointment) (bool, error) {
	if s.ledger == nil {
		return false, nil
	}
	lctx, cancel := context.WithTimeout(ctx, ledgerTimeout)
	defer cancel()
	ok, err := s.ledger.Fired(lctx, FiredKey(a.ID, a.StartLocal))
	if err != nil {
		return false, fmt.Errorf("reminder: ledger lookup: %w", err)
	}
	return ok, nil
}

func (s *Scheduler) markFired(ctx context.Context, j Job) {
	if s.ledger == nil {
		return
	}
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerTimeout)
	defer cancel()
	if err := s.ledger.MarkFired(lctx, FiredKey(j.AppointmentID, j.StartLocal), j.FireAt.Add(firedRetention)); err != nil {
		s.log.Warn("ledger mark failed", logx.Int64("appointment", j.AppointmentID), logx.Err(err))
	}
}

func (s *Scheduler) audit(ctx context.Context, j Job, res webhook.Result) {
	if s.ledger == nil {
		return
	}
	e := storage.DispatchEntry{
		At:              s.now(),
		AppointmentID:   j.AppointmentID,
		EstablishmentID: j.TenantID,
		ClientID:        j.ClientID,
		FireAt:          j.FireAt,
		Status:          res.Status.String(),
		HTTPStatus:      res.StatusCode,
		TookMS:          res.Took.Milliseconds(),
	}
	if res.Err != nil {
		e.Error = res.Err.Error()
	}
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerTimeout)
	defer cancel()
	if err := s.ledger.AppendDispatch(lctx, e); err != nil {
		s.log.Debug("dispatch audit failed", logx.Err(err))
	}
}

// Zone returns the timezone used for an establishment's reminders.
func (s *Scheduler) Zone(ctx context.Context, establishmentID int64) *time.Location {
	return s.establishmentZone(ctx, establishmentID)
}

// establishmentZone returns the establishment's timezone, falling back to
// the configured default and then UTC.
func (s *Scheduler) establishmentZone(ctx context.Context, id int64) *time.Location {
	name := ""
	if s.estabs != nil {
		e, err := s.estabs.GetEstablishment(ctx, id)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			s.log.Warn("establishment lookup failed; using default timezone", logx.Int64("establishment", id), logx.Err(err))
		}
		name = strings.TrimSpace(e.Timezone)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if name == "" {
		name = s.cfg.DefaultTimezone
	}
	return s.zoneLocked(name)
}

// caller holds s.mu
func (s *Scheduler) zoneLocked(name string) *time.Location {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.UTC
	}
	if loc, ok := s.zones[name]; ok {
		return loc
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		s.log.Warn("invalid timezone; using UTC", logx.String("tz", name), logx.Err(err))
		loc = time.UTC
	}
	s.zones[name] = loc
	return loc
}
