package reminder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"agendacore/internal/storage"
	"agendacore/internal/store"
	"agendacore/internal/webhook"
	logx "agendacore/pkg/logx"
)

var testNow = time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC)

type fakeTimer struct {
	mu      sync.Mutex
	delay   time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (t *fakeTimer) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeTimers struct {
	mu   sync.Mutex
	list []*fakeTimer
}

func (f *fakeTimers) afterFunc(d time.Duration, fn func()) Timer {
	t := &fakeTimer{delay: d, fn: fn}
	f.mu.Lock()
	f.list = append(f.list, t)
	f.mu.Unlock()
	return t
}

func (f *fakeTimers) all() []*fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeTimer(nil), f.list...)
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []webhook.Reminder
	fail  map[int64]bool          // by client id
	block map[int64]chan struct{} // by client id
}

func (d *fakeDispatcher) Deliver(_ context.Context, r webhook.Reminder) webhook.Result {
	d.mu.Lock()
	d.calls = append(d.calls, r)
	fail := d.fail[r.ClientID]
	block := d.block[r.ClientID]
	d.mu.Unlock()

	if block != nil {
		<-block
	}
	if fail {
		return webhook.Result{Status: webhook.StatusFailed, Err: errors.New("boom")}
	}
	return webhook.Result{Status: webhook.StatusDelivered, StatusCode: 200}
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

// memLedger ignores expiry so fixed test clocks cannot age marks out.
type memLedger struct {
	mu    sync.Mutex
	fired map[string]time.Time
	audit []storage.DispatchEntry
}

func (l *memLedger) MarkFired(_ context.Context, key string, until time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fired[key] = until
	return nil
}

func (l *memLedger) Fired(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.fired[key]
	return ok, nil
}

func (l *memLedger) AppendDispatch(_ context.Context, e storage.DispatchEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.audit = append(l.audit, e)
	return nil
}

func (l *memLedger) Close() error { return nil }

type fixture struct {
	mem    *store.Memory
	timers *fakeTimers
	disp   *fakeDispatcher
	sched  *Scheduler
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		mem:    store.NewMemory(),
		timers: &fakeTimers{},
		disp:   &fakeDispatcher{fail: map[int64]bool{}, block: map[int64]chan struct{}{}},
	}
	f.mem.PutEstablishment(store.Establishment{ID: 1, Name: "Studio", Timezone: "UTC"})
	spec, err := ParseRescan("5m")
	if err != nil {
		t.Fatalf("rescan: %v", err)
	}
	all := append([]Option{
		WithClock(func() time.Time { return testNow }),
		WithAfterFunc(f.timers.afterFunc),
	}, opts...)
	f.sched = New(Config{Enabled: true, Rescan: spec}, f.mem, f.mem, f.disp, logx.Nop(), all...)
	return f
}

func (f *fixture) put(id, client int64, in time.Duration) store.Appointment {
	a := store.Appointment{ID: id, EstablishmentID: 1, ClientID: client, StartLocal: testNow.Add(in), ClientName: "c"}
	f.mem.PutAppointment(a)
	return a
}

func TestScheduleArmsAndFiresOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	job, err := f.sched.Schedule(ctx, f.put(1, 10, 45*time.Minute))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if job.Status != StatusPending || job.Token == "" {
		t.Fatalf("job=%+v", job)
	}
	timers := f.timers.all()
	if len(timers) != 1 || timers[0].delay != 15*time.Minute {
		t.Fatalf("timers=%+v", timers)
	}

	timers[0].fn()
	timers[0].fn() // a duplicate callback is a no-op

	if n := f.disp.count(); n != 1 {
		t.Fatalf("dispatches=%d want 1", n)
	}
	got, _ := f.sched.Job(1)
	if got.Status != StatusFired {
		t.Fatalf("status=%v", got.Status)
	}
}

func TestPastDueAndSkipAreNotArmed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	j1, _ := f.sched.Schedule(ctx, f.put(1, 10, 20*time.Minute))
	j2, _ := f.sched.Schedule(ctx, f.put(2, 11, 24*time.Hour))
	if j1.Status != StatusSkipped || j1.Outcome != OutcomePastDue {
		t.Fatalf("j1=%+v", j1)
	}
	if j2.Status != StatusSkipped || j2.Outcome != OutcomeSkip {
		t.Fatalf("j2=%+v", j2)
	}
	if n := len(f.timers.all()); n != 0 {
		t.Fatalf("timers armed: %d", n)
	}
}

func TestCancelledJobNeverDispatches(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	if _, err := f.sched.Schedule(context.Background(), f.put(1, 10, time.Hour)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if !f.sched.Cancel(1) {
		t.Fatalf("cancel reported nothing cancelled")
	}
	tm := f.timers.all()[0]
	if !tm.isStopped() {
		t.Fatalf("timer not stopped")
	}

	// The callback may already be running when Cancel returns.
	tm.fn()

	if n := f.disp.count(); n != 0 {
		t.Fatalf("dispatches=%d want 0", n)
	}
	j, _ := f.sched.Job(1)
	if j.Status != StatusCancelled {
		t.Fatalf("status=%v", j.Status)
	}
	if f.sched.Cancel(1) {
		t.Fatalf("second cancel should be a no-op")
	}
}

func TestRescheduleSupersedesOldTimer(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	first, _ := f.sched.Schedule(ctx, f.put(1, 10, 45*time.Minute))
	second, err := f.sched.Sync(ctx, f.put(1, 10, 90*time.Minute).ID)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if second.Token == first.Token || second.Status != StatusPending {
		t.Fatalf("second=%+v", second)
	}

	timers := f.timers.all()
	if len(timers) != 2 || !timers[0].isStopped() || timers[1].delay != time.Hour {
		t.Fatalf("timers=%+v", timers)
	}

	timers[0].fn()
	if n := f.disp.count(); n != 0 {
		t.Fatalf("superseded timer dispatched")
	}
	timers[1].fn()
	if n := f.disp.count(); n != 1 {
		t.Fatalf("dispatches=%d want 1", n)
	}
}

func TestSyncCancelsDeletedOrCancelled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.sched.Schedule(ctx, f.put(1, 10, time.Hour))
	f.sched.Schedule(ctx, f.put(2, 11, time.Hour))

	f.mem.DeleteAppointment(1)
	a := f.put(2, 11, time.Hour)
	a.Status = "cancelado"
	f.mem.PutAppointment(a)

	for _, id := range []int64{1, 2} {
		j, err := f.sched.Sync(ctx, id)
		if err != nil {
			t.Fatalf("sync %d: %v", id, err)
		}
		if j.Status != StatusCancelled {
			t.Fatalf("job %d status=%v", id, j.Status)
		}
	}
	for _, tm := range f.timers.all() {
		tm.fn()
	}
	if n := f.disp.count(); n != 0 {
		t.Fatalf("dispatches=%d want 0", n)
	}
}

func TestFireSeesCancellationInStore(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	a := f.put(1, 10, time.Hour)
	f.sched.Schedule(context.Background(), a)
	a.Status = "cancelado"
	f.mem.PutAppointment(a)

	f.timers.all()[0].fn()
	if n := f.disp.count(); n != 0 {
		t.Fatalf("dispatches=%d want 0", n)
	}
	if j, _ := f.sched.Job(1); j.Status != StatusCancelled {
		t.Fatalf("status=%v", j.Status)
	}
}

func TestDeliveryFailureDoesNotBlockOtherJobs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	release := make(chan struct{})
	f.disp.fail[10] = true
	f.disp.block[10] = release

	f.sched.Schedule(ctx, f.put(1, 10, time.Hour))
	f.sched.Schedule(ctx, f.put(2, 20, time.Hour))
	timers := f.timers.all()

	done := make(chan struct{})
	go func() {
		timers[0].fn() // slow, then fails
		close(done)
	}()

	// Job 2 fires while job 1 is still stuck in delivery.
	timers[1].fn()
	if j, _ := f.sched.Job(2); j.Status != StatusFired {
		t.Fatalf("job 2 status=%v", j.Status)
	}

	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("failing delivery did not return")
	}
	if j, _ := f.sched.Job(1); j.Status != StatusFired {
		t.Fatalf("failed delivery must still leave the job fired, got %v", j.Status)
	}
	if n := f.disp.count(); n != 2 {
		t.Fatalf("dispatches=%d want 2", n)
	}
}

func TestRescanIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.put(1, 10, time.Hour)
	f.put(2, 11, 10*time.Minute)

	first, err := f.sched.Rescan(ctx)
	if err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if first["pending"] != 1 || first["skipped"] != 1 {
		t.Fatalf("counts=%v", first)
	}
	if _, err := f.sched.Rescan(ctx); err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if n := len(f.timers.all()); n != 1 {
		t.Fatalf("timers=%d want 1", n)
	}
}

func TestRescanCancelsVanishedAppointments(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.sched.Schedule(ctx, f.put(1, 10, time.Hour))
	f.mem.DeleteAppointment(1)

	if _, err := f.sched.Rescan(ctx); err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if j, _ := f.sched.Job(1); j.Status != StatusCancelled {
		t.Fatalf("status=%v", j.Status)
	}
}

func TestRestartDoesNotRefireOrLoseReminders(t *testing.T) {
	t.Parallel()

	ledger := &memLedger{fired: map[string]time.Time{}}
	ctx := context.Background()

	before := newFixture(t, WithLedger(ledger))
	before.sched.Schedule(ctx, before.put(1, 10, 45*time.Minute))
	before.timers.all()[0].fn()
	if before.disp.count() != 1 {
		t.Fatalf("first run did not dispatch")
	}

	// New process, later in the day, same ledger and store contents.
	after := newFixture(t, WithLedger(ledger))
	after.mem = before.mem
	later := testNow.Add(5 * time.Minute)
	after.sched = New(after.sched.cfg, before.mem, before.mem, after.disp, logx.Nop(),
		WithClock(func() time.Time { return later }),
		WithAfterFunc(after.timers.afterFunc),
		WithLedger(ledger))

	before.put(2, 20, 20*time.Minute) // fireAt passed while down
	before.put(3, 30, 2*time.Hour)    // still ahead

	counts, err := after.sched.Rescan(ctx)
	if err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if counts["fired"] != 1 || counts["skipped"] != 1 || counts["pending"] != 1 {
		t.Fatalf("counts=%v", counts)
	}
	timers := after.timers.all()
	if len(timers) != 1 {
		t.Fatalf("timers=%d want 1", len(timers))
	}
	if want := 2*time.Hour - LeadTime - 5*time.Minute; timers[0].delay != want {
		t.Fatalf("delay=%v want %v", timers[0].delay, want)
	}
	if after.disp.count() != 0 {
		t.Fatalf("restart dispatched %d reminders", after.disp.count())
	}
	if len(ledger.audit) != 1 || ledger.audit[0].Status != "delivered" {
		t.Fatalf("audit=%+v", ledger.audit)
	}
}

func TestScheduleDisabled(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.sched.Apply(Config{Enabled: false, Rescan: f.sched.cfg.Rescan})

	if _, err := f.sched.Schedule(context.Background(), f.put(1, 10, time.Hour)); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err=%v", err)
	}
}

func TestDefaultTimezoneFallback(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.sched.Apply(Config{Enabled: true, Rescan: f.sched.cfg.Rescan, DefaultTimezone: "America/Sao_Paulo"})

	// Establishment 2 is unknown. 13:00 UTC is 10:00 in Sao Paulo, so a
	// naive 11:00 start is 60 minutes away.
	a := store.Appointment{ID: 9, EstablishmentID: 2, ClientID: 1, StartLocal: time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC)}
	f.mem.PutAppointment(a)
	j, err := f.sched.Schedule(context.Background(), a)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if j.Status != StatusPending || f.timers.all()[0].delay != 30*time.Minute {
		t.Fatalf("job=%+v delay=%v", j, f.timers.all()[0].delay)
	}
}

func TestStopPreventsFiring(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.sched.Schedule(context.Background(), f.put(1, 10, time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f.sched.Stop(ctx)

	f.timers.all()[0].fn()
	if n := f.disp.count(); n != 0 {
		t.Fatalf("dispatches=%d want 0", n)
	}
	if _, err := f.sched.Schedule(context.Background(), f.put(2, 11, time.Hour)); !errors.Is(err, ErrStopped) {
		t.Fatalf("err=%v", err)
	}
}

func TestOperatorCancelSurvivesRescan(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.sched.Schedule(ctx, f.put(7, 10, 90*time.Minute)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if !f.sched.Cancel(7) {
		t.Fatalf("cancel reported nothing cancelled")
	}
	if _, err := f.sched.Rescan(ctx); err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if _, err := f.sched.Sync(ctx, 7); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if j, _ := f.sched.Job(7); j.Status != StatusCancelled {
		t.Fatalf("status=%v want cancelled", j.Status)
	}
	timers := f.timers.all()
	if len(timers) != 1 {
		t.Fatalf("timers armed=%d want 1", len(timers))
	}
	timers[0].fn()
	if n := f.disp.count(); n != 0 {
		t.Fatalf("dispatches=%d want 0", n)
	}

	// Moving the appointment is a new reminder.
	f.put(7, 10, 2*time.Hour)
	if _, err := f.sched.Rescan(ctx); err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if j, _ := f.sched.Job(7); j.Status != StatusPending {
		t.Fatalf("status=%v want pending after reschedule", j.Status)
	}
}

func TestReactivatedAppointmentIsArmedAgain(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	a := f.put(3, 10, time.Hour)
	f.sched.Schedule(ctx, a)
	a.Status = "cancelado"
	f.mem.PutAppointment(a)
	if j, _ := f.sched.Sync(ctx, 3); j.Status != StatusCancelled {
		t.Fatalf("status=%v want cancelled", j.Status)
	}

	a.Status = "confirmado"
	f.mem.PutAppointment(a)
	j, err := f.sched.Sync(ctx, 3)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if j.Status != StatusPending {
		t.Fatalf("status=%v want pending", j.Status)
	}
}

// gatedStore reports every ListBetween call and can hold calls until released.
type gatedStore struct {
	*store.Memory

	calls chan bool // true when the call was held

	mu   sync.Mutex
	gate chan struct{}
}

func newGatedStore() *gatedStore {
	g := &gatedStore{Memory: store.NewMemory(), calls: make(chan bool, 64)}
	g.PutEstablishment(store.Establishment{ID: 1, Name: "Studio", Timezone: "UTC"})
	return g
}

func (g *gatedStore) hold() chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gate = make(chan struct{})
	return g.gate
}

func (g *gatedStore) ListBetween(ctx context.Context, from, to time.Time) ([]store.Appointment, error) {
	g.mu.Lock()
	gate := g.gate
	g.mu.Unlock()

	select {
	case g.calls <- gate != nil:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return g.Memory.ListBetween(ctx, from, to)
}

func mustRescan(t *testing.T, raw string) RescanSpec {
	t.Helper()
	spec, err := ParseRescan(raw)
	if err != nil {
		t.Fatalf("rescan %q: %v", raw, err)
	}
	return spec
}

func newGatedScheduler(t *testing.T, g *gatedStore, rescan string) *Scheduler {
	t.Helper()
	timers := &fakeTimers{}
	disp := &fakeDispatcher{fail: map[int64]bool{}, block: map[int64]chan struct{}{}}
	s := New(Config{Enabled: true, Rescan: mustRescan(t, rescan)}, g, g, disp, logx.Nop(),
		WithClock(func() time.Time { return testNow }),
		WithAfterFunc(timers.afterFunc))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitCall(t *testing.T, g *gatedStore, wantHeld bool, within time.Duration) {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case held := <-g.calls:
			if held == wantHeld {
				return
			}
		case <-deadline:
			t.Fatalf("no rescan (held=%v) within %v", wantHeld, within)
		}
	}
}

func TestApplyRestartsRescanSchedule(t *testing.T) {
	t.Parallel()
	g := newGatedStore()
	s := newGatedScheduler(t, g, "5m")
	waitCall(t, g, false, time.Second) // initial rescan from Start

	s.Apply(Config{Enabled: true, Rescan: mustRescan(t, "1s")})
	waitCall(t, g, false, 3*time.Second)

	if !s.Enabled() {
		t.Fatalf("scheduler disabled by apply")
	}
}

func TestApplyDuringRescanDoesNotBlockScheduler(t *testing.T) {
	t.Parallel()
	g := newGatedStore()
	g.PutAppointment(store.Appointment{ID: 1, EstablishmentID: 1, ClientID: 10, StartLocal: testNow.Add(time.Hour)})
	s := newGatedScheduler(t, g, "1s")

	release := g.hold()
	waitCall(t, g, true, 3*time.Second) // a cron rescan is now stuck listing

	next := Config{Enabled: true, Rescan: mustRescan(t, "5m")}
	applied := make(chan struct{})
	go func() {
		s.Apply(next)
		close(applied)
	}()
	time.Sleep(100 * time.Millisecond)

	snap := make(chan map[string]int, 1)
	go func() { snap <- s.Snapshot() }()
	select {
	case <-snap:
	case <-time.After(time.Second):
		t.Fatalf("scheduler lock held while apply waits for the running rescan")
	}

	close(release)
	select {
	case <-applied:
	case <-time.After(3 * time.Second):
		t.Fatalf("apply did not return after the rescan finished")
	}
	if j, ok := s.Job(1); !ok || j.Status != StatusPending {
		t.Fatalf("job=%+v ok=%v", j, ok)
	}
}
