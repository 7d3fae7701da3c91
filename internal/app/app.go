package app

import (
	"context"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"agendacore/internal/config"
	"agendacore/internal/httpapi"
	"agendacore/internal/realtime"
	"agendacore/internal/reminder"
	rtsup "agendacore/internal/runtime/supervisor"
	"agendacore/internal/storage"
	"agendacore/internal/store"
	"agendacore/internal/webhook"
	logx "agendacore/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	appts   store.AppointmentStore
	estabs  store.EstablishmentStore
	closeDB func()
	ledger  storage.Store

	hook  *webhook.Dispatcher
	sched *reminder.Scheduler
	reg   *realtime.Registry
	bcast *realtime.Broadcaster
	relay *realtime.Relay
	http  *httpapi.Server

	shutdownTimeout time.Duration
}

// New loads the config and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	// Every reload passes the same checks as startup before it goes live.
	cfgm := config.NewManager(cfgPath, config.WithValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	}))
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	cfgm.SetLogger(log.Component("config"))
	a := &App{cfgm: cfgm, logs: logSvc, log: log.Component("app")}
	comp := log.Component

	// Errors below are already validated; only I/O can fail here.
	a.shutdownTimeout, _ = mapShutdownTimeout(cfg)

	switch driver, _ := mapDatabaseDriver(cfg); driver {
	case "postgres":
		pg, err := store.NewPostgres(ctx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			return nil, err
		}
		a.appts, a.estabs, a.closeDB = pg, pg, pg.Close
		a.log.Info("database connected", logx.String("driver", driver))
	default:
		mem := store.NewMemory()
		a.appts, a.estabs = mem, mem
		a.log.Warn("using in-memory appointment store; reminders only see what is synced into it")
	}

	opts := []reminder.Option{}
	if sc, enabled, _ := mapStorageConfig(cfg); enabled {
		st, err := storage.Open(sc, comp("storage"))
		if err != nil {
			a.closeStores()
			return nil, err
		}
		a.ledger = st
		opts = append(opts, reminder.WithLedger(st))
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	wc, _ := mapWebhookConfig(cfg)
	a.hook = webhook.New(wc, nil, comp("webhook"))

	rc, _ := mapReminderConfig(cfg)
	a.sched = reminder.New(rc, a.appts, a.estabs, a.hook, comp("reminder"), opts...)

	rtLog := comp("realtime")
	a.reg = realtime.NewRegistry(rtLog)
	a.bcast = realtime.NewBroadcaster(a.reg, rtLog)
	if relayCfg, enabled, _ := mapRelayConfig(cfg); enabled {
		relay, err := realtime.NewRelay(relayCfg, a.bcast, rtLog)
		if err != nil {
			a.closeStores()
			return nil, err
		}
		a.relay = relay
	}
	hc, _ := mapRealtimeConfig(cfg)

	httpCfg, _ := mapHTTPConfig(cfg)
	a.http = httpapi.New(httpCfg, httpapi.Deps{
		Registry:       a.reg,
		Broadcaster:    a.bcast,
		Realtime:       realtime.NewHandler(a.reg, hc, rtLog),
		Reminders:      a.sched,
		Appointments:   a.appts,
		Establishments: a.estabs,
	}, comp("httpapi"))

	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// ShutdownTimeout is the configured upper bound for Stop.
func (a *App) ShutdownTimeout() time.Duration { return a.shutdownTimeout }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	if a.sched.Enabled() {
		if err := a.sched.Start(a.sup.Context()); err != nil {
			return err
		}
	} else {
		a.log.Info("reminder scheduler disabled")
	}

	if a.relay != nil {
		// The relay is an optimization for multi-instance setups; local
		// delivery works without it.
		if err := a.relay.Start(a.sup.Context()); err != nil {
			a.log.Warn("relay unavailable; events stay local to this instance", logx.Err(err))
		}
	}

	if err := a.http.Start(a.sup.Context()); err != nil {
		return err
	}

	changes, unsubscribe := a.cfgm.Subscribe(4)
	a.sup.Go0("config.apply", func(c context.Context) {
		defer unsubscribe()
		for {
			select {
			case <-c.Done():
				return
			case ch, ok := <-changes:
				if !ok {
					return
				}
				a.applyConfig(ch)
			}
		}
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch, rtsup.WithRestartBackoff(250*time.Millisecond, 5*time.Second))

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("app started", logx.String("addr", a.http.Addr()))
	return nil
}

// applyConfig pushes the live-tunable sections of a reload into the running
// components. Everything else is reported as needing a restart.
func (a *App) applyConfig(ch config.Change) {
	if ch.Empty() || ch.Next == nil {
		a.log.Info("config reloaded (no changes)")
		return
	}
	next := ch.Next

	if ch.Touches("logging") {
		if err := a.logs.Apply(mapLoggingConfig(next)); err != nil {
			a.log.Warn("log file unavailable; logging to console", logx.Err(err))
		}
	}
	if ch.Touches("webhook") {
		// validateConfig already ran on this config, so mapping cannot fail.
		wc, _ := mapWebhookConfig(next)
		a.hook.Apply(wc)
	}
	if ch.Touches("reminder") {
		rc, _ := mapReminderConfig(next)
		// Turning reminders on or off only takes effect on restart.
		rc.Enabled = a.sched.Enabled()
		a.sched.Apply(rc)
	}
	if ch.Touches("ratelimit") {
		rl, _ := mapRateLimit(next)
		a.http.ApplyRateLimit(rl)
	}

	if len(ch.Restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(ch.Restart, ",")))
	}
	a.log.Info("config reloaded",
		append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)...)
}

// Stop tears components down in dependency order. Each step gets its own
// budget inside ctx so one slow component cannot starve the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeStores()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}
	a.sup.Cancel()

	// Stop taking requests, drop live connections, then drain reminders
	// before the stores they write to are closed.
	plan := []stopStep{
		{"http", 3 * time.Second, a.http.Stop},
		{"realtime", time.Second, func(context.Context) error { a.reg.CloseAll(); return nil }},
		{"relay", 2 * time.Second, func(c context.Context) error {
			if a.relay == nil {
				return nil
			}
			return a.relay.Stop(c)
		}},
		{"reminder", 3 * time.Second, func(c context.Context) error { a.sched.Stop(c); return nil }},
		{"stores", 2 * time.Second, func(context.Context) error { a.closeStores(); return nil }},
		{"supervisor", 2 * time.Second, a.sup.Wait},
	}
	for _, st := range plan {
		a.runStopStep(ctx, st)
	}

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}

func (a *App) closeStores() {
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.ledger = nil
	}
	if a.closeDB != nil {
		a.closeDB()
		a.closeDB = nil
	}
}
