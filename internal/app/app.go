package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bulksender/internal/api"
	"bulksender/internal/config"
	"bulksender/internal/eventbus"
	"bulksender/internal/notify"
	"bulksender/internal/observability/pprof"
	"bulksender/internal/queue"
	"bulksender/internal/report"
	"bulksender/internal/runtime/sdnotify"
	"bulksender/internal/runtime/supervisor"
	"bulksender/internal/storage"
	"bulksender/internal/transport"
	"bulksender/internal/transport/dryrun"
	"bulksender/internal/transport/gateway"
	"bulksender/internal/worker"
	logx "bulksender/pkg/logx"
)

// Options selects which long-running parts Start brings up.
type Options struct {
	Worker bool // drain the queue
	API    bool // serve the producer HTTP API
	// DBPath overrides storage.path when set.
	DBPath string
	// Transport replaces the configured transport (tests, embedding).
	Transport transport.Transport
	Session   transport.Session
}

type App struct {
	opts Options

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	queue *queue.Queue

	engine *worker.Engine
	notif  *notify.Service
	report *report.Service
	api    *api.Server
	sd     *sdnotify.Notifier
	pprof  *pprof.Service
}

func New(ctx context.Context, cfgPath string, opts Options) (*App, error) {
	config.LoadDotEnv()
	cfgm := config.NewManager(cfgPath)
	if opts.DBPath != "" {
		cfgm.SetOverride(func(c *config.Config) { c.Storage.Path = opts.DBPath })
	}
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Bootstrap with alerts off: the notifier does not exist yet.
	logCfg := mapLogging(cfg)
	finalAlert := logCfg.Alert.Enabled
	logCfg.Alert.Enabled = false
	logSvc, log := logx.New(logCfg)

	bus := eventbus.New()

	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*App, error) {
		_ = st.Close()
		_ = logSvc.Close()
		return nil, err
	}

	def, err := mapQueueDefaults(cfg)
	if err != nil {
		return fail(err)
	}
	q := queue.New(st, bus, log.With(logx.String("comp", "queue")), def)

	a := &App{
		opts:  opts,
		cfgm:  cfgm,
		log:   log.With(logx.String("comp", "app")),
		logs:  logSvc,
		bus:   bus,
		store: st,
		queue: q,
		sd:    sdnotify.New(log.With(logx.String("comp", "sdnotify"))),
		pprof: pprof.New(log.With(logx.String("comp", "pprof"))),
	}

	if opts.Worker {
		if err := a.buildWorker(cfg, log); err != nil {
			return fail(err)
		}
	}

	var sender notify.Sender
	if cfg.Notifier.Enabled {
		tg, err := notify.NewTelegram(cfg.Notifier.Token, cfg.Notifier.ChatID, cfg.Notifier.ThreadID)
		if err != nil {
			return fail(fmt.Errorf("notifier: %w", err))
		}
		sender = tg
	}
	a.notif = notify.New(mapNotifier(cfg), sender, bus, log.With(logx.String("comp", "notifier")))
	if a.notif.Enabled() {
		logSvc.SetAlertSender(a.notif)
	}
	logCfg.Alert.Enabled = finalAlert
	logSvc.Apply(logCfg)

	a.report = report.New(mapReport(cfg), q, a.notif, log.With(logx.String("comp", "report")))

	if opts.API {
		ac, err := mapAPI(cfg)
		if err != nil {
			return fail(err)
		}
		a.api = api.New(ac, q, log.With(logx.String("comp", "api")))
	}
	return a, nil
}

func (a *App) buildWorker(cfg *config.Config, log logx.Logger) error {
	tr, sess := a.opts.Transport, a.opts.Session
	if tr == nil {
		var err error
		tr, sess, err = buildTransport(cfg, log.With(logx.String("comp", "transport")))
		if err != nil {
			return err
		}
	}
	if sess == nil {
		s, ok := tr.(transport.Session)
		if !ok {
			return fmt.Errorf("transport %T has no session; pass Options.Session", tr)
		}
		sess = s
	}
	set, err := mapWorkerSettings(cfg)
	if err != nil {
		return err
	}
	a.engine = worker.New(a.queue, tr, sess, a.bus, log.With(logx.String("comp", "worker")), set)
	return nil
}

func buildTransport(cfg *config.Config, log logx.Logger) (transport.Transport, transport.Session, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Transport.Driver)) {
	case "dryrun":
		d := dryrun.New(log)
		log.Warn("dryrun transport selected; nothing will be delivered")
		return d, d, nil
	case "", "gateway":
		gc, err := mapGateway(cfg)
		if err != nil {
			return nil, nil, err
		}
		c, err := gateway.New(gc, log)
		if err != nil {
			return nil, nil, err
		}
		return c, c, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport.driver: %s", cfg.Transport.Driver)
	}
}

func (a *App) Queue() *queue.Queue { return a.queue }

func (a *App) Bus() eventbus.Bus { return a.bus }

// Engine is nil unless Options.Worker is set.
func (a *App) Engine() *worker.Engine { return a.engine }

// Done is closed when the app supervisor context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateMapped(cfg)
	})

	// The notifier outlives the supervisor context so the final worker
	// events still reach the operator; Stop shuts it down explicitly.
	a.notif.Start(context.WithoutCancel(a.sup.Context()))
	if err := a.report.Start(a.sup.Context()); err != nil {
		return err
	}

	if err := a.pprof.Apply(a.sup.Context(), mapPprof(a.cfgm.Get())); err != nil {
		a.log.Warn("pprof not started", logx.Err(err))
	}

	if a.engine != nil {
		a.sup.Go("worker", a.engine.Run)
	}
	if a.api != nil {
		a.sup.Go("api", a.api.Run)
	}
	a.sup.Go("sdnotify.watchdog", a.sd.Watchdog)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		defer func() {
			if n := a.bus.Dropped(); n > 0 {
				a.log.Info("eventbus dropped events for slow subscribers", logx.Uint64("dropped", n))
			}
		}()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})
	if strings.TrimSpace(a.cfgm.Path()) != "" {
		a.sup.GoRestart("config.watch", a.cfgm.Watch)
	}

	a.sd.Ready()
	a.sd.Status(a.statusLine())
	a.log.Info("app started",
		logx.Bool("worker", a.engine != nil),
		logx.Bool("api", a.api != nil),
		logx.Bool("notifier", a.notif.Enabled()),
	)
	return nil
}

func (a *App) statusLine() string {
	var parts []string
	if a.engine != nil {
		parts = append(parts, "worker "+a.engine.RunID())
	}
	if a.api != nil {
		parts = append(parts, "api "+a.cfgm.Get().API.Addr)
	}
	if len(parts) == 0 {
		return "idle"
	}
	return strings.Join(parts, ", ")
}

// applyConfig pushes a reloaded config into the running components.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	a.sd.Reloading()
	defer a.sd.Ready()

	if restart := config.RequiresRestart(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogging(next))

	if def, err := mapQueueDefaults(next); err != nil {
		a.log.Warn("invalid queue config; keeping previous", logx.Err(err))
	} else {
		a.queue.SetDefaults(def)
	}
	if a.engine != nil {
		if set, err := mapWorkerSettings(next); err != nil {
			a.log.Warn("invalid worker config; keeping previous", logx.Err(err))
		} else {
			a.engine.Apply(set)
		}
	}
	a.notif.Apply(mapNotifier(next))
	if err := a.report.Apply(mapReport(next)); err != nil {
		a.log.Warn("invalid report config; keeping previous", logx.Err(err))
	}
	if err := a.pprof.Apply(context.Background(), mapPprof(next)); err != nil {
		a.log.Warn("pprof reconfigure failed", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

const (
	minSupervisorStop = 10 * time.Second
	// stopMargin covers the bookkeeping after the last send.
	stopMargin = 5 * time.Second
	// stopTail is the sum of the budgets of the steps after the supervisor.
	stopTail = 6 * time.Second
)

// supervisorBudget lets a send that started just before shutdown run to its
// timeout and still record its outcome before storage closes.
func (a *App) supervisorBudget() time.Duration {
	if a.engine == nil {
		return minSupervisorStop
	}
	return max(minSupervisorStop, a.engine.SendTimeout()+stopMargin)
}

// StopTimeout is the deadline Stop needs to run every step in full.
func (a *App) StopTimeout() time.Duration { return a.supervisorBudget() + stopTail }

// Stop shuts components down in dependency order: the worker finishes its
// in-flight delivery before storage is closed.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.release()
		return nil
	}
	c := a.sup.Counters()
	a.log.Info("stopping",
		logx.String("reason", string(reason)),
		logx.Int64("goroutines", c.Active),
		logx.Uint64("started", c.Started),
	)
	a.sd.Stopping()
	a.sup.Cancel()

	a.step(ctx, "supervisor", a.supervisorBudget(), func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "report", time.Second, func(context.Context) error { a.report.Stop(); return nil })
	a.step(ctx, "pprof", 2*time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "storage", time.Second, func(context.Context) error { a.release(); return nil })

	a.log.Info("stopped")
	return nil
}

// release closes storage and the log sinks.
func (a *App) release() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close", logx.Err(err))
		}
		a.store = nil
	}
	if a.logs != nil {
		_ = a.logs.Close()
		a.logs = nil
	}
}

// step runs one shutdown step bounded by max without extending the caller's deadline.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
