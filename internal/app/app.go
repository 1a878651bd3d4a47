package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"termsched/internal/config"
	"termsched/internal/dispatch"
	"termsched/internal/eventbus"
	"termsched/internal/executor"
	"termsched/internal/job"
	"termsched/internal/notify"
	"termsched/internal/queue"
	"termsched/internal/recur"
	"termsched/internal/runtime/supervisor"
	"termsched/internal/storage"
	"termsched/internal/tasks"
	logx "termsched/pkg/logx"
)

const defaultOutboxSize = 256

type App struct {
	cfgm *config.ConfigManager
	cfg  *config.Config

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	backend storage.Backend
	async   *storage.Async

	store   *queue.Store
	handoff chan *job.Job
	disp    *dispatch.Dispatcher
	exec    *executor.Executor
	outbox  *notify.Outbox
	tg      *notify.Telegram
	planner *recur.Planner

	// sup runs the control loops (dispatcher, config, recurring watch) and is
	// canceled first on Stop. work runs everything that must drain after
	// them: executor workers, the outbox and the storage writer.
	sup  *supervisor.Supervisor
	work *supervisor.Supervisor

	execCancel context.CancelFunc
	execDone   chan struct{}

	shutdownTimeout time.Duration
	now             func() time.Time
}

// NewApp loads cfgPath and builds the app. The file is watched for changes
// once the app is started.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return build(cfg, cfgm)
}

// NewFromConfig builds an app from an in-memory config without hot reload.
func NewFromConfig(cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return build(cfg, nil)
}

func build(cfg *config.Config, cfgm *config.ConfigManager) (*App, error) {
	logSvc, log := logx.New(mapLoggingConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))

	a := &App{
		cfgm:            cfgm,
		cfg:             cfg,
		log:             appLog,
		logs:            logSvc,
		bus:             eventbus.New(),
		store:           queue.New(),
		handoff:         make(chan *job.Job, cfg.Dispatcher.HandoffBuffer),
		shutdownTimeout: mapShutdownTimeout(cfg),
		now:             time.Now,
	}

	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if enabled {
		b, err := storage.Open(sc, log)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		a.backend = b
		appLog.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	var sink notify.Sink = notify.LogSink(log.With(logx.String("comp", "notify")))
	if tc, ok := mapTelegramConfig(cfg); ok {
		tg, err := notify.NewTelegram(tc, log.With(logx.String("comp", "notify.telegram")))
		if err != nil {
			a.closeBackend()
			return nil, fmt.Errorf("telegram notifier: %w", err)
		}
		a.tg = tg
		sink = notify.Multi(sink, tg)
	}
	outboxSize := cfg.Executor.OutboxSize
	if outboxSize <= 0 {
		outboxSize = defaultOutboxSize
	}
	a.outbox = notify.NewOutbox(outboxSize, sink)

	ec, err := mapExecutorConfig(cfg)
	if err != nil {
		a.closeBackend()
		return nil, err
	}
	a.exec = executor.New(ec, a.outbox, log.With(logx.String("comp", "executor")), a.bus)
	a.exec.SetRequeue(a.store.Push)

	dataPath := ""
	if enabled {
		dataPath = sc.Path
	}
	tasks.Register(a.exec, tasks.Deps{Log: log.With(logx.String("comp", "tasks")), DataPath: dataPath})

	poll, err := mapPollInterval(cfg)
	if err != nil {
		a.closeBackend()
		return nil, err
	}
	a.disp = dispatch.New(a.store, dispatch.ChanHandoff(a.handoff), log.With(logx.String("comp", "dispatcher")),
		dispatch.WithPollInterval(poll))

	loc, err := cfg.Location()
	if err != nil {
		a.closeBackend()
		return nil, err
	}
	a.planner = recur.NewPlanner(loc, log)
	a.applyTemplates(cfg)

	return a, nil
}

func (a *App) Store() *queue.Store { return a.store }
func (a *App) Executor() *executor.Executor { return a.exec }
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.disp }
func (a *App) Bus() eventbus.Bus { return a.bus }

// Submit queues j for execution.
func (a *App) Submit(j *job.Job) error { return a.store.Push(j) }

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

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.work = supervisor.New(context.WithoutCancel(ctx), supervisor.WithLogger(a.log))

	restored := 0
	if a.backend != nil {
		n, err := storage.Restore(ctx, a.backend, a.store, a.log.With(logx.String("comp", "storage")))
		if err != nil {
			return err
		}
		restored = n

		storeLog := a.log.With(logx.String("comp", "storage"))
		if a.cfg.Storage != nil && a.cfg.Storage.Sync {
			a.store.SetSink(storage.NewPersister(a.backend, storeLog))
		} else {
			a.async = storage.NewAsync(a.backend, storeLog)
			a.store.SetSink(a.async)
			a.work.Go("storage.writer", a.async.Run)
		}
	}

	a.seed(ctx, restored)

	a.work.Go0("notify.outbox", a.outbox.Run)
	if a.tg != nil {
		a.work.Go0("notify.telegram", a.tg.Run)
	}

	execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.execCancel = cancel
	a.execDone = make(chan struct{})
	a.work.Go0("executor", func(context.Context) {
		defer close(a.execDone)
		a.exec.Start(execCtx, a.handoff)
	})

	a.disp.Start(a.sup.Context())

	a.sup.Go("recur.watch", func(c context.Context) error {
		return a.planner.Watch(c, a.bus, a.store)
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
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

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
		a.sup.GoRestart("config.watch", a.cfgm.Watch, 500*time.Millisecond, 10*time.Second)
	}

	a.log.Info("app started",
		logx.Int("restored", restored),
		logx.Int("queued", a.store.Len()),
		logx.Any("functions", a.exec.Names()),
	)
	return nil
}

// seed queues one-off jobs from config, then plans recurring ones.
//
// A one-off entry is seeded once: when the backend can keep markers, each
// seeded entry is marked by its fingerprint and skipped on later starts, even
// after its job finished and left the store. Without markers, entries are
// seeded only when nothing was restored.
func (a *App) seed(ctx context.Context, restored int) {
	now := a.now()
	markers, _ := a.backend.(storage.MarkerStore)
	for _, jc := range a.cfg.Jobs {
		if jc.Recurring() {
			continue
		}
		fnLog := a.log.With(logx.String("function", jc.Function))
		key := "seed:" + jc.Fingerprint()
		if markers != nil {
			done, err := markers.Marked(ctx, key)
			if err != nil {
				fnLog.Warn("seed marker lookup failed; skipping job", logx.Err(err))
				continue
			}
			if done {
				fnLog.Debug("seed job already queued by an earlier run")
				continue
			}
		} else if restored > 0 {
			continue
		}

		at, err := jc.ExecutionTime(now)
		if err != nil {
			fnLog.Warn("seed job skipped", logx.Err(err))
			continue
		}
		j, err := job.New(at, jc.Priority, jc.Label(), strings.TrimSpace(jc.Function), jc.MaxRetries)
		if err != nil {
			fnLog.Warn("seed job skipped", logx.Err(err))
			continue
		}
		if err := a.store.Push(j); err != nil {
			fnLog.Warn("seed job skipped", logx.Err(err))
			continue
		}
		if markers != nil {
			if err := markers.Mark(ctx, key); err != nil {
				fnLog.Warn("seed marker not saved; job may be seeded again", logx.Err(err))
			}
		}
	}
	if n := a.planner.Seed(a.store, now); n > 0 {
		a.log.Info("recurring jobs planned", logx.Int("count", n))
	}
}

// applyTemplates syncs the planner with the recurring entries of cfg.
func (a *App) applyTemplates(cfg *config.Config) {
	want := map[string]bool{}
	for _, jc := range cfg.Jobs {
		if !jc.Recurring() {
			continue
		}
		fn := strings.TrimSpace(jc.Function)
		want[fn] = true
		err := a.planner.Add(recur.Template{
			Function:    fn,
			Description: strings.TrimSpace(jc.Description),
			Priority:    jc.Priority,
			MaxRetries:  jc.MaxRetries,
			Every:       jc.Every,
		})
		if err != nil {
			a.log.Warn("recurring job rejected", logx.String("function", fn), logx.Err(err))
		}
	}
	for _, fn := range a.planner.Functions() {
		if !want[fn] {
			a.planner.Remove(fn)
		}
	}
}

func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfg
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			newCfg = latest(sub, newCfg)
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func latest(sub chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer := <-sub:
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if poll, err := mapPollInterval(newCfg); err != nil {
		a.log.Warn("invalid dispatcher config; keeping previous", logx.Err(err))
	} else {
		a.disp.SetPollInterval(poll)
	}

	if ec, err := mapExecutorConfig(newCfg); err != nil {
		a.log.Warn("invalid executor config; keeping previous", logx.Err(err))
	} else {
		a.exec.Apply(ec)
	}

	for _, s := range sections {
		switch s {
		case "storage", "notify", "timezone":
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		case "jobs":
			a.applyTemplates(newCfg)
			if n := a.planner.Seed(a.store, a.now()); n > 0 {
				a.log.Info("recurring jobs planned", logx.Int("count", n))
			}
		}
	}
	a.cfg = newCfg

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts down in dependency order: the dispatcher stops handing off
// (undelivered jobs return to the store), executor workers finish the jobs
// they hold, then the outbox and storage writer flush.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the control loops so nothing new is handed off.
	a.sup.Cancel()

	dispatcherStopped := a.step(ctx, "dispatcher", 2*time.Second, a.disp.Stop)

	a.step(ctx, "executor", a.shutdownTimeout, func(c context.Context) error {
		if dispatcherStopped {
			close(a.handoff)
		} else {
			a.execCancel()
		}
		select {
		case <-a.execDone:
			return nil
		case <-c.Done():
			// Handlers see the cancellation; jobs waiting for a retry are requeued.
			a.execCancel()
			return fmt.Errorf("executor drain: %w", c.Err())
		}
	})
	a.execCancel()

	a.work.Cancel()
	a.step(ctx, "workers", 2*time.Second, a.work.Wait)

	a.step(ctx, "storage", time.Second, func(c context.Context) error {
		if a.async != nil {
			if err := a.async.Close(c); err != nil {
				return err
			}
		}
		return a.closeBackend()
	})

	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped", logx.Int("queued", a.store.Len()))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeBackend() error {
	if a.backend == nil {
		return nil
	}
	b := a.backend
	a.backend = nil
	return b.Close()
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. It reports whether fn finished without error.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) bool {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if max > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}

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
		took := time.Since(start)
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			return false
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		return true
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		return false
	}
}
