package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"tt2tg/internal/dedup"
	"tt2tg/internal/delivery"
	"tt2tg/internal/eventbus"
	"tt2tg/internal/ingest"
	"tt2tg/internal/queue"
	"tt2tg/internal/reminder"
	"tt2tg/internal/runtime/sdnotify"
	"tt2tg/internal/target"
	kit "tt2tg/internal/transport"
	telegram "tt2tg/internal/transport/telegram/adapter"
	"tt2tg/internal/transport/telegram/router"
	logx "tt2tg/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  queue.Store
	cache  *dedup.Cache
	target *target.State

	adapter *telegram.Adapter
	ingest  *ingest.Server
	pump    *delivery.Pump
	remind  *reminder.Service
	cmdm    *router.CommandManager
	sd      *sdnotify.Notifier

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	ad, err := telegram.New(mapAdapterConfig(cfg), bootLog)
	if err != nil {
		return nil, err
	}

	// logx.New applies immediately; enabling the Telegram sink before the
	// target is set would warn about a missing chat.
	baseLogCfg := mapLogConfig(cfg)
	baseLogCfg.Telegram.Enabled = false
	logSvc, log := logx.New(baseLogCfg, ad)
	if chatID, threadID, ok := logTarget(cfg); ok {
		logSvc.SetTelegramTarget(chatID, threadID)
	}
	logSvc.Apply(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	qcfg := mapQueueConfig(cfg)
	store, err := queue.Open(qcfg, log.With(logx.String("comp", "queue")))
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("open queue: %w", err)
	}
	log.Info("queue opened", logx.String("driver", qcfg.Driver), logx.String("path", qcfg.Path))

	fail := func(err error) (*App, error) {
		_ = store.Close()
		logSvc.Close()
		return nil, err
	}

	cache := dedup.New(cfg.Dedup.Capacity)
	warmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	cache.Warm(warmCtx, store, log.With(logx.String("comp", "dedup")))
	cancel()

	tgt, err := target.Load(cfg.Target.Path, log.With(logx.String("comp", "target")))
	if err != nil {
		return fail(err)
	}
	if to, ok := tgt.Get(); ok {
		log.Info("destination restored", logx.String("target", target.Format(to)))
	}

	deliveryLog := log.With(logx.String("comp", "delivery"))
	dispatcher := delivery.DefaultDispatcher(ad, delivery.NewFetcher(), deliveryLog)
	kinds := make([]string, 0, 4)
	for _, k := range dispatcher.Kinds() {
		kinds = append(kinds, string(k))
	}
	deliveryLog.Debug("delivery handlers registered", logx.Strings("kinds", kinds))
	pump := delivery.NewPump(delivery.Options{
		Store:      store,
		Target:     tgt,
		Sender:     ad,
		Dispatcher: dispatcher,
		Bus:        bus,
		Logger:     deliveryLog,
		Config:     mapDeliveryConfig(cfg),
	})

	ingestLog := log.With(logx.String("comp", "ingest"))
	srv := ingest.NewServer(mapIngestConfig(cfg), ingest.NewService(store, cache, bus, ingestLog), ingestLog)

	remind := reminder.New(cfg.ReminderConfig(), store, tgt, ad, log.With(logx.String("comp", "reminder")))

	cmdm := router.NewCommandManager(log.With(logx.String("comp", "commands")), ad, cfg.Telegram.OwnerUserIDs)

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		cache:   cache,
		target:  tgt,
		adapter: ad,
		ingest:  srv,
		pump:    pump,
		remind:  remind,
		cmdm:    cmdm,
		sd:      sdnotify.New(log.With(logx.String("comp", "sdnotify"))),
		updates: make(chan kit.Update, 256),
	}, nil
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

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *Config) error {
		if dir := strings.TrimSpace(cfg.Delivery.TempDir); dir != "" {
			fi, err := os.Stat(dir)
			if err != nil {
				return fmt.Errorf("delivery.temp_dir: %w", err)
			}
			if !fi.IsDir() {
				return fmt.Errorf("delivery.temp_dir: %s is not a directory", dir)
			}
		}
		return nil
	})

	a.cmdm.SetRegistry(router.OpsCommands(router.Ops{
		Pump:    a.pump,
		Target:  a.target,
		Queue:   a.store,
		Spawner: a.sup,
		Bus:     a.bus,
		Log:     a.log.With(logx.String("comp", "commands")),
	}))

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})
	a.sup.Go0("commands.menu", func(c context.Context) {
		if err := a.cmdm.PublishMenu(c); err != nil {
			a.log.Warn("command menu not published", logx.Err(err))
		}
	})

	a.sup.Go("ingest.http", a.ingest.Run)

	if err := a.remind.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("systemd.watchdog", a.sd.Watchdog)

	cfg := a.cfgm.Get()
	if len(cfg.Telegram.OwnerUserIDs) == 0 {
		a.log.Warn("telegram.owner_user_ids is empty; anyone can issue commands")
	}
	pending, err := a.store.Pending(a.sup.Context())
	if err != nil {
		a.log.Warn("pending count unavailable", logx.Err(err))
	}
	a.sd.Status(fmt.Sprintf("%d items pending", pending))
	a.sd.Ready()

	a.log.Info("app started", logx.Int("pending", pending), logx.String("ingest", cfg.Ingest.Addr))
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// Cancel first so a running drain stops after its current item.
	a.sup.Cancel()

	// step bounds one shutdown step so it cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// never extend the caller's deadline
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
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
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("reminder", 2*time.Second, func(c context.Context) error { a.remind.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	// Waits for the ingest server and an in-flight drain to return before
	// the store underneath them is closed.
	step("supervisor", 5*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("queue", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
