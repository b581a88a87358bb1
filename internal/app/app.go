// Package app wires configuration into the running service.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"jarvis/internal/config"
	"jarvis/internal/eventbus"
	"jarvis/internal/httpapi"
	"jarvis/internal/metrics"
	"jarvis/internal/notifier"
	"jarvis/internal/proactive/engine"
	"jarvis/internal/proactive/policy"
	"jarvis/internal/quiet"
	rtsup "jarvis/internal/runtime/supervisor"
	"jarvis/internal/storage"
	"jarvis/internal/suggest"
	"jarvis/internal/transport/telegram"
	"jarvis/internal/tuning"
	logx "jarvis/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	metrics  *metrics.Registry
	shutdown metrics.ShutdownFunc

	tg      *telegram.Adapter
	queue   *notifier.Queue
	bridge  *eventbus.Bridge
	policy  *policy.Policy
	engine  *engine.Engine
	emitter *suggest.Emitter
	tuner   *tuning.Job
	http    *httpapi.Server

	tuningEnabled bool
}

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (_ *App, err error) {
	cfgm := config.NewManager(cfgPath, logx.Nop())
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogging(cfg))
	cfgm.SetLogger(log)
	a := &App{cfgm: cfgm, log: log.With(logx.Comp("app")), logs: logs, bus: eventbus.New()}
	defer func() {
		if err != nil {
			a.closeEarly()
		}
	}()

	mcfg, err := mapMetrics(cfg)
	if err != nil {
		return nil, err
	}
	if a.shutdown, err = metrics.InstallOTLP(ctx, mcfg); err != nil {
		return nil, err
	}
	a.metrics = metrics.New()

	scfg, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	if a.store, err = storage.Open(ctx, scfg, log); err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if a.store == nil {
		return nil, errors.New("storage.driver must be set: suggestions and feedback need a store")
	}

	registry := notifier.NewRegistry()
	if cmd := strings.TrimSpace(cfg.Voice.Command); cmd != "" {
		registry.Register(string(policy.ChannelVoice), notifier.Command{
			Path: cmd,
			Args: cfg.Voice.Args,
			Log:  log.With(logx.Comp("voice")),
		})
	}
	if cfg.Telegram.Enabled {
		tcfg, err := mapTelegram(cfg)
		if err != nil {
			return nil, err
		}
		if a.tg, err = telegram.New(tcfg, a.bus, log); err != nil {
			return nil, err
		}
		registry.Register(string(policy.ChannelText), a.tg)
	}
	if len(registry.Channels()) == 0 {
		a.log.Warn("no delivery channels configured; every dispatched suggestion will fail")
	}

	ncfg, inline, err := mapNotifier(cfg)
	if err != nil {
		return nil, err
	}
	var dispatcher notifier.Dispatcher
	if inline {
		dispatcher = notifier.Inline{Registry: registry, Timeout: ncfg.SendTimeout}
	} else {
		a.queue = notifier.NewQueue(ncfg, registry, log, a.bus)
		dispatcher = a.queue
	}

	pcfg, err := mapPolicy(cfg)
	if err != nil {
		return nil, err
	}
	opts := []policy.Option{policy.WithMetrics(a.metrics), policy.WithLogger(log)}
	qw, err := mapQuietHours(cfg)
	if err != nil {
		return nil, err
	}
	if qw != nil {
		opts = append(opts, policy.WithQuietHours(quiet.NewHours(*qw, log)))
	}
	a.policy = policy.New(pcfg, opts...)

	ecfg, err := mapEngine(cfg)
	if err != nil {
		return nil, err
	}
	var plain notifier.Notifier
	if ecfg.AckChannel == string(policy.ChannelText) && a.tg != nil {
		plain = a.tg.Plain()
	}
	if ack := bindAckChannel(registry, ecfg.AckChannel, plain); ack == "" && ecfg.AckChannel != "" {
		a.log.Info("acknowledgements disabled: channel not configured", logx.String("channel", ecfg.AckChannel))
		ecfg.AckChannel = ""
	} else {
		ecfg.AckChannel = ack
	}
	a.engine, err = engine.New(ecfg, engine.Deps{
		Policy:     a.policy,
		Dispatcher: dispatcher,
		Store:      a.store,
		Bus:        a.bus,
		Metrics:    a.metrics,
		Log:        log,
	})
	if err != nil {
		return nil, err
	}

	a.emitter = suggest.NewEmitter(a.store, a.bus, log)

	a.tuner = tuning.New(mapTuning(cfg), a.store, a.policy, a.bus, log)
	a.tuningEnabled = cfg.Tuning.Enabled
	if a.tuningEnabled {
		if err := a.tuner.Validate(); err != nil {
			return nil, err
		}
	}

	if cfg.NATS.URL != "" {
		a.bridge = eventbus.NewBridge(mapBridge(cfg), a.bus, log)
	}

	if cfg.HTTP.Enabled {
		hcfg, err := mapHTTP(cfg)
		if err != nil {
			return nil, err
		}
		deps := httpapi.Deps{
			Emitter: a.emitter,
			Engine:  a.engine,
			Policy:  a.policy,
			Tuner:   a.tuner,
			Metrics: a.metrics,
			Bus:     a.bus,
		}
		if a.queue != nil {
			deps.Queue = a.queue
		}
		a.http = httpapi.NewServer(hcfg, deps, log)
	}
	return a, nil
}

// closeEarly releases what New opened before it failed.
func (a *App) closeEarly() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.shutdown != nil {
		_ = a.shutdown(context.Background())
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// Done is closed when the app context is canceled (fatal error or Stop).
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
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	c := a.sup.Context()

	if a.queue != nil {
		a.queue.Start(c)
	}
	if err := a.engine.Start(c); err != nil {
		return err
	}
	if a.tg != nil {
		if err := a.tg.Start(c); err != nil {
			return err
		}
	}
	if a.bridge != nil {
		if err := a.bridge.Start(c); err != nil {
			return err
		}
	}
	if a.tuningEnabled {
		if err := a.tuner.Start(c); err != nil {
			return err
		}
	}
	if a.http != nil {
		if err := a.http.Start(c); err != nil {
			return fmt.Errorf("http: %w", err)
		}
	}

	a.startEventLog()
	a.startConfigReload()
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

func (a *App) startEventLog() {
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
				a.log.Debug("event", logx.String("kind", e.Kind), logx.String("source", e.Source), logx.Time("time", e.Time))
			}
		}
	})
}

// startConfigReload applies logging changes live; other sections only log
// that a restart is needed.
func (a *App) startConfigReload() {
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
				// Coalesce bursts.
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
				changed, attrs := config.SummarizeChange(last, next)
				last = next
				if len(changed) == 0 {
					a.log.Info("config reloaded (no changes)")
					continue
				}
				a.logs.Apply(mapLogging(next))
				if rr := config.RestartRequired(changed); len(rr) > 0 {
					a.log.Warn("config changed; restart required for these sections", logx.Strings("sections", rr))
				}
				fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
				a.log.Info("config reloaded", fields...)
			}
		}
	})
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// Ingress first so nothing new arrives, storage last.
	a.step(ctx, "http", 2*time.Second, func(c context.Context) error {
		if a.http != nil {
			return a.http.Stop(c)
		}
		return nil
	})
	a.step(ctx, "tuning", time.Second, func(c context.Context) error { a.tuner.Stop(c); return nil })
	a.step(ctx, "bridge", time.Second, func(c context.Context) error {
		if a.bridge != nil {
			a.bridge.Stop(c)
		}
		return nil
	})
	a.step(ctx, "engine", 2*time.Second, a.engine.Stop)
	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error {
		if a.queue != nil {
			a.queue.Stop(c)
		}
		return nil
	})
	a.step(ctx, "telegram", 2*time.Second, func(c context.Context) error {
		if a.tg != nil {
			return a.tg.Stop(c)
		}
		return nil
	})
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
	a.step(ctx, "metrics", 2*time.Second, func(c context.Context) error { return a.shutdown(c) })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs one shutdown stage bounded by max (never past ctx's deadline).
// A stage that overruns is logged and left to finish in the background.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped: deadline passed", logx.String("name", name))
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
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
