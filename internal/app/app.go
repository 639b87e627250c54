// Package app assembles the bot: config, logging, storage, transport and
// the broadcast pipeline, supervised as one unit.
package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"relaybot/internal/album"
	"relaybot/internal/broadcast"
	"relaybot/internal/config"
	"relaybot/internal/dedup"
	"relaybot/internal/eventbus"
	"relaybot/internal/ledger"
	"relaybot/internal/notify"
	"relaybot/internal/registry"
	"relaybot/internal/router"
	rtsup "relaybot/internal/runtime/supervisor"
	"relaybot/internal/session"
	"relaybot/internal/storage"
	kit "relaybot/internal/transport"
	tgadapter "relaybot/internal/transport/telegram/adapter"
	logx "relaybot/pkg/logx"
)

const updateQueueSize = 256

type App struct {
	log    logx.Logger
	logSvc *logx.Service

	manager *config.Manager
	adapter kit.Adapter
	store   storage.Store
	ledger  *ledger.Ledger
	albums  *album.Aggregator
	cron    *cron.Cron
	sup     *rtsup.Supervisor
}

// senderProxy breaks the logging/transport construction cycle: the log
// service needs a sender before the adapter exists.
type senderProxy struct {
	adapter kit.Adapter
}

func (p *senderProxy) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if p.adapter == nil {
		return kit.MessageRef{}, fmt.Errorf("transport not ready")
	}
	return p.adapter.SendText(ctx, to, text, opt)
}

// New wires the whole bot from the config file at path. Start must be
// called to begin processing.
func New(cfgPath string) (*App, error) {
	manager := config.NewManager(cfgPath)
	cfg, err := manager.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	proxy := &senderProxy{}
	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console || (!cfg.Logging.FileEnabled && !cfg.Logging.TelegramEnabled),
		File:    logx.FileConfig{Enabled: cfg.Logging.FileEnabled, Path: cfg.Logging.FilePath},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.TelegramEnabled,
			MinLevel:   cfg.Logging.TelegramMinLevel,
			RatePerSec: cfg.Logging.TelegramRate,
		},
	}, proxy)
	logSvc.SetTelegramTarget(cfg.Telegram.LogChatID)
	manager.SetLogger(log.With(logx.String("comp", "config")))

	token := strings.TrimSpace(cfg.Telegram.Token)
	if token == "" {
		token = strings.TrimSpace(os.Getenv("BOT_TOKEN"))
	}
	adapter, err := tgadapter.New(tgadapter.Config{
		Token:       token,
		PollTimeout: cfg.Telegram.PollTimeoutD(),
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("telegram adapter: %w", err)
	}
	proxy.adapter = adapter

	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.BusyTimeoutD(),
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	app := &App{
		log:     log,
		logSvc:  logSvc,
		manager: manager,
		adapter: adapter,
		store:   store,
	}
	return app, nil
}

// Start loads persisted state and launches all loops. It returns once
// everything is running.
func (a *App) Start(ctx context.Context) error {
	cfg := a.manager.Get()

	reg := registry.New(a.store, a.log.With(logx.String("comp", "registry")))
	if err := reg.Load(ctx); err != nil {
		return fmt.Errorf("load groups: %w", err)
	}
	led := ledger.New(a.store, a.log.With(logx.String("comp", "ledger")))
	if err := led.Load(ctx); err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	a.ledger = led

	bus := eventbus.New()
	dispatcher := broadcast.NewDispatcher(a.adapter, led, bus,
		cfg.Broadcast.RatePerSec, a.log.With(logx.String("comp", "dispatch")))
	sessions := session.NewStore(cfg.Sessions.TTLD())
	seen := dedup.New(cfg.Dedup.WindowD(), cfg.Dedup.MaxEntries)
	notifier := notify.New(a.adapter, cfg.Telegram.OwnerUserIDs, a.log.With(logx.String("comp", "notify")))

	// The aggregator's flush callback targets the router, which needs the
	// aggregator in its deps; the indirection resolves the cycle.
	var rtr *router.Router
	albums := album.New(cfg.Broadcast.AlbumDebounceD(), func(corrID string, userID int64, items []kit.AlbumItem) {
		if rtr != nil {
			rtr.OnAlbumFlush(corrID, userID, items)
		}
	}, a.log.With(logx.String("comp", "album")))
	a.albums = albums

	rtr = router.New(router.Deps{
		Log:        a.log.With(logx.String("comp", "router")),
		Adapter:    a.adapter,
		Registry:   reg,
		Ledger:     led,
		Dispatcher: dispatcher,
		Sessions:   sessions,
		Albums:     albums,
		Seen:       seen,
		Notify:     notifier,
	}, cfg.Telegram.OwnerUserIDs)

	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
	)
	sup := a.sup

	updates := make(chan kit.Update, updateQueueSize)
	if err := a.adapter.Start(sup.Context(), updates); err != nil {
		return fmt.Errorf("start adapter: %w", err)
	}

	sup.Go("router.run", func(c context.Context) error {
		err := rtr.Run(c, updates)
		if err != nil && c.Err() == nil {
			return err
		}
		return nil
	})

	// Audit trail: every finished dispatch or bulk delete becomes a row.
	auditCh, unsubAudit := bus.Subscribe(32)
	sup.Go0("audit.sink", func(c context.Context) {
		defer unsubAudit()
		for {
			select {
			case <-c.Done():
				return
			case ev := <-auditCh:
				res, ok := ev.Data.(*broadcast.Result)
				if !ok {
					continue
				}
				entry := storage.AuditEntry{
					At:      ev.Time,
					ActorID: res.ActorID,
					Action:  res.Action,
					JobID:   res.JobID,
					OK:      res.OK,
					Fail:    res.Failed,
					TookMS:  res.Took.Milliseconds(),
				}
				if err := a.store.AppendAudit(c, entry); err != nil {
					a.log.Warn("audit append failed", logx.Err(err))
				}
			}
		}
	})

	// Config hot reload: the watcher restarts under the supervisor if the
	// underlying fsnotify watcher breaks.
	sup.GoRestart("config.watch", a.manager.Watch,
		rtsup.WithRestartBackoff(time.Second, 30*time.Second),
		rtsup.WithStopOnCleanExit(true),
	)
	cfgCh := a.manager.Subscribe(1)
	sup.Go0("config.apply", func(c context.Context) {
		defer a.manager.Unsubscribe(cfgCh)
		for {
			select {
			case <-c.Done():
				return
			case next := <-cfgCh:
				if next == nil {
					continue
				}
				a.applyReload(next, rtr, notifier, dispatcher)
			}
		}
	})

	// Scheduled maintenance.
	a.cron = cron.New()
	sweep := cfg.Sessions.SweepIntervalD()
	_, err := a.cron.AddFunc("@every "+sweep.String(), func() {
		if n := sessions.Sweep(); n > 0 {
			a.log.Info("expired sessions dropped", logx.Int("count", n))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule session sweep: %w", err)
	}
	if spec := strings.TrimSpace(cfg.Registry.AutoRefresh); spec != "" {
		_, err := a.cron.AddFunc(spec, func() {
			c, cancel := context.WithTimeout(sup.Context(), time.Minute)
			defer cancel()
			removed, err := reg.RefreshReachability(c, func(pc context.Context, id int64) error {
				_, e := a.adapter.ChatInfo(pc, id)
				return e
			})
			if err != nil {
				a.log.Warn("scheduled reachability refresh failed", logx.Err(err))
			}
			if len(removed) > 0 {
				a.log.Info("unreachable groups dropped", logx.Int("count", len(removed)))
			}
		})
		if err != nil {
			return fmt.Errorf("schedule registry refresh: %w", err)
		}
	}
	a.cron.Start()

	a.log.Info("bot started",
		logx.Int("owners", len(cfg.Telegram.OwnerUserIDs)),
		logx.String("storage", cfg.Storage.Driver))
	return nil
}

// applyReload pushes the parts of the config that support live updates.
// Token and storage driver changes still require a restart.
func (a *App) applyReload(cfg *config.Config, rtr *router.Router, notifier *notify.Service, dispatcher *broadcast.Dispatcher) {
	a.logSvc.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console || (!cfg.Logging.FileEnabled && !cfg.Logging.TelegramEnabled),
		File:    logx.FileConfig{Enabled: cfg.Logging.FileEnabled, Path: cfg.Logging.FilePath},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.TelegramEnabled,
			MinLevel:   cfg.Logging.TelegramMinLevel,
			RatePerSec: cfg.Logging.TelegramRate,
		},
	})
	a.logSvc.SetTelegramTarget(cfg.Telegram.LogChatID)
	rtr.SetOwners(cfg.Telegram.OwnerUserIDs)
	notifier.SetOwners(cfg.Telegram.OwnerUserIDs)
	dispatcher.SetRate(cfg.Broadcast.RatePerSec)
	a.log.Info("config applied", logx.Int("owners", len(cfg.Telegram.OwnerUserIDs)))
}

// Stop shuts the bot down in dependency order: stop intake, stop timers,
// flush state, close the stores.
func (a *App) Stop(ctx context.Context) error {
	if a.cron != nil {
		stopped := a.cron.Stop()
		select {
		case <-stopped.Done():
		case <-ctx.Done():
		}
	}
	if a.albums != nil {
		a.albums.Close()
	}
	if a.adapter != nil {
		if err := a.adapter.Stop(ctx); err != nil {
			a.log.Warn("adapter stop failed", logx.Err(err))
		}
	}
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil && ctx.Err() == nil {
			a.log.Warn("supervisor stop reported error", logx.Err(err))
		}
	}
	if a.ledger != nil {
		pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.ledger.Persist(pctx); err != nil {
			a.log.Warn("final ledger persist failed", logx.Err(err))
		}
		cancel()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
	a.log.Info("bot stopped")
	if a.logSvc != nil {
		_ = a.logSvc.Close()
	}
	return nil
}
