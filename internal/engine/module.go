package engine

import (
	"context"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/adityacheruku/kuchlu-sub000/internal/api"
	"github.com/adityacheruku/kuchlu-sub000/internal/bus"
	"github.com/adityacheruku/kuchlu-sub000/internal/config"
	"github.com/adityacheruku/kuchlu-sub000/internal/lock"
	"github.com/adityacheruku/kuchlu-sub000/internal/logging"
	"github.com/adityacheruku/kuchlu-sub000/internal/netmon"
	"github.com/adityacheruku/kuchlu-sub000/internal/outbound"
	"github.com/adityacheruku/kuchlu-sub000/internal/seq"
	"github.com/adityacheruku/kuchlu-sub000/internal/session"
	"github.com/adityacheruku/kuchlu-sub000/internal/store"
	"github.com/adityacheruku/kuchlu-sub000/internal/transport"
	"github.com/adityacheruku/kuchlu-sub000/internal/upload"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
}

// Module returns the fx module for the engine, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("engine",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideMonitor,
			provideTransport,
			provideSequencer,
			provideTracker,
			provideUploadManager,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() *config.Config {
	return config.LoadOrDefault(session.ConfigPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(session.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.ProfileName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideMonitor(b *bus.Bus, logger *zap.Logger) *netmon.Monitor {
	return netmon.New(b, logger)
}

// provideTransport builds the machine and the API client together: the
// client borrows the machine's credential lazily, the machine uses the
// client as its request-fallback path.
func provideTransport(cfg *config.Config, mon *netmon.Monitor, b *bus.Bus, logger *zap.Logger) (*transport.Machine, *api.Client) {
	var machine *transport.Machine
	client := api.New(cfg.Server.BaseURL, func() string { return machine.Token() }, logger)
	dialer := &transport.NetDialer{
		DuplexURL: cfg.Server.DuplexURL,
		PushURL:   cfg.Server.PushURL,
	}
	machine = transport.NewMachine(transport.Config{
		Heartbeat:       time.Duration(cfg.Timing.HeartbeatSec) * time.Second,
		ActivityTimeout: time.Duration(cfg.Timing.ActivityTimeoutSec) * time.Second,
		ReconnectDelay:  time.Duration(cfg.Timing.ReconnectDelaySec) * time.Second,
		Online:          mon.Online,
	}, dialer, client, b, logger)
	return machine, client
}

func provideSequencer(db *store.DB, client *api.Client, b *bus.Bus, logger *zap.Logger) (*seq.Sequencer, error) {
	return seq.New(db, client, b, logger)
}

func provideTracker(db *store.DB, machine *transport.Machine, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *outbound.Tracker {
	ackTimeout := time.Duration(cfg.Timing.AckTimeoutSec) * time.Second
	return outbound.New(db, machine, b, logger, ackTimeout)
}

func provideUploadManager(db *store.DB, client *api.Client, cfg *config.Config, mon *netmon.Monitor, b *bus.Bus, logger *zap.Logger) *upload.Manager {
	uploader := upload.NewHTTPUploader(client, cfg.Uploads.MaxFileBytes)
	return upload.NewManager(db, uploader, nil, b, mon, logger)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, machine *transport.Machine, sequencer *seq.Sequencer, tracker *outbound.Tracker, uploads *upload.Manager, mon *netmon.Monitor, b *bus.Bus, logger *zap.Logger) {
	stopOnline := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Inbound events flow transport -> sequencer -> tracker.
			machine.SetSyncRunner(sequencer)
			machine.SetHandler(sequencer.HandleEvent)
			sequencer.SetAckHandler(tracker.HandleAck)

			tracker.Start()
			if err := uploads.Start(); err != nil {
				return err
			}

			// Feed connectivity changes into the machine so a regained
			// network restarts a pending connect.
			online, cancel := b.Subscribe(bus.KindOnlineChanged, 16)
			go func() {
				defer cancel()
				for {
					select {
					case <-stopOnline:
						return
					case evt := <-online:
						if v, ok := evt.Payload.(bool); ok {
							machine.HandleOnlineChange(v)
						}
					}
				}
			}()

			// Assume connectivity until the platform reports otherwise.
			mon.Report(netmon.Signal{Online: true})

			if token := os.Getenv("KUCHLU_TOKEN"); token != "" {
				if err := machine.Connect(token); err != nil {
					return err
				}
			} else {
				logger.Info("no credential found, auth required")
			}
			return nil
		},
		OnStop: func(_ context.Context) error {
			close(stopOnline)
			uploads.Close()
			tracker.Close()
			machine.Disconnect()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("engine stopped")
			return nil
		},
	})
}
