// Package app wires the loop components together from settings
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mrcode/nightscout-loop/internal/config"
	"github.com/mrcode/nightscout-loop/internal/logging"
	"github.com/mrcode/nightscout-loop/internal/loop"
	"github.com/mrcode/nightscout-loop/internal/models"
	"github.com/mrcode/nightscout-loop/internal/nightscout"
	"github.com/mrcode/nightscout-loop/internal/notifications"
	"github.com/mrcode/nightscout-loop/internal/pump"
	"github.com/mrcode/nightscout-loop/internal/safety"
	"github.com/mrcode/nightscout-loop/internal/store"
)

// ErrNotConfigured is returned when no Nightscout server is set
var ErrNotConfigured = errors.New("nightscout url is not configured")

// App owns every long-lived loop component
type App struct {
	settings     *config.Settings
	settingsPath string
	log          *zap.Logger

	source        *nightscout.Source
	store         store.Interface
	pump          *pump.Virtual
	governor      *safety.Governor
	bus           *loop.Bus
	controller    *loop.Controller
	scheduler     *loop.Scheduler
	notifyManager *notifications.Manager

	mu        sync.Mutex
	isRunning bool
}

// New builds the components described by settings. settingsPath is watched
// for changes by Run; it may be empty.
func New(ctx context.Context, settings *config.Settings, settingsPath string, log *zap.Logger) (*App, error) {
	log = logging.OrNop(log)
	if !settings.IsConfigured() {
		return nil, ErrNotConfigured
	}
	s := settings.Clone()

	client := nightscout.NewClient(s.NightscoutURL, s.APISecret, s.APIToken, s.UseToken)
	source := nightscout.NewSource(client, s.CacheTTL, log.Named("nightscout"))

	db, err := store.New(s.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	virtual := pump.NewVirtual(s.Pump)
	prefs := safety.NewIncrementPreference(db, s.BolusIncrement, log)
	if _, err := prefs.Converge(ctx, virtual); err != nil {
		log.Warn("could not update bolus increment", zap.Error(err))
	}
	governor := safety.NewGovernor(virtual, prefs, log.Named("safety"))
	governor.SetCommandTimeout(s.PumpTimeout)

	bus := loop.NewBus(log.Named("bus"))
	controller, err := loop.NewController(loop.Deps{
		Glucose:     source,
		Carbs:       source,
		Profiles:    source,
		Doses:       source,
		Suggestions: db,
		Pump:        virtual,
		Governor:    governor,
		Bus:         bus,
	}, loop.OptionsFromSettings(s), log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	scheduler, err := loop.NewScheduler(controller, s.LoopInterval, log.Named("scheduler"))
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	a := &App{
		settings:      s,
		settingsPath:  settingsPath,
		log:           log,
		source:        source,
		store:         db,
		pump:          virtual,
		governor:      governor,
		bus:           bus,
		controller:    controller,
		scheduler:     scheduler,
		notifyManager: notifications.NewManager(s, log.Named("notify")),
	}
	bus.Subscribe(a.notifyManager)
	return a, nil
}

// Run starts the event bus, the scheduler, the settings watcher and the
// metrics endpoint, and blocks until ctx is done or one of them fails.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.isRunning {
		a.mu.Unlock()
		return errors.New("app is already running")
	}
	a.isRunning = true
	a.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.bus.Run(ctx) })
	g.Go(func() error { return a.scheduler.Run(ctx) })

	if a.settingsPath != "" {
		watcher, err := config.NewWatcher(a.settingsPath, a.UpdateSettings, a.log.Named("config"))
		if err != nil {
			return fmt.Errorf("failed to watch settings: %w", err)
		}
		g.Go(func() error { return watcher.Run(ctx) })
	}

	if addr := a.Settings().MetricsAddr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           metricsHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.log.Info("serving metrics", zap.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

func metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Once runs a single loop attempt, delivering its events before returning
func (a *App) Once(ctx context.Context) (*models.Suggestion, error) {
	busCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.bus.Run(busCtx) }()

	s, err := a.controller.AttemptLoop(ctx)
	cancel()
	<-done
	return s, err
}

// LatestSuggestion returns the newest stored suggestion
func (a *App) LatestSuggestion(ctx context.Context) (*models.Suggestion, error) {
	return a.store.LatestSuggestion(ctx)
}

// Suggestions returns up to limit stored suggestions since the given time, newest first
func (a *App) Suggestions(ctx context.Context, since time.Time, limit int) ([]models.Suggestion, error) {
	return a.store.Suggestions(ctx, since, limit)
}

// Profile returns the active therapy profile
func (a *App) Profile(ctx context.Context) (*models.Profile, error) {
	return a.source.CurrentProfile(ctx)
}

// State returns the loop state
func (a *App) State() loop.State {
	return a.controller.State()
}

// Settings returns a copy of the current settings
func (a *App) Settings() *config.Settings {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settings.Clone()
}

// UpdateSettings applies reloaded settings to the running components.
// Connection and storage changes take effect after a restart.
func (a *App) UpdateSettings(s *config.Settings) {
	a.mu.Lock()
	old := a.settings
	a.settings = s.Clone()
	a.mu.Unlock()

	if old.NightscoutURL != s.NightscoutURL || old.DatabasePath != s.DatabasePath ||
		old.APISecret != s.APISecret || old.APIToken != s.APIToken || old.UseToken != s.UseToken {
		a.log.Warn("connection settings changed, restart to apply")
	}

	a.controller.SetOptions(loop.OptionsFromSettings(s))
	a.governor.SetCommandTimeout(s.PumpTimeout)
	a.notifyManager.UpdateSettings(s)
	a.source.Invalidate()
	if s.LoopInterval != old.LoopInterval {
		if err := a.scheduler.SetInterval(s.LoopInterval); err != nil {
			a.log.Error("failed to update loop interval", zap.Error(err))
		}
	}
}

// SendTestNotification sends a test notification
func (a *App) SendTestNotification() error {
	return a.notifyManager.SendTestNotification()
}

// TestConnection checks the Nightscout server
func TestConnection(ctx context.Context, s *config.Settings) (*nightscout.ServerStatus, error) {
	client := nightscout.NewClient(s.NightscoutURL, s.APISecret, s.APIToken, s.UseToken)
	return client.GetStatus(ctx)
}

// Close releases the store
func (a *App) Close() error {
	return a.store.Close()
}
