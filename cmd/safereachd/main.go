package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/safereach/safereach/pkg"
	"github.com/safereach/safereach/pkg/api"
	"github.com/safereach/safereach/pkg/config"
	"github.com/safereach/safereach/pkg/gps"
	"github.com/safereach/safereach/pkg/journal"
	"github.com/safereach/safereach/pkg/logx"
	"github.com/safereach/safereach/pkg/metrics"
	"github.com/safereach/safereach/pkg/mqtt"
	"github.com/safereach/safereach/pkg/notifications"
	"github.com/safereach/safereach/pkg/pidfile"
	"github.com/safereach/safereach/pkg/places"
	"github.com/safereach/safereach/pkg/predict"
	"github.com/safereach/safereach/pkg/store"
	"github.com/safereach/safereach/pkg/tracking"
)

var (
	configPath = flag.String("config", "/etc/safereach/config.yaml", "Path to configuration file")
	pidPath    = flag.String("pid-file", "/tmp/safereachd.pid", "Path to PID file")
	logLevel   = flag.String("log-level", "", "Override log level (trace|debug|info|warn|error)")
	version    = flag.Bool("version", false, "Show version information")
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (equivalent to trace level)")
	force      = flag.Bool("force", false, "Force start by removing a stale PID file")
)

const (
	AppName    = "safereachd"
	AppVersion = "1.0.0"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	path := *configPath
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Warning: config file %s not found, using defaults\n", path)
		path = ""
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	effectiveLogLevel := cfg.LogLevel
	if *logLevel != "" {
		effectiveLogLevel = *logLevel
	}
	if *verbose {
		effectiveLogLevel = "trace"
	}
	logger := logx.NewLogger(effectiveLogLevel, AppName)

	pidFile := pidfile.New(*pidPath)
	running, existingPID, err := pidFile.CheckRunning()
	if err != nil {
		logger.Error("pid_check_failed", "error", err)
		os.Exit(1)
	}
	if running && !*force {
		fmt.Fprintf(os.Stderr, "Error: %s is already running with PID %d\n", AppName, existingPID)
		fmt.Fprintf(os.Stderr, "Use --force to override, or stop the existing instance first\n")
		os.Exit(1)
	}
	if running {
		logger.Warn("forcing_start_over_live_instance", "existing_pid", existingPID)
		_ = os.Remove(pidFile.Path())
	}
	if err := pidFile.Create(); err != nil {
		logger.Error("pid_create_failed", "error", err, "path", *pidPath)
		os.Exit(1)
	}
	defer func() {
		if err := pidFile.Remove(); err != nil {
			logger.Error("pid_remove_failed", "error", err)
		}
	}()

	logger.Info("daemon_starting",
		"version", AppVersion,
		"pid", os.Getpid(),
		"user_id", cfg.Tracking.UserID)

	if err := run(cfg, logger); err != nil {
		logger.Error("daemon_failed", "error", err)
		os.Exit(1)
	}
	logger.Info("daemon_stopped")
}

func run(cfg *config.Config, logger *logx.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.NewStore(&cfg.Store, logger.WithComponent("store"))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	jrnl, err := journal.NewJournal(&cfg.Journal, logger.WithComponent("journal"))
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer jrnl.Close()

	m := metrics.New()
	notifier := notifications.NewManager(&cfg.Notifications, logger.WithComponent("notifications"))

	var finder api.PlaceFinder
	if cfg.Places.APIKey != "" {
		pc, err := places.NewClient(&cfg.Places, logger.WithComponent("places"))
		if err != nil {
			return fmt.Errorf("failed to create places client: %w", err)
		}
		finder = pc
	}

	mq := mqtt.NewPublisher(&cfg.MQTT, logger.WithComponent("mqtt"))
	if err := mq.Connect(); err != nil {
		// The broker may come up later; auto-reconnect keeps trying.
		logger.Warn("mqtt_connect_failed", "error", err)
	}
	defer mq.Disconnect()

	server := api.NewServer(&cfg.API, st, notifier, finder, m, logger.WithComponent("api"))
	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("api_shutdown_failed", "error", err)
		}
	}()

	newSession, lifecycle := sessionFactory(cfg, st, jrnl, mq, notifier, m, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)

	supervisorDone := make(chan struct{})
	if newSession != nil {
		go superviseTrips(ctx, newSession, st, cfg.Tracking.UserID, logger, supervisorDone)
	} else {
		close(supervisorDone)
		logger.Info("tracking_disabled", "reason", "no geolocation API key configured")
	}

	for {
		sig := <-sigChan
		if sig == syscall.SIGUSR1 {
			// Treated as the platform's return-to-foreground event.
			logger.Info("foreground_signal_received")
			lifecycle.NotifyForegrounded()
			continue
		}
		logger.Info("shutdown_signal_received", "signal", sig.String())
		break
	}

	cancel()
	<-supervisorDone
	return nil
}

// storeSink persists published fixes into the local database.
type storeSink struct {
	store *store.Store
}

func (s *storeSink) PublishFix(ctx context.Context, userID string, fix pkg.GeoFix) error {
	return s.store.SaveLocation(ctx, userID, fix)
}

func (s *storeSink) PublishArrival(context.Context, string, string, string, []string) error {
	return nil
}

// notifySink fans the arrival message out through the notification
// channels, deduplicated per trip so a later trip's arrival is never
// swallowed by an earlier one. Fix publishes are not its concern.
type notifySink struct {
	notifier *notifications.Manager
}

func (n *notifySink) PublishFix(context.Context, string, pkg.GeoFix) error {
	return nil
}

func (n *notifySink) PublishArrival(ctx context.Context, _, tripID, message string, recipients []string) error {
	_, err := n.notifier.AnnounceArrival(ctx, tripID, recipients, message)
	return err
}

// sessionFactory wires the session dependency graph once and returns a
// constructor, since an arrived session is terminal and each trip needs
// a fresh one.
func sessionFactory(
	cfg *config.Config,
	st *store.Store,
	jrnl *journal.Journal,
	mq *mqtt.Publisher,
	notifier *notifications.Manager,
	m *metrics.Metrics,
	logger *logx.Logger,
) (func() *tracking.Session, *tracking.LifecycleNotifier) {
	lifecycle := tracking.NewLifecycleNotifier()
	if cfg.Geo.APIKey == "" {
		return nil, lifecycle
	}

	position, err := gps.NewGeoProvider(&cfg.Geo, logger.WithComponent("gps"))
	if err != nil {
		logger.Warn("geolocation_provider_failed", "error", err)
		return nil, lifecycle
	}

	var background tracking.BackgroundProvider
	if cfg.Unit.Enabled {
		background = gps.NewUnitProvider(&cfg.Unit, logger.WithComponent("gps"))
	}

	sinks := []tracking.FixSink{
		&storeSink{store: st},
		&notifySink{notifier: notifier},
		jrnl,
		mq,
	}
	if cfg.Sink.Enabled {
		sinks = append(sinks, api.NewClient(&cfg.Sink, logger.WithComponent("sink")))
	}

	deps := tracking.SessionDeps{
		Position:   position,
		Background: background,
		Power:      tracking.NoopPowerManager{},
		Lifecycle:  lifecycle,
		Sinks:      sinks,
		Recorder:   m,
	}

	newSession := func() *tracking.Session {
		sessionCfg := tracking.DefaultSessionConfig(cfg.Tracking.UserID)
		if cfg.Tracking.ArrivalMessage != "" {
			sessionCfg.ArrivalMessage = cfg.Tracking.ArrivalMessage
		}
		if cfg.Tracking.PollInterval > 0 {
			sessionCfg.PollInterval = cfg.Tracking.PollInterval.Duration()
		}
		if cfg.Tracking.SinkTimeout > 0 {
			sessionCfg.SinkTimeout = cfg.Tracking.SinkTimeout.Duration()
		}
		d := deps
		d.Estimator = predict.NewEstimator(nil, logger.WithComponent("predict"))
		return tracking.NewSession(sessionCfg, d, logger.WithComponent("tracking"))
	}
	return newSession, lifecycle
}

// superviseTrips keeps the tracking session in step with the user's
// persisted trip: a new active trip starts a session, an externally
// reset trip cancels it, and an arrived session is replaced for the
// next trip.
func superviseTrips(ctx context.Context, newSession func() *tracking.Session, st *store.Store, userID string, logger *logx.Logger, done chan<- struct{}) {
	defer close(done)

	session := newSession()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	var trackedTripID int64

	reconcile := func() {
		trip, err := st.ActiveTrip(ctx, userID)
		if err != nil {
			logger.Warn("trip_lookup_failed", "user_id", userID, "error", err)
			return
		}
		status := session.Status()

		if status.Phase == tracking.PhaseArrived {
			session = newSession()
			status = session.Status()
		}

		switch {
		case trip != nil && status.Phase == tracking.PhaseIdle:
			tripID := trip.ID
			trackedTripID = tripID
			target := trip.Target
			err := session.Start(&target, tracking.Callbacks{
				OnUpdate: func(u tracking.Update) {
					logger.Debug("trip_update",
						"distance_m", u.DistanceM,
						"update_count", u.UpdateCount)
				},
				OnArrival: func() {
					logger.Info("trip_arrived", "user_id", userID, "trip_id", tripID)
					if err := st.CompleteTrip(context.Background(), tripID); err != nil {
						logger.Warn("complete_trip_failed", "trip_id", tripID, "error", err)
					}
				},
				OnWarning: func(err error) {
					logger.Warn("trip_warning", "error", err)
				},
			})
			if err != nil {
				logger.Warn("session_start_failed", "error", err)
			}
		case trip == nil && status.Phase == tracking.PhaseActive:
			logger.Info("trip_reset_externally", "user_id", userID, "trip_id", trackedTripID)
			if err := session.Stop(); err != nil {
				logger.Warn("session_stop_failed", "error", err)
			}
		}
	}

	reconcile()
	for {
		select {
		case <-ctx.Done():
			if session.Status().Phase == tracking.PhaseActive {
				if err := session.Stop(); err != nil {
					logger.Warn("session_stop_failed", "error", err)
				}
			}
			return
		case <-ticker.C:
			reconcile()
		}
	}
}
