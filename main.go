package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dripline/channels"
	"dripline/config"
	"dripline/drip"
	"dripline/enrollments"
	"dripline/journey"
	"dripline/middleware"
	"dripline/models"
	"dripline/renderer"
	"dripline/routes"
	"dripline/scheduler"
	"dripline/sequences"
	"dripline/signals"
	"dripline/utils"
	"dripline/worker"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const version = "1.0.0"

func main() {
	logger := utils.NewLogger("main")

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := config.AppConfig
	utils.ConfigureLogging(cfg.LogLevel, cfg.LogJSON)

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Environment,
			Release:     "dripline@" + version,
		}); err != nil {
			logger.WithError(err).Warn("Sentry initialization failed")
		}
		defer sentry.Flush(2 * time.Second)
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	db := config.DB

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rdb redis.UniversalClient
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatalf("Failed to connect to redis: %v", err)
		}
	}

	// Core components
	tracker := utils.NewTracker(cfg.TrackingBaseURL, cfg.TrackingSecret, 0)
	render := renderer.New(nil)
	journal := journey.NewLog(db)
	store := sequences.NewStore(db, render)
	enrollmentTracker := enrollments.NewTracker(db, journal)
	listener := signals.NewListener(db, enrollmentTracker, journal)

	if _, err := store.SeedFromFile(ctx, cfg.SequenceSeedFile); err != nil {
		logger.Fatalf("Failed to seed sequences: %v", err)
	}

	var limiter drip.Limiter
	if rdb != nil {
		limiter = drip.NewRedisLimiter(rdb, "dripline:drip", cfg.Drip.Capacities(), drip.DefaultWindow)
	} else {
		limiter = drip.NewMemoryLimiter(cfg.Drip.Capacities(), drip.DefaultWindow, time.Now)
	}

	sched := scheduler.New(db, enrollmentTracker, store, limiter, render, buildRegistry(cfg, tracker, logger), scheduler.Options{
		DispatchTimeout: cfg.Scheduler.DispatchTimeout,
		ClaimTTL:        cfg.Scheduler.ClaimTTL,
		MaxConcurrent:   int64(cfg.Scheduler.MaxConcurrent),
	})

	// HTTP
	app := fiber.New(fiber.Config{
		AppName:               "dripline",
		DisableStartupMessage: true,
		ReadTimeout:           15 * time.Second,
		WriteTimeout:          15 * time.Second,
	})
	app.Use(recover.New())
	app.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposedHeaders:   []string{"Content-Length"},
		MaxAge:           3600,
	}))

	var storage fiber.Storage
	if rdb != nil {
		storage = middleware.NewRedisStorage(rdb, "dripline:")
	}
	routes.SetupRoutes(app, routes.Deps{
		DB:               db,
		Sequences:        store,
		Enrollments:      enrollmentTracker,
		Journey:          journal,
		Signals:          listener,
		Tracker:          tracker,
		WebhookRateLimit: cfg.WebhookRateLimit,
		LimiterStorage:   storage,
		Version:          version,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		worker.NewSchedulerWorker(sched, cfg.Scheduler.TickInterval).Start(gctx)
		return nil
	})

	if cfg.IMAP.Host != "" {
		inbox := &signals.IMAPInbox{
			Host:       cfg.IMAP.Host,
			Port:       cfg.IMAP.Port,
			Username:   cfg.IMAP.Username,
			Password:   cfg.IMAP.Password,
			Encryption: cfg.IMAP.Encryption,
			Mailbox:    cfg.IMAP.Mailbox,
			Logger:     utils.NewLogger("imap"),
		}
		g.Go(func() error {
			worker.NewInboxWorker(inbox, listener, cfg.IMAP.PollInterval).Start(gctx)
			return nil
		})
	}

	g.Go(func() error {
		logger.WithField("port", cfg.ServerPort).Info("Server starting")
		if err := app.Listen(":" + cfg.ServerPort); err != nil {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down...")
		return app.ShutdownWithTimeout(10 * time.Second)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		utils.LogError("shutdown", err, nil)
		os.Exit(1)
	}
	logger.Info("Stopped")
}

// buildRegistry wires a real adapter for every configured channel and a
// dry-run adapter for the rest.
func buildRegistry(cfg config.Config, tracker *utils.Tracker, logger *logrus.Entry) *channels.Registry {
	registry := channels.NewRegistry()

	if cfg.SMTP.Host != "" {
		registry.Register(channels.NewEmailAdapter(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username,
			cfg.SMTP.Password, cfg.SMTP.FromEmail, cfg.SMTP.FromName, tracker))
	} else {
		registry.Register(channels.NewDryRunAdapter(models.ChannelEmail))
	}

	gateways := map[models.Channel]config.GatewayConfig{
		models.ChannelSMS:      cfg.SMSGateway,
		models.ChannelVoice:    cfg.VoiceGateway,
		models.ChannelLinkedIn: cfg.LinkedInGateway,
	}
	for ch, gw := range gateways {
		if gw.URL == "" {
			registry.Register(channels.NewDryRunAdapter(ch))
			continue
		}
		registry.Register(channels.NewGatewayAdapter(ch, gw.URL, gw.APIKey))
	}

	for _, ch := range models.Channels {
		a, _ := registry.Get(ch)
		if _, dry := a.(*channels.DryRunAdapter); dry {
			logger.WithField("channel", ch).Warn("No provider configured, using dry-run adapter")
		}
	}
	return registry
}
