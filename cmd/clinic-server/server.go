package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fabianesquiveldDev/backend-sub000/internal/config"
	"github.com/fabianesquiveldDev/backend-sub000/internal/domain/scheduling"
	"github.com/fabianesquiveldDev/backend-sub000/internal/platform/apperr"
	"github.com/fabianesquiveldDev/backend-sub000/internal/platform/auth"
	"github.com/fabianesquiveldDev/backend-sub000/internal/platform/calendar"
	"github.com/fabianesquiveldDev/backend-sub000/internal/platform/db"
	"github.com/fabianesquiveldDev/backend-sub000/internal/platform/middleware"
	"github.com/fabianesquiveldDev/backend-sub000/internal/platform/notification"
	"github.com/fabianesquiveldDev/backend-sub000/internal/platform/outbox"
	"github.com/fabianesquiveldDev/backend-sub000/internal/platform/telemetry"
)

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Str("service", "clinic-server").Logger()
}

// app holds the wired dependencies shared by serve and the one-shot commands.
type app struct {
	pool      *pgxpool.Pool
	metrics   *telemetry.Collector
	service   *scheduling.Service
	worker    *outbox.Worker
	reminders *scheduling.ReminderJob
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, err
	}

	metrics := telemetry.NewCollector()
	metrics.RegisterPool(pool)

	hours := scheduling.NewWorkingHoursRepoPG(pool)
	rooms := scheduling.NewRoomAssignmentRepoPG(pool)
	slots := scheduling.NewSlotRepoPG(pool)
	appts := scheduling.NewAppointmentRepoPG(pool)
	store := outbox.NewStorePG(pool)

	effects := scheduling.NewEffects(newCalendarBridge(cfg, logger), newDispatcher(cfg, pool, logger), store, appts, logger,
		scheduling.WithEffectsTimeout(cfg.SideEffectTimeout),
		scheduling.WithEffectsLocation(loc),
		scheduling.WithEffectsMetrics(metrics),
	)

	svc := scheduling.NewService(db.NewTxRunner(pool), hours, rooms, slots, appts,
		scheduling.WithLocation(loc),
		scheduling.WithMargin(cfg.SlotMarginMinutes),
		scheduling.WithNoShowThreshold(cfg.NoShowPaymentThreshold),
		scheduling.WithSideEffects(effects),
		scheduling.WithMetrics(metrics),
		scheduling.WithLogger(logger),
	)

	worker := outbox.NewWorker(store, logger)
	if cfg.OutboxInterval > 0 {
		worker.Interval = cfg.OutboxInterval
	}
	worker.SetObserver(metrics.OutboxAttempt)
	effects.RegisterHandlers(worker)

	return &app{
		pool:      pool,
		metrics:   metrics,
		service:   svc,
		worker:    worker,
		reminders: scheduling.NewReminderJob(appts, rooms, effects, metrics, logger),
	}, nil
}

func (a *app) close() { a.pool.Close() }

// newCalendarBridge returns the HTTP calendar client, or a bridge that
// reports itself unavailable when no calendar service is configured.
func newCalendarBridge(cfg *config.Config, logger zerolog.Logger) calendar.Bridge {
	if cfg.CalendarURL == "" {
		logger.Warn().Msg("CALENDAR_URL not set: calendar sync disabled")
		return calendar.NoopBridge{}
	}
	return calendar.NewHTTPBridge(cfg.CalendarURL, cfg.CalendarAPIKey, logger,
		calendar.WithTimeout(cfg.CalendarTimeout))
}

func newDispatcher(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) *notification.Dispatcher {
	opts := []notification.DispatcherOption{notification.WithTimeout(cfg.SideEffectTimeout)}
	logSender := notification.LogSender{Logger: logger}

	if cfg.EmailAPIURL != "" {
		opts = append(opts, notification.WithEmail(
			notification.NewHTTPEmailSender(cfg.EmailAPIURL, cfg.EmailAPIKey, cfg.EmailSender, "Clinic", cfg.SideEffectTimeout)))
	} else {
		opts = append(opts, notification.WithEmail(logSender))
	}
	if cfg.PushGatewayURL != "" {
		opts = append(opts, notification.WithPush(
			notification.NewHTTPPushSender(cfg.PushGatewayURL, cfg.PushAPIKey, cfg.SideEffectTimeout)))
	} else {
		opts = append(opts, notification.WithPush(logSender))
	}
	return notification.NewDispatcher(notification.NewDirectoryPG(pool), logger, opts...)
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	jwtCfg := auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
		Skipper:  auth.AuthSkipper,
	}
	if cfg.AuthSigningKey != "" {
		jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
	}
	if cfg.IsDev() {
		return auth.DevAuthMiddleware(jwtCfg)
	}
	return auth.JWTMiddleware(jwtCfg)
}

// newEcho builds the HTTP server. register mounts the API routes on /api/v1.
func newEcho(cfg *config.Config, logger zerolog.Logger, metrics *telemetry.Collector, pinger db.Pinger, register func(api *echo.Group)) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apperr.HTTPErrorHandler(logger, cfg.IsDev())

	rateCfg := middleware.DefaultRateLimitConfig()
	rateCfg.RequestsPerSecond = cfg.RateLimitRPS
	rateCfg.BurstSize = cfg.RateLimitBurst

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(middleware.Recovery(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType, middleware.RequestIDHeader},
	}))
	e.Use(echomw.SecureWithConfig(echomw.SecureConfig{
		XSSProtection:         "0",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		ReferrerPolicy:        "no-referrer",
	}))
	e.Use(echomw.BodyLimit("1M"))
	e.Use(authMiddleware(cfg))
	e.Use(middleware.RateLimit(rateCfg))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, func(c echo.Context) bool {
		return strings.HasPrefix(c.Path(), "/metrics")
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pinger))
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	register(e.Group("/api/v1"))
	return e
}

func runServer(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if cfg.IsDev() {
		logger.Warn().Msg("ENV=development: unauthenticated requests are treated as admin")
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	loc, _ := cfg.Location()
	scheduler := cron.New(cron.WithLocation(loc))
	if cfg.RemindersEnabled {
		if _, err := a.reminders.Schedule(ctx, scheduler, cfg.ReminderCron); err != nil {
			return err
		}
		scheduler.Start()
		logger.Info().Str("spec", cfg.ReminderCron).Str("zone", loc.String()).Msg("reminder scheduler started")
	}

	handler := scheduling.NewHandler(a.service)
	e := newEcho(cfg, logger, a.metrics, a.pool, handler.RegisterRoutes)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.worker.Start(gctx)
		return nil
	})
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-scheduler.Stop().Done()
		return nil
	})

	err = g.Wait()
	logger.Info().Msg("server stopped")
	return err
}
