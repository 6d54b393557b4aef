package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/spf13/pflag"

	"github.com/iliyamo/ticket-reservation/internal/config"
	"github.com/iliyamo/ticket-reservation/internal/database"
	"github.com/iliyamo/ticket-reservation/internal/handler"
	"github.com/iliyamo/ticket-reservation/internal/logger"
	"github.com/iliyamo/ticket-reservation/internal/middleware"
	"github.com/iliyamo/ticket-reservation/internal/pricing"
	"github.com/iliyamo/ticket-reservation/internal/queue"
	"github.com/iliyamo/ticket-reservation/internal/repository"
	"github.com/iliyamo/ticket-reservation/internal/repository/memstore"
	"github.com/iliyamo/ticket-reservation/internal/router"
	"github.com/iliyamo/ticket-reservation/internal/service"
)

func main() {
	envFile := pflag.String("env-file", "", "load environment variables from this file (default ./.env if present)")
	migrate := pflag.Bool("migrate", false, "create missing tables before serving")
	pflag.Parse()

	if err := config.LoadEnvFile(*envFile); err != nil {
		log.Fatal(err)
	}
	cfg := config.Load()
	lg := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "ticket-api"})
	slog.SetDefault(lg.Logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, ping, closeStore := openStore(ctx, cfg, *migrate, lg)
	defer closeStore()

	rdb, err := config.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		lg.Warn("redis unavailable, shared price cache and rate limiting disabled", "error", err)
	}
	if rdb != nil {
		defer rdb.Close()
	}

	pricer := pricing.NewCachedPricer(
		pricing.NewHTTPClient(cfg.Pricing.BaseURL, cfg.Pricing.Timeout),
		rdb,
		pricing.CachedPricerConfig{
			LocalSize: cfg.Pricing.CacheSize,
			LocalTTL:  cfg.Pricing.CacheTTL,
			RedisTTL:  cfg.Pricing.RedisTTL,
			Prefix:    cfg.Pricing.Prefix,
		},
		lg.Logger,
	)

	emitter := queue.NewEmitter(newSink(cfg.Broker, lg.Logger), cfg.Broker.PublishAttempts, cfg.Broker.PublishBackoff, lg.Logger)
	defer func() {
		if err := emitter.Close(); err != nil {
			lg.Warn("closing event sink", "error", err)
		}
	}()

	svc := service.NewTicketService(store, pricer, emitter, service.Options{
		LockHold: cfg.LockHold,
		Logger:   lg.Logger,
	})
	go svc.RunExpirySweeper(ctx, cfg.SweepInterval, cfg.SweepBatch)

	e := echo.New()
	e.HideBanner = true
	e.Validator = handler.NewValidator()
	e.Use(echomw.Recover())
	e.Use(requestLogger(lg.Logger))
	router.RegisterRoutes(e, router.Deps{
		Tickets:   handler.NewTicketHandler(svc, lg.Logger),
		Admin:     handler.NewAdminHandler(svc, lg.Logger),
		Health:    handler.Health(ping),
		JWTSecret: cfg.JWTSecret,
		RateLimit: middleware.NewTokenBucket(cfg.RateLimit, rdb, lg.Logger),
	})

	addr := ":" + cfg.Port
	go func() {
		lg.Info("listening", "addr", addr, "env", cfg.Env, "db", cfg.DBDriver, "broker", cfg.Broker.Kind)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Fatal("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	lg.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		lg.Error("graceful shutdown failed", "error", err)
	}
}

// openStore returns the configured store, a health probe for it and a
// function that releases it.
func openStore(ctx context.Context, cfg config.Config, migrate bool, lg *logger.Logger) (repository.Store, func(context.Context) error, func()) {
	if cfg.DBDriver == "memory" {
		lg.Warn("using in-memory store; data is lost on restart")
		return memstore.New(), nil, func() {}
	}
	db, err := database.Open(ctx, cfg)
	if err != nil {
		lg.Fatal("database connection failed", "error", err)
	}
	if migrate {
		if err := database.Migrate(ctx, db); err != nil {
			lg.Fatal("schema migration failed", "error", err)
		}
		lg.Info("schema migrated")
	}
	closeDB := func() {
		if err := db.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
			lg.Warn("closing database", "error", err)
		}
	}
	return repository.NewSQLStore(db), db.PingContext, closeDB
}

func newSink(cfg config.BrokerConfig, log *slog.Logger) queue.Sink {
	switch cfg.Kind {
	case "rabbitmq":
		return queue.NewRabbitSink(cfg.RabbitMQURL, cfg.RabbitMQQueue)
	case "kafka":
		return queue.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
	default:
		return queue.LogSink{Log: log}
	}
}

func requestLogger(log *slog.Logger) echo.MiddlewareFunc {
	return echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"remote_ip", v.RemoteIP,
			}
			if v.Error != nil {
				log.Error("request", append(attrs, "error", v.Error)...)
				return nil
			}
			log.Info("request", attrs...)
			return nil
		},
	})
}
