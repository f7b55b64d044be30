package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/admproto/admp-hub/internal/agent"
	"github.com/admproto/admp-hub/internal/api"
	"github.com/admproto/admp-hub/internal/apierr"
	"github.com/admproto/admp-hub/internal/clock"
	"github.com/admproto/admp-hub/internal/config"
	"github.com/admproto/admp-hub/internal/group"
	"github.com/admproto/admp-hub/internal/httpsig"
	"github.com/admproto/admp-hub/internal/httputil"
	"github.com/admproto/admp-hub/internal/inbox"
	"github.com/admproto/admp-hub/internal/store"
	"github.com/admproto/admp-hub/internal/sweeper"
	"github.com/admproto/admp-hub/internal/webhook"
)

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Hub stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().Str("env", cfg.ServerEnv).Str("backend", cfg.StorageBackend).Msg("Starting ADMP hub")

	if cfg.CORSOrigin == "*" {
		log.Warn().Msg("CORS_ORIGIN is set to a wildcard \"*\". Set an explicit origin for production deployments.")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	log.Info().Msg("Storage ready")

	clk := clock.Real{}
	agents := agent.NewService(st, clk, cfg.RotateGrace, log.Logger)
	verifier := httpsig.NewVerifier(agents, clk, cfg.RotateGrace)
	ib := inbox.NewService(st, agents, clk, inbox.Options{
		MessageTTL:               cfg.MessageTTL,
		DefaultLease:             cfg.DefaultLease,
		MaxLease:                 cfg.MaxLease,
		MaxDeliveryAttempts:      cfg.MaxDeliveryAttempts,
		Retention:                cfg.Retention,
		AllowUnregisteredSenders: cfg.AllowUnregisteredSenders,
	}, log.Logger)
	groups := group.NewService(st, agents, ib, clk, group.Options{
		FanoutAsyncThreshold: cfg.GroupFanoutAsyncThreshold,
		MessageTTL:           cfg.MessageTTL,
	}, log.Logger)
	// Drain background fanouts after the listener stops, before the store
	// closes.
	defer groups.Wait()
	dispatcher := webhook.NewDispatcher(st, clk, nil, webhook.Options{
		MaxAttempts: cfg.WebhookMaxAttempts,
		Timeout:     cfg.WebhookTimeout,
	}, log.Logger)

	sw := sweeper.New(ib, groups, agents, dispatcher, clk, sweeper.Options{
		Interval:         cfg.CleanupInterval,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		Retention:        cfg.Retention,
	}, log.Logger)
	if err := sw.Start(ctx); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}
	defer sw.Stop()

	go dispatcher.Run(ctx)

	app := fiber.New(fiber.Config{
		AppName: "ADMP Hub",
		// ErrorHandler catches errors that handlers did not already map to
		// structured API responses (e.g. Fiber's built-in 404/405).
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "An internal error occurred"
			apiCode := apierr.Internal
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
				message = fe.Message
				apiCode = fiberStatusToAPICode(fe.Code)
			} else {
				log.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("Unhandled error")
			}
			return c.Status(status).JSON(httputil.ErrorResponse{
				Error: httputil.ErrorBody{
					Code:    apiCode,
					Message: message,
				},
			})
		},
	})

	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger))
	app.Use(cors.New(cors.Config{
		AllowOrigins:  []string{cfg.CORSOrigin},
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "Date", "Signature", api.AgentHeader},
		ExposeHeaders: []string{"X-Request-ID"},
	}))
	app.Use(limiter.New(limiter.Config{
		Max:        cfg.RateLimitRequests,
		Expiration: time.Duration(cfg.RateLimitWindowSeconds) * time.Second,
	}))

	api.Register(app, api.Deps{
		Store:                    st,
		Agents:                   agents,
		Inbox:                    ib,
		Groups:                   groups,
		Verifier:                 verifier,
		AllowUnregisteredSenders: cfg.AllowUnregisteredSenders,
		Log:                      log.Logger,
	})

	// Graceful shutdown: stop intake first, then background work, then storage.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info().Msg("Shutting down hub")
		_ = app.ShutdownWithTimeout(10 * time.Second)
		cancel()
	}()

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Info().Str("addr", addr).Msg("Hub listening")
	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// openStore connects the configured storage backend.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StorageBackend {
	case config.BackendMemory:
		return store.NewMemory(), nil
	case config.BackendRedis:
		st, err := store.ConnectRedis(ctx, cfg.ExternalStoreURL, 5*time.Second)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		return st, nil
	case config.BackendPostgres:
		if err := store.MigratePostgres(cfg.ExternalStoreURL); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		st, err := store.ConnectPostgres(ctx, cfg.ExternalStoreURL, cfg.PostgresMaxConns, cfg.PostgresMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

// fiberStatusToAPICode maps an HTTP status code from Fiber's built-in errors
// (404, 405, etc.) to the closest protocol error code.
func fiberStatusToAPICode(status int) apierr.Code {
	switch {
	case status == fiber.StatusNotFound:
		return apierr.NotFound
	case status == fiber.StatusMethodNotAllowed:
		return apierr.ValidationError
	case status == fiber.StatusTooManyRequests:
		return apierr.RateLimited
	case status == fiber.StatusRequestEntityTooLarge:
		return apierr.PayloadTooLarge
	case status == fiber.StatusServiceUnavailable:
		return apierr.ServiceUnavailable
	case status >= 400 && status < 500:
		return apierr.ValidationError
	default:
		return apierr.Internal
	}
}
