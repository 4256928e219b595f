package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/lanceboard/lanceboard/libs/auth"
	"github.com/lanceboard/lanceboard/libs/config"
	"github.com/lanceboard/lanceboard/libs/httpx"
	otelx "github.com/lanceboard/lanceboard/libs/otel"
	"github.com/lanceboard/lanceboard/libs/runtime"
	"github.com/lanceboard/lanceboard/services/booking-service/internal/availability"
	"github.com/lanceboard/lanceboard/services/booking-service/internal/booking"
	"github.com/lanceboard/lanceboard/services/booking-service/internal/handlers"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	if err := config.Load(runtime.Getenv("CONFIG_FILE", "")); err != nil {
		panic(err)
	}
	service := config.String("SERVICE_NAME", "booking-service")
	port, err := config.Port("PORT", "8083")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	deps := &backends{}
	defer deps.close()

	store, err := deps.openStore(ctx, logger)
	if err != nil {
		logger.Error("calendar store init failed", "err", err)
		os.Exit(1)
	}
	hours, hoursWriter, err := deps.workingHours(ctx, logger)
	if err != nil {
		logger.Error("working hours init failed", "err", err)
		os.Exit(1)
	}
	idem, err := deps.idempotencyStore(ctx, logger)
	if err != nil {
		logger.Error("idempotency store init failed", "err", err)
		os.Exit(1)
	}
	if err := serveWorkingHours(ctx, logger, hours); err != nil {
		logger.Error("scheduling grpc init failed", "err", err)
		os.Exit(1)
	}

	granularity := time.Duration(config.Int("SLOT_MINUTES", 30)) * time.Minute
	if granularity <= 0 {
		granularity = 30 * time.Minute
	}
	calc := availability.NewCalculator(store, hours,
		availability.WithHidePast(config.Bool("HIDE_PAST_SLOTS", false)),
		availability.WithStep(granularity),
	)
	coordinator := booking.NewCoordinator(store, calc, logger, booking.Config{
		SlotGranularity: granularity,
		CommitTimeout:   config.Duration("COMMIT_TIMEOUT", 5*time.Second),
	})

	mux := runtime.NewBaseMuxWithReady(deps.readyChecks()...)
	handlers.NewBookingHandler(coordinator, calc, idem, logger).Register(mux)
	if secret := config.String("JWT_SECRET", ""); secret != "" {
		handlers.NewCalendarHandler(coordinator, store, hoursWriter, logger).Register(mux, auth.RequireBearer(secret))
	} else {
		logger.Warn("JWT_SECRET not set; provider calendar routes disabled")
	}

	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
		rateLimit(logger, deps),
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: config.List("CORS_ALLOWED_ORIGINS", ""),
			AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type", "Idempotency-Key", "X-Request-Id"},
			MaxAge:         10 * time.Minute,
		}),
		httpx.WithBodyLimit(int64(config.Int("MAX_BODY_BYTES", 1<<20))),
		httpx.WithTimeout(config.Duration("REQUEST_TIMEOUT", 15*time.Second)),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "booking")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}

// rateLimit shares the per-client budget through redis when it is configured.
func rateLimit(logger *slog.Logger, deps *backends) httpx.Middleware {
	limit := config.Int("RATE_LIMIT_PER_MINUTE", 120)
	if deps.redis != nil {
		return httpx.NewRedisRateLimiter(deps.redis, limit, time.Minute, "ratelimit:booking").
			Middleware(logger, config.Bool("RATE_LIMIT_FAIL_OPEN", true))
	}
	return httpx.NewRateLimiter(limit, time.Minute).Middleware()
}
