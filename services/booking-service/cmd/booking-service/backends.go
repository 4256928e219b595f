package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/lanceboard/lanceboard/libs/config"
	"github.com/lanceboard/lanceboard/libs/db"
	"github.com/lanceboard/lanceboard/libs/grpcx"
	"github.com/lanceboard/lanceboard/libs/kafkax"
	"github.com/lanceboard/lanceboard/libs/mongox"
	"github.com/lanceboard/lanceboard/libs/redisx"
	"github.com/lanceboard/lanceboard/libs/runtime"
	"github.com/lanceboard/lanceboard/services/booking-service/internal/idempotency"
	"github.com/lanceboard/lanceboard/services/booking-service/internal/outbox"
	"github.com/lanceboard/lanceboard/services/booking-service/internal/scheduling"
	"github.com/lanceboard/lanceboard/services/booking-service/internal/storage"
	"github.com/lanceboard/lanceboard/services/booking-service/internal/storage/migrations"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"google.golang.org/grpc"
)

// backends holds the opened external dependencies. Nil fields were not configured.
type backends struct {
	pool   *db.Pool
	mongo  *mongo.Client
	redis  *redis.Client
	closer []func()
}

func (b *backends) close() {
	for i := len(b.closer) - 1; i >= 0; i-- {
		b.closer[i]()
	}
}

func (b *backends) readyChecks() []runtime.ReadyCheck {
	checks := []runtime.ReadyCheck{}
	if b.pool != nil {
		checks = append(checks, runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(b.pool)})
	}
	if b.mongo != nil {
		checks = append(checks, runtime.ReadyCheck{Name: "mongo", Check: mongox.ReadyCheck(b.mongo)})
	}
	if b.redis != nil {
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: redisx.ReadyCheck(b.redis)})
	}
	if brokers := config.String("KAFKA_BROKERS", ""); brokers != "" && b.pool != nil {
		checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)})
	}
	return checks
}

func (b *backends) postgres(ctx context.Context) (*db.Pool, error) {
	if b.pool != nil {
		return b.pool, nil
	}
	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		return nil, err
	}
	pool, err := db.Open(ctx, dbURL, db.PoolOptions{
		MaxConns: int32(config.Int("DB_MAX_CONNS", 10)),
		MinConns: int32(config.Int("DB_MIN_CONNS", 1)),
	})
	if err != nil {
		return nil, fmt.Errorf("db connection failed: %w", err)
	}
	if config.Bool("DB_AUTO_MIGRATE", true) {
		if err := db.Migrate(ctx, pool, migrations.FS, "."); err != nil {
			pool.Close()
			return nil, fmt.Errorf("db migrate: %w", err)
		}
	}
	b.pool = pool
	b.closer = append(b.closer, pool.Close)
	return pool, nil
}

// openStore selects the calendar backend from STORE_DRIVER (memory, postgres, mongo).
// The postgres backend also starts the outbox publisher.
func (b *backends) openStore(ctx context.Context, logger *slog.Logger) (storage.Store, error) {
	driver := strings.ToLower(config.String("STORE_DRIVER", "memory"))
	switch driver {
	case "memory":
		logger.Warn("using in-memory calendar store; events are lost on restart")
		return storage.NewMemoryStore(), nil
	case "postgres":
		pool, err := b.postgres(ctx)
		if err != nil {
			return nil, err
		}
		outboxRepo := outbox.NewRepository()
		publisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
			Brokers:   config.String("KAFKA_BROKERS", ""),
			PollEvery: config.Duration("OUTBOX_POLL_EVERY", 2*time.Second),
			BatchSize: config.Int("OUTBOX_BATCH_SIZE", 50),
		})
		go publisher.Run(ctx)
		return storage.NewPostgresStore(pool, outboxRepo), nil
	case "mongo":
		uri, err := config.RequiredString("MONGO_URI")
		if err != nil {
			return nil, err
		}
		client, err := mongox.Open(ctx, uri)
		if err != nil {
			return nil, fmt.Errorf("mongo connection failed: %w", err)
		}
		b.mongo = client
		b.closer = append(b.closer, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = client.Disconnect(shutdownCtx)
		})
		store := storage.NewMongoStore(client.Database(config.String("MONGO_DATABASE", "lanceboard")), storage.MongoOptions{
			LeaseTTL: config.Duration("MONGO_LEASE_TTL", 10*time.Second),
			LockWait: config.Duration("MONGO_LOCK_WAIT", 5*time.Second),
		})
		if err := store.EnsureIndexes(ctx); err != nil {
			return nil, fmt.Errorf("mongo indexes: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", driver)
	}
}

// workingHours selects the policy source from SCHEDULING_DRIVER (static, postgres, grpc).
// The writer is nil when policies are managed elsewhere.
func (b *backends) workingHours(ctx context.Context, logger *slog.Logger) (scheduling.Provider, scheduling.Writer, error) {
	staticCfg, err := scheduling.StaticConfigFromEnv()
	if err != nil {
		return nil, nil, err
	}
	fallback, err := scheduling.NewStaticProvider(staticCfg)
	if err != nil {
		return nil, nil, err
	}

	driver := strings.ToLower(config.String("SCHEDULING_DRIVER", "static"))
	switch driver {
	case "static":
		p := scheduling.NewMemoryProvider(fallback)
		return p, p, nil
	case "postgres":
		pool, err := b.postgres(ctx)
		if err != nil {
			return nil, nil, err
		}
		p := scheduling.NewPostgresProvider(pool, fallback)
		return p, p, nil
	case "grpc":
		addr, err := config.RequiredString("SCHEDULING_GRPC_ADDR")
		if err != nil {
			return nil, nil, err
		}
		p, err := scheduling.NewGRPCProvider(addr, config.Duration("SCHEDULING_GRPC_TIMEOUT", 2*time.Second))
		if err != nil {
			return nil, nil, fmt.Errorf("scheduling client init failed: %w", err)
		}
		b.closer = append(b.closer, func() { _ = p.Close() })
		logger.Info("working hours served by scheduling service", "addr", addr)
		return p, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown SCHEDULING_DRIVER %q", driver)
	}
}

// idempotencyStore uses redis when REDIS_ADDR is set so replays survive restarts and
// are shared between replicas.
func (b *backends) idempotencyStore(ctx context.Context, logger *slog.Logger) (idempotency.Store, error) {
	opts := idempotency.Options{
		PendingTTL: config.Duration("IDEMPOTENCY_PENDING_TTL", 30*time.Second),
		RecordTTL:  config.Duration("IDEMPOTENCY_TTL", 24*time.Hour),
	}
	addr := config.String("REDIS_ADDR", "")
	if addr == "" {
		return idempotency.NewMemoryStore(opts), nil
	}
	rdb, err := redisx.Open(ctx, redisx.Options{
		Addr:     addr,
		Password: config.String("REDIS_PASSWORD", ""),
		DB:       config.Int("REDIS_DB", 0),
	})
	if err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	b.redis = rdb
	b.closer = append(b.closer, func() { _ = rdb.Close() })
	logger.Info("idempotency keys stored in redis", "addr", addr)
	return idempotency.NewRedisStore(rdb, "idem:booking", opts), nil
}

// serveWorkingHours exposes provider as the scheduling gRPC service when
// SCHEDULING_GRPC_LISTEN is set.
func serveWorkingHours(ctx context.Context, logger *slog.Logger, provider scheduling.Provider) error {
	addr := config.String("SCHEDULING_GRPC_LISTEN", "")
	if addr == "" {
		return nil
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("scheduling grpc listen: %w", err)
	}
	srv := grpcx.NewServer()
	scheduling.RegisterGRPCServer(srv, provider)
	go func() {
		logger.Info("grpc server starting", "addr", addr)
		if err := srv.Serve(lis); err != nil && err != grpc.ErrServerStopped {
			logger.Error("grpc server error", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()
	return nil
}
