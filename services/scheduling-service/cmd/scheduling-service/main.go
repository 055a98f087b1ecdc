package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/fellipesaraiva88/agentedaauzap-sub004/libs/config"
	"github.com/fellipesaraiva88/agentedaauzap-sub004/libs/db"
	"github.com/fellipesaraiva88/agentedaauzap-sub004/libs/grpcx"
	"github.com/fellipesaraiva88/agentedaauzap-sub004/libs/httpx"
	"github.com/fellipesaraiva88/agentedaauzap-sub004/libs/kafkax"
	otelx "github.com/fellipesaraiva88/agentedaauzap-sub004/libs/otel"
	"github.com/fellipesaraiva88/agentedaauzap-sub004/libs/runtime"
	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/clock"
	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/consumer"
	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/dispatch"
	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/handlers"
	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/inbox"
	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/outbox"
	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/scheduling"
	"github.com/fellipesaraiva88/agentedaauzap-sub004/services/scheduling-service/internal/storage"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		panic(err)
	}
	cfg, err := loadSettings()
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(cfg.Service, cfg.LogLevel)

	ctx, stop := runtime.SignalContext(logger)
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(cfg.Service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	var (
		store        storage.Store
		outboxSource outbox.Source
		recorder     inbox.Recorder
		readyChecks  []runtime.ReadyCheck
	)
	outboxWriter, closeWriter := kafkaOutboxWriter(cfg.KafkaBrokers)
	defer closeWriter()

	if cfg.DatabaseURL != "" {
		pool, err := db.Open(ctx, cfg.DatabaseURL, db.Options{})
		if err != nil {
			logger.Error("db connection failed", "err", err)
			os.Exit(1)
		}
		defer pool.Close()

		outboxRepo := outbox.NewRepository(pool)
		pg := storage.NewPostgres(pool, outboxRepo, cfg.LockTimeout)
		if err := pg.Migrate(ctx); err != nil {
			logger.Error("schema migration failed", "err", err)
			os.Exit(1)
		}
		store, outboxSource, recorder = pg, outboxRepo, inbox.NewRepository(pool)
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)})
	} else {
		logger.Warn("DATABASE_URL not set, appointments are kept in memory")
		mem := storage.NewMemory(nil, cfg.LockTimeout)
		store, outboxSource, recorder = mem, mem.Outbox(), inbox.NewMemory()
		if outboxWriter == nil {
			outboxWriter = logWriter{logger: logger}
		}
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer func() { _ = rdb.Close() }()
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}
	if cfg.KafkaBrokers != "" {
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(cfg.KafkaBrokers)})
	}

	clk := clock.System()
	svc := scheduling.NewService(store, clk, cfg.Location, logger)

	sender, closeSender, err := buildSender(ctx, cfg, logger, rdb)
	if err != nil {
		logger.Error("reminder channel setup failed", "err", err)
		os.Exit(1)
	}
	defer closeSender()

	dispatcher := dispatch.NewDispatcher(store, sender, logger, dispatch.Config{
		BatchSize:    cfg.DispatchBatchSize,
		Concurrency:  cfg.DispatchConcurrency,
		SendTimeout:  cfg.DispatchSendTimeout,
		MaxAttempts:  cfg.DispatchMaxAttempts,
		RetryBackoff: cfg.DispatchBackoff,
	})
	scheduler := dispatch.NewScheduler(clk, cfg.Location, logger)
	if err := scheduler.AddDispatch(ctx, cfg.DispatchSchedule, dispatcher, 5*time.Minute); err != nil {
		logger.Error("dispatch schedule invalid", "err", err)
		os.Exit(1)
	}
	if cfg.AutoStart || cfg.AutoNoShow {
		err := scheduler.AddSweep(ctx, cfg.SweepSchedule, svc, scheduling.SweepOptions{
			AutoStart:   cfg.AutoStart,
			AutoNoShow:  cfg.AutoNoShow,
			NoShowGrace: cfg.NoShowGrace,
			Limit:       cfg.DispatchBatchSize,
		}, 5*time.Minute)
		if err != nil {
			logger.Error("sweep schedule invalid", "err", err)
			os.Exit(1)
		}
	}
	go scheduler.Run(ctx)

	publisher := outbox.NewPublisher(outboxSource, outboxWriter, logger, outbox.PublisherConfig{
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go publisher.Run(ctx)

	if cfg.KafkaBrokers != "" && strings.TrimSpace(cfg.KafkaReplyTopic) != "" {
		reader := consumer.NewReader(consumer.Config{
			Brokers: cfg.KafkaBrokers,
			GroupID: cfg.KafkaGroupID,
			Topic:   cfg.KafkaReplyTopic,
		})
		replies := consumer.New(reader, logger, recorder, consumer.ReplyHandler(svc, logger))
		go replies.Run(ctx)
	}

	mux := runtime.NewBaseMuxWithReady(readyChecks...)
	handlers.NewAppointmentHandler(svc, logger).Register(mux)

	var limiter httpx.Middleware
	if rdb != nil {
		limiter = httpx.NewRedisRateLimiter(rdb, cfg.RateLimitPerMinute, time.Minute, "scheduling").Middleware(logger, true)
	} else {
		limiter = httpx.NewRateLimiter(cfg.RateLimitPerMinute, time.Minute).Middleware()
	}
	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-Id"},
			MaxAge:         10 * time.Minute,
		}),
		limiter,
		httpx.WithBodyLimit(1<<20),
		httpx.WithTimeout(15*time.Second),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "scheduling")
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer, health := grpcx.NewServer(logger)
	health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	health.SetServingStatus(cfg.Service, healthpb.HealthCheckResponse_SERVING)
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		logger.Error("grpc listen failed", "err", err)
		os.Exit(1)
	}

	go func() {
		logger.Info("grpc server starting", "addr", lis.Addr().String())
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server error", "err", err)
		}
	}()
	go func() {
		logger.Info("http server starting", "addr", srv.Addr, "timezone", cfg.Location.String())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	health.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	grpcServer.GracefulStop()
	logger.Info("scheduling service stopped")
}
