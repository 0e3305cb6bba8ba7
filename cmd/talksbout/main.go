package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/JuliusGruber/ViennaTalksBout/internal/analytics"
	"github.com/JuliusGruber/ViennaTalksBout/internal/dedup"
	"github.com/JuliusGruber/ViennaTalksBout/internal/engine"
	"github.com/JuliusGruber/ViennaTalksBout/internal/extraction"
	"github.com/JuliusGruber/ViennaTalksBout/internal/handlers"
	"github.com/JuliusGruber/ViennaTalksBout/internal/pipeline"
	"github.com/JuliusGruber/ViennaTalksBout/internal/snapshot"
	"github.com/JuliusGruber/ViennaTalksBout/internal/topics"
	"github.com/JuliusGruber/ViennaTalksBout/pkg/config"
	"github.com/JuliusGruber/ViennaTalksBout/pkg/database"
	"github.com/JuliusGruber/ViennaTalksBout/pkg/kafka"
	"github.com/JuliusGruber/ViennaTalksBout/pkg/logging"
	"github.com/JuliusGruber/ViennaTalksBout/pkg/monitoring"
	"github.com/JuliusGruber/ViennaTalksBout/pkg/redis"
	"github.com/JuliusGruber/ViennaTalksBout/pkg/server"
	"github.com/JuliusGruber/ViennaTalksBout/pkg/version"
)

const serviceName = "talksbout"

func main() {
	logger := logging.NewLoggerWithService(serviceName)
	config.LoadEnv(logger)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Postgres holds snapshot history and is required.
	dbCfg := database.DefaultConfig()
	dbCfg.URL = config.RequireEnv("DATABASE_URL")
	db := database.MustConnect(dbCfg, logger)
	defer db.Close()

	store := snapshot.NewStore(db, logger)
	if err := store.EnsureSchema(rootCtx); err != nil {
		logger.WithError(err).Fatal("Failed to ensure snapshot schema")
	}

	mc := monitoring.NewMetricsCollector(serviceName, version.Version, version.GitCommit)
	health := monitoring.NewHealthChecker(serviceName, version.Version)
	health.AddCheck("database", monitoring.DatabaseHealthCheck(db))

	// ClickHouse analytics is optional.
	var chConn database.ClickHouseConn
	if config.GetEnvBool("CLICKHOUSE_ENABLED", false) {
		chCfg := database.DefaultClickHouseConfig()
		chCfg.Addr = strings.Split(config.GetEnv("CLICKHOUSE_HOSTS", "127.0.0.1:9000"), ",")
		chCfg.Database = config.GetEnv("CLICKHOUSE_DATABASE", "default")
		chCfg.Username = config.GetEnv("CLICKHOUSE_USER", "default")
		chCfg.Password = config.GetEnv("CLICKHOUSE_PASSWORD", "")
		chConn = database.MustConnectClickHouse(chCfg, logger)
		defer chConn.Close()
	}
	sink := analytics.NewBatchSink(chConn, logger)
	if err := sink.EnsureSchema(rootCtx); err != nil {
		logger.WithError(err).Fatal("Failed to ensure analytics schema")
	}

	// Redis dedup is optional; without it every delivery counts.
	var redisClient goredis.UniversalClient
	if addr := config.GetEnv("REDIS_ADDR", ""); addr != "" {
		client, err := redis.NewClient(rootCtx, redis.Config{
			Addr:     addr,
			Password: config.GetEnv("REDIS_PASSWORD", ""),
			DB:       config.GetEnvInt("REDIS_DB", 0),
		})
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		redisClient = client
		defer client.Close()
		health.AddCheck("redis", monitoring.RedisHealthCheck(client))
	}
	deduper := dedup.New(redisClient,
		config.GetEnvDuration("DEDUP_TTL", dedup.DefaultTTL),
		mc.NewCounter("posts_deduplicated_total", "Posts dropped as duplicates", []string{"source"}),
		logger)

	// Merge engine, warm-started from the latest snapshot when one exists.
	eng, err := engine.New(engine.Config{
		ActiveCap:      config.GetEnvInt("TOPIC_ACTIVE_CAP", engine.DefaultActiveCap),
		ScoreWeight:    config.GetEnvFloat("TOPIC_SCORE_WEIGHT", engine.DefaultScoreWeight),
		DecayFactor:    config.GetEnvFloat("TOPIC_DECAY_FACTOR", engine.DefaultDecayFactor),
		MinScore:       config.GetEnvFloat("TOPIC_MIN_SCORE", engine.DefaultMinScore),
		DisappearAfter: config.GetEnvInt("TOPIC_DISAPPEAR_AFTER", engine.DefaultDisappearAfter),
	}, &engine.Metrics{
		MergeCycles:   mc.NewCounter("merge_cycles_total", "Merge cycles applied", []string{"source"}),
		CycleDuration: mc.NewHistogram("merge_cycle_duration_seconds", "Merge cycle duration", []string{"source"}, nil),
		ActiveTopics:  mc.NewGauge("topics_tracked", "Tracked topics by state", []string{"state"}),
		TopicsEvicted: mc.NewCounter("topics_evicted_total", "Topics removed or demoted", []string{"reason"}),
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Invalid engine configuration")
	}

	switch latest, err := store.Latest(rootCtx); {
	case err == nil:
		eng.Restore(latest.Topics)
	case errors.Is(err, snapshot.ErrNotFound):
		logger.Info("No snapshot found, starting with an empty topic set")
	default:
		logger.WithError(err).Fatal("Failed to load latest snapshot")
	}

	// Extraction provider wrapped with retries and a circuit breaker.
	provider, err := extraction.NewExtractor(extraction.LoadConfig(), logger)
	if err != nil {
		logger.WithError(err).Fatal("Invalid extraction configuration")
	}
	extractor := extraction.NewResilientExtractor(provider, extraction.ResilienceConfig{
		AttemptTimeout: config.GetEnvDuration("EXTRACTION_TIMEOUT", 30*time.Second),
		MaxRetries:     config.GetEnvInt("EXTRACTION_MAX_RETRIES", 3),
	}, logger)
	health.AddCheck("extraction", func() monitoring.CheckResult {
		if extractor.BreakerOpen() {
			return monitoring.CheckResult{Status: monitoring.StatusDegraded, Message: "circuit breaker open"}
		}
		return monitoring.CheckResult{Status: monitoring.StatusHealthy}
	})

	pipe := pipeline.New(pipeline.Config{
		Window:   config.GetEnvDuration("WINDOW_DURATION", pipeline.DefaultConfig().Window),
		MaxPosts: config.GetEnvInt("WINDOW_MAX_POSTS", pipeline.DefaultConfig().MaxPosts),
	}, extractor, eng, deduper, sink, &pipeline.Metrics{
		PostsIngested:      mc.NewCounter("posts_ingested_total", "Posts accepted into windows", []string{"source"}),
		PostsDropped:       mc.NewCounter("posts_dropped_total", "Posts dropped before windowing", []string{"source", "reason"}),
		BatchesFlushed:     mc.NewCounter("batches_flushed_total", "Sealed batches emitted", []string{"source"}),
		ExtractionFailures: mc.NewCounter("extraction_failures_total", "Batches dropped on extraction failure", []string{"source", "reason"}),
		ExtractionDuration: mc.NewHistogram("extraction_duration_seconds", "Extraction call duration", []string{"source"}, nil),
	}, logger)
	health.AddCheck("ingest", monitoring.LivenessHealthCheck(pipe.LastActivity,
		config.GetEnvDuration("INGEST_STALE_AFTER", 30*time.Minute)))

	scheduler := snapshot.NewScheduler(store, eng, snapshot.SchedulerConfig{
		Interval:  config.GetEnvDuration("SNAPSHOT_INTERVAL", snapshot.DefaultInterval),
		Retention: config.GetEnvDuration("SNAPSHOT_RETENTION", snapshot.DefaultRetention),
	}, &snapshot.SchedulerMetrics{
		Writes: mc.NewCounter("snapshot_writes_total", "Snapshot write attempts", []string{"result"}),
		Purged: mc.NewCounter("snapshots_purged_total", "Snapshots deleted by retention", nil).WithLabelValues(),
	}, logger)

	// Optional Kafka ingress alongside the HTTP one.
	var consumer *kafka.Consumer
	if config.GetEnvBool("KAFKA_ENABLED", false) {
		brokers := strings.Split(config.GetEnv("KAFKA_BROKERS", "localhost:9092"), ",")
		groupID := config.GetEnv("KAFKA_GROUP_ID", serviceName)
		consumer, err = kafka.NewConsumer(brokers, groupID, serviceName, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Kafka consumer")
		}
		defer consumer.Close()

		handler := kafka.NewPostEventHandler(func(ctx context.Context, event kafka.PostEvent) error {
			return pipe.Ingest(ctx, topics.Post{
				SourceID:   event.SourceID,
				ExternalID: event.ExternalID,
				Text:       event.Text,
				ObservedAt: event.ObservedAt,
				Language:   event.Language,
			})
		}, logger)
		consumer.AddHandler(config.GetEnv("KAFKA_TOPIC", "posts"), handler.HandleMessage)
		health.AddCheck("kafka", monitoring.KafkaHealthCheck(consumer.GetClient()))
	}

	router := server.SetupRouter(logger)
	router.Use(mc.MetricsMiddleware())
	router.GET("/healthz", health.Handler())
	router.GET("/metrics", mc.Handler())
	handlers.NewHandlers(eng, store, pipe, logger).Register(router)

	// The engine and scheduler outlive the ingest side: windows flush and
	// submit on shutdown before the engine drains and the final snapshot
	// is written.
	engineCtx, engineCancel := context.WithCancel(context.Background())
	schedCtx, schedCancel := context.WithCancel(context.Background())

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		_ = eng.Run(engineCtx)
	}()

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		_ = scheduler.Run(schedCtx)
	}()

	// The ingress side shares one group: if the server or consumer dies,
	// the group context cancels the others and shutdown proceeds.
	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		return pipe.Run(gctx)
	})
	if consumer != nil {
		g.Go(func() error {
			return consumer.Start(gctx)
		})
	}
	g.Go(func() error {
		return server.Start(gctx, server.DefaultConfig(serviceName, "8085"), router, logger)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("Ingress stopped with error")
	}

	engineCancel()
	<-engineDone
	schedCancel()
	<-schedDone

	logger.Info("Shutdown complete")
}
