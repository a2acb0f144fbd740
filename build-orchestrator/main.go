package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"

	"buildforge/shared/config"
	"buildforge/shared/kafka"
	"buildforge/shared/orchestrator"
	"buildforge/shared/queue"
	"buildforge/shared/store"
	"buildforge/shared/trigger"
)

// openStore returns the Postgres store, or an in-memory one when no DSN is
// configured.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.BuildRepository, func(), error) {
	if cfg.PostgresDSN == "" {
		logger.Warn("POSTGRES_DSN not set, build records are kept in memory",
			"event", "orchestrator_memory_store",
			"module", "build-orchestrator",
			"layer", "bootstrap",
		)
		return store.NewMemoryStore(logger), func() {}, nil
	}

	db, err := store.OpenPostgres(cfg.PostgresDSN)
	if err != nil {
		return nil, nil, err
	}
	pg := store.NewPostgresStore(db, logger)
	if err := pg.Migrate(ctx); err != nil {
		_ = pg.Close()
		return nil, nil, fmt.Errorf("migrate build store: %w", err)
	}
	return pg, func() { _ = pg.Close() }, nil
}

// openQueue connects the configured broker. The returned func releases it.
func openQueue(ctx context.Context, cfg config.Config, logger *slog.Logger) (queue.Queue, func(), error) {
	switch cfg.QueueBackend {
	case config.QueueBackendMemory:
		q := queue.NewMemoryQueue(logger,
			queue.WithMemoryDedupWindow(cfg.DedupWindow),
			queue.WithMemoryVisibilityTimeout(cfg.VisibilityTimeout),
		)
		return q, func() { _ = q.Close() }, nil

	case config.QueueBackendRedis:
		client, err := connectRedis(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		q := queue.NewRedisQueue(client, logger,
			queue.WithRedisDedupWindow(cfg.DedupWindow),
			queue.WithRedisVisibilityTimeout(cfg.VisibilityTimeout),
		)
		return q, func() { _ = q.Close() }, nil

	case config.QueueBackendRabbitMQ:
		// RabbitMQ has no dedup window of its own; Redis keeps it.
		client, err := connectRedis(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		q := queue.NewRabbitQueue(cfg.AMQPURL, cfg.ServiceName, logger,
			queue.WithRabbitDeduper(queue.NewRedisDeduper(client, cfg.DedupWindow)),
			queue.WithRabbitPrefetch(cfg.Workers),
		)
		if err := q.Connect(ctx); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return q, func() {
			_ = q.Close()
			_ = client.Close()
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
}

func connectRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.Ping(pingCtx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return client, nil
}

func newRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	return r
}

func workerOptions(cfg config.Config, instance string, i int, publisher orchestrator.EventPublisher) []orchestrator.WorkerOption {
	opts := []orchestrator.WorkerOption{
		orchestrator.WithWorkerID(instance + "-" + strconv.Itoa(i)),
		orchestrator.WithQueueName(cfg.QueueName),
		orchestrator.WithMaxRetries(cfg.MaxRetries),
		orchestrator.WithBaseDelay(cfg.BaseRetryDelay),
		orchestrator.WithPollInterval(cfg.PollInterval),
		orchestrator.WithMaxStatusPolls(cfg.MaxStatusPolls),
		orchestrator.WithStorageRetryDelay(cfg.StorageRetryDelay),
		orchestrator.WithDequeueTimeout(cfg.DequeueTimeout),
	}
	if cfg.DeadLetter != "" {
		opts = append(opts, orchestrator.WithDeadLetterQueue(cfg.DeadLetter))
	}
	if publisher != nil {
		opts = append(opts, orchestrator.WithEventPublisher(publisher))
	}
	return opts
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	logger := slog.Default()

	log.Println("🚀 Starting Build Orchestrator...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("❌ Failed to open build store: %v", err)
	}
	defer closeStore()
	log.Println("✅ Build store ready")

	q, closeQueue, err := openQueue(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("❌ Failed to connect %s queue: %v", cfg.QueueBackend, err)
	}
	defer closeQueue()
	log.Printf("✅ %s queue connected", cfg.QueueBackend)

	var publisher orchestrator.EventPublisher
	if cfg.PublishBuildEvents {
		kafkaProducer, err := kafka.NewProducer(cfg.KafkaBrokers, logger)
		if err != nil {
			log.Fatalf("❌ Failed to create Kafka producer: %v", err)
		}
		defer kafkaProducer.Close()
		publisher = kafka.NewEventPublisher(kafkaProducer, cfg.BuildEventsTopic)
		log.Println("✅ Kafka producer created")
	}

	trig := trigger.NewHTTPTrigger(cfg.TriggerBaseURL, logger,
		trigger.WithHTTPClient(&http.Client{Timeout: cfg.TriggerTimeout}),
		trigger.WithToken(cfg.TriggerToken),
	)

	instance := xid.New().String()
	pool := orchestrator.NewPool(cfg.Workers, func(i int) *orchestrator.Worker {
		return orchestrator.NewWorker(q, repo, trig, logger, workerOptions(cfg, instance, i, publisher)...)
	})

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("🎧 Starting %d workers on queue %s...", pool.Size(), cfg.QueueName)
		return pool.Run(ctx)
	})

	if cfg.ConsumeBuildRequest {
		producer := orchestrator.NewProducer(repo, q, logger,
			orchestrator.WithProducerQueue(cfg.QueueName),
			orchestrator.WithProducerPublisher(publisher),
		)
		kafkaConsumer, err := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaConsumerGroup, logger)
		if err != nil {
			log.Fatalf("❌ Failed to create Kafka consumer: %v", err)
		}
		defer kafkaConsumer.Close()

		g.Go(func() error {
			if err := kafkaConsumer.Subscribe(ctx, []string{cfg.BuildRequestsTopic}); err != nil {
				return err
			}
			log.Printf("✅ Subscribed to topic: %s", cfg.BuildRequestsTopic)
			return kafkaConsumer.Run(ctx, kafka.BuildRequestHandler(producer, logger))
		})
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           newRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		log.Printf("🌐 Build Orchestrator Service is running on port %s...", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("build orchestrator stopped",
			"event", "orchestrator_stopped",
			"module", "build-orchestrator",
			"layer", "bootstrap",
			"error", err.Error(),
		)
	}
	log.Println("👋 Build Orchestrator stopped")
}
