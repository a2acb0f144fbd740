package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"buildforge/shared/config"
	"buildforge/shared/kafka"
)

// eventHandler decodes build-events values and broadcasts them.
func eventHandler(ns *NotificationService, logger *slog.Logger) kafka.MessageHandler {
	return func(ctx context.Context, key []byte, value []byte) error {
		event, err := kafka.DecodeEvent(value)
		if err != nil {
			logger.Warn("dropping undecodable build event",
				"event", "notification_event_undecodable",
				"module", "notification",
				"layer", "transport",
				"key", string(key),
				"error", err.Error(),
			)
			return nil
		}
		delivered := ns.BroadcastEvent(event)
		logger.Debug("build event broadcast",
			"event", "notification_event_broadcast",
			"module", "notification",
			"layer", "transport",
			"build_id", event.BuildID,
			"event_type", string(event.EventType),
			"clients", delivered,
		)
		return nil
	}
}

func newRouter(ns *NotificationService) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", ns.HandleWebSocket)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	logger := slog.Default()

	cfg, err := config.Load(config.WithService("notification", "8085"))
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kafkaConsumer, err := kafka.NewConsumer(cfg.KafkaBrokers, "notification", logger)
	if err != nil {
		log.Fatalf("Failed to create Kafka consumer: %v", err)
	}
	defer kafkaConsumer.Close()

	if err := kafkaConsumer.Subscribe(ctx, []string{cfg.BuildEventsTopic}); err != nil {
		log.Fatalf("Failed to subscribe to topics: %v", err)
	}

	notificationService := NewNotificationService(logger)

	go func() {
		if err := kafkaConsumer.Run(ctx, eventHandler(notificationService, logger)); err != nil {
			logger.Error("event consumer stopped",
				"event", "notification_consumer_stopped",
				"module", "notification",
				"layer", "transport",
				"error", err.Error(),
			)
			stop()
		}
	}()

	server := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           newRouter(notificationService),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf("Notification Service is running on port %s...", cfg.HTTPPort)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}
