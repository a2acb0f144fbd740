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

	"buildforge/shared/auth"
	"buildforge/shared/config"
	"buildforge/shared/kafka"
	"buildforge/shared/orchestrator"
	"buildforge/shared/store"
	"buildforge/shared/trigger"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	logger := slog.Default()

	cfg, err := config.Load(config.WithService("status-dashboard-api", "8086"))
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	db, err := store.OpenPostgres(cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	repo := store.NewPostgresStore(db, logger)
	defer repo.Close()

	opts := []orchestrator.ServiceOption{}
	if cfg.PublishBuildEvents {
		kafkaProducer, err := kafka.NewProducer(cfg.KafkaBrokers, logger)
		if err != nil {
			log.Fatalf("Failed to create Kafka producer: %v", err)
		}
		defer kafkaProducer.Close()
		opts = append(opts, orchestrator.WithServicePublisher(kafka.NewEventPublisher(kafkaProducer, cfg.BuildEventsTopic)))
	}

	trig := trigger.NewHTTPTrigger(cfg.TriggerBaseURL, logger,
		trigger.WithHTTPClient(&http.Client{Timeout: cfg.TriggerTimeout}),
		trigger.WithToken(cfg.TriggerToken),
	)
	service := orchestrator.NewService(repo, trig, logger, opts...)

	api := NewStatusDashboardAPI(service, logger)
	r := NewRouter(api, auth.NewAuthenticator(cfg.JWTSecret, 0))

	server := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf("Status Dashboard API is running on port %s...", cfg.HTTPPort)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}
