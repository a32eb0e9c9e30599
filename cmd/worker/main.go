package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"accessbridge/internal/cache"
	"accessbridge/internal/config"
	"accessbridge/internal/queue"
	"accessbridge/internal/store"
	"accessbridge/internal/telemetry"
	"accessbridge/internal/worker"
)

func main() {
	cfg := config.Load()
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Error("migrations", "error", err)
		os.Exit(1)
	}

	q := queue.NewWorkQueue(cfg)
	defer q.Close()
	c := cache.New(cfg)
	defer c.Close()

	executor, err := worker.NewIAMExecutor(ctx, cfg, log)
	if err != nil {
		log.Error("init iam executor", "error", err)
		os.Exit(1)
	}

	// Fail fast on broken backends before entering the loop.
	if err := st.Ping(ctx); err != nil {
		log.Error("startup health check: store", "error", err)
		os.Exit(1)
	}
	if err := q.Ping(ctx); err != nil {
		log.Error("startup health check: queue", "error", err)
		os.Exit(1)
	}
	if err := executor.Ready(ctx); err != nil {
		log.Error("startup health check: aws", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Warn("metrics server stopped", "error", err)
		}
	}()

	processor := worker.New(cfg, st, q, c, executor, log)

	log.Info("worker started", "queue", queue.Key(cfg.TargetDomain), "dequeue_timeout", cfg.DequeueTimeout.String())
	if err := processor.Run(ctx); err != nil {
		log.Info("worker stopped", "reason", err)
	}
}
