// cmd/worker/main.go
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/unclebandit/groupcast/internal/config"
	"github.com/unclebandit/groupcast/internal/logger"
	"github.com/unclebandit/groupcast/internal/notify"
	"github.com/unclebandit/groupcast/internal/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("❌ Failed to load config", "error", err)
		os.Exit(1)
	}
	log := logger.New(logger.WithLevel(cfg.LogLevel), logger.WithFormat(cfg.LogFormat))
	slog.SetDefault(log)

	if cfg.AMQPURL == "" || cfg.WebhookURL == "" {
		log.Error("❌ AMQP_URL and WEBHOOK_URL are required")
		os.Exit(1)
	}

	q, err := queue.DialAMQP(cfg.AMQPURL, cfg.EventsQueue, log)
	if err != nil {
		log.Error("❌ Failed to connect to RabbitMQ", logger.Error(err))
		os.Exit(1)
	}
	defer q.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, q, cfg, log); err != nil {
		log.Error("❌ Worker stopped", logger.Error(err))
		os.Exit(1)
	}
}

// run forwards every notification on q to the configured webhook until ctx is done.
func run(ctx context.Context, q queue.Queue, cfg *config.Config, log *slog.Logger) error {
	if cfg.WebhookURL == "" {
		return errors.New("webhook url is required")
	}
	sender := notify.NewSender(cfg.WebhookURL, notify.WithSecret(cfg.WebhookSecret))
	if err := notify.StartWebhookSubscriber(q, sender, log); err != nil {
		return err
	}

	log.Info("Worker running, waiting for notifications...", "queue", cfg.EventsQueue)
	<-ctx.Done()
	log.Info("🛑 Worker shutting down")
	return nil
}
