package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kaisenye/conduit-backend/internal/app"
	"github.com/kaisenye/conduit-backend/internal/chat"
	"github.com/kaisenye/conduit-backend/internal/config"
	"github.com/kaisenye/conduit-backend/internal/db"
	"github.com/kaisenye/conduit-backend/internal/store/rabbitmq"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb := db.Connect(cfg.DBDSN)
	repo := chat.NewRepo(gdb)

	// no local websocket hub here; events reach clients through redis
	gw := app.NewGateway(ctx, cfg, nil, logger)
	defer gw.Close()
	if gw.Redis == nil {
		log.Printf("REDIS_ADDR unset or unreachable: automated messages are stored but not pushed to sockets")
	}

	runner, err := app.NewRunner(ctx, cfg, repo, gw.Publisher, logger)
	if err != nil {
		log.Fatalf("routing: %v", err)
	}

	consumer, err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue, rabbitmq.ConsumerOptions{
		Concurrency: cfg.WorkerConcurrency,
		MaxAttempts: 3,
		RetryDelay:  5 * time.Second,
	})
	if err != nil {
		log.Fatalf("rabbit consumer: %v", err)
	}
	defer consumer.Close()

	log.Printf("worker started, queue=%s concurrency=%d", cfg.RabbitQueue, cfg.WorkerConcurrency)
	if err := consumer.Run(ctx, runner.HandleJob); err != nil {
		log.Printf("worker stopped: %v", err)
		return
	}
	log.Printf("worker shutting down")
}
