package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kaisenye/conduit-backend/internal/app"
	"github.com/kaisenye/conduit-backend/internal/chat"
	"github.com/kaisenye/conduit-backend/internal/config"
	"github.com/kaisenye/conduit-backend/internal/db"
	"github.com/kaisenye/conduit-backend/internal/httpapi"
	"github.com/kaisenye/conduit-backend/internal/httpapi/handlers"
	"github.com/kaisenye/conduit-backend/internal/realtime"
	"github.com/kaisenye/conduit-backend/internal/store/rabbitmq"
	"github.com/kaisenye/conduit-backend/internal/store/redisstore"
	"github.com/kaisenye/conduit-backend/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb := db.Connect(cfg.DBDSN)
	if err := gdb.AutoMigrate(chat.Models()...); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	repo := chat.NewRepo(gdb)

	hub := realtime.NewHub(logger)
	defer hub.Close()

	gw := app.NewGateway(ctx, cfg, hub, logger)
	defer gw.Close()
	if gw.Relay != nil {
		ready := make(chan struct{})
		go func() {
			if err := gw.Relay.Run(ctx, ready); err != nil {
				log.Printf("redis relay stopped: %v", err)
			}
		}()
		select {
		case <-ready:
		case <-time.After(5 * time.Second):
			log.Printf("redis relay not ready after 5s, continuing")
		}
	}

	var dispatcher chat.Dispatcher
	switch cfg.RoutingMode {
	case config.RoutingRabbitMQ:
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			log.Fatalf("rabbit publisher: %v", err)
		}
		defer pub.Close()
		dispatcher = pub
		log.Printf("routing via rabbitmq queue=%s", cfg.RabbitQueue)
	default:
		runner, err := app.NewRunner(ctx, cfg, repo, gw.Publisher, logger)
		if err != nil {
			log.Fatalf("routing: %v", err)
		}
		pool := worker.NewPool(runner.HandleJob, cfg.WorkerConcurrency, cfg.RoutingQueueSize, logger)
		pool.Start(context.WithoutCancel(ctx))
		defer pool.Close()
		dispatcher = pool
	}

	svc := chat.NewService(repo, gw.Publisher, dispatcher, logger)

	var limiter *redisstore.Limiter
	if gw.Redis != nil {
		limiter = redisstore.NewLimiter(gw.Redis, cfg.SendRateLimit, cfg.SendRateWindow)
	}

	h := handlers.NewHandler(svc, hub, limiter, cfg.FrontendURL)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(cfg.FrontendURL, h),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("server listening addr=%s routing=%s", cfg.HTTPAddr, cfg.RoutingMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
