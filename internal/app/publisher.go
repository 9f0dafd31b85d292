package app

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/kaisenye/conduit-backend/internal/broadcast"
	"github.com/kaisenye/conduit-backend/internal/config"
	"github.com/kaisenye/conduit-backend/internal/store/kafka"
	"github.com/kaisenye/conduit-backend/internal/store/redisstore"
)

// Gateway is the assembled event fan-out of one process.
type Gateway struct {
	Publisher broadcast.Publisher
	// Redis is nil when REDIS_ADDR is unset or unreachable.
	Redis *redis.Client
	// Relay feeds local subscribers from Redis; nil without Redis or local.
	Relay *redisstore.Relay

	closers []func() error
}

// NewGateway wires the publishers for this process. local is the in-process
// websocket hub, or nil in the worker. With Redis every event goes through the
// Redis channel and reaches local through the relay exactly once.
func NewGateway(ctx context.Context, cfg config.Config, local broadcast.Publisher, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{}
	var pubs broadcast.Multi

	if cfg.RedisAddr != "" {
		rdb, err := redisstore.NewClient(ctx, redisstore.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			logger.Warn("redis disabled", "error", err)
		} else {
			g.Redis = rdb
			g.closers = append(g.closers, rdb.Close)
			pubs = append(pubs, redisstore.NewPublisher(rdb))
			if local != nil {
				g.Relay = redisstore.NewRelay(rdb, local, logger)
			}
		}
	}
	if g.Redis == nil && local != nil {
		pubs = append(pubs, local)
	}

	if len(cfg.KafkaBrokers) > 0 {
		p, err := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			logger.Warn("kafka mirror disabled", "brokers", cfg.KafkaBrokers, "error", err)
		} else {
			g.closers = append(g.closers, p.Close)
			pubs = append(pubs, p)
		}
	}

	g.Publisher = pubs
	return g
}

func (g *Gateway) Close() {
	for i := len(g.closers) - 1; i >= 0; i-- {
		_ = g.closers[i]()
	}
}
