package redisstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/kaisenye/conduit-backend/internal/broadcast"
)

const channelPrefix = "conduit:conversation:"

func channelFor(conversationID uint64) string {
	return channelPrefix + strconv.FormatUint(conversationID, 10)
}

// Publisher sends gateway envelopes over Redis pub/sub so every server node
// can reach its own websocket subscribers.
type Publisher struct {
	rdb *redis.Client
}

func NewPublisher(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb}
}

func (p *Publisher) Publish(ctx context.Context, env broadcast.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, channelFor(env.ConversationID), b).Err()
}

// Relay forwards every envelope seen on the conversation channels to a local publisher.
type Relay struct {
	rdb    *redis.Client
	local  broadcast.Publisher
	logger *slog.Logger
}

func NewRelay(rdb *redis.Client, local broadcast.Publisher, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{rdb: rdb, local: local, logger: logger.With("component", "redis_relay")}
}

// Run blocks until ctx is done. The subscription is confirmed before ready
// is closed, when ready is non-nil.
func (r *Relay) Run(ctx context.Context, ready chan<- struct{}) error {
	sub := r.rdb.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	if ready != nil {
		close(ready)
	}
	r.logger.Info("relay subscribed", "pattern", channelPrefix+"*")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.forward(ctx, msg)
		}
	}
}

func (r *Relay) forward(ctx context.Context, msg *redis.Message) {
	var env broadcast.Envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		r.logger.Warn("bad relay payload", "channel", msg.Channel, "error", err)
		return
	}
	if env.ConversationID == 0 {
		id, err := strconv.ParseUint(strings.TrimPrefix(msg.Channel, channelPrefix), 10, 64)
		if err != nil {
			r.logger.Warn("bad relay channel", "channel", msg.Channel)
			return
		}
		env.ConversationID = id
	}
	if err := r.local.Publish(ctx, env); err != nil {
		r.logger.Warn("relay delivery failed",
			"conversation_id", env.ConversationID,
			"event", env.Event,
			"error", err)
	}
}
