// Package broadcast delivers conversation events to whoever is subscribed to
// the conversation channel: local websocket rooms, a Redis relay, a Kafka topic.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
)

const (
	EventNewMessage     = "new_message"
	EventMessageUpdated = "message_updated"
)

// Envelope is the unit every publisher carries. Data is the JSON-encoded message.
type Envelope struct {
	ConversationID uint64          `json:"conversationId"`
	Event          string          `json:"event"`
	Data           json.RawMessage `json:"data"`
}

func NewEnvelope(conversationID uint64, event string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{ConversationID: conversationID, Event: event, Data: b}, nil
}

// Channel is the room name of a conversation.
func Channel(conversationID uint64) string {
	return "conversation_" + strconv.FormatUint(conversationID, 10)
}

// Publisher delivers an envelope to the current subscribers of its conversation.
// Late subscribers do not receive it.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, env Envelope) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards every envelope.
type Nop struct{}

func (Nop) Publish(context.Context, Envelope) error { return nil }
