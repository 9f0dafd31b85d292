// Package kafka mirrors gateway events to a Kafka topic for downstream consumers.
package kafka

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/IBM/sarama"

	"github.com/kaisenye/conduit-backend/internal/broadcast"
)

func NewConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 3
	config.Producer.Return.Successes = true
	// same conversation -> same partition, so consumers see events in order
	config.Producer.Partitioner = sarama.NewHashPartitioner
	return config
}

// Producer implements broadcast.Publisher over a sarama SyncProducer.
type Producer struct {
	producer sarama.SyncProducer
	topic    string
}

func NewProducer(brokers []string, topic string) (*Producer, error) {
	p, err := sarama.NewSyncProducer(brokers, NewConfig())
	if err != nil {
		return nil, err
	}
	return &Producer{producer: p, topic: topic}, nil
}

// NewProducerFrom wraps an existing SyncProducer.
func NewProducerFrom(p sarama.SyncProducer, topic string) *Producer {
	return &Producer{producer: p, topic: topic}
}

func (p *Producer) Publish(ctx context.Context, env broadcast.Envelope) error {
	value, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, _, err = p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(strconv.FormatUint(env.ConversationID, 10)),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event"), Value: []byte(env.Event)},
		},
	})
	return err
}

func (p *Producer) Close() error {
	return p.producer.Close()
}
