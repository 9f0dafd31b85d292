package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const attemptHeader = "x-attempt"

// Handler runs one job. A returned error sends the delivery to the retry queue
// until MaxAttempts is reached, then to the DLQ.
type Handler func(ctx context.Context, jobID string) error

type ConsumerOptions struct {
	Concurrency int
	MaxAttempts int
	RetryDelay  time.Duration
}

type Consumer struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	opts  ConsumerOptions

	pubMu sync.Mutex
}

func NewConsumer(url, queue string, opts ConsumerOptions) (*Consumer, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}
	if opts.Concurrency > 50 {
		opts.Concurrency = 50
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	conn, ch, err := dial(url, queue)
	if err != nil {
		return nil, err
	}
	return &Consumer{conn: conn, ch: ch, queue: queue, opts: opts}, nil
}

func (c *Consumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Run consumes until ctx is done or the broker closes the delivery channel.
func (c *Consumer) Run(ctx context.Context, h Handler) error {
	concurrency := c.opts.Concurrency

	//  strict concurrency control
	if err := c.ch.Qos(concurrency, 0, false); err != nil {
		return err
	}
	msgs, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	log.Printf("consumer started, queue=%s concurrency=%d", c.queue, concurrency)

	// in-flight jobs finish after shutdown starts
	jobCtx := context.WithoutCancel(ctx)

	jobs := make(chan amqp.Delivery, concurrency*2)
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				c.handle(jobCtx, workerID, d, h)
			}
		}(i)
	}

	defer func() {
		close(jobs)
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Printf("consumer shutting down")
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("rabbitmq delivery channel closed")
			}
			jobs <- d
		}
	}
}

func (c *Consumer) handle(ctx context.Context, workerID int, d amqp.Delivery, h Handler) {
	var m JobMessage
	if err := json.Unmarshal(d.Body, &m); err != nil || m.JobID == "" {
		log.Printf("worker=%d bad message: %v", workerID, err)
		_ = d.Nack(false, false)
		return
	}

	start := time.Now()
	if err := h(ctx, m.JobID); err != nil {
		attempt := attemptOf(d) + 1
		log.Printf("worker=%d job=%s attempt=%d cost=%s err=%v", workerID, m.JobID, attempt, time.Since(start), err)
		if attempt >= c.opts.MaxAttempts {
			_ = d.Nack(false, false) // -> DLQ
			return
		}
		if err := c.retry(ctx, d.Body, attempt); err != nil {
			log.Printf("worker=%d job=%s retry publish failed: %v", workerID, m.JobID, err)
			_ = d.Nack(false, false)
			return
		}
		_ = d.Ack(false)
		return
	}

	if err := d.Ack(false); err != nil {
		log.Printf("worker=%d ack failed job=%s err=%v", workerID, m.JobID, err)
	}
}

func (c *Consumer) retry(ctx context.Context, body []byte, attempt int) error {
	msg := jobPublishing(body, attempt)
	msg.Expiration = strconv.FormatInt(c.opts.RetryDelay.Milliseconds(), 10)

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	return c.ch.PublishWithContext(cctx, "", retryQueue(c.queue), false, false, msg)
}

func attemptOf(d amqp.Delivery) int {
	switch v := d.Headers[attemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}
