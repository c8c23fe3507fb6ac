package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one decoded job.
type Handler interface {
	Handle(ctx context.Context, job Job) (Outcome, error)
}

// Consumer pulls jobs one at a time. A job is acked only after its handler
// succeeded; failures and undecodable messages are nacked without requeue.
type Consumer struct {
	url      string
	queue    string
	handler  Handler
	notifier Notifier
	metrics  *Metrics
	delay    time.Duration
	logger   *slog.Logger
}

type ConsumerOption func(*Consumer)

func WithNotifier(n Notifier) ConsumerOption {
	return func(c *Consumer) { c.notifier = n }
}

func WithMetrics(m *Metrics) ConsumerOption {
	return func(c *Consumer) { c.metrics = m }
}

// WithReconnectDelay sets the first wait after a lost connection; later
// waits grow exponentially up to twelve times this value.
func WithReconnectDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if d > 0 {
			c.delay = d
		}
	}
}

func NewConsumer(url, queue string, handler Handler, logger *slog.Logger, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		url:     url,
		queue:   queue,
		handler: handler,
		delay:   5 * time.Second,
		logger:  logger.With("component", "consumer", "queue", queue),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.notifier == nil {
		c.notifier = NewLogNotifier(logger)
	}
	return c
}

// Run consumes until ctx is cancelled, reconnecting after connection loss.
func (c *Consumer) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.delay
	b.MaxInterval = 12 * c.delay
	b.MaxElapsedTime = 0

	for {
		err := c.consume(ctx, b)
		if ctx.Err() != nil {
			c.logger.Info("consumer stopped")
			return nil
		}
		wait := b.NextBackOff()
		c.logger.Warn("broker connection lost, reconnecting", "error", err, "wait", wait)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (c *Consumer) consume(ctx context.Context, b backoff.BackOff) error {
	conn, err := amqp.DialConfig(c.url, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel: %w", err)
	}
	defer ch.Close()

	if _, err := declare(ch, c.queue); err != nil {
		return fmt.Errorf("declare: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	b.Reset()
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	c.logger.Info("consuming")

	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-closed:
			if e == nil {
				return errors.New("connection closed")
			}
			return e
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.handleDelivery(ctx, d)
		}
	}
}

// handleDelivery runs one job to completion. The job context is detached
// from ctx: shutdown stops pulling new jobs but never interrupts one.
func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) {
	start := time.Now()
	jctx := context.WithoutCancel(ctx)

	job, err := ParseJob(d.Body)
	if err != nil {
		c.logger.Error("undecodable message dropped", "message_id", d.MessageId, "error", err)
		c.observe("invalid", "failed", time.Since(start))
		if nerr := d.Nack(false, false); nerr != nil {
			c.logger.Error("nack failed", "error", nerr)
		}
		return
	}

	log := c.logger.With("type", job.Type, "message_id", d.MessageId)
	log.Info("job started")

	out, err := c.handler.Handle(jctx, job)
	took := time.Since(start)
	c.notifier.Notify(jctx, newEvent(job, out, err, took))

	if err != nil {
		log.Error("job failed", "knowledge_ids", out.KnowledgeIDs, "error", err, "elapsed", took)
		c.observe(job.Type, "failed", took)
		if nerr := d.Nack(false, false); nerr != nil {
			log.Error("nack failed", "error", nerr)
		}
		return
	}

	log.Info("job done", "knowledge_ids", out.KnowledgeIDs, "chunks", out.Chunks, "elapsed", took)
	c.observe(job.Type, "ok", took)
	if err := d.Ack(false); err != nil {
		log.Error("ack failed", "error", err)
	}
}

func (c *Consumer) observe(t JobType, outcome string, took time.Duration) {
	if c.metrics != nil {
		c.metrics.ObserveJob(t, outcome, took)
	}
}
