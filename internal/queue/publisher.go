package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/markdave123-py/contexta/internal/core"
)

// Publisher sends jobs to a durable queue. The connection is dialed on first
// use, cached, and dropped after any failure so the next publish redials.
type Publisher struct {
	url    string
	queue  string
	logger *slog.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	declared map[string]bool
}

func NewPublisher(url, queue string, logger *slog.Logger) *Publisher {
	return &Publisher{
		url:    url,
		queue:  queue,
		logger: logger.With("component", "publisher", "queue", queue),
	}
}

// Publish enqueues job on the job queue. It fails fast with
// ErrQueueUnavailable when the broker cannot be reached.
func (p *Publisher) Publish(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if err := p.PublishRaw(ctx, p.queue, body); err != nil {
		return err
	}
	p.logger.Info("job published", "type", job.Type)
	return nil
}

// PublishRaw sends a JSON body to any durable queue.
func (p *Publisher) PublishRaw(ctx context.Context, queue string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel(queue)
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		p.reset()
		return fmt.Errorf("publish to %s: %w", queue, errors.Join(core.ErrQueueUnavailable, err))
	}
	return nil
}

// channel returns the cached channel, dialing and declaring queue as
// needed. The caller holds p.mu.
func (p *Publisher) channel(queue string) (*amqp.Channel, error) {
	if p.ch == nil || p.ch.IsClosed() || p.conn == nil || p.conn.IsClosed() {
		p.reset()
		conn, err := amqp.DialConfig(p.url, amqp.Config{Dial: amqp.DefaultDial(5 * time.Second)})
		if err != nil {
			return nil, fmt.Errorf("dial broker: %w", errors.Join(core.ErrQueueUnavailable, err))
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("open channel: %w", errors.Join(core.ErrQueueUnavailable, err))
		}
		p.conn, p.ch = conn, ch
		p.declared = make(map[string]bool)
	}
	if !p.declared[queue] {
		if _, err := declare(p.ch, queue); err != nil {
			p.reset()
			return nil, fmt.Errorf("declare %s: %w", queue, errors.Join(core.ErrQueueUnavailable, err))
		}
		p.declared[queue] = true
	}
	return p.ch, nil
}

func (p *Publisher) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.ch, p.conn, p.declared = nil, nil, nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
	return nil
}

func declare(ch *amqp.Channel, queue string) (amqp.Queue, error) {
	return ch.QueueDeclare(queue, true, false, false, false, nil)
}
