package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Event reports the end of a job.
type Event struct {
	Event        string    `json:"event"` // job.completed | job.failed
	JobType      JobType   `json:"jobType"`
	KnowledgeIDs []int64   `json:"knowledgeIds,omitempty"`
	Chunks       int       `json:"chunks"`
	Error        string    `json:"error,omitempty"`
	DurationMS   int64     `json:"durationMs"`
	At           time.Time `json:"at"`
}

const (
	EventCompleted = "job.completed"
	EventFailed    = "job.failed"
)

func newEvent(job Job, out Outcome, err error, took time.Duration) Event {
	ev := Event{
		Event:        EventCompleted,
		JobType:      job.Type,
		KnowledgeIDs: out.KnowledgeIDs,
		Chunks:       out.Chunks,
		DurationMS:   took.Milliseconds(),
		At:           time.Now().UTC(),
	}
	if err != nil {
		ev.Event = EventFailed
		ev.Error = err.Error()
	}
	return ev
}

type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// LogNotifier only logs events.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "notifier")}
}

func (n *LogNotifier) Notify(_ context.Context, ev Event) {
	n.logger.Info("job event", "event", ev.Event, "type", ev.JobType, "knowledge_ids", ev.KnowledgeIDs, "chunks", ev.Chunks, "duration_ms", ev.DurationMS)
}

// QueueNotifier publishes events to an events queue. Publishing failures are
// logged and otherwise ignored.
type QueueNotifier struct {
	publisher *Publisher
	queue     string
	logger    *slog.Logger
}

func NewQueueNotifier(p *Publisher, queue string, logger *slog.Logger) *QueueNotifier {
	return &QueueNotifier{publisher: p, queue: queue, logger: logger.With("component", "notifier", "queue", queue)}
}

func (n *QueueNotifier) Notify(ctx context.Context, ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		n.logger.Warn("event not encoded", "error", err)
		return
	}
	if err := n.publisher.PublishRaw(ctx, n.queue, body); err != nil {
		n.logger.Warn("event not published", "event", ev.Event, "type", ev.JobType, "error", err)
	}
}
