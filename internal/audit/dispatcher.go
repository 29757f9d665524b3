package audit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/inbox-sentinel/internal/store"
)

const (
	dispatchBatch = 100
	baseBackoff   = 10 * time.Second
	maxBackoff    = 10 * time.Minute
)

// Publisher delivers one message with broker-side de-duplication on msgID.
type Publisher interface {
	Publish(subject string, payload []byte, msgID string) error
}

// Queue is the outbox as seen by the dispatcher.
type Queue interface {
	DequeueOutbox(ctx context.Context, limit int) ([]store.OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
}

// Dispatcher relays outbox entries to the publisher
type Dispatcher struct {
	queue     Queue
	publisher Publisher
	log       *logrus.Logger

	// Idle is how long Run waits when the outbox is empty.
	Idle time.Duration
}

// NewDispatcher creates an outbox dispatcher.
func NewDispatcher(queue Queue, publisher Publisher, log *logrus.Logger) *Dispatcher {
	return &Dispatcher{queue: queue, publisher: publisher, log: log, Idle: 500 * time.Millisecond}
}

// Run dispatches until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		n, err := d.DispatchOnce(ctx)
		if err != nil {
			d.log.WithError(err).Error("failed to dequeue audit outbox")
		}

		wait := time.Duration(0)
		if err != nil {
			wait = time.Second
		} else if n == 0 {
			wait = d.Idle
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// DispatchOnce publishes one batch of due entries and returns how many
// were dequeued. Failed entries are rescheduled with exponential backoff.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	messages, err := d.queue.DequeueOutbox(ctx, dispatchBatch)
	if err != nil {
		return 0, err
	}

	for _, msg := range messages {
		log := d.log.WithFields(logrus.Fields{"outbox_id": msg.ID, "subject": msg.Subject})

		if err := d.publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
			backoff := Backoff(msg.Retries)
			log.WithError(err).WithField("retry_in", backoff).Warn("failed to publish audit event")
			if err := d.queue.MarkOutboxRetry(ctx, msg.ID, backoff); err != nil {
				log.WithError(err).Error("failed to reschedule audit event")
			}
			continue
		}

		if err := d.queue.MarkPublished(ctx, msg.ID); err != nil {
			log.WithError(err).Error("failed to mark audit event published")
		}
	}
	return len(messages), nil
}

// Backoff returns the retry delay after retries failed attempts.
func Backoff(retries int) time.Duration {
	b := baseBackoff
	for i := 0; i < retries; i++ {
		b *= 2
		if b >= maxBackoff {
			return maxBackoff
		}
	}
	return b
}
