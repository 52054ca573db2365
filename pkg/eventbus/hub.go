// Package eventbus fans run events out to live subscribers over watermill.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/aether/pkg/events"
)

const (
	queueSize      = 1024
	subscriberSize = 256
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("event hub closed")

// Hub publishes run event envelopes and lets callers follow a single run.
// Publish never blocks the caller: envelopes are queued and sent by one goroutine,
// and a full queue drops the envelope with a warning.
type Hub struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	logger     *slog.Logger

	queue     chan events.Envelope
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewHub starts the publishing goroutine.
func NewHub(pub message.Publisher, sub message.Subscriber, logger *slog.Logger) *Hub {
	h := &Hub{
		publisher:  pub,
		subscriber: sub,
		logger:     logger.With("module", "eventbus"),
		queue:      make(chan events.Envelope, queueSize),
		done:       make(chan struct{}),
	}

	go h.loop()

	return h
}

// Publish queues env for delivery.
func (h *Hub) Publish(ctx context.Context, env events.Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return
	}

	select {
	case h.queue <- env:
	default:
		h.logger.WarnContext(ctx, "event queue full, dropping event",
			"run_id", env.RunID, "event_type", env.Event.Type)
	}
}

func (h *Hub) loop() {
	defer close(h.done)

	for env := range h.queue {
		payload, err := json.Marshal(env)
		if err != nil {
			h.logger.Error("failed to encode event", "run_id", env.RunID, "error", err)

			continue
		}

		msg := message.NewMessage(watermill.NewUUID(), payload)
		msg.Metadata.Set(events.EventMetadataKey, env.RunID)
		msg.Metadata.Set(events.RunIDMetadataKey, env.RunID)
		msg.Metadata.Set(events.EventTypeMetadataKey, env.Event.Type)

		if err := h.publisher.Publish(events.Topic, msg); err != nil {
			h.logger.Warn("failed to publish event", "run_id", env.RunID, "event_type", env.Event.Type, "error", err)
		}
	}
}

// Subscribe streams the envelopes of runID until ctx ends. A subscriber that falls behind
// loses envelopes rather than stalling delivery to others.
func (h *Hub) Subscribe(ctx context.Context, runID string) (<-chan events.Envelope, error) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()

	if closed {
		return nil, ErrClosed
	}

	messages, err := h.subscriber.Subscribe(ctx, events.Topic)
	if err != nil {
		return nil, err
	}

	out := make(chan events.Envelope, subscriberSize)

	go func() {
		defer close(out)

		for msg := range messages {
			if msg.Metadata.Get(events.RunIDMetadataKey) != runID {
				msg.Ack()

				continue
			}

			var env events.Envelope
			if err := json.Unmarshal(msg.Payload, &env); err != nil {
				h.logger.WarnContext(ctx, "failed to decode event", "run_id", runID, "error", err)
				msg.Ack()

				continue
			}

			select {
			case out <- env:
			default:
				h.logger.WarnContext(ctx, "subscriber behind, dropping event",
					"run_id", runID, "event_type", env.Event.Type)
			}

			msg.Ack()
		}
	}()

	return out, nil
}

// Close flushes queued envelopes and closes the pub/sub.
func (h *Hub) Close() error {
	var err error

	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.queue)
		h.mu.Unlock()

		<-h.done

		err = errors.Join(h.publisher.Close(), h.subscriber.Close())
	})

	return err
}
