// Package events carries domain events from the write path to the handlers
// that react to them (membership changes, notifications).
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"threadline/api/internal/logging"
	"threadline/api/internal/util"
)

type Type string

const (
	MessageSent     Type = "message.sent"
	MessageEdited   Type = "message.edited"
	MentionAccepted Type = "mention.accepted"
	ThreadResolved  Type = "thread.resolved"
	ThreadArchived  Type = "thread.archived"
)

var Types = []Type{MessageSent, MessageEdited, MentionAccepted, ThreadResolved, ThreadArchived}

type Event struct {
	ID        string `json:"id"`
	Type      Type   `json:"type"`
	ThreadID  string `json:"threadId"`
	MessageID string `json:"messageId,omitempty"`
	ActorID   string `json:"actorId"`
	// Mentions holds every user mentioned by the message; NewMentions the
	// subset that was not mentioned before an edit.
	Mentions    []string  `json:"mentions,omitempty"`
	NewMentions []string  `json:"newMentions,omitempty"`
	OccurredAt  time.Time `json:"occurredAt"`
}

func New(eventType Type, threadID, messageID, actorID string) Event {
	return Event{
		ID:         util.NewID("evt"),
		Type:       eventType,
		ThreadID:   threadID,
		MessageID:  messageID,
		ActorID:    actorID,
		OccurredAt: time.Now().UTC(),
	}
}

type Handler func(ctx context.Context, event Event) error

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Bus is a Publisher handlers can subscribe to. Subscriptions are made before
// the bus starts delivering.
type Bus interface {
	Publisher
	Subscribe(eventType Type, name string, handler Handler)
}

type subscription struct {
	eventType Type
	name      string
	handler   Handler
}

// SyncBus runs handlers inline on the publishing goroutine. It backs tests and
// one-shot CLI commands.
type SyncBus struct {
	mu     sync.RWMutex
	subs   []subscription
	logger *zap.Logger
}

func NewSyncBus(logger *zap.Logger) *SyncBus {
	return &SyncBus{logger: logging.OrNop(logger)}
}

func (b *SyncBus) Subscribe(eventType Type, name string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{eventType: eventType, name: name, handler: handler})
}

// Publish runs every matching handler and joins their errors. A failing
// handler does not stop the others.
func (b *SyncBus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	subs := make([]subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.eventType == event.Type {
			subs = append(subs, sub)
		}
	}
	b.mu.RUnlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.handler(ctx, event); err != nil {
			b.logger.Warn("event_handler_failed",
				zap.String("handler", sub.name),
				zap.String("event_type", string(event.Type)),
				zap.String("event_id", event.ID),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", sub.name, err))
		}
	}
	return errors.Join(errs...)
}
