// Package notify fans thread events out to participants through pluggable
// channel providers. Delivery is best-effort per recipient, debounced per
// (thread, user) and made idempotent with a delivery ledger so a retried
// event does not repeat channels that already succeeded.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"threadline/api/internal/store"
)

type Channel string

const (
	ChannelInApp Channel = "in_app"
	ChannelPush  Channel = "push"
	ChannelEmail Channel = "email"
)

type Event string

const (
	EventNewMessage     Event = "new_message"
	EventMention        Event = "mention"
	EventThreadResolved Event = "thread_resolved"
	EventThreadArchived Event = "thread_archived"
)

// Payload is what every channel receives for one recipient.
type Payload struct {
	Event       Event          `json:"event"`
	ThreadID    string         `json:"threadId"`
	ThreadTitle string         `json:"threadTitle"`
	MessageID   string         `json:"messageId,omitempty"`
	ActorID     string         `json:"actorId,omitempty"`
	Title       string         `json:"title"`
	Body        string         `json:"body"`
	Priority    store.Priority `json:"priority"`
	Data        map[string]any `json:"data,omitempty"`
}

// HighPriority reports whether the payload warrants interrupting channels.
func (p Payload) HighPriority() bool {
	return p.Priority == store.PriorityHigh || p.Priority == store.PriorityUrgent
}

type Provider interface {
	Channel() Channel
	Trigger(ctx context.Context, userID string, payload Payload) error
}

// Filter is implemented by providers that only take some payloads.
type Filter interface {
	Accepts(payload Payload) bool
}

// ErrUnreachable means the recipient has no address on the channel. It is
// not retried.
var ErrUnreachable = errors.New("recipient unreachable on channel")

type Debouncer interface {
	ShouldSuppress(ctx context.Context, key string) (bool, error)
	MarkSent(ctx context.Context, key string) error
}

type Ledger interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// Store is the read side the dispatcher needs to resolve recipients.
type Store interface {
	FindThreadByID(ctx context.Context, threadID string) (store.Thread, error)
	FindMessageByID(ctx context.Context, messageID string) (store.Message, error)
}

type Failure struct {
	UserID  string
	Channel Channel
	Err     error
}

// Report summarises one fan-out. Recipients lists everyone targeted after
// exclusions; Delivered the subset every accepting channel reached.
type Report struct {
	Recipients []string
	Delivered  []string
	Suppressed []string
	Duplicates []string
	Failed     []Failure
}

// Err joins the per-recipient failures so a queue consumer can retry.
func (r Report) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failed))
	for _, f := range r.Failed {
		errs = append(errs, fmt.Errorf("%s via %s: %w", f.UserID, f.Channel, f.Err))
	}
	return errors.Join(errs...)
}

func debounceKey(threadID, userID string) string {
	return threadID + ":" + userID
}

func ledgerKey(event Event, userID, subject string, channel Channel) string {
	return strings.Join([]string{string(event), userID, subject, string(channel)}, "|")
}
