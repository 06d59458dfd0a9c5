package app

import (
	"context"
	"errors"
	"slices"

	"go.uber.org/zap"

	"threadline/api/internal/events"
	"threadline/api/internal/logging"
	"threadline/api/internal/notify"
	"threadline/api/internal/store"
)

// Notifier is the fan-out surface the notification handler drives.
// *notify.Dispatcher implements it.
type Notifier interface {
	NotifyNewMessage(ctx context.Context, threadID, messageID, senderID string) (notify.Report, error)
	NotifyMention(ctx context.Context, threadID, messageID, mentionedUserID, senderID string) (notify.Report, error)
	NotifyThreadResolved(ctx context.Context, threadID, actorID string) (notify.Report, error)
	NotifyThreadArchived(ctx context.Context, threadID string) (notify.Report, error)
}

// RegisterHandlers subscribes the membership and notification handlers.
// Membership turns mentions into participants and republishes the accepted
// ones; notification fans every event out to the providers.
func RegisterHandlers(bus events.Bus, participants *ParticipantService, notifier Notifier, logger *zap.Logger) {
	logger = logging.OrNop(logger).Named("handlers")
	m := &membershipHandler{participants: participants, bus: bus, logger: logger}
	bus.Subscribe(events.MessageSent, "membership", m.handle)
	bus.Subscribe(events.MessageEdited, "membership", m.handle)

	if notifier == nil {
		return
	}
	n := &notificationHandler{notifier: notifier, logger: logger}
	bus.Subscribe(events.MessageSent, "notification", n.handle)
	bus.Subscribe(events.MentionAccepted, "notification", n.handle)
	bus.Subscribe(events.ThreadResolved, "notification", n.handle)
	bus.Subscribe(events.ThreadArchived, "notification", n.handle)
}

type membershipHandler struct {
	participants *ParticipantService
	bus          events.Publisher
	logger       *zap.Logger
}

// handle runs membership for every mention on the message, edits included,
// so a user who gained access since the first send is picked up. Only
// mentions new to this event are forwarded for notification.
func (h *membershipHandler) handle(ctx context.Context, event events.Event) error {
	if len(event.Mentions) == 0 {
		return nil
	}
	announce := event.Mentions
	if event.Type == events.MessageEdited {
		announce = event.NewMentions
	}

	accepted := make([]string, 0, len(announce))
	for _, userID := range event.Mentions {
		if userID == event.ActorID {
			continue
		}
		result, err := h.participants.HandleMention(ctx, event.ThreadID, userID, event.ActorID)
		if errors.Is(err, ErrNotFound) {
			h.logger.Info("mention_thread_gone", zap.String("thread_id", event.ThreadID))
			return nil
		}
		if err != nil {
			return err
		}
		if !result.Added && result.Reason != ReasonAlreadyParticipant {
			continue
		}
		if slices.Contains(announce, userID) {
			accepted = append(accepted, userID)
		}
	}
	if len(accepted) == 0 {
		return nil
	}
	next := events.New(events.MentionAccepted, event.ThreadID, event.MessageID, event.ActorID)
	next.Mentions = accepted
	return h.bus.Publish(ctx, next)
}

type notificationHandler struct {
	notifier Notifier
	logger   *zap.Logger
}

// handle returns report failures so the queue redelivers; the ledger keeps
// already delivered channels from firing twice.
func (h *notificationHandler) handle(ctx context.Context, event events.Event) error {
	var (
		report notify.Report
		err    error
	)
	switch event.Type {
	case events.MessageSent:
		report, err = h.notifier.NotifyNewMessage(ctx, event.ThreadID, event.MessageID, event.ActorID)
	case events.MentionAccepted:
		var errs []error
		for _, userID := range event.Mentions {
			r, mentionErr := h.notifier.NotifyMention(ctx, event.ThreadID, event.MessageID, userID, event.ActorID)
			if mentionErr != nil {
				errs = append(errs, mentionErr)
				continue
			}
			if failed := r.Err(); failed != nil {
				errs = append(errs, failed)
			}
		}
		return h.settle(event, errors.Join(errs...))
	case events.ThreadResolved:
		report, err = h.notifier.NotifyThreadResolved(ctx, event.ThreadID, event.ActorID)
	case events.ThreadArchived:
		report, err = h.notifier.NotifyThreadArchived(ctx, event.ThreadID)
	default:
		return nil
	}
	if err != nil {
		return h.settle(event, err)
	}
	h.logger.Debug("notification_fanout",
		zap.String("event_type", string(event.Type)),
		zap.String("thread_id", event.ThreadID),
		zap.Int("recipients", len(report.Recipients)),
		zap.Int("delivered", len(report.Delivered)),
		zap.Int("suppressed", len(report.Suppressed)),
		zap.Int("failed", len(report.Failed)),
	)
	return report.Err()
}

// settle drops errors for threads or messages that no longer exist.
func (h *notificationHandler) settle(event events.Event, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		h.logger.Info("notification_target_gone",
			zap.String("event_type", string(event.Type)),
			zap.String("thread_id", event.ThreadID),
			zap.String("message_id", event.MessageID),
		)
		return nil
	}
	return err
}
