package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"unicode/utf8"

	"go.uber.org/zap"

	"threadline/api/internal/dedupe"
	"threadline/api/internal/logging"
	"threadline/api/internal/metrics"
	"threadline/api/internal/store"
)

const bodyPreviewRunes = 140

type Options struct {
	Debouncer Debouncer
	Ledger    Ledger
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

type Dispatcher struct {
	store     Store
	providers []Provider
	debouncer Debouncer
	ledger    Ledger
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// NewDispatcher wires providers behind the shared debounce and ledger stores.
// Missing stores fall back to one in-process dedupe.MemoryStore.
func NewDispatcher(st Store, providers []Provider, opts Options) *Dispatcher {
	if opts.Debouncer == nil || opts.Ledger == nil {
		local := dedupe.NewMemoryStore(dedupe.Options{})
		if opts.Debouncer == nil {
			opts.Debouncer = local
		}
		if opts.Ledger == nil {
			opts.Ledger = local
		}
	}
	return &Dispatcher{
		store:     st,
		providers: providers,
		debouncer: opts.Debouncer,
		ledger:    opts.Ledger,
		logger:    logging.OrNop(opts.Logger).Named("notify"),
		metrics:   opts.Metrics,
	}
}

type fanout struct {
	event    Event
	thread   store.Thread
	subject  string
	payload  Payload
	debounce bool
}

// NotifyNewMessage reaches every visible participant except the sender and
// the users the message mentions, who get a mention notification instead.
func (d *Dispatcher) NotifyNewMessage(ctx context.Context, threadID, messageID, senderID string) (Report, error) {
	thread, err := d.store.FindThreadByID(ctx, threadID)
	if err != nil {
		return Report{}, fmt.Errorf("load thread: %w", err)
	}
	msg, err := d.store.FindMessageByID(ctx, messageID)
	if err != nil {
		return Report{}, fmt.Errorf("load message: %w", err)
	}
	if msg.IsDeleted {
		return Report{}, nil
	}

	exclude := map[string]bool{senderID: true}
	for _, id := range msg.MentionedUserIDs() {
		exclude[id] = true
	}
	recipients := make([]string, 0, len(thread.Participants))
	for _, p := range thread.VisibleParticipants() {
		if !exclude[p.UserID] {
			recipients = append(recipients, p.UserID)
		}
	}

	title := "New message in " + thread.Title
	if msg.ReplyTo != nil {
		title = "New reply in " + thread.Title
	}
	return d.fanOut(ctx, fanout{
		event:    EventNewMessage,
		thread:   thread,
		subject:  msg.ID,
		debounce: true,
		payload: Payload{
			Event:     EventNewMessage,
			MessageID: msg.ID,
			ActorID:   senderID,
			Title:     title,
			Body:      preview(msg.Content.Text),
			Priority:  messagePriority(thread.Priority),
		},
	}, recipients), nil
}

// NotifyMention sends a single high-priority notification. Self mentions and
// mentions of users who do not visibly participate are dropped.
func (d *Dispatcher) NotifyMention(ctx context.Context, threadID, messageID, mentionedUserID, senderID string) (Report, error) {
	if mentionedUserID == "" || mentionedUserID == senderID {
		return Report{}, nil
	}
	thread, err := d.store.FindThreadByID(ctx, threadID)
	if err != nil {
		return Report{}, fmt.Errorf("load thread: %w", err)
	}
	if !thread.IsVisibleParticipant(mentionedUserID) {
		return Report{}, nil
	}
	msg, err := d.store.FindMessageByID(ctx, messageID)
	if err != nil {
		return Report{}, fmt.Errorf("load message: %w", err)
	}
	if msg.IsDeleted {
		return Report{}, nil
	}

	return d.fanOut(ctx, fanout{
		event:    EventMention,
		thread:   thread,
		subject:  msg.ID,
		debounce: true,
		payload: Payload{
			Event:     EventMention,
			MessageID: msg.ID,
			ActorID:   senderID,
			Title:     "You were mentioned in " + thread.Title,
			Body:      preview(msg.Content.Text),
			Priority:  store.PriorityHigh,
		},
	}, []string{mentionedUserID}), nil
}

// NotifyThreadResolved reaches every visible participant except the actor.
func (d *Dispatcher) NotifyThreadResolved(ctx context.Context, threadID, actorID string) (Report, error) {
	thread, err := d.store.FindThreadByID(ctx, threadID)
	if err != nil {
		return Report{}, fmt.Errorf("load thread: %w", err)
	}
	recipients := make([]string, 0, len(thread.Participants))
	for _, p := range thread.VisibleParticipants() {
		if p.UserID != actorID {
			recipients = append(recipients, p.UserID)
		}
	}
	subject := thread.ID
	if thread.ResolvedAt != nil {
		subject += "@" + strconv.FormatInt(thread.ResolvedAt.UnixMilli(), 10)
	}
	return d.fanOut(ctx, fanout{
		event:   EventThreadResolved,
		thread:  thread,
		subject: subject,
		payload: Payload{
			Event:    EventThreadResolved,
			ActorID:  actorID,
			Title:    "Thread resolved: " + thread.Title,
			Body:     preview(thread.ResolutionNotes),
			Priority: store.PriorityNormal,
		},
	}, recipients), nil
}

// NotifyThreadArchived reaches every visible participant.
func (d *Dispatcher) NotifyThreadArchived(ctx context.Context, threadID string) (Report, error) {
	thread, err := d.store.FindThreadByID(ctx, threadID)
	if err != nil {
		return Report{}, fmt.Errorf("load thread: %w", err)
	}
	recipients := make([]string, 0, len(thread.Participants))
	for _, p := range thread.VisibleParticipants() {
		recipients = append(recipients, p.UserID)
	}
	subject := thread.ID
	if thread.ArchivedAt != nil {
		subject += "@" + strconv.FormatInt(thread.ArchivedAt.UnixMilli(), 10)
	}
	body := "This thread was archived."
	if thread.ArchivedBy == store.SenderSystem {
		body = "This thread was archived after a period of inactivity."
	}
	return d.fanOut(ctx, fanout{
		event:   EventThreadArchived,
		thread:  thread,
		subject: subject,
		payload: Payload{
			Event:    EventThreadArchived,
			ActorID:  thread.ArchivedBy,
			Title:    "Thread archived: " + thread.Title,
			Body:     body,
			Priority: store.PriorityLow,
		},
	}, recipients), nil
}

func (d *Dispatcher) fanOut(ctx context.Context, f fanout, recipients []string) Report {
	f.payload.ThreadID = f.thread.ID
	f.payload.ThreadTitle = f.thread.Title
	report := Report{Recipients: recipients}

	for _, userID := range recipients {
		if f.debounce {
			suppressed, err := d.debouncer.ShouldSuppress(ctx, debounceKey(f.thread.ID, userID))
			if err != nil {
				d.logger.Warn("notification_debounce_check_failed",
					zap.String("thread_id", f.thread.ID),
					zap.String("user_id", userID),
					zap.Error(err),
				)
			}
			if suppressed {
				report.Suppressed = append(report.Suppressed, userID)
				d.metrics.Notification(string(f.event), "any", "suppressed")
				continue
			}
		}

		failed, duplicate := d.deliver(ctx, f, userID, &report)
		switch {
		case failed:
			// No debounce mark: a retry must still reach the failed channels.
		case duplicate:
			report.Duplicates = append(report.Duplicates, userID)
		default:
			report.Delivered = append(report.Delivered, userID)
			if f.debounce {
				if err := d.debouncer.MarkSent(ctx, debounceKey(f.thread.ID, userID)); err != nil {
					d.logger.Warn("notification_debounce_mark_failed",
						zap.String("thread_id", f.thread.ID),
						zap.String("user_id", userID),
						zap.Error(err),
					)
				}
			}
		}
	}

	if len(report.Failed) > 0 {
		d.logger.Warn("notification_fanout_partial",
			zap.String("event", string(f.event)),
			zap.String("thread_id", f.thread.ID),
			zap.Int("recipients", len(recipients)),
			zap.Int("failed", len(report.Failed)),
		)
	}
	return report
}

// deliver pushes one recipient through every accepting channel. duplicate is
// true when every channel had already been delivered by an earlier attempt.
func (d *Dispatcher) deliver(ctx context.Context, f fanout, userID string, report *Report) (failed, duplicate bool) {
	attempted, skipped := 0, 0
	for _, provider := range d.providers {
		if filter, ok := provider.(Filter); ok && !filter.Accepts(f.payload) {
			continue
		}
		attempted++
		channel := provider.Channel()
		key := ledgerKey(f.event, userID, f.subject, channel)

		claimed, err := d.ledger.Claim(ctx, key)
		if err != nil {
			// Ledger errors fail open.
			d.logger.Warn("notification_ledger_unavailable", zap.String("key", key), zap.Error(err))
			claimed = true
		}
		if !claimed {
			skipped++
			d.metrics.Notification(string(f.event), string(channel), "duplicate")
			continue
		}

		err = provider.Trigger(ctx, userID, f.payload)
		switch {
		case err == nil:
			d.metrics.Notification(string(f.event), string(channel), "delivered")
		case errors.Is(err, ErrUnreachable):
			d.metrics.Notification(string(f.event), string(channel), "unreachable")
		default:
			failed = true
			report.Failed = append(report.Failed, Failure{UserID: userID, Channel: channel, Err: err})
			d.metrics.Notification(string(f.event), string(channel), "failed")
			d.logger.Warn("notification_delivery_failed",
				zap.String("event", string(f.event)),
				zap.String("thread_id", f.thread.ID),
				zap.String("user_id", userID),
				zap.String("channel", string(channel)),
				zap.Error(err),
			)
			if releaseErr := d.ledger.Release(ctx, key); releaseErr != nil {
				d.logger.Warn("notification_ledger_release_failed", zap.String("key", key), zap.Error(releaseErr))
			}
		}
	}
	return failed, attempted > 0 && skipped == attempted
}

func messagePriority(threadPriority store.Priority) store.Priority {
	if threadPriority == store.PriorityUrgent {
		return store.PriorityHigh
	}
	return store.PriorityNormal
}

func preview(text string) string {
	if utf8.RuneCountInString(text) <= bodyPreviewRunes {
		return text
	}
	runes := []rune(text)
	return string(runes[:bodyPreviewRunes-1]) + "…"
}
