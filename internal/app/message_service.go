package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"threadline/api/internal/attachment"
	"threadline/api/internal/events"
	"threadline/api/internal/linkpreview"
	"threadline/api/internal/logging"
	"threadline/api/internal/metrics"
	"threadline/api/internal/rbac"
	"threadline/api/internal/store"
	"threadline/api/internal/util"
)

// Uploader stores attachment bytes. *attachment.Service implements it.
type Uploader interface {
	Upload(ctx context.Context, d attachment.Descriptor) (store.Attachment, error)
}

// Previewer builds a link preview. *linkpreview.Fetcher implements it.
type Previewer interface {
	Fetch(ctx context.Context, rawURL string) (store.LinkPreview, error)
}

type SendMessageInput struct {
	Content      store.MessageContent `json:"content"`
	Attachments  []store.Attachment   `json:"attachments"`
	LinkPreviews []store.LinkPreview  `json:"linkPreviews"`
}

type MessageServiceOptions struct {
	Uploader  Uploader
	Previewer Previewer
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// MessageService owns the message tree: sends, replies, edits, deletes and
// read receipts.
type MessageService struct {
	store     Store
	events    events.Publisher
	uploader  Uploader
	previewer Previewer
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewMessageService(st Store, publisher events.Publisher, opts MessageServiceOptions) *MessageService {
	return &MessageService{
		store:     st,
		events:    publisher,
		uploader:  opts.Uploader,
		previewer: opts.Previewer,
		logger:    logging.OrNop(opts.Logger).Named("messages"),
		metrics:   opts.Metrics,
		now:       time.Now,
	}
}

// SendMessage posts a root message.
func (s *MessageService) SendMessage(ctx context.Context, actor Actor, threadID string, input SendMessageInput) (store.Message, error) {
	thread, err := s.loadThread(ctx, threadID)
	if err != nil {
		return store.Message{}, err
	}
	if err := s.authorizeWrite(actor, thread); err != nil {
		return store.Message{}, err
	}
	msg, err := s.buildMessage(ctx, actor, thread, input)
	if err != nil {
		return store.Message{}, err
	}
	msg.ThreadPath = []string{}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return store.Message{}, fmt.Errorf("create message: %w", err)
	}
	if err := s.refreshStats(ctx, thread.ID, true); err != nil {
		s.logger.Warn("thread_stats_refresh_failed", zap.String("thread_id", thread.ID), zap.Error(err))
	}
	s.metrics.MessageSent("root")
	s.logger.Info("message_sent",
		zap.String("thread_id", thread.ID),
		zap.String("message_id", msg.ID),
		zap.String("sender", actor.UserID),
		zap.Int("mentions", len(msg.Mentions)),
	)
	s.publishSent(ctx, msg)
	return msg, nil
}

// SendReply answers parentID. A parent already at the maximum depth is
// rejected; nothing is ever flattened on the write path.
func (s *MessageService) SendReply(ctx context.Context, actor Actor, parentID string, input SendMessageInput) (store.Message, error) {
	parent, err := s.store.FindMessageByID(ctx, parentID)
	if err != nil {
		return store.Message{}, notFoundOr(err, "message")
	}
	if parent.ThreadDepth >= store.MaxThreadDepth {
		return store.Message{}, validationError("max reply depth reached", map[string]any{
			"maxDepth":    store.MaxThreadDepth,
			"parentDepth": parent.ThreadDepth,
		})
	}
	if parent.IsDeleted {
		return store.Message{}, conflictError("cannot reply to a deleted message", nil)
	}
	thread, err := s.loadThread(ctx, parent.ThreadID)
	if err != nil {
		return store.Message{}, err
	}
	if err := s.authorizeWrite(actor, thread); err != nil {
		return store.Message{}, err
	}
	msg, err := s.buildMessage(ctx, actor, thread, input)
	if err != nil {
		return store.Message{}, err
	}

	root := parent.ID
	if parent.RootMessageID != nil {
		root = *parent.RootMessageID
	}
	replyTo := parent.ID
	msg.ReplyTo = &replyTo
	msg.RootMessageID = &root
	msg.ThreadDepth = min(parent.ThreadDepth+1, store.MaxThreadDepth)
	msg.ThreadPath = append(slices.Clone(parent.ThreadPath), parent.ID)

	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return store.Message{}, fmt.Errorf("create message: %w", err)
	}
	if err := s.recountAncestors(ctx, msg.ThreadPath); err != nil {
		s.logger.Warn("reply_counts_refresh_failed", zap.String("message_id", msg.ID), zap.Error(err))
	}
	if err := s.refreshStats(ctx, thread.ID, true); err != nil {
		s.logger.Warn("thread_stats_refresh_failed", zap.String("thread_id", thread.ID), zap.Error(err))
	}
	s.metrics.MessageSent("reply")
	s.logger.Info("reply_sent",
		zap.String("thread_id", thread.ID),
		zap.String("message_id", msg.ID),
		zap.String("reply_to", parent.ID),
		zap.Int("depth", msg.ThreadDepth),
		zap.String("sender", actor.UserID),
	)
	s.publishSent(ctx, msg)
	return msg, nil
}

func (s *MessageService) publishSent(ctx context.Context, msg store.Message) {
	event := events.New(events.MessageSent, msg.ThreadID, msg.ID, msg.Sender)
	event.Mentions = msg.MentionedUserIDs()
	publish(ctx, s.events, s.logger, event)
}

// authorizeWrite gates both sends and replies: the thread must be open and
// the actor a visible participant allowed to reply.
func (s *MessageService) authorizeWrite(actor Actor, thread store.Thread) error {
	if thread.Status == store.ThreadArchived {
		return conflictError("cannot post to an archived thread", map[string]any{"status": thread.Status})
	}
	if !thread.IsVisibleParticipant(actor.UserID) && !actor.IsAdmin() {
		return forbiddenError("not a participant of this thread")
	}
	return requirePermission(actor, thread, rbac.ActionReply)
}

func (s *MessageService) buildMessage(ctx context.Context, actor Actor, thread store.Thread, input SendMessageInput) (store.Message, error) {
	content, err := normalizeContent(input.Content, len(input.Attachments) > 0)
	if err != nil {
		return store.Message{}, err
	}
	mentions, err := s.resolveMentions(ctx, thread.ID, content.Text)
	if err != nil {
		return store.Message{}, err
	}
	previews := input.LinkPreviews
	if len(previews) == 0 {
		previews = s.autoPreview(ctx, content.Text)
	}
	now := s.now().UTC()
	return store.Message{
		ID:           util.NewID("msg"),
		ThreadID:     thread.ID,
		Sender:       actor.UserID,
		SenderType:   store.SenderUser,
		Content:      content,
		Attachments:  input.Attachments,
		LinkPreviews: previews,
		Mentions:     mentions,
		ReadBy:       []store.ReadReceipt{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func normalizeContent(content store.MessageContent, hasAttachments bool) (store.MessageContent, error) {
	if content.Type == "" {
		content.Type = store.ContentText
	}
	switch content.Type {
	case store.ContentText, store.ContentMarkdown, store.ContentFile:
	case store.ContentSystem:
		return content, validationError("system messages cannot be posted", map[string]any{"type": content.Type})
	default:
		return content, validationError("unknown content type", map[string]any{"type": content.Type})
	}
	if strings.TrimSpace(content.Text) == "" && !hasAttachments {
		return content, validationError("message content is required", map[string]any{"content.text": "required"})
	}
	return content, nil
}

// resolveMentions turns parsed tokens into user records. Explicit tokens are
// looked up by id, bare ones by username; unknown users are dropped.
func (s *MessageService) resolveMentions(ctx context.Context, threadID, text string) ([]store.Mention, error) {
	parsed := ParseMentions(text)
	explicit := make([]store.Mention, 0, len(parsed.Explicit))
	for _, m := range parsed.Explicit {
		user, err := s.store.FindUserByID(ctx, m.UserID)
		if errors.Is(err, store.ErrNotFound) {
			s.logger.Debug("mention_unresolved", zap.String("thread_id", threadID), zap.String("user_id", m.UserID))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve mention: %w", err)
		}
		explicit = append(explicit, store.Mention{UserID: user.ID, Username: user.Username, DisplayName: firstNonEmpty(m.DisplayName, user.DisplayName)})
	}
	bare := make([]store.Mention, 0, len(parsed.Bare))
	for _, username := range parsed.Bare {
		user, err := s.store.FindUserByUsername(ctx, username)
		if errors.Is(err, store.ErrNotFound) {
			s.logger.Debug("mention_unresolved", zap.String("thread_id", threadID), zap.String("username", username))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve mention: %w", err)
		}
		bare = append(bare, store.Mention{UserID: user.ID, Username: user.Username, DisplayName: user.DisplayName})
	}
	return mergeMentions(explicit, bare), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// autoPreview fetches a preview for the first URL in text. Failures only log.
func (s *MessageService) autoPreview(ctx context.Context, text string) []store.LinkPreview {
	if s.previewer == nil {
		return nil
	}
	url := linkpreview.FirstURL(text)
	if url == "" {
		return nil
	}
	preview, err := s.previewer.Fetch(ctx, url)
	if err != nil {
		s.logger.Debug("link_preview_failed", zap.String("url", url), zap.Error(err))
		return nil
	}
	return []store.LinkPreview{preview}
}

// EditMessage replaces the content and keeps the old one in editHistory.
// Only the sender may edit.
func (s *MessageService) EditMessage(ctx context.Context, actor Actor, messageID string, content store.MessageContent) (store.Message, error) {
	msg, err := s.store.FindMessageByID(ctx, messageID)
	if err != nil {
		return store.Message{}, notFoundOr(err, "message")
	}
	if msg.IsDeleted {
		return store.Message{}, conflictError("cannot edit a deleted message", nil)
	}
	if msg.Sender != actor.UserID {
		return store.Message{}, forbiddenError("only the sender can edit this message")
	}
	thread, err := s.loadThread(ctx, msg.ThreadID)
	if err != nil {
		return store.Message{}, err
	}
	if err := ensureMutable(thread); err != nil {
		return store.Message{}, err
	}
	if content.Type == "" {
		content.Type = msg.Content.Type
	}
	content, err = normalizeContent(content, len(msg.Attachments) > 0)
	if err != nil {
		return store.Message{}, err
	}
	mentions, err := s.resolveMentions(ctx, thread.ID, content.Text)
	if err != nil {
		return store.Message{}, err
	}

	now := s.now().UTC()
	previous := msg.Mentions
	msg.EditHistory = append(msg.EditHistory, store.EditEntry{
		Content:  msg.Content,
		EditedAt: now,
		EditedBy: actor.UserID,
	})
	msg.Content = content
	msg.Mentions = mentions
	msg.IsEdited = true
	msg.UpdatedAt = now
	if err := s.store.UpdateMessage(ctx, msg); err != nil {
		return store.Message{}, notFoundOr(err, "message")
	}
	s.logger.Info("message_edited",
		zap.String("thread_id", msg.ThreadID),
		zap.String("message_id", msg.ID),
		zap.Int("revision", len(msg.EditHistory)),
	)

	event := events.New(events.MessageEdited, msg.ThreadID, msg.ID, actor.UserID)
	event.Mentions = msg.MentionedUserIDs()
	event.NewMentions = newMentionIDs(previous, mentions)
	publish(ctx, s.events, s.logger, event)
	return msg, nil
}

// DeleteMessage soft-deletes. Replies stay in place under the tombstone.
func (s *MessageService) DeleteMessage(ctx context.Context, actor Actor, messageID string) error {
	msg, err := s.store.FindMessageByID(ctx, messageID)
	if err != nil {
		return notFoundOr(err, "message")
	}
	if msg.IsDeleted {
		return conflictError("message is already deleted", nil)
	}
	if msg.Sender != actor.UserID && !actor.IsAdmin() {
		return forbiddenError("only the sender can delete this message")
	}
	if err := s.store.SoftDeleteMessage(ctx, messageID, actor.UserID, s.now().UTC()); err != nil {
		return notFoundOr(err, "message")
	}
	if err := s.recountAncestors(ctx, msg.ThreadPath); err != nil {
		s.logger.Warn("reply_counts_refresh_failed", zap.String("message_id", msg.ID), zap.Error(err))
	}
	if err := s.refreshStats(ctx, msg.ThreadID, false); err != nil {
		s.logger.Warn("thread_stats_refresh_failed", zap.String("thread_id", msg.ThreadID), zap.Error(err))
	}
	s.logger.Info("message_deleted", zap.String("thread_id", msg.ThreadID), zap.String("message_id", msg.ID), zap.String("deleted_by", actor.UserID))
	return nil
}

// MarkAsRead records a receipt for the actor. Repeated calls are no-ops.
func (s *MessageService) MarkAsRead(ctx context.Context, actor Actor, messageID string) (store.Message, error) {
	msg, err := s.store.FindMessageByID(ctx, messageID)
	if err != nil {
		return store.Message{}, notFoundOr(err, "message")
	}
	thread, err := s.loadThread(ctx, msg.ThreadID)
	if err != nil {
		return store.Message{}, err
	}
	if err := requireViewer(actor, thread); err != nil {
		return store.Message{}, err
	}
	if msg.Sender == actor.UserID || msg.IsReadBy(actor.UserID) || msg.IsDeleted {
		return msg, nil
	}
	msg.ReadBy = append(msg.ReadBy, store.ReadReceipt{UserID: actor.UserID, ReadAt: s.now().UTC()})
	if err := s.store.UpdateMessage(ctx, msg); err != nil {
		return store.Message{}, notFoundOr(err, "message")
	}
	if err := s.refreshStats(ctx, msg.ThreadID, false); err != nil {
		s.logger.Warn("thread_stats_refresh_failed", zap.String("thread_id", msg.ThreadID), zap.Error(err))
	}
	return msg, nil
}

// MarkThreadAsRead marks every unread message in the thread and returns how
// many were marked.
func (s *MessageService) MarkThreadAsRead(ctx context.Context, actor Actor, threadID string) (int, error) {
	thread, err := s.loadThread(ctx, threadID)
	if err != nil {
		return 0, err
	}
	if err := requireViewer(actor, thread); err != nil {
		return 0, err
	}
	marked, err := s.store.MarkThreadRead(ctx, threadID, actor.UserID, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("mark thread read: %w", err)
	}
	if marked > 0 {
		if err := s.refreshStats(ctx, threadID, false); err != nil {
			s.logger.Warn("thread_stats_refresh_failed", zap.String("thread_id", threadID), zap.Error(err))
		}
	}
	return marked, nil
}

// GetUnreadCount counts messages the user neither sent nor read. Outsiders
// get zero.
func (s *MessageService) GetUnreadCount(ctx context.Context, actor Actor, threadID string) (int, error) {
	thread, err := s.loadThread(ctx, threadID)
	if err != nil {
		return 0, err
	}
	if !thread.IsVisibleParticipant(actor.UserID) {
		return 0, nil
	}
	count, err := s.store.CountMessages(ctx, store.MessageQuery{
		ThreadID:  threadID,
		NotSentBy: actor.UserID,
		NotReadBy: actor.UserID,
	})
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

// ListMessages pages a thread oldest first. Deleted messages come back as
// tombstones so reply trees stay intact.
func (s *MessageService) ListMessages(ctx context.Context, actor Actor, threadID string, rootsOnly bool, page store.Page) ([]store.Message, int, error) {
	thread, err := s.loadThread(ctx, threadID)
	if err != nil {
		return nil, 0, err
	}
	if err := requireViewer(actor, thread); err != nil {
		return nil, 0, err
	}
	query := store.MessageQuery{ThreadID: threadID, RootsOnly: rootsOnly, IncludeDeleted: true}
	items, err := s.store.FindMessages(ctx, query, page)
	if err != nil {
		return nil, 0, fmt.Errorf("list messages: %w", err)
	}
	total, err := s.store.CountMessages(ctx, query)
	if err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}
	return tombstone(items), total, nil
}

// GetReplies lists the direct replies to messageID.
func (s *MessageService) GetReplies(ctx context.Context, actor Actor, messageID string, page store.Page) ([]store.Message, int, error) {
	parent, err := s.store.FindMessageByID(ctx, messageID)
	if err != nil {
		return nil, 0, notFoundOr(err, "message")
	}
	thread, err := s.loadThread(ctx, parent.ThreadID)
	if err != nil {
		return nil, 0, err
	}
	if err := requireViewer(actor, thread); err != nil {
		return nil, 0, err
	}
	query := store.MessageQuery{ThreadID: parent.ThreadID, ReplyTo: parent.ID, IncludeDeleted: true}
	items, err := s.store.FindMessages(ctx, query, page)
	if err != nil {
		return nil, 0, fmt.Errorf("list replies: %w", err)
	}
	total, err := s.store.CountMessages(ctx, query)
	if err != nil {
		return nil, 0, fmt.Errorf("count replies: %w", err)
	}
	return tombstone(items), total, nil
}

func tombstone(items []store.Message) []store.Message {
	for i := range items {
		if !items[i].IsDeleted {
			continue
		}
		items[i].Content = store.MessageContent{Type: items[i].Content.Type}
		items[i].Attachments = nil
		items[i].LinkPreviews = nil
		items[i].Mentions = nil
		items[i].EditHistory = nil
	}
	return items
}

// UploadAttachment stores a file for a later send into threadID.
func (s *MessageService) UploadAttachment(ctx context.Context, actor Actor, threadID, fileName string, body io.Reader) (store.Attachment, error) {
	thread, err := s.loadThread(ctx, threadID)
	if err != nil {
		return store.Attachment{}, err
	}
	if err := s.authorizeWrite(actor, thread); err != nil {
		return store.Attachment{}, err
	}
	if s.uploader == nil {
		return store.Attachment{}, unavailableError("attachment storage is not configured")
	}
	att, err := s.uploader.Upload(ctx, attachment.Descriptor{
		ThreadID:   threadID,
		FileName:   fileName,
		UploadedBy: actor.UserID,
		Body:       body,
	})
	switch {
	case err == nil:
	case errors.Is(err, attachment.ErrNoStorage):
		return store.Attachment{}, unavailableError("attachment storage is not configured")
	case errors.Is(err, attachment.ErrEmpty), errors.Is(err, attachment.ErrTooLarge), errors.Is(err, attachment.ErrTypeNotAllowed):
		return store.Attachment{}, validationError(err.Error(), map[string]any{"fileName": fileName})
	default:
		return store.Attachment{}, fmt.Errorf("upload attachment: %w", err)
	}
	s.logger.Info("attachment_uploaded",
		zap.String("thread_id", threadID),
		zap.String("attachment_id", att.ID),
		zap.String("mime_type", att.MimeType),
		zap.Int64("size", att.Size),
	)
	return att, nil
}

// GenerateLinkPreview fetches a preview on demand.
func (s *MessageService) GenerateLinkPreview(ctx context.Context, rawURL string) (store.LinkPreview, error) {
	if s.previewer == nil {
		return store.LinkPreview{}, unavailableError("link previews are disabled")
	}
	preview, err := s.previewer.Fetch(ctx, strings.TrimSpace(rawURL))
	if err != nil {
		if errors.Is(err, linkpreview.ErrUnsupportedURL) || errors.Is(err, linkpreview.ErrBlockedAddress) {
			return store.LinkPreview{}, validationError(err.Error(), map[string]any{"url": rawURL})
		}
		return store.LinkPreview{}, domainError(http.StatusBadGateway, "PREVIEW_FAILED", "could not build a preview", map[string]any{"url": rawURL})
	}
	return preview, nil
}

// recountAncestors rewrites replyCount and totalReplyCount on every message in
// path.
func (s *MessageService) recountAncestors(ctx context.Context, path []string) error {
	return recountAncestors(ctx, s.store, path, s.now)
}

func recountAncestors(ctx context.Context, st Store, path []string, now func() time.Time) error {
	var errs []error
	for _, id := range path {
		ancestor, err := st.FindMessageByID(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("load %s: %w", id, err))
			continue
		}
		direct, err := st.CountMessages(ctx, store.MessageQuery{ThreadID: ancestor.ThreadID, ReplyTo: id})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		total, err := st.CountMessages(ctx, store.MessageQuery{ThreadID: ancestor.ThreadID, AncestorID: id})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ancestor.ReplyCount == direct && ancestor.TotalReplyCount == total {
			continue
		}
		ancestor.ReplyCount = direct
		ancestor.TotalReplyCount = total
		ancestor.UpdatedAt = now().UTC()
		if err := st.UpdateMessage(ctx, ancestor); err != nil {
			errs = append(errs, fmt.Errorf("update %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// refreshStats recomputes the thread's derived counters. touch moves
// lastActivityAt to now.
func (s *MessageService) refreshStats(ctx context.Context, threadID string, touch bool) error {
	thread, err := s.store.FindThreadByID(ctx, threadID)
	if err != nil {
		return err
	}
	messages, err := s.store.CountMessages(ctx, store.MessageQuery{ThreadID: threadID})
	if err != nil {
		return err
	}
	replies, err := s.store.CountMessages(ctx, store.MessageQuery{ThreadID: threadID, RepliesOnly: true})
	if err != nil {
		return err
	}
	unread, err := s.store.CountMessages(ctx, store.MessageQuery{ThreadID: threadID, UnreadOnly: true})
	if err != nil {
		return err
	}
	now := s.now().UTC()
	stats := thread.Stats
	stats.MessageCount = messages
	stats.ReplyCount = replies
	stats.UnreadCount = unread
	stats.ParticipantCount = len(thread.VisibleParticipants())
	if touch {
		stats.LastActivityAt = now
	}
	return s.store.UpdateThreadStats(ctx, threadID, stats, now)
}

func (s *MessageService) loadThread(ctx context.Context, threadID string) (store.Thread, error) {
	thread, err := s.store.FindThreadByID(ctx, threadID)
	if err != nil {
		return store.Thread{}, notFoundOr(err, "thread")
	}
	return thread, nil
}
