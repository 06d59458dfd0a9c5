package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// sqlFilter accumulates WHERE clauses with positional arguments.
type sqlFilter struct {
	clauses []string
	args    []any
}

func (f *sqlFilter) arg(value any) string {
	f.args = append(f.args, value)
	return fmt.Sprintf("$%d", len(f.args))
}

func (f *sqlFilter) where(clause string) {
	f.clauses = append(f.clauses, clause)
}

func (f *sqlFilter) String() string {
	if len(f.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(f.clauses, " AND ")
}

var threadSortColumns = map[string]string{
	"createdAt":      "created_at",
	"updatedAt":      "updated_at",
	"lastActivityAt": "last_activity_at",
	"title":          "title",
}

var messageSortColumns = map[string]string{
	"createdAt": "created_at",
	"updatedAt": "updated_at",
}

func orderClause(page Page, columns map[string]string, fallback string) string {
	column, ok := columns[page.SortBy]
	if !ok {
		return " ORDER BY " + fallback
	}
	direction := "ASC"
	if page.Desc {
		direction = "DESC"
	}
	return fmt.Sprintf(" ORDER BY %s %s, id ASC", column, direction)
}

const threadColumns = `
	id, type, title, description, reference_id, reference_type, context_metadata,
	participants, created_by, status, priority, is_pinned, pinned_by, pinned_at,
	permissions, stats, tags, template_id, template_name, auto_archive_after_days,
	resolved_at, resolved_by, resolution_notes, archived_at, archived_by,
	created_at, updated_at, deleted_at, revision`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (Thread, error) {
	var item Thread
	var metadataRaw, participantsRaw, permissionsRaw, statsRaw, tagsRaw []byte
	var pinnedAt, resolvedAt, archivedAt, deletedAt sql.NullTime
	if err := row.Scan(
		&item.ID,
		&item.Type,
		&item.Title,
		&item.Description,
		&item.Context.ReferenceID,
		&item.Context.ReferenceType,
		&metadataRaw,
		&participantsRaw,
		&item.CreatedBy,
		&item.Status,
		&item.Priority,
		&item.IsPinned,
		&item.PinnedBy,
		&pinnedAt,
		&permissionsRaw,
		&statsRaw,
		&tagsRaw,
		&item.TemplateID,
		&item.TemplateName,
		&item.AutoArchiveAfterDays,
		&resolvedAt,
		&item.ResolvedBy,
		&item.ResolutionNotes,
		&archivedAt,
		&item.ArchivedBy,
		&item.CreatedAt,
		&item.UpdatedAt,
		&deletedAt,
		&item.Revision,
	); err != nil {
		return Thread{}, err
	}
	_ = json.Unmarshal(metadataRaw, &item.Context.Metadata)
	if err := json.Unmarshal(participantsRaw, &item.Participants); err != nil {
		return Thread{}, fmt.Errorf("decode participants: %w", err)
	}
	_ = json.Unmarshal(permissionsRaw, &item.Permissions)
	_ = json.Unmarshal(statsRaw, &item.Stats)
	_ = json.Unmarshal(tagsRaw, &item.Tags)
	item.PinnedAt = nullTime(pinnedAt)
	item.ResolvedAt = nullTime(resolvedAt)
	item.ArchivedAt = nullTime(archivedAt)
	item.DeletedAt = nullTime(deletedAt)
	return item, nil
}

func nullTime(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}

func nullString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func encodeJSON(value any, fallback string) (string, error) {
	if value == nil {
		return fallback, nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	if string(encoded) == "null" {
		return fallback, nil
	}
	return string(encoded), nil
}

type threadJSON struct {
	metadata, participants, permissions, stats, tags string
}

func encodeThread(item Thread) (threadJSON, error) {
	var out threadJSON
	var err error
	if out.metadata, err = encodeJSON(item.Context.Metadata, "{}"); err != nil {
		return out, fmt.Errorf("marshal thread metadata: %w", err)
	}
	if out.participants, err = encodeJSON(item.Participants, "[]"); err != nil {
		return out, fmt.Errorf("marshal participants: %w", err)
	}
	if out.permissions, err = encodeJSON(item.Permissions, "{}"); err != nil {
		return out, fmt.Errorf("marshal permissions: %w", err)
	}
	if out.stats, err = encodeJSON(item.Stats, "{}"); err != nil {
		return out, fmt.Errorf("marshal stats: %w", err)
	}
	if out.tags, err = encodeJSON(item.Tags, "[]"); err != nil {
		return out, fmt.Errorf("marshal tags: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) CreateThread(ctx context.Context, item Thread) error {
	encoded, err := encodeThread(item)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO threads (
			id, type, title, description, reference_id, reference_type, context_metadata,
			participants, created_by, status, priority, is_pinned, pinned_by, pinned_at,
			permissions, stats, last_activity_at, tags, template_id, template_name,
			auto_archive_after_days, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9, $10, $11, $12, $13, $14, $15::jsonb, $16::jsonb, $17, $18::jsonb, $19, $20, $21, $22, $23)
	`,
		item.ID, item.Type, item.Title, item.Description, item.Context.ReferenceID, item.Context.ReferenceType, encoded.metadata,
		encoded.participants, item.CreatedBy, item.Status, item.Priority, item.IsPinned, item.PinnedBy, item.PinnedAt,
		encoded.permissions, encoded.stats, item.Stats.LastActivityAt, encoded.tags, item.TemplateID, item.TemplateName,
		item.AutoArchiveAfterDays, item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert thread: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindThreadByID(ctx context.Context, threadID string) (Thread, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM threads WHERE id=$1 AND deleted_at IS NULL`, threadID)
	item, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Thread{}, ErrNotFound
	}
	if err != nil {
		return Thread{}, fmt.Errorf("find thread: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) FindThreadsByEvent(ctx context.Context, referenceID string, referenceType ReferenceType, page Page) ([]Thread, error) {
	return s.FindThreads(ctx, ThreadQuery{ReferenceID: referenceID, ReferenceType: referenceType}, page)
}

func (s *PostgresStore) FindThreadsByParticipant(ctx context.Context, userID string, status ThreadStatus, page Page) ([]Thread, error) {
	return s.FindThreads(ctx, ThreadQuery{ParticipantID: userID, Status: status}, page)
}

func threadFilter(query ThreadQuery) *sqlFilter {
	filter := &sqlFilter{}
	if !query.IncludeDeleted {
		filter.where("deleted_at IS NULL")
	}
	if query.Status != "" {
		filter.where("status=" + filter.arg(string(query.Status)))
	}
	if query.ReferenceID != "" {
		filter.where("reference_id=" + filter.arg(query.ReferenceID))
	}
	if query.ReferenceType != "" {
		filter.where("reference_type=" + filter.arg(string(query.ReferenceType)))
	}
	if query.ParticipantID != "" {
		filter.where("participants @> jsonb_build_array(jsonb_build_object('userId', " + filter.arg(query.ParticipantID) + "::text, 'isVisible', true))")
	}
	if query.LastActivityBefore != nil {
		filter.where("last_activity_at < " + filter.arg(*query.LastActivityBefore))
	}
	return filter
}

func (s *PostgresStore) FindThreads(ctx context.Context, query ThreadQuery, page Page) ([]Thread, error) {
	page = page.Normalize()
	filter := threadFilter(query)
	statement := `SELECT ` + threadColumns + ` FROM threads` + filter.String() +
		orderClause(page, threadSortColumns, "is_pinned DESC, last_activity_at DESC, id ASC") +
		` LIMIT ` + filter.arg(page.Limit) + ` OFFSET ` + filter.arg(page.Offset())

	rows, err := s.db.QueryContext(ctx, statement, filter.args...)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	items := make([]Thread, 0)
	for rows.Next() {
		item, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CountThreads(ctx context.Context, query ThreadQuery) (int, error) {
	filter := threadFilter(query)
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM threads`+filter.String(), filter.args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count threads: %w", err)
	}
	return count, nil
}

// UpdateThread rewrites the mutable columns when the stored revision still
// matches item.Revision. Context and creator are fixed at insert time; of the
// stats only participantCount is written here, the rest belongs to
// UpdateThreadStats.
func (s *PostgresStore) UpdateThread(ctx context.Context, item Thread) error {
	encoded, err := encodeThread(item)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE threads SET
			type=$2, title=$3, description=$4, participants=$5::jsonb, status=$6, priority=$7,
			is_pinned=$8, pinned_by=$9, pinned_at=$10, permissions=$11::jsonb,
			stats=jsonb_set(stats, '{participantCount}', to_jsonb($12::int)),
			tags=$13::jsonb, auto_archive_after_days=$14,
			resolved_at=$15, resolved_by=$16, resolution_notes=$17, archived_at=$18, archived_by=$19,
			updated_at=$20, revision=revision+1
		WHERE id=$1 AND deleted_at IS NULL AND revision=$21
	`,
		item.ID, item.Type, item.Title, item.Description, encoded.participants, item.Status, item.Priority,
		item.IsPinned, item.PinnedBy, item.PinnedAt, encoded.permissions,
		item.Stats.ParticipantCount, encoded.tags, item.AutoArchiveAfterDays,
		item.ResolvedAt, item.ResolvedBy, item.ResolutionNotes, item.ArchivedAt, item.ArchivedBy,
		item.UpdatedAt, item.Revision,
	)
	if err != nil {
		return fmt.Errorf("update thread: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update thread: %w", err)
	}
	if affected > 0 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM threads WHERE id=$1 AND deleted_at IS NULL)`, item.ID).Scan(&exists); err != nil {
		return fmt.Errorf("update thread: %w", err)
	}
	if exists {
		return ErrStale
	}
	return ErrNotFound
}

// UpdateThreadStats writes only the derived counters so it cannot undo a
// concurrent lifecycle or participant change. last_activity_at only moves
// forward.
func (s *PostgresStore) UpdateThreadStats(ctx context.Context, threadID string, stats ThreadStats, at time.Time) error {
	raw, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE threads SET
			stats=$2::jsonb || jsonb_build_object('lastActivityAt', GREATEST(last_activity_at, $3)),
			last_activity_at=GREATEST(last_activity_at, $3),
			updated_at=$4
		WHERE id=$1 AND deleted_at IS NULL
	`, threadID, raw, stats.LastActivityAt, at)
	if err != nil {
		return fmt.Errorf("update thread stats: %w", err)
	}
	return expectAffected(result, "update thread stats")
}

func (s *PostgresStore) SoftDeleteThread(ctx context.Context, threadID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `UPDATE threads SET deleted_at=$2, updated_at=$2 WHERE id=$1 AND deleted_at IS NULL`, threadID, at)
	if err != nil {
		return fmt.Errorf("soft delete thread: %w", err)
	}
	return expectAffected(result, "soft delete thread")
}

func expectAffected(result sql.Result, op string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

const messageColumns = `
	id, thread_id, sender, sender_type, content, attachments, link_previews, mentions,
	reply_to, thread_depth, thread_path, root_message_id, reply_count, total_reply_count,
	read_by, deleted_for, is_deleted, deleted_at, is_edited, edit_history, created_at, updated_at`

func scanMessage(row rowScanner) (Message, error) {
	var item Message
	var contentRaw, attachmentsRaw, previewsRaw, mentionsRaw, pathRaw, readByRaw, deletedForRaw, historyRaw []byte
	var replyTo, rootID sql.NullString
	var deletedAt sql.NullTime
	if err := row.Scan(
		&item.ID,
		&item.ThreadID,
		&item.Sender,
		&item.SenderType,
		&contentRaw,
		&attachmentsRaw,
		&previewsRaw,
		&mentionsRaw,
		&replyTo,
		&item.ThreadDepth,
		&pathRaw,
		&rootID,
		&item.ReplyCount,
		&item.TotalReplyCount,
		&readByRaw,
		&deletedForRaw,
		&item.IsDeleted,
		&deletedAt,
		&item.IsEdited,
		&historyRaw,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return Message{}, err
	}
	if err := json.Unmarshal(contentRaw, &item.Content); err != nil {
		return Message{}, fmt.Errorf("decode content: %w", err)
	}
	if err := json.Unmarshal(pathRaw, &item.ThreadPath); err != nil {
		return Message{}, fmt.Errorf("decode thread path: %w", err)
	}
	_ = json.Unmarshal(attachmentsRaw, &item.Attachments)
	_ = json.Unmarshal(previewsRaw, &item.LinkPreviews)
	_ = json.Unmarshal(mentionsRaw, &item.Mentions)
	_ = json.Unmarshal(readByRaw, &item.ReadBy)
	_ = json.Unmarshal(deletedForRaw, &item.DeletedFor)
	_ = json.Unmarshal(historyRaw, &item.EditHistory)
	if replyTo.Valid {
		item.ReplyTo = &replyTo.String
	}
	if rootID.Valid {
		item.RootMessageID = &rootID.String
	}
	if item.ThreadPath == nil {
		item.ThreadPath = []string{}
	}
	if item.ReadBy == nil {
		item.ReadBy = []ReadReceipt{}
	}
	item.DeletedAt = nullTime(deletedAt)
	return item, nil
}

type messageJSON struct {
	content, attachments, previews, mentions, path, readBy, deletedFor, history string
}

func encodeMessage(item Message) (messageJSON, error) {
	var out messageJSON
	fields := []struct {
		dest     *string
		value    any
		fallback string
		name     string
	}{
		{&out.content, item.Content, "{}", "content"},
		{&out.attachments, item.Attachments, "[]", "attachments"},
		{&out.previews, item.LinkPreviews, "[]", "link previews"},
		{&out.mentions, item.Mentions, "[]", "mentions"},
		{&out.path, item.ThreadPath, "[]", "thread path"},
		{&out.readBy, item.ReadBy, "[]", "read receipts"},
		{&out.deletedFor, item.DeletedFor, "[]", "deleted for"},
		{&out.history, item.EditHistory, "[]", "edit history"},
	}
	for _, field := range fields {
		encoded, err := encodeJSON(field.value, field.fallback)
		if err != nil {
			return out, fmt.Errorf("marshal %s: %w", field.name, err)
		}
		*field.dest = encoded
	}
	return out, nil
}

func (s *PostgresStore) CreateMessage(ctx context.Context, item Message) error {
	encoded, err := encodeMessage(item)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (
			id, thread_id, sender, sender_type, content, attachments, link_previews, mentions,
			reply_to, thread_depth, thread_path, root_message_id, reply_count, total_reply_count,
			read_by, deleted_for, is_deleted, is_edited, edit_history, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7::jsonb, $8::jsonb, $9, $10, $11::jsonb, $12, $13, $14, $15::jsonb, $16::jsonb, $17, $18, $19::jsonb, $20, $21)
	`,
		item.ID, item.ThreadID, item.Sender, item.SenderType, encoded.content, encoded.attachments, encoded.previews, encoded.mentions,
		nullString(item.ReplyTo), item.ThreadDepth, encoded.path, nullString(item.RootMessageID), item.ReplyCount, item.TotalReplyCount,
		encoded.readBy, encoded.deletedFor, item.IsDeleted, item.IsEdited, encoded.history, item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// FindMessageByID returns soft-deleted messages too; callers decide whether a
// tombstone is acceptable.
func (s *PostgresStore) FindMessageByID(ctx context.Context, messageID string) (Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	item, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("find message: %w", err)
	}
	return item, nil
}

func messageFilter(query MessageQuery) *sqlFilter {
	filter := &sqlFilter{}
	if query.ThreadID != "" {
		filter.where("thread_id=" + filter.arg(query.ThreadID))
	}
	if !query.IncludeDeleted {
		filter.where("is_deleted = FALSE")
	}
	if query.ReplyTo != "" {
		filter.where("reply_to=" + filter.arg(query.ReplyTo))
	}
	if query.AncestorID != "" {
		filter.where("thread_path @> jsonb_build_array(" + filter.arg(query.AncestorID) + "::text)")
	}
	if query.RootsOnly {
		filter.where("reply_to IS NULL")
	}
	if query.RepliesOnly {
		filter.where("reply_to IS NOT NULL")
	}
	if query.NotSentBy != "" {
		filter.where("sender <> " + filter.arg(query.NotSentBy))
	}
	if query.NotReadBy != "" {
		filter.where("NOT (read_by @> jsonb_build_array(jsonb_build_object('userId', " + filter.arg(query.NotReadBy) + "::text)))")
	}
	if query.UnreadOnly {
		filter.where("read_by = '[]'::jsonb")
	}
	if query.MinDepth > 0 {
		filter.where("thread_depth >= " + filter.arg(query.MinDepth))
	}
	return filter
}

func (s *PostgresStore) FindMessages(ctx context.Context, query MessageQuery, page Page) ([]Message, error) {
	page = page.Normalize()
	filter := messageFilter(query)
	statement := `SELECT ` + messageColumns + ` FROM messages` + filter.String() +
		orderClause(page, messageSortColumns, "created_at ASC, id ASC") +
		` LIMIT ` + filter.arg(page.Limit) + ` OFFSET ` + filter.arg(page.Offset())

	rows, err := s.db.QueryContext(ctx, statement, filter.args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		item, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CountMessages(ctx context.Context, query MessageQuery) (int, error) {
	filter := messageFilter(query)
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`+filter.String(), filter.args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) UpdateMessage(ctx context.Context, item Message) error {
	encoded, err := encodeMessage(item)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET
			content=$2::jsonb, attachments=$3::jsonb, link_previews=$4::jsonb, mentions=$5::jsonb,
			thread_depth=$6, thread_path=$7::jsonb, root_message_id=$8, reply_count=$9, total_reply_count=$10,
			read_by=$11::jsonb, deleted_for=$12::jsonb, is_deleted=$13, deleted_at=$14,
			is_edited=$15, edit_history=$16::jsonb, updated_at=$17, reply_to=$18
		WHERE id=$1
	`,
		item.ID, encoded.content, encoded.attachments, encoded.previews, encoded.mentions,
		item.ThreadDepth, encoded.path, nullString(item.RootMessageID), item.ReplyCount, item.TotalReplyCount,
		encoded.readBy, encoded.deletedFor, item.IsDeleted, item.DeletedAt,
		item.IsEdited, encoded.history, item.UpdatedAt, nullString(item.ReplyTo),
	)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return expectAffected(result, "update message")
}

func (s *PostgresStore) SoftDeleteMessage(ctx context.Context, messageID, actorID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET
			is_deleted=TRUE,
			deleted_at=$3,
			deleted_for=CASE WHEN deleted_for @> jsonb_build_array($2::text) THEN deleted_for ELSE deleted_for || jsonb_build_array($2::text) END,
			updated_at=$3
		WHERE id=$1
	`, messageID, actorID, at)
	if err != nil {
		return fmt.Errorf("soft delete message: %w", err)
	}
	return expectAffected(result, "soft delete message")
}

// MarkThreadRead appends a receipt for userID to every live message in the
// thread that userID neither sent nor already read.
func (s *PostgresStore) MarkThreadRead(ctx context.Context, threadID, userID string, at time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET
			read_by = read_by || jsonb_build_array(jsonb_build_object('userId', $2::text, 'readAt', $3::timestamptz))
		WHERE thread_id=$1
			AND is_deleted = FALSE
			AND sender <> $2
			AND NOT (read_by @> jsonb_build_array(jsonb_build_object('userId', $2::text)))
	`, threadID, userID, at)
	if err != nil {
		return 0, fmt.Errorf("mark thread read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark thread read rows affected: %w", err)
	}
	return int(affected), nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, display_name, email, phone, role)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET username=EXCLUDED.username, display_name=EXCLUDED.display_name,
			email=EXCLUDED.email, phone=EXCLUDED.phone, role=EXCLUDED.role
	`, user.ID, user.Username, user.DisplayName, user.Email, user.Phone, user.Role)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindUserByID(ctx context.Context, userID string) (User, error) {
	return s.findUser(ctx, `SELECT id, username, display_name, email, phone, role, created_at FROM users WHERE id=$1`, userID)
}

func (s *PostgresStore) FindUserByUsername(ctx context.Context, username string) (User, error) {
	return s.findUser(ctx, `SELECT id, username, display_name, email, phone, role, created_at FROM users WHERE LOWER(username)=LOWER($1)`, username)
}

func (s *PostgresStore) findUser(ctx context.Context, query, arg string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&user.ID, &user.Username, &user.DisplayName, &user.Email, &user.Phone, &user.Role, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("find user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) AddStakeholder(ctx context.Context, item Stakeholder) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_stakeholders (reference_id, reference_type, user_id, role)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (reference_id, reference_type, user_id) DO UPDATE SET role=EXCLUDED.role
	`, item.ReferenceID, item.ReferenceType, item.UserID, item.Role)
	if err != nil {
		return fmt.Errorf("add stakeholder: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindStakeholders(ctx context.Context, referenceID string, referenceType ReferenceType) ([]Stakeholder, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT reference_id, reference_type, user_id, role
		FROM event_stakeholders
		WHERE reference_id=$1 AND reference_type=$2
		ORDER BY user_id
	`, referenceID, referenceType)
	if err != nil {
		return nil, fmt.Errorf("list stakeholders: %w", err)
	}
	defer rows.Close()

	items := make([]Stakeholder, 0)
	for rows.Next() {
		var item Stakeholder
		if err := rows.Scan(&item.ReferenceID, &item.ReferenceType, &item.UserID, &item.Role); err != nil {
			return nil, fmt.Errorf("scan stakeholder: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stakeholders: %w", err)
	}
	return items, nil
}

// CheckEventAccess passes platform admins and unbound threads; anyone else
// must be a recorded stakeholder of the event.
func (s *PostgresStore) CheckEventAccess(ctx context.Context, userID, referenceID string, referenceType ReferenceType) (bool, error) {
	if referenceType == ReferenceNone {
		return true, nil
	}
	var allowed bool
	err := s.db.QueryRowContext(ctx, `
		SELECT
			EXISTS(SELECT 1 FROM users WHERE id=$1 AND role='admin')
			OR EXISTS(SELECT 1 FROM event_stakeholders WHERE user_id=$1 AND reference_id=$2 AND reference_type=$3)
	`, userID, referenceID, referenceType).Scan(&allowed)
	if err != nil {
		return false, fmt.Errorf("check event access: %w", err)
	}
	return allowed, nil
}

func (s *PostgresStore) CreateTemplate(ctx context.Context, item ThreadTemplate) error {
	permissions, err := encodeJSON(item.Permissions, "{}")
	if err != nil {
		return fmt.Errorf("marshal template permissions: %w", err)
	}
	tags, err := encodeJSON(item.Tags, "[]")
	if err != nil {
		return fmt.Errorf("marshal template tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO thread_templates (id, name, type, title, description, priority, permissions, tags, auto_archive_after_days)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.Name, item.Type, item.Title, item.Description, item.Priority, permissions, tags, item.AutoArchiveAfterDays)
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindTemplateByID(ctx context.Context, templateID string) (ThreadTemplate, error) {
	var item ThreadTemplate
	var permissionsRaw, tagsRaw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, type, title, description, priority, permissions, tags, auto_archive_after_days
		FROM thread_templates
		WHERE id=$1
	`, templateID).Scan(&item.ID, &item.Name, &item.Type, &item.Title, &item.Description, &item.Priority, &permissionsRaw, &tagsRaw, &item.AutoArchiveAfterDays)
	if errors.Is(err, sql.ErrNoRows) {
		return ThreadTemplate{}, ErrNotFound
	}
	if err != nil {
		return ThreadTemplate{}, fmt.Errorf("find template: %w", err)
	}
	_ = json.Unmarshal(permissionsRaw, &item.Permissions)
	_ = json.Unmarshal(tagsRaw, &item.Tags)
	return item, nil
}

func (s *PostgresStore) CreateNotification(ctx context.Context, item Notification) error {
	metadata, err := encodeJSON(item.Metadata, "{}")
	if err != nil {
		return fmt.Errorf("marshal notification metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, thread_id, message_id, event, title, body, priority, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10)
	`, item.ID, item.UserID, item.ThreadID, item.MessageID, item.Event, item.Title, item.Body, item.Priority, metadata, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, userID string, unreadOnly bool, page Page) ([]Notification, error) {
	page = page.Normalize()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, thread_id, message_id, event, title, body, priority, metadata, created_at, read_at
		FROM notifications
		WHERE user_id=$1 AND ($2 = FALSE OR read_at IS NULL)
		ORDER BY created_at DESC, id ASC
		LIMIT $3 OFFSET $4
	`, userID, unreadOnly, page.Limit, page.Offset())
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	items := make([]Notification, 0)
	for rows.Next() {
		var item Notification
		var metadataRaw []byte
		var readAt sql.NullTime
		if err := rows.Scan(&item.ID, &item.UserID, &item.ThreadID, &item.MessageID, &item.Event, &item.Title, &item.Body, &item.Priority, &metadataRaw, &item.CreatedAt, &readAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		_ = json.Unmarshal(metadataRaw, &item.Metadata)
		item.ReadAt = nullTime(readAt)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) MarkNotificationRead(ctx context.Context, notificationID, userID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read_at=COALESCE(read_at, $3)
		WHERE id=$1 AND user_id=$2
	`, notificationID, userID, at)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	return expectAffected(result, "mark notification read")
}
