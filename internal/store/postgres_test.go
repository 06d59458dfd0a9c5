package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

var threadColumnNames = []string{
	"id", "type", "title", "description", "reference_id", "reference_type", "context_metadata",
	"participants", "created_by", "status", "priority", "is_pinned", "pinned_by", "pinned_at",
	"permissions", "stats", "tags", "template_id", "template_name", "auto_archive_after_days",
	"resolved_at", "resolved_by", "resolution_notes", "archived_at", "archived_by",
	"created_at", "updated_at", "deleted_at", "revision",
}

func threadRows(now time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(threadColumnNames).AddRow(
		"thr_1", "order", "Proof for order 1042", "", "ord_1042", "ORDER", []byte(`{"sku":"TEE-01"}`),
		[]byte(`[{"userId":"u_creator","role":"moderator","isVisible":true,"joinedAt":"2026-01-02T10:00:00Z"},{"userId":"u_hidden","role":"member","isVisible":false,"joinedAt":"2026-01-02T10:00:00Z"}]`),
		"u_creator", "active", "high", false, "", nil,
		[]byte(`{"reply":"participants"}`), []byte(`{"messageCount":2,"participantCount":1}`), []byte(`["rush"]`), "", "", 7,
		nil, "", "", nil, "",
		now, now, nil, int64(3),
	)
}

func TestFindThreadByIDDecodesJSONColumns(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM threads WHERE id=$1 AND deleted_at IS NULL`)).
		WithArgs("thr_1").
		WillReturnRows(threadRows(now))

	thread, err := s.FindThreadByID(context.Background(), "thr_1")
	require.NoError(t, err)
	assert.Equal(t, ReferenceOrder, thread.Context.ReferenceType)
	assert.Equal(t, "TEE-01", thread.Context.Metadata["sku"])
	require.Len(t, thread.Participants, 2)
	assert.True(t, thread.IsVisibleParticipant("u_creator"))
	assert.False(t, thread.IsVisibleParticipant("u_hidden"))
	assert.Equal(t, "participants", thread.Permissions["reply"])
	assert.Equal(t, 2, thread.Stats.MessageCount)
	assert.Equal(t, []string{"rush"}, thread.Tags)
	assert.Nil(t, thread.ResolvedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindThreadByIDMapsNoRowsToNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM threads WHERE id=$1`)).
		WithArgs("thr_missing").
		WillReturnRows(sqlmock.NewRows(threadColumnNames))

	_, err := s.FindThreadByID(context.Background(), "thr_missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFindThreadsByParticipantUsesContainmentQuery(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(
		`FROM threads WHERE deleted_at IS NULL AND status=$1 AND participants @> jsonb_build_array(jsonb_build_object('userId', $2::text, 'isVisible', true)) ORDER BY is_pinned DESC, last_activity_at DESC, id ASC LIMIT $3 OFFSET $4`,
	)).
		WithArgs("active", "u_creator", 100, 100).
		WillReturnRows(threadRows(now))

	threads, err := s.FindThreadsByParticipant(context.Background(), "u_creator", ThreadActive, Page{Page: 2, Limit: 500})
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, "thr_1", threads[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindThreadsHonoursSortWhitelist(t *testing.T) {
	s, mock := newMockStore(t)
	cutoff := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE deleted_at IS NULL AND last_activity_at < $1 ORDER BY created_at DESC, id ASC LIMIT $2 OFFSET $3`)).
		WithArgs(cutoff, 20, 0).
		WillReturnRows(sqlmock.NewRows(threadColumnNames))

	_, err := s.FindThreads(context.Background(), ThreadQuery{LastActivityBefore: &cutoff}, Page{SortBy: "createdAt", Desc: true})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindThreadsFallsBackOnUnknownSortKey(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM threads WHERE deleted_at IS NULL ORDER BY is_pinned DESC, last_activity_at DESC, id ASC LIMIT $1 OFFSET $2`)).
		WithArgs(20, 0).
		WillReturnRows(sqlmock.NewRows(threadColumnNames))

	_, err := s.FindThreads(context.Background(), ThreadQuery{}, Page{SortBy: "id; DROP TABLE threads"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateThreadReturnsNotFoundWhenNoRowsAffected(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE threads SET`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS(SELECT 1 FROM threads WHERE id=$1 AND deleted_at IS NULL)`)).
		WithArgs("thr_gone").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	err := s.UpdateThread(context.Background(), Thread{ID: "thr_gone"})
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateThreadRejectsStaleRevision(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`revision=revision+1 WHERE id=$1 AND deleted_at IS NULL AND revision=$21`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS(SELECT 1 FROM threads`)).
		WithArgs("thr_1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err := s.UpdateThread(context.Background(), Thread{ID: "thr_1", Revision: 2})
	require.ErrorIs(t, err, ErrStale)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateThreadStatsTouchesOnlyCounters(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	stats := ThreadStats{MessageCount: 4, ParticipantCount: 2, LastActivityAt: now}

	mock.ExpectExec(`UPDATE threads SET\s+stats=\$2::jsonb .*last_activity_at=GREATEST\(last_activity_at, \$3\),\s+updated_at=\$4\s+WHERE id=\$1 AND deleted_at IS NULL`).
		WithArgs("thr_1", sqlmock.AnyArg(), now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE threads SET\s+stats=`).
		WithArgs("thr_gone", sqlmock.AnyArg(), now, now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.UpdateThreadStats(context.Background(), "thr_1", stats, now))
	require.ErrorIs(t, s.UpdateThreadStats(context.Background(), "thr_gone", stats, now), ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountMessagesBuildsAncestorFilter(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM messages WHERE is_deleted = FALSE AND thread_path @> jsonb_build_array($1::text)`)).
		WithArgs("msg_root").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	count, err := s.CountMessages(context.Background(), MessageQuery{AncestorID: "msg_root"})
	require.NoError(t, err)
	assert.Equal(t, 4, count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountMessagesUnreadByNobody(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM messages WHERE thread_id=$1 AND is_deleted = FALSE AND read_by = '[]'::jsonb`)).
		WithArgs("thr_1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	count, err := s.CountMessages(context.Background(), MessageQuery{ThreadID: "thr_1", UnreadOnly: true})
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestCreateMessageWritesNullReplyForRoots(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO messages`)).
		WithArgs(
			"msg_1", "thr_1", "u_1", SenderUser, `{"type":"text","text":"hello"}`, "[]", "[]", "[]",
			nil, 0, "[]", nil, 0, 0,
			"[]", "[]", false, false, "[]", now, now,
		).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.CreateMessage(context.Background(), Message{
		ID:         "msg_1",
		ThreadID:   "thr_1",
		Sender:     "u_1",
		SenderType: SenderUser,
		Content:    MessageContent{Type: ContentText, Text: "hello"},
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindMessageByIDDecodesThreadPath(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

	columns := []string{
		"id", "thread_id", "sender", "sender_type", "content", "attachments", "link_previews", "mentions",
		"reply_to", "thread_depth", "thread_path", "root_message_id", "reply_count", "total_reply_count",
		"read_by", "deleted_for", "is_deleted", "deleted_at", "is_edited", "edit_history", "created_at", "updated_at",
	}
	mock.ExpectQuery(regexp.QuoteMeta(`FROM messages WHERE id=$1`)).
		WithArgs("msg_2").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			"msg_2", "thr_1", "u_1", "user", []byte(`{"type":"text","text":"reply"}`), []byte(`[]`), []byte(`[]`),
			[]byte(`[{"userId":"u_2","username":"sam"}]`),
			"msg_1", 2, []byte(`["msg_0","msg_1"]`), "msg_0", 0, 0,
			[]byte(`[{"userId":"u_3","readAt":"2026-01-02T11:00:00Z"}]`), []byte(`[]`), false, nil, false, []byte(`[]`), now, now,
		))

	msg, err := s.FindMessageByID(context.Background(), "msg_2")
	require.NoError(t, err)
	assert.Equal(t, []string{"msg_0", "msg_1"}, msg.ThreadPath)
	require.NotNil(t, msg.ReplyTo)
	assert.Equal(t, "msg_1", *msg.ReplyTo)
	require.NotNil(t, msg.RootMessageID)
	assert.Equal(t, "msg_0", *msg.RootMessageID)
	assert.True(t, msg.IsReadBy("u_3"))
	assert.Equal(t, []string{"u_2"}, msg.MentionedUserIDs())
}

func TestMarkThreadReadReportsAffectedRows(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE messages SET read_by = read_by ||`)).
		WithArgs("thr_1", "u_1", now).
		WillReturnResult(sqlmock.NewResult(0, 5))

	marked, err := s.MarkThreadRead(context.Background(), "thr_1", "u_1", now)
	require.NoError(t, err)
	assert.Equal(t, 5, marked)
}

func TestCheckEventAccessSkipsQueryForUnboundThreads(t *testing.T) {
	s, mock := newMockStore(t)

	allowed, err := s.CheckEventAccess(context.Background(), "u_1", "", ReferenceNone)
	require.NoError(t, err)
	assert.True(t, allowed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckEventAccessQueriesStakeholders(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM event_stakeholders WHERE user_id=$1 AND reference_id=$2 AND reference_type=$3`)).
		WithArgs("u_1", "ord_1", "ORDER").
		WillReturnRows(sqlmock.NewRows([]string{"allowed"}).AddRow(false))

	allowed, err := s.CheckEventAccess(context.Background(), "u_1", "ord_1", ReferenceOrder)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestFindUserByUsernameNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM users WHERE LOWER(username)=LOWER($1)`)).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "display_name", "email", "phone", "role", "created_at"}))

	_, err := s.FindUserByUsername(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrNotFound)
}
