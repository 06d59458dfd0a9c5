package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"threadline/api/internal/attachment"
	"threadline/api/internal/events"
	"threadline/api/internal/store"
)

func TestReplyDepthIsCappedAtThree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	thread := f.orderThread(t)

	m0 := f.send(t, alice, thread.ID, "proof v1 attached")
	m1 := f.reply(t, bob, m0.ID, "colours look off")
	m2 := f.reply(t, carol, m1.ID, "agreed, too saturated")
	m3 := f.reply(t, alice, m2.ID, "will fix")

	assert.Equal(t, 0, m0.ThreadDepth)
	assert.Empty(t, m0.ThreadPath)
	assert.Nil(t, m0.RootMessageID)

	assert.Equal(t, 3, m3.ThreadDepth)
	assert.Equal(t, []string{m0.ID, m1.ID, m2.ID}, m3.ThreadPath)
	require.NotNil(t, m3.RootMessageID)
	assert.Equal(t, m0.ID, *m3.RootMessageID)
	require.NotNil(t, m3.ReplyTo)
	assert.Equal(t, m2.ID, *m3.ReplyTo)

	_, err := f.messages.SendReply(ctx, bob, m3.ID, SendMessageInput{Content: store.MessageContent{Text: "one more level"}})
	require.ErrorIs(t, err, ErrValidation)
	var domainErr *DomainError
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, "max reply depth reached", domainErr.Message)
	assert.Equal(t, http.StatusUnprocessableEntity, domainErr.Status)

	count, err := f.st.CountMessages(ctx, store.MessageQuery{ThreadID: thread.ID})
	require.NoError(t, err)
	assert.Equal(t, 4, count, "a rejected reply is not persisted")

	for _, tc := range []struct {
		id            string
		direct, total int
	}{
		{m0.ID, 1, 3},
		{m1.ID, 1, 2},
		{m2.ID, 1, 1},
		{m3.ID, 0, 0},
	} {
		msg := f.message(t, tc.id)
		assert.Equal(t, tc.direct, msg.ReplyCount, "replyCount of %s", tc.id)
		assert.Equal(t, tc.total, msg.TotalReplyCount, "totalReplyCount of %s", tc.id)
	}

	stats := f.thread(t, thread.ID).Stats
	assert.Equal(t, 4, stats.MessageCount)
	assert.Equal(t, 3, stats.ReplyCount)
}

func TestSendMessageRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	thread := f.orderThread(t)

	cases := []struct {
		name  string
		actor Actor
		input SendMessageInput
		want  error
	}{
		{name: "outsider", actor: dave, input: SendMessageInput{Content: store.MessageContent{Text: "hi"}}, want: ErrForbidden},
		{name: "blank text", actor: bob, input: SendMessageInput{Content: store.MessageContent{Text: "  \n"}}, want: ErrValidation},
		{name: "system content", actor: bob, input: SendMessageInput{Content: store.MessageContent{Type: store.ContentSystem, Text: "x"}}, want: ErrValidation},
		{name: "unknown content type", actor: bob, input: SendMessageInput{Content: store.MessageContent{Type: "video", Text: "x"}}, want: ErrValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.messages.SendMessage(ctx, tc.actor, thread.ID, tc.input)
			require.ErrorIs(t, err, tc.want)
		})
	}

	fileOnly, err := f.messages.SendMessage(ctx, bob, thread.ID, SendMessageInput{
		Content:     store.MessageContent{Type: store.ContentFile},
		Attachments: []store.Attachment{{ID: "att_1", FileName: "proof.pdf", MimeType: "application/pdf"}},
	})
	require.NoError(t, err)
	assert.Len(t, fileOnly.Attachments, 1)

	_, err = f.messages.SendMessage(ctx, bob, "thr_missing", SendMessageInput{Content: store.MessageContent{Text: "hi"}})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = f.threads.LeaveThread(ctx, carol, thread.ID)
	require.NoError(t, err)
	_, err = f.messages.SendMessage(ctx, carol, thread.ID, SendMessageInput{Content: store.MessageContent{Text: "back"}})
	require.ErrorIs(t, err, ErrForbidden, "hidden participants cannot post")
}

func TestSendMessageHonoursReplyPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	thread, err := f.threads.CreateThread(ctx, alice, CreateThreadInput{
		Title:       "Announcements",
		Context:     store.ThreadContext{ReferenceID: "ord_1", ReferenceType: store.ReferenceOrder},
		Permissions: map[string]string{"reply": "moderators"},
	})
	require.NoError(t, err)

	_, err = f.messages.SendMessage(ctx, bob, thread.ID, SendMessageInput{Content: store.MessageContent{Text: "hi"}})
	require.ErrorIs(t, err, ErrForbidden)
	f.send(t, alice, thread.ID, "print run starts monday")
}

func TestArchivedThreadRejectsMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	thread := f.orderThread(t)
	m0 := f.send(t, alice, thread.ID, "done?")
	_, err := f.threads.ResolveThread(ctx, alice, thread.ID, "")
	require.NoError(t, err)
	_, err = f.threads.ArchiveThread(ctx, alice, thread.ID)
	require.NoError(t, err)

	_, err = f.messages.SendMessage(ctx, bob, thread.ID, SendMessageInput{Content: store.MessageContent{Text: "late"}})
	require.ErrorIs(t, err, ErrConflict)
	_, err = f.messages.SendReply(ctx, bob, m0.ID, SendMessageInput{Content: store.MessageContent{Text: "late"}})
	require.ErrorIs(t, err, ErrConflict)
	_, err = f.messages.EditMessage(ctx, alice, m0.ID, store.MessageContent{Text: "edited"})
	require.ErrorIs(t, err, ErrConflict)
}

func TestMentionAddsParticipantAndNotifies(t *testing.T) {
	f := newFixture(t)
	f.withNotifications(t)
	ctx := context.Background()
	thread := f.orderThread(t)

	erin := Actor{UserID: "u_erin", Username: "erin.k", Role: "member"}
	require.NoError(t, f.st.CreateUser(ctx, store.User{ID: erin.UserID, Username: erin.Username, DisplayName: "Erin K"}))
	require.NoError(t, f.st.AddStakeholder(ctx, store.Stakeholder{ReferenceID: "ord_1", ReferenceType: store.ReferenceOrder, UserID: erin.UserID}))

	msg := f.send(t, alice, thread.ID, "@[Bob](u_bob) and @erin.k, can you check? cc @dave and @nobody")
	assert.Equal(t, []string{bob.UserID, erin.UserID, dave.UserID}, msg.MentionedUserIDs())
	assert.Equal(t, "Bob", msg.Mentions[0].DisplayName)
	assert.Equal(t, "Erin K", msg.Mentions[1].DisplayName)

	updated := f.thread(t, thread.ID)
	p, ok := updated.Participant(erin.UserID)
	require.True(t, ok, "a mentioned user with access becomes a member")
	assert.Equal(t, store.RoleMember, p.Role)
	assert.Equal(t, alice.UserID, p.AddedBy)
	_, ok = updated.Participant(dave.UserID)
	assert.False(t, ok, "a mentioned user without access is not added")
	assert.Equal(t, 4, updated.Stats.ParticipantCount)

	accepted := f.log.ofType(events.MentionAccepted)
	require.Len(t, accepted, 1)
	assert.Equal(t, []string{bob.UserID, erin.UserID}, accepted[0].Mentions)

	eventsFor := func(userID string) []string {
		items, err := f.st.ListNotifications(ctx, userID, false, store.Page{})
		require.NoError(t, err)
		out := make([]string, 0, len(items))
		for _, n := range items {
			out = append(out, n.Event)
		}
		return out
	}
	assert.Equal(t, []string{"mention"}, eventsFor(bob.UserID))
	assert.Equal(t, []string{"mention"}, eventsFor(erin.UserID))
	assert.Equal(t, []string{"new_message"}, eventsFor(carol.UserID))
	assert.Empty(t, eventsFor(alice.UserID), "the sender is never notified")
	assert.Empty(t, eventsFor(dave.UserID))
}

func TestEditMessageKeepsHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	thread := f.orderThread(t)
	msg := f.send(t, alice, thread.ID, "first draft")

	f.clock.Advance(time.Minute)
	edited, err := f.messages.EditMessage(ctx, alice, msg.ID, store.MessageContent{Text: "second @carol"})
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	edited, err = f.messages.EditMessage(ctx, alice, msg.ID, store.MessageContent{Text: "third @carol @bob"})
	require.NoError(t, err)

	assert.True(t, edited.IsEdited)
	assert.Equal(t, "third @carol @bob", edited.Content.Text)
	assert.Equal(t, store.ContentText, edited.Content.Type)
	require.Len(t, edited.EditHistory, 2)
	assert.Equal(t, "first draft", edited.EditHistory[0].Content.Text)
	assert.Equal(t, "second @carol", edited.EditHistory[1].Content.Text)
	assert.Equal(t, alice.UserID, edited.EditHistory[1].EditedBy)
	assert.True(t, edited.EditHistory[0].EditedAt.Before(edited.EditHistory[1].EditedAt))

	stored := f.message(t, msg.ID)
	assert.Len(t, stored.EditHistory, 2)

	editEvents := f.log.ofType(events.MessageEdited)
	require.Len(t, editEvents, 2)
	assert.Equal(t, []string{carol.UserID}, editEvents[0].NewMentions)
	assert.Equal(t, []string{bob.UserID}, editEvents[1].NewMentions)
	assert.Equal(t, []string{carol.UserID, bob.UserID}, editEvents[1].Mentions)

	_, err = f.messages.EditMessage(ctx, bob, msg.ID, store.MessageContent{Text: "hijack"})
	require.ErrorIs(t, err, ErrForbidden)
	_, err = f.messages.EditMessage(ctx, alice, msg.ID, store.MessageContent{Text: " "})
	require.ErrorIs(t, err, ErrValidation)
}

func TestDeleteMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	thread := f.orderThread(t)
	m0 := f.send(t, alice, thread.ID, "proof v2")
	f.clock.Advance(time.Second)
	m1 := f.reply(t, bob, m0.ID, "looks good")

	require.ErrorIs(t, f.messages.DeleteMessage(ctx, carol, m1.ID), ErrForbidden)
	require.NoError(t, f.messages.DeleteMessage(ctx, bob, m1.ID))
	require.ErrorIs(t, f.messages.DeleteMessage(ctx, bob, m1.ID), ErrConflict)

	deleted := f.message(t, m1.ID)
	assert.True(t, deleted.IsDeleted)
	assert.Contains(t, deleted.DeletedFor, bob.UserID)

	parent := f.message(t, m0.ID)
	assert.Zero(t, parent.ReplyCount)
	assert.Zero(t, parent.TotalReplyCount)
	stats := f.thread(t, thread.ID).Stats
	assert.Equal(t, 1, stats.MessageCount)
	assert.Zero(t, stats.ReplyCount)

	_, err := f.messages.SendReply(ctx, carol, m1.ID, SendMessageInput{Content: store.MessageContent{Text: "wait"}})
	require.ErrorIs(t, err, ErrConflict)
	_, err = f.messages.EditMessage(ctx, bob, m1.ID, store.MessageContent{Text: "undo"})
	require.ErrorIs(t, err, ErrConflict)

	items, total, err := f.messages.ListMessages(ctx, carol, thread.ID, false, store.Page{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, items, 2)
	assert.Equal(t, m1.ID, items[1].ID)
	assert.True(t, items[1].IsDeleted)
	assert.Empty(t, items[1].Content.Text, "deleted messages come back as tombstones")

	require.NoError(t, f.messages.DeleteMessage(ctx, root, m0.ID), "platform admins moderate any message")
}

func TestReadReceiptsAndUnreadCounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	thread := f.orderThread(t)
	m0 := f.send(t, alice, thread.ID, "one")
	f.clock.Advance(time.Second)
	f.send(t, alice, thread.ID, "two")

	unread := func(a Actor) int {
		count, err := f.messages.GetUnreadCount(ctx, a, thread.ID)
		require.NoError(t, err)
		return count
	}
	assert.Equal(t, 2, unread(bob))
	assert.Equal(t, 2, unread(carol))
	assert.Zero(t, unread(alice), "own messages are never unread")
	assert.Zero(t, unread(dave), "outsiders get zero")
	assert.Equal(t, 2, f.thread(t, thread.ID).Stats.UnreadCount)

	read, err := f.messages.MarkAsRead(ctx, bob, m0.ID)
	require.NoError(t, err)
	require.Len(t, read.ReadBy, 1)
	again, err := f.messages.MarkAsRead(ctx, bob, m0.ID)
	require.NoError(t, err)
	assert.Len(t, again.ReadBy, 1, "marking twice is a no-op")
	assert.Equal(t, 1, unread(bob))
	assert.Equal(t, 1, f.thread(t, thread.ID).Stats.UnreadCount)

	own, err := f.messages.MarkAsRead(ctx, alice, m0.ID)
	require.NoError(t, err)
	assert.Len(t, own.ReadBy, 1, "senders do not read their own messages")

	marked, err := f.messages.MarkThreadAsRead(ctx, carol, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, marked)
	assert.Zero(t, unread(carol))
	marked, err = f.messages.MarkThreadAsRead(ctx, carol, thread.ID)
	require.NoError(t, err)
	assert.Zero(t, marked)
	assert.Zero(t, f.thread(t, thread.ID).Stats.UnreadCount)

	_, err = f.messages.MarkAsRead(ctx, dave, m0.ID)
	require.ErrorIs(t, err, ErrForbidden)
}

func TestGetReplies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	thread := f.orderThread(t)
	m0 := f.send(t, alice, thread.ID, "root")
	f.clock.Advance(time.Second)
	r1 := f.reply(t, bob, m0.ID, "first")
	f.clock.Advance(time.Second)
	r2 := f.reply(t, carol, m0.ID, "second")
	f.reply(t, alice, r1.ID, "nested")

	items, total, err := f.messages.GetReplies(ctx, alice, m0.ID, store.Page{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, items, 2)
	assert.Equal(t, r1.ID, items[0].ID)
	assert.Equal(t, r2.ID, items[1].ID)

	roots, total, err := f.messages.ListMessages(ctx, alice, thread.ID, true, store.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, m0.ID, roots[0].ID)

	_, _, err = f.messages.GetReplies(ctx, dave, m0.ID, store.Page{})
	require.ErrorIs(t, err, ErrForbidden)
}

type memoryObjects struct {
	mu   sync.Mutex
	keys []string
}

func (m *memoryObjects) Put(_ context.Context, key string, body io.Reader, _ int64, _ string) (string, error) {
	if _, err := io.ReadAll(body); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, key)
	return "https://cdn.example.com/" + key, nil
}

var pngHeader = []byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d, 0x49, 0x48, 0x44, 0x52}

func TestUploadAttachment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	thread := f.orderThread(t)

	_, err := f.messages.UploadAttachment(ctx, bob, thread.ID, "proof.png", bytes.NewReader(pngHeader))
	require.Error(t, err)
	status, code, _, _ := mapError(err)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "UNAVAILABLE", code)

	objects := &memoryObjects{}
	f.messages.uploader = attachment.NewService(objects, 1024)

	att, err := f.messages.UploadAttachment(ctx, bob, thread.ID, "proof.png", bytes.NewReader(pngHeader))
	require.NoError(t, err)
	assert.Equal(t, "image/png", att.MimeType)
	assert.Equal(t, bob.UserID, att.UploadedBy)
	assert.True(t, strings.HasPrefix(att.URL, "https://cdn.example.com/threads/"+thread.ID+"/"))
	assert.Len(t, objects.keys, 1)

	_, err = f.messages.UploadAttachment(ctx, bob, thread.ID, "page.html", strings.NewReader("<html><body>hi</body></html>"))
	require.ErrorIs(t, err, ErrValidation)
	_, err = f.messages.UploadAttachment(ctx, bob, thread.ID, "big.txt", strings.NewReader(strings.Repeat("a", 2048)))
	require.ErrorIs(t, err, ErrValidation)
	_, err = f.messages.UploadAttachment(ctx, dave, thread.ID, "proof.png", bytes.NewReader(pngHeader))
	require.ErrorIs(t, err, ErrForbidden)

	msg, err := f.messages.SendMessage(ctx, bob, thread.ID, SendMessageInput{
		Content:     store.MessageContent{Type: store.ContentFile},
		Attachments: []store.Attachment{att},
	})
	require.NoError(t, err)
	assert.Equal(t, att.ID, msg.Attachments[0].ID)
}

type stubPreviewer struct {
	calls   []string
	preview store.LinkPreview
	err     error
}

func (p *stubPreviewer) Fetch(_ context.Context, rawURL string) (store.LinkPreview, error) {
	p.calls = append(p.calls, rawURL)
	if p.err != nil {
		return store.LinkPreview{}, p.err
	}
	preview := p.preview
	preview.URL = rawURL
	return preview, nil
}

func TestLinkPreviews(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	thread := f.orderThread(t)

	previewer := &stubPreviewer{preview: store.LinkPreview{Title: "Proof board", SiteName: "figma.com"}}
	f.messages.previewer = previewer

	msg := f.send(t, alice, thread.ID, "latest board: https://figma.com/file/abc, thoughts?")
	require.Len(t, msg.LinkPreviews, 1)
	assert.Equal(t, "https://figma.com/file/abc", msg.LinkPreviews[0].URL)
	assert.Equal(t, "Proof board", msg.LinkPreviews[0].Title)

	supplied, err := f.messages.SendMessage(ctx, alice, thread.ID, SendMessageInput{
		Content:      store.MessageContent{Text: "https://example.com"},
		LinkPreviews: []store.LinkPreview{{URL: "https://example.com", Title: "client supplied"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "client supplied", supplied.LinkPreviews[0].Title)
	assert.Len(t, previewer.calls, 1)

	previewer.err = errors.New("timeout")
	plain := f.send(t, alice, thread.ID, "down: https://slow.example.com")
	assert.Empty(t, plain.LinkPreviews, "preview failures never block a send")

	_, err = f.messages.GenerateLinkPreview(ctx, "https://slow.example.com")
	require.Error(t, err)
	_, code, _, _ := mapError(err)
	assert.Equal(t, "PREVIEW_FAILED", code)

	f.messages.previewer = nil
	_, err = f.messages.GenerateLinkPreview(ctx, "https://example.com")
	assert.Equal(t, "UNAVAILABLE", domainCode(err))
}

func TestFlattenDeepReplies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	thread := f.orderThread(t)

	ids := []string{"m0", "m1", "m2", "m3", "m4", "m5"}
	for depth, id := range ids {
		msg := store.Message{
			ID:          id,
			ThreadID:    thread.ID,
			Sender:      alice.UserID,
			SenderType:  store.SenderUser,
			Content:     store.MessageContent{Type: store.ContentText, Text: id},
			ThreadDepth: depth,
			ThreadPath:  append([]string{}, ids[:depth]...),
			CreatedAt:   f.clock.Now().Add(time.Duration(depth) * time.Second),
		}
		if depth > 0 {
			parent := ids[depth-1]
			rootID := ids[0]
			msg.ReplyTo = &parent
			msg.RootMessageID = &rootID
		}
		require.NoError(t, f.st.CreateMessage(ctx, msg))
	}

	result, err := f.messages.FlattenDeepReplies(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Flattened)

	for _, id := range []string{"m4", "m5"} {
		msg := f.message(t, id)
		assert.Equal(t, store.MaxThreadDepth, msg.ThreadDepth)
		assert.Equal(t, []string{"m0", "m1", "m2"}, msg.ThreadPath)
		require.NotNil(t, msg.ReplyTo)
		assert.Equal(t, "m2", *msg.ReplyTo)
	}

	m2 := f.message(t, "m2")
	assert.Equal(t, 3, m2.ReplyCount)
	assert.Equal(t, 3, m2.TotalReplyCount)
	m3 := f.message(t, "m3")
	assert.Zero(t, m3.ReplyCount)
	assert.Zero(t, m3.TotalReplyCount)
	m0 := f.message(t, "m0")
	assert.Equal(t, 1, m0.ReplyCount)
	assert.Equal(t, 5, m0.TotalReplyCount)

	again, err := f.messages.FlattenDeepReplies(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Flattened)
}
