package app

import (
	"context"
	"time"

	"threadline/api/internal/store"
)

// Store is the persistence contract the services run against. Both
// store.PostgresStore and store.MemoryStore satisfy it.
type Store interface {
	CreateThread(context.Context, store.Thread) error
	FindThreadByID(context.Context, string) (store.Thread, error)
	FindThreadsByEvent(context.Context, string, store.ReferenceType, store.Page) ([]store.Thread, error)
	FindThreadsByParticipant(context.Context, string, store.ThreadStatus, store.Page) ([]store.Thread, error)
	FindThreads(context.Context, store.ThreadQuery, store.Page) ([]store.Thread, error)
	CountThreads(context.Context, store.ThreadQuery) (int, error)
	UpdateThread(context.Context, store.Thread) error
	UpdateThreadStats(ctx context.Context, threadID string, stats store.ThreadStats, at time.Time) error
	SoftDeleteThread(context.Context, string, time.Time) error

	CreateMessage(context.Context, store.Message) error
	FindMessageByID(context.Context, string) (store.Message, error)
	FindMessages(context.Context, store.MessageQuery, store.Page) ([]store.Message, error)
	CountMessages(context.Context, store.MessageQuery) (int, error)
	UpdateMessage(context.Context, store.Message) error
	SoftDeleteMessage(context.Context, string, string, time.Time) error
	MarkThreadRead(context.Context, string, string, time.Time) (int, error)

	FindUserByID(context.Context, string) (store.User, error)
	FindUserByUsername(context.Context, string) (store.User, error)
	FindStakeholders(context.Context, string, store.ReferenceType) ([]store.Stakeholder, error)
	CheckEventAccess(context.Context, string, string, store.ReferenceType) (bool, error)
	FindTemplateByID(context.Context, string) (store.ThreadTemplate, error)

	CreateNotification(context.Context, store.Notification) error
	ListNotifications(context.Context, string, bool, store.Page) ([]store.Notification, error)
	MarkNotificationRead(context.Context, string, string, time.Time) error

	Ping(ctx context.Context) error
}

var (
	_ Store = (*store.PostgresStore)(nil)
	_ Store = (*store.MemoryStore)(nil)
)
