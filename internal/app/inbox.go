package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"threadline/api/internal/store"
)

// InboxService reads the in-app notification channel.
type InboxService struct {
	store Store
	now   func() time.Time
}

func NewInboxService(st Store) *InboxService {
	return &InboxService{store: st, now: time.Now}
}

func (s *InboxService) List(ctx context.Context, actor Actor, unreadOnly bool, page store.Page) ([]store.Notification, error) {
	items, err := s.store.ListNotifications(ctx, actor.UserID, unreadOnly, page)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return items, nil
}

func (s *InboxService) MarkRead(ctx context.Context, actor Actor, notificationID string) error {
	err := s.store.MarkNotificationRead(ctx, notificationID, actor.UserID, s.now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return notFoundError("notification not found")
	}
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	return nil
}
