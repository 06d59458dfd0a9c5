package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"threadline/api/internal/email"
	"threadline/api/internal/store"
	"threadline/api/internal/util"
)

type NotificationWriter interface {
	CreateNotification(ctx context.Context, item store.Notification) error
}

// InApp persists a notification record the client lists and marks read.
type InApp struct {
	store NotificationWriter
	now   func() time.Time
}

func NewInApp(st NotificationWriter) *InApp {
	return &InApp{store: st, now: time.Now}
}

func (p *InApp) Channel() Channel { return ChannelInApp }

func (p *InApp) Trigger(ctx context.Context, userID string, payload Payload) error {
	metadata := map[string]any{"threadTitle": payload.ThreadTitle}
	if payload.ActorID != "" {
		metadata["actorId"] = payload.ActorID
	}
	for k, v := range payload.Data {
		metadata[k] = v
	}
	item := store.Notification{
		ID:        util.NewID("ntf"),
		UserID:    userID,
		ThreadID:  payload.ThreadID,
		MessageID: payload.MessageID,
		Event:     string(payload.Event),
		Title:     payload.Title,
		Body:      payload.Body,
		Priority:  string(payload.Priority),
		Metadata:  metadata,
		CreatedAt: p.now().UTC(),
	}
	if err := p.store.CreateNotification(ctx, item); err != nil {
		return fmt.Errorf("store in-app notification: %w", err)
	}
	return nil
}

// Push publishes payloads on a per-user Redis channel a push gateway
// subscribes to.
type Push struct {
	client *redis.Client
	prefix string
}

func NewPush(client *redis.Client) *Push {
	return &Push{client: client, prefix: "push:"}
}

func (p *Push) Channel() Channel { return ChannelPush }

func (p *Push) ChannelFor(userID string) string {
	return p.prefix + userID
}

func (p *Push) Trigger(ctx context.Context, userID string, payload Payload) error {
	body, err := json.Marshal(struct {
		UserID string `json:"userId"`
		Payload
	}{UserID: userID, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal push payload: %w", err)
	}
	if err := p.client.Publish(ctx, p.ChannelFor(userID), body).Err(); err != nil {
		return fmt.Errorf("publish push: %w", err)
	}
	return nil
}

type Mailer interface {
	IsConfigured() bool
	SendThreadNotification(to string, data email.ThreadNotificationData) error
}

type UserDirectory interface {
	FindUserByID(ctx context.Context, userID string) (store.User, error)
}

// Email mails high-priority payloads to the recipient's directory address.
type Email struct {
	mailer    Mailer
	directory UserDirectory
	appURL    string
}

func NewEmail(mailer Mailer, directory UserDirectory, appURL string) *Email {
	return &Email{mailer: mailer, directory: directory, appURL: strings.TrimRight(appURL, "/")}
}

func (p *Email) Channel() Channel { return ChannelEmail }

func (p *Email) Accepts(payload Payload) bool {
	return p.mailer.IsConfigured() && payload.HighPriority()
}

func (p *Email) Trigger(ctx context.Context, userID string, payload Payload) error {
	user, err := p.directory.FindUserByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrUnreachable
	}
	if err != nil {
		return fmt.Errorf("load recipient: %w", err)
	}
	if strings.TrimSpace(user.Email) == "" {
		return ErrUnreachable
	}

	data := email.ThreadNotificationData{
		RecipientName: user.DisplayName,
		ThreadTitle:   payload.ThreadTitle,
		Headline:      payload.Title,
		Body:          payload.Body,
	}
	if p.appURL != "" {
		data.ThreadURL = p.appURL + "/threads/" + payload.ThreadID
	}
	return p.mailer.SendThreadNotification(user.Email, data)
}
