package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/zap"

	"threadline/api/internal/logging"
)

type WatermillOptions struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	BufferSize      int64
}

// WatermillBus is the outbound task queue for the API process. Events are
// published to an in-process pub/sub and consumed through a router with
// retry and panic recovery, so each handler sees an event at least once.
type WatermillBus struct {
	pubsub  *gochannel.GoChannel
	router  *message.Router
	logger  *zap.Logger
	opts    WatermillOptions
	mu      sync.Mutex
	subs    []subscription
	started bool
	done    chan struct{}
}

func NewWatermillBus(logger *zap.Logger, opts WatermillOptions) (*WatermillBus, error) {
	logger = logging.OrNop(logger)
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 200 * time.Millisecond
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = 5 * time.Second
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}

	adapter := NewZapAdapter(logger.Named("watermill"))
	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: opts.BufferSize}, adapter)

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: 10 * time.Second}, adapter)
	if err != nil {
		return nil, fmt.Errorf("create event router: %w", err)
	}

	bus := &WatermillBus{
		pubsub: pubsub,
		router: router,
		logger: logger,
		opts:   opts,
		done:   make(chan struct{}),
	}
	router.AddMiddleware(
		bus.dropExhausted,
		middleware.Retry{
			MaxRetries:      opts.MaxRetries,
			InitialInterval: opts.InitialInterval,
			MaxInterval:     opts.MaxInterval,
			Multiplier:      2,
			Logger:          adapter,
		}.Middleware,
		middleware.Recoverer,
	)
	return bus, nil
}

func (b *WatermillBus) Subscribe(eventType Type, name string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		b.logger.Error("event_subscribe_after_start", zap.String("handler", name), zap.String("event_type", string(eventType)))
		return
	}
	b.subs = append(b.subs, subscription{eventType: eventType, name: name, handler: handler})
}

// Start registers the handlers and runs the router until ctx is cancelled or
// Close is called. It returns once the router is consuming.
func (b *WatermillBus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	for _, sub := range b.subs {
		sub := sub
		b.router.AddNoPublisherHandler(
			string(sub.eventType)+"/"+sub.name,
			string(sub.eventType),
			b.pubsub,
			func(msg *message.Message) error {
				var event Event
				if err := json.Unmarshal(msg.Payload, &event); err != nil {
					b.logger.Error("event_decode_failed", zap.String("message_uuid", msg.UUID), zap.Error(err))
					return nil
				}
				return sub.handler(msg.Context(), event)
			},
		)
	}
	b.mu.Unlock()

	go func() {
		defer close(b.done)
		if err := b.router.Run(ctx); err != nil {
			b.logger.Error("event_router_stopped", zap.Error(err))
		}
	}()

	select {
	case <-b.router.Running():
		return nil
	case <-b.done:
		return fmt.Errorf("event router exited before running")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *WatermillBus) Publish(_ context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := message.NewMessage(event.ID, payload)
	msg.Metadata.Set("event_type", string(event.Type))
	if err := b.pubsub.Publish(string(event.Type), msg); err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	return nil
}

func (b *WatermillBus) Close() error {
	routerErr := b.router.Close()
	pubsubErr := b.pubsub.Close()
	if routerErr != nil {
		return routerErr
	}
	return pubsubErr
}

// dropExhausted acks a message whose handler still fails after every retry.
// The in-process pub/sub redelivers nacked messages forever otherwise.
func (b *WatermillBus) dropExhausted(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		produced, err := h(msg)
		if err != nil {
			b.logger.Error("event_handler_gave_up",
				zap.String("message_uuid", msg.UUID),
				zap.String("event_type", msg.Metadata.Get("event_type")),
				zap.String("handler", message.HandlerNameFromCtx(msg.Context())),
				zap.Int("max_retries", b.opts.MaxRetries),
				zap.Error(err),
			)
			return nil, nil
		}
		return produced, nil
	}
}

// ZapAdapter lets watermill log through the process zap logger.
type ZapAdapter struct {
	logger *zap.Logger
}

func NewZapAdapter(logger *zap.Logger) watermill.LoggerAdapter {
	return ZapAdapter{logger: logging.OrNop(logger)}
}

func zapFields(fields watermill.LogFields) []zap.Field {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, key := range keys {
		out = append(out, zap.Any(key, fields[key]))
	}
	return out
}

func (a ZapAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.logger.Error(msg, append(zapFields(fields), zap.Error(err))...)
}

func (a ZapAdapter) Info(msg string, fields watermill.LogFields) {
	a.logger.Info(msg, zapFields(fields)...)
}

func (a ZapAdapter) Debug(msg string, fields watermill.LogFields) {
	a.logger.Debug(msg, zapFields(fields)...)
}

func (a ZapAdapter) Trace(msg string, fields watermill.LogFields) {
	a.logger.Debug(msg, zapFields(fields)...)
}

func (a ZapAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return ZapAdapter{logger: a.logger.With(zapFields(fields)...)}
}
