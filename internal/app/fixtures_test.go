package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"threadline/api/internal/events"
	"threadline/api/internal/metrics"
	"threadline/api/internal/notify"
	"threadline/api/internal/store"
)

var (
	alice = Actor{UserID: "u_alice", Username: "alice", Role: "customer"}
	bob   = Actor{UserID: "u_bob", Username: "bob", Role: "printer"}
	carol = Actor{UserID: "u_carol", Username: "carol", Role: "member"}
	dave  = Actor{UserID: "u_dave", Username: "dave", Role: "member"}
	root  = Actor{UserID: "u_root", Username: "root", Role: "admin"}
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) record(_ context.Context, event events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return nil
}

func (l *eventLog) ofType(eventType events.Type) []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]events.Event, 0)
	for _, e := range l.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	st           *store.MemoryStore
	bus          *events.SyncBus
	clock        *testClock
	log          *eventLog
	metrics      *metrics.Metrics
	participants *ParticipantService
	threads      *ThreadService
	messages     *MessageService
}

// newFixture wires the services on a memory store with an inline bus. alice,
// bob and carol are stakeholders of order ord_1; dave has no access to it.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newWrappedFixture(t, nil)
}

// newWrappedFixture is newFixture with the services running against
// wrap(memory store), so a test can inject failures or interleavings.
func newWrappedFixture(t *testing.T, wrap func(*store.MemoryStore) Store) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	for _, a := range []Actor{alice, bob, carol, dave, root} {
		require.NoError(t, st.CreateUser(ctx, store.User{
			ID:          a.UserID,
			Username:    a.Username,
			DisplayName: a.Username,
			Email:       a.Username + "@example.com",
			Role:        a.Role,
		}))
	}
	for _, a := range []Actor{alice, bob, carol} {
		require.NoError(t, st.AddStakeholder(ctx, store.Stakeholder{
			ReferenceID:   "ord_1",
			ReferenceType: store.ReferenceOrder,
			UserID:        a.UserID,
			Role:          a.Role,
		}))
	}

	clock := &testClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	m := metrics.New()
	bus := events.NewSyncBus(nil)
	log := &eventLog{}
	for _, eventType := range events.Types {
		bus.Subscribe(eventType, "log", log.record)
	}

	var services Store = st
	if wrap != nil {
		services = wrap(st)
	}
	participants := NewParticipantService(services, nil, nil, m)
	participants.now = clock.Now
	threads := NewThreadService(services, participants, bus, ThreadServiceOptions{Metrics: m})
	threads.now = clock.Now
	messages := NewMessageService(services, bus, MessageServiceOptions{Metrics: m})
	messages.now = clock.Now

	return &fixture{
		st:           st,
		bus:          bus,
		clock:        clock,
		log:          log,
		metrics:      m,
		participants: participants,
		threads:      threads,
		messages:     messages,
	}
}

// withNotifications registers the membership and notification handlers with
// an in-app provider writing to the fixture's store.
func (f *fixture) withNotifications(t *testing.T) {
	t.Helper()
	dispatcher := notify.NewDispatcher(f.st, []notify.Provider{notify.NewInApp(f.st)}, notify.Options{Metrics: f.metrics})
	RegisterHandlers(f.bus, f.participants, dispatcher, nil)
}

func (f *fixture) orderThread(t *testing.T) store.Thread {
	t.Helper()
	thread, err := f.threads.CreateThread(context.Background(), alice, CreateThreadInput{
		Type:    store.ThreadTypeOrder,
		Title:   "Order 1 proofs",
		Context: store.ThreadContext{ReferenceID: "ord_1", ReferenceType: store.ReferenceOrder},
	})
	require.NoError(t, err)
	return thread
}

func (f *fixture) send(t *testing.T, actor Actor, threadID, text string) store.Message {
	t.Helper()
	msg, err := f.messages.SendMessage(context.Background(), actor, threadID, SendMessageInput{
		Content: store.MessageContent{Text: text},
	})
	require.NoError(t, err)
	return msg
}

func (f *fixture) reply(t *testing.T, actor Actor, parentID, text string) store.Message {
	t.Helper()
	msg, err := f.messages.SendReply(context.Background(), actor, parentID, SendMessageInput{
		Content: store.MessageContent{Text: text},
	})
	require.NoError(t, err)
	return msg
}

func (f *fixture) thread(t *testing.T, id string) store.Thread {
	t.Helper()
	thread, err := f.st.FindThreadByID(context.Background(), id)
	require.NoError(t, err)
	return thread
}

func (f *fixture) message(t *testing.T, id string) store.Message {
	t.Helper()
	msg, err := f.st.FindMessageByID(context.Background(), id)
	require.NoError(t, err)
	return msg
}

func domainCode(err error) string {
	_, code, _, _ := mapError(err)
	return code
}
