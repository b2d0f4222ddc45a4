// Package notification provides the notification manager for broadcasting status events.
package notification

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/orchestrion/internal/app/status"
)

// sendTimeout bounds how long one slow subscriber can hold up a broadcast.
const sendTimeout = 500 * time.Millisecond

// Notification is a status event stamped with a broadcast sequence number.
type Notification struct {
	SequenceNo uint64
	Event      status.Event
}

// Stream represents a notification stream for a subscriber.
type Stream interface {
	Send(Notification) error
}

// subscription represents a subscriber's subscription.
type subscription struct {
	id     string
	stream Stream
}

// Manager manages notification subscriptions and broadcasting.
type Manager struct {
	mu            sync.RWMutex
	subscriptions map[string]*subscription
	sequenceNo    uint64
	sequenceNoMu  sync.Mutex
}

// NewManager creates a new notification manager.
func NewManager() *Manager {
	return &Manager{
		subscriptions: make(map[string]*subscription),
	}
}

// Subscribe adds a new subscription and returns the subscription ID.
func (m *Manager) Subscribe(stream Stream) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.New().String()
	m.subscriptions[id] = &subscription{
		id:     id,
		stream: stream,
	}
	zlog.Debug().Msgf("notification: subscribed: id=%s total=%d", id, len(m.subscriptions))
	return id
}

// Unsubscribe removes a subscription.
func (m *Manager) Unsubscribe(subscriptionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscriptions, subscriptionID)
}

// Broadcast sends an event to all subscribers.
// Each stream send is done in a goroutine with a timeout to prevent blocking.
func (m *Manager) Broadcast(ev status.Event) uint64 {
	m.sequenceNoMu.Lock()
	m.sequenceNo++
	n := Notification{SequenceNo: m.sequenceNo, Event: ev}
	m.sequenceNoMu.Unlock()

	m.mu.RLock()
	subs := make([]*subscription, 0, len(m.subscriptions))
	for _, sub := range m.subscriptions {
		subs = append(subs, sub)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(s *subscription) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()

			done := make(chan error, 1)
			go func() {
				done <- s.stream.Send(n)
			}()

			select {
			case err := <-done:
				if err != nil {
					zlog.Debug().Err(err).Msgf("notification: send failed: id=%s seq=%d", s.id, n.SequenceNo)
				}
			case <-ctx.Done():
				zlog.Debug().Msgf("notification: send timed out: id=%s seq=%d", s.id, n.SequenceNo)
			}
		}(sub)
	}

	wg.Wait()
	return n.SequenceNo
}

// Run broadcasts every event from events until the channel closes or ctx is cancelled.
func (m *Manager) Run(ctx context.Context, events <-chan status.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.Broadcast(ev)
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (m *Manager) SubscriberCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscriptions)
}

// Close closes the manager and removes all subscriptions.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions = make(map[string]*subscription)
}

// ChannelStream is a Stream that delivers events to a buffered channel.
// Events are dropped when the channel is full.
type ChannelStream struct {
	ch chan status.Event
}

// NewChannelStream creates a channel stream with the given capacity.
func NewChannelStream(capacity int) *ChannelStream {
	return &ChannelStream{ch: make(chan status.Event, capacity)}
}

// Send delivers the event without blocking.
func (s *ChannelStream) Send(n Notification) error {
	select {
	case s.ch <- n.Event:
	default:
		zlog.Warn().Msgf("notification: channel stream full, dropping seq=%d", n.SequenceNo)
	}
	return nil
}

// Events returns the receive side of the stream.
func (s *ChannelStream) Events() <-chan status.Event {
	return s.ch
}
