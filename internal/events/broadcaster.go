// ABOUTME: In-memory fan-out event broadcaster for gateway state changes
// ABOUTME: Publishes topic events to every subscriber whose pattern matches, dropping for slow readers

package events

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// TopicAll matches every topic.
	TopicAll = "*"
)

// Well-known topics.
const (
	TopicSessionsChanged  = "sessions.changed"
	TopicSubagentSpawned  = "subagent.spawned"
	TopicSubagentEnded    = "subagent.ended"
	TopicDecisionCreated  = "decision.created"
	TopicDecisionResolved = "decision.resolved"
	TopicDecisionExpired  = "decision.expired"
	TopicGatewayReload    = "gateway.reload"
	TopicAgentRun         = "agent.run"
)

// Event is a single broadcast notification.
type Event struct {
	Seq     uint64    `json:"seq"`
	Topic   string    `json:"event"`
	Time    time.Time `json:"ts"`
	Payload any       `json:"payload,omitempty"`
}

// Publisher is the sink subsystems publish into.
type Publisher interface {
	Publish(topic string, payload any)
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(string, any) {}

type subscriber struct {
	patterns []string
	ch       chan Event
}

func (s *subscriber) matches(topic string) bool {
	for _, p := range s.patterns {
		if Match(p, topic) {
			return true
		}
	}
	return false
}

// Broadcaster provides in-memory pub/sub for gateway events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber // subID -> subscriber
	seq         atomic.Uint64
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]*subscriber),
		logger:      logger.With("component", "events"),
	}
}

// Match reports whether topic matches pattern. Patterns are an exact topic,
// "*", or a prefix followed by ".*".
func Match(pattern, topic string) bool {
	if pattern == TopicAll || pattern == topic {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(topic, prefix+".")
	}
	return false
}

// Subscribe registers a subscriber for the given topic patterns. With no
// patterns the subscriber receives everything. The subscription is removed
// when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, patterns ...string) (<-chan Event, string) {
	if len(patterns) == 0 {
		patterns = []string{TopicAll}
	}
	subID := uuid.New().String()
	sub := &subscriber{
		patterns: append([]string(nil), patterns...),
		ch:       make(chan Event, subscriberBufferSize),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, subID
	}
	b.subscribers[subID] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID, "topics", patterns)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return sub.ch, subID
}

// Publish sends an event to every matching subscriber.
// Non-blocking: events are dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(topic string, payload any) {
	event := Event{
		Seq:     b.seq.Add(1),
		Topic:   topic,
		Time:    time.Now().UTC(),
		Payload: payload,
	}

	// Sends happen under the read lock so Unsubscribe cannot close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subscribers {
		if !sub.matches(topic) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber", "sub_id", id, "topic", topic, "seq", event.Seq)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(sub.ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Count returns the number of live subscriptions.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
	b.closed = true

	b.logger.Debug("broadcaster closed")
}
