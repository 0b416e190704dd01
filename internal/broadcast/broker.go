// Package broadcast fans envelopes out to the subscribers of a topic.
//
// Delivery is at-most-once and fire-and-forget: there are no acks, no
// retries and no replay. A subscriber only sees envelopes published while it
// is subscribed. Publish never blocks; a subscriber whose buffer is full is
// dropped and its channel closed.
package broadcast

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/shootlive-backend/internal/metrics"
	"github.com/DoyleJ11/shootlive-backend/pkg/types"
)

func CompetitionTopic(id int64) string { return fmt.Sprintf("competition/%d", id) }

func StatusTopic(id int64) string { return fmt.Sprintf("competition/%d/status", id) }

type Subscription struct {
	ID    string
	Topic string
	C     <-chan types.Envelope
}

type Broker struct {
	mu      sync.RWMutex
	topics  map[string]map[string]chan types.Envelope
	buffer  int
	closed  bool
	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewBroker returns a broker giving every subscriber a buffer of size envelopes.
func NewBroker(buffer int, log *zap.Logger, m *metrics.Metrics) *Broker {
	if buffer < 1 {
		buffer = 1
	}
	return &Broker{
		topics:  make(map[string]map[string]chan types.Envelope),
		buffer:  buffer,
		log:     log.Named("broadcast"),
		metrics: m,
	}
}

// Subscribe registers a new subscriber on topic. The returned channel is
// closed on Unsubscribe, when the subscriber falls behind, or on Close.
func (b *Broker) Subscribe(topic string) *Subscription {
	ch := make(chan types.Envelope, b.buffer)
	sub := &Subscription{ID: uuid.NewString(), Topic: topic, C: ch}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	subs := b.topics[topic]
	if subs == nil {
		subs = make(map[string]chan types.Envelope)
		b.topics[topic] = subs
	}
	subs[sub.ID] = ch
	b.metrics.Subscribers.Inc()
	return sub
}

func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sub.Topic, sub.ID)
}

// Publish delivers env to every current subscriber of topic and returns how
// many received it.
func (b *Broker) Publish(topic string, env types.Envelope) int {
	b.metrics.Published.WithLabelValues(env.Type).Inc()

	var slow []string
	delivered := 0

	b.mu.RLock()
	for id, ch := range b.topics[topic] {
		select {
		case ch <- env:
			delivered++
		default:
			slow = append(slow, id)
		}
	}
	b.mu.RUnlock()

	if len(slow) > 0 {
		b.mu.Lock()
		for _, id := range slow {
			if b.removeLocked(topic, id) {
				b.metrics.DroppedSubscribers.Inc()
				b.log.Warn("dropped slow subscriber",
					zap.String("topic", topic),
					zap.String("subscriber", id),
					zap.String("envelope", env.Type))
			}
		}
		b.mu.Unlock()
	}
	return delivered
}

// SubscriberCount reports the live subscribers of topic.
func (b *Broker) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Close drops every subscriber. Later subscriptions are closed immediately.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, subs := range b.topics {
		for id := range subs {
			b.removeLocked(topic, id)
		}
	}
	b.closed = true
}

func (b *Broker) removeLocked(topic, id string) bool {
	subs := b.topics[topic]
	ch, ok := subs[id]
	if !ok {
		return false
	}
	close(ch)
	delete(subs, id)
	if len(subs) == 0 {
		delete(b.topics, topic)
	}
	b.metrics.Subscribers.Dec()
	return true
}
