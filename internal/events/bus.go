// Package events provides the in-process pub/sub bus connecting the engine
// components. Delivery is per-subscriber: each subscription owns a bounded
// queue drained by its own goroutine, so one slow consumer never blocks
// publishers or other consumers. When a queue overflows the oldest event is
// dropped and counted.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"funding_arb/internal/core"
	"funding_arb/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Topic identifies an event stream on the bus.
type Topic string

const (
	TopicRateUpdated         Topic = "rate-updated"
	TopicOpportunityBand     Topic = "opportunity"
	TopicOpportunityDetected Topic = "opportunityDetected"
	TopicOpportunityExpired  Topic = "opportunityExpired"
	TopicOpportunityClosed   Topic = "opportunityClosed"
	TopicExitSuggested       Topic = "exitSuggested"
	TopicExitCanceled        Topic = "exitCanceled"
	TopicTriggerDetected     Topic = "triggerDetected"
	TopicCloseProgress       Topic = "closeProgress"
	TopicCloseSucceeded      Topic = "closeSucceeded"
	TopicCloseFailed         Topic = "closeFailed"
	TopicClosePartial        Topic = "closePartial"
	TopicDataSourceSwitched  Topic = "dataSourceSwitched"
	TopicDataSourceStale     Topic = "dataSourceStale"
)

// Event is one published bus message.
type Event struct {
	Topic   Topic
	At      time.Time
	Payload interface{}
}

const defaultQueueSize = 256

// Subscription is one consumer's view of the bus.
type Subscription struct {
	name   string
	topics map[Topic]struct{}

	mu     sync.Mutex
	queue  []Event
	max    int
	notify chan struct{}

	out  chan Event
	done chan struct{}
	once sync.Once

	dropped atomic.Uint64
}

// C returns the delivery channel. It is closed when the subscription closes.
func (s *Subscription) C() <-chan Event { return s.out }

// Name returns the subscriber name given at Subscribe time.
func (s *Subscription) Name() string { return s.name }

// Dropped returns how many events were discarded due to queue overflow.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *Subscription) matches(t Topic) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[t]
	return ok
}

// push enqueues with drop-oldest overflow.
func (s *Subscription) push(ev Event) (droppedOne bool) {
	s.mu.Lock()
	if len(s.queue) >= s.max {
		s.queue = s.queue[1:]
		s.dropped.Add(1)
		droppedOne = true
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return droppedOne
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
			for {
				s.mu.Lock()
				if len(s.queue) == 0 {
					s.mu.Unlock()
					break
				}
				ev := s.queue[0]
				s.queue = s.queue[1:]
				s.mu.Unlock()

				select {
				case s.out <- ev:
				case <-s.done:
					return
				}
			}
		}
	}
}

// Bus fans published events out to matching subscriptions.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool

	logger      core.ILogger
	dropCounter metric.Int64Counter
	wg          sync.WaitGroup
}

// NewBus creates the bus.
func NewBus(logger core.ILogger) *Bus {
	meter := telemetry.GetMeter("events-bus")
	dropCounter, _ := meter.Int64Counter(telemetry.MetricEventsDroppedTotal,
		metric.WithDescription("Events dropped from slow subscriber queues"))

	return &Bus{
		subs:        make(map[*Subscription]struct{}),
		logger:      logger.WithField("component", "events"),
		dropCounter: dropCounter,
	}
}

// Subscribe registers a consumer. An empty topic list receives every topic.
// queueSize <= 0 selects the default.
func (b *Bus) Subscribe(name string, queueSize int, topics ...Topic) *Subscription {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	sub := &Subscription{
		name:   name,
		topics: make(map[Topic]struct{}, len(topics)),
		max:    queueSize,
		notify: make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
	}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.Close()
		close(sub.out)
		return sub
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		sub.pump()
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
	}()

	return sub
}

// Publish delivers the payload to every matching subscription.
func (b *Bus) Publish(topic Topic, payload interface{}) {
	ev := Event{Topic: topic, At: time.Now(), Payload: payload}

	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		if sub.matches(topic) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if sub.push(ev) {
			b.dropCounter.Add(context.Background(), 1, metric.WithAttributes(
				attribute.String("subscriber", sub.name),
				attribute.String("topic", string(topic)),
			))
			b.logger.Warn("Subscriber queue overflow, dropped oldest event",
				"subscriber", sub.name, "topic", topic, "dropped_total", sub.Dropped())
		}
	}
}

// Close shuts every subscription down and waits for their pumps to exit.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	b.wg.Wait()
}
