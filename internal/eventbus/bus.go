package eventbus

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Bus orchestrates topic-based publish/subscribe messaging between the
// bridge's components and any observers (console logger, tests).
type Bus struct {
	logger      *log.Logger
	mu          sync.RWMutex
	subscribers map[Topic]map[uint64]*Subscription
	buffers     map[Topic]int
	nextID      uint64
}

// New constructs a bus with default topic buffer sizes.
func New(opts ...BusOption) *Bus {
	bus := &Bus{
		logger:      log.Default(),
		subscribers: make(map[Topic]map[uint64]*Subscription),
		buffers: map[Topic]int{
			TopicServicesStatus:  128,
			TopicServicesTools:   64,
			TopicServicesLog:     256,
			TopicRequestsTimeout: 64,
			TopicBridgeLifecycle: 16,
		},
	}
	for _, opt := range opts {
		opt(bus)
	}
	return bus
}

// BusOption customises bus behaviour.
type BusOption func(*Bus)

// WithLogger overrides the logger used for drop warnings.
func WithLogger(logger *log.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithTopicBuffer sets the buffer size for a given topic.
func WithTopicBuffer(topic Topic, size int) BusOption {
	return func(b *Bus) {
		if size <= 0 {
			size = 1
		}
		b.buffers[topic] = size
	}
}

// Publish delivers an envelope to every subscriber of its topic. Delivery is
// non-blocking: a subscriber with a full channel drops the event and the drop
// is counted against that subscription. If b is nil the call is a no-op.
func (b *Bus) Publish(env Envelope) {
	if b == nil || env.Topic == "" {
		return
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	if env.Source == "" {
		env.Source = SourceUnknown
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subscribers[env.Topic] {
		sub.deliver(env, b.logger)
	}
}

// Subscribe registers a consumer for the given topic.
// If b is nil the returned Subscription carries a closed channel.
func (b *Bus) Subscribe(topic Topic, opts ...SubscriptionOption) *Subscription {
	if b == nil {
		ch := make(chan Envelope)
		close(ch)
		sub := &Subscription{ch: ch}
		sub.closed.Store(true)
		return sub
	}

	cfg := subscriptionConfig{bufferSize: b.buffers[topic]}
	if cfg.bufferSize <= 0 {
		cfg.bufferSize = 1
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	id := atomic.AddUint64(&b.nextID, 1)
	sub := &Subscription{
		topic: topic,
		id:    id,
		name:  cfg.name,
		ch:    make(chan Envelope, cfg.bufferSize),
		bus:   b,
	}

	b.mu.Lock()
	if _, exists := b.subscribers[topic]; !exists {
		b.subscribers[topic] = make(map[uint64]*Subscription)
	}
	b.subscribers[topic][id] = sub
	b.mu.Unlock()

	return sub
}

// Shutdown closes all subscriptions and empties the routing tables.
// If b is nil the call is a no-op.
func (b *Bus) Shutdown() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, subs := range b.subscribers {
		for id, sub := range subs {
			sub.closeLocked()
			delete(subs, id)
		}
		delete(b.subscribers, topic)
	}
}

// SubscriptionOption customises individual subscriptions.
type SubscriptionOption func(*subscriptionConfig)

type subscriptionConfig struct {
	bufferSize int
	name       string
}

// WithSubscriptionBuffer overrides the channel buffer for a subscription.
func WithSubscriptionBuffer(size int) SubscriptionOption {
	return func(cfg *subscriptionConfig) {
		if size > 0 {
			cfg.bufferSize = size
		}
	}
}

// WithSubscriptionName records a human friendly identifier used in drop logs.
func WithSubscriptionName(name string) SubscriptionOption {
	return func(cfg *subscriptionConfig) {
		cfg.name = name
	}
}

// Subscription represents a consumer listening to a topic.
type Subscription struct {
	topic Topic
	id    uint64
	name  string
	ch    chan Envelope

	bus     *Bus
	closed  atomic.Bool
	dropped atomic.Uint64
}

// C exposes the event channel.
func (s *Subscription) C() <-chan Envelope {
	return s.ch
}

// Dropped reports how many envelopes were discarded because the subscriber
// was not keeping up.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close removes the subscription from the bus and closes the channel.
func (s *Subscription) Close() {
	if s.bus == nil {
		s.closeLocked()
		return
	}
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if subs, ok := s.bus.subscribers[s.topic]; ok {
		delete(subs, s.id)
	}
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

func (s *Subscription) deliver(env Envelope, logger *log.Logger) {
	if s.closed.Load() {
		return
	}
	select {
	case s.ch <- env:
	default:
		if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
			name := s.name
			if name == "" {
				name = "subscriber"
			}
			logger.Printf("[EventBus] %s on %s dropped %d events", name, s.topic, n)
		}
	}
}
