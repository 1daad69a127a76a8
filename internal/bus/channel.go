package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

var errBusClosed = fmt.Errorf("bus is closed")

// route addresses one tenant's stream of a topic. tenant may be
// domain.AllTenants.
type route struct {
	tenant string
	topic  string
}

// TopicStats counts deliveries for one topic.
type TopicStats struct {
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
}

type topicCounters struct {
	delivered atomic.Int64
	dropped   atomic.Int64
}

// ChannelBus is the in-process community tier bus. Every subscription owns
// a buffered inbox drained by its own goroutine, so one slow handler never
// stalls the publisher or other subscribers.
type ChannelBus struct {
	mu       sync.RWMutex
	capacity int
	routes   map[route][]*channelSubscription
	counters sync.Map // topic -> *topicCounters
	closed   bool
}

type channelSubscription struct {
	id      string
	route   route
	handler domain.MessageHandler
	inbox   chan *domain.Message
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
	bus     *ChannelBus
}

// NewChannelBus returns a bus whose subscriptions buffer up to capacity
// messages. A non-positive capacity falls back to 256.
func NewChannelBus(capacity int) *ChannelBus {
	if capacity <= 0 {
		capacity = 256
	}
	return &ChannelBus{
		capacity: capacity,
		routes:   make(map[route][]*channelSubscription),
	}
}

// Publish hands msg to the tenant's subscribers and to every AllTenants
// subscriber of topic. It never blocks: a full inbox drops the message.
func (b *ChannelBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if tenantID == "" || tenantID == domain.AllTenants {
		return fmt.Errorf("tenantID is required")
	}

	// Held through the sends so Close cannot close an inbox mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errBusClosed
	}

	msg := newMessage(tenantID, topic, payload)
	c := b.topic(topic)
	for _, targets := range [][]*channelSubscription{
		b.routes[route{tenantID, topic}],
		b.routes[route{domain.AllTenants, topic}],
	} {
		for _, sub := range targets {
			select {
			case sub.inbox <- msg:
				c.delivered.Add(1)
			default:
				c.dropped.Add(1)
				slog.Warn("subscriber inbox full, message dropped",
					"tenant_id", tenantID,
					"topic", topic,
					"subscription_id", sub.id,
				)
			}
		}
	}
	return nil
}

// Subscribe starts delivering topic messages for tenantID to handler, one
// at a time. tenantID may be domain.AllTenants.
func (b *ChannelBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errBusClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &channelSubscription{
		id:      uuid.New().String(),
		route:   route{tenantID, topic},
		handler: handler,
		inbox:   make(chan *domain.Message, b.capacity),
		ctx:     subCtx,
		cancel:  cancel,
		bus:     b,
	}
	b.routes[sub.route] = append(b.routes[sub.route], sub)

	go sub.drain()
	return sub, nil
}

func (s *channelSubscription) drain() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-s.inbox:
			if !ok {
				return
			}
			if err := s.handler(s.ctx, msg); err != nil {
				slog.Error("message handler failed",
					"tenant_id", msg.TenantID,
					"topic", s.route.topic,
					"message_id", msg.ID,
					"error", err,
				)
			}
		}
	}
}

func (b *ChannelBus) topic(name string) *topicCounters {
	c, _ := b.counters.LoadOrStore(name, &topicCounters{})
	return c.(*topicCounters)
}

// TopicStats reports deliveries for one topic.
func (b *ChannelBus) TopicStats(topic string) TopicStats {
	c := b.topic(topic)
	return TopicStats{Delivered: c.delivered.Load(), Dropped: c.dropped.Load()}
}

// Dropped returns the number of deliveries lost to full inboxes across all
// topics.
func (b *ChannelBus) Dropped() int64 {
	var n int64
	b.counters.Range(func(_, v any) bool {
		n += v.(*topicCounters).dropped.Load()
		return true
	})
	return n
}

// Ping fails once the bus is closed.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errBusClosed
	}
	return nil
}

// Close stops every subscription. Closing twice is a no-op.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	for _, subs := range b.routes {
		for _, sub := range subs {
			sub.cancel()
			close(sub.inbox)
		}
	}
	b.routes = make(map[route][]*channelSubscription)
	return nil
}

func (b *ChannelBus) detach(sub *channelSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.routes[sub.route]
	kept := subs[:0:0]
	for _, s := range subs {
		if s != sub {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(b.routes, sub.route)
		return
	}
	b.routes[sub.route] = kept
}

// Unsubscribe stops delivery. It is safe to call more than once.
func (s *channelSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		s.bus.detach(s)
	})
	return nil
}

// Topic returns the subscribed topic.
func (s *channelSubscription) Topic() string {
	return s.route.topic
}
