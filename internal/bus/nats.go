package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// subjectPrefix roots every kestrel subject: kestrel.<tenant>.<topic>.
const subjectPrefix = "kestrel."

// Message metadata travels in NATS headers; the body is the raw payload.
const (
	headerMessageID = "Kestrel-Message-Id"
	headerTenant    = "Kestrel-Tenant"
	headerTopic     = "Kestrel-Topic"
	headerTimestamp = "Kestrel-Timestamp"
)

// NATSBus is the pro tier bus. Subjects are per tenant so a worker can
// listen to one tenant, or to all of them through the wildcard token.
type NATSBus struct {
	conn       *nats.Conn
	queueGroup string
}

type natsSubscription struct {
	topic string
	sub   *nats.Subscription
}

// NewNATSBus connects to NATS, retrying the initial dial
// cfg.NATSMaxReconnects times.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	url := cfg.NATSUrl
	if url == "" {
		url = nats.DefaultURL
	}
	attempts := cfg.NATSMaxReconnects
	if attempts <= 0 {
		attempts = 10
	}
	wait := time.Duration(cfg.NATSReconnectWait) * time.Second
	if wait <= 0 {
		wait = 5 * time.Second
	}

	opts := natsOptions(cfg.NATSToken, attempts, wait)

	var conn *nats.Conn
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if conn, err = nats.Connect(url, opts...); err == nil {
			break
		}
		slog.Warn("NATS connection attempt failed",
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		if attempt < attempts {
			time.Sleep(wait)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s after %d attempts: %w", url, attempts, err)
	}

	slog.Info("NATS connected",
		"url", conn.ConnectedUrl(),
		"server_id", conn.ConnectedServerId(),
		"queue_group", cfg.NATSQueueGroup,
	)
	return &NATSBus{conn: conn, queueGroup: cfg.NATSQueueGroup}, nil
}

func natsOptions(token string, reconnects int, wait time.Duration) []nats.Option {
	opts := []nats.Option{
		nats.Name("kestrel"),
		nats.MaxReconnects(reconnects),
		nats.ReconnectWait(wait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			var subject string
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("NATS async error", "subject", subject, "error", err)
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}
	return opts
}

// Publish sends payload on the tenant's subject for topic.
func (b *NATSBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	subject, err := publishSubject(tenantID, topic)
	if err != nil {
		return err
	}
	return b.conn.PublishMsg(encodeMsg(subject, newMessage(tenantID, topic, payload)))
}

// Subscribe registers handler for topic. Subscribing with
// domain.AllTenants listens on the tenant wildcard subject; with a queue
// group configured each message reaches one member of the group.
func (b *NATSBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}
	subject := makeSubject(tenantID, topic)

	deliver := func(m *nats.Msg) {
		msg := decodeMsg(m)
		if err := handler(ctx, msg); err != nil {
			slog.Error("message handler failed",
				"subject", m.Subject,
				"tenant_id", msg.TenantID,
				"message_id", msg.ID,
				"error", err,
			)
		}
	}

	var sub *nats.Subscription
	var err error
	if b.queueGroup != "" {
		sub, err = b.conn.QueueSubscribe(subject, b.queueGroup, deliver)
	} else {
		sub, err = b.conn.Subscribe(subject, deliver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return &natsSubscription{topic: topic, sub: sub}, nil
}

// Ping round-trips to the server.
func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("NATS not connected")
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drains in-flight deliveries and closes the connection.
func (b *NATSBus) Close() error {
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}

// Stats returns NATS connection statistics.
func (b *NATSBus) Stats() nats.Statistics {
	return b.conn.Stats()
}

func encodeMsg(subject string, msg *domain.Message) *nats.Msg {
	m := nats.NewMsg(subject)
	m.Data = msg.Payload
	m.Header.Set(headerMessageID, msg.ID)
	m.Header.Set(headerTenant, msg.TenantID)
	m.Header.Set(headerTopic, msg.Topic)
	m.Header.Set(headerTimestamp, strconv.FormatInt(msg.Timestamp, 10))
	for k, v := range msg.Metadata {
		m.Header.Set("Kestrel-Meta-"+k, v)
	}
	return m
}

// decodeMsg rebuilds a domain message. Messages published without kestrel
// headers still get their tenant from the subject.
func decodeMsg(m *nats.Msg) *domain.Message {
	msg := &domain.Message{
		Payload:  m.Data,
		Metadata: make(map[string]string),
	}
	if m.Header != nil {
		msg.ID = m.Header.Get(headerMessageID)
		msg.TenantID = m.Header.Get(headerTenant)
		msg.Topic = m.Header.Get(headerTopic)
		msg.Timestamp, _ = strconv.ParseInt(m.Header.Get(headerTimestamp), 10, 64)
		for k := range m.Header {
			if name, ok := strings.CutPrefix(k, "Kestrel-Meta-"); ok {
				msg.Metadata[name] = m.Header.Get(k)
			}
		}
	}
	if msg.TenantID == "" {
		msg.TenantID = tenantFromSubject(m.Subject)
	}
	if msg.Topic == "" {
		msg.Topic = topicFromSubject(m.Subject)
	}
	return msg
}

// makeSubject maps a tenant and topic onto kestrel.<tenant>.<topic>.
// Tenant dots are replaced so a tenant is always a single subject token.
func makeSubject(tenantID, topic string) string {
	topic = strings.TrimPrefix(topic, subjectPrefix)
	if tenantID == domain.AllTenants {
		return subjectPrefix + "*." + topic
	}
	return subjectPrefix + strings.ReplaceAll(tenantID, ".", "_") + "." + topic
}

func publishSubject(tenantID, topic string) (string, error) {
	if tenantID == "" || tenantID == domain.AllTenants {
		return "", fmt.Errorf("tenantID is required")
	}
	return makeSubject(tenantID, topic), nil
}

// tenantFromSubject recovers the tenant token of a delivered subject.
func tenantFromSubject(subject string) string {
	rest, ok := strings.CutPrefix(subject, subjectPrefix)
	if !ok {
		return ""
	}
	if i := strings.IndexByte(rest, '.'); i > 0 {
		return rest[:i]
	}
	return ""
}

func topicFromSubject(subject string) string {
	rest, ok := strings.CutPrefix(subject, subjectPrefix)
	if !ok {
		return ""
	}
	if i := strings.IndexByte(rest, '.'); i > 0 {
		return subjectPrefix + rest[i+1:]
	}
	return ""
}

// Unsubscribe removes the subscription.
func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}

// Topic returns the subscribed topic.
func (s *natsSubscription) Topic() string {
	return s.topic
}
