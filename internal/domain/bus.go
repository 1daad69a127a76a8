package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `json:"type" yaml:"type"`

	// Channel settings (Community tier)
	ChannelBufferSize int `json:"channelBufferSize" yaml:"channel_buffer_size"`

	// NATS settings (Pro tier)
	NATSUrl           string `json:"natsUrl" yaml:"nats_url"`
	NATSToken         string `json:"-" yaml:"nats_token"`
	NATSMaxReconnects int    `json:"natsMaxReconnects" yaml:"nats_max_reconnects"`
	NATSReconnectWait int    `json:"natsReconnectWait" yaml:"nats_reconnect_wait"` // seconds

	// NATSQueueGroup load-balances deliveries across kestrel instances
	// sharing the group. Empty delivers every message to every instance.
	NATSQueueGroup string `json:"natsQueueGroup" yaml:"nats_queue_group"`
}

// AllTenants subscribes to a topic across every tenant. Delivered messages
// keep the publishing tenant in Message.TenantID. It cannot be published to.
const AllTenants = "*"

// Topics used by the detection pipeline.
const (
	TopicDetectionRequested = "kestrel.detection.requested"
	TopicRingDetected       = "kestrel.ring.detected"
	TopicFindingRaised      = "kestrel.finding.raised"
	TopicDetectionCompleted = "kestrel.detection.completed"
)

// DetectionRequest is the payload of TopicDetectionRequested.
type DetectionRequest struct {
	TenantID    string `json:"tenantId"`
	RequestedBy string `json:"requestedBy,omitempty"`
	TraceID     string `json:"traceId,omitempty"`
}
