package bus

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, ch <-chan *domain.Message) *domain.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
		return nil
	}
}

func TestChannelBus(t *testing.T) {
	bus := NewChannelBus(100)
	defer bus.Close()

	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		received := make(chan *domain.Message, 1)
		_, err := bus.Subscribe(ctx, tenantID, domain.TopicRingDetected, func(ctx context.Context, msg *domain.Message) error {
			received <- msg
			return nil
		})
		require.NoError(t, err)

		require.NoError(t, bus.Publish(ctx, tenantID, domain.TopicRingDetected, []byte("hello")))

		msg := waitFor(t, received)
		assert.Equal(t, "hello", string(msg.Payload))
		assert.Equal(t, tenantID, msg.TenantID)
		assert.Equal(t, domain.TopicRingDetected, msg.Topic)
		assert.NotEmpty(t, msg.ID)
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		var otherTenant atomic.Int32
		_, err := bus.Subscribe(ctx, "tenant-002", "isolated", func(ctx context.Context, msg *domain.Message) error {
			otherTenant.Add(1)
			return nil
		})
		require.NoError(t, err)

		require.NoError(t, bus.Publish(ctx, tenantID, "isolated", []byte("x")))
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, int32(0), otherTenant.Load())
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		var count atomic.Int32
		sub, err := bus.Subscribe(ctx, tenantID, "unsub", func(ctx context.Context, msg *domain.Message) error {
			count.Add(1)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, "unsub", sub.Topic())

		require.NoError(t, sub.Unsubscribe())
		require.NoError(t, sub.Unsubscribe())
		require.NoError(t, bus.Publish(ctx, tenantID, "unsub", []byte("x")))
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, int32(0), count.Load())
	})

	t.Run("AllTenants", func(t *testing.T) {
		received := make(chan *domain.Message, 2)
		_, err := bus.Subscribe(ctx, domain.AllTenants, "fanout", func(ctx context.Context, msg *domain.Message) error {
			received <- msg
			return nil
		})
		require.NoError(t, err)

		require.NoError(t, bus.Publish(ctx, "tenant-007", "fanout", []byte("x")))
		assert.Equal(t, "tenant-007", waitFor(t, received).TenantID)

		assert.Error(t, bus.Publish(ctx, domain.AllTenants, "fanout", nil))
	})

	t.Run("RequiresTenant", func(t *testing.T) {
		assert.Error(t, bus.Publish(ctx, "", "t", nil))
		_, err := bus.Subscribe(ctx, "", "t", nil)
		assert.Error(t, err)
	})

	t.Run("PublishJSON", func(t *testing.T) {
		received := make(chan *domain.Message, 1)
		_, err := bus.Subscribe(ctx, tenantID, domain.TopicDetectionRequested, func(ctx context.Context, msg *domain.Message) error {
			received <- msg
			return nil
		})
		require.NoError(t, err)

		req := domain.DetectionRequest{TenantID: tenantID, RequestedBy: "api"}
		require.NoError(t, PublishJSON(ctx, bus, tenantID, domain.TopicDetectionRequested, req))

		var got domain.DetectionRequest
		require.NoError(t, json.Unmarshal(waitFor(t, received).Payload, &got))
		assert.Equal(t, req, got)
	})
}

func TestChannelBusDropsWhenFull(t *testing.T) {
	bus := NewChannelBus(1)
	defer bus.Close()
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	_, err := bus.Subscribe(ctx, "tenant-001", "slow", func(ctx context.Context, msg *domain.Message) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	})
	require.NoError(t, err)

	// First message occupies the handler, second fills the buffer.
	require.NoError(t, bus.Publish(ctx, "tenant-001", "slow", []byte("1")))
	<-started
	require.NoError(t, bus.Publish(ctx, "tenant-001", "slow", []byte("2")))
	require.NoError(t, bus.Publish(ctx, "tenant-001", "slow", []byte("3")))

	assert.Equal(t, int64(1), bus.Dropped())
	assert.Equal(t, TopicStats{Delivered: 2, Dropped: 1}, bus.TopicStats("slow"))
	assert.Equal(t, TopicStats{}, bus.TopicStats("other"))
	close(release)
}

func TestChannelBusClose(t *testing.T) {
	bus := NewChannelBus(10)
	ctx := context.Background()

	_, err := bus.Subscribe(ctx, "tenant-001", "topic", func(ctx context.Context, msg *domain.Message) error {
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	assert.Error(t, bus.Publish(ctx, "tenant-001", "topic", []byte("x")))
	assert.Error(t, bus.Ping(ctx))

	_, err = bus.Subscribe(ctx, "tenant-001", "topic", nil)
	assert.Error(t, err)
}

func TestChannelBusConcurrentPublish(t *testing.T) {
	bus := NewChannelBus(10000)
	defer bus.Close()
	ctx := context.Background()

	var received atomic.Int64
	var wg sync.WaitGroup
	const total = 1000
	wg.Add(total)

	_, err := bus.Subscribe(ctx, "tenant-001", "load", func(ctx context.Context, msg *domain.Message) error {
		received.Add(1)
		wg.Done()
		return nil
	})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < total/10; j++ {
				_ = bus.Publish(ctx, "tenant-001", "load", []byte("x"))
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("received %d of %d messages", received.Load(), total)
	}
}

func TestNewBus(t *testing.T) {
	b, err := New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 10})
	require.NoError(t, err)
	defer b.Close()

	_, ok := b.(*ChannelBus)
	assert.True(t, ok)

	_, err = New(domain.EventBusConfig{Type: "kafka"})
	assert.Error(t, err)
}

func TestMakeSubject(t *testing.T) {
	assert.Equal(t, "kestrel.tenant-001.ring.detected", makeSubject("tenant-001", domain.TopicRingDetected))
	assert.Equal(t, "kestrel.tenant-001.custom", makeSubject("tenant-001", "custom"))
	assert.Equal(t, "kestrel.*.detection.requested", makeSubject(domain.AllTenants, domain.TopicDetectionRequested))
	assert.Equal(t, "kestrel.acme_eu.ring.detected", makeSubject("acme.eu", domain.TopicRingDetected))

	_, err := publishSubject(domain.AllTenants, domain.TopicRingDetected)
	assert.Error(t, err)

	assert.Equal(t, "tenant-001", tenantFromSubject("kestrel.tenant-001.ring.detected"))
	assert.Empty(t, tenantFromSubject("other"))
}

func TestNATSMessageHeaders(t *testing.T) {
	msg := newMessage("tenant-001", domain.TopicRingDetected, []byte(`{"id":"r1"}`))
	msg.Metadata["trace_id"] = "abc"

	subject := makeSubject("tenant-001", domain.TopicRingDetected)
	got := decodeMsg(encodeMsg(subject, msg))

	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, "tenant-001", got.TenantID)
	assert.Equal(t, domain.TopicRingDetected, got.Topic)
	assert.Equal(t, msg.Timestamp, got.Timestamp)
	assert.JSONEq(t, `{"id":"r1"}`, string(got.Payload))
	assert.Equal(t, "abc", got.Metadata["trace_id"])

	t.Run("BareMessage", func(t *testing.T) {
		bare := decodeMsg(&nats.Msg{Subject: "kestrel.tenant-009.detection.requested", Data: []byte("{}")})
		assert.Equal(t, "tenant-009", bare.TenantID)
		assert.Equal(t, domain.TopicDetectionRequested, bare.Topic)
		assert.Empty(t, bare.ID)
	})
}
