package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/detection"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDetector struct {
	mu      sync.Mutex
	tenants []string
	err     error
}

func (f *fakeDetector) Run(ctx context.Context, tenantID string) (*detection.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tenants = append(f.tenants, tenantID)
	if f.err != nil {
		return nil, f.err
	}
	return &detection.Report{TenantID: tenantID, Rings: []*domain.FraudRing{}}, nil
}

func (f *fakeDetector) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tenants...)
}

func completions(t *testing.T, b domain.EventBus, tenantID string) <-chan *domain.Message {
	t.Helper()
	ch := make(chan *domain.Message, 4)
	_, err := b.Subscribe(context.Background(), tenantID, domain.TopicDetectionCompleted, func(ctx context.Context, msg *domain.Message) error {
		ch <- msg
		return nil
	})
	require.NoError(t, err)
	return ch
}

func TestWorkerTenantSubscription(t *testing.T) {
	eventBus := bus.NewChannelBus(16)
	defer eventBus.Close()
	detector := &fakeDetector{}

	w := NewWorker(eventBus, detector)
	require.NoError(t, w.Start(Config{TenantIDs: []string{"tenant-001", "tenant-002"}}))
	defer w.Stop()

	stats := w.GetStats()
	assert.Equal(t, 2, stats.SubscriptionCount)
	assert.Equal(t, []string{domain.TopicDetectionRequested, domain.TopicDetectionRequested}, stats.Topics)

	done := completions(t, eventBus, "tenant-001")
	ctx := context.Background()
	require.NoError(t, bus.PublishJSON(ctx, eventBus, "tenant-001", domain.TopicDetectionRequested,
		domain.DetectionRequest{TenantID: "tenant-002", RequestedBy: "api"}))

	select {
	case msg := <-done:
		var report detection.Report
		require.NoError(t, json.Unmarshal(msg.Payload, &report))
		assert.Equal(t, "tenant-001", report.TenantID)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for detection report")
	}

	// A tenant subscription ignores the tenant named in the payload.
	assert.Equal(t, []string{"tenant-001"}, detector.calls())
	assert.Equal(t, int64(1), w.GetStats().Processed)
}

func TestWorkerGlobalSubscription(t *testing.T) {
	eventBus := bus.NewChannelBus(16)
	defer eventBus.Close()
	detector := &fakeDetector{}

	w := NewWorker(eventBus, detector)
	require.NoError(t, w.Start(Config{}))
	defer w.Stop()

	done := completions(t, eventBus, "tenant-009")
	require.NoError(t, bus.PublishJSON(context.Background(), eventBus, "tenant-009", domain.TopicDetectionRequested,
		domain.DetectionRequest{TenantID: "tenant-003"}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for detection report")
	}
	assert.Equal(t, []string{"tenant-009"}, detector.calls())
}

func TestWorkerHandleErrors(t *testing.T) {
	detector := &fakeDetector{err: errors.New("database is locked")}
	w := NewWorker(bus.NewChannelBus(4), detector)
	ctx := context.Background()

	err := w.handle(ctx, "tenant-001", &domain.Message{ID: "m1", Payload: []byte("{")})
	assert.Error(t, err, "malformed payload")

	err = w.handle(ctx, "tenant-001", &domain.Message{ID: "m2"})
	assert.EqualError(t, err, "database is locked")

	err = w.handle(ctx, GlobalTenantID, &domain.Message{ID: "m3", Payload: []byte(`{}`)})
	assert.NoError(t, err, "requests without a tenant are dropped")

	// A global message that lost its tenant falls back to the payload.
	err = w.handle(ctx, GlobalTenantID, &domain.Message{ID: "m4", Payload: []byte(`{"tenantId":"tenant-004"}`)})
	assert.EqualError(t, err, "database is locked")
	assert.Equal(t, []string{"tenant-001", "tenant-004"}, detector.calls())

	stats := w.GetStats()
	assert.Equal(t, int64(0), stats.Processed)
	assert.Equal(t, int64(3), stats.Failed)
	assert.Equal(t, int64(1), stats.Ignored)
}

func TestWorkerStop(t *testing.T) {
	eventBus := bus.NewChannelBus(4)
	defer eventBus.Close()

	w := NewWorker(eventBus, &fakeDetector{})
	require.NoError(t, w.Start(Config{TenantIDs: []string{"tenant-001"}}))
	require.NoError(t, w.Stop())
	assert.Equal(t, 0, w.GetStats().SubscriptionCount)
}
