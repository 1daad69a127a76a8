// Package worker runs detection asynchronously when requested over the
// event bus.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/detection"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// GlobalTenantID is the subscription used when no tenants are configured.
// It receives requests published by every tenant.
const GlobalTenantID = domain.AllTenants

// Detector runs the detection pipeline for a tenant.
type Detector interface {
	Run(ctx context.Context, tenantID string) (*detection.Report, error)
}

// Worker consumes detection requests from the EventBus.
type Worker struct {
	bus      domain.EventBus
	detector Detector

	// one run at a time per tenant
	locks sync.Map

	processed atomic.Int64
	failed    atomic.Int64
	ignored   atomic.Int64

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to serve. Empty subscribes to the
	// global request stream.
	TenantIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(eventBus domain.EventBus, detector Detector) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      eventBus,
		detector: detector,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to detection requests for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.subscribe(GlobalTenantID)
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.subscribe(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)
	return nil
}

func (w *Worker) subscribe(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicDetectionRequested, func(ctx context.Context, msg *domain.Message) error {
		return w.handle(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("detection worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicDetectionRequested,
	)
	return nil
}

// handle runs one detection request.
func (w *Worker) handle(ctx context.Context, tenantID string, msg *domain.Message) error {
	w.wg.Add(1)
	defer w.wg.Done()

	var req domain.DetectionRequest
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			slog.Error("failed to parse detection request",
				"message_id", msg.ID,
				"error", err,
			)
			w.failed.Add(1)
			return err
		}
	}

	// On the global stream the publishing tenant is authoritative; the
	// payload tenant is only a fallback for messages that lost it.
	if tenantID == GlobalTenantID {
		tenantID = msg.TenantID
		if tenantID == "" {
			tenantID = req.TenantID
		}
	}
	if tenantID == "" || tenantID == GlobalTenantID {
		slog.Warn("detection request without tenant ignored", "message_id", msg.ID)
		w.ignored.Add(1)
		return nil
	}

	traceID := req.TraceID
	if traceID == "" {
		traceID = msg.ID
	}

	mu := w.tenantLock(tenantID)
	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	report, err := w.detector.Run(ctx, tenantID)
	if err != nil {
		slog.Error("detection run failed",
			"tenant_id", tenantID,
			"trace_id", traceID,
			"error", err,
		)
		w.failed.Add(1)
		return err
	}
	w.processed.Add(1)

	if err := bus.PublishJSON(ctx, w.bus, tenantID, domain.TopicDetectionCompleted, report); err != nil {
		slog.Error("failed to publish detection report",
			"tenant_id", tenantID,
			"error", err,
		)
	}

	slog.Info("detection request processed",
		"tenant_id", tenantID,
		"trace_id", traceID,
		"requested_by", req.RequestedBy,
		"rings_inserted", len(report.Rings),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (w *Worker) tenantLock(tenantID string) *sync.Mutex {
	mu, _ := w.locks.LoadOrStore(tenantID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// Stop unsubscribes and waits for in-flight runs.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats reports subscriptions and run outcomes.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
	Ignored           int64    `json:"ignored"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
		Ignored:           w.ignored.Load(),
	}
}
