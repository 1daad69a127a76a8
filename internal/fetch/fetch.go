// Package fetch reads the four record feeds of a detection run.
package fetch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/telemetry"
)

// Feed names as they appear in logs and metrics.
const (
	FeedAffiliates = "affiliates"
	FeedClients    = "clients"
	FeedTrades     = "trades"
	FeedTracking   = "tracking"
)

// Result is a snapshot plus the feeds that failed while producing it.
type Result struct {
	Snapshot    domain.Snapshot `json:"snapshot"`
	FailedFeeds []string        `json:"failedFeeds,omitempty"`
}

// Fetcher reads every feed concurrently.
type Fetcher struct {
	source  domain.RecordSource
	timeout time.Duration
}

// New creates a fetcher. A non-positive timeout disables the per-feed bound.
func New(source domain.RecordSource, cfg domain.FetchConfig) *Fetcher {
	return &Fetcher{source: source, timeout: cfg.FeedTimeout}
}

// Fetch issues the four reads concurrently. A feed that fails or times out
// contributes an empty collection; it never fails the fetch.
func (f *Fetcher) Fetch(ctx context.Context, tenantID string) *Result {
	ctx, span := telemetry.Tracer.Start(ctx, "fetch")
	defer span.End()

	var (
		res Result
		mu  sync.Mutex
		wg  sync.WaitGroup
	)

	failed := func(feed string, err error) {
		slog.Warn("feed unavailable, continuing with empty collection",
			"tenant_id", tenantID,
			"feed", feed,
			"error", err,
		)
		telemetry.RecordFeedFailure(feed)
		mu.Lock()
		res.FailedFeeds = append(res.FailedFeeds, feed)
		mu.Unlock()
	}

	wg.Add(4)
	go func() {
		defer wg.Done()
		rows, err := collect(ctx, f.timeout, func(ctx context.Context) ([]domain.Affiliate, error) {
			return f.source.ListAffiliates(ctx, tenantID)
		})
		if err != nil {
			failed(FeedAffiliates, err)
		}
		res.Snapshot.Affiliates = rows
	}()
	go func() {
		defer wg.Done()
		rows, err := collect(ctx, f.timeout, func(ctx context.Context) ([]domain.Client, error) {
			return f.source.ListClients(ctx, tenantID)
		})
		if err != nil {
			failed(FeedClients, err)
		}
		res.Snapshot.Clients = rows
	}()
	go func() {
		defer wg.Done()
		rows, err := collect(ctx, f.timeout, func(ctx context.Context) ([]domain.Trade, error) {
			return f.source.ListTrades(ctx, tenantID)
		})
		if err != nil {
			failed(FeedTrades, err)
		}
		res.Snapshot.Trades = rows
	}()
	go func() {
		defer wg.Done()
		rows, err := collect(ctx, f.timeout, func(ctx context.Context) ([]domain.TrackingRecord, error) {
			return f.source.ListTrackingRecords(ctx, tenantID)
		})
		if err != nil {
			failed(FeedTracking, err)
		}
		res.Snapshot.Tracking = rows
	}()
	wg.Wait()
	sort.Strings(res.FailedFeeds)

	slog.Debug("feeds fetched",
		"tenant_id", tenantID,
		"affiliates", len(res.Snapshot.Affiliates),
		"clients", len(res.Snapshot.Clients),
		"trades", len(res.Snapshot.Trades),
		"tracking", len(res.Snapshot.Tracking),
		"failed_feeds", len(res.FailedFeeds),
	)
	return &res
}

// collect runs read under the per-feed timeout. A read that outlives the
// timeout is abandoned and reported as failed; a failed read yields nil.
func collect[T any](ctx context.Context, timeout time.Duration, read func(context.Context) ([]T, error)) ([]T, error) {
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	type outcome struct {
		rows []T
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		rows, err := read(ctx)
		done <- outcome{rows, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return nil, o.err
		}
		return o.rows, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
