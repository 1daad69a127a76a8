package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/spf13/cobra"
)

var (
	loadURL     string
	loadTenant  string
	loadWorkers int
	loadDetect  bool
)

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Post a JSON snapshot into a running server and optionally trigger detection",
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := readSnapshot(inputPath)
		if err != nil {
			return err
		}

		l := &loader{
			baseURL:  strings.TrimRight(loadURL, "/"),
			tenantID: loadTenant,
			client:   &http.Client{Timeout: 30 * time.Second},
		}
		if err := l.checkHealth(cmd.Context()); err != nil {
			return fmt.Errorf("kestrel not reachable at %s: %w", l.baseURL, err)
		}

		start := time.Now()
		stats := l.load(cmd.Context(), snap, loadWorkers)
		slog.Info("snapshot loaded",
			"sent", stats.Sent.Load(),
			"failed", stats.Failed.Load(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		if n := stats.Failed.Load(); n > 0 {
			return fmt.Errorf("%d records were rejected", n)
		}

		if !loadDetect {
			return nil
		}
		var report json.RawMessage
		if err := l.post(cmd.Context(), "/detect", nil, http.StatusOK, &report); err != nil {
			return fmt.Errorf("detection failed: %w", err)
		}
		return printJSON(cmd.OutOrStdout(), report)
	},
}

func init() {
	loadCmd.Flags().StringVarP(&inputPath, "input", "i", "", "snapshot JSON file (- for stdin)")
	_ = loadCmd.MarkFlagRequired("input")
	loadCmd.Flags().StringVar(&loadURL, "url", "http://localhost:8080", "kestrel base URL")
	loadCmd.Flags().StringVar(&loadTenant, "tenant", "default", "tenant id for every request")
	loadCmd.Flags().IntVar(&loadWorkers, "workers", 8, "concurrent HTTP workers")
	loadCmd.Flags().BoolVar(&loadDetect, "detect", false, "run detection once the records are stored")

	rootCmd.AddCommand(loadCmd)
}

// LoadStats counts posted records.
type LoadStats struct {
	Sent   atomic.Int64
	Failed atomic.Int64
}

type loadItem struct {
	path string
	body any
	id   string
}

type loader struct {
	baseURL  string
	tenantID string
	client   *http.Client
}

// load posts every record of snap through a pool of workers.
func (l *loader) load(ctx context.Context, snap domain.Snapshot, workers int) *LoadStats {
	if workers < 1 {
		workers = 1
	}
	stats := &LoadStats{}
	work := make(chan loadItem, 100)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range work {
				if err := l.post(ctx, item.path, item.body, http.StatusCreated, nil); err != nil {
					stats.Failed.Add(1)
					slog.Warn("record rejected", "path", item.path, "id", item.id, "error", err)
					continue
				}
				stats.Sent.Add(1)
			}
		}()
	}

	for _, a := range snap.Affiliates {
		work <- loadItem{path: "/affiliates", body: a, id: a.ID}
	}
	for _, c := range snap.Clients {
		work <- loadItem{path: "/clients", body: c, id: c.ID}
	}
	for _, t := range snap.Trades {
		work <- loadItem{path: "/trades", body: t, id: t.ID}
	}
	for _, r := range snap.Tracking {
		work <- loadItem{path: "/tracking", body: r, id: r.VisitorID}
	}
	close(work)
	wg.Wait()

	return stats
}

func (l *loader) checkHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Tenant-ID", l.tenantID)
	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func (l *loader) post(ctx context.Context, path string, body any, want int, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", l.tenantID)

	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
