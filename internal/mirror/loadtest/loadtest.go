// Package loadtest measures the DB→FS sync against a generated page tree.
//
// It populates a document store with a deterministic hierarchy, times a
// full sync, and then runs concurrent editors that update pages and sync
// each one back to the mirror, recording per-page sync latency.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/Mschirtzinger/skbmirror/internal/mirror/dbsync"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/docstore"
	"github.com/Mschirtzinger/skbmirror/internal/mirror/markdown"
)

// TestData is a populated tenant.
type TestData struct {
	Store   docstore.Store
	Tenant  string
	PageIDs []string
	// Parents counts pages with at least one child.
	Parents int
	Depth   int
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration // Median
	P95   time.Duration
	P99   time.Duration
	Total int
	// Errors counts failed operations; they are not part of the latencies.
	Errors int
}

// Populate creates numPages pages in tenant. Each page after the first
// fanout roots hangs below a random earlier page, so the tree gets deeper
// as it grows. The seed is fixed so runs are comparable.
func Populate(ctx context.Context, store docstore.Store, tenant string, numPages, fanout int) (*TestData, error) {
	if fanout <= 0 {
		fanout = 5
	}
	rng := rand.New(rand.NewSource(42))
	td := &TestData{
		Store:   store,
		Tenant:  tenant,
		PageIDs: make([]string, 0, numPages),
	}
	depth := make(map[string]int, numPages)
	hasChild := make(map[string]bool)

	for i := 0; i < numPages; i++ {
		parent := ""
		if i >= fanout {
			parent = td.PageIDs[rng.Intn(len(td.PageIDs))]
		}
		p, err := store.CreatePage(ctx, tenant, docstore.NewPage{
			Title:    fmt.Sprintf("Page %d", i),
			ParentID: parent,
			Position: i,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create page %d: %w", i, err)
		}
		if err := store.ReplacePageBlocks(ctx, tenant, p.ID, body(i, 0)); err != nil {
			return nil, fmt.Errorf("failed to write blocks of page %d: %w", i, err)
		}
		td.PageIDs = append(td.PageIDs, p.ID)

		if parent != "" {
			depth[p.ID] = depth[parent] + 1
			if !hasChild[parent] {
				hasChild[parent] = true
				td.Parents++
			}
		}
		if depth[p.ID] > td.Depth {
			td.Depth = depth[p.ID]
		}
	}
	return td, nil
}

func body(page, rev int) *markdown.Node {
	return markdown.Doc(
		markdown.Heading(2, markdown.Text(fmt.Sprintf("Revision %d", rev))),
		markdown.Paragraph(markdown.Text(fmt.Sprintf("Load test content for page %d.", page))),
		markdown.Paragraph(markdown.Text("Lorem ipsum dolor sit amet, consectetur adipiscing elit.")),
	)
}

// FullSync times one full sync of the tenant.
func (td *TestData) FullSync(ctx context.Context, svc *dbsync.Service) (time.Duration, dbsync.Result, error) {
	start := time.Now()
	res, err := svc.FullSync(ctx, td.Tenant)
	return time.Since(start), res, err
}

// RunConcurrentEdits simulates numEditors users, each saving editsPerEditor
// random pages. A save replaces the page blocks concurrently, then syncs
// that page. Syncs run one at a time, as they do behind the post-save
// queue, so the recorded latency includes the wait for the worker.
func (td *TestData) RunConcurrentEdits(ctx context.Context, svc *dbsync.Service, numEditors, editsPerEditor int) (*LatencyStats, error) {
	if len(td.PageIDs) == 0 {
		return nil, fmt.Errorf("no pages to edit")
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		syncMu sync.Mutex
		all    []time.Duration
		errors int
	)
	for i := 0; i < numEditors; i++ {
		wg.Add(1)
		go func(editor int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(editor)))
			durations := make([]time.Duration, 0, editsPerEditor)
			failed := 0

			for j := 0; j < editsPerEditor; j++ {
				if ctx.Err() != nil {
					break
				}
				idx := rng.Intn(len(td.PageIDs))
				id := td.PageIDs[idx]
				if err := td.Store.ReplacePageBlocks(ctx, td.Tenant, id, body(idx, editor*editsPerEditor+j+1)); err != nil {
					failed++
					continue
				}
				start := time.Now()
				syncMu.Lock()
				err := svc.SyncPage(ctx, td.Tenant, id)
				syncMu.Unlock()
				if err != nil {
					failed++
					continue
				}
				durations = append(durations, time.Since(start))
			}

			mu.Lock()
			all = append(all, durations...)
			errors += failed
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if len(all) == 0 {
		return nil, fmt.Errorf("no successful syncs completed (%d errors)", errors)
	}
	stats := computeLatencyStats(all)
	stats.Errors = errors
	return stats, ctx.Err()
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(durations)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Total: len(durations),
	}
}

// Print formats the statistics.
func (s *LatencyStats) Print(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Total Syncs:   %d\n", s.Total)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
