package runner

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yuya-takeyama/git-load-tester/pkg/protocol"
	"github.com/yuya-takeyama/git-load-tester/pkg/transport"
)

// fakeTransport simulates a clone that streams a fixed number of bytes in
// chunks, or fails.
type fakeTransport struct {
	bytes    int64
	err      error
	delay    time.Duration
	progress transport.ProgressFunc
}

func (f *fakeTransport) DiscoverRefs(ctx context.Context) (*protocol.RefAdvertisement, error) {
	return nil, errors.New("not used")
}

func (f *fakeTransport) Fetch(ctx context.Context, request []byte) (int64, error) {
	return f.Clone(ctx)
}

func (f *fakeTransport) Clone(ctx context.Context) (int64, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return 0, f.err
	}
	const chunk = 8192
	var total int64
	for total < f.bytes {
		total += chunk
		if total > f.bytes {
			total = f.bytes
		}
		if f.progress != nil {
			f.progress(total)
		}
	}
	return f.bytes, nil
}

func TestRunAggregation(t *testing.T) {
	const (
		count      = 20
		failEvery  = 4 // ids divisible by 4 fail
		cloneBytes = 100_000
	)

	var issued atomic.Int64
	opts := Options{
		URL:         "https://example.com/repo.git",
		Concurrency: 5,
		Count:       count,
		NewTransport: func(url string, topts transport.Options) (transport.Transport, error) {
			id := issued.Add(1)
			ft := &fakeTransport{
				bytes:    cloneBytes,
				delay:    time.Duration(rand.Intn(5)) * time.Millisecond,
				progress: topts.Progress,
			}
			if id%failEvery == 0 {
				ft.err = errors.New("simulated failure")
			}
			return ft, nil
		},
		Out: io.Discard,
	}

	summary := New(opts).Run(context.Background())

	wantFailed := count / failEvery
	if summary.Failed != wantFailed {
		t.Errorf("Failed = %d, want %d", summary.Failed, wantFailed)
	}
	if summary.Successful != count-wantFailed {
		t.Errorf("Successful = %d, want %d", summary.Successful, count-wantFailed)
	}
	if want := int64(count-wantFailed) * cloneBytes; summary.TotalBytes != want {
		t.Errorf("TotalBytes = %d, want %d", summary.TotalBytes, want)
	}
	if summary.Count != count {
		t.Errorf("Count = %d, want %d", summary.Count, count)
	}
}

func TestRunAllFail(t *testing.T) {
	opts := Options{
		URL:         "https://example.com/repo.git",
		Concurrency: 3,
		Count:       7,
		NewTransport: func(url string, topts transport.Options) (transport.Transport, error) {
			return nil, errors.New("construction failed")
		},
		Out: io.Discard,
	}

	summary := New(opts).Run(context.Background())

	if summary.Failed != 7 || summary.Successful != 0 {
		t.Errorf("summary = %d failed / %d successful, want 7/0", summary.Failed, summary.Successful)
	}
	if summary.TotalBytes != 0 {
		t.Errorf("TotalBytes = %d, want 0", summary.TotalBytes)
	}
}

func TestRunOperationIDs(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[int]bool)

	opts := Options{
		URL:         "https://example.com/repo.git",
		Concurrency: 4,
		Count:       10,
		Logger:      &idRecorder{mu: &mu, seen: seen},
		NewTransport: func(url string, topts transport.Options) (transport.Transport, error) {
			return &fakeTransport{bytes: 1, progress: topts.Progress}, nil
		},
		Out: io.Discard,
	}

	New(opts).Run(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 10 {
		t.Fatalf("saw %d distinct operation ids, want 10", len(seen))
	}
	for id := 1; id <= 10; id++ {
		if !seen[id] {
			t.Errorf("operation id %d never started", id)
		}
	}
}

type idRecorder struct {
	mu   *sync.Mutex
	seen map[int]bool
}

func (r *idRecorder) CloneStart(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen[id] = true
}

func (r *idRecorder) CloneComplete(id int, bytes int64) {}

func (r *idRecorder) CloneFailed(id int, err error) {}

// blockingTransport parks in Clone until the context is cancelled,
// simulating a long network read.
type blockingTransport struct {
	started chan<- struct{}
}

func (b *blockingTransport) DiscoverRefs(ctx context.Context) (*protocol.RefAdvertisement, error) {
	return nil, errors.New("not used")
}

func (b *blockingTransport) Fetch(ctx context.Context, request []byte) (int64, error) {
	return b.Clone(ctx)
}

func (b *blockingTransport) Clone(ctx context.Context) (int64, error) {
	b.started <- struct{}{}
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(10 * time.Second):
		return 0, errors.New("clone was never cancelled")
	}
}

type errorCollector struct {
	mu   sync.Mutex
	errs []error
}

func (c *errorCollector) CloneStart(id int)                {}
func (c *errorCollector) CloneComplete(id int, bytes int64) {}

func (c *errorCollector) CloneFailed(id int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func TestRunCancellation(t *testing.T) {
	const (
		concurrency = 2
		count       = 12
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{}, count)
	collector := &errorCollector{}

	opts := Options{
		URL:         "https://example.com/repo.git",
		Concurrency: concurrency,
		Count:       count,
		Progress:    true,
		Logger:      collector,
		NewTransport: func(url string, topts transport.Options) (transport.Transport, error) {
			return &blockingTransport{started: started}, nil
		},
		Out: io.Discard,
	}

	// Cancel once every worker is parked inside a clone.
	go func() {
		for i := 0; i < concurrency; i++ {
			<-started
		}
		cancel()
	}()

	begin := time.Now()
	summary := New(opts).Run(ctx)
	elapsed := time.Since(begin)

	// In-flight clones unblock on cancellation and queued operations are
	// drained without being dispatched, so Run must come back well before
	// the transports' 10s sleep. Progress was enabled, so returning at all
	// also means the renderer goroutine shut down.
	if elapsed > 2*time.Second {
		t.Fatalf("Run() took %s after cancellation", elapsed)
	}

	if summary.Successful != 0 || summary.Failed != count {
		t.Errorf("summary = %d successful / %d failed, want 0/%d", summary.Successful, summary.Failed, count)
	}
	if summary.TotalBytes != 0 {
		t.Errorf("TotalBytes = %d, want 0", summary.TotalBytes)
	}

	collector.mu.Lock()
	defer collector.mu.Unlock()
	if len(collector.errs) != count {
		t.Fatalf("recorded %d failures, want %d", len(collector.errs), count)
	}
	for _, err := range collector.errs {
		if !errors.Is(err, context.Canceled) {
			t.Errorf("failure error = %v, want context.Canceled", err)
		}
	}
}

func TestTrackerSnapshotSorted(t *testing.T) {
	tracker := NewTracker()
	for _, id := range []int{5, 1, 3, 2, 4} {
		tracker.Start(id)
	}
	tracker.Update(3, 1000)
	tracker.Complete(1, 2000)
	tracker.Fail(5)

	lines := tracker.Snapshot()
	if len(lines) != 5 {
		t.Fatalf("Snapshot() returned %d lines, want 5", len(lines))
	}
	for i := 1; i < len(lines); i++ {
		if lines[i].ID <= lines[i-1].ID {
			t.Fatalf("snapshot not sorted: %v", lines)
		}
	}

	byID := make(map[int]ProgressLine)
	for _, l := range lines {
		byID[l.ID] = l
	}
	if byID[3].Phase != PhaseDownloading || byID[3].Bytes != 1000 {
		t.Errorf("entry 3 = %+v", byID[3])
	}
	if byID[1].Phase != PhaseComplete || byID[1].Bytes != 2000 {
		t.Errorf("entry 1 = %+v", byID[1])
	}
	if byID[5].Phase != PhaseFailed {
		t.Errorf("entry 5 = %+v", byID[5])
	}
}

func TestProgressMonotonic(t *testing.T) {
	var reported []int64
	opts := Options{
		URL:         "https://example.com/repo.git",
		Concurrency: 1,
		Count:       1,
		NewTransport: func(url string, topts transport.Options) (transport.Transport, error) {
			wrapped := topts.Progress
			return &fakeTransport{
				bytes: 50_000,
				progress: func(n int64) {
					reported = append(reported, n)
					wrapped(n)
				},
			}, nil
		},
		Out: io.Discard,
	}

	summary := New(opts).Run(context.Background())

	if len(reported) == 0 {
		t.Fatal("progress callback never invoked")
	}
	for i := 1; i < len(reported); i++ {
		if reported[i] < reported[i-1] {
			t.Fatalf("progress went backwards at %d: %v", i, reported)
		}
	}
	if final := reported[len(reported)-1]; final != summary.TotalBytes {
		t.Errorf("final progress = %d, want %d", final, summary.TotalBytes)
	}
}

func TestSummaryDerived(t *testing.T) {
	s := &Summary{
		Count:      4,
		Successful: 4,
		TotalBytes: 8 * 1024 * 1024,
		Duration:   2 * time.Second,
	}

	if got := s.TotalMB(); got != 8 {
		t.Errorf("TotalMB() = %f, want 8", got)
	}
	if got := s.Throughput(); got != 4 {
		t.Errorf("Throughput() = %f, want 4", got)
	}
	if got := s.AvgPerClone(); got != 500*time.Millisecond {
		t.Errorf("AvgPerClone() = %v, want 500ms", got)
	}

	zero := &Summary{Count: 4}
	if got := zero.Throughput(); got != 0 {
		t.Errorf("Throughput() with zero duration = %f, want 0", got)
	}
}

func TestSummaryRenderMentionsFailures(t *testing.T) {
	s := &Summary{Count: 2, Successful: 1, Failed: 1, Duration: time.Second}
	out := s.Render()
	for _, want := range []string{"Total clones: 2", "Successful: 1", "Failed: 1", "Throughput"} {
		if !strings.Contains(out, want) {
			t.Errorf("Render() missing %q:\n%s", want, out)
		}
	}
}
