// Package runner schedules clone operations across a bounded worker pool and
// aggregates their outcomes into throughput statistics.
package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/yuya-takeyama/git-load-tester/pkg/logger"
	"github.com/yuya-takeyama/git-load-tester/pkg/transport"
)

// TransportFactory builds one transport per clone operation. Injectable so
// tests can run the pool without a network.
type TransportFactory func(url string, opts transport.Options) (transport.Transport, error)

// Options configures one load-test run.
type Options struct {
	URL         string
	Concurrency int
	Count       int
	Progress    bool
	RefPattern  string
	Timeout     time.Duration

	Logger       logger.Logger
	NewTransport TransportFactory
	Out          io.Writer
}

// Result is the outcome of a single clone operation.
type Result struct {
	ID    int
	Bytes int64
	Err   error
}

// Summary aggregates a full run.
type Summary struct {
	Count      int
	Successful int
	Failed     int
	TotalBytes int64
	Duration   time.Duration
}

// TotalMB returns the received volume in megabytes.
func (s *Summary) TotalMB() float64 {
	return float64(s.TotalBytes) / (1024 * 1024)
}

// Throughput returns MB per second, or 0 for a non-positive duration.
func (s *Summary) Throughput() float64 {
	secs := s.Duration.Seconds()
	if secs <= 0 {
		return 0
	}
	return s.TotalMB() / secs
}

// AvgPerClone divides the wall-clock duration by the configured operation
// count, completed or not.
func (s *Summary) AvgPerClone() time.Duration {
	if s.Count <= 0 {
		return 0
	}
	return s.Duration / time.Duration(s.Count)
}

// Runner fans Count clone operations out over Concurrency workers.
type Runner struct {
	opts    Options
	tracker *Tracker
}

func New(opts Options) *Runner {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 10
	}
	if opts.Count <= 0 {
		opts.Count = 1
	}
	if opts.Logger == nil {
		opts.Logger = &logger.QuietLogger{}
	}
	if opts.NewTransport == nil {
		opts.NewTransport = transport.New
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	return &Runner{opts: opts, tracker: NewTracker()}
}

// Run executes the configured number of clones and returns the aggregate.
// Per-operation failures are recorded in the summary and never abort sibling
// operations; results are processed in completion order.
func (r *Runner) Run(ctx context.Context) *Summary {
	start := time.Now()

	// The renderer must stop as soon as the run ends or ctx is cancelled,
	// even while workers are still blocked in network reads.
	renderCtx, stopRender := context.WithCancel(ctx)
	defer stopRender()

	var renderDone chan struct{}
	if r.opts.Progress {
		renderDone = make(chan struct{})
		renderer := NewRenderer(r.tracker, r.opts.Out)
		go func() {
			defer close(renderDone)
			renderer.Run(renderCtx.Done())
		}()
	}

	jobs := make(chan int, r.opts.Count)
	results := make(chan Result, r.opts.Count)

	var wg sync.WaitGroup
	for i := 0; i < r.opts.Concurrency; i++ {
		wg.Add(1)
		go r.worker(ctx, jobs, results, &wg)
	}

	for id := 1; id <= r.opts.Count; id++ {
		jobs <- id
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	summary := &Summary{Count: r.opts.Count}
	for result := range results {
		if result.Err != nil {
			summary.Failed++
			r.opts.Logger.CloneFailed(result.ID, result.Err)
			continue
		}
		summary.Successful++
		summary.TotalBytes += result.Bytes
		r.opts.Logger.CloneComplete(result.ID, result.Bytes)
	}
	summary.Duration = time.Since(start)

	stopRender()
	if renderDone != nil {
		<-renderDone
	}

	return summary
}

func (r *Runner) worker(ctx context.Context, jobs <-chan int, results chan<- Result, wg *sync.WaitGroup) {
	defer wg.Done()

	for id := range jobs {
		select {
		case <-ctx.Done():
			results <- Result{ID: id, Err: ctx.Err()}
			continue
		default:
		}

		results <- r.performClone(ctx, id)
	}
}

func (r *Runner) performClone(ctx context.Context, id int) Result {
	r.tracker.Start(id)
	r.opts.Logger.CloneStart(id)

	t, err := r.opts.NewTransport(r.opts.URL, transport.Options{
		Timeout:    r.opts.Timeout,
		RefPattern: r.opts.RefPattern,
		Progress: func(bytes int64) {
			r.tracker.Update(id, bytes)
		},
	})
	if err != nil {
		r.tracker.Fail(id)
		return Result{ID: id, Err: err}
	}

	bytes, err := t.Clone(ctx)
	if err != nil {
		r.tracker.Fail(id)
		return Result{ID: id, Err: err}
	}

	r.tracker.Complete(id, bytes)
	return Result{ID: id, Bytes: bytes}
}

var (
	summaryHeaderStyle = lipgloss.NewStyle().Bold(true)
	summaryFailStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

// Render formats the final report block.
func (s *Summary) Render() string {
	var b strings.Builder

	b.WriteString(summaryHeaderStyle.Render("====== Summary ======"))
	b.WriteByte('\n')
	fmt.Fprintf(&b, "Total clones: %d\n", s.Count)
	fmt.Fprintf(&b, "Successful: %d\n", s.Successful)
	failed := fmt.Sprintf("Failed: %d", s.Failed)
	if s.Failed > 0 {
		failed = summaryFailStyle.Render(failed)
	}
	b.WriteString(failed)
	b.WriteByte('\n')
	fmt.Fprintf(&b, "Total bytes: %d (%.2f MB)\n", s.TotalBytes, s.TotalMB())
	fmt.Fprintf(&b, "Duration: %.2fs\n", s.Duration.Seconds())
	fmt.Fprintf(&b, "Throughput: %.2f MB/s\n", s.Throughput())
	fmt.Fprintf(&b, "Avg time per clone: %.2fs", s.AvgPerClone().Seconds())

	return b.String()
}
