package runner

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Phase is the lifecycle state of one clone operation as shown in the
// progress display.
type Phase string

const (
	PhaseStarting    Phase = "starting"
	PhaseDownloading Phase = "downloading"
	PhaseComplete    Phase = "complete"
	PhaseFailed      Phase = "failed"
)

type progressEntry struct {
	bytes int64
	phase Phase
}

// Tracker is the shared progress state: one entry per clone operation,
// mutated by the workers and read by the renderer. All access goes through
// one mutex. Entries are never removed, so the final render still shows
// terminal states.
type Tracker struct {
	mu      sync.Mutex
	entries map[int]progressEntry
}

func NewTracker() *Tracker {
	return &Tracker{entries: make(map[int]progressEntry)}
}

func (t *Tracker) Start(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[id] = progressEntry{phase: PhaseStarting}
}

func (t *Tracker) Update(id int, bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[id] = progressEntry{bytes: bytes, phase: PhaseDownloading}
}

func (t *Tracker) Complete(id int, bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[id] = progressEntry{bytes: bytes, phase: PhaseComplete}
}

func (t *Tracker) Fail(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[id] = progressEntry{phase: PhaseFailed}
}

// ProgressLine is one row of the progress display.
type ProgressLine struct {
	ID    int
	Bytes int64
	Phase Phase
}

// Snapshot returns a copy of the current state sorted by operation id.
func (t *Tracker) Snapshot() []ProgressLine {
	t.mu.Lock()
	defer t.mu.Unlock()

	lines := make([]ProgressLine, 0, len(t.entries))
	for id, entry := range t.entries {
		lines = append(lines, ProgressLine{ID: id, Bytes: entry.bytes, Phase: entry.phase})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ID < lines[j].ID })
	return lines
}

var phaseStyles = map[Phase]lipgloss.Style{
	PhaseStarting:    lipgloss.NewStyle().Faint(true),
	PhaseDownloading: lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
	PhaseComplete:    lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
	PhaseFailed:      lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
}

// Renderer redraws the progress display in place on a fixed interval.
type Renderer struct {
	tracker  *Tracker
	out      io.Writer
	interval time.Duration

	lastLines int
}

func NewRenderer(tracker *Tracker, out io.Writer) *Renderer {
	return &Renderer{
		tracker:  tracker,
		out:      out,
		interval: 500 * time.Millisecond,
	}
}

// Run renders until stop is closed, then draws one final frame so terminal
// phases stay visible.
func (r *Renderer) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			r.render()
			fmt.Fprintln(r.out)
			return
		case <-ticker.C:
			r.render()
		}
	}
}

func (r *Renderer) render() {
	lines := r.tracker.Snapshot()
	if len(lines) == 0 {
		return
	}

	// Redraw in place: move back to the top of the previous frame, then
	// overwrite line by line.
	if r.lastLines > 0 {
		fmt.Fprintf(r.out, "\033[%dA", r.lastLines)
	}
	for _, line := range lines {
		mib := float64(line.Bytes) / (1024 * 1024)
		text := fmt.Sprintf("Clone #%-4d %8.2f MiB  [%s]", line.ID, mib, line.Phase)
		fmt.Fprintf(r.out, "\r\033[K%s\n", phaseStyles[line.Phase].Render(text))
	}
	r.lastLines = len(lines)
}
