package logger

import (
	"fmt"
	"log"
)

// Logger receives per-clone lifecycle events from the runner.
type Logger interface {
	CloneStart(id int)
	CloneComplete(id int, bytes int64)
	CloneFailed(id int, err error)
}

// VerboseLogger reports every clone event.
type VerboseLogger struct{}

func (l *VerboseLogger) CloneStart(id int) {
	log.Printf("Clone #%d started", id)
}

func (l *VerboseLogger) CloneComplete(id int, bytes int64) {
	log.Printf("Clone #%d completed: %d bytes", id, bytes)
}

func (l *VerboseLogger) CloneFailed(id int, err error) {
	log.Printf("Clone #%d failed: %v", id, err)
}

// QuietLogger reports failures only.
type QuietLogger struct{}

func (l *QuietLogger) CloneStart(id int) {}

func (l *QuietLogger) CloneComplete(id int, bytes int64) {}

func (l *QuietLogger) CloneFailed(id int, err error) {
	fmt.Printf("Clone #%d failed: %v\n", id, err)
}

// NullLogger discards everything. Used when the progress display owns the
// terminal.
type NullLogger struct{}

func (l *NullLogger) CloneStart(id int) {}

func (l *NullLogger) CloneComplete(id int, bytes int64) {}

func (l *NullLogger) CloneFailed(id int, err error) {}
