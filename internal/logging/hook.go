package logging

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// hookQueueSize bounds the entries waiting for a slow output.
const hookQueueSize = 1024

// OutputHook is a logrus hook that sends logs to an Output from a single
// background writer. Entries are dropped when the output falls behind.
type OutputHook struct {
	name   string
	output Output
	levels []logrus.Level

	queue   chan *LogEntry
	done    chan struct{}
	dropped atomic.Int64

	closeOnce sync.Once
}

// NewOutputHook creates a hook firing for entries at or above minLevel.
func NewOutputHook(name string, output Output, minLevel logrus.Level) *OutputHook {
	h := &OutputHook{
		name:   name,
		output: output,
		levels: levelsFrom(minLevel),
		queue:  make(chan *LogEntry, hookQueueSize),
		done:   make(chan struct{}),
	}
	go h.run()
	return h
}

func levelsFrom(minLevel logrus.Level) []logrus.Level {
	var levels []logrus.Level
	for _, l := range logrus.AllLevels {
		if l <= minLevel {
			levels = append(levels, l)
		}
	}
	return levels
}

// Levels returns the log levels this hook should fire for
func (h *OutputHook) Levels() []logrus.Level {
	return h.levels
}

// Fire converts the entry and queues it without blocking the caller
func (h *OutputHook) Fire(entry *logrus.Entry) error {
	logEntry := &LogEntry{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
		Fields:    make(map[string]interface{}, len(entry.Data)),
	}

	for k, v := range entry.Data {
		// errors marshal to {} otherwise
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		logEntry.Fields[k] = v
	}

	select {
	case h.queue <- logEntry:
	default:
		h.dropped.Add(1)
	}
	return nil
}

// Dropped returns how many entries were discarded because the queue was full
func (h *OutputHook) Dropped() int64 {
	return h.dropped.Load()
}

func (h *OutputHook) run() {
	defer close(h.done)
	for entry := range h.queue {
		if err := h.output.Write(entry); err != nil {
			// Reporting through logrus would feed this hook again
			fmt.Fprintf(os.Stderr, "log output %s: %v\n", h.name, err)
		}
	}
}

// Close drains the queue and closes the output
func (h *OutputHook) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.queue)
		<-h.done
		err = h.output.Close()
	})
	return err
}
