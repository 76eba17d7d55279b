package audit

import (
	"context"
	"sync/atomic"
)

// DefaultQueueSize is the Writer queue length used when none is given.
const DefaultQueueSize = 256

// Logger is the subset of logging.Logger used by Writer.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Writer records entries off the caller's goroutine, so request handlers
// and MQTT callbacks never wait on SQLite. Entries that do not fit in the
// queue are dropped and counted.
type Writer struct {
	repo    Repository
	queue   chan *AuditLog
	logger  Logger
	dropped atomic.Uint64
}

// NewWriter returns a Writer in front of repo. Call Run to start it.
func NewWriter(repo Repository, queueSize int, logger Logger) *Writer {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Writer{repo: repo, queue: make(chan *AuditLog, queueSize), logger: logger}
}

// Record queues entry without blocking. It reports false when the entry
// was dropped.
func (w *Writer) Record(entry *AuditLog) bool {
	select {
	case w.queue <- entry:
		return true
	default:
		w.dropped.Add(1)
		if w.logger != nil {
			w.logger.Warn("audit queue full, dropping entry", "action", entry.Action, "entity_type", entry.EntityType)
		}
		return false
	}
}

// Dropped returns how many entries Record has discarded.
func (w *Writer) Dropped() uint64 {
	return w.dropped.Load()
}

// Run writes queued entries until ctx is done, then writes whatever is
// still queued and returns.
func (w *Writer) Run(ctx context.Context) {
	store := context.WithoutCancel(ctx)
	for {
		select {
		case entry := <-w.queue:
			w.write(store, entry)
		case <-ctx.Done():
			for {
				select {
				case entry := <-w.queue:
					w.write(store, entry)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) write(ctx context.Context, entry *AuditLog) {
	if err := w.repo.Create(ctx, entry); err != nil && w.logger != nil {
		w.logger.Error("audit write failed", "action", entry.Action, "entity_type", entry.EntityType, "error", err)
	}
}
