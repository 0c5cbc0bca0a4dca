package bus

import (
	"log/slog"
	"sync"
	"time"

	"gridrelay/internal/domain"
)

const publishTimeout = 10 * time.Second

// OutcomeQueue hands record outcomes to a background consumer (the journal
// writer) so the webhook response does not wait on storage.
type OutcomeQueue struct {
	ch      chan domain.RecordOutcome
	mu      sync.RWMutex
	closed  bool
	timeout time.Duration
	logger  *slog.Logger
}

func NewOutcomeQueue(bufferSize int, logger *slog.Logger) *OutcomeQueue {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OutcomeQueue{
		ch:      make(chan domain.RecordOutcome, bufferSize),
		timeout: publishTimeout,
		logger:  logger,
	}
}

// Publish enqueues an outcome. When the buffer is full it waits up to the
// publish timeout and then drops the outcome. It reports whether the outcome
// was accepted.
func (q *OutcomeQueue) Publish(o domain.RecordOutcome) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.logger.Warn("publish to closed outcome queue", "event_id", o.EventID)
		return false
	}

	select {
	case q.ch <- o:
		return true
	default:
	}

	q.logger.Warn("outcome queue full, waiting", "event_id", o.EventID)
	timer := time.NewTimer(q.timeout)
	defer timer.Stop()
	select {
	case q.ch <- o:
		return true
	case <-timer.C:
		q.logger.Error("outcome dropped: queue full", "event_id", o.EventID, "wait", q.timeout)
		return false
	}
}

// Subscribe returns the receive side. It is closed by Close.
func (q *OutcomeQueue) Subscribe() <-chan domain.RecordOutcome {
	return q.ch
}

func (q *OutcomeQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}
