// Package queue serializes job execution per conversation while bounding
// total concurrency across all conversations.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCancelled is returned by a handle whose job was dropped before starting.
var ErrCancelled = errors.New("job cancelled before start")

// Job is one unit of work. It receives the context supplied at enqueue time.
type Job func(ctx context.Context) (string, error)

// Handle resolves with the job's own result or error.
type Handle struct {
	once   sync.Once
	done   chan struct{}
	result string
	err    error
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

func (h *Handle) complete(result string, err error) {
	h.once.Do(func() {
		h.result = result
		h.err = err
		close(h.done)
	})
}

// Done is closed once the job finished or was cancelled.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the job resolves or ctx is cancelled.
func (h *Handle) Wait(ctx context.Context) (string, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type item struct {
	conversationID string
	ctx            context.Context
	job            Job
	handle         *Handle
}

// GroupQueue admits a job only when its conversation has nothing running and
// the global running count is below the ceiling. Per-conversation order is
// strict FIFO.
type GroupQueue struct {
	limit int

	mu           sync.Mutex
	running      map[string]bool
	pending      map[string][]*item
	runningCount int
	drainWaiters []chan struct{}
}

// New creates a GroupQueue with the given global concurrency ceiling.
func New(limit int) *GroupQueue {
	if limit < 1 {
		limit = 1
	}
	return &GroupQueue{
		limit:   limit,
		running: make(map[string]bool),
		pending: make(map[string][]*item),
	}
}

// Enqueue appends a job to the conversation's FIFO and returns its handle.
// The job runs with ctx once admitted.
func (q *GroupQueue) Enqueue(ctx context.Context, conversationID string, job Job) *Handle {
	it := &item{
		conversationID: conversationID,
		ctx:            ctx,
		job:            job,
		handle:         newHandle(),
	}

	q.mu.Lock()
	q.pending[conversationID] = append(q.pending[conversationID], it)
	q.tryStartLocked(conversationID)
	q.mu.Unlock()

	return it.handle
}

// tryStartLocked admits the conversation's head-of-line job if allowed.
// Caller must hold q.mu.
func (q *GroupQueue) tryStartLocked(conversationID string) {
	if q.running[conversationID] || q.runningCount >= q.limit {
		return
	}
	items := q.pending[conversationID]
	if len(items) == 0 {
		return
	}
	it := items[0]
	if len(items) == 1 {
		delete(q.pending, conversationID)
	} else {
		q.pending[conversationID] = items[1:]
	}
	q.running[conversationID] = true
	q.runningCount++

	go q.run(it)
}

func (q *GroupQueue) run(it *item) {
	result, err := it.job(it.ctx)
	it.handle.complete(result, err)

	q.mu.Lock()
	delete(q.running, it.conversationID)
	q.runningCount--
	if q.runningCount == 0 {
		for _, ch := range q.drainWaiters {
			close(ch)
		}
		q.drainWaiters = nil
	}
	// Same conversation first, then fill freed capacity from the rest.
	q.tryStartLocked(it.conversationID)
	for conv := range q.pending {
		if q.runningCount >= q.limit {
			break
		}
		q.tryStartLocked(conv)
	}
	q.mu.Unlock()
}

// CancelPending drops every not-yet-started job for the conversation and
// returns how many were dropped. A running job is untouched.
func (q *GroupQueue) CancelPending(conversationID string) int {
	q.mu.Lock()
	items := q.pending[conversationID]
	delete(q.pending, conversationID)
	q.mu.Unlock()

	for _, it := range items {
		it.handle.complete("", ErrCancelled)
	}
	if len(items) > 0 {
		slog.Info("cancelled pending jobs", "conversation", conversationID, "count", len(items))
	}
	return len(items)
}

// CancelAll drops pending jobs across every conversation, for shutdown.
func (q *GroupQueue) CancelAll() int {
	q.mu.Lock()
	var all []*item
	for conv, items := range q.pending {
		all = append(all, items...)
		delete(q.pending, conv)
	}
	q.mu.Unlock()

	for _, it := range all {
		it.handle.complete("", ErrCancelled)
	}
	return len(all)
}

// IsActive reports whether a job for the conversation is currently running.
func (q *GroupQueue) IsActive(conversationID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running[conversationID]
}

// ActiveCount returns the number of currently running jobs.
func (q *GroupQueue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.runningCount
}

// PendingCount returns the number of queued, not-yet-started jobs.
func (q *GroupQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, items := range q.pending {
		n += len(items)
	}
	return n
}

// WaitForActive blocks until the global running count reaches zero, returning
// true, or until timeout elapses, returning false. Used to bound shutdown
// drain time.
func (q *GroupQueue) WaitForActive(timeout time.Duration) bool {
	q.mu.Lock()
	if q.runningCount == 0 {
		q.mu.Unlock()
		return true
	}
	ch := make(chan struct{})
	q.drainWaiters = append(q.drainWaiters, ch)
	q.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}
