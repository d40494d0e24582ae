// Package ratelimit implements sliding-window admission control keyed by
// (conversation, caller).
package ratelimit

import (
	"log/slog"
	"sync"
	"time"
)

// Config holds the process-wide defaults.
type Config struct {
	Limit         int           // max allowed calls per window
	Window        time.Duration // sliding window size
	SweepInterval time.Duration // background bucket cleanup cadence
}

// Limiter tracks call timestamps per (conversation, caller) bucket.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	buckets map[string][]int64

	sweepMu   sync.Mutex
	sweepStop chan struct{}
}

// New creates a Limiter. The background sweep is not started; call Start.
func New(cfg Config) *Limiter {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &Limiter{
		cfg:     cfg,
		buckets: make(map[string][]int64),
	}
}

func key(conversationID, callerID string) string {
	return conversationID + "\x00" + callerID
}

// Allow reports whether the caller may proceed. limitOverride > 0 replaces
// the configured default for this call. When blocked, the pruned bucket is
// still saved so repeated blocked retries do not grow memory, and no new
// timestamp is recorded.
func (l *Limiter) Allow(conversationID, callerID string, limitOverride int) bool {
	limit := l.cfg.Limit
	if limitOverride > 0 {
		limit = limitOverride
	}
	if limit <= 0 {
		return true
	}

	now := time.Now().UnixMilli()
	windowStart := now - l.cfg.Window.Milliseconds()
	k := key(conversationID, callerID)

	l.mu.Lock()
	defer l.mu.Unlock()

	bucket := l.buckets[k]
	kept := bucket[:0]
	for _, ts := range bucket {
		if ts > windowStart {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= limit {
		l.buckets[k] = kept
		return false
	}
	l.buckets[k] = append(kept, now)
	return true
}

// Start launches the background sweep that drops buckets with no timestamps
// inside the window. Safe to call repeatedly; only the first call starts it.
func (l *Limiter) Start() {
	l.sweepMu.Lock()
	defer l.sweepMu.Unlock()
	if l.sweepStop != nil {
		return
	}
	stop := make(chan struct{})
	l.sweepStop = stop

	go func() {
		ticker := time.NewTicker(l.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				l.sweep()
			}
		}
	}()
}

// Stop halts the background sweep. Safe to call repeatedly or before Start.
func (l *Limiter) Stop() {
	l.sweepMu.Lock()
	defer l.sweepMu.Unlock()
	if l.sweepStop == nil {
		return
	}
	close(l.sweepStop)
	l.sweepStop = nil
}

func (l *Limiter) sweep() {
	windowStart := time.Now().UnixMilli() - l.cfg.Window.Milliseconds()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for k, bucket := range l.buckets {
		live := false
		for _, ts := range bucket {
			if ts > windowStart {
				live = true
				break
			}
		}
		if !live {
			delete(l.buckets, k)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("rate limiter sweep", "removed_buckets", removed, "remaining", len(l.buckets))
	}
}

// BucketCount returns the number of tracked buckets, for introspection.
func (l *Limiter) BucketCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
