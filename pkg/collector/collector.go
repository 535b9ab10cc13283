// Package collector implements the synchronous response path: a caller
// that sent a user message holds a Future keyed by correlation id, the
// cycle streams chunks into it, and exactly one terminal operation
// (complete, fail, cancel, or timeout) resolves it.
package collector

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// DefaultTimeout is the time a future waits for its terminal event
// before failing, measured from Begin.
const DefaultTimeout = 30 * time.Second

var (
	// ErrTimeout resolves a future whose terminal event never arrived.
	ErrTimeout = errors.New("response collection timed out")
	// ErrCanceled resolves a future canceled by the caller or the manager.
	ErrCanceled = errors.New("response collection canceled")
)

// entry is the per-correlation accumulation state.
type entry struct {
	chunks   strings.Builder
	done     chan struct{}
	text     string
	err      error
	resolved bool
	timer    *time.Timer
}

// Future is the caller-side handle for an in-flight response.
type Future struct {
	correlationID string
	e             *entry
	c             *Collector
}

// CorrelationID returns the id this future is keyed by.
func (f *Future) CorrelationID() string { return f.correlationID }

// Wait blocks until the future resolves or ctx is done. On success it
// returns the final response text.
func (f *Future) Wait(ctx context.Context) (string, error) {
	select {
	case <-f.e.done:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	f.c.mu.Lock()
	defer f.c.mu.Unlock()
	return f.e.text, f.e.err
}

// Done returns a channel closed when the future resolves.
func (f *Future) Done() <-chan struct{} { return f.e.done }

// Collector tracks in-flight correlations. All operations are safe for
// concurrent use; terminal operations are idempotent and chunks arriving
// after resolution are discarded.
type Collector struct {
	mu             sync.Mutex
	entries        map[string]*entry
	defaultTimeout time.Duration
}

// New creates a collector. timeout <= 0 uses DefaultTimeout.
func New(timeout time.Duration) *Collector {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Collector{
		entries:        make(map[string]*entry),
		defaultTimeout: timeout,
	}
}

// Begin registers a correlation and returns its future. The timeout
// clock starts now; pass timeout <= 0 for the collector default.
// Beginning an id that is already in flight returns the existing future.
func (c *Collector) Begin(correlationID string, timeout time.Duration) *Future {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[correlationID]; ok {
		return &Future{correlationID: correlationID, e: e, c: c}
	}

	e := &entry{done: make(chan struct{})}
	e.timer = time.AfterFunc(timeout, func() {
		c.resolve(correlationID, "", ErrTimeout)
	})
	c.entries[correlationID] = e
	return &Future{correlationID: correlationID, e: e, c: c}
}

// AddChunk appends streamed text for the correlation. Chunks for unknown
// or already-resolved correlations are discarded.
func (c *Collector) AddChunk(correlationID, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[correlationID]
	if !ok || e.resolved {
		return
	}
	e.chunks.WriteString(text)
}

// Complete resolves the future with the final text. If finalText is
// empty the concatenated chunks are used. No-op after resolution.
func (c *Collector) Complete(correlationID, finalText string) {
	c.resolve(correlationID, finalText, nil)
}

// Fail resolves the future with an error. No-op after resolution.
func (c *Collector) Fail(correlationID string, err error) {
	if err == nil {
		err = errors.New("response failed")
	}
	c.resolve(correlationID, "", err)
}

// Cancel resolves the future with ErrCanceled. No-op after resolution.
func (c *Collector) Cancel(correlationID string) {
	c.resolve(correlationID, "", ErrCanceled)
}

// Pending reports whether the correlation is registered and unresolved.
func (c *Collector) Pending(correlationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[correlationID]
	return ok && !e.resolved
}

// resolve applies the single terminal transition for a correlation.
func (c *Collector) resolve(correlationID, finalText string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[correlationID]
	if !ok || e.resolved {
		return
	}
	e.resolved = true
	e.timer.Stop()

	if err != nil {
		e.err = err
	} else if finalText != "" {
		e.text = finalText
	} else {
		e.text = e.chunks.String()
	}
	close(e.done)

	// The entry stays in the map so late AddChunk/Complete calls see the
	// resolved marker instead of resurrecting the id. Entries are reaped
	// lazily once the map grows past a bound.
	if len(c.entries) > 4096 {
		for id, old := range c.entries {
			if old.resolved && id != correlationID {
				delete(c.entries, id)
			}
		}
	}
}
