package knowbase

import "sync/atomic"

// Progress is the sink batch and sync operations report to. Implementations
// must be safe for use from the calling goroutine of the operation they were
// passed to; the layer never shares one call's sink across goroutines.
//
// Progress advances by the number of units processed in each underlying
// batch call, not by the number of batches, so observers see
// item-granularity ticks regardless of backend chunking.
type Progress interface {
	// Update advances the progress by n items.
	Update(n int)

	// SetTotal declares the expected total item count, when known.
	SetTotal(n int)

	// Close marks the observed operation as finished.
	Close()
}

type nopProgress struct{}

func (nopProgress) Update(int)   {}
func (nopProgress) SetTotal(int) {}
func (nopProgress) Close()       {}

// NopProgress returns a sink that discards all updates.
func NopProgress() Progress { return nopProgress{} }

// ProgressOrNop replaces a nil sink with a no-op one so progress reporting
// is always safe to invoke with no observer attached.
func ProgressOrNop(p Progress) Progress {
	if p == nil {
		return nopProgress{}
	}
	return p
}

// CountProgress is a Progress that accumulates counts. Useful in tests and
// for building batch summaries.
type CountProgress struct {
	done   atomic.Int64
	total  atomic.Int64
	closed atomic.Bool
}

func (c *CountProgress) Update(n int)   { c.done.Add(int64(n)) }
func (c *CountProgress) SetTotal(n int) { c.total.Store(int64(n)) }
func (c *CountProgress) Close()         { c.closed.Store(true) }

// Done returns the number of items reported so far.
func (c *CountProgress) Done() int { return int(c.done.Load()) }

// Total returns the declared total, or 0 when none was set.
func (c *CountProgress) Total() int { return int(c.total.Load()) }

// Closed reports whether Close was called.
func (c *CountProgress) Closed() bool { return c.closed.Load() }
