package util

import (
	"io"
	"sync"
	"time"
)

const (
	defaultProgressDelay    = time.Second
	defaultProgressInterval = 150 * time.Millisecond
)

// ProgressFunc is a callback that is called during uploads to indicate progress to the user.
type ProgressFunc func(processed int64, total int64, done bool)

// ProgressReader counts the bytes read through it and reports them to a ProgressFunc
// in regular intervals. Reporting only starts after a short delay, so that fast
// transfers never render a progress bar at all.
type ProgressReader struct {
	reader    io.Reader
	processed int64
	total     int64
	fn        ProgressFunc
	ticker    *time.Ticker
	sync.RWMutex
}

// NewProgressReader creates a new ProgressReader using fn as the callback function for progress
// updates, and total as the max value that is passed through to fn.
func NewProgressReader(r io.Reader, total int64, fn ProgressFunc) *ProgressReader {
	return NewProgressReaderWithDelay(r, total, fn, defaultProgressDelay, defaultProgressInterval)
}

// NewProgressReaderWithDelay creates a new ProgressReader with a custom delay and report interval.
func NewProgressReaderWithDelay(r io.Reader, total int64, fn ProgressFunc, delay time.Duration, interval time.Duration) *ProgressReader {
	reader := &ProgressReader{
		reader:    r,
		processed: 0,
		total:     total,
		ticker:    nil,
		fn:        fn,
	}
	time.AfterFunc(delay, func() { reader.tick(interval) })
	return reader
}

// Read passes reads through to the underlying reader and updates the processed byte count.
func (r *ProgressReader) Read(p []byte) (n int, err error) {
	n, err = r.reader.Read(p)
	r.Lock()
	r.processed += int64(n)
	r.Unlock()
	return
}

// Done stops the progress ticker and calls the callback function one last time, with the
// "done" flag set.
func (r *ProgressReader) Done() {
	r.Lock()
	if r.ticker != nil {
		r.ticker.Stop()
	}
	r.fn(r.processed, r.total, true)
	r.Unlock()
}

func (r *ProgressReader) tick(interval time.Duration) {
	r.Lock()
	r.ticker = time.NewTicker(interval)
	r.Unlock()
	for range r.ticker.C {
		r.RLock()
		n := r.processed
		r.RUnlock()
		r.fn(n, r.total, false)
	}
}
