package rank

import (
	"context"
	"fmt"
	"sync"

	"rankengine/internal/core/keyword"
)

// BatchWriter is the keyword store's write side.
type BatchWriter interface {
	BatchWrite(ctx context.Context, recs []keyword.Record) error
}

// PersistenceError reports a failed flush. The records in the failed batch
// are dropped.
type PersistenceError struct {
	Count int
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %d results: %v", e.Count, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Persister buffers records and writes them in batches of threshold.
type Persister struct {
	store     BatchWriter
	threshold int

	mu  sync.Mutex
	buf []keyword.Record
}

func NewPersister(store BatchWriter, threshold int) *Persister {
	if threshold < 1 {
		threshold = 10
	}
	return &Persister{store: store, threshold: threshold}
}

// Add buffers rec and flushes once the buffer reaches the threshold.
func (p *Persister) Add(ctx context.Context, rec keyword.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf = append(p.buf, rec)
	if len(p.buf) < p.threshold {
		return nil
	}
	return p.flushLocked(ctx)
}

// Flush writes whatever is buffered.
func (p *Persister) Flush(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushLocked(ctx)
}

// Pending returns the number of buffered records.
func (p *Persister) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

func (p *Persister) flushLocked(ctx context.Context) error {
	if len(p.buf) == 0 {
		return nil
	}
	batch := p.buf
	p.buf = nil
	if err := p.store.BatchWrite(ctx, batch); err != nil {
		return &PersistenceError{Count: len(batch), Err: err}
	}
	return nil
}
