package client

import (
	"context"
	"strings"
	"sync"
	"time"
)

// BatchedStream coalesces concurrent Append calls against one stream into
// fewer HTTP POSTs: callers block on Append, a background flush groups
// whatever arrived within LingerMs or MaxBatchBytes into one request, and
// every waiter is released once that request completes. This is request
// coalescing for throughput, distinct from the idempotent producer's
// ordering/fencing guarantees (see IdempotentProducer).
type BatchedStream struct {
	stream *Stream

	lingerMs      int
	maxBatchBytes int

	mu      sync.Mutex
	pending []batchedEntry
	bytes   int
	timer   *time.Timer
}

type batchedEntry struct {
	data   []byte
	result chan batchedResult
}

type batchedResult struct {
	res AppendResult
	err error
}

// NewBatchedStream wraps s with request coalescing. lingerMs of 0 means
// every Append dispatches its own request immediately.
func NewBatchedStream(s *Stream, lingerMs, maxBatchBytes int) *BatchedStream {
	if maxBatchBytes <= 0 {
		maxBatchBytes = 1 << 20
	}
	return &BatchedStream{stream: s, lingerMs: lingerMs, maxBatchBytes: maxBatchBytes}
}

// Append enqueues data and blocks until the batch containing it has been
// dispatched and a result is known.
func (b *BatchedStream) Append(ctx context.Context, data []byte) (AppendResult, error) {
	entry := batchedEntry{data: data, result: make(chan batchedResult, 1)}

	b.mu.Lock()
	b.pending = append(b.pending, entry)
	b.bytes += len(data)
	trigger := b.bytes >= b.maxBatchBytes || b.lingerMs == 0
	if trigger {
		b.flushLocked()
	} else if b.timer == nil {
		b.timer = time.AfterFunc(time.Duration(b.lingerMs)*time.Millisecond, func() {
			b.mu.Lock()
			b.flushLocked()
			b.mu.Unlock()
		})
	}
	b.mu.Unlock()

	select {
	case r := <-entry.result:
		return r.res, r.err
	case <-ctx.Done():
		return AppendResult{}, ctx.Err()
	}
}

// flushLocked must be called with b.mu held. It detaches the current
// pending batch and dispatches it without holding the lock.
func (b *BatchedStream) flushLocked() {
	if len(b.pending) == 0 {
		return
	}
	batch := b.pending
	b.pending = nil
	b.bytes = 0
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	go b.dispatch(batch)
}

func (b *BatchedStream) dispatch(batch []batchedEntry) {
	var combined []byte
	isJSON := isJSONContentType(b.stream.contentType)
	if isJSON {
		combined = append(combined, '[')
		for i, e := range batch {
			if i > 0 {
				combined = append(combined, ',')
			}
			combined = append(combined, e.data...)
		}
		combined = append(combined, ']')
	} else {
		for _, e := range batch {
			combined = append(combined, e.data...)
		}
	}

	res, err := b.stream.Append(context.Background(), combined)
	for _, e := range batch {
		e.result <- batchedResult{res: res, err: err}
	}
}

func isJSONContentType(ct string) bool {
	mt := ct
	if idx := strings.IndexByte(mt, ';'); idx >= 0 {
		mt = mt[:idx]
	}
	mt = strings.TrimSpace(mt)
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}
