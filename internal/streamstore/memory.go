package streamstore

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dstreamsio/dstreams/internal/offset"
)

// MemoryStore is the in-memory Store backend: no persistence beyond
// process lifetime, used for tests and as the Caddy handler's default
// when no data directory is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string]*memoryStream

	waiters   *tailNotifier
	prodLocks *producerLockTable
}

type memoryStream struct {
	meta    StreamMetadata
	records []memoryRecord
}

type memoryRecord struct {
	data   []byte
	offset offset.Offset
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams:   make(map[string]*memoryStream),
		waiters:   newTailNotifier(),
		prodLocks: newProducerLockTable(),
	}
}

func (s *MemoryStore) Create(path string, opts CreateOptions) (*StreamMetadata, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.streams[path]; ok && !existing.meta.IsExpired(time.Now()) {
		if !existing.meta.ConfigMatches(opts) {
			return nil, false, ErrConfigMismatch
		}
		m := existing.meta
		return &m, false, nil
	}

	stream := &memoryStream{
		meta: StreamMetadata{
			Path:        path,
			ContentType: opts.ContentType,
			TTLSeconds:  opts.TTLSeconds,
			ExpiresAt:   opts.ExpiresAt,
			CreatedAt:   time.Now(),
			Producers:   make(map[string]*ProducerState),
			Closed:      opts.Closed,
		},
	}
	s.streams[path] = stream

	if len(opts.InitialData) > 0 {
		s.appendLocked(stream, opts.InitialData, opts.ContentType)
	}

	m := stream.meta
	return &m, true, nil
}

func (s *MemoryStore) Get(path string) (*StreamMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream, ok := s.streams[path]
	if !ok {
		return nil, ErrStreamNotFound
	}
	if stream.meta.IsExpired(time.Now()) {
		return nil, ErrStreamExpired
	}
	m := stream.meta
	return &m, nil
}

func (s *MemoryStore) Has(path string) bool {
	_, err := s.Get(path)
	return err == nil
}

func (s *MemoryStore) Delete(path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.streams[path]
	if !ok {
		return false, nil
	}
	delete(s.streams, path)
	return true, nil
}

// validateProducer is the server-side half of the producer fencing state
// machine: checks the incoming epoch/seq against what this producer-id
// last committed and classifies the append as fresh, a duplicate, a
// stale-epoch rejection, or a sequence gap.
func validateProducer(meta *StreamMetadata, opts AppendOptions) (ProducerResult, AppendResult, error) {
	if !opts.HasProducerHeaders() {
		return ProducerResultNone, AppendResult{}, nil
	}
	if !opts.HasAllProducerHeaders() {
		return ProducerResultNone, AppendResult{}, ErrPartialProducer
	}

	state, known := meta.Producers[opts.ProducerID]
	epoch := *opts.ProducerEpoch
	seq := *opts.ProducerSeq

	if !known {
		if seq != 0 {
			return ProducerResultNone, AppendResult{ExpectedSeq: 0, ReceivedSeq: seq}, ErrProducerSeqGap
		}
		return ProducerResultAccepted, AppendResult{}, nil
	}

	switch {
	case epoch < state.Epoch:
		return ProducerResultNone, AppendResult{CurrentEpoch: state.Epoch}, ErrStaleEpoch
	case epoch > state.Epoch:
		if seq != 0 {
			return ProducerResultNone, AppendResult{CurrentEpoch: state.Epoch}, ErrInvalidEpochSeq
		}
		return ProducerResultAccepted, AppendResult{}, nil
	case seq <= state.LastSeq:
		return ProducerResultDuplicate, AppendResult{Offset: state.LastOffset, LastSeq: state.LastSeq}, nil
	case seq == state.LastSeq+1:
		return ProducerResultAccepted, AppendResult{}, nil
	default:
		return ProducerResultNone, AppendResult{ExpectedSeq: state.LastSeq + 1, ReceivedSeq: seq, LastSeq: state.LastSeq}, ErrProducerSeqGap
	}
}

func (s *MemoryStore) Append(path string, data []byte, opts AppendOptions) (AppendResult, error) {
	if opts.HasProducerHeaders() {
		unlock := s.prodLocks.lock(path, opts.ProducerID)
		defer unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.streams[path]
	if !ok {
		return AppendResult{}, ErrStreamNotFound
	}
	if stream.meta.IsExpired(time.Now()) {
		return AppendResult{}, ErrStreamExpired
	}
	if stream.meta.Closed {
		return AppendResult{StreamClosed: true}, ErrStreamClosed
	}
	if opts.ContentType != "" && !ContentTypeMatches(stream.meta.ContentType, opts.ContentType) {
		return AppendResult{}, ErrContentTypeMismatch
	}
	if len(data) == 0 {
		return AppendResult{}, ErrEmptyBody
	}

	result, ar, err := validateProducer(&stream.meta, opts)
	if err != nil {
		return ar, err
	}
	if result == ProducerResultDuplicate {
		ar.ProducerResult = ProducerResultDuplicate
		return ar, nil
	}

	if opts.Seq != "" {
		// non-idempotent client ordering check: stream-seq must equal
		// the number of records committed so far (string form, server's
		// choice of counter semantics).
		if opts.Seq != offsetSeqCounter(stream) {
			return AppendResult{}, ErrSequenceConflict
		}
	}

	offsets := s.appendLocked(stream, data, stream.meta.ContentType)

	if opts.HasAllProducerHeaders() {
		stream.meta.Producers[opts.ProducerID] = &ProducerState{
			Epoch:       *opts.ProducerEpoch,
			LastSeq:     *opts.ProducerSeq,
			LastOffset:  offsets,
			LastUpdated: time.Now(),
		}
	}
	if opts.Close {
		stream.meta.Closed = true
		if opts.ProducerID != "" {
			stream.meta.ClosedBy = &ClosedByProducer{ProducerID: opts.ProducerID, Epoch: *opts.ProducerEpoch, Seq: *opts.ProducerSeq}
		}
	}

	s.waiters.notify(path)

	return AppendResult{Offset: offsets, ProducerResult: result}, nil
}

func offsetSeqCounter(stream *memoryStream) string {
	// stream-seq is a client-chosen non-idempotent ordering counter;
	// the server's contract is simply "matches the count of records
	// committed so far", independent of the idempotent producer table.
	return itoa(len(stream.records))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// appendLocked commits data under the write lock (already held by caller)
// and returns the offset assigned to the last byte range written. JSON
// streams whose top-level body is an array are flattened into one record
// per element, per the reference's processJSONAppend behavior.
func (s *MemoryStore) appendLocked(stream *memoryStream, data []byte, contentType string) offset.Offset {
	chunks := [][]byte{data}
	if IsJSONContentType(contentType) {
		if els, ok := splitJSONArray(data); ok && len(els) > 0 {
			chunks = els
		}
	}

	var last offset.Offset
	for _, chunk := range chunks {
		next := stream.meta.CurrentOffset.Next(len(chunk))
		stream.records = append(stream.records, memoryRecord{data: chunk, offset: next})
		stream.meta.CurrentOffset = next
		last = next
	}
	return last
}

func splitJSONArray(data []byte) ([][]byte, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, false
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, false
	}
	out := make([][]byte, len(raw))
	for i, r := range raw {
		out[i] = []byte(r)
	}
	return out, true
}

func (s *MemoryStore) CloseStream(path string, opts AppendOptions) (CloseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stream, ok := s.streams[path]
	if !ok {
		return CloseResult{}, ErrStreamNotFound
	}
	if stream.meta.Closed {
		return CloseResult{FinalOffset: stream.meta.CurrentOffset, AlreadyClosed: true}, nil
	}
	stream.meta.Closed = true
	return CloseResult{FinalOffset: stream.meta.CurrentOffset}, nil
}

func (s *MemoryStore) Read(path string, from offset.Offset, maxBytes int) ([]Message, offset.Offset, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream, ok := s.streams[path]
	if !ok {
		return nil, offset.Zero, false, ErrStreamNotFound
	}
	if stream.meta.IsExpired(time.Now()) {
		return nil, offset.Zero, false, ErrStreamExpired
	}

	var out []Message
	total := 0
	next := from
	for _, rec := range stream.records {
		if !from.LessThan(rec.offset) {
			continue
		}
		if maxBytes > 0 && total+len(rec.data) > maxBytes && len(out) > 0 {
			break
		}
		out = append(out, Message{Data: rec.data, Offset: rec.offset})
		total += len(rec.data)
		next = rec.offset
	}
	upToDate := next.Equal(stream.meta.CurrentOffset)
	if upToDate {
		next = stream.meta.CurrentOffset
	}
	return out, next, upToDate, nil
}

func (s *MemoryStore) GetCurrentOffset(path string) (offset.Offset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream, ok := s.streams[path]
	if !ok {
		return offset.Zero, ErrStreamNotFound
	}
	return stream.meta.CurrentOffset, nil
}

func (s *MemoryStore) WaitForMessages(ctx context.Context, path string, from offset.Offset, timeout time.Duration) (WaitResult, error) {
	for {
		msgs, next, upToDate, err := s.Read(path, from, 0)
		if err != nil {
			return WaitResult{}, err
		}
		if len(msgs) > 0 {
			return WaitResult{Messages: msgs, TimedOut: false}, nil
		}

		s.mu.RLock()
		stream, ok := s.streams[path]
		var closed bool
		if ok {
			closed = stream.meta.Closed
		}
		s.mu.RUnlock()
		if !ok {
			return WaitResult{}, ErrStreamNotFound
		}
		if closed {
			return WaitResult{StreamClosed: true}, nil
		}
		_ = upToDate
		_ = next

		ch := s.waiters.subscribe(path)
		timer := time.NewTimer(timeout)
		select {
		case <-ch:
			timer.Stop()
			continue
		case <-timer.C:
			s.waiters.unsubscribe(path, ch)
			return WaitResult{TimedOut: true}, nil
		case <-ctx.Done():
			timer.Stop()
			s.waiters.unsubscribe(path, ch)
			return WaitResult{}, ctx.Err()
		}
	}
}

func (s *MemoryStore) Close() error { return nil }

// tailNotifier wakes long-poll/SSE readers blocked on a stream's tail.
// Grounded on the reference's longPollManager: a map of per-stream waiter
// channels, notified (non-blocking) on every commit.
type tailNotifier struct {
	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

func newTailNotifier() *tailNotifier {
	return &tailNotifier{waiters: make(map[string][]chan struct{})}
}

func (n *tailNotifier) subscribe(path string) chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch := make(chan struct{}, 1)
	n.waiters[path] = append(n.waiters[path], ch)
	return ch
}

func (n *tailNotifier) unsubscribe(path string, ch chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	list := n.waiters[path]
	for i, c := range list {
		if c == ch {
			n.waiters[path] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

func (n *tailNotifier) notify(path string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.waiters[path] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	delete(n.waiters, path)
}

// producerLockTable serializes concurrent requests from a single
// producer-id ahead of the stream-wide lock: two in-flight appends from
// the same producer-id must not interleave, or their seq checks race
// and manufacture a spurious gap or duplicate.
type producerLockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newProducerLockTable() *producerLockTable {
	return &producerLockTable{locks: make(map[string]*sync.Mutex)}
}

func (t *producerLockTable) lock(streamPath, producerID string) (unlock func()) {
	key := streamPath + ":" + producerID
	t.mu.Lock()
	l, ok := t.locks[key]
	if !ok {
		l = &sync.Mutex{}
		t.locks[key] = l
	}
	t.mu.Unlock()

	l.Lock()
	return l.Unlock
}

var _ Store = (*MemoryStore)(nil)
