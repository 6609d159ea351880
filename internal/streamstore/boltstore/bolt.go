// Package boltstore is the durable Store backend. It stores both stream
// metadata and committed record bytes in a single bbolt database: one
// "metadata" bucket keyed by stream path, and one per-stream bucket
// (named "records:<path>") whose keys are the offset codec's zero-padded
// string so bbolt's native B+tree key ordering is already the scan
// order reads require.
package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/dstreamsio/dstreams/internal/offset"
	"github.com/dstreamsio/dstreams/internal/streamstore"
)

var metadataBucket = []byte("metadata")

// boltMetadata is the on-disk projection of streamstore.StreamMetadata.
// Offsets and timestamps are serialized as strings/Unix-seconds rather
// than Go's binary encodings, matching the reference bbolt.go's choice to
// keep the format JSON-readable for operators inspecting the db offline.
type boltMetadata struct {
	Path          string                     `json:"path"`
	ContentType   string                     `json:"contentType"`
	CurrentOffset string                     `json:"currentOffset"`
	LastSeq       int64                      `json:"lastSeq"`
	TTLSeconds    *int64                     `json:"ttlSeconds,omitempty"`
	ExpiresAtUnix *int64                     `json:"expiresAtUnix,omitempty"`
	CreatedAtUnix int64                      `json:"createdAtUnix"`
	Producers     map[string]boltProducer    `json:"producers"`
	Closed        bool                       `json:"closed"`
	ClosedBy      *streamstore.ClosedByProducer `json:"closedBy,omitempty"`
}

type boltProducer struct {
	Epoch       int64  `json:"epoch"`
	LastSeq     int64  `json:"lastSeq"`
	LastOffset  string `json:"lastOffset"`
	LastUpdated int64  `json:"lastUpdated"`
}

// Store is the bbolt-backed streamstore.Store implementation.
type Store struct {
	db   *bbolt.DB
	mu   sync.RWMutex // serializes metadata read-modify-write across streams
	path string

	waiters *waiterTable
}

// Open creates or opens a bbolt database at dbPath for durable stream
// storage.
func Open(dbPath string) (*Store, error) {
	db, err := bbolt.Open(dbPath, 0644, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", dbPath, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metadataBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("boltstore: create metadata bucket: %w", err)
	}
	return &Store{db: db, path: dbPath, waiters: newWaiterTable()}, nil
}

func recordsBucketName(path string) []byte {
	return []byte("records:" + path)
}

func (s *Store) toMeta(m *boltMetadata) (*streamstore.StreamMetadata, error) {
	cur, err := offset.Parse(m.CurrentOffset)
	if err != nil {
		return nil, err
	}
	out := &streamstore.StreamMetadata{
		Path:          m.Path,
		ContentType:   m.ContentType,
		CurrentOffset: cur,
		LastSeq:       m.LastSeq,
		TTLSeconds:    m.TTLSeconds,
		CreatedAt:     time.Unix(m.CreatedAtUnix, 0).UTC(),
		Producers:     make(map[string]*streamstore.ProducerState, len(m.Producers)),
		Closed:        m.Closed,
		ClosedBy:      m.ClosedBy,
	}
	if m.ExpiresAtUnix != nil {
		t := time.Unix(*m.ExpiresAtUnix, 0).UTC()
		out.ExpiresAt = &t
	}
	for id, p := range m.Producers {
		lo, err := offset.Parse(p.LastOffset)
		if err != nil {
			return nil, err
		}
		out.Producers[id] = &streamstore.ProducerState{
			Epoch:       p.Epoch,
			LastSeq:     p.LastSeq,
			LastOffset:  lo,
			LastUpdated: time.Unix(p.LastUpdated, 0).UTC(),
		}
	}
	return out, nil
}

func fromMeta(m *streamstore.StreamMetadata) *boltMetadata {
	out := &boltMetadata{
		Path:          m.Path,
		ContentType:   m.ContentType,
		CurrentOffset: m.CurrentOffset.String(),
		LastSeq:       m.LastSeq,
		TTLSeconds:    m.TTLSeconds,
		CreatedAtUnix: m.CreatedAt.Unix(),
		Producers:     make(map[string]boltProducer, len(m.Producers)),
		Closed:        m.Closed,
		ClosedBy:      m.ClosedBy,
	}
	if m.ExpiresAt != nil {
		u := m.ExpiresAt.Unix()
		out.ExpiresAtUnix = &u
	}
	for id, p := range m.Producers {
		out.Producers[id] = boltProducer{
			Epoch:       p.Epoch,
			LastSeq:     p.LastSeq,
			LastOffset:  p.LastOffset.String(),
			LastUpdated: p.LastUpdated.Unix(),
		}
	}
	return out
}

func (s *Store) getMetaTx(tx *bbolt.Tx, path string) (*boltMetadata, bool, error) {
	b := tx.Bucket(metadataBucket)
	raw := b.Get([]byte(path))
	if raw == nil {
		return nil, false, nil
	}
	// bbolt buffers are only valid for the lifetime of the transaction;
	// copy before decoding to be safe against later reuse of the page.
	dataCopy := make([]byte, len(raw))
	copy(dataCopy, raw)
	var m boltMetadata
	if err := json.Unmarshal(dataCopy, &m); err != nil {
		return nil, false, err
	}
	return &m, true, nil
}

func (s *Store) putMetaTx(tx *bbolt.Tx, m *boltMetadata) error {
	b := tx.Bucket(metadataBucket)
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return b.Put([]byte(m.Path), raw)
}

func (s *Store) Create(path string, opts streamstore.CreateOptions) (*streamstore.StreamMetadata, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result *streamstore.StreamMetadata
	var created bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		existing, ok, err := s.getMetaTx(tx, path)
		if err != nil {
			return err
		}
		if ok {
			meta, err := s.toMeta(existing)
			if err != nil {
				return err
			}
			if !meta.IsExpired(time.Now()) {
				if !meta.ConfigMatches(opts) {
					return streamstore.ErrConfigMismatch
				}
				result = meta
				return nil
			}
		}

		if _, err := tx.CreateBucketIfNotExists(recordsBucketName(path)); err != nil {
			return err
		}

		m := &streamstore.StreamMetadata{
			Path:        path,
			ContentType: opts.ContentType,
			TTLSeconds:  opts.TTLSeconds,
			ExpiresAt:   opts.ExpiresAt,
			CreatedAt:   time.Now(),
			Producers:   make(map[string]*streamstore.ProducerState),
			Closed:      opts.Closed,
		}
		if len(opts.InitialData) > 0 {
			next, err := s.appendTx(tx, path, m, opts.InitialData)
			if err != nil {
				return err
			}
			m.CurrentOffset = next
		}
		if err := s.putMetaTx(tx, fromMeta(m)); err != nil {
			return err
		}
		result = m
		created = true
		return nil
	})
	return result, created, err
}

func (s *Store) Get(path string) (*streamstore.StreamMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result *streamstore.StreamMetadata
	err := s.db.View(func(tx *bbolt.Tx) error {
		m, ok, err := s.getMetaTx(tx, path)
		if err != nil {
			return err
		}
		if !ok {
			return streamstore.ErrStreamNotFound
		}
		meta, err := s.toMeta(m)
		if err != nil {
			return err
		}
		if meta.IsExpired(time.Now()) {
			return streamstore.ErrStreamExpired
		}
		result = meta
		return nil
	})
	return result, err
}

func (s *Store) Has(path string) bool {
	_, err := s.Get(path)
	return err == nil
}

func (s *Store) Delete(path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existed := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(metadataBucket)
		raw := b.Get([]byte(path))
		if raw == nil {
			return nil
		}
		existed = true
		if err := b.Delete([]byte(path)); err != nil {
			return err
		}
		return tx.DeleteBucket(recordsBucketName(path))
	})
	return existed, err
}

func (s *Store) appendTx(tx *bbolt.Tx, path string, m *streamstore.StreamMetadata, data []byte) (offset.Offset, error) {
	rb := tx.Bucket(recordsBucketName(path))
	if rb == nil {
		var err error
		rb, err = tx.CreateBucketIfNotExists(recordsBucketName(path))
		if err != nil {
			return offset.Zero, err
		}
	}

	chunks := [][]byte{data}
	if streamstore.IsJSONContentType(m.ContentType) {
		if els, ok := splitJSONArray(data); ok && len(els) > 0 {
			chunks = els
		}
	}

	var last offset.Offset
	for _, chunk := range chunks {
		next := m.CurrentOffset.Next(len(chunk))
		if err := rb.Put([]byte(next.String()), chunk); err != nil {
			return offset.Zero, err
		}
		m.CurrentOffset = next
		last = next
	}
	return last, nil
}

func splitJSONArray(data []byte) ([][]byte, bool) {
	trimmed := data
	for len(trimmed) > 0 && (trimmed[0] == ' ' || trimmed[0] == '\n' || trimmed[0] == '\t' || trimmed[0] == '\r') {
		trimmed = trimmed[1:]
	}
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

func (s *Store) Append(path string, data []byte, opts streamstore.AppendOptions) (streamstore.AppendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result streamstore.AppendResult
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bm, ok, err := s.getMetaTx(tx, path)
		if err != nil {
			return err
		}
		if !ok {
			return streamstore.ErrStreamNotFound
		}
		meta, err := s.toMeta(bm)
		if err != nil {
			return err
		}
		if meta.IsExpired(time.Now()) {
			return streamstore.ErrStreamExpired
		}
		if meta.Closed {
			result.StreamClosed = true
			return streamstore.ErrStreamClosed
		}
		if opts.ContentType != "" && !streamstore.ContentTypeMatches(meta.ContentType, opts.ContentType) {
			return streamstore.ErrContentTypeMismatch
		}
		if len(data) == 0 {
			return streamstore.ErrEmptyBody
		}

		pr, ar, verr := validateProducer(meta, opts)
		if verr != nil {
			result = ar
			return verr
		}
		if pr == streamstore.ProducerResultDuplicate {
			ar.ProducerResult = streamstore.ProducerResultDuplicate
			result = ar
			return nil
		}

		next, err := s.appendTx(tx, path, meta, data)
		if err != nil {
			return err
		}
		if opts.HasAllProducerHeaders() {
			meta.Producers[opts.ProducerID] = &streamstore.ProducerState{
				Epoch:       *opts.ProducerEpoch,
				LastSeq:     *opts.ProducerSeq,
				LastOffset:  next,
				LastUpdated: time.Now(),
			}
		}
		if opts.Close {
			meta.Closed = true
		}
		if err := s.putMetaTx(tx, fromMeta(meta)); err != nil {
			return err
		}
		result = streamstore.AppendResult{Offset: next, ProducerResult: pr}
		return nil
	})
	if err == nil {
		s.waiters.notify(path)
	}
	return result, err
}

// validateProducer mirrors streamstore's in-memory state machine; kept as
// a local copy so boltstore has no compile-time dependency on MemoryStore
// internals, only on the shared exported types.
func validateProducer(meta *streamstore.StreamMetadata, opts streamstore.AppendOptions) (streamstore.ProducerResult, streamstore.AppendResult, error) {
	if !opts.HasProducerHeaders() {
		return streamstore.ProducerResultNone, streamstore.AppendResult{}, nil
	}
	if !opts.HasAllProducerHeaders() {
		return streamstore.ProducerResultNone, streamstore.AppendResult{}, streamstore.ErrPartialProducer
	}
	state, known := meta.Producers[opts.ProducerID]
	epoch := *opts.ProducerEpoch
	seq := *opts.ProducerSeq

	if !known {
		if seq != 0 {
			return streamstore.ProducerResultNone, streamstore.AppendResult{ExpectedSeq: 0, ReceivedSeq: seq}, streamstore.ErrProducerSeqGap
		}
		return streamstore.ProducerResultAccepted, streamstore.AppendResult{}, nil
	}
	switch {
	case epoch < state.Epoch:
		return streamstore.ProducerResultNone, streamstore.AppendResult{CurrentEpoch: state.Epoch}, streamstore.ErrStaleEpoch
	case epoch > state.Epoch:
		if seq != 0 {
			return streamstore.ProducerResultNone, streamstore.AppendResult{CurrentEpoch: state.Epoch}, streamstore.ErrInvalidEpochSeq
		}
		return streamstore.ProducerResultAccepted, streamstore.AppendResult{}, nil
	case seq <= state.LastSeq:
		return streamstore.ProducerResultDuplicate, streamstore.AppendResult{Offset: state.LastOffset, LastSeq: state.LastSeq}, nil
	case seq == state.LastSeq+1:
		return streamstore.ProducerResultAccepted, streamstore.AppendResult{}, nil
	default:
		return streamstore.ProducerResultNone, streamstore.AppendResult{ExpectedSeq: state.LastSeq + 1, ReceivedSeq: seq, LastSeq: state.LastSeq}, streamstore.ErrProducerSeqGap
	}
}

func (s *Store) CloseStream(path string, opts streamstore.AppendOptions) (streamstore.CloseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result streamstore.CloseResult
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bm, ok, err := s.getMetaTx(tx, path)
		if err != nil {
			return err
		}
		if !ok {
			return streamstore.ErrStreamNotFound
		}
		meta, err := s.toMeta(bm)
		if err != nil {
			return err
		}
		if meta.Closed {
			result = streamstore.CloseResult{FinalOffset: meta.CurrentOffset, AlreadyClosed: true}
			return nil
		}
		meta.Closed = true
		if err := s.putMetaTx(tx, fromMeta(meta)); err != nil {
			return err
		}
		result = streamstore.CloseResult{FinalOffset: meta.CurrentOffset}
		return nil
	})
	return result, err
}

func (s *Store) Read(path string, from offset.Offset, maxBytes int) ([]streamstore.Message, offset.Offset, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var msgs []streamstore.Message
	var next offset.Offset
	var upToDate bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		bm, ok, err := s.getMetaTx(tx, path)
		if err != nil {
			return err
		}
		if !ok {
			return streamstore.ErrStreamNotFound
		}
		meta, err := s.toMeta(bm)
		if err != nil {
			return err
		}
		if meta.IsExpired(time.Now()) {
			return streamstore.ErrStreamExpired
		}

		rb := tx.Bucket(recordsBucketName(path))
		next = from
		total := 0
		if rb != nil {
			c := rb.Cursor()
			start := []byte(from.String())
			for k, v := c.Seek(start); k != nil; k, v = c.Next() {
				o, perr := offset.Parse(string(k))
				if perr != nil {
					continue
				}
				if !from.LessThan(o) {
					continue
				}
				if maxBytes > 0 && total+len(v) > maxBytes && len(msgs) > 0 {
					break
				}
				dataCopy := make([]byte, len(v))
				copy(dataCopy, v)
				msgs = append(msgs, streamstore.Message{Data: dataCopy, Offset: o})
				total += len(v)
				next = o
			}
		}
		upToDate = next.Equal(meta.CurrentOffset)
		if upToDate {
			next = meta.CurrentOffset
		}
		return nil
	})
	return msgs, next, upToDate, err
}

func (s *Store) GetCurrentOffset(path string) (offset.Offset, error) {
	meta, err := s.Get(path)
	if err != nil {
		return offset.Zero, err
	}
	return meta.CurrentOffset, nil
}

func (s *Store) WaitForMessages(ctx context.Context, path string, from offset.Offset, timeout time.Duration) (streamstore.WaitResult, error) {
	for {
		msgs, _, _, err := s.Read(path, from, 0)
		if err != nil {
			return streamstore.WaitResult{}, err
		}
		if len(msgs) > 0 {
			return streamstore.WaitResult{Messages: msgs}, nil
		}

		meta, err := s.Get(path)
		if err != nil {
			return streamstore.WaitResult{}, err
		}
		if meta.Closed {
			return streamstore.WaitResult{StreamClosed: true}, nil
		}

		ch := s.waiters.subscribe(path)
		timer := time.NewTimer(timeout)
		select {
		case <-ch:
			timer.Stop()
			continue
		case <-timer.C:
			s.waiters.unsubscribe(path, ch)
			return streamstore.WaitResult{TimedOut: true}, nil
		case <-ctx.Done():
			timer.Stop()
			s.waiters.unsubscribe(path, ch)
			return streamstore.WaitResult{}, ctx.Err()
		}
	}
}

func (s *Store) Close() error {
	return s.db.Close()
}

var _ streamstore.Store = (*Store)(nil)
