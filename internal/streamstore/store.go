// Package streamstore defines the pluggable storage contract for the
// durable stream log and the shared types that flow across it: stream
// metadata, producer state, and the idempotent-append result shapes.
//
// Storage is a collaborator, not the core: this package only fixes the
// interface every backend must honor, plus the content-type and error
// classification logic that is backend-independent.
package streamstore

import (
	"context"
	"errors"
	"mime"
	"strings"
	"time"

	"github.com/dstreamsio/dstreams/internal/offset"
)

// Sentinel errors returned by Store implementations. Handlers map these
// to HTTP status codes and error bodies.
var (
	ErrStreamNotFound      = errors.New("streamstore: stream not found")
	ErrStreamExpired       = errors.New("streamstore: stream expired")
	ErrStreamExists        = errors.New("streamstore: stream already exists")
	ErrConfigMismatch      = errors.New("streamstore: content-type mismatch on existing stream")
	ErrSequenceConflict    = errors.New("streamstore: stream-seq does not match expectation")
	ErrContentTypeMismatch = errors.New("streamstore: content-type does not match stream")
	ErrEmptyBody           = errors.New("streamstore: append body is empty")
	ErrInvalidOffset       = errors.New("streamstore: offset is invalid or truncated")
	ErrEmptyJSONArray      = errors.New("streamstore: JSON array body has no elements")
	ErrInvalidJSON         = errors.New("streamstore: body is not valid JSON")
	ErrStreamClosed        = errors.New("streamstore: stream is closed")

	// Idempotent producer errors.
	ErrStaleEpoch      = errors.New("streamstore: producer epoch is stale")
	ErrInvalidEpochSeq = errors.New("streamstore: new epoch must start at seq 0")
	ErrProducerSeqGap  = errors.New("streamstore: producer sequence gap")
	ErrPartialProducer = errors.New("streamstore: only some producer headers were supplied")
)

// ProducerState is the server-side bookkeeping for one (stream, producerId)
// pair: the last epoch and seq it committed at, and the offset that
// commit landed at, so a retry or duplicate can be detected and answered
// without replaying the stream.
type ProducerState struct {
	Epoch       int64
	LastSeq     int64
	LastOffset  offset.Offset
	LastUpdated time.Time
}

// ProducerResult classifies how an append interacted with producer
// dedup/fencing.
type ProducerResult int

const (
	ProducerResultNone ProducerResult = iota
	ProducerResultAccepted
	ProducerResultDuplicate
)

// ClosedByProducer records which producer incarnation closed a stream.
type ClosedByProducer struct {
	ProducerID string
	Epoch      int64
	Seq        int64
}

// AppendOptions carries everything an append handler gathered from the
// request: the non-idempotent stream-seq header and/or the idempotent
// producer triple.
type AppendOptions struct {
	Seq           string
	ContentType   string
	Close         bool
	ProducerID    string
	ProducerEpoch *int64
	ProducerSeq   *int64
}

// HasProducerHeaders reports whether at least one producer header was set.
func (o AppendOptions) HasProducerHeaders() bool {
	return o.ProducerID != "" || o.ProducerEpoch != nil || o.ProducerSeq != nil
}

// HasAllProducerHeaders reports whether the full producer triple was set.
// A partial set (e.g. producer-id without producer-epoch) is a client
// error: ErrPartialProducer.
func (o AppendOptions) HasAllProducerHeaders() bool {
	return o.ProducerID != "" && o.ProducerEpoch != nil && o.ProducerSeq != nil
}

// AppendResult is returned by Store.Append.
type AppendResult struct {
	Offset         offset.Offset
	ProducerResult ProducerResult
	CurrentEpoch   int64 // set on ErrStaleEpoch, echoes the server's epoch
	ExpectedSeq    int64 // set on ErrProducerSeqGap
	ReceivedSeq    int64 // set on ErrProducerSeqGap
	LastSeq        int64 // set on ErrProducerSeqGap / duplicate
	StreamClosed   bool
}

// CloseResult is returned by Store.CloseStream.
type CloseResult struct {
	FinalOffset    offset.Offset
	AlreadyClosed  bool
}

// CreateOptions configures Store.Create.
type CreateOptions struct {
	ContentType string
	TTLSeconds  *int64
	ExpiresAt   *time.Time
	InitialData []byte
	Closed      bool
}

// Message is one record returned by a read.
type Message struct {
	Data   []byte
	Offset offset.Offset
}

// StreamMetadata is the registry entry for one stream.
type StreamMetadata struct {
	Path          string
	ContentType   string
	CurrentOffset offset.Offset
	LastSeq       int64
	TTLSeconds    *int64
	ExpiresAt     *time.Time
	CreatedAt     time.Time
	Producers     map[string]*ProducerState
	Closed        bool
	ClosedBy      *ClosedByProducer
}

// IsExpired reports whether meta has passed its TTL or absolute expiry.
// A non-nil ExpiresAt at or before now (the zero time included) expires
// the stream regardless of TTLSeconds; TTLSeconds is measured from
// CreatedAt. There is no "unknown, assume alive" branch — fail closed.
func (m *StreamMetadata) IsExpired(now time.Time) bool {
	if m.ExpiresAt != nil && !now.Before(*m.ExpiresAt) {
		return true
	}
	if m.TTLSeconds != nil {
		deadline := m.CreatedAt.Add(time.Duration(*m.TTLSeconds) * time.Second)
		if !now.Before(deadline) {
			return true
		}
	}
	return false
}

// ConfigMatches reports whether opts is compatible with an existing stream's
// fixed configuration (its content-type never changes after creation).
func (m *StreamMetadata) ConfigMatches(opts CreateOptions) bool {
	return ContentTypeMatches(m.ContentType, opts.ContentType) || opts.ContentType == ""
}

// WaitResult is returned by Store.WaitForMessages.
type WaitResult struct {
	Messages     []Message
	TimedOut     bool
	StreamClosed bool
}

// Store is the pluggable storage contract. Implementations must guarantee
// single-writer serialization per stream so offsets assigned by Append are
// totally ordered.
type Store interface {
	Create(path string, opts CreateOptions) (*StreamMetadata, bool, error) // bool: created (vs already existed)
	Get(path string) (*StreamMetadata, error)
	Has(path string) bool
	Delete(path string) (bool, error) // bool: existed

	Append(path string, data []byte, opts AppendOptions) (AppendResult, error)
	CloseStream(path string, opts AppendOptions) (CloseResult, error)

	Read(path string, from offset.Offset, maxBytes int) ([]Message, offset.Offset, bool, error) // messages, nextOffset, upToDate
	WaitForMessages(ctx context.Context, path string, from offset.Offset, timeout time.Duration) (WaitResult, error)
	GetCurrentOffset(path string) (offset.Offset, error)

	Close() error
}

// ContentTypeMatches compares two content-type headers ignoring parameters
// and case, e.g. "application/json; charset=utf-8" == "application/json".
func ContentTypeMatches(a, b string) bool {
	if a == b {
		return true
	}
	return equalFold(ExtractMediaType(a), ExtractMediaType(b))
}

// ExtractMediaType strips parameters from a content-type header.
func ExtractMediaType(ct string) string {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		if idx := strings.IndexByte(ct, ';'); idx >= 0 {
			return strings.TrimSpace(ct[:idx])
		}
		return strings.TrimSpace(ct)
	}
	return mt
}

func equalFold(a, b string) bool { return strings.EqualFold(a, b) }

// IsJSONContentType reports whether ct denotes a JSON media type, including
// the application/vnd.*+json family.
func IsJSONContentType(ct string) bool {
	mt := ExtractMediaType(ct)
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}
