package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	headerContentType    = "Content-Type"
	headerStreamOffset   = "Stream-Next-Offset"
	headerStreamCursor   = "Stream-Cursor"
	headerStreamUpToDate = "Stream-Up-To-Date"
	headerStreamSeq      = "Stream-Seq"
	headerStreamTTL      = "Stream-Ttl"
	headerStreamExpires  = "Stream-Expires-At"
	headerETag           = "ETag"
	headerIfMatch        = "If-Match"
	headerIfNoneMatch    = "If-None-Match"
)

// Stream is a handle to one stream URL. It is safe for concurrent use.
type Stream struct {
	url         string
	client      *Client
	contentType string // cached from the last successful Create/Head/Append
}

// Metadata is the result of a HEAD request.
type Metadata struct {
	ContentType string
	NextOffset  Offset
	TTL         *time.Duration
	ExpiresAt   *time.Time
	ETag        string
}

// AppendResult is the result of a successful Append.
type AppendResult struct {
	NextOffset Offset
	ETag       string
}

// Create creates the stream, or idempotently confirms it already exists
// with a matching content-type. Create is itself idempotent: calling it
// twice with the same arguments succeeds both times.
func (s *Stream) Create(ctx context.Context, contentType string, body []byte, opts ...CreateOption) error {
	cfg := createConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set(headerContentType, contentType)
	if cfg.ttl != nil {
		req.Header.Set(headerStreamTTL, strconv.FormatInt(int64(cfg.ttl.Seconds()), 10))
	}
	if cfg.expiresAt != nil {
		req.Header.Set(headerStreamExpires, cfg.expiresAt.UTC().Format(time.RFC3339))
	}

	resp, err := doWithRetry(ctx, s.client.retryPolicy, func() (*http.Response, error) {
		return s.client.httpClient.Do(cloneRequest(req, body))
	})
	if err != nil {
		return newStreamError("Create", s.url, 0, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK:
		s.contentType = contentType
		return nil
	case http.StatusConflict:
		return newStreamError("Create", s.url, resp.StatusCode, ErrStreamExists)
	default:
		return newStreamError("Create", s.url, resp.StatusCode, errorFromStatus(resp.StatusCode))
	}
}

func cloneRequest(req *http.Request, body []byte) *http.Request {
	clone := req.Clone(req.Context())
	if body != nil {
		clone.Body = io.NopCloser(bytes.NewReader(body))
	}
	return clone
}

// Append appends one record. It accepts both 200 and 204 as success: the
// server picks between them based on the Prefer: return=minimal header,
// not on whether the append was fresh or a duplicate.
func (s *Stream) Append(ctx context.Context, data []byte, opts ...AppendOption) (AppendResult, error) {
	if len(data) == 0 {
		return AppendResult{}, ErrEmptyAppend
	}
	cfg := appendConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	contentType := s.contentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(data))
	if err != nil {
		return AppendResult{}, err
	}
	req.Header.Set(headerContentType, contentType)
	if cfg.seq != "" {
		req.Header.Set(headerStreamSeq, cfg.seq)
	}
	if cfg.ifMatch != "" {
		req.Header.Set(headerIfMatch, cfg.ifMatch)
	}

	resp, err := doWithRetry(ctx, s.client.retryPolicy, func() (*http.Response, error) {
		return s.client.httpClient.Do(cloneRequest(req, data))
	})
	if err != nil {
		return AppendResult{}, newStreamError("Append", s.url, 0, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return AppendResult{
			NextOffset: Offset(resp.Header.Get(headerStreamOffset)),
			ETag:       resp.Header.Get(headerETag),
		}, nil
	case http.StatusNotFound:
		return AppendResult{}, newStreamError("Append", s.url, resp.StatusCode, ErrStreamNotFound)
	case http.StatusConflict:
		return AppendResult{}, newStreamError("Append", s.url, resp.StatusCode, ErrSeqConflict)
	case http.StatusPreconditionFailed:
		return AppendResult{}, newStreamError("Append", s.url, resp.StatusCode, ErrPreconditionFailed)
	default:
		return AppendResult{}, newStreamError("Append", s.url, resp.StatusCode, errorFromStatus(resp.StatusCode))
	}
}

// AppendJSON marshals v and appends it as one JSON record.
func (s *Stream) AppendJSON(ctx context.Context, v any, opts ...AppendOption) (AppendResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return AppendResult{}, err
	}
	return s.Append(ctx, data, opts...)
}

// Delete removes the stream. Idempotent: a second call returns no error.
func (s *Stream) Delete(ctx context.Context, opts ...DeleteOption) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		return newStreamError("Delete", s.url, 0, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return newStreamError("Delete", s.url, resp.StatusCode, errorFromStatus(resp.StatusCode))
	}
}

// Head fetches stream metadata without reading any records.
func (s *Stream) Head(ctx context.Context, opts ...HeadOption) (Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.url, nil)
	if err != nil {
		return Metadata{}, err
	}
	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		return Metadata{}, newStreamError("Head", s.url, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Metadata{}, newStreamError("Head", s.url, resp.StatusCode, errorFromStatus(resp.StatusCode))
	}

	m := Metadata{
		ContentType: resp.Header.Get(headerContentType),
		NextOffset:  Offset(resp.Header.Get(headerStreamOffset)),
		ETag:        resp.Header.Get(headerETag),
	}
	s.contentType = m.ContentType
	if ttlHeader := resp.Header.Get(headerStreamTTL); ttlHeader != "" {
		if secs, err := strconv.Atoi(ttlHeader); err == nil {
			d := time.Duration(secs) * time.Second
			m.TTL = &d
		}
	}
	if expHeader := resp.Header.Get(headerStreamExpires); expHeader != "" {
		if t, err := time.Parse(time.RFC3339, expHeader); err == nil {
			m.ExpiresAt = &t
		}
	}
	return m, nil
}

// Read begins a catch-up, long-poll, or SSE read from the given options.
func (s *Stream) Read(ctx context.Context, opts ...ReadOption) *ChunkIterator {
	cfg := readConfig{offset: string(StartOffset), live: LiveModeNone, timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}

	live := cfg.live
	if live == LiveModeAuto {
		live = s.selectLiveMode()
	}

	return newChunkIterator(ctx, s, cfg.offset, live, cfg.cursor, cfg.timeout)
}

// selectLiveMode picks SSE for text-like content types, long-poll
// otherwise (including when content-type is not yet known), matching the
// reference client's heuristic.
func (s *Stream) selectLiveMode() LiveMode {
	if s.contentType == "" {
		return LiveModeLongPoll
	}
	mt := s.contentType
	if idx := indexByte(mt, ';'); idx >= 0 {
		mt = mt[:idx]
	}
	if mt == "application/json" || len(mt) >= 5 && mt[:5] == "text/" {
		return LiveModeSSE
	}
	return LiveModeLongPoll
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func (s *Stream) buildReadURL(offset, live, cursor string) string {
	u, err := url.Parse(s.url)
	if err != nil {
		return s.url
	}
	q := u.Query()
	q.Set("offset", offset)
	if live != "" {
		q.Set("live", live)
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
