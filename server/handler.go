// Package durablestreams implements the durable stream wire protocol as a
// Caddy v2 HTTP middleware module: create/append/read/delete over HTTP,
// with conditional reads, long-poll/SSE tailing, and producer-fenced
// idempotent appends.
package durablestreams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dstreamsio/dstreams/internal/offset"
	"github.com/dstreamsio/dstreams/internal/sse"
	"github.com/dstreamsio/dstreams/internal/streamstore"
)

var ttlPattern = regexp.MustCompile(`^[1-9][0-9]*$|^0$`)

type httpError struct {
	status  int
	code    string
	message string
}

func (e *httpError) Error() string { return e.message }

func newHTTPError(status int, code, message string) *httpError {
	return &httpError{status: status, code: code, message: message}
}

// ServeHTTP dispatches one stream request by method and path. Every
// response carries the same baseline security headers regardless of
// outcome.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cross-Origin-Resource-Policy", "cross-origin")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, PUT, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+HeaderStreamTTL+", "+HeaderStreamExpires+", "+HeaderStreamSeq+", "+HeaderProducerID+", "+HeaderProducerEpoch+", "+HeaderProducerSeq+", "+HeaderIfMatch+", "+HeaderIfNoneMatch)

	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Max-Age", "600")
		w.WriteHeader(http.StatusNoContent)
		return nil
	}

	path := r.URL.Path

	var err error
	switch r.Method {
	case http.MethodHead:
		err = h.handleHead(w, path)
	case http.MethodPut:
		err = h.handleCreate(w, r, path)
	case http.MethodPost:
		err = h.handleAppend(w, r, path)
	case http.MethodGet:
		err = h.handleRead(w, r, path)
	case http.MethodDelete:
		err = h.handleDelete(w, path)
	default:
		err = newHTTPError(http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not supported")
	}

	if err != nil {
		return h.writeError(w, err)
	}
	return nil
}

func (h *Handler) writeError(w http.ResponseWriter, err error) error {
	var he *httpError
	if !errors.As(err, &he) {
		he = mapStoreError(err)
	}
	w.Header().Set(HeaderContentType, "application/json")
	w.WriteHeader(he.status)
	json.NewEncoder(w).Encode(map[string]string{"error": he.code, "message": he.message})
	if h.logger != nil && he.status >= 500 {
		h.logger.Error("internal error serving stream request", zap.Error(err))
	}
	return nil
}

// mapStoreError translates streamstore sentinel errors to HTTP status
// codes and error bodies. Errors not recognized here are surfaced as
// 500s rather than silently swallowed.
func mapStoreError(err error) *httpError {
	switch {
	case errors.Is(err, streamstore.ErrStreamNotFound), errors.Is(err, streamstore.ErrStreamExpired):
		return newHTTPError(http.StatusNotFound, "NOT_FOUND", "stream not found")
	case errors.Is(err, streamstore.ErrConfigMismatch):
		return newHTTPError(http.StatusConflict, "CONFLICT", "stream exists with a different content-type")
	case errors.Is(err, streamstore.ErrContentTypeMismatch):
		return newHTTPError(http.StatusConflict, "CONFLICT", "content-type does not match stream")
	case errors.Is(err, streamstore.ErrSequenceConflict):
		return newHTTPError(http.StatusConflict, "SEQUENCE_CONFLICT", "stream-seq does not match expectation")
	case errors.Is(err, streamstore.ErrProducerSeqGap):
		return newHTTPError(http.StatusConflict, "SEQUENCE_GAP", "producer sequence gap")
	case errors.Is(err, streamstore.ErrStaleEpoch):
		return newHTTPError(http.StatusForbidden, "STALE_EPOCH", "producer epoch is stale")
	case errors.Is(err, streamstore.ErrInvalidEpochSeq):
		return newHTTPError(http.StatusBadRequest, "BAD_REQUEST", "new epoch must start at seq 0")
	case errors.Is(err, streamstore.ErrPartialProducer):
		return newHTTPError(http.StatusBadRequest, "BAD_REQUEST", "producer-id, producer-epoch and producer-seq must all be set")
	case errors.Is(err, streamstore.ErrEmptyBody):
		return newHTTPError(http.StatusBadRequest, "BAD_REQUEST", "append body must not be empty")
	case errors.Is(err, streamstore.ErrInvalidOffset):
		return newHTTPError(http.StatusGone, "INVALID_OFFSET", "offset is invalid or truncated")
	case errors.Is(err, streamstore.ErrStreamClosed):
		return newHTTPError(http.StatusConflict, "STREAM_CLOSED", "stream is closed")
	case errors.Is(err, streamstore.ErrInvalidJSON), errors.Is(err, streamstore.ErrEmptyJSONArray):
		return newHTTPError(http.StatusBadRequest, "BAD_REQUEST", err.Error())
	default:
		return newHTTPError(http.StatusInternalServerError, "UNEXPECTED_STATUS", "internal error")
	}
}

func (h *Handler) handleHead(w http.ResponseWriter, path string) error {
	meta, err := h.store.Get(path)
	if err != nil {
		return err
	}
	w.Header().Set(HeaderContentType, meta.ContentType)
	w.Header().Set(HeaderStreamOffset, meta.CurrentOffset.String())
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set(HeaderETag, etagFor(meta.CurrentOffset))
	if meta.TTLSeconds != nil {
		w.Header().Set(HeaderStreamTTL, strconv.FormatInt(*meta.TTLSeconds, 10))
	}
	if meta.ExpiresAt != nil {
		w.Header().Set(HeaderStreamExpires, meta.ExpiresAt.UTC().Format(time.RFC3339))
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request, path string) error {
	contentType := r.Header.Get(HeaderContentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	ttlHeader := r.Header.Get(HeaderStreamTTL)
	expiresHeader := r.Header.Get(HeaderStreamExpires)
	if ttlHeader != "" && expiresHeader != "" {
		return newHTTPError(http.StatusBadRequest, "BAD_REQUEST", "stream-ttl and stream-expires-at are mutually exclusive")
	}

	opts := streamstore.CreateOptions{ContentType: contentType}
	if ttlHeader != "" {
		secs, err := parseTTL(ttlHeader)
		if err != nil {
			return newHTTPError(http.StatusBadRequest, "BAD_REQUEST", err.Error())
		}
		opts.TTLSeconds = &secs
	}
	if expiresHeader != "" {
		t, err := time.Parse(time.RFC3339, expiresHeader)
		if err != nil {
			return newHTTPError(http.StatusBadRequest, "BAD_REQUEST", "stream-expires-at must be RFC3339")
		}
		opts.ExpiresAt = &t
	}

	if r.ContentLength != 0 {
		body, err := io.ReadAll(io.LimitReader(r.Body, 64<<20))
		if err != nil {
			return newHTTPError(http.StatusBadRequest, "BAD_REQUEST", "could not read request body")
		}
		opts.InitialData = body
	}

	meta, created, err := h.store.Create(path, opts)
	if err != nil {
		return err
	}

	w.Header().Set(HeaderStreamOffset, meta.CurrentOffset.String())
	if created {
		w.Header().Set(HeaderLocation, path)
		w.WriteHeader(http.StatusCreated)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	return nil
}

// parseTTL enforces a strict-digits rule: reject leading "+", leading
// zeros other than a bare "0", decimal points, and scientific notation.
// strconv.ParseInt alone accepts too much of that to trust directly.
func parseTTL(s string) (int64, error) {
	if !ttlPattern.MatchString(s) {
		return 0, fmt.Errorf("stream-ttl must be a non-negative integer with no leading zeros")
	}
	return strconv.ParseInt(s, 10, 64)
}

func (h *Handler) handleAppend(w http.ResponseWriter, r *http.Request, path string) error {
	contentType := r.Header.Get(HeaderContentType)
	if contentType == "" {
		return newHTTPError(http.StatusBadRequest, "BAD_REQUEST", "content-type is required on append")
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<20))
	if err != nil {
		return newHTTPError(http.StatusBadRequest, "BAD_REQUEST", "could not read request body")
	}
	if len(body) == 0 {
		return newHTTPError(http.StatusBadRequest, "BAD_REQUEST", "append body must not be empty")
	}

	opts := streamstore.AppendOptions{ContentType: contentType}
	opts.Seq = r.Header.Get(HeaderStreamSeq)

	producerID := r.Header.Get(HeaderProducerID)
	epochHeader := r.Header.Get(HeaderProducerEpoch)
	seqHeader := r.Header.Get(HeaderProducerSeq)
	if producerID != "" || epochHeader != "" || seqHeader != "" {
		opts.ProducerID = producerID
		if epochHeader != "" {
			epoch, perr := strconv.ParseInt(epochHeader, 10, 64)
			if perr != nil {
				return newHTTPError(http.StatusBadRequest, "BAD_REQUEST", "producer-epoch must be an integer")
			}
			opts.ProducerEpoch = &epoch
		}
		if seqHeader != "" {
			seq, perr := strconv.ParseInt(seqHeader, 10, 64)
			if perr != nil {
				return newHTTPError(http.StatusBadRequest, "BAD_REQUEST", "producer-seq must be an integer")
			}
			opts.ProducerSeq = &seq
		}
	}

	result, err := h.store.Append(path, body, opts)
	if err != nil {
		return h.writeAppendError(w, err, result)
	}

	w.Header().Set(HeaderStreamOffset, result.Offset.String())
	if result.ProducerResult == streamstore.ProducerResultDuplicate {
		w.Header().Set(HeaderProducerSeq, strconv.FormatInt(result.LastSeq, 10))
	} else {
		w.Header().Set(HeaderETag, etagFor(result.Offset))
	}

	if h.logger != nil {
		fields := []zap.Field{zap.String("path", path), zap.Int("bytes", len(body)), zap.String("offset", result.Offset.String())}
		if result.ProducerResult == streamstore.ProducerResultDuplicate {
			fields = append(fields, zap.Bool("duplicate", true))
		}
		h.logger.Debug("append committed", fields...)
	}

	if r.Header.Get(HeaderPrefer) == "return=minimal" {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}
	w.Header().Set(HeaderContentType, "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"offset": result.Offset.String()})
	return nil
}

// writeAppendError adds the producer fencing/gap headers the wire
// protocol requires on 403/409. A rejection must echo enough state for
// an auto-claim client to recover without a follow-up HEAD.
func (h *Handler) writeAppendError(w http.ResponseWriter, err error, result streamstore.AppendResult) error {
	switch {
	case errors.Is(err, streamstore.ErrStaleEpoch):
		w.Header().Set(HeaderProducerEpoch, strconv.FormatInt(result.CurrentEpoch, 10))
	case errors.Is(err, streamstore.ErrProducerSeqGap):
		w.Header().Set(HeaderProducerExpectedSeq, strconv.FormatInt(result.ExpectedSeq, 10))
		w.Header().Set(HeaderProducerReceivedSeq, strconv.FormatInt(result.ReceivedSeq, 10))
	}
	return err
}

func (h *Handler) handleDelete(w http.ResponseWriter, path string) error {
	existed, err := h.store.Delete(path)
	if err != nil {
		return err
	}
	if !existed {
		return newHTTPError(http.StatusNotFound, "NOT_FOUND", "stream not found")
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request, path string) error {
	meta, err := h.store.Get(path)
	if err != nil {
		return err
	}

	offsetParam := r.URL.Query().Get("offset")
	live := r.URL.Query().Get("live")
	cursorParam := r.URL.Query().Get("cursor")

	if (live == "long-poll" || live == "sse") && offsetParam == "" {
		return newHTTPError(http.StatusBadRequest, "BAD_REQUEST", "live reads require an explicit offset")
	}

	var from offset.Offset
	if offsetParam == "now" {
		from = meta.CurrentOffset
	} else {
		from, err = offset.Parse(offsetParam)
		if err != nil {
			return newHTTPError(http.StatusGone, "INVALID_OFFSET", "offset is invalid or truncated")
		}
	}

	if inm := r.Header.Get(HeaderIfNoneMatch); inm != "" && inm == etagFor(meta.CurrentOffset) {
		w.Header().Set(HeaderStreamOffset, meta.CurrentOffset.String())
		w.WriteHeader(http.StatusNotModified)
		return nil
	}

	switch live {
	case "sse":
		return h.handleSSE(w, r, path, from)
	case "long-poll":
		return h.handleLongPoll(w, r, path, meta, from, cursorParam)
	default:
		return h.handleCatchUp(w, path, meta, from, cursorParam)
	}
}

func (h *Handler) handleCatchUp(w http.ResponseWriter, path string, meta *streamstore.StreamMetadata, from offset.Offset, cursorParam string) error {
	msgs, next, upToDate, err := h.store.Read(path, from, 0)
	if err != nil {
		return err
	}
	return h.writeReadResponse(w, meta, msgs, next, upToDate, http.StatusOK)
}

func (h *Handler) handleLongPoll(w http.ResponseWriter, r *http.Request, path string, meta *streamstore.StreamMetadata, from offset.Offset, cursorParam string) error {
	msgs, next, upToDate, err := h.store.Read(path, from, 0)
	if err != nil {
		return err
	}
	if len(msgs) > 0 {
		return h.writeReadResponse(w, meta, msgs, next, upToDate, http.StatusOK)
	}

	timeout := time.Duration(h.LongPollTimeout)
	if t := r.URL.Query().Get("timeout"); t != "" {
		if ms, perr := strconv.Atoi(t); perr == nil && ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	res, err := h.store.WaitForMessages(ctx, path, from, timeout)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			w.Header().Set(HeaderStreamOffset, from.String())
			w.Header().Set(HeaderStreamUpToDate, "true")
			w.WriteHeader(http.StatusNoContent)
			return nil
		}
		return err
	}

	if res.TimedOut || len(res.Messages) == 0 {
		w.Header().Set(HeaderStreamOffset, from.String())
		w.Header().Set(HeaderStreamUpToDate, "true")
		w.WriteHeader(http.StatusNoContent)
		return nil
	}

	var last offset.Offset = from
	for _, m := range res.Messages {
		last = m.Offset
	}
	return h.writeReadResponse(w, meta, res.Messages, last, false, http.StatusOK)
}

func (h *Handler) writeReadResponse(w http.ResponseWriter, meta *streamstore.StreamMetadata, msgs []streamstore.Message, next offset.Offset, upToDate bool, status int) error {
	w.Header().Set(HeaderContentType, meta.ContentType)
	w.Header().Set(HeaderStreamOffset, next.String())
	w.Header().Set(HeaderStreamUpToDate, strconv.FormatBool(upToDate))
	w.Header().Set(HeaderStreamCursor, generateResponseCursor(next))
	w.Header().Set(HeaderETag, etagFor(next))

	body, err := formatResponse(meta.ContentType, msgs)
	if err != nil {
		return err
	}
	w.WriteHeader(status)
	_, werr := w.Write(body)
	return werr
}

// formatResponse renders a catch-up/long-poll response body: a JSON array
// for JSON streams, so the client can reconstruct the batch by decoding
// one top-level array, raw concatenation otherwise.
func formatResponse(contentType string, msgs []streamstore.Message) ([]byte, error) {
	if !streamstore.IsJSONContentType(contentType) {
		var buf []byte
		for _, m := range msgs {
			buf = append(buf, m.Data...)
		}
		return buf, nil
	}
	if len(msgs) == 0 {
		return []byte("[]"), nil
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, m := range msgs {
		if i > 0 {
			b.WriteByte(',')
		}
		b.Write(m.Data)
	}
	b.WriteByte(']')
	return []byte(b.String()), nil
}

func etagFor(o offset.Offset) string {
	return `"` + o.String() + `"`
}

func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request, path string, from offset.Offset) error {
	meta, err := h.store.Get(path)
	if err != nil {
		return err
	}
	mt := streamstore.ExtractMediaType(meta.ContentType)
	if !strings.HasPrefix(mt, "text/") && mt != "application/json" {
		return newHTTPError(http.StatusBadRequest, "BAD_REQUEST", "sse is only available for text/* and application/json streams")
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		return newHTTPError(http.StatusInternalServerError, "UNEXPECTED_STATUS", "streaming unsupported")
	}

	w.Header().Set(HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	writer := sse.NewWriter(w)
	reconnect := time.Duration(h.SSEReconnectInterval)
	if reconnect <= 0 {
		reconnect = 60 * time.Second
	}

	connID := uuid.NewString()
	connStart := time.Now()
	if h.logger != nil {
		h.logger.Debug("sse connection established", zap.String("path", path), zap.String("conn_id", connID))
	}
	defer func() {
		if h.logger != nil {
			h.logger.Info("sse connection closed", zap.String("path", path), zap.String("conn_id", connID), zap.Duration("duration", time.Since(connStart)))
		}
	}()

	ctx := r.Context()
	cur := from
	for {
		msgs, next, upToDate, err := h.store.Read(path, cur, 0)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if err := writer.WriteData(m.Data); err != nil {
				return nil
			}
		}
		if len(msgs) > 0 {
			control, _ := json.Marshal(sse.ControlEvent{StreamNextOffset: next.String(), UpToDate: upToDate})
			if err := writer.WriteControl(string(control)); err != nil {
				return nil
			}
			flusher.Flush()
			cur = next
		}

		waitCtx, cancel := context.WithTimeout(ctx, reconnect)
		res, werr := h.store.WaitForMessages(waitCtx, path, cur, reconnect)
		cancel()
		if werr != nil {
			if errors.Is(werr, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			if errors.Is(werr, context.DeadlineExceeded) {
				if herr := writer.WriteHeartbeat(); herr != nil {
					return nil
				}
				flusher.Flush()
				continue
			}
			return werr
		}
		if res.StreamClosed {
			control, _ := json.Marshal(sse.ControlEvent{StreamNextOffset: cur.String(), UpToDate: true})
			writer.WriteControl(string(control))
			flusher.Flush()
			return nil
		}
		if res.TimedOut {
			if err := writer.WriteHeartbeat(); err != nil {
				return nil
			}
			flusher.Flush()
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
