package client

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	csse "github.com/dstreamsio/dstreams/client/internal/sse"
)

// Chunk is one delivered read result: either a batch of catch-up/long-poll
// bytes or one SSE data event's worth, plus the resumption state needed to
// continue.
type Chunk struct {
	NextOffset Offset
	Data       []byte
	UpToDate   bool
	Cursor     string
	ETag       string
}

// ChunkIterator implements the catch-up/long-poll/SSE reader state
// machine: drain history in catch-up chunks, then switch to whichever
// live mode is configured once the reader reaches the tail.
type ChunkIterator struct {
	stream *Stream
	ctx    context.Context
	cancel context.CancelFunc

	offset  string
	live    LiveMode
	cursor  string
	timeout int

	mu       sync.Mutex
	closed   bool
	doneOnce bool

	// UpToDate/Cursor/Offset mirror the most recently delivered chunk's
	// state for callers that want it without keeping the Chunk around.
	Offset   Offset
	UpToDate bool
	Cursor   string

	sseParser   *csse.Parser
	sseResponse *http.Response
	ssePending  *Chunk
}

func newChunkIterator(ctx context.Context, s *Stream, offset string, live LiveMode, cursor string, timeout time.Duration) *ChunkIterator {
	cctx, cancel := context.WithCancel(ctx)
	return &ChunkIterator{
		stream:  s,
		ctx:     cctx,
		cancel:  cancel,
		offset:  offset,
		live:    live,
		cursor:  cursor,
		timeout: int(timeout.Milliseconds()),
		Offset:  Offset(offset),
	}
}

// Next returns the next Chunk, or Done when a non-live read has fully
// caught up.
func (it *ChunkIterator) Next() (Chunk, error) {
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.closed {
		return Chunk{}, Done
	}
	if it.doneOnce {
		return Chunk{}, Done
	}

	if it.live == LiveModeSSE {
		return it.nextSSE()
	}
	return it.nextHTTP()
}

func (it *ChunkIterator) nextHTTP() (Chunk, error) {
	url := it.stream.buildReadURL(it.offset, string(it.live), it.cursor)
	if it.live == LiveModeLongPoll && it.timeout > 0 {
		if strings.Contains(url, "?") {
			url += "&timeout=" + strconv.Itoa(it.timeout)
		} else {
			url += "?timeout=" + strconv.Itoa(it.timeout)
		}
	}

	req, err := http.NewRequestWithContext(it.ctx, http.MethodGet, url, nil)
	if err != nil {
		return Chunk{}, err
	}

	resp, err := it.stream.client.httpClient.Do(req)
	if err != nil {
		return Chunk{}, newStreamError("Read", url, 0, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return Chunk{}, err
		}
		next := Offset(resp.Header.Get(headerStreamOffset))
		upToDate := resp.Header.Get(headerStreamUpToDate) == "true"
		cursor := resp.Header.Get(headerStreamCursor)

		it.offset = string(next)
		it.Offset = next
		it.UpToDate = upToDate
		it.cursor = cursor
		it.Cursor = cursor

		if it.live == LiveModeNone && upToDate {
			it.doneOnce = true
		}
		return Chunk{NextOffset: next, Data: body, UpToDate: upToDate, Cursor: cursor, ETag: resp.Header.Get(headerETag)}, nil

	case http.StatusNoContent:
		it.UpToDate = true
		if it.live != LiveModeLongPoll {
			it.doneOnce = true
			return Chunk{}, Done
		}
		return Chunk{NextOffset: Offset(it.offset), UpToDate: true}, nil

	case http.StatusNotModified:
		return Chunk{NextOffset: Offset(it.offset), UpToDate: it.UpToDate, Cursor: it.cursor}, nil

	case http.StatusNotFound:
		return Chunk{}, newStreamError("Read", url, resp.StatusCode, ErrStreamNotFound)
	case http.StatusGone:
		return Chunk{}, newStreamError("Read", url, resp.StatusCode, ErrOffsetGone)
	default:
		return Chunk{}, newStreamError("Read", url, resp.StatusCode, errorFromStatus(resp.StatusCode))
	}
}

func (it *ChunkIterator) nextSSE() (Chunk, error) {
	if it.sseParser == nil {
		if err := it.establishSSEConnection(); err != nil {
			return Chunk{}, err
		}
	}

	for {
		ev, err := it.sseParser.Next()
		if err != nil {
			it.closeSSEConnection()
			if err == io.EOF {
				return Chunk{}, Done
			}
			return Chunk{}, err
		}

		switch e := ev.(type) {
		case csse.DataEvent:
			if it.ssePending == nil {
				it.ssePending = &Chunk{}
			}
			it.ssePending.Data = append(it.ssePending.Data, []byte(e.Data)...)
		case csse.ControlEvent:
			chunk := Chunk{}
			if it.ssePending != nil {
				chunk = *it.ssePending
			}
			chunk.NextOffset = Offset(e.StreamNextOffset)
			chunk.UpToDate = e.UpToDate
			chunk.Cursor = e.StreamCursor
			it.ssePending = nil

			it.offset = e.StreamNextOffset
			it.Offset = chunk.NextOffset
			it.UpToDate = e.UpToDate
			it.cursor = e.StreamCursor
			it.Cursor = e.StreamCursor
			return chunk, nil
		}
	}
}

func (it *ChunkIterator) establishSSEConnection() error {
	url := it.stream.buildReadURL(it.offset, "sse", it.cursor)
	req, err := http.NewRequestWithContext(it.ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := it.stream.client.httpClient.Do(req)
	if err != nil {
		return newStreamError("Read", url, 0, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return newStreamError("Read", url, resp.StatusCode, errorFromStatus(resp.StatusCode))
	}
	ct := resp.Header.Get(headerContentType)
	if !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		return newStreamError("Read", url, resp.StatusCode, ErrBadRequest)
	}

	it.sseResponse = resp
	it.sseParser = csse.NewParser(resp.Body)
	return nil
}

func (it *ChunkIterator) closeSSEConnection() {
	if it.sseResponse != nil {
		it.sseResponse.Body.Close()
		it.sseResponse = nil
	}
	it.sseParser = nil
}

// Close releases any open SSE connection and marks the iterator done.
func (it *ChunkIterator) Close() error {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.closed = true
	it.closeSSEConnection()
	it.cancel()
	return nil
}

var _ io.Closer = (*ChunkIterator)(nil)
