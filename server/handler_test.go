package durablestreams

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/dstreamsio/dstreams/internal/streamstore"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	return &Handler{store: streamstore.NewMemoryStore(), logger: zap.NewNop()}
}

func serve(t *testing.T, h *Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	if err := h.ServeHTTP(rr, req, nil); err != nil {
		t.Fatalf("ServeHTTP: %v", err)
	}
	return rr
}

func TestCreateAppendReadScenario(t *testing.T) {
	h := newTestHandler(t)

	put := httptest.NewRequest(http.MethodPut, "/s", nil)
	put.Header.Set(HeaderContentType, "application/json")
	rr := serve(t, h, put)
	if rr.Code != http.StatusCreated {
		t.Fatalf("PUT: got %d, want 201", rr.Code)
	}

	post := httptest.NewRequest(http.MethodPost, "/s", strings.NewReader(`{"v":1}`))
	post.Header.Set(HeaderContentType, "application/json")
	rr = serve(t, h, post)
	if rr.Code != http.StatusOK {
		t.Fatalf("POST: got %d, want 200", rr.Code)
	}
	nextOffset := rr.Header().Get(HeaderStreamOffset)
	if nextOffset == "" {
		t.Fatalf("POST: missing %s header", HeaderStreamOffset)
	}

	get := httptest.NewRequest(http.MethodGet, "/s?offset=-1", nil)
	rr = serve(t, h, get)
	if rr.Code != http.StatusOK {
		t.Fatalf("GET: got %d, want 200", rr.Code)
	}
	if rr.Header().Get(HeaderStreamUpToDate) != "true" {
		t.Fatalf("GET: expected stream-up-to-date=true")
	}
	if rr.Header().Get(HeaderStreamOffset) != nextOffset {
		t.Fatalf("GET: next-offset %q != append's %q", rr.Header().Get(HeaderStreamOffset), nextOffset)
	}
	if rr.Body.String() != `[{"v":1}]` {
		t.Fatalf("GET body = %q, want %q", rr.Body.String(), `[{"v":1}]`)
	}
}

func TestIdempotentDuplicateAppendReturnsOriginalOffset(t *testing.T) {
	h := newTestHandler(t)
	put := httptest.NewRequest(http.MethodPut, "/s", nil)
	put.Header.Set(HeaderContentType, "application/octet-stream")
	serve(t, h, put)

	newAppend := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/s", strings.NewReader("A"))
		req.Header.Set(HeaderContentType, "application/octet-stream")
		req.Header.Set(HeaderProducerID, "p")
		req.Header.Set(HeaderProducerEpoch, "0")
		req.Header.Set(HeaderProducerSeq, "0")
		return req
	}

	rr1 := serve(t, h, newAppend())
	rr2 := serve(t, h, newAppend())

	if rr1.Header().Get(HeaderStreamOffset) != rr2.Header().Get(HeaderStreamOffset) {
		t.Fatalf("duplicate append returned a different offset: %q vs %q", rr1.Header().Get(HeaderStreamOffset), rr2.Header().Get(HeaderStreamOffset))
	}
}

func TestSequenceGapReturns409WithHeaders(t *testing.T) {
	h := newTestHandler(t)
	put := httptest.NewRequest(http.MethodPut, "/s", nil)
	put.Header.Set(HeaderContentType, "application/octet-stream")
	serve(t, h, put)

	req := httptest.NewRequest(http.MethodPost, "/s", strings.NewReader("A"))
	req.Header.Set(HeaderContentType, "application/octet-stream")
	req.Header.Set(HeaderProducerID, "p")
	req.Header.Set(HeaderProducerEpoch, "0")
	req.Header.Set(HeaderProducerSeq, "5")
	rr := serve(t, h, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("got %d, want 409", rr.Code)
	}
	if rr.Header().Get(HeaderProducerExpectedSeq) != "0" {
		t.Fatalf("expected producer-expected-seq=0, got %q", rr.Header().Get(HeaderProducerExpectedSeq))
	}
	if rr.Header().Get(HeaderProducerReceivedSeq) != "5" {
		t.Fatalf("expected producer-received-seq=5, got %q", rr.Header().Get(HeaderProducerReceivedSeq))
	}
}

func TestStaleEpochReturns403WithCurrentEpoch(t *testing.T) {
	h := newTestHandler(t)
	put := httptest.NewRequest(http.MethodPut, "/s", nil)
	put.Header.Set(HeaderContentType, "application/octet-stream")
	serve(t, h, put)

	first := httptest.NewRequest(http.MethodPost, "/s", strings.NewReader("A"))
	first.Header.Set(HeaderContentType, "application/octet-stream")
	first.Header.Set(HeaderProducerID, "p")
	first.Header.Set(HeaderProducerEpoch, "3")
	first.Header.Set(HeaderProducerSeq, "0")
	serve(t, h, first)

	stale := httptest.NewRequest(http.MethodPost, "/s", strings.NewReader("B"))
	stale.Header.Set(HeaderContentType, "application/octet-stream")
	stale.Header.Set(HeaderProducerID, "p")
	stale.Header.Set(HeaderProducerEpoch, "1")
	stale.Header.Set(HeaderProducerSeq, "1")
	rr := serve(t, h, stale)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("got %d, want 403", rr.Code)
	}
	if rr.Header().Get(HeaderProducerEpoch) != "3" {
		t.Fatalf("expected producer-epoch=3 echoed, got %q", rr.Header().Get(HeaderProducerEpoch))
	}
}

func TestLongPollQuiescentStreamTimesOutWith204(t *testing.T) {
	h := newTestHandler(t)
	h.LongPollTimeout = 0
	put := httptest.NewRequest(http.MethodPut, "/s", nil)
	put.Header.Set(HeaderContentType, "application/octet-stream")
	serve(t, h, put)

	req := httptest.NewRequest(http.MethodGet, "/s?offset=-1&live=long-poll&timeout=50", nil)
	rr := serve(t, h, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("got %d, want 204", rr.Code)
	}
	if rr.Header().Get(HeaderStreamUpToDate) != "true" {
		t.Fatalf("expected stream-up-to-date=true on timeout")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	h := newTestHandler(t)
	put := httptest.NewRequest(http.MethodPut, "/s", nil)
	put.Header.Set(HeaderContentType, "application/octet-stream")
	serve(t, h, put)

	del1 := httptest.NewRequest(http.MethodDelete, "/s", nil)
	rr := serve(t, h, del1)
	if rr.Code != http.StatusOK {
		t.Fatalf("first delete: got %d, want 200", rr.Code)
	}

	del2 := httptest.NewRequest(http.MethodDelete, "/s", nil)
	rr = serve(t, h, del2)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("second delete: got %d, want 404", rr.Code)
	}
}
