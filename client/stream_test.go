package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dstreamsio/dstreams/client/dstreamstest"
)

func newTestClient(t *testing.T) (*Client, *dstreamstest.MockServer) {
	t.Helper()
	srv := dstreamstest.NewMockServer()
	t.Cleanup(srv.Close)
	return NewClient(srv.URL(), WithHTTPClient(srv.HTTPClient())), srv
}

func TestStreamCreateIsIdempotent(t *testing.T) {
	c, _ := newTestClient(t)
	s := c.Stream("/s1")
	ctx := context.Background()

	if err := s.Create(ctx, "application/json", nil); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := s.Create(ctx, "application/json", nil); err != nil {
		t.Fatalf("second create should succeed idempotently: %v", err)
	}
}

func TestStreamCreateConflictsOnContentTypeMismatch(t *testing.T) {
	c, _ := newTestClient(t)
	s := c.Stream("/s2")
	ctx := context.Background()

	if err := s.Create(ctx, "application/json", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := s.Create(ctx, "text/plain", nil)
	if !errors.Is(err, ErrStreamExists) {
		t.Fatalf("expected ErrStreamExists, got %v", err)
	}
}

func TestStreamAppendAndReadRoundTrip(t *testing.T) {
	c, _ := newTestClient(t)
	s := c.Stream("/s3")
	ctx := context.Background()

	if err := s.Create(ctx, "application/octet-stream", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Append(ctx, []byte("hello ")); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if _, err := s.Append(ctx, []byte("world")); err != nil {
		t.Fatalf("append 2: %v", err)
	}

	it := s.Read(ctx)
	defer it.Close()
	chunk, err := it.Next()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(chunk.Data) != "hello world" {
		t.Fatalf("expected %q, got %q", "hello world", string(chunk.Data))
	}
	if !chunk.UpToDate {
		t.Fatal("expected UpToDate after consuming all committed data")
	}

	if _, err := it.Next(); !errors.Is(err, Done) {
		t.Fatalf("expected Done on a second catch-up read, got %v", err)
	}
}

func TestStreamAppendToMissingStreamFails(t *testing.T) {
	c, _ := newTestClient(t)
	s := c.Stream("/missing")
	_, err := s.Append(context.Background(), []byte("x"))
	if !errors.Is(err, ErrStreamNotFound) {
		t.Fatalf("expected ErrStreamNotFound, got %v", err)
	}
}

func TestStreamAppendRejectsEmptyBody(t *testing.T) {
	c, _ := newTestClient(t)
	s := c.Stream("/s4")
	if err := s.Create(context.Background(), "application/octet-stream", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Append(context.Background(), nil); !errors.Is(err, ErrEmptyAppend) {
		t.Fatalf("expected ErrEmptyAppend, got %v", err)
	}
}

func TestStreamHeadReportsMetadata(t *testing.T) {
	c, _ := newTestClient(t)
	s := c.Stream("/s5")
	ctx := context.Background()
	if err := s.Create(ctx, "application/json", nil, WithTTL(time.Hour)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Append(ctx, []byte(`{"a":1}`)); err != nil {
		t.Fatalf("append: %v", err)
	}

	meta, err := s.Head(ctx)
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if meta.ContentType != "application/json" {
		t.Fatalf("expected content-type application/json, got %q", meta.ContentType)
	}
	if meta.TTL == nil {
		t.Fatal("expected a TTL to be reported")
	}
}

func TestStreamDeleteIsIdempotent(t *testing.T) {
	c, _ := newTestClient(t)
	s := c.Stream("/s6")
	ctx := context.Background()
	if err := s.Create(ctx, "application/octet-stream", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Delete(ctx); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if err := s.Delete(ctx); err != nil {
		t.Fatalf("second delete should also succeed: %v", err)
	}
}

func TestStreamLongPollUnblocksOnAppend(t *testing.T) {
	c, _ := newTestClient(t)
	s := c.Stream("/s7")
	ctx := context.Background()
	if err := s.Create(ctx, "application/octet-stream", nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	it := s.Read(ctx, WithLive(LiveModeLongPoll), WithTimeout(5*time.Second))
	defer it.Close()

	done := make(chan Chunk, 1)
	errCh := make(chan error, 1)
	go func() {
		chunk, err := it.Next()
		if err != nil {
			errCh <- err
			return
		}
		done <- chunk
	}()

	time.Sleep(50 * time.Millisecond)
	if _, err := s.Append(ctx, []byte("tail")); err != nil {
		t.Fatalf("append: %v", err)
	}

	select {
	case chunk := <-done:
		if string(chunk.Data) != "tail" {
			t.Fatalf("expected %q, got %q", "tail", string(chunk.Data))
		}
	case err := <-errCh:
		t.Fatalf("long-poll read failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for long-poll to unblock on append")
	}
}

func TestStreamLongPollTimesOutWithUnchangedOffset(t *testing.T) {
	c, _ := newTestClient(t)
	s := c.Stream("/s8")
	ctx := context.Background()
	if err := s.Create(ctx, "application/octet-stream", nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	it := s.Read(ctx, WithLive(LiveModeLongPoll), WithTimeout(100*time.Millisecond))
	defer it.Close()

	chunk, err := it.Next()
	if err != nil {
		t.Fatalf("long-poll: %v", err)
	}
	if !chunk.UpToDate {
		t.Fatal("expected UpToDate on a timed-out long-poll")
	}
	if chunk.NextOffset != StartOffset {
		t.Fatalf("expected a timed-out long-poll to report the unchanged offset %q, got %q", StartOffset, chunk.NextOffset)
	}
}
