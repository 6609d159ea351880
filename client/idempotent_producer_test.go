package client

import (
	"context"
	"errors"
	"testing"

	"github.com/dstreamsio/dstreams/client/dstreamstest"
)

func newTestProducer(t *testing.T, srv *dstreamstest.MockServer, cfg IdempotentProducerConfig) (*Client, *IdempotentProducer) {
	t.Helper()
	c := NewClient(srv.URL(), WithHTTPClient(srv.HTTPClient()))
	stream := c.Stream("/p-stream")
	if err := stream.Create(context.Background(), "application/octet-stream", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	p, err := NewIdempotentProducer(c, srv.URL()+"/p-stream", "producer-1", cfg)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	return c, p
}

func TestIdempotentProducerGeneratesProducerID(t *testing.T) {
	srv := dstreamstest.NewMockServer()
	defer srv.Close()
	c := NewClient(srv.URL(), WithHTTPClient(srv.HTTPClient()))

	p1, err := NewIdempotentProducer(c, srv.URL()+"/s", "", DefaultIdempotentProducerConfig())
	if err != nil {
		t.Fatalf("new producer 1: %v", err)
	}
	p2, err := NewIdempotentProducer(c, srv.URL()+"/s", "", DefaultIdempotentProducerConfig())
	if err != nil {
		t.Fatalf("new producer 2: %v", err)
	}
	if p1.producerID == "" || p2.producerID == "" {
		t.Fatal("expected a non-empty auto-generated producer-id")
	}
	if p1.producerID == p2.producerID {
		t.Fatal("expected two independently-constructed producers to get distinct ids")
	}
}

func TestIdempotentProducerSequentialAppendsOrderCorrectly(t *testing.T) {
	srv := dstreamstest.NewMockServer()
	defer srv.Close()

	cfg := DefaultIdempotentProducerConfig()
	cfg.LingerMs = 0 // dispatch every Append immediately, one message per batch
	_, p := newTestProducer(t, srv, cfg)
	defer p.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := p.Append(ctx, []byte("record")); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if got := p.NextSeq(); got != 5 {
		t.Fatalf("expected nextSeq to have advanced by one per single-message batch, got %d", got)
	}
}

func TestIdempotentProducerMultiMessageBatchAdvancesSeqByBatchSize(t *testing.T) {
	srv := dstreamstest.NewMockServer()
	defer srv.Close()

	cfg := DefaultIdempotentProducerConfig()
	cfg.ContentType = "application/json"
	cfg.LingerMs = 50
	cfg.MaxBatchBytes = 1 << 20
	_, p := newTestProducer(t, srv, cfg)
	defer p.Close()

	ctx := context.Background()
	results := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := p.Append(ctx, []byte(`{"n":1}`))
			results <- err
		}()
	}
	for i := 0; i < 3; i++ {
		if err := <-results; err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	// All three messages should have landed in one batch (well within the
	// linger window), so the sequence counter must advance by the batch's
	// message count, not by one per batch.
	if got := p.NextSeq(); got != 3 {
		t.Fatalf("expected nextSeq to advance by batch size (3), got %d", got)
	}
}

func TestIdempotentProducerDuplicateReturnsOriginalOffset(t *testing.T) {
	srv := dstreamstest.NewMockServer()
	defer srv.Close()

	cfg := DefaultIdempotentProducerConfig()
	cfg.LingerMs = 0
	c := NewClient(srv.URL(), WithHTTPClient(srv.HTTPClient()))
	stream := c.Stream("/dup-stream")
	if err := stream.Create(context.Background(), "application/octet-stream", nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	url := srv.URL() + "/dup-stream"

	p, err := NewIdempotentProducer(c, url, "dup-producer", cfg)
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	first, _, err := p.doSendBatch([]pendingEntry{{data: []byte("abc")}}, 0, 0)
	if err != nil {
		t.Fatalf("first send: %v", err)
	}

	offset, duplicate, err := p.doSendBatch([]pendingEntry{{data: []byte("abc")}}, 0, 0)
	if err != nil {
		t.Fatalf("retry send: %v", err)
	}
	if !duplicate {
		t.Fatal("expected retry at the same seq to be reported as a duplicate")
	}
	if offset != first {
		t.Fatalf("expected duplicate append to return the original offset %q, got %q", first, offset)
	}
}

func TestIdempotentProducerSequenceGapIsReported(t *testing.T) {
	srv := dstreamstest.NewMockServer()
	defer srv.Close()

	cfg := DefaultIdempotentProducerConfig()
	_, p := newTestProducer(t, srv, cfg)
	defer p.Close()

	if _, _, err := p.doSendBatch([]pendingEntry{{data: []byte("a")}}, 0, 0); err != nil {
		t.Fatalf("seed append: %v", err)
	}

	_, _, err := p.doSendBatch([]pendingEntry{{data: []byte("b")}}, 0, 5)
	var gapErr *SequenceGapError
	if !errors.As(err, &gapErr) {
		t.Fatalf("expected a SequenceGapError, got %v", err)
	}
	if gapErr.ExpectedSeq != 1 || gapErr.ReceivedSeq != 5 {
		t.Fatalf("expected gap (1, 5), got (%d, %d)", gapErr.ExpectedSeq, gapErr.ReceivedSeq)
	}
}

func TestIdempotentProducerStaleEpochWithoutAutoClaimFails(t *testing.T) {
	srv := dstreamstest.NewMockServer()
	defer srv.Close()

	cfg := DefaultIdempotentProducerConfig()
	cfg.Epoch = 1
	_, p := newTestProducer(t, srv, cfg)
	defer p.Close()

	if _, _, err := p.doSendBatch([]pendingEntry{{data: []byte("a")}}, 1, 0); err != nil {
		t.Fatalf("seed append at epoch 1: %v", err)
	}

	_, _, err := p.doSendBatch([]pendingEntry{{data: []byte("b")}}, 0, 1)
	var staleErr *StaleEpochError
	if !errors.As(err, &staleErr) {
		t.Fatalf("expected a StaleEpochError, got %v", err)
	}
	if staleErr.CurrentEpoch != 1 {
		t.Fatalf("expected current epoch 1, got %d", staleErr.CurrentEpoch)
	}
}

func TestIdempotentProducerAutoClaimRecoversFromStaleEpoch(t *testing.T) {
	srv := dstreamstest.NewMockServer()
	defer srv.Close()

	c := NewClient(srv.URL(), WithHTTPClient(srv.HTTPClient()))
	stream := c.Stream("/claim-stream")
	if err := stream.Create(context.Background(), "application/octet-stream", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	url := srv.URL() + "/claim-stream"

	// A zombie producer commits at epoch 2.
	zombie, err := NewIdempotentProducer(c, url, "zombie", IdempotentProducerConfig{Epoch: 2, MaxInFlight: 1})
	if err != nil {
		t.Fatalf("new zombie: %v", err)
	}
	if _, _, err := zombie.doSendBatch([]pendingEntry{{data: []byte("z")}}, 2, 0); err != nil {
		t.Fatalf("zombie seed: %v", err)
	}

	cfg := IdempotentProducerConfig{Epoch: 0, AutoClaim: true, MaxInFlight: 1}
	newIncarnation, err := NewIdempotentProducer(c, url, "zombie", cfg)
	if err != nil {
		t.Fatalf("new incarnation: %v", err)
	}

	res, duplicate, err := newIncarnation.doSendBatch([]pendingEntry{{data: []byte("a")}}, 0, 0)
	if err != nil {
		t.Fatalf("auto-claim append: %v", err)
	}
	if duplicate {
		t.Fatal("expected the auto-claimed append to be a fresh commit, not a duplicate")
	}
	if res == "" {
		t.Fatal("expected a non-empty offset from the auto-claimed append")
	}
	if newIncarnation.Epoch() <= 2 {
		t.Fatalf("expected auto-claim to bump the local epoch above the server's, got %d", newIncarnation.Epoch())
	}
}

func TestNewIdempotentProducerRejectsAutoClaimWithConcurrency(t *testing.T) {
	srv := dstreamstest.NewMockServer()
	defer srv.Close()
	c := NewClient(srv.URL(), WithHTTPClient(srv.HTTPClient()))

	cfg := IdempotentProducerConfig{AutoClaim: true, MaxInFlight: 4}
	if _, err := NewIdempotentProducer(c, srv.URL()+"/s", "p", cfg); !errors.Is(err, ErrAutoClaimConcurrency) {
		t.Fatalf("expected ErrAutoClaimConcurrency, got %v", err)
	}
}
