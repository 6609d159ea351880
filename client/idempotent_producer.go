package client

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	headerProducerID          = "Producer-Id"
	headerProducerEpoch       = "Producer-Epoch"
	headerProducerSeq         = "Producer-Seq"
	headerProducerExpectedSeq = "Producer-Expected-Seq"
	headerProducerReceivedSeq = "Producer-Received-Seq"
)

// IdempotentAppendResult is returned by IdempotentProducer.Append.
type IdempotentAppendResult struct {
	Offset    Offset
	Duplicate bool
}

type pendingEntry struct {
	data   []byte
	result chan idempotentResult
}

type idempotentResult struct {
	res IdempotentAppendResult
	err error
}

// IdempotentProducerConfig configures an IdempotentProducer: batching
// limits, retry-on-stale-epoch behavior, and content-type framing.
type IdempotentProducerConfig struct {
	Epoch         int
	AutoClaim     bool
	MaxBatchBytes int
	LingerMs      int
	MaxInFlight   int
	ContentType   string
	OnError       func(error)
}

// DefaultIdempotentProducerConfig returns sane defaults: 1MB batches, 5ms
// linger, up to 5 in-flight batches, octet-stream content.
func DefaultIdempotentProducerConfig() IdempotentProducerConfig {
	return IdempotentProducerConfig{
		MaxBatchBytes: 1 << 20,
		LingerMs:      5,
		MaxInFlight:   5,
		ContentType:   "application/octet-stream",
	}
}

// IdempotentProducer batches appends against one stream under one
// producer-id, preserving ordering: the producer-seq of batch n+1 must
// equal the producer-seq of batch n plus the size (message count) of
// batch n, or the server reports a sequence gap.
type IdempotentProducer struct {
	url        string
	producerID string
	client     *Client
	config     IdempotentProducerConfig

	mu           sync.Mutex
	epoch        int
	nextSeq      int
	closed       bool
	closedCh     chan struct{}
	pendingBatch []pendingEntry
	batchBytes   int
	lingerTimer  *time.Timer

	inFlight   int
	inFlightWg sync.WaitGroup
}

// NewIdempotentProducer creates a producer against url. If producerID is
// empty, a random one is generated so two independently-constructed
// producers never collide.
func NewIdempotentProducer(client *Client, url, producerID string, config IdempotentProducerConfig) (*IdempotentProducer, error) {
	if config.MaxInFlight <= 0 {
		config.MaxInFlight = 1
	}
	if config.AutoClaim && config.MaxInFlight > 1 {
		return nil, ErrAutoClaimConcurrency
	}
	if producerID == "" {
		producerID = uuid.NewString()
	}
	return &IdempotentProducer{
		url:        url,
		producerID: producerID,
		client:     client,
		config:     config,
		epoch:      config.Epoch,
		closedCh:   make(chan struct{}),
	}, nil
}

// Epoch returns the producer's current epoch.
func (p *IdempotentProducer) Epoch() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.epoch
}

// NextSeq returns the sequence number the next batch will start at.
func (p *IdempotentProducer) NextSeq() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextSeq
}

// PendingCount returns the number of messages queued but not yet
// dispatched.
func (p *IdempotentProducer) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pendingBatch)
}

// InFlightCount returns the number of batches currently awaiting a
// response.
func (p *IdempotentProducer) InFlightCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

// Append enqueues data and blocks until its batch has been dispatched and
// acknowledged (or rejected).
func (p *IdempotentProducer) Append(ctx context.Context, data []byte) (IdempotentAppendResult, error) {
	entry := pendingEntry{data: data, result: make(chan idempotentResult, 1)}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return IdempotentAppendResult{}, ErrProducerClosed
	}
	p.enqueueLocked(entry)
	p.mu.Unlock()

	select {
	case r := <-entry.result:
		return r.res, r.err
	case <-ctx.Done():
		return IdempotentAppendResult{}, ctx.Err()
	case <-p.closedCh:
		select {
		case r := <-entry.result:
			return r.res, r.err
		default:
			return IdempotentAppendResult{}, ErrProducerClosed
		}
	}
}

// AppendAsync enqueues data without waiting for the result; errors, if
// any, are reported via config.OnError.
func (p *IdempotentProducer) AppendAsync(data []byte) {
	entry := pendingEntry{data: data, result: make(chan idempotentResult, 1)}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		if p.config.OnError != nil {
			p.config.OnError(ErrProducerClosed)
		}
		return
	}
	p.enqueueLocked(entry)
	p.mu.Unlock()

	go func() {
		r := <-entry.result
		if r.err != nil && p.config.OnError != nil {
			p.config.OnError(r.err)
		}
	}()
}

func (p *IdempotentProducer) enqueueLocked(entry pendingEntry) {
	p.pendingBatch = append(p.pendingBatch, entry)
	p.batchBytes += len(entry.data)

	trigger := p.batchBytes >= p.config.MaxBatchBytes || p.config.LingerMs == 0
	if trigger {
		p.dispatchIfCapacityLocked()
		return
	}
	if p.lingerTimer == nil {
		p.lingerTimer = time.AfterFunc(time.Duration(p.config.LingerMs)*time.Millisecond, func() {
			p.mu.Lock()
			p.dispatchIfCapacityLocked()
			p.mu.Unlock()
		})
	}
}

func (p *IdempotentProducer) dispatchIfCapacityLocked() {
	if len(p.pendingBatch) == 0 {
		return
	}
	if p.inFlight >= p.config.MaxInFlight {
		return // the next completion will re-check and drain
	}
	if p.lingerTimer != nil {
		p.lingerTimer.Stop()
		p.lingerTimer = nil
	}

	batch := p.pendingBatch
	p.pendingBatch = nil
	p.batchBytes = 0

	// Fixed ordering bug: the server requires producer-seq(batch n+1) ==
	// producer-seq(batch n) + len(batch n); incrementing by a flat 1 per
	// batch regardless of message count desyncs the very next batch from
	// the server's highestAcked and reads as a permanent sequence gap.
	seq := p.nextSeq
	p.nextSeq += len(batch)
	epoch := p.epoch

	p.inFlight++
	p.inFlightWg.Add(1)
	go func() {
		defer p.inFlightWg.Done()
		p.sendBatch(batch, epoch, seq)

		p.mu.Lock()
		p.inFlight--
		p.dispatchIfCapacityLocked()
		p.mu.Unlock()
	}()
}

func (p *IdempotentProducer) sendBatch(batch []pendingEntry, epoch, seq int) {
	offset, duplicate, err := p.doSendBatch(batch, epoch, seq)
	result := idempotentResult{res: IdempotentAppendResult{Offset: offset, Duplicate: duplicate}, err: err}
	for _, e := range batch {
		e.result <- result
	}
}

func (p *IdempotentProducer) doSendBatch(batch []pendingEntry, epoch, seq int) (Offset, bool, error) {
	isJSON := p.config.ContentType == "application/json" || len(p.config.ContentType) > 5 && p.config.ContentType[len(p.config.ContentType)-5:] == "+json"
	var body []byte
	if isJSON {
		body = append(body, '[')
		for i, e := range batch {
			if i > 0 {
				body = append(body, ',')
			}
			body = append(body, e.data...)
		}
		body = append(body, ']')
	} else {
		for _, e := range batch {
			body = append(body, e.data...)
		}
	}

	req, err := http.NewRequest(http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return "", false, err
	}
	req.Header.Set(headerContentType, p.config.ContentType)
	req.Header.Set(headerProducerID, p.producerID)
	req.Header.Set(headerProducerEpoch, strconv.Itoa(epoch))
	req.Header.Set(headerProducerSeq, strconv.Itoa(seq))

	resp, err := p.client.httpClient.Do(req)
	if err != nil {
		return "", false, newStreamError("Append", p.url, 0, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		off := resp.Header.Get(headerStreamOffset)
		if resp.StatusCode == http.StatusOK {
			var payload struct {
				Offset string `json:"offset"`
			}
			json.NewDecoder(resp.Body).Decode(&payload)
			if payload.Offset != "" {
				off = payload.Offset
			}
		}
		// The server only sets Producer-Seq on the response when this
		// append matched an already-committed seq; a fresh commit never
		// echoes it back.
		duplicate := resp.Header.Get(headerProducerSeq) != ""
		return Offset(off), duplicate, nil
	case http.StatusForbidden:
		currentEpoch, _ := strconv.Atoi(resp.Header.Get(headerProducerEpoch))
		if p.config.AutoClaim {
			return p.autoClaimAndRetry(batch, currentEpoch)
		}
		return "", false, &StaleEpochError{CurrentEpoch: currentEpoch}
	case http.StatusConflict:
		expected, _ := strconv.Atoi(resp.Header.Get(headerProducerExpectedSeq))
		received, _ := strconv.Atoi(resp.Header.Get(headerProducerReceivedSeq))
		return "", false, &SequenceGapError{ExpectedSeq: expected, ReceivedSeq: received}
	case http.StatusBadRequest:
		return "", false, ErrBadRequest
	default:
		return "", false, errorFromStatus(resp.StatusCode)
	}
}

// autoClaimAndRetry bumps the local epoch above the server's current
// epoch and re-sequences the rejected batch from 0 under the new epoch,
// so it looks like a new producer incarnation.
func (p *IdempotentProducer) autoClaimAndRetry(batch []pendingEntry, serverEpoch int) (Offset, bool, error) {
	p.mu.Lock()
	newEpoch := serverEpoch + 1
	if newEpoch <= p.epoch {
		newEpoch = p.epoch + 1
	}
	p.epoch = newEpoch
	p.nextSeq = len(batch)
	p.mu.Unlock()

	return p.doSendBatch(batch, newEpoch, 0)
}

// Flush blocks until every currently-pending message has been dispatched
// and its in-flight batch has completed.
func (p *IdempotentProducer) Flush(ctx context.Context) error {
	p.mu.Lock()
	p.dispatchIfCapacityLocked()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.inFlightWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes pending work (bounded at 30s) and marks the producer
// closed; subsequent Append calls fail with ErrProducerClosed.
func (p *IdempotentProducer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := p.Flush(ctx)

	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.closedCh)
	}
	p.mu.Unlock()
	return err
}

// Restart flushes pending work, then bumps the epoch and resets the
// sequence counter, starting a fresh producer incarnation.
func (p *IdempotentProducer) Restart(ctx context.Context) error {
	if err := p.Flush(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	p.epoch++
	p.nextSeq = 0
	p.mu.Unlock()
	return nil
}
