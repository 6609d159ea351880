package client

import (
	"context"
	"encoding/json"
)

// Batch is one group of decoded JSON records delivered together, plus the
// resumption state to continue the read.
type Batch[T any] struct {
	Items      []T
	NextOffset Offset
	UpToDate   bool
	Cursor     string
}

// JSONBatchIterator decodes each Chunk's body as either a top-level JSON
// array or a single JSON value — a JSON stream's producer may append one
// value at a time or a whole batch as an array, and readers need to
// handle both shapes transparently.
type JSONBatchIterator[T any] struct {
	chunks *ChunkIterator

	Offset   Offset
	UpToDate bool
	Cursor   string
}

// ReadJSON begins a typed JSON batch read over s.
func ReadJSON[T any](ctx context.Context, s *Stream, opts ...ReadOption) *JSONBatchIterator[T] {
	return &JSONBatchIterator[T]{chunks: s.Read(ctx, opts...)}
}

// Next returns the next decoded Batch, or Done when exhausted.
func (it *JSONBatchIterator[T]) Next() (Batch[T], error) {
	for {
		chunk, err := it.chunks.Next()
		if err != nil {
			return Batch[T]{}, err
		}
		it.Offset = chunk.NextOffset
		it.UpToDate = chunk.UpToDate
		it.Cursor = chunk.Cursor

		if len(chunk.Data) == 0 {
			if chunk.UpToDate {
				return Batch[T]{NextOffset: chunk.NextOffset, UpToDate: chunk.UpToDate, Cursor: chunk.Cursor}, nil
			}
			continue
		}

		items, err := parseJSONBatch[T](chunk.Data)
		if err != nil {
			return Batch[T]{}, err
		}
		return Batch[T]{Items: items, NextOffset: chunk.NextOffset, UpToDate: chunk.UpToDate, Cursor: chunk.Cursor}, nil
	}
}

// Close releases the underlying ChunkIterator.
func (it *JSONBatchIterator[T]) Close() error { return it.chunks.Close() }

func parseJSONBatch[T any](data []byte) ([]T, error) {
	var arr []T
	if err := json.Unmarshal(data, &arr); err == nil {
		return arr, nil
	}
	var single T
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, err
	}
	return []T{single}, nil
}

// Items is a channel-based convenience wrapper flattening every batch
// into a stream of individual items. The channel closes when the read
// ends (including on Done) or ctx is cancelled; errors are best reported
// by calling Next directly if the caller needs them.
func Items[T any](ctx context.Context, s *Stream, opts ...ReadOption) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		it := ReadJSON[T](ctx, s, opts...)
		defer it.Close()
		for {
			batch, err := it.Next()
			if err != nil {
				return
			}
			for _, item := range batch.Items {
				select {
				case out <- item:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
