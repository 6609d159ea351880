//go:build go1.23

package client

import (
	"context"
	"iter"
)

// Chunks exposes a range-over-func view of a catch-up/long-poll/SSE read,
// for callers on Go 1.23+.
func Chunks(ctx context.Context, s *Stream, opts ...ReadOption) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		it := s.Read(ctx, opts...)
		defer it.Close()
		for {
			chunk, err := it.Next()
			if err != nil {
				if err == Done {
					return
				}
				yield(Chunk{}, err)
				return
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

// JSONItems exposes a range-over-func view of decoded JSON records.
func JSONItems[T any](ctx context.Context, s *Stream, opts ...ReadOption) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		it := ReadJSON[T](ctx, s, opts...)
		defer it.Close()
		for {
			batch, err := it.Next()
			if err != nil {
				if err == Done {
					return
				}
				var zero T
				yield(zero, err)
				return
			}
			for _, item := range batch.Items {
				if !yield(item, nil) {
					return
				}
			}
		}
	}
}

// JSONBatches exposes a range-over-func view of decoded JSON batches.
func JSONBatches[T any](ctx context.Context, s *Stream, opts ...ReadOption) iter.Seq2[Batch[T], error] {
	return func(yield func(Batch[T], error) bool) {
		it := ReadJSON[T](ctx, s, opts...)
		defer it.Close()
		for {
			batch, err := it.Next()
			if err != nil {
				if err == Done {
					return
				}
				yield(Batch[T]{}, err)
				return
			}
			if !yield(batch, nil) {
				return
			}
		}
	}
}
