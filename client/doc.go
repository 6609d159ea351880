// Package client is a Go client for the durable stream wire protocol.
//
// A durable stream is an append-only, totally-ordered byte stream served
// over HTTP: create it once, append records to it, and read it back from
// any offset, including tailing it live as new records arrive. This
// package implements that protocol plus an idempotent-producer subsystem
// for exactly-once appends under retries.
//
// # Basic usage
//
//	c := client.NewClient("https://example.com")
//	stream := c.Stream("/streams/my-stream")
//
//	if err := stream.Create(ctx, "application/json", nil); err != nil {
//		// ...
//	}
//
//	result, err := stream.Append(ctx, []byte(`{"event":"test"}`))
//	fmt.Println("next offset:", result.NextOffset)
//
//	it := stream.Read(ctx)
//	defer it.Close()
//	for {
//		chunk, err := it.Next()
//		if errors.Is(err, client.Done) {
//			break
//		}
//		if err != nil {
//			// ...
//		}
//		fmt.Println(string(chunk.Data))
//	}
//
// # Live tailing
//
// WithLive selects how Read behaves once it reaches the tail:
//
//	it := stream.Read(ctx, client.WithLive(client.LiveModeSSE))
//
// LiveModeAuto picks SSE for text/JSON content types and long-poll
// otherwise.
//
// # Idempotent appends
//
// IdempotentProducer batches appends under one producer-id, fencing
// zombie writers by epoch and detecting gaps by sequence number:
//
//	p, err := client.NewIdempotentProducer(c, "https://example.com/streams/my-stream", "", client.DefaultIdempotentProducerConfig())
//	res, err := p.Append(ctx, []byte("record"))
//	if res.Duplicate {
//		// already committed by an earlier attempt at this seq
//	}
//
// # Error handling
//
//	if errors.Is(err, client.ErrStreamNotFound) {
//		// 404
//	}
//	var se *client.StreamError
//	if errors.As(err, &se) {
//		fmt.Println("status:", se.StatusCode)
//	}
package client
