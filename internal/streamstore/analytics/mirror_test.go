package analytics

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/dstreamsio/dstreams/internal/streamstore"
)

func TestMirrorCountsCommittedAppends(t *testing.T) {
	backing := streamstore.NewMemoryStore()
	m, err := Open(backing, ":memory:", zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Close()

	m.Create("/s", streamstore.CreateOptions{ContentType: "application/octet-stream"})
	if _, err := m.Append("/s", []byte("a"), streamstore.AppendOptions{}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := m.Append("/s", []byte("b"), streamstore.AppendOptions{}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	counts, err := m.StreamCounts(context.Background())
	if err != nil {
		t.Fatalf("StreamCounts: %v", err)
	}
	if counts["/s"] != 2 {
		t.Fatalf("got %d, want 2", counts["/s"])
	}
}

func TestMirrorSkipsDuplicates(t *testing.T) {
	backing := streamstore.NewMemoryStore()
	m, err := Open(backing, ":memory:", zap.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Close()

	m.Create("/s", streamstore.CreateOptions{ContentType: "application/octet-stream"})
	epoch, seq := int64(0), int64(0)
	opts := streamstore.AppendOptions{ProducerID: "p", ProducerEpoch: &epoch, ProducerSeq: &seq}
	m.Append("/s", []byte("a"), opts)
	m.Append("/s", []byte("a"), opts) // duplicate, should not double-count

	counts, err := m.StreamCounts(context.Background())
	if err != nil {
		t.Fatalf("StreamCounts: %v", err)
	}
	if counts["/s"] != 1 {
		t.Fatalf("got %d, want 1 (duplicate must not be mirrored twice)", counts["/s"])
	}
}
