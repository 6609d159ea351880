package boltstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dstreamsio/dstreams/internal/offset"
	"github.com/dstreamsio/dstreams/internal/streamstore"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "streams.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAppendReadRoundTrip(t *testing.T) {
	s := openTestStore(t)

	_, created, err := s.Create("/s", streamstore.CreateOptions{ContentType: "application/octet-stream"})
	if err != nil || !created {
		t.Fatalf("Create: created=%v err=%v", created, err)
	}

	res, err := s.Append("/s", []byte("hello"), streamstore.AppendOptions{})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	msgs, next, upToDate, err := s.Read("/s", offset.Zero, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(msgs) != 1 || string(msgs[0].Data) != "hello" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	if !upToDate {
		t.Fatalf("expected up-to-date after reading whole log")
	}
	if !next.Equal(res.Offset) {
		t.Fatalf("next offset %v != append offset %v", next, res.Offset)
	}
}

func TestDurableAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "streams.db")

	s1, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s1.Create("/s", streamstore.CreateOptions{ContentType: "application/octet-stream"})
	s1.Append("/s", []byte("x"), streamstore.AppendOptions{})
	s1.Close()

	s2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	msgs, _, _, err := s2.Read("/s", offset.Zero, 0)
	if err != nil {
		t.Fatalf("Read after reopen: %v", err)
	}
	if len(msgs) != 1 || string(msgs[0].Data) != "x" {
		t.Fatalf("data did not survive reopen: %+v", msgs)
	}
}

func TestWaitForMessagesTimesOut(t *testing.T) {
	s := openTestStore(t)
	s.Create("/s", streamstore.CreateOptions{ContentType: "application/octet-stream"})

	res, err := s.WaitForMessages(context.Background(), "/s", offset.Zero, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForMessages: %v", err)
	}
	if !res.TimedOut {
		t.Fatalf("expected timeout on quiescent stream")
	}
}
