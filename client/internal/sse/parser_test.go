package sse

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestParserReadsDataThenControl(t *testing.T) {
	raw := "data: hello\n\nevent: control\ndata: {\"streamNextOffset\":\"0000000000000000_0000000000000011\",\"upToDate\":true}\n\n"
	p := NewParser(strings.NewReader(raw))

	ev, err := p.Next()
	if err != nil {
		t.Fatalf("first event: %v", err)
	}
	data, ok := ev.(DataEvent)
	if !ok || data.Data != "hello" {
		t.Fatalf("expected DataEvent{hello}, got %#v", ev)
	}

	ev, err = p.Next()
	if err != nil {
		t.Fatalf("second event: %v", err)
	}
	ctrl, ok := ev.(ControlEvent)
	if !ok {
		t.Fatalf("expected ControlEvent, got %#v", ev)
	}
	if !ctrl.UpToDate {
		t.Fatal("expected upToDate true")
	}
}

func TestParserMultilineData(t *testing.T) {
	raw := "data: line one\ndata: line two\n\n"
	p := NewParser(strings.NewReader(raw))

	ev, err := p.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	data := ev.(DataEvent)
	if data.Data != "line one\nline two" {
		t.Fatalf("expected joined multiline data, got %q", data.Data)
	}
}

func TestParserSkipsCommentLines(t *testing.T) {
	raw := ": heartbeat\ndata: x\n\n"
	p := NewParser(strings.NewReader(raw))
	ev, err := p.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ev.(DataEvent).Data != "x" {
		t.Fatalf("expected comment line to be skipped, got %#v", ev)
	}
}

func TestParserRejectsMalformedControlJSON(t *testing.T) {
	raw := "event: control\ndata: not json\n\n"
	p := NewParser(strings.NewReader(raw))
	_, err := p.Next()
	if !errors.Is(err, ErrInvalidControlEvent) {
		t.Fatalf("expected ErrInvalidControlEvent, got %v", err)
	}
}

func TestParserReturnsEOFAtStreamEnd(t *testing.T) {
	p := NewParser(strings.NewReader("data: x\n\n"))
	if _, err := p.Next(); err != nil {
		t.Fatalf("first event: %v", err)
	}
	if _, err := p.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestParserSkipsUnknownEventTypes(t *testing.T) {
	raw := "event: ping\ndata: ignored\n\ndata: real\n\n"
	p := NewParser(strings.NewReader(raw))
	for {
		ev, err := p.Next()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ev == nil {
			continue
		}
		data, ok := ev.(DataEvent)
		if !ok {
			t.Fatalf("expected a DataEvent, got %#v", ev)
		}
		if data.Data != "real" {
			t.Fatalf("expected the unknown event type to be skipped, got %q", data.Data)
		}
		break
	}
}
