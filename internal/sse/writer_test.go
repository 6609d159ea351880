package sse

import (
	"strings"
	"testing"
)

func TestWriteDataNormalizesCRLF(t *testing.T) {
	var buf strings.Builder
	w := NewWriter(&buf)
	if err := w.WriteData([]byte("a\r\nb")); err != nil {
		t.Fatalf("WriteData: %v", err)
	}
	out := buf.String()
	if strings.Contains(out, "\r") {
		t.Fatalf("P7 violated: output still contains a raw CR: %q", out)
	}
	want := "event: data\ndata: a\ndata: b\n\n"
	if out != want {
		t.Fatalf("got %q, want %q", out, want)
	}
}

func TestWriteDataLoneCR(t *testing.T) {
	var buf strings.Builder
	w := NewWriter(&buf)
	w.WriteData([]byte("x\ry"))
	out := buf.String()
	if strings.Contains(out, "\r") {
		t.Fatalf("lone CR leaked into frame: %q", out)
	}
}

func TestWriteControlIsDistinctEvent(t *testing.T) {
	var buf strings.Builder
	w := NewWriter(&buf)
	w.WriteControl(`{"streamNextOffset":"0000000000000001_0000000000000001","upToDate":true}`)
	out := buf.String()
	if !strings.HasPrefix(out, "event: control\n") {
		t.Fatalf("expected control event type, got %q", out)
	}
}
