package client

// Offset is an opaque, server-assigned resumption token. Callers must
// treat it as opaque and use only equality and server-provided ordering
// — never synthesize a "next" offset by arithmetic on the string.
type Offset string

// StartOffset requests all records from the beginning of the stream.
const StartOffset Offset = "-1"

// NowOffset requests only records committed after this read begins,
// skipping history.
const NowOffset Offset = "now"

// String returns the wire form of the offset.
func (o Offset) String() string { return string(o) }

// IsStart reports whether o is the beginning-of-stream sentinel.
func (o Offset) IsStart() bool { return o == StartOffset }
