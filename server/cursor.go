package durablestreams

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/dstreamsio/dstreams/internal/offset"
)

// cursorEpoch anchors the bucketing so cursors stay small and stable
// across server restarts.
var cursorEpoch = time.Date(2024, 10, 9, 0, 0, 0, 0, time.UTC)

const (
	cursorBucketSeconds = 20
	minJitterSeconds    = 1
	maxJitterSeconds    = 3600
)

// generateCursor derives an opaque resumption token from an offset and the
// current time: the offset, the 20-second bucket since cursorEpoch, and a
// random jitter value in [1, 3599], joined by dots. The jitter is drawn
// on every call, so two reads landing in the same bucket get different
// cursors rather than one shared cache key.
func generateCursor(o offset.Offset, now time.Time) string {
	bucket := int64(now.Sub(cursorEpoch).Seconds()) / cursorBucketSeconds
	jitter := jitterSeconds()
	return fmt.Sprintf("%s.%d.%d", o.String(), bucket, jitter)
}

func jitterSeconds() int64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return minJitterSeconds
	}
	n := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitterSeconds-minJitterSeconds)
	return int64(n) + minJitterSeconds
}

// generateResponseCursor is the cursor echoed on a response, derived from
// the offset the response actually ends at.
func generateResponseCursor(next offset.Offset) string {
	return generateCursor(next, time.Now())
}
