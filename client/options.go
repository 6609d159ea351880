package client

import (
	"net/http"
	"time"
)

// LiveMode selects how Stream.Read behaves once it reaches the tail.
type LiveMode string

const (
	LiveModeNone     LiveMode = ""
	LiveModeLongPoll LiveMode = "long-poll"
	LiveModeSSE      LiveMode = "sse"
	LiveModeAuto     LiveMode = "auto"
)

// RetryPolicy governs the client transport's backoff on retryable
// statuses: exponential, base 100ms, doubling, capped at 30s, up to 5
// attempts.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryPolicy returns the protocol's default backoff schedule.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 4, InitialDelay: 100 * time.Millisecond, MaxDelay: 30 * time.Second, Multiplier: 2.0}
}

// HeaderSupplier is a per-request header value provider. createConfig and
// appendConfig each hold a map of them, but no exported option fills
// those maps and no request path calls a supplier, so dynamic headers are
// not sent.
type HeaderSupplier func() string

// ClientOption configures a Client.
type ClientOption func(*clientConfig)

type clientConfig struct {
	httpClient  *http.Client
	retryPolicy RetryPolicy
}

// WithHTTPClient overrides the underlying *http.Client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cfg *clientConfig) { cfg.httpClient = c }
}

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p RetryPolicy) ClientOption {
	return func(cfg *clientConfig) { cfg.retryPolicy = p }
}

// CreateOption configures Stream.Create.
type CreateOption func(*createConfig)

type createConfig struct {
	ttl         *time.Duration
	expiresAt   *time.Time
	dynHeaders  map[string]HeaderSupplier
}

// WithTTL sets an expiry duration relative to creation time.
func WithTTL(d time.Duration) CreateOption {
	return func(c *createConfig) { c.ttl = &d }
}

// WithExpiresAt sets an absolute expiry instant.
func WithExpiresAt(t time.Time) CreateOption {
	return func(c *createConfig) { c.expiresAt = &t }
}

// AppendOption configures Stream.Append.
type AppendOption func(*appendConfig)

type appendConfig struct {
	seq         string
	ifMatch     string
	dynHeaders  map[string]HeaderSupplier
	close       bool
}

// WithSeq sets the non-idempotent stream-seq ordering header.
func WithSeq(seq string) AppendOption {
	return func(c *appendConfig) { c.seq = seq }
}

// WithIfMatch sets a conditional append precondition.
func WithIfMatch(etag string) AppendOption {
	return func(c *appendConfig) { c.ifMatch = etag }
}

// WithClose marks the stream closed as part of this append.
func WithClose() AppendOption {
	return func(c *appendConfig) { c.close = true }
}

// ReadOption configures Stream.Read.
type ReadOption func(*readConfig)

type readConfig struct {
	offset  string
	live    LiveMode
	cursor  string
	timeout time.Duration
}

// WithOffset sets the starting offset for a read ("-1", "now", or a
// concrete opaque offset returned by a previous response).
func WithOffset(offset string) ReadOption {
	return func(c *readConfig) { c.offset = offset }
}

// WithLive selects catch-up (LiveModeNone), long-poll, sse, or auto.
func WithLive(mode LiveMode) ReadOption {
	return func(c *readConfig) { c.live = mode }
}

// WithCursor resumes from a previously returned opaque cursor.
func WithCursor(cursor string) ReadOption {
	return func(c *readConfig) { c.cursor = cursor }
}

// WithTimeout bounds a long-poll read.
func WithTimeout(d time.Duration) ReadOption {
	return func(c *readConfig) { c.timeout = d }
}

// HeadOption configures Stream.Head.
type HeadOption func(*headConfig)

type headConfig struct{}

// DeleteOption configures Stream.Delete.
type DeleteOption func(*deleteConfig)

type deleteConfig struct{}
