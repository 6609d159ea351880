package durablestreams

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"

	"github.com/dstreamsio/dstreams/internal/streamstore"
	"github.com/dstreamsio/dstreams/internal/streamstore/analytics"
	"github.com/dstreamsio/dstreams/internal/streamstore/boltstore"
)

func init() {
	caddy.RegisterModule(Handler{})
	httpcaddyfile.RegisterHandlerDirective("durable_streams", parseCaddyfile)
}

// Handler implements the Durable Streams Protocol as a Caddy HTTP handler.
type Handler struct {
	// DataDir is the directory holding the durable bbolt database. If
	// empty, the handler runs entirely in memory (useful for tests and
	// ephemeral deployments).
	DataDir string `json:"data_dir,omitempty"`

	// LongPollTimeout bounds how long a live=long-poll read blocks before
	// returning 204.
	LongPollTimeout caddy.Duration `json:"long_poll_timeout,omitempty"`

	// SSEReconnectInterval is the heartbeat/reconnect cadence for idle
	// SSE connections.
	SSEReconnectInterval caddy.Duration `json:"sse_reconnect_interval,omitempty"`

	// AnalyticsDB, if set, mirrors every committed append into a DuckDB
	// database at this path (or ":memory:") for SQL-queryable stream
	// activity.
	AnalyticsDB string `json:"analytics_db,omitempty"`

	store  streamstore.Store
	logger *zap.Logger
}

// CaddyModule returns the Caddy module information.
func (Handler) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.durable_streams",
		New: func() caddy.Module { return new(Handler) },
	}
}

// Provision sets up the handler's storage backend and defaults.
func (h *Handler) Provision(ctx caddy.Context) error {
	h.logger = ctx.Logger()

	if h.LongPollTimeout == 0 {
		h.LongPollTimeout = caddy.Duration(30 * time.Second)
	}
	if h.SSEReconnectInterval == 0 {
		h.SSEReconnectInterval = caddy.Duration(60 * time.Second)
	}

	var backing streamstore.Store
	if h.DataDir == "" {
		backing = streamstore.NewMemoryStore()
		h.logger.Info("using in-memory store (no data_dir configured)")
	} else {
		bs, err := boltstore.Open(filepath.Join(h.DataDir, "streams.db"))
		if err != nil {
			return fmt.Errorf("durable_streams: failed to open durable store: %w", err)
		}
		backing = bs
		h.logger.Info("using bbolt-backed store", zap.String("data_dir", h.DataDir))
	}

	if h.AnalyticsDB != "" {
		mirrored, err := analytics.Open(backing, h.AnalyticsDB, h.logger)
		if err != nil {
			return fmt.Errorf("durable_streams: failed to open analytics mirror: %w", err)
		}
		backing = mirrored
		h.logger.Info("mirroring appends to duckdb", zap.String("analytics_db", h.AnalyticsDB))
	}

	h.store = backing
	return nil
}

// Validate ensures the handler configuration is valid.
func (h *Handler) Validate() error {
	return nil
}

// Cleanup releases storage resources.
func (h *Handler) Cleanup() error {
	if h.store != nil {
		return h.store.Close()
	}
	return nil
}

// UnmarshalCaddyfile parses the Caddyfile syntax for durable_streams:
//
//	durable_streams {
//	    data_dir /var/lib/durable-streams
//	    long_poll_timeout 30s
//	    sse_reconnect_interval 60s
//	    analytics_db /var/lib/durable-streams/analytics.duckdb
//	}
func (h *Handler) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		for d.NextBlock(0) {
			switch d.Val() {
			case "data_dir":
				if !d.Args(&h.DataDir) {
					return d.ArgErr()
				}
			case "long_poll_timeout":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(val)
				if err != nil {
					return d.Errf("invalid duration: %v", err)
				}
				h.LongPollTimeout = caddy.Duration(dur)
			case "sse_reconnect_interval":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(val)
				if err != nil {
					return d.Errf("invalid duration: %v", err)
				}
				h.SSEReconnectInterval = caddy.Duration(dur)
			case "analytics_db":
				if !d.Args(&h.AnalyticsDB) {
					return d.ArgErr()
				}
			default:
				return d.Errf("unknown subdirective: %s", d.Val())
			}
		}
	}
	return nil
}

func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var handler Handler
	err := handler.UnmarshalCaddyfile(h.Dispenser)
	return &handler, err
}

// Interface guards
var (
	_ caddy.Provisioner           = (*Handler)(nil)
	_ caddy.Validator             = (*Handler)(nil)
	_ caddy.CleanerUpper          = (*Handler)(nil)
	_ caddyhttp.MiddlewareHandler = (*Handler)(nil)
	_ caddyfile.Unmarshaler       = (*Handler)(nil)
)
