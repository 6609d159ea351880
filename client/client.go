// Package client is a Go client for the durable stream wire protocol:
// create/append/read/delete over HTTP, with a bundled idempotent-producer
// subsystem and a catch-up/long-poll/SSE reader.
package client

import (
	"crypto/tls"
	"net"
	"net/http"
	"strings"
	"time"
)

// Client owns an HTTP connection pool and retry policy shared across
// every Stream handle it creates.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	retryPolicy RetryPolicy
}

// NewClient builds a Client with a connection-reusing transport tuned for
// many concurrent long-lived stream connections.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	cfg := clientConfig{retryPolicy: DefaultRetryPolicy()}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.httpClient == nil {
		transport := &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
			TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
		}
		cfg.httpClient = &http.Client{Transport: transport}
	}

	return &Client{httpClient: cfg.httpClient, baseURL: strings.TrimRight(baseURL, "/"), retryPolicy: cfg.retryPolicy}
}

// Stream returns a handle to the stream at url. A relative url is
// resolved against the Client's base URL.
func (c *Client) Stream(url string) *Stream {
	resolved := url
	if c.baseURL != "" && !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		resolved = c.baseURL + "/" + strings.TrimLeft(url, "/")
	}
	return &Stream{url: resolved, client: c}
}

// HTTPClient exposes the underlying *http.Client for advanced callers
// (e.g. wiring a custom round tripper for testing).
func (c *Client) HTTPClient() *http.Client { return c.httpClient }

// Close releases the connection pool. Safe to call once the Client and
// all its Streams are no longer in use.
func (c *Client) Close() {
	if t, ok := c.httpClient.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}
