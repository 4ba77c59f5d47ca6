// Package upstream builds authenticated MCP client sessions against
// registered upstream servers. It centralizes the auth-scheme header
// injection and the stream-gap watchdog shared by the proxy engine and
// the health checker.
package upstream

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/plexmcp/plexmcp/internal/domain"
)

// clientInfo identifies this gateway in the MCP initialize handshake.
var clientInfo = &mcp.Implementation{
	Name:    "plexmcp-gateway",
	Version: "1.0.0",
}

// AuthHeaders returns the HTTP headers the descriptor's auth scheme
// requires. secret is the decrypted upstream credential; for the basic
// scheme it must be "user:password".
func AuthHeaders(d domain.McpDescriptor, secret string) (map[string]string, error) {
	switch d.AuthScheme {
	case domain.AuthSchemeNone:
		return nil, nil
	case domain.AuthSchemeBearer:
		return map[string]string{"Authorization": "Bearer " + secret}, nil
	case domain.AuthSchemeAPIKeyHeader:
		header := d.AuthHeaderName
		if header == "" {
			header = "X-API-Key"
		}
		return map[string]string{header: secret}, nil
	case domain.AuthSchemeBasic:
		if !strings.Contains(secret, ":") {
			return nil, fmt.Errorf("basic auth secret must be user:password")
		}
		encoded := base64.StdEncoding.EncodeToString([]byte(secret))
		return map[string]string{"Authorization": "Basic " + encoded}, nil
	default:
		return nil, fmt.Errorf("unknown auth scheme %q", d.AuthScheme)
	}
}

// headerRoundTripper injects fixed headers into every outbound request.
type headerRoundTripper struct {
	base    http.RoundTripper
	headers map[string]string
}

func (rt *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	for k, v := range rt.headers {
		req.Header.Set(k, v)
	}
	return rt.base.RoundTrip(req)
}

// partialTimeoutTransport closes the response body when the gap between two
// successive body reads exceeds the configured timeout, turning a stalled
// stream into a read error instead of hanging until the total deadline.
type partialTimeoutTransport struct {
	base    http.RoundTripper
	timeout time.Duration
}

func (t *partialTimeoutTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil || t.timeout <= 0 {
		return resp, err
	}
	resp.Body = newWatchdogBody(resp.Body, t.timeout)
	return resp, nil
}

type watchdogBody struct {
	inner   io.ReadCloser
	timeout time.Duration
	timer   *time.Timer

	mu      sync.Mutex
	expired bool
}

func newWatchdogBody(inner io.ReadCloser, timeout time.Duration) *watchdogBody {
	b := &watchdogBody{inner: inner, timeout: timeout}
	b.timer = time.AfterFunc(timeout, func() {
		b.mu.Lock()
		b.expired = true
		b.mu.Unlock()
		_ = inner.Close()
	})
	return b
}

func (b *watchdogBody) Read(p []byte) (int, error) {
	n, err := b.inner.Read(p)

	b.mu.Lock()
	expired := b.expired
	if !expired {
		b.timer.Reset(b.timeout)
	}
	b.mu.Unlock()

	if expired && err != nil {
		return n, fmt.Errorf("upstream stalled: no data within partial-response timeout")
	}
	return n, err
}

func (b *watchdogBody) Close() error {
	b.timer.Stop()
	return b.inner.Close()
}

// NewHTTPClient builds the HTTP client used for one upstream session:
// header injection, stream-gap watchdog, and a total request deadline.
func NewHTTPClient(headers map[string]string, requestTimeout, partialTimeout time.Duration) *http.Client {
	var rt http.RoundTripper = http.DefaultTransport
	if partialTimeout > 0 {
		rt = &partialTimeoutTransport{base: rt, timeout: partialTimeout}
	}
	if len(headers) > 0 {
		rt = &headerRoundTripper{base: rt, headers: headers}
	}
	return &http.Client{
		Transport: rt,
		Timeout:   requestTimeout,
	}
}

// Connect opens an MCP session to the descriptor's endpoint over the
// streamable HTTP transport, running the initialize handshake.
func Connect(ctx context.Context, d domain.McpDescriptor, secret string, requestTimeout, partialTimeout time.Duration) (*mcp.ClientSession, error) {
	headers, err := AuthHeaders(d, secret)
	if err != nil {
		return nil, err
	}

	transport := &mcp.StreamableClientTransport{
		Endpoint:   d.EndpointURL,
		HTTPClient: NewHTTPClient(headers, requestTimeout, partialTimeout),
	}

	client := mcp.NewClient(clientInfo, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", d.EndpointURL, err)
	}
	return session, nil
}
