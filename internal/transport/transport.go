// Package transport opens the byte streams that MJPEG sessions read from.
// A Transport turns a URL into an io.ReadCloser whose Read calls deliver
// the stream in arbitrarily sized chunks; io.EOF marks end of stream.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
)

// Sentinel errors returned by transports. Use errors.Is to test for them.
var (
	ErrUnsupportedScheme = errors.New("transport: unsupported URL scheme")
	ErrBadStatus         = errors.New("transport: unexpected HTTP status")
)

// Transport opens a streaming connection to url. The returned reader stays
// valid until it is closed or ctx is cancelled.
type Transport interface {
	Open(ctx context.Context, url string) (io.ReadCloser, error)
}

// Func adapts an ordinary function to the Transport interface.
type Func func(ctx context.Context, url string) (io.ReadCloser, error)

// Open calls f(ctx, url).
func (f Func) Open(ctx context.Context, url string) (io.ReadCloser, error) {
	return f(ctx, url)
}

// Mux dispatches Open calls to a Transport chosen by URL scheme.
type Mux struct {
	mu       sync.RWMutex
	byScheme map[string]Transport
}

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{byScheme: make(map[string]Transport)}
}

// Handle registers t for URLs with the given scheme, replacing any previous
// registration.
func (m *Mux) Handle(scheme string, t Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byScheme[strings.ToLower(scheme)] = t
}

// Open parses rawURL and opens it with the transport registered for its
// scheme.
func (m *Mux) Open(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("transport: parse URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)

	m.mu.RLock()
	t, ok := m.byScheme[scheme]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	return t.Open(ctx, rawURL)
}
