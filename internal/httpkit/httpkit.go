// Package httpkit builds the HTTP clients stepwise uses to reach model
// providers and HTTP MCP servers.
package httpkit

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/nugget/stepwise/internal/buildinfo"
)

const (
	defaultTimeout       = 30 * time.Second
	defaultHeaderTimeout = 15 * time.Second
)

// Option adjusts a client built by NewClient.
type Option func(*options)

type options struct {
	timeout       time.Duration
	headerTimeout time.Duration
}

// WithTimeout sets http.Client.Timeout. Zero leaves the request bounded
// only by its context, which is how generation calls are made.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithHeaderTimeout sets how long to wait for response headers once the
// request is written. Model endpoints that think before answering need
// minutes here.
func WithHeaderTimeout(d time.Duration) Option {
	return func(o *options) { o.headerTimeout = d }
}

// NewClient returns a client with bounded dial and TLS setup that sends
// the stepwise User-Agent on every request.
func NewClient(opts ...Option) *http.Client {
	o := options{timeout: defaultTimeout, headerTimeout: defaultHeaderTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	base := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: o.headerTimeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          10,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{
		Timeout:   o.timeout,
		Transport: uaTransport{base: base, ua: buildinfo.UserAgent()},
	}
}

type uaTransport struct {
	base http.RoundTripper
	ua   string
}

func (t uaTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.base.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.ua)
	return t.base.RoundTrip(req)
}

// DrainAndClose discards up to limit bytes of rc and closes it, so the
// connection can be reused.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody returns at most limit bytes of an error response body
// and closes it.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(error body unreadable: %v)", err)
	}
	return string(body)
}
