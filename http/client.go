// Package http provides the network side of the offline proxy: a fetcher
// that forwards intercepted requests to the application's upstream server.
package http

import (
	"context"
	"errors"
	nethttp "net/http"
	"net/url"
	"strings"
	"time"
)

// defaultTimeout bounds a whole exchange, body included, for the default client.
const defaultTimeout = 30 * time.Second

// hopHeaders are connection-scoped and are never forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Client forwards requests to the network.
// It satisfies offline.Fetcher.
type Client struct {
	client   *nethttp.Client
	headers  nethttp.Header
	origin   *url.URL
	upstream *url.URL
}

// Option configures a Client.
type Option func(*Client)

// WithClient sets the HTTP client used for requests.
// The default client returns redirects to the caller instead of following them.
func WithClient(client *nethttp.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithHeaders sets additional headers on each request.
func WithHeaders(headers nethttp.Header) Option {
	return func(c *Client) {
		if headers == nil {
			return
		}
		c.headers = headers.Clone()
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) Option {
	return func(c *Client) {
		if c.headers == nil {
			c.headers = make(nethttp.Header)
		}
		c.headers.Set(key, value)
	}
}

// WithUpstream sends requests addressed to origin to upstream instead.
// The upstream path, if any, is prefixed to the request path.
func WithUpstream(origin, upstream *url.URL) Option {
	return func(c *Client) {
		c.origin = origin
		c.upstream = upstream
	}
}

// NewClient creates a Client.
func NewClient(opts ...Option) *Client {
	c := &Client{}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = &nethttp.Client{Timeout: defaultTimeout, CheckRedirect: keepRedirect}
	}
	return c
}

// keepRedirect stops the client at the first redirect. A followed redirect
// would be cached under the original URL and replayed without its Location.
func keepRedirect(*nethttp.Request, []*nethttp.Request) error {
	return nethttp.ErrUseLastResponse
}

// Fetch sends req to the network and returns the response.
// The caller must close the response body.
func (c *Client) Fetch(ctx context.Context, req *nethttp.Request) (*nethttp.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("fetch: nil request")
	}
	out := req.Clone(ctx)
	out.RequestURI = ""
	out.URL = c.rewrite(req.URL)
	out.Host = ""

	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	if conn := req.Header.Get("Connection"); conn != "" {
		for _, f := range strings.Split(conn, ",") {
			if f = strings.TrimSpace(f); f != "" {
				out.Header.Del(f)
			}
		}
	}
	for key, values := range c.headers {
		out.Header.Del(key)
		for _, value := range values {
			out.Header.Add(key, value)
		}
	}

	return c.client.Do(out)
}

func (c *Client) rewrite(u *url.URL) *url.URL {
	out := *u
	if c.origin == nil || c.upstream == nil {
		return &out
	}
	if !strings.EqualFold(u.Scheme, c.origin.Scheme) || !strings.EqualFold(u.Host, c.origin.Host) {
		return &out
	}
	out.Scheme = c.upstream.Scheme
	out.Host = c.upstream.Host
	out.Path = joinPath(c.upstream.Path, u.Path)
	out.RawPath = ""
	return &out
}

func joinPath(base, p string) string {
	base = strings.TrimSuffix(base, "/")
	if p == "" {
		p = "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return base + p
}
