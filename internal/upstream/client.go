// Package upstream implements the HTTP client that carries a translated
// request to a configured provider endpoint and returns either a buffered
// response body or a live SSE stream.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"

	gateway "github.com/eugener/prism/internal"
)

// Client issues requests to provider endpoints over a pooled, DNS-cached
// transport. Grounded on internal/provider/proxy.go's NewTransport: the
// same pooling and DNS-cache parameters, generalized away from a
// per-provider client into one shared client keyed by ProviderConfig.
type Client struct {
	http *http.Client
}

// NewTransport returns a tuned *http.Transport with connection pooling and
// optional DNS caching.
func NewTransport(resolver *dnscache.Resolver, forceHTTP2 bool) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   forceHTTP2,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = dialWithCache(resolver)
	}
	return t
}

func dialWithCache(resolver *dnscache.Resolver) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ips, err := resolver.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}
		var d net.Dialer
		return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
	}
}

// NewClient builds a Client around transport, with no client-side timeout
// (the caller's context governs deadline; streaming responses must not be
// cut off by a fixed http.Client.Timeout).
func NewClient(transport http.RoundTripper) *Client {
	return &Client{http: &http.Client{Transport: transport}}
}

// Do issues one upstream call. headers carries the auth material already
// applied by the credential manager. The caller is responsible for closing
// the returned response body.
func (c *Client) Do(ctx context.Context, method, url string, body io.Reader, headers http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("%w: build upstream request: %v", gateway.ErrInternal, err)
	}
	for k, vs := range headers {
		req.Header[k] = vs
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrUpstream, err)
	}
	return resp, nil
}
