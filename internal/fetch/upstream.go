package fetch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// ErrFetchFailed signals that the upstream fetch should be treated as a
// failure per spec.md §4.3 step 2: non-200 status, a missing required
// Content-Type, or a connection error before headers arrived.
var ErrFetchFailed = errors.New("upstream fetch failed")

// Client is the upstream fetcher (C4). Transport parameters — 300s
// timeout, TLS verification disabled (the origin is a trusted peer with
// rotating self-signed material per spec.md §4.3), pool limits of 1000
// concurrent / 100 idle connections, and 3 dial attempts before giving
// up — are lifted from the teacher's internal/proxy/upstream.go
// NewUpstreamClient and tuned to spec.md's exact numbers.
type Client struct {
	HTTP *http.Client
}

// NewClient builds a Client per spec.md §4.3's connection parameters.
func NewClient() *Client {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		DialContext:           retryingDial(dialer, 3),
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: true},
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 300 * time.Second,
		MaxConnsPerHost:       1000,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
	}
	return &Client{
		HTTP: &http.Client{
			Transport: transport,
			Timeout:   300 * time.Second,
		},
	}
}

// retryingDial retries TCP connection establishment up to attempts times.
// Per spec.md §4.3: "Follow 3 attempts at connection establishment; do not
// retry after response headers have been received" — retries only ever
// happen here, at the dial stage, never around the request/response
// round trip itself.
func retryingDial(base *net.Dialer, attempts int) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		var lastErr error
		for i := 0; i < attempts; i++ {
			conn, err := base.DialContext(ctx, network, addr)
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		return nil, lastErr
	}
}

// Response is what the dispatcher needs from a successful upstream fetch:
// the still-open body (the caller must close it) and the headers
// captured per spec.md §4.3 step 3.
type Response struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength string
	LastModified  string
}

// Fetch issues GET imageURL with no credentials and captures the headers
// the dispatcher cares about. Returns ErrFetchFailed if the status isn't
// 200 or Content-Type is absent (spec.md §4.3 steps 2-3).
func (c *Client) Fetch(ctx context.Context, imageURL string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d", ErrFetchFailed, resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: missing Content-Type", ErrFetchFailed)
	}

	return &Response{
		Body:          resp.Body,
		ContentType:   contentType,
		ContentLength: resp.Header.Get("Content-Length"),
		LastModified:  resp.Header.Get("Last-Modified"),
	}, nil
}
