// Package httpx provides a small HTTP client wrapper with retries, timeouts,
// and exponential back-off. The Client is safe for concurrent use because its
// fields are immutable after construction.
package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
)

// Client wraps net/http.Client with retry and timeout behaviour.
type Client struct {
	http       *http.Client
	maxRetries int
	baseDelay  time.Duration
}

// Option customises a Client.
type Option func(*Client)

// WithBaseDelay sets the first back-off delay. Later delays double.
func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) { c.baseDelay = d }
}

// WithTransport replaces the underlying round tripper.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.http.Transport = rt }
}

// NewClient creates a Client with the given timeout and retry count.
func NewClient(timeout time.Duration, maxRetries int, opts ...Option) *Client {
	c := &Client{
		http: &http.Client{
			Timeout: timeout,
		},
		maxRetries: maxRetries,
		baseDelay:  500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do executes the request with retries on transient failures: network errors,
// 429 and 5xx. The final response is returned unread whatever its status.
// Requests with a body must have GetBody set so it can be replayed.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	var (
		resp *http.Response
		err  error
	)

	for attempt := range c.maxRetries + 1 {
		attemptReq := req.Clone(ctx)
		if req.GetBody != nil {
			attemptReq.Body, err = req.GetBody()
			if err != nil {
				return nil, errors.Wrap(err, "httpx: rewind body")
			}
		}

		resp, err = c.http.Do(attemptReq)
		if err == nil && !retryable(resp.StatusCode) {
			return resp, nil
		}
		if attempt == c.maxRetries {
			break
		}

		// Drain body on retry to allow connection reuse.
		if resp != nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}

		delay := c.baseDelay * (1 << uint(attempt))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	if err != nil {
		return nil, errors.Wrapf(err, "httpx: all %d attempts failed", c.maxRetries+1)
	}
	return resp, nil
}

// Get is a convenience method for GET requests.
func (c *Client) Get(ctx context.Context, url string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "httpx: new request")
	}
	copyHeader(req.Header, header)
	return c.Do(ctx, req)
}

// Post sends body with the given content type. The body is replayed on retry.
func (c *Client) Post(ctx context.Context, url, contentType string, body []byte, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "httpx: new request")
	}
	copyHeader(req.Header, header)
	req.Header.Set("Content-Type", contentType)
	return c.Do(ctx, req)
}

// Delete is a convenience method for DELETE requests.
func (c *Client) Delete(ctx context.Context, url string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "httpx: new request")
	}
	copyHeader(req.Header, header)
	return c.Do(ctx, req)
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
