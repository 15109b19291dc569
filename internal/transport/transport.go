// Package transport issues the outbound upstream call. Request shaping and
// body transformation live with the caller; this layer only executes.
package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport is the single outbound primitive the orchestrator consumes.
type Transport interface {
	Issue(ctx context.Context, req *Request) (*Response, error)
}

// HTTPTransport executes requests over one http.Client, optionally paced by
// a client-side rate limiter.
type HTTPTransport struct {
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPTransport builds a transport with the given overall timeout.
// ratePerSecond of 0 disables pacing.
func NewHTTPTransport(timeout time.Duration, ratePerSecond int) *HTTPTransport {
	t := &HTTPTransport{
		client: &http.Client{Timeout: timeout},
	}
	if ratePerSecond > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(ratePerSecond), ratePerSecond)
	}
	return t
}

func (t *HTTPTransport) Issue(ctx context.Context, req *Request) (*Response, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
	}, nil
}
