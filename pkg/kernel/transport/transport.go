// Package transport is the capability the engine uses to perform HTTP
// exchanges. The engine itself does no I/O.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Request is a fully resolved HTTP request.
type Request struct {
	Method  string      `json:"method"`
	URL     string      `json:"url"`
	Headers http.Header `json:"headers,omitempty"`
	Body    string      `json:"body,omitempty"`
	// ClientCertificate is set when a mutualTLS credential applies.
	ClientCertificate *ClientCertificate `json:"-"`
}

// ClientCertificate is a PEM encoded certificate and private key.
type ClientCertificate struct {
	Cert string
	Key  string
}

// Response is what came back from the server.
type Response struct {
	StatusCode int           `json:"statusCode"`
	Headers    http.Header   `json:"headers,omitempty"`
	Body       string        `json:"body,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Transport sends one request. Implementations must honour ctx cancellation.
type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// Func adapts a function to Transport.
type Func func(ctx context.Context, req *Request) (*Response, error)

// Send calls f.
func (f Func) Send(ctx context.Context, req *Request) (*Response, error) { return f(ctx, req) }

// ----------------------------------------------------------------------------
// HTTP
// ----------------------------------------------------------------------------

// HTTPConfig configures the net/http transport.
type HTTPConfig struct {
	// Timeout bounds one exchange, including reading the body.
	Timeout         time.Duration
	Insecure        bool // skip TLS verification
	FollowRedirects bool
	UserAgent       string
	// MaxBodyBytes caps how much of a response body is read. Zero means
	// DefaultMaxBodyBytes.
	MaxBodyBytes int64
}

// DefaultMaxBodyBytes is the response body cap when none is configured.
const DefaultMaxBodyBytes = 16 << 20

// HTTP sends requests with net/http.
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
}

// DefaultUserAgent is sent when a request sets none.
const DefaultUserAgent = "scanbook/1.0"

// NewHTTP creates an HTTP transport.
func NewHTTP(cfg HTTPConfig) *HTTP {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &HTTP{cfg: cfg, client: newClient(cfg, nil)}
}

func newClient(cfg HTTPConfig, cert *tls.Certificate) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: cfg.Insecure, MinVersion: tls.VersionTLS12} //nolint:gosec // operator choice
	if cert != nil {
		tr.TLSClientConfig.Certificates = []tls.Certificate{*cert}
	}
	c := &http.Client{Timeout: cfg.Timeout, Transport: tr}
	if !cfg.FollowRedirects {
		c.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	}
	return c
}

// Send performs the exchange. Any failure before a status line is received
// is returned as an error.
func (h *HTTP) Send(ctx context.Context, req *Request) (*Response, error) {
	var body io.Reader
	if req.Body != "" {
		body = bytes.NewReader([]byte(req.Body))
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, values := range req.Headers {
		for _, v := range values {
			hreq.Header.Add(k, v)
		}
	}
	if hreq.Header.Get("User-Agent") == "" {
		hreq.Header.Set("User-Agent", h.cfg.UserAgent)
	}

	client := h.client
	if cc := req.ClientCertificate; cc != nil {
		cert, err := tls.X509KeyPair([]byte(cc.Cert), []byte(cc.Key))
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		client = newClient(h.cfg, &cert)
		defer client.CloseIdleConnections()
	}

	start := time.Now()
	resp, err := client.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, h.cfg.MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if int64(len(data)) > h.cfg.MaxBodyBytes {
		return nil, fmt.Errorf("response body exceeds %d bytes", h.cfg.MaxBodyBytes)
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       string(data),
		Duration:   time.Since(start),
	}, nil
}

// ----------------------------------------------------------------------------
// Mock
// ----------------------------------------------------------------------------

// MockStatus is the status code of the sentinel response.
const MockStatus = http.StatusOK

// Mock never touches the network: it records every request and answers with
// a fixed sentinel response. Used for dry runs.
type Mock struct {
	mu       sync.Mutex
	requests []*Request
	// Response overrides the sentinel when non-nil.
	Response *Response
}

// Send records req and returns the sentinel response.
func (m *Mock) Send(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.Response != nil {
		r := *m.Response
		r.Headers = m.Response.Headers.Clone()
		return &r, nil
	}
	return &Response{
		StatusCode: MockStatus,
		Headers:    http.Header{"Content-Type": {"application/json"}, "X-Scanbook-Mock": {"true"}},
		Body:       "{}",
	}, nil
}

// Requests returns the requests seen so far.
func (m *Mock) Requests() []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Request(nil), m.requests...)
}
