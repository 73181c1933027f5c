package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHTTP_Send(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Token", "abc123")
		w.Header().Set("X-Echo-Agent", r.UserAgent())
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(r.Method + " " + r.URL.RequestURI() + " " + r.Header.Get("X-Custom") + " " + string(body)))
	}))
	defer srv.Close()

	h := NewHTTP(HTTPConfig{Timeout: 5 * time.Second})
	resp, err := h.Send(context.Background(), &Request{
		Method:  "POST",
		URL:     srv.URL + "/users?limit=2",
		Headers: http.Header{"X-Custom": {"yes"}},
		Body:    `{"a":1}`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if got := resp.Headers.Get("X-Token"); got != "abc123" {
		t.Errorf("X-Token = %q", got)
	}
	if got := resp.Headers.Get("X-Echo-Agent"); got != DefaultUserAgent {
		t.Errorf("user agent = %q", got)
	}
	if want := `POST /users?limit=2 yes {"a":1}`; resp.Body != want {
		t.Errorf("body = %q, want %q", resp.Body, want)
	}
}

func TestHTTP_Timeout(t *testing.T) {
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()
	defer close(done)

	h := NewHTTP(HTTPConfig{Timeout: 50 * time.Millisecond})
	_, err := h.Send(context.Background(), &Request{Method: "GET", URL: srv.URL})
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestHTTP_ContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewHTTP(HTTPConfig{}).Send(ctx, &Request{Method: "GET", URL: srv.URL})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestHTTP_Redirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old" {
			http.Redirect(w, r, "/new", http.StatusFound)
			return
		}
		_, _ = w.Write([]byte("new"))
	}))
	defer srv.Close()

	resp, err := NewHTTP(HTTPConfig{}).Send(context.Background(), &Request{Method: "GET", URL: srv.URL + "/old"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusFound {
		t.Errorf("status = %d, want 302 without following", resp.StatusCode)
	}

	resp, err = NewHTTP(HTTPConfig{FollowRedirects: true}).Send(context.Background(), &Request{Method: "GET", URL: srv.URL + "/old"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK || resp.Body != "new" {
		t.Errorf("followed: status = %d body = %q", resp.StatusCode, resp.Body)
	}
}

func TestHTTP_BadClientCertificate(t *testing.T) {
	_, err := NewHTTP(HTTPConfig{}).Send(context.Background(), &Request{
		Method:            "GET",
		URL:               "https://127.0.0.1:1",
		ClientCertificate: &ClientCertificate{Cert: "nope", Key: "nope"},
	})
	if err == nil || !strings.Contains(err.Error(), "client certificate") {
		t.Errorf("err = %v", err)
	}
}

func TestMock(t *testing.T) {
	m := &Mock{}
	resp, err := m.Send(context.Background(), &Request{Method: "GET", URL: "http://x/a"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != MockStatus || resp.Headers.Get("X-Scanbook-Mock") != "true" {
		t.Errorf("resp = %+v", resp)
	}
	if n := len(m.Requests()); n != 1 {
		t.Errorf("recorded %d requests", n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Send(ctx, &Request{}); err == nil {
		t.Error("expected error on canceled context")
	}
}

func TestHTTP_MaxBodyBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer srv.Close()

	tests := []struct {
		limit   int64
		wantErr bool
	}{
		{0, false},
		{64, false},
		{63, true},
	}
	for _, tt := range tests {
		h := NewHTTP(HTTPConfig{Timeout: 5 * time.Second, MaxBodyBytes: tt.limit})
		resp, err := h.Send(context.Background(), &Request{Method: "GET", URL: srv.URL})
		if tt.wantErr {
			if err == nil || !strings.Contains(err.Error(), "exceeds 63 bytes") {
				t.Errorf("limit %d: err = %v", tt.limit, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("limit %d: %v", tt.limit, err)
			continue
		}
		if len(resp.Body) != 64 {
			t.Errorf("limit %d: body length = %d", tt.limit, len(resp.Body))
		}
	}
}

func TestMock_ResponseHeadersAreCopied(t *testing.T) {
	m := &Mock{Response: &Response{StatusCode: 204, Headers: http.Header{"X-A": {"1"}}}}
	first, err := m.Send(context.Background(), &Request{})
	if err != nil {
		t.Fatal(err)
	}
	first.Headers.Set("X-A", "changed")
	second, err := m.Send(context.Background(), &Request{})
	if err != nil {
		t.Fatal(err)
	}
	if got := second.Headers.Get("X-A"); got != "1" {
		t.Errorf("X-A = %q, want the configured value", got)
	}
	if got := m.Response.Headers.Get("X-A"); got != "1" {
		t.Errorf("configured X-A = %q", got)
	}
}
