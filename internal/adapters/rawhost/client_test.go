package rawhost

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, h http.Handler) (*Client, *atomic.Int32) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c := NewClient(Options{BaseURL: srv.URL, MaxRetries: 4}, nil)
	var slept atomic.Int32
	c.sleep = func(context.Context, time.Duration) error {
		slept.Add(1)
		return nil
	}
	return c, &slept
}

func TestGetSuccess(t *testing.T) {
	t.Parallel()

	c, slept := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/foo/bar/master/README.md" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_, _ = w.Write([]byte("# bar"))
	}))

	res, err := c.Get(context.Background(), "/foo/bar/master/README.md")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res.Status != 200 || string(res.Body) != "# bar" {
		t.Fatalf("res = %+v", res)
	}
	if slept.Load() != 0 {
		t.Fatalf("success must not sleep")
	}
}

func TestGetNonTransientStatusIsTerminal(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))

	res, err := c.Get(context.Background(), "/foo/bar/main/README.md")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res.Status != 404 {
		t.Fatalf("status = %d, want 404", res.Status)
	}
	if hits.Load() != 1 {
		t.Fatalf("404 retried %d times, want single attempt", hits.Load())
	}
}

func TestGetRetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	c, slept := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))

	res, err := c.Get(context.Background(), "/x/y/master/README.md")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res.Status != 200 {
		t.Fatalf("status = %d, want 200", res.Status)
	}
	if slept.Load() != 2 {
		t.Fatalf("slept %d times, want 2", slept.Load())
	}
}

func TestGetExhaustedReturnsLastTransientStatus(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	res, err := c.Get(context.Background(), "/x/y/master/README.md")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res.Status != 502 {
		t.Fatalf("status = %d, want 502", res.Status)
	}
}

func TestGetBodyLimit(t *testing.T) {
	t.Parallel()

	big := make([]byte, 4096)
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(big)
	}))
	c.opts.MaxBodyBytes = 1024

	res, err := c.Get(context.Background(), "/x/y/master/README.md")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(res.Body) != 1024 {
		t.Fatalf("body = %d bytes, want capped at 1024", len(res.Body))
	}
}

func TestGetHonorsContextCancel(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.Get(ctx, "/x/y/master/README.md"); err == nil {
		t.Fatalf("want context error")
	}
}
