package httputil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewClientDefaults(t *testing.T) {
	client := NewClient(ClientOptions{})
	if client.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", client.Timeout)
	}
	transport, ok := client.Transport.(*http.Transport)
	if !ok {
		t.Fatal("expected *http.Transport")
	}
	if !transport.DisableCompression {
		t.Error("expected compression disabled by default")
	}
}

func TestStreamingClientHasNoDeadline(t *testing.T) {
	client := NewClient(ClientOptions{Timeout: -1})
	if client.Timeout != 0 {
		t.Errorf("Timeout = %v, want 0 for streaming", client.Timeout)
	}
}

func TestRedirectCap(t *testing.T) {
	var srv *httptest.Server
	hops := 0
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hops++
		http.Redirect(w, r, fmt.Sprintf("%s/next%d", srv.URL, hops), http.StatusFound)
	}))
	defer srv.Close()

	client := NewClient(ClientOptions{MaxRedirects: 3})
	resp, err := client.Get(srv.URL)
	if err == nil {
		resp.Body.Close()
		t.Fatal("expected redirect cap error")
	}
}

func TestPlainHTTPRedirectAllowed(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()
	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, target.URL, http.StatusFound)
	}))
	defer src.Close()

	// http -> http redirects are fine; only https -> http downgrades fail.
	client := NewClient(ClientOptions{})
	resp, err := client.Get(src.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
