package prober

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"outrider/internal/domain"
)

func TestProbeThroughHTTPProxy(t *testing.T) {
	// The test server plays the proxy: an absolute-URI request proves the
	// client actually routed through it.
	var sawProxidRequest bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.RequestURI, "http://") {
			sawProxidRequest = true
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ip":"203.0.113.7"}`))
	}))
	defer server.Close()

	endpoint := strings.TrimPrefix(server.URL, "http://")
	proxy := &domain.Proxy{ID: 1, Endpoint: endpoint, Protocol: "http"}

	p := New("http://probe.test/ip", 5*time.Second)
	result := p.Probe(context.Background(), proxy)

	if !result.Success {
		t.Fatalf("expected success, got error %q (%s)", result.ErrorMessage, result.ErrorType)
	}
	if !sawProxidRequest {
		t.Error("request never went through the proxy")
	}
	if result.ResponseTimeMs < 0 {
		t.Errorf("negative latency: %d", result.ResponseTimeMs)
	}
}

func TestProbeBlockedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	endpoint := strings.TrimPrefix(server.URL, "http://")
	proxy := &domain.Proxy{ID: 2, Endpoint: endpoint, Protocol: "http"}

	p := New("http://probe.test/ip", 5*time.Second)
	result := p.Probe(context.Background(), proxy)

	if result.Success {
		t.Fatal("expected failure on 403")
	}
	if result.ErrorType != "blocked" {
		t.Errorf("error type = %q, want blocked", result.ErrorType)
	}
	if result.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", result.StatusCode)
	}
}

func TestProbeUnreachableProxy(t *testing.T) {
	proxy := &domain.Proxy{ID: 3, Endpoint: "127.0.0.1:1", Protocol: "http"}

	p := New("http://probe.test/ip", 2*time.Second)
	result := p.Probe(context.Background(), proxy)

	if result.Success {
		t.Fatal("expected failure against a closed port")
	}
	if result.ErrorType != "network_error" && result.ErrorType != "timeout" {
		t.Errorf("error type = %q, want network_error or timeout", result.ErrorType)
	}
}

func TestTransportForUnsupportedProtocol(t *testing.T) {
	p := New("", 0)
	_, err := p.transportFor(&domain.Proxy{Endpoint: "10.0.0.1:1080", Protocol: "carrier-pigeon"})
	if err == nil {
		t.Fatal("expected an error for an unsupported protocol")
	}
}

func TestCategorizeError(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{errors.New("context deadline exceeded"), "timeout"},
		{errors.New("dial tcp: connection refused"), "network_error"},
		{errors.New("lookup proxy.test: no such host"), "network_error"},
		{errors.New("proxy returned 407 Proxy Authentication Required"), "blocked"},
		{errors.New("something odd"), "other"},
	}

	for _, tc := range cases {
		if got := categorizeError(tc.err); got != tc.want {
			t.Errorf("categorizeError(%q) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
