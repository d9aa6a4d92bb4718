// Package prober verifies proxy connectivity without spending a browser
// session. HTTP proxies are exercised through a proxied http.Transport,
// SOCKS5 through a golang.org/x/net dialer.
package prober

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"outrider/internal/domain"

	"github.com/charmbracelet/log"
	xproxy "golang.org/x/net/proxy"
)

// Result is one connectivity probe outcome.
type Result struct {
	Success        bool   `json:"success"`
	ResponseTimeMs int64  `json:"response_time_ms"`
	StatusCode     int    `json:"status_code,omitempty"`
	ErrorType      string `json:"error_type,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`
}

type Prober struct {
	testURL string
	timeout time.Duration
}

func New(testURL string, timeout time.Duration) *Prober {
	if testURL == "" {
		testURL = "https://api.ipify.org?format=json"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Prober{testURL: testURL, timeout: timeout}
}

// Probe fetches the test URL through the proxy and measures latency. The
// error type mirrors the job failure taxonomy so probe results can feed the
// same dashboards.
func (p *Prober) Probe(ctx context.Context, proxy *domain.Proxy) Result {
	started := time.Now()

	transport, err := p.transportFor(proxy)
	if err != nil {
		return Result{
			ErrorType:    "other",
			ErrorMessage: err.Error(),
		}
	}

	client := &http.Client{Transport: transport, Timeout: p.timeout}

	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, p.testURL, nil)
	if err != nil {
		return Result{ErrorType: "other", ErrorMessage: err.Error()}
	}

	resp, err := client.Do(req)
	elapsed := time.Since(started).Milliseconds()
	if err != nil {
		result := Result{
			ResponseTimeMs: elapsed,
			ErrorType:      categorizeError(err),
			ErrorMessage:   err.Error(),
		}
		log.Debug("proxy probe failed", "proxy_id", proxy.ID, "error_type", result.ErrorType, "err", err)
		return result
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return Result{
			ResponseTimeMs: elapsed,
			StatusCode:     resp.StatusCode,
			ErrorType:      "blocked",
			ErrorMessage:   fmt.Sprintf("probe status %d", resp.StatusCode),
		}
	}

	log.Debug("proxy probe succeeded", "proxy_id", proxy.ID, "latency_ms", elapsed)
	return Result{Success: true, ResponseTimeMs: elapsed, StatusCode: resp.StatusCode}
}

func (p *Prober) transportFor(proxy *domain.Proxy) (*http.Transport, error) {
	switch strings.ToLower(proxy.Protocol) {
	case "socks5", "socks5h":
		var auth *xproxy.Auth
		if proxy.HasAuth() {
			auth = &xproxy.Auth{User: proxy.Username, Password: proxy.Password}
		}
		dialer, err := xproxy.SOCKS5("tcp", proxy.Endpoint, auth, &net.Dialer{Timeout: p.timeout})
		if err != nil {
			return nil, fmt.Errorf("build socks5 dialer: %w", err)
		}
		return &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				if cd, ok := dialer.(xproxy.ContextDialer); ok {
					return cd.DialContext(ctx, network, addr)
				}
				return dialer.Dial(network, addr)
			},
		}, nil

	case "http", "https", "":
		proxyURL, err := proxy.URL()
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		return &http.Transport{Proxy: http.ProxyURL(proxyURL)}, nil

	default:
		return nil, fmt.Errorf("unsupported proxy protocol %q", proxy.Protocol)
	}
}

func categorizeError(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return "timeout"
	case strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "network is unreachable"):
		return "network_error"
	case strings.Contains(msg, "407") || strings.Contains(msg, "authentication"):
		return "blocked"
	}
	return "other"
}
