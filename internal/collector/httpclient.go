package collector

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// HTTPClient wraps a pooled *http.Client for the REST snapshot refetches
// a collector issues when an orderbook gap can't be rebuilt from the diff
// ring buffer. Collectors need exactly one thing from it: a GET that
// returns quickly or gets retried.
type HTTPClient struct {
	client *http.Client
}

// HTTPClientConfig controls connection pooling and timeouts.
type HTTPClientConfig struct {
	ConnectTimeout  time.Duration
	TotalTimeout    time.Duration
	MaxIdleConns    int
	IdleConnTimeout time.Duration
}

// DefaultHTTPClientConfig returns pooling and timeout defaults tuned for
// snapshot refetches.
func DefaultHTTPClientConfig() HTTPClientConfig {
	return HTTPClientConfig{
		ConnectTimeout:  5 * time.Second,
		TotalTimeout:    10 * time.Second,
		MaxIdleConns:    50,
		IdleConnTimeout: 90 * time.Second,
	}
}

// NewHTTPClient builds an HTTPClient with connection pooling enabled so
// repeated snapshot refetches against the same venue reuse TCP/TLS state.
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConns,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
		ForceAttemptHTTP2:   true,
	}
	return &HTTPClient{
		client: &http.Client{Transport: transport, Timeout: cfg.TotalTimeout},
	}
}

// Get issues a GET request against url with ctx's deadline applied.
func (hc *HTTPClient) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return hc.client.Do(req)
}

// Close releases pooled idle connections, called on collector shutdown.
func (hc *HTTPClient) Close() {
	if t, ok := hc.client.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}
