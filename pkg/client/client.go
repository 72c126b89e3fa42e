// Package client talks to a running appcache daemon over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/afterdarksys/appcached/pkg/cache"
	"golang.org/x/sync/singleflight"
)

// ErrDaemon reports a 5xx answer from the daemon.
var ErrDaemon = errors.New("daemon error")

type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	breaker *CircuitBreaker
	reads   singleflight.Group
	dedupe  bool
}

// Config holds the transport and resilience settings of a Client.
type Config struct {
	RequestTimeout      time.Duration
	DialTimeout         time.Duration
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration

	BreakerEnabled   bool
	BreakerThreshold int
	BreakerTimeout   time.Duration
	BreakerHalfOpen  int

	// DeduplicateReads collapses concurrent identical GETs into one request.
	DeduplicateReads bool
}

// DefaultConfig suits a daemon on the loopback interface.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:      5 * time.Second,
		DialTimeout:         time.Second,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
		BreakerEnabled:      true,
		BreakerThreshold:    5,
		BreakerTimeout:      10 * time.Second,
		BreakerHalfOpen:     1,
		DeduplicateReads:    true,
	}
}

// New creates a client for the daemon at baseURL, e.g. http://127.0.0.1:9012.
func New(baseURL string) *Client {
	return NewWithConfig(baseURL, DefaultConfig())
}

func NewWithConfig(baseURL string, cfg Config) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
	}

	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: transport,
		},
		dedupe: cfg.DeduplicateReads,
	}
	if cfg.BreakerEnabled {
		c.breaker = NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerTimeout, cfg.BreakerHalfOpen)
	}
	return c
}

// Get reads key from tier. A miss returns ok == false and no error.
func (c *Client) Get(ctx context.Context, tier, key string) ([]byte, bool, error) {
	path := entryPath(tier, key)

	fetch := func() (any, error) {
		status, body, err := c.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}
		switch status {
		case http.StatusOK:
			return body, nil
		case http.StatusNotFound:
			return nil, nil
		}
		return nil, statusError(status, body)
	}

	var v any
	var err error
	if c.dedupe {
		v, err, _ = c.reads.Do(path, fetch)
	} else {
		v, err = fetch()
	}
	if err != nil || v == nil {
		return nil, false, err
	}
	return v.([]byte), true, nil
}

// Set writes key to tier. A zero ttl uses the tier default.
func (c *Client) Set(ctx context.Context, tier, key string, value []byte, ttl time.Duration) error {
	path := entryPath(tier, key)
	if ttl != 0 {
		path += "?ttl=" + url.QueryEscape(ttl.String())
	}
	return c.expect(ctx, http.MethodPut, path, value, http.StatusNoContent, nil)
}

// SetWithStrategy writes key to the smart tier using a named strategy.
func (c *Client) SetWithStrategy(ctx context.Context, key string, value []byte, strategy string) error {
	path := entryPath(cache.TierSmart, key) + "?strategy=" + url.QueryEscape(strategy)
	return c.expect(ctx, http.MethodPut, path, value, http.StatusNoContent, nil)
}

func (c *Client) Delete(ctx context.Context, tier, key string) error {
	return c.expect(ctx, http.MethodDelete, entryPath(tier, key), nil, http.StatusNoContent, nil)
}

func (c *Client) Clear(ctx context.Context, tier string) error {
	return c.expect(ctx, http.MethodDelete, "/cache/"+url.PathEscape(tier), nil, http.StatusNoContent, nil)
}

func (c *Client) Stats(ctx context.Context) (cache.Stats, error) {
	var stats cache.Stats
	err := c.expect(ctx, http.MethodGet, "/cache/stats", nil, http.StatusOK, &stats)
	return stats, err
}

// Config returns the daemon's live tier configuration with durations in
// Go duration notation.
func (c *Client) Config(ctx context.Context) (map[string]map[string]any, error) {
	var out map[string]map[string]any
	err := c.expect(ctx, http.MethodGet, "/cache/config", nil, http.StatusOK, &out)
	return out, err
}

// PatchConfig sends a partial tier configuration, for example
// {"memory": {"max_size": 200, "default_ttl": "10m"}}.
func (c *Client) PatchConfig(ctx context.Context, patch map[string]map[string]any) (map[string]map[string]any, error) {
	body, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config patch: %w", err)
	}
	var out map[string]map[string]any
	err = c.expect(ctx, http.MethodPatch, "/cache/config", body, http.StatusOK, &out)
	return out, err
}

// Health checks that the daemon answers.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.expect(ctx, http.MethodGet, "/health", nil, http.StatusOK, &out)
	return out, err
}

// BreakerState reports the circuit breaker state, or "disabled".
func (c *Client) BreakerState() string {
	if c.breaker == nil {
		return "disabled"
	}
	return c.breaker.State().String()
}

func (c *Client) expect(ctx context.Context, method, path string, body []byte, want int, out any) error {
	status, data, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	if status != want {
		return statusError(status, data)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// do runs one request behind the breaker. Only transport failures and 5xx
// answers count against the daemon.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	var status int
	var data []byte

	call := func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/octet-stream")
		}

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		status = resp.StatusCode
		if status >= 500 {
			return statusError(status, data)
		}
		return nil
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Call(call)
	} else {
		err = call()
	}
	return status, data, err
}

func entryPath(tier, key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return "/cache/" + url.PathEscape(tier) + "/" + strings.Join(segments, "/")
}

func statusError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if status >= 500 {
		return fmt.Errorf("%w (status %d): %s", ErrDaemon, status, msg)
	}
	return fmt.Errorf("request rejected (status %d): %s", status, msg)
}
