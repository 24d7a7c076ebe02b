// Package fetchers provides the OCSP and CRL revocation clients used by the
// validation pipeline, built on a shared HTTP fetcher with retry, backoff,
// and circuit-breaker protection.
package fetchers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Common errors
var (
	ErrFetchFailed          = errors.New("fetch failed")
	ErrCRLParseFailed       = errors.New("CRL parse failed")
	ErrOCSPParseFailed      = errors.New("OCSP parse failed")
	ErrNoDistributionPoints = errors.New("no CRL distribution points")
	ErrNoOCSPServers        = errors.New("no OCSP servers")
)

// Status is the revocation status reported by one channel.
type Status int

const (
	// StatusUnknown means the channel could not determine a status.
	StatusUnknown Status = iota
	// StatusGood means the channel confirmed the certificate is not revoked.
	StatusGood
	// StatusRevoked means the channel reports the certificate as revoked.
	StatusRevoked
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusGood:
		return "good"
	case StatusRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// CheckResult is the outcome of one revocation channel query.
type CheckResult struct {
	Status       Status
	ResponseTime time.Duration
	Message      string
}

// Config configures fetcher behavior.
type Config struct {
	// Timeout is the HTTP client timeout.
	Timeout time.Duration

	// MaxResponseSize caps response bodies in bytes.
	MaxResponseSize int64

	// UserAgent is sent on every outbound request.
	UserAgent string

	// UseCache enables the in-memory response cache.
	UseCache bool

	// CacheTTL is the response cache lifetime.
	CacheTTL time.Duration

	// Retry configures retry with exponential backoff. Nil uses defaults.
	Retry *RetryConfig

	// CircuitBreaker protects external services. Nil disables it.
	CircuitBreaker *CircuitBreaker

	// HTTPClient overrides the default client (custom TLS, proxies).
	HTTPClient *http.Client
}

// DefaultConfig returns the default fetcher configuration.
func DefaultConfig() *Config {
	return &Config{
		Timeout:         30 * time.Second,
		MaxResponseSize: 10 * 1024 * 1024,
		UserAgent:       "smptrust/1.0",
		UseCache:        true,
		CacheTTL:        1 * time.Hour,
	}
}

// Fetcher provides HTTP fetching with caching for revocation material.
type Fetcher struct {
	config *Config
	client *http.Client
	cache  *responseCache
}

// NewFetcher creates a new fetcher.
func NewFetcher(config *Config) *Fetcher {
	if config == nil {
		config = DefaultConfig()
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	return &Fetcher{
		config: config,
		client: client,
		cache:  newResponseCache(config.CacheTTL),
	}
}

// Fetch retrieves the body at urlStr, consulting the cache first.
func (f *Fetcher) Fetch(ctx context.Context, urlStr string) ([]byte, error) {
	if f.config.UseCache {
		if data, ok := f.cache.get(urlStr); ok {
			return data, nil
		}
	}

	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid URL: %v", ErrFetchFailed, err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme: %s", ErrFetchFailed, parsedURL.Scheme)
	}

	data, err := f.do(ctx, http.MethodGet, urlStr, "", nil)
	if err != nil {
		return nil, err
	}
	if f.config.UseCache {
		f.cache.set(urlStr, data)
	}
	return data, nil
}

// do performs one HTTP request and reads the size-capped body.
func (f *Fetcher) do(ctx context.Context, method, urlStr, contentType string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	req.Header.Set("User-Agent", f.config.UserAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d", ErrFetchFailed, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	return data, nil
}

// retryConfig resolves the effective retry configuration.
func (f *Fetcher) retryConfig() *RetryConfig {
	if f.config.Retry != nil {
		return f.config.Retry
	}
	return DefaultRetryConfig()
}

// responseCache is a simple in-memory TTL cache for fetched bodies.
type responseCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

type cacheEntry struct {
	data      []byte
	expiresAt time.Time
}

func newResponseCache(ttl time.Duration) *responseCache {
	return &responseCache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
	}
}

func (c *responseCache) get(key string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.data, true
}

func (c *responseCache) set(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &cacheEntry{
		data:      data,
		expiresAt: time.Now().Add(c.ttl),
	}
}
