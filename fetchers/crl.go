package fetchers

import (
	"context"
	"crypto/x509"
	"fmt"
	"sync"
	"time"
)

// CRLClient downloads and checks certificate revocation lists from the
// distribution points advertised by a certificate. Parsed lists are cached
// until their NextUpdate time so repeated validations of certificates from
// the same issuer hit the network once.
type CRLClient struct {
	fetcher *Fetcher
	breaker *CircuitBreaker

	mu    sync.RWMutex
	lists map[string]*x509.RevocationList
}

// NewCRLClient creates a CRL client on top of the shared fetcher
// configuration.
func NewCRLClient(config *Config) *CRLClient {
	if config == nil {
		config = DefaultConfig()
	}
	return &CRLClient{
		fetcher: NewFetcher(config),
		breaker: config.CircuitBreaker,
		lists:   make(map[string]*x509.RevocationList),
	}
}

// CheckRevocation downloads the certificate's CRLs and checks whether its
// serial number appears on any of them. StatusUnknown means no distribution
// points or no list could be obtained and verified; it is never treated as
// revoked.
func (c *CRLClient) CheckRevocation(ctx context.Context, cert, issuer *x509.Certificate) CheckResult {
	start := time.Now()

	if cert == nil || issuer == nil {
		return CheckResult{Status: StatusUnknown, Message: "certificate or issuer missing"}
	}
	if len(cert.CRLDistributionPoints) == 0 {
		return CheckResult{
			Status:       StatusUnknown,
			ResponseTime: time.Since(start),
			Message:      ErrNoDistributionPoints.Error(),
		}
	}

	if c.breaker != nil && !c.breaker.Allow() {
		return CheckResult{
			Status:       StatusUnknown,
			ResponseTime: time.Since(start),
			Message:      ErrCircuitOpen.Error(),
		}
	}

	var checked int
	var lastErr error
	for _, point := range cert.CRLDistributionPoints {
		list, err := c.fetchList(ctx, point, issuer)
		if err != nil {
			lastErr = err
			continue
		}
		checked++

		for _, entry := range list.RevokedCertificateEntries {
			if entry.SerialNumber.Cmp(cert.SerialNumber) == 0 {
				if c.breaker != nil {
					c.breaker.RecordSuccess()
				}
				return CheckResult{
					Status:       StatusRevoked,
					ResponseTime: time.Since(start),
					Message:      fmt.Sprintf("serial listed on CRL %s, revoked at %s", point, entry.RevocationTime.Format(time.RFC3339)),
				}
			}
		}
	}

	if checked == 0 {
		if c.breaker != nil {
			c.breaker.RecordFailure()
		}
		return CheckResult{
			Status:       StatusUnknown,
			ResponseTime: time.Since(start),
			Message:      fmt.Sprintf("no CRL could be checked: %v", lastErr),
		}
	}
	if c.breaker != nil {
		c.breaker.RecordSuccess()
	}
	return CheckResult{
		Status:       StatusGood,
		ResponseTime: time.Since(start),
		Message:      fmt.Sprintf("serial absent from %d CRL(s)", checked),
	}
}

// fetchList returns a verified revocation list for a distribution point,
// from cache when still fresh.
func (c *CRLClient) fetchList(ctx context.Context, point string, issuer *x509.Certificate) (*x509.RevocationList, error) {
	c.mu.RLock()
	cached, ok := c.lists[point]
	c.mu.RUnlock()
	if ok && time.Now().Before(cached.NextUpdate) {
		return cached, nil
	}

	data, err := Retry(ctx, c.fetcher.retryConfig(), func(ctx context.Context) ([]byte, error) {
		return c.fetcher.Fetch(ctx, point)
	})
	if err != nil {
		return nil, err
	}

	list, err := x509.ParseRevocationList(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCRLParseFailed, err)
	}
	if err := list.CheckSignatureFrom(issuer); err != nil {
		return nil, fmt.Errorf("%w: signature does not verify under issuer: %v", ErrCRLParseFailed, err)
	}

	if !list.NextUpdate.IsZero() {
		c.mu.Lock()
		c.lists[point] = list
		c.mu.Unlock()
	}
	return list, nil
}
