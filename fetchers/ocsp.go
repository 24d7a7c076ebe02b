package fetchers

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/ocsp"
)

// OCSPClient queries the OCSP responders advertised in a certificate's
// authority information access extension. A single client is safe for
// concurrent use.
type OCSPClient struct {
	fetcher *Fetcher
	breaker *CircuitBreaker
}

// NewOCSPClient creates an OCSP client on top of the shared fetcher
// configuration.
func NewOCSPClient(config *Config) *OCSPClient {
	if config == nil {
		config = DefaultConfig()
	}
	return &OCSPClient{
		fetcher: NewFetcher(config),
		breaker: config.CircuitBreaker,
	}
}

// CheckRevocation queries the certificate's OCSP responders and reports the
// revocation status. A result with StatusUnknown means the channel could not
// produce an answer (no responders, network failure, malformed response); it
// is never treated as revoked.
func (c *OCSPClient) CheckRevocation(ctx context.Context, cert, issuer *x509.Certificate) CheckResult {
	start := time.Now()

	if cert == nil || issuer == nil {
		return CheckResult{Status: StatusUnknown, Message: "certificate or issuer missing"}
	}
	if len(cert.OCSPServer) == 0 {
		return CheckResult{
			Status:       StatusUnknown,
			ResponseTime: time.Since(start),
			Message:      ErrNoOCSPServers.Error(),
		}
	}

	if c.breaker != nil && !c.breaker.Allow() {
		return CheckResult{
			Status:       StatusUnknown,
			ResponseTime: time.Since(start),
			Message:      ErrCircuitOpen.Error(),
		}
	}

	request, err := ocsp.CreateRequest(cert, issuer, &ocsp.RequestOptions{})
	if err != nil {
		return CheckResult{
			Status:       StatusUnknown,
			ResponseTime: time.Since(start),
			Message:      fmt.Sprintf("failed to build OCSP request: %v", err),
		}
	}

	resp, err := RetryMultiURL(ctx, c.fetcher.retryConfig(), cert.OCSPServer,
		func(ctx context.Context, server string) (*ocsp.Response, error) {
			return c.query(ctx, server, request, issuer)
		})
	if err != nil {
		if c.breaker != nil {
			c.breaker.RecordFailure()
		}
		return CheckResult{
			Status:       StatusUnknown,
			ResponseTime: time.Since(start),
			Message:      fmt.Sprintf("OCSP query failed: %v", err),
		}
	}
	if c.breaker != nil {
		c.breaker.RecordSuccess()
	}

	result := CheckResult{ResponseTime: time.Since(start)}
	switch resp.Status {
	case ocsp.Good:
		result.Status = StatusGood
		result.Message = "good"
	case ocsp.Revoked:
		result.Status = StatusRevoked
		result.Message = fmt.Sprintf("revoked at %s (reason %d)", resp.RevokedAt.Format(time.RFC3339), resp.RevocationReason)
	default:
		result.Status = StatusUnknown
		result.Message = "responder returned unknown status"
	}
	return result
}

// query sends one OCSP request to a responder, preferring POST and falling
// back to the base64-in-URL GET form on failure.
func (c *OCSPClient) query(ctx context.Context, server string, request []byte, issuer *x509.Certificate) (*ocsp.Response, error) {
	data, postErr := c.fetcher.do(ctx, http.MethodPost, server, "application/ocsp-request", bytes.NewReader(request))
	if postErr != nil {
		getURL := server
		if !strings.HasSuffix(getURL, "/") {
			getURL += "/"
		}
		getURL += url.PathEscape(base64.StdEncoding.EncodeToString(request))

		var getErr error
		data, getErr = c.fetcher.do(ctx, http.MethodGet, getURL, "", nil)
		if getErr != nil {
			return nil, fmt.Errorf("POST: %v; GET: %v", postErr, getErr)
		}
	}

	resp, err := ocsp.ParseResponse(data, issuer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOCSPParseFailed, err)
	}
	return resp, nil
}
