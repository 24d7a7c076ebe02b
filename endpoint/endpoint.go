// Package endpoint validates the delivery endpoints advertised in service
// metadata: transport profile identifiers, endpoint URLs, reachability, and
// agreement between the advertised certificate and the TLS certificate the
// endpoint actually presents.
package endpoint

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/peppolkit/smptrust/smp"
)

// Common errors
var (
	ErrUnknownProfile = errors.New("unknown transport profile")
	ErrInvalidURL     = errors.New("invalid endpoint URL")
	ErrNotReachable   = errors.New("endpoint not reachable")
	ErrTLSMismatch    = errors.New("TLS certificate does not match advertised certificate")
)

// knownProfiles are the transport profile identifiers accepted on the
// network, keyed by identifier with a short human label.
var knownProfiles = map[string]string{
	"peppol-transport-as4-v2_0":        "AS4 v2.0",
	"busdox-transport-as4.v1p0":        "AS4 v1.0",
	"busdox-transport-start":           "START (legacy)",
	"busdox-transport-as2-ver1p0":      "AS2 v1.0",
	"busdox-transport-as2-ver2p0":      "AS2 v2.0",
	"peppol-transport-as4-v1_0#sbdh":   "AS4 v1.0 SBDH",
	"peppol-transport-busdox-as4-v1_0": "AS4 busdox v1.0",
}

// deprecatedProfiles are accepted but flagged; new registrations must not
// use them.
var deprecatedProfiles = map[string]bool{
	"busdox-transport-start":      true,
	"busdox-transport-as2-ver1p0": true,
}

// CheckResult is the outcome of one endpoint check.
type CheckResult struct {
	Passed       bool
	Message      string
	ResponseTime time.Duration
}

// Validator performs endpoint-level checks. The zero value is not usable;
// construct with NewValidator.
type Validator struct {
	client  *http.Client
	timeout time.Duration
}

// NewValidator creates an endpoint validator. A zero timeout uses a
// 10 second default.
func NewValidator(timeout time.Duration) *Validator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Validator{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return errors.New("too many redirects")
				}
				return nil
			},
		},
		timeout: timeout,
	}
}

// ValidateTransportProfile checks the profile identifier against the known
// registry. Deprecated profiles pass with a warning message.
func (v *Validator) ValidateTransportProfile(profile string) CheckResult {
	profile = strings.TrimSpace(profile)
	if profile == "" {
		return CheckResult{Passed: false, Message: "transport profile is empty"}
	}
	label, ok := knownProfiles[profile]
	if !ok {
		return CheckResult{Passed: false, Message: fmt.Sprintf("%v: %s", ErrUnknownProfile, profile)}
	}
	if deprecatedProfiles[profile] {
		return CheckResult{Passed: true, Message: fmt.Sprintf("%s (deprecated)", label)}
	}
	return CheckResult{Passed: true, Message: label}
}

// ValidateURL checks that the endpoint URL is absolute and well formed. In
// the production environment the scheme must be https.
func (v *Validator) ValidateURL(rawURL string, env smp.Environment) CheckResult {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return CheckResult{Passed: false, Message: fmt.Sprintf("%v: %v", ErrInvalidURL, err)}
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return CheckResult{Passed: false, Message: fmt.Sprintf("%v: not an absolute URL", ErrInvalidURL)}
	}
	switch parsed.Scheme {
	case "https":
	case "http":
		if env == smp.EnvironmentProduction {
			return CheckResult{Passed: false, Message: "production endpoints must use https"}
		}
	default:
		return CheckResult{Passed: false, Message: fmt.Sprintf("%v: unsupported scheme %s", ErrInvalidURL, parsed.Scheme)}
	}
	return CheckResult{Passed: true, Message: "URL well formed"}
}

// TestConnectivity probes the endpoint with a HEAD request, falling back to
// GET for servers that reject HEAD. Any HTTP response, including an error
// status, counts as reachable; only transport failures do not.
func (v *Validator) TestConnectivity(ctx context.Context, rawURL string) CheckResult {
	start := time.Now()

	probe := func(method string) error {
		req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
		if err != nil {
			return err
		}
		resp, err := v.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if method == http.MethodHead && resp.StatusCode == http.StatusMethodNotAllowed {
			return errors.New("HEAD not allowed")
		}
		return nil
	}

	err := probe(http.MethodHead)
	if err != nil {
		err = probe(http.MethodGet)
	}
	elapsed := time.Since(start)
	if err != nil {
		return CheckResult{
			Passed:       false,
			Message:      fmt.Sprintf("%v: %v", ErrNotReachable, err),
			ResponseTime: elapsed,
		}
	}
	return CheckResult{Passed: true, Message: "endpoint responded", ResponseTime: elapsed}
}

// MatchTLSCertificate connects to the endpoint over TLS and compares the
// leaf certificate the server presents against the certificate advertised
// in the service metadata, byte for byte.
func (v *Validator) MatchTLSCertificate(ctx context.Context, rawURL string, advertised *x509.Certificate) CheckResult {
	start := time.Now()

	if advertised == nil {
		return CheckResult{Passed: false, Message: "no advertised certificate to compare against"}
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return CheckResult{Passed: false, Message: fmt.Sprintf("%v: %v", ErrInvalidURL, err)}
	}
	host := parsed.Host
	if parsed.Port() == "" {
		host += ":443"
	}

	// The advertised certificate usually chains to a private CA, so the
	// comparison is against raw bytes, not the system trust store.
	dialer := &tls.Dialer{
		Config: &tls.Config{InsecureSkipVerify: true},
	}
	dialCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	conn, err := dialer.DialContext(dialCtx, "tcp", host)
	if err != nil {
		return CheckResult{
			Passed:       false,
			Message:      fmt.Sprintf("TLS handshake failed: %v", err),
			ResponseTime: time.Since(start),
		}
	}
	defer conn.Close()

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return CheckResult{Passed: false, Message: "connection is not TLS", ResponseTime: time.Since(start)}
	}
	peers := tlsConn.ConnectionState().PeerCertificates
	if len(peers) == 0 {
		return CheckResult{Passed: false, Message: "server presented no certificate", ResponseTime: time.Since(start)}
	}

	if !bytes.Equal(peers[0].Raw, advertised.Raw) {
		return CheckResult{
			Passed:       false,
			Message:      fmt.Sprintf("%v: server presents %q", ErrTLSMismatch, peers[0].Subject.CommonName),
			ResponseTime: time.Since(start),
		}
	}
	return CheckResult{Passed: true, Message: "TLS certificate matches", ResponseTime: time.Since(start)}
}
