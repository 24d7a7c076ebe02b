package validate

import (
	"context"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/peppolkit/smptrust/chain"
	"github.com/peppolkit/smptrust/endpoint"
	"github.com/peppolkit/smptrust/smp"
)

// EndpointChecker performs the endpoint-phase checks. *endpoint.Validator
// satisfies it.
type EndpointChecker interface {
	ValidateTransportProfile(profile string) endpoint.CheckResult
	ValidateURL(rawURL string, env smp.Environment) endpoint.CheckResult
	TestConnectivity(ctx context.Context, rawURL string) endpoint.CheckResult
	MatchTLSCertificate(ctx context.Context, rawURL string, advertised *x509.Certificate) endpoint.CheckResult
}

// OrchestratorConfig configures a validation orchestrator.
type OrchestratorConfig struct {
	// OCSP and CRL are the revocation channel clients.
	OCSP RevocationChecker
	CRL  RevocationChecker

	// Endpoint performs the endpoint-phase checks. Nil disables
	// connectivity and TLS checks regardless of options.
	Endpoint EndpointChecker

	// CacheTTL and CacheMaxEntries configure the result cache. Zero values
	// use the defaults.
	CacheTTL        time.Duration
	CacheMaxEntries int

	// Clock is injectable for tests. Nil uses the real clock.
	Clock clockwork.Clock
}

// Orchestrator sequences the validation phases over a fixed order and
// produces the aggregate compliance verdict. It owns the result cache and
// never lets a phase failure escape as a panic or error: Orchestrate
// always returns a complete result.
type Orchestrator struct {
	coordinator *RevocationCoordinator
	endpoint    EndpointChecker
	cache       *resultCache
	clock       clockwork.Clock
}

// NewOrchestrator creates an orchestrator from the given configuration.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Orchestrator{
		coordinator: NewRevocationCoordinator(cfg.OCSP, cfg.CRL),
		endpoint:    cfg.Endpoint,
		cache:       newResultCache(cfg.CacheTTL, cfg.CacheMaxEntries, clock),
		clock:       clock,
	}
}

// Orchestrate runs the validation pipeline for one context:
// cache lookup, certificate validation, signature validation, revocation
// (only after a passing certificate phase), endpoint validation, compliance
// assessment, cache store. It never returns an error; failures appear as
// boolean fields and diagnostics on the result.
func (o *Orchestrator) Orchestrate(ctx context.Context, vctx ValidationContext) ComprehensiveValidationResult {
	result := ComprehensiveValidationResult{
		Diagnostics: make(map[string]string),
		ValidatedAt: o.clock.Now(),
	}
	opts := vctx.Options

	// Trust anchors are a hard precondition; without them no phase runs.
	if len(opts.TrustAnchors) == 0 {
		result.Diagnostics["trust-anchors"] = "no trust anchors configured; validation cannot establish a root of trust"
		return result
	}

	// The chain is needed before the cache lookup: the cache key includes
	// the end-entity serial. Extraction is local parsing, no external calls.
	var outcome chain.Outcome
	o.runPhase("extract", result.Diagnostics, func() {
		var err error
		outcome, err = chain.ExtractAndOrder(vctx.Document, vctx.Certificate)
		if err != nil {
			result.Diagnostics["extract"] = fmt.Sprintf("chain extraction failed: %v", err)
		}
	})

	endEntity := outcome.EndEntity()
	if endEntity == nil {
		endEntity = vctx.Certificate
	}
	cacheKey := vctx.cacheKey(endEntity)

	if opts.UseCache {
		if cached, ok := o.cache.get(cacheKey); ok {
			cached.FromCache = true
			return cached
		}
	}

	// Certificate phase.
	certPhasePassed := false
	if opts.ValidateCertificate {
		o.runPhase("certificate", result.Diagnostics, func() {
			validator := NewCertificateChainValidator(opts.TrustAnchors, opts.KnownCANames, opts.PolicyOIDs, o.clock)
			result.Results.Certificate = validator.Validate(outcome)
		})
		cert := result.Results.Certificate
		certPhasePassed = cert.CertificateValid && cert.NotExpired && cert.ChainValid
	} else {
		result.Results.Certificate = skippedCertificateResult()
		certPhasePassed = true
	}

	// Signature phase. The directory-supplied certificate, when present,
	// pins the expected signer.
	if opts.ValidateSignature {
		o.runPhase("signature", result.Diagnostics, func() {
			validator := NewSignatureValidator(o.clock)
			result.Results.Signature = validator.Validate(vctx.Document, vctx.Certificate)
		})
	} else {
		result.Results.Signature = skippedSignatureResult()
	}

	// Revocation phase, gated on a passing certificate phase: a
	// certificate that failed basic validation must not be treated as
	// "not revoked" by omission.
	if opts.CheckRevocation {
		if certPhasePassed {
			o.runPhase("revocation", result.Diagnostics, func() {
				result.Results.Revocation = o.coordinator.Check(ctx, endEntity, outcome.Issuer())
			})
		} else {
			result.Results.Revocation = RevocationResult{
				Diagnostics: map[string]string{"skipped": "certificate phase failed, revocation not checked"},
			}
		}
	} else {
		result.Results.Revocation = RevocationResult{
			NotRevoked:  true,
			Diagnostics: map[string]string{"skipped": "revocation checking disabled by options"},
		}
	}

	// Endpoint phase.
	if opts.ValidateEndpoint {
		o.runPhase("endpoint", result.Diagnostics, func() {
			result.Results.Endpoint = o.validateEndpoint(ctx, vctx)
		})
	} else {
		result.Results.Endpoint = skippedEndpointResult()
	}

	o.assessCompliance(&result)

	if opts.UseCache {
		o.cache.put(cacheKey, result)
	}
	return result
}

// runPhase isolates one phase: a panic is converted into a diagnostic and
// the phase's booleans keep their zero (false) values.
func (o *Orchestrator) runPhase(name string, diags map[string]string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			diags["phase."+name] = fmt.Sprintf("phase panicked: %v", r)
		}
	}()
	fn()
}

// validateEndpoint checks the primary endpoint declared in the metadata
// document.
func (o *Orchestrator) validateEndpoint(ctx context.Context, vctx ValidationContext) EndpointResult {
	result := EndpointResult{Diagnostics: make(map[string]string)}
	opts := vctx.Options

	metadata := vctx.Metadata
	if metadata == nil {
		parsed, err := smp.ParseSignedServiceMetadata(vctx.Document)
		if err != nil {
			result.Diagnostics["metadata"] = fmt.Sprintf("failed to parse service metadata: %v", err)
			return result
		}
		metadata = parsed
	}
	ep := metadata.PrimaryEndpoint()
	if ep == nil {
		result.Diagnostics["metadata"] = "no endpoint declared in service metadata"
		return result
	}
	if !ep.ActiveAt(o.clock.Now()) {
		result.Diagnostics["service-window"] = "endpoint service window does not cover the current time"
	}
	if o.endpoint == nil {
		result.Diagnostics["checker"] = "no endpoint checker configured"
		return result
	}

	profile := o.endpoint.ValidateTransportProfile(ep.TransportProfile)
	result.TransportProfileSupported = profile.Passed
	result.Diagnostics["transport-profile"] = profile.Message

	urlCheck := o.endpoint.ValidateURL(ep.URL, vctx.Environment)
	result.URLValid = urlCheck.Passed
	result.Diagnostics["url"] = urlCheck.Message

	if opts.TestConnectivity {
		conn := o.endpoint.TestConnectivity(ctx, ep.URL)
		result.EndpointAccessible = conn.Passed
		result.Diagnostics["connectivity"] = conn.Message
	} else {
		// Without a probe, a well-formed URL is the best accessibility
		// signal available.
		result.EndpointAccessible = urlCheck.Passed
		result.Diagnostics["connectivity"] = "not probed; derived from URL validity"
	}

	if opts.MatchTLSCertificate {
		match := o.endpoint.MatchTLSCertificate(ctx, ep.URL, ep.Certificate)
		result.TLSCertificateMatches = match.Passed
		result.Diagnostics["tls-match"] = match.Message
	}
	return result
}

// assessCompliance computes the derived verdicts from the accumulated
// phase results.
func (o *Orchestrator) assessCompliance(result *ComprehensiveValidationResult) {
	cert := result.Results.Certificate
	sig := result.Results.Signature
	rev := result.Results.Revocation
	ep := result.Results.Endpoint

	result.Results.PeppolCompliant = cert.CertificateValid &&
		cert.FromNetworkCA &&
		cert.NotExpired &&
		rev.NotRevoked &&
		sig.Valid &&
		sig.CanonicalizationValid &&
		sig.AlgorithmValid &&
		ep.TransportProfileSupported &&
		ep.EndpointAccessible &&
		cert.PolicyValid

	result.Results.ProductionNetworkCompliant = result.Results.PeppolCompliant &&
		cert.ChainValid &&
		cert.KeyLengthValid &&
		(rev.OCSPPassed || rev.CRLPassed)

	result.OverallValid = cert.CertificateValid &&
		cert.NotExpired &&
		rev.NotRevoked &&
		sig.Valid &&
		ep.TransportProfileSupported &&
		ep.EndpointAccessible
}

// Skipped phases pass by omission so that disabling a check does not by
// itself fail the verdict; the channel-level booleans feeding production
// compliance stay false.

func skippedCertificateResult() CertificateResult {
	return CertificateResult{
		CertificateValid: true,
		NotExpired:       true,
		ChainValid:       true,
		KeyLengthValid:   true,
		FromNetworkCA:    true,
		PolicyValid:      true,
		Diagnostics:      map[string]string{"skipped": "certificate validation disabled by options"},
	}
}

func skippedSignatureResult() SignatureResult {
	return SignatureResult{
		SignaturePresent:            true,
		AlgorithmValid:              true,
		CanonicalizationValid:       true,
		ReferencesValid:             true,
		KeyInfoValid:                true,
		CertificateMatches:          true,
		CryptographicSignatureValid: true,
		Valid:                       true,
		Diagnostics:                 map[string]string{"skipped": "signature validation disabled by options"},
	}
}

func skippedEndpointResult() EndpointResult {
	return EndpointResult{
		TransportProfileSupported: true,
		URLValid:                  true,
		EndpointAccessible:        true,
		TLSCertificateMatches:     true,
		Diagnostics:               map[string]string{"skipped": "endpoint validation disabled by options"},
	}
}
