// Package validate implements the trust-verification pipeline for signed
// service metadata: certificate chain validation, XML signature validation,
// revocation coordination, and the orchestration state machine that
// sequences them into a compliance verdict.
package validate

import (
	"crypto/x509"
	"time"
)

// CertificateResult is the outcome of the certificate validation phase.
// Each phase returns its own immutable result record; the orchestrator
// folds them into ValidationResults.
type CertificateResult struct {
	CertificateValid bool
	NotExpired       bool
	ChainValid       bool
	KeyLengthValid   bool
	FromNetworkCA    bool
	PolicyValid      bool

	// ReducedConfidence marks linkage-only chain validation performed
	// without trust anchors. It never occurs during orchestration, which
	// requires anchors up front.
	ReducedConfidence bool

	Diagnostics map[string]string
}

// SignatureResult is the outcome of the signature validation phase.
type SignatureResult struct {
	SignaturePresent            bool
	AlgorithmValid              bool
	CanonicalizationValid       bool
	ReferencesValid             bool
	KeyInfoValid                bool
	CertificateMatches          bool
	CryptographicSignatureValid bool

	// Valid is true only when every gate passed for a single signature block.
	Valid bool

	SigningCertificate        *x509.Certificate
	SignatureAlgorithm        string
	CanonicalizationAlgorithm string

	Diagnostics map[string]string
}

// RevocationResult is the outcome of the revocation phase.
type RevocationResult struct {
	OCSPPassed bool
	CRLPassed  bool

	// NotRevoked is the OR of the two channels: an unreachable channel must
	// not by itself produce a revoked verdict.
	NotRevoked bool

	Diagnostics map[string]string
}

// EndpointResult is the outcome of the endpoint validation phase.
type EndpointResult struct {
	TransportProfileSupported bool
	URLValid                  bool
	EndpointAccessible        bool
	TLSCertificateMatches     bool

	Diagnostics map[string]string
}

// ValidationResults is the union of all phase outcomes plus the derived
// compliance verdicts. Written only by the orchestrator and the phase it
// delegates to.
type ValidationResults struct {
	Certificate CertificateResult
	Signature   SignatureResult
	Revocation  RevocationResult
	Endpoint    EndpointResult

	PeppolCompliant            bool
	ProductionNetworkCompliant bool
}

// ComprehensiveValidationResult is the externally visible output of one
// orchestration run. Immutable after construction.
type ComprehensiveValidationResult struct {
	Results ValidationResults

	// OverallValid is the pass/fail gate, looser than full compliance.
	OverallValid bool

	// Diagnostics carries orchestration-level notes (cache hits, phase
	// panics, skipped phases). Phase-level notes live on the phase results.
	Diagnostics map[string]string

	FromCache   bool
	ValidatedAt time.Time
}
