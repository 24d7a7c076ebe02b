package validate

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/peppolkit/smptrust/chain"
)

// MinRSAKeyBits is the minimum accepted RSA modulus size.
const MinRSAKeyBits = 2048

// CertificateChainValidator validates an ordered certificate chain against
// structural, temporal, cryptographic, key-strength, and network-policy
// rules. All checks run on the end-entity certificate unless noted; a
// failure in one check never aborts the remaining ones.
type CertificateChainValidator struct {
	anchors      []*x509.Certificate
	knownCANames []string
	policyOIDs   []string
	clock        clockwork.Clock
}

// NewCertificateChainValidator creates a chain validator. A nil clock uses
// the real clock. An empty anchor set switches the chain-path check into
// linkage-only reduced-confidence mode.
func NewCertificateChainValidator(anchors []*x509.Certificate, knownCANames, policyOIDs []string, clock clockwork.Clock) *CertificateChainValidator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &CertificateChainValidator{
		anchors:      anchors,
		knownCANames: knownCANames,
		policyOIDs:   policyOIDs,
		clock:        clock,
	}
}

// Validate runs every check against the chain and returns the phase result.
func (v *CertificateChainValidator) Validate(outcome chain.Outcome) CertificateResult {
	result := CertificateResult{Diagnostics: make(map[string]string)}

	endEntity := outcome.EndEntity()
	if endEntity == nil {
		result.Diagnostics["chain"] = "empty certificate chain"
		return result
	}

	result.CertificateValid = v.runCheck("structural", result.Diagnostics, func() (bool, string) {
		return v.checkStructural(endEntity)
	})
	result.NotExpired = v.runCheck("temporal", result.Diagnostics, func() (bool, string) {
		return v.checkTemporal(endEntity)
	})
	result.ChainValid = v.runCheck("chain-path", result.Diagnostics, func() (bool, string) {
		return v.checkChainPath(outcome)
	})
	result.KeyLengthValid = v.runCheck("key-strength", result.Diagnostics, func() (bool, string) {
		return v.checkKeyStrength(endEntity)
	})
	result.FromNetworkCA = v.runCheck("network-ca", result.Diagnostics, func() (bool, string) {
		return v.checkNetworkCA(outcome.Certs, endEntity)
	})
	result.PolicyValid = v.runCheck("policy", result.Diagnostics, func() (bool, string) {
		return v.checkPolicy(endEntity)
	})
	result.ReducedConfidence = len(v.anchors) == 0

	for _, note := range outcome.Notes {
		result.Diagnostics[fmt.Sprintf("chain.note.%d", len(result.Diagnostics))] = note
	}
	v.noteUnknownCriticalExtensions(endEntity, result.Diagnostics)

	return result
}

// runCheck isolates one check: a panic inside it fails only that check and
// is recorded, the remaining checks still run.
func (v *CertificateChainValidator) runCheck(name string, diags map[string]string, fn func() (bool, string)) (passed bool) {
	defer func() {
		if r := recover(); r != nil {
			passed = false
			diags[name] = fmt.Sprintf("check panicked: %v", r)
		}
	}()
	passed, message := fn()
	if message != "" {
		diags[name] = message
	}
	return passed
}

func (v *CertificateChainValidator) checkStructural(cert *x509.Certificate) (bool, string) {
	if cert.Version != 3 {
		return false, fmt.Sprintf("certificate version is %d, want 3", cert.Version)
	}
	if !HasExtension(cert, KindKeyUsage) {
		return false, "key-usage extension missing"
	}
	if cert.KeyUsage&x509.KeyUsageDigitalSignature == 0 {
		return false, "digitalSignature key usage not set"
	}
	return true, ""
}

func (v *CertificateChainValidator) checkTemporal(cert *x509.Certificate) (bool, string) {
	now := v.clock.Now()
	if now.Before(cert.NotBefore) {
		return false, fmt.Sprintf("certificate not valid until %s", cert.NotBefore)
	}
	if now.After(cert.NotAfter) {
		return false, fmt.Sprintf("certificate expired at %s", cert.NotAfter)
	}
	return true, ""
}

// checkChainPath validates issuance linkage between consecutive entries
// and, when anchors are configured, requires the last link to terminate at
// one of them. Without anchors only the linkage is asserted.
func (v *CertificateChainValidator) checkChainPath(outcome chain.Outcome) (bool, string) {
	if outcome.Confidence != chain.ConfidenceOrdered {
		return false, "chain ordering could not be established"
	}
	certs := outcome.Certs

	for i := 0; i < len(certs)-1; i++ {
		if !chain.IsVerifiedIssuer(certs[i], certs[i+1]) {
			return false, fmt.Sprintf("link %d is not verifiably issued by link %d", i, i+1)
		}
	}

	if len(v.anchors) == 0 {
		return true, "linkage verified without trust anchors (reduced confidence)"
	}

	last := certs[len(certs)-1]
	for _, anchor := range v.anchors {
		if bytes.Equal(last.Raw, anchor.Raw) {
			return true, ""
		}
		if chain.IsVerifiedIssuer(last, anchor) {
			return true, ""
		}
	}
	return false, fmt.Sprintf("chain does not terminate at a configured trust anchor (last link %q)", last.Subject.CommonName)
}

func (v *CertificateChainValidator) checkKeyStrength(cert *x509.Certificate) (bool, string) {
	switch key := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		bits := key.N.BitLen()
		if bits < MinRSAKeyBits {
			return false, fmt.Sprintf("RSA key is %d bits, want at least %d", bits, MinRSAKeyBits)
		}
		return true, ""
	case *ecdsa.PublicKey:
		return true, fmt.Sprintf("ECDSA key on curve %s accepted without a minimum-size rule", key.Curve.Params().Name)
	case ed25519.PublicKey:
		return true, "Ed25519 key accepted without a minimum-size rule"
	default:
		return true, fmt.Sprintf("key algorithm %T accepted without a minimum-size rule", cert.PublicKey)
	}
}

// checkNetworkCA decides network membership: any chain certificate whose
// subject or issuer matches a known CA name, or a recognized policy OID on
// the end-entity.
func (v *CertificateChainValidator) checkNetworkCA(certs []*x509.Certificate, endEntity *x509.Certificate) (bool, string) {
	for _, cert := range certs {
		for _, name := range v.knownCANames {
			if nameContains(cert.Subject, name) || nameContains(cert.Issuer, name) {
				return true, fmt.Sprintf("matched known CA name %q", name)
			}
		}
	}
	for _, certOID := range PolicyOIDStrings(endEntity) {
		for _, configured := range v.policyOIDs {
			if matchesPolicyOID(certOID, configured) {
				return true, fmt.Sprintf("matched network policy OID %s", certOID)
			}
		}
	}
	return false, "no known CA name or network policy OID found in chain"
}

func (v *CertificateChainValidator) checkPolicy(cert *x509.Certificate) (bool, string) {
	oids := PolicyOIDStrings(cert)
	if len(oids) == 0 {
		return false, "certificate-policies extension absent or empty"
	}
	for _, certOID := range oids {
		for _, configured := range v.policyOIDs {
			if matchesPolicyOID(certOID, configured) {
				return true, ""
			}
		}
	}
	return false, fmt.Sprintf("no recognized network policy OID among [%s]", strings.Join(oids, ", "))
}

// noteUnknownCriticalExtensions records critical extensions the pipeline
// does not understand; they are surfaced, never silently ignored.
func (v *CertificateChainValidator) noteUnknownCriticalExtensions(cert *x509.Certificate, diags map[string]string) {
	for _, ext := range cert.Extensions {
		if !ext.Critical {
			continue
		}
		if _, known := extensionKindsByOID[ext.Id.String()]; !known {
			diags["extension."+ext.Id.String()] = fmt.Sprintf("unrecognized critical extension %s (%d bytes)", describeOID(ext.Id, ext.Critical), len(ext.Value))
		}
	}
}
