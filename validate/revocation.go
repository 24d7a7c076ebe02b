package validate

import (
	"context"
	"crypto/x509"
	"fmt"

	"github.com/peppolkit/smptrust/chain"
	"github.com/peppolkit/smptrust/fetchers"
)

// RevocationChecker is one revocation channel (OCSP or CRL).
type RevocationChecker interface {
	CheckRevocation(ctx context.Context, cert, issuer *x509.Certificate) fetchers.CheckResult
}

// RevocationCoordinator checks revocation status through two independent
// channels and combines the results.
type RevocationCoordinator struct {
	ocsp RevocationChecker
	crl  RevocationChecker
}

// NewRevocationCoordinator creates a coordinator over the two channel
// clients. Either client may be nil; that channel then never passes.
func NewRevocationCoordinator(ocsp, crl RevocationChecker) *RevocationCoordinator {
	return &RevocationCoordinator{ocsp: ocsp, crl: crl}
}

// Check queries both channels for the end-entity certificate. Before any
// network query it re-verifies that issuer cryptographically issued cert;
// on mismatch both channels are marked failed and no query is issued, so a
// wrong issuer can never be used to assert "not revoked".
//
// NotRevoked is the OR of the two channels: at least one confirming GOOD
// suffices, so an unreachable channel does not force a revoked verdict.
func (c *RevocationCoordinator) Check(ctx context.Context, cert, issuer *x509.Certificate) RevocationResult {
	result := RevocationResult{Diagnostics: make(map[string]string)}

	if cert == nil {
		result.Diagnostics["input"] = "no end-entity certificate"
		return result
	}
	if !chain.IsVerifiedIssuer(cert, issuer) {
		result.Diagnostics["issuer"] = "candidate issuer did not verifiably issue the certificate, revocation checks skipped"
		return result
	}

	ocspResult := c.query(ctx, c.ocsp, "ocsp", cert, issuer, result.Diagnostics)
	crlResult := c.query(ctx, c.crl, "crl", cert, issuer, result.Diagnostics)

	result.OCSPPassed = ocspResult.Status == fetchers.StatusGood
	result.CRLPassed = crlResult.Status == fetchers.StatusGood
	result.NotRevoked = result.OCSPPassed || result.CRLPassed

	if ocspResult.Status == fetchers.StatusRevoked || crlResult.Status == fetchers.StatusRevoked {
		result.Diagnostics["revoked"] = "at least one channel reports the certificate as revoked"
		if result.NotRevoked {
			result.Diagnostics["conflict"] = "channels disagree on revocation status"
		}
	}
	return result
}

func (c *RevocationCoordinator) query(ctx context.Context, checker RevocationChecker, name string, cert, issuer *x509.Certificate, diags map[string]string) fetchers.CheckResult {
	if checker == nil {
		diags[name] = "no client configured"
		return fetchers.CheckResult{Status: fetchers.StatusUnknown}
	}
	checkResult := checker.CheckRevocation(ctx, cert, issuer)
	diags[name] = fmt.Sprintf("status=%s time=%s %s", checkResult.Status, checkResult.ResponseTime, checkResult.Message)
	return checkResult
}
