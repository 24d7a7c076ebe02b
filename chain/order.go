// Package chain extracts certificate material from signed metadata
// documents and orders it into an end-entity to root chain.
// This file contains the ordering algorithm.
package chain

import (
	"bytes"
	"crypto/x509"
	"fmt"
)

// Confidence expresses how much trust downstream validation may place in
// the ordering of a chain.
type Confidence int

const (
	// ConfidenceOrdered means every consecutive pair satisfies the
	// verified-issuer relationship.
	ConfidenceOrdered Confidence = iota

	// ConfidenceUnordered means ordering could not be established; the
	// certificates are in original document order and downstream logic
	// must branch on this explicitly.
	ConfidenceUnordered
)

// String returns the string representation of the confidence level.
func (c Confidence) String() string {
	switch c {
	case ConfidenceOrdered:
		return "ordered"
	case ConfidenceUnordered:
		return "unordered"
	default:
		return "unknown"
	}
}

// Outcome is the result of chain extraction and ordering. The tagged
// Confidence field forces callers to branch consciously on whether the
// ordering invariant holds instead of operating on a heuristic sort.
type Outcome struct {
	Certs      []*x509.Certificate
	Confidence Confidence
	Notes      []string
}

// EndEntity returns the chain's first certificate, or nil for an empty outcome.
func (o Outcome) EndEntity() *x509.Certificate {
	if len(o.Certs) == 0 {
		return nil
	}
	return o.Certs[0]
}

// Issuer returns the chain's second certificate (the end-entity's candidate
// issuer), or nil if the chain has a single link.
func (o Outcome) Issuer() *x509.Certificate {
	if len(o.Certs) < 2 {
		return nil
	}
	return o.Certs[1]
}

// IsVerifiedIssuer reports whether issuer cryptographically issued cert:
// the issuer's subject must match the certificate's issuer name and the
// certificate's signature must verify under the issuer's public key.
func IsVerifiedIssuer(cert, issuer *x509.Certificate) bool {
	if cert == nil || issuer == nil {
		return false
	}
	if !bytes.Equal(cert.RawIssuer, issuer.RawSubject) {
		return false
	}
	return cert.CheckSignatureFrom(issuer) == nil
}

// IsSelfSigned checks whether a certificate verifies under its own key.
func IsSelfSigned(cert *x509.Certificate) bool {
	return cert != nil && cert.CheckSignatureFrom(cert) == nil
}

// Order arranges an unordered certificate set into an end-entity to root
// chain. The end-entity is the unique certificate that is not the verified
// issuer of any other certificate in the set. If no unique end-entity can
// be identified, the set is returned in original order with
// ConfidenceUnordered. Certificates that can never be placed are appended
// at the end and noted; the walk never revisits a placed certificate and
// never exceeds MaxChainLength links.
func Order(certs []*x509.Certificate) Outcome {
	switch len(certs) {
	case 0:
		return Outcome{Confidence: ConfidenceUnordered, Notes: []string{"empty certificate set"}}
	case 1:
		return Outcome{Certs: certs, Confidence: ConfidenceOrdered}
	}

	endEntity := findEndEntity(certs)
	if endEntity == nil {
		return Outcome{
			Certs:      append([]*x509.Certificate(nil), certs...),
			Confidence: ConfidenceUnordered,
			Notes:      []string{"no unique end-entity identifiable, returning original order"},
		}
	}

	ordered := []*x509.Certificate{endEntity}
	placed := map[*x509.Certificate]bool{endEntity: true}
	var notes []string

	for len(ordered) < MaxChainLength {
		tail := ordered[len(ordered)-1]
		next := findIssuerAmong(tail, certs, placed)
		if next == nil {
			break
		}
		ordered = append(ordered, next)
		placed[next] = true
		if IsSelfSigned(next) {
			break
		}
	}
	if len(ordered) == MaxChainLength && len(placed) < len(certs) {
		notes = append(notes, fmt.Sprintf("chain walk stopped at cap of %d links", MaxChainLength))
	}

	// Anything never placed is anomalous input; keep it visible at the end.
	var unplaced int
	for _, cert := range certs {
		if !placed[cert] {
			ordered = append(ordered, cert)
			unplaced++
		}
	}
	if unplaced > 0 {
		notes = append(notes, fmt.Sprintf("%d certificate(s) could not be placed in the chain", unplaced))
	}

	return Outcome{Certs: ordered, Confidence: ConfidenceOrdered, Notes: notes}
}

// findEndEntity locates the one certificate that is not the verified issuer
// of any other certificate in the set. Returns nil unless exactly one
// candidate qualifies.
func findEndEntity(certs []*x509.Certificate) *x509.Certificate {
	var candidate *x509.Certificate
	for _, cert := range certs {
		isIssuer := false
		for _, other := range certs {
			if other == cert {
				continue
			}
			if IsVerifiedIssuer(other, cert) {
				isIssuer = true
				break
			}
		}
		if !isIssuer {
			if candidate != nil {
				return nil // more than one non-issuer, ambiguous
			}
			candidate = cert
		}
	}
	return candidate
}

// findIssuerAmong finds the verified issuer of cert among the unplaced
// certificates.
func findIssuerAmong(cert *x509.Certificate, certs []*x509.Certificate, placed map[*x509.Certificate]bool) *x509.Certificate {
	for _, candidate := range certs {
		if placed[candidate] || candidate == cert {
			continue
		}
		if IsVerifiedIssuer(cert, candidate) {
			return candidate
		}
	}
	return nil
}
