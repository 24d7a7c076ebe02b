package validate

import (
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"hash/fnv"

	"github.com/peppolkit/smptrust/smp"
)

// ValidationOptions selects which phases run and carries the trust
// material they need.
type ValidationOptions struct {
	ValidateCertificate bool
	ValidateSignature   bool
	ValidateEndpoint    bool
	CheckRevocation     bool
	TestConnectivity    bool
	MatchTLSCertificate bool
	UseCache            bool

	// TrustAnchors are the configured root certificates. Orchestration
	// fails fast when empty.
	TrustAnchors []*x509.Certificate

	// KnownCANames are distinguished-name substrings identifying the
	// network's issuing CAs.
	KnownCANames []string

	// PolicyOIDs are certificate policy OIDs accepted as proof of network
	// membership, matched exactly or as an arc prefix.
	PolicyOIDs []string
}

// DefaultOptions returns the default option set: all checks on except the
// connectivity probe and TLS matching, caching on.
func DefaultOptions() ValidationOptions {
	return ValidationOptions{
		ValidateCertificate: true,
		ValidateSignature:   true,
		ValidateEndpoint:    true,
		CheckRevocation:     true,
		TestConnectivity:    false,
		MatchTLSCertificate: false,
		UseCache:            true,
	}
}

// hash folds the option flags and trust material into a value suitable for
// cache keying, so results obtained under different options or anchor sets
// never alias.
func (o ValidationOptions) hash() uint64 {
	h := fnv.New64a()
	flags := []bool{
		o.ValidateCertificate, o.ValidateSignature, o.ValidateEndpoint,
		o.CheckRevocation, o.TestConnectivity, o.MatchTLSCertificate,
	}
	for _, f := range flags {
		if f {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
	}
	for _, anchor := range o.TrustAnchors {
		if anchor == nil {
			continue
		}
		sum := sha256.Sum256(anchor.Raw)
		h.Write(sum[:])
	}
	for _, name := range o.KnownCANames {
		h.Write([]byte(name))
		h.Write([]byte{0})
	}
	for _, oid := range o.PolicyOIDs {
		h.Write([]byte(oid))
		h.Write([]byte{0})
	}
	return h.Sum64()
}

// ValidationContext is the immutable input bundle for one orchestration
// run. Created once per lookup, never mutated.
type ValidationContext struct {
	// Document is the signed metadata document as fetched.
	Document []byte

	// Certificate is the end-entity certificate already known from the
	// directory response, used as a degraded fallback when the document
	// yields no chain.
	Certificate *x509.Certificate

	// Metadata is the parsed document, if the caller already parsed it.
	// When nil the orchestrator parses Document itself.
	Metadata *smp.ServiceMetadata

	ParticipantID  string
	DocumentTypeID string
	Environment    smp.Environment

	Options ValidationOptions
}

// cacheKey derives the result cache key for this context. The end-entity
// serial keeps results for re-registered participants from aliasing.
func (c ValidationContext) cacheKey(endEntity *x509.Certificate) string {
	serial := "none"
	if endEntity != nil {
		serial = endEntity.SerialNumber.Text(16)
	}
	return fmt.Sprintf("%s|%s|%s|%s|%x",
		c.ParticipantID, c.DocumentTypeID, c.Environment, serial, c.Options.hash())
}
