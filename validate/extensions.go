package validate

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"strings"
)

// ExtensionKind is a typed enumeration of the certificate extensions the
// pipeline understands. Extensions outside this set surface as KindUnknown
// with their raw bytes intact rather than being silently ignored.
type ExtensionKind int

const (
	KindUnknown ExtensionKind = iota
	KindKeyUsage
	KindExtKeyUsage
	KindBasicConstraints
	KindCertificatePolicies
	KindCRLDistributionPoints
	KindAuthorityInfoAccess
	KindSubjectKeyID
	KindAuthorityKeyID
	KindSubjectAltName
)

// String returns the string representation of the extension kind.
func (k ExtensionKind) String() string {
	switch k {
	case KindKeyUsage:
		return "key-usage"
	case KindExtKeyUsage:
		return "ext-key-usage"
	case KindBasicConstraints:
		return "basic-constraints"
	case KindCertificatePolicies:
		return "certificate-policies"
	case KindCRLDistributionPoints:
		return "crl-distribution-points"
	case KindAuthorityInfoAccess:
		return "authority-info-access"
	case KindSubjectKeyID:
		return "subject-key-id"
	case KindAuthorityKeyID:
		return "authority-key-id"
	case KindSubjectAltName:
		return "subject-alt-name"
	default:
		return "unknown"
	}
}

var extensionKindsByOID = map[string]ExtensionKind{
	"2.5.29.15":         KindKeyUsage,
	"2.5.29.37":         KindExtKeyUsage,
	"2.5.29.19":         KindBasicConstraints,
	"2.5.29.32":         KindCertificatePolicies,
	"2.5.29.31":         KindCRLDistributionPoints,
	"1.3.6.1.5.5.7.1.1": KindAuthorityInfoAccess,
	"2.5.29.14":         KindSubjectKeyID,
	"2.5.29.35":         KindAuthorityKeyID,
	"2.5.29.17":         KindSubjectAltName,
}

// ExtensionInfo describes one certificate extension.
type ExtensionInfo struct {
	Kind     ExtensionKind
	OID      string
	Critical bool
	Raw      []byte
}

// InspectExtensions classifies every extension on a certificate.
func InspectExtensions(cert *x509.Certificate) []ExtensionInfo {
	infos := make([]ExtensionInfo, 0, len(cert.Extensions))
	for _, ext := range cert.Extensions {
		oid := ext.Id.String()
		kind, ok := extensionKindsByOID[oid]
		if !ok {
			kind = KindUnknown
		}
		infos = append(infos, ExtensionInfo{
			Kind:     kind,
			OID:      oid,
			Critical: ext.Critical,
			Raw:      ext.Value,
		})
	}
	return infos
}

// HasExtension reports whether the certificate carries an extension of the
// given kind.
func HasExtension(cert *x509.Certificate, kind ExtensionKind) bool {
	for _, info := range InspectExtensions(cert) {
		if info.Kind == kind {
			return true
		}
	}
	return false
}

// PolicyOIDStrings returns the certificate's policy OIDs in dotted form.
func PolicyOIDStrings(cert *x509.Certificate) []string {
	oids := make([]string, 0, len(cert.PolicyIdentifiers))
	for _, oid := range cert.PolicyIdentifiers {
		oids = append(oids, oid.String())
	}
	return oids
}

// matchesPolicyOID reports whether a certificate policy OID matches a
// configured value, either exactly or as an arc prefix (the configured
// value "1.2.3" matches "1.2.3.4.5" but not "1.2.30").
func matchesPolicyOID(certOID, configured string) bool {
	if certOID == configured {
		return true
	}
	return strings.HasPrefix(certOID, configured+".")
}

// nameContains reports whether a distinguished name contains the given
// substring, case-insensitively.
func nameContains(name pkix.Name, substr string) bool {
	return strings.Contains(strings.ToLower(name.String()), strings.ToLower(substr))
}

// describeOID is a diagnostic helper for unknown extension reporting.
func describeOID(id asn1.ObjectIdentifier, critical bool) string {
	if critical {
		return fmt.Sprintf("%s (critical)", id.String())
	}
	return id.String()
}
