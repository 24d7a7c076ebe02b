package validate

import (
	"bytes"
	"crypto/x509"
	"fmt"
	"strings"

	"github.com/beevik/etree"
	"github.com/jonboulle/clockwork"
	"github.com/moov-io/signedxml"

	"github.com/peppolkit/smptrust/chain"
)

// allowedSignatureAlgorithms are the accepted signature method URIs:
// SHA-256/384/512 RSA variants, including the MGF1 (RSA-PSS) forms.
var allowedSignatureAlgorithms = map[string]bool{
	"http://www.w3.org/2001/04/xmldsig-more#rsa-sha256":      true,
	"http://www.w3.org/2001/04/xmldsig-more#rsa-sha384":      true,
	"http://www.w3.org/2001/04/xmldsig-more#rsa-sha512":      true,
	"http://www.w3.org/2007/05/xmldsig-more#sha256-rsa-MGF1": true,
	"http://www.w3.org/2007/05/xmldsig-more#sha384-rsa-MGF1": true,
	"http://www.w3.org/2007/05/xmldsig-more#sha512-rsa-MGF1": true,
}

// weakAlgorithmMarkers identify deny-listed digest families. Matched as
// substrings of the lowercased algorithm URI so every MD5/SHA-1 variant is
// caught regardless of its exact URI form.
var weakAlgorithmMarkers = []string{"md5", "sha1"}

// allowedCanonicalizationMethods are the four Canonical-XML-1.0 variants.
// Anything else is rejected outright.
var allowedCanonicalizationMethods = map[string]bool{
	"http://www.w3.org/TR/2001/REC-xml-c14n-20010315":              true,
	"http://www.w3.org/TR/2001/REC-xml-c14n-20010315#WithComments": true,
	"http://www.w3.org/2001/10/xml-exc-c14n#":                      true,
	"http://www.w3.org/2001/10/xml-exc-c14n#WithComments":          true,
}

// SignatureValidator validates the digital signature blocks embedded in a
// signed metadata document.
type SignatureValidator struct {
	clock clockwork.Clock
}

// NewSignatureValidator creates a signature validator. A nil clock uses
// the real clock.
func NewSignatureValidator(clock clockwork.Clock) *SignatureValidator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SignatureValidator{clock: clock}
}

// Validate checks every signature block in the document, short-circuiting
// each block at its first failing gate. The first block that passes all
// gates yields Valid=true and evaluation stops; with multiple failing
// blocks the result of the last one examined is returned.
func (v *SignatureValidator) Validate(document []byte, expected *x509.Certificate) SignatureResult {
	result := SignatureResult{Diagnostics: make(map[string]string)}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(document); err != nil {
		result.Diagnostics["parse"] = fmt.Sprintf("document is not well-formed XML: %v", err)
		return result
	}
	root := doc.Root()
	if root == nil {
		result.Diagnostics["parse"] = "document has no root element"
		return result
	}

	signatures := findSignatureElements(root)
	if len(signatures) == 0 {
		result.Diagnostics["signature"] = "no signature block found"
		return result
	}
	result.SignaturePresent = true

	for i, sig := range signatures {
		blockResult := v.validateBlock(document, sig, expected)
		blockResult.SignaturePresent = true
		if blockResult.Valid {
			return blockResult
		}
		if i == len(signatures)-1 {
			return blockResult
		}
		result.Diagnostics[fmt.Sprintf("block.%d", i)] = "signature block failed, trying next"
	}
	return result
}

// validateBlock runs the gate sequence against one signature element.
func (v *SignatureValidator) validateBlock(document []byte, sig *etree.Element, expected *x509.Certificate) SignatureResult {
	result := SignatureResult{Diagnostics: make(map[string]string)}

	// Gate: declared algorithms.
	sigAlg := findAlgorithm(sig, "SignatureMethod")
	canonAlg := findAlgorithm(sig, "CanonicalizationMethod")
	result.SignatureAlgorithm = sigAlg
	result.CanonicalizationAlgorithm = canonAlg

	result.AlgorithmValid = v.checkAlgorithm(sigAlg, result.Diagnostics)
	if !result.AlgorithmValid {
		return result
	}
	result.CanonicalizationValid = v.checkCanonicalization(canonAlg, result.Diagnostics)
	if !result.CanonicalizationValid {
		return result
	}

	sigXML, err := serializeSignature(sig)
	if err != nil {
		result.Diagnostics["signature"] = fmt.Sprintf("failed to serialize signature block: %v", err)
		return result
	}

	// Gate: key material. The signing certificate must be present in the
	// block and inside its validity period.
	signingCert, err := extractSigningCert(sigXML)
	if err != nil {
		result.Diagnostics["key-info"] = err.Error()
		return result
	}
	now := v.clock.Now()
	if now.Before(signingCert.NotBefore) || now.After(signingCert.NotAfter) {
		result.Diagnostics["key-info"] = fmt.Sprintf("signing certificate outside validity period (%s to %s)",
			signingCert.NotBefore, signingCert.NotAfter)
		return result
	}
	result.KeyInfoValid = true
	result.SigningCertificate = signingCert

	// Gate: key binding. A full byte comparison against the expected
	// certificate blocks signature-substitution.
	if expected != nil {
		if !bytes.Equal(signingCert.Raw, expected.Raw) {
			result.Diagnostics["certificate-match"] = fmt.Sprintf(
				"signing certificate %q does not match expected certificate %q",
				signingCert.Subject.CommonName, expected.Subject.CommonName)
			return result
		}
	}
	result.CertificateMatches = true

	// Gates: reference digests and the cryptographic signature itself.
	refsOK, cryptoOK, message := v.verifyCryptography(document, sigXML, signingCert)
	result.ReferencesValid = refsOK
	if !refsOK {
		result.Diagnostics["references"] = message
		return result
	}
	result.CryptographicSignatureValid = cryptoOK
	if !cryptoOK {
		result.Diagnostics["crypto"] = message
		return result
	}

	result.Valid = true
	return result
}

func (v *SignatureValidator) checkAlgorithm(alg string, diags map[string]string) bool {
	if alg == "" {
		diags["algorithm"] = "signature method not declared"
		return false
	}
	lowered := strings.ToLower(alg)
	for _, marker := range weakAlgorithmMarkers {
		if strings.Contains(lowered, marker) {
			diags["algorithm"] = fmt.Sprintf("weak signature algorithm rejected: %s", alg)
			return false
		}
	}
	if !allowedSignatureAlgorithms[alg] {
		diags["algorithm"] = fmt.Sprintf("signature algorithm not on allow-list: %s", alg)
		return false
	}
	return true
}

func (v *SignatureValidator) checkCanonicalization(alg string, diags map[string]string) bool {
	if alg == "" {
		diags["canonicalization"] = "canonicalization method not declared"
		return false
	}
	if !allowedCanonicalizationMethods[alg] {
		diags["canonicalization"] = fmt.Sprintf("canonicalization method is not Canonical XML 1.0: %s", alg)
		return false
	}
	return true
}

// verifyCryptography validates the reference digests and the signature
// value over the canonicalized signed-info of one signature block. The two
// outcomes are reported separately: a reference failure means the signed
// content was altered, a signature failure means the signature value itself
// does not verify.
func (v *SignatureValidator) verifyCryptography(document []byte, sigXML string, signingCert *x509.Certificate) (refsOK, cryptoOK bool, message string) {
	validator, err := signedxml.NewValidator(string(document))
	if err != nil {
		return false, false, fmt.Sprintf("failed to prepare signature validation: %v", err)
	}
	// Pin the block under validation; the library would otherwise resolve
	// the document's first signature element.
	if err := validator.SetSignature(sigXML); err != nil {
		return false, false, fmt.Sprintf("failed to load signature block: %v", err)
	}
	validator.Certificates = []x509.Certificate{*signingCert}

	if _, err := validator.ValidateReferences(); err != nil {
		// The signature-value mismatch is the only error the library raises
		// after every reference digest has been verified.
		if strings.Contains(err.Error(), "signature does not match") {
			return true, false, fmt.Sprintf("cryptographic signature verification failed: %v", err)
		}
		return false, false, fmt.Sprintf("reference validation failed: %v", err)
	}
	return true, true, ""
}

// findSignatureElements returns every Signature element in document order,
// regardless of namespace prefix.
func findSignatureElements(root *etree.Element) []*etree.Element {
	var out []*etree.Element
	var walk func(el *etree.Element)
	walk = func(el *etree.Element) {
		if el.Tag == "Signature" {
			out = append(out, el)
			return
		}
		for _, child := range el.ChildElements() {
			walk(child)
		}
	}
	walk(root)
	return out
}

// findAlgorithm locates the Algorithm attribute of the named element under
// a signature block's SignedInfo.
func findAlgorithm(sig *etree.Element, tag string) string {
	var found string
	var walk func(el *etree.Element)
	walk = func(el *etree.Element) {
		if found != "" {
			return
		}
		if el.Tag == tag {
			found = el.SelectAttrValue("Algorithm", "")
			return
		}
		for _, child := range el.ChildElements() {
			walk(child)
		}
	}
	walk(sig)
	return found
}

// extractSigningCert pulls the signing certificate out of a serialized
// signature block's key material. When several certificates are embedded,
// the end-entity of the ordered set is taken.
func extractSigningCert(sigXML string) (*x509.Certificate, error) {
	certs, _, err := chain.ExtractCertificates([]byte(sigXML))
	if err != nil {
		return nil, fmt.Errorf("no signing certificate in key material: %w", err)
	}
	if len(certs) == 1 {
		return certs[0], nil
	}
	outcome := chain.Order(certs)
	return outcome.EndEntity(), nil
}

// serializeSignature renders one signature element as a standalone document.
func serializeSignature(sig *etree.Element) (string, error) {
	doc := etree.NewDocument()
	doc.SetRoot(sig.Copy())
	return doc.WriteToString()
}
