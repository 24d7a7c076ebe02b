// Package chain extracts certificate material from signed metadata
// documents and orders it into an end-entity to root chain.
package chain

import (
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

// Common errors
var (
	ErrEmptyDocument  = errors.New("empty document")
	ErrNoCertificates = errors.New("no certificates recovered from document")
)

// MaxChainLength caps the number of links followed while ordering a chain.
// Real-world issuance chains are 2-4 links; anything past 10 is hostile input.
const MaxChainLength = 10

// dsNamespace is the XML digital signature namespace.
const dsNamespace = "http://www.w3.org/2000/09/xmldsig#"

// ExtractCertificates recovers every certificate embedded in the signature
// key-material section of a signed XML document. Blocks that fail to decode
// or parse are skipped, with a note recorded for each; a bad block is never
// fatal to the remaining ones.
func ExtractCertificates(data []byte) ([]*x509.Certificate, []string, error) {
	if len(data) == 0 {
		return nil, nil, ErrEmptyDocument
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, nil, fmt.Errorf("failed to parse document: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, nil, ErrNoCertificates
	}

	blocks := locateCertificateBlocks(root)
	if len(blocks) == 0 {
		return nil, nil, ErrNoCertificates
	}

	var certs []*x509.Certificate
	var notes []string
	for i, block := range blocks {
		cert, err := decodeCertificateBlock(block)
		if err != nil {
			notes = append(notes, fmt.Sprintf("certificate block %d skipped: %v", i, err))
			continue
		}
		certs = append(certs, cert)
	}

	if len(certs) == 0 {
		return nil, notes, ErrNoCertificates
	}
	return certs, notes, nil
}

// locateCertificateBlocks finds the X509Certificate element texts inside the
// document's signature key material. Lookups are tried namespace-qualified,
// then namespace-agnostic, then unqualified, stopping at the first
// non-empty match, so that documents from any SMP implementation resolve.
func locateCertificateBlocks(root *etree.Element) []string {
	declared := namespacePrefixes(root, dsNamespace)

	// Namespace-qualified: only elements whose prefix is bound to the
	// xmldsig namespace.
	if blocks := collectCertTexts(root, func(el *etree.Element) bool {
		return el.Space != "" && declared[el.Space]
	}); len(blocks) > 0 {
		return blocks
	}

	// Namespace-agnostic: any prefix, any default namespace.
	if blocks := collectCertTexts(root, func(el *etree.Element) bool {
		return true
	}); len(blocks) > 0 {
		return blocks
	}

	// Unqualified only.
	return collectCertTexts(root, func(el *etree.Element) bool {
		return el.Space == ""
	})
}

// collectCertTexts walks the tree collecting X509Certificate element text
// under KeyInfo sections, filtered by the element predicate.
func collectCertTexts(el *etree.Element, accept func(*etree.Element) bool) []string {
	var out []string
	var walk func(e *etree.Element, inKeyInfo bool)
	walk = func(e *etree.Element, inKeyInfo bool) {
		if e.Tag == "KeyInfo" {
			inKeyInfo = true
		}
		if inKeyInfo && e.Tag == "X509Certificate" && accept(e) {
			out = append(out, e.Text())
		}
		for _, child := range e.ChildElements() {
			walk(child, inKeyInfo)
		}
	}
	walk(el, false)
	return out
}

// namespacePrefixes collects the prefixes bound to the given namespace URI
// anywhere in the tree.
func namespacePrefixes(el *etree.Element, uri string) map[string]bool {
	prefixes := make(map[string]bool)
	var walk func(e *etree.Element)
	walk = func(e *etree.Element) {
		for _, attr := range e.Attr {
			if attr.Space == "xmlns" && attr.Value == uri {
				prefixes[attr.Key] = true
			}
		}
		for _, child := range e.ChildElements() {
			walk(child)
		}
	}
	walk(el)
	return prefixes
}

// decodeCertificateBlock decodes one base64 DER certificate block.
func decodeCertificateBlock(text string) (*x509.Certificate, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, text)
	if cleaned == "" {
		return nil, errors.New("empty certificate block")
	}

	der, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("invalid certificate: %w", err)
	}
	return cert, nil
}

// ExtractAndOrder recovers the certificates embedded in a signed document
// and orders them end-entity first. If the document yields no usable
// certificates, fallback (the certificate already known from the directory
// response) is used as a degraded single-link chain; Outcome.Notes records
// the degradation.
func ExtractAndOrder(data []byte, fallback *x509.Certificate) (Outcome, error) {
	certs, notes, err := ExtractCertificates(data)
	if err != nil {
		if fallback == nil {
			return Outcome{}, err
		}
		notes = append(notes, "no certificates recovered from document, using directory-supplied certificate")
		return Outcome{
			Certs:      []*x509.Certificate{fallback},
			Confidence: ConfidenceOrdered,
			Notes:      notes,
		}, nil
	}

	outcome := Order(certs)
	outcome.Notes = append(notes, outcome.Notes...)
	return outcome, nil
}
