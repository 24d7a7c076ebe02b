// Package smp provides the service metadata document model for a Peppol-style
// metadata service (SMP), plus the directory lookup result contract.
// This file contains parsing of signed ServiceMetadata XML.
package smp

import (
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"
)

// Common errors
var (
	ErrEmptyDocument      = errors.New("empty metadata document")
	ErrMalformedDocument  = errors.New("malformed metadata document")
	ErrNoServiceMetadata  = errors.New("no service metadata element found")
	ErrNoEndpoints        = errors.New("no endpoints declared in document")
	ErrCertificateMissing = errors.New("endpoint declares no certificate")
)

// ParseSignedServiceMetadata parses a signed SMP response document.
// It tolerates the namespace conventions of both the Peppol SMP and
// OASIS BDXR flavors: elements are matched by local name, so prefixed,
// default-namespaced, and unqualified documents all parse.
func ParseSignedServiceMetadata(data []byte) (*ServiceMetadata, error) {
	if len(data) == 0 {
		return nil, ErrEmptyDocument
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}

	root := doc.Root()
	if root == nil {
		return nil, ErrMalformedDocument
	}

	meta := &ServiceMetadata{RawXML: append([]byte(nil), data...)}

	if el := findFirstByLocalName(root, "ParticipantIdentifier"); el != nil {
		meta.ParticipantID = strings.TrimSpace(el.Text())
	}
	if el := findFirstByLocalName(root, "DocumentIdentifier"); el != nil {
		meta.DocumentTypeID = strings.TrimSpace(el.Text())
	}

	for _, endpointEl := range findAllByLocalName(root, "Endpoint") {
		// The signature block carries its own X509Certificate elements;
		// only endpoint elements outside ds:Signature belong here.
		if insideSignature(endpointEl) {
			continue
		}
		ep, err := parseEndpoint(endpointEl)
		if err != nil {
			// A single bad endpoint does not invalidate the document.
			continue
		}
		meta.Endpoints = append(meta.Endpoints, ep)
	}

	if len(meta.Endpoints) == 0 {
		return nil, ErrNoEndpoints
	}

	return meta, nil
}

// parseEndpoint extracts one endpoint entry from its element.
func parseEndpoint(el *etree.Element) (Endpoint, error) {
	ep := Endpoint{}

	if attr := el.SelectAttr("transportProfile"); attr != nil {
		ep.TransportProfile = strings.TrimSpace(attr.Value)
	}

	// Peppol SMP uses wsa:Address inside EndpointReference; BDXR uses a
	// plain EndpointURI child.
	if uriEl := findFirstByLocalName(el, "EndpointURI"); uriEl != nil {
		ep.URL = strings.TrimSpace(uriEl.Text())
	} else if addrEl := findFirstByLocalName(el, "Address"); addrEl != nil {
		ep.URL = strings.TrimSpace(addrEl.Text())
	}
	if ep.URL == "" {
		return ep, fmt.Errorf("endpoint declares no URL")
	}

	if certEl := findFirstByLocalName(el, "Certificate"); certEl != nil {
		cert, err := decodeCertificateText(certEl.Text())
		if err != nil {
			return ep, fmt.Errorf("failed to parse endpoint certificate: %w", err)
		}
		ep.Certificate = cert
	} else {
		return ep, ErrCertificateMissing
	}

	if actEl := findFirstByLocalName(el, "ServiceActivationDate"); actEl != nil {
		if t, err := parseDateTime(strings.TrimSpace(actEl.Text())); err == nil {
			ep.ServiceActivation = &t
		}
	}
	if expEl := findFirstByLocalName(el, "ServiceExpirationDate"); expEl != nil {
		if t, err := parseDateTime(strings.TrimSpace(expEl.Text())); err == nil {
			ep.ServiceExpiration = &t
		}
	}

	return ep, nil
}

// decodeCertificateText decodes a base64 DER certificate from element text,
// tolerating PEM-style line wrapping and surrounding whitespace.
func decodeCertificateText(text string) (*x509.Certificate, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, text)
	if cleaned == "" {
		return nil, ErrCertificateMissing
	}

	der, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 certificate data: %w", err)
	}
	return x509.ParseCertificate(der)
}

// parseDateTime parses the datetime formats seen in SMP responses.
func parseDateTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty datetime")
	}
	formats := []string{
		time.RFC3339,
		"2006-01-02T15:04:05.000Z07:00",
		"2006-01-02T15:04:05",
		"2006-01-02Z07:00",
		"2006-01-02",
	}
	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse datetime: %s", s)
}

// findFirstByLocalName does a depth-first search for the first descendant
// whose local tag name matches, ignoring namespace prefixes.
func findFirstByLocalName(el *etree.Element, local string) *etree.Element {
	for _, child := range el.ChildElements() {
		if child.Tag == local {
			return child
		}
		if found := findFirstByLocalName(child, local); found != nil {
			return found
		}
	}
	return nil
}

// findAllByLocalName collects all descendants whose local tag name matches,
// ignoring namespace prefixes.
func findAllByLocalName(el *etree.Element, local string) []*etree.Element {
	var out []*etree.Element
	for _, child := range el.ChildElements() {
		if child.Tag == local {
			out = append(out, child)
		}
		out = append(out, findAllByLocalName(child, local)...)
	}
	return out
}

// insideSignature reports whether the element sits under a Signature block.
func insideSignature(el *etree.Element) bool {
	for parent := el.Parent(); parent != nil; parent = parent.Parent() {
		if parent.Tag == "Signature" {
			return true
		}
	}
	return false
}
