// Package keys provides utilities for loading trust anchor certificates
// from PEM, DER, and PKCS#12 encoded files.
package keys

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"software.sslmate.com/src/go-pkcs12"
)

// Common errors
var (
	ErrNoCertFound       = errors.New("no certificate found in data")
	ErrInvalidPEMBlock   = errors.New("invalid PEM block")
	ErrUnsupportedFormat = errors.New("unsupported certificate container format")
)

// LoadCertFromPemDer loads a single certificate from a PEM or DER encoded file.
func LoadCertFromPemDer(filename string) (*x509.Certificate, error) {
	certs, err := LoadCertsFromPemDer(filename)
	if err != nil {
		return nil, err
	}
	if len(certs) != 1 {
		return nil, fmt.Errorf("expected exactly one certificate, found %d in %s", len(certs), filename)
	}
	return certs[0], nil
}

// LoadCertsFromPemDer loads certificates from a PEM or DER encoded file.
func LoadCertsFromPemDer(filename string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", filename, err)
	}
	return LoadCertsFromPemDerData(data)
}

// LoadCertsFromPemDerData loads certificates from PEM or DER encoded data.
func LoadCertsFromPemDerData(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate

	if isPEM(data) {
		rest := data
		for len(rest) > 0 {
			var block *pem.Block
			block, rest = pem.Decode(rest)
			if block == nil {
				break
			}
			if block.Type == "CERTIFICATE" {
				cert, err := x509.ParseCertificate(block.Bytes)
				if err != nil {
					return nil, fmt.Errorf("failed to parse certificate: %w", err)
				}
				certs = append(certs, cert)
			}
		}
	} else {
		cert, err := x509.ParseCertificate(data)
		if err != nil {
			parsedCerts, parseErr := x509.ParseCertificates(data)
			if parseErr != nil {
				return nil, fmt.Errorf("failed to parse DER certificate: %w", err)
			}
			certs = parsedCerts
		} else {
			certs = []*x509.Certificate{cert}
		}
	}

	if len(certs) == 0 {
		return nil, ErrNoCertFound
	}

	return certs, nil
}

// LoadTrustStoreFromP12 loads trust anchor certificates from a PKCS#12
// trust store file. The container must hold only certificates, no keys.
func LoadTrustStoreFromP12(filename string, password string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", filename, err)
	}
	certs, err := pkcs12.DecodeTrustStore(data, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decode PKCS#12 trust store %s: %w", filename, err)
	}
	if len(certs) == 0 {
		return nil, ErrNoCertFound
	}
	return certs, nil
}

// LoadTrustAnchors loads trust anchors from a list of files. Files ending
// in .p12 or .pfx are treated as PKCS#12 trust stores; everything else is
// parsed as PEM or DER.
func LoadTrustAnchors(filenames []string, p12Password string) ([]*x509.Certificate, error) {
	var anchors []*x509.Certificate
	for _, filename := range filenames {
		var certs []*x509.Certificate
		var err error

		lower := strings.ToLower(filename)
		switch {
		case strings.HasSuffix(lower, ".p12"), strings.HasSuffix(lower, ".pfx"):
			certs, err = LoadTrustStoreFromP12(filename, p12Password)
		default:
			certs, err = LoadCertsFromPemDer(filename)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load trust anchors from %s: %w", filename, err)
		}
		anchors = append(anchors, certs...)
	}
	return anchors, nil
}

// isPEM checks if data appears to be PEM encoded.
func isPEM(data []byte) bool {
	return len(data) > 10 && string(data[:5]) == "-----"
}
