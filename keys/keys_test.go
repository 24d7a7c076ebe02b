package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func generateTestCert(t *testing.T, cn string) *x509.Certificate {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certBytes, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}

	cert, err := x509.ParseCertificate(certBytes)
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}
	return cert
}

func writePEMFile(t *testing.T, certs ...*x509.Certificate) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "certs.pem")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	defer f.Close()

	for _, cert := range certs {
		if err := pem.Encode(f, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}); err != nil {
			t.Fatalf("failed to encode PEM: %v", err)
		}
	}
	return path
}

func TestLoadCertsFromPemDerPEM(t *testing.T) {
	cert1 := generateTestCert(t, "Anchor One")
	cert2 := generateTestCert(t, "Anchor Two")
	path := writePEMFile(t, cert1, cert2)

	certs, err := LoadCertsFromPemDer(path)
	if err != nil {
		t.Fatalf("LoadCertsFromPemDer returned error: %v", err)
	}
	if len(certs) != 2 {
		t.Fatalf("expected 2 certificates, got %d", len(certs))
	}
	if certs[0].Subject.CommonName != "Anchor One" {
		t.Errorf("unexpected subject: %s", certs[0].Subject.CommonName)
	}
}

func TestLoadCertsFromPemDerDER(t *testing.T) {
	cert := generateTestCert(t, "DER Anchor")
	path := filepath.Join(t.TempDir(), "cert.der")
	if err := os.WriteFile(path, cert.Raw, 0o600); err != nil {
		t.Fatalf("failed to write DER file: %v", err)
	}

	certs, err := LoadCertsFromPemDer(path)
	if err != nil {
		t.Fatalf("LoadCertsFromPemDer returned error: %v", err)
	}
	if len(certs) != 1 {
		t.Fatalf("expected 1 certificate, got %d", len(certs))
	}
}

func TestLoadCertFromPemDerRejectsMultiple(t *testing.T) {
	cert1 := generateTestCert(t, "One")
	cert2 := generateTestCert(t, "Two")
	path := writePEMFile(t, cert1, cert2)

	if _, err := LoadCertFromPemDer(path); err == nil {
		t.Error("expected error for file with multiple certificates")
	}
}

func TestLoadCertsFromPemDerDataEmpty(t *testing.T) {
	if _, err := LoadCertsFromPemDerData([]byte("-----BEGIN GARBAGE-----\n-----END GARBAGE-----\n")); err == nil {
		t.Error("expected error for data without certificates")
	}
}

func TestLoadTrustAnchorsMixedFiles(t *testing.T) {
	cert := generateTestCert(t, "Mixed Anchor")
	path := writePEMFile(t, cert)

	anchors, err := LoadTrustAnchors([]string{path}, "")
	if err != nil {
		t.Fatalf("LoadTrustAnchors returned error: %v", err)
	}
	if len(anchors) != 1 {
		t.Fatalf("expected 1 anchor, got %d", len(anchors))
	}
}

func TestLoadTrustAnchorsMissingFile(t *testing.T) {
	if _, err := LoadTrustAnchors([]string{"/nonexistent/anchors.pem"}, ""); err == nil {
		t.Error("expected error for missing file")
	}
}
