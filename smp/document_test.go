package smp

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"fmt"
	"math/big"
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
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
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

func signedMetadataXML(t *testing.T, cert *x509.Certificate) []byte {
	t.Helper()

	certB64 := base64.StdEncoding.EncodeToString(cert.Raw)
	return []byte(fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<smp:SignedServiceMetadata xmlns:smp="http://busdox.org/serviceMetadata/publishing/1.0/"
    xmlns:ids="http://busdox.org/transport/identifiers/1.0/">
  <smp:ServiceMetadata>
    <smp:ServiceInformation>
      <ids:ParticipantIdentifier scheme="iso6523-actorid-upis">9915:test</ids:ParticipantIdentifier>
      <ids:DocumentIdentifier scheme="busdox-docid-qns">urn:oasis:names:specification:ubl:schema:xsd:Invoice-2</ids:DocumentIdentifier>
      <smp:ProcessList>
        <smp:Process>
          <smp:ServiceEndpointList>
            <smp:Endpoint transportProfile="peppol-transport-as4-v2_0">
              <smp:EndpointURI>https://ap.example.com/as4</smp:EndpointURI>
              <smp:Certificate>%s</smp:Certificate>
              <smp:ServiceActivationDate>2020-01-01T00:00:00Z</smp:ServiceActivationDate>
              <smp:ServiceExpirationDate>2040-01-01T00:00:00Z</smp:ServiceExpirationDate>
            </smp:Endpoint>
          </smp:ServiceEndpointList>
        </smp:Process>
      </smp:ProcessList>
    </smp:ServiceInformation>
  </smp:ServiceMetadata>
</smp:SignedServiceMetadata>`, certB64))
}

func TestParseSignedServiceMetadata(t *testing.T) {
	cert := generateTestCert(t, "AP Endpoint")
	data := signedMetadataXML(t, cert)

	meta, err := ParseSignedServiceMetadata(data)
	if err != nil {
		t.Fatalf("ParseSignedServiceMetadata returned error: %v", err)
	}

	if meta.ParticipantID != "9915:test" {
		t.Errorf("unexpected participant: %q", meta.ParticipantID)
	}
	if meta.DocumentTypeID == "" {
		t.Error("expected document type identifier to be parsed")
	}
	if len(meta.Endpoints) != 1 {
		t.Fatalf("expected 1 endpoint, got %d", len(meta.Endpoints))
	}

	ep := meta.Endpoints[0]
	if ep.URL != "https://ap.example.com/as4" {
		t.Errorf("unexpected endpoint URL: %q", ep.URL)
	}
	if ep.TransportProfile != "peppol-transport-as4-v2_0" {
		t.Errorf("unexpected transport profile: %q", ep.TransportProfile)
	}
	if ep.Certificate == nil || ep.Certificate.Subject.CommonName != "AP Endpoint" {
		t.Error("endpoint certificate not parsed")
	}
	if ep.ServiceActivation == nil || ep.ServiceExpiration == nil {
		t.Fatal("service window not parsed")
	}
	if !ep.ActiveAt(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Error("endpoint should be active inside its declared window")
	}
	if ep.ActiveAt(time.Date(2041, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Error("endpoint should be inactive after expiration")
	}
}

func TestParseSignedServiceMetadataUnqualified(t *testing.T) {
	cert := generateTestCert(t, "Plain Endpoint")
	certB64 := base64.StdEncoding.EncodeToString(cert.Raw)
	data := []byte(fmt.Sprintf(`<SignedServiceMetadata>
  <ServiceMetadata>
    <ParticipantIdentifier>0088:plain</ParticipantIdentifier>
    <Endpoint transportProfile="busdox-transport-as2-ver1p0">
      <Address>https://plain.example.com/as2</Address>
      <Certificate>%s</Certificate>
    </Endpoint>
  </ServiceMetadata>
</SignedServiceMetadata>`, certB64))

	meta, err := ParseSignedServiceMetadata(data)
	if err != nil {
		t.Fatalf("ParseSignedServiceMetadata returned error: %v", err)
	}
	if len(meta.Endpoints) != 1 {
		t.Fatalf("expected 1 endpoint, got %d", len(meta.Endpoints))
	}
	if meta.Endpoints[0].URL != "https://plain.example.com/as2" {
		t.Errorf("unexpected URL: %q", meta.Endpoints[0].URL)
	}
}

func TestParseSignedServiceMetadataErrors(t *testing.T) {
	if _, err := ParseSignedServiceMetadata(nil); err == nil {
		t.Error("expected error for empty document")
	}
	if _, err := ParseSignedServiceMetadata([]byte("not xml at all <<<")); err == nil {
		t.Error("expected error for malformed document")
	}
	if _, err := ParseSignedServiceMetadata([]byte("<ServiceMetadata/>")); err == nil {
		t.Error("expected error for document without endpoints")
	}
}

func TestParseSkipsEndpointWithBadCertificate(t *testing.T) {
	good := generateTestCert(t, "Good Endpoint")
	goodB64 := base64.StdEncoding.EncodeToString(good.Raw)
	data := []byte(fmt.Sprintf(`<SignedServiceMetadata>
  <Endpoint transportProfile="p1">
    <EndpointURI>https://bad.example.com</EndpointURI>
    <Certificate>!!!not-base64!!!</Certificate>
  </Endpoint>
  <Endpoint transportProfile="p2">
    <EndpointURI>https://good.example.com</EndpointURI>
    <Certificate>%s</Certificate>
  </Endpoint>
</SignedServiceMetadata>`, goodB64))

	meta, err := ParseSignedServiceMetadata(data)
	if err != nil {
		t.Fatalf("ParseSignedServiceMetadata returned error: %v", err)
	}
	if len(meta.Endpoints) != 1 {
		t.Fatalf("expected bad endpoint to be skipped, got %d endpoints", len(meta.Endpoints))
	}
	if meta.Endpoints[0].URL != "https://good.example.com" {
		t.Errorf("unexpected surviving endpoint: %q", meta.Endpoints[0].URL)
	}
}
