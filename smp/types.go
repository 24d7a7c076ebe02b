// Package smp provides the service metadata document model for a Peppol-style
// metadata service (SMP), plus the directory lookup result contract.
package smp

import (
	"crypto/x509"
	"time"
)

// Environment identifies the network environment a lookup runs against.
type Environment string

const (
	// EnvironmentProduction is the production network.
	EnvironmentProduction Environment = "production"
	// EnvironmentTest is the test network.
	EnvironmentTest Environment = "test"
)

// DirectoryResult is the outcome of DNS-based directory resolution
// (SML-equivalent). It is produced by an external resolver and is the
// input precondition for reaching the validation pipeline.
type DirectoryResult struct {
	SMPURL  string
	Success bool
	Error   string
}

// Endpoint describes one registered endpoint for a participant process.
type Endpoint struct {
	// URL is the endpoint address documents are delivered to.
	URL string

	// TransportProfile identifies the messaging profile (e.g. AS4).
	TransportProfile string

	// Certificate is the end-entity certificate declared for the endpoint.
	Certificate *x509.Certificate

	// ServiceActivation is when the service becomes active, if declared.
	ServiceActivation *time.Time

	// ServiceExpiration is when the service expires, if declared.
	ServiceExpiration *time.Time
}

// ActiveAt reports whether the endpoint's declared service window covers t.
// Endpoints without declared bounds are considered always active.
func (e *Endpoint) ActiveAt(t time.Time) bool {
	if e.ServiceActivation != nil && t.Before(*e.ServiceActivation) {
		return false
	}
	if e.ServiceExpiration != nil && t.After(*e.ServiceExpiration) {
		return false
	}
	return true
}

// ServiceMetadata is the parsed content of a signed metadata document.
type ServiceMetadata struct {
	ParticipantID  string
	DocumentTypeID string
	Endpoints      []Endpoint

	// RawXML is the document as fetched, kept for signature validation.
	RawXML []byte
}

// PrimaryEndpoint returns the first endpoint in document order, or nil if
// the document declares none.
func (m *ServiceMetadata) PrimaryEndpoint() *Endpoint {
	if len(m.Endpoints) == 0 {
		return nil
	}
	return &m.Endpoints[0]
}
