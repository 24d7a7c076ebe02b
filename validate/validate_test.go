package validate

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/moov-io/signedxml"

	"github.com/peppolkit/smptrust/chain"
)

// testPolicyOID is embedded in test end-entity certificates as the network
// membership policy.
var testPolicyOID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 99999, 1}

const testPolicyOIDString = "1.3.6.1.4.1.99999.1"

type testIdentity struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey
}

func generateCert(t *testing.T, cn string, isCA bool, bits int, issuer *testIdentity, withPolicy bool) *testIdentity {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano() + int64(len(cn))),
		Subject:               pkix.Name{CommonName: cn, Organization: []string{"Test Network"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  isCA,
	}
	if isCA {
		template.KeyUsage |= x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	}
	if withPolicy {
		// CreateCertificate marshals the certificate-policies extension
		// from Policies, not PolicyIdentifiers.
		policy, err := x509.OIDFromInts([]uint64{1, 3, 6, 1, 4, 1, 99999, 1})
		if err != nil {
			t.Fatalf("failed to build policy OID: %v", err)
		}
		template.PolicyIdentifiers = []asn1.ObjectIdentifier{testPolicyOID}
		template.Policies = []x509.OID{policy}
	}

	signingCert := template
	signingKey := key
	if issuer != nil {
		signingCert = issuer.cert
		signingKey = issuer.key
	}

	der, err := x509.CreateCertificate(rand.Reader, template, signingCert, &key.PublicKey, signingKey)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}
	return &testIdentity{cert: cert, key: key}
}

// generatePKI builds a root -> intermediate -> leaf hierarchy with the
// network policy OID on the leaf.
func generatePKI(t *testing.T) (leaf, intermediate, root *testIdentity) {
	t.Helper()
	root = generateCert(t, "Test Network Root CA", true, 2048, nil, false)
	intermediate = generateCert(t, "Test Network Access Point CA", true, 2048, root, false)
	leaf = generateCert(t, "Test Access Point", false, 2048, intermediate, true)
	return leaf, intermediate, root
}

func TestGeneratedLeafCarriesPolicyExtension(t *testing.T) {
	leaf, _, _ := generatePKI(t)
	if !HasExtension(leaf.cert, KindCertificatePolicies) {
		t.Fatal("leaf must carry the certificate-policies extension")
	}
	found := false
	for _, oid := range PolicyOIDStrings(leaf.cert) {
		if oid == testPolicyOIDString {
			found = true
		}
	}
	if !found {
		t.Errorf("leaf policy OIDs %v must include %s", PolicyOIDStrings(leaf.cert), testPolicyOIDString)
	}
}

func orderedOutcome(ids ...*testIdentity) chain.Outcome {
	certs := make([]*x509.Certificate, len(ids))
	for i, id := range ids {
		certs[i] = id.cert
	}
	return chain.Outcome{Certs: certs, Confidence: chain.ConfidenceOrdered}
}

func TestChainValidatorHappyPath(t *testing.T) {
	leaf, intermediate, root := generatePKI(t)
	v := NewCertificateChainValidator(
		[]*x509.Certificate{root.cert},
		[]string{"Access Point CA"},
		[]string{testPolicyOIDString},
		nil,
	)

	result := v.Validate(orderedOutcome(leaf, intermediate, root))

	if !result.CertificateValid {
		t.Errorf("certificate should be structurally valid: %v", result.Diagnostics)
	}
	if !result.NotExpired {
		t.Errorf("certificate should not be expired: %v", result.Diagnostics)
	}
	if !result.ChainValid {
		t.Errorf("chain should validate to the anchor: %v", result.Diagnostics)
	}
	if !result.KeyLengthValid {
		t.Errorf("2048-bit RSA key should pass: %v", result.Diagnostics)
	}
	if !result.FromNetworkCA {
		t.Errorf("known CA name should match: %v", result.Diagnostics)
	}
	if !result.PolicyValid {
		t.Errorf("network policy OID should be recognized: %v", result.Diagnostics)
	}
	if result.ReducedConfidence {
		t.Error("anchors were supplied, result must not be reduced-confidence")
	}
}

func TestChainValidatorExpired(t *testing.T) {
	leaf, intermediate, root := generatePKI(t)
	clock := clockwork.NewFakeClockAt(time.Now().Add(48 * time.Hour))
	v := NewCertificateChainValidator([]*x509.Certificate{root.cert}, nil, []string{testPolicyOIDString}, clock)

	result := v.Validate(orderedOutcome(leaf, intermediate, root))
	if result.NotExpired {
		t.Error("certificate past NotAfter must fail the temporal check")
	}
	// Expiry must not abort the other checks.
	if !result.KeyLengthValid {
		t.Error("key-strength check should still run")
	}
}

func TestChainValidatorReducedConfidence(t *testing.T) {
	leaf, intermediate, root := generatePKI(t)
	v := NewCertificateChainValidator(nil, nil, []string{testPolicyOIDString}, nil)

	result := v.Validate(orderedOutcome(leaf, intermediate, root))
	if !result.ChainValid {
		t.Errorf("linkage-only validation should pass for a coherent chain: %v", result.Diagnostics)
	}
	if !result.ReducedConfidence {
		t.Error("validation without anchors must be marked reduced-confidence")
	}
}

func TestChainValidatorUntrustedRoot(t *testing.T) {
	leaf, intermediate, root := generatePKI(t)
	otherRoot := generateCert(t, "Unrelated Root", true, 2048, nil, false)
	v := NewCertificateChainValidator([]*x509.Certificate{otherRoot.cert}, nil, nil, nil)

	result := v.Validate(orderedOutcome(leaf, intermediate, root))
	if result.ChainValid {
		t.Error("chain terminating outside the anchor set must fail")
	}
}

func TestChainValidatorUnorderedChain(t *testing.T) {
	leaf, intermediate, root := generatePKI(t)
	outcome := chain.Outcome{
		Certs:      []*x509.Certificate{leaf.cert, intermediate.cert, root.cert},
		Confidence: chain.ConfidenceUnordered,
	}
	v := NewCertificateChainValidator([]*x509.Certificate{root.cert}, nil, nil, nil)

	result := v.Validate(outcome)
	if result.ChainValid {
		t.Error("unordered chain must fail path validation")
	}
}

func TestChainValidatorWeakKey(t *testing.T) {
	root := generateCert(t, "Weak Root", true, 2048, nil, false)
	leaf := generateCert(t, "Weak Leaf", false, 1024, root, true)
	v := NewCertificateChainValidator([]*x509.Certificate{root.cert}, nil, []string{testPolicyOIDString}, nil)

	result := v.Validate(orderedOutcome(leaf, root))
	if result.KeyLengthValid {
		t.Error("1024-bit RSA key must fail the key-strength check")
	}
}

func TestChainValidatorDegradedSingleCert(t *testing.T) {
	leaf, _, root := generatePKI(t)
	v := NewCertificateChainValidator([]*x509.Certificate{root.cert}, nil, []string{testPolicyOIDString}, nil)

	result := v.Validate(chain.Outcome{
		Certs:      []*x509.Certificate{leaf.cert},
		Confidence: chain.ConfidenceOrdered,
		Notes:      []string{"degraded single-link chain"},
	})

	// The leaf does not chain directly to the root, so path validation
	// fails, but network membership is still evaluable from the policy OID.
	if result.ChainValid {
		t.Error("single leaf cannot terminate at the root anchor")
	}
	if !result.FromNetworkCA {
		t.Errorf("policy OID should still establish network membership: %v", result.Diagnostics)
	}
	if !result.PolicyValid {
		t.Errorf("policy check should still pass: %v", result.Diagnostics)
	}
}

// signatureTemplate is the unsigned signature block appended to test
// documents; the signer fills in the digest and signature values.
func signatureTemplate(certBlocks []string) string {
	var sb strings.Builder
	sb.WriteString(`<ds:Signature xmlns:ds="http://www.w3.org/2000/09/xmldsig#">`)
	sb.WriteString(`<ds:SignedInfo>`)
	sb.WriteString(`<ds:CanonicalizationMethod Algorithm="http://www.w3.org/2001/10/xml-exc-c14n#"/>`)
	sb.WriteString(`<ds:SignatureMethod Algorithm="http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"/>`)
	sb.WriteString(`<ds:Reference URI="">`)
	sb.WriteString(`<ds:Transforms>`)
	sb.WriteString(`<ds:Transform Algorithm="http://www.w3.org/2000/09/xmldsig#enveloped-signature"/>`)
	sb.WriteString(`<ds:Transform Algorithm="http://www.w3.org/2001/10/xml-exc-c14n#"/>`)
	sb.WriteString(`</ds:Transforms>`)
	sb.WriteString(`<ds:DigestMethod Algorithm="http://www.w3.org/2001/04/xmlenc#sha256"/>`)
	sb.WriteString(`<ds:DigestValue></ds:DigestValue>`)
	sb.WriteString(`</ds:Reference>`)
	sb.WriteString(`</ds:SignedInfo>`)
	sb.WriteString(`<ds:SignatureValue></ds:SignatureValue>`)
	sb.WriteString(`<ds:KeyInfo><ds:X509Data>`)
	for _, block := range certBlocks {
		sb.WriteString(`<ds:X509Certificate>` + block + `</ds:X509Certificate>`)
	}
	sb.WriteString(`</ds:X509Data></ds:KeyInfo>`)
	sb.WriteString(`</ds:Signature>`)
	return sb.String()
}

// buildSignedMetadata produces a signed service metadata document with a
// single AS4 endpoint, signed by the leaf key.
func buildSignedMetadata(t *testing.T, leaf, intermediate, root *testIdentity) []byte {
	t.Helper()

	blocks := []string{base64.StdEncoding.EncodeToString(leaf.cert.Raw)}
	if intermediate != nil {
		blocks = append(blocks, base64.StdEncoding.EncodeToString(intermediate.cert.Raw))
	}
	if root != nil {
		blocks = append(blocks, base64.StdEncoding.EncodeToString(root.cert.Raw))
	}

	unsigned := fmt.Sprintf(`<SignedServiceMetadata><ServiceMetadata><ServiceInformation>`+
		`<ParticipantIdentifier scheme="iso6523-actorid-upis">0088:5798000000001</ParticipantIdentifier>`+
		`<DocumentIdentifier scheme="busdox-docid-qns">urn:test:invoice</DocumentIdentifier>`+
		`<ProcessList><Process><ServiceEndpointList>`+
		`<Endpoint transportProfile="peppol-transport-as4-v2_0">`+
		`<EndpointURI>https://ap.example.com/as4</EndpointURI>`+
		`<Certificate>%s</Certificate>`+
		`</Endpoint>`+
		`</ServiceEndpointList></Process></ProcessList>`+
		`</ServiceInformation></ServiceMetadata>%s</SignedServiceMetadata>`,
		base64.StdEncoding.EncodeToString(leaf.cert.Raw),
		signatureTemplate(blocks))

	signer, err := signedxml.NewSigner(unsigned)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}
	signed, err := signer.Sign(leaf.key)
	if err != nil {
		t.Fatalf("failed to sign document: %v", err)
	}
	return []byte(signed)
}

func TestSignatureValidatorHappyPath(t *testing.T) {
	leaf, intermediate, root := generatePKI(t)
	doc := buildSignedMetadata(t, leaf, intermediate, root)

	v := NewSignatureValidator(nil)
	result := v.Validate(doc, leaf.cert)

	if !result.Valid {
		t.Fatalf("expected valid signature, diagnostics: %v", result.Diagnostics)
	}
	if !result.SignaturePresent || !result.AlgorithmValid || !result.CanonicalizationValid ||
		!result.ReferencesValid || !result.KeyInfoValid || !result.CertificateMatches ||
		!result.CryptographicSignatureValid {
		t.Errorf("all gates should pass: %+v", result)
	}
	if result.SigningCertificate == nil || result.SigningCertificate.Subject.CommonName != "Test Access Point" {
		t.Error("signing certificate should be the leaf")
	}
	if result.SignatureAlgorithm != "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256" {
		t.Errorf("unexpected signature algorithm: %s", result.SignatureAlgorithm)
	}
}

func TestSignatureValidatorNoSignature(t *testing.T) {
	v := NewSignatureValidator(nil)
	result := v.Validate([]byte("<SignedServiceMetadata><ServiceMetadata/></SignedServiceMetadata>"), nil)
	if result.SignaturePresent {
		t.Error("signature_present must be false")
	}
	if result.Valid {
		t.Error("document without signature must not validate")
	}
}

func weakAlgorithmDocument(leaf *testIdentity, sigAlg, canonAlg string) []byte {
	return []byte(fmt.Sprintf(`<Root><Data>x</Data>`+
		`<ds:Signature xmlns:ds="http://www.w3.org/2000/09/xmldsig#">`+
		`<ds:SignedInfo>`+
		`<ds:CanonicalizationMethod Algorithm="%s"/>`+
		`<ds:SignatureMethod Algorithm="%s"/>`+
		`<ds:Reference URI=""><ds:DigestMethod Algorithm="http://www.w3.org/2001/04/xmlenc#sha256"/><ds:DigestValue>AAAA</ds:DigestValue></ds:Reference>`+
		`</ds:SignedInfo>`+
		`<ds:SignatureValue>AAAA</ds:SignatureValue>`+
		`<ds:KeyInfo><ds:X509Data><ds:X509Certificate>%s</ds:X509Certificate></ds:X509Data></ds:KeyInfo>`+
		`</ds:Signature></Root>`,
		canonAlg, sigAlg, base64.StdEncoding.EncodeToString(leaf.cert.Raw)))
}

func TestSignatureValidatorWeakAlgorithms(t *testing.T) {
	leaf, _, _ := generatePKI(t)
	v := NewSignatureValidator(nil)

	weak := []string{
		"http://www.w3.org/2000/09/xmldsig#rsa-sha1",
		"http://www.w3.org/2001/04/xmldsig-more#rsa-md5",
	}
	for _, alg := range weak {
		doc := weakAlgorithmDocument(leaf, alg, "http://www.w3.org/2001/10/xml-exc-c14n#")
		result := v.Validate(doc, nil)
		if result.AlgorithmValid {
			t.Errorf("algorithm %s must be rejected", alg)
		}
		if result.Valid {
			t.Errorf("signature with %s must not validate overall", alg)
		}
	}
}

func TestSignatureValidatorUnknownAlgorithmRejected(t *testing.T) {
	leaf, _, _ := generatePKI(t)
	v := NewSignatureValidator(nil)

	doc := weakAlgorithmDocument(leaf,
		"http://www.w3.org/2021/04/xmldsig-more#ed25519",
		"http://www.w3.org/2001/10/xml-exc-c14n#")
	result := v.Validate(doc, nil)
	if result.AlgorithmValid {
		t.Error("algorithm absent from the allow-list must be rejected")
	}
}

func TestSignatureValidatorCanonicalizationGate(t *testing.T) {
	leaf, _, _ := generatePKI(t)
	v := NewSignatureValidator(nil)

	doc := weakAlgorithmDocument(leaf,
		"http://www.w3.org/2001/04/xmldsig-more#rsa-sha256",
		"http://www.w3.org/2006/12/xml-c14n11")
	result := v.Validate(doc, nil)
	if !result.AlgorithmValid {
		t.Error("signature algorithm itself is acceptable")
	}
	if result.CanonicalizationValid {
		t.Error("Canonical XML 1.1 must be rejected")
	}
	if result.Valid {
		t.Error("non-Canonical-XML-1.0 signature must not validate overall")
	}
}

func TestSignatureValidatorTamperedReference(t *testing.T) {
	leaf, intermediate, root := generatePKI(t)
	doc := buildSignedMetadata(t, leaf, intermediate, root)

	tampered := strings.Replace(string(doc), "https://ap.example.com/as4", "https://evil.example.com/as4", 1)

	v := NewSignatureValidator(nil)
	result := v.Validate([]byte(tampered), leaf.cert)
	if result.ReferencesValid {
		t.Error("tampered content must fail the reference digest check")
	}
	if result.Valid {
		t.Error("tampered document must not validate")
	}
}

// idReferenceTemplate is an unsigned signature block whose reference targets
// the element with ID "data" rather than enveloping the whole document.
func idReferenceTemplate(certBlock string) string {
	var sb strings.Builder
	sb.WriteString(`<ds:Signature xmlns:ds="http://www.w3.org/2000/09/xmldsig#">`)
	sb.WriteString(`<ds:SignedInfo>`)
	sb.WriteString(`<ds:CanonicalizationMethod Algorithm="http://www.w3.org/2001/10/xml-exc-c14n#"/>`)
	sb.WriteString(`<ds:SignatureMethod Algorithm="http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"/>`)
	sb.WriteString(`<ds:Reference URI="#data">`)
	sb.WriteString(`<ds:DigestMethod Algorithm="http://www.w3.org/2001/04/xmlenc#sha256"/>`)
	sb.WriteString(`<ds:DigestValue></ds:DigestValue>`)
	sb.WriteString(`</ds:Reference>`)
	sb.WriteString(`</ds:SignedInfo>`)
	sb.WriteString(`<ds:SignatureValue></ds:SignatureValue>`)
	sb.WriteString(`<ds:KeyInfo><ds:X509Data>`)
	sb.WriteString(`<ds:X509Certificate>` + certBlock + `</ds:X509Certificate>`)
	sb.WriteString(`</ds:X509Data></ds:KeyInfo>`)
	sb.WriteString(`</ds:Signature>`)
	return sb.String()
}

func TestSignatureValidatorLaterValidBlockWins(t *testing.T) {
	leaf, _, _ := generatePKI(t)
	certBlock := base64.StdEncoding.EncodeToString(leaf.cert.Raw)

	unsigned := `<Root><Payload ID="data"><Value>x</Value></Payload>` + idReferenceTemplate(certBlock) + `</Root>`
	signer, err := signedxml.NewSigner(unsigned)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}
	signed, err := signer.Sign(leaf.key)
	if err != nil {
		t.Fatalf("failed to sign document: %v", err)
	}

	// A weak-algorithm block inserted ahead of the valid one. Per-block
	// evaluation must reject it at the algorithm gate and then verify the
	// second block against its own signed-info, not the first block's.
	decoy := fmt.Sprintf(`<ds:Signature xmlns:ds="http://www.w3.org/2000/09/xmldsig#">`+
		`<ds:SignedInfo>`+
		`<ds:CanonicalizationMethod Algorithm="http://www.w3.org/2001/10/xml-exc-c14n#"/>`+
		`<ds:SignatureMethod Algorithm="http://www.w3.org/2000/09/xmldsig#rsa-sha1"/>`+
		`<ds:Reference URI=""><ds:DigestMethod Algorithm="http://www.w3.org/2000/09/xmldsig#sha1"/><ds:DigestValue>AAAA</ds:DigestValue></ds:Reference>`+
		`</ds:SignedInfo>`+
		`<ds:SignatureValue>AAAA</ds:SignatureValue>`+
		`<ds:KeyInfo><ds:X509Data><ds:X509Certificate>%s</ds:X509Certificate></ds:X509Data></ds:KeyInfo>`+
		`</ds:Signature>`, certBlock)
	doc := strings.Replace(signed, "<Root>", "<Root>"+decoy, 1)

	v := NewSignatureValidator(nil)
	result := v.Validate([]byte(doc), leaf.cert)
	if !result.Valid {
		t.Fatalf("the second, valid signature block must win: %v", result.Diagnostics)
	}
	if !result.ReferencesValid || !result.CryptographicSignatureValid {
		t.Errorf("reference and crypto gates must pass on the second block: %+v", result)
	}
	if result.SignatureAlgorithm != "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256" {
		t.Errorf("result must describe the winning block, got %s", result.SignatureAlgorithm)
	}
}

func TestSignatureValidatorCertificateMismatch(t *testing.T) {
	leaf, intermediate, root := generatePKI(t)
	doc := buildSignedMetadata(t, leaf, intermediate, root)
	imposter := generateCert(t, "Imposter", false, 2048, nil, false)

	v := NewSignatureValidator(nil)
	result := v.Validate(doc, imposter.cert)
	if result.CertificateMatches {
		t.Error("signing certificate differing from the expected one must be fatal")
	}
	if result.Valid {
		t.Error("mismatched signer must not validate")
	}
}

func TestSignatureValidatorExpiredSigningCert(t *testing.T) {
	leaf, intermediate, root := generatePKI(t)
	doc := buildSignedMetadata(t, leaf, intermediate, root)

	clock := clockwork.NewFakeClockAt(time.Now().Add(48 * time.Hour))
	v := NewSignatureValidator(clock)
	result := v.Validate(doc, leaf.cert)
	if result.KeyInfoValid {
		t.Error("signing certificate outside its validity period must fail the key-info gate")
	}
	if result.Valid {
		t.Error("expired signer must not validate")
	}
}
