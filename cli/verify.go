package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/peppolkit/smptrust/config"
	"github.com/peppolkit/smptrust/endpoint"
	"github.com/peppolkit/smptrust/fetchers"
	"github.com/peppolkit/smptrust/keys"
	"github.com/peppolkit/smptrust/validate"
)

// VerifyOptions contains options for the verify command.
type VerifyOptions struct {
	ConfigFile       string
	ParticipantID    string
	DocumentTypeID   string
	TestConnectivity bool
	MatchTLS         bool
	Timeout          time.Duration
	JSON             bool
	Verbose          bool
}

// VerifyCommand implements the 'verify' command.
func VerifyCommand(args []string) {
	verifyFlags := flag.NewFlagSet("verify", flag.ExitOnError)

	var opts VerifyOptions

	verifyFlags.StringVar(&opts.ConfigFile, "config", "", "YAML configuration file with trust anchors and policy")
	verifyFlags.StringVar(&opts.ParticipantID, "participant", "", "Participant identifier (overrides the one in the document)")
	verifyFlags.StringVar(&opts.DocumentTypeID, "doctype", "", "Document type identifier (overrides the one in the document)")
	verifyFlags.BoolVar(&opts.TestConnectivity, "connectivity", false, "Probe the declared endpoint over HTTP")
	verifyFlags.BoolVar(&opts.MatchTLS, "tls-match", false, "Compare the endpoint's TLS certificate against the advertised one")
	verifyFlags.DurationVar(&opts.Timeout, "timeout", 30*time.Second, "Overall validation timeout")
	verifyFlags.BoolVar(&opts.JSON, "json", false, "Output results in JSON format")
	verifyFlags.BoolVar(&opts.Verbose, "verbose", false, "Show per-check diagnostics")

	verifyFlags.Usage = func() {
		fmt.Printf("Usage: %s verify [options] <metadata.xml>\n\n", os.Args[0])
		fmt.Println("Validate a signed service metadata document: certificate chain,")
		fmt.Println("XML signature, revocation status, and endpoint declaration.")
		fmt.Println("")
		fmt.Println("Arguments:")
		fmt.Println("  metadata.xml  Signed service metadata document to validate")
		fmt.Println("")
		fmt.Println("Options:")
		verifyFlags.PrintDefaults()
		fmt.Println("")
		fmt.Println("Examples:")
		fmt.Printf("  %s verify -config smptrust.yaml metadata.xml\n", os.Args[0])
		fmt.Printf("  %s verify -config smptrust.yaml -json metadata.xml\n", os.Args[0])
		fmt.Printf("  %s verify -config smptrust.yaml -connectivity -tls-match metadata.xml\n", os.Args[0])
	}

	if err := verifyFlags.Parse(args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		osExit(1)
	}

	if len(verifyFlags.Args()) < 1 {
		verifyFlags.Usage()
		osExit(1)
	}
	if opts.ConfigFile == "" {
		fmt.Fprintln(os.Stderr, "Error: -config is required")
		osExit(1)
	}

	inputPath := verifyFlags.Arg(0)

	output, err := verifyMetadata(inputPath, &opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}

	if opts.JSON {
		outputJSON(output)
	} else {
		outputText(output, opts.Verbose)
	}

	if !output.OverallValid {
		osExit(1)
	}
}

// VerifyOutput is the JSON-serializable verification output.
type VerifyOutput struct {
	ParticipantID  string `json:"participant_id,omitempty"`
	DocumentTypeID string `json:"document_type_id,omitempty"`
	Environment    string `json:"environment"`

	OverallValid               bool `json:"overall_valid"`
	PeppolCompliant            bool `json:"peppol_compliant"`
	ProductionNetworkCompliant bool `json:"production_network_compliant"`

	Certificate CertificatePhaseJSON `json:"certificate"`
	Signature   SignaturePhaseJSON   `json:"signature"`
	Revocation  RevocationPhaseJSON  `json:"revocation"`
	Endpoint    EndpointPhaseJSON    `json:"endpoint"`

	Diagnostics map[string]string `json:"diagnostics,omitempty"`
	FromCache   bool              `json:"from_cache"`
	ValidatedAt string            `json:"validated_at"`
}

// CertificatePhaseJSON mirrors the certificate phase result.
type CertificatePhaseJSON struct {
	CertificateValid bool              `json:"certificate_valid"`
	NotExpired       bool              `json:"not_expired"`
	ChainValid       bool              `json:"chain_valid"`
	KeyLengthValid   bool              `json:"key_length_valid"`
	FromNetworkCA    bool              `json:"from_network_ca"`
	PolicyValid      bool              `json:"policy_valid"`
	Diagnostics      map[string]string `json:"diagnostics,omitempty"`
}

// SignaturePhaseJSON mirrors the signature phase result.
type SignaturePhaseJSON struct {
	SignaturePresent      bool              `json:"signature_present"`
	AlgorithmValid        bool              `json:"algorithm_valid"`
	CanonicalizationValid bool              `json:"canonicalization_valid"`
	ReferencesValid       bool              `json:"references_valid"`
	KeyInfoValid          bool              `json:"key_info_valid"`
	CertificateMatches    bool              `json:"certificate_matches"`
	Valid                 bool              `json:"valid"`
	SignatureAlgorithm    string            `json:"signature_algorithm,omitempty"`
	Canonicalization      string            `json:"canonicalization,omitempty"`
	SignerSubject         string            `json:"signer_subject,omitempty"`
	Diagnostics           map[string]string `json:"diagnostics,omitempty"`
}

// RevocationPhaseJSON mirrors the revocation phase result.
type RevocationPhaseJSON struct {
	OCSPPassed  bool              `json:"ocsp_passed"`
	CRLPassed   bool              `json:"crl_passed"`
	NotRevoked  bool              `json:"not_revoked"`
	Diagnostics map[string]string `json:"diagnostics,omitempty"`
}

// EndpointPhaseJSON mirrors the endpoint phase result.
type EndpointPhaseJSON struct {
	TransportProfileSupported bool              `json:"transport_profile_supported"`
	URLValid                  bool              `json:"url_valid"`
	EndpointAccessible        bool              `json:"endpoint_accessible"`
	TLSCertificateMatches     bool              `json:"tls_certificate_matches"`
	Diagnostics               map[string]string `json:"diagnostics,omitempty"`
}

// verifyMetadata loads the trust configuration, builds the pipeline, and
// runs it over the input document.
func verifyMetadata(inputPath string, opts *VerifyOptions) (*VerifyOutput, error) {
	appConfig, err := config.LoadAppConfig(opts.ConfigFile)
	if err != nil {
		return nil, err
	}
	env, err := appConfig.EnvironmentValue()
	if err != nil {
		return nil, err
	}

	document, err := os.ReadFile(inputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata document: %w", err)
	}

	anchors, err := keys.LoadTrustAnchors(appConfig.Trust.AnchorFiles, appConfig.Trust.P12Passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to load trust anchors: %w", err)
	}

	fetcherConfig := fetchers.DefaultConfig()
	fetcherConfig.Timeout = appConfig.Revocation.Timeout
	fetcherConfig.CacheTTL = appConfig.Revocation.CacheTTL
	fetcherConfig.Retry = &fetchers.RetryConfig{
		MaxAttempts:  appConfig.Revocation.MaxAttempts,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
	fetcherConfig.CircuitBreaker = fetchers.DefaultCircuitBreaker()

	orchestrator := validate.NewOrchestrator(validate.OrchestratorConfig{
		OCSP:            fetchers.NewOCSPClient(fetcherConfig),
		CRL:             fetchers.NewCRLClient(fetcherConfig),
		Endpoint:        endpoint.NewValidator(appConfig.Endpoint.Timeout),
		CacheTTL:        appConfig.Cache.TTL,
		CacheMaxEntries: appConfig.Cache.MaxEntries,
	})

	validationOptions := validate.DefaultOptions()
	validationOptions.TrustAnchors = anchors
	validationOptions.KnownCANames = appConfig.Trust.KnownCANames
	validationOptions.PolicyOIDs = appConfig.Trust.PolicyOIDs
	validationOptions.CheckRevocation = !appConfig.Revocation.Disabled
	validationOptions.UseCache = !appConfig.Cache.Disabled
	validationOptions.TestConnectivity = opts.TestConnectivity || appConfig.Endpoint.TestConnectivity
	validationOptions.MatchTLSCertificate = opts.MatchTLS || appConfig.Endpoint.MatchTLSCertificate

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	result := orchestrator.Orchestrate(ctx, validate.ValidationContext{
		Document:       document,
		ParticipantID:  opts.ParticipantID,
		DocumentTypeID: opts.DocumentTypeID,
		Environment:    env,
		Options:        validationOptions,
	})

	return buildOutput(result, opts, string(env)), nil
}

// buildOutput converts the pipeline result into the serializable output.
func buildOutput(result validate.ComprehensiveValidationResult, opts *VerifyOptions, env string) *VerifyOutput {
	r := result.Results
	output := &VerifyOutput{
		ParticipantID:              opts.ParticipantID,
		DocumentTypeID:             opts.DocumentTypeID,
		Environment:                env,
		OverallValid:               result.OverallValid,
		PeppolCompliant:            r.PeppolCompliant,
		ProductionNetworkCompliant: r.ProductionNetworkCompliant,
		Certificate: CertificatePhaseJSON{
			CertificateValid: r.Certificate.CertificateValid,
			NotExpired:       r.Certificate.NotExpired,
			ChainValid:       r.Certificate.ChainValid,
			KeyLengthValid:   r.Certificate.KeyLengthValid,
			FromNetworkCA:    r.Certificate.FromNetworkCA,
			PolicyValid:      r.Certificate.PolicyValid,
			Diagnostics:      r.Certificate.Diagnostics,
		},
		Signature: SignaturePhaseJSON{
			SignaturePresent:      r.Signature.SignaturePresent,
			AlgorithmValid:        r.Signature.AlgorithmValid,
			CanonicalizationValid: r.Signature.CanonicalizationValid,
			ReferencesValid:       r.Signature.ReferencesValid,
			KeyInfoValid:          r.Signature.KeyInfoValid,
			CertificateMatches:    r.Signature.CertificateMatches,
			Valid:                 r.Signature.Valid,
			SignatureAlgorithm:    r.Signature.SignatureAlgorithm,
			Canonicalization:      r.Signature.CanonicalizationAlgorithm,
			Diagnostics:           r.Signature.Diagnostics,
		},
		Revocation: RevocationPhaseJSON{
			OCSPPassed:  r.Revocation.OCSPPassed,
			CRLPassed:   r.Revocation.CRLPassed,
			NotRevoked:  r.Revocation.NotRevoked,
			Diagnostics: r.Revocation.Diagnostics,
		},
		Endpoint: EndpointPhaseJSON{
			TransportProfileSupported: r.Endpoint.TransportProfileSupported,
			URLValid:                  r.Endpoint.URLValid,
			EndpointAccessible:        r.Endpoint.EndpointAccessible,
			TLSCertificateMatches:     r.Endpoint.TLSCertificateMatches,
			Diagnostics:               r.Endpoint.Diagnostics,
		},
		Diagnostics: result.Diagnostics,
		FromCache:   result.FromCache,
		ValidatedAt: result.ValidatedAt.Format(time.RFC3339),
	}
	if r.Signature.SigningCertificate != nil {
		output.Signature.SignerSubject = r.Signature.SigningCertificate.Subject.String()
	}
	return output
}

// outputJSON outputs the results in JSON format.
func outputJSON(output *VerifyOutput) {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(output); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		osExit(1)
	}
}

// outputText outputs the results in human-readable text format.
func outputText(output *VerifyOutput, verbose bool) {
	fmt.Printf("Service Metadata Verification\n")
	fmt.Printf("=============================\n\n")

	fmt.Printf("  Overall: %s\n", boolToStatus(output.OverallValid))
	fmt.Printf("  Peppol compliant: %s\n", boolToStatus(output.PeppolCompliant))
	fmt.Printf("  Production network compliant: %s\n", boolToStatus(output.ProductionNetworkCompliant))
	fmt.Printf("  Environment: %s\n", output.Environment)
	if output.FromCache {
		fmt.Printf("  Served from cache\n")
	}
	fmt.Println()

	fmt.Printf("Certificate\n")
	fmt.Printf("-----------\n")
	fmt.Printf("  Valid: %s\n", boolToStatus(output.Certificate.CertificateValid))
	fmt.Printf("  Not expired: %s\n", boolToStatus(output.Certificate.NotExpired))
	fmt.Printf("  Chain: %s\n", boolToStatus(output.Certificate.ChainValid))
	fmt.Printf("  Key length: %s\n", boolToStatus(output.Certificate.KeyLengthValid))
	fmt.Printf("  Network CA: %s\n", boolToStatus(output.Certificate.FromNetworkCA))
	fmt.Printf("  Policy: %s\n", boolToStatus(output.Certificate.PolicyValid))
	printDiagnostics(output.Certificate.Diagnostics, verbose)

	fmt.Printf("\nSignature\n")
	fmt.Printf("---------\n")
	fmt.Printf("  Present: %s\n", boolToStatus(output.Signature.SignaturePresent))
	fmt.Printf("  Valid: %s\n", boolToStatus(output.Signature.Valid))
	if output.Signature.SignatureAlgorithm != "" {
		fmt.Printf("  Algorithm: %s\n", output.Signature.SignatureAlgorithm)
	}
	if output.Signature.SignerSubject != "" {
		fmt.Printf("  Signer: %s\n", output.Signature.SignerSubject)
	}
	printDiagnostics(output.Signature.Diagnostics, verbose)

	fmt.Printf("\nRevocation\n")
	fmt.Printf("----------\n")
	fmt.Printf("  OCSP: %s\n", boolToStatus(output.Revocation.OCSPPassed))
	fmt.Printf("  CRL: %s\n", boolToStatus(output.Revocation.CRLPassed))
	fmt.Printf("  Not revoked: %s\n", boolToStatus(output.Revocation.NotRevoked))
	printDiagnostics(output.Revocation.Diagnostics, verbose)

	fmt.Printf("\nEndpoint\n")
	fmt.Printf("--------\n")
	fmt.Printf("  Transport profile: %s\n", boolToStatus(output.Endpoint.TransportProfileSupported))
	fmt.Printf("  URL: %s\n", boolToStatus(output.Endpoint.URLValid))
	fmt.Printf("  Accessible: %s\n", boolToStatus(output.Endpoint.EndpointAccessible))
	printDiagnostics(output.Endpoint.Diagnostics, verbose)

	if len(output.Diagnostics) > 0 {
		fmt.Printf("\nDiagnostics\n")
		fmt.Printf("-----------\n")
		for key, value := range output.Diagnostics {
			fmt.Printf("  %s: %s\n", key, value)
		}
	}
	fmt.Println()
}

// printDiagnostics prints phase diagnostics in verbose mode.
func printDiagnostics(diags map[string]string, verbose bool) {
	if !verbose || len(diags) == 0 {
		return
	}
	for key, value := range diags {
		fmt.Printf("    %s: %s\n", key, value)
	}
}

// boolToStatus converts a boolean to a status string.
func boolToStatus(b bool) string {
	if b {
		return "OK"
	}
	return "FAILED"
}
