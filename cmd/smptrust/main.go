// Command smptrust validates signed service metadata documents: the
// embedded certificate chain, the XML digital signature, revocation status,
// and the declared delivery endpoint.
//
// Usage:
//
//	smptrust <command> [options] <args>
//
// Commands:
//
//	verify   Validate a signed service metadata document
//	version  Show version information
//	help     Show help message
//
// Examples:
//
//	# Validate a metadata document against a trust configuration
//	smptrust verify -config smptrust.yaml metadata.xml
//
//	# Validate with JSON output
//	smptrust verify -config smptrust.yaml -json metadata.xml
package main

import (
	"os"

	"github.com/peppolkit/smptrust/cli"
)

// These variables are set at build time using ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" ./cmd/smptrust
var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	// Set version info
	cli.Version = version
	cli.BuildTime = buildTime

	// Run the CLI
	cli.Run(os.Args)
}
