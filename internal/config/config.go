// Package config loads the scepd server configuration from environment
// variables, following the same getEnv/getEnvBool + Validate() shape the
// teacher's MDM server configuration used.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds the scepd server configuration.
type Config struct {
	// ListenAddr is the address the HTTP server binds to (e.g. :8080).
	ListenAddr string

	// Path is the URL path the SCEP endpoint is served at.
	Path string

	// DatabasePath is the SQLite file backing the reference CA backend.
	DatabasePath string

	// TLS certificates for HTTPS; both empty disables TLS.
	TLSCertFile string
	TLSKeyFile  string

	// CA signing identity: the CA certificate and private key used both
	// to decrypt incoming envelopes and to sign outgoing CertReps, unless
	// a distinct RA identity is configured.
	CACertFile string
	CAKeyFile  string

	// RA identity is optional; when set, the RA certificate/key sign and
	// decrypt instead of the CA's own, with the CA chained behind it.
	RACertFile string
	RAKeyFile  string

	// NextCACertFile is an optional PEM chain advertised by GetNextCACert;
	// empty disables the operation (501 at the dispatcher).
	NextCACertFile string

	// ChallengePassword gates Enrol (PKCSReq) in the reference backend;
	// RenewalReq is not gated by it. Empty turns the check off.
	ChallengePassword string

	// CertValidDays is the validity period of certificates the reference
	// backend issues.
	CertValidDays int

	// ContentEncryptionAlgorithm selects the default algorithm used to
	// envelope CertRep replies: "DES3" (DES-EDE3-CBC, the default) or
	// "DES" (legacy single-DES, interop only).
	ContentEncryptionAlgorithm string

	// RequireSigningTimeCheck toggles the pkiMessage codec's signing-time
	// validation against the signer certificate's validity window.
	RequireSigningTimeCheck bool

	// EnableRenewal advertises the Renewal capability and wires RenewalReq
	// to the backend's Renew method; when false, RenewalReq is refused
	// with failInfo=badRequest.
	EnableRenewal bool

	DebugMode bool
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() *Config {
	return &Config{
		ListenAddr:   getEnv("SCEPD_LISTEN_ADDR", ":8080"),
		Path:         getEnv("SCEPD_PATH", "/scep"),
		DatabasePath: getEnv("SCEPD_DATABASE_PATH", "scepd.db"),

		TLSCertFile: getEnv("SCEPD_TLS_CERT", ""),
		TLSKeyFile:  getEnv("SCEPD_TLS_KEY", ""),

		CACertFile:     getEnv("SCEPD_CA_CERT", ""),
		CAKeyFile:      getEnv("SCEPD_CA_KEY", ""),
		RACertFile:     getEnv("SCEPD_RA_CERT", ""),
		RAKeyFile:      getEnv("SCEPD_RA_KEY", ""),
		NextCACertFile: getEnv("SCEPD_NEXT_CA_CERT", ""),

		ChallengePassword: getEnv("SCEPD_CHALLENGE_PASSWORD", ""),
		CertValidDays:     getEnvInt("SCEPD_CERT_VALID_DAYS", 365),

		ContentEncryptionAlgorithm: getEnv("SCEPD_CONTENT_ENC_ALGORITHM", "DES3"),
		RequireSigningTimeCheck:    getEnvBool("SCEPD_REQUIRE_SIGNING_TIME", true),
		EnableRenewal:              getEnvBool("SCEPD_ENABLE_RENEWAL", true),
		DebugMode:                  getEnvBool("SCEPD_DEBUG", false),
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("SCEPD_DATABASE_PATH is required")
	}
	if c.CACertFile == "" || c.CAKeyFile == "" {
		return fmt.Errorf("SCEPD_CA_CERT and SCEPD_CA_KEY are required")
	}
	if (c.RACertFile == "") != (c.RAKeyFile == "") {
		return fmt.Errorf("SCEPD_RA_CERT and SCEPD_RA_KEY must be set together")
	}
	switch c.ContentEncryptionAlgorithm {
	case "DES3", "DES":
	default:
		return fmt.Errorf("SCEPD_CONTENT_ENC_ALGORITHM must be DES3 or DES, got %q", c.ContentEncryptionAlgorithm)
	}
	return nil
}

// IsTLSEnabled returns true if TLS certificates are configured.
func (c *Config) IsTLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// HasRAIdentity returns true if a distinct RA signing/decryption identity
// is configured, instead of signing and decrypting directly with the CA.
func (c *Config) HasRAIdentity() bool {
	return c.RACertFile != "" && c.RAKeyFile != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		n, err := strconv.Atoi(value)
		if err == nil {
			return n
		}
	}
	return defaultValue
}
