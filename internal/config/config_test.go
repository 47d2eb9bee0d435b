package config

import "testing"

func TestValidateRequiresCAIdentity(t *testing.T) {
	cfg := &Config{DatabasePath: "scepd.db"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate accepted a config with no CA cert/key")
	}
}

func TestValidateRequiresMatchedRAPair(t *testing.T) {
	cfg := &Config{
		DatabasePath: "scepd.db",
		CACertFile:   "ca.pem",
		CAKeyFile:    "ca.key",
		RACertFile:   "ra.pem",
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate accepted an RA cert with no matching RA key")
	}
}

func TestValidateRejectsUnknownAlgorithm(t *testing.T) {
	cfg := &Config{
		DatabasePath:               "scepd.db",
		CACertFile:                 "ca.pem",
		CAKeyFile:                  "ca.key",
		ContentEncryptionAlgorithm: "AES256",
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate accepted an unsupported content-encryption algorithm")
	}
}

func TestValidateAccepts(t *testing.T) {
	cfg := &Config{
		DatabasePath:               "scepd.db",
		CACertFile:                 "ca.pem",
		CAKeyFile:                  "ca.key",
		ContentEncryptionAlgorithm: "DES3",
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestIsTLSEnabled(t *testing.T) {
	cfg := &Config{}
	if cfg.IsTLSEnabled() {
		t.Fatal("IsTLSEnabled true with no cert/key configured")
	}
	cfg.TLSCertFile, cfg.TLSKeyFile = "cert.pem", "key.pem"
	if !cfg.IsTLSEnabled() {
		t.Fatal("IsTLSEnabled false with both cert and key configured")
	}
}
