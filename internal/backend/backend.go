// Package backend defines the CA backend contract (the "C6" component):
// the typed interface the operation handlers delegate CA policy, storage,
// and identity to. The reference implementation lives in
// internal/backend/sqlite.
package backend

import (
	"context"
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"

	"scepd/internal/scep"
)

// Capability is one token from SCEP's closed capability vocabulary.
type Capability string

const (
	CapGetNextCACert    Capability = "GetNextCACert"
	CapPOSTPKIOperation Capability = "POSTPKIOperation"
	CapRenewal          Capability = "Renewal"
	CapSHA1             Capability = "SHA-1"
	CapSHA256           Capability = "SHA-256"
	CapSHA512           Capability = "SHA-512"
	CapDES3             Capability = "DES3"
	CapAES              Capability = "AES"
	CapSCEPStandard     Capability = "SCEPStandard"
)

// OperationFailure is a CA backend's domain-level refusal of a request. The
// operation handlers translate it into a CertRep FAILURE carrying Info,
// rather than a 500 — the sole error type a backend method may return that
// is not treated as an internal fault.
type OperationFailure struct {
	Info   scep.FailInfo
	Reason string
}

func (e *OperationFailure) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("backend: operation refused (failInfo=%d)", int(e.Info))
	}
	return fmt.Sprintf("backend: operation refused (failInfo=%d): %s", int(e.Info), e.Reason)
}

// NewOperationFailure builds an OperationFailure for the given failInfo.
func NewOperationFailure(info scep.FailInfo, reason string) *OperationFailure {
	return &OperationFailure{Info: info, Reason: reason}
}

// CA is the abstract CA backend interface (C6): policy, storage, and
// identity, consumed by the operation handlers (C5). Every method is
// request-scoped; any server-side soft state (pending enrolments, issued
// certificates, CRL material) is the implementation's responsibility to
// persist and synchronise.
type CA interface {
	// Capabilities returns the capability tokens this backend advertises
	// for the given identifier (which may be empty).
	Capabilities(ctx context.Context, identifier string) ([]Capability, error)

	// GetCACertificate returns the CA certificate chain for identifier:
	// the CA certificate alone, or an RA certificate followed by the CA
	// certificate. An empty slice means "no CA configured for this
	// identifier."
	GetCACertificate(ctx context.Context, identifier string) ([]*x509.Certificate, error)

	// GetNextCACertificate returns the certificate chain clients should
	// roll over to ahead of CA expiry. An empty slice disables the
	// operation (501 at the dispatcher).
	GetNextCACertificate(ctx context.Context, identifier string) ([]*x509.Certificate, error)

	// GetCert returns the certificate(s) matching issuer+serial. An empty
	// slice means unknown (mapped to badCertId by the caller).
	GetCert(ctx context.Context, issuer pkix.Name, serial *big.Int) ([]*x509.Certificate, error)

	// GetCertInitial polls for the outcome of a previously submitted
	// enrolment identified by (issuer, subject, transID). An empty slice
	// means still pending.
	GetCertInitial(ctx context.Context, issuer, subject pkix.Name, transID scep.TransactionID) ([]*x509.Certificate, error)

	// GetCRL returns the CRL covering certificates issued under issuer for
	// the given serial's certificate, or nil if none exists.
	GetCRL(ctx context.Context, issuer pkix.Name, serial *big.Int) (*x509.RevocationList, error)

	// Enrol processes an initial enrolment request. An empty slice means
	// accepted-pending (mapped to CertRep PENDING); otherwise the issued
	// certificate chain.
	Enrol(ctx context.Context, csr *x509.CertificateRequest, challengePassword string, signerCert *x509.Certificate, transID scep.TransactionID) ([]*x509.Certificate, error)

	// Renew processes a renewal enrolment request, with the same outcome
	// mapping as Enrol. The operation handlers refuse a RenewalReq with
	// failInfo=badRequest before calling Renew when the backend does not
	// advertise CapRenewal, so Renew itself does not check the capability.
	Renew(ctx context.Context, csr *x509.CertificateRequest, signerCert *x509.Certificate, transID scep.TransactionID) ([]*x509.Certificate, error)

	// Identity exposes the backend's recipient and signer material: the
	// former decrypts incoming envelopes, the latter signs outgoing
	// SignedData. They may or may not be the same certificate/key.
	Identity() Identity
}

// Identity is the backend's cryptographic identity used by the handlers
// and the pkiMessage codec.
type Identity struct {
	RecipientCert *x509.Certificate
	RecipientKey  crypto.PrivateKey
	SignerCert    *x509.Certificate
	SignerKey     crypto.PrivateKey
	SignerChain   []*x509.Certificate
}
