package sqlite

import (
	"context"
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"database/sql"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"log"
	"math/big"
	"os"

	"github.com/google/uuid"

	"scepd/internal/backend"
	"scepd/internal/scep"
)

// pollCommonName is the reference policy's trigger for an enrolment that
// stays PENDING forever, exercising spec §8 scenario 5 (GetCertInitial
// polling) without needing an out-of-band approval workflow.
const pollCommonName = "Poll"

// Policy configures the reference backend's enrolment gate. CA policy is
// explicitly out of the protocol core's scope (spec.md §1); this is the
// sqlite backend's own minimal stand-in so the enrol/renew paths have
// something to decide on.
type Policy struct {
	// ChallengePassword is the PKCS#9 challengePassword a PKCSReq's CSR
	// must carry for Enrol to accept it. Empty disables the check; it is
	// also the value config.LoadFromEnv uses when none is set.
	ChallengePassword string

	// CertValidDays is the validity period of certificates Enrol and
	// Renew issue.
	CertValidDays int

	// EnableRenewal gates whether Capabilities advertises Renewal.
	EnableRenewal bool
}

// Backend is the reference CA backend (C6): SQLite-persisted pending
// enrolments, issued certificates, and CRL storage, with CA/RA identity
// loaded from PEM files.
type Backend struct {
	db     *DB
	ca     *identity
	ra     *identity // nil unless a distinct RA identity is configured
	nextCA []*x509.Certificate
	policy Policy
}

// Config bundles what New needs to construct a Backend.
type Config struct {
	DB             *DB
	CACertFile     string
	CAKeyFile      string
	RACertFile     string // optional
	RAKeyFile      string // optional
	NextCACertFile string // optional, PEM chain for GetNextCACert
	Policy         Policy
}

// New constructs a Backend, loading CA (and optional RA) identity from PEM
// files on disk.
func New(cfg Config) (*Backend, error) {
	ca, err := loadIdentity(cfg.CACertFile, cfg.CAKeyFile)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load CA identity: %w", err)
	}

	b := &Backend{db: cfg.DB, ca: ca, policy: cfg.Policy}

	if cfg.RACertFile != "" {
		ra, err := loadIdentity(cfg.RACertFile, cfg.RAKeyFile)
		if err != nil {
			return nil, fmt.Errorf("sqlite: load RA identity: %w", err)
		}
		b.ra = ra
	}

	if cfg.NextCACertFile != "" {
		certs, err := loadCertChain(cfg.NextCACertFile)
		if err != nil {
			return nil, fmt.Errorf("sqlite: load next-CA certificate chain: %w", err)
		}
		b.nextCA = certs
	}

	return b, nil
}

func loadCertChain(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// signer returns the identity that signs outgoing SignedData and decrypts
// incoming envelopes: the RA if configured, otherwise the CA itself.
func (b *Backend) signer() *identity {
	if b.ra != nil {
		return b.ra
	}
	return b.ca
}

// Capabilities implements backend.CA.
func (b *Backend) Capabilities(ctx context.Context, identifier string) ([]backend.Capability, error) {
	caps := []backend.Capability{
		backend.CapPOSTPKIOperation,
		backend.CapSHA256,
		backend.CapDES3,
		backend.CapAES,
		backend.CapSCEPStandard,
	}
	if len(b.nextCA) > 0 {
		caps = append(caps, backend.CapGetNextCACert)
	}
	if b.policy.EnableRenewal {
		caps = append(caps, backend.CapRenewal)
	}
	return caps, nil
}

// GetCACertificate implements backend.CA.
func (b *Backend) GetCACertificate(ctx context.Context, identifier string) ([]*x509.Certificate, error) {
	if b.ra != nil {
		return []*x509.Certificate{b.ra.Certificate, b.ca.Certificate}, nil
	}
	return []*x509.Certificate{b.ca.Certificate}, nil
}

// GetNextCACertificate implements backend.CA.
func (b *Backend) GetNextCACertificate(ctx context.Context, identifier string) ([]*x509.Certificate, error) {
	return b.nextCA, nil
}

// GetCert implements backend.CA.
func (b *Backend) GetCert(ctx context.Context, issuer pkix.Name, serial *big.Int) ([]*x509.Certificate, error) {
	issuerDER, err := encodeName(issuer)
	if err != nil {
		return nil, fmt.Errorf("sqlite: encode issuer name: %w", err)
	}

	var certDER []byte
	err = b.db.QueryRowContext(ctx, `
		SELECT cert_der FROM issued_certificates WHERE issuer_name = ? AND serial_hex = ?
	`, issuerDER, serial.Text(16)).Scan(&certDER)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: query issued certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("sqlite: parse stored certificate: %w", err)
	}
	return []*x509.Certificate{cert}, nil
}

// GetCertInitial implements backend.CA.
func (b *Backend) GetCertInitial(ctx context.Context, issuer, subject pkix.Name, transID scep.TransactionID) ([]*x509.Certificate, error) {
	var count int
	err := b.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pending_enrolments WHERE trans_id = ?
	`, string(transID)).Scan(&count)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query pending enrolment: %w", err)
	}
	if count > 0 {
		return nil, nil // still pending
	}

	// Not pending: maybe it was already issued under this transaction's
	// subject. The reference backend does not index issued certificates
	// by transaction id, only by issuer+serial, so a resolved enrolment
	// with no pending row and no further record is reported as unknown
	// (empty), which callers also treat as PENDING — conservative, but
	// never wrong: a client that already has its certificate stops asking.
	return nil, nil
}

// GetCRL implements backend.CA.
func (b *Backend) GetCRL(ctx context.Context, issuer pkix.Name, serial *big.Int) (*x509.RevocationList, error) {
	issuerDER, err := encodeName(issuer)
	if err != nil {
		return nil, fmt.Errorf("sqlite: encode issuer name: %w", err)
	}

	var crlDER []byte
	err = b.db.QueryRowContext(ctx, `SELECT crl_der FROM crl_store WHERE issuer_name = ?`, issuerDER).Scan(&crlDER)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: query CRL: %w", err)
	}
	return x509.ParseRevocationList(crlDER)
}

// PutCRL stores crl for later GetCRL lookups, keyed by issuer name. Not
// part of the backend.CA interface: CRL generation policy is out of the
// protocol core's scope (spec.md §1), so seeding storage is left to
// whatever external process generates the CRL.
func (b *Backend) PutCRL(ctx context.Context, issuer pkix.Name, crl *x509.RevocationList) error {
	issuerDER, err := encodeName(issuer)
	if err != nil {
		return fmt.Errorf("sqlite: encode issuer name: %w", err)
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO crl_store (issuer_name, crl_der, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(issuer_name) DO UPDATE SET crl_der = excluded.crl_der, updated_at = CURRENT_TIMESTAMP
	`, issuerDER, crl.Raw)
	if err != nil {
		return fmt.Errorf("sqlite: store CRL: %w", err)
	}
	return nil
}

// Enrol implements backend.CA.
func (b *Backend) Enrol(ctx context.Context, csr *x509.CertificateRequest, challengePassword string, signerCert *x509.Certificate, transID scep.TransactionID) ([]*x509.Certificate, error) {
	if csr.Subject.CommonName == pollCommonName {
		if err := b.storePending(ctx, transID, csr, false); err != nil {
			return nil, err
		}
		log.Printf("sqlite: enrolment for %q held pending (transId=%s)", csr.Subject.CommonName, transID)
		return nil, nil
	}

	if b.policy.ChallengePassword != "" && challengePassword != b.policy.ChallengePassword {
		return nil, backend.NewOperationFailure(scep.FailInfoBadRequest, "missing or incorrect challenge password")
	}

	cert, err := issueCertificate(b.ca, csr, b.policy.CertValidDays)
	if err != nil {
		return nil, fmt.Errorf("sqlite: issue certificate: %w", err)
	}
	if err := b.storeIssued(ctx, b.ca.Certificate.Subject, cert); err != nil {
		return nil, err
	}
	log.Printf("sqlite: issued certificate for %q (serial=%s)", csr.Subject.CommonName, cert.SerialNumber.Text(16))
	return []*x509.Certificate{cert}, nil
}

// Renew implements backend.CA. Challenge-password gating does not apply,
// and the request's signer certificate is not checked against this CA:
// every renewal CSR is issued.
func (b *Backend) Renew(ctx context.Context, csr *x509.CertificateRequest, signerCert *x509.Certificate, transID scep.TransactionID) ([]*x509.Certificate, error) {
	cert, err := issueCertificate(b.ca, csr, b.policy.CertValidDays)
	if err != nil {
		return nil, fmt.Errorf("sqlite: issue renewal certificate: %w", err)
	}
	if err := b.storeIssued(ctx, b.ca.Certificate.Subject, cert); err != nil {
		return nil, err
	}
	log.Printf("sqlite: renewed certificate for %q (serial=%s)", csr.Subject.CommonName, cert.SerialNumber.Text(16))
	return []*x509.Certificate{cert}, nil
}

func (b *Backend) storePending(ctx context.Context, transID scep.TransactionID, csr *x509.CertificateRequest, renewal bool) error {
	var count int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_enrolments WHERE trans_id = ?`, string(transID)).Scan(&count); err != nil {
		return fmt.Errorf("sqlite: check existing pending enrolment: %w", err)
	}
	if count > 0 {
		return nil
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO pending_enrolments (id, trans_id, issuer_name, subject_name, csr_der, is_renewal)
		VALUES (?, ?, ?, ?, ?, ?)
	`, uuid.New().String(), string(transID), b.ca.Certificate.RawSubject, csr.RawSubject, csr.Raw, renewal)
	if err != nil {
		return fmt.Errorf("sqlite: store pending enrolment: %w", err)
	}
	return nil
}

func (b *Backend) storeIssued(ctx context.Context, issuer pkix.Name, cert *x509.Certificate) error {
	issuerDER, err := encodeName(issuer)
	if err != nil {
		return fmt.Errorf("sqlite: encode issuer name: %w", err)
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO issued_certificates (id, issuer_name, serial_hex, subject_cn, cert_der)
		VALUES (?, ?, ?, ?, ?)
	`, uuid.New().String(), issuerDER, cert.SerialNumber.Text(16), cert.Subject.CommonName, cert.Raw)
	if err != nil {
		return fmt.Errorf("sqlite: store issued certificate: %w", err)
	}
	return nil
}

// encodeName returns the DER RDNSequence encoding of name, matching what
// x509.Certificate.RawSubject/RawIssuer already carry for loaded
// certificates.
func encodeName(name pkix.Name) ([]byte, error) {
	return asn1.Marshal(name.ToRDNSequence())
}

// Identity implements backend.CA.
func (b *Backend) Identity() backend.Identity {
	s := b.signer()
	chain := []*x509.Certificate{s.Certificate}
	if b.ra != nil {
		chain = append(chain, b.ca.Certificate)
	}
	return backend.Identity{
		RecipientCert: s.Certificate,
		RecipientKey:  crypto.PrivateKey(s.PrivateKey),
		SignerCert:    s.Certificate,
		SignerKey:     crypto.PrivateKey(s.PrivateKey),
		SignerChain:   chain,
	}
}
