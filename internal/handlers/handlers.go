// Package handlers implements the SCEP operation handlers (the "C5"
// component): the glue between the request dispatcher (C4), the pkiMessage
// codec (C3), and a CA backend (C6). Grounded on the teacher's
// internal/scep.Handler (handleGetCACert/handleGetCACaps/handlePKIOperation/
// sendSCEPSuccess/sendSCEPFailure in mdm-server/internal/scep/scep.go),
// generalized from a single hardcoded CA to an injected backend.CA and from
// enrolment-only to the full GetCert/GetCertInitial/GetCRL/RenewalReq set.
package handlers

import (
	"context"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"

	"scepd/internal/backend"
	"scepd/internal/dispatcher"
	"scepd/internal/envelope"
	"scepd/internal/scep"
)

// Config bundles what New needs to build the dispatcher.Handlers wiring.
type Config struct {
	CA backend.CA

	// ContentEncryptionAlgorithm is the algorithm used to envelope a
	// CertRep's inner content; spec.md §4.4 defaults this to DES-EDE3-CBC.
	ContentEncryptionAlgorithm envelope.Algorithm

	// RequireSigningTimeCheck is forwarded to scep.Decode; see
	// scep.WithSigningTimeCheck.
	RequireSigningTimeCheck bool
}

// New builds the dispatcher.Handlers callback set backed by cfg.CA.
func New(cfg Config) dispatcher.Handlers {
	h := &handlers{cfg: cfg}
	return dispatcher.Handlers{
		GetCACaps:     h.getCACaps,
		GetCACert:     h.getCACert,
		GetNextCACert: h.getNextCACert,
		PKIOperation:  h.pkiOperation,
	}
}

type handlers struct {
	cfg Config
}

func (h *handlers) getCACaps(identifier string) ([]string, error) {
	caps, err := h.cfg.CA.Capabilities(context.Background(), identifier)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = string(c)
	}
	return out, nil
}

func (h *handlers) getCACert(identifier string) ([][]byte, error) {
	certs, err := h.cfg.CA.GetCACertificate(context.Background(), identifier)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(certs))
	for i, c := range certs {
		out[i] = c.Raw
	}
	return out, nil
}

func (h *handlers) getNextCACert(identifier string) ([]byte, bool, error) {
	certs, err := h.cfg.CA.GetNextCACertificate(context.Background(), identifier)
	if err != nil {
		return nil, false, err
	}
	if len(certs) == 0 {
		return nil, false, nil
	}
	degenerate, err := scep.DegenerateSignedData(certs)
	if err != nil {
		return nil, false, err
	}
	return degenerate, true, nil
}

// pkiOperation decodes a pkiMessage, dispatches it to the backend, and
// encodes the resulting CertRep. Per spec.md §7, a decode failure means the
// sender is not authenticated; it is returned as a plain error so the
// dispatcher surfaces a 500 instead of a spoofable CertRep.
func (h *handlers) pkiOperation(body []byte) ([]byte, error) {
	identity := h.cfg.CA.Identity()

	msg, err := scep.Decode(body, identity.RecipientCert, identity.RecipientKey, scep.WithSigningTimeCheck(h.cfg.RequireSigningTimeCheck))
	if err != nil {
		return nil, fmt.Errorf("handlers: decode pkiMessage: %w", err)
	}

	outcome, err := h.dispatchMessage(context.Background(), msg)
	if err != nil {
		return nil, err
	}

	reply := scep.ReplyInput{
		TransactionID:  msg.TransactionID,
		RecipientNonce: msg.SenderNonce,
		Outcome:        outcome,
	}
	out, _, err := scep.EncodeReply(reply, msg.SignerCert, identity.SignerCert, identity.SignerKey, h.cfg.ContentEncryptionAlgorithm)
	if err != nil {
		return nil, fmt.Errorf("handlers: encode CertRep: %w", err)
	}
	return out, nil
}

func (h *handlers) dispatchMessage(ctx context.Context, msg *scep.Message) (scep.CertRepOutcome, error) {
	switch msg.Type {
	case scep.MessageTypeGetCert:
		return h.handleGetCert(ctx, msg)
	case scep.MessageTypeGetCertInitial:
		return h.handleGetCertInitial(ctx, msg)
	case scep.MessageTypeGetCRL:
		return h.handleGetCRL(ctx, msg)
	case scep.MessageTypePKCSReq:
		return h.handleEnrol(ctx, msg, false)
	case scep.MessageTypeRenewalReq:
		return h.handleEnrol(ctx, msg, true)
	default:
		return scep.CertRepOutcome{}, fmt.Errorf("handlers: unsupported messageType %s in PKIOperation", msg.Type)
	}
}

func (h *handlers) handleGetCert(ctx context.Context, msg *scep.Message) (scep.CertRepOutcome, error) {
	issuer, err := nameFromRawValue(msg.CertQuery.IssuerName)
	if err != nil {
		return scep.CertRepOutcome{}, fmt.Errorf("handlers: decode GetCert issuer name: %w", err)
	}
	certs, err := h.cfg.CA.GetCert(ctx, issuer, msg.CertQuery.SerialNumber)
	if of, ok := asOperationFailure(err); ok {
		return scep.FailureOutcome(of.Info), nil
	}
	if err != nil {
		return scep.CertRepOutcome{}, err
	}
	if len(certs) == 0 {
		return scep.FailureOutcome(scep.FailInfoBadCertID), nil
	}
	inner, err := scep.DegenerateSignedData(certs)
	if err != nil {
		return scep.CertRepOutcome{}, err
	}
	return scep.SuccessOutcome(inner), nil
}

func (h *handlers) handleGetCertInitial(ctx context.Context, msg *scep.Message) (scep.CertRepOutcome, error) {
	issuer, err := nameFromRawValue(msg.CertPoll.IssuerAndSubject.Issuer)
	if err != nil {
		return scep.CertRepOutcome{}, fmt.Errorf("handlers: decode GetCertInitial issuer name: %w", err)
	}
	subject, err := nameFromRawValue(msg.CertPoll.IssuerAndSubject.Subject)
	if err != nil {
		return scep.CertRepOutcome{}, fmt.Errorf("handlers: decode GetCertInitial subject name: %w", err)
	}
	certs, err := h.cfg.CA.GetCertInitial(ctx, issuer, subject, msg.TransactionID)
	if of, ok := asOperationFailure(err); ok {
		return scep.FailureOutcome(of.Info), nil
	}
	if err != nil {
		return scep.CertRepOutcome{}, err
	}
	if len(certs) == 0 {
		return scep.PendingOutcome(), nil
	}
	inner, err := scep.DegenerateSignedData(certs)
	if err != nil {
		return scep.CertRepOutcome{}, err
	}
	return scep.SuccessOutcome(inner), nil
}

func (h *handlers) handleGetCRL(ctx context.Context, msg *scep.Message) (scep.CertRepOutcome, error) {
	issuer, err := nameFromRawValue(msg.CertQuery.IssuerName)
	if err != nil {
		return scep.CertRepOutcome{}, fmt.Errorf("handlers: decode GetCRL issuer name: %w", err)
	}
	crl, err := h.cfg.CA.GetCRL(ctx, issuer, msg.CertQuery.SerialNumber)
	if of, ok := asOperationFailure(err); ok {
		return scep.FailureOutcome(of.Info), nil
	}
	if err != nil {
		return scep.CertRepOutcome{}, err
	}

	var inner []byte
	if crl != nil {
		inner, err = scep.DegenerateCRL(crl)
	} else {
		inner, err = scep.DegenerateEmptyCRLSet()
	}
	if err != nil {
		return scep.CertRepOutcome{}, err
	}
	return scep.SuccessOutcome(inner), nil
}

func (h *handlers) handleEnrol(ctx context.Context, msg *scep.Message, renewal bool) (scep.CertRepOutcome, error) {
	var certs []*x509.Certificate
	var err error

	if renewal {
		caps, capErr := h.cfg.CA.Capabilities(ctx, "")
		if capErr != nil {
			return scep.CertRepOutcome{}, capErr
		}
		if !hasCapability(caps, backend.CapRenewal) {
			// Refused before ever calling Renew (SPEC_FULL.md §13).
			return scep.FailureOutcome(scep.FailInfoBadRequest), nil
		}
		certs, err = h.cfg.CA.Renew(ctx, msg.Enrollment.CSR, msg.SignerCert, msg.TransactionID)
	} else {
		certs, err = h.cfg.CA.Enrol(ctx, msg.Enrollment.CSR, msg.Enrollment.ChallengePassword, msg.SignerCert, msg.TransactionID)
	}

	if of, ok := asOperationFailure(err); ok {
		return scep.FailureOutcome(of.Info), nil
	}
	if err != nil {
		return scep.CertRepOutcome{}, err
	}
	if len(certs) == 0 {
		return scep.PendingOutcome(), nil
	}
	inner, err := scep.DegenerateSignedData(certs)
	if err != nil {
		return scep.CertRepOutcome{}, err
	}
	return scep.SuccessOutcome(inner), nil
}

func hasCapability(caps []backend.Capability, want backend.Capability) bool {
	for _, c := range caps {
		if c == want {
			return true
		}
	}
	return false
}

func asOperationFailure(err error) (*backend.OperationFailure, bool) {
	of, ok := err.(*backend.OperationFailure)
	return of, ok
}

// nameFromRawValue decodes a DER RDNSequence (as carried inside
// IssuerAndSerialNumber/IssuerAndSubject) into a pkix.Name the backend
// interface deals in.
func nameFromRawValue(raw asn1.RawValue) (pkix.Name, error) {
	var rdn pkix.RDNSequence
	if _, err := asn1.Unmarshal(raw.FullBytes, &rdn); err != nil {
		return pkix.Name{}, err
	}
	var name pkix.Name
	name.FillFromRDNSequence(&rdn)
	return name, nil
}
