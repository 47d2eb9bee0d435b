// Package scep implements the SCEP pkiMessage codec: decoding a
// client-signed, client-enveloped CMS object into a typed Message, and
// encoding a server-signed, client-enveloped CertRep reply with the
// correct SCEP signed attributes.
//
// The Message shape — a MessageType discriminant plus one of several
// pointer-typed payload fields — mirrors the PKIMessage struct in
// tasuku-revol-scep's scep.go (the micromdm/scep codec this package plays
// the same role as), generalized to cover GetCert/GetCRL/GetCertInitial,
// which that codec left unimplemented.
package scep

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"time"

	"go.mozilla.org/pkcs7"

	"scepd/internal/cms"
	"scepd/internal/envelope"
)

// MessageType identifies a SCEP transaction's operation, carried as a
// decimal PrintableString in the id-scepMessageType signed attribute.
type MessageType int

const (
	MessageTypeCertRep        MessageType = 3
	MessageTypeRenewalReq     MessageType = 17
	MessageTypePKCSReq        MessageType = 19
	MessageTypeGetCertInitial MessageType = 20
	MessageTypeGetCert        MessageType = 21
	MessageTypeGetCRL         MessageType = 22
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeCertRep:
		return "CertRep"
	case MessageTypeRenewalReq:
		return "RenewalReq"
	case MessageTypePKCSReq:
		return "PKCSReq"
	case MessageTypeGetCertInitial:
		return "GetCertInitial"
	case MessageTypeGetCert:
		return "GetCert"
	case MessageTypeGetCRL:
		return "GetCRL"
	default:
		return fmt.Sprintf("MessageType(%d)", int(t))
	}
}

// PKIStatus is the id-scepPKIStatus signed attribute of a CertRep.
type PKIStatus int

const (
	StatusSuccess PKIStatus = 0
	StatusFailure PKIStatus = 2
	StatusPending PKIStatus = 3
)

// FailInfo is the id-scepFailInfo signed attribute of a FAILURE CertRep.
type FailInfo int

const (
	FailInfoBadAlg          FailInfo = 0
	FailInfoBadMessageCheck FailInfo = 1
	FailInfoBadRequest      FailInfo = 2
	FailInfoBadTime         FailInfo = 3
	FailInfoBadCertID       FailInfo = 4
)

// TransactionID is the client-chosen, server-echoed transaction identifier.
type TransactionID string

// Nonce is a 16-byte value binding a request to its reply.
type Nonce []byte

// Enrollment is the payload of a PKCSReq or RenewalReq message.
type Enrollment struct {
	CSR               *x509.CertificateRequest
	ChallengePassword string
}

// CertRepOutcome is the payload of a CertRep message: exactly one of the
// three states spec.md's data model names.
type CertRepOutcome struct {
	Status   PKIStatus
	FailInfo FailInfo // meaningful only when Status == StatusFailure

	// InnerSignedData is the degenerate SignedData carrying the issued
	// certificate chain or CRL, present only when Status == StatusSuccess.
	InnerSignedData []byte
}

// SuccessOutcome builds a SUCCESS outcome carrying innerSignedData.
func SuccessOutcome(innerSignedData []byte) CertRepOutcome {
	return CertRepOutcome{Status: StatusSuccess, InnerSignedData: innerSignedData}
}

// PendingOutcome builds a PENDING outcome.
func PendingOutcome() CertRepOutcome {
	return CertRepOutcome{Status: StatusPending}
}

// FailureOutcome builds a FAILURE outcome carrying the given failInfo.
func FailureOutcome(info FailInfo) CertRepOutcome {
	return CertRepOutcome{Status: StatusFailure, FailInfo: info}
}

// Message is a decoded SCEP pkiMessage: a tagged union over MessageType.
// Exactly one of Enrollment, CertQuery, CertPoll, or CertRep is non-nil,
// selected by Type.
type Message struct {
	Type          MessageType
	TransactionID TransactionID
	SenderNonce   Nonce // nullable: tolerated absent per spec.md §4.3 step 4

	// SignerCert is the certificate that signed the outer SignedData,
	// picked out of its certificate set by matching the sole signerInfo.
	SignerCert *x509.Certificate

	Enrollment *Enrollment               // PKCSReq, RenewalReq
	CertQuery  *cms.IssuerAndSerialNumber // GetCert, GetCRL
	CertPoll   *certPoll                  // GetCertInitial
	CertRep    *certRep                   // CertRep

	// raw is the parsed outer SignedData the message was decoded from;
	// nothing in this package reads it after Decode returns.
	raw *pkcs7.PKCS7
}

type certPoll struct {
	IssuerAndSubject cms.IssuerAndSubject
}

type certRep struct {
	RecipientNonce Nonce
	Outcome        CertRepOutcome
}

// config holds Decode/EncodeReply options.
type config struct {
	checkSigningTime bool
	rand             io.Reader
}

// Option configures Decode or EncodeReply.
type Option func(*config)

// WithSigningTimeCheck toggles whether Decode rejects a pkiMessage whose
// signingTime authenticated attribute (if present) falls outside the
// signer certificate's NotBefore/NotAfter window. A message that omits
// the attribute entirely always passes; this only catches a present but
// stale or future-dated signingTime. Default is enabled.
func WithSigningTimeCheck(enabled bool) Option {
	return func(c *config) { c.checkSigningTime = enabled }
}

// WithRandSource overrides the CSPRNG used for nonce generation, so tests
// can inject a deterministic source instead of crypto/rand.
func WithRandSource(r io.Reader) Option {
	return func(c *config) { c.rand = r }
}

func newConfig(opts []Option) *config {
	c := &config{checkSigningTime: true, rand: rand.Reader}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DecodingError wraps a failure to parse or authenticate a pkiMessage.
// Per spec.md §7, callers MUST surface this as a 500 and must never
// synthesize a CertRep from it, since the sender has not been
// authenticated.
type DecodingError struct {
	msg string
	err error
}

func (e *DecodingError) Error() string { return e.msg + ": " + e.err.Error() }
func (e *DecodingError) Unwrap() error { return e.err }

func decodingErrorf(err error, format string, args ...any) *DecodingError {
	return &DecodingError{msg: fmt.Sprintf(format, args...), err: err}
}

// Decode parses a CMS SignedData, verifies its lone signer, decrypts its
// enveloped content via recipientCert/recipientKey, and returns the typed
// Message it carries.
func Decode(data []byte, recipientCert *x509.Certificate, recipientKey crypto.PrivateKey, opts ...Option) (*Message, error) {
	cfg := newConfig(opts)

	idents, err := cms.ParseSignerIdentities(data)
	if err != nil {
		return nil, decodingErrorf(err, "parse outer SignedData")
	}
	if len(idents) != 1 {
		return nil, decodingErrorf(errors.New("unsupported signerInfo count"), "expected exactly one signerInfo, got %d", len(idents))
	}

	p7, err := pkcs7.Parse(data)
	if err != nil {
		return nil, decodingErrorf(err, "parse SignedData")
	}

	signerCert, err := selectSigner(p7, idents[0])
	if err != nil {
		return nil, decodingErrorf(err, "select signer certificate")
	}

	if err := p7.Verify(); err != nil {
		return nil, decodingErrorf(err, "verify signature")
	}

	if cfg.checkSigningTime {
		if err := checkSigningTime(p7, signerCert); err != nil {
			return nil, decodingErrorf(err, "check signingTime attribute")
		}
	}

	msgType, err := unmarshalMessageType(p7)
	if err != nil {
		return nil, decodingErrorf(err, "read messageType attribute")
	}

	var transID TransactionID
	if err := p7.UnmarshalSignedAttribute(oidTransactionID, &transID); err != nil {
		return nil, decodingErrorf(err, "read transactionID attribute")
	}

	var senderNonce []byte
	_ = p7.UnmarshalSignedAttribute(oidSenderNonce, &senderNonce) // nullable

	msg := &Message{
		Type:          msgType,
		TransactionID: transID,
		SenderNonce:   Nonce(senderNonce),
		SignerCert:    signerCert,
		raw:           p7,
	}

	switch msgType {
	case MessageTypePKCSReq, MessageTypeRenewalReq:
		inner, err := envelope.Decode(p7.Content, recipientCert, recipientKey)
		if err != nil {
			return nil, decodingErrorf(err, "decrypt enveloped CSR")
		}
		csr, err := x509.ParseCertificateRequest(inner)
		if err != nil {
			return nil, decodingErrorf(err, "parse CSR")
		}
		challenge, err := cms.ParseChallengePassword(inner)
		if err != nil {
			return nil, decodingErrorf(err, "parse CSR challengePassword")
		}
		msg.Enrollment = &Enrollment{CSR: csr, ChallengePassword: challenge}

	case MessageTypeGetCert, MessageTypeGetCRL:
		inner, err := envelope.Decode(p7.Content, recipientCert, recipientKey)
		if err != nil {
			return nil, decodingErrorf(err, "decrypt enveloped IssuerAndSerialNumber")
		}
		ias, err := cms.ParseIssuerAndSerialNumber(inner)
		if err != nil {
			return nil, decodingErrorf(err, "parse IssuerAndSerialNumber")
		}
		msg.CertQuery = &ias

	case MessageTypeGetCertInitial:
		inner, err := envelope.Decode(p7.Content, recipientCert, recipientKey)
		if err != nil {
			return nil, decodingErrorf(err, "decrypt enveloped IssuerAndSubject")
		}
		ias, err := cms.ParseIssuerAndSubject(inner)
		if err != nil {
			return nil, decodingErrorf(err, "parse IssuerAndSubject")
		}
		msg.CertPoll = &certPoll{IssuerAndSubject: ias}

	case MessageTypeCertRep:
		cr, err := decodeCertRep(p7, recipientCert, recipientKey)
		if err != nil {
			return nil, err
		}
		msg.CertRep = cr

	default:
		return nil, decodingErrorf(errors.New("unknown messageType"), "messageType %d", int(msgType))
	}

	return msg, nil
}

func decodeCertRep(p7 *pkcs7.PKCS7, recipientCert *x509.Certificate, recipientKey crypto.PrivateKey) (*certRep, error) {
	var statusStr string
	if err := p7.UnmarshalSignedAttribute(oidPKIStatus, &statusStr); err != nil {
		return nil, decodingErrorf(err, "read pkiStatus attribute")
	}
	var status int
	if _, err := fmt.Sscanf(statusStr, "%d", &status); err != nil {
		return nil, decodingErrorf(err, "pkiStatus %q is not numeric", statusStr)
	}
	var recipientNonce []byte
	if err := p7.UnmarshalSignedAttribute(oidRecipientNonce, &recipientNonce); err != nil {
		return nil, decodingErrorf(err, "read recipientNonce attribute")
	}

	outcome := CertRepOutcome{Status: PKIStatus(status)}
	switch PKIStatus(status) {
	case StatusSuccess:
		inner, err := envelope.Decode(p7.Content, recipientCert, recipientKey)
		if err != nil {
			return nil, decodingErrorf(err, "decrypt enveloped inner SignedData")
		}
		outcome.InnerSignedData = inner
	case StatusPending:
		// no inner content
	case StatusFailure:
		var failInfoStr string
		if err := p7.UnmarshalSignedAttribute(oidFailInfo, &failInfoStr); err != nil {
			return nil, decodingErrorf(err, "read failInfo attribute")
		}
		var failInfo int
		if _, err := fmt.Sscanf(failInfoStr, "%d", &failInfo); err != nil {
			return nil, decodingErrorf(err, "failInfo %q is not numeric", failInfoStr)
		}
		outcome.FailInfo = FailInfo(failInfo)
	default:
		return nil, decodingErrorf(fmt.Errorf("unknown pkiStatus %d", status), "pkiStatus")
	}

	return &certRep{RecipientNonce: Nonce(recipientNonce), Outcome: outcome}, nil
}

func unmarshalMessageType(p7 *pkcs7.PKCS7) (MessageType, error) {
	var s string
	if err := p7.UnmarshalSignedAttribute(oidMessageType, &s); err != nil {
		return 0, err
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, fmt.Errorf("messageType %q is not numeric: %w", s, err)
	}
	return MessageType(n), nil
}

// checkSigningTime validates the optional signingTime authenticated
// attribute, when present, against the signer certificate's validity
// window. draft-nourse-scep does not mandate the attribute, so its
// absence is not itself an error; a present-but-out-of-window value is.
func checkSigningTime(p7 *pkcs7.PKCS7, signerCert *x509.Certificate) error {
	var signingTime time.Time
	if err := p7.UnmarshalSignedAttribute(oidSigningTime, &signingTime); err != nil {
		return nil
	}
	if signingTime.Before(signerCert.NotBefore) || signingTime.After(signerCert.NotAfter) {
		return fmt.Errorf("signingTime %s outside signer certificate validity window [%s, %s]",
			signingTime.UTC(), signerCert.NotBefore.UTC(), signerCert.NotAfter.UTC())
	}
	return nil
}

func selectSigner(p7 *pkcs7.PKCS7, ident cms.IssuerAndSerialNumber) (*x509.Certificate, error) {
	for _, cert := range p7.Certificates {
		if ident.Matches(cert) {
			return cert, nil
		}
	}
	return nil, errors.New("no certificate in certificate set matches the signerInfo identity")
}

// ReplyInput is what the caller of EncodeReply already knows about the request
// being answered: its transaction id and the nonce to echo back.
type ReplyInput struct {
	TransactionID  TransactionID
	RecipientNonce Nonce // == request's SenderNonce
	Outcome        CertRepOutcome
}

// EncodeReply builds a server-signed CertRep SignedData for in, enveloping
// any inner SUCCESS content for recipientCert, and signing with
// signerCert/signerKey. It returns the encoded reply and the fresh sender
// nonce it generated.
func EncodeReply(in ReplyInput, recipientCert, signerCert *x509.Certificate, signerKey crypto.PrivateKey, alg envelope.Algorithm, opts ...Option) ([]byte, Nonce, error) {
	cfg := newConfig(opts)

	senderNonce := make([]byte, 16)
	if _, err := io.ReadFull(cfg.rand, senderNonce); err != nil {
		return nil, nil, fmt.Errorf("scep: generate sender nonce: %w", err)
	}

	var content []byte
	if in.Outcome.Status == StatusSuccess {
		enveloped, err := envelope.Encode(in.Outcome.InnerSignedData, recipientCert, alg)
		if err != nil {
			return nil, nil, fmt.Errorf("scep: envelope inner content: %w", err)
		}
		content = enveloped
	}

	attrs := []pkcs7.Attribute{
		{Type: oidTransactionID, Value: string(in.TransactionID)},
		{Type: oidMessageType, Value: fmt.Sprintf("%d", int(MessageTypeCertRep))},
		{Type: oidPKIStatus, Value: fmt.Sprintf("%d", int(in.Outcome.Status))},
		{Type: oidSenderNonce, Value: []byte(senderNonce)},
		{Type: oidRecipientNonce, Value: []byte(in.RecipientNonce)},
	}
	if in.Outcome.Status == StatusFailure {
		attrs = append(attrs, pkcs7.Attribute{Type: oidFailInfo, Value: fmt.Sprintf("%d", int(in.Outcome.FailInfo))})
	}

	sd, err := pkcs7.NewSignedData(content)
	if err != nil {
		return nil, nil, fmt.Errorf("scep: create SignedData: %w", err)
	}
	for _, cert := range signerChainOf(signerCert) {
		sd.AddCertificate(cert)
	}
	if err := sd.AddSigner(signerCert, signerKey, pkcs7.SignerInfoConfig{ExtraSignedAttributes: attrs}); err != nil {
		return nil, nil, fmt.Errorf("scep: sign CertRep: %w", err)
	}
	out, err := sd.Finish()
	if err != nil {
		return nil, nil, fmt.Errorf("scep: finish CertRep: %w", err)
	}
	return out, Nonce(senderNonce), nil
}

// signerChainOf is a seam for future chain inclusion; for now it just
// carries the leaf, matching what EncodeReply's caller (the handlers
// package) builds.
func signerChainOf(signerCert *x509.Certificate) []*x509.Certificate {
	return []*x509.Certificate{signerCert}
}

// DegenerateSignedData builds a signer-less, content-less SignedData whose
// sole purpose is to carry certs (or a CRL, via DegenerateCRL) — the
// "degenerate SignedData" GetCACert, GetNextCACert, and CertRep SUCCESS all
// use to transport certificate sets.
func DegenerateSignedData(certs []*x509.Certificate) ([]byte, error) {
	var der []byte
	for _, c := range certs {
		der = append(der, c.Raw...)
	}
	out, err := pkcs7.DegenerateCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("scep: build degenerate SignedData: %w", err)
	}
	return out, nil
}

// degenerateSignedData mirrors RFC 5652's SignedData with an empty
// signerInfos set, used to transport only a certificate set or CRL set
// with no signature of its own.
type degenerateSignedData struct {
	Version          int
	DigestAlgorithms []asn1.RawValue `asn1:"set"`
	EncapContentInfo asn1.RawValue
	Certificates     asn1.RawValue   `asn1:"optional,tag:0"`
	CRLs             asn1.RawValue   `asn1:"optional,tag:1"`
	SignerInfos      []asn1.RawValue `asn1:"set"`
}

var oidPKCS7Data = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
var oidPKCS7SignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}

// DegenerateCRL builds a signer-less, content-less SignedData carrying only
// crl in its CRLs field, for GetCRL replies.
func DegenerateCRL(crl *x509.RevocationList) ([]byte, error) {
	econtent, err := emptyEncapContentInfo()
	if err != nil {
		return nil, err
	}
	sd := degenerateSignedData{
		Version:          1,
		DigestAlgorithms: []asn1.RawValue{},
		EncapContentInfo: econtent,
		CRLs:             asn1.RawValue{FullBytes: wrapImplicitSet(1, crl.Raw)},
		SignerInfos:      []asn1.RawValue{},
	}
	return marshalDegenerateSignedData(sd)
}

// DegenerateEmptyCRLSet builds a signer-less, content-less SignedData
// carrying neither certificates nor CRLs, for GetCRL replies when the
// backend has no CRL on file (spec.md §4.4: "an empty CRL set").
func DegenerateEmptyCRLSet() ([]byte, error) {
	econtent, err := emptyEncapContentInfo()
	if err != nil {
		return nil, err
	}
	sd := degenerateSignedData{
		Version:          1,
		DigestAlgorithms: []asn1.RawValue{},
		EncapContentInfo: econtent,
		SignerInfos:      []asn1.RawValue{},
	}
	return marshalDegenerateSignedData(sd)
}

func emptyEncapContentInfo() (asn1.RawValue, error) {
	econtent, err := asn1.Marshal(struct {
		Type    asn1.ObjectIdentifier
		Content asn1.RawValue `asn1:"optional,explicit,tag:0"`
	}{Type: oidPKCS7Data})
	if err != nil {
		return asn1.RawValue{}, fmt.Errorf("scep: marshal empty encapContentInfo: %w", err)
	}
	return asn1.RawValue{FullBytes: econtent}, nil
}

func marshalDegenerateSignedData(sd degenerateSignedData) ([]byte, error) {
	sdDER, err := asn1.Marshal(sd)
	if err != nil {
		return nil, fmt.Errorf("scep: marshal degenerate SignedData: %w", err)
	}
	out, err := asn1.Marshal(struct {
		Type    asn1.ObjectIdentifier
		Content asn1.RawValue `asn1:"explicit,tag:0"`
	}{Type: oidPKCS7SignedData, Content: asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: sdDER}})
	if err != nil {
		return nil, fmt.Errorf("scep: marshal degenerate SignedData ContentInfo: %w", err)
	}
	return out, nil
}

// wrapImplicitSet wraps a single DER element's bytes in a context-specific,
// constructed, implicit SET tagged with tag, per the CRLs [1] IMPLICIT SET
// OF CertificateList convention.
func wrapImplicitSet(tag int, elementDER []byte) []byte {
	header, err := asn1.Marshal(asn1.RawValue{
		Class:      asn1.ClassContextSpecific,
		Tag:        tag,
		IsCompound: true,
		Bytes:      elementDER,
	})
	if err != nil {
		// asn1.Marshal on a RawValue with pre-built Bytes cannot fail.
		panic(err)
	}
	return header
}
