// Package cms provides the ASN.1 / CMS primitives the SCEP codec is built
// on: the outer SignedData structure (just enough of it to find out how
// many signers a message carries and who the first one claims to be),
// IssuerAndSerialNumber and IssuerAndSubject, and PKCS#10 CSR attribute
// parsing (challengePassword). Signature verification and
// degenerate-certificate construction are left to go.mozilla.org/pkcs7,
// and content encryption to internal/envelope; this package only covers
// the structure that library does not expose.
package cms

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
)

// oidChallengePassword is the PKCS#9 challengePassword attribute OID,
// carried inside a PKCS#10 CertificationRequestInfo's attributes set.
var oidChallengePassword = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 7}

// IssuerAndSerialNumber identifies a certificate by its issuer name and
// serial number, per RFC 5652 §10.2.4. It is used both as a CMS recipient
// identifier and as a standalone SCEP request payload (GetCert, GetCRL).
type IssuerAndSerialNumber struct {
	IssuerName   asn1.RawValue
	SerialNumber *big.Int
}

// Marshal encodes the IssuerAndSerialNumber as DER.
func (i IssuerAndSerialNumber) Marshal() ([]byte, error) {
	return asn1.Marshal(i)
}

// NewIssuerAndSerialNumber builds an IssuerAndSerialNumber for cert.
func NewIssuerAndSerialNumber(cert *x509.Certificate) (IssuerAndSerialNumber, error) {
	var raw asn1.RawValue
	if _, err := asn1.Unmarshal(cert.RawIssuer, &raw); err != nil {
		return IssuerAndSerialNumber{}, fmt.Errorf("cms: unmarshal issuer name: %w", err)
	}
	return IssuerAndSerialNumber{IssuerName: raw, SerialNumber: cert.SerialNumber}, nil
}

// ParseIssuerAndSerialNumber decodes a DER IssuerAndSerialNumber.
func ParseIssuerAndSerialNumber(der []byte) (IssuerAndSerialNumber, error) {
	var ias IssuerAndSerialNumber
	rest, err := asn1.Unmarshal(der, &ias)
	if err != nil {
		return IssuerAndSerialNumber{}, fmt.Errorf("cms: parse IssuerAndSerialNumber: %w", err)
	}
	if len(rest) != 0 {
		return IssuerAndSerialNumber{}, errors.New("cms: trailing bytes after IssuerAndSerialNumber")
	}
	return ias, nil
}

// Matches reports whether cert's issuer and serial number match i.
func (i IssuerAndSerialNumber) Matches(cert *x509.Certificate) bool {
	if i.SerialNumber == nil || cert.SerialNumber == nil {
		return false
	}
	if i.SerialNumber.Cmp(cert.SerialNumber) != 0 {
		return false
	}
	var raw asn1.RawValue
	if _, err := asn1.Unmarshal(cert.RawIssuer, &raw); err != nil {
		return false
	}
	return string(raw.FullBytes) == string(i.IssuerName.FullBytes)
}

// IssuerAndSubject identifies a pending enrolment by the issuer that would
// sign it and the subject distinguished name being requested. Used by
// GetCertInitial to poll for a PKCSReq/RenewalReq that has not yet been
// decided.
type IssuerAndSubject struct {
	Issuer  asn1.RawValue
	Subject asn1.RawValue
}

// Marshal encodes the IssuerAndSubject as DER.
func (i IssuerAndSubject) Marshal() ([]byte, error) {
	return asn1.Marshal(i)
}

// ParseIssuerAndSubject decodes a DER IssuerAndSubject.
func ParseIssuerAndSubject(der []byte) (IssuerAndSubject, error) {
	var ias IssuerAndSubject
	rest, err := asn1.Unmarshal(der, &ias)
	if err != nil {
		return IssuerAndSubject{}, fmt.Errorf("cms: parse IssuerAndSubject: %w", err)
	}
	if len(rest) != 0 {
		return IssuerAndSubject{}, errors.New("cms: trailing bytes after IssuerAndSubject")
	}
	return ias, nil
}

// SubjectRawValue returns the RDNSequence of a parsed certificate request's
// subject, suitable for embedding in an IssuerAndSubject.
func SubjectRawValue(csr *x509.CertificateRequest) (asn1.RawValue, error) {
	var raw asn1.RawValue
	if _, err := asn1.Unmarshal(csr.RawSubject, &raw); err != nil {
		return asn1.RawValue{}, fmt.Errorf("cms: unmarshal CSR subject: %w", err)
	}
	return raw, nil
}

// contentInfo and signedData are just enough of RFC 5652's SignedData to learn how
// many SignerInfos a ContentInfo carries and what the first one's signer
// identity claims to be. Encrypted digests, attributes, and content are
// left as raw bytes; go.mozilla.org/pkcs7 handles those.
type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

type signedData struct {
	Version          int
	DigestAlgorithms []asn1.RawValue `asn1:"set"`
	EncapContentInfo asn1.RawValue
	Certificates     asn1.RawValue  `asn1:"optional,tag:0"`
	CRLs             asn1.RawValue  `asn1:"optional,tag:1"`
	SignerInfos      []rawSignerInfo `asn1:"set"`
}

type rawSignerInfo struct {
	Version               int
	IssuerAndSerialNumber IssuerAndSerialNumber
	DigestAlgorithm       pkix.AlgorithmIdentifier
	Rest                  asn1.RawValue `asn1:"optional"`
}

// ParseSignerIdentities returns the IssuerAndSerialNumber claimed by every
// SignerInfo in a DER-encoded SignedData ContentInfo, in order.
//
// The rest of each SignerInfo (signed attributes, signature, unsigned
// attributes) is ignored; callers use go.mozilla.org/pkcs7 for signature
// verification once they've decided which signer to trust.
func ParseSignerIdentities(der []byte) ([]IssuerAndSerialNumber, error) {
	var ci contentInfo
	if _, err := asn1.Unmarshal(der, &ci); err != nil {
		return nil, fmt.Errorf("cms: parse ContentInfo: %w", err)
	}
	var sd signedData
	if _, err := asn1.UnmarshalWithParams(ci.Content.Bytes, &sd, ""); err != nil {
		return nil, fmt.Errorf("cms: parse SignedData: %w", err)
	}
	idents := make([]IssuerAndSerialNumber, len(sd.SignerInfos))
	for i, si := range sd.SignerInfos {
		idents[i] = si.IssuerAndSerialNumber
	}
	return idents, nil
}

// csrAttribute mirrors PKCS#10's Attribute ::= SEQUENCE { type OID, values
// SET OF ANY }.
type csrAttribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

// tbsCertificationRequestInfo mirrors just enough of PKCS#10's
// CertificationRequestInfo to reach its [0]-tagged attributes set; the
// public key and signature are left to crypto/x509.
type tbsCertificationRequestInfo struct {
	Version       int
	Subject       asn1.RawValue
	PublicKey     asn1.RawValue
	RawAttributes []asn1.RawValue `asn1:"tag:0"`
}

type certificationRequest struct {
	TBSCSR             tbsCertificationRequestInfo
	SignatureAlgorithm asn1.RawValue
	SignatureValue     asn1.BitString
}

// ParseChallengePassword extracts the PKCS#9 challengePassword attribute
// from a DER-encoded PKCS#10 CertificationRequest, if present. Returns the
// empty string and a nil error if the CSR carries no such attribute.
func ParseChallengePassword(csrDER []byte) (string, error) {
	var cr certificationRequest
	if _, err := asn1.Unmarshal(csrDER, &cr); err != nil {
		return "", fmt.Errorf("cms: parse CertificationRequest: %w", err)
	}
	for _, rawAttr := range cr.TBSCSR.RawAttributes {
		var attr csrAttribute
		if _, err := asn1.Unmarshal(rawAttr.FullBytes, &attr); err != nil {
			continue
		}
		if !attr.Type.Equal(oidChallengePassword) {
			continue
		}
		if len(attr.Values) == 0 {
			return "", nil
		}
		return string(attr.Values[0].Bytes), nil
	}
	return "", nil
}
