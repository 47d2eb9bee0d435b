// Package envelope implements the SCEP envelope codec (the "C2"
// component): encrypting and decrypting a pkiMessage's inner content as
// CMS EnvelopedData for a single RSA key-transport recipient.
//
// Encoding is hand-rolled against RFC 5652, because go.mozilla.org/pkcs7's
// Encrypt only offers AES variants and plain DES-CBC through a
// package-global algorithm switch, not the DES-EDE3-CBC SCEP requires as
// its default. Decoding tries the same hand-rolled path first (so we
// always round-trip what we produce) and falls back to
// go.mozilla.org/pkcs7 for content-encryption algorithms we don't
// implement ourselves, such as AES-GCM, which some newer clients offer.
package envelope

import (
	"crypto"
	"crypto/cipher"
	"crypto/des"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"

	"go.mozilla.org/pkcs7"

	"scepd/internal/cms"
)

// Algorithm names a content-encryption algorithm Encode can produce.
type Algorithm int

const (
	// DES3CBC is DES-EDE3-CBC (triple-DES), the SCEP-mandated default.
	DES3CBC Algorithm = iota
	// DESCBC is legacy single-DES, kept only for interop with old clients.
	DESCBC
)

var (
	oidData          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	oidEnvelopedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 3}
	oidRSAEncryption = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	oidDESCBC        = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 7}
	oidDESEDE3CBC    = asn1.ObjectIdentifier{1, 2, 840, 113549, 3, 7}
)

type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

type recipientInfo struct {
	Version                int
	IssuerAndSerialNumber  cms.IssuerAndSerialNumber
	KeyEncryptionAlgorithm algorithmIdentifier
	EncryptedKey           []byte
}

type encryptedContentInfo struct {
	ContentType                asn1.ObjectIdentifier
	ContentEncryptionAlgorithm algorithmIdentifier
	EncryptedContent           []byte `asn1:"optional,tag:0"`
}

type envelopedData struct {
	Version              int
	RecipientInfos       []recipientInfo `asn1:"set"`
	EncryptedContentInfo encryptedContentInfo
}

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,tag:0"`
}

// Encode wraps content in a CMS EnvelopedData DER-encoded for recipient,
// whose RSA public key transports a freshly generated content-encryption
// key, using the given content-encryption algorithm.
func Encode(content []byte, recipient *x509.Certificate, alg Algorithm) ([]byte, error) {
	rsaPub, ok := recipient.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("envelope: recipient certificate does not carry an RSA public key")
	}

	keySize, oid, err := algParams(alg)
	if err != nil {
		return nil, err
	}

	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("envelope: generate content-encryption key: %w", err)
	}
	iv := make([]byte, des.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("envelope: generate IV: %w", err)
	}

	block, err := newCBCCipher(alg, key)
	if err != nil {
		return nil, err
	}

	padded := pkcs7Pad(content, des.BlockSize)
	encrypted := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(encrypted, padded)

	encryptedKey, err := rsa.EncryptPKCS1v15(rand.Reader, rsaPub, key)
	if err != nil {
		return nil, fmt.Errorf("envelope: encrypt content-encryption key: %w", err)
	}

	ias, err := cms.NewIssuerAndSerialNumber(recipient)
	if err != nil {
		return nil, fmt.Errorf("envelope: build recipient identity: %w", err)
	}

	ivParam, err := asn1.Marshal(iv)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal IV: %w", err)
	}

	ed := envelopedData{
		Version: 0,
		RecipientInfos: []recipientInfo{{
			Version:               0,
			IssuerAndSerialNumber: ias,
			KeyEncryptionAlgorithm: algorithmIdentifier{
				Algorithm: oidRSAEncryption,
			},
			EncryptedKey: encryptedKey,
		}},
		EncryptedContentInfo: encryptedContentInfo{
			ContentType: oidData,
			ContentEncryptionAlgorithm: algorithmIdentifier{
				Algorithm:  oid,
				Parameters: asn1.RawValue{FullBytes: ivParam},
			},
			EncryptedContent: encrypted,
		},
	}

	edDER, err := asn1.Marshal(ed)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal EnvelopedData: %w", err)
	}

	ci := contentInfo{
		ContentType: oidEnvelopedData,
		Content:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: edDER},
	}
	out, err := asn1.Marshal(ci)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal ContentInfo: %w", err)
	}
	return out, nil
}

// Decode decrypts a CMS EnvelopedData DER blob addressed to recipientCert,
// using recipientKey. Returns a decoding error (never distinguishable from
// a bad message check by the caller) when no recipientInfo matches the
// given certificate.
func Decode(enveloped []byte, recipientCert *x509.Certificate, recipientKey crypto.PrivateKey) ([]byte, error) {
	content, _, err := tryDecodeKnown(enveloped, recipientCert, recipientKey)
	if err == nil {
		return content, nil
	}
	if !errors.Is(err, errUnknownAlgorithm) {
		return nil, err
	}

	// Not DES-CBC or DES-EDE3-CBC: fall back to go.mozilla.org/pkcs7 for
	// algorithms we don't implement directly (AES variants, GCM, etc).
	p7, perr := pkcs7.Parse(enveloped)
	if perr != nil {
		return nil, fmt.Errorf("envelope: parse EnvelopedData: %w", perr)
	}
	out, derr := p7.Decrypt(recipientCert, recipientKey)
	if derr != nil {
		return nil, fmt.Errorf("envelope: decrypt: %w", derr)
	}
	return out, nil
}

// errUnknownAlgorithm signals that the structure parsed fine but wasn't one
// we implement ourselves (or didn't parse as our structure at all); callers
// fall back to go.mozilla.org/pkcs7 in that case instead of failing.
var errUnknownAlgorithm = errors.New("envelope: unrecognized content-encryption algorithm")

func tryDecodeKnown(der []byte, recipientCert *x509.Certificate, recipientKey crypto.PrivateKey) ([]byte, Algorithm, error) {
	var ci contentInfo
	if _, err := asn1.Unmarshal(der, &ci); err != nil {
		return nil, 0, errUnknownAlgorithm
	}
	var ed envelopedData
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &ed); err != nil {
		return nil, 0, errUnknownAlgorithm
	}

	var alg Algorithm
	switch {
	case ed.EncryptedContentInfo.ContentEncryptionAlgorithm.Algorithm.Equal(oidDESEDE3CBC):
		alg = DES3CBC
	case ed.EncryptedContentInfo.ContentEncryptionAlgorithm.Algorithm.Equal(oidDESCBC):
		alg = DESCBC
	default:
		return nil, 0, errUnknownAlgorithm
	}

	// From here on the structure and algorithm are both ones we handle
	// directly, so any further error is a genuine decoding failure, not a
	// reason to fall back to pkcs7.
	rsaKey, ok := recipientKey.(*rsa.PrivateKey)
	if !ok {
		return nil, 0, errors.New("envelope: recipient key is not RSA")
	}

	var ri *recipientInfo
	for i := range ed.RecipientInfos {
		if ed.RecipientInfos[i].IssuerAndSerialNumber.Matches(recipientCert) {
			ri = &ed.RecipientInfos[i]
			break
		}
	}
	if ri == nil {
		return nil, 0, errors.New("envelope: no recipientInfo matches recipient certificate")
	}

	key, err := rsa.DecryptPKCS1v15(rand.Reader, rsaKey, ri.EncryptedKey)
	if err != nil {
		return nil, 0, fmt.Errorf("envelope: decrypt content-encryption key: %w", err)
	}

	var iv []byte
	if _, err := asn1.Unmarshal(ed.EncryptedContentInfo.ContentEncryptionAlgorithm.Parameters.FullBytes, &iv); err != nil {
		return nil, 0, fmt.Errorf("envelope: parse IV: %w", err)
	}

	block, err := newCBCCipher(alg, key)
	if err != nil {
		return nil, 0, err
	}
	encrypted := ed.EncryptedContentInfo.EncryptedContent
	if len(encrypted) == 0 || len(encrypted)%des.BlockSize != 0 {
		return nil, 0, errors.New("envelope: encrypted content is not block-aligned")
	}

	decrypted := make([]byte, len(encrypted))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(decrypted, encrypted)

	content, err := pkcs7Unpad(decrypted, des.BlockSize)
	if err != nil {
		return nil, 0, err
	}
	return content, alg, nil
}

func algParams(alg Algorithm) (keySize int, oid asn1.ObjectIdentifier, err error) {
	switch alg {
	case DES3CBC:
		return 24, oidDESEDE3CBC, nil
	case DESCBC:
		return 8, oidDESCBC, nil
	default:
		return 0, nil, fmt.Errorf("envelope: unsupported algorithm %d", alg)
	}
}

func newCBCCipher(alg Algorithm, key []byte) (cipher.Block, error) {
	switch alg {
	case DES3CBC:
		block, err := des.NewTripleDESCipher(key)
		if err != nil {
			return nil, fmt.Errorf("envelope: 3DES cipher: %w", err)
		}
		return block, nil
	case DESCBC:
		block, err := des.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("envelope: DES cipher: %w", err)
		}
		return block, nil
	default:
		return nil, fmt.Errorf("envelope: unsupported algorithm %d", alg)
	}
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("envelope: padded content is not block-aligned")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, errors.New("envelope: invalid PKCS#7 padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, errors.New("envelope: invalid PKCS#7 padding")
		}
	}
	return data[:len(data)-padLen], nil
}
