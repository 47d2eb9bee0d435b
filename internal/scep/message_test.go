package scep

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"testing"
	"time"

	"go.mozilla.org/pkcs7"

	"scepd/internal/envelope"
)

func mustSelfSigned(t *testing.T, cn string) (*x509.Certificate, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageCertSign,
		IsCA:         true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return cert, key
}

// buildRequest signs and envelopes a PKCSReq/RenewalReq the way a client
// would, so Decode has something real to parse. Production code never
// builds requests; only the tests play the client role.
func buildRequest(t *testing.T, msgType MessageType, transID TransactionID, senderNonce []byte, csrDER []byte, signerCert *x509.Certificate, signerKey *rsa.PrivateKey, recipientCert *x509.Certificate) []byte {
	t.Helper()

	enveloped, err := envelope.Encode(csrDER, recipientCert, envelope.DES3CBC)
	if err != nil {
		t.Fatalf("envelope.Encode: %v", err)
	}

	attrs := []pkcs7.Attribute{
		{Type: oidTransactionID, Value: string(transID)},
		{Type: oidMessageType, Value: fmt.Sprintf("%d", int(msgType))},
		{Type: oidSenderNonce, Value: senderNonce},
	}

	sd, err := pkcs7.NewSignedData(enveloped)
	if err != nil {
		t.Fatalf("pkcs7.NewSignedData: %v", err)
	}
	sd.AddCertificate(signerCert)
	if err := sd.AddSigner(signerCert, signerKey, pkcs7.SignerInfoConfig{ExtraSignedAttributes: attrs}); err != nil {
		t.Fatalf("AddSigner: %v", err)
	}
	out, err := sd.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return out
}

func mustCSR(t *testing.T, cn string, key *rsa.PrivateKey) []byte {
	t.Helper()
	tmpl := &x509.CertificateRequest{Subject: pkix.Name{CommonName: cn}}
	der, err := x509.CreateCertificateRequest(rand.Reader, tmpl, key)
	if err != nil {
		t.Fatalf("create CSR: %v", err)
	}
	return der
}

func TestDecodePKCSReq(t *testing.T) {
	serverCert, serverKey := mustSelfSigned(t, "Test CA")
	clientCert, clientKey := mustSelfSigned(t, "Test Client")

	csrKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate CSR key: %v", err)
	}
	csrDER := mustCSR(t, "enroll.example.com", csrKey)

	reqBytes := buildRequest(t, MessageTypePKCSReq, "txn-1", []byte("0123456789abcdef"), csrDER, clientCert, clientKey, serverCert)

	msg, err := Decode(reqBytes, serverCert, serverKey)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Type != MessageTypePKCSReq {
		t.Fatalf("Type = %v, want PKCSReq", msg.Type)
	}
	if msg.TransactionID != "txn-1" {
		t.Fatalf("TransactionID = %q, want txn-1", msg.TransactionID)
	}
	if msg.Enrollment == nil {
		t.Fatal("Enrollment is nil")
	}
	if msg.Enrollment.CSR.Subject.CommonName != "enroll.example.com" {
		t.Fatalf("CSR CommonName = %q, want enroll.example.com", msg.Enrollment.CSR.Subject.CommonName)
	}
	if msg.SignerCert.Subject.CommonName != "Test Client" {
		t.Fatalf("SignerCert CommonName = %q, want Test Client", msg.SignerCert.Subject.CommonName)
	}
}

func TestDecodeRejectsTamperedSignature(t *testing.T) {
	serverCert, serverKey := mustSelfSigned(t, "Test CA")
	clientCert, clientKey := mustSelfSigned(t, "Test Client")
	csrKey, _ := rsa.GenerateKey(rand.Reader, 2048)
	csrDER := mustCSR(t, "enroll.example.com", csrKey)

	reqBytes := buildRequest(t, MessageTypePKCSReq, "txn-2", []byte("0123456789abcdef"), csrDER, clientCert, clientKey, serverCert)
	tampered := append([]byte(nil), reqBytes...)
	tampered[len(tampered)-1] ^= 0xFF

	if _, err := Decode(tampered, serverCert, serverKey); err == nil {
		t.Fatal("Decode accepted a tampered message")
	}
}

func TestDecodeCertRepSuccessRoundTrip(t *testing.T) {
	serverCert, serverKey := mustSelfSigned(t, "Test CA")
	clientCert, clientKey := mustSelfSigned(t, "Test Client")

	issued, _ := mustSelfSigned(t, "issued.example.com")
	inner, err := DegenerateSignedData([]*x509.Certificate{issued})
	if err != nil {
		t.Fatalf("DegenerateSignedData: %v", err)
	}

	replyBytes, nonce, err := EncodeReply(ReplyInput{
		TransactionID:  "txn-5",
		RecipientNonce: Nonce([]byte("fedcba9876543210")),
		Outcome:        SuccessOutcome(inner),
	}, clientCert, serverCert, serverKey, envelope.DES3CBC)
	if err != nil {
		t.Fatalf("EncodeReply: %v", err)
	}

	msg, err := Decode(replyBytes, clientCert, clientKey)
	if err != nil {
		t.Fatalf("Decode(CertRep): %v", err)
	}
	if msg.Type != MessageTypeCertRep {
		t.Fatalf("Type = %v, want CertRep", msg.Type)
	}
	if msg.CertRep == nil {
		t.Fatal("CertRep is nil")
	}
	if msg.CertRep.Outcome.Status != StatusSuccess {
		t.Fatalf("Status = %v, want SUCCESS", msg.CertRep.Outcome.Status)
	}
	if string(msg.CertRep.RecipientNonce) != "fedcba9876543210" {
		t.Fatalf("RecipientNonce = %q, want fedcba9876543210", msg.CertRep.RecipientNonce)
	}
	if len(nonce) != 16 {
		t.Fatalf("sender nonce length = %d, want 16", len(nonce))
	}
}

func TestEncodeReplySuccessRoundTrips(t *testing.T) {
	serverCert, serverKey := mustSelfSigned(t, "Test CA")
	clientCert, _ := mustSelfSigned(t, "Test Client")

	issued, _ := mustSelfSigned(t, "issued.example.com")
	inner, err := DegenerateSignedData([]*x509.Certificate{issued})
	if err != nil {
		t.Fatalf("DegenerateSignedData: %v", err)
	}

	replyBytes, nonce, err := EncodeReply(ReplyInput{
		TransactionID:  "txn-3",
		RecipientNonce: Nonce([]byte("fedcba9876543210")),
		Outcome:        SuccessOutcome(inner),
	}, clientCert, serverCert, serverKey, envelope.DES3CBC)
	if err != nil {
		t.Fatalf("EncodeReply: %v", err)
	}
	if len(nonce) != 16 {
		t.Fatalf("nonce length = %d, want 16", len(nonce))
	}

	p7, err := pkcs7.Parse(replyBytes)
	if err != nil {
		t.Fatalf("pkcs7.Parse(reply): %v", err)
	}
	var transID string
	if err := p7.UnmarshalSignedAttribute(oidTransactionID, &transID); err != nil {
		t.Fatalf("read transactionID: %v", err)
	}
	if transID != "txn-3" {
		t.Fatalf("transactionID = %q, want txn-3", transID)
	}
	var statusStr string
	if err := p7.UnmarshalSignedAttribute(oidPKIStatus, &statusStr); err != nil {
		t.Fatalf("read pkiStatus: %v", err)
	}
	var status int
	if _, err := fmt.Sscanf(statusStr, "%d", &status); err != nil {
		t.Fatalf("pkiStatus %q is not numeric: %v", statusStr, err)
	}
	if PKIStatus(status) != StatusSuccess {
		t.Fatalf("pkiStatus = %d, want SUCCESS", status)
	}
}

// buildRequestWithSigningTime is buildRequest plus an explicit signingTime
// authenticated attribute, so signing-time validation has something to
// reject or tolerate independently of the rest of the message.
func buildRequestWithSigningTime(t *testing.T, signingTime time.Time, csrDER []byte, signerCert *x509.Certificate, signerKey *rsa.PrivateKey, recipientCert *x509.Certificate) []byte {
	t.Helper()

	enveloped, err := envelope.Encode(csrDER, recipientCert, envelope.DES3CBC)
	if err != nil {
		t.Fatalf("envelope.Encode: %v", err)
	}

	attrs := []pkcs7.Attribute{
		{Type: oidTransactionID, Value: "txn-signingtime"},
		{Type: oidMessageType, Value: fmt.Sprintf("%d", int(MessageTypePKCSReq))},
		{Type: oidSenderNonce, Value: []byte("0123456789abcdef")},
		{Type: oidSigningTime, Value: signingTime},
	}

	sd, err := pkcs7.NewSignedData(enveloped)
	if err != nil {
		t.Fatalf("pkcs7.NewSignedData: %v", err)
	}
	sd.AddCertificate(signerCert)
	if err := sd.AddSigner(signerCert, signerKey, pkcs7.SignerInfoConfig{ExtraSignedAttributes: attrs}); err != nil {
		t.Fatalf("AddSigner: %v", err)
	}
	out, err := sd.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return out
}

func TestDecodeRejectsSigningTimeOutsideSignerValidityWindow(t *testing.T) {
	serverCert, serverKey := mustSelfSigned(t, "Test CA")
	clientCert, clientKey := mustSelfSigned(t, "Test Client") // NotBefore = now-1h, NotAfter = now+24h
	csrKey, _ := rsa.GenerateKey(rand.Reader, 2048)
	csrDER := mustCSR(t, "enroll.example.com", csrKey)

	stale := time.Now().Add(-48 * time.Hour)
	reqBytes := buildRequestWithSigningTime(t, stale, csrDER, clientCert, clientKey, serverCert)

	if _, err := Decode(reqBytes, serverCert, serverKey); err == nil {
		t.Fatal("Decode accepted a signingTime before the signer certificate's NotBefore")
	}
}

func TestDecodeToleratesSigningTimeOutsideWindowWhenCheckDisabled(t *testing.T) {
	serverCert, serverKey := mustSelfSigned(t, "Test CA")
	clientCert, clientKey := mustSelfSigned(t, "Test Client")
	csrKey, _ := rsa.GenerateKey(rand.Reader, 2048)
	csrDER := mustCSR(t, "enroll.example.com", csrKey)

	stale := time.Now().Add(-48 * time.Hour)
	reqBytes := buildRequestWithSigningTime(t, stale, csrDER, clientCert, clientKey, serverCert)

	if _, err := Decode(reqBytes, serverCert, serverKey, WithSigningTimeCheck(false)); err != nil {
		t.Fatalf("Decode with signing-time check disabled: %v", err)
	}
}

func TestDecodeAcceptsSigningTimeInsideWindow(t *testing.T) {
	serverCert, serverKey := mustSelfSigned(t, "Test CA")
	clientCert, clientKey := mustSelfSigned(t, "Test Client")
	csrKey, _ := rsa.GenerateKey(rand.Reader, 2048)
	csrDER := mustCSR(t, "enroll.example.com", csrKey)

	reqBytes := buildRequestWithSigningTime(t, time.Now(), csrDER, clientCert, clientKey, serverCert)

	if _, err := Decode(reqBytes, serverCert, serverKey); err != nil {
		t.Fatalf("Decode: %v", err)
	}
}

func TestEncodeReplyFailureCarriesFailInfo(t *testing.T) {
	serverCert, serverKey := mustSelfSigned(t, "Test CA")
	clientCert, _ := mustSelfSigned(t, "Test Client")

	replyBytes, _, err := EncodeReply(ReplyInput{
		TransactionID:  "txn-4",
		RecipientNonce: Nonce([]byte("fedcba9876543210")),
		Outcome:        FailureOutcome(FailInfoBadRequest),
	}, clientCert, serverCert, serverKey, envelope.DES3CBC)
	if err != nil {
		t.Fatalf("EncodeReply: %v", err)
	}

	p7, err := pkcs7.Parse(replyBytes)
	if err != nil {
		t.Fatalf("pkcs7.Parse(reply): %v", err)
	}
	var failInfoStr string
	if err := p7.UnmarshalSignedAttribute(oidFailInfo, &failInfoStr); err != nil {
		t.Fatalf("read failInfo: %v", err)
	}
	var failInfo int
	if _, err := fmt.Sscanf(failInfoStr, "%d", &failInfo); err != nil {
		t.Fatalf("failInfo %q is not numeric: %v", failInfoStr, err)
	}
	if FailInfo(failInfo) != FailInfoBadRequest {
		t.Fatalf("failInfo = %d, want badRequest", failInfo)
	}
}
