// Package dispatcher implements the SCEP request dispatcher (the "C4"
// component): HTTP surface decoding, operation routing, method policy, and
// response framing. It is grounded on shawnhank-certificates/scep/api/
// api.go's SCEPRequest/SCEPResponse/decodeSCEPRequest/writeSCEPResponse
// shape, generalized away from per-provisioner routing to a single
// Handler callback per Operation.
package dispatcher

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.mozilla.org/pkcs7"
)

// Operation is one of the four SCEP HTTP operations.
type Operation string

const (
	OpGetCACaps     Operation = "GetCACaps"
	OpGetCACert     Operation = "GetCACert"
	OpGetNextCACert Operation = "GetNextCACert"
	OpPKIOperation  Operation = "PKIOperation"
)

func parseOperation(s string) (Operation, bool) {
	switch strings.ToLower(s) {
	case "getcacaps":
		return OpGetCACaps, true
	case "getcacert":
		return OpGetCACert, true
	case "getnextcacert":
		return OpGetNextCACert, true
	case "pkioperation":
		return OpPKIOperation, true
	default:
		return "", false
	}
}

// Handlers is the set of callbacks the dispatcher delegates each operation
// to; Route wires them to HTTP method policy and response framing.
type Handlers struct {
	GetCACaps     func(identifier string) (capabilities []string, err error)
	GetCACert     func(identifier string) (certs [][]byte, err error)
	GetNextCACert func(identifier string) (degenerateSignedData []byte, ok bool, err error)
	PKIOperation  func(body []byte) (responseDER []byte, err error)
}

// Route builds an http.HandlerFunc implementing the SCEP HTTP surface for
// a single endpoint path, per spec.md §4.1 and §6.
func Route(h Handlers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opParam := r.URL.Query().Get("operation")
		if opParam == "" {
			http.Error(w, `Missing "operation" parameter.`, http.StatusBadRequest)
			return
		}
		op, ok := parseOperation(opParam)
		if !ok {
			http.Error(w, `Invalid "operation" parameter.`, http.StatusBadRequest)
			return
		}

		if op == OpPKIOperation {
			servePKIOperation(w, r, h.PKIOperation)
			return
		}

		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		identifier := r.URL.Query().Get("message")

		switch op {
		case OpGetCACaps:
			serveGetCACaps(w, h.GetCACaps, identifier)
		case OpGetCACert:
			serveGetCACert(w, h.GetCACert, identifier)
		case OpGetNextCACert:
			serveGetNextCACert(w, h.GetNextCACert, identifier)
		}
	}
}

func serveGetCACaps(w http.ResponseWriter, fn func(string) ([]string, error), identifier string) {
	caps, err := fn(identifier)
	if err != nil {
		http.Error(w, "GetCACaps failed", http.StatusInternalServerError)
		return
	}
	var body strings.Builder
	for _, c := range caps {
		body.WriteString(c)
		body.WriteByte('\n')
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(body.String()))
}

func serveGetCACert(w http.ResponseWriter, fn func(string) ([][]byte, error), identifier string) {
	certs, err := fn(identifier)
	if err != nil {
		http.Error(w, "GetCaCert failed to obtain CA from store", http.StatusInternalServerError)
		return
	}
	switch len(certs) {
	case 0:
		http.Error(w, "GetCaCert failed to obtain CA from store", http.StatusInternalServerError)
	case 1:
		w.Header().Set("Content-Type", "application/x-x509-ca-cert")
		w.Write(certs[0])
	default:
		degenerate, err := degenerateFromDER(certs)
		if err != nil {
			http.Error(w, "GetCaCert failed to obtain CA from store", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/x-x509-ca-ra-cert")
		w.Write(degenerate)
	}
}

func serveGetNextCACert(w http.ResponseWriter, fn func(string) ([]byte, bool, error), identifier string) {
	degenerate, ok, err := fn(identifier)
	if err != nil {
		http.Error(w, "GetNextCACert failed", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "GetNextCACert Not Supported", http.StatusNotImplemented)
		return
	}
	w.Header().Set("Content-Type", "application/x-x509-next-ca-cert")
	w.Write(degenerate)
}

const maxPKIOperationBody = 2 << 20 // 2 MiB: generous for a CMS pkiMessage

func servePKIOperation(w http.ResponseWriter, r *http.Request, fn func([]byte) ([]byte, error)) {
	var body []byte
	var err error

	switch r.Method {
	case http.MethodGet:
		messageB64 := r.URL.Query().Get("message")
		// Some clients URL-decode Base64 padding incorrectly, turning '+'
		// into ' '; substitute it back before decoding (spec.md §4.1).
		body, err = decodeBase64Tolerant(messageB64)
		if err != nil {
			http.Error(w, "Invalid base64 message", http.StatusBadRequest)
			return
		}
	case http.MethodPost:
		body, err = io.ReadAll(io.LimitReader(r.Body, maxPKIOperationBody))
		if err != nil {
			http.Error(w, "Failed to read request body", http.StatusBadRequest)
			return
		}
	default:
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	respDER, err := fn(body)
	if err != nil {
		http.Error(w, fmt.Sprintf("PKIOperation failed: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-pki-message")
	w.Write(respDER)
}

// decodeBase64Tolerant decodes s as standard Base64, first substituting
// ASCII space with '+' — a workaround for clients that URL-decode Base64
// padding incorrectly before it reaches the server (spec.md §4.1).
func decodeBase64Tolerant(s string) ([]byte, error) {
	fixed := strings.ReplaceAll(s, " ", "+")
	return base64.StdEncoding.DecodeString(fixed)
}

// degenerateFromDER builds a signer-less, content-less SignedData carrying
// certs, the same way tasuku-revol-scep's DegenerateCertificates does: by
// concatenating each certificate's raw DER into one byte slice and handing
// that to go.mozilla.org/pkcs7.DegenerateCertificate.
func degenerateFromDER(certs [][]byte) ([]byte, error) {
	var buf []byte
	for _, c := range certs {
		buf = append(buf, c...)
	}
	return pkcs7.DegenerateCertificate(buf)
}
