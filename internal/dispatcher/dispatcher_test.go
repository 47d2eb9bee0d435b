package dispatcher

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func noopHandlers() Handlers {
	return Handlers{
		GetCACaps: func(string) ([]string, error) { return []string{"SCEPStandard"}, nil },
		GetCACert: func(string) ([][]byte, error) { return [][]byte{[]byte("der-bytes")}, nil },
		GetNextCACert: func(string) ([]byte, bool, error) {
			return nil, false, nil
		},
		PKIOperation: func(body []byte) ([]byte, error) { return append([]byte("reply:"), body...), nil },
	}
}

func TestMissingOperation(t *testing.T) {
	h := Route(noopHandlers())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	h(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `Missing "operation" parameter.`) {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestInvalidOperation(t *testing.T) {
	h := Route(noopHandlers())
	req := httptest.NewRequest(http.MethodGet, "/?operation=Bogus", nil)
	rec := httptest.NewRecorder()
	h(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestMethodDisciplineOnGetOnlyOperations(t *testing.T) {
	h := Route(noopHandlers())
	req := httptest.NewRequest(http.MethodPost, "/?operation=GetCACaps", nil)
	rec := httptest.NewRecorder()
	h(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
	if rec.Header().Get("Allow") != http.MethodGet {
		t.Fatalf("Allow header = %q, want GET", rec.Header().Get("Allow"))
	}
}

func TestGetCACertSingleCertShortcut(t *testing.T) {
	h := Route(noopHandlers())
	req := httptest.NewRequest(http.MethodGet, "/?operation=GetCACert", nil)
	rec := httptest.NewRecorder()
	h(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-x509-ca-cert" {
		t.Fatalf("Content-Type = %q, want application/x-x509-ca-cert", ct)
	}
	if rec.Body.String() != "der-bytes" {
		t.Fatalf("body = %q, want raw DER", rec.Body.String())
	}
}

func TestGetCACertEmptyIs500(t *testing.T) {
	handlers := noopHandlers()
	handlers.GetCACert = func(string) ([][]byte, error) { return nil, nil }
	h := Route(handlers)
	req := httptest.NewRequest(http.MethodGet, "/?operation=GetCACert", nil)
	rec := httptest.NewRecorder()
	h(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestGetNextCACertUnsupportedIs501(t *testing.T) {
	h := Route(noopHandlers())
	req := httptest.NewRequest(http.MethodGet, "/?operation=GetNextCACert&message=bad", nil)
	rec := httptest.NewRecorder()
	h(rec, req)

	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "GetNextCACert Not Supported") {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestPKIOperationPOST(t *testing.T) {
	h := Route(noopHandlers())
	req := httptest.NewRequest(http.MethodPost, "/?operation=PKIOperation", strings.NewReader("hello"))
	rec := httptest.NewRecorder()
	h(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/x-pki-message" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if rec.Body.String() != "reply:hello" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestPKIOperationGETBase64Tolerance(t *testing.T) {
	h := Route(noopHandlers())

	// Base64-encoding a payload whose encoding contains '+' lets us verify
	// the space-for-plus substitution the handler applies before decoding.
	payload := []byte{0xfb, 0xff, 0xbf}
	encoded := base64.StdEncoding.EncodeToString(payload)
	if !strings.Contains(encoded, "+") {
		t.Fatalf("test fixture assumption broken: base64(%v) = %q has no '+'", payload, encoded)
	}
	tampered := strings.ReplaceAll(encoded, "+", " ")

	req := httptest.NewRequest(http.MethodGet, "/?operation=PKIOperation&message="+url.QueryEscape(tampered), nil)
	rec := httptest.NewRecorder()
	h(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if !strings.HasPrefix(rec.Body.String(), "reply:") {
		t.Fatalf("body = %q", rec.Body.String())
	}
}
