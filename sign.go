package learnsync

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HeaderSignature carries the HMAC of a replayed mutation.
const HeaderSignature = "X-Learnsync-Signature"

func signingString(method, requestURI string, body []byte) []byte {
	var b bytes.Buffer
	b.WriteString(strings.ToUpper(method))
	b.WriteByte(' ')
	b.WriteString(requestURI)
	b.WriteByte('\n')
	b.Write(body)
	return b.Bytes()
}

// SignAction returns "sha256=<hex>" over method, request URI and body.
func SignAction(method, requestURI string, body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(signingString(method, requestURI, body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyActionSignature checks a signature produced by SignAction using a
// constant-time comparison. The "sha256=" prefix is optional.
func VerifyActionSignature(method, requestURI string, body []byte, signature, secret string) bool {
	if signature == "" || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}
	expected := strings.TrimPrefix(SignAction(method, requestURI, body, secret), "sha256=")
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ============================================================================
// ReplayVerifier
// ============================================================================

// ReplayVerifier is server-side middleware that rejects unsigned or
// mis-signed mutations.
type ReplayVerifier struct {
	secret string
}

func NewReplayVerifier(secret string) (*ReplayVerifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("signing secret is required")
	}
	return &ReplayVerifier{secret: secret}, nil
}

// Check verifies r and restores its body for the next handler.
func (v *ReplayVerifier) Check(r *http.Request) (int, error) {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return http.StatusOK, nil
	}
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			return http.StatusBadRequest, fmt.Errorf("failed to read body")
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}
	if !VerifyActionSignature(r.Method, r.URL.RequestURI(), body, r.Header.Get(HeaderSignature), v.secret) {
		return http.StatusUnauthorized, fmt.Errorf("invalid signature")
	}
	return http.StatusOK, nil
}

// Middleware wraps next with signature verification.
func (v *ReplayVerifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if status, err := v.Check(r); err != nil {
			rw.Header().Set("Content-Type", "application/json")
			rw.WriteHeader(status)
			json.NewEncoder(rw).Encode(Envelope{Error: &APIError{Code: "SIGNATURE", Message: err.Error()}})
			return
		}
		next.ServeHTTP(rw, r)
	})
}
