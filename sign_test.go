package learnsync

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testSecret = "test-replay-secret-key"

func makeTestSignature(method, uri, body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(method + " " + uri + "\n" + body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

const testBody = `{"userId":"u1","contentId":"course-1","progressPercentage":40}`

// ============================================================================
// SignAction / VerifyActionSignature
// ============================================================================

func TestSignAction(t *testing.T) {
	got := SignAction("put", "/api/progress", []byte(testBody), testSecret)
	want := makeTestSignature("PUT", "/api/progress", testBody, testSecret)
	if got != want {
		t.Fatalf("SignAction = %s, want %s", got, want)
	}
}

func TestVerifyActionSignature(t *testing.T) {
	sig := makeTestSignature("PUT", "/api/progress", testBody, testSecret)

	t.Run("valid signature", func(t *testing.T) {
		if !VerifyActionSignature("PUT", "/api/progress", []byte(testBody), sig, testSecret) {
			t.Fatal("expected valid signature")
		}
	})

	t.Run("valid without prefix", func(t *testing.T) {
		if !VerifyActionSignature("PUT", "/api/progress", []byte(testBody), strings.TrimPrefix(sig, "sha256="), testSecret) {
			t.Fatal("expected valid signature without prefix")
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		if VerifyActionSignature("PUT", "/api/progress", []byte(testBody), sig, "other") {
			t.Fatal("expected invalid signature")
		}
	})

	t.Run("tampered body", func(t *testing.T) {
		if VerifyActionSignature("PUT", "/api/progress", []byte(strings.Replace(testBody, "40", "100", 1)), sig, testSecret) {
			t.Fatal("expected invalid signature")
		}
	})

	t.Run("different url", func(t *testing.T) {
		if VerifyActionSignature("PUT", "/api/progress?userId=u2", []byte(testBody), sig, testSecret) {
			t.Fatal("signature must bind the request uri")
		}
	})

	t.Run("different method", func(t *testing.T) {
		if VerifyActionSignature("POST", "/api/progress", []byte(testBody), sig, testSecret) {
			t.Fatal("signature must bind the method")
		}
	})

	t.Run("empty inputs", func(t *testing.T) {
		if VerifyActionSignature("PUT", "/api/progress", []byte(testBody), "", testSecret) {
			t.Fatal("empty signature should fail")
		}
		if VerifyActionSignature("PUT", "/api/progress", []byte(testBody), sig, "") {
			t.Fatal("empty secret should fail")
		}
		if VerifyActionSignature("PUT", "/api/progress", []byte(testBody), "sha256=", testSecret) {
			t.Fatal("bare prefix should fail")
		}
	})
}

// ============================================================================
// ReplayVerifier
// ============================================================================

func TestNewReplayVerifier(t *testing.T) {
	if _, err := NewReplayVerifier(""); err == nil {
		t.Fatal("expected error for empty secret")
	}
	if _, err := NewReplayVerifier(testSecret); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestReplayVerifierMiddleware(t *testing.T) {
	v, _ := NewReplayVerifier(testSecret)
	var seen string
	h := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = string(b)
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("signed request passes with body intact", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPut, "/api/progress", strings.NewReader(testBody))
		req.Header.Set(HeaderSignature, makeTestSignature("PUT", "/api/progress", testBody, testSecret))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != http.StatusNoContent {
			t.Fatalf("status = %d", w.Code)
		}
		if seen != testBody {
			t.Errorf("handler saw %q", seen)
		}
	})

	t.Run("unsigned request is rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/api/downloads?userId=u1", nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d", w.Code)
		}
		var env Envelope
		if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil || env.Error == nil || env.Error.Code != "SIGNATURE" {
			t.Errorf("body = %s", w.Body.String())
		}
	})

	t.Run("reads pass through", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/content/1", nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != http.StatusNoContent {
			t.Fatalf("status = %d", w.Code)
		}
	})
}
