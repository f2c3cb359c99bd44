package learnsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestFetchContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		switch r.URL.Path {
		case "/api/content/course-1":
			w.Write([]byte(`{"data":{"id":"course-1","type":"course","title":"Fractions","lessons":[{"id":"l1","quizId":"q1"}]}}`))
		case "/api/content/no-id":
			w.Write([]byte(`{"data":{"type":"quiz"}}`))
		case "/api/content/gone":
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":{"code":"NOT_FOUND","message":"no such content"}}`))
		case "/api/content/broken":
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte(`<html>bad gateway</html>`))
		case "/api/content/soft-error":
			w.Write([]byte(`{"error":"quota exceeded"}`))
		}
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL+"/"), WithToken("tok"))
	ctx := context.Background()

	rec, err := c.FetchContent(ctx, "course-1")
	if err != nil {
		t.Fatalf("FetchContent: %v", err)
	}
	if rec.Type != ContentCourse || len(rec.Lessons) != 1 || rec.Lessons[0].QuizID != "q1" {
		t.Errorf("record = %+v", rec)
	}

	rec, err = c.FetchContent(ctx, "no-id")
	if err != nil || rec.ID != "no-id" {
		t.Errorf("missing id should default to the requested one: %+v, %v", rec, err)
	}

	_, err = c.FetchContent(ctx, "gone")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound || apiErr.Code != "NOT_FOUND" {
		t.Errorf("err = %v", err)
	}
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("404 should match ErrNotFound: %v", err)
	}

	_, err = c.FetchContent(ctx, "broken")
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadGateway {
		t.Errorf("non-envelope error = %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Errorf("502 matched ErrNotFound")
	}

	_, err = c.FetchContent(ctx, "soft-error")
	if !errors.As(err, &apiErr) || apiErr.Message != "quota exceeded" {
		t.Errorf("string error = %v", err)
	}
}

func TestFetchContents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("type") != "lesson" || q.Get("limit") != "2" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		w.Write([]byte(`{"data":[{"id":"a","type":"lesson"},{"id":"b","type":"lesson"}]}`))
	}))
	defer srv.Close()

	list, err := NewClient(WithBaseURL(srv.URL)).FetchContents(context.Background(), ContentFilter{Type: ContentLesson, Limit: 2})
	if err != nil {
		t.Fatalf("FetchContents: %v", err)
	}
	if len(list) != 2 || list[1].ID != "b" {
		t.Errorf("list = %+v", list)
	}
}

func TestClientDo(t *testing.T) {
	type call struct {
		method, uri, key, sig string
		body                  []byte
	}
	calls := make(chan call, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		calls <- call{r.Method, r.URL.RequestURI(), r.Header.Get(HeaderIdempotencyKey), r.Header.Get(HeaderSignature), b}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(WithBaseURL(srv.URL), WithSigningSecret(testSecret), WithTimeout(5*time.Second))
	ctx := context.Background()

	a := RecordDownloadAction("u1", "course-1", 12*MB)
	a.IdempotencyKey = "key-1"
	if err := c.Do(ctx, a); err != nil {
		t.Fatalf("Do: %v", err)
	}
	got := <-calls
	if got.method != http.MethodPost || got.uri != "/api/downloads" || got.key != "key-1" {
		t.Errorf("call = %+v", got)
	}
	if !VerifyActionSignature(got.method, got.uri, got.body, got.sig, testSecret) {
		t.Error("replayed mutation is not verifiable")
	}
	var body map[string]any
	json.Unmarshal(got.body, &body)
	if body["userId"] != "u1" || body["contentId"] != "course-1" {
		t.Errorf("body = %v", body)
	}

	if err := c.ClearDownloads(ctx, "u 1"); err != nil {
		t.Fatalf("ClearDownloads: %v", err)
	}
	got = <-calls
	if got.method != http.MethodDelete || got.uri != "/api/downloads?userId=u+1" {
		t.Errorf("clear call = %+v", got)
	}
	if !VerifyActionSignature(got.method, got.uri, got.body, got.sig, testSecret) {
		t.Error("bodiless mutation signature does not verify")
	}
}

func TestClientDoAgainstVerifier(t *testing.T) {
	v, _ := NewReplayVerifier(testSecret)
	srv := httptest.NewServer(v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{}}`))
	})))
	defer srv.Close()

	ctx := context.Background()
	signed := NewClient(WithBaseURL(srv.URL), WithSigningSecret(testSecret))
	if err := signed.RecordProgress(ctx, ProgressRecord{UserID: "u1", ContentID: "c1", ProgressPercentage: 10}); err != nil {
		t.Fatalf("signed replay rejected: %v", err)
	}

	unsigned := NewClient(WithBaseURL(srv.URL))
	err := unsigned.SubmitQuizResult(ctx, QuizSubmission{UserID: "u1", QuizID: "q1"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("unsigned replay: %v", err)
	}
}

func TestAPIErrorMessage(t *testing.T) {
	if got := (&APIError{Status: 503, Message: "Service Unavailable"}).Error(); got != "http 503: Service Unavailable" {
		t.Errorf("Error() = %q", got)
	}
	if got := (&APIError{Code: "NOT_FOUND", Message: "gone"}).Error(); got != "NOT_FOUND: gone" {
		t.Errorf("Error() = %q", got)
	}
}
