package learnsync

import (
	"reflect"
	"testing"
)

func TestRoutes(t *testing.T) {
	r := NewRoutes()
	if r.DefaultLocale != "en" {
		t.Errorf("default locale = %s", r.DefaultLocale)
	}

	if got := r.DetailPath("fr", ContentQuiz, "quiz 1"); got != "/fr/quizzes/quiz%201" {
		t.Errorf("DetailPath = %s", got)
	}
	if got := r.DetailPath("en", ContentType("video"), "v1"); got != "/en/content/v1" {
		t.Errorf("DetailPath unknown kind = %s", got)
	}

	urls := r.DownloadURLs(&ContentRecord{ID: "lesson-2", Type: ContentLesson}, "/static/app.js")
	want := []string{
		"/en/lessons/lesson-2",
		"/fr/lessons/lesson-2",
		"/ar/lessons/lesson-2",
		"/api/content/lesson-2",
		"/static/app.js",
	}
	if !reflect.DeepEqual(urls, want) {
		t.Errorf("DownloadURLs = %v", urls)
	}
}

func TestParseDetailPath(t *testing.T) {
	tests := []struct {
		path string
		want DetailView
		ok   bool
	}{
		{"/en/courses/course-1", DetailView{"en", "courses", "course-1"}, true},
		{"/ar/quizzes/quiz%201/", DetailView{"ar", "quizzes", "quiz 1"}, true},
		{"/fr/content/42", DetailView{"fr", "content", "42"}, true},
		{"/fr/downloads", DetailView{}, false},
		{"/english/courses/1", DetailView{}, false},
		{"/en/courses/1/edit", DetailView{}, false},
	}
	for _, tt := range tests {
		got, ok := ParseDetailPath(tt.path)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseDetailPath(%q) = %+v, %v", tt.path, got, ok)
		}
	}
}

func TestLangOf(t *testing.T) {
	r := NewRoutes("fr", "en")
	for path, want := range map[string]string{
		"/en/courses/1": "en",
		"/fr":           "fr",
		"/de/courses/1": "fr",
		"/api/content":  "fr",
		"/":             "fr",
	} {
		if got := r.LangOf(path); got != want {
			t.Errorf("LangOf(%q) = %s, want %s", path, got, want)
		}
	}
	if got := r.localeOrder("en"); !reflect.DeepEqual(got, []string{"en", "fr"}) {
		t.Errorf("localeOrder = %v", got)
	}
}
