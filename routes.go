package learnsync

import (
	"net/url"
	"regexp"
	"strings"
)

// DefaultLocales are the locale prefixes served by the web app, in fallback
// order.
var DefaultLocales = []string{"en", "fr", "ar"}

var detailPattern = regexp.MustCompile(`^/([a-z]{2})/(courses|lessons|quizzes|content)/([^/]+)/?$`)

// Routes knows the URL layout of the web app.
type Routes struct {
	Locales       []string
	DefaultLocale string
}

// NewRoutes returns Routes for locales; the first one is the default.
func NewRoutes(locales ...string) Routes {
	if len(locales) == 0 {
		locales = DefaultLocales
	}
	return Routes{Locales: locales, DefaultLocale: locales[0]}
}

func kindSegment(t ContentType) string {
	switch t {
	case ContentCourse:
		return "courses"
	case ContentLesson:
		return "lessons"
	case ContentQuiz:
		return "quizzes"
	default:
		return "content"
	}
}

// DetailPath is the page URL of a content item in one locale.
func (r Routes) DetailPath(lang string, t ContentType, id string) string {
	return "/" + lang + "/" + kindSegment(t) + "/" + url.PathEscape(id)
}

func (r Routes) OfflinePath(lang string) string   { return "/" + lang + "/offline" }
func (r Routes) DownloadsPath(lang string) string { return "/" + lang + "/downloads" }

// DownloadURLs is every URL a later offline visit to rec could need: its
// page in each locale, its data-API URL, and any extra assets.
func (r Routes) DownloadURLs(rec *ContentRecord, assets ...string) []string {
	urls := make([]string, 0, len(r.Locales)+1+len(assets))
	for _, l := range r.Locales {
		urls = append(urls, r.DetailPath(l, rec.Type, rec.ID))
	}
	urls = append(urls, ContentAPIPath(rec.ID))
	return append(urls, assets...)
}

// DetailView is a parsed content-detail page path.
type DetailView struct {
	Lang string
	Kind string
	ID   string
}

// ParseDetailPath recognizes /{lang}/{kind}/{id}.
func ParseDetailPath(path string) (DetailView, bool) {
	m := detailPattern.FindStringSubmatch(path)
	if m == nil {
		return DetailView{}, false
	}
	id, err := url.PathUnescape(m[3])
	if err != nil {
		id = m[3]
	}
	return DetailView{Lang: m[1], Kind: m[2], ID: id}, true
}

// LangOf returns the locale prefix of path, or the default locale.
func (r Routes) LangOf(path string) string {
	seg := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 2)[0]
	for _, l := range r.Locales {
		if seg == l {
			return l
		}
	}
	return r.DefaultLocale
}

// localeOrder lists lang first, then the remaining locales.
func (r Routes) localeOrder(lang string) []string {
	out := []string{lang}
	for _, l := range r.Locales {
		if l != lang {
			out = append(out, l)
		}
	}
	return out
}
