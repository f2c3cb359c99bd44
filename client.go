// Package learnsync is the offline-first sync layer of the LearnHub client.
//
// It keeps a durable local copy of downloaded courses, lessons and quizzes,
// queues mutations made while disconnected and replays them on reconnect,
// and serves content through a cache policy worker that falls back to
// cached pages when the network is gone.
//
// Example:
//
//	log, _ := logger.New("dev", "info")
//	store := learnsync.OpenStore(ctx, learnsync.StoreConfig{Path: "learnsync.db"}, log)
//	api := learnsync.NewClient(learnsync.WithBaseURL("https://learnhub.example"))
//	net := learnsync.NewNetworkMonitor(nil, log)
//	engine := learnsync.NewSyncEngine(store, api, net, learnsync.NewMemoryState(), log)
//	net.Attach(engine)
//	downloads := learnsync.NewDownloadManager(store, api, engine, net, nil, log)
//
//	ok := downloads.Download(ctx, "course-1", "user-1", false)
package learnsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "http://localhost:3000"
	DefaultTimeout = 30 * time.Second

	HeaderIdempotencyKey = "Idempotency-Key"
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the remote Content API.
type Client struct {
	token      string
	baseURL    string
	signSecret string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithToken sets the bearer token sent with every request.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithSigningSecret signs every mutation with HMAC-SHA256.
func WithSigningSecret(secret string) ClientOption {
	return func(c *Client) { c.signSecret = secret }
}

// NewClient creates a Content API client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.baseURL + path
}

// doRequest performs one call and returns the decoded envelope. Non-2xx
// responses come back as *APIError carrying the status code.
func (c *Client) doRequest(ctx context.Context, method, path string, body []byte, headers map[string]string) (*Envelope, error) {
	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.resolve(path), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if c.signSecret != "" && method != http.MethodGet {
		req.Header.Set(HeaderSignature, SignAction(method, req.URL.RequestURI(), body, c.signSecret))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	// Bodies that are not an envelope are tolerated; reads fail later in
	// decodeData when there is no data.
	env := &Envelope{}
	if len(bytes.TrimSpace(data)) > 0 {
		_ = json.Unmarshal(data, env)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := env.Error
		if apiErr == nil {
			apiErr = &APIError{Message: http.StatusText(resp.StatusCode)}
		}
		apiErr.Status = resp.StatusCode
		return nil, apiErr
	}
	if env.Error != nil {
		env.Error.Status = resp.StatusCode
		return nil, env.Error
	}
	return env, nil
}

func decodeData[T any](env *Envelope) (*T, error) {
	var result T
	if err := env.Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Reads
// ============================================================================

// FetchContent loads one content item by id.
func (c *Client) FetchContent(ctx context.Context, id string) (*ContentRecord, error) {
	env, err := c.doRequest(ctx, http.MethodGet, ContentAPIPath(id), nil, nil)
	if err != nil {
		return nil, err
	}
	rec, err := decodeData[ContentRecord](env)
	if err != nil {
		return nil, err
	}
	if rec.ID == "" {
		rec.ID = id
	}
	return rec, nil
}

// ContentFilter narrows a catalog listing.
type ContentFilter struct {
	Type  ContentType
	Query string
	Limit int
}

// FetchContents lists catalog items matching f.
func (c *Client) FetchContents(ctx context.Context, f ContentFilter) ([]ContentRecord, error) {
	q := url.Values{}
	if f.Type != "" {
		q.Set("type", string(f.Type))
	}
	if f.Query != "" {
		q.Set("q", f.Query)
	}
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprint(f.Limit))
	}
	path := "/api/content"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	env, err := c.doRequest(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}
	list, err := decodeData[[]ContentRecord](env)
	if err != nil {
		return nil, err
	}
	return *list, nil
}

// ContentAPIPath is the data-API path of a content item.
func ContentAPIPath(id string) string {
	return "/api/content/" + url.PathEscape(id)
}

// ============================================================================
// Writes
// ============================================================================

// Do performs a mutation described by a. Any non-2xx outcome is an error.
func (c *Client) Do(ctx context.Context, a QueuedAction) error {
	headers := make(map[string]string, len(a.Headers)+1)
	for k, v := range a.Headers {
		headers[k] = v
	}
	if a.IdempotencyKey != "" {
		headers[HeaderIdempotencyKey] = a.IdempotencyKey
	}
	_, err := c.doRequest(ctx, a.Method, a.URL, a.Body, headers)
	return err
}

func (c *Client) RecordDownload(ctx context.Context, userID, contentID string, size int64) error {
	return c.Do(ctx, RecordDownloadAction(userID, contentID, size))
}

func (c *Client) RemoveDownload(ctx context.Context, userID, contentID string) error {
	return c.Do(ctx, RemoveDownloadAction(userID, contentID))
}

func (c *Client) ClearDownloads(ctx context.Context, userID string) error {
	return c.Do(ctx, ClearDownloadsAction(userID))
}

func (c *Client) RecordProgress(ctx context.Context, rec ProgressRecord) error {
	return c.Do(ctx, RecordProgressAction(rec))
}

func (c *Client) SubmitQuizResult(ctx context.Context, sub QuizSubmission) error {
	return c.Do(ctx, SubmitQuizAction(sub))
}

// ============================================================================
// Action builders
// ============================================================================

func newAction(method, path string, body any) QueuedAction {
	a := QueuedAction{Method: method, URL: path}
	if body != nil {
		a.Body, _ = json.Marshal(body)
	}
	return a
}

// RecordDownloadAction records that a user downloaded content.
func RecordDownloadAction(userID, contentID string, size int64) QueuedAction {
	return newAction(http.MethodPost, "/api/downloads", map[string]any{
		"userId":    userID,
		"contentId": contentID,
		"size":      size,
	})
}

func RemoveDownloadAction(userID, contentID string) QueuedAction {
	return newAction(http.MethodDelete,
		"/api/downloads/"+url.PathEscape(contentID)+"?userId="+url.QueryEscape(userID), nil)
}

func ClearDownloadsAction(userID string) QueuedAction {
	return newAction(http.MethodDelete, "/api/downloads?userId="+url.QueryEscape(userID), nil)
}

func RecordProgressAction(rec ProgressRecord) QueuedAction {
	return newAction(http.MethodPut, "/api/progress", rec)
}

func SubmitQuizAction(sub QuizSubmission) QueuedAction {
	return newAction(http.MethodPost, "/api/quizzes/"+url.PathEscape(sub.QuizID)+"/results", sub)
}
