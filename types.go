package learnsync

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ============================================================================
// Content
// ============================================================================

// ContentType identifies the kind of a learning item.
type ContentType string

const (
	ContentCourse ContentType = "course"
	ContentLesson ContentType = "lesson"
	ContentQuiz   ContentType = "quiz"
)

// LessonRef is a lesson listed inside a course. QuizID is set when the
// lesson carries a quiz.
type LessonRef struct {
	ID     string `json:"id"`
	Title  string `json:"title,omitempty"`
	QuizID string `json:"quizId,omitempty"`
}

// Question is one quiz question.
type Question struct {
	ID      string   `json:"id"`
	Prompt  string   `json:"prompt"`
	Choices []string `json:"choices,omitempty"`
}

// ContentRecord is the full snapshot of a course, lesson or quiz as returned
// by the remote API. A course lists its lessons; a lesson may name a quiz.
type ContentRecord struct {
	ID          string          `json:"id"`
	Type        ContentType     `json:"type"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Body        string          `json:"body,omitempty"`
	Lessons     []LessonRef     `json:"lessons,omitempty"`
	QuizID      string          `json:"quizId,omitempty"`
	Questions   []Question      `json:"questions,omitempty"`
	Extra       json.RawMessage `json:"extra,omitempty"`
}

// ============================================================================
// Downloads & Progress
// ============================================================================

// DownloadRecord marks a piece of content as available offline for a user.
type DownloadRecord struct {
	ID           string         `json:"id"`
	ContentID    string         `json:"contentId"`
	UserID       string         `json:"userId"`
	DownloadedAt time.Time      `json:"downloadedAt"`
	SizeBytes    int64          `json:"size"`
	Content      *ContentRecord `json:"content,omitempty"`
}

// DownloadID builds the composite download identifier.
func DownloadID(userID, contentID string) string {
	return userID + "_" + contentID
}

// ProgressRecord tracks how far a user got in a piece of content.
type ProgressRecord struct {
	ID                 string    `json:"id"`
	UserID             string    `json:"userId"`
	ContentID          string    `json:"contentId"`
	ProgressPercentage int       `json:"progressPercentage"`
	Completed          bool      `json:"completed"`
	LastAccessed       time.Time `json:"lastAccessed"`
}

// ProgressID builds the composite progress identifier.
func ProgressID(userID, contentID string) string {
	return userID + "_" + contentID
}

// QuizAnswer is a single submitted answer.
type QuizAnswer struct {
	QuestionID string `json:"questionId"`
	Answer     string `json:"answer"`
}

// QuizSubmission is the payload of a quiz result mutation.
type QuizSubmission struct {
	UserID      string       `json:"userId"`
	QuizID      string       `json:"quizId"`
	Score       float64      `json:"score"`
	Answers     []QuizAnswer `json:"answers,omitempty"`
	SubmittedAt time.Time    `json:"submittedAt"`
}

// ============================================================================
// Action Queue
// ============================================================================

// ActionStatus is the lifecycle state of a queued action. Success is not a
// status: a delivered action is removed from the queue.
type ActionStatus string

const (
	StatusPending    ActionStatus = "pending"
	StatusProcessing ActionStatus = "processing"
	StatusFailed     ActionStatus = "failed"
)

// QueuedAction is a deferred HTTP mutation. ID is assigned on enqueue.
type QueuedAction struct {
	ID             string            `json:"id"`
	Seq            int64             `json:"seq"`
	URL            string            `json:"url"`
	Method         string            `json:"method"`
	Body           json.RawMessage   `json:"body,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Status         ActionStatus      `json:"status"`
	Timestamp      time.Time         `json:"timestamp"`
	RetryCount     int               `json:"retryCount"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
	LastError      string            `json:"lastError,omitempty"`
}

// SyncResult counts the outcome of one drain or retry pass.
type SyncResult struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// ============================================================================
// API envelope
// ============================================================================

// APIError is the error body of the remote API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return e.Code + ": " + e.Message
}

// Is reports a 404 as ErrNotFound.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// UnmarshalJSON accepts both a bare error string and an object.
func (e *APIError) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		e.Message = s
		return nil
	}
	type plain APIError
	return json.Unmarshal(b, (*plain)(e))
}

// Envelope wraps every remote API response: either data or error.
type Envelope struct {
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals Data into v.
func (e *Envelope) Decode(v any) error {
	if e.Data == nil {
		return fmt.Errorf("no data to decode")
	}
	return json.Unmarshal(e.Data, v)
}
