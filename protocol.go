package learnsync

import (
	"encoding/json"
	"fmt"
)

// ============================================================================
// Worker message protocol
// ============================================================================

// MessageKind tags a worker message.
type MessageKind string

const (
	KindCacheDownloadContent MessageKind = "CACHE_DOWNLOAD_CONTENT"
	KindDownloadsCleared     MessageKind = "DOWNLOADS_CLEARED"
	KindOnlineStatusChanged  MessageKind = "ONLINE_STATUS_CHANGED"
	KindCheckDownloads       MessageKind = "CHECK_DOWNLOADS"
	KindHasDownloads         MessageKind = "HAS_DOWNLOADS"
	KindBackOnline           MessageKind = "BACK_ONLINE"
)

// Message is a closed set: only the types in this file implement it.
type Message interface {
	Kind() MessageKind
	isMessage()
}

// CacheDownloadContent asks the worker to fetch and cache URLs under Key.
type CacheDownloadContent struct {
	Key  string   `json:"key"`
	Lang string   `json:"lang,omitempty"`
	URLs []string `json:"urls"`
}

// DownloadsCleared asks the worker to purge every non-core entry.
type DownloadsCleared struct{}

// OnlineStatusChanged reports a connectivity transition.
type OnlineStatusChanged struct {
	IsOnline bool   `json:"isOnline"`
	Lang     string `json:"lang,omitempty"`
}

// CheckDownloads asks whether any downloaded content is cached.
type CheckDownloads struct {
	Lang string `json:"lang,omitempty"`
}

// HasDownloads answers CheckDownloads.
type HasDownloads struct {
	HasDownloads bool `json:"hasDownloads"`
}

// BackOnline is broadcast to every client after reconnecting.
type BackOnline struct {
	Lang string `json:"lang,omitempty"`
}

func (CacheDownloadContent) Kind() MessageKind { return KindCacheDownloadContent }
func (DownloadsCleared) Kind() MessageKind     { return KindDownloadsCleared }
func (OnlineStatusChanged) Kind() MessageKind  { return KindOnlineStatusChanged }
func (CheckDownloads) Kind() MessageKind       { return KindCheckDownloads }
func (HasDownloads) Kind() MessageKind         { return KindHasDownloads }
func (BackOnline) Kind() MessageKind           { return KindBackOnline }

func (CacheDownloadContent) isMessage() {}
func (DownloadsCleared) isMessage()     {}
func (OnlineStatusChanged) isMessage()  {}
func (CheckDownloads) isMessage()       {}
func (HasDownloads) isMessage()         {}
func (BackOnline) isMessage()           {}

type wireMessage struct {
	Type    MessageKind     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EncodeMessage renders m as {"type": ..., "payload": ...}.
func EncodeMessage(m Message) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	return json.Marshal(wireMessage{Type: m.Kind(), Payload: payload})
}

// DecodeMessage parses an envelope produced by EncodeMessage.
func DecodeMessage(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	var (
		m   Message
		err error
	)
	switch w.Type {
	case KindCacheDownloadContent:
		m = decodePayload[CacheDownloadContent](w.Payload, &err)
	case KindDownloadsCleared:
		m = DownloadsCleared{}
	case KindOnlineStatusChanged:
		m = decodePayload[OnlineStatusChanged](w.Payload, &err)
	case KindCheckDownloads:
		m = decodePayload[CheckDownloads](w.Payload, &err)
	case KindHasDownloads:
		m = decodePayload[HasDownloads](w.Payload, &err)
	case KindBackOnline:
		m = decodePayload[BackOnline](w.Payload, &err)
	default:
		return nil, fmt.Errorf("unknown message type %q", w.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", w.Type, err)
	}
	return m, nil
}

func decodePayload[T Message](raw json.RawMessage, errp *error) Message {
	var v T
	if len(raw) > 0 {
		*errp = json.Unmarshal(raw, &v)
	}
	return v
}
