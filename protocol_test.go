package learnsync

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	msgs := []Message{
		CacheDownloadContent{Key: "course-1", Lang: "fr", URLs: []string{"/fr/courses/course-1", "/api/content/course-1"}},
		DownloadsCleared{},
		OnlineStatusChanged{IsOnline: true, Lang: "ar"},
		CheckDownloads{Lang: "en"},
		HasDownloads{HasDownloads: true},
		BackOnline{Lang: "en"},
	}
	for _, m := range msgs {
		t.Run(string(m.Kind()), func(t *testing.T) {
			data, err := EncodeMessage(m)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			var wire map[string]json.RawMessage
			if err := json.Unmarshal(data, &wire); err != nil {
				t.Fatalf("wire form: %v", err)
			}
			if string(wire["type"]) != `"`+string(m.Kind())+`"` {
				t.Errorf("type = %s", wire["type"])
			}
			got, err := DecodeMessage(data)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !reflect.DeepEqual(got, m) {
				t.Errorf("decoded %#v, want %#v", got, m)
			}
		})
	}
}

func TestDecodeMessageWireFormat(t *testing.T) {
	m, err := DecodeMessage([]byte(`{"type":"CACHE_DOWNLOAD_CONTENT","payload":{"key":"k","urls":["/a"]}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	c, ok := m.(CacheDownloadContent)
	if !ok || c.Key != "k" || len(c.URLs) != 1 {
		t.Errorf("message = %#v", m)
	}

	m, err = DecodeMessage([]byte(`{"type":"CHECK_DOWNLOADS"}`))
	if err != nil {
		t.Fatalf("payload-less decode: %v", err)
	}
	if _, ok := m.(CheckDownloads); !ok {
		t.Errorf("message = %#v", m)
	}
}

func TestDecodeMessageErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"not json", `nope`, "invalid message"},
		{"unknown type", `{"type":"SKIP_WAITING"}`, "unknown message type"},
		{"missing type", `{"payload":{}}`, "unknown message type"},
		{"bad payload", `{"type":"HAS_DOWNLOADS","payload":{"hasDownloads":"yes"}}`, "invalid HAS_DOWNLOADS payload"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeMessage([]byte(tt.data))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
}
