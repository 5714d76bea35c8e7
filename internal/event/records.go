package event

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// notification mirrors the S3/MinIO bucket notification document.
type notification struct {
	EventName string   `json:"EventName,omitempty"`
	Key       string   `json:"Key,omitempty"`
	Records   []record `json:"Records"`
}

type record struct {
	EventVersion string    `json:"eventVersion"`
	EventSource  string    `json:"eventSource"`
	EventName    string    `json:"eventName"`
	EventTime    time.Time `json:"eventTime"`
	S3           struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key         string `json:"key"`
			Size        int64  `json:"size"`
			ContentType string `json:"contentType,omitempty"`
			Sequencer   string `json:"sequencer,omitempty"`
		} `json:"object"`
	} `json:"s3"`
}

// DecodeRecords parses a bucket notification into storage events, one per
// record. Keys are URL-decoded the way S3 encodes them. Every decoded event
// receives a fresh EventID because each decode is a separate delivery.
func DecodeRecords(data []byte) ([]StorageEvent, error) {
	var n notification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("failed to unmarshal bucket notification: %w", err)
	}

	events := make([]StorageEvent, 0, len(n.Records))
	for _, rec := range n.Records {
		key, err := url.QueryUnescape(rec.S3.Object.Key)
		if err != nil {
			return nil, fmt.Errorf("failed to url-decode key %q: %w", rec.S3.Object.Key, err)
		}
		events = append(events, StorageEvent{
			Store:       rec.S3.Bucket.Name,
			Key:         key,
			EventID:     uuid.NewString(),
			EventName:   rec.EventName,
			Size:        rec.S3.Object.Size,
			ContentType: rec.S3.Object.ContentType,
			EventTime:   rec.EventTime,
		})
	}
	return events, nil
}

// EncodeRecords renders events as a bucket notification document, so that
// self-emitted events and native MinIO notifications share one consumer path.
func EncodeRecords(events ...StorageEvent) ([]byte, error) {
	n := notification{Records: make([]record, 0, len(events))}
	for _, e := range events {
		var rec record
		rec.EventVersion = "2.0"
		rec.EventSource = "thumbing:s3"
		rec.EventName = e.EventName
		rec.EventTime = e.EventTime.UTC()
		rec.S3.Bucket.Name = e.Store
		rec.S3.Object.Key = escapeKey(e.Key)
		rec.S3.Object.Size = e.Size
		rec.S3.Object.ContentType = e.ContentType
		n.Records = append(n.Records, rec)
	}
	if len(events) == 1 {
		n.EventName = events[0].EventName
		n.Key = events[0].Store + "/" + events[0].Key
	}
	return json.Marshal(n)
}

func escapeKey(key string) string {
	return strings.ReplaceAll(url.QueryEscape(key), "%2F", "/")
}
