// Package event defines the messages that flow between pipeline stages.
package event

import (
	"strings"
	"time"
)

// Well-known store event names.
const (
	ObjectCreatedPut  = "s3:ObjectCreated:Put"
	ObjectCreatedCopy = "s3:ObjectCreated:Copy"
	// ObjectCreatedReplay marks events re-emitted by an operator.
	ObjectCreatedReplay = "thumbing:ObjectCreated:Replay"
)

// StorageEvent is one delivery of an object-creation notification.
// A single logical creation may be delivered several times, each with a
// distinct EventID; consumers dedup by (Store, Key).
type StorageEvent struct {
	Store       string    `json:"store"`
	Key         string    `json:"key"`
	EventID     string    `json:"eventId"`
	EventName   string    `json:"eventName,omitempty"`
	Size        int64     `json:"size,omitempty"`
	ContentType string    `json:"contentType,omitempty"`
	EventTime   time.Time `json:"eventTime,omitempty"`
}

// ObjectRef returns the (store, key) identity consumers dedup on.
func (e StorageEvent) ObjectRef() string {
	return e.Store + "/" + e.Key
}

// NotificationMessage is what the notification bus delivers to subscribers.
type NotificationMessage struct {
	Store   string `json:"store"`
	Key     string `json:"key"`
	EventID string `json:"eventId"`
}

// NotificationFrom derives the message for an output-store event.
func NotificationFrom(e StorageEvent) NotificationMessage {
	return NotificationMessage{Store: e.Store, Key: e.Key, EventID: e.EventID}
}

// ObjectRef returns the (store, key) identity subscribers dedup on.
func (m NotificationMessage) ObjectRef() string {
	return m.Store + "/" + m.Key
}

// NamespacePrefix scopes which keys of a store a listener observes.
type NamespacePrefix string

// Matches reports whether key lies under the prefix.
func (p NamespacePrefix) Matches(key string) bool {
	return strings.HasPrefix(key, string(p))
}

// Filter selects the events a stage reacts to.
type Filter struct {
	Store      string
	Prefix     NamespacePrefix
	EventNames []string // empty accepts every event name
}

// Match reports whether e passes the filter, with a short reason when not.
func (f Filter) Match(e StorageEvent) (bool, string) {
	if f.Store != "" && e.Store != f.Store {
		return false, "store mismatch"
	}
	if !f.Prefix.Matches(e.Key) {
		return false, "prefix mismatch"
	}
	if len(f.EventNames) == 0 || e.EventName == "" {
		return true, ""
	}
	for _, name := range f.EventNames {
		if e.EventName == name {
			return true, ""
		}
	}
	if e.EventName == ObjectCreatedReplay {
		return true, ""
	}
	return false, "event name filtered"
}
