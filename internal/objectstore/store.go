// Package objectstore wraps a storage backend as a named store that emits a
// creation event per accepted object to every listener whose prefix matches.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/weiawesome/thumbing/internal/event"
	pkglog "github.com/weiawesome/thumbing/pkg/log"
	"github.com/weiawesome/thumbing/pkg/storage"
)

// ErrNotFound is returned by Get when the key holds no object.
var ErrNotFound = storage.ErrNotFound

// ErrEmit marks a Put whose object was stored but whose event could not be
// scheduled. Retrying the Put is safe.
var ErrEmit = errors.New("failed to emit storage event")

// Object describes a stored object.
type Object struct {
	Store       string
	Key         string
	ContentType string
	Size        int64
	CreatedAt   time.Time
}

// Emitter schedules the delivery of a storage event.
type Emitter interface {
	Emit(ctx context.Context, e event.StorageEvent) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, e event.StorageEvent) error

func (f EmitterFunc) Emit(ctx context.Context, e event.StorageEvent) error { return f(ctx, e) }

type listener struct {
	prefix  event.NamespacePrefix
	emitter Emitter
}

// Store is a named object store.
type Store struct {
	name      string
	backend   storage.Storage
	listeners []listener
	now       func() time.Time
}

// New creates a store named name (the bucket) over backend.
func New(name string, backend storage.Storage) *Store {
	return &Store{name: name, backend: backend, now: time.Now}
}

// Name returns the store name.
func (s *Store) Name() string { return s.name }

// Backend returns the underlying storage.
func (s *Store) Backend() storage.Storage { return s.backend }

// Listen registers emitter for objects written under prefix. Listen is not
// safe to call concurrently with Put; register listeners at startup.
func (s *Store) Listen(prefix event.NamespacePrefix, emitter Emitter) {
	s.listeners = append(s.listeners, listener{prefix: prefix, emitter: emitter})
}

// Put writes data under key, replacing any existing object as a whole, then
// schedules one event per matching listener.
func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) (*Object, error) {
	if err := s.backend.Write(ctx, key, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		return nil, fmt.Errorf("put %s/%s: %w", s.name, key, err)
	}

	obj := &Object{
		Store:       s.name,
		Key:         key,
		ContentType: contentType,
		Size:        int64(len(data)),
		CreatedAt:   s.now().UTC(),
	}

	for _, ln := range s.listeners {
		if !ln.prefix.Matches(key) {
			continue
		}
		ev := event.StorageEvent{
			Store:       s.name,
			Key:         key,
			EventID:     newEventID(),
			EventName:   event.ObjectCreatedPut,
			Size:        obj.Size,
			ContentType: contentType,
			EventTime:   obj.CreatedAt,
		}
		if err := ln.emitter.Emit(ctx, ev); err != nil {
			return obj, fmt.Errorf("%w for %s/%s: %v", ErrEmit, s.name, key, err)
		}
		l := pkglog.Ctx(ctx)
		l.Debug().
			Str(pkglog.FieldStore, s.name).
			Str(pkglog.FieldKey, key).
			Str(pkglog.FieldEventID, ev.EventID).
			Msg("storage event emitted")
	}

	return obj, nil
}

// Get returns the full content at key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	rc, err := s.backend.Read(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", s.name, key, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: read body: %w", s.name, key, err)
	}
	return data, nil
}

// Exists reports whether key holds an object.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	return s.backend.Exists(ctx, key)
}

func newEventID() string {
	return uuid.NewString()
}
