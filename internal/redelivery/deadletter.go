package redelivery

import (
	"context"
	"sync"
	"time"

	"github.com/weiawesome/thumbing/internal/event"
)

// DeadLetter records an event whose handling exhausted its retry budget.
type DeadLetter struct {
	Stage      string             `json:"stage"`
	Event      event.StorageEvent `json:"event"`
	ErrorClass string             `json:"errorClass"`
	Error      string             `json:"error"`
	Attempts   int                `json:"attempts"`
	FailedAt   time.Time          `json:"failedAt"`
}

// DeadLetterSink persists dead letters for later inspection or replay.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, dl DeadLetter) error
}

// MemorySink keeps dead letters in memory.
type MemorySink struct {
	mu      sync.Mutex
	letters []DeadLetter
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) DeadLetter(ctx context.Context, dl DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters = append(s.letters, dl)
	return nil
}

// Letters returns a copy of the recorded dead letters.
func (s *MemorySink) Letters() []DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeadLetter, len(s.letters))
	copy(out, s.letters)
	return out
}
