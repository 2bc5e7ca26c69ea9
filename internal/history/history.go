// Package history stores the conversation transcript fed back into LLM
// prompts. Two backends are provided: an in-memory ring buffer for
// ephemeral sessions and a PostgreSQL store for transcripts that survive
// restarts.
//
// Every implementation must be safe for concurrent use.
package history

import (
	"context"
	"slices"
	"sync"

	"github.com/troupelabs/troupe/internal/pipeline"
	"github.com/troupelabs/troupe/pkg/types"
)

// Compile-time interface checks.
var (
	_ pipeline.History = (*MemStore)(nil)
	_ pipeline.History = (*PostgresStore)(nil)
)

// DefaultWindow is the number of most-recent messages a store keeps (or
// returns) when no explicit window is configured. Older context matters less
// than prompt size for a real-time pipeline.
const DefaultWindow = 200

// MemStore is an in-memory conversation log bounded to a fixed window of
// most-recent messages. The zero value is not usable; construct with
// [NewMemStore].
type MemStore struct {
	mu       sync.Mutex
	window   int
	messages []types.Message
}

// NewMemStore returns a MemStore retaining at most window messages. A window
// of 0 or less selects [DefaultWindow].
func NewMemStore(window int) *MemStore {
	if window <= 0 {
		window = DefaultWindow
	}
	return &MemStore{window: window}
}

// Append adds msg to the log, evicting the oldest message when the window is
// full.
func (s *MemStore) Append(_ context.Context, msg types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	if n := len(s.messages) - s.window; n > 0 {
		s.messages = slices.Delete(s.messages, 0, n)
	}
	return nil
}

// Messages returns a snapshot of the log, oldest first.
func (s *MemStore) Messages(_ context.Context) ([]types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages), nil
}

// Len reports the number of retained messages.
func (s *MemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Clear drops all retained messages.
func (s *MemStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
}
