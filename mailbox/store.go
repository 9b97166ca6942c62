package mailbox

import (
	"sync"

	"github.com/hupe1980/agenthive/core"
)

// StoredMessage is one durable mailbox record: the message plus its read marker.
type StoredMessage struct {
	core.Message
	Read bool
}

// Store persists mailbox records. Append must be durable before it returns so
// an acknowledged message survives a crash. Records are append-ordered per
// recipient.
type Store interface {
	Append(recipient string, msg core.Message) error
	MarkRead(recipient string, ids []string) error
	Messages(recipient string) ([]StoredMessage, error)
	Recipients() ([]string, error)
	Close() error
}

// InMemoryStore is a volatile Store implementation suited to tests and demo
// worlds. It is safe for concurrent access.
type InMemoryStore struct {
	mu    sync.RWMutex
	boxes map[string][]StoredMessage
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore constructs an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{boxes: make(map[string][]StoredMessage)}
}

// Append implements Store.
func (s *InMemoryStore) Append(recipient string, msg core.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boxes[recipient] = append(s.boxes[recipient], StoredMessage{Message: msg})
	return nil
}

// MarkRead implements Store.
func (s *InMemoryStore) MarkRead(recipient string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		idSet[id] = true
	}
	records := s.boxes[recipient]
	for i := range records {
		if idSet[records[i].ID] {
			records[i].Read = true
		}
	}
	return nil
}

// Messages implements Store.
func (s *InMemoryStore) Messages(recipient string) ([]StoredMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := s.boxes[recipient]
	out := make([]StoredMessage, len(records))
	copy(out, records)
	return out, nil
}

// Recipients implements Store.
func (s *InMemoryStore) Recipients() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.boxes))
	for recipient := range s.boxes {
		out = append(out, recipient)
	}
	return out, nil
}

// Close implements Store.
func (s *InMemoryStore) Close() error { return nil }
