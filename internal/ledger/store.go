package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/imamik/vmpilot/internal/deployment"
)

// Consumed is an identifier permanently owned by a provisioned system.
type Consumed struct {
	Class      deployment.IdentifierClass
	Value      string
	PlanID     string
	ConsumedAt time.Time
}

// ConsumedStore persists consumed identifiers.
type ConsumedStore interface {
	Load(ctx context.Context) ([]Consumed, error)
	// Save records an identifier. Saving an identifier twice is not an error.
	Save(ctx context.Context, c Consumed) error
}

// MemoryStore is a ConsumedStore that lives only as long as the process.
type MemoryStore struct {
	mu    sync.Mutex
	items []Consumed
	seen  map[string]bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[string]bool)}
}

func (s *MemoryStore) Load(_ context.Context) ([]Consumed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Consumed(nil), s.items...), nil
}

func (s *MemoryStore) Save(_ context.Context, c Consumed) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(c.Class, c.Value)
	if s.seen[k] {
		return nil
	}
	s.seen[k] = true
	s.items = append(s.items, c)
	return nil
}
