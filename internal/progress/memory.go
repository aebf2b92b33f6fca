package progress

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore is a process-local TTL cache. Values are kept JSON-encoded so
// the memory and redis stores serialize identically.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memItem
	stop  chan struct{}
	once  sync.Once
}

type memItem struct {
	data      []byte
	expiresAt time.Time
}

// NewMemoryStore creates a store and starts its expiry janitor.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		items: make(map[string]memItem),
		stop:  make(chan struct{}),
	}
	go s.janitor()
	return s
}

func (s *MemoryStore) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = memItem{data: data, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string, dest any) (bool, error) {
	s.mu.RLock()
	item, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if time.Now().After(item.expiresAt) {
		s.mu.Lock()
		delete(s.items, key)
		s.mu.Unlock()
		return false, nil
	}
	if err := json.Unmarshal(item.data, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

// Close stops the janitor. Safe to call more than once.
func (s *MemoryStore) Close() {
	s.once.Do(func() { close(s.stop) })
}

func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for key, item := range s.items {
				if now.After(item.expiresAt) {
					delete(s.items, key)
				}
			}
			s.mu.Unlock()
		case <-s.stop:
			return
		}
	}
}

var _ Store = (*MemoryStore)(nil)
