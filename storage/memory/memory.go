// Package memory provides a bounded in-memory implementation of the
// storage interface using github.com/hashicorp/golang-lru/v2. The LRU
// bound doubles as a safety valve: an abandoned authorization flow leaks a
// code for at most its TTL or until colder entries push it out.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/xenote/mcp-relay/storage"
)

// Store implements storage.Store in process memory.
type Store struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *storage.Item]
	done  chan struct{}
	once  sync.Once
}

var _ storage.Store = (*Store)(nil)

// New creates an in-memory store holding at most maxItems entries.
func New(maxItems int) (*Store, error) {
	cache, err := lru.New[string, *storage.Item](maxItems)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	s := &Store{cache: cache, done: make(chan struct{})}
	go s.cleanupExpired()
	return s, nil
}

func (s *Store) Get(ctx context.Context, key string) (*storage.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.cache.Get(key)
	if !ok {
		return nil, nil
	}
	if item.IsExpired() {
		s.cache.Remove(key)
		return nil, nil
	}
	return item, nil
}

func (s *Store) GetDel(ctx context.Context, key string) (*storage.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.cache.Get(key)
	if !ok {
		return nil, nil
	}
	s.cache.Remove(key)
	if item.IsExpired() {
		return nil, nil
	}
	return item, nil
}

func (s *Store) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	options := &storage.Options{}
	for _, opt := range opts {
		opt(options)
	}

	now := time.Now()
	item := &storage.Item{
		Data:      make([]byte, len(data)),
		CreatedAt: now,
	}
	copy(item.Data, data)
	if options.TTL != nil {
		expiresAt := now.Add(*options.TTL)
		item.ExpiresAt = &expiresAt
	}

	s.mu.Lock()
	s.cache.Add(key, item)
	s.mu.Unlock()
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	s.cache.Remove(key)
	s.mu.Unlock()
	return nil
}

func (s *Store) Close() error {
	s.once.Do(func() { close(s.done) })
	s.mu.Lock()
	s.cache.Purge()
	s.mu.Unlock()
	return nil
}

// cleanupExpired periodically sweeps expired items so they do not occupy
// LRU slots until next access.
func (s *Store) cleanupExpired() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
		s.mu.Lock()
		now := time.Now()
		for _, key := range s.cache.Keys() {
			if item, ok := s.cache.Peek(key); ok {
				if item.ExpiresAt != nil && now.After(*item.ExpiresAt) {
					s.cache.Remove(key)
				}
			}
		}
		s.mu.Unlock()
	}
}
