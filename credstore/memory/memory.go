// Package memory provides an in-memory credstore backend built on
// github.com/hashicorp/golang-lru/v2, suitable for single-process deployments
// and tests.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cordonlabs/toolgate/credstore"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Store implements credstore.Store in process memory.
type Store struct {
	mu    sync.RWMutex
	cache *lru.Cache[string, *credstore.Item]

	stopOnce sync.Once
	stopCh   chan struct{}
}

var _ credstore.Store = (*Store)(nil)

// New creates an in-memory store bounded to maxItems entries. A background
// goroutine reaps expired entries; Close stops it.
func New(maxItems int) (*Store, error) {
	cache, err := lru.New[string, *credstore.Item](maxItems)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	s := &Store{cache: cache, stopCh: make(chan struct{})}
	go s.reapExpired()
	return s, nil
}

func (s *Store) Get(ctx context.Context, key string, opts ...credstore.Option) (*credstore.Item, error) {
	options := credstore.Apply(opts)
	storageKey := buildKey(options.Namespace, key)

	s.mu.RLock()
	item, ok := s.cache.Get(storageKey)
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if item.IsExpired() {
		s.mu.Lock()
		s.cache.Remove(storageKey)
		s.mu.Unlock()
		return nil, nil
	}
	return item, nil
}

func (s *Store) Set(ctx context.Context, key string, data []byte, opts ...credstore.Option) error {
	options := credstore.Apply(opts)
	storageKey := buildKey(options.Namespace, key)

	now := time.Now()
	item := &credstore.Item{
		Data:      append([]byte(nil), data...),
		CreatedAt: now,
	}
	if options.TTL != nil {
		expiresAt := now.Add(*options.TTL)
		item.ExpiresAt = &expiresAt
	}

	s.mu.Lock()
	s.cache.Add(storageKey, item)
	s.mu.Unlock()
	return nil
}

func (s *Store) Delete(ctx context.Context, opts ...credstore.Option) error {
	options := credstore.Apply(opts)

	s.mu.Lock()
	defer s.mu.Unlock()

	if options.Key != nil {
		s.cache.Remove(buildKey(options.Namespace, *options.Key))
		return nil
	}
	prefix := buildPrefix(options.Namespace)
	for _, k := range s.cache.Keys() {
		if strings.HasPrefix(k, prefix) {
			s.cache.Remove(k)
		}
	}
	return nil
}

func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.mu.Lock()
	s.cache.Purge()
	s.mu.Unlock()
	return nil
}

func buildKey(ns credstore.Namespace, key string) string {
	return buildPrefix(ns) + key
}

// buildPrefix ends every scope in "key:" so one scope cannot shadow another:
// the user-wide prefix "user:u:key:" never matches a per-server key
// "user:u:server:s:key:...".
func buildPrefix(ns credstore.Namespace) string {
	switch n := ns.(type) {
	case credstore.UserNamespace:
		return "user:" + n.UserID + ":key:"
	case credstore.UserServerNamespace:
		return "user:" + n.UserID + ":server:" + n.ServerName + ":key:"
	default:
		return "global:key:"
	}
}

func (s *Store) reapExpired() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for _, k := range s.cache.Keys() {
				if item, ok := s.cache.Peek(k); ok {
					if item.ExpiresAt != nil && now.After(*item.ExpiresAt) {
						s.cache.Remove(k)
					}
				}
			}
			s.mu.Unlock()
		}
	}
}
