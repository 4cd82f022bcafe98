// Package auth resolves the API keys that remote trackers present to the
// collector.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrKeyNotFound is returned when a presented key matches no stored hash
var ErrKeyNotFound = errors.New("api key not found")

// Key is the view of an API key needed at request time.
type Key struct {
	ID      string
	Name    string
	Revoked bool
}

// KeyStore resolves plaintext API keys into stored records.
type KeyStore interface {
	Lookup(ctx context.Context, plaintextKey string) (*Key, error)
}

// HashKey returns the hex SHA-256 of a plaintext key. Only hashes are kept in memory.
func HashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// StaticKeyStore holds a fixed set of keys loaded from configuration.
type StaticKeyStore struct {
	mu sync.RWMutex
	// map of hash(API key) -> record
	keys map[string]*Key
}

// NewStaticKeyStore accepts entries of the form "name:key" or a bare key.
// Bare keys are named key-1, key-2, ... in order.
func NewStaticKeyStore(entries []string) (*StaticKeyStore, error) {
	s := &StaticKeyStore{keys: make(map[string]*Key, len(entries))}
	for i, entry := range entries {
		name, plaintext, ok := strings.Cut(entry, ":")
		if !ok {
			name, plaintext = fmt.Sprintf("key-%d", i+1), entry
		}
		name, plaintext = strings.TrimSpace(name), strings.TrimSpace(plaintext)
		if plaintext == "" {
			return nil, fmt.Errorf("api key %d is empty", i+1)
		}

		hash := HashKey(plaintext)
		if _, dup := s.keys[hash]; dup {
			return nil, fmt.Errorf("api key %q is configured twice", name)
		}
		s.keys[hash] = &Key{ID: hash[:12], Name: name}
	}
	return s, nil
}

// Lookup returns a copy of the record for plaintextKey.
func (s *StaticKeyStore) Lookup(ctx context.Context, plaintextKey string) (*Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.keys[HashKey(plaintextKey)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	cpy := *rec
	return &cpy, nil
}

// Revoke marks the key with the given name as revoked.
func (s *StaticKeyStore) Revoke(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range s.keys {
		if k.Name == name {
			k.Revoked = true
			return true
		}
	}
	return false
}

func (s *StaticKeyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}
