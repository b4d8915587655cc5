// Package auth issues and verifies the panel's API keys.
//
// Keys are bearer tokens with an sk_ prefix, shown once at creation; only
// the sha256 digest is stored. Admin endpoints authenticate separately via
// the X-Admin-Secret header.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or expired API key")
	ErrNotOwner      = errors.New("not authorized for this resource")
	ErrKeyNotFound   = errors.New("API key not found")
)

// lastUsedGranularity bounds how often a key's LastUsed stamp is rewritten.
const lastUsedGranularity = time.Minute

// APIKey is the stored metadata for one issued key. The raw secret never
// persists; Hash is its sha256 digest.
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"`
	UserID    int64      `json:"userId"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Store persists API keys.
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByUser(ctx context.Context, userID int64) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
	Delete(ctx context.Context, id string) error
}

// Manager issues, verifies and revokes keys against a Store.
type Manager struct {
	store Store
}

func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// GenerateKey mints a key for the user. The returned rawKey is the only
// copy of the secret; the stored record carries just its digest.
func (m *Manager) GenerateKey(ctx context.Context, userID int64, name string) (rawKey string, key *APIKey, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}

	rawKey = "sk_" + hex.EncodeToString(b)
	key = &APIKey{
		ID:        "ak_" + hex.EncodeToString(b[:8]),
		Hash:      digest(rawKey),
		UserID:    userID,
		Name:      name,
		CreatedAt: time.Now(),
	}
	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return rawKey, key, nil
}

// ValidateKey resolves a presented credential to its stored key. Accepts
// the raw key with or without a "Bearer " prefix. Revoked and expired keys
// fail with ErrInvalidAPIKey, indistinguishable from unknown ones.
func (m *Manager) ValidateKey(ctx context.Context, presented string) (*APIKey, error) {
	if presented == "" {
		return nil, ErrNoAPIKey
	}

	raw := strings.TrimSpace(strings.TrimPrefix(presented, "Bearer "))
	if !strings.HasPrefix(raw, "sk_") {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, digest(raw))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	if key.Revoked {
		return nil, ErrInvalidAPIKey
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	m.touch(key)
	return key, nil
}

// touch refreshes LastUsed, at most once per granularity window so a hot
// key does not turn every request into a write.
func (m *Manager) touch(key *APIKey) {
	now := time.Now()
	if now.Sub(key.LastUsed) < lastUsedGranularity {
		return
	}
	key.LastUsed = now
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.store.Update(ctx, key)
	}()
}

// ListKeys returns the user's keys, digests omitted by marshaling.
func (m *Manager) ListKeys(ctx context.Context, userID int64) ([]*APIKey, error) {
	return m.store.GetByUser(ctx, userID)
}

// RevokeKey revokes one of the user's keys. Keys belonging to other users
// are invisible here, so a wrong keyID reports ErrKeyNotFound.
func (m *Manager) RevokeKey(ctx context.Context, keyID string, userID int64) error {
	keys, err := m.store.GetByUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID == keyID {
			k.Revoked = true
			return m.store.Update(ctx, k)
		}
	}
	return ErrKeyNotFound
}

func digest(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore keeps keys in maps, indexed by both ID and digest.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*APIKey
	byHash map[string]*APIKey
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*APIKey),
		byHash: make(map[string]*APIKey),
	}
}

func (s *MemoryStore) Create(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[key.ID] = key
	s.byHash[key.Hash] = key
	return nil
}

func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.byHash[hash]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return key, nil
}

func (s *MemoryStore) GetByUser(ctx context.Context, userID int64) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*APIKey
	for _, k := range s.byID {
		if k.UserID == userID {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[key.ID] = key
	s.byHash[key.Hash] = key
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.byID[id]; ok {
		delete(s.byHash, key.Hash)
		delete(s.byID, id)
	}
	return nil
}
