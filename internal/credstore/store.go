// Package credstore holds the bearer credential pair that backs a session.
package credstore

import (
	"errors"
	"strings"
	"sync"
)

// DefaultTokenType is used when the identity service omits token_type.
const DefaultTokenType = "bearer"

// ErrIncompleteCredentials is returned when saving a token without a type or
// a type without a token.
var ErrIncompleteCredentials = errors.New("credentials require both access token and token type")

// Credentials is the (token, token-type) pair. The two fields are always
// stored and cleared together.
type Credentials struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// Empty reports whether no token is held.
func (c Credentials) Empty() bool {
	return strings.TrimSpace(c.AccessToken) == ""
}

// Complete reports whether both halves of the pair are present.
func (c Credentials) Complete() bool {
	return strings.TrimSpace(c.AccessToken) != "" && strings.TrimSpace(c.TokenType) != ""
}

// Store is durable client-side storage for a single credential pair.
// Implementations must make Save and Clear atomic over the pair.
type Store interface {
	// Load returns the stored pair. ok is false when nothing is stored.
	Load() (creds Credentials, ok bool, err error)
	Save(creds Credentials) error
	// Clear removes the stored pair. Clearing an empty store is not an error.
	Clear() error
}

// MemoryStore keeps credentials in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	creds Credentials
	set   bool
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load() (Credentials, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.creds, m.set, nil
}

func (m *MemoryStore) Save(creds Credentials) error {
	creds = normalize(creds)
	if !creds.Complete() {
		return ErrIncompleteCredentials
	}
	m.mu.Lock()
	m.creds = creds
	m.set = true
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Clear() error {
	m.mu.Lock()
	m.creds = Credentials{}
	m.set = false
	m.mu.Unlock()
	return nil
}

func normalize(creds Credentials) Credentials {
	creds.AccessToken = strings.TrimSpace(creds.AccessToken)
	creds.TokenType = strings.TrimSpace(creds.TokenType)
	return creds
}
