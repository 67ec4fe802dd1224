package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ErrUnknownKey is returned when a presented API key matches no entry.
var ErrUnknownKey = errors.New("auth: unknown api key")

// APIKey binds one bcrypt-hashed credential to a principal.
type APIKey struct {
	Name   string
	Hash   string
	UserID string
	TeamID string
	OrgID  string
	Scopes []string
}

// Keyring verifies presented API keys against their configured hashes.
// bcrypt comparison is deliberately slow, so a key that verified once is
// remembered by digest and resolved from the cache afterwards.
type Keyring struct {
	keys []APIKey

	mu       sync.RWMutex
	verified map[string]int
}

// NewKeyring builds a keyring over the configured entries.
func NewKeyring(keys []APIKey) *Keyring {
	return &Keyring{keys: keys, verified: make(map[string]int)}
}

// Lookup resolves a presented key to its principal.
func (k *Keyring) Lookup(presented string) (*Principal, error) {
	if presented == "" || len(k.keys) == 0 {
		return nil, ErrUnknownKey
	}
	digest := sha256Hex(presented)

	k.mu.RLock()
	idx, ok := k.verified[digest]
	k.mu.RUnlock()
	if ok {
		return k.keys[idx].principal(), nil
	}

	for i := range k.keys {
		if bcrypt.CompareHashAndPassword([]byte(k.keys[i].Hash), []byte(presented)) == nil {
			k.mu.Lock()
			k.verified[digest] = i
			k.mu.Unlock()
			return k.keys[i].principal(), nil
		}
	}
	return nil, ErrUnknownKey
}

func (key *APIKey) principal() *Principal {
	return &Principal{
		UserID:     key.UserID,
		TeamID:     key.TeamID,
		OrgID:      key.OrgID,
		Name:       key.Name,
		Scopes:     key.Scopes,
		FromAPIKey: true,
	}
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
