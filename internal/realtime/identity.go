package realtime

import (
	"os"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gridforge/tabletop/internal/platform/id"
)

// CredentialStore persists the anonymous participant id between sessions so
// an unauthenticated user keeps a stable identity across reconnects.
type CredentialStore interface {
	Load() (string, error)
	Save(value string) error
}

// MemoryCredentialStore keeps the credential in memory only. Suitable for
// tests and throwaway sessions.
type MemoryCredentialStore struct {
	mu    sync.Mutex
	value string
}

func (s *MemoryCredentialStore) Load() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, nil
}

func (s *MemoryCredentialStore) Save(value string) error {
	s.mu.Lock()
	s.value = value
	s.mu.Unlock()
	return nil
}

// FileCredentialStore persists the credential as a plain file.
type FileCredentialStore struct {
	Path string
}

func (s *FileCredentialStore) Load() (string, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (s *FileCredentialStore) Save(value string) error {
	return os.WriteFile(s.Path, []byte(value+"\n"), 0o600)
}

// TokenSource supplies the current session token, if any.
type TokenSource func() (string, error)

// Identity resolves the participant id used for presence tracking. The
// session token's subject wins; any failure along that path falls back to a
// persisted anonymous id, minted synchronously on first use so tracking
// never has to wait on an auth round trip.
type Identity struct {
	tokens TokenSource
	store  CredentialStore

	mu sync.Mutex
}

func NewIdentity(tokens TokenSource, store CredentialStore) *Identity {
	if store == nil {
		store = &MemoryCredentialStore{}
	}
	return &Identity{tokens: tokens, store: store}
}

// Resolve always returns a usable participant id.
func (i *Identity) Resolve() string {
	if sub := i.tokenSubject(); sub != "" {
		return sub
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if v, err := i.store.Load(); err == nil && v != "" {
		return v
	}
	anon := id.NewPrefixed("anon")
	_ = i.store.Save(anon)
	return anon
}

// tokenSubject extracts the subject claim without verifying the signature.
// The hub verifies tokens on its side; locally the claim is only a display
// identity hint.
func (i *Identity) tokenSubject() string {
	if i.tokens == nil {
		return ""
	}
	token, err := i.tokens()
	if err != nil || strings.TrimSpace(token) == "" {
		return ""
	}
	claims := jwt.RegisteredClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return ""
	}
	return strings.TrimSpace(claims.Subject)
}
