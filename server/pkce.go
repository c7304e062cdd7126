package server

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"log/slog"
	"sync"
	"time"
)

const (
	pkceMaxAge        = 600 * time.Second
	pkceSweepInterval = time.Hour
)

// PKCEEntry ties an in-flight authorization to its code verifier and the
// frontend URL that initiated it.
type PKCEEntry struct {
	State        string
	CodeVerifier string
	FrontendURL  string
	CreatedAt    time.Time
}

// PKCEStore holds PKCE state between /auth/authorize and /callback. Entries
// are process-local and ephemeral: each is removed exactly once, either
// consumed by the callback or reaped by the hourly sweep. Capacity is
// unbounded between sweeps; sustained abuse is a known soft limit.
type PKCEStore struct {
	mu      sync.Mutex
	entries map[string]PKCEEntry
	logger  *slog.Logger
	now     func() time.Time
}

// NewPKCEStore constructs an empty store.
func NewPKCEStore(logger *slog.Logger) *PKCEStore {
	return &PKCEStore{
		entries: make(map[string]PKCEEntry),
		logger:  logger,
		now:     time.Now,
	}
}

// Begin registers a new authorization attempt bound to frontendURL and
// returns the anti-replay state, the code verifier, and the S256 challenge.
// State and verifier are independently drawn from crypto/rand and
// base64url-encoded without padding.
func (s *PKCEStore) Begin(frontendURL string) (state, verifier, challenge string) {
	state = randomToken(16)
	verifier = randomToken(32)
	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[state] = PKCEEntry{
		State:        state,
		CodeVerifier: verifier,
		FrontendURL:  frontendURL,
		CreatedAt:    s.now(),
	}
	return state, verifier, challenge
}

// Consume fetches and removes the entry for state. It is destructive and
// single-use: a second call with the same state reports false, and callbacks
// racing on one state resolve so exactly one wins. Entries past the PKCE max
// age are treated as absent.
func (s *PKCEStore) Consume(state string) (PKCEEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[state]
	if !ok {
		return PKCEEntry{}, false
	}
	delete(s.entries, state)
	if s.now().Sub(entry.CreatedAt) > pkceMaxAge {
		return PKCEEntry{}, false
	}
	return entry, true
}

// Sweep deletes entries older than the PKCE max age and reports how many
// were removed.
func (s *PKCEStore) Sweep() int {
	cutoff := s.now().Add(-pkceMaxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for state, entry := range s.entries {
		if entry.CreatedAt.Before(cutoff) {
			delete(s.entries, state)
			removed++
		}
	}
	return removed
}

// Len reports the number of live entries.
func (s *PKCEStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Run sweeps expired entries hourly until ctx is cancelled.
func (s *PKCEStore) Run(ctx context.Context) {
	ticker := time.NewTicker(pkceSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Info("swept expired pkce entries", "removed", n)
			}
		}
	}
}

func randomToken(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
