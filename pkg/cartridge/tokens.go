package cartridge

import (
	"sync"

	"github.com/google/uuid"
)

// TokenSet is the process-wide registry of active execution permits. The
// orchestrator mints a token with Begin before each execution and retires it
// with End in all paths; Guarded.Bind checks membership at execute time.
type TokenSet struct {
	mu     sync.Mutex
	active map[string]struct{}
}

// NewTokenSet returns an empty permit registry.
func NewTokenSet() *TokenSet {
	return &TokenSet{active: make(map[string]struct{})}
}

// Begin mints a fresh opaque permit and marks it active.
func (s *TokenSet) Begin() string {
	token := uuid.New().String()
	s.mu.Lock()
	s.active[token] = struct{}{}
	s.mu.Unlock()
	return token
}

// End retires a permit. Ending an unknown token is a no-op.
func (s *TokenSet) End(token string) {
	s.mu.Lock()
	delete(s.active, token)
	s.mu.Unlock()
}

// IsActive reports whether the permit is currently valid.
func (s *TokenSet) IsActive(token string) bool {
	s.mu.Lock()
	_, ok := s.active[token]
	s.mu.Unlock()
	return ok
}

// ActiveCount returns the number of in-flight permits.
func (s *TokenSet) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
