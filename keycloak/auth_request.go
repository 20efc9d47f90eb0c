package keycloak

import (
	"context"
	"errors"
	"sync"
	"time"
)

// AuthRequestTTL bounds how long a started hosted login may take to finish.
const AuthRequestTTL = 10 * time.Minute

// ErrUnknownState is returned when a hosted login returns with a state that
// was never issued, has expired or was already used.
var ErrUnknownState = errors.New("unknown or expired login state")

// AuthRequestStore keeps the PKCE verifier of each pending hosted login,
// keyed by its state parameter. Take must remove the entry.
type AuthRequestStore interface {
	SaveAuthRequest(ctx context.Context, state, verifier string) error
	TakeAuthRequest(ctx context.Context, state string) (string, error)
}

type pendingRequest struct {
	verifier string
	expires  time.Time
}

// MemoryAuthRequests is an in-process AuthRequestStore.
type MemoryAuthRequests struct {
	mu      sync.Mutex
	pending map[string]pendingRequest
	now     func() time.Time
}

func NewMemoryAuthRequests() *MemoryAuthRequests {
	return &MemoryAuthRequests{
		pending: make(map[string]pendingRequest),
		now:     time.Now,
	}
}

func (m *MemoryAuthRequests) SaveAuthRequest(_ context.Context, state, verifier string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for k, p := range m.pending {
		if now.After(p.expires) {
			delete(m.pending, k)
		}
	}
	m.pending[state] = pendingRequest{verifier: verifier, expires: now.Add(AuthRequestTTL)}
	return nil
}

func (m *MemoryAuthRequests) TakeAuthRequest(_ context.Context, state string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[state]
	delete(m.pending, state)
	if !ok || m.now().After(p.expires) {
		return "", ErrUnknownState
	}
	return p.verifier, nil
}
