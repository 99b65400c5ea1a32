package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/siphon-tunnel/siphon/internal/mux"
	"github.com/siphon-tunnel/siphon/internal/obs"
	"github.com/siphon-tunnel/siphon/internal/wire"
)

// memStore is the single-process Store backend: a mutex-guarded map,
// directly generalizing the teacher's serverState (cmd/server/server-state.go)
// from client-name keys to public-identifier keys.
type memStore struct {
	mu       sync.Mutex
	tunnels  map[string]*Tunnel // publicID -> published tunnel
	reserved map[string]*Tunnel // publicID -> reserved-but-not-yet-published
}

// NewMemory constructs an in-process Store.
func NewMemory() Store {
	return &memStore{
		tunnels:  make(map[string]*Tunnel),
		reserved: make(map[string]*Tunnel),
	}
}

func (s *memStore) Reserve(ctx context.Context, publicID string, kind wire.TunnelKind) (*Tunnel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.tunnels[publicID]; taken {
		return nil, ErrNameConflict
	}
	if _, taken := s.reserved[publicID]; taken {
		return nil, ErrNameConflict
	}
	t := &Tunnel{
		ID:        uuid.New(),
		Kind:      kind,
		PublicID:  publicID,
		CreatedAt: time.Now(),
	}
	s.reserved[publicID] = t
	return t, nil
}

func (s *memStore) Publish(ctx context.Context, t *Tunnel, sess *mux.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, stillReserved := s.reserved[t.PublicID]; !stillReserved {
		return ErrNotFound
	}
	t.Session = sess
	delete(s.reserved, t.PublicID)
	s.tunnels[t.PublicID] = t
	obs.ActiveTunnels.Set(float64(len(s.tunnels)))
	return nil
}

func (s *memStore) Release(ctx context.Context, publicID string) {
	s.mu.Lock()
	delete(s.reserved, publicID)
	s.mu.Unlock()
}

func (s *memStore) Lookup(ctx context.Context, publicID string) (*Tunnel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tunnels[publicID]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

func (s *memStore) Unregister(ctx context.Context, publicID string) {
	s.mu.Lock()
	_, existed := s.tunnels[publicID]
	delete(s.tunnels, publicID)
	count := len(s.tunnels)
	s.mu.Unlock()
	if existed {
		obs.ActiveTunnels.Set(float64(count))
	}
}

func (s *memStore) Stats(ctx context.Context) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{ActiveTunnels: len(s.tunnels), Reservations: len(s.reserved)}
}
