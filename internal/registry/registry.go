// Package registry tracks the server side of every active tunnel: the
// mapping from a public identifier (subdomain or TCP port) to the mux
// session that serves it, with the uniqueness and lifecycle invariants
// of a tunnel (§3, §4.4). It generalizes the teacher's StateStore
// (cmd/server/state_interface.go) from client sessions to tunnel slots.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/siphon-tunnel/siphon/internal/mux"
	"github.com/siphon-tunnel/siphon/internal/wire"
)

// ErrNameConflict is returned by Reserve when the requested public
// identifier is already held by another tunnel (I1 uniqueness).
var ErrNameConflict = errors.New("registry: public identifier already in use")

// ErrNotFound is returned when a lookup misses.
var ErrNotFound = errors.New("registry: tunnel not found")

// Tunnel is one authenticated client session's registry record (§3
// Data model). Session is nil when a backend returns a record whose live
// mux handle is held by another process (the Redis backend); callers
// should treat a nil Session the same as ErrNotFound.
type Tunnel struct {
	ID         uuid.UUID
	CommonName string
	Kind       wire.TunnelKind
	PublicID   string // subdomain (http) or decimal port string (tcp)
	CreatedAt  time.Time
	Session    *mux.Session
}

// Store is the registry backend contract. Every implementation must
// uphold I1 (uniqueness of PublicID at any instant). Unregister does not
// touch the tunnel's streams; I3 rests on the caller closing the mux
// session before it unregisters.
type Store interface {
	// Reserve claims publicID for a new tunnel before any external side
	// effect (DNS record, listener bind) runs. It returns ErrNameConflict
	// if the identifier is already held.
	Reserve(ctx context.Context, publicID string, kind wire.TunnelKind) (*Tunnel, error)

	// Publish attaches the live mux session to a reserved tunnel,
	// completing two-phase registration (§4.4).
	Publish(ctx context.Context, t *Tunnel, sess *mux.Session) error

	// Release drops a reservation that never reached Publish (external
	// side effect failed).
	Release(ctx context.Context, publicID string)

	// Lookup returns the tunnel currently published under publicID.
	Lookup(ctx context.Context, publicID string) (*Tunnel, error)

	// Unregister removes a published tunnel. Safe to call more than
	// once for the same id (L2 idempotence).
	Unregister(ctx context.Context, publicID string)

	// Stats reports counts for health/metrics endpoints.
	Stats(ctx context.Context) Stats
}

// Stats is a coarse snapshot for health and dashboard endpoints,
// generalizing teacher's serverState.getStats.
type Stats struct {
	ActiveTunnels int
	Reservations  int
}
