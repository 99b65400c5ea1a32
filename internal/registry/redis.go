package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/siphon-tunnel/siphon/internal/mux"
	"github.com/siphon-tunnel/siphon/internal/obs"
	"github.com/siphon-tunnel/siphon/internal/wire"
)

// tunnelRecord is the JSON form stored in Redis, mirroring the
// teacher's clientSessionData — the mux handle never crosses the wire,
// only the reservation of the public identifier does (§3 registry,
// DESIGN.md open question on cross-process mux handles).
type tunnelRecord struct {
	ID         uuid.UUID       `json:"id"`
	CommonName string          `json:"common_name"`
	Kind       wire.TunnelKind `json:"kind"`
	PublicID   string          `json:"public_id"`
	CreatedAt  time.Time       `json:"created_at"`
	InstanceID string          `json:"instance_id"`
}

// redisStore is a horizontally-scalable Store, generalizing the
// teacher's redisStateStore (cmd/server/server-redis-state.go) from
// client sessions to tunnel-slot reservations.
type redisStore struct {
	client     *redis.Client
	instanceID string
	keyTTL     time.Duration

	mu    sync.Mutex
	local map[string]*Tunnel // publicID -> tunnel with a session owned by this process
}

// NewRedis dials addr and returns a Redis-backed Store, or an error if
// the initial ping fails.
func NewRedis(addr, password string, db int) (Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("registry: redis connection failed: %w", err)
	}
	return &redisStore{
		client:     rdb,
		instanceID: fmt.Sprintf("siphon-%s", uuid.New()),
		keyTTL:     24 * time.Hour,
		local:      make(map[string]*Tunnel),
	}, nil
}

func tunnelKey(publicID string) string  { return "siphon:tunnel:" + publicID }
func reserveKey(publicID string) string { return "siphon:reserve:" + publicID }

func (r *redisStore) Reserve(ctx context.Context, publicID string, kind wire.TunnelKind) (*Tunnel, error) {
	t := &Tunnel{ID: uuid.New(), Kind: kind, PublicID: publicID, CreatedAt: time.Now()}
	rec := tunnelRecord{ID: t.ID, Kind: kind, PublicID: publicID, CreatedAt: t.CreatedAt, InstanceID: r.instanceID}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("registry: marshal reservation: %w", err)
	}
	// SetNX atomically enforces I1 across every instance sharing this
	// Redis: only one caller anywhere can win the reservation key.
	ok, err := r.client.SetNX(ctx, reserveKey(publicID), data, 30*time.Second).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: reserve: %w", err)
	}
	if !ok {
		return nil, ErrNameConflict
	}
	// Publish deletes the reservation key after writing the tunnel key,
	// so a published identifier is detected here even though its
	// reservation key is gone.
	n, err := r.client.Exists(ctx, tunnelKey(publicID)).Result()
	if err != nil || n > 0 {
		r.client.Del(ctx, reserveKey(publicID))
		if err != nil {
			return nil, fmt.Errorf("registry: reserve: %w", err)
		}
		return nil, ErrNameConflict
	}
	return t, nil
}

func (r *redisStore) Publish(ctx context.Context, t *Tunnel, sess *mux.Session) error {
	rec := tunnelRecord{ID: t.ID, CommonName: t.CommonName, Kind: t.Kind, PublicID: t.PublicID, CreatedAt: t.CreatedAt, InstanceID: r.instanceID}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("registry: marshal tunnel: %w", err)
	}
	pipe := r.client.Pipeline()
	pipe.Set(ctx, tunnelKey(t.PublicID), data, r.keyTTL)
	pipe.Del(ctx, reserveKey(t.PublicID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("registry: publish: %w", err)
	}
	t.Session = sess
	r.mu.Lock()
	r.local[t.PublicID] = t
	r.mu.Unlock()
	obs.ActiveTunnels.Inc()
	return nil
}

func (r *redisStore) Release(ctx context.Context, publicID string) {
	if err := r.client.Del(ctx, reserveKey(publicID)).Err(); err != nil {
		obs.Error("registry.release", obs.Fields{"err": err.Error(), "public_id": publicID})
	}
}

// Lookup returns the tunnel record for publicID. The Session field is
// populated only if this process is the one holding the live mux
// handle; callers must check it before attempting to use the tunnel
// for data-plane relay (see DESIGN.md: cross-process mux handles).
func (r *redisStore) Lookup(ctx context.Context, publicID string) (*Tunnel, error) {
	r.mu.Lock()
	if t, ok := r.local[publicID]; ok {
		r.mu.Unlock()
		return t, nil
	}
	r.mu.Unlock()

	val, err := r.client.Get(ctx, tunnelKey(publicID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("registry: lookup: %w", err)
	}
	var rec tunnelRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, fmt.Errorf("registry: unmarshal tunnel: %w", err)
	}
	return &Tunnel{ID: rec.ID, CommonName: rec.CommonName, Kind: rec.Kind, PublicID: rec.PublicID, CreatedAt: rec.CreatedAt}, nil
}

func (r *redisStore) Unregister(ctx context.Context, publicID string) {
	if err := r.client.Del(ctx, tunnelKey(publicID)).Err(); err != nil {
		obs.Error("registry.unregister", obs.Fields{"err": err.Error(), "public_id": publicID})
	}
	r.mu.Lock()
	_, existed := r.local[publicID]
	delete(r.local, publicID)
	r.mu.Unlock()
	if existed {
		obs.ActiveTunnels.Dec()
	}
}

func (r *redisStore) Stats(ctx context.Context) Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{ActiveTunnels: len(r.local)}
}
