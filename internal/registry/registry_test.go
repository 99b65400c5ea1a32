package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siphon-tunnel/siphon/internal/wire"
)

func TestMemoryReserveUniqueness(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	_, err := store.Reserve(ctx, "app", wire.KindHTTP)
	require.NoError(t, err)

	_, err = store.Reserve(ctx, "app", wire.KindHTTP)
	assert.ErrorIs(t, err, ErrNameConflict)
}

func TestMemoryReleaseFreesReservation(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	t1, err := store.Reserve(ctx, "app", wire.KindHTTP)
	require.NoError(t, err)
	store.Release(ctx, t1.PublicID)

	t2, err := store.Reserve(ctx, "app", wire.KindHTTP)
	require.NoError(t, err)
	assert.NotEqual(t, t1.ID, t2.ID)
}

func TestMemoryPublishThenLookup(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	tn, err := store.Reserve(ctx, "app", wire.KindHTTP)
	require.NoError(t, err)

	require.NoError(t, store.Publish(ctx, tn, nil))

	got, err := store.Lookup(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, tn.ID, got.ID)
}

func TestMemoryUnregisterIsIdempotent(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	tn, err := store.Reserve(ctx, "app", wire.KindHTTP)
	require.NoError(t, err)
	require.NoError(t, store.Publish(ctx, tn, nil))

	store.Unregister(ctx, "app")
	store.Unregister(ctx, "app") // L2: must not panic or error

	_, err = store.Lookup(ctx, "app")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPortPoolExhaustion(t *testing.T) {
	pool := NewPortPool(9000, 9001)

	p1, err := pool.Allocate()
	require.NoError(t, err)
	p2, err := pool.Allocate()
	require.NoError(t, err)
	assert.NotEqual(t, p1, p2)

	_, err = pool.Allocate()
	assert.ErrorIs(t, err, ErrPoolExhausted)

	pool.Release(p1)
	p3, err := pool.Allocate()
	require.NoError(t, err)
	assert.Equal(t, p1, p3)
}

func TestValidateRequestedSubdomain(t *testing.T) {
	assert.NoError(t, ValidateRequested("my-app"))
	assert.Error(t, ValidateRequested("My-App"))  // uppercase rejected
	assert.Error(t, ValidateRequested("1app"))    // must start with a letter
	assert.Error(t, ValidateRequested(""))
}

func TestReserveHTTPGeneratesDistinctSubdomains(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	first, err := ReserveHTTP(ctx, store, "")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(first.PublicID), subdomainMinLen)
	assert.LessOrEqual(t, len(first.PublicID), subdomainMaxLen)

	second, err := ReserveHTTP(ctx, store, "")
	require.NoError(t, err)
	assert.NotEqual(t, first.PublicID, second.PublicID)
}

func TestReserveTCPFailsWhenPoolExhausted(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	pool := NewPortPool(9500, 9500)

	_, port, err := ReserveTCP(ctx, store, pool)
	require.NoError(t, err)
	assert.Equal(t, uint16(9500), port)

	// Pool has exactly one port and it's taken; a second reservation
	// must fail with pool exhaustion.
	_, _, err = ReserveTCP(ctx, store, pool)
	assert.ErrorIs(t, err, ErrPoolExhausted)
}
