package registry

import (
	"context"
	"crypto/rand"
	"fmt"
	"regexp"

	"golang.org/x/net/idna"

	"github.com/siphon-tunnel/siphon/internal/wire"
)

const (
	subdomainMinLen = 10
	subdomainMaxLen = 24
	// maxGenerateAttempts bounds the collision-retry loop before a
	// generated subdomain surfaces as an internal error (§9 Subdomain
	// generation: "regenerate on collision up to a small bound").
	maxGenerateAttempts = 8
)

var requestedSubdomainPattern = regexp.MustCompile(`^[a-z][a-z0-9-]{0,62}$`)

const subdomainAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// ValidateRequested checks a client-requested subdomain against the
// handshake grammar (§4.3: "lowercase, matches [a-z][a-z0-9-]{0,62}")
// and against DNS label rules via idna, which catches shapes the regex
// alone permits (a trailing hyphen, hyphens in the third and fourth
// positions) but the protocol grammar does not explicitly forbid.
func ValidateRequested(s string) error {
	if !requestedSubdomainPattern.MatchString(s) {
		return fmt.Errorf("registry: subdomain %q does not match required grammar", s)
	}
	if _, err := idna.Lookup.ToASCII(s); err != nil {
		return fmt.Errorf("registry: subdomain %q is not a valid DNS label: %w", s, err)
	}
	return nil
}

// generateRandom produces one candidate: lowercase, starts with a
// letter, 10-24 characters (§4.4).
func generateRandom() (string, error) {
	length := subdomainMinLen
	lengthRange := subdomainMaxLen - subdomainMinLen + 1
	n, err := randomByte(byte(lengthRange))
	if err != nil {
		return "", err
	}
	length += int(n)

	b := make([]byte, length)
	letters, err := randomBytes(length)
	if err != nil {
		return "", err
	}
	// First character must be a letter (first 26 symbols of the alphabet).
	b[0] = subdomainAlphabet[int(letters[0])%26]
	for i := 1; i < length; i++ {
		b[i] = subdomainAlphabet[int(letters[i])%len(subdomainAlphabet)]
	}
	return string(b), nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("registry: read random bytes: %w", err)
	}
	return b, nil
}

func randomByte(mod byte) (byte, error) {
	b, err := randomBytes(1)
	if err != nil {
		return 0, err
	}
	if mod == 0 {
		return 0, nil
	}
	return b[0] % mod, nil
}

// ReserveHTTP implements register_http (§4.4): reserves an exact
// requested subdomain, or generates a collision-resistant one, retrying
// up to maxGenerateAttempts before returning an internal error.
func ReserveHTTP(ctx context.Context, store Store, requested string) (*Tunnel, error) {
	if requested != "" {
		if err := ValidateRequested(requested); err != nil {
			return nil, err
		}
		return store.Reserve(ctx, requested, wire.KindHTTP)
	}
	var lastErr error
	for attempt := 0; attempt < maxGenerateAttempts; attempt++ {
		candidate, err := generateRandom()
		if err != nil {
			return nil, fmt.Errorf("registry: generate subdomain: %w", err)
		}
		t, err := store.Reserve(ctx, candidate, wire.KindHTTP)
		if err == nil {
			return t, nil
		}
		if err != ErrNameConflict {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("registry: exhausted %d subdomain generation attempts: %w", maxGenerateAttempts, lastErr)
}

// ReserveTCP implements register_tcp (§4.4): allocates a port from pool
// and reserves it under its decimal string form as the public id.
func ReserveTCP(ctx context.Context, store Store, pool *PortPool) (*Tunnel, uint16, error) {
	port, err := pool.Allocate()
	if err != nil {
		return nil, 0, err
	}
	t, err := store.Reserve(ctx, fmt.Sprintf("%d", port), wire.KindTCP)
	if err != nil {
		pool.Release(port)
		return nil, 0, err
	}
	return t, port, nil
}
