package ratelimit

import (
	"testing"
	"time"
)

func TestRateLimiterPerTunnelBurst(t *testing.T) {
	rl := NewRateLimiter(0, 2, 0, 5, 3) // global disabled; per-tunnel: 2 conn/s, 5 req/s; burst 3
	cn := "tunnel-cn-1"

	for i := 0; i < 3; i++ {
		if !rl.AllowConnection(cn) {
			t.Errorf("expected connection %d to be allowed within burst", i)
		}
	}
	if rl.AllowConnection(cn) {
		t.Error("expected connection to be denied once burst is exhausted")
	}

	time.Sleep(1100 * time.Millisecond)
	if !rl.AllowConnection(cn) {
		t.Error("expected connection to be allowed after refill")
	}
}

func TestRateLimiterPerTunnelIsolated(t *testing.T) {
	rl := NewRateLimiter(0, 2, 0, 5, 3)

	cn1, cn2 := "tunnel-1", "tunnel-2"
	for i := 0; i < 3; i++ {
		if !rl.AllowConnection(cn1) {
			t.Fatalf("tunnel-1 should still have burst at i=%d", i)
		}
	}
	if !rl.AllowConnection(cn2) {
		t.Error("a different tunnel's bucket must not be affected by tunnel-1's usage")
	}
}

func TestRateLimiterGlobalLimit(t *testing.T) {
	rl := NewRateLimiter(2, 0, 2, 0, 2) // global: 2 conn/s, 2 req/s; per-tunnel disabled; burst 2

	cn1, cn2 := "tunnel-1", "tunnel-2"
	if !rl.AllowConnection(cn1) {
		t.Error("expected first global connection to be allowed")
	}
	if !rl.AllowConnection(cn2) {
		t.Error("expected second global connection to be allowed")
	}
	if rl.AllowConnection(cn1) {
		t.Error("expected third global connection to be denied")
	}
}

func TestRateLimiterRequestsDisabled(t *testing.T) {
	rl := NewRateLimiter(0, 0, 0, 0, 5)
	cn := "tunnel-1"

	for i := 0; i < 50; i++ {
		if !rl.AllowConnection(cn) {
			t.Errorf("expected connection %d to be allowed when limits disabled", i)
		}
		if !rl.AllowRequest(cn) {
			t.Errorf("expected request %d to be allowed when limits disabled", i)
		}
	}
}

func TestRateLimiterCleanupExpiredClients(t *testing.T) {
	rl := NewRateLimiter(0, 1, 0, 1, 1)

	cn1, cn2 := "tunnel-1", "tunnel-2"
	rl.AllowConnection(cn1)
	rl.AllowConnection(cn2)
	rl.AllowRequest(cn1)
	rl.AllowRequest(cn2)

	if len(rl.perTunnelConnLimiters) != 2 {
		t.Fatalf("expected 2 connection limiters, got %d", len(rl.perTunnelConnLimiters))
	}

	rl.CleanupExpiredClients(map[string]bool{cn1: true})

	if _, ok := rl.perTunnelConnLimiters[cn1]; !ok {
		t.Error("expected tunnel-1 connection limiter to remain")
	}
	if _, ok := rl.perTunnelConnLimiters[cn2]; ok {
		t.Error("expected tunnel-2 connection limiter to be cleaned up")
	}
	if _, ok := rl.perTunnelReqLimiters[cn2]; ok {
		t.Error("expected tunnel-2 request limiter to be cleaned up")
	}
}
