// Package ratelimit bounds per-tunnel connection and request rates,
// guarding the resource_exhausted paths in the stream-open and
// handshake flows (§5 backpressure). Generalized from the teacher's
// hand-rolled TokenBucket onto golang.org/x/time/rate, keeping the same
// public call shape (AllowConnection/AllowRequest keyed by tunnel CN).
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter manages both global and per-tunnel connection/request
// rate limits.
type RateLimiter struct {
	mu sync.Mutex

	globalConnLimiter *rate.Limiter
	globalReqLimiter  *rate.Limiter

	perTunnelConnLimiters map[string]*rate.Limiter
	perTunnelReqLimiters  map[string]*rate.Limiter

	connRate  rate.Limit
	reqRate   rate.Limit
	burstSize int
}

// NewRateLimiter builds a limiter. A rate of 0 disables that particular
// check (global or per-tunnel). Rates are in events per second.
func NewRateLimiter(globalConnLimit, perTunnelConnLimit, globalReqLimit, perTunnelReqLimit, burstSize int) *RateLimiter {
	rl := &RateLimiter{
		perTunnelConnLimiters: make(map[string]*rate.Limiter),
		perTunnelReqLimiters:  make(map[string]*rate.Limiter),
		connRate:              rate.Limit(perTunnelConnLimit),
		reqRate:               rate.Limit(perTunnelReqLimit),
		burstSize:             burstSize,
	}
	if globalConnLimit > 0 {
		rl.globalConnLimiter = rate.NewLimiter(rate.Limit(globalConnLimit), burstSize)
	}
	if globalReqLimit > 0 {
		rl.globalReqLimiter = rate.NewLimiter(rate.Limit(globalReqLimit), burstSize)
	}
	return rl
}

// AllowConnection reports whether a new control connection (tunnel
// handshake) is allowed for the tunnel identified by cn.
func (rl *RateLimiter) AllowConnection(cn string) bool {
	if rl.globalConnLimiter != nil && !rl.globalConnLimiter.Allow() {
		return false
	}
	if rl.connRate <= 0 {
		return true
	}
	return rl.bucketFor(rl.perTunnelConnLimiters, cn, rl.connRate).Allow()
}

// AllowRequest reports whether a new relayed request/stream is allowed
// for the tunnel identified by cn.
func (rl *RateLimiter) AllowRequest(cn string) bool {
	if rl.globalReqLimiter != nil && !rl.globalReqLimiter.Allow() {
		return false
	}
	if rl.reqRate <= 0 {
		return true
	}
	return rl.bucketFor(rl.perTunnelReqLimiters, cn, rl.reqRate).Allow()
}

func (rl *RateLimiter) bucketFor(buckets map[string]*rate.Limiter, cn string, limit rate.Limit) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	lim, ok := buckets[cn]
	if !ok {
		lim = rate.NewLimiter(limit, rl.burstSize)
		buckets[cn] = lim
	}
	return lim
}

// CleanupExpiredClients drops limiter state for tunnels no longer
// present in activeTunnels, preventing unbounded growth of the
// per-tunnel maps across reconnect churn.
func (rl *RateLimiter) CleanupExpiredClients(activeTunnels map[string]bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for cn := range rl.perTunnelConnLimiters {
		if !activeTunnels[cn] {
			delete(rl.perTunnelConnLimiters, cn)
		}
	}
	for cn := range rl.perTunnelReqLimiters {
		if !activeTunnels[cn] {
			delete(rl.perTunnelReqLimiters, cn)
		}
	}
}
