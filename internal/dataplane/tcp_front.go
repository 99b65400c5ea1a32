package dataplane

import (
	"bufio"
	"net"
	"strconv"
	"sync"

	"github.com/siphon-tunnel/siphon/internal/mux"
	"github.com/siphon-tunnel/siphon/internal/obs"
	"github.com/siphon-tunnel/siphon/internal/ratelimit"
	"github.com/siphon-tunnel/siphon/internal/wire"
)

// TCPFront binds one dedicated public listener per registered TCP
// tunnel, satisfying controlplane.TCPFront. The spec requires a
// dedicated port per TCP tunnel; the teacher's single shared acceptData
// listener is generalized here to N per-tunnel listeners instead.
type TCPFront struct {
	bindHost  string
	rateLimit *ratelimit.RateLimiter

	mu        sync.Mutex
	listeners map[uint16]net.Listener
}

// NewTCPFront builds a front that binds listeners on bindHost. rl may
// be nil to disable per-connection rate limiting.
func NewTCPFront(bindHost string, rl *ratelimit.RateLimiter) *TCPFront {
	return &TCPFront{bindHost: bindHost, rateLimit: rl, listeners: make(map[uint16]net.Listener)}
}

// Serve binds a listener for port and starts accepting connections,
// relaying each onto a new stream on sess. commonName keys the
// per-tunnel rate limit bucket (§5 backpressure).
func (f *TCPFront) Serve(port uint16, commonName string, sess *mux.Session) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(f.bindHost, strconv.Itoa(int(port))))
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.listeners[port] = ln
	f.mu.Unlock()

	go f.acceptLoop(ln, commonName, sess)
	return nil
}

func (f *TCPFront) acceptLoop(ln net.Listener, commonName string, sess *mux.Session) {
	for {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		go f.handleConn(c, commonName, sess)
	}
}

func (f *TCPFront) handleConn(c net.Conn, commonName string, sess *mux.Session) {
	if f.rateLimit != nil && !f.rateLimit.AllowRequest(commonName) {
		obs.ErrorsTotal.WithLabelValues("public_rate_limited").Inc()
		_ = c.Close()
		return
	}
	stream, err := sess.OpenStream(wire.StreamOpenPreface{
		Kind:             wire.KindTCP,
		ClientRemoteAddr: c.RemoteAddr().String(),
	})
	if err != nil {
		obs.Error("dataplane.tcp.open_stream", obs.Fields{"err": err.Error()})
		_ = c.Close()
		return
	}
	pump(c, bufio.NewReader(c), stream)
}

// Stop closes and forgets the listener for port, if one is bound. Safe
// to call more than once or for a port never bound (L2 idempotence).
func (f *TCPFront) Stop(port uint16) {
	f.mu.Lock()
	ln, ok := f.listeners[port]
	delete(f.listeners, port)
	f.mu.Unlock()
	if ok {
		_ = ln.Close()
	}
}
