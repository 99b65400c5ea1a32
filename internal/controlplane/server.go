// Package controlplane runs the mTLS control listener: it accepts one
// connection per tunnel, performs the hello handshake (§4.3), commits
// the tunnel's two-phase registration (§4.4), and supervises the
// session for its lifetime (idle ping/pong, goaway draining, teardown;
// §4.7, §5). Generalizes the teacher's acceptControl/handleControl
// accept-and-dispatch loop from a JSON auth line to a framed handshake.
package controlplane

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/siphon-tunnel/siphon/internal/dnsprovider"
	"github.com/siphon-tunnel/siphon/internal/mux"
	"github.com/siphon-tunnel/siphon/internal/obs"
	"github.com/siphon-tunnel/siphon/internal/ratelimit"
	"github.com/siphon-tunnel/siphon/internal/registry"
	"github.com/siphon-tunnel/siphon/internal/siphonerr"
	"github.com/siphon-tunnel/siphon/internal/wire"
)

// rejectionFlushTimeout bounds how long a hello-rejection path waits for
// its HelloResponse to leave writeLoop's queue before tearing down the
// transport underneath it.
const rejectionFlushTimeout = 2 * time.Second

// minUint32 returns the lesser of the server's own default and the
// peer's requested value, treating a requested value of 0 as "no
// preference" rather than a negotiated floor of zero (§4.3).
func minUint32(serverDefault, requested uint32) uint32 {
	if requested == 0 || requested > serverDefault {
		return serverDefault
	}
	return requested
}

// TCPFront is the subset of the TCP data plane the control plane needs:
// bind a dedicated public listener once a TCP tunnel is published, and
// tear it down on unregister (§4.5 "one listener per registered TCP
// tunnel").
type TCPFront interface {
	Serve(port uint16, commonName string, sess *mux.Session) error
	Stop(port uint16)
}

// Config wires the control plane to its collaborators.
type Config struct {
	TLSConfig *tls.Config
	Registry  registry.Store
	PortPool  *registry.PortPool
	DNS       dnsprovider.Provisioner // nil disables DNS provisioning (self-managed DNS)
	DNSTarget string                  // content applied by Upsert; ignored by Provisioner impls that track their own
	RateLimit *ratelimit.RateLimiter
	TCPFront  TCPFront

	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PongTimeout      time.Duration
	GoawayDrain      time.Duration
}

func (c *Config) withDefaults() *Config {
	cp := *c
	if cp.HandshakeTimeout == 0 {
		cp.HandshakeTimeout = 10 * time.Second
	}
	if cp.PingInterval == 0 {
		cp.PingInterval = 30 * time.Second
	}
	if cp.PongTimeout == 0 {
		cp.PongTimeout = 10 * time.Second
	}
	if cp.GoawayDrain == 0 {
		cp.GoawayDrain = 30 * time.Second
	}
	return &cp
}

// Server accepts control connections and drives tunnels to completion.
type Server struct {
	cfg *Config
	wg  sync.WaitGroup
}

// New builds a Server from cfg.
func New(cfg Config) *Server {
	return &Server{cfg: cfg.withDefaults()}
}

// Serve accepts connections on ln until ctx is done or ln.Accept fails
// permanently, generalizing the teacher's acceptControl loop (temporary
// net.Error retry, permanent error returns).
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	tlsLn := tls.NewListener(ln, s.cfg.TLSConfig)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		conn, err := tlsLn.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				obs.Error("controlplane.accept.temp", obs.Fields{"err": err.Error()})
				continue
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Close waits for every in-flight tunnel's handling goroutine to
// return. Callers are expected to have already closed the listener and
// cancelled the ctx passed to Serve; each tunnel's supervise loop then
// sends goaway, drains for GoawayDrain and closes its session.
func (s *Server) Close() {
	s.wg.Wait()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		obs.Error("controlplane.handshake.not_tls", obs.Fields{})
		return
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		obs.Error("controlplane.tls_handshake", obs.Fields{"err": err.Error()})
		return
	}
	cn := peerCommonName(tlsConn)

	if s.cfg.RateLimit != nil && !s.cfg.RateLimit.AllowConnection(cn) {
		obs.Warn("controlplane.rate_limited", obs.Fields{"cn": cn})
		return
	}

	_ = conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	sess := mux.New(conn, mux.Options{Role: mux.RoleServer})

	hsCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	req, err := s.readHelloRequest(hsCtx, sess)
	cancel()
	if err != nil {
		obs.Error("controlplane.handshake.hello", obs.Fields{"cn": cn, "err": err.Error()})
		obs.TunnelHandshakeErrTotal.WithLabelValues("hello_read").Inc()
		if siphonerr.KindOf(err) == siphonerr.KindProtocol {
			_ = sess.SendHello(wire.EncodeHelloResponse(wire.HelloResponse{Accepted: false, Error: &wire.HelloError{Code: wire.ErrUnsupportedVersion, Message: err.Error()}}))
			sess.Flush(rejectionFlushTimeout)
		}
		sess.Close()
		return
	}

	// Negotiate the frame size and window the session will actually use
	// before any data can possibly flow on it (§4.3: the lesser of each
	// side's requested value), so both the response below and every
	// OpenStream/AcceptStream from this point on see the agreed values.
	negotiatedMaxFrameSize := minUint32(wire.DefaultMaxFrameSize, req.MaxFrameSize)
	negotiatedInitialWindow := minUint32(wire.DefaultInitialWindow, req.InitialWindow)
	sess.SetNegotiated(negotiatedMaxFrameSize, negotiatedInitialWindow)

	t, tcpPort, rejectCode, err := s.negotiate(ctx, req)
	if err != nil {
		obs.Error("controlplane.handshake.negotiate", obs.Fields{"cn": cn, "err": err.Error(), "code": rejectCode})
		obs.TunnelHandshakeErrTotal.WithLabelValues(rejectCode).Inc()
		_ = sess.SendHello(wire.EncodeHelloResponse(wire.HelloResponse{Accepted: false, Error: &wire.HelloError{Code: rejectCode, Message: err.Error()}}))
		sess.Flush(rejectionFlushTimeout)
		sess.Close()
		return
	}
	t.CommonName = cn

	if err := s.cfg.Registry.Publish(ctx, t, sess); err != nil {
		obs.Error("controlplane.publish", obs.Fields{"cn": cn, "err": err.Error()})
		s.releaseReservation(ctx, t, tcpPort)
		_ = sess.SendHello(wire.EncodeHelloResponse(wire.HelloResponse{Accepted: false, Error: &wire.HelloError{Code: wire.ErrInternal, Message: "publish failed"}}))
		sess.Flush(rejectionFlushTimeout)
		sess.Close()
		return
	}

	if t.Kind == wire.KindTCP && s.cfg.TCPFront != nil {
		if err := s.cfg.TCPFront.Serve(tcpPort, cn, sess); err != nil {
			obs.Error("controlplane.tcp_bind", obs.Fields{"cn": cn, "port": tcpPort, "err": err.Error()})
			s.cfg.Registry.Unregister(ctx, t.PublicID)
			s.releaseReservation(ctx, t, tcpPort)
			_ = sess.SendHello(wire.EncodeHelloResponse(wire.HelloResponse{Accepted: false, Error: &wire.HelloError{Code: wire.ErrNoTCPPortsAvailable, Message: err.Error()}}))
			sess.Flush(rejectionFlushTimeout)
			sess.Close()
			return
		}
	}

	resp := wire.HelloResponse{
		Accepted:                true,
		NegotiatedMaxFrameSize:  negotiatedMaxFrameSize,
		NegotiatedInitialWindow: negotiatedInitialWindow,
	}
	if req.Kind == wire.KindHTTP {
		resp.AssignedHTTPHost = t.PublicID
	} else {
		resp.AssignedTCPPort = tcpPort
	}
	if err := sess.SendHello(wire.EncodeHelloResponse(resp)); err != nil {
		obs.Error("controlplane.handshake.respond", obs.Fields{"cn": cn, "err": err.Error()})
		s.teardown(ctx, t, tcpPort)
		return
	}

	_ = conn.SetDeadline(time.Time{})
	obs.Info("tunnel.established", obs.Fields{"id": t.ID.String(), "cn": cn, "kind": string(t.Kind), "public_id": t.PublicID})
	obs.TunnelEstablishedTotal.Inc()
	start := time.Now()

	s.supervise(ctx, sess)

	obs.TunnelDurationSeconds.Observe(time.Since(start).Seconds())
	obs.Info("tunnel.closed", obs.Fields{"id": t.ID.String(), "cn": cn})
	s.teardown(ctx, t, tcpPort)
}

func (s *Server) readHelloRequest(ctx context.Context, sess *mux.Session) (wire.HelloRequest, error) {
	frame, err := sess.ReadHello(ctx)
	if err != nil {
		return wire.HelloRequest{}, err
	}
	req, err := wire.DecodeHelloRequest(frame.Payload)
	if err != nil {
		return wire.HelloRequest{}, fmt.Errorf("decode hello: %w", err)
	}
	if req.ProtocolVersion != wire.ProtocolVersion {
		return wire.HelloRequest{}, siphonerr.New(siphonerr.KindProtocol, "hello", fmt.Errorf("unsupported protocol version %d", req.ProtocolVersion))
	}
	return req, nil
}

// negotiate reserves a public identifier and commits its external side
// effect, returning the reject code to surface in a hello error on
// failure (§4.3 rejection reasons, §4.4 two-phase registration).
func (s *Server) negotiate(ctx context.Context, req wire.HelloRequest) (*registry.Tunnel, uint16, string, error) {
	switch req.Kind {
	case wire.KindHTTP:
		t, err := registry.ReserveHTTP(ctx, s.cfg.Registry, req.RequestedSubdomain)
		if err != nil {
			if req.RequestedSubdomain == "" {
				// Generation failed or exhausted its collision retries.
				return nil, 0, wire.ErrInternal, err
			}
			if errors.Is(err, registry.ErrNameConflict) {
				return nil, 0, wire.ErrSubdomainTaken, err
			}
			return nil, 0, wire.ErrSubdomainInvalid, err
		}
		if s.cfg.DNS != nil {
			if err := s.cfg.DNS.Upsert(ctx, t.PublicID, s.cfg.DNSTarget); err != nil {
				s.cfg.Registry.Release(ctx, t.PublicID)
				return nil, 0, wire.ErrDNSFailure, err
			}
		}
		return t, 0, "", nil

	case wire.KindTCP:
		t, port, err := registry.ReserveTCP(ctx, s.cfg.Registry, s.cfg.PortPool)
		if err != nil {
			return nil, 0, wire.ErrNoTCPPortsAvailable, err
		}
		return t, port, "", nil

	default:
		return nil, 0, wire.ErrInternal, fmt.Errorf("unknown tunnel kind %q", req.Kind)
	}
}

func (s *Server) releaseReservation(ctx context.Context, t *registry.Tunnel, tcpPort uint16) {
	s.cfg.Registry.Release(ctx, t.PublicID)
	if t.Kind == wire.KindTCP && s.cfg.PortPool != nil {
		s.cfg.PortPool.Release(tcpPort)
	}
}

// teardown undoes every side effect of a published tunnel (§I3:
// streams already closed by Session.Close before this runs; §P5 no
// dangling state).
func (s *Server) teardown(ctx context.Context, t *registry.Tunnel, tcpPort uint16) {
	s.cfg.Registry.Unregister(ctx, t.PublicID)
	if t.Kind == wire.KindHTTP && s.cfg.DNS != nil {
		if err := s.cfg.DNS.Delete(ctx, t.PublicID); err != nil {
			obs.Warn("controlplane.dns_delete_failed", obs.Fields{"public_id": t.PublicID, "err": err.Error()})
		}
	}
	if t.Kind == wire.KindTCP {
		if s.cfg.TCPFront != nil {
			s.cfg.TCPFront.Stop(tcpPort)
		}
		if s.cfg.PortPool != nil {
			s.cfg.PortPool.Release(tcpPort)
		}
	}
}

// supervise runs the per-tunnel idle-ping loop until the session dies,
// either from a goaway, a read/write error, an abrupt transport failure,
// or ctx cancellation (§5 per-tunnel tasks). It selects on sess.Done()
// directly so a transport that dies without sending goaway is noticed
// immediately rather than on the next idle-ping tick (§8 P5: no
// dangling registry/port-pool/DNS state beyond the shutdown grace).
func (s *Server) supervise(ctx context.Context, sess *mux.Session) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.Done():
			return
		case <-ctx.Done():
			_ = sess.Goaway(wire.GoawayClientShutdown, "server shutting down")
			time.Sleep(s.cfg.GoawayDrain)
			sess.Close()
			return
		case <-ticker.C:
			if time.Since(sess.LastActivity()) < s.cfg.PingInterval {
				continue
			}
			var token [8]byte
			if err := sess.Ping(token); err != nil {
				return
			}
			select {
			case <-time.After(s.cfg.PongTimeout):
				if time.Since(sess.LastActivity()) >= s.cfg.PingInterval+s.cfg.PongTimeout {
					_ = sess.Goaway(wire.GoawayIdleTimeout, "no pong within timeout")
					sess.Close()
					return
				}
			case <-sess.Done():
				return
			}
		}
	}
}

func peerCommonName(conn *tls.Conn) string {
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return ""
	}
	return state.PeerCertificates[0].Subject.CommonName
}
