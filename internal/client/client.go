// Package client runs the tunnel client side: one persistent mTLS
// control session to the relay, a demultiplexer that turns each inbound
// mux stream into a local dial, and a reconnect loop on disconnect.
// Generalizes the teacher's cmd/client/main.go runOnce/handleRequest from
// a JSON request/second-dial-back protocol onto mux streams that are
// already bidirectional connections once opened.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/siphon-tunnel/siphon/internal/mux"
	"github.com/siphon-tunnel/siphon/internal/obs"
	"github.com/siphon-tunnel/siphon/internal/wire"
)

// Config holds everything one Client needs to run.
type Config struct {
	ServerAddr string
	TLSConfig  *tls.Config

	Kind               wire.TunnelKind
	RequestedSubdomain string
	Target             string // local address to dial for each stream

	DialTimeout      time.Duration
	MaxInFlight      int
	ReconnectBackoff time.Duration

	StripHost   bool
	HostRewrite string
}

func (c Config) withDefaults() Config {
	if c.DialTimeout == 0 {
		c.DialTimeout = 500 * time.Millisecond
	}
	if c.MaxInFlight == 0 {
		c.MaxInFlight = 1024
	}
	if c.ReconnectBackoff == 0 {
		c.ReconnectBackoff = 2 * time.Second
	}
	return c
}

// Client owns the reconnect loop and current session.
type Client struct {
	cfg Config
	sem chan struct{}
}

// New builds a Client from cfg.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{cfg: cfg, sem: make(chan struct{}, cfg.MaxInFlight)}
}

// Run connects, handshakes, and demultiplexes streams until ctx is
// cancelled, reconnecting with a fixed backoff between attempts
// (teacher's "for { runOnce; sleep; reconnect }" loop).
func (c *Client) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.connectOnce(ctx); err != nil {
			obs.Error("client.session_ended", obs.Fields{"err": err.Error()})
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.ReconnectBackoff):
		}
	}
}

func (c *Client) connectOnce(ctx context.Context) error {
	conn, err := tls.Dial("tcp", c.cfg.ServerAddr, c.cfg.TLSConfig)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}

	sess := mux.New(conn, mux.Options{Role: mux.RoleClient})
	defer sess.Close()

	if err := c.handshake(ctx, sess); err != nil {
		return err
	}

	for {
		st, err := sess.AcceptStream(ctx)
		if err != nil {
			return err
		}
		go c.dispatch(st)
	}
}

func (c *Client) handshake(ctx context.Context, sess *mux.Session) error {
	req := wire.HelloRequest{
		Kind:               c.cfg.Kind,
		RequestedSubdomain: c.cfg.RequestedSubdomain,
		ProtocolVersion:    wire.ProtocolVersion,
		MaxFrameSize:       wire.DefaultMaxFrameSize,
		InitialWindow:      wire.DefaultInitialWindow,
	}
	if err := sess.SendHello(wire.EncodeHelloRequest(req)); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	hsCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	frame, err := sess.ReadHello(hsCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("read hello response: %w", err)
	}
	resp, err := wire.DecodeHelloResponse(frame.Payload)
	if err != nil {
		return fmt.Errorf("decode hello response: %w", err)
	}
	if !resp.Accepted {
		return fmt.Errorf("tunnel rejected: %s: %s", resp.Error.Code, resp.Error.Message)
	}

	// Adopt the server's negotiated values before any stream can arrive
	// (§4.3): both sides must track the same max frame size and initial
	// window for flow-control credit to stay in sync.
	sess.SetNegotiated(resp.NegotiatedMaxFrameSize, resp.NegotiatedInitialWindow)

	switch c.cfg.Kind {
	case wire.KindHTTP:
		obs.Info("client.registered", obs.Fields{"host": resp.AssignedHTTPHost})
	case wire.KindTCP:
		obs.Info("client.registered", obs.Fields{"port": resp.AssignedTCPPort})
	}
	return nil
}

// dispatch bounds in-flight streams to MaxInFlight, resetting with
// resource_exhausted beyond that bound (§4.6), then dials the local
// target and pumps.
func (c *Client) dispatch(st *mux.Stream) {
	select {
	case c.sem <- struct{}{}:
	default:
		obs.Warn("client.max_in_flight", obs.Fields{"stream_id": st.ID()})
		_ = st.Reset(wire.ResetResourceExhausted)
		return
	}
	defer func() { <-c.sem }()

	local, err := net.DialTimeout("tcp", c.cfg.Target, c.cfg.DialTimeout)
	if err != nil {
		obs.Error("client.dial_local", obs.Fields{"target": c.cfg.Target, "err": err.Error()})
		_ = st.Reset(wire.ResetLocalUnreachable)
		return
	}

	rewriteAndPump(local, st, c.cfg.StripHost, c.cfg.HostRewrite)
}
