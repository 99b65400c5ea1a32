// Package dataplane terminates public traffic and hands each inbound
// connection to the matching tunnel's mux session as a new stream (§4.5,
// §4.6). It generalizes the teacher's single shared acceptPublic/acceptData
// listeners: instead of a JSON request line plus a second dial-back data
// connection, a public connection becomes one mux.Stream opened directly on
// the tunnel's already-live control session.
package dataplane

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"net"
	"strings"

	"github.com/siphon-tunnel/siphon/internal/hostparse"
	"github.com/siphon-tunnel/siphon/internal/httpx"
	"github.com/siphon-tunnel/siphon/internal/obs"
	"github.com/siphon-tunnel/siphon/internal/ratelimit"
	"github.com/siphon-tunnel/siphon/internal/registry"
	"github.com/siphon-tunnel/siphon/internal/wire"
)

const (
	badGateway      = "HTTP/1.1 502 Bad Gateway\r\nContent-Type: text/plain\r\nContent-Length: 11\r\n\r\nBad Gateway"
	tooManyRequests = "HTTP/1.1 429 Too Many Requests\r\nContent-Type: text/plain\r\nContent-Length: 12\r\n\r\nRate Limited"
)

// HTTPFront is the public HTTP(S) listener shared by every HTTP tunnel.
// Grounded on teacher's acceptPublic/handlePublicConn.
type HTTPFront struct {
	registry      registry.Store
	baseDomain    string
	maxHeaderSize int
	addXFF        bool
	rateLimit     *ratelimit.RateLimiter
}

// Option configures an HTTPFront.
type Option func(*HTTPFront)

// WithXFF enables X-Forwarded-For augmentation (teacher's cfg.AddXFF).
func WithXFF(enabled bool) Option {
	return func(f *HTTPFront) { f.addXFF = enabled }
}

// WithMaxHeaderSize bounds header parsing, defaulting to 16KiB.
func WithMaxHeaderSize(n int) Option {
	return func(f *HTTPFront) { f.maxHeaderSize = n }
}

// WithRateLimit gates each resolved request through rl.AllowRequest,
// keyed by the tunnel's control-connection CommonName (§5 backpressure).
func WithRateLimit(rl *ratelimit.RateLimiter) Option {
	return func(f *HTTPFront) { f.rateLimit = rl }
}

// NewHTTPFront builds a front backed by reg for name -> tunnel lookups.
func NewHTTPFront(reg registry.Store, baseDomain string, opts ...Option) *HTTPFront {
	f := &HTTPFront{registry: reg, baseDomain: baseDomain, maxHeaderSize: 16 * 1024}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Serve accepts connections on ln until ctx is done or Accept fails
// permanently.
func (f *HTTPFront) Serve(ctx context.Context, ln net.Listener) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		c, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				obs.Error("dataplane.http.accept.temp", obs.Fields{"err": err.Error()})
				continue
			}
			return err
		}
		go f.handleConn(ctx, c)
	}
}

// handleConn closes c itself on every early-return error path; once a
// stream is opened, ownership of c passes to pump.
func (f *HTTPFront) handleConn(ctx context.Context, c net.Conn) {
	origRemote := c.RemoteAddr().String()
	var sni string
	if tlsConn, ok := c.(*tls.Conn); ok {
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			obs.Error("dataplane.http.tls_handshake", obs.Fields{"err": err.Error()})
			_ = c.Close()
			return
		}
		sni = tlsConn.ConnectionState().ServerName
	}

	br := bufio.NewReader(c)
	parsed, _, err := httpx.ParseRequest(br, f.maxHeaderSize, nil)
	if err != nil {
		obs.Error("dataplane.http.parse", obs.Fields{"err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("public_header").Inc()
		_ = c.Close()
		return
	}

	name := f.resolveName(sni, parsed.Get("Host"))
	if name == "" {
		obs.Error("dataplane.http.host", obs.Fields{"host": parsed.Get("Host"), "sni": sni})
		obs.ErrorsTotal.WithLabelValues("public_host").Inc()
		_, _ = c.Write([]byte(badGateway))
		_ = c.Close()
		return
	}

	t, err := f.registry.Lookup(ctx, name)
	if err != nil || t == nil || t.Session == nil {
		obs.ErrorsTotal.WithLabelValues("public_miss").Inc()
		_, _ = c.Write([]byte(badGateway))
		_ = c.Close()
		return
	}

	if f.rateLimit != nil && !f.rateLimit.AllowRequest(t.CommonName) {
		obs.ErrorsTotal.WithLabelValues("public_rate_limited").Inc()
		_, _ = c.Write([]byte(tooManyRequests))
		_ = c.Close()
		return
	}

	if f.addXFF {
		clientIP, _, _ := net.SplitHostPort(origRemote)
		parsed.AugmentXFF(clientIP)
	}

	stream, err := t.Session.OpenStream(wire.StreamOpenPreface{
		Kind:             wire.KindHTTP,
		ClientRemoteAddr: origRemote,
		SNI:              sni,
		RequestedHost:    name,
	})
	if err != nil {
		obs.Error("dataplane.http.open_stream", obs.Fields{"name": name, "err": err.Error()})
		_, _ = c.Write([]byte(badGateway))
		_ = c.Close()
		return
	}

	var hdrOut bytes.Buffer
	_, _ = parsed.WriteTo(&hdrOut)
	if _, err := stream.Write(hdrOut.Bytes()); err != nil {
		_ = stream.Close()
		_ = c.Close()
		return
	}

	pump(c, br, stream)
}

// resolveName prefers the TLS ServerName (SNI) set during the client
// hello, falling back to the Host header when the connection carried
// no SNI (§4.5 routing precedence).
func (f *HTTPFront) resolveName(sni, hostHeader string) string {
	if sni != "" {
		return firstLabel(sni)
	}
	return hostparse.ExtractName(hostHeader)
}

func firstLabel(host string) string {
	if i := strings.IndexByte(host, '.'); i >= 0 {
		return host[:i]
	}
	return host
}

// halfCloser is the subset of *mux.Stream pump needs beyond net.Conn.
type halfCloser interface {
	net.Conn
	CloseWrite() error
}

// pump bridges the public connection (whose bufio.Reader may hold
// already-buffered body bytes) and the tunnel stream in both directions.
// When the public side's reads end the stream is half-closed; both sides
// are closed only after both directions have ended. Grounded on teacher's
// handleDataConn copyFn pair.
func pump(c net.Conn, br *bufio.Reader, stream halfCloser) {
	done := make(chan struct{}, 2)
	go func() {
		n, _ := br.WriteTo(stream)
		obs.BytesTotal.WithLabelValues("inbound").Add(float64(n))
		_ = stream.CloseWrite()
		done <- struct{}{}
	}()
	go func() {
		buf := make([]byte, 32*1024)
		var sent int64
		for {
			n, err := stream.Read(buf)
			if n > 0 {
				if _, werr := c.Write(buf[:n]); werr != nil {
					break
				}
				sent += int64(n)
			}
			if err != nil {
				break
			}
		}
		obs.BytesTotal.WithLabelValues("outbound").Add(float64(sent))
		done <- struct{}{}
	}()
	<-done
	<-done
	_ = c.Close()
	_ = stream.Close()
}
