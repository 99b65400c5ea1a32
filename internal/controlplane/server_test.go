package controlplane

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/siphon-tunnel/siphon/internal/mux"
	"github.com/siphon-tunnel/siphon/internal/registry"
	"github.com/siphon-tunnel/siphon/internal/wire"
)

// testCA mints a throwaway CA plus leaf certificates for the duration of
// one test, standing in for the mTLS material the teacher loads from disk
// via tls.LoadX509KeyPair/createServerTLSConfig.
type testCA struct {
	certPool *x509.CertPool
	caCert   *x509.Certificate
	caKey    *ecdsa.PrivateKey
}

func newTestCA(t *testing.T) *testCA {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &testCA{certPool: pool, caCert: cert, caKey: key}
}

func (ca *testCA) issue(t *testing.T, cn string) tls.Certificate {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: cn},
		DNSNames:     []string{cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.caCert, &key.PublicKey, ca.caKey)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

// testHarness wires a Server over an in-memory net.Pipe transport so the
// handshake runs end to end without binding a real socket.
type testHarness struct {
	srv        *Server
	serverConn *tls.Conn
	clientConn *tls.Conn
}

func newHarness(t *testing.T, cn string, extra func(*Config)) *testHarness {
	ca := newTestCA(t)
	serverCert := ca.issue(t, "relay")
	clientCert := ca.issue(t, cn)

	serverTLS := &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientCAs:    ca.certPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}
	clientTLS := &tls.Config{
		Certificates: []tls.Certificate{clientCert},
		RootCAs:      ca.certPool,
		ServerName:   "relay",
	}

	cfg := Config{
		TLSConfig:        serverTLS,
		Registry:         registry.NewMemory(),
		PortPool:         registry.NewPortPool(20000, 20010),
		HandshakeTimeout: 2 * time.Second,
		PingInterval:     time.Hour,
		PongTimeout:      time.Hour,
		GoawayDrain:      10 * time.Millisecond,
	}
	if extra != nil {
		extra(&cfg)
	}

	rawServer, rawClient := net.Pipe()
	return &testHarness{
		srv:        New(cfg),
		serverConn: tls.Server(rawServer, serverTLS),
		clientConn: tls.Client(rawClient, clientTLS),
	}
}

func (h *testHarness) run(ctx context.Context) {
	go h.srv.handleConn(ctx, h.serverConn)
}

func TestHandshakeAcceptsHTTPTunnel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	h := newHarness(t, "client-1", nil)
	h.run(ctx)

	clientSess := mux.New(h.clientConn, mux.Options{Role: mux.RoleClient})
	defer clientSess.Close()

	err := clientSess.SendHello(wire.EncodeHelloRequest(wire.HelloRequest{
		Kind:            wire.KindHTTP,
		ProtocolVersion: wire.ProtocolVersion,
	}))
	require.NoError(t, err)

	frame, err := clientSess.ReadHello(ctx)
	require.NoError(t, err)
	resp, err := wire.DecodeHelloResponse(frame.Payload)
	require.NoError(t, err)
	require.True(t, resp.Accepted)
	require.NotEmpty(t, resp.AssignedHTTPHost)
}

func TestHandshakeRejectsUnsupportedVersion(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	h := newHarness(t, "client-2", nil)
	h.run(ctx)

	clientSess := mux.New(h.clientConn, mux.Options{Role: mux.RoleClient})
	defer clientSess.Close()

	err := clientSess.SendHello(wire.EncodeHelloRequest(wire.HelloRequest{
		Kind:            wire.KindHTTP,
		ProtocolVersion: wire.ProtocolVersion + 99,
	}))
	require.NoError(t, err)

	frame, err := clientSess.ReadHello(ctx)
	require.NoError(t, err)
	resp, err := wire.DecodeHelloResponse(frame.Payload)
	require.NoError(t, err)
	require.False(t, resp.Accepted)
	require.NotNil(t, resp.Error)
	require.Equal(t, wire.ErrUnsupportedVersion, resp.Error.Code)
}

func TestHandshakeRejectsDuplicateSubdomain(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	sharedRegistry := registry.NewMemory()
	newWithRegistry := func(cn string) *testHarness {
		return newHarness(t, cn, func(c *Config) { c.Registry = sharedRegistry })
	}

	h1 := newWithRegistry("client-3")
	h1.run(ctx)
	c1 := mux.New(h1.clientConn, mux.Options{Role: mux.RoleClient})
	defer c1.Close()
	require.NoError(t, c1.SendHello(wire.EncodeHelloRequest(wire.HelloRequest{
		Kind:               wire.KindHTTP,
		RequestedSubdomain: "taken-name",
		ProtocolVersion:    wire.ProtocolVersion,
	})))
	f1, err := c1.ReadHello(ctx)
	require.NoError(t, err)
	r1, err := wire.DecodeHelloResponse(f1.Payload)
	require.NoError(t, err)
	require.True(t, r1.Accepted)

	h2 := newWithRegistry("client-4")
	h2.run(ctx)
	c2 := mux.New(h2.clientConn, mux.Options{Role: mux.RoleClient})
	defer c2.Close()
	require.NoError(t, c2.SendHello(wire.EncodeHelloRequest(wire.HelloRequest{
		Kind:               wire.KindHTTP,
		RequestedSubdomain: "taken-name",
		ProtocolVersion:    wire.ProtocolVersion,
	})))
	f2, err := c2.ReadHello(ctx)
	require.NoError(t, err)
	r2, err := wire.DecodeHelloResponse(f2.Payload)
	require.NoError(t, err)
	require.False(t, r2.Accepted)
	require.Equal(t, wire.ErrSubdomainTaken, r2.Error.Code)
}
