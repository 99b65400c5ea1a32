package dataplane

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/siphon-tunnel/siphon/internal/mux"
	"github.com/siphon-tunnel/siphon/internal/ratelimit"
	"github.com/siphon-tunnel/siphon/internal/registry"
	"github.com/siphon-tunnel/siphon/internal/wire"
)

// echoClient accepts exactly one stream, reads the request off it and
// answers with a fixed "200 OK" response before half-closing, modeling
// the far side of a tunnel's control session.
func echoClient(t *testing.T, clientSess *mux.Session) {
	go func() {
		st, err := clientSess.AcceptStream(context.Background())
		if err != nil {
			return
		}
		buf := make([]byte, 4096)
		n, _ := st.Read(buf)
		_, _ = st.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"))
		_ = st.CloseWrite()
		_ = n
	}()
}

func publishTunnel(t *testing.T, reg registry.Store, name string) *mux.Session {
	serverTransport, clientTransport := net.Pipe()
	serverSess := mux.New(serverTransport, mux.Options{Role: mux.RoleServer})
	clientSess := mux.New(clientTransport, mux.Options{Role: mux.RoleClient})
	echoClient(t, clientSess)

	tun, err := reg.Reserve(context.Background(), name, wire.KindHTTP)
	require.NoError(t, err)
	require.NoError(t, reg.Publish(context.Background(), tun, serverSess))
	return serverSess
}

func TestHTTPFrontRoutesByHostHeader(t *testing.T) {
	reg := registry.NewMemory()
	publishTunnel(t, reg, "myapp")
	front := NewHTTPFront(reg, "example.com")

	pub, peer := net.Pipe()
	defer peer.Close()

	go front.handleConn(context.Background(), pub)

	_, err := peer.Write([]byte("GET / HTTP/1.1\r\nHost: myapp.example.com\r\n\r\n"))
	require.NoError(t, err)

	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	br := bufio.NewReader(peer)
	line, err := br.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, "200")
}

func TestHTTPFrontMissReturns502(t *testing.T) {
	reg := registry.NewMemory()
	front := NewHTTPFront(reg, "example.com")

	pub, peer := net.Pipe()
	defer peer.Close()

	go front.handleConn(context.Background(), pub)

	_, err := peer.Write([]byte("GET / HTTP/1.1\r\nHost: nobody.example.com\r\n\r\n"))
	require.NoError(t, err)

	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 256)
	n, err := peer.Read(buf)
	if err != nil && err != io.EOF {
		require.NoError(t, err)
	}
	require.Contains(t, string(buf[:n]), "502")
}

func TestHTTPFrontRejectsOverRateLimit(t *testing.T) {
	reg := registry.NewMemory()
	publishTunnel(t, reg, "myapp")
	rl := ratelimit.NewRateLimiter(0, 1, 0, 1, 1)
	front := NewHTTPFront(reg, "example.com", WithRateLimit(rl))

	pub, peer := net.Pipe()
	defer peer.Close()
	go front.handleConn(context.Background(), pub)
	_, err := peer.Write([]byte("GET / HTTP/1.1\r\nHost: myapp.example.com\r\n\r\n"))
	require.NoError(t, err)
	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	br := bufio.NewReader(peer)
	_, err = br.ReadString('\n')
	require.NoError(t, err)

	pub2, peer2 := net.Pipe()
	defer peer2.Close()
	go front.handleConn(context.Background(), pub2)
	_, err = peer2.Write([]byte("GET / HTTP/1.1\r\nHost: myapp.example.com\r\n\r\n"))
	require.NoError(t, err)
	peer2.SetReadDeadline(time.Now().Add(2 * time.Second))
	br2 := bufio.NewReader(peer2)
	line2, err := br2.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line2, "429")
}
