package client

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/siphon-tunnel/siphon/internal/mux"
	"github.com/siphon-tunnel/siphon/internal/wire"
)

func TestRewriteHostHeaderStrips(t *testing.T) {
	rd := bufio.NewReader(strings.NewReader("GET / HTTP/1.1\r\nHost: foo.example.com\r\nX-Other: 1\r\n\r\n"))
	out, err := rewriteHostHeader(rd, true, "")
	require.NoError(t, err)
	require.NotContains(t, string(out), "Host:")
	require.Contains(t, string(out), "GET / HTTP/1.1")
}

func TestRewriteHostHeaderReplaces(t *testing.T) {
	rd := bufio.NewReader(strings.NewReader("GET / HTTP/1.1\r\nHost: foo.example.com\r\n\r\n"))
	out, err := rewriteHostHeader(rd, false, "internal.local")
	require.NoError(t, err)
	require.Contains(t, string(out), "Host: internal.local")
	require.NotContains(t, string(out), "foo.example.com")
}

func TestRewriteHostHeaderInsertsWhenAbsent(t *testing.T) {
	rd := bufio.NewReader(strings.NewReader("GET / HTTP/1.1\r\n\r\n"))
	out, err := rewriteHostHeader(rd, false, "internal.local")
	require.NoError(t, err)
	require.Contains(t, string(out), "Host: internal.local")
}

func TestDispatchResetsBeyondMaxInFlight(t *testing.T) {
	serverTransport, clientTransport := net.Pipe()
	serverSess := mux.New(serverTransport, mux.Options{Role: mux.RoleServer})
	defer serverSess.Close()
	clientSess := mux.New(clientTransport, mux.Options{Role: mux.RoleClient})
	defer clientSess.Close()

	st, err := serverSess.OpenStream(wire.StreamOpenPreface{Kind: wire.KindHTTP})
	require.NoError(t, err)

	accepted, err := clientSess.AcceptStream(context.Background())
	require.NoError(t, err)

	c := New(Config{Target: "127.0.0.1:0", MaxInFlight: 1})
	c.sem <- struct{}{} // fill the backlog so dispatch must reject

	c.dispatch(accepted)

	require.Eventually(t, func() bool {
		return st.State() == mux.StateClosed
	}, time.Second, 10*time.Millisecond)
}
