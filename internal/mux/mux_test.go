package mux

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siphon-tunnel/siphon/internal/wire"
)

func newPair(t *testing.T, initWindow uint32) (*Session, *Session) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	server := New(serverConn, Options{Role: RoleServer, MaxFrameSize: wire.DefaultMaxFrameSize, InitialWindow: initWindow})
	client := New(clientConn, Options{Role: RoleClient, MaxFrameSize: wire.DefaultMaxFrameSize, InitialWindow: initWindow})
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return server, client
}

func TestOpenWriteReadRoundTrip(t *testing.T) {
	server, client := newPair(t, wire.DefaultInitialWindow)

	serverStream, err := server.OpenStream(wire.StreamOpenPreface{Kind: wire.KindTCP, ClientRemoteAddr: "1.2.3.4:9"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	clientStream, err := client.AcceptStream(ctx)
	require.NoError(t, err)
	assert.Equal(t, serverStream.ID(), clientStream.ID())
	assert.Equal(t, wire.KindTCP, clientStream.Preface().Kind)

	msg := []byte("hello from server")
	_, err = serverStream.Write(msg)
	require.NoError(t, err)

	buf := make([]byte, len(msg))
	_, err = io.ReadFull(clientStream, buf)
	require.NoError(t, err)
	assert.Equal(t, msg, buf)

	reply := []byte("hi back")
	_, err = clientStream.Write(reply)
	require.NoError(t, err)
	buf2 := make([]byte, len(reply))
	_, err = io.ReadFull(serverStream, buf2)
	require.NoError(t, err)
	assert.Equal(t, reply, buf2)
}

func TestCloseWriteIsHalfClose(t *testing.T) {
	server, client := newPair(t, wire.DefaultInitialWindow)

	serverStream, err := server.OpenStream(wire.StreamOpenPreface{Kind: wire.KindHTTP, ClientRemoteAddr: "1.2.3.4:9"})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	clientStream, err := client.AcceptStream(ctx)
	require.NoError(t, err)

	require.NoError(t, serverStream.CloseWrite())

	buf := make([]byte, 1)
	_, err = clientStream.Read(buf)
	assert.ErrorIs(t, err, io.EOF)

	// The other direction is still open: client can still write and
	// server can still read (P6 half-close independence).
	_, err = clientStream.Write([]byte("x"))
	require.NoError(t, err)
	_, err = serverStream.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, byte('x'), buf[0])
}

func TestResetUnblocksPeer(t *testing.T) {
	server, client := newPair(t, wire.DefaultInitialWindow)

	serverStream, err := server.OpenStream(wire.StreamOpenPreface{Kind: wire.KindTCP, ClientRemoteAddr: "1.2.3.4:9"})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	clientStream, err := client.AcceptStream(ctx)
	require.NoError(t, err)

	require.NoError(t, serverStream.Close())

	buf := make([]byte, 1)
	done := make(chan error, 1)
	go func() {
		_, err := clientStream.Read(buf)
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(2 * time.Second):
		t.Fatal("read did not unblock after peer reset")
	}
}

func TestFlowControlBlocksUntilWindowUpdate(t *testing.T) {
	const window = 16
	server, client := newPair(t, window)

	serverStream, err := server.OpenStream(wire.StreamOpenPreface{Kind: wire.KindTCP, ClientRemoteAddr: "1.2.3.4:9"})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	clientStream, err := client.AcceptStream(ctx)
	require.NoError(t, err)

	payload := make([]byte, window*3)
	for i := range payload {
		payload[i] = byte(i)
	}

	writeDone := make(chan error, 1)
	go func() {
		_, err := serverStream.Write(payload)
		writeDone <- err
	}()

	received := make([]byte, 0, len(payload))
	buf := make([]byte, window)
	for len(received) < len(payload) {
		n, err := clientStream.Read(buf)
		require.NoError(t, err)
		received = append(received, buf[:n]...)
	}

	select {
	case err := <-writeDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("write never completed despite reader draining the window")
	}
	assert.Equal(t, payload, received)
}

func TestOpenStreamRejectedOnClientSession(t *testing.T) {
	_, client := newPair(t, wire.DefaultInitialWindow)
	_, err := client.OpenStream(wire.StreamOpenPreface{Kind: wire.KindTCP})
	assert.Error(t, err)
}
