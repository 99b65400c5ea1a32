package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	cases := []Frame{
		{Type: TypeHello, StreamID: 0, Payload: EncodeHelloRequest(HelloRequest{Kind: KindHTTP, ProtocolVersion: 1, MaxFrameSize: DefaultMaxFrameSize, InitialWindow: DefaultInitialWindow})},
		{Type: TypePing, StreamID: 0, Payload: EncodePingPong([8]byte{1, 2, 3, 4, 5, 6, 7, 8})},
		{Type: TypePong, StreamID: 0, Payload: EncodePingPong([8]byte{})},
		{Type: TypeGoaway, StreamID: 0, Payload: EncodeGoaway(GoawayProtocolError, "bad frame")},
		{Type: TypeStreamOpen, StreamID: 7, Payload: EncodeStreamOpen(StreamOpenPreface{Kind: KindTCP, ClientRemoteAddr: "1.2.3.4:5"})},
		{Type: TypeStreamData, StreamID: 7, Payload: []byte("hello world")},
		{Type: TypeStreamData, StreamID: 7, Payload: []byte{}},
		{Type: TypeStreamClose, StreamID: 7, Payload: nil},
		{Type: TypeStreamReset, StreamID: 7, Payload: EncodeStreamReset(ResetLocalUnreachable)},
		{Type: TypeWindowUpdate, StreamID: 7, Payload: EncodeWindowUpdate(1024)},
	}

	for _, want := range cases {
		var buf bytes.Buffer
		require.NoError(t, WriteFrame(&buf, want))
		got, err := ReadFrame(&buf, HardMaxFrameSize)
		require.NoError(t, err)
		assert.Equal(t, want.Type, got.Type)
		assert.Equal(t, want.StreamID, got.StreamID)
		if len(want.Payload) == 0 {
			assert.Len(t, got.Payload, 0)
		} else {
			assert.Equal(t, want.Payload, got.Payload)
		}
		assert.Equal(t, 0, buf.Len(), "decode should consume the whole frame")
	}
}

func TestReadFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Frame{Type: TypeStreamData, StreamID: 1, Payload: make([]byte, 2048)}))
	_, err := ReadFrame(&buf, 1024)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrameMultipleInSequence(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Frame{Type: TypeStreamData, StreamID: 1, Payload: []byte("a")}))
	require.NoError(t, WriteFrame(&buf, Frame{Type: TypeStreamData, StreamID: 1, Payload: []byte("b")}))

	f1, err := ReadFrame(&buf, DefaultMaxFrameSize)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), f1.Payload)

	f2, err := ReadFrame(&buf, DefaultMaxFrameSize)
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), f2.Payload)
}

func TestGoawayRoundTrip(t *testing.T) {
	code, reason, err := DecodeGoaway(EncodeGoaway(GoawayClientShutdown, "bye"))
	require.NoError(t, err)
	assert.Equal(t, GoawayClientShutdown, code)
	assert.Equal(t, "bye", reason)
}

func TestHelloRoundTrip(t *testing.T) {
	req := HelloRequest{Kind: KindHTTP, RequestedSubdomain: "demo", ProtocolVersion: 1, MaxFrameSize: DefaultMaxFrameSize, InitialWindow: DefaultInitialWindow}
	decoded, err := DecodeHelloRequest(EncodeHelloRequest(req))
	require.NoError(t, err)
	assert.Equal(t, req, decoded)

	resp := HelloResponse{Accepted: true, AssignedHTTPHost: "demo.tunnel.example.com", NegotiatedMaxFrameSize: DefaultMaxFrameSize, NegotiatedInitialWindow: DefaultInitialWindow}
	decodedResp, err := DecodeHelloResponse(EncodeHelloResponse(resp))
	require.NoError(t, err)
	assert.Equal(t, resp, decodedResp)
}
