package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// TunnelKind is the "http" | "tcp" discriminator carried in Hello and
// StreamOpenPreface.
type TunnelKind string

const (
	KindHTTP TunnelKind = "http"
	KindTCP  TunnelKind = "tcp"
)

// ProtocolVersion is the current wire protocol version (§4.3).
const ProtocolVersion uint16 = 1

// HelloRequest is the client's stream-0 hello payload (§4.3).
type HelloRequest struct {
	Kind               TunnelKind `json:"kind"`
	RequestedSubdomain string     `json:"requested_subdomain,omitempty"`
	ProtocolVersion    uint16     `json:"protocol_version"`
	MaxFrameSize       uint32     `json:"max_frame_size"`
	InitialWindow      uint32     `json:"initial_window"`
}

// HelloError is the optional error payload of a rejected HelloResponse.
type HelloError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Rejection reason codes (§4.3).
const (
	ErrSubdomainTaken       = "subdomain_taken"
	ErrSubdomainInvalid     = "subdomain_invalid"
	ErrNoTCPPortsAvailable  = "no_tcp_ports_available"
	ErrUnsupportedVersion   = "unsupported_version"
	ErrDNSFailure           = "dns_failure"
	ErrInternal             = "internal"
)

// HelloResponse is the server's stream-0 hello reply (§4.3).
type HelloResponse struct {
	Accepted                bool        `json:"accepted"`
	AssignedHTTPHost        string      `json:"assigned_http_host,omitempty"`
	AssignedTCPPort         uint16      `json:"assigned_tcp_port,omitempty"`
	NegotiatedMaxFrameSize  uint32      `json:"negotiated_max_frame_size"`
	NegotiatedInitialWindow uint32      `json:"negotiated_initial_window"`
	Error                   *HelloError `json:"error,omitempty"`
}

func encodeJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Every payload here is a concrete struct with no unmarshalable
		// fields (no channels, funcs, cyclic pointers); a marshal failure
		// would mean a programming error in this package, not a runtime
		// condition callers can recover from.
		panic(fmt.Sprintf("wire: marshal %T: %v", v, err))
	}
	return b
}

// EncodeHelloRequest serializes a HelloRequest to a frame payload.
func EncodeHelloRequest(h HelloRequest) []byte { return encodeJSON(h) }

// DecodeHelloRequest parses a HelloRequest frame payload.
func DecodeHelloRequest(b []byte) (HelloRequest, error) {
	var h HelloRequest
	err := json.Unmarshal(b, &h)
	return h, err
}

// EncodeHelloResponse serializes a HelloResponse to a frame payload.
func EncodeHelloResponse(h HelloResponse) []byte { return encodeJSON(h) }

// DecodeHelloResponse parses a HelloResponse frame payload.
func DecodeHelloResponse(b []byte) (HelloResponse, error) {
	var h HelloResponse
	err := json.Unmarshal(b, &h)
	return h, err
}

// StreamOpenPreface is the stream_open payload (§4.5) describing the
// inbound public connection the server is asking the client to relay.
type StreamOpenPreface struct {
	Kind            TunnelKind `json:"kind"`
	ClientRemoteAddr string    `json:"client_remote_addr"`
	SNI             string     `json:"sni,omitempty"`
	RequestedHost   string     `json:"requested_host,omitempty"`
}

// EncodeStreamOpen serializes a StreamOpenPreface to a frame payload.
func EncodeStreamOpen(p StreamOpenPreface) []byte { return encodeJSON(p) }

// DecodeStreamOpen parses a StreamOpenPreface frame payload.
func DecodeStreamOpen(b []byte) (StreamOpenPreface, error) {
	var p StreamOpenPreface
	err := json.Unmarshal(b, &p)
	return p, err
}

// Goaway error codes (§7).
const (
	GoawayProtocolError  uint32 = 1
	GoawayClientShutdown uint32 = 2
	GoawayIdleTimeout    uint32 = 3
	GoawayInternal       uint32 = 4
)

// EncodeGoaway packs a u32 error code + utf-8 reason (§4.1).
func EncodeGoaway(code uint32, reason string) []byte {
	b := make([]byte, 4+len(reason))
	binary.BigEndian.PutUint32(b[:4], code)
	copy(b[4:], reason)
	return b
}

// DecodeGoaway unpacks a goaway payload.
func DecodeGoaway(b []byte) (code uint32, reason string, err error) {
	if len(b) < 4 {
		return 0, "", fmt.Errorf("wire: goaway payload too short (%d bytes)", len(b))
	}
	return binary.BigEndian.Uint32(b[:4]), string(b[4:]), nil
}

// Stream reset error codes (§7).
const (
	ResetProtocolError      uint32 = 1
	ResetLocalUnreachable   uint32 = 2
	ResetResourceExhausted  uint32 = 3
	ResetClosed             uint32 = 4
)

// ResetReason names a reset code for metrics/logging labels.
func ResetReason(code uint32) string {
	switch code {
	case ResetProtocolError:
		return "protocol_error"
	case ResetLocalUnreachable:
		return "local_unreachable"
	case ResetResourceExhausted:
		return "resource_exhausted"
	case ResetClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EncodeStreamReset packs the u32 error code for a stream_reset frame.
func EncodeStreamReset(code uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, code)
	return b
}

// DecodeStreamReset unpacks a stream_reset payload.
func DecodeStreamReset(b []byte) (code uint32, err error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("wire: stream_reset payload too short (%d bytes)", len(b))
	}
	return binary.BigEndian.Uint32(b[:4]), nil
}

// EncodeWindowUpdate packs the u32 additional-bytes-granted payload.
func EncodeWindowUpdate(n uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, n)
	return b
}

// DecodeWindowUpdate unpacks a window_update payload.
func DecodeWindowUpdate(b []byte) (n uint32, err error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("wire: window_update payload too short (%d bytes)", len(b))
	}
	return binary.BigEndian.Uint32(b[:4]), nil
}

// EncodePingPong packs an 8-byte echo token for ping/pong frames.
func EncodePingPong(token [8]byte) []byte {
	b := make([]byte, 8)
	copy(b, token[:])
	return b
}

// DecodePingPong unpacks an 8-byte echo token.
func DecodePingPong(b []byte) (token [8]byte, err error) {
	if len(b) < 8 {
		return token, fmt.Errorf("wire: ping/pong payload too short (%d bytes)", len(b))
	}
	copy(token[:], b[:8])
	return token, nil
}
