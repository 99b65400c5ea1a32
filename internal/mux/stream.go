package mux

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/siphon-tunnel/siphon/internal/wire"
)

// State is one of the four stream states from §3/§4.7.
type State int

const (
	StateOpen State = iota
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfClosedLocal:
		return "half-closed-local"
	case StateHalfClosedRemote:
		return "half-closed-remote"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// outboundQueueSize is the default bound on a stream's pending outbound
// frame queue (§5 Backpressure).
const outboundQueueSize = 64

// Stream is one logical bidirectional byte channel inside a Session,
// corresponding to exactly one inbound public connection (§3). It
// implements net.Conn so data-plane pumps can drive it with io.Copy the
// same way the teacher's copyFn drives a raw net.Conn.
type Stream struct {
	id      uint32
	session *Session
	preface wire.StreamOpenPreface

	mu           sync.Mutex
	state        State
	recvBuf      bytes.Buffer
	recvWindow   uint32 // our mirror of the peer's remaining send credit
	pendingGrant uint32 // consumed bytes not yet folded into a window_update
	sendWindow   uint32
	initWindow   uint32
	readClosed   bool
	readCond     *sync.Cond
	sendCond     *sync.Cond

	outboundCh chan wire.Frame

	closeOnce sync.Once
	doneCh    chan struct{}

	readDeadline  time.Time
	writeDeadline time.Time
}

func newStream(id uint32, s *Session, initWindow uint32, preface wire.StreamOpenPreface) *Stream {
	st := &Stream{
		id:         id,
		session:    s,
		preface:    preface,
		state:      StateOpen,
		recvWindow: initWindow,
		sendWindow: initWindow,
		initWindow: initWindow,
		outboundCh: make(chan wire.Frame, outboundQueueSize),
		doneCh:     make(chan struct{}),
	}
	st.readCond = sync.NewCond(&st.mu)
	st.sendCond = sync.NewCond(&st.mu)
	return st
}

// ID returns the tunnel-scoped stream id.
func (s *Stream) ID() uint32 { return s.id }

// Preface returns the stream_open payload this stream was created with.
func (s *Stream) Preface() wire.StreamOpenPreface { return s.preface }

// State returns the current stream state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Read implements net.Conn. It blocks until data is available, the peer
// half-closes (io.EOF), or the stream resets/closes.
func (s *Stream) Read(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.recvBuf.Len() == 0 {
		if s.state == StateClosed || s.state == StateHalfClosedRemote {
			return 0, io.EOF
		}
		if !s.readDeadline.IsZero() && time.Now().After(s.readDeadline) {
			return 0, timeoutError{}
		}
		s.readCond.Wait()
	}
	n, _ := s.recvBuf.Read(b)
	s.grantWindowLocked(uint32(n))
	return n, nil
}

// grantWindowLocked accumulates bytes consumed by Read and, once that
// reaches half of the initial grant, sends the peer a window_update for
// exactly the accumulated amount and advances our mirror of the peer's
// send credit by the same amount (§4.2: "emitted when the receive
// window drops below half the initial window").
func (s *Stream) grantWindowLocked(consumed uint32) {
	s.pendingGrant += consumed
	if s.pendingGrant < s.initWindow/2 {
		return
	}
	grant := s.pendingGrant
	s.pendingGrant = 0
	s.recvWindow += grant
	s.session.enqueueControl(wire.Frame{
		Type:     wire.TypeWindowUpdate,
		StreamID: s.id,
		Payload:  wire.EncodeWindowUpdate(grant),
	})
}

// Write implements net.Conn. It chunks b into stream_data frames no
// larger than the session's negotiated max frame size, blocking on send
// window exhaustion (§3 S, §8 P3: never more than send_window bytes
// unacknowledged in flight).
func (s *Stream) Write(b []byte) (int, error) {
	written := 0
	max := int(s.session.maxFrameSize.Load())
	for written < len(b) {
		chunk := b[written:]
		if len(chunk) > max {
			chunk = chunk[:max]
		}
		n, err := s.writeChunk(chunk)
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func (s *Stream) writeChunk(chunk []byte) (int, error) {
	s.mu.Lock()
	for {
		if s.state == StateClosed || s.state == StateHalfClosedLocal {
			s.mu.Unlock()
			return 0, fmt.Errorf("mux: write on %s stream %d", s.state, s.id)
		}
		if s.sendWindow > 0 {
			break
		}
		if !s.writeDeadline.IsZero() && time.Now().After(s.writeDeadline) {
			s.mu.Unlock()
			return 0, timeoutError{}
		}
		s.sendCond.Wait()
	}
	take := uint32(len(chunk))
	if take > s.sendWindow {
		take = s.sendWindow
	}
	s.sendWindow -= take
	s.mu.Unlock()

	frame := wire.Frame{Type: wire.TypeStreamData, StreamID: s.id, Payload: append([]byte(nil), chunk[:take]...)}
	select {
	case s.outboundCh <- frame:
	case <-s.doneCh:
		return 0, fmt.Errorf("mux: stream %d closed while writing", s.id)
	}
	s.session.notifyDataReady()
	return int(take), nil
}

// onWindowUpdate applies a peer-granted window_update.
func (s *Stream) onWindowUpdate(n uint32) {
	s.mu.Lock()
	s.sendWindow += n
	s.sendCond.Broadcast()
	s.mu.Unlock()
}

// onData appends inbound payload, enforcing that data never arrives after
// the peer has closed its send direction (§3 S3).
func (s *Stream) onData(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateHalfClosedRemote || s.state == StateClosed {
		return fmt.Errorf("mux: stream_data on %s stream %d", s.state, s.id)
	}
	if uint32(len(payload)) > s.recvWindow {
		return fmt.Errorf("mux: stream %d exceeded receive window", s.id)
	}
	s.recvWindow -= uint32(len(payload))
	s.recvBuf.Write(payload)
	s.readCond.Broadcast()
	return nil
}

// onPeerClose transitions the stream on receipt of stream_close.
func (s *Stream) onPeerClose() {
	s.mu.Lock()
	switch s.state {
	case StateOpen:
		s.state = StateHalfClosedRemote
	case StateHalfClosedLocal:
		s.state = StateClosed
	}
	closed := s.state == StateClosed
	s.readCond.Broadcast()
	s.mu.Unlock()
	if closed {
		s.finish()
	}
}

// onReset forcibly closes the stream, discarding pending data in both
// directions (§4.2 Resets).
func (s *Stream) onReset() {
	s.mu.Lock()
	s.state = StateClosed
	s.recvBuf.Reset()
	s.readCond.Broadcast()
	s.sendCond.Broadcast()
	s.mu.Unlock()
	s.finish()
}

// CloseWrite sends stream_close and moves to half-closed-local (§4.2).
// Peer data already in flight is still delivered to Read.
func (s *Stream) CloseWrite() error {
	// stream_close travels on the control queue, which the writer drains
	// ahead of data: wait until writeLoop has taken every queued
	// stream_data frame so the close cannot overtake them.
	for len(s.outboundCh) > 0 {
		select {
		case <-s.doneCh:
			return nil
		case <-s.session.doneCh:
			return ErrSessionClosed
		case <-time.After(time.Millisecond):
		}
	}
	s.mu.Lock()
	switch s.state {
	case StateClosed, StateHalfClosedLocal:
		s.mu.Unlock()
		return nil
	}
	if s.state == StateOpen {
		s.state = StateHalfClosedLocal
	} else if s.state == StateHalfClosedRemote {
		s.state = StateClosed
	}
	closed := s.state == StateClosed
	s.mu.Unlock()

	s.session.enqueueControl(wire.Frame{Type: wire.TypeStreamClose, StreamID: s.id})
	if closed {
		s.finish()
	}
	return nil
}

// Close implements net.Conn by resetting the stream abortively if it is
// not already cleanly closed.
func (s *Stream) Close() error {
	return s.Reset(wire.ResetClosed)
}

// Reset abortively closes the stream with a specific error code, used by
// callers that need a more precise reset reason than Close's default
// (e.g. resource_exhausted when a demux backlog is full, §4.6).
func (s *Stream) Reset(code uint32) error {
	s.mu.Lock()
	already := s.state == StateClosed
	s.mu.Unlock()
	if already {
		return nil
	}
	s.session.sendReset(s.id, code)
	s.onReset()
	return nil
}

// finish removes the stream from its session's table and unblocks
// anything waiting on doneCh, once per stream (§3 S2).
func (s *Stream) finish() {
	s.closeOnce.Do(func() {
		close(s.doneCh)
		s.session.removeStream(s.id)
	})
}

func (s *Stream) LocalAddr() net.Addr  { return s.session.transport.LocalAddr() }
func (s *Stream) RemoteAddr() net.Addr { return s.session.transport.RemoteAddr() }

func (s *Stream) SetDeadline(t time.Time) error {
	s.SetReadDeadline(t)
	s.SetWriteDeadline(t)
	return nil
}

func (s *Stream) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	s.readDeadline = t
	s.readCond.Broadcast()
	s.mu.Unlock()
	return nil
}

func (s *Stream) SetWriteDeadline(t time.Time) error {
	s.mu.Lock()
	s.writeDeadline = t
	s.sendCond.Broadcast()
	s.mu.Unlock()
	return nil
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "mux: i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
