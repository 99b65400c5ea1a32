// Package mux implements the Siphon stream multiplexer: many logical
// Streams interleaved over one mTLS transport, with per-stream flow
// control, half-close, and reset semantics (§4.2, §3, §4.7). It is the
// layer control-plane and data-plane code build on; this package knows
// nothing about tunnels, registries, or HTTP/TCP.
package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/siphon-tunnel/siphon/internal/obs"
	"github.com/siphon-tunnel/siphon/internal/wire"
)

// Role identifies which side of the handshake a Session plays. Only the
// server side ever opens streams (§3 Stream: "initiator: always the
// server side").
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

// ErrSessionClosed is returned by operations attempted after the session
// has torn down.
var ErrSessionClosed = errors.New("mux: session closed")

// GoawayHandler is invoked when a goaway frame is received, with the
// peer-reported code and reason.
type GoawayHandler func(code uint32, reason string)

// Session owns one tunnel's transport: a single reader goroutine and a
// single writer goroutine (§5 "Per-tunnel tasks"). Timeouts and idle
// pings are not enforced here; the control plane's supervise loop drives
// them through Ping, Goaway, LastActivity and Done. It is the direct
// generalization of the teacher's handleDataConn pump pair to N
// multiplexed streams sharing one underlying connection.
type Session struct {
	role      Role
	transport net.Conn

	maxFrameSize  atomic.Uint32
	initialWindow atomic.Uint32
	pendingCtrl   atomic.Int32

	mu          sync.Mutex
	streams     map[uint32]*Stream
	nextID      uint32 // server-side stream id generator (§S1)
	closed      bool
	closeErr    error

	acceptCh    chan *Stream // client-side: newly opened streams to hand to AcceptStream
	controlOut  chan wire.Frame
	dataReady   chan struct{}
	doneCh      chan struct{}

	streamOrder []uint32 // round-robin order for fair write scheduling
	rrIndex     int

	onGoaway GoawayHandler
	lastRx   atomic.Int64 // unix nano of last frame received, for idle-ping supervision

	helloChan chan wire.Frame // lazily created by helloCh, one-shot handshake delivery
}

// Options configure a new Session. MaxFrameSize and InitialWindow are
// the starting values (0 selects the wire defaults); the hello exchange
// one layer up negotiates the final values and applies them with
// SetNegotiated before any stream is opened (§4.3).
type Options struct {
	Role          Role
	MaxFrameSize  uint32
	InitialWindow uint32
	OnGoaway      GoawayHandler
}

// New wraps transport in a Session and starts its reader and writer
// goroutines. New only starts the I/O pumps; idle-ping supervision is
// left to the caller.
func New(transport net.Conn, opts Options) *Session {
	maxFrame := opts.MaxFrameSize
	if maxFrame == 0 {
		maxFrame = wire.DefaultMaxFrameSize
	}
	initWindow := opts.InitialWindow
	if initWindow == 0 {
		initWindow = wire.DefaultInitialWindow
	}
	s := &Session{
		role:       opts.Role,
		transport:  transport,
		streams:    make(map[uint32]*Stream),
		acceptCh:   make(chan *Stream, 128),
		controlOut: make(chan wire.Frame, 64),
		dataReady:  make(chan struct{}, 1),
		doneCh:     make(chan struct{}),
		onGoaway:   opts.OnGoaway,
	}
	s.maxFrameSize.Store(maxFrame)
	s.initialWindow.Store(initWindow)
	if opts.Role == RoleServer {
		s.nextID = 1
	}
	s.lastRx.Store(time.Now().UnixNano())
	go s.readLoop()
	go s.writeLoop()
	return s
}

// MaxFrameSize returns the negotiated maximum data payload per frame.
func (s *Session) MaxFrameSize() uint32 { return s.maxFrameSize.Load() }

// SetNegotiated overwrites the Session's live max frame size and initial
// window with the values the hello exchange actually agreed on (§4.3:
// the lesser of each side's requested value). Callers must invoke this
// before any stream is opened or accepted on this session — both fields
// are read on every subsequent frame read/write and stream creation.
func (s *Session) SetNegotiated(maxFrameSize, initialWindow uint32) {
	s.maxFrameSize.Store(maxFrameSize)
	s.initialWindow.Store(initialWindow)
}

// LastActivity returns the time the last frame was read from the
// transport, used by the supervisor's idle-ping logic (§5 Timeouts).
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastRx.Load())
}

// Done returns a channel closed the instant the session tears down,
// whether from an explicit Close, a goaway, or the transport dying
// underneath the reader loop. Supervisors should select on it directly
// rather than waiting to notice staleness on the next idle-ping tick.
func (s *Session) Done() <-chan struct{} {
	return s.doneCh
}

// OpenStream allocates a new stream id, sends stream_open with preface,
// and returns the Stream (server-only; §3 "initiator: always the server
// side").
func (s *Session) OpenStream(preface wire.StreamOpenPreface) (*Stream, error) {
	if s.role != RoleServer {
		return nil, errors.New("mux: only the server side opens streams")
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	id := s.nextID
	s.nextID += 2 // keep ids strictly increasing and never reused (§S1)
	st := newStream(id, s, s.initialWindow.Load(), preface)
	s.streams[id] = st
	s.streamOrder = append(s.streamOrder, id)
	s.mu.Unlock()
	obs.ActiveStreams.Inc()

	if err := s.writeImmediate(wire.Frame{Type: wire.TypeStreamOpen, StreamID: id, Payload: wire.EncodeStreamOpen(preface)}); err != nil {
		s.removeStream(id)
		return nil, err
	}
	return st, nil
}

// AcceptStream blocks until the server opens a new stream on this
// session, or ctx is done, or the session closes (client-only).
func (s *Session) AcceptStream(ctx context.Context) (*Stream, error) {
	if s.role != RoleClient {
		return nil, errors.New("mux: only the client side accepts streams")
	}
	select {
	case st := <-s.acceptCh:
		return st, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.doneCh:
		return nil, s.closeErrOrDefault()
	}
}

func (s *Session) closeErrOrDefault() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeErr != nil {
		return s.closeErr
	}
	return ErrSessionClosed
}

// Ping sends a ping control frame carrying token.
func (s *Session) Ping(token [8]byte) error {
	return s.enqueueControl(wire.Frame{Type: wire.TypePing, StreamID: wire.ControlStreamID, Payload: wire.EncodePingPong(token)})
}

// Goaway sends a goaway control frame (graceful or error-driven
// shutdown, §4.7 draining).
func (s *Session) Goaway(code uint32, reason string) error {
	return s.enqueueControl(wire.Frame{Type: wire.TypeGoaway, StreamID: wire.ControlStreamID, Payload: wire.EncodeGoaway(code, reason)})
}

// SendHello queues a raw hello frame (request or response payload
// already encoded by the caller) on the control queue, bypassing the
// stream table since stream 0 carries no per-stream flow control. It
// returns once the frame is queued, not once it is written; use Flush
// to wait for the write.
func (s *Session) SendHello(payload []byte) error {
	return s.writeImmediate(wire.Frame{Type: wire.TypeHello, StreamID: wire.ControlStreamID, Payload: payload})
}

// ReadHello blocks for the next hello frame on stream 0. It is used only
// during the handshake, before the reader loop's normal dispatch takes
// over for the rest of the control-frame lifetime.
func (s *Session) ReadHello(ctx context.Context) (wire.Frame, error) {
	select {
	case f := <-s.helloCh():
		return f, nil
	case <-ctx.Done():
		return wire.Frame{}, ctx.Err()
	case <-s.doneCh:
		// A hello delivered just before teardown (a rejection the peer
		// sent right before closing) is still returned.
		select {
		case f := <-s.helloCh():
			return f, nil
		default:
		}
		return wire.Frame{}, s.closeErrOrDefault()
	}
}

// helloCh lazily creates the one-shot hello delivery channel. Defined as
// a method (not a struct field initialized in New) so handshake code
// stays simple: "read exactly one hello frame" regardless of call order
// relative to New.
func (s *Session) helloCh() chan wire.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.helloChan == nil {
		s.helloChan = make(chan wire.Frame, 1)
	}
	return s.helloChan
}

// Close tears the session down: resets every open stream, stops the I/O
// goroutines, and closes the transport (§I3, §5 Cancellation).
func (s *Session) Close() error {
	return s.closeWith(nil)
}

func (s *Session) closeWith(err error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.closeErr = err
	streams := make([]*Stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.Unlock()

	for _, st := range streams {
		st.onReset()
	}
	close(s.doneCh)
	return s.transport.Close()
}

// removeStream deletes a stream from the table once it reaches closed
// (§S2: bounded-time reaping).
func (s *Session) removeStream(id uint32) {
	s.mu.Lock()
	delete(s.streams, id)
	for i, sid := range s.streamOrder {
		if sid == id {
			s.streamOrder = append(s.streamOrder[:i], s.streamOrder[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	obs.ActiveStreams.Dec()
}

func (s *Session) sendReset(id uint32, code uint32) {
	obs.StreamResetTotal.WithLabelValues(wire.ResetReason(code)).Inc()
	_ = s.enqueueControl(wire.Frame{Type: wire.TypeStreamReset, StreamID: id, Payload: wire.EncodeStreamReset(code)})
}

// enqueueControl pushes a frame onto the priority control queue, which
// the writer drains ahead of any stream's data queue (§4.2 "control
// frames preempt data").
func (s *Session) enqueueControl(f wire.Frame) error {
	select {
	case s.controlOut <- f:
		s.pendingCtrl.Add(1)
		return nil
	case <-s.doneCh:
		return ErrSessionClosed
	}
}

// Flush blocks until every control frame enqueued so far (hello
// responses, resets, pings) has been handed to the transport's Write, or
// timeout elapses. Hello-rejection call sites use this before Close so
// the rejection reason actually reaches the wire instead of racing
// Close's synchronous transport.Close() against writeLoop draining
// controlOut.
func (s *Session) Flush(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for s.pendingCtrl.Load() > 0 {
		select {
		case <-s.doneCh:
			return
		default:
		}
		if time.Now().After(deadline) {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

// writeImmediate queues a frame on the control queue, ahead of any
// stream data, for the two frame types (hello, stream_open) that must
// reach the wire before the relevant stream object is usable. It does
// not wait for the write itself.
func (s *Session) writeImmediate(f wire.Frame) error {
	return s.enqueueControl(f)
}

func (s *Session) notifyDataReady() {
	select {
	case s.dataReady <- struct{}{}:
	default:
	}
}

// readLoop is the single reader goroutine: reads frames off the
// transport and dispatches them, exactly the single-reader requirement
// of §4.2.
func (s *Session) readLoop() {
	defer s.closeWith(io.EOF)
	for {
		f, err := wire.ReadFrame(s.transport, s.maxFrameSize.Load())
		if err != nil {
			if errors.Is(err, wire.ErrFrameTooLarge) {
				_ = s.Goaway(wire.GoawayProtocolError, "frame exceeded negotiated max size")
			}
			return
		}
		s.lastRx.Store(time.Now().UnixNano())
		if err := s.dispatch(f); err != nil {
			obs.Error("mux.dispatch", obs.Fields{"err": err.Error(), "stream_id": f.StreamID, "type": f.Type.String()})
			if f.IsControl() {
				_ = s.Goaway(wire.GoawayProtocolError, err.Error())
				return
			}
			s.sendReset(f.StreamID, wire.ResetProtocolError)
		}
	}
}

func (s *Session) dispatch(f wire.Frame) error {
	if f.IsControl() {
		return s.dispatchControl(f)
	}
	return s.dispatchStream(f)
}

func (s *Session) dispatchControl(f wire.Frame) error {
	switch f.Type {
	case wire.TypeHello:
		select {
		case s.helloCh() <- f:
		default:
			// A second hello on an already-established control channel is
			// a protocol error per §4.3 ("after acceptance... only
			// ping/pong/goaway").
			return fmt.Errorf("unexpected hello after handshake")
		}
		return nil
	case wire.TypePing:
		token, err := wire.DecodePingPong(f.Payload)
		if err != nil {
			return err
		}
		return s.enqueueControl(wire.Frame{Type: wire.TypePong, StreamID: wire.ControlStreamID, Payload: wire.EncodePingPong(token)})
	case wire.TypePong:
		return nil
	case wire.TypeGoaway:
		code, reason, err := wire.DecodeGoaway(f.Payload)
		if err != nil {
			return err
		}
		if s.onGoaway != nil {
			s.onGoaway(code, reason)
		}
		return nil
	default:
		return fmt.Errorf("unknown control frame type %s", f.Type)
	}
}

func (s *Session) dispatchStream(f wire.Frame) error {
	switch f.Type {
	case wire.TypeStreamOpen:
		if s.role != RoleClient {
			return fmt.Errorf("stream_open received by non-client role")
		}
		preface, err := wire.DecodeStreamOpen(f.Payload)
		if err != nil {
			return err
		}
		st := newStream(f.StreamID, s, s.initialWindow.Load(), preface)
		s.mu.Lock()
		s.streams[f.StreamID] = st
		s.streamOrder = append(s.streamOrder, f.StreamID)
		s.mu.Unlock()
		obs.ActiveStreams.Inc()
		select {
		case s.acceptCh <- st:
		default:
			// Backlog full: caller isn't draining fast enough. Reset
			// rather than block the single reader goroutine (§4.6
			// resource_exhausted path generalizes here too).
			s.sendReset(f.StreamID, wire.ResetResourceExhausted)
			s.removeStream(f.StreamID)
		}
		return nil
	}

	st := s.lookupStream(f.StreamID)
	if st == nil {
		// Late frame for an id already reaped: tolerated for reset/close,
		// a protocol error for anything claiming to carry live data
		// (§S3).
		if f.Type == wire.TypeStreamReset || f.Type == wire.TypeStreamClose {
			return nil
		}
		return fmt.Errorf("frame for unknown stream %d", f.StreamID)
	}

	switch f.Type {
	case wire.TypeStreamData:
		return st.onData(f.Payload)
	case wire.TypeStreamClose:
		st.onPeerClose()
		return nil
	case wire.TypeStreamReset:
		if code, err := wire.DecodeStreamReset(f.Payload); err == nil {
			obs.StreamResetTotal.WithLabelValues(wire.ResetReason(code)).Inc()
		}
		st.onReset()
		return nil
	case wire.TypeWindowUpdate:
		n, err := wire.DecodeWindowUpdate(f.Payload)
		if err != nil {
			return err
		}
		st.onWindowUpdate(n)
		return nil
	default:
		return fmt.Errorf("unknown stream frame type %s", f.Type)
	}
}

func (s *Session) lookupStream(id uint32) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[id]
}

// writeLoop is the single writer goroutine: drains the control queue
// first, then round-robins over streams with a ready data frame (§4.2
// "Send scheduling").
func (s *Session) writeLoop() {
	for {
		select {
		case f := <-s.controlOut:
			err := wire.WriteFrame(s.transport, f)
			s.pendingCtrl.Add(-1)
			if err != nil {
				s.closeWith(err)
				return
			}
			continue
		case <-s.doneCh:
			return
		default:
		}

		if f, ok := s.nextDataFrame(); ok {
			if err := wire.WriteFrame(s.transport, f); err != nil {
				s.closeWith(err)
				return
			}
			continue
		}

		select {
		case f := <-s.controlOut:
			err := wire.WriteFrame(s.transport, f)
			s.pendingCtrl.Add(-1)
			if err != nil {
				s.closeWith(err)
				return
			}
		case <-s.dataReady:
		case <-s.doneCh:
			return
		}
	}
}

// nextDataFrame advances the round-robin pointer across streams with a
// nonempty outbound queue and returns the first ready frame found.
func (s *Session) nextDataFrame() (wire.Frame, bool) {
	s.mu.Lock()
	order := s.streamOrder
	n := len(order)
	if n == 0 {
		s.mu.Unlock()
		return wire.Frame{}, false
	}
	start := s.rrIndex % n
	streams := make([]*Stream, 0, n)
	for i := 0; i < n; i++ {
		streams = append(streams, s.streams[order[(start+i)%n]])
	}
	s.mu.Unlock()

	for i, st := range streams {
		if st == nil {
			continue
		}
		select {
		case f := <-st.outboundCh:
			s.mu.Lock()
			s.rrIndex = (start + i + 1) % n
			s.mu.Unlock()
			return f, true
		default:
		}
	}
	return wire.Frame{}, false
}
