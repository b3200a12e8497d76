/*
 * Package channel implements a utcp-style multiplexed byte-stream
 * (and, in unreliable mode, datagram) channel carried over a single
 * meta-connection, with the reliable mode's sliding-window retransmit
 * and congestion control, framed/no-partial send semantics, and AIO
 * send/receive queues.
 *
 * Grounded on two existing idioms: the FIFO task queue and single-
 * drain-goroutine shape of concurrent/dispatcher.go's `Dispatcher`
 * (repurposed here as the per-channel AIO send/receive queues), and
 * network/p2p/message.go's `HandlerList` dispatch-by-key pattern
 * (repurposed as the Manager's dispatch-by-port-pair). Libs: stdlib
 * `sync`, `container/list` for the AIO FIFO queues, `internal/wire`
 * for segment framing (its field-size-tag codec is exactly what a
 * variable-length DATA segment needs).
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or (at
 * your option) any later version.
 *
 * This program is distributed in the hope that it will be useful, but
 * WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
 * General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package channel

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/meshlink/meshlink/internal/wire"
)

// Mode bits select utcp's send/receive semantics.
type Mode uint8

const (
	// ModeReliable is the default: in-order byte stream, ARQ retransmit.
	ModeReliable Mode = 0
	// ModeUDP is MESHLINK_CHANNEL_UDP: unreliable, packet-boundary-
	// preserving, unordered, <= 65535 B per message.
	ModeUDP Mode = 1 << 0
	// ModeFramed is MESHLINK_CHANNEL_FRAMED: each message is prefixed
	// with a 2-byte little-endian length; only whole frames are
	// delivered.
	ModeFramed Mode = 1 << 1
	// ModeNoPartial is MESHLINK_CHANNEL_NO_PARTIAL: Send either fully
	// succeeds, fully fails (returns 0, try later), or permanently
	// cannot fit (returns -1).
	ModeNoPartial Mode = 1 << 2
)

// DefaultBufferSize is the default 128 kB send/receive buffer size.
const DefaultBufferSize = 128 * 1024

// MaxDatagramSize is the largest payload ModeUDP will carry per
// message.
const MaxDatagramSize = 65535

// maxSegmentPayload is the largest payload one data segment carries.
// segment.Length is a uint16, so a reliable-mode write larger than
// this is split across multiple segments rather than truncated.
const maxSegmentPayload = 65000

// minCwnd is the floor the congestion window backs off to after a
// loss, and the value it resets to before slow start resumes.
const minCwnd = 1024

// cwndAvoidanceStep is the per-ACK congestion-avoidance growth once
// cwnd has reached ssthresh (linear, one segment's worth per ACK,
// rather than slow start's doubling).
const cwndAvoidanceStep = 1024

// unreachableTimeout is how long a channel tolerates its peer
// connection being unreachable before force-closing with a
// zero-length receive callback and ErrUnreachable.
const unreachableTimeout = 60 * time.Second

// segType identifies one utcp control/data segment.
type segType uint8

const (
	segOpen segType = iota
	segAccept
	segReject
	segData
	segAck
	segNak
	segFin
)

// segment is the wire form of one utcp protocol message, carried as
// the payload of a meta-connection PACKET record.
type segment struct {
	Type    uint8
	SrcPort uint32
	DstPort uint32
	Seq     uint32
	Length  uint16
	Payload []byte `size:"Length"`
}

func encodeSegment(s segment) ([]byte, error) {
	s.Length = uint16(len(s.Payload))
	return wire.Marshal(&s)
}

func decodeSegment(raw []byte) (segment, error) {
	var s segment
	err := wire.Unmarshal(raw, &s)
	return s, err
}

// Errors returned by Channel/Manager operations.
var (
	ErrClosed      = errors.New("channel: closed")
	ErrRejected    = errors.New("channel: peer rejected open")
	ErrWouldBlock  = errors.New("channel: send buffer full")
	ErrTooLarge    = errors.New("channel: message can never fit in the send buffer")
	ErrUnreachable = errors.New("channel: peer unreachable")
	ErrUnknownPort = errors.New("channel: no channel for that port")
)

// State is a Channel's lifecycle state.
type State int

const (
	StateOpening State = iota
	StateOpen
	StateClosing
	StateClosed
)

// Transport is the minimal send primitive a Manager needs from its
// owning meta-connection: encapsulate one payload as a PACKET record
// and deliver it to the peer. internal/metaconn.Connection.SendPacket
// satisfies this directly.
type Transport interface {
	SendPacket(payload []byte) error
}

// AcceptFunc decides whether to accept an incoming Open request for
// localPort, given the peer's initial payload. Returning false rejects.
type AcceptFunc func(ch *Channel, localPort uint32, initialData []byte) bool

// ReceiveFunc delivers received application data (or, on close, a
// nil/zero-length slice alongside err).
type ReceiveFunc func(ch *Channel, data []byte, err error)

// PollFunc notifies that ch transitioned to a state where more data
// can be sent (e.g. Open completed, or the send buffer drained).
type PollFunc func(ch *Channel)

// aioRequest is one queued AIO send or receive operation.
type aioRequest struct {
	buf      []byte
	done     int
	complete func(transferred int, err error)
}

// Channel is one multiplexed utcp stream to a peer.
type Channel struct {
	mgr  *Manager
	peer string

	localPort, remotePort uint32
	mode                  Mode

	mu    sync.Mutex
	state State

	sendBufSize, recvBufSize int
	sendBuf                  []byte // bytes not yet acknowledged/sent
	recvBuf                  []byte // bytes received, not yet delivered

	sendSeq  uint32 // next sequence number to assign on send
	ackedSeq uint32 // highest sequence number peer has acknowledged
	recvSeq  uint32 // next expected sequence number from peer

	unacked map[uint32][]byte // seq -> segment payload, awaiting ACK

	cwnd      float64
	ssthresh  float64
	lastSend  time.Time
	rto       time.Duration

	finSent, finRecvd bool

	unreachableSince time.Time

	sendQ    *list.List // FIFO of *aioRequest, reliable-mode AIO sends
	recvQ    *list.List // FIFO of *aioRequest, AIO receives
	draining bool       // drainSendQ reentrancy guard, see drainSendQ

	OnReceive ReceiveFunc
	OnPoll    PollFunc
}

// Manager owns every Channel to one peer over one Transport, and
// dispatches inbound utcp segments to the right channel.
type Manager struct {
	peer      string
	transport Transport

	mu       sync.Mutex
	byPort   map[uint32]*Channel
	nextPort uint32

	OnAccept AcceptFunc
}

// NewManager creates a channel multiplexer for one peer connection.
func NewManager(peer string, transport Transport, onAccept AcceptFunc) *Manager {
	return &Manager{
		peer:      peer,
		transport: transport,
		byPort:    make(map[uint32]*Channel),
		nextPort:  1,
		OnAccept:  onAccept,
	}
}

func (m *Manager) allocPort() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		m.nextPort++
		if _, used := m.byPort[m.nextPort]; !used {
			return m.nextPort
		}
	}
}

// Open begins opening a channel to remotePort, optionally carrying an
// initial payload.
func (m *Manager) Open(remotePort uint32, initial []byte, mode Mode) (*Channel, error) {
	localPort := m.allocPort()
	ch := &Channel{
		mgr:         m,
		peer:        m.peer,
		localPort:   localPort,
		remotePort:  remotePort,
		mode:        mode,
		state:       StateOpening,
		sendBufSize: DefaultBufferSize,
		recvBufSize: DefaultBufferSize,
		unacked:     make(map[uint32][]byte),
		cwnd:        4096,
		ssthresh:    65536,
		rto:         time.Second,
		sendQ:       list.New(),
		recvQ:       list.New(),
	}
	m.mu.Lock()
	m.byPort[localPort] = ch
	m.mu.Unlock()

	seg := segment{Type: uint8(segOpen), SrcPort: localPort, DstPort: remotePort, Payload: initial}
	raw, err := encodeSegment(seg)
	if err != nil {
		return nil, err
	}
	if err := m.transport.SendPacket(raw); err != nil {
		return nil, err
	}
	return ch, nil
}

// Channel looks up a previously opened/accepted channel by local port.
func (m *Manager) Channel(localPort uint32) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.byPort[localPort]
	return ch, ok
}

// Peer returns the name of the peer this Manager multiplexes channels
// to.
func (m *Manager) Peer() string {
	return m.peer
}

// channels returns a snapshot of every channel this Manager currently
// tracks, safe to range over after releasing the lock.
func (m *Manager) channels() []*Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Channel, 0, len(m.byPort))
	for _, ch := range m.byPort {
		out = append(out, ch)
	}
	return out
}

// CheckTimers drives retransmit timeout processing on every channel
// this Manager owns, satisfying internal/scheduler's ChannelTicker.
func (m *Manager) CheckTimers(now time.Time) {
	for _, ch := range m.channels() {
		ch.CheckTimers(now)
	}
}

// CheckUnreachable force-closes any channel whose peer connection has
// been unreachable too long, across every channel this Manager owns.
func (m *Manager) CheckUnreachable(now time.Time) {
	for _, ch := range m.channels() {
		ch.CheckUnreachable(now)
	}
}

// NotePeerUnreachable marks every channel on this Manager as having an
// unreachable peer since t, called when this Manager's underlying
// meta-connection drops.
func (m *Manager) NotePeerUnreachable(t time.Time) {
	for _, ch := range m.channels() {
		ch.NotePeerUnreachable(t)
	}
}

// NotePeerReachable clears unreachable tracking on every channel this
// Manager owns, called once the underlying meta-connection is
// re-established.
func (m *Manager) NotePeerReachable() {
	for _, ch := range m.channels() {
		ch.NotePeerReachable()
	}
}

// HandleIncoming processes one utcp segment received from the peer
// (the payload of a meta-connection PACKET record).
func (m *Manager) HandleIncoming(raw []byte) error {
	seg, err := decodeSegment(raw)
	if err != nil {
		return fmt.Errorf("channel: decoding segment: %w", err)
	}
	switch segType(seg.Type) {
	case segOpen:
		return m.handleOpen(seg)
	default:
		m.mu.Lock()
		ch, ok := m.byPort[seg.DstPort]
		m.mu.Unlock()
		if !ok {
			return fmt.Errorf("%w: port %d", ErrUnknownPort, seg.DstPort)
		}
		return ch.handleSegment(seg)
	}
}

func (m *Manager) handleOpen(seg segment) error {
	localPort := m.allocPort()
	ch := &Channel{
		mgr:         m,
		peer:        m.peer,
		localPort:   localPort,
		remotePort:  seg.SrcPort,
		state:       StateOpening,
		sendBufSize: DefaultBufferSize,
		recvBufSize: DefaultBufferSize,
		unacked:     make(map[uint32][]byte),
		cwnd:        4096,
		ssthresh:    65536,
		rto:         time.Second,
		sendQ:       list.New(),
		recvQ:       list.New(),
	}
	accept := m.OnAccept != nil && m.OnAccept(ch, localPort, seg.Payload)
	if !accept {
		reply := segment{Type: uint8(segReject), SrcPort: localPort, DstPort: seg.SrcPort}
		raw, err := encodeSegment(reply)
		if err != nil {
			return err
		}
		return m.transport.SendPacket(raw)
	}
	m.mu.Lock()
	m.byPort[localPort] = ch
	m.mu.Unlock()
	ch.mu.Lock()
	ch.state = StateOpen
	ch.mu.Unlock()

	reply := segment{Type: uint8(segAccept), SrcPort: localPort, DstPort: seg.SrcPort}
	raw, err := encodeSegment(reply)
	if err != nil {
		return err
	}
	return m.transport.SendPacket(raw)
}

func (ch *Channel) handleSegment(seg segment) error {
	switch segType(seg.Type) {
	case segAccept:
		ch.mu.Lock()
		ch.state = StateOpen
		poll := ch.OnPoll
		ch.mu.Unlock()
		if poll != nil {
			poll(ch)
		}
	case segReject:
		ch.mu.Lock()
		ch.state = StateClosed
		recv := ch.OnReceive
		ch.mu.Unlock()
		if recv != nil {
			recv(ch, nil, ErrRejected)
		}
	case segData:
		return ch.handleData(seg)
	case segAck:
		ch.handleAck(seg.Seq)
	case segNak:
		return ch.retransmit(seg.Seq)
	case segFin:
		ch.handleFin()
	}
	return nil
}

func (ch *Channel) handleData(seg segment) error {
	ch.mu.Lock()
	mode := ch.mode
	ch.mu.Unlock()

	if mode&ModeUDP != 0 {
		ch.deliver(seg.Payload, nil)
		return nil
	}

	ch.mu.Lock()
	inOrder := seg.Seq == ch.recvSeq
	if inOrder {
		ch.recvSeq++
	}
	ch.mu.Unlock()

	if !inOrder {
		nak := segment{Type: uint8(segNak), SrcPort: ch.localPort, DstPort: ch.remotePort, Seq: ch.expectedSeq()}
		raw, err := encodeSegment(nak)
		if err != nil {
			return err
		}
		return ch.mgr.transport.SendPacket(raw)
	}

	ack := segment{Type: uint8(segAck), SrcPort: ch.localPort, DstPort: ch.remotePort, Seq: seg.Seq}
	raw, err := encodeSegment(ack)
	if err != nil {
		return err
	}
	if err := ch.mgr.transport.SendPacket(raw); err != nil {
		return err
	}

	if mode&ModeFramed != 0 {
		ch.deliverFramed(seg.Payload)
	} else {
		ch.deliver(seg.Payload, nil)
	}
	return nil
}

func (ch *Channel) expectedSeq() uint32 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.recvSeq
}

// deliverFramed accumulates partial framed-mode input across
// deliveries and only hands whole frames to OnReceive.
func (ch *Channel) deliverFramed(payload []byte) {
	ch.mu.Lock()
	ch.recvBuf = append(ch.recvBuf, payload...)
	var frames [][]byte
	for len(ch.recvBuf) >= 2 {
		n := int(ch.recvBuf[0]) | int(ch.recvBuf[1])<<8
		if len(ch.recvBuf) < 2+n {
			break
		}
		frames = append(frames, append([]byte(nil), ch.recvBuf[2:2+n]...))
		ch.recvBuf = ch.recvBuf[2+n:]
	}
	recv := ch.OnReceive
	ch.mu.Unlock()
	if recv == nil {
		return
	}
	for _, f := range frames {
		recv(ch, f, nil)
	}
}

func (ch *Channel) deliver(payload []byte, err error) {
	ch.mu.Lock()
	recv := ch.OnReceive
	ch.mu.Unlock()
	if recv != nil {
		recv(ch, payload, err)
	}
}

func (ch *Channel) handleAck(seq uint32) {
	ch.mu.Lock()
	payload, ok := ch.unacked[seq]
	if !ok {
		ch.mu.Unlock()
		return
	}
	delete(ch.unacked, seq)
	if seq >= ch.ackedSeq {
		ch.ackedSeq = seq + 1
	}
	if n := len(payload); n <= len(ch.sendBuf) {
		ch.sendBuf = ch.sendBuf[n:]
	} else {
		ch.sendBuf = ch.sendBuf[:0]
	}
	ch.growCongestionWindowLocked()
	ch.mu.Unlock()

	// The ack just freed congestion-window room (and, for a NoPartial
	// channel, buffer room): wake any AIOSend the window previously
	// stalled rather than leaving it waiting for a send that never
	// comes on its own.
	ch.drainSendQ()
}

// growCongestionWindowLocked applies slow start (cwnd doubles) below
// ssthresh and congestion avoidance (cwnd grows by one segment's
// worth) at or above it. Caller must hold ch.mu.
func (ch *Channel) growCongestionWindowLocked() {
	if ch.cwnd < ch.ssthresh {
		ch.cwnd *= 2
	} else {
		ch.cwnd += cwndAvoidanceStep
	}
	if ch.cwnd > float64(ch.sendBufSize) {
		ch.cwnd = float64(ch.sendBufSize)
	}
}

// shrinkCongestionWindowLocked applies multiplicative decrease on a
// detected loss: ssthresh drops to half the current window, and cwnd
// resets to the floor so the next growth phase starts in slow start.
// Caller must hold ch.mu.
func (ch *Channel) shrinkCongestionWindowLocked() {
	ch.ssthresh = ch.cwnd / 2
	if ch.ssthresh < minCwnd {
		ch.ssthresh = minCwnd
	}
	ch.cwnd = minCwnd
}

func (ch *Channel) retransmit(seq uint32) error {
	ch.mu.Lock()
	payload, ok := ch.unacked[seq]
	ch.shrinkCongestionWindowLocked()
	ch.mu.Unlock()
	if !ok {
		return nil
	}
	seg := segment{Type: uint8(segData), SrcPort: ch.localPort, DstPort: ch.remotePort, Seq: seq, Payload: payload}
	raw, err := encodeSegment(seg)
	if err != nil {
		return err
	}
	return ch.mgr.transport.SendPacket(raw)
}

func (ch *Channel) handleFin() {
	ch.mu.Lock()
	ch.finRecvd = true
	bothDone := ch.finSent
	if bothDone {
		ch.state = StateClosed
	}
	recv := ch.OnReceive
	ch.mu.Unlock()
	if recv != nil {
		recv(ch, nil, nil)
	}
}

// Send transmits data on the channel. Under ModeNoPartial it returns
// (len(data), nil) on full success, (0, ErrWouldBlock) if the buffer
// is currently too full but data would eventually fit, or (-1,
// ErrTooLarge) if data can never fit.
func (ch *Channel) Send(data []byte) (int, error) {
	ch.mu.Lock()
	if ch.state != StateOpen {
		ch.mu.Unlock()
		return 0, ErrClosed
	}
	mode := ch.mode
	ch.mu.Unlock()

	if mode&ModeUDP != 0 {
		if len(data) > MaxDatagramSize {
			return -1, ErrTooLarge
		}
		return ch.sendSegment(data)
	}

	payload := data
	if mode&ModeFramed != 0 {
		if len(data) > 0xFFFF {
			return -1, ErrTooLarge
		}
		framed := make([]byte, 2+len(data))
		framed[0] = byte(len(data))
		framed[1] = byte(len(data) >> 8)
		copy(framed[2:], data)
		payload = framed
	}

	if mode&ModeNoPartial != 0 {
		if len(payload) > ch.sendBufSize {
			return -1, ErrTooLarge
		}
		ch.mu.Lock()
		room := ch.sendBufSize - len(ch.sendBuf)
		ch.mu.Unlock()
		if len(payload) > room {
			return 0, ErrWouldBlock
		}
		// The buffer-capacity check above already makes this whole
		// write atomic; don't let the congestion window split it.
		return ch.sendChunked(payload, false)
	}
	return ch.sendChunked(payload, true)
}

// sendChunked splits payload into segments no larger than
// maxSegmentPayload, so the wire Length field never truncates a
// large write, handing each to sendSegment in turn. When gateOnCwnd
// is set it stops (without erroring) at the first chunk the
// congestion window won't currently admit, leaving the rest for a
// later Send/drainSendQ call once more ACKs arrive.
func (ch *Channel) sendChunked(payload []byte, gateOnCwnd bool) (int, error) {
	sent := 0
	for sent < len(payload) {
		end := sent + maxSegmentPayload
		if end > len(payload) {
			end = len(payload)
		}
		if gateOnCwnd {
			room := ch.windowRoom()
			if room == 0 {
				break
			}
			if end-sent > room {
				end = sent + room
			}
		}
		n, err := ch.sendSegment(payload[sent:end])
		if err != nil {
			if sent > 0 {
				return sent, nil
			}
			return 0, err
		}
		sent += n
	}
	return sent, nil
}

// windowRoom reports how many more bytes the congestion window
// currently admits beyond what's already outstanding.
func (ch *Channel) windowRoom() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	room := ch.cwnd - float64(len(ch.sendBuf))
	if room < 0 {
		return 0
	}
	return int(room)
}

func (ch *Channel) sendSegment(payload []byte) (int, error) {
	ch.mu.Lock()
	seq := ch.sendSeq
	ch.sendSeq++
	if ch.mode&ModeUDP == 0 {
		ch.unacked[seq] = append([]byte(nil), payload...)
		ch.sendBuf = append(ch.sendBuf, payload...)
	}
	ch.lastSend = time.Now()
	ch.mu.Unlock()

	seg := segment{Type: uint8(segData), SrcPort: ch.localPort, DstPort: ch.remotePort, Seq: seq, Payload: payload}
	raw, err := encodeSegment(seg)
	if err != nil {
		return 0, err
	}
	if err := ch.mgr.transport.SendPacket(raw); err != nil {
		return 0, err
	}
	return len(payload), nil
}

// AIOSend enqueues buf to be sent in order, invoking complete once the
// whole buffer has been transmitted: a FIFO of (buffer, length,
// completion callback) drained one at a time.
func (ch *Channel) AIOSend(buf []byte, complete func(sent int, err error)) {
	ch.mu.Lock()
	req := &aioRequest{buf: buf, complete: complete}
	ch.sendQ.PushBack(req)
	first := ch.sendQ.Len() == 1
	ch.mu.Unlock()
	if first {
		ch.drainSendQ()
	}
}

// drainSendQ pumps the AIOSend FIFO until it empties or a send would
// block. A congestion-window-gated Send can trigger an ack synchronously
// (a same-goroutine test transport, or a fast loopback path) that calls
// back into drainSendQ before this call's Send has returned and updated
// req.done; the draining guard makes that reentrant call a no-op so it
// can't resend the slice this call already has in flight, leaving the
// outer loop to pick up the freed window on its own next iteration.
func (ch *Channel) drainSendQ() {
	ch.mu.Lock()
	if ch.draining {
		ch.mu.Unlock()
		return
	}
	ch.draining = true
	ch.mu.Unlock()
	defer func() {
		ch.mu.Lock()
		ch.draining = false
		ch.mu.Unlock()
	}()

	for {
		ch.mu.Lock()
		front := ch.sendQ.Front()
		if front == nil {
			ch.mu.Unlock()
			return
		}
		req := front.Value.(*aioRequest)
		ch.mu.Unlock()

		n, err := ch.Send(req.buf[req.done:])
		if err == ErrWouldBlock {
			return // buffer full; resume on next poll/drain trigger
		}
		if err != nil {
			ch.mu.Lock()
			ch.sendQ.Remove(front)
			ch.mu.Unlock()
			req.complete(req.done, err)
			continue
		}
		if n <= 0 {
			return // would block; resume on next poll/drain trigger
		}
		req.done += n
		if req.done >= len(req.buf) {
			ch.mu.Lock()
			ch.sendQ.Remove(front)
			ch.mu.Unlock()
			req.complete(req.done, nil)
			continue
		}
	}
}

// AIOReceive enqueues a buffer to be filled from incoming data,
// invoking complete once it is full or the channel closes.
func (ch *Channel) AIOReceive(buf []byte, complete func(received int, err error)) {
	ch.mu.Lock()
	req := &aioRequest{buf: buf, complete: complete}
	ch.recvQ.PushBack(req)
	ch.mu.Unlock()

	prevRecv := ch.OnReceive
	ch.OnReceive = func(c *Channel, data []byte, err error) {
		if prevRecv != nil {
			prevRecv(c, data, err)
		}
		ch.mu.Lock()
		front := ch.recvQ.Front()
		if front == nil {
			ch.mu.Unlock()
			return
		}
		r := front.Value.(*aioRequest)
		n := copy(r.buf[r.done:], data)
		r.done += n
		done := r.done >= len(r.buf) || err != nil
		if done {
			ch.recvQ.Remove(front)
		}
		ch.mu.Unlock()
		if done {
			r.complete(r.done, err)
		}
	}
}

// GetSendQ reports how many bytes are queued/unacknowledged, for
// channel_get_sendq.
func (ch *Channel) GetSendQ() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	total := 0
	for _, p := range ch.unacked {
		total += len(p)
	}
	return total
}

// SetBuffers configures send/receive buffer sizes (channel_set_sndbuf/
// channel_set_rcvbuf).
func (ch *Channel) SetBuffers(sendSize, recvSize int) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if sendSize > 0 {
		ch.sendBufSize = sendSize
	}
	if recvSize > 0 {
		ch.recvBufSize = recvSize
	}
}

// Flags returns the channel's mode bitmask (channel_get_flags).
func (ch *Channel) Flags() Mode {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.mode
}

// State reports the channel's lifecycle state.
func (ch *Channel) State() State {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// Close sends FIN and marks the channel closing; the handle is fully
// released once the peer's FIN arrives (handleFin transitions it to
// StateClosed). This call does not block; the caller observes
// completion via State().
func (ch *Channel) Close() error {
	ch.mu.Lock()
	if ch.state == StateClosed {
		ch.mu.Unlock()
		return nil
	}
	ch.finSent = true
	ch.state = StateClosing
	ch.mu.Unlock()

	seg := segment{Type: uint8(segFin), SrcPort: ch.localPort, DstPort: ch.remotePort}
	raw, err := encodeSegment(seg)
	if err != nil {
		return err
	}
	return ch.mgr.transport.SendPacket(raw)
}

// Shutdown sends FIN without closing the read half (shutdown(SHUT_WR)
// semantics).
func (ch *Channel) Shutdown() error {
	ch.mu.Lock()
	ch.finSent = true
	ch.mu.Unlock()
	seg := segment{Type: uint8(segFin), SrcPort: ch.localPort, DstPort: ch.remotePort}
	raw, err := encodeSegment(seg)
	if err != nil {
		return err
	}
	return ch.mgr.transport.SendPacket(raw)
}

// Abort force-closes the channel immediately without waiting for or
// sending FIN (channel_abort), draining any queued AIO send/receive
// requests so their completion callbacks each fire exactly once with
// however many bytes they had actually transferred.
func (ch *Channel) Abort() {
	ch.mu.Lock()
	ch.state = StateClosed
	recv := ch.OnReceive
	var pending []*aioRequest
	for e := ch.sendQ.Front(); e != nil; e = e.Next() {
		pending = append(pending, e.Value.(*aioRequest))
	}
	ch.sendQ.Init()
	for e := ch.recvQ.Front(); e != nil; e = e.Next() {
		pending = append(pending, e.Value.(*aioRequest))
	}
	ch.recvQ.Init()
	ch.mu.Unlock()

	for _, req := range pending {
		req.complete(req.done, ErrClosed)
	}
	if recv != nil {
		recv(ch, nil, ErrClosed)
	}
}

// NotePeerUnreachable records that the owning peer connection has been
// unreachable since t, for CheckUnreachable to act on.
func (ch *Channel) NotePeerUnreachable(t time.Time) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.unreachableSince.IsZero() {
		ch.unreachableSince = t
	}
}

// NotePeerReachable clears any unreachable tracking once the peer
// connection resumes.
func (ch *Channel) NotePeerReachable() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.unreachableSince = time.Time{}
}

// CheckUnreachable force-closes the channel with a zero-length receive
// callback if the peer has been unreachable for more than 60s.
// Intended to be driven by the scheduler's timer loop.
func (ch *Channel) CheckUnreachable(now time.Time) {
	ch.mu.Lock()
	since := ch.unreachableSince
	already := ch.state == StateClosed
	ch.mu.Unlock()
	if already || since.IsZero() || now.Sub(since) < unreachableTimeout {
		return
	}
	ch.mu.Lock()
	ch.state = StateClosed
	recv := ch.OnReceive
	ch.mu.Unlock()
	if recv != nil {
		recv(ch, nil, ErrUnreachable)
	}
}

// CheckTimers retransmits any unacknowledged segment whose RTO has
// elapsed. ModeUDP channels never populate unacked (datagrams aren't
// retried), so this is a no-op for them. Intended to be driven by the
// scheduler's timer loop alongside CheckUnreachable.
func (ch *Channel) CheckTimers(now time.Time) {
	ch.mu.Lock()
	if ch.mode&ModeUDP != 0 || ch.state != StateOpen || now.Sub(ch.lastSend) < ch.rto {
		ch.mu.Unlock()
		return
	}
	seqs := make([]uint32, 0, len(ch.unacked))
	for seq := range ch.unacked {
		seqs = append(seqs, seq)
	}
	ch.shrinkCongestionWindowLocked()
	ch.lastSend = now
	ch.mu.Unlock()

	for _, seq := range seqs {
		ch.retransmit(seq)
	}
}
