/*
 * Package udppath implements per-peer UDP path discovery and path MTU
 * probing, plus the hole-punch handshake that two peers run once they
 * have learned each other's public address.
 *
 * Grounded on a UDP transport built around one shared net.PacketConn
 * with a read loop dispatching datagrams to per-peer state, generalized
 * from "no peer state beyond an address cache" to a full per-peer PMTU
 * state machine, since path discovery needs to track probe progress per
 * peer rather than just remember addresses. Libs: stdlib net, math/rand
 * for probe jitter.
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

package udppath

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/meshlink/meshlink/internal/meshlog"
	"github.com/meshlink/meshlink/internal/wire"
)

// State is one point in the per-peer UDP path state machine: UNKNOWN
// -> TRYING -> (WORKING | FAILED) -> TRYING (on loss).
type State int32

const (
	StateUnknown State = iota
	StateTrying
	StateWorking
	StateFailed
	StateImpossible
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "UNKNOWN"
	case StateTrying:
		return "TRYING"
	case StateWorking:
		return "WORKING"
	case StateFailed:
		return "FAILED"
	case StateImpossible:
		return "IMPOSSIBLE"
	}
	return "UNKNOWN"
}

// Numeric policy: probe sizes are bounded by 512 <= size <= 65535;
// fixed mtu only once N consecutive same-size probes succeed
// (N around 10).
const (
	minProbeSize          = 512
	maxProbeSize          = 65535
	fixAfterConsecutive   = 10
	workingTimeout        = 30 * time.Second
	symmetricNATThreshold = 20 // consecutive probe failures before declaring persistent FAILED
)

// Path tracks PMTU discovery progress for one peer's UDP address.
type Path struct {
	mu sync.Mutex

	peer string
	addr *net.UDPAddr

	state State

	minMTU, maxMTU int
	candidateMTU   int
	atCandidate    int

	mtu int // fixed once State == StateWorking; 0 otherwise

	consecutiveFailures int
	lastSuccess         time.Time

	pendingSeq  uint32
	pendingSize int
}

// NewPath creates a path in StateUnknown: no address learned yet.
func NewPath(peer string) *Path {
	return &Path{peer: peer, state: StateUnknown}
}

// State reports the path's current state.
func (p *Path) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// MTU returns the fixed path MTU, or 0 if none has been established.
func (p *Path) MTU() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mtu
}

// Addr returns the currently learned UDP address, or nil.
func (p *Path) Addr() *net.UDPAddr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addr
}

// Learn records a newly learned or updated public address for this
// peer and (re)starts probing from scratch, the UNKNOWN -> TRYING
// transition.
func (p *Path) Learn(addr *net.UDPAddr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addr = addr
	p.resetRangeLocked()
	p.state = StateTrying
}

func (p *Path) resetRangeLocked() {
	p.minMTU = minProbeSize
	p.maxMTU = maxProbeSize
	p.candidateMTU = 0
	p.atCandidate = 0
	p.mtu = 0
	p.consecutiveFailures = 0
}

// MarkImpossible records that this peer has no usable address at all.
func (p *Path) MarkImpossible() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = StateImpossible
}

// NextProbe picks the next probe size and a fresh sequence number to
// send, binary-searching between minMTU and maxMTU until the range is
// empty.
func (p *Path) NextProbe(seq uint32) (size int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.maxMTU-p.minMTU <= 1 {
		size = p.minMTU
	} else {
		size = (p.minMTU + p.maxMTU) / 2
	}
	p.pendingSeq = seq
	p.pendingSize = size
	return size
}

// RecordSuccess processes a confirmed probe echo of the given size and
// sequence number. It reports whether the path just became WORKING.
func (p *Path) RecordSuccess(seq uint32, size int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if seq != p.pendingSeq || size != p.pendingSize {
		return false // stale or mismatched echo, ignore
	}
	p.consecutiveFailures = 0
	p.lastSuccess = time.Now()

	if p.maxMTU-p.minMTU > 1 {
		// Range still open: lift minmtu towards the size that just
		// succeeded and keep searching.
		p.minMTU = size
		p.candidateMTU = 0
		p.atCandidate = 0
		return false
	}
	// Range has converged on one candidate size; require
	// fixAfterConsecutive successes at it before fixing mtu.
	if p.candidateMTU != size {
		p.candidateMTU = size
		p.atCandidate = 0
	}
	p.atCandidate++
	if p.atCandidate >= fixAfterConsecutive {
		p.mtu = size
		p.state = StateWorking
		return true
	}
	return false
}

// RecordFailure processes a timed-out or missing probe echo for seq,
// narrowing the search range downward: a failed probe size is never
// usable, so maxMTU is pulled down to it.
func (p *Path) RecordFailure(seq uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if seq != p.pendingSeq {
		return
	}
	p.maxMTU = p.pendingSize
	p.candidateMTU = 0
	p.atCandidate = 0
	p.consecutiveFailures++
	if p.consecutiveFailures >= symmetricNATThreshold {
		// Persistent failure to establish any path: a symmetric NAT is
		// detected as persistent FAILED and the peer is then tunnelled
		// over the meta-connection instead.
		p.state = StateFailed
	}
}

// CheckIdle drops a WORKING path back to TRYING if it has not seen a
// successful probe echo in workingTimeout, resetting its mtu range.
func (p *Path) CheckIdle(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateWorking && now.Sub(p.lastSuccess) > workingTimeout {
		p.resetRangeLocked()
		p.state = StateTrying
	}
}

// Socket owns one UDP listener shared across every peer path and runs
// the probe/echo protocol over it.
type Socket struct {
	conn *net.UDPConn
	log  *meshlog.Logger

	mu    sync.Mutex
	paths map[string]*Path // keyed by peer name
	byKey map[string]*Path // keyed by addr.String(), for inbound dispatch

	seq uint32
}

// NewSocket opens a UDP listener on listenAddr (host:port, port 0 for
// an ephemeral port).
func NewSocket(listenAddr string, log *meshlog.Logger) (*Socket, error) {
	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("udppath: resolving %q: %w", listenAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("udppath: listening: %w", err)
	}
	return &Socket{
		conn:  conn,
		log:   log,
		paths: make(map[string]*Path),
		byKey: make(map[string]*Path),
	}, nil
}

// LocalAddr returns the socket's bound local address.
func (s *Socket) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Close releases the underlying UDP socket.
func (s *Socket) Close() error {
	return s.conn.Close()
}

// Path returns (creating if necessary) the Path tracking peer.
func (s *Socket) Path(peer string) *Path {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.paths[peer]; ok {
		return p
	}
	p := NewPath(peer)
	s.paths[peer] = p
	return p
}

// Learn records addr as peer's current public address and indexes it
// for inbound dispatch, then (re)starts PMTU discovery.
func (s *Socket) Learn(peer string, addr *net.UDPAddr) *Path {
	p := s.Path(peer)
	p.Learn(addr)
	s.mu.Lock()
	s.byKey[addr.String()] = p
	s.mu.Unlock()
	return p
}

func (s *Socket) nextSeq() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// ProbeOnce sends one PMTU probe for peer's current path and returns
// the size it probed, or an error if the path has no learned address.
func (s *Socket) ProbeOnce(p *Path) (int, error) {
	addr := p.Addr()
	if addr == nil {
		return 0, fmt.Errorf("udppath: %s has no learned address", p.peer)
	}
	seq := s.nextSeq()
	size := p.NextProbe(seq)
	hdr := wire.PacketHeader{Seqno: seq, Flags: uint16(wire.FlagProbe)}
	payload := make([]byte, size-wire.PacketHeaderSize)
	packet, err := wire.EncodePacket(hdr, payload)
	if err != nil {
		return 0, err
	}
	if _, err := s.conn.WriteToUDP(packet, addr); err != nil {
		// A probe the socket refuses to send (for instance one larger
		// than the local stack allows) counts as a failed probe.
		p.RecordFailure(seq)
	}
	return size, nil
}

// Run services inbound datagrams until ctx is cancelled: probes are
// echoed back immediately, and probe-reply datagrams are matched
// against the sending path's pending probe.
func (s *Socket) Run(ctx context.Context) error {
	buf := make([]byte, maxProbeSize+wire.PacketHeaderSize)
	for {
		s.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, from, err := s.conn.ReadFromUDP(buf)
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}
		s.handleDatagram(buf[:n], from)
	}
}

func (s *Socket) handleDatagram(raw []byte, from *net.UDPAddr) {
	hdr, payload, err := wire.DecodePacket(raw)
	if err != nil {
		s.log.Printf(meshlog.LevelDebug, "udppath: malformed datagram from %s: %v", from, err)
		return
	}
	flags := wire.PacketFlag(hdr.Flags)
	switch {
	case flags&wire.FlagProbe != 0:
		reply := wire.PacketHeader{Seqno: hdr.Seqno, Flags: uint16(wire.FlagMTUProbeReply)}
		out, err := wire.EncodePacket(reply, payload)
		if err != nil {
			return
		}
		s.conn.WriteToUDP(out, from)
	case flags&wire.FlagMTUProbeReply != 0:
		s.mu.Lock()
		p := s.byKey[from.String()]
		s.mu.Unlock()
		if p == nil {
			return
		}
		size := int(hdr.Len) + wire.PacketHeaderSize
		if p.RecordSuccess(hdr.Seqno, size) {
			s.log.Printf(meshlog.LevelInfo, "udppath: %s path WORKING, mtu=%d", p.peer, p.MTU())
		}
	}
}

// Punch implements a simultaneous hole-punch: both peers, on learning
// each other's address, fire an immediate probe so that each side's
// outbound datagram opens its NAT mapping before the other's first
// probe arrives.
func (s *Socket) Punch(peer string, addr *net.UDPAddr) error {
	p := s.Learn(peer, addr)
	jitter := time.Duration(rand.Intn(20)) * time.Millisecond
	time.Sleep(jitter)
	_, err := s.ProbeOnce(p)
	return err
}
