/*
 * Package metaconn implements the meta-connection state machine
 * layered over a reliable stream (TCP) between two mesh instances —
 * handshake, gossip of ADD_EDGE/DEL_EDGE, idle PING/PONG, and
 * encapsulation of data for peers the UDP path has not established.
 *
 * Grounded on a per-peer connection lifecycle built around a
 * connect/listen loop owning one socket and dispatching inbound
 * frames to node-level handlers, generalized from UDP datagrams to a
 * framed TCP stream wrapping an internal/sptps session, with the
 * ADD_EDGE/REQ_KEY exchange grounded on a Learn/bucket-insert flow
 * (learning a newly gossiped peer's address before having its key).
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

package metaconn

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/meshlink/meshlink/internal/devtool"
	"github.com/meshlink/meshlink/internal/graph"
	"github.com/meshlink/meshlink/internal/meshlog"
	"github.com/meshlink/meshlink/internal/sptps"
	"github.com/meshlink/meshlink/internal/wire"
	"github.com/meshlink/meshlink/internal/xcrypto"
)

// ProtocolVersion is the meta-protocol's own version number, exchanged
// in the plaintext and in-session ID lines (distinct from
// sptps.ProtocolVersion, which versions the record/handshake format).
const ProtocolVersion = 1

// State is one point in the meta-connection's transition diagram.
type State int32

const (
	StateUnconnected State = iota
	StateConnecting
	StateHandshake
	StateActive
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "UNCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateHandshake:
		return "HANDSHAKE"
	case StateActive:
		return "ACTIVE"
	case StateClosing:
		return "CLOSING"
	}
	return "UNKNOWN"
}

var (
	ErrClosed       = errors.New("metaconn: connection is closed")
	ErrWrongState   = errors.New("metaconn: operation invalid in current state")
	ErrUnknownPeer  = errors.New("metaconn: peer identity unknown, cannot authenticate")
	ErrPongTimeout  = errors.New("metaconn: PONG not received within timeout")
)

// idlePingInterval and pongTimeout: idle PING every 60s; PONG within
// 30s or the connection is torn down.
const (
	idlePingInterval = 60 * time.Second
	pongTimeout      = 30 * time.Second
)

// rekeyGraceRTT bounds how long a rekeying session keeps the retired
// keys around to decrypt records the peer sent just before it learned
// about the new ones. There's no per-connection RTT estimate to draw
// on here, so this reuses the PONG timeout as a generous upper bound.
const rekeyGraceRTT = pongTimeout

// maxBackoff caps the reconnect backoff at ~15 minutes.
const maxBackoff = 15 * time.Minute

// NextBackoff doubles cur (starting from a 1s floor) up to maxBackoff,
// for the reconnect scheduler in internal/scheduler to drive.
func NextBackoff(cur time.Duration) time.Duration {
	if cur <= 0 {
		return time.Second
	}
	next := cur * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

// KeyLookup resolves a peer name to its known long-term public key, as
// held in the local node/edge store or confdir host file. A connection
// cannot authenticate a peer it cannot look up.
type KeyLookup func(name string) (ed25519.PublicKey, bool)

// PacketHandler receives PACKET-record payloads relayed to the local
// node over this meta-connection, e.g. because the direct UDP path to
// that peer is FAILED/IMPOSSIBLE.
type PacketHandler func(peerName string, payload []byte)

// Connection is one meta-connection to a single peer.
type Connection struct {
	conn net.Conn
	br   *bufio.Reader

	identity  *xcrypto.IdentityKeyPair
	selfName  string
	lookupKey KeyLookup
	initiator bool

	store   *graph.Store
	log     *meshlog.Logger
	Counters devtool.Counters

	writeMu sync.Mutex
	sess    *sptps.Session

	mu         sync.Mutex
	state      State
	peerName   string
	peerKey    ed25519.PublicKey
	submesh    string
	lastPong   time.Time
	closeOnce  sync.Once
	closeCh    chan struct{}
	closeErr   error
	directEdge bool
	selfID     int
	peerID     int

	OnPacket PacketHandler
}

// New prepares a meta-connection over an already-dialed or -accepted
// net.Conn. peerName may be empty for an accepted connection (it is
// learned from the peer's plaintext ID line during Run).
func New(conn net.Conn, identity *xcrypto.IdentityKeyPair, selfName, peerName string, initiator bool, lookupKey KeyLookup, store *graph.Store, log *meshlog.Logger) *Connection {
	return &Connection{
		conn:      conn,
		br:        bufio.NewReader(conn),
		identity:  identity,
		selfName:  selfName,
		peerName:  peerName,
		initiator: initiator,
		lookupKey: lookupKey,
		store:     store,
		log:       log,
		state:     StateConnecting,
		closeCh:   make(chan struct{}),
	}
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PeerName returns the remote node's name, valid once past HANDSHAKE.
func (c *Connection) PeerName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerName
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run drives the connection through HANDSHAKE and into ACTIVE, then
// services it until ctx is cancelled or an unrecoverable error occurs.
// It always ends in StateClosing with the connection closed.
func (c *Connection) Run(ctx context.Context) error {
	defer c.setState(StateClosing)
	defer c.conn.Close()

	if err := c.exchangePlaintextID(); err != nil {
		return fmt.Errorf("metaconn: ID exchange: %w", err)
	}

	peerKey, ok := c.lookupKey(c.peerName)
	if !ok {
		return fmt.Errorf("metaconn: %w: %q", ErrUnknownPeer, c.peerName)
	}
	c.peerKey = peerKey

	c.setState(StateHandshake)
	label := transcriptLabel(c.selfName, c.peerName)
	c.sess = sptps.NewSession(c.identity, peerKey, label, c.initiator, c.handleRecord)

	if err := c.runHandshake(); err != nil {
		return fmt.Errorf("metaconn: handshake: %w", err)
	}

	c.setState(StateActive)
	c.mu.Lock()
	c.lastPong = time.Now()
	c.mu.Unlock()

	c.recordDirectEdge()

	if err := c.announceSelf(); err != nil {
		return fmt.Errorf("metaconn: announce: %w", err)
	}

	return c.serviceLoop(ctx)
}

// recordDirectEdge adds the edge this connection itself represents
// (self -> peer, weight derived from the peer's device class) to the
// local store before the edge is gossiped onward by announceSelf,
// exactly as an ADD_EDGE line learned from the wire would be. Without
// this, a connection formed by dialing a node that was only just
// admitted (via Join or Import, with no edges of its own yet to
// gossip) would leave both endpoints permanently unreachable for
// routing purposes, since routing only ever sees edges that were
// either gossiped or recorded here.
func (c *Connection) recordDirectEdge() {
	self, ok := c.store.GetNode(c.selfName)
	if !ok {
		return
	}
	peer, ok := c.store.GetNode(c.peerName)
	if !ok {
		return
	}
	host, port := "", ""
	if addr := c.conn.RemoteAddr(); addr != nil {
		if h, p, err := net.SplitHostPort(addr.String()); err == nil {
			host, port = h, p
		}
	}
	if err := c.store.AddEdge(self.ID, peer.ID, host, port, 0); err != nil {
		return
	}
	c.mu.Lock()
	c.directEdge = true
	c.selfID = self.ID
	c.peerID = peer.ID
	c.mu.Unlock()
	c.store.Recompute(time.Now())
}

// exchangePlaintextID sends and receives the one plaintext line every
// meta-connection starts with: "ID <name> <protocolVersion>". This
// lets an accepting side learn which host record to authenticate
// against before SPTPS needs a peer public key; the HANDSHAKE state
// covers SPTPS completing as the step that follows.
func (c *Connection) exchangePlaintextID() error {
	ownLine := wire.NewID(c.selfName, ProtocolVersion).Render() + "\n"
	if _, err := c.conn.Write([]byte(ownLine)); err != nil {
		return err
	}
	raw, err := c.br.ReadString('\n')
	if err != nil {
		return err
	}
	line, err := wire.ParseLine(raw)
	if err != nil {
		return err
	}
	if line.Verb != wire.VerbID || len(line.Args) < 2 {
		return fmt.Errorf("metaconn: expected ID line, got %q", raw)
	}
	name, err := wire.ValidateName(line.Args[0])
	if err != nil {
		return fmt.Errorf("metaconn: invalid peer name: %w", err)
	}
	if c.peerName != "" && c.peerName != name {
		return fmt.Errorf("metaconn: peer identified as %q, expected %q", name, c.peerName)
	}
	c.peerName = name
	return nil
}

// transcriptLabel derives the SPTPS handshake label deterministically
// from both names so the initiator and the acceptor compute the exact
// same label regardless of which one dialed.
func transcriptLabel(a, b string) []byte {
	if a > b {
		a, b = b, a
	}
	return []byte(a + "|" + b)
}

func (c *Connection) runHandshake() error {
	out, err := c.sess.Start()
	if err != nil {
		return err
	}
	if err := c.writeRecord(out); err != nil {
		return err
	}
	for {
		raw, err := c.readRecord()
		if err != nil {
			return err
		}
		reply, done, err := c.sess.HandleHandshake(raw)
		if err != nil {
			return err
		}
		if reply != nil {
			if err := c.writeRecord(reply); err != nil {
				return err
			}
		}
		if done {
			return nil
		}
	}
}

// announceSelf sends ADD_EDGE for every edge the local node knows
// whose endpoints pass submeshVisible against c.submesh, then ACK.
// Nothing in this package assigns c.submesh, so it is empty and every
// known edge is sent.
func (c *Connection) announceSelf() error {
	names := make(map[int]string)
	for _, n := range c.store.AllNodes() {
		names[n.ID] = n.Name
	}
	for _, e := range c.store.AllEdges() {
		fromNode, okFrom := lookupByID(c.store, e.From)
		toNode, okTo := lookupByID(c.store, e.To)
		if !okFrom || !okTo {
			continue
		}
		if !submeshVisible(fromNode.Submesh, c.submesh) || !submeshVisible(toNode.Submesh, c.submesh) {
			continue
		}
		line := wire.NewAddEdge(fromNode.Name, toNode.Name, e.Host, e.Port, e.Options, e.Weight)
		if err := c.sendLine(line); err != nil {
			return err
		}
	}
	return c.sendLine(wire.Line{Verb: wire.VerbACK})
}

func lookupByID(store *graph.Store, id int) (*graph.Node, bool) {
	for _, n := range store.AllNodes() {
		if n.ID == id {
			return n, true
		}
	}
	return nil, false
}

// submeshVisible implements submesh gossip scoping: a node/edge tagged
// with a submesh is only gossiped to peers in the same submesh, or to
// peers with no submesh restriction of their own.
func submeshVisible(tag, peerSubmesh string) bool {
	if tag == "" || peerSubmesh == "" {
		return true
	}
	return tag == peerSubmesh
}

// serviceLoop reads records until ctx is done or an error occurs,
// dispatching META lines, PACKET payloads, and mid-session rekey
// handshake records, while a ticker enforces the idle PING/PONG
// keepalive and triggers SPTPS's periodic rekey.
func (c *Connection) serviceLoop(ctx context.Context) error {
	readErrCh := make(chan error, 1)
	go func() {
		for {
			raw, err := c.readRecord()
			if err != nil {
				readErrCh <- err
				return
			}
			t := wire.RecordType(raw[0])
			full := append([]byte{byte(t)}, raw[1:]...)
			if t.IsApplication() {
				if err := c.sess.HandleApplicationRecord(full); err != nil {
					readErrCh <- err
					return
				}
				continue
			}
			// A handshake-type record arriving after ACTIVE is the
			// other half of a rekey: runHandshake only ever drives the
			// initial exchange, so anything past that is ours to
			// answer here.
			reply, _, err := c.sess.HandleHandshake(full)
			if err != nil {
				readErrCh <- err
				return
			}
			if reply != nil {
				if err := c.writeRecord(reply); err != nil {
					readErrCh <- err
					return
				}
			}
		}
	}()

	ticker := time.NewTicker(idlePingInterval)
	defer ticker.Stop()
	var pongDeadline <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErrCh:
			return err
		case <-pongDeadline:
			c.mu.Lock()
			last := c.lastPong
			c.mu.Unlock()
			if time.Since(last) > pongTimeout {
				return ErrPongTimeout
			}
		case <-ticker.C:
			if err := c.sendLine(wire.Line{Verb: wire.VerbPING}); err != nil {
				return err
			}
			pongDeadline = time.After(pongTimeout)
			c.mu.Lock()
			last := c.lastPong
			c.mu.Unlock()
			if time.Since(last) > idlePingInterval+pongTimeout {
				return ErrPongTimeout
			}
			if c.sess.NeedsRekey() {
				if err := c.sendLine(wire.Line{Verb: wire.VerbRekey}); err != nil {
					return err
				}
				c.beginRekey()
			}
		}
	}
}

// beginRekey resets the session's handshake state for a fresh key
// exchange and sends our half of it, either because our own
// keepalive tick found NeedsRekey true or because the peer asked us
// to with a REKEY line. The rest of the exchange is driven reactively
// by serviceLoop's read goroutine as the peer's KEX/SIG/HandACK
// records arrive.
func (c *Connection) beginRekey() {
	out, err := c.sess.BeginRekey(rekeyGraceRTT)
	if err != nil {
		c.log.Printf(meshlog.LevelWarning, "metaconn: %s: rekey: %v", c.peerName, err)
		return
	}
	if err := c.writeRecord(out); err != nil {
		c.log.Printf(meshlog.LevelWarning, "metaconn: %s: rekey: %v", c.peerName, err)
	}
}

// ExpireOldKeys destroys this connection's session's retired pre-rekey
// keys once their grace period has elapsed. Satisfies
// internal/scheduler's RekeyExpirer hook.
func (c *Connection) ExpireOldKeys() {
	if c.sess != nil {
		c.sess.ExpireOldKeys()
	}
}

// handleRecord is the sptps.RecordHandler invoked for every decrypted
// application record once the session is Active.
func (c *Connection) handleRecord(t wire.RecordType, counter uint32, payload []byte) {
	c.Counters.AddReceived(len(payload))
	switch t {
	case wire.RecordTypeMeta:
		line, err := wire.ParseLine(string(payload))
		if err != nil {
			c.log.Printf(meshlog.LevelWarning, "metaconn: %s: %v", c.peerName, err)
			return
		}
		c.handleLine(line)
	case wire.RecordTypePacket:
		if c.OnPacket != nil {
			c.OnPacket(c.peerName, payload)
		}
	default:
		c.log.Printf(meshlog.LevelWarning, "metaconn: %s: unexpected record type %d", c.peerName, t)
	}
}

func (c *Connection) handleLine(line wire.Line) {
	switch line.Verb {
	case wire.VerbPING:
		_ = c.sendLine(wire.Line{Verb: wire.VerbPONG})
	case wire.VerbPONG:
		c.mu.Lock()
		c.lastPong = time.Now()
		c.mu.Unlock()
	case wire.VerbRekey:
		c.beginRekey()
	case wire.VerbACK:
		// gossip burst complete; nothing further to do.
	case wire.VerbAddEdge:
		c.handleAddEdge(line)
	case wire.VerbDelEdge:
		c.handleDelEdge(line)
	case wire.VerbReqKey:
		c.handleReqKey(line)
	case wire.VerbAnsKey:
		c.handleAnsKey(line)
	case wire.VerbTermReq:
		c.Close(fmt.Errorf("metaconn: peer requested termination"))
	case wire.VerbError:
		c.log.Printf(meshlog.LevelWarning, "metaconn: %s reported ERROR: %v", c.peerName, line.Args)
	}
}

func (c *Connection) handleAddEdge(line wire.Line) {
	if len(line.Args) < 6 {
		return
	}
	fromName, toName, host, port := line.Args[0], line.Args[1], line.Args[2], line.Args[3]
	options, err := strconv.ParseUint(line.Args[4], 10, 32)
	if err != nil {
		return
	}
	for _, name := range []string{fromName, toName} {
		if _, ok := c.store.GetNode(name); !ok {
			c.store.AddNode(&graph.Node{Name: name, DeviceClass: graph.DeviceUnknown})
			_ = c.sendLine(wire.Line{Verb: wire.VerbReqKey, Args: []string{name}})
		}
	}
	fromNode, _ := c.store.GetNode(fromName)
	toNode, _ := c.store.GetNode(toName)
	if err := c.store.AddEdge(fromNode.ID, toNode.ID, host, port, uint32(options)); err == nil {
		c.store.Recompute(time.Now())
	}
}

func (c *Connection) handleDelEdge(line wire.Line) {
	if len(line.Args) < 2 {
		return
	}
	fromNode, okFrom := c.store.GetNode(line.Args[0])
	toNode, okTo := c.store.GetNode(line.Args[1])
	if !okFrom || !okTo {
		return
	}
	c.store.DelEdge(fromNode.ID, toNode.ID)
	c.store.Recompute(time.Now())
}

func (c *Connection) handleReqKey(line wire.Line) {
	if len(line.Args) < 1 {
		return
	}
	node, ok := c.store.GetNode(line.Args[0])
	if !ok || node.PublicKey == nil {
		return
	}
	_ = c.sendLine(wire.Line{
		Verb: wire.VerbAnsKey,
		Args: []string{node.Name, base64.StdEncoding.EncodeToString(node.PublicKey)},
	})
}

func (c *Connection) handleAnsKey(line wire.Line) {
	if len(line.Args) < 2 {
		return
	}
	key, err := base64.StdEncoding.DecodeString(line.Args[1])
	if err != nil || len(key) != ed25519.PublicKeySize {
		return
	}
	if node, ok := c.store.GetNode(line.Args[0]); ok {
		node.PublicKey = key
		return
	}
	c.store.AddNode(&graph.Node{Name: line.Args[0], PublicKey: key, DeviceClass: graph.DeviceUnknown})
}

// sendLine encrypts and transmits one meta-protocol control line as a
// META application record.
func (c *Connection) sendLine(line wire.Line) error {
	raw, err := c.sess.PushBytes(wire.RecordTypeMeta, []byte(line.Render()))
	if err != nil {
		return err
	}
	return c.writeRecord(raw)
}

// SendPacket encapsulates payload as a PACKET application record, for
// use when the UDP path to this peer is FAILED/IMPOSSIBLE.
func (c *Connection) SendPacket(payload []byte) error {
	raw, err := c.sess.PushBytes(wire.RecordTypePacket, payload)
	if err != nil {
		return err
	}
	c.Counters.AddSent(len(payload))
	return c.writeRecord(raw)
}

// writeRecord frames raw (type byte followed by body) with the
// stream-mode length prefix and writes it to the connection.
func (c *Connection) writeRecord(raw []byte) error {
	if len(raw) < 1 {
		return fmt.Errorf("metaconn: empty record")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	header := wire.EncodeStreamRecordHeader(wire.RecordType(raw[0]), uint16(len(raw)-1))
	if _, err := c.conn.Write(header); err != nil {
		return err
	}
	_, err := c.conn.Write(raw[1:])
	return err
}

// readRecord reads one length-prefixed record and reconstructs the
// type+body form internal/sptps expects.
func (c *Connection) readRecord() ([]byte, error) {
	head := make([]byte, 3)
	if _, err := io.ReadFull(c.br, head); err != nil {
		return nil, err
	}
	t, length, err := wire.DecodeStreamRecordHeader(head)
	if err != nil {
		return nil, err
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(c.br, body); err != nil {
		return nil, err
	}
	raw := make([]byte, 0, 1+len(body))
	raw = append(raw, byte(t))
	raw = append(raw, body...)
	return raw, nil
}

// Close tears the connection down, recording reason as the error Err
// reports. Idempotent.
func (c *Connection) Close(reason error) error {
	c.closeOnce.Do(func() {
		c.closeErr = reason
		c.setState(StateClosing)
		close(c.closeCh)
		c.conn.Close()

		c.mu.Lock()
		hadDirectEdge := c.directEdge
		selfID, peerID := c.selfID, c.peerID
		c.mu.Unlock()
		if hadDirectEdge {
			c.store.DelEdge(selfID, peerID)
			c.store.Recompute(time.Now())
		}
	})
	return nil
}

// Err returns the reason the connection closed, if any.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// PreferIncumbent implements the duplicate-activation tie-break for
// the case where both sides dial each other simultaneously and end up
// with two meta-connections to the same peer: the connection whose
// locally-sourced side has the lexicographically smaller name is
// kept, so both ends agree on the same survivor without extra
// negotiation.
func PreferIncumbent(selfName, peerName string, incumbentWasInitiator bool) bool {
	selfIsLower := selfName < peerName
	return selfIsLower == incumbentWasInitiator
}
