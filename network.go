/*
 * Meta-connection dialing, acceptance, and channel wiring for a Mesh.
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

package meshlink

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"fmt"
	"net"
	"time"

	"github.com/meshlink/meshlink/internal/channel"
	"github.com/meshlink/meshlink/internal/event"
	"github.com/meshlink/meshlink/internal/graph"
	"github.com/meshlink/meshlink/internal/meshlog"
	"github.com/meshlink/meshlink/internal/metaconn"
	"github.com/meshlink/meshlink/internal/scheduler"
)

// dialerAdapter satisfies internal/scheduler.Dialer by closing over a
// *Mesh, kept as a distinct named type so Mesh's own method set isn't
// cluttered with the scheduler's internal vocabulary (Connected/Dial/
// Disconnect read oddly as public Mesh methods).
type dialerAdapter Mesh

func (d *dialerAdapter) mesh() *Mesh { return (*Mesh)(d) }

// Connected reports which peers currently hold an ACTIVE meta-connection.
func (d *dialerAdapter) Connected() map[string]bool {
	m := d.mesh()
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.conns))
	for name, c := range m.conns {
		out[name] = c.State() == metaconn.StateActive
	}
	return out
}

// Dial attempts to establish a meta-connection to name at addr,
// blocking until it reaches ACTIVE, is rejected, or ctx is done.
func (d *dialerAdapter) Dial(ctx context.Context, name, addr string) error {
	m := d.mesh()
	conn, err := net.DialTimeout("tcp", addr, dialNetTimeout)
	if err != nil {
		return fmt.Errorf("meshlink: dialing %s at %s: %w", name, addr, err)
	}
	mc := metaconn.New(conn, m.identity, m.selfName, name, true, m.lookupKey, m.store, m.log)
	return m.runUntilActive(ctx, mc, name)
}

// Disconnect tears down any meta-connection currently held to name.
func (d *dialerAdapter) Disconnect(name string) {
	d.mesh().disconnect(name)
}

const dialNetTimeout = 10 * time.Second

// runUntilActive drives mc.Run on its own goroutine and blocks the
// caller until the handshake completes (ACTIVE), the attempt fails, or
// ctx is cancelled, registering the connection on success.
func (m *Mesh) runUntilActive(ctx context.Context, mc *metaconn.Connection, expectedName string) error {
	errCh := make(chan error, 1)
	go func() { errCh <- mc.Run(m.ctx) }()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case err := <-errCh:
			return fmt.Errorf("meshlink: meta-connection closed during handshake: %w", err)
		case <-ctx.Done():
			mc.Close(ctx.Err())
			return ctx.Err()
		case <-ticker.C:
			if mc.State() == metaconn.StateActive {
				name := mc.PeerName()
				if name == "" {
					name = expectedName
				}
				m.registerConn(name, mc, errCh)
				return nil
			}
		}
	}
}

// lookupKey resolves a peer name to its known long-term public key
// from the node store, satisfying internal/metaconn.KeyLookup.
func (m *Mesh) lookupKey(name string) (ed25519.PublicKey, bool) {
	n, ok := m.store.GetNode(name)
	if !ok || len(n.PublicKey) != ed25519.PublicKeySize {
		return nil, false
	}
	return ed25519.PublicKey(n.PublicKey), true
}

// registerConn records an ACTIVE meta-connection, applies the
// duplicate-activation tie-break if one to the same peer already
// exists, wires its channel manager and PACKET dispatch, and spawns a
// watcher that cleans up once the connection closes.
func (m *Mesh) registerConn(name string, mc *metaconn.Connection, doneCh <-chan error) {
	m.mu.Lock()
	if existing, ok := m.conns[name]; ok && existing.State() == metaconn.StateActive {
		keepNew := !metaconn.PreferIncumbent(m.selfName, name, false)
		m.mu.Unlock()
		if keepNew {
			existing.Close(fmt.Errorf("meshlink: superseded by new connection"))
		} else {
			mc.Close(fmt.Errorf("meshlink: duplicate connection, keeping incumbent"))
			if cb := m.duplicateCB; cb != nil {
				if n, ok := m.store.GetNode(name); ok {
					cb(nodeFromGraph(n))
				}
			}
			return
		}
		m.mu.Lock()
	}
	m.conns[name] = mc
	mgr := m.chanManagerLocked(name, mc)
	m.mu.Unlock()

	mc.OnPacket = func(peer string, payload []byte) {
		mgr.HandleIncoming(payload)
	}
	mgr.NotePeerReachable()

	go func() {
		<-doneCh
		m.mu.Lock()
		if m.conns[name] == mc {
			delete(m.conns, name)
		}
		m.mu.Unlock()
		mgr.NotePeerUnreachable(time.Now())
	}()
}

// disconnect tears down any live meta-connection to name.
func (m *Mesh) disconnect(name string) {
	m.mu.Lock()
	c, ok := m.conns[name]
	if ok {
		delete(m.conns, name)
	}
	mgr := m.chanMgrs[name]
	m.mu.Unlock()
	if ok {
		c.Close(fmt.Errorf("meshlink: disconnected"))
	}
	if mgr != nil {
		mgr.NotePeerUnreachable(time.Now())
	}
}

// chanManagerLocked returns (creating if necessary) the channel
// manager multiplexing channels to peer over mc. Caller must hold m.mu.
func (m *Mesh) chanManagerLocked(peer string, mc *metaconn.Connection) *channel.Manager {
	if mgr, ok := m.chanMgrs[peer]; ok {
		return mgr
	}
	mgr := channel.NewManager(peer, mc, m.acceptChannel)
	m.chanMgrs[peer] = mgr
	return mgr
}

// channelTickers returns every live channel manager, satisfying
// internal/scheduler's tickers hook.
func (m *Mesh) channelTickers() []scheduler.ChannelTicker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]scheduler.ChannelTicker, 0, len(m.chanMgrs))
	for _, mgr := range m.chanMgrs {
		out = append(out, mgr)
	}
	return out
}

// activeSessions returns every live meta-connection, satisfying
// internal/scheduler's key-expiry hook.
func (m *Mesh) activeSessions() []scheduler.RekeyExpirer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]scheduler.RekeyExpirer, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}

// acceptChannel is internal/channel.AcceptFunc: it consults the
// registered ChannelAcceptFunc (default-reject if none is set) and, on
// acceptance, wires the channel's receive/poll callbacks to the
// mesh-wide defaults.
func (m *Mesh) acceptChannel(ch *channel.Channel, port uint32, data []byte) bool {
	m.mu.RLock()
	acceptCB := m.channelAcceptCB
	m.mu.RUnlock()
	if acceptCB == nil {
		return false
	}
	if !acceptCB(ch, port, data) {
		return false
	}
	m.wireChannelCallbacks(ch)
	return true
}

// wireChannelCallbacks installs the mesh-wide receive/poll callbacks on
// ch, run for every channel this mesh either opened or accepted.
func (m *Mesh) wireChannelCallbacks(ch *channel.Channel) {
	m.mu.RLock()
	recvCB, pollCB := m.channelReceiveCB, m.channelPollCB
	m.mu.RUnlock()
	if recvCB != nil && ch.OnReceive == nil {
		ch.OnReceive = recvCB
	}
	if pollCB != nil {
		ch.OnPoll = pollCB
	}
}

// acceptLoop accepts inbound TCP connections until ctx is cancelled,
// peeking the first line to branch between the ordinary meta-connection
// handshake and the invitation join protocol, which runs over a
// plaintext connection that has no peer key to authenticate an SPTPS
// handshake against yet.
func (m *Mesh) acceptLoop(ctx context.Context) {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				m.log.Printf(meshlog.LevelWarning, "meshlink: accept: %v", err)
				continue
			}
		}
		go m.handleAccepted(ctx, conn)
	}
}

func (m *Mesh) handleAccepted(ctx context.Context, conn net.Conn) {
	br := bufio.NewReader(conn)
	peek, err := br.Peek(7)
	if err != nil {
		conn.Close()
		return
	}
	pc := &peekedConn{Conn: conn, br: br}
	if string(peek[:6]) == "INVITE" {
		m.handleJoinRequest(pc)
		return
	}

	mc := metaconn.New(pc, m.identity, m.selfName, "", false, m.lookupKey, m.store, m.log)
	_ = m.runUntilActive(ctx, mc, "")
}

// peekedConn lets a bufio.Reader that has already buffered (but not
// consumed) bytes off a net.Conn stand in for that conn, so a peeked
// prefix used to branch on protocol is not lost to the handler that
// takes over afterward.
type peekedConn struct {
	net.Conn
	br *bufio.Reader
}

func (p *peekedConn) Read(b []byte) (int, error) { return p.br.Read(b) }

// subscribeReachability installs the bus handler translating
// internal/graph.ReachabilityChange signals into the registered
// NodeStatusFunc.
func (m *Mesh) subscribeReachability() {
	m.store.Bus.SetHandler(func(sig event.Signal) {
		change, ok := sig.(graph.ReachabilityChange)
		if !ok {
			return
		}
		m.mu.RLock()
		cb := m.nodeStatusCB
		m.mu.RUnlock()
		if cb != nil {
			cb(nodeFromGraph(change.Node), change.Reachable)
		}
	})
}
