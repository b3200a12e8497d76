/*
 * MeshLink public API: Mesh lifecycle, node queries, channels.
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
	"context"
	"io"
	"strconv"
	"time"

	"github.com/meshlink/meshlink/internal/confdir"
	"github.com/meshlink/meshlink/internal/devtool"
	"github.com/meshlink/meshlink/internal/discovery"
	"github.com/meshlink/meshlink/internal/graph"
	"github.com/meshlink/meshlink/internal/invite"
	"github.com/meshlink/meshlink/internal/wire"
	"github.com/meshlink/meshlink/internal/xcrypto"
)

// --- callback setters ---------------------------------------------------

// SetLogCb installs the sink that receives every log line at or above
// level. Passing a nil callback silences this mesh's own logging
// without touching the process-wide default sink.
func (m *Mesh) SetLogCb(level LogLevel, cb LogFunc) {
	m.mu.Lock()
	m.logCB = cb
	m.mu.Unlock()
	if cb == nil {
		m.log.SetCallback(level, nil)
		return
	}
	m.log.SetCallback(level, func(lvl LogLevel, text string) { cb(lvl, text) })
}

// SetNodeStatusCb installs the callback fired whenever a node's
// reachability verdict flips.
func (m *Mesh) SetNodeStatusCb(cb NodeStatusFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodeStatusCB = cb
}

// SetNodeDuplicateCb installs the callback fired when a second
// meta-connection to an already-active peer is torn down in favor of
// the incumbent.
func (m *Mesh) SetNodeDuplicateCb(cb DuplicateFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.duplicateCB = cb
}

// SetChannelAcceptCb installs the callback that decides whether to
// accept an incoming channel open request. Without one set, every
// incoming channel is rejected.
func (m *Mesh) SetChannelAcceptCb(cb ChannelAcceptFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channelAcceptCB = cb
}

// SetChannelReceiveCb installs the mesh-wide default receive callback,
// applied to any channel that does not have its own OnReceive set.
func (m *Mesh) SetChannelReceiveCb(cb ChannelReceiveFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channelReceiveCB = cb
}

// SetChannelPollCb installs the mesh-wide default poll callback.
func (m *Mesh) SetChannelPollCb(cb ChannelPollFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channelPollCB = cb
}

// SetChannelPMTUCb installs the callback fired when a peer's path MTU
// settles on a fixed value.
func (m *Mesh) SetChannelPMTUCb(cb ChannelPMTUFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channelPMTUCB = cb
}

// --- node queries --------------------------------------------------------

// GetNode looks up a known node by name.
func (m *Mesh) GetNode(name string) (*Node, bool) {
	n, ok := m.store.GetNode(name)
	if !ok {
		return nil, false
	}
	return nodeFromGraph(n), true
}

// GetAllNodes returns every node known to this mesh instance, including
// self.
func (m *Mesh) GetAllNodes() []*Node {
	return nodesFromGraph(m.store.AllNodes())
}

// GetAllNodesByDevClass filters GetAllNodes by device class.
func (m *Mesh) GetAllNodesByDevClass(c DeviceClass) []*Node {
	return nodesFromGraph(m.store.AllNodesByDeviceClass(c))
}

// GetAllNodesBySubmesh filters GetAllNodes by submesh tag.
func (m *Mesh) GetAllNodesBySubmesh(submesh string) []*Node {
	return nodesFromGraph(m.store.AllNodesBySubmesh(submesh))
}

// GetAllNodesByBlacklisted filters GetAllNodes by blacklist status.
func (m *Mesh) GetAllNodesByBlacklisted(blacklisted bool) []*Node {
	return nodesFromGraph(m.store.AllNodesByBlacklisted(blacklisted))
}

// GetAllNodesByLastReachable returns nodes last reachable at or after
// since.
func (m *Mesh) GetAllNodesByLastReachable(since time.Time) []*Node {
	return nodesFromGraph(m.store.AllNodesByLastReachable(since))
}

// --- address management ---------------------------------------------------

// persistHost writes rec through the embedder's StorageCallbacks if one
// is installed, falling back to this mesh's own configuration
// directory, if any. A mesh with neither is memory-only (OpenEphemeral).
func (m *Mesh) persistHost(rec HostRecord) error {
	m.mu.RLock()
	cb := m.storageCB
	dir := m.confDir
	policy := m.storagePolicy
	m.mu.RUnlock()
	if cb != nil && cb.Store != nil {
		return cb.Store(rec.Name, rec)
	}
	if dir != nil && policy == confdir.Enabled {
		return dir.WriteHost(rec)
	}
	return nil
}

// SetCanonicalAddress sets the address other nodes should dial first
// when reaching this node, persisted alongside its host record.
func (m *Mesh) SetCanonicalAddress(host, port string) error {
	if port == "" {
		port = m.GetPort()
	}
	m.mu.Lock()
	m.canonical = host + ":" + port
	m.mu.Unlock()

	self := m.store.Self()
	self.Addresses = append([]string{m.canonical}, self.Addresses...)
	return m.persistHost(confdir.HostRecord{
		Name:        self.Name,
		PublicKey:   self.PublicKey,
		Addresses:   self.Addresses,
		DeviceClass: int(self.DeviceClass),
		Submesh:     self.Submesh,
	})
}

// ClearCanonicalAddress removes the previously configured canonical
// address.
func (m *Mesh) ClearCanonicalAddress() error {
	m.mu.Lock()
	prev := m.canonical
	m.canonical = ""
	m.mu.Unlock()
	if prev == "" {
		return nil
	}
	self := m.store.Self()
	filtered := self.Addresses[:0:0]
	for _, a := range self.Addresses {
		if a != prev {
			filtered = append(filtered, a)
		}
	}
	self.Addresses = filtered
	return m.persistHost(confdir.HostRecord{
		Name:        self.Name,
		PublicKey:   self.PublicKey,
		Addresses:   self.Addresses,
		DeviceClass: int(self.DeviceClass),
		Submesh:     self.Submesh,
	})
}

// AddAddress records an additional dial-able address for this node,
// without displacing its canonical address.
func (m *Mesh) AddAddress(host, port string) error {
	self := m.store.Self()
	self.Addresses = append(self.Addresses, host+":"+port)
	return m.persistHost(confdir.HostRecord{
		Name:        self.Name,
		PublicKey:   self.PublicKey,
		Addresses:   self.Addresses,
		DeviceClass: int(self.DeviceClass),
		Submesh:     self.Submesh,
	})
}

// AddInvitationAddress changes the host advertised in future invitation
// URLs (alongside the port this mesh listens on).
func (m *Mesh) AddInvitationAddress(host, port string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.issuer == nil {
		return m.setErr(wrapErr(ErrBusy, "add_invitation_address: mesh is not running"))
	}
	if port == "" {
		port = m.port
	}
	m.issuer = invite.NewIssuer(m.confDir, host, port)
	return nil
}

// --- blacklist / whitelist -------------------------------------------------

// Blacklist marks node as blacklisted, disconnecting any live
// meta-connection to it.
func (m *Mesh) Blacklist(node *Node) error {
	if node == nil {
		return m.setErr(wrapErr(ErrInval, "blacklist: nil node"))
	}
	return m.BlacklistByName(node.Name)
}

// BlacklistByName marks the named node as blacklisted and disconnects
// it.
func (m *Mesh) BlacklistByName(name string) error {
	n, ok := m.store.GetNode(name)
	if !ok {
		return m.setErr(wrapErr(ErrNoEnt, "blacklist: unknown node %q", name))
	}
	n.Blacklisted = true
	m.persistHost(hostRecordFromNode(n))
	m.disconnect(name)
	return nil
}

// Whitelist clears node's blacklisted flag, allowing future
// meta-connections to it again.
func (m *Mesh) Whitelist(node *Node) error {
	if node == nil {
		return m.setErr(wrapErr(ErrInval, "whitelist: nil node"))
	}
	return m.WhitelistByName(node.Name)
}

// WhitelistByName clears the named node's blacklisted flag.
func (m *Mesh) WhitelistByName(name string) error {
	n, ok := m.store.GetNode(name)
	if !ok {
		return m.setErr(wrapErr(ErrNoEnt, "whitelist: unknown node %q", name))
	}
	n.Blacklisted = false
	m.persistHost(hostRecordFromNode(n))
	return nil
}

// SetDefaultBlacklist sets whether newly learned nodes start out
// blacklisted (an allowlist-style mesh policy).
func (m *Mesh) SetDefaultBlacklist(blacklist bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultBlacklist = blacklist
}

// GetNodeBlacklisted reports whether node is currently blacklisted.
func (m *Mesh) GetNodeBlacklisted(node *Node) bool {
	if node == nil {
		return false
	}
	n, ok := m.store.GetNode(node.Name)
	return ok && n.Blacklisted
}

// ForgetNode permanently removes a node's record. It fails with
// ErrBusy if the node is currently reachable, since forgetting a live
// peer would immediately relearn it via gossip.
func (m *Mesh) ForgetNode(name string) error {
	n, ok := m.store.GetNode(name)
	if !ok {
		return m.setErr(wrapErr(ErrNoEnt, "forget_node: unknown node %q", name))
	}
	if n.Reachable {
		return m.setErr(wrapErr(ErrBusy, "forget_node: %q is currently reachable", name))
	}
	if err := m.store.ForgetNode(name); err != nil {
		return m.setErr(wrapErr(ErrInval, "forget_node: %v", err))
	}
	m.mu.RLock()
	cb, dir := m.storageCB, m.confDir
	m.mu.RUnlock()
	if cb != nil && cb.Erase != nil {
		cb.Erase(name)
	} else if dir != nil {
		dir.RemoveHost(name)
	}
	return nil
}

func hostRecordFromNode(n *graph.Node) HostRecord {
	return HostRecord{
		Name:            n.Name,
		PublicKey:       n.PublicKey,
		Addresses:       n.Addresses,
		RecentAddresses: n.RecentAddresses,
		DeviceClass:     int(n.DeviceClass),
		Submesh:         n.Submesh,
		Blacklisted:     n.Blacklisted,
	}
}

// --- signing ---------------------------------------------------------------

// Sign produces this node's Ed25519 signature over msg.
func (m *Mesh) Sign(msg []byte) []byte {
	return xcrypto.Sign(m.identity.Private, msg)
}

// Verify checks node's Ed25519 signature over msg.
func (m *Mesh) Verify(node *Node, msg, sig []byte) bool {
	if node == nil || len(node.PublicKey) == 0 {
		return false
	}
	return xcrypto.Verify(node.PublicKey, msg, sig)
}

// --- direct send -----------------------------------------------------------

// Send transmits data to name over its live meta-connection, outside
// of any channel. Requires an ACTIVE connection to name.
func (m *Mesh) Send(name string, data []byte) error {
	m.mu.RLock()
	c, ok := m.conns[name]
	m.mu.RUnlock()
	if !ok {
		return m.setErr(wrapErr(ErrPeerUnreachable, "send: no connection to %q", name))
	}
	if err := c.SendPacket(data); err != nil {
		return m.setErr(wrapErr(ErrNetwork, "send: %v", err))
	}
	return nil
}

// --- channels ----------------------------------------------------------

// ChannelOpen opens a reliable-mode channel to name's remote port,
// optionally carrying an initial payload.
func (m *Mesh) ChannelOpen(name string, port uint32, initial []byte) (*Channel, error) {
	return m.ChannelOpenEx(name, port, initial, ChannelReliable)
}

// ChannelOpenEx opens a channel to name's remote port under mode.
func (m *Mesh) ChannelOpenEx(name string, port uint32, initial []byte, mode ChannelMode) (*Channel, error) {
	m.mu.Lock()
	c, ok := m.conns[name]
	if !ok {
		m.mu.Unlock()
		return nil, m.setErr(wrapErr(ErrPeerUnreachable, "channel_open: no connection to %q", name))
	}
	mgr := m.chanManagerLocked(name, c)
	m.mu.Unlock()

	ch, err := mgr.Open(port, initial, mode)
	if err != nil {
		return nil, m.setErr(wrapErr(ErrNetwork, "channel_open: %v", err))
	}
	m.wireChannelCallbacks(ch)
	return ch, nil
}

// ChannelClose sends FIN and releases ch once the peer's FIN arrives.
func (m *Mesh) ChannelClose(ch *Channel) error {
	return ch.Close()
}

// ChannelShutdown half-closes ch's write side (SHUT_WR) without
// releasing the handle.
func (m *Mesh) ChannelShutdown(ch *Channel) error {
	return ch.Shutdown()
}

// ChannelSend writes data on ch. See Channel.Send for the ModeNoPartial
// return contract.
func (m *Mesh) ChannelSend(ch *Channel, data []byte) (int, error) {
	return ch.Send(data)
}

// ChannelAIOSend enqueues buf for asynchronous, in-order transmission.
func (m *Mesh) ChannelAIOSend(ch *Channel, buf []byte, complete func(sent int, err error)) {
	ch.AIOSend(buf, complete)
}

// ChannelAIOReceive enqueues buf to be filled from incoming data.
func (m *Mesh) ChannelAIOReceive(ch *Channel, buf []byte, complete func(received int, err error)) {
	ch.AIOReceive(buf, complete)
}

// ChannelAIOFDSend streams src to ch until EOF, in 64 kB chunks, calling
// complete once with the total bytes transferred or the first error.
// This is the Go-idiomatic replacement for a raw file-descriptor
// handoff: an io.Reader is already a portable source abstraction, so
// there is nothing left for a dedicated fd variant to add.
func (m *Mesh) ChannelAIOFDSend(ch *Channel, src io.Reader, complete func(sent int, err error)) {
	go func() {
		buf := make([]byte, 64*1024)
		total := 0
		for {
			n, rerr := src.Read(buf)
			if n > 0 {
				sent, serr := ch.Send(buf[:n])
				if sent > 0 {
					total += sent
				}
				if serr != nil {
					complete(total, serr)
					return
				}
			}
			if rerr != nil {
				if rerr == io.EOF {
					complete(total, nil)
				} else {
					complete(total, rerr)
				}
				return
			}
		}
	}()
}

// ChannelAIOFDReceive drains ch into dst until the channel closes,
// calling complete once with the total bytes transferred or the first
// error. The Go-idiomatic counterpart to ChannelAIOFDSend.
func (m *Mesh) ChannelAIOFDReceive(ch *Channel, dst io.Writer, complete func(received int, err error)) {
	total := 0
	ch.OnReceive = func(c *Channel, data []byte, err error) {
		if len(data) > 0 {
			n, werr := dst.Write(data)
			total += n
			if werr != nil {
				complete(total, werr)
				return
			}
		}
		if err != nil || len(data) == 0 {
			complete(total, err)
		}
	}
}

// ChannelGetSendQ reports bytes currently buffered for transmission on
// ch, for both reliable and datagram modes.
func (m *Mesh) ChannelGetSendQ(ch *Channel) int {
	return ch.GetSendQ()
}

// SetChannelSndbuf resizes ch's send buffer.
func (m *Mesh) SetChannelSndbuf(ch *Channel, size int) {
	ch.SetBuffers(size, 0)
}

// SetChannelRcvbuf resizes ch's receive buffer.
func (m *Mesh) SetChannelRcvbuf(ch *Channel, size int) {
	ch.SetBuffers(0, size)
}

// ChannelGetFlags returns ch's mode bitmask.
func (m *Mesh) ChannelGetFlags(ch *Channel) ChannelMode {
	return ch.Flags()
}

// ChannelAbort force-closes ch immediately, without waiting for FIN.
// Pending AIO completion callbacks fire immediately with the count of
// bytes actually transferred.
func (m *Mesh) ChannelAbort(ch *Channel) {
	ch.Abort()
}

// --- PMTU ----------------------------------------------------------------

// GetPMTU returns the current fixed path MTU to name, or 0 if no UDP
// session has settled on one yet.
func (m *Mesh) GetPMTU(name string) int {
	m.mu.RLock()
	udp := m.udp
	m.mu.RUnlock()
	if udp == nil {
		return 0
	}
	return udp.Path(name).MTU()
}

// --- discovery -------------------------------------------------------------

// EnableDiscovery starts broadcasting this node's name/port on
// broadcastAddr and learning peer announcements heard on it, until
// Stop. Calling it again replaces any previously running beacon.
func (m *Mesh) EnableDiscovery(broadcastAddr string, interval time.Duration) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return m.setErr(wrapErr(ErrBusy, "enable_discovery: mesh is not running"))
	}
	if m.beaconCancel != nil {
		m.beaconCancel()
	}
	portNum, _ := strconv.Atoi(m.port)
	ctx, cancel := context.WithCancel(m.ctx)
	m.beaconCancel = cancel
	m.mu.Unlock()

	beaconer := discovery.NewBeaconer(m.selfName, portNum, broadcastAddr, m.log)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		beaconer.Run(ctx, interval, m.learnBeacon)
	}()
	return nil
}

func (m *Mesh) learnBeacon(name, host string, port int) {
	if _, ok := m.store.GetNode(name); ok {
		return
	}
	addr := host + ":" + strconv.Itoa(port)
	m.store.AddNode(&graph.Node{Name: name, DeviceClass: DeviceUnknown, RecentAddresses: []string{addr}})
}

// --- storage policy/callbacks ----------------------------------------------

// SetStoragePolicy changes how much is persisted to this mesh's
// configuration directory for future writes: Disabled writes nothing
// further, KeysOnly keeps the already-written self identity but skips
// host records, Enabled persists everything (the default once a
// configuration directory is open). It has no effect on an ephemeral
// mesh, or once SetStorageCallbacks has overridden persistence.
func (m *Mesh) SetStoragePolicy(policy confdir.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.confDir == nil {
		return m.setErr(wrapErr(ErrInval, "set_storage_policy: mesh has no configuration directory"))
	}
	m.storagePolicy = policy
	return nil
}

// SetStorageCallbacks overrides host record persistence with cb,
// bypassing this mesh's on-disk configuration directory. Pass nil to
// revert to the configuration directory.
func (m *Mesh) SetStorageCallbacks(cb *StorageCallbacks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storageCB = cb
}

// --- key rotation / timers ---------------------------------------------

// EncryptedKeyRotate re-encrypts this mesh's configuration directory
// under newPassphrase. The rotation is atomic: a crash mid-rotation
// leaves either the old or the new passphrase valid, never neither.
func (m *Mesh) EncryptedKeyRotate(newPassphrase []byte) error {
	m.mu.RLock()
	dir := m.confDir
	m.mu.RUnlock()
	if dir == nil {
		return m.setErr(wrapErr(ErrInval, "encrypted_key_rotate: mesh has no configuration directory"))
	}
	if err := dir.RotateKey(newPassphrase); err != nil {
		return m.setErr(wrapErr(ErrStorage, "encrypted_key_rotate: %v", err))
	}
	return nil
}

// ResetTimers cancels and reschedules every pending autoconnect/reprobe
// timer, for tests that want to force an immediate retry.
func (m *Mesh) ResetTimers() error {
	m.mu.RLock()
	sched := m.sched
	m.mu.RUnlock()
	if sched == nil {
		return m.setErr(wrapErr(ErrBusy, "reset_timers: mesh is not running"))
	}
	sched.ResetTimers()
	return nil
}

// --- submesh ---------------------------------------------------------------

// SubmeshOpen tags this node with submesh name, scoping which nodes and
// edges it gossips to and learns from: only peers sharing a submesh (or
// with none) see each other.
func (m *Mesh) SubmeshOpen(name string) error {
	if _, err := wire.ValidateName(name); err != nil {
		return m.setErr(wrapErr(ErrInval, "submesh_open: %v", err))
	}
	m.mu.Lock()
	m.submesh = name
	m.mu.Unlock()
	m.store.Self().Submesh = name
	return nil
}

// GetNodeSubmesh returns node's submesh tag, or "" if unrestricted.
func (m *Mesh) GetNodeSubmesh(node *Node) string {
	if node == nil {
		return ""
	}
	return node.Submesh
}

// --- export / import --------------------------------------------------------

// Export renders this node's own public record (name, device class,
// public key, addresses) as a portable text blob, to be handed to a
// peer out of band ahead of a direct (non-invited) connection.
func (m *Mesh) Export() (string, error) {
	self := m.store.Self()
	if len(self.Addresses) == 0 {
		return "", m.setErr(wrapErr(ErrInval, "export: no address configured, call set_canonical_address/add_address first"))
	}
	return wire.EncodeExport(wire.ExportRecord{
		Name:        self.Name,
		DeviceClass: int(self.DeviceClass),
		PublicKey:   self.PublicKey,
		Addresses:   self.Addresses,
	}), nil
}

// Import learns a peer's record from a blob produced by its Export,
// so a later Send/ChannelOpen to that name can succeed without a prior
// gossiped edge.
func (m *Mesh) Import(blob string) error {
	rec, err := wire.DecodeExport(blob)
	if err != nil {
		return m.setErr(wrapErr(ErrInval, "import: %v", err))
	}
	if n, ok := m.store.GetNode(rec.Name); ok {
		n.PublicKey = rec.PublicKey
		n.Addresses = rec.Addresses
		n.DeviceClass = DeviceClass(rec.DeviceClass)
		return nil
	}
	m.store.AddNode(&graph.Node{
		Name:        rec.Name,
		PublicKey:   rec.PublicKey,
		Addresses:   rec.Addresses,
		DeviceClass: DeviceClass(rec.DeviceClass),
	})
	return nil
}

// --- devtool introspection --------------------------------------------

// GetNodeStatus returns a connectivity/path-quality snapshot for name.
func (m *Mesh) GetNodeStatus(name string) (*NodeStatus, error) {
	mtu := 0
	udpState := "UNKNOWN"
	m.mu.RLock()
	udp := m.udp
	m.mu.RUnlock()
	if udp != nil {
		p := udp.Path(name)
		mtu = p.MTU()
		udpState = p.State().String()
	}
	status, err := devtool.GetNodeStatus(m.store, name, mtu, udpState)
	if err != nil {
		return nil, m.setErr(wrapErr(ErrNoEnt, "get_node_status: %v", err))
	}
	return status, nil
}

// GetAllEdges returns every edge currently known, resolved to node
// names.
func (m *Mesh) GetAllEdges() []EdgeView {
	return devtool.GetAllEdges(m.store)
}

// ExportJSONEdges renders GetAllEdges as a JSON document.
func (m *Mesh) ExportJSONEdges() ([]byte, error) {
	blob, err := devtool.ExportJSONEdges(m.store)
	if err != nil {
		return nil, m.setErr(wrapErr(ErrInval, "export_json_edges: %v", err))
	}
	return blob, nil
}

// ResetNodeCounters zeroes the packet/byte counters tracked for name's
// meta-connection.
func (m *Mesh) ResetNodeCounters(name string) error {
	m.mu.RLock()
	c, ok := m.conns[name]
	m.mu.RUnlock()
	if !ok {
		return m.setErr(wrapErr(ErrPeerUnreachable, "reset_node_counters: no connection to %q", name))
	}
	c.Counters.Reset()
	return nil
}

