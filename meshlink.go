/*
 * Mesh lifecycle: construction, start, shutdown, and the background scheduler wiring.
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
	"crypto/ed25519"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/meshlink/meshlink/internal/channel"
	"github.com/meshlink/meshlink/internal/confdir"
	"github.com/meshlink/meshlink/internal/graph"
	"github.com/meshlink/meshlink/internal/invite"
	"github.com/meshlink/meshlink/internal/meshlog"
	"github.com/meshlink/meshlink/internal/metaconn"
	"github.com/meshlink/meshlink/internal/natpmp"
	"github.com/meshlink/meshlink/internal/scheduler"
	"github.com/meshlink/meshlink/internal/udppath"
	"github.com/meshlink/meshlink/internal/wire"
	"github.com/meshlink/meshlink/internal/xcrypto"
)

// DefaultPort is the default TCP/UDP port for meta-connections and
// data, used when a Mesh is opened without an explicit port.
const DefaultPort = "655"

// Mesh is one opened mesh instance. The zero value is not usable;
// construct with Open, OpenEncrypted, or OpenEphemeral.
type Mesh struct {
	errState

	mu sync.RWMutex

	confDir     *confdir.Dir // nil for an ephemeral mesh
	identity    *xcrypto.IdentityKeyPair
	selfName    string
	deviceClass DeviceClass
	submesh     string
	port        string
	canonical   string // host:port, set by SetCanonicalAddress

	store *graph.Store
	log   *meshlog.Logger

	listener net.Listener
	udp      *udppath.Socket
	sched    *scheduler.Scheduler

	conns    map[string]*metaconn.Connection
	chanMgrs map[string]*channel.Manager

	issuer    *invite.Issuer
	natMapper *natpmp.Mapper

	defaultBlacklist bool
	storagePolicy    confdir.Policy
	storageCB        *StorageCallbacks

	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	beaconCancel context.CancelFunc

	logCB            LogFunc
	nodeStatusCB     NodeStatusFunc
	duplicateCB      DuplicateFunc
	channelAcceptCB  ChannelAcceptFunc
	channelReceiveCB ChannelReceiveFunc
	channelPollCB    ChannelPollFunc
	channelPMTUCB    ChannelPMTUFunc
}

func newMesh(name string, devClass DeviceClass, identity *xcrypto.IdentityKeyPair) (*Mesh, error) {
	name, err := wire.ValidateName(name)
	if err != nil {
		return nil, wrapErr(ErrInval, "open: %v", err)
	}
	m := &Mesh{
		selfName:    name,
		deviceClass: devClass,
		port:        DefaultPort,
		store:       graph.NewStore(name, identity.Public),
		log:         &meshlog.Logger{},
		identity:    identity,
		conns:       make(map[string]*metaconn.Connection),
		chanMgrs:    make(map[string]*channel.Manager),
	}
	return m, nil
}

// loadOrGenerateIdentity reads meshlink.conf if it exists, otherwise
// generates a fresh identity and persists it.
func loadOrGenerateIdentity(dir *confdir.Dir, name string, devClass DeviceClass, port string) (*xcrypto.IdentityKeyPair, error) {
	if cfg, err := dir.ReadSelfConfig(); err == nil {
		return &xcrypto.IdentityKeyPair{
			Public:  ed25519.PublicKey(cfg.PublicKey),
			Private: ed25519.PrivateKey(cfg.PrivateKey),
		}, nil
	}
	identity, err := xcrypto.GenerateIdentity()
	if err != nil {
		return nil, wrapErr(ErrCrypto, "generating identity: %v", err)
	}
	cfg := confdir.SelfConfig{
		Name:        name,
		PublicKey:   identity.Public,
		PrivateKey:  identity.Private,
		DeviceClass: int(devClass),
		Port:        port,
	}
	if err := dir.WriteSelfConfig(cfg); err != nil {
		return nil, wrapErr(ErrStorage, "persisting identity: %v", err)
	}
	return identity, nil
}

// Open opens (creating if necessary) an unencrypted configuration
// directory at confbase for a node named name.
func Open(confbase, name string, devClass DeviceClass) (*Mesh, error) {
	return openWith(confbase, name, devClass, nil)
}

// OpenEncrypted opens confbase with at-rest AEAD encryption under
// passphrase, generating a new configuration (and identity) the first
// time it is called for this directory.
func OpenEncrypted(confbase, name string, devClass DeviceClass, passphrase []byte) (*Mesh, error) {
	if len(passphrase) == 0 {
		return nil, wrapErr(ErrInval, "open_encrypted: empty passphrase")
	}
	return openWith(confbase, name, devClass, passphrase)
}

func openWith(confbase, name string, devClass DeviceClass, passphrase []byte) (*Mesh, error) {
	policy := confdir.Enabled
	dir, err := confdir.Open(confbase, policy, passphrase)
	if err != nil {
		return nil, wrapErr(ErrStorage, "open: %v", err)
	}
	identity, err := loadOrGenerateIdentity(dir, name, devClass, DefaultPort)
	if err != nil {
		dir.Close()
		return nil, err
	}
	m, err := newMesh(name, devClass, identity)
	if err != nil {
		dir.Close()
		return nil, err
	}
	m.confDir = dir
	m.storagePolicy = dir.Policy()
	return m, nil
}

// OpenEphemeral opens a mesh with no on-disk configuration directory:
// identity and host records live only in memory for this process's
// lifetime.
func OpenEphemeral(name string, devClass DeviceClass) (*Mesh, error) {
	identity, err := xcrypto.GenerateIdentity()
	if err != nil {
		return nil, wrapErr(ErrCrypto, "open_ephemeral: %v", err)
	}
	return newMesh(name, devClass, identity)
}

// Destroy permanently removes confbase's on-disk configuration. No
// Mesh may currently have it open.
func Destroy(confbase string) error {
	if err := os.RemoveAll(confbase); err != nil {
		return wrapErr(ErrStorage, "destroy: %v", err)
	}
	return nil
}

// Self returns the local node's own record.
func (m *Mesh) Self() *Node {
	return nodeFromGraph(m.store.Self())
}

// GetPort returns the currently configured TCP/UDP port.
func (m *Mesh) GetPort() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.port
}

// SetPort changes the port a not-yet-started mesh will listen on.
func (m *Mesh) SetPort(port string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return m.setErr(wrapErr(ErrBusy, "set_port: mesh is running"))
	}
	m.port = port
	return nil
}

// Start brings the mesh instance up: it opens the TCP meta-connection
// listener and UDP data socket, starts the autoconnect/PMTU/channel
// scheduler loop, and begins accepting inbound connections. All
// callbacks fire from goroutines spawned here until Stop.
func (m *Mesh) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return m.setErr(wrapErr(ErrBusy, "start: already running"))
	}

	ln, err := net.Listen("tcp", ":"+m.port)
	if err != nil {
		return m.setErr(wrapErr(ErrNetwork, "start: listening on port %s: %v", m.port, err))
	}
	udpSock, err := udppath.NewSocket(":"+m.port, m.log)
	if err != nil {
		ln.Close()
		return m.setErr(wrapErr(ErrNetwork, "start: opening UDP socket: %v", err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.listener = ln
	m.udp = udpSock
	m.ctx = ctx
	m.cancel = cancel
	m.running = true

	// An ephemeral mesh has no configuration directory to persist
	// pending invitations in, so it cannot issue them; Invite and
	// handleJoinRequest both check for a nil issuer and report that.
	if m.confDir != nil {
		host, _ := hostOf(ln.Addr().String())
		m.issuer = invite.NewIssuer(m.confDir, host, m.port)
	}

	m.subscribeReachability()
	m.sched = scheduler.New(m.store, m.confDir, m.udp, (*dialerAdapter)(m), m.channelTickers, m.activeSessions, m.log)

	m.wg.Add(3)
	go func() { defer m.wg.Done(); m.acceptLoop(ctx) }()
	go func() { defer m.wg.Done(); m.udp.Run(ctx) }()
	go func() { defer m.wg.Done(); m.sched.Run(ctx) }()

	return nil
}

// Stop cancels every in-flight reconnect timer and probe, closes the
// listener and every live connection, and joins the background
// goroutines. The Mesh may be Start-ed again afterward.
func (m *Mesh) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	cancel := m.cancel
	ln := m.listener
	udpSock := m.udp
	conns := make([]*metaconn.Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*metaconn.Connection)
	m.chanMgrs = make(map[string]*channel.Manager)
	if m.beaconCancel != nil {
		m.beaconCancel()
		m.beaconCancel = nil
	}
	m.mu.Unlock()

	cancel()
	ln.Close()
	udpSock.Close()
	for _, c := range conns {
		c.Close(fmt.Errorf("meshlink: stopping"))
	}
	m.wg.Wait()
	return nil
}

// Close stops the mesh if running and releases its configuration
// directory lock. The Mesh must not be used afterward.
func (m *Mesh) Close() error {
	if err := m.Stop(); err != nil {
		return err
	}
	if m.natMapper != nil {
		m.natMapper.Close()
	}
	if m.confDir != nil {
		return m.confDir.Close()
	}
	return nil
}

func hostOf(addr string) (string, string) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, ""
	}
	if host == "" || host == "::" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return host, port
}
