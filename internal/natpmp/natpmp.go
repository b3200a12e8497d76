/*
 * Package natpmp discovers a canonical (host, port) address for the
 * local mesh instance to advertise, for use by add_address and
 * set_canonical_address. It tries, in order, a directly routable
 * local interface address and UPnP port forwarding through the LAN
 * gateway.
 *
 * Adapted from a PortMapper type whose routable-address detection via
 * private CIDR blocks and UPnP WAN-IP client usage are kept nearly
 * verbatim, but reworked to hand back MeshLink canonical addresses
 * (host:port strings) instead of generic mapping identifiers. STUN is
 * dropped as a mode since nothing in the available stack wires a STUN
 * client (see DESIGN.md).
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

package natpmp

import (
	"fmt"
	"net"

	upnp "github.com/huin/goupnp/dcps/internetgateway2"
)

// Mode is how the local address was obtained.
type Mode int

const (
	ModeNone Mode = iota
	ModeDirect
	ModeUPnP
)

var (
	ErrNotInitialized = fmt.Errorf("natpmp: mapper not initialized")
	ErrNoRoute        = fmt.Errorf("natpmp: no routable address or UPnP gateway found")
	ErrUnknownMapping = fmt.Errorf("natpmp: unknown mapping id")
)

// mapping records one Assign call so Unassign/Close can tear it down.
type mapping struct {
	network string
	port    int
}

// Mapper discovers and maintains the local mesh instance's canonical
// external address.
type Mapper struct {
	mode Mode
	name string

	extIP net.IP
	lclIP net.IP
	gw    net.IP

	upnpClient *upnp.WANIPConnection2

	lastID  int
	assigns map[string]*mapping
}

var privateBlocks []*net.IPNet

func init() {
	for _, cidr := range []string{
		"127.0.0.0/8",
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"169.254.0.0/16",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	} {
		if _, block, err := net.ParseCIDR(cidr); err == nil {
			privateBlocks = append(privateBlocks, block)
		}
	}
}

func isRoutable(ip net.IP) bool {
	for _, block := range privateBlocks {
		if block.Contains(ip) {
			return false
		}
	}
	return true
}

// NewMapper probes local interfaces and, failing that, a UPnP gateway,
// to find an externally reachable address for name (the mesh's node
// name, used only to label UPnP mappings).
func NewMapper(name string) (*Mapper, error) {
	m := &Mapper{name: name, assigns: make(map[string]*mapping)}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("natpmp: listing interface addresses: %w", err)
	}
	for _, addr := range addrs {
		ipn, ok := addr.(*net.IPNet)
		if !ok || !isRoutable(ipn.IP) {
			continue
		}
		m.mode = ModeDirect
		m.extIP = ipn.IP
		return m, nil
	}

	clients, _, err := upnp.NewWANIPConnection2Clients()
	if err != nil {
		return nil, fmt.Errorf("natpmp: discovering UPnP gateways: %w", err)
	}
	for _, c := range clients {
		host, _, _ := net.SplitHostPort(c.ServiceClient.Location.Host)
		gw := net.ParseIP(host)
		ip, err := c.GetExternalIPAddress()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipn, ok := addr.(*net.IPNet)
			if !ok || !ipn.Contains(gw) {
				continue
			}
			m.mode = ModeUPnP
			m.upnpClient = c
			m.gw = gw
			m.lclIP = ipn.IP
			m.extIP = net.ParseIP(ip)
			return m, nil
		}
	}
	return nil, ErrNoRoute
}

// Mode reports how this Mapper obtained its external address.
func (m *Mapper) Mode() Mode { return m.mode }

func joinHostPort(ip net.IP, port int) string {
	if ip.To4() == nil {
		return fmt.Sprintf("[%s]:%d", ip.String(), port)
	}
	return fmt.Sprintf("%s:%d", ip.String(), port)
}

// Assign publishes port as the mesh's canonical listen port, forwarding
// it through UPnP when that is this Mapper's mode. It returns a mapping
// id (empty under ModeDirect, where there is nothing to tear down) and
// the canonical external address string to hand to
// `set_canonical_address`/`add_address`.
func (m *Mapper) Assign(network string, port int) (id string, canonicalAddr string, err error) {
	switch m.mode {
	case ModeNone:
		return "", "", ErrNotInitialized
	case ModeDirect:
		return "", joinHostPort(m.extIP, port), nil
	}

	m.lastID++
	id = fmt.Sprintf("%s:%d", m.name, m.lastID)
	if err := m.upnpClient.AddPortMapping("", uint16(port), network, uint16(port), m.lclIP.String(), true, id, 0); err != nil {
		return "", "", fmt.Errorf("natpmp: UPnP AddPortMapping: %w", err)
	}
	m.assigns[id] = &mapping{network: network, port: port}
	return id, joinHostPort(m.extIP, port), nil
}

// Unassign removes a previously Assigned UPnP mapping. A no-op under
// ModeDirect.
func (m *Mapper) Unassign(id string) error {
	if m.mode == ModeNone {
		return ErrNotInitialized
	}
	if m.mode == ModeDirect {
		return nil
	}
	mp, ok := m.assigns[id]
	if !ok {
		return ErrUnknownMapping
	}
	if err := m.upnpClient.DeletePortMapping("", uint16(mp.port), mp.network); err != nil {
		return fmt.Errorf("natpmp: UPnP DeletePortMapping: %w", err)
	}
	delete(m.assigns, id)
	return nil
}

// Close tears down every outstanding UPnP mapping.
func (m *Mapper) Close() error {
	if m.mode != ModeUPnP {
		m.mode = ModeNone
		return nil
	}
	for id := range m.assigns {
		if err := m.Unassign(id); err != nil {
			return err
		}
	}
	m.mode = ModeNone
	return nil
}
