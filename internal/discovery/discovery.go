/*
 * Package discovery implements enable_discovery: an optional
 * local-network broadcast beacon that learns "address X for name Y"
 * pairs on the LAN. It deliberately does not speak DNS-SD/Bonjour or
 * mDNS — just a private broadcast beacon for same-segment
 * bootstrapping.
 *
 * Grounded on a connectionless broadcast/learn flow: a Listen loop
 * calling Learn on every datagram it receives, trimmed to a single
 * broadcast socket instead of a full connector.
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

package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/meshlink/meshlink/internal/meshlog"
)

// beacon is the wire form of one discovery announcement.
type beacon struct {
	Name string `json:"name"`
	Port int    `json:"port"`
}

// LearnFunc is invoked with a peer name and its announced (host, port)
// whenever a beacon from another instance on the local network is
// received.
type LearnFunc func(name, host string, port int)

// Beaconer periodically broadcasts this node's name/port on the local
// network and invokes LearnFunc for every beacon it hears from others.
type Beaconer struct {
	name string
	port int
	addr string // broadcast address, e.g. "255.255.255.255:8655"
	log  *meshlog.Logger

	conn *net.UDPConn
}

// NewBeaconer prepares (but does not start) a discovery beacon that
// announces name/port on broadcastAddr.
func NewBeaconer(name string, port int, broadcastAddr string, log *meshlog.Logger) *Beaconer {
	return &Beaconer{name: name, port: port, addr: broadcastAddr, log: log}
}

// Run broadcasts an announcement every interval and listens for peer
// announcements until ctx is cancelled. learn is called once per
// distinct (name, host, port) heard; self-announcements are filtered
// by name.
func (b *Beaconer) Run(ctx context.Context, interval time.Duration, learn LearnFunc) error {
	udpAddr, err := net.ResolveUDPAddr("udp", b.addr)
	if err != nil {
		return fmt.Errorf("discovery: resolving broadcast address %q: %w", b.addr, err)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: udpAddr.Port})
	if err != nil {
		return fmt.Errorf("discovery: listening for beacons: %w", err)
	}
	b.conn = conn
	defer conn.Close()

	go b.announceLoop(ctx, udpAddr, interval)

	buf := make([]byte, 512)
	seen := make(map[string]bool)
	for {
		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, peer, err := conn.ReadFromUDP(buf)
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			b.log.Printf(meshlog.LevelWarning, "discovery: read error: %v", err)
			continue
		}
		var bc beacon
		if err := json.Unmarshal(buf[:n], &bc); err != nil {
			continue
		}
		if bc.Name == b.name {
			continue
		}
		key := fmt.Sprintf("%s|%s|%d", bc.Name, peer.IP.String(), bc.Port)
		if seen[key] {
			continue
		}
		seen[key] = true
		learn(bc.Name, peer.IP.String(), bc.Port)
	}
}

func (b *Beaconer) announceLoop(ctx context.Context, dst *net.UDPAddr, interval time.Duration) {
	msg, err := json.Marshal(beacon{Name: b.name, Port: b.port})
	if err != nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		b.conn.WriteToUDP(msg, dst)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
