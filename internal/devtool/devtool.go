/*
 * Package devtool implements the devtool introspection operations:
 * get_node_status, get_all_edges, reset_node_counters, and
 * export_json_edges — the core exposes a devtool_export_json_edges
 * function and lets the caller schedule it, rather than driving it
 * off a SIGALRM-style timer internally.
 *
 * Grounded on a read-only ranked-query helper (a bucket-walk that
 * answers "what do I currently know" without mutating state),
 * repurposed here as plain accessors over internal/graph.
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

package devtool

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/meshlink/meshlink/internal/graph"
)

// NodeStatus is the snapshot returned by get_node_status: connectivity
// and path-quality data for one node, gathered across the graph,
// meta-connection, and UDP-path layers.
type NodeStatus struct {
	Name            string    `json:"name"`
	Reachable       bool      `json:"reachable"`
	LastReachable   time.Time `json:"last_reachable"`
	LastUnreachable time.Time `json:"last_unreachable"`
	DeviceClass     int       `json:"device_class"`
	Blacklisted     bool      `json:"blacklisted"`

	// MTU is the current fixed path MTU for this peer, or 0 if no UDP
	// session has settled on one yet.
	MTU int `json:"mtu"`
	// UDPState mirrors the per-peer UDP session state machine:
	// UNKNOWN/TRYING/WORKING/FAILED/IMPOSSIBLE.
	UDPState string `json:"udp_state"`
}

// GetNodeStatus builds a NodeStatus snapshot for name. mtu/udpState are
// supplied by the caller (the mesh instance, which owns the UDP path
// table) since internal/devtool has no direct dependency on
// internal/udppath — keeping introspection a thin read-only layer over
// whatever the caller already tracks.
func GetNodeStatus(store *graph.Store, name string, mtu int, udpState string) (*NodeStatus, error) {
	n, ok := store.GetNode(name)
	if !ok {
		return nil, &unknownNodeError{name: name}
	}
	return &NodeStatus{
		Name:            n.Name,
		Reachable:       n.Reachable,
		LastReachable:   n.LastReachable,
		LastUnreachable: n.LastUnreachable,
		DeviceClass:     int(n.DeviceClass),
		Blacklisted:     n.Blacklisted,
		MTU:             mtu,
		UDPState:        udpState,
	}, nil
}

type unknownNodeError struct{ name string }

func (e *unknownNodeError) Error() string { return "devtool: unknown node " + e.name }

// EdgeView is the JSON-friendly projection of internal/graph.Edge used
// by get_all_edges and export_json_edges.
type EdgeView struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Host   string `json:"host"`
	Port   string `json:"port"`
	Weight int    `json:"weight"`
}

// GetAllEdges returns every edge in store, resolved to node names.
func GetAllEdges(store *graph.Store) []EdgeView {
	nodesByID := make(map[int]string)
	for _, n := range store.AllNodes() {
		nodesByID[n.ID] = n.Name
	}
	edges := store.AllEdges()
	out := make([]EdgeView, 0, len(edges))
	for _, e := range edges {
		out = append(out, EdgeView{
			From:   nodesByID[e.From],
			To:     nodesByID[e.To],
			Host:   e.Host,
			Port:   e.Port,
			Weight: e.Weight,
		})
	}
	return out
}

// ExportJSONEdges renders the same edge set as GetAllEdges into a JSON
// document, for a caller (not this package) to schedule and write out
// periodically.
func ExportJSONEdges(store *graph.Store) ([]byte, error) {
	return json.Marshal(GetAllEdges(store))
}

// Counters are the per-node packet/byte counters reset_node_counters
// zeroes. internal/metaconn embeds one per connection and calls
// AddSent/AddReceived as traffic flows.
type Counters struct {
	PacketsSent     int64
	PacketsReceived int64
	BytesSent       int64
	BytesReceived   int64
}

// AddSent atomically accounts for an outgoing packet.
func (c *Counters) AddSent(bytes int) {
	atomic.AddInt64(&c.PacketsSent, 1)
	atomic.AddInt64(&c.BytesSent, int64(bytes))
}

// AddReceived atomically accounts for an incoming packet.
func (c *Counters) AddReceived(bytes int) {
	atomic.AddInt64(&c.PacketsReceived, 1)
	atomic.AddInt64(&c.BytesReceived, int64(bytes))
}

// Reset zeroes all counters (reset_node_counters).
func (c *Counters) Reset() {
	atomic.StoreInt64(&c.PacketsSent, 0)
	atomic.StoreInt64(&c.PacketsReceived, 0)
	atomic.StoreInt64(&c.BytesSent, 0)
	atomic.StoreInt64(&c.BytesReceived, 0)
}

// Snapshot returns a consistent copy of the counters for reporting.
func (c *Counters) Snapshot() Counters {
	return Counters{
		PacketsSent:     atomic.LoadInt64(&c.PacketsSent),
		PacketsReceived: atomic.LoadInt64(&c.PacketsReceived),
		BytesSent:       atomic.LoadInt64(&c.BytesSent),
		BytesReceived:   atomic.LoadInt64(&c.BytesReceived),
	}
}
