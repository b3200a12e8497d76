/*
 * MeshLink node/edge handle types returned by the public API.
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
	"time"

	"github.com/meshlink/meshlink/internal/channel"
	"github.com/meshlink/meshlink/internal/confdir"
	"github.com/meshlink/meshlink/internal/devtool"
	"github.com/meshlink/meshlink/internal/graph"
	"github.com/meshlink/meshlink/internal/meshlog"
)

// DeviceClass is a policy hint influencing how many meta-connections a
// node keeps and its routing weight.
type DeviceClass = graph.DeviceClass

// Device class values, re-exported from internal/graph for callers
// that never need to reach into internal/ directly.
const (
	DeviceBackbone   = graph.DeviceBackbone
	DeviceStationary = graph.DeviceStationary
	DevicePortable   = graph.DevicePortable
	DeviceUnknown    = graph.DeviceUnknown
)

// LogLevel mirrors meshlink_log_level_t: lower values are more severe.
type LogLevel = meshlog.Level

const (
	LogCritical = meshlog.LevelCritical
	LogError    = meshlog.LevelError
	LogWarning  = meshlog.LevelWarning
	LogInfo     = meshlog.LevelInfo
	LogDebug    = meshlog.LevelDebug
)

// ChannelMode bits select a channel's send/receive semantics, passed to
// ChannelOpenEx.
type ChannelMode = channel.Mode

const (
	ChannelReliable  = channel.ModeReliable
	ChannelUDP       = channel.ModeUDP
	ChannelFramed    = channel.ModeFramed
	ChannelNoPartial = channel.ModeNoPartial
)

// Channel is one multiplexed byte-stream or datagram channel to a peer,
// returned by ChannelOpen/ChannelOpenEx and delivered to
// ChannelAcceptFunc.
type Channel = channel.Channel

// HostRecord is the on-disk record for one known node, used by
// StorageCallbacks to let an embedder override persistence.
type HostRecord = confdir.HostRecord

// Node is the public view of one node known to the local mesh
// instance: self, or any node reachable via the gossiped edge graph.
type Node struct {
	Name            string
	PublicKey       []byte
	Addresses       []string
	RecentAddresses []string
	DeviceClass     DeviceClass
	Submesh         string
	Blacklisted     bool
	Reachable       bool
	LastReachable   time.Time
	LastUnreachable time.Time
}

func nodeFromGraph(n *graph.Node) *Node {
	if n == nil {
		return nil
	}
	return &Node{
		Name:            n.Name,
		PublicKey:       n.PublicKey,
		Addresses:       n.Addresses,
		RecentAddresses: n.RecentAddresses,
		DeviceClass:     n.DeviceClass,
		Submesh:         n.Submesh,
		Blacklisted:     n.Blacklisted,
		Reachable:       n.Reachable,
		LastReachable:   n.LastReachable,
		LastUnreachable: n.LastUnreachable,
	}
}

func nodesFromGraph(ns []*graph.Node) []*Node {
	out := make([]*Node, 0, len(ns))
	for _, n := range ns {
		out = append(out, nodeFromGraph(n))
	}
	return out
}

// NodeStatus is the snapshot returned by GetNodeStatus.
type NodeStatus = devtool.NodeStatus

// EdgeView is one edge as returned by GetAllEdges.
type EdgeView = devtool.EdgeView

// LogFunc receives every log line at or above the severity a caller
// registered with SetLogCb.
type LogFunc func(level LogLevel, text string)

// NodeStatusFunc is invoked whenever a node's reachability verdict
// flips, set with SetNodeStatusCb.
type NodeStatusFunc func(node *Node, reachable bool)

// DuplicateFunc is invoked when a second meta-connection to an
// already-ACTIVE peer is detected and torn down in favor of the
// incumbent, set with SetNodeDuplicateCb.
type DuplicateFunc func(node *Node)

// ChannelAcceptFunc decides whether to accept an incoming channel open
// request, set with SetChannelAcceptCb. Returning false rejects. Aliased
// directly to internal/channel's own type so callbacks can be wired
// straight into a Channel/Manager's fields without conversion.
type ChannelAcceptFunc = channel.AcceptFunc

// ChannelReceiveFunc delivers data received on a channel, set either
// per-channel or as the mesh-wide default with SetChannelReceiveCb.
type ChannelReceiveFunc = channel.ReceiveFunc

// ChannelPollFunc notifies that a channel can accept more data, set
// with SetChannelPollCb.
type ChannelPollFunc = channel.PollFunc

// ChannelPMTUFunc reports a settled path MTU for a peer, set with
// SetChannelPMTUCb.
type ChannelPMTUFunc func(node *Node, mtu int)

// StorageCallbacks lets an embedder override where host records are
// persisted, in place of internal/confdir's on-disk files (e.g. to
// store them in an application database instead). Any field left nil
// falls back to the mesh's own confdir, if one is open.
type StorageCallbacks struct {
	Store func(name string, rec HostRecord) error
	Load  func(name string) (HostRecord, bool, error)
	Erase func(name string) error
}
