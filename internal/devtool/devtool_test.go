/*
 * Tests for package devtool.
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
	"testing"

	"github.com/meshlink/meshlink/internal/graph"
)

func buildStore(t *testing.T) *graph.Store {
	t.Helper()
	s := graph.NewStore("self", []byte("selfkey"))
	self := s.SelfID()
	s.AddNode(&graph.Node{Name: "peer", PublicKey: []byte("peerkey")})
	peer, _ := s.GetNode("peer")
	if err := s.AddEdge(self, peer.ID, "203.0.113.1", "655", 0); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}
	if err := s.AddEdge(peer.ID, self, "203.0.113.2", "655", 0); err != nil {
		t.Fatalf("AddEdge reverse: %v", err)
	}
	return s
}

func TestGetNodeStatusUnknownNode(t *testing.T) {
	s := buildStore(t)
	if _, err := GetNodeStatus(s, "ghost", 0, "UNKNOWN"); err == nil {
		t.Fatal("expected error for unknown node")
	}
}

func TestGetNodeStatusKnownNode(t *testing.T) {
	s := buildStore(t)
	st, err := GetNodeStatus(s, "peer", 1400, "WORKING")
	if err != nil {
		t.Fatalf("GetNodeStatus: %v", err)
	}
	if st.Name != "peer" || st.MTU != 1400 || st.UDPState != "WORKING" {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestGetAllEdgesResolvesNames(t *testing.T) {
	s := buildStore(t)
	edges := GetAllEdges(s)
	if len(edges) != 2 {
		t.Fatalf("expected 2 edges, got %d", len(edges))
	}
	seen := map[string]bool{}
	for _, e := range edges {
		seen[e.From+">"+e.To] = true
	}
	if !seen["self>peer"] || !seen["peer>self"] {
		t.Fatalf("missing expected edges: %+v", edges)
	}
}

func TestExportJSONEdgesIsValidJSON(t *testing.T) {
	s := buildStore(t)
	blob, err := ExportJSONEdges(s)
	if err != nil {
		t.Fatalf("ExportJSONEdges: %v", err)
	}
	var views []EdgeView
	if err := json.Unmarshal(blob, &views); err != nil {
		t.Fatalf("unmarshal export: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 views, got %d", len(views))
	}
}

func TestCountersResetAndSnapshot(t *testing.T) {
	var c Counters
	c.AddSent(100)
	c.AddReceived(50)
	snap := c.Snapshot()
	if snap.PacketsSent != 1 || snap.BytesSent != 100 || snap.PacketsReceived != 1 || snap.BytesReceived != 50 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	c.Reset()
	snap = c.Snapshot()
	if snap.PacketsSent != 0 || snap.BytesSent != 0 || snap.PacketsReceived != 0 || snap.BytesReceived != 0 {
		t.Fatalf("expected zeroed counters, got %+v", snap)
	}
}
