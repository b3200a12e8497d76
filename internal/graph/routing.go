/*
 * Dijkstra routing over the gossiped edge graph.
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

package graph

import (
	"container/heap"
	"sort"
	"time"
)

// Route is the routing verdict for one reachable node: the dense id of
// the neighbor to hand a packet to next, and the total path weight.
type Route struct {
	NextHop int
	Weight  int
}

// Recompute runs Dijkstra from self over the subset of edges for which
// both directions are present, returning next_hop by node id for
// every reachable node other than self. It also updates
// each node's LastReachable/LastUnreachable timestamp and publishes a
// ReachabilityChange on the Store's Bus for every node whose verdict
// flipped since the previous call.
func (s *Store) Recompute(now time.Time) map[int]Route {
	s.mu.Lock()
	adjacency, routable := s.routableAdjacencyLocked()
	self := s.selfID
	nodeCount := len(s.nodes)
	s.mu.Unlock()

	dist := make([]int, nodeCount)
	nextHop := make([]int, nodeCount)
	visited := make([]bool, nodeCount)
	for i := range dist {
		dist[i] = -1
		nextHop[i] = -1
	}
	dist[self] = 0

	s.mu.RLock()
	names := make([]string, nodeCount)
	for i, n := range s.nodes {
		if n != nil {
			names[i] = n.Name
		}
	}
	s.mu.RUnlock()

	pq := &distHeap{{id: self, dist: 0}}
	heap.Init(pq)
	for pq.Len() > 0 {
		cur := heap.Pop(pq).(distEntry)
		if visited[cur.id] {
			continue
		}
		visited[cur.id] = true
		for _, to := range orderedNeighbors(adjacency[cur.id], names) {
			if !routable[[2]int{cur.id, to.id}] {
				continue
			}
			nd := cur.dist + to.weight
			if dist[to.id] == -1 || nd < dist[to.id] {
				dist[to.id] = nd
				if cur.id == self {
					nextHop[to.id] = to.id
				} else {
					nextHop[to.id] = nextHop[cur.id]
				}
				heap.Push(pq, distEntry{id: to.id, dist: nd})
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	routes := make(map[int]Route)
	for id, n := range s.nodes {
		if n == nil || id == self {
			continue
		}
		reachable := dist[id] >= 0
		if reachable {
			routes[id] = Route{NextHop: nextHop[id], Weight: dist[id]}
		}
		if reachable != n.Reachable {
			n.Reachable = reachable
			if reachable {
				n.LastReachable = now
			} else {
				n.LastUnreachable = now
			}
			s.Bus.Publish(ReachabilityChange{Node: n, Reachable: reachable})
		}
	}
	return routes
}

// routableAdjacencyLocked builds the adjacency list restricted to edges
// whose reverse also exists. Caller must hold s.mu.
func (s *Store) routableAdjacencyLocked() (map[int][]Edge, map[[2]int]bool) {
	adjacency := make(map[int][]Edge)
	routable := make(map[[2]int]bool)
	for key, e := range s.edges {
		if _, ok := s.edges[[2]int{key[1], key[0]}]; !ok {
			continue
		}
		routable[key] = true
		adjacency[e.From] = append(adjacency[e.From], *e)
	}
	return adjacency, routable
}

// orderedNeighbors sorts a node's outgoing edges by weight then
// lexicographic target name, implementing Recompute's tie-break.
func orderedNeighbors(edges []Edge, names []string) []struct {
	id     int
	weight int
} {
	sorted := append([]Edge(nil), edges...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Weight != sorted[j].Weight {
			return sorted[i].Weight < sorted[j].Weight
		}
		return names[sorted[i].To] < names[sorted[j].To]
	})
	out := make([]struct {
		id     int
		weight int
	}, len(sorted))
	for i, e := range sorted {
		out[i] = struct {
			id     int
			weight int
		}{id: e.To, weight: e.Weight}
	}
	return out
}

type distEntry struct {
	id   int
	dist int
}

type distHeap []distEntry

func (h distHeap) Len() int            { return len(h) }
func (h distHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h distHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *distHeap) Push(x interface{}) { *h = append(*h, x.(distEntry)) }
func (h *distHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
