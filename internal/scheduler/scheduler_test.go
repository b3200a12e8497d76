/*
 * Tests for package scheduler.
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

package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/meshlink/meshlink/internal/graph"
)

type fakeDialer struct {
	mu         sync.Mutex
	connected  map[string]bool
	dialed     []string
	dialErr    map[string]error
	disconnect []string
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{connected: make(map[string]bool), dialErr: make(map[string]error)}
}

func (f *fakeDialer) Connected() map[string]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]bool, len(f.connected))
	for k, v := range f.connected {
		out[k] = v
	}
	return out
}

func (f *fakeDialer) Dial(ctx context.Context, name, addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialed = append(f.dialed, name)
	if err := f.dialErr[name]; err != nil {
		return err
	}
	f.connected[name] = true
	return nil
}

func (f *fakeDialer) Disconnect(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnect = append(f.disconnect, name)
	delete(f.connected, name)
}

func (f *fakeDialer) dialCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, d := range f.dialed {
		if d == name {
			n++
		}
	}
	return n
}

func newTestStore() *graph.Store {
	return graph.NewStore("self", []byte("selfkey"))
}

func TestAutoconnectDialsReachableUnconnectedNode(t *testing.T) {
	store := newTestStore()
	store.AddNode(&graph.Node{Name: "peer1", DeviceClass: graph.DeviceStationary})
	node, _ := store.GetNode("peer1")
	node.Reachable = true
	node.Addresses = []string{"peer1.example:655"}

	dialer := newFakeDialer()
	s := New(store, nil, nil, dialer, nil, nil, nil)
	s.runAutoconnect(time.Now())

	if dialer.dialCount("peer1") != 1 {
		t.Fatalf("expected exactly one dial to peer1, got %d", dialer.dialCount("peer1"))
	}
}

func TestAutoconnectSkipsAlreadyConnected(t *testing.T) {
	store := newTestStore()
	store.AddNode(&graph.Node{Name: "peer1", DeviceClass: graph.DeviceStationary})
	node, _ := store.GetNode("peer1")
	node.Reachable = true
	node.Addresses = []string{"peer1.example:655"}

	dialer := newFakeDialer()
	dialer.connected["peer1"] = true
	s := New(store, nil, nil, dialer, nil, nil, nil)
	s.runAutoconnect(time.Now())

	if dialer.dialCount("peer1") != 0 {
		t.Fatalf("should not redial an already-connected peer, got %d dials", dialer.dialCount("peer1"))
	}
}

func TestAutoconnectStopsAtDeviceClassTarget(t *testing.T) {
	store := newTestStore()
	dialer := newFakeDialer()
	for _, name := range []string{"a", "b", "c"} {
		store.AddNode(&graph.Node{Name: name, DeviceClass: graph.DevicePortable})
		n, _ := store.GetNode(name)
		n.Reachable = true
		n.Addresses = []string{name + ".example:655"}
	}
	// self is BACKBONE by default (DeviceBackbone is the zero value),
	// so set it to PORTABLE explicitly to exercise the <=1 target.
	store.Self().DeviceClass = graph.DevicePortable

	s := New(store, nil, nil, dialer, nil, nil, nil)
	s.runAutoconnect(time.Now())

	total := dialer.dialCount("a") + dialer.dialCount("b") + dialer.dialCount("c")
	if total != 1 {
		t.Fatalf("PORTABLE target is <=1 connection, dialed %d candidates", total)
	}
}

func TestAutoconnectBacksOffAfterDialFailure(t *testing.T) {
	store := newTestStore()
	store.AddNode(&graph.Node{Name: "peer1", DeviceClass: graph.DeviceBackbone})
	node, _ := store.GetNode("peer1")
	node.Reachable = true
	node.Addresses = []string{"peer1.example:655"}

	dialer := newFakeDialer()
	dialer.dialErr["peer1"] = context.DeadlineExceeded
	s := New(store, nil, nil, dialer, nil, nil, nil)

	now := time.Now()
	s.runAutoconnect(now)
	if dialer.dialCount("peer1") != 1 {
		t.Fatalf("expected one dial attempt, got %d", dialer.dialCount("peer1"))
	}

	// immediately re-running the scan must not redial during backoff
	s.runAutoconnect(now)
	if dialer.dialCount("peer1") != 1 {
		t.Fatalf("expected dial to be withheld during backoff, got %d", dialer.dialCount("peer1"))
	}

	// once backoff has elapsed the node is a candidate again
	later := now.Add(2 * time.Second)
	s.runAutoconnect(later)
	if dialer.dialCount("peer1") != 2 {
		t.Fatalf("expected a retry once backoff elapsed, got %d", dialer.dialCount("peer1"))
	}
}

func TestAutoconnectDialsUnreachableNodeWithDirectAddress(t *testing.T) {
	// A node learned via Join or Import starts out with no edges, so
	// routing can never have marked it Reachable, but it does carry a
	// direct address - the dial this produces is what lets it earn
	// its first edge at all.
	store := newTestStore()
	store.AddNode(&graph.Node{Name: "peer1", DeviceClass: graph.DeviceBackbone, Addresses: []string{"x:1"}})

	dialer := newFakeDialer()
	s := New(store, nil, nil, dialer, nil, nil, nil)
	s.runAutoconnect(time.Now())

	if dialer.dialCount("peer1") != 1 {
		t.Fatalf("expected exactly one dial to peer1, got %d", dialer.dialCount("peer1"))
	}
}

func TestAutoconnectIgnoresUnreachableAddresslessNode(t *testing.T) {
	store := newTestStore()
	store.AddNode(&graph.Node{Name: "peer1", DeviceClass: graph.DeviceBackbone})

	dialer := newFakeDialer()
	s := New(store, nil, nil, dialer, nil, nil, nil)
	s.runAutoconnect(time.Now())

	if dialer.dialCount("peer1") != 0 {
		t.Fatalf("unreachable, addressless node must not be dialed, got %d", dialer.dialCount("peer1"))
	}
}

func TestEnforceBlacklistDisconnectsConnectedPeer(t *testing.T) {
	store := newTestStore()
	store.AddNode(&graph.Node{Name: "bad", Blacklisted: true})
	node, _ := store.GetNode("bad")

	dialer := newFakeDialer()
	dialer.connected["bad"] = true
	s := New(store, nil, nil, dialer, nil, nil, nil)
	s.enforceBlacklist(node)

	if dialer.Connected()["bad"] {
		t.Fatal("blacklisted peer should have been disconnected")
	}
	if len(dialer.disconnect) != 1 || dialer.disconnect[0] != "bad" {
		t.Fatalf("expected Disconnect(\"bad\"), got %v", dialer.disconnect)
	}
}

type fakeTicker struct {
	timersCalls, unreachableCalls int
}

func (f *fakeTicker) CheckTimers(now time.Time)      { f.timersCalls++ }
func (f *fakeTicker) CheckUnreachable(now time.Time) { f.unreachableCalls++ }

func TestRunChannelTickDrivesEveryTicker(t *testing.T) {
	store := newTestStore()
	dialer := newFakeDialer()
	a, b := &fakeTicker{}, &fakeTicker{}
	s := New(store, nil, nil, dialer, func() []ChannelTicker { return []ChannelTicker{a, b} }, nil, nil)

	s.runChannelTick(time.Now())

	if a.timersCalls != 1 || a.unreachableCalls != 1 || b.timersCalls != 1 || b.unreachableCalls != 1 {
		t.Fatalf("expected every ticker driven once, got a=%+v b=%+v", a, b)
	}
}

func TestScheduleWakesRunLoopEarly(t *testing.T) {
	store := newTestStore()
	dialer := newFakeDialer()
	s := New(store, nil, nil, dialer, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fired := make(chan struct{})
	s.mu.Lock()
	s.h = s.h[:0]
	s.mu.Unlock()
	s.schedule(time.Now().Add(50*time.Millisecond), func(time.Time) { close(fired) })

	go s.Run(ctx)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("scheduled one-shot job never fired")
	}
}
