/*
 * Package event implements the callback fan-out used for node-status,
 * channel-accept, and other set_*_cb notifications: callbacks execute
 * on the mesh's internal I/O thread, and callbacks for independent
 * objects may run back-to-back but never in parallel on the same
 * mesh.
 *
 * Grounded on a Signaller/Listener dispatch loop, but simplified:
 * MeshLink's callbacks are plain Go funcs registered once per mesh
 * (the set_node_status_cb family), not channel-based Listener objects
 * handed out to arbitrary goroutines, so a single dispatch goroutine
 * calling registered funcs directly satisfies the serialization
 * requirement without an inCh/outCh split.
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

package event

import "sync"

// Signal is a unit of notification dispatched through a Bus; its
// meaning is opaque to the bus itself and entirely up to
// sender/receiver agreement.
type Signal interface{}

// Handler receives dispatched signals. Exactly one handler is
// delivered to at a time, in the order Publish was called. A handler
// that blocks delays later deliveries on this bus, and once 64 signals
// are queued behind it Publish blocks as well.
type Handler func(Signal)

// Bus serializes delivery of published signals to a single registered
// handler, running the dispatch loop on its own goroutine behind a
// 64-signal queue, so Publish does not wait for the handler unless
// that queue is full.
type Bus struct {
	mu      sync.RWMutex
	handler Handler
	inCh    chan Signal
	closeCh chan struct{}
	once    sync.Once
}

// NewBus creates a Bus and starts its dispatch goroutine.
func NewBus() *Bus {
	b := &Bus{
		inCh:    make(chan Signal, 64),
		closeCh: make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Bus) run() {
	for {
		select {
		case sig := <-b.inCh:
			b.mu.RLock()
			h := b.handler
			b.mu.RUnlock()
			if h != nil {
				h(sig)
			}
		case <-b.closeCh:
			return
		}
	}
}

// SetHandler installs the single callback that receives every future
// published signal, replacing any previous handler. Passing nil
// disables delivery (signals are dropped, not queued).
func (b *Bus) SetHandler(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

// Publish enqueues sig for delivery on the dispatch goroutine. It does
// not wait for the handler unless 64 signals are already queued, in
// which case it blocks until there is room or the bus is closed.
func (b *Bus) Publish(sig Signal) {
	select {
	case b.inCh <- sig:
	case <-b.closeCh:
	}
}

// Close stops the dispatch goroutine. Signals already queued are
// dropped; it is safe to call Close more than once.
func (b *Bus) Close() {
	b.once.Do(func() {
		close(b.closeCh)
	})
}
