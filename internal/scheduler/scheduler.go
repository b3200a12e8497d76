/*
 * Package scheduler implements the mesh instance's single dedicated
 * timer/event loop: autoconnect dial decisions, periodic PMTU
 * re-probing of active peers, blacklist enforcement, and driving the
 * per-channel retransmit and unreachable-peer timers that
 * internal/channel deliberately leaves for an external caller to pump
 * rather than running its own goroutine per channel.
 *
 * Grounded on the single dispatch-goroutine shape of
 * internal/event.Bus, generalized from "drain one signal channel
 * forever" to "drain a monotonic-clock timer heap, re-arming a single
 * timer for whichever deadline is soonest" — the same one-goroutine,
 * never-block-the-caller discipline, applied to scheduled work instead
 * of published signals. Concurrent dial attempts within one
 * autoconnect pass are bounded with golang.org/x/sync/semaphore and
 * joined with golang.org/x/sync/errgroup rather than an unbounded
 * goroutine-per-candidate fan-out.
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
	"container/heap"
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/meshlink/meshlink/internal/confdir"
	"github.com/meshlink/meshlink/internal/graph"
	"github.com/meshlink/meshlink/internal/meshlog"
	"github.com/meshlink/meshlink/internal/metaconn"
	"github.com/meshlink/meshlink/internal/udppath"
)

// Default cadences for the loop's recurring jobs.
const (
	AutoconnectInterval = 5 * time.Second
	ReprobeInterval     = 30 * time.Second
	ChannelTickInterval = 250 * time.Millisecond
	KeyExpiryInterval   = 30 * time.Second

	maxConcurrentDials = 4
	dialTimeout        = 10 * time.Second
)

// Dialer is the mesh-root hook the scheduler drives to turn an
// autoconnect decision into an actual meta-connection attempt, and to
// enforce a blacklist drop. It never touches net.Conn or
// internal/metaconn itself, so it stays free to import either without
// a cycle back into this package.
type Dialer interface {
	// Connected reports which peer names currently hold an active
	// meta-connection, so the scheduler never dials a peer twice.
	Connected() map[string]bool
	// Dial attempts to establish a new meta-connection to name at
	// addr. Blocks until the attempt succeeds, is rejected, or ctx is
	// done.
	Dial(ctx context.Context, name, addr string) error
	// Disconnect tears down any meta-connection currently held to
	// name, used when a peer is blacklisted while connected.
	Disconnect(name string)
}

// ChannelTicker is satisfied by internal/channel.Manager: the two
// timer-driven housekeeping calls that package leaves for this loop to
// pump instead of spawning a goroutine per channel.
type ChannelTicker interface {
	CheckTimers(now time.Time)
	CheckUnreachable(now time.Time)
}

// RekeyExpirer is satisfied by internal/metaconn.Connection: the
// single housekeeping call that destroys a completed rekey's retired
// keys once their grace period has elapsed.
type RekeyExpirer interface {
	ExpireOldKeys()
}

// timerEntry is one scheduled job in the heap.
type timerEntry struct {
	at    time.Time
	seq   uint64
	index int
	fn    func(now time.Time)
}

// timerHeap is a container/heap min-heap ordered by deadline, with insertion
// order as a stable tie-break.
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timerHeap) Push(x interface{}) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Scheduler is the mesh instance's timer/event loop. The zero value is
// not usable; construct with New.
type Scheduler struct {
	store   *graph.Store
	confDir *confdir.Dir
	udp     *udppath.Socket
	dialer   Dialer
	tickers  func() []ChannelTicker
	sessions func() []RekeyExpirer
	log      *meshlog.Logger
	sem      *semaphore.Weighted

	mu          sync.Mutex
	h           timerHeap
	seq         uint64
	wake        chan struct{}
	backoff     map[string]time.Duration
	nextAttempt map[string]time.Time
}

// New creates a Scheduler. tickers is called on every channel-tick
// pass to get the current set of per-peer channel managers to drive;
// it may return a different slice each time as peers connect/disconnect.
// sessions is the analogous hook for the key-expiry pass, returning
// the current set of live meta-connections.
func New(store *graph.Store, confDir *confdir.Dir, udp *udppath.Socket, dialer Dialer, tickers func() []ChannelTicker, sessions func() []RekeyExpirer, log *meshlog.Logger) *Scheduler {
	return &Scheduler{
		store:       store,
		confDir:     confDir,
		udp:         udp,
		dialer:      dialer,
		tickers:     tickers,
		sessions:    sessions,
		log:         log,
		sem:         semaphore.NewWeighted(maxConcurrentDials),
		wake:        make(chan struct{}, 1),
		backoff:     make(map[string]time.Duration),
		nextAttempt: make(map[string]time.Time),
	}
}

// schedule adds a one-shot job at "at" and wakes the loop if this is
// now the soonest deadline.
func (s *Scheduler) schedule(at time.Time, fn func(now time.Time)) {
	s.mu.Lock()
	s.seq++
	heap.Push(&s.h, &timerEntry{at: at, seq: s.seq, fn: fn})
	soonest := s.h[0].at.Equal(at)
	s.mu.Unlock()
	if soonest {
		s.poke()
	}
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// ResetTimers (reset_timers) drops every pending scheduled job and
// re-seeds the recurring ones to fire immediately, the next time the
// loop wakes.
func (s *Scheduler) ResetTimers() {
	s.mu.Lock()
	s.h = s.h[:0]
	s.mu.Unlock()
	s.seedRecurring(time.Now())
}

func (s *Scheduler) seedRecurring(now time.Time) {
	s.schedule(now, s.runAutoconnect)
	s.schedule(now, s.runReprobe)
	s.schedule(now, s.runChannelTick)
	s.schedule(now, s.runKeyExpiry)
}

// Run drives the loop until ctx is cancelled. It owns every timer
// firing: callers reach the scheduler only through Dialer/ChannelTicker
// callbacks and the public ResetTimers entry point, never by
// calling into the loop's own goroutine directly.
func (s *Scheduler) Run(ctx context.Context) error {
	s.seedRecurring(time.Now())
	for {
		s.mu.Lock()
		var timer *time.Timer
		if len(s.h) > 0 {
			d := time.Until(s.h[0].at)
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
		}
		s.mu.Unlock()

		var timerC <-chan time.Time
		if timer != nil {
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case <-s.wake:
			if timer != nil {
				timer.Stop()
			}
		case <-timerC:
		}

		s.runDue(time.Now())
	}
}

// runDue pops and executes every job whose deadline has passed.
func (s *Scheduler) runDue(now time.Time) {
	for {
		s.mu.Lock()
		if len(s.h) == 0 || s.h[0].at.After(now) {
			s.mu.Unlock()
			return
		}
		e := heap.Pop(&s.h).(*timerEntry)
		s.mu.Unlock()
		e.fn(now)
	}
}

// runAutoconnect implements the autoconnect decision: for each
// reachable-or-directly-addressed, not-yet-connected node, dial
// candidates ranked by last-successful-address freshness (random
// tie-break) up to the target connection count for this node's own
// device class, and drop or rewrite any node that has since been
// blacklisted.
func (s *Scheduler) runAutoconnect(now time.Time) {
	defer s.schedule(now.Add(AutoconnectInterval), s.runAutoconnect)

	self := s.store.Self()
	target := self.DeviceClass.ConnectionTarget()
	connected := s.dialer.Connected()

	var candidates []*graph.Node
	for _, n := range s.store.AllNodes() {
		if n.ID == s.store.SelfID() {
			continue
		}
		if n.Blacklisted {
			s.enforceBlacklist(n)
			continue
		}
		if connected[n.Name] {
			continue
		}
		// A node is dialable once routing has proven it reachable via
		// some existing path, or, failing that, as long as it carries
		// a direct address of its own: a node freshly admitted via
		// Join or Import has no edges yet for Dijkstra to have found
		// a path over, and the only way it ever gains one is by this
		// loop dialing it directly in the first place.
		if !n.Reachable && pickAddress(n) == "" {
			continue
		}
		if next, ok := s.nextAttempt[n.Name]; ok && now.Before(next) {
			continue
		}
		candidates = append(candidates, n)
	}

	need := target - len(connected)
	if need <= 0 || len(candidates) == 0 {
		return
	}
	rankByFreshness(candidates)
	if need < len(candidates) {
		candidates = candidates[:need]
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	for _, n := range candidates {
		n := n
		addr := pickAddress(n)
		if addr == "" {
			continue
		}
		if err := s.sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer s.sem.Release(1)
			err := s.dialer.Dial(gctx, n.Name, addr)
			s.recordDialResult(n.Name, now, err)
			return nil
		})
	}
	_ = g.Wait()
}

// pickAddress prefers a canonical address and falls back to the most
// recently learned one.
func pickAddress(n *graph.Node) string {
	if len(n.Addresses) > 0 {
		return n.Addresses[0]
	}
	if len(n.RecentAddresses) > 0 {
		return n.RecentAddresses[len(n.RecentAddresses)-1]
	}
	return ""
}

// rankByFreshness sorts candidates most-recently-reachable first,
// shuffling beforehand so nodes sharing a timestamp (including the
// common case of never-yet-reachable, the zero time) tie-break
// randomly rather than by store insertion order.
func rankByFreshness(nodes []*graph.Node) {
	rand.Shuffle(len(nodes), func(i, j int) { nodes[i], nodes[j] = nodes[j], nodes[i] })
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].LastReachable.After(nodes[j].LastReachable)
	})
}

func (s *Scheduler) recordDialResult(name string, now time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.backoff, name)
		delete(s.nextAttempt, name)
		return
	}
	next := metaconn.NextBackoff(s.backoff[name])
	s.backoff[name] = next
	s.nextAttempt[name] = now.Add(next)
	if s.log != nil {
		s.log.Printf(meshlog.LevelInfo, "scheduler: dial %s failed, retrying in %s: %v", name, next, err)
	}
}

// runReprobe re-runs PMTU discovery for every peer currently holding a
// meta-connection whose UDP path is not IMPOSSIBLE, and drops idle
// WORKING paths back to TRYING.
func (s *Scheduler) runReprobe(now time.Time) {
	defer s.schedule(now.Add(ReprobeInterval), s.runReprobe)
	if s.udp == nil {
		return
	}
	connected := s.dialer.Connected()
	for name := range connected {
		p := s.udp.Path(name)
		p.CheckIdle(now)
		if p.State() == udppath.StateImpossible {
			continue
		}
		if _, err := s.udp.ProbeOnce(p); err != nil && s.log != nil {
			s.log.Printf(meshlog.LevelDebug, "scheduler: PMTU probe for %s: %v", name, err)
		}
	}
}

// runChannelTick drives CheckTimers/CheckUnreachable on every active
// peer's channel manager. internal/channel relies on this instead of
// a per-channel goroutine.
func (s *Scheduler) runChannelTick(now time.Time) {
	defer s.schedule(now.Add(ChannelTickInterval), s.runChannelTick)
	if s.tickers == nil {
		return
	}
	for _, t := range s.tickers() {
		t.CheckTimers(now)
		t.CheckUnreachable(now)
	}
}

// runKeyExpiry drives ExpireOldKeys on every active meta-connection,
// destroying any rekey's retired keys once their grace period passes.
func (s *Scheduler) runKeyExpiry(now time.Time) {
	defer s.schedule(now.Add(KeyExpiryInterval), s.runKeyExpiry)
	if s.sessions == nil {
		return
	}
	for _, sess := range s.sessions() {
		sess.ExpireOldKeys()
	}
}

// enforceBlacklist drops any live meta-connection to a blacklisted
// node and strips its persisted host record down to name, public key,
// and the blacklist flag, deleting everything else (addresses, device
// class, submesh) so a stale address cannot cause it to be re-dialed.
func (s *Scheduler) enforceBlacklist(n *graph.Node) {
	if s.dialer.Connected()[n.Name] {
		s.dialer.Disconnect(n.Name)
	}
	if s.confDir == nil {
		return
	}
	rec, err := s.confDir.ReadHost(n.Name)
	if err != nil {
		return
	}
	rec.Addresses = nil
	rec.RecentAddresses = nil
	rec.DeviceClass = int(graph.DeviceUnknown)
	rec.Submesh = ""
	rec.Blacklisted = true
	if err := s.confDir.WriteHost(*rec); err != nil && s.log != nil {
		s.log.Printf(meshlog.LevelWarning, "scheduler: rewriting blacklisted host %q: %v", n.Name, err)
	}
}
