/*
 * Tests for package channel.
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

package channel

import (
	"sync"
	"testing"
	"time"
)

// pairTransport wires two Managers together in-process: SendPacket on
// one side delivers straight to HandleIncoming on the other, the way a
// real meta-connection's PACKET record would after traversing SPTPS.
type pairTransport struct {
	mu   sync.Mutex
	peer *Manager
}

func (t *pairTransport) SendPacket(payload []byte) error {
	t.mu.Lock()
	peer := t.peer
	t.mu.Unlock()
	cp := append([]byte(nil), payload...)
	return peer.HandleIncoming(cp)
}

func newPair(t *testing.T, onAcceptB AcceptFunc) (*Manager, *Manager) {
	t.Helper()
	ta := &pairTransport{}
	tb := &pairTransport{}
	a := NewManager("b", ta, nil)
	b := NewManager("a", tb, onAcceptB)
	ta.peer = b
	tb.peer = a
	return a, b
}

func TestOpenAcceptHandshake(t *testing.T) {
	a, b := newPair(t, func(ch *Channel, localPort uint32, initial []byte) bool {
		return string(initial) == "hello"
	})

	ch, err := a.Open(1, []byte("hello"), ModeReliable)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for ch.State() != StateOpen && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if ch.State() != StateOpen {
		t.Fatalf("channel never reached Open, state=%v", ch.State())
	}

	if len(b.byPort) != 1 {
		t.Fatalf("expected accepting side to register one channel, got %d", len(b.byPort))
	}
}

func TestOpenRejected(t *testing.T) {
	a, _ := newPair(t, func(ch *Channel, localPort uint32, initial []byte) bool {
		return false
	})

	recvCh := make(chan error, 1)
	ch, err := a.Open(1, nil, ModeReliable)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ch.OnReceive = func(c *Channel, data []byte, err error) {
		recvCh <- err
	}

	select {
	case err := <-recvCh:
		if err != ErrRejected {
			t.Fatalf("expected ErrRejected, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("never received rejection callback")
	}
	if ch.State() != StateClosed {
		t.Fatalf("expected channel closed after reject, got %v", ch.State())
	}
}

func TestReliableDataDeliveryAndAck(t *testing.T) {
	a, b := newPair(t, func(ch *Channel, localPort uint32, initial []byte) bool { return true })

	ch, err := a.Open(1, nil, ModeReliable)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitState(t, ch, StateOpen)

	var peerCh *Channel
	for _, c := range b.byPort {
		peerCh = c
	}
	if peerCh == nil {
		t.Fatal("peer never registered a channel")
	}

	received := make(chan []byte, 1)
	peerCh.OnReceive = func(c *Channel, data []byte, err error) {
		if err == nil {
			received <- data
		}
	}

	n, err := ch.Send([]byte("payload"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n != len("payload") {
		t.Fatalf("Send returned %d, want %d", n, len("payload"))
	}

	select {
	case got := <-received:
		if string(got) != "payload" {
			t.Fatalf("received %q, want %q", got, "payload")
		}
	case <-time.After(time.Second):
		t.Fatal("never received data")
	}

	// The ACK should clear the sender's unacked set.
	deadline := time.Now().Add(time.Second)
	for ch.GetSendQ() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if ch.GetSendQ() != 0 {
		t.Fatalf("expected sendq to drain after ack, got %d", ch.GetSendQ())
	}
}

func TestFramedModeDeliversWholeFramesOnly(t *testing.T) {
	a, b := newPair(t, func(ch *Channel, localPort uint32, initial []byte) bool { return true })
	ch, err := a.Open(1, nil, ModeFramed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitState(t, ch, StateOpen)

	var peerCh *Channel
	for _, c := range b.byPort {
		peerCh = c
	}
	peerCh.mu.Lock()
	peerCh.mode = ModeFramed
	peerCh.mu.Unlock()

	frames := make(chan []byte, 4)
	peerCh.OnReceive = func(c *Channel, data []byte, err error) {
		if err == nil {
			frames <- append([]byte(nil), data...)
		}
	}

	if _, err := ch.Send([]byte("abc")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := ch.Send([]byte("defg")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var got [][]byte
	deadline := time.Now().Add(time.Second)
	for len(got) < 2 && time.Now().Before(deadline) {
		select {
		case f := <-frames:
			got = append(got, f)
		case <-time.After(10 * time.Millisecond):
		}
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 whole frames, got %d: %v", len(got), got)
	}
	if string(got[0]) != "abc" || string(got[1]) != "defg" {
		t.Fatalf("unexpected frame contents: %q %q", got[0], got[1])
	}
}

func TestNoPartialRejectsOversizedMessage(t *testing.T) {
	a, _ := newPair(t, func(ch *Channel, localPort uint32, initial []byte) bool { return true })
	ch, err := a.Open(1, nil, ModeReliable|ModeNoPartial)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ch.mu.Lock()
	ch.state = StateOpen
	ch.mu.Unlock()

	huge := make([]byte, DefaultBufferSize+1)
	n, err := ch.Send(huge)
	if n != -1 || err != ErrTooLarge {
		t.Fatalf("Send(huge) = (%d, %v), want (-1, ErrTooLarge)", n, err)
	}
}

func TestUDPModeRejectsOversizedDatagram(t *testing.T) {
	a, _ := newPair(t, func(ch *Channel, localPort uint32, initial []byte) bool { return true })
	ch, err := a.Open(1, nil, ModeUDP)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ch.mu.Lock()
	ch.state = StateOpen
	ch.mu.Unlock()

	huge := make([]byte, MaxDatagramSize+1)
	n, err := ch.Send(huge)
	if n != -1 || err != ErrTooLarge {
		t.Fatalf("Send(huge) = (%d, %v), want (-1, ErrTooLarge)", n, err)
	}
}

func TestCloseSendsFinAndPeerObservesClose(t *testing.T) {
	a, b := newPair(t, func(ch *Channel, localPort uint32, initial []byte) bool { return true })
	ch, err := a.Open(1, nil, ModeReliable)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitState(t, ch, StateOpen)

	var peerCh *Channel
	for _, c := range b.byPort {
		peerCh = c
	}

	closedCh := make(chan struct{}, 1)
	peerCh.OnReceive = func(c *Channel, data []byte, err error) {
		if data == nil && err == nil {
			closedCh <- struct{}{}
		}
	}

	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case <-closedCh:
	case <-time.After(time.Second):
		t.Fatal("peer never observed FIN")
	}
}

func TestAIOSendDrainsQueueInOrder(t *testing.T) {
	a, b := newPair(t, func(ch *Channel, localPort uint32, initial []byte) bool { return true })
	ch, err := a.Open(1, nil, ModeReliable)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitState(t, ch, StateOpen)

	var peerCh *Channel
	for _, c := range b.byPort {
		peerCh = c
	}
	var mu sync.Mutex
	var gotAll []byte
	peerCh.OnReceive = func(c *Channel, data []byte, err error) {
		if err == nil {
			mu.Lock()
			gotAll = append(gotAll, data...)
			mu.Unlock()
		}
	}

	done := make(chan int, 1)
	ch.AIOSend([]byte("12345"), func(sent int, err error) {
		done <- sent
	})

	select {
	case sent := <-done:
		if sent != 5 {
			t.Fatalf("AIOSend completed with %d bytes, want 5", sent)
		}
	case <-time.After(time.Second):
		t.Fatal("AIOSend never completed")
	}

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		got := string(gotAll)
		mu.Unlock()
		if got == "12345" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("peer received %q, want %q", got, "12345")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCheckUnreachableForceClosesAfterTimeout(t *testing.T) {
	a, _ := newPair(t, nil)
	ch, err := a.Open(1, nil, ModeReliable)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ch.mu.Lock()
	ch.state = StateOpen
	ch.mu.Unlock()

	recv := make(chan error, 1)
	ch.OnReceive = func(c *Channel, data []byte, err error) {
		recv <- err
	}

	ch.NotePeerUnreachable(time.Now().Add(-2 * unreachableTimeout))
	ch.CheckUnreachable(time.Now())

	select {
	case err := <-recv:
		if err != ErrUnreachable {
			t.Fatalf("expected ErrUnreachable, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("CheckUnreachable never force-closed the channel")
	}
	if ch.State() != StateClosed {
		t.Fatalf("expected StateClosed, got %v", ch.State())
	}
}

func TestAbortFlushesPendingAIOCompletions(t *testing.T) {
	a, _ := newPair(t, func(ch *Channel, localPort uint32, initial []byte) bool { return true })
	ch, err := a.Open(1, nil, ModeReliable)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitState(t, ch, StateOpen)

	buf := make([]byte, 10<<20)
	sendDone := make(chan int, 2)
	ch.AIOSend(buf, func(sent int, err error) { sendDone <- sent })
	ch.AIOSend(buf, func(sent int, err error) { sendDone <- sent })

	recvDone := make(chan int, 1)
	recvBuf := make([]byte, 10<<20)
	ch.AIOReceive(recvBuf, func(received int, err error) { recvDone <- received })

	ch.Abort()

	if ch.State() != StateClosed {
		t.Fatalf("State() after Abort = %v, want StateClosed", ch.State())
	}

	for i := 0; i < 2; i++ {
		select {
		case <-sendDone:
		case <-time.After(time.Second):
			t.Fatal("queued AIOSend completion never fired after Abort")
		}
	}
	select {
	case <-recvDone:
	case <-time.After(time.Second):
		t.Fatal("queued AIOReceive completion never fired after Abort")
	}
}

func TestWindowRoomReflectsCongestionWindowAndOutstandingBytes(t *testing.T) {
	a, _ := newPair(t, func(ch *Channel, localPort uint32, initial []byte) bool { return true })
	ch, err := a.Open(1, nil, ModeReliable)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ch.mu.Lock()
	ch.state = StateOpen
	ch.cwnd = 5000
	ch.sendBuf = make([]byte, 2000)
	ch.mu.Unlock()

	if room := ch.windowRoom(); room != 3000 {
		t.Fatalf("windowRoom() = %d, want 3000", room)
	}

	ch.mu.Lock()
	ch.sendBuf = make([]byte, 6000)
	ch.mu.Unlock()
	if room := ch.windowRoom(); room != 0 {
		t.Fatalf("windowRoom() = %d, want 0 once outstanding bytes exceed cwnd", room)
	}
}

func TestCongestionWindowGrowthAndShrinkage(t *testing.T) {
	a, _ := newPair(t, func(ch *Channel, localPort uint32, initial []byte) bool { return true })
	ch, err := a.Open(1, nil, ModeReliable)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ch.mu.Lock()
	ch.state = StateOpen
	ch.cwnd = 2000
	ch.ssthresh = 10000
	ch.mu.Unlock()

	// Below ssthresh: slow start doubles cwnd.
	ch.mu.Lock()
	ch.growCongestionWindowLocked()
	got := ch.cwnd
	ch.mu.Unlock()
	if got != 4000 {
		t.Fatalf("cwnd after slow-start growth = %v, want 4000", got)
	}

	// At/above ssthresh: congestion avoidance grows linearly.
	ch.mu.Lock()
	ch.cwnd = ch.ssthresh
	ch.growCongestionWindowLocked()
	got = ch.cwnd
	ch.mu.Unlock()
	if got != 10000+cwndAvoidanceStep {
		t.Fatalf("cwnd after congestion-avoidance growth = %v, want %v", got, 10000+cwndAvoidanceStep)
	}

	// A loss halves ssthresh and resets cwnd to the floor.
	ch.mu.Lock()
	ch.cwnd = 16384
	ch.shrinkCongestionWindowLocked()
	gotCwnd, gotSsthresh := ch.cwnd, ch.ssthresh
	ch.mu.Unlock()
	if gotSsthresh != 8192 {
		t.Fatalf("ssthresh after shrink = %v, want 8192 (half of 16384)", gotSsthresh)
	}
	if gotCwnd != minCwnd {
		t.Fatalf("cwnd after shrink = %v, want minCwnd (%v)", gotCwnd, minCwnd)
	}

	// ssthresh never drops below the floor either.
	ch.mu.Lock()
	ch.cwnd = 100
	ch.shrinkCongestionWindowLocked()
	gotSsthresh = ch.ssthresh
	ch.mu.Unlock()
	if gotSsthresh != minCwnd {
		t.Fatalf("ssthresh after shrinking a small window = %v, want the minCwnd floor (%v)", gotSsthresh, minCwnd)
	}
}

func TestNoPartialReturnsWouldBlockWhenSendBufFull(t *testing.T) {
	a, _ := newPair(t, func(ch *Channel, localPort uint32, initial []byte) bool { return true })
	ch, err := a.Open(1, nil, ModeReliable|ModeNoPartial)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ch.mu.Lock()
	ch.state = StateOpen
	ch.sendBuf = make([]byte, ch.sendBufSize)
	ch.mu.Unlock()

	n, err := ch.Send([]byte("anything"))
	if n != 0 || err != ErrWouldBlock {
		t.Fatalf("Send() with full sendBuf = (%d, %v), want (0, ErrWouldBlock)", n, err)
	}
}

func TestReliableSendChunksPayloadLargerThanOneSegment(t *testing.T) {
	a, b := newPair(t, func(ch *Channel, localPort uint32, initial []byte) bool { return true })
	ch, err := a.Open(1, nil, ModeReliable)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitState(t, ch, StateOpen)

	var peerCh *Channel
	for _, c := range b.byPort {
		peerCh = c
	}

	var mu sync.Mutex
	var gotAll []byte
	segments := 0
	peerCh.OnReceive = func(c *Channel, data []byte, err error) {
		if err == nil {
			mu.Lock()
			gotAll = append(gotAll, data...)
			segments++
			mu.Unlock()
		}
	}

	payload := make([]byte, 2*maxSegmentPayload+10000)
	for i := range payload {
		payload[i] = byte(i)
	}

	done := make(chan int, 1)
	ch.AIOSend(payload, func(sent int, err error) { done <- sent })

	select {
	case sent := <-done:
		if sent != len(payload) {
			t.Fatalf("AIOSend completed with %d bytes, want %d", sent, len(payload))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("AIOSend never completed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(gotAll)
		mu.Unlock()
		if n == len(payload) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("peer received %d bytes, want %d", n, len(payload))
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	for i := range payload {
		if gotAll[i] != payload[i] {
			t.Fatalf("reassembled payload differs at byte %d: got %d, want %d", i, gotAll[i], payload[i])
		}
	}
	if segments < 3 {
		t.Fatalf("expected the oversized payload to arrive as at least 3 segments, got %d", segments)
	}
}

func TestUDPSendDoesNotTrackUnackedOrRetransmit(t *testing.T) {
	a, b := newPair(t, func(ch *Channel, localPort uint32, initial []byte) bool { return true })
	ch, err := a.Open(1, nil, ModeUDP)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitState(t, ch, StateOpen)

	var peerCh *Channel
	for _, c := range b.byPort {
		peerCh = c
	}
	received := 0
	peerCh.OnReceive = func(c *Channel, data []byte, err error) {
		if err == nil {
			received++
		}
	}

	if _, err := ch.Send([]byte("datagram")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for received == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if received != 1 {
		t.Fatalf("expected the peer to receive 1 datagram, got %d", received)
	}
	if sq := ch.GetSendQ(); sq != 0 {
		t.Fatalf("GetSendQ() for a UDP channel = %d, want 0 (no unacked tracking)", sq)
	}

	// CheckTimers must be a no-op for ModeUDP: there's nothing unacked
	// to retransmit, and the peer must not see a second delivery.
	ch.mu.Lock()
	ch.lastSend = time.Now().Add(-time.Hour)
	ch.mu.Unlock()
	ch.CheckTimers(time.Now())
	time.Sleep(20 * time.Millisecond)
	if received != 1 {
		t.Fatalf("CheckTimers retransmitted a UDP datagram: received = %d, want 1", received)
	}
}

func waitState(t *testing.T, ch *Channel, want State) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for ch.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("channel never reached state %v, currently %v", want, ch.State())
		}
		time.Sleep(time.Millisecond)
	}
}
