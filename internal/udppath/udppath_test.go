/*
 * Tests for package udppath.
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

package udppath

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/meshlink/meshlink/internal/meshlog"
)

func TestPathBinarySearchConverges(t *testing.T) {
	p := NewPath("peer")
	p.Learn(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1})

	// Every probe the path picks succeeds: minMTU should race straight
	// up to maxProbeSize and converge without ever calling RecordFailure.
	for i := 0; i < 64; i++ {
		size := p.NextProbe(uint32(i))
		if size < minProbeSize || size > maxProbeSize {
			t.Fatalf("probe size %d out of bounds", size)
		}
		p.RecordSuccess(uint32(i), size)
		if p.State() == StateWorking {
			break
		}
	}
	if p.State() != StateWorking {
		t.Fatalf("path never reached WORKING, state=%s", p.State())
	}
	if p.MTU() < maxProbeSize-2 {
		t.Fatalf("expected mtu to converge near %d, got %d", maxProbeSize, p.MTU())
	}
}

func TestPathBinarySearchNarrowsOnFailure(t *testing.T) {
	p := NewPath("peer")
	p.Learn(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1})

	// A path whose true ceiling is 1400 bytes: every probe above that
	// fails, every probe at or below succeeds.
	const ceiling = 1400
	seq := uint32(0)
	for i := 0; i < 200; i++ {
		size := p.NextProbe(seq)
		if size > ceiling {
			p.RecordFailure(seq)
		} else {
			p.RecordSuccess(seq, size)
		}
		seq++
		if p.State() == StateWorking {
			break
		}
	}
	if p.State() != StateWorking {
		t.Fatalf("path never reached WORKING, state=%s", p.State())
	}
	if p.MTU() > ceiling {
		t.Fatalf("fixed mtu %d exceeds true ceiling %d", p.MTU(), ceiling)
	}
}

func TestPathIdleTimeoutResets(t *testing.T) {
	p := NewPath("peer")
	p.Learn(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1})
	p.mu.Lock()
	p.state = StateWorking
	p.mtu = 1400
	p.lastSuccess = time.Now().Add(-time.Hour)
	p.mu.Unlock()

	p.CheckIdle(time.Now())
	if p.State() != StateTrying {
		t.Fatalf("expected TRYING after idle timeout, got %s", p.State())
	}
	if p.MTU() != 0 {
		t.Fatalf("expected mtu reset to 0, got %d", p.MTU())
	}
}

func TestPathPersistentFailureMarksFailed(t *testing.T) {
	p := NewPath("peer")
	p.Learn(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1})

	seq := uint32(0)
	for i := 0; i < symmetricNATThreshold+1; i++ {
		p.NextProbe(seq)
		p.RecordFailure(seq)
		seq++
	}
	if p.State() != StateFailed {
		t.Fatalf("expected FAILED after persistent probe loss, got %s", p.State())
	}
}

func TestSocketEchoesProbeAndConverges(t *testing.T) {
	log := &meshlog.Logger{}
	a, err := NewSocket("127.0.0.1:0", log)
	if err != nil {
		t.Fatalf("NewSocket a: %v", err)
	}
	defer a.Close()
	b, err := NewSocket("127.0.0.1:0", log)
	if err != nil {
		t.Fatalf("NewSocket b: %v", err)
	}
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go a.Run(ctx)
	go b.Run(ctx)

	bAddr := b.LocalAddr().(*net.UDPAddr)
	path := a.Learn("b", bAddr)

	deadline := time.Now().Add(2 * time.Second)
	for path.State() != StateWorking && time.Now().Before(deadline) {
		if _, err := a.ProbeOnce(path); err != nil {
			t.Fatalf("ProbeOnce: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if path.State() != StateWorking {
		t.Fatalf("path never reached WORKING via real sockets, state=%s", path.State())
	}
}
