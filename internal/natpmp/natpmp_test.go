/*
 * Tests for package natpmp.
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

package natpmp

import (
	"net"
	"testing"
)

func TestIsRoutableRejectsPrivateBlocks(t *testing.T) {
	cases := map[string]bool{
		"10.1.2.3":     false,
		"192.168.1.5":  false,
		"172.16.0.9":   false,
		"127.0.0.1":    false,
		"169.254.1.1":  false,
		"8.8.8.8":      true,
		"203.0.113.10": true,
		"2001:db8::1":  true,
		"fe80::1":      false,
	}
	for addr, want := range cases {
		ip := net.ParseIP(addr)
		if ip == nil {
			t.Fatalf("failed to parse IP %q", addr)
		}
		if got := isRoutable(ip); got != want {
			t.Errorf("isRoutable(%s) = %v, want %v", addr, got, want)
		}
	}
}

func TestJoinHostPortFormatsIPv6WithBrackets(t *testing.T) {
	v4 := joinHostPort(net.ParseIP("203.0.113.10"), 655)
	if v4 != "203.0.113.10:655" {
		t.Fatalf("unexpected IPv4 form: %q", v4)
	}
	v6 := joinHostPort(net.ParseIP("2001:db8::1"), 655)
	if v6 != "[2001:db8::1]:655" {
		t.Fatalf("unexpected IPv6 form: %q", v6)
	}
}

func TestAssignWithoutInitFails(t *testing.T) {
	m := &Mapper{}
	if _, _, err := m.Assign("udp", 655); err != ErrNotInitialized {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}
