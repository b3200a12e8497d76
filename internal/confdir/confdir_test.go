/*
 * Tests for package confdir.
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

package confdir

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenCreatesLayoutAndLocks(t *testing.T) {
	base := t.TempDir()
	d, err := Open(base, Enabled, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	for _, sub := range []string{"hosts", "invitations"} {
		if _, err := os.Stat(filepath.Join(base, "current", sub)); err != nil {
			t.Fatalf("missing %s dir: %v", sub, err)
		}
	}

	if _, err := Open(base, Enabled, nil); err == nil {
		t.Fatal("expected second Open on the same confbase to fail")
	}
}

func TestWriteReadHostPlaintext(t *testing.T) {
	base := t.TempDir()
	d, err := Open(base, Enabled, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	rec := HostRecord{Name: "foo", PublicKey: []byte("pubkey"), Addresses: []string{"10.0.0.1:655"}}
	if err := d.WriteHost(rec); err != nil {
		t.Fatalf("WriteHost: %v", err)
	}
	got, err := d.ReadHost("foo")
	if err != nil {
		t.Fatalf("ReadHost: %v", err)
	}
	if got.Name != "foo" || string(got.PublicKey) != "pubkey" || len(got.Addresses) != 1 {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestKeysOnlyStripsVolatileFields(t *testing.T) {
	base := t.TempDir()
	d, err := Open(base, KeysOnly, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	rec := HostRecord{Name: "foo", PublicKey: []byte("pubkey"), Addresses: []string{"10.0.0.1:655"}}
	if err := d.WriteHost(rec); err != nil {
		t.Fatalf("WriteHost: %v", err)
	}
	got, err := d.ReadHost("foo")
	if err != nil {
		t.Fatalf("ReadHost: %v", err)
	}
	if len(got.Addresses) != 0 {
		t.Fatalf("expected addresses stripped under KeysOnly, got %v", got.Addresses)
	}
}

func TestDisabledPolicySkipsWrites(t *testing.T) {
	base := t.TempDir()
	d, err := Open(base, Disabled, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	if err := d.WriteHost(HostRecord{Name: "foo"}); err != nil {
		t.Fatalf("WriteHost under Disabled: %v", err)
	}
	if _, err := d.ReadHost("foo"); err == nil {
		t.Fatal("expected no file written under Disabled policy")
	}
}

func TestEncryptedRoundTripAndWrongKeyFails(t *testing.T) {
	base := t.TempDir()
	d, err := Open(base, Enabled, []byte("correct horse"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := d.WriteHost(HostRecord{Name: "foo", PublicKey: []byte("k")}); err != nil {
		t.Fatalf("WriteHost: %v", err)
	}
	d.Close()

	good, err := Open(base, Enabled, []byte("correct horse"))
	if err != nil {
		t.Fatalf("Open with correct passphrase: %v", err)
	}
	if _, err := good.ReadHost("foo"); err != nil {
		t.Fatalf("ReadHost with correct passphrase: %v", err)
	}
	good.Close()

	bad, err := Open(base, Enabled, []byte("wrong passphrase"))
	if err != nil {
		t.Fatalf("Open with wrong passphrase (lock is independent of key): %v", err)
	}
	defer bad.Close()
	if _, err := bad.ReadHost("foo"); err == nil {
		t.Fatal("expected ReadHost with wrong passphrase to fail")
	}
}

func TestRotateKeyAtomicSwap(t *testing.T) {
	base := t.TempDir()
	d, err := Open(base, Enabled, []byte("old-key"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := d.WriteHost(HostRecord{Name: "foo", PublicKey: []byte("k")}); err != nil {
		t.Fatalf("WriteHost: %v", err)
	}
	if err := d.RotateKey([]byte("new-key")); err != nil {
		t.Fatalf("RotateKey: %v", err)
	}
	if _, err := d.ReadHost("foo"); err != nil {
		t.Fatalf("ReadHost after rotation with live Dir: %v", err)
	}
	d.Close()

	reopened, err := Open(base, Enabled, []byte("new-key"))
	if err != nil {
		t.Fatalf("Open with new key after rotation: %v", err)
	}
	defer reopened.Close()
	if _, err := reopened.ReadHost("foo"); err != nil {
		t.Fatalf("ReadHost with new key: %v", err)
	}
}
