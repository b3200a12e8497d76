/*
 * Tests for the MeshLink public API.
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
	"errors"
	"testing"

	"github.com/meshlink/meshlink/internal/wire"
)

func TestExportImportRoundTrip(t *testing.T) {
	dave, err := OpenEphemeral("dave", DeviceStationary)
	if err != nil {
		t.Fatalf("OpenEphemeral(dave): %v", err)
	}
	defer dave.Close()
	if err := dave.SetCanonicalAddress("127.0.0.1", "18704"); err != nil {
		t.Fatalf("SetCanonicalAddress: %v", err)
	}

	blob, err := dave.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	erin, err := OpenEphemeral("erin", DeviceStationary)
	if err != nil {
		t.Fatalf("OpenEphemeral(erin): %v", err)
	}
	defer erin.Close()

	if err := erin.Import(blob); err != nil {
		t.Fatalf("Import: %v", err)
	}
	node, ok := erin.GetNode("dave")
	if !ok {
		t.Fatal("GetNode(dave) not found after Import")
	}
	if len(node.Addresses) == 0 || node.Addresses[0] != "127.0.0.1:18704" {
		t.Fatalf("imported node addresses = %v, want [127.0.0.1:18704]", node.Addresses)
	}
}

func TestExportWithoutAddressFails(t *testing.T) {
	m, err := OpenEphemeral("frank", DeviceStationary)
	if err != nil {
		t.Fatalf("OpenEphemeral: %v", err)
	}
	defer m.Close()

	if _, err := m.Export(); !errors.Is(err, ErrInval) {
		t.Fatalf("Export with no address: got %v, want ErrInval", err)
	}
}

func TestGetAllNodesByDevClass(t *testing.T) {
	m, err := OpenEphemeral("gina", DeviceStationary)
	if err != nil {
		t.Fatalf("OpenEphemeral: %v", err)
	}
	defer m.Close()

	backboneBlob := wire.EncodeExport(wire.ExportRecord{
		Name:        "hub",
		DeviceClass: int(DeviceBackbone),
		PublicKey:   make([]byte, 32),
		Addresses:   []string{"127.0.0.1:19000"},
	})
	if err := m.Import(backboneBlob); err != nil {
		t.Fatalf("Import: %v", err)
	}

	backbones := m.GetAllNodesByDevClass(DeviceBackbone)
	if len(backbones) != 1 || backbones[0].Name != "hub" {
		t.Fatalf("GetAllNodesByDevClass(Backbone) = %v, want exactly [hub]", backbones)
	}
	if portables := m.GetAllNodesByDevClass(DevicePortable); len(portables) != 0 {
		t.Fatalf("GetAllNodesByDevClass(Portable) = %v, want empty", portables)
	}
}

func TestBlacklistWhitelistForget(t *testing.T) {
	m, err := OpenEphemeral("henry", DeviceStationary)
	if err != nil {
		t.Fatalf("OpenEphemeral: %v", err)
	}
	defer m.Close()

	blob := wire.EncodeExport(wire.ExportRecord{
		Name:        "ivan",
		DeviceClass: int(DeviceStationary),
		PublicKey:   make([]byte, 32),
		Addresses:   []string{"127.0.0.1:19001"},
	})
	if err := m.Import(blob); err != nil {
		t.Fatalf("Import: %v", err)
	}
	node, ok := m.GetNode("ivan")
	if !ok {
		t.Fatal("GetNode(ivan) not found")
	}

	if err := m.Blacklist(node); err != nil {
		t.Fatalf("Blacklist: %v", err)
	}
	if !m.GetNodeBlacklisted(node) {
		t.Fatal("GetNodeBlacklisted after Blacklist = false, want true")
	}
	if err := m.Whitelist(node); err != nil {
		t.Fatalf("Whitelist: %v", err)
	}
	if m.GetNodeBlacklisted(node) {
		t.Fatal("GetNodeBlacklisted after Whitelist = true, want false")
	}

	if err := m.ForgetNode("ivan"); err != nil {
		t.Fatalf("ForgetNode: %v", err)
	}
	if _, ok := m.GetNode("ivan"); ok {
		t.Fatal("GetNode(ivan) still present after ForgetNode")
	}
	if err := m.ForgetNode("ivan"); !errors.Is(err, ErrNoEnt) {
		t.Fatalf("ForgetNode on unknown node: got %v, want ErrNoEnt", err)
	}
}

func TestSendAndChannelOpenRequireConnection(t *testing.T) {
	m, err := OpenEphemeral("judy", DeviceStationary)
	if err != nil {
		t.Fatalf("OpenEphemeral: %v", err)
	}
	defer m.Close()

	if err := m.Send("nobody", []byte("hi")); !errors.Is(err, ErrPeerUnreachable) {
		t.Fatalf("Send to unknown peer: got %v, want ErrPeerUnreachable", err)
	}
	if _, err := m.ChannelOpen("nobody", 1, nil); !errors.Is(err, ErrPeerUnreachable) {
		t.Fatalf("ChannelOpen to unknown peer: got %v, want ErrPeerUnreachable", err)
	}
}

func TestSignVerify(t *testing.T) {
	m, err := OpenEphemeral("karl", DeviceStationary)
	if err != nil {
		t.Fatalf("OpenEphemeral: %v", err)
	}
	defer m.Close()

	msg := []byte("attack at dawn")
	sig := m.Sign(msg)
	self := m.Self()
	if !m.Verify(self, msg, sig) {
		t.Fatal("Verify(Self(), msg, Sign(msg)) = false, want true")
	}
	if m.Verify(self, []byte("different message"), sig) {
		t.Fatal("Verify with tampered message unexpectedly succeeded")
	}
}
