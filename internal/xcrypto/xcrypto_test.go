/*
 * Tests for package xcrypto.
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

package xcrypto

import "testing"

func TestSignVerify(t *testing.T) {
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	msg := []byte("hello mesh")
	sig := Sign(id.Private, msg)
	if !Verify(id.Public, msg, sig) {
		t.Fatal("valid signature rejected")
	}

	// flip a bit in the message
	bad := append([]byte(nil), msg...)
	bad[0] ^= 0x01
	if Verify(id.Public, bad, sig) {
		t.Fatal("signature verified over altered message")
	}

	// flip a bit in the signature
	badSig := append([]byte(nil), sig...)
	badSig[0] ^= 0x01
	if Verify(id.Public, msg, badSig) {
		t.Fatal("altered signature verified")
	}
}

func TestECDHAgreement(t *testing.T) {
	a, err := GenerateEphemeral()
	if err != nil {
		t.Fatalf("GenerateEphemeral a: %v", err)
	}
	b, err := GenerateEphemeral()
	if err != nil {
		t.Fatalf("GenerateEphemeral b: %v", err)
	}
	sa, err := a.SharedSecret(b.Public)
	if err != nil {
		t.Fatalf("a.SharedSecret: %v", err)
	}
	sb, err := b.SharedSecret(a.Public)
	if err != nil {
		t.Fatalf("b.SharedSecret: %v", err)
	}
	if string(sa) != string(sb) {
		t.Fatal("ECDH shared secrets disagree")
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	a, _ := GenerateEphemeral()
	b, _ := GenerateEphemeral()
	secret, _ := a.SharedSecret(b.Public)
	keys, err := DeriveKeys(secret, []byte("meshlink-sptps"), true)
	if err != nil {
		t.Fatalf("DeriveKeys: %v", err)
	}
	nonce := NonceFromCounter(0, 1)
	plaintext := []byte("application record")
	ct, err := Seal(keys.SendKey, nonce, plaintext, []byte("aad"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	pt, err := Open(keys.SendKey, nonce, ct, []byte("aad"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(pt) != string(plaintext) {
		t.Fatalf("round trip mismatch: got %q", pt)
	}

	// tampering is rejected
	ct[0] ^= 0x01
	if _, err := Open(keys.SendKey, nonce, ct, []byte("aad")); err == nil {
		t.Fatal("tampered ciphertext accepted")
	}
}
