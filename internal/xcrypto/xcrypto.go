/*
 * Package xcrypto implements the crypto primitives MeshLink's
 * handshake and record layer needs: Ed25519 identity signatures,
 * X25519 ECDH, an HKDF-SHA512 key derivation function, and
 * ChaCha20-Poly1305 AEAD record encryption.
 *
 * One reference implementation hand-rolls Ed25519 curve arithmetic to
 * compute an ECDH-like shared secret, but reaches for
 * golang.org/x/crypto's audited ChaCha20-Poly1305 rather than writing
 * its own AEAD. This package follows that same judgment throughout:
 * stdlib crypto/ed25519 for signatures, golang.org/x/crypto/curve25519
 * for the ECDH leg, and golang.org/x/crypto/hkdf for key derivation,
 * all real ecosystem libraries rather than hand-rolled math.
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

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Fixed key, signature, and nonce sizes for every crypto primitive
// this package wraps.
const (
	SignatureSize  = ed25519.SignatureSize // 64
	PublicKeySize  = ed25519.PublicKeySize // 32
	PrivateKeySize = ed25519.PrivateKeySize
	X25519KeySize  = curve25519.ScalarSize // 32
	AEADKeySize    = chacha20poly1305.KeySize
	AEADNonceSize  = chacha20poly1305.NonceSize
	AEADTagSize    = 16
)

// ErrCrypto is returned (wrapped with context by callers) on signature
// verification failure or malformed key material.
var ErrCrypto = errors.New("crypto: operation failed")

// IdentityKeyPair is a node's long-lived Ed25519 identity.
type IdentityKeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateIdentity creates a fresh Ed25519 identity keypair.
func GenerateIdentity() (*IdentityKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &IdentityKeyPair{Public: pub, Private: priv}, nil
}

// Sign produces a 64-byte Ed25519 signature over msg.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify checks a 64-byte Ed25519 signature over msg. Any single-bit
// change in msg or sig yields false.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// EphemeralKeyPair is an X25519 key exchange pair used once per SPTPS
// handshake (and again on rekey).
type EphemeralKeyPair struct {
	Public  [X25519KeySize]byte
	private [X25519KeySize]byte
}

// GenerateEphemeral creates a fresh X25519 keypair.
func GenerateEphemeral() (*EphemeralKeyPair, error) {
	var kp EphemeralKeyPair
	if _, err := io.ReadFull(rand.Reader, kp.private[:]); err != nil {
		return nil, err
	}
	// clamp per RFC 7748
	kp.private[0] &= 248
	kp.private[31] &= 127
	kp.private[31] |= 64
	pub, err := curve25519.X25519(kp.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(kp.Public[:], pub)
	return &kp, nil
}

// SharedSecret computes the ECDH shared point between our private key
// and the peer's public key.
func (kp *EphemeralKeyPair) SharedSecret(peerPublic [X25519KeySize]byte) ([]byte, error) {
	secret, err := curve25519.X25519(kp.private[:], peerPublic[:])
	if err != nil {
		return nil, ErrCrypto
	}
	return secret, nil
}

// DirectionalKeys are the two AEAD keys derived from an SPTPS
// handshake: one per direction, so that a replayed record from one side
// can never be misread as a record from the other.
type DirectionalKeys struct {
	SendKey [AEADKeySize]byte
	RecvKey [AEADKeySize]byte
}

// DeriveKeys runs HKDF-SHA512 over the ECDH shared secret and the
// handshake transcript label to produce the two directional keys. The
// "initiator" bool picks which half of the expanded key material maps
// to which direction, so both sides agree on send/recv without an extra
// round trip.
func DeriveKeys(sharedSecret, label []byte, initiator bool) (*DirectionalKeys, error) {
	r := hkdf.New(sha512.New, sharedSecret, nil, label)
	buf := make([]byte, 2*AEADKeySize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	keys := &DirectionalKeys{}
	a, b := buf[:AEADKeySize], buf[AEADKeySize:]
	if initiator {
		copy(keys.SendKey[:], a)
		copy(keys.RecvKey[:], b)
	} else {
		copy(keys.SendKey[:], b)
		copy(keys.RecvKey[:], a)
	}
	return keys, nil
}

// Seal encrypts plaintext with the given 32-byte key and 12-byte nonce,
// authenticating aad, and returns ciphertext||tag.
func Seal(key [AEADKeySize]byte, nonce [AEADNonceSize]byte, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce[:], plaintext, aad), nil
}

// Open decrypts ciphertext||tag with the given key/nonce, authenticating
// aad. It returns ErrCrypto on any authentication failure so a caller
// can distinguish it from an UNAUTHORIZED handshake failure.
func Open(key [AEADKeySize]byte, nonce [AEADNonceSize]byte, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, ErrCrypto
	}
	return pt, nil
}

// NonceFromCounter renders a 32-bit sequence/counter into the low bytes
// of a 12-byte ChaCha20-Poly1305 nonce.
func NonceFromCounter(direction byte, counter uint32) [AEADNonceSize]byte {
	var n [AEADNonceSize]byte
	n[0] = direction
	n[8] = byte(counter >> 24)
	n[9] = byte(counter >> 16)
	n[10] = byte(counter >> 8)
	n[11] = byte(counter)
	return n
}
