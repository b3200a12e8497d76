/*
 * Package sptps implements the Simple Peer-to-Peer Security record
 * protocol: a small authenticated-encrypted session layered over a
 * reliable or datagram substrate, with a four-message handshake and
 * periodic rekey.
 *
 * Unlike a one-shot envelope-then-AEAD wrapping that re-derives a
 * fresh point per message, a Session keeps running handshake state, a
 * replay window, and directional sequence counters across many
 * records. Libs: internal/xcrypto for every cryptographic primitive,
 * internal/wire for record framing.
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

package sptps

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/meshlink/meshlink/internal/wire"
	"github.com/meshlink/meshlink/internal/xcrypto"
)

// Errors returned by Session methods: UNAUTHORIZED if a signature is
// invalid or the peer's public key is unknown; VERSION on protocol
// mismatch.
var (
	ErrUnauthorized = errors.New("sptps: handshake signature invalid")
	ErrVersion      = errors.New("sptps: protocol version mismatch")
	ErrReplay       = errors.New("sptps: record rejected as a replay")
	ErrNotActive    = errors.New("sptps: session is not in the active state")
	ErrBadState     = errors.New("sptps: handshake message out of sequence")
)

// ProtocolVersion is the SPTPS wire version this package implements.
const ProtocolVersion = 1

// replayWindowSize is the width of the anti-replay sliding window.
const replayWindowSize = 32

// rekeyAfterRecords and rekeyAfterInterval are the rekey triggers:
// after 2^32 records or one hour, whichever comes first.
const (
	rekeyAfterRecords  = uint64(1) << 32
	rekeyAfterInterval = time.Hour
)

type state int

const (
	stateAwaitKEX state = iota
	stateAwaitSIG
	stateAwaitACK
	stateActive
	stateClosed
)

// RecordHandler receives decrypted application records as they arrive,
// in order for stream mode or with the sequence counter attached for
// datagram mode.
type RecordHandler func(recordType wire.RecordType, counter uint32, payload []byte)

// Session is one SPTPS session between the local node and a peer.
type Session struct {
	mu sync.Mutex

	initiator bool
	label     []byte

	identity *xcrypto.IdentityKeyPair
	peerPub  ed25519.PublicKey

	eph     *xcrypto.EphemeralKeyPair
	peerEph [xcrypto.X25519KeySize]byte

	keys    *xcrypto.DirectionalKeys
	oldKeys *xcrypto.DirectionalKeys
	oldKeysExpireAt time.Time

	state state

	sendCounter uint32
	recvHigh    uint32
	replayMask  uint32
	haveRecv    bool

	recordsSinceRekey uint64
	lastRekey         time.Time

	onRecord RecordHandler
}

// NewSession creates an SPTPS session. peerPub is the identity public
// key the mesh's node store already has on file for this peer;
// signature verification fails with ErrUnauthorized if it doesn't
// match, so the caller must resolve it before calling NewSession.
func NewSession(identity *xcrypto.IdentityKeyPair, peerPub ed25519.PublicKey, label []byte, initiator bool, onRecord RecordHandler) *Session {
	return &Session{
		initiator: initiator,
		label:     append([]byte(nil), label...),
		identity:  identity,
		peerPub:   peerPub,
		state:     stateAwaitKEX,
		onRecord:  onRecord,
		lastRekey: time.Time{},
	}
}

// kexPayload is the wire form of a KEX handshake message: our ephemeral
// public key plus the protocol version, so a mismatch surfaces as
// VERSION rather than a garbled signature failure.
type kexPayload struct {
	Version uint8
	Pub     [xcrypto.X25519KeySize]byte
}

// Start generates our ephemeral keypair and returns the first KEX
// message to send to the peer. Both sides call Start independently;
// SPTPS's handshake is symmetric, not leader/follower gated.
func (s *Session) Start() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rekeyLocked(0)
}

// rekeyLocked (re)generates our ephemeral keypair, retains the current
// session keys (if any) as oldKeys for rtt so in-flight records
// encrypted under them still decrypt, and returns the KEX message
// announcing the new ephemeral public key. Caller must hold s.mu.
func (s *Session) rekeyLocked(rtt time.Duration) ([]byte, error) {
	eph, err := xcrypto.GenerateEphemeral()
	if err != nil {
		return nil, fmt.Errorf("sptps: generating ephemeral keypair: %w", err)
	}
	if s.keys != nil {
		s.oldKeys = s.keys
		s.oldKeysExpireAt = time.Now().Add(rtt)
	}
	s.recordsSinceRekey = 0
	s.eph = eph
	s.state = stateAwaitKEX
	kex := kexPayload{Version: ProtocolVersion, Pub: eph.Public}
	body, err := wire.Marshal(&kex)
	if err != nil {
		return nil, err
	}
	return s.frame(wire.RecordTypeKEX, body), nil
}

// frame renders a handshake record: type byte followed by the raw
// (unencrypted) body. Handshake records are authenticated by the SIG
// step, not individually encrypted — encryption is reserved for
// type < 128 application records.
func (s *Session) frame(t wire.RecordType, body []byte) []byte {
	out := make([]byte, 0, 1+len(body))
	out = append(out, byte(t))
	return append(out, body...)
}

// transcript is the byte string signed in the SIG step: our role
// marker, our ephemeral public key, the peer's ephemeral public key,
// and the session label (e.g. the peer name), so a SIG cannot be
// replayed into a different session.
func transcript(selfIsInitiator bool, selfEph, peerEph [xcrypto.X25519KeySize]byte, label []byte) []byte {
	role := byte(0)
	if selfIsInitiator {
		role = 1
	}
	out := make([]byte, 0, 1+2*xcrypto.X25519KeySize+len(label))
	out = append(out, role)
	out = append(out, selfEph[:]...)
	out = append(out, peerEph[:]...)
	out = append(out, label...)
	return out
}

// HandleHandshake processes one incoming handshake record (type >=
// 128) and returns the next message to send, if any, and whether the
// session is now Active.
func (s *Session) HandleHandshake(raw []byte) ([]byte, bool, error) {
	if len(raw) < 1 {
		return nil, false, fmt.Errorf("sptps: empty handshake record")
	}
	t := wire.RecordType(raw[0])
	body := raw[1:]

	s.mu.Lock()
	defer s.mu.Unlock()

	switch t {
	case wire.RecordTypeKEX:
		if s.state != stateAwaitKEX {
			return nil, false, ErrBadState
		}
		var kex kexPayload
		if err := wire.Unmarshal(body, &kex); err != nil {
			return nil, false, err
		}
		if kex.Version != ProtocolVersion {
			return nil, false, ErrVersion
		}
		s.peerEph = kex.Pub
		secret, err := s.eph.SharedSecret(s.peerEph)
		if err != nil {
			return nil, false, fmt.Errorf("sptps: %w", xcrypto.ErrCrypto)
		}
		keys, err := xcrypto.DeriveKeys(secret, s.label, s.initiator)
		if err != nil {
			return nil, false, err
		}
		s.keys = keys
		s.lastRekey = time.Now()

		tr := transcript(s.initiator, s.eph.Public, s.peerEph, s.label)
		sig := xcrypto.Sign(s.identity.Private, tr)
		s.state = stateAwaitSIG
		return s.frame(wire.RecordTypeSIG, sig), false, nil

	case wire.RecordTypeSIG:
		if s.state != stateAwaitSIG {
			return nil, false, ErrBadState
		}
		peerTranscript := transcript(!s.initiator, s.peerEph, s.eph.Public, s.label)
		if !xcrypto.Verify(s.peerPub, peerTranscript, body) {
			return nil, false, ErrUnauthorized
		}
		s.state = stateAwaitACK
		return s.frame(wire.RecordTypeHandACK, nil), false, nil

	case wire.RecordTypeHandACK:
		if s.state != stateAwaitACK && s.state != stateAwaitSIG {
			return nil, false, ErrBadState
		}
		s.state = stateActive
		return nil, true, nil
	}
	return nil, false, fmt.Errorf("sptps: unknown handshake record type %d", t)
}

// Established reports whether the handshake has completed.
func (s *Session) Established() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateActive
}

// PushBytes encrypts plaintext as an application record of the given
// type and returns the framed wire bytes. t must be < 128.
func (s *Session) PushBytes(t wire.RecordType, plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateActive {
		return nil, ErrNotActive
	}
	if !t.IsApplication() {
		return nil, fmt.Errorf("sptps: record type %d is reserved for handshake/rekey", t)
	}
	counter := s.sendCounter
	s.sendCounter++
	s.recordsSinceRekey++

	nonce := xcrypto.NonceFromCounter(s.directionByte(true), counter)
	ct, err := xcrypto.Seal(s.keys.SendKey, nonce, plaintext, []byte{byte(t)})
	if err != nil {
		return nil, err
	}
	body := make([]byte, 4+len(ct))
	body[0] = byte(counter >> 24)
	body[1] = byte(counter >> 16)
	body[2] = byte(counter >> 8)
	body[3] = byte(counter)
	copy(body[4:], ct)
	return s.frame(t, body), nil
}

// directionByte picks a stable per-direction nonce tag so the two
// sides of a session never reuse a (key, nonce) pair even if their
// counters happen to collide.
func (s *Session) directionByte(sending bool) byte {
	if sending == s.initiator {
		return 1
	}
	return 0
}

// HandleApplicationRecord decrypts an incoming application record
// (type < 128) and, on success, invokes the session's RecordHandler.
// Replays outside the trailing 32-record window are rejected.
func (s *Session) HandleApplicationRecord(raw []byte) error {
	if len(raw) < 5 {
		return fmt.Errorf("sptps: application record too short")
	}
	t := wire.RecordType(raw[0])
	if !t.IsApplication() {
		return fmt.Errorf("sptps: record type %d is not an application record", t)
	}
	counter := uint32(raw[1])<<24 | uint32(raw[2])<<16 | uint32(raw[3])<<8 | uint32(raw[4])
	ct := raw[5:]

	s.mu.Lock()
	if s.state != stateActive {
		s.mu.Unlock()
		return ErrNotActive
	}
	if !s.acceptReplayLocked(counter) {
		s.mu.Unlock()
		return ErrReplay
	}
	nonce := xcrypto.NonceFromCounter(s.directionByte(false), counter)
	keys := s.keys
	handler := s.onRecord
	s.mu.Unlock()

	pt, err := xcrypto.Open(keys.RecvKey, nonce, ct, []byte{byte(t)})
	if err != nil {
		// A record encrypted under the keys retired by a rekey that
		// completed after it was sent but before it arrived: retry
		// with oldKeys while its grace period still holds, rather
		// than dropping a record the peer already considers acked.
		s.mu.Lock()
		old := s.oldKeys
		expireAt := s.oldKeysExpireAt
		s.mu.Unlock()
		if old == nil || time.Now().After(expireAt) {
			return err
		}
		pt, err = xcrypto.Open(old.RecvKey, nonce, ct, []byte{byte(t)})
		if err != nil {
			return err
		}
	}
	if handler != nil {
		handler(t, counter, pt)
	}
	return nil
}

// acceptReplayLocked implements the 32-wide sliding replay window.
// Caller must hold s.mu.
func (s *Session) acceptReplayLocked(counter uint32) bool {
	if !s.haveRecv {
		s.haveRecv = true
		s.recvHigh = counter
		s.replayMask = 1
		return true
	}
	if counter > s.recvHigh {
		shift := counter - s.recvHigh
		if shift >= replayWindowSize {
			s.replayMask = 0
		} else {
			s.replayMask <<= shift
		}
		s.replayMask |= 1
		s.recvHigh = counter
		return true
	}
	back := s.recvHigh - counter
	if back >= replayWindowSize {
		return false
	}
	bit := uint32(1) << back
	if s.replayMask&bit != 0 {
		return false
	}
	s.replayMask |= bit
	return true
}

// NeedsRekey reports whether this session has crossed the rekey
// threshold: 2^32 records or one hour since the last rekey.
func (s *Session) NeedsRekey() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordsSinceRekey >= rekeyAfterRecords || time.Since(s.lastRekey) >= rekeyAfterInterval
}

// BeginRekey resets handshake state to send a fresh KEX while retaining
// the current keys as oldKeys for one RTT, so in-flight records
// encrypted under them still decrypt before being destroyed.
func (s *Session) BeginRekey(rtt time.Duration) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rekeyLocked(rtt)
}

// ExpireOldKeys destroys the retained pre-rekey keys once their RTT
// grace period has elapsed.
func (s *Session) ExpireOldKeys() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.oldKeys != nil && time.Now().After(s.oldKeysExpireAt) {
		s.oldKeys = nil
	}
}
