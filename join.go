/*
 * Invitation redemption: joining a mesh via an invite URL.
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
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"net"
	"time"

	"github.com/meshlink/meshlink/internal/confdir"
	"github.com/meshlink/meshlink/internal/graph"
	"github.com/meshlink/meshlink/internal/wire"
	"github.com/meshlink/meshlink/internal/xcrypto"
)

// writePlainLine sends one meta-protocol line in cleartext, used only
// for the invitation bootstrap leg, which runs before either side has a
// peer key to run the usual SPTPS handshake against.
func writePlainLine(w net.Conn, line wire.Line) error {
	_, err := fmt.Fprintf(w, "%s\n", line.Render())
	return err
}

// readPlainLine reads one cleartext meta-protocol line.
func readPlainLine(br *bufio.Reader) (wire.Line, error) {
	raw, err := br.ReadString('\n')
	if err != nil && raw == "" {
		return wire.Line{}, err
	}
	return wire.ParseLine(raw)
}

// inviteSigMessage builds the byte string the issuer signs and the
// invitee verifies, binding the cookie to both identities and the
// reserved name so neither side can be substituted after the fact.
func inviteSigMessage(cookie string, issuerName string, issuerPub, inviteePub ed25519.PublicKey, name string) []byte {
	var buf bytes.Buffer
	buf.WriteString(cookie)
	buf.WriteString(issuerName)
	buf.Write(issuerPub)
	buf.Write(inviteePub)
	buf.WriteString(name)
	return buf.Bytes()
}

// Invite reserves a name for a new node and returns a meshlink://
// invitation URL good for expiry (DefaultExpiry if zero), to be handed
// to the invitee out of band and consumed once with Join.
func (m *Mesh) Invite(inviteeName string, expiry time.Duration) (string, error) {
	m.mu.RLock()
	issuer := m.issuer
	m.mu.RUnlock()
	if issuer == nil {
		return "", m.setErr(wrapErr(ErrBusy, "invite: mesh is not running or has no configuration directory"))
	}
	if _, err := wire.ValidateName(inviteeName); err != nil {
		return "", m.setErr(wrapErr(ErrInval, "invite: %v", err))
	}
	url, err := issuer.Invite(inviteeName, expiry)
	if err != nil {
		return "", m.setErr(wrapErr(ErrInval, "invite: %v", err))
	}
	return url, nil
}

// handleJoinRequest is the issuer side of the bootstrap protocol: it
// owns pc from the point its first line was peeked as "INVITE" and is
// responsible for closing it.
func (m *Mesh) handleJoinRequest(pc *peekedConn) {
	defer pc.Close()
	pc.Conn.SetDeadline(time.Now().Add(30 * time.Second))

	line, err := readPlainLine(pc.br)
	if err != nil || line.Verb != wire.VerbInvite || len(line.Args) != 2 {
		return
	}
	cookie, inviteePubB64 := line.Args[0], line.Args[1]

	inviteePub, err := base64.RawURLEncoding.DecodeString(inviteePubB64)
	if err != nil || len(inviteePub) != ed25519.PublicKeySize {
		writePlainLine(pc, wire.NewInviteErr("MALFORMED"))
		return
	}

	m.mu.RLock()
	issuer := m.issuer
	m.mu.RUnlock()
	if issuer == nil {
		writePlainLine(pc, wire.NewInviteErr("UNAVAILABLE"))
		return
	}

	name, err := issuer.Redeem(cookie)
	if err != nil {
		writePlainLine(pc, wire.NewInviteErr("UNAUTHORIZED"))
		return
	}

	sig := xcrypto.Sign(m.identity.Private, inviteSigMessage(cookie, m.selfName, m.identity.Public, inviteePub, name))
	okLine := wire.NewInviteOK(
		m.selfName,
		base64.RawURLEncoding.EncodeToString(m.identity.Public),
		name,
		base64.RawURLEncoding.EncodeToString(sig),
	)
	if err := writePlainLine(pc, okLine); err != nil {
		return
	}

	if err := m.sendEdgeSnapshot(pc); err != nil {
		return
	}

	m.store.AddNode(&graph.Node{Name: name, PublicKey: inviteePub, DeviceClass: DeviceUnknown})
	m.persistHost(confdir.HostRecord{
		Name:        name,
		PublicKey:   inviteePub,
		DeviceClass: int(DeviceUnknown),
	})
}

// sendEdgeSnapshot writes an ADD_EDGE line for every edge currently
// known, terminated by ACK, mirroring internal/metaconn's announceSelf
// but over the cleartext bootstrap connection.
func (m *Mesh) sendEdgeSnapshot(w net.Conn) error {
	names := make(map[int]string)
	nodes := m.store.AllNodes()
	for _, n := range nodes {
		names[n.ID] = n.Name
	}
	for _, e := range m.store.AllEdges() {
		fromName, okFrom := names[e.From]
		toName, okTo := names[e.To]
		if !okFrom || !okTo {
			continue
		}
		if err := writePlainLine(w, wire.NewAddEdge(fromName, toName, e.Host, e.Port, e.Options, e.Weight)); err != nil {
			return err
		}
	}
	return writePlainLine(w, wire.Line{Verb: wire.VerbACK})
}

// Join consumes a meshlink:// invitation URL: it dials the issuer,
// redeems the cookie, verifies the issuer's signature over the
// exchange, and applies the issuer's edge snapshot into the local
// graph. The local node's own name must already match the name the
// issuer reserved with Invite.
func (m *Mesh) Join(ctx context.Context, invitationURL string) error {
	inv, err := wire.ParseInvitationURL(invitationURL)
	if err != nil {
		return m.setErr(wrapErr(ErrInval, "join: %v", err))
	}
	port := inv.Port
	if port == "" {
		port = DefaultPort
	}
	addr := net.JoinHostPort(inv.Host, port)

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return m.setErr(wrapErr(ErrNetwork, "join: dialing %s: %v", addr, err))
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second))

	inviteePubB64 := base64.RawURLEncoding.EncodeToString(m.identity.Public)
	if err := writePlainLine(conn, wire.NewInvite(inv.Cookie, inviteePubB64)); err != nil {
		return m.setErr(wrapErr(ErrNetwork, "join: %v", err))
	}

	br := bufio.NewReader(conn)
	reply, err := readPlainLine(br)
	if err != nil {
		return m.setErr(wrapErr(ErrNetwork, "join: reading reply: %v", err))
	}
	switch reply.Verb {
	case wire.VerbInviteErr:
		reason := "unknown"
		if len(reply.Args) > 0 {
			reason = reply.Args[0]
		}
		return m.setErr(wrapErr(ErrInval, "join: invitation rejected: %s", reason))
	case wire.VerbInviteOK:
		// handled below
	default:
		return m.setErr(wrapErr(ErrNetwork, "join: unexpected reply %q", reply.Verb))
	}
	if len(reply.Args) != 4 {
		return m.setErr(wrapErr(ErrNetwork, "join: malformed INVITE_OK"))
	}
	issuerName, issuerPubB64, name, sigB64 := reply.Args[0], reply.Args[1], reply.Args[2], reply.Args[3]

	issuerPub, err := base64.RawURLEncoding.DecodeString(issuerPubB64)
	if err != nil || len(issuerPub) != ed25519.PublicKeySize {
		return m.setErr(wrapErr(ErrCrypto, "join: malformed issuer key"))
	}
	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return m.setErr(wrapErr(ErrCrypto, "join: malformed signature"))
	}
	msg := inviteSigMessage(inv.Cookie, issuerName, issuerPub, m.identity.Public, name)
	if !xcrypto.Verify(issuerPub, msg, sig) {
		return m.setErr(wrapErr(ErrCrypto, "join: issuer signature does not verify"))
	}
	if name != m.selfName {
		return m.setErr(wrapErr(ErrInval, "join: issuer reserved name %q, this node is %q", name, m.selfName))
	}

	// Learn the issuer itself even if its edge snapshot is empty (the
	// common case for a brand-new mesh's very first join, before the
	// issuer has any other connections to gossip edges about).
	m.learnNode(issuerName, issuerName, issuerPub, inv.Host, port)

	if err := m.applyEdgeSnapshot(br, issuerName, issuerPub, inv.Host, port); err != nil {
		return m.setErr(wrapErr(ErrNetwork, "join: %v", err))
	}

	m.persistHost(confdir.HostRecord{
		Name:      issuerName,
		PublicKey: issuerPub,
		Addresses: []string{addr},
	})
	m.clearErr()
	return nil
}

// applyEdgeSnapshot reads ADD_EDGE lines until ACK, learning any new
// node by name (the issuer's own node gets its already-verified public
// key and dial address attached).
func (m *Mesh) applyEdgeSnapshot(br *bufio.Reader, issuerName string, issuerPub ed25519.PublicKey, issuerHost, issuerPort string) error {
	for {
		line, err := readPlainLine(br)
		if err != nil {
			return err
		}
		if line.Verb == wire.VerbACK {
			return nil
		}
		if line.Verb != wire.VerbAddEdge || len(line.Args) != 6 {
			continue
		}
		fromName, toName, host, port, optionsStr, weightStr := line.Args[0], line.Args[1], line.Args[2], line.Args[3], line.Args[4], line.Args[5]
		_ = weightStr // derived from device class on our side, not trusted from the wire
		fromID := m.learnNode(fromName, issuerName, issuerPub, issuerHost, issuerPort)
		toID := m.learnNode(toName, issuerName, issuerPub, issuerHost, issuerPort)
		var options uint64
		fmt.Sscanf(optionsStr, "%d", &options)
		m.store.AddEdge(fromID, toID, host, port, uint32(options))
	}
}

// learnNode ensures name is present in the local store, returning its
// id; the issuer's own node additionally gets its verified public key
// and dial address attached the first time it is seen.
func (m *Mesh) learnNode(name, issuerName string, issuerPub ed25519.PublicKey, issuerHost, issuerPort string) int {
	if n, ok := m.store.GetNode(name); ok {
		return n.ID
	}
	node := &graph.Node{Name: name, DeviceClass: DeviceUnknown}
	if name == issuerName {
		node.PublicKey = issuerPub
		node.Addresses = []string{net.JoinHostPort(issuerHost, issuerPort)}
	}
	return m.store.AddNode(node)
}
