/*
 * Package invite implements invitation issuing and redemption, the
 * narrow side path that bootstraps a brand-new node's identity and
 * seed edges.
 *
 * Grounded on a one-shot request/response task shape (a service that
 * allocates a correlation token, persists pending state, and resolves
 * it when the matching reply arrives), repurposed for the
 * issuer/invitee handshake instead of a relay lookup.
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

package invite

import (
	"fmt"
	"time"

	"github.com/meshlink/meshlink/internal/confdir"
	"github.com/meshlink/meshlink/internal/wire"
)

// DefaultExpiry is how long an invitation stays valid by default.
const DefaultExpiry = 7 * 24 * time.Hour

// Issuer issues and tracks invitations for the local mesh instance.
type Issuer struct {
	dir  *confdir.Dir
	host string
	port string
}

// NewIssuer creates an Issuer that persists invitations under dir and
// renders URLs against host:port.
func NewIssuer(dir *confdir.Dir, host, port string) *Issuer {
	return &Issuer{dir: dir, host: host, port: port}
}

// Invite allocates a fresh cookie, persists {cookie -> inviteeName,
// expiration} and returns the invitation URL. An invitation is
// single-use and expires after 1 week by default. Each call issues a
// new cookie; invitations issued earlier for the same name are not
// revoked and stay redeemable until used or expired.
func (iss *Issuer) Invite(inviteeName string, expiry time.Duration) (string, error) {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	cookie, err := wire.NewCookie()
	if err != nil {
		return "", err
	}
	now := time.Now()
	rec := confdir.InvitationRecord{
		Cookie:      cookie,
		InviteeName: inviteeName,
		IssuedAt:    now.Unix(),
		ExpiresAt:   now.Add(expiry).Unix(),
	}
	if err := iss.dir.WriteInvitation(rec); err != nil {
		return "", err
	}
	return wire.BuildInvitationURL(iss.host, iss.port, cookie), nil
}

// Redeem looks up a pending invitation by cookie, enforcing
// single-use-and-not-expired. On success it removes the pending record
// (single-use) and returns the invitee name the issuer had reserved.
func (iss *Issuer) Redeem(cookie string) (string, error) {
	if !wire.ValidCookie(cookie) {
		return "", fmt.Errorf("invite: malformed cookie")
	}
	rec, err := iss.dir.ReadInvitation(cookie)
	if err != nil {
		return "", fmt.Errorf("invite: unknown or already-used invitation")
	}
	if time.Now().After(time.Unix(rec.ExpiresAt, 0)) {
		iss.dir.RemoveInvitation(cookie)
		return "", fmt.Errorf("invite: invitation expired")
	}
	if err := iss.dir.RemoveInvitation(cookie); err != nil {
		return "", err
	}
	return rec.InviteeName, nil
}
