/*
 * Package meshlink implements a self-organizing, authenticated,
 * encrypted mesh networking library: nodes gossip a signed edge graph
 * over SPTPS-encrypted meta-connections, route over it with Dijkstra,
 * carve out an independent UDP fast path with per-peer PMTU discovery,
 * and multiplex application channels over whichever path is live.
 *
 * A Mesh is obtained with Open, OpenEncrypted, or OpenEphemeral, wired
 * up with the Set*Cb callback setters, then brought up with Start and
 * torn down with Stop/Close. Every other operation — node queries,
 * invitations, channels, devtool introspection — is a method on Mesh.
 *
 * Errors are reported the same way the rest of this module reports
 * them: a sentinel from errors.go wrapped with context, checkable with
 * errors.Is, plus a LastError() accessor on Mesh for callers that
 * prefer checking after the fact over checking every return value.
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
