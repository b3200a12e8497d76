/*
 * Wire format for the node export/import blob.
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

package wire

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// ExportRecord is the parsed form of an export blob: a multi-line,
// LF-separated record of Name, DeviceClass, Ed25519PublicKey, and one
// or more Address lines.
type ExportRecord struct {
	Name        string
	DeviceClass int
	PublicKey   []byte // raw Ed25519 public key bytes
	Addresses   []string
}

// EncodeExport renders an ExportRecord into its wire text form.
func EncodeExport(r ExportRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Name %s\n", r.Name)
	fmt.Fprintf(&b, "DeviceClass %d\n", r.DeviceClass)
	fmt.Fprintf(&b, "Ed25519PublicKey %s\n", base64.StdEncoding.EncodeToString(r.PublicKey))
	for _, addr := range r.Addresses {
		fmt.Fprintf(&b, "Address %s\n", addr)
	}
	return b.String()
}

// DecodeExport parses an export blob. Unknown lines are ignored for
// forward compatibility; Name, DeviceClass, and Ed25519PublicKey must
// each appear exactly once, and at least one Address line must be
// present.
func DecodeExport(blob string) (*ExportRecord, error) {
	r := &ExportRecord{DeviceClass: -1}
	for _, line := range strings.Split(blob, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		sp := strings.IndexByte(line, ' ')
		if sp < 0 {
			continue
		}
		key, val := line[:sp], line[sp+1:]
		switch key {
		case "Name":
			r.Name = val
		case "DeviceClass":
			n, err := strconv.Atoi(val)
			if err != nil {
				return nil, fmt.Errorf("wire: malformed DeviceClass line: %w", err)
			}
			r.DeviceClass = n
		case "Ed25519PublicKey":
			pub, err := base64.StdEncoding.DecodeString(val)
			if err != nil {
				return nil, fmt.Errorf("wire: malformed Ed25519PublicKey line: %w", err)
			}
			r.PublicKey = pub
		case "Address":
			r.Addresses = append(r.Addresses, val)
		default:
			// unknown line, ignored for forward compatibility
		}
	}
	if r.Name == "" {
		return nil, fmt.Errorf("wire: export blob missing Name")
	}
	if r.DeviceClass < 0 {
		return nil, fmt.Errorf("wire: export blob missing DeviceClass")
	}
	if len(r.PublicKey) == 0 {
		return nil, fmt.Errorf("wire: export blob missing Ed25519PublicKey")
	}
	if len(r.Addresses) == 0 {
		return nil, fmt.Errorf("wire: export blob has no Address lines")
	}
	return r, nil
}
