/*
 * Node/submesh name validation.
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
	"fmt"
	"regexp"

	"golang.org/x/text/secure/precis"
)

// MaxNameLength bounds a node name.
const MaxNameLength = 32

// nameCharset enforces the `[a-zA-Z0-9_-]+` grammar after precis has
// normalized the string, catching anything precis's IdentifierClass
// lets through that this narrower grammar does not (e.g. non-ASCII
// digits that normalize to ASCII but aren't in this charset).
var nameCharset = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateName enforces the node name grammar: printable ASCII,
// length <= 32, matching [a-zA-Z0-9_-]+. It runs the name through
// precis.UsernameCaseMapped first so that confusable Unicode variants
// are folded or rejected before the stricter ASCII-only regexp check
// runs.
func ValidateName(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("wire: node name must not be empty")
	}
	if len(name) > MaxNameLength {
		return "", fmt.Errorf("wire: node name %q exceeds %d bytes", name, MaxNameLength)
	}
	normalized, err := precis.UsernameCaseMapped.String(name)
	if err != nil {
		return "", fmt.Errorf("wire: node name %q rejected by identifier profile: %w", name, err)
	}
	if !nameCharset.MatchString(normalized) {
		return "", fmt.Errorf("wire: node name %q does not match [a-zA-Z0-9_-]+", name)
	}
	return normalized, nil
}
