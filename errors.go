/*
 * MeshLink error sentinels and wrapping helpers.
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
	"fmt"
)

// Errno values are typed error kinds, expressed as plain sentinel
// errors rather than a thread-local global: callers use errors.Is
// against these values, or call LastError on a handle.
var (
	ErrOK               = errors.New("ok")
	ErrNoMem            = errors.New("out of memory")
	ErrNoEnt            = errors.New("no such node, edge, or invitation")
	ErrExist            = errors.New("already exists")
	ErrInval            = errors.New("invalid argument")
	ErrBusy             = errors.New("resource busy")
	ErrTimeout          = errors.New("operation timed out")
	ErrNetwork          = errors.New("network error")
	ErrStorage          = errors.New("storage error")
	ErrCrypto           = errors.New("cryptographic error")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrPeerUnreachable  = errors.New("peer unreachable")
	ErrChannelClosed    = errors.New("channel closed")
	ErrVersion          = errors.New("protocol version mismatch")
	ErrBlacklisted      = errors.New("node is blacklisted")
	ErrResourceLimit    = errors.New("resource limit exceeded")
)

// wrapErr attaches human-readable context to one of the sentinels
// above. Unwrap() still returns the sentinel so errors.Is keeps
// working.
func wrapErr(base error, format string, args ...interface{}) error {
	return &ctxError{base: base, ctx: fmt.Sprintf(format, args...)}
}

type ctxError struct {
	base error
	ctx  string
}

func (e *ctxError) Error() string { return e.base.Error() + " [" + e.ctx + "]" }
func (e *ctxError) Unwrap() error { return e.base }

// errState is embedded in handle types to provide a "last error on this
// handle" accessor for callers that prefer that style over checking
// the return value of every call.
type errState struct {
	last error
}

func (e *errState) setErr(err error) error {
	e.last = err
	return err
}

// clearErr records that the most recent operation on this handle
// succeeded.
func (e *errState) clearErr() {
	e.last = nil
}

// LastError returns the most recent error recorded against this handle,
// or nil if the last operation succeeded.
func (e *errState) LastError() error {
	return e.last
}
