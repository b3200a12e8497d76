/*
 * Package meshlog implements the ambient logging sink used throughout
 * MeshLink. It generalizes a process-wide singleton logger into a
 * per-instance sink with a shared default, so that a mesh that never
 * calls SetCallback still produces output while a mesh that does
 * install one shadows the default.
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

package meshlog

import (
	"fmt"
	"sync"
	"time"
)

// Level is the severity of a log line, mirroring meshlink_log_level_t.
// Lower values are more severe; a sink registered at level L receives
// every line logged at level <= L.
type Level int

const (
	LevelCritical Level = iota
	LevelError
	LevelWarning
	LevelInfo
	LevelDebug
)

func (l Level) String() string {
	switch l {
	case LevelCritical:
		return "CRITICAL"
	case LevelError:
		return "ERROR"
	case LevelWarning:
		return "WARNING"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	}
	return "UNKNOWN"
}

func (l Level) tag() string {
	switch l {
	case LevelCritical:
		return "{C}"
	case LevelError:
		return "{E}"
	case LevelWarning:
		return "{W}"
	case LevelInfo:
		return "{I}"
	case LevelDebug:
		return "{D}"
	}
	return "{?}"
}

// Sink receives log lines. It is the public log callback contract: a
// sink receives a severity level plus formatted text.
type Sink func(level Level, text string)

// default process-wide sink, used by any Logger that never installs
// its own, mirroring set_log_cb(nil, ...) global-shadowing behavior.
var (
	defaultMu    sync.RWMutex
	defaultSink  Sink
	defaultLevel = LevelInfo
)

// SetDefault installs the process-wide fallback sink. Passing a nil sink
// restores the built-in stderr-free no-op behavior.
func SetDefault(level Level, sink Sink) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLevel = level
	defaultSink = sink
}

// Logger is a per-mesh log routing point. The zero value logs to the
// process-wide default sink, at that sink's level, until SetCallback
// installs a sink of its own.
type Logger struct {
	mu     sync.RWMutex
	level  Level
	sink   Sink
	hasSet bool
}

// SetCallback installs this mesh's own sink, shadowing the default.
func (lg *Logger) SetCallback(level Level, sink Sink) {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	lg.level = level
	lg.sink = sink
	lg.hasSet = true
}

func (lg *Logger) current() (Level, Sink) {
	lg.mu.RLock()
	defer lg.mu.RUnlock()
	if lg.hasSet {
		return lg.level, lg.sink
	}
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLevel, defaultSink
}

// Printf logs a formatted line at the given level if it is within the
// active threshold for this logger.
func (lg *Logger) Printf(level Level, format string, args ...interface{}) {
	threshold, sink := lg.current()
	if level > threshold || sink == nil {
		return
	}
	sink(level, fmt.Sprintf(format, args...))
}

// Println logs a line at the given level if it is within threshold.
func (lg *Logger) Println(level Level, text string) {
	threshold, sink := lg.current()
	if level > threshold || sink == nil {
		return
	}
	sink(level, text)
}

// Stamp formats a timestamp for file-backed sinks at time.Stamp
// precision.
func Stamp() string {
	return time.Now().Format(time.Stamp)
}

// TagFor returns the bracketed severity tag used by text-mode sinks,
// e.g. a sink writing to a rotated log file.
func TagFor(level Level) string {
	return level.tag()
}
