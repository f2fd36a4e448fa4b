// Package threads identifies the calling goroutine and inspects the stacks of
// other goroutines without their cooperation.
//
// The host's primary loop is a goroutine. It may be locked to an OS thread,
// in which case the OS thread id is recorded for diagnostics; identity
// comparisons always use the goroutine id.
package threads

import (
	"bytes"
	"fmt"
	"runtime"
	"strconv"
)

// ID identifies a goroutine and, where available, the OS thread it ran on
// when the ID was captured.
type ID struct {
	Goroutine uint64 `json:"goroutine"`
	OS        int    `json:"osThread,omitempty"`
}

// Current returns the identity of the calling goroutine.
func Current() ID {
	return ID{
		Goroutine: GoroutineID(),
		OS:        osThreadID(),
	}
}

// Same reports whether both IDs name the same goroutine.
func (id ID) Same(other ID) bool {
	return id.Goroutine != 0 && id.Goroutine == other.Goroutine
}

// IsCurrent reports whether the calling goroutine is the one id names. It
// reads only the goroutine id, not the OS thread.
func (id ID) IsCurrent() bool {
	return id.Goroutine != 0 && id.Goroutine == GoroutineID()
}

// IsZero reports whether the ID was never captured.
func (id ID) IsZero() bool {
	return id.Goroutine == 0
}

func (id ID) String() string {
	if id.OS != 0 {
		return fmt.Sprintf("goroutine %d (tid %d)", id.Goroutine, id.OS)
	}
	return fmt.Sprintf("goroutine %d", id.Goroutine)
}

var goroutinePrefix = []byte("goroutine ")

// GoroutineID returns the runtime id of the calling goroutine.
//
// The id is read from the header line of the goroutine's own stack trace,
// which is the only stable place the runtime exposes it.
func GoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	id, _ := parseHeaderID(buf[:n])
	return id
}

// parseHeaderID extracts N from a "goroutine N [state]:" header.
func parseHeaderID(b []byte) (uint64, bool) {
	b = bytes.TrimPrefix(b, goroutinePrefix)
	end := bytes.IndexByte(b, ' ')
	if end < 0 {
		return 0, false
	}
	id, err := strconv.ParseUint(string(b[:end]), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
