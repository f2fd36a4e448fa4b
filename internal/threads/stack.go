package threads

import (
	"bytes"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"
)

// ErrGoroutineNotFound is returned when the requested goroutine does not
// appear in the runtime's stack dump (it has exited).
var ErrGoroutineNotFound = errors.New("goroutine not found")

const (
	initialDumpSize = 64 << 10
	maxDumpSize     = 16 << 20
)

// Frame is one entry of a captured stack.
type Frame struct {
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line"`
}

func (f Frame) String() string {
	return fmt.Sprintf("%s (%s:%d)", f.Function, f.File, f.Line)
}

// GoroutineStack is the stack of one goroutine taken from a runtime dump.
type GoroutineStack struct {
	ID     uint64  `json:"id"`
	State  string  `json:"state"`
	Frames []Frame `json:"frames"`
}

// StackOf captures the stack of the goroutine with the given id.
//
// It uses runtime.Stack with all=true, which stops the world and walks every
// goroutine from the outside. The target does not need to reach a safe point
// of its own, so goroutines blocked in syscalls, on channels or spinning in
// user code are all captured.
func StackOf(id uint64) (GoroutineStack, error) {
	dump := dumpAll()
	return findGoroutine(dump, id)
}

// All captures the stacks of every goroutine, ordered by id.
func All() []GoroutineStack {
	var out []GoroutineStack
	for _, block := range bytes.Split(dumpAll(), []byte("\n\n")) {
		block = bytes.TrimLeft(block, "\n")
		if gid, ok := parseHeaderID(block); ok {
			out = append(out, parseBlock(gid, block))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// dumpAll returns the text of runtime.Stack(all=true), growing the buffer
// until the dump fits or the size cap is reached.
func dumpAll() []byte {
	buf := make([]byte, initialDumpSize)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) || len(buf) >= maxDumpSize {
			return buf[:n]
		}
		buf = make([]byte, len(buf)*2)
	}
}

// findGoroutine locates and parses one goroutine block in a full dump.
func findGoroutine(dump []byte, id uint64) (GoroutineStack, error) {
	for _, block := range bytes.Split(dump, []byte("\n\n")) {
		block = bytes.TrimLeft(block, "\n")
		gid, ok := parseHeaderID(block)
		if !ok || gid != id {
			continue
		}
		return parseBlock(gid, block), nil
	}
	return GoroutineStack{}, fmt.Errorf("%w: %d", ErrGoroutineNotFound, id)
}

// parseBlock parses a single goroutine block:
//
//	goroutine 7 [chan receive]:
//	main.worker(...)
//		/src/main.go:42 +0x1d
//	created by main.main in goroutine 1
//		/src/main.go:12 +0x3c
func parseBlock(id uint64, block []byte) GoroutineStack {
	lines := strings.Split(string(block), "\n")
	stack := GoroutineStack{ID: id, State: parseState(lines[0])}

	for i := 1; i < len(lines); i++ {
		fn := strings.TrimSpace(lines[i])
		if fn == "" || strings.HasPrefix(fn, "...") {
			continue
		}

		frame := Frame{Function: trimArgs(fn)}
		if i+1 < len(lines) && strings.HasPrefix(lines[i+1], "\t") {
			frame.File, frame.Line = parseLocation(lines[i+1])
			i++
		}
		stack.Frames = append(stack.Frames, frame)
	}

	return stack
}

// parseState extracts "chan receive" from "goroutine 7 [chan receive]:".
func parseState(header string) string {
	start := strings.IndexByte(header, '[')
	end := strings.LastIndexByte(header, ']')
	if start < 0 || end <= start {
		return ""
	}
	return header[start+1 : end]
}

// trimArgs drops the argument list from "pkg.fn(0x1, 0x2)".
func trimArgs(fn string) string {
	if strings.HasPrefix(fn, "created by ") {
		fn = strings.TrimPrefix(fn, "created by ")
		if idx := strings.Index(fn, " in goroutine "); idx >= 0 {
			fn = fn[:idx]
		}
		return "created by " + fn
	}
	if idx := strings.LastIndexByte(fn, '('); idx > 0 {
		return fn[:idx]
	}
	return fn
}

// parseLocation parses "\t/src/main.go:42 +0x1d".
func parseLocation(line string) (string, int) {
	loc := strings.TrimSpace(line)
	if idx := strings.LastIndex(loc, " +0x"); idx >= 0 {
		loc = loc[:idx]
	}
	colon := strings.LastIndexByte(loc, ':')
	if colon < 0 {
		return loc, 0
	}
	n, err := strconv.Atoi(loc[colon+1:])
	if err != nil {
		return loc, 0
	}
	return loc[:colon], n
}

// CallerFrames returns up to max frames of the calling goroutine, skipping
// the given number of frames above CallerFrames itself.
func CallerFrames(skip, max int) []Frame {
	if max <= 0 {
		max = 32
	}
	pcs := make([]uintptr, max)
	n := runtime.Callers(skip+2, pcs)
	if n == 0 {
		return nil
	}

	frames := runtime.CallersFrames(pcs[:n])
	out := make([]Frame, 0, n)
	for {
		f, more := frames.Next()
		out = append(out, Frame{Function: f.Function, File: f.File, Line: f.Line})
		if !more {
			break
		}
	}
	return out
}
