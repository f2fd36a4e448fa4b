// Package guard checks operations that must not run on the primary loop.
//
// Host code performs sensitive operations (dialing, accepting, file I/O,
// sleeping, joining workers) through a Point. The Point asks its current
// Policy before each operation; a Guard installed at the Point reports
// operations attempted from the primary goroutine and, when enforcing,
// refuses them.
package guard

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Op names an intercepted operation.
type Op string

const (
	OpConnect   Op = "connect"
	OpAccept    Op = "accept"
	OpFileRead  Op = "file-read"
	OpFileWrite Op = "file-write"
	OpSleep     Op = "sleep"
	OpJoin      Op = "join"
)

// AllOps lists every operation a Point intercepts.
var AllOps = []Op{OpConnect, OpAccept, OpFileRead, OpFileWrite, OpSleep, OpJoin}

// ParseOp validates an operation name.
func ParseOp(s string) (Op, error) {
	for _, op := range AllOps {
		if string(op) == s {
			return op, nil
		}
	}
	return "", fmt.Errorf("unknown operation %q", s)
}

// Policy decides whether an operation may proceed.
type Policy interface {
	Check(op Op, target string) error
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(op Op, target string) error

func (f PolicyFunc) Check(op Op, target string) error { return f(op, target) }

// entry boxes a policy so installs can be compared by identity.
type entry struct {
	policy Policy
}

// Point is the host's operation-interception point.
type Point struct {
	cur atomic.Pointer[entry]
}

// NewPoint creates a point with an initial policy, which may be nil.
func NewPoint(initial Policy) *Point {
	p := &Point{}
	p.cur.Store(&entry{policy: initial})
	return p
}

// Policy returns the installed policy, or nil.
func (p *Point) Policy() Policy {
	if e := p.load(); e != nil {
		return e.policy
	}
	return nil
}

func (p *Point) load() *entry {
	return p.cur.Load()
}

// Check consults the installed policy.
func (p *Point) Check(op Op, target string) error {
	e := p.load()
	if e == nil || e.policy == nil {
		return nil
	}
	return e.policy.Check(op, target)
}

// Dial connects to address unless the policy refuses.
func (p *Point) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	if err := p.Check(OpConnect, address); err != nil {
		return nil, err
	}
	var d net.Dialer
	return d.DialContext(ctx, network, address)
}

// Accept waits for the next connection on l unless the policy refuses.
func (p *Point) Accept(l net.Listener) (net.Conn, error) {
	if err := p.Check(OpAccept, l.Addr().String()); err != nil {
		return nil, err
	}
	return l.Accept()
}

// ReadFile reads name unless the policy refuses.
func (p *Point) ReadFile(name string) ([]byte, error) {
	if err := p.Check(OpFileRead, name); err != nil {
		return nil, err
	}
	return os.ReadFile(name)
}

// WriteFile writes name unless the policy refuses.
func (p *Point) WriteFile(name string, data []byte, perm os.FileMode) error {
	if err := p.Check(OpFileWrite, name); err != nil {
		return err
	}
	return os.WriteFile(name, data, perm)
}

// Sleep pauses the caller unless the policy refuses.
func (p *Point) Sleep(d time.Duration) error {
	if err := p.Check(OpSleep, d.String()); err != nil {
		return err
	}
	time.Sleep(d)
	return nil
}

// Join waits for wg unless the policy refuses. name identifies what is
// being joined in reports.
func (p *Point) Join(wg *sync.WaitGroup, name string) error {
	if err := p.Check(OpJoin, name); err != nil {
		return err
	}
	wg.Wait()
	return nil
}
