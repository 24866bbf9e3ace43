package platform

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// MemorySocket is an in-process DatagramSocket pair for tests: writes to
// one side arrive as reads on the other, with no real network involved.
// Pair two with NewMemorySocketPair to wire an initiator and responder
// together in a unit test.
type MemorySocket struct {
	local net.Addr
	peer  *MemorySocket

	mu     sync.Mutex
	closed bool
	inbox  chan packet
}

type packet struct {
	b    []byte
	from net.Addr
}

// NewMemorySocketPair returns two MemorySockets already wired to each
// other: writes on a arrive as reads on b and vice versa.
func NewMemorySocketPair(aAddr, bAddr net.Addr) (a, b *MemorySocket) {
	a = &MemorySocket{local: aAddr, inbox: make(chan packet, 64)}
	b = &MemorySocket{local: bAddr, inbox: make(chan packet, 64)}
	a.peer = b
	b.peer = a
	return a, b
}

func (s *MemorySocket) ReadPacket() ([]byte, net.Addr, net.IP, error) {
	pkt, ok := <-s.inbox
	if !ok {
		return nil, nil, nil, fmt.Errorf("platform: memory socket closed")
	}
	var localIP net.IP
	if ua, ok := s.local.(*net.UDPAddr); ok {
		localIP = ua.IP
	}
	return pkt.b, pkt.from, localIP, nil
}

func (s *MemorySocket) WritePacket(b []byte, remoteAddr net.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("platform: memory socket closed")
	}
	cp := append([]byte(nil), b...)
	select {
	case s.peer.inbox <- packet{b: cp, from: s.local}:
		return nil
	default:
		return fmt.Errorf("platform: memory socket peer inbox full")
	}
}

func (s *MemorySocket) LocalAddr() net.Addr { return s.local }

func (s *MemorySocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.inbox)
	return nil
}

// MemoryInstaller records InstallChildSa/RemoveChildSa calls instead of
// touching any real packet-processing layer. Safe for concurrent use.
// InstalledDirs[i] is the direction the i-th install covered.
type MemoryInstaller struct {
	mu            sync.Mutex
	Installed     []*SaParams
	InstalledDirs []SaDirection
	Removed       []*SaParams
}

func (m *MemoryInstaller) InstallChildSa(sa *SaParams, dir SaDirection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Installed = append(m.Installed, sa)
	m.InstalledDirs = append(m.InstalledDirs, dir)
	return nil
}

func (m *MemoryInstaller) RemoveChildSa(sa *SaParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Removed = append(m.Removed, sa)
	return nil
}

// Counts returns how many installs and removes have been recorded,
// for polling from a test goroutine while a session is still running.
func (m *MemoryInstaller) Counts() (installed, removed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Installed), len(m.Removed)
}

// FixedVectorProvider is a SimAuthProvider backed by a fixed set of
// vectors, for driving EAP-AKA/AKA'/SIM tests without a real SIM.
type FixedVectorProvider struct {
	Aka AkaVector
	Sim []SimVector
}

func (f FixedVectorProvider) AkaVectors(ctx context.Context, identity string) (AkaVector, error) {
	return f.Aka, nil
}

func (f FixedVectorProvider) SimVectors(ctx context.Context, identity string, n int) ([]SimVector, error) {
	if n > len(f.Sim) {
		return nil, fmt.Errorf("platform: only %d SIM vectors available, %d requested", len(f.Sim), n)
	}
	return f.Sim[:n], nil
}

// FakeClock is a Clock under manual control, for deterministic
// retransmit/lifetime tests. Timers only fire on an explicit Advance
// call, never on real wall-clock time passing.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline := c.now.Add(d)
	if !c.now.Before(deadline) {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, fakeWaiter{deadline: deadline, ch: ch})
	return ch
}

// Advance moves the fake clock forward by d, firing every pending After
// channel whose deadline has now passed.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if !c.now.Before(w.deadline) {
			w.ch <- c.now
			continue
		}
		remaining = append(remaining, w)
	}
	c.waiters = remaining
}

// InlineExecutor runs callbacks synchronously, for tests that want
// deterministic ordering instead of the real GoroutineExecutor's
// fire-and-forget behavior.
type InlineExecutor struct{}

func (InlineExecutor) Go(fn func()) { fn() }
