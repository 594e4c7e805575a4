package rcon

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

// fakeTransport records written datagrams and delivers queued ones to Read
type fakeTransport struct {
	mu      sync.Mutex
	written []string
	in      chan []byte
	fail    chan error
	closed  chan struct{}
	once    sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 16),
		fail:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Read(b []byte) (int, error) {
	select {
	case d := <-f.in:
		return copy(b, d), nil
	case err := <-f.fail:
		return 0, err
	case <-f.closed:
		return 0, net.ErrClosed
	}
}

func (f *fakeTransport) Write(b []byte) (int, error) {
	select {
	case <-f.closed:
		return 0, net.ErrClosed
	default:
	}
	f.mu.Lock()
	f.written = append(f.written, string(b))
	f.mu.Unlock()
	return len(b), nil
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
}

func (f *fakeTransport) Written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.written...)
}

// count returns how many datagrams equal Header+line
func (f *fakeTransport) count(line string) int {
	n := 0
	for _, w := range f.Written() {
		if w == Header+line {
			n++
		}
	}
	return n
}

// fakeDialer hands out transports and counts dials
type fakeDialer struct {
	mu    sync.Mutex
	dials int
	last  *fakeTransport
	err   error
}

func (d *fakeDialer) Dial(ctx context.Context, server Server) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	d.dials++
	d.last = newFakeTransport()
	return d.last, nil
}

func (d *fakeDialer) Transport() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errBoom = errors.New("boom")
