package engine

import (
	"errors"
	"io"
	"sync"

	"golang.org/x/sys/unix"
)

// blockingModes remembers, per socket, the last non-blocking state the
// application requested.
type blockingModes struct {
	mu sync.Mutex
	m  map[int]bool
}

func (b *blockingModes) set(fd int, nonblocking bool) {
	b.mu.Lock()
	b.m[fd] = nonblocking
	b.mu.Unlock()
}

func (b *blockingModes) get(fd int) (nonblocking, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	nonblocking, ok = b.m[fd]
	return nonblocking, ok
}

func (b *blockingModes) forget(fd int) {
	b.mu.Lock()
	delete(b.m, fd)
	b.mu.Unlock()
}

// activeCalls counts calls inside a detour. wait blocks until the count
// reaches zero.
type activeCalls struct {
	mu   sync.Mutex
	cond *sync.Cond
	n    int
}

func (a *activeCalls) enter() {
	a.mu.Lock()
	a.n++
	a.mu.Unlock()
}

func (a *activeCalls) leave() {
	a.mu.Lock()
	a.n--
	if a.n == 0 {
		a.cond.Broadcast()
	}
	a.mu.Unlock()
}

func (a *activeCalls) wait() {
	a.mu.Lock()
	for a.n > 0 {
		a.cond.Wait()
	}
	a.mu.Unlock()
}

func (a *activeCalls) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n
}

// fdConn runs handshake I/O directly on a socket descriptor.
type fdConn int

func (c fdConn) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(int(c), p)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if n == 0 && len(p) > 0 {
			return 0, io.EOF
		}
		return n, nil
	}
}

func (c fdConn) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := unix.Write(int(c), p[written:])
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}
