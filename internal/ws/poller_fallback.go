//go:build !linux

package ws

import (
	"fmt"
	"net"
	"sync"
)

// Poller provides a goroutine-per-connection fallback for non-Linux
// platforms. On Linux this is replaced by the epoll implementation; the
// fallback lets developers on macOS/Windows run the relay unchanged.
type Poller struct {
	mu      sync.RWMutex
	conns   map[net.Conn]struct{}
	readyCh chan net.Conn // receives connections with pending data
	done    chan struct{}
}

// NewPoller creates a fallback poller that monitors each connection with its
// own goroutine.
func NewPoller() (*Poller, error) {
	return &Poller{
		conns:   make(map[net.Conn]struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// wrapConn buffers the connection so the monitor goroutine can hand a
// probed byte back to the frame reader. Every connection registered with
// the fallback poller must come through here.
func wrapConn(conn net.Conn) net.Conn {
	return &pushbackConn{Conn: conn, drained: make(chan struct{}, 1)}
}

// pushbackConn keeps any byte consumed by a readiness probe so the next
// Read returns it first. The mutex is held across the blocking reads, which
// serializes the probe with the frame reader and keeps bytes in order.
type pushbackConn struct {
	net.Conn
	mu      sync.Mutex
	pending []byte
	drained chan struct{} // signalled when the parked byte is picked up
}

func (c *pushbackConn) Read(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) > 0 {
		n := copy(b, c.pending)
		c.pending = c.pending[n:]
		if len(c.pending) == 0 {
			select {
			case c.drained <- struct{}{}:
			default:
			}
		}
		return n, nil
	}
	return c.Conn.Read(b)
}

// probe blocks until the connection has readable data, then parks the byte
// it read in pending instead of consuming it.
func (c *pushbackConn) probe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) > 0 {
		return nil
	}
	var buf [1]byte
	n, err := c.Conn.Read(buf[:])
	if n > 0 {
		c.pending = append(c.pending, buf[:n]...)
	}
	return err
}

// Add registers a connection by spawning a goroutine that probes for
// readable data. When data arrives, the connection is sent to the ready
// channel for processing by Wait.
func (p *Poller) Add(conn net.Conn) error {
	pc, ok := conn.(*pushbackConn)
	if !ok {
		return fmt.Errorf("ws: fallback poller requires a wrapped connection")
	}

	p.mu.Lock()
	p.conns[conn] = struct{}{}
	p.mu.Unlock()

	go p.monitor(pc)
	return nil
}

// monitor probes the connection to detect when data is available,
// signalling readiness until the connection is removed or the poller is
// closed. The probed byte stays with the connection, so the frame reader
// sees an intact stream. The Linux epoll path consumes nothing.
func (p *Poller) monitor(pc *pushbackConn) {
	for {
		// Block until data is available or the connection errors.
		if err := pc.probe(); err != nil {
			// The frame reader arms a read deadline while processing;
			// a probe that trips it is transient, not a closure.
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			// Closed or errored; signal readiness so the read path can
			// detect the closure.
			select {
			case p.readyCh <- pc:
			case <-p.done:
			}
			return
		}

		select {
		case p.readyCh <- pc:
		case <-p.done:
			return
		}

		// Wait until the frame reader picks up the parked byte. Probing
		// again before then would report the same byte as new data.
		select {
		case <-pc.drained:
		case <-p.done:
			return
		}
	}
}

// Remove unregisters a connection from the fallback poller.
func (p *Poller) Remove(conn net.Conn) error {
	p.mu.Lock()
	delete(p.conns, conn)
	p.mu.Unlock()
	return nil
}

// Wait blocks until at least one connection is ready for reading, then
// drains and returns all currently ready connections.
func (p *Poller) Wait() ([]net.Conn, error) {
	first, ok := <-p.readyCh
	if !ok {
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}

	for {
		select {
		case conn := <-p.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback poller.
func (p *Poller) Close() error {
	close(p.done)
	p.mu.Lock()
	p.conns = nil
	p.mu.Unlock()
	return nil
}

// socketFD is a no-op off Linux since the goroutine fallback does not need
// file descriptors.
func socketFD(conn net.Conn) int {
	return -1
}
