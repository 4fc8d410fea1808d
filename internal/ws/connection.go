package ws

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/parley/chat-app/internal/metrics"
)

// Connection represents a single authenticated WebSocket connection. Each
// connection owns a bounded outbound queue drained by one writer goroutine,
// so fan-out to a slow consumer drops events instead of blocking the room.
type Connection struct {
	ID        string // session ID (UUID)
	UserID    string
	Username  string
	AvatarURL string

	Conn      net.Conn  // underlying TCP connection
	Fd        int       // file descriptor for epoll lookups
	CreatedAt time.Time // when the connection was established
	LastPing  time.Time // last heartbeat received from the client

	writeMu    sync.Mutex // serializes writes to this connection
	processing int32      // atomic flag: 0 = idle, 1 = being read by handleConn

	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// newConnection creates a connection with an outbound queue of the given
// capacity and starts its writer goroutine.
func newConnection(id string, conn net.Conn, fd int, queueSize int, writeTimeout time.Duration) *Connection {
	c := &Connection{
		ID:        id,
		Conn:      conn,
		Fd:        fd,
		CreatedAt: time.Now(),
		LastPing:  time.Now(),
		outbound:  make(chan []byte, queueSize),
		done:      make(chan struct{}),
	}
	go c.writeLoop(writeTimeout)
	return c
}

// Enqueue places an outbound frame on the connection's queue without
// blocking. If the queue is full the oldest queued frame is dropped to make
// room, so a stalled consumer loses events rather than stalling publishers.
func (c *Connection) Enqueue(data []byte) {
	for {
		select {
		case c.outbound <- data:
			return
		case <-c.done:
			return
		default:
		}

		// Queue full: evict the oldest frame and retry.
		select {
		case <-c.outbound:
			metrics.EventsDroppedTotal.Inc()
		default:
		}
	}
}

// writeLoop drains the outbound queue, writing one frame at a time.
func (c *Connection) writeLoop(writeTimeout time.Duration) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.outbound:
			if writeTimeout > 0 {
				_ = c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			}
			err := c.WriteMessage(data)
			_ = c.Conn.SetWriteDeadline(time.Time{})
			if err != nil {
				// The read path detects the broken connection and
				// removes it; stop writing.
				return
			}
		}
	}
}

// WriteMessage sends a WebSocket text frame to this connection directly.
// The write mutex ensures that concurrent goroutines do not interleave
// frame bytes. Most callers should use Enqueue; WriteMessage is for the
// handshake and error paths where backpressure is acceptable.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection. The write mutex ensures this does not interleave with other
// outbound frames.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close stops the writer goroutine and closes the underlying connection.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry that maps session IDs and file
// descriptors to their respective Connection objects. It supports O(1) lookups
// by both session ID and fd.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection // session_id -> Connection
	byFd map[int]*Connection    // fd -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add registers a new connection in both the ID and fd lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byFd[conn.Fd] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by session ID, closes the underlying network
// connection, and removes it from both lookup maps. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byFd, conn.Fd)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given session ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil if
// not found.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn by extracting
// its file descriptor. Returns nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	fd := socketFD(c)
	return cm.GetByFd(fd)
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// Broadcast enqueues a message for all connected clients. Used for
// instance-wide events such as presence transitions.
func (cm *ConnectionManager) Broadcast(msg []byte) {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()

	for _, conn := range conns {
		conn.Enqueue(msg)
	}
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
