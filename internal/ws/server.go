// Package ws handles WebSocket connection management, including upgrading
// HTTP connections, authenticating handshakes, maintaining active client
// sessions, and dispatching incoming messages to the appropriate handlers.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/parley/chat-app/internal/auth"
	"github.com/parley/chat-app/internal/metrics"
	"github.com/parley/chat-app/internal/protocol"
	"github.com/parley/chat-app/internal/session"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr        string        // address to listen on, e.g. ":8080"
	WorkerPoolSize    int           // max concurrent read-worker goroutines
	MaxConnections    int           // hard cap on total connections
	ReadTimeout       time.Duration // timeout for WebSocket read operations
	WriteTimeout      time.Duration // timeout for WebSocket write operations
	OutboundQueueSize int           // per-connection outbound queue capacity
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:        ":8080",
		WorkerPoolSize:    256,
		MaxConnections:    100000,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		OutboundQueueSize: 64,
	}
}

// ConnectGuard is consulted per remote IP before a handshake is accepted.
// Satisfied by the rate limiter; nil disables connection throttling.
type ConnectGuard interface {
	AllowConnect(ctx context.Context, ip string) bool
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// authenticates upgrades, registers connections with an epoll instance for
// I/O readiness notifications, and dispatches ready connections to a bounded
// worker pool for frame reading.
type Server struct {
	config        ServerConfig
	epoll         *Epoll
	conns         *ConnectionManager
	authenticator *auth.Authenticator
	registry      *session.Registry
	sessionStore  *session.Store // Redis-backed session mirror, may be nil
	guard         ConnectGuard
	workerPool    chan struct{}                       // semaphore limiting concurrent read workers
	onMessage     func(conn *Connection, data []byte) // message handler callback
	onConnect     func(conn *Connection)              // called after a session is registered
	httpServer    *http.Server
	extraRoutes   map[string]http.Handler
	done          chan struct{}
	startedAt     time.Time // server start time for uptime calculation
}

// NewServer creates a Server with the given configuration, authenticator,
// session registry, and message callback. The onMessage function is called
// from a worker goroutine whenever a complete WebSocket text frame is
// received from a client.
func NewServer(config ServerConfig, authenticator *auth.Authenticator, registry *session.Registry, sessionStore *session.Store, onMessage func(conn *Connection, data []byte)) *Server {
	s := &Server{
		config:        config,
		conns:         NewConnectionManager(),
		authenticator: authenticator,
		registry:      registry,
		sessionStore:  sessionStore,
		workerPool:    make(chan struct{}, config.WorkerPoolSize),
		onMessage:     onMessage,
		extraRoutes:   make(map[string]http.Handler),
		done:          make(chan struct{}),
	}

	return s
}

// SetOnConnect registers a callback invoked after a session is registered
// and the session_created frame has been sent.
func (s *Server) SetOnConnect(fn func(conn *Connection)) {
	s.onConnect = fn
}

// SetConnectGuard installs a per-IP connection guard.
func (s *Server) SetConnectGuard(guard ConnectGuard) {
	s.guard = guard
}

// Handle mounts an additional HTTP handler on the server mux. Must be
// called before Start. Used for the history pull surface.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.extraRoutes[pattern] = handler
}

// Start initializes the epoll instance, configures the HTTP server, and begins
// accepting WebSocket connections. It starts the epoll event loop in a
// background goroutine and blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	for pattern, handler := range s.extraRoutes {
		mux.Handle(pattern, handler)
	}

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	// Start the epoll event loop in the background.
	go s.startEventLoop()

	// Start the heartbeat monitor to detect and close dead connections.
	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// credentialFrom extracts the bearer credential from the upgrade request:
// the Authorization header, or a token query parameter for browser clients
// that cannot set headers on WebSocket connections.
func credentialFrom(r *http.Request) string {
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// handleUpgrade authenticates the request and upgrades it to a WebSocket
// connection using the gobwas/ws zero-copy upgrader. Authentication happens
// before the upgrade: a rejected credential terminates the attempt with 401
// and no session is created.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	// Enforce maximum connection limit.
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	if s.guard != nil {
		ip := remoteIP(r)
		if !s.guard.AllowConnect(r.Context(), ip) {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	principal, err := s.authenticator.Authenticate(r.Context(), credentialFrom(r))
	if err != nil {
		log.Printf("ws: handshake rejected from %s: %v", r.RemoteAddr, err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Upgrade the HTTP connection to WebSocket.
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	fd := socketFD(conn)
	sessionID := uuid.New().String()

	c := newConnection(sessionID, conn, fd, s.config.OutboundQueueSize, s.config.WriteTimeout)
	c.UserID = principal.UserID
	c.Username = principal.Username
	c.AvatarURL = principal.AvatarURL

	// Register the connection in the manager and epoll.
	s.conns.Add(c)
	if err := s.epoll.Add(conn); err != nil {
		log.Printf("ws: epoll add failed for session %s: %v", sessionID, err)
		s.conns.Remove(sessionID)
		return
	}

	// Register the session; rooms and presence reference it by ID.
	sess := &session.Session{
		SessionID:   sessionID,
		UserID:      principal.UserID,
		Username:    principal.Username,
		AvatarURL:   principal.AvatarURL,
		ConnectedAt: c.CreatedAt,
	}
	s.registry.Put(sess)

	// Mirror the session into Redis.
	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.sessionStore.Create(ctx, sess); err != nil {
			log.Printf("ws: failed to mirror session %s: %v", sessionID, err)
		}
	}

	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))

	// Send session_created to the client.
	sessionMsg, err := protocol.NewServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{
		SessionID: sessionID,
		UserID:    principal.UserID,
	})
	if err != nil {
		log.Printf("ws: failed to build session_created for session %s: %v", sessionID, err)
	} else if err := c.WriteMessage(sessionMsg); err != nil {
		log.Printf("ws: failed to send session_created for session %s: %v", sessionID, err)
	}

	if s.onConnect != nil {
		s.onConnect(c)
	}

	log.Printf("ws: new connection session=%s user=%s fd=%d (total=%d)",
		sessionID, principal.UserID, fd, s.conns.Count())
}

// remoteIP strips the port from the request's remote address.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// handleHealth responds with the server's health status as JSON, including the
// current connection count and uptime. It is used by load balancers for
// health checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn // capture for goroutine

			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails
// (connection closed, protocol error, etc.) the connection is removed from
// epoll and the connection manager.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// Don't kill the connection — the heartbeat handles dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	// Clear read deadline after successful frame read.
	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.LastPing = time.Now()

	// Handle control frames without removing the connection.
	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		// Pong/ping: connection is alive, nothing else to do.
		return
	}

	// Read data frame payload.
	data := make([]byte, header.Length)
	if header.Length > 0 {
		_, err = io.ReadFull(reader, data)
		if err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection removes a connection from both epoll and the connection
// manager, terminates its session (running the registry teardown hook
// synchronously so rooms, typing, and presence are cleaned before the
// session record disappears), and closes the underlying network connection.
// It is exported so that the heartbeat monitor can evict dead connections.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	// Guard: only proceed if the connection was actually in the manager.
	// This prevents double cleanup when multiple goroutines race to remove
	// the same connection (e.g., read error + heartbeat timeout).
	if !s.conns.Remove(c.ID) {
		return
	}

	s.registry.Terminate(c.ID)

	// Delete the session mirror from Redis.
	if s.sessionStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.sessionStore.Delete(ctx, c.ID); err != nil {
			log.Printf("ws: failed to delete session mirror for %s: %v", c.ID, err)
		}
	}

	c.Close()

	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))

	log.Printf("ws: connection closed session=%s (total=%d)", c.ID, s.conns.Count())
}

// Send enqueues a WebSocket text frame for the connection identified by
// sessionID. It never blocks on a slow consumer; the per-connection queue
// drops oldest frames on overflow. Satisfies the room router's Sender.
func (s *Server) Send(sessionID string, data []byte) error {
	c := s.conns.Get(sessionID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", sessionID)
	}
	c.Enqueue(data)
	return nil
}

// Broadcast enqueues a frame for every connected client.
func (s *Server) Broadcast(data []byte) {
	s.conns.Broadcast(data)
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat or session layer).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown of the server. It stops the HTTP
// listener, signals the event loop to exit, closes all active connections,
// and cleans up the epoll instance.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	// Signal the event loop to stop.
	close(s.done)

	// Stop accepting new HTTP connections with a deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("ws: http shutdown error: %v", err)
	}

	// Terminate all sessions and close all active WebSocket connections.
	for _, c := range s.conns.All() {
		s.registry.Terminate(c.ID)
		if s.sessionStore != nil {
			delCtx, delCancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = s.sessionStore.Delete(delCtx, c.ID)
			delCancel()
		}
		_ = s.epoll.Remove(c.Conn)
		c.Close()
	}

	// Close the epoll instance.
	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
