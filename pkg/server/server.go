package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"github.com/aeolun/phonerelay/pkg/protocol"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags|log.Lmicroseconds)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags|log.Lmicroseconds)
)

// Server accepts WebSocket connections and relays messages between identities
type Server struct {
	listener   net.Listener
	httpServer *http.Server
	registry   *Registry
	sessions   *SessionManager
	metrics    *Metrics
	config     ServerConfig
	startTime  time.Time
	now        func() time.Time
	shutdown   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup

	// Connections still negotiating; Stop closes them
	handshakeMu sync.Mutex
	handshakes  map[net.Conn]struct{}
	connWg      sync.WaitGroup
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port                    int
	MetricsPort             int // 0 disables the metrics/health listener
	MaxFrameSize            int // bytes; 0 disables the limit
	ReadBufferSize          int
	WriteTimeoutSeconds     int
	HandshakeTimeoutSeconds int
	MessagesPerSecond       int // per-session text message rate; 0 disables limiting
	MessageBurst            int
	MaxConnections          int // concurrent connections; further accepts wait. 0 is unlimited.
	DeliveryTimeoutMillis   int // write deadline for pushing a message to a recipient
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		Port:                    3000,
		MetricsPort:             0,
		MaxFrameSize:            1024 * 1024, // 1 MB
		ReadBufferSize:          4096,
		WriteTimeoutSeconds:     10,
		HandshakeTimeoutSeconds: 10,
		DeliveryTimeoutMillis:   2000,
	}
}

// NewServer creates a new server instance
func NewServer(config ServerConfig) *Server {
	if config.ReadBufferSize <= 0 {
		config.ReadBufferSize = DefaultConfig().ReadBufferSize
	}

	registry := NewRegistry()
	writeTimeout := time.Duration(config.WriteTimeoutSeconds) * time.Second

	sessions := NewSessionManager(registry, writeTimeout, config.MaxFrameSize)
	sessions.SetRateLimit(config.MessagesPerSecond, config.MessageBurst)

	return &Server{
		registry: registry,
		sessions: sessions,
		config:   config,
		now:        time.Now,
		shutdown:   make(chan struct{}),
		handshakes: make(map[net.Conn]struct{}),
	}
}

// SetMetrics attaches metrics to the server and its session manager
func (s *Server) SetMetrics(metrics *Metrics) {
	s.metrics = metrics
	s.sessions.SetMetrics(metrics)
}

// SetLedger attaches a connection ledger
func (s *Server) SetLedger(ledger ConnectionLedger) {
	s.sessions.SetLedger(ledger)
}

// EnableDebugLogging turns on per-frame and per-message logging
func (s *Server) EnableDebugLogging() {
	debugLog.SetOutput(os.Stderr)
}

// Start opens the listeners and begins accepting connections
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	listener, err := listen(addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if s.config.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, s.config.MaxConnections)
	}
	s.listener = listener
	s.startTime = time.Now()
	if backlog := kernelBacklog(); backlog > 0 {
		log.Printf("Relay listening on %s (kernel listen backlog: %d)", listener.Addr(), backlog)
		if backlog < 4096 {
			log.Printf("WARNING: net.core.somaxconn=%d may drop connections under bursty reconnects", backlog)
		}
	} else {
		log.Printf("Relay listening on %s", listener.Addr())
	}

	if s.config.MetricsPort > 0 {
		if err := s.startHTTPServer(); err != nil {
			s.listener.Close()
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	s.wg.Add(1)
	go s.acceptLoop()

	if _, ok := listenOverflows(); ok {
		s.wg.Add(1)
		go s.monitorListenOverflows(10 * time.Second)
	}

	return nil
}

// listen opens a TCP listener with SO_REUSEADDR so restarts can rebind immediately
func listen(addr string) (net.Listener, error) {
	lc := net.ListenConfig{Control: reuseAddr}
	return lc.Listen(context.Background(), "tcp", addr)
}

// monitorListenOverflows reports connections the kernel dropped because the
// accept queue was full. The counter is host-wide, so only growth is reported.
func (s *Server) monitorListenOverflows(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last, _ := listenOverflows()
	for {
		select {
		case <-ticker.C:
			current, ok := listenOverflows()
			if !ok || current <= last {
				continue
			}
			delta := current - last
			last = current
			log.Printf("WARNING: %d connection(s) dropped by listen backlog overflow (total: %d)", delta, current)
			if s.metrics != nil {
				s.metrics.RecordListenOverflows(delta)
			}
		case <-s.shutdown:
			return
		}
	}
}

// Addr returns the address the relay listens on
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listeners and tears down every session. Later calls do nothing.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.shutdown)

		if s.listener != nil {
			s.listener.Close()
		}
		if s.httpServer != nil {
			err = s.httpServer.Close()
		}

		s.closeHandshakes()
		s.wg.Wait()
		s.sessions.CloseAll()
		s.connWg.Wait()
	})
	return err
}

// trackHandshake registers conn as negotiating. It returns false once Stop has begun.
func (s *Server) trackHandshake(conn net.Conn) bool {
	s.handshakeMu.Lock()
	defer s.handshakeMu.Unlock()

	select {
	case <-s.shutdown:
		return false
	default:
	}
	s.handshakes[conn] = struct{}{}
	return true
}

func (s *Server) untrackHandshake(conn net.Conn) {
	s.handshakeMu.Lock()
	delete(s.handshakes, conn)
	s.handshakeMu.Unlock()
}

// closeHandshakes aborts every connection that has not finished negotiating
func (s *Server) closeHandshakes() {
	s.handshakeMu.Lock()
	defer s.handshakeMu.Unlock()

	for conn := range s.handshakes {
		conn.Close()
	}
}

func (s *Server) shuttingDown() bool {
	select {
	case <-s.shutdown:
		return true
	default:
		return false
	}
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			errorLog.Printf("Accept error: %v", err)
			continue
		}

		s.connWg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection performs the upgrade handshake and runs the session's read loop
func (s *Server) handleConnection(conn net.Conn) {
	defer s.connWg.Done()
	defer conn.Close()

	if !s.trackHandshake(conn) {
		return
	}

	// Disable Nagle's algorithm for immediate sends
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	br := bufio.NewReaderSize(conn, s.config.ReadBufferSize)

	key, ok := s.negotiate(conn, br)
	s.untrackHandshake(conn)
	if !ok {
		return
	}

	sess, err := s.sessions.CreateSession(conn)
	if err != nil {
		s.reject(conn, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err := protocol.WriteHandshake(sess.Conn, key); err != nil {
		debugLog.Printf("Session %d: handshake write failed: %v", sess.ID, err)
		s.sessions.RemoveSession(sess, ReasonHandshakeError)
		return
	}
	sess.setState(StateOpen)
	debugLog.Printf("New connection from %s (session %d)", sess.RemoteAddr, sess.ID)

	reason := s.readLoop(sess, br)
	s.sessions.RemoveSession(sess, reason)
}

// negotiate reads the upgrade request and validates it.
// On failure it has already written the rejection response.
func (s *Server) negotiate(conn net.Conn, br *bufio.Reader) (string, bool) {
	if s.config.HandshakeTimeoutSeconds > 0 {
		conn.SetReadDeadline(time.Now().Add(time.Duration(s.config.HandshakeTimeoutSeconds) * time.Second))
		defer conn.SetReadDeadline(time.Time{})
	}

	req, err := http.ReadRequest(br)
	if err != nil {
		if s.shuttingDown() {
			return "", false
		}
		debugLog.Printf("Malformed request from %s: %v", conn.RemoteAddr(), err)
		s.reject(conn, http.StatusBadRequest, "malformed request")
		return "", false
	}

	if err := protocol.ValidateUpgrade(req); err != nil {
		debugLog.Printf("Rejected upgrade from %s: %v", conn.RemoteAddr(), err)
		s.reject(conn, protocol.RejectionStatus(err), err.Error())
		return "", false
	}

	return req.Header.Get("Sec-WebSocket-Key"), true
}

func (s *Server) reject(conn net.Conn, status int, reason string) {
	if s.metrics != nil {
		s.metrics.RecordHandshakeRejection(status)
	}
	if s.config.WriteTimeoutSeconds > 0 {
		conn.SetWriteDeadline(time.Now().Add(time.Duration(s.config.WriteTimeoutSeconds) * time.Second))
	}
	_ = protocol.WriteRejection(conn, status, reason)
}

// readLoop feeds transport bytes through the session's frame buffer until the
// session ends, and returns the teardown reason
func (s *Server) readLoop(sess *Session, r io.Reader) string {
	buf := make([]byte, s.config.ReadBufferSize)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			sess.frames.Write(buf[:n])
			if reason, done := s.drainFrames(sess); done {
				return reason
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				debugLog.Printf("Session %d disconnected", sess.ID)
				return ReasonEOF
			}
			if sess.State() != StateOpen {
				// Torn down from another goroutine (failed delivery, shutdown)
				return ReasonWriteError
			}
			debugLog.Printf("Session %d read error: %v", sess.ID, err)
			return ReasonTransportError
		}
	}
}

// drainFrames handles every complete frame in the buffer. done is true when
// the session must be torn down.
func (s *Server) drainFrames(sess *Session) (reason string, done bool) {
	for {
		frame, err := sess.frames.Next()
		if err != nil {
			errorLog.Printf("Session %d: corrupt frame stream: %v", sess.ID, err)
			if s.metrics != nil {
				s.metrics.RecordProtocolError(protocolErrorKind(err))
			}
			return ReasonProtocolError, true
		}
		if frame == nil {
			return "", false
		}

		debugLog.Printf("Session %d ← RECV: Opcode=%s PayloadLen=%d", sess.ID, frame.Opcode, len(frame.Payload))
		if s.metrics != nil {
			s.metrics.RecordFrameReceived(frame.Opcode.String())
		}

		if reason, done := s.handleFrame(sess, frame); done {
			return reason, true
		}
	}
}

// handleFrame dispatches control frames and passes text frames to the router
func (s *Server) handleFrame(sess *Session, frame *protocol.Frame) (string, bool) {
	switch frame.Opcode {
	case protocol.OpClose:
		sess.setState(StateClosing)
		// Echo the close; failure does not matter, the transport is closed next
		_ = sess.Conn.WriteFrame(protocol.OpClose, protocol.ClosePayload(protocol.CloseNormal, ""))
		return ReasonRemoteClose, true

	case protocol.OpPing:
		if err := sess.WriteFrame(protocol.OpPong, nil); err != nil {
			debugLog.Printf("Session %d: pong failed: %v", sess.ID, err)
			return ReasonWriteError, true
		}

	case protocol.OpText:
		if err := s.handleText(sess, frame.Payload); err != nil {
			debugLog.Printf("Session %d: reply failed: %v", sess.ID, err)
			return ReasonWriteError, true
		}

	default:
		// Binary, continuation and pong frames carry nothing for this protocol
	}

	return "", false
}

func protocolErrorKind(err error) string {
	switch {
	case errors.Is(err, protocol.ErrPayloadTooLarge):
		return "length_overflow"
	case errors.Is(err, protocol.ErrFrameTooLarge):
		return "frame_too_large"
	default:
		return "other"
	}
}
