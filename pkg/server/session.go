package server

import (
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/aeolun/phonerelay/pkg/protocol"
)

var (
	// ErrSessionClosed is returned when writing to a session that has been torn down
	ErrSessionClosed = errors.New("session is closed")
	// ErrShuttingDown is returned by CreateSession once CloseAll has run
	ErrShuttingDown = errors.New("server is shutting down")
)

// SessionState is the lifecycle state of a connection
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session represents an active client connection
type Session struct {
	ID         uint64
	RemoteAddr string
	Conn       *SafeConn // Client connection with automatic write synchronization

	state     atomic.Int32
	identity  string       // Bound identity, empty until login
	mu        sync.RWMutex // Protects identity
	closeOnce sync.Once

	// Inbound byte window; only touched by the session's read goroutine
	frames protocol.FrameBuffer

	// nil when rate limiting is disabled
	limiter *rate.Limiter
}

// State returns the current lifecycle state
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(state SessionState) {
	s.state.Store(int32(state))
}

// Identity returns the bound identity, or "" before login
func (s *Session) Identity() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// setIdentity records the identity and returns the previous one
func (s *Session) setIdentity(identity string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.identity
	s.identity = identity
	return prev
}

// allowMessage reports whether another text message fits the session's rate
func (s *Session) allowMessage() bool {
	return s.limiter == nil || s.limiter.Allow()
}

// WriteFrame sends a single unmasked frame
func (s *Session) WriteFrame(opcode protocol.Opcode, payload []byte) error {
	if s.State() == StateClosed {
		return ErrSessionClosed
	}
	return s.Conn.WriteFrame(opcode, payload)
}

// SendJSON marshals v and sends it as a text frame
func (s *Session) SendJSON(v any) error {
	return s.SendJSONWithin(v, s.Conn.writeTimeout)
}

// SendJSONWithin is SendJSON with its own write deadline; 0 means none
func (s *Session) SendJSONWithin(v any, timeout time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if s.State() == StateClosed {
		return ErrSessionClosed
	}
	_, err = s.Conn.writeWithin(protocol.AppendFrame(make([]byte, 0, 10+len(data)), protocol.OpText, data), timeout)
	return err
}

// SafeConn wraps a net.Conn so concurrent writers never interleave frames
type SafeConn struct {
	conn         net.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

// NewSafeConn creates a SafeConn; writeTimeout of 0 disables write deadlines
func NewSafeConn(conn net.Conn, writeTimeout time.Duration) *SafeConn {
	return &SafeConn{conn: conn, writeTimeout: writeTimeout}
}

// Write implements io.Writer
func (c *SafeConn) Write(p []byte) (int, error) {
	return c.writeWithin(p, c.writeTimeout)
}

func (c *SafeConn) writeWithin(p []byte, timeout time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return 0, err
	}
	return c.conn.Write(p)
}

// WriteFrame encodes and writes a frame in one Write call
func (c *SafeConn) WriteFrame(opcode protocol.Opcode, payload []byte) error {
	_, err := c.Write(protocol.AppendFrame(make([]byte, 0, 10+len(payload)), opcode, payload))
	return err
}

// Close closes the underlying connection
func (c *SafeConn) Close() error {
	return c.conn.Close()
}

// RemoteAddr returns the peer address
func (c *SafeConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SessionManager tracks every live session and tears them down
type SessionManager struct {
	registry     *Registry
	ledger       ConnectionLedger
	metrics      *Metrics
	sessions     map[uint64]*Session
	nextID       uint64
	writeTimeout time.Duration
	maxPayload   int
	rateLimit    rate.Limit
	rateBurst    int
	closed       bool // set by CloseAll; guarded by mu
	mu           sync.RWMutex
}

// NewSessionManager creates a session manager that releases identities from registry on teardown
func NewSessionManager(registry *Registry, writeTimeout time.Duration, maxPayload int) *SessionManager {
	return &SessionManager{
		registry:     registry,
		sessions:     make(map[uint64]*Session),
		nextID:       1,
		writeTimeout: writeTimeout,
		maxPayload:   maxPayload,
	}
}

// SetMetrics attaches metrics to the session manager
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// SetRateLimit gives every new session a token bucket of perSecond messages
// with the given burst. perSecond <= 0 disables limiting.
func (sm *SessionManager) SetRateLimit(perSecond, burst int) {
	if perSecond <= 0 {
		sm.rateLimit = 0
		return
	}
	if burst < 1 {
		burst = perSecond
	}
	sm.rateLimit = rate.Limit(perSecond)
	sm.rateBurst = burst
}

// SetLedger attaches a connection ledger
func (sm *SessionManager) SetLedger(ledger ConnectionLedger) {
	sm.ledger = ledger
}

// CreateSession registers a new session in the Connecting state.
// After CloseAll it fails with ErrShuttingDown.
func (sm *SessionManager) CreateSession(conn net.Conn) (*Session, error) {
	sess := &Session{
		ID:         atomic.AddUint64(&sm.nextID, 1) - 1,
		RemoteAddr: conn.RemoteAddr().String(),
		Conn:       NewSafeConn(conn, sm.writeTimeout),
	}
	sess.frames.MaxPayload = sm.maxPayload
	if sm.rateLimit > 0 {
		sess.limiter = rate.NewLimiter(sm.rateLimit, sm.rateBurst)
	}
	sess.setState(StateConnecting)

	sm.mu.Lock()
	if sm.closed {
		sm.mu.Unlock()
		return nil, ErrShuttingDown
	}
	sm.sessions[sess.ID] = sess
	count := len(sm.sessions)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(count)
		sm.metrics.RecordSessionCreated()
	}
	if sm.ledger != nil {
		sm.ledger.RecordConnect(sess.ID, sess.RemoteAddr)
	}

	return sess, nil
}

// GetSession returns a session by ID
func (sm *SessionManager) GetSession(sessionID uint64) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sess, ok := sm.sessions[sessionID]
	return sess, ok
}

// Count returns the number of live sessions
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	return len(sm.sessions)
}

// BindIdentity logs sess in as identity, releasing any identity it held before
func (sm *SessionManager) BindIdentity(sess *Session, identity string) {
	if prev := sess.setIdentity(identity); prev != "" && prev != identity {
		sm.registry.Release(prev, sess)
	}

	if superseded := sm.registry.Bind(identity, sess); superseded != nil {
		debugLog.Printf("Session %d: identity %s moved from session %d", sess.ID, identity, superseded.ID)
	}

	// A concurrent RemoveSession may have read the identity before it was set
	if sess.State() >= StateClosing {
		sm.registry.Release(identity, sess)
	}

	if sm.metrics != nil {
		sm.metrics.RecordBoundIdentities(sm.registry.Count())
	}
	if sm.ledger != nil {
		sm.ledger.RecordLogin(sess.ID, identity)
	}
}

// RemoveSession moves the session to Closed, releases its identity and closes the transport.
// Only the first call has any effect.
func (sm *SessionManager) RemoveSession(sess *Session, reason string) {
	sess.closeOnce.Do(func() {
		sess.setState(StateClosing)

		if identity := sess.Identity(); identity != "" {
			sm.registry.Release(identity, sess)
		}

		sm.mu.Lock()
		delete(sm.sessions, sess.ID)
		count := len(sm.sessions)
		sm.mu.Unlock()

		// Best effort; the peer may already be gone
		_ = sess.Conn.Close()
		sess.setState(StateClosed)

		if sm.metrics != nil {
			sm.metrics.RecordActiveSessions(count)
			sm.metrics.RecordBoundIdentities(sm.registry.Count())
			sm.metrics.RecordSessionDisconnected(reason)
		}
		if sm.ledger != nil {
			sm.ledger.RecordDisconnect(sess.ID, reason)
		}

		debugLog.Printf("Session %d closed (%s)", sess.ID, reason)
	})
}

// CloseAll sends a going-away close frame to every session and tears it down.
// No session can be created afterwards.
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	sm.closed = true
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	sm.mu.Unlock()

	for _, sess := range sessions {
		if sess.State() == StateOpen {
			_ = sess.WriteFrame(protocol.OpClose, protocol.ClosePayload(protocol.CloseGoingAway, "server shutting down"))
		}
		sm.RemoveSession(sess, ReasonShutdown)
	}
}
