package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aeolun/phonerelay/pkg/protocol"
)

// DefaultPort is used when the address has no port
const DefaultPort = "3000"

var (
	ErrNotConnected = errors.New("not connected")
	ErrClosed       = errors.New("connection closed")
)

// ConnectionStateType represents the connection status
type ConnectionStateType int

const (
	StateTypeConnected ConnectionStateType = iota
	StateTypeDisconnected
	StateTypeReconnecting
)

// ConnectionStateUpdate represents a connection state change
type ConnectionStateUpdate struct {
	State   ConnectionStateType
	Attempt int
	Err     error
}

// Reply is any server-to-client message. Fields not used by Type are empty.
type Reply struct {
	Type    string          `json:"type"`
	Phone   string          `json:"phone,omitempty"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Message string          `json:"message,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	TS      int64           `json:"ts,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type loginRequest struct {
	Type  string `json:"type"`
	Phone string `json:"phone"`
}

type sendRequest struct {
	Type    string `json:"type"`
	To      string `json:"to"`
	Message string `json:"message"`
	ID      any    `json:"id,omitempty"`
	TS      int64  `json:"ts,omitempty"`
}

// Connection is a relay client. After an unexpected disconnect it redials
// with exponential backoff and logs in again with the last phone number.
type Connection struct {
	url          string
	dialer       *websocket.Dialer
	conn         *websocket.Conn
	mu           sync.RWMutex
	writeMu      sync.Mutex
	connected    bool
	reconnecting bool
	phone        string

	incoming    chan *Reply
	errors      chan error
	stateChange chan ConnectionStateUpdate

	autoReconnect     bool
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration

	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64

	logger *log.Logger

	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewConnection creates a client for addr: "host", "host:port", or a ws:// or wss:// URL
func NewConnection(addr string) (*Connection, error) {
	u, err := parseServerAddress(addr)
	if err != nil {
		return nil, err
	}

	return &Connection{
		url:               u,
		dialer:            &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		incoming:          make(chan *Reply, 100),
		errors:            make(chan error, 10),
		stateChange:       make(chan ConnectionStateUpdate, 10),
		autoReconnect:     true,
		reconnectDelay:    1 * time.Second,
		maxReconnectDelay: 30 * time.Second,
		shutdown:          make(chan struct{}),
	}, nil
}

// parseServerAddress turns a user supplied address into a WebSocket URL
func parseServerAddress(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty server address")
	}

	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid server address %q: %w", raw, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("unsupported scheme %q (use ws or wss)", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid server address %q: missing host", raw)
	}
	if u.Port() == "" {
		u.Host = net.JoinHostPort(u.Hostname(), DefaultPort)
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

// SetLogger enables connection logging
func (c *Connection) SetLogger(logger *log.Logger) {
	c.logger = logger
}

// SetReconnectDelay sets the initial and maximum backoff between reconnect attempts
func (c *Connection) SetReconnectDelay(initial, max time.Duration) {
	c.reconnectDelay = initial
	c.maxReconnectDelay = max
}

// DisableAutoReconnect stops the client from redialing after a disconnect
func (c *Connection) DisableAutoReconnect() {
	c.autoReconnect = false
}

func (c *Connection) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// Connect dials the relay and, if a phone was logged in before, logs in again
func (c *Connection) Connect() error {
	select {
	case <-c.shutdown:
		return ErrClosed
	default:
	}

	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	c.mu.Unlock()

	c.logf("Connecting to %s...", c.url)

	conn, _, err := c.dialer.Dial(c.url, nil)
	if err != nil {
		c.logf("Connection failed: %v", err)
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.mu.Lock()
	// Close may have run while the dial was in flight
	select {
	case <-c.shutdown:
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	default:
	}
	c.conn = conn
	c.connected = true
	phone := c.phone
	c.wg.Add(1)
	c.mu.Unlock()

	c.logf("Connected successfully to %s", c.url)

	go c.readLoop(conn)

	if phone != "" {
		// A failed write also fails the read loop, which schedules the next attempt
		if err := c.write(loginRequest{Type: protocol.TypeLogin, Phone: phone}); err != nil {
			c.logf("Failed to log in again as %s: %v", phone, err)
		}
	}
	return nil
}

// Disconnect closes the current connection without reconnecting
func (c *Connection) Disconnect() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.logf("Disconnecting from %s", c.url)
	c.connected = false
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	conn.Close()
}

// Close shuts down the connection permanently
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.shutdown)
		c.Disconnect()
		c.wg.Wait()
		close(c.incoming)
		close(c.errors)
		close(c.stateChange)
	})
}

// Login binds this connection to phone. The reply arrives on Incoming.
func (c *Connection) Login(phone string) error {
	c.mu.Lock()
	c.phone = phone
	c.mu.Unlock()
	return c.write(loginRequest{Type: protocol.TypeLogin, Phone: phone})
}

// Send routes message to the phone number to. id is echoed back verbatim and may be nil.
func (c *Connection) Send(to, message string, id any) error {
	return c.write(sendRequest{Type: protocol.TypeSend, To: to, Message: message, ID: id})
}

// SendAt is Send with an explicit timestamp in Unix milliseconds
func (c *Connection) SendAt(to, message string, id any, ts int64) error {
	return c.write(sendRequest{Type: protocol.TypeSend, To: to, Message: message, ID: id, TS: ts})
}

func (c *Connection) write(v any) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(v); err != nil {
		c.logf("Write error: %v", err)
		return err
	}
	c.messagesSent.Add(1)
	return nil
}

// Incoming returns the channel of replies and deliveries from the relay
func (c *Connection) Incoming() <-chan *Reply {
	return c.incoming
}

// Errors returns the channel for connection errors
func (c *Connection) Errors() <-chan error {
	return c.errors
}

// StateChanges returns the channel for connection state updates
func (c *Connection) StateChanges() <-chan ConnectionStateUpdate {
	return c.stateChange
}

// IsConnected returns whether the connection is active
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// GetAddress returns the relay URL
func (c *Connection) GetAddress() string {
	return c.url
}

// MessagesSent returns the number of application messages written
func (c *Connection) MessagesSent() uint64 {
	return c.messagesSent.Load()
}

// MessagesReceived returns the number of application messages read
func (c *Connection) MessagesReceived() uint64 {
	return c.messagesReceived.Load()
}

// readLoop decodes text messages from conn until it fails
func (c *Connection) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logf("Connection closed by server: %v", err)
			} else {
				c.logf("Read error: %v", err)
			}
			c.handleDisconnect(conn, err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		reply := &Reply{}
		if err := json.Unmarshal(data, reply); err != nil {
			c.logf("Dropping undecodable message: %v", err)
			continue
		}
		c.messagesReceived.Add(1)
		c.logf("← RECV: %s", reply.Type)

		select {
		case c.incoming <- reply:
		case <-c.shutdown:
			return
		}
	}
}

// handleDisconnect handles an unexpected disconnection of conn
func (c *Connection) handleDisconnect(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	wasCurrent := c.connected && c.conn == conn
	if wasCurrent {
		c.connected = false
		c.conn = nil
	}
	c.mu.Unlock()

	conn.Close()
	if !wasCurrent {
		return
	}

	c.logf("Disconnected from server")

	disconnectErr := fmt.Errorf("disconnected from server: %w", cause)
	select {
	case c.errors <- disconnectErr:
	default:
	}
	select {
	case c.stateChange <- ConnectionStateUpdate{State: StateTypeDisconnected, Err: disconnectErr}:
	default:
	}

	if c.autoReconnect {
		c.wg.Add(1)
		go c.reconnectLoop()
	}
}

// reconnectLoop attempts to reconnect with exponential backoff
func (c *Connection) reconnectLoop() {
	defer c.wg.Done()

	c.mu.Lock()
	if c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	delay := c.reconnectDelay
	attempt := 1

	for {
		select {
		case <-c.shutdown:
			c.logf("Reconnect loop cancelled (shutdown)")
			return
		case <-time.After(delay):
			c.logf("Reconnect attempt %d to %s", attempt, c.url)

			select {
			case c.stateChange <- ConnectionStateUpdate{State: StateTypeReconnecting, Attempt: attempt}:
			default:
			}

			if err := c.Connect(); err != nil {
				if errors.Is(err, ErrClosed) {
					return
				}
				c.logf("Reconnect attempt %d failed: %v", attempt, err)

				delay *= 2
				if delay > c.maxReconnectDelay {
					delay = c.maxReconnectDelay
				}
				attempt++
				continue
			}

			c.logf("Reconnected successfully after %d attempts", attempt)

			select {
			case c.stateChange <- ConnectionStateUpdate{State: StateTypeConnected}:
			default:
			}
			return
		}
	}
}
