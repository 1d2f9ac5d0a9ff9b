package server

import (
	"encoding/json"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/phonerelay/pkg/protocol"
)

// initTestLoggers silences package-level loggers for testing
func initTestLoggers() {
	errorLog.SetOutput(io.Discard)
	debugLog.SetOutput(io.Discard)
}

// testServer creates a server that is never started; sessions are attached through pipes
func testServer(t *testing.T) *Server {
	t.Helper()
	initTestLoggers()
	return NewServer(DefaultConfig())
}

// testPeer is the client end of a piped session
type testPeer struct {
	sess    *Session
	client  net.Conn
	frames  chan *protocol.Frame
	replies chan map[string]any
}

// newTestPeer attaches an open session to srv whose output is decoded on the client side
func newTestPeer(t *testing.T, srv *Server) *testPeer {
	t.Helper()

	serverSide, clientSide := net.Pipe()
	sess, err := srv.sessions.CreateSession(serverSide)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	sess.setState(StateOpen)

	p := &testPeer{
		sess:    sess,
		client:  clientSide,
		frames:  make(chan *protocol.Frame, 64),
		replies: make(chan map[string]any, 64),
	}
	go p.readLoop()

	t.Cleanup(func() {
		clientSide.Close()
		srv.sessions.RemoveSession(sess, ReasonShutdown)
	})
	return p
}

func (p *testPeer) readLoop() {
	defer close(p.replies)
	defer close(p.frames)

	var fb protocol.FrameBuffer
	buf := make([]byte, 4096)
	for {
		n, err := p.client.Read(buf)
		if n > 0 {
			fb.Write(buf[:n])
			for {
				f, ferr := fb.Next()
				if ferr != nil || f == nil {
					break
				}
				if f.Opcode != protocol.OpText {
					p.frames <- f
					continue
				}
				var m map[string]any
				if json.Unmarshal(f.Payload, &m) == nil {
					p.replies <- m
				}
			}
		}
		if err != nil {
			return
		}
	}
}

// send feeds a text payload through the router as if it arrived on the session
func (p *testPeer) send(t *testing.T, srv *Server, payload string) {
	t.Helper()
	if err := srv.handleText(p.sess, []byte(payload)); err != nil {
		t.Fatalf("handleText failed: %v", err)
	}
}

func (p *testPeer) expect(t *testing.T) map[string]any {
	t.Helper()
	select {
	case m, ok := <-p.replies:
		if !ok {
			t.Fatalf("session %d: connection closed while waiting for reply", p.sess.ID)
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("session %d: timed out waiting for reply", p.sess.ID)
	}
	return nil
}

func (p *testPeer) expectNone(t *testing.T) {
	t.Helper()
	select {
	case m, ok := <-p.replies:
		if ok {
			t.Fatalf("session %d: unexpected reply %v", p.sess.ID, m)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

// ledgerEvent is one call recorded by recordingLedger
type ledgerEvent struct {
	kind      string
	sessionID uint64
	value     string
}

// recordingLedger is an in-memory ConnectionLedger
type recordingLedger struct {
	mu     sync.Mutex
	events []ledgerEvent
}

func (l *recordingLedger) RecordConnect(sessionID uint64, remoteAddr string) {
	l.add("connect", sessionID, remoteAddr)
}

func (l *recordingLedger) RecordLogin(sessionID uint64, identity string) {
	l.add("login", sessionID, identity)
}

func (l *recordingLedger) RecordDisconnect(sessionID uint64, reason string) {
	l.add("disconnect", sessionID, reason)
}

func (l *recordingLedger) add(kind string, sessionID uint64, value string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ledgerEvent{kind: kind, sessionID: sessionID, value: value})
}

func (l *recordingLedger) snapshot() []ledgerEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ledgerEvent(nil), l.events...)
}
