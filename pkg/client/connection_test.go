package client

import (
	"encoding/json"
	"io"
	"log"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/phonerelay/pkg/server"
)

func TestParseServerAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "example.com", want: "ws://example.com:3000/"},
		{in: "example.com:1234", want: "ws://example.com:1234/"},
		{in: "ws://example.com:8080/relay", want: "ws://example.com:8080/relay"},
		{in: "wss://relay.example.com", want: "wss://relay.example.com:3000/"},
		{in: "", wantErr: true},
		{in: "http://example.com", wantErr: true},
		{in: "ws://", wantErr: true},
	}

	for _, tt := range tests {
		got, err := parseServerAddress(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func startRelay(t *testing.T, port int) (*server.Server, int) {
	t.Helper()
	log.SetOutput(io.Discard)

	cfg := server.DefaultConfig()
	cfg.Port = port
	srv := server.NewServer(cfg)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	return srv, srv.Addr().(*net.TCPAddr).Port
}

func dial(t *testing.T, port int) *Connection {
	t.Helper()
	c, err := NewConnection("127.0.0.1:" + strconv.Itoa(port))
	require.NoError(t, err)
	c.SetReconnectDelay(20*time.Millisecond, 100*time.Millisecond)
	require.NoError(t, c.Connect())
	t.Cleanup(c.Close)
	return c
}

func next(t *testing.T, c *Connection) *Reply {
	t.Helper()
	select {
	case r, ok := <-c.Incoming():
		require.True(t, ok, "incoming channel closed")
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reply")
	}
	return nil
}

func TestLoginAndSend(t *testing.T) {
	_, port := startRelay(t, 0)

	alice := dial(t, port)
	bob := dial(t, port)

	require.NoError(t, alice.Login("201-000-0000"))
	assert.Equal(t, &Reply{Type: "login_ok", Phone: "2010000000"}, next(t, alice))
	require.NoError(t, bob.Login("3030000000"))
	next(t, bob)

	require.NoError(t, alice.SendAt("3030000000", "hi bob", "m-1", 42))

	got := next(t, bob)
	assert.Equal(t, "receive", got.Type)
	assert.Equal(t, "2010000000", got.From)
	assert.Equal(t, "hi bob", got.Message)
	assert.JSONEq(t, `"m-1"`, string(got.ID))
	assert.Equal(t, int64(42), got.TS)

	ack := next(t, alice)
	assert.Equal(t, "sent_ok", ack.Type)
	assert.Equal(t, "3030000000", ack.To)

	assert.Equal(t, uint64(2), alice.MessagesSent())
	assert.Equal(t, uint64(2), alice.MessagesReceived())
}

func TestSendErrorReply(t *testing.T) {
	_, port := startRelay(t, 0)
	c := dial(t, port)

	require.NoError(t, c.Send("3030000000", "hi", nil))
	assert.Equal(t, &Reply{Type: "error", Error: "not_logged_in"}, next(t, c))
}

func TestWriteWhenDisconnected(t *testing.T) {
	c, err := NewConnection("127.0.0.1:1")
	require.NoError(t, err)
	defer c.Close()

	assert.ErrorIs(t, c.Send("3030000000", "hi", json.RawMessage(`1`)), ErrNotConnected)
	assert.False(t, c.IsConnected())
}

func TestReconnectLogsInAgain(t *testing.T) {
	srv, port := startRelay(t, 0)
	c := dial(t, port)

	require.NoError(t, c.Login("2010000000"))
	require.Equal(t, "login_ok", next(t, c).Type)

	// Restart the relay on the same port
	require.NoError(t, srv.Stop())
	startRelay(t, port)

	// The client redials and repeats the login without being asked
	assert.Equal(t, &Reply{Type: "login_ok", Phone: "2010000000"}, next(t, c))
	assert.True(t, c.IsConnected())
}

func TestDisconnectDoesNotReconnect(t *testing.T) {
	_, port := startRelay(t, 0)
	c := dial(t, port)

	c.Disconnect()
	time.Sleep(100 * time.Millisecond)
	assert.False(t, c.IsConnected())
}

func TestCloseDuringDialDropsNewConnection(t *testing.T) {
	_, port := startRelay(t, 0)

	c, err := NewConnection("127.0.0.1:" + strconv.Itoa(port))
	require.NoError(t, err)

	dialing := make(chan struct{})
	release := make(chan struct{})
	c.dialer = &websocket.Dialer{
		HandshakeTimeout: 2 * time.Second,
		NetDial: func(network, addr string) (net.Conn, error) {
			close(dialing)
			<-release
			return net.Dial(network, addr)
		},
	}

	result := make(chan error, 1)
	go func() { result <- c.Connect() }()

	<-dialing
	c.Close()
	close(release)

	select {
	case err := <-result:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(3 * time.Second):
		t.Fatal("Connect did not return after Close")
	}
	assert.False(t, c.IsConnected())
}
