//go:build linux

package server

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseListenOverflows(t *testing.T) {
	netstat := "TcpExt: SyncookiesSent ListenOverflows ListenDrops\n" +
		"TcpExt: 0 42 43\n" +
		"IpExt: InNoRoutes\n" +
		"IpExt: 0\n"

	n, ok := parseListenOverflows(strings.NewReader(netstat))
	assert.True(t, ok)
	assert.Equal(t, uint64(42), n)
}

func TestParseListenOverflowsMissingColumn(t *testing.T) {
	_, ok := parseListenOverflows(strings.NewReader("TcpExt: SyncookiesSent\nTcpExt: 0\n"))
	assert.False(t, ok)

	_, ok = parseListenOverflows(strings.NewReader(""))
	assert.False(t, ok)
}
