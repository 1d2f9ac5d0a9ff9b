package database

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteBufferRecordsLifecycle(t *testing.T) {
	db := newTestDB(t)
	wb := NewWriteBuffer(db, time.Hour, 0)
	defer wb.Close()

	wb.RecordConnect(42, "127.0.0.1:9000")
	wb.RecordLogin(42, "2010000000")
	wb.Flush()

	rowID, ok := wb.RowID(42)
	require.True(t, ok)

	c, err := db.GetConnection(rowID)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), c.SessionID)
	require.NotNil(t, c.Identity)
	assert.Equal(t, "2010000000", *c.Identity)
	assert.Nil(t, c.DisconnectedAt)

	wb.RecordDisconnect(42, "eof")
	wb.Flush()

	_, ok = wb.RowID(42)
	assert.False(t, ok)

	c, err = db.GetConnection(rowID)
	require.NoError(t, err)
	require.NotNil(t, c.DisconnectReason)
	assert.Equal(t, "eof", *c.DisconnectReason)
}

func TestWriteBufferIgnoresUnknownSession(t *testing.T) {
	db := newTestDB(t)
	wb := NewWriteBuffer(db, time.Hour, 0)
	defer wb.Close()

	wb.RecordLogin(5, "2010000000")
	wb.RecordDisconnect(5, "eof")
	wb.Flush()

	n, err := db.CountOpenConnections()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWriteBufferDropsWhenFull(t *testing.T) {
	db := newTestDB(t)
	wb := NewWriteBuffer(db, time.Hour, 2)
	defer wb.Close()

	wb.RecordConnect(1, "a")
	wb.RecordConnect(2, "b")
	wb.RecordConnect(3, "c")

	assert.Equal(t, int64(1), wb.Dropped())
}

func TestWriteBufferCloseFlushes(t *testing.T) {
	db := newTestDB(t)
	wb := NewWriteBuffer(db, time.Hour, 0)

	wb.RecordConnect(1, "a")
	wb.RecordConnect(2, "b")
	wb.Close()

	n, err := db.CountOpenConnections()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Events after close are dropped, and a second close is harmless
	wb.RecordConnect(3, "c")
	assert.Equal(t, int64(1), wb.Dropped())
	wb.Close()
}

func TestWriteBufferPeriodicFlush(t *testing.T) {
	db := newTestDB(t)
	wb := NewWriteBuffer(db, 10*time.Millisecond, 0)
	defer wb.Close()

	wb.RecordConnect(1, "a")

	assert.Eventually(t, func() bool {
		n, err := db.CountOpenConnections()
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)
}
