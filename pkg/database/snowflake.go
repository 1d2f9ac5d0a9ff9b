package database

import (
	"sync"
	"time"
)

// Snowflake generates time-ordered 64-bit row IDs.
// Layout: 41 bits milliseconds since epoch | 10 bits worker | 12 bits sequence
type Snowflake struct {
	mu       sync.Mutex
	epoch    int64
	workerID int64
	lastMs   int64
	sequence int64
}

const (
	workerIDBits   = 10
	sequenceBits   = 12
	timestampShift = sequenceBits + workerIDBits
	sequenceMask   = 1<<sequenceBits - 1
	maxWorkerID    = 1<<workerIDBits - 1
)

// NewSnowflake creates a generator. Out of range worker IDs fall back to 0.
func NewSnowflake(epoch int64, workerID int64) *Snowflake {
	if workerID < 0 || workerID > maxWorkerID {
		workerID = 0
	}
	return &Snowflake{epoch: epoch, workerID: workerID}
}

// NextID returns an ID strictly greater than every previous one from this generator
func (s *Snowflake) NextID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	if now < s.lastMs {
		// Clock went backwards; keep counting on the last timestamp
		now = s.lastMs
	}

	if now == s.lastMs {
		s.sequence = (s.sequence + 1) & sequenceMask
		if s.sequence == 0 {
			// 4096 IDs in one millisecond
			for now <= s.lastMs {
				time.Sleep(100 * time.Microsecond)
				now = time.Now().UnixMilli()
			}
		}
	} else {
		s.sequence = 0
	}
	s.lastMs = now

	return (now-s.epoch)<<timestampShift | s.workerID<<sequenceBits | s.sequence
}
