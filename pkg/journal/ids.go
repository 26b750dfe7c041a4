package journal

import (
	"sync"
	"time"
)

// Event IDs are Snowflake-style: 41 bits of milliseconds since idEpoch,
// 10 bits of node ID, 12 bits of sequence. They sort in append order, so an
// ID can be handed out before the row is written.
const (
	nodeBits     = 10
	sequenceBits = 12
	nodeShift    = sequenceBits
	timeShift    = sequenceBits + nodeBits
	sequenceMask = (1 << sequenceBits) - 1
	maxNodeID    = (1 << nodeBits) - 1
)

var idEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

type idGenerator struct {
	mu       sync.Mutex
	nodeID   int64
	lastTime int64
	sequence int64
	now      func() int64
}

func newIDGenerator(nodeID int64) *idGenerator {
	if nodeID < 0 || nodeID > maxNodeID {
		nodeID = 0
	}
	return &idGenerator{
		nodeID: nodeID,
		now:    func() int64 { return time.Now().UnixMilli() },
	}
}

// next returns a new ID. If the clock moves backwards the last timestamp is
// reused, and when a millisecond's sequence is exhausted it waits for the
// next one.
func (g *idGenerator) next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if now <= g.lastTime {
		g.sequence = (g.sequence + 1) & sequenceMask
		if g.sequence == 0 {
			for now <= g.lastTime {
				time.Sleep(50 * time.Microsecond)
				now = g.now()
			}
			g.lastTime = now
		}
	} else {
		g.lastTime = now
		g.sequence = 0
	}

	return ((g.lastTime - idEpoch) << timeShift) | (g.nodeID << nodeShift) | g.sequence
}

// idTime recovers the millisecond timestamp embedded in an ID.
func idTime(id int64) time.Time {
	return time.UnixMilli((id >> timeShift) + idEpoch)
}
