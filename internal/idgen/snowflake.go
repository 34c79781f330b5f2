package idgen

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

const (
	timestampBits = 41
	machineIDBits = 10
	sequenceBits  = 12

	maxMachineID = (1 << machineIDBits) - 1 // 1023
	maxSequence  = (1 << sequenceBits) - 1   // 4095

	machineIDShift = sequenceBits
	timestampShift = sequenceBits + machineIDBits
)

// DefaultEpoch is 2024-01-01T00:00:00Z in unix milliseconds.
const DefaultEpoch int64 = 1704067200000

// Generator produces unique, time-ordered message ids.
type Generator interface {
	NewID() (string, error)
}

// Snowflake generates 64-bit snowflake ids rendered as decimal strings.
type Snowflake struct {
	mu        sync.Mutex
	epoch     int64
	machineID int64
	sequence  int64
	lastTime  int64
	now       func() time.Time
}

// NewSnowflake creates a generator. machineID must be in [0, 1023].
func NewSnowflake(machineID int64, epoch int64) (*Snowflake, error) {
	if machineID < 0 || machineID > maxMachineID {
		return nil, fmt.Errorf("machine_id must be between 0 and %d, got %d", maxMachineID, machineID)
	}
	if epoch <= 0 {
		epoch = DefaultEpoch
	}
	return &Snowflake{
		epoch:     epoch,
		machineID: machineID,
		now:       time.Now,
	}, nil
}

func (g *Snowflake) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().UnixMilli()
	if now < g.epoch {
		return "", fmt.Errorf("current time is before custom epoch")
	}
	if now < g.lastTime {
		return "", fmt.Errorf("clock moved backwards: current=%d, last=%d", now, g.lastTime)
	}

	if now == g.lastTime {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			// Sequence exhausted, wait for next millisecond
			for now <= g.lastTime {
				now = g.now().UnixMilli()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastTime = now

	id := ((now - g.epoch) << timestampShift) | (g.machineID << machineIDShift) | g.sequence
	return strconv.FormatInt(id, 10), nil
}

// Timestamp extracts the creation time encoded in id.
func (g *Snowflake) Timestamp(id string) (time.Time, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid integer format: %w", err)
	}
	if n < 0 {
		return time.Time{}, fmt.Errorf("id must be a positive integer")
	}
	ts := (n >> timestampShift) & ((1 << timestampBits) - 1)
	return time.UnixMilli(ts + g.epoch), nil
}
