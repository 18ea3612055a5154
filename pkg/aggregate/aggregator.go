// Package aggregate spreads interval counter deltas over fixed time slots.
package aggregate

import (
	"errors"
	"fmt"
)

// ErrCounterMismatch is returned for a measurement whose number of counts
// differs from the aggregator's
var ErrCounterMismatch = errors.New("measurement counter count mismatch")

// Measurement is the change of every counter of one group over an interval
// ending at Timestamp
type Measurement struct {
	// Key identifies the measured group, for example a CPU number
	Key       uint32
	Counts    []uint64
	Timestamp uint64 // nanoseconds
	Duration  uint64 // nanoseconds
}

// Aggregation is the share of measurements of one group falling in a slot
type Aggregation struct {
	Key      uint32
	Counts   []uint64
	Duration uint64 // nanoseconds
}

// Slot holds the aggregations of one time window
type Slot struct {
	StartTime    uint64 // nanoseconds
	EndTime      uint64 // nanoseconds
	Aggregations map[uint32]*Aggregation
}

// Config configures an Aggregator
type Config struct {
	Counters   int
	SlotLength uint64 // nanoseconds
	WindowSize uint   // number of consecutive slots kept open
	SlotOffset uint64 // nanoseconds, less than SlotLength
}

// Aggregator keeps a sliding window of open slots. Slots leaving the window
// are complete and are handed back to the caller.
type Aggregator struct {
	config Config
	slots  []*Slot
}

// NewAggregator returns an Aggregator for config
func NewAggregator(config Config) (*Aggregator, error) {
	if config.Counters <= 0 {
		return nil, fmt.Errorf("counters must be greater than 0")
	}
	if config.SlotLength == 0 {
		return nil, fmt.Errorf("slot length must be greater than 0")
	}
	if config.WindowSize == 0 {
		return nil, fmt.Errorf("window size must be greater than 0")
	}
	if config.SlotOffset >= config.SlotLength {
		return nil, fmt.Errorf("slot offset must be less than slot length")
	}
	return &Aggregator{
		config: config,
		slots:  make([]*Slot, 0, config.WindowSize),
	}, nil
}

func (a *Aggregator) slotStart(timestamp uint64) uint64 {
	adjusted := timestamp - a.config.SlotOffset
	return (adjusted/a.config.SlotLength)*a.config.SlotLength + a.config.SlotOffset
}

func (a *Aggregator) newSlot(start uint64) *Slot {
	return &Slot{
		StartTime:    start,
		EndTime:      start + a.config.SlotLength,
		Aggregations: make(map[uint32]*Aggregation),
	}
}

// advance moves the window so its last slot contains timestamp and returns
// the slots that fell out of it, oldest first. The window always holds
// WindowSize consecutive slots afterwards.
func (a *Aggregator) advance(timestamp uint64) []*Slot {
	var completed []*Slot
	window := uint64(a.config.WindowSize)
	last := a.slotStart(timestamp - 1)

	if len(a.slots) > 0 {
		oldest := a.slots[0].StartTime
		if signedDiff(last, oldest) < 0 {
			// measurement older than the window; nothing to retire
			return nil
		}
		span := (last-oldest)/a.config.SlotLength + 1

		var extra uint64
		if span > window {
			extra = span - window
		}
		retire := min(extra, uint64(len(a.slots)))
		if retire > 0 {
			completed = make([]*Slot, retire)
			copy(completed, a.slots[:retire])
			n := copy(a.slots, a.slots[retire:])
			a.slots = a.slots[:n]
		}
	}

	have := len(a.slots)
	a.slots = a.slots[:window]
	for i := have; i < int(window); i++ {
		a.slots[i] = a.newSlot(last - (window-1-uint64(i))*a.config.SlotLength)
	}
	return completed
}

// signedDiff is a-b for timestamps that may have wrapped
func signedDiff(a, b uint64) int64 {
	return int64(a) - int64(b)
}

// Add spreads m over the slots it overlaps, proportionally to the overlap,
// and returns the slots completed by advancing the window to m.Timestamp.
func (a *Aggregator) Add(m Measurement) ([]*Slot, error) {
	if len(m.Counts) != a.config.Counters {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrCounterMismatch, len(m.Counts), a.config.Counters)
	}
	completed := a.advance(m.Timestamp)

	end := m.Timestamp
	start := m.Timestamp - m.Duration
	remaining := m.Duration
	left := make([]uint64, len(m.Counts))
	copy(left, m.Counts)

	for _, slot := range a.slots {
		if signedDiff(start, slot.EndTime) >= 0 {
			continue
		}
		overlapStart := slot.StartTime
		if signedDiff(start, slot.StartTime) >= 0 {
			overlapStart = start
		}
		overlapEnd := end
		if signedDiff(end, slot.EndTime) >= 0 {
			overlapEnd = slot.EndTime
		}
		if signedDiff(overlapEnd, overlapStart) <= 0 {
			continue
		}
		overlap := overlapEnd - overlapStart

		agg, ok := slot.Aggregations[m.Key]
		if !ok {
			agg = &Aggregation{Key: m.Key, Counts: make([]uint64, len(m.Counts))}
			slot.Aggregations[m.Key] = agg
		}

		// the last overlapping slot takes whatever rounding left over
		share := float64(overlap) / float64(remaining)
		for i := range left {
			v := left[i]
			if overlap != remaining {
				v = uint64(float64(left[i]) * share)
			}
			agg.Counts[i] += v
			left[i] -= v
		}
		agg.Duration += overlap

		remaining -= overlap
		start = overlapEnd
		if remaining == 0 {
			break
		}
	}
	return completed, nil
}

// Flush returns every open slot and empties the window
func (a *Aggregator) Flush() []*Slot {
	slots := a.slots
	a.slots = make([]*Slot, 0, a.config.WindowSize)
	return slots
}
