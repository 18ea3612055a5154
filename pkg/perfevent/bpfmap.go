package perfevent

import (
	"fmt"

	"github.com/cilium/ebpf"
	"go.uber.org/zap"
)

// PublishFDs stores the descriptor of every open event into a
// BPF_MAP_TYPE_PERF_EVENT_ARRAY keyed by event position, so BPF programs can
// read the group's counters with bpf_perf_event_read_value.
func (c *Control) PublishFDs(array *ebpf.Map) error {
	if array.Type() != ebpf.PerfEventArray {
		return fmt.Errorf("%w: map type %v is not a perf event array", ErrInvalid, array.Type())
	}
	if uint32(c.numEvents) > array.MaxEntries() {
		return fmt.Errorf("%w: %d events do not fit a map of %d entries", ErrInvalid, c.numEvents, array.MaxEntries())
	}

	for i := range c.events[:c.numEvents] {
		ev := &c.events[i]
		if !ev.opened {
			continue
		}
		if err := array.Put(uint32(i), uint32(ev.fd)); err != nil {
			return fmt.Errorf("%w: publishing event %d (fd %d): %w", ErrSystem, i, ev.fd, err)
		}
		c.b.log.Debug("published counter", zap.Int("event", i), zap.Int("fd", ev.fd))
	}
	return nil
}
