package perfevent

import (
	"encoding/binary"

	"github.com/unvariance/perfctr/pkg/ring"
)

// Sample is one record taken from a sampling buffer
type Sample struct {
	// Event is the position of the sampling event in the group
	Event int
	IP    uint64
	Time  uint64
	// Lost is non-zero for a record reporting dropped samples
	Lost uint64
}

// DrainSamples passes every record currently in the group's sampling
// buffers to fn, oldest first across all buffers, and returns the consumed
// space to the kernel. It returns the number of records delivered.
func (c *Control) DrainSamples(fn func(Sample)) (int, error) {
	if c.merger == nil {
		return 0, nil
	}
	if err := c.merger.Start(); err != nil {
		return 0, err
	}
	defer c.merger.Finish()

	var buf [16]byte
	n := 0
	for !c.merger.Empty() {
		r, idx, err := c.merger.Current()
		if err != nil {
			return n, err
		}

		s := Sample{Event: c.samplers[idx]}
		deliver := false
		switch r.PeekType() {
		case ring.RecordSample:
			if err := r.PeekCopy(buf[:], 0); err == nil {
				s.IP = binary.NativeEndian.Uint64(buf[0:])
				s.Time = binary.NativeEndian.Uint64(buf[8:])
				deliver = true
			}
		case ring.RecordLost:
			// id, then the number of lost records
			if err := r.PeekCopy(buf[:], 0); err == nil {
				s.Lost = binary.NativeEndian.Uint64(buf[8:])
				deliver = true
			}
		}
		if deliver {
			fn(s)
			n++
		}

		if err := c.merger.Pop(); err != nil {
			return n, err
		}
	}
	return n, nil
}
