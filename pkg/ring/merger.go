package ring

import (
	"container/heap"
	"encoding/binary"
	"errors"
)

var (
	// ErrNoRings is returned by Start when no ring was added
	ErrNoRings = errors.New("no rings to merge")
	// ErrNotActive is returned when the merger is used outside of a batch
	ErrNotActive = errors.New("merger is not active")
	// ErrActive is returned when adding rings during a batch
	ErrActive = errors.New("merger is already active")
)

// Record types the merger distinguishes
const (
	RecordLost   = 2
	RecordSample = 9
)

type pending struct {
	timestamp uint64
	ring      int
}

type pendingHeap []pending

func (h pendingHeap) Len() int           { return len(h) }
func (h pendingHeap) Less(i, j int) bool { return h[i].timestamp < h[j].timestamp }
func (h pendingHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *pendingHeap) Push(x any)        { *h = append(*h, x.(pending)) }
func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old) - 1
	x := old[n]
	*h = old[:n]
	return x
}

// Merger yields records from several rings in timestamp order. Sample records
// carry their timestamp at a fixed payload offset, which depends on the
// sample_type the events were opened with. Other records sort first.
type Merger struct {
	rings     []*Ring
	tsOffset  uint16
	heap      pendingHeap
	inHeap    []bool
	active    bool
	tsScratch [8]byte
}

// NewMerger returns a merger reading sample timestamps at tsOffset bytes
// into the record payload.
func NewMerger(tsOffset uint16) *Merger {
	return &Merger{tsOffset: tsOffset}
}

// Add registers a ring. Rings cannot be added during a batch.
func (m *Merger) Add(r *Ring) error {
	if m.active {
		return ErrActive
	}
	m.rings = append(m.rings, r)
	m.inHeap = append(m.inHeap, false)
	if cap(m.heap) < len(m.rings) {
		grown := make(pendingHeap, len(m.heap), len(m.rings))
		copy(grown, m.heap)
		m.heap = grown
	}
	return nil
}

// Len returns the number of registered rings
func (m *Merger) Len() int { return len(m.rings) }

// Start opens a read batch on every ring
func (m *Merger) Start() error {
	if len(m.rings) == 0 {
		return ErrNoRings
	}
	if m.active {
		return ErrActive
	}
	for i, r := range m.rings {
		r.StartRead()
		if !m.inHeap[i] {
			m.refresh(i)
		}
	}
	m.active = true
	return nil
}

// Finish returns consumed space of every ring to the kernel
func (m *Merger) Finish() {
	if !m.active {
		return
	}
	for _, r := range m.rings {
		r.FinishRead()
	}
	m.active = false
}

// Empty reports whether the batch has no record left
func (m *Merger) Empty() bool {
	return !m.active || len(m.heap) == 0
}

// PeekTimestamp returns the timestamp of the next record
func (m *Merger) PeekTimestamp() (uint64, error) {
	if !m.active {
		return 0, ErrNotActive
	}
	if len(m.heap) == 0 {
		return 0, ErrEmpty
	}
	return m.heap[0].timestamp, nil
}

// Current returns the ring holding the next record and its index
func (m *Merger) Current() (*Ring, int, error) {
	if !m.active {
		return nil, 0, ErrNotActive
	}
	if len(m.heap) == 0 {
		return nil, 0, ErrEmpty
	}
	idx := m.heap[0].ring
	return m.rings[idx], idx, nil
}

// Pop consumes the next record
func (m *Merger) Pop() error {
	if !m.active {
		return ErrNotActive
	}
	if len(m.heap) == 0 {
		return ErrEmpty
	}
	idx := m.heap[0].ring
	if err := m.rings[idx].Pop(); err != nil {
		return err
	}
	m.refresh(idx)
	return nil
}

// refresh re-keys ring idx, which must be absent from the heap or at its top
func (m *Merger) refresh(idx int) {
	r := m.rings[idx]
	if m.inHeap[idx] && (len(m.heap) == 0 || m.heap[0].ring != idx) {
		panic("ring: refresh called for a ring that is not at the top of the heap")
	}

	if _, err := r.PeekSize(); err != nil {
		if m.inHeap[idx] {
			heap.Remove(&m.heap, 0)
			m.inHeap[idx] = false
		}
		return
	}

	var ts uint64
	if r.PeekType() == RecordSample {
		if err := r.PeekCopy(m.tsScratch[:], m.tsOffset); err == nil {
			ts = binary.NativeEndian.Uint64(m.tsScratch[:])
		}
	}

	entry := pending{timestamp: ts, ring: idx}
	if m.inHeap[idx] {
		m.heap[0] = entry
		heap.Fix(&m.heap, 0)
		return
	}
	heap.Push(&m.heap, entry)
	m.inHeap[idx] = true
}
