// Package ring reads records from perf_event sampling buffers.
package ring

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

var (
	// ErrEmpty is returned when there is no record left in the current batch
	ErrEmpty = errors.New("ring buffer empty")
	// ErrShortBuffer is returned by PeekCopy when asked for more bytes than the record holds
	ErrShortBuffer = errors.New("record smaller than requested copy")
)

// RecordHeader is the perf_event_header that precedes every record
type RecordHeader struct {
	Type uint32
	Misc uint16
	Size uint16
}

const headerSize = uint64(unsafe.Sizeof(RecordHeader{}))

// MetaPage is the first page of a perf mapping, shared with the kernel.
// Only the fields the reader needs are named.
type MetaPage struct {
	Version       uint32
	CompatVersion uint32
	_             [1024 - 8]byte
	DataHead      uint64 // written by the kernel
	DataTail      uint64 // written by the reader
	DataOffset    uint64
	DataSize      uint64
	AuxOffset     uint64
	AuxSize       uint64
}

// Ring is a consumer view of a perf sampling buffer: one metadata page
// followed by a power-of-two number of data pages.
type Ring struct {
	meta *MetaPage
	data []byte
	// mask is len(data)-1, for wraparound arithmetic
	mask uint64
	// readPos is the consumer offset published to DataTail on FinishRead
	readPos uint64
	// writePos is the kernel offset observed at StartRead
	writePos uint64
}

// New wraps a mapping of 1+nDataPages pages of pageSize bytes
func New(mapping []byte, nDataPages uint32, pageSize uint64) (*Ring, error) {
	if mapping == nil {
		return nil, fmt.Errorf("mapping cannot be nil")
	}

	dataLen := uint64(nDataPages) * pageSize
	if dataLen < 8 || dataLen&(dataLen-1) != 0 {
		return nil, fmt.Errorf("data area of %d bytes is not a power of two of at least 8 bytes", dataLen)
	}
	if uint64(len(mapping)) < pageSize+dataLen {
		return nil, fmt.Errorf("mapping of %d bytes too small for %d data pages", len(mapping), nDataPages)
	}

	meta := (*MetaPage)(unsafe.Pointer(&mapping[0]))
	// kernels before 4.1 leave DataOffset zero and put data right after the meta page
	start := meta.DataOffset
	if start == 0 {
		start = pageSize
	}
	if start+dataLen > uint64(len(mapping)) {
		return nil, fmt.Errorf("data offset %d out of range for mapping of %d bytes", start, len(mapping))
	}

	return &Ring{
		meta:     meta,
		data:     mapping[start : start+dataLen],
		mask:     dataLen - 1,
		readPos:  atomic.LoadUint64(&meta.DataTail),
		writePos: atomic.LoadUint64(&meta.DataHead),
	}, nil
}

// Mask returns the wraparound mask of the data area
func (r *Ring) Mask() uint64 { return r.mask }

// Tail returns the consumer offset
func (r *Ring) Tail() uint64 { return r.readPos }

// StartRead snapshots the kernel's write offset. Records written after this
// call are not visible until the next StartRead.
func (r *Ring) StartRead() {
	r.writePos = atomic.LoadUint64(&r.meta.DataHead)
}

// FinishRead hands consumed space back to the kernel
func (r *Ring) FinishRead() {
	atomic.StoreUint64(&r.meta.DataTail, r.readPos)
}

func (r *Ring) header() *RecordHeader {
	return (*RecordHeader)(unsafe.Pointer(&r.data[r.readPos&r.mask]))
}

// PeekSize returns the payload size of the next record
func (r *Ring) PeekSize() (int, error) {
	if r.writePos == r.readPos {
		return 0, ErrEmpty
	}
	return int(uint64(r.header().Size) - headerSize), nil
}

// PeekType returns the record type of the next record
func (r *Ring) PeekType() uint32 {
	return r.header().Type
}

// PeekCopy copies len(buf) payload bytes starting at offset from the next
// record, handling wraparound at the end of the data area.
func (r *Ring) PeekCopy(buf []byte, offset uint16) error {
	size, err := r.PeekSize()
	if err != nil {
		return err
	}
	if int(offset)+len(buf) > size {
		return ErrShortBuffer
	}
	if len(buf) == 0 {
		return nil
	}

	start := (r.readPos + headerSize + uint64(offset)) & r.mask
	n := copy(buf, r.data[start:])
	if n < len(buf) {
		copy(buf[n:], r.data)
	}
	return nil
}

// Pop consumes the next record
func (r *Ring) Pop() error {
	if r.writePos == r.readPos {
		return ErrEmpty
	}
	r.readPos += uint64(r.header().Size)
	return nil
}

// BytesRemaining returns the number of unread bytes in the current batch
func (r *Ring) BytesRemaining() uint32 {
	return uint32(r.writePos - r.readPos)
}
