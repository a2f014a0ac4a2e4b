// Licensed under the MIT License. See LICENSE file in the project root for details.

package device

import (
	"sync"
	"sync/atomic"
)

// MemoryDevice keeps segments in process memory. It honors the Device
// contract (asynchronous completion, sector size, segment addressing) and
// is used by tests and the repl.
type MemoryDevice struct {
	sectorSize  int
	segmentSize int64

	mu       sync.RWMutex
	segments map[uint64][]byte
	closed   atomic.Bool
	inflight sync.WaitGroup
}

// NewMemoryDevice creates an in-memory device. segmentSize must be -1 or a
// power of two, as for the file device; it panics otherwise (the file
// device returns an error instead).
func NewMemoryDevice(sectorSize int, segmentSize int64) *MemoryDevice {
	if segmentSize != -1 && (segmentSize <= 0 || segmentSize&(segmentSize-1) != 0) {
		panic("device: segment size must be a power of two or -1")
	}
	if sectorSize == 0 {
		sectorSize = defaultSectorSize
	}
	return &MemoryDevice{
		sectorSize:  sectorSize,
		segmentSize: segmentSize,
		segments:    make(map[uint64][]byte),
	}
}

func (d *MemoryDevice) segment(id uint64, grow int) []byte {
	seg := d.segments[id]
	if grow > len(seg) {
		bigger := make([]byte, grow)
		copy(bigger, seg)
		d.segments[id] = bigger
		seg = bigger
	}
	return seg
}

// WriteAsync implements Device.
func (d *MemoryDevice) WriteAsync(src []byte, segment uint64, offset uint64, cb CompletionFunc) {
	if d.closed.Load() {
		cb(ErrClosed)
		return
	}
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		d.mu.Lock()
		seg := d.segment(segment, int(offset)+len(src))
		copy(seg[offset:], src)
		d.mu.Unlock()
		cb(nil)
	}()
}

// ReadAsync implements Device.
func (d *MemoryDevice) ReadAsync(segment uint64, offset uint64, dst []byte, cb CompletionFunc) {
	if d.closed.Load() {
		cb(ErrClosed)
		return
	}
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		d.mu.RLock()
		seg := d.segments[segment]
		n := 0
		if int(offset) < len(seg) {
			n = copy(dst, seg[offset:])
		}
		d.mu.RUnlock()
		for i := n; i < len(dst); i++ {
			dst[i] = 0
		}
		cb(nil)
	}()
}

// DeleteSegmentRange implements Device.
func (d *MemoryDevice) DeleteSegmentRange(from, to uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for seg := from; seg < to; seg++ {
		delete(d.segments, seg)
	}
	return nil
}

// SectorSize implements Device.
func (d *MemoryDevice) SectorSize() int { return d.sectorSize }

// SegmentSize implements Device.
func (d *MemoryDevice) SegmentSize() int64 { return d.segmentSize }

// Close implements Device.
func (d *MemoryDevice) Close() error {
	d.closed.Store(true)
	d.inflight.Wait()
	return nil
}
