// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package hlog implements the hybrid log allocator: an append-only record
// log whose address space is partitioned into regions with different
// mutability semantics.
//
// The 48-bit logical address space is divided into fixed-size pages. A
// circular buffer of page frames keeps the hot tail of the log in memory;
// colder pages are flushed to a storage device and evicted. Five watermarks
// partition the space (low to high):
//
//	Begin         oldest address still logically present
//	Head          lowest address resident in memory
//	SafeReadOnly  lowest address no session can still be mutating in place
//	ReadOnly      lowest address no operation is permitted to mutate in place
//	Tail          next address to allocate
//
// giving the regions Disk [Begin, Head), Immutable [Head, SafeReadOnly),
// Fuzzy [SafeReadOnly, ReadOnly) and Mutable [ReadOnly, Tail). All
// watermarks advance monotonically; every advance that changes what
// concurrent sessions may observe is published through an epoch bump so the
// shift only takes effect after every session has seen it.
//
// # Key Features
//
//   - Latch-free tail allocation with page-granular frame recycling
//   - Region watermarks maintained through epoch-protected shifts
//   - In-order background page flushing with a flushed-until watermark
//   - Asynchronous record reads with automatic re-issue for large records
//   - Optional read-through cache of disk-resident records
//
// # Dangers and Warnings
//
//   - **Physical pointers**: a slice returned by GetPhysical is valid only
//     while the caller holds the epoch and the address stays at or above
//     the head watermark.
//   - **Full log**: Allocate returns a negative pending address when the
//     next frame is not yet recycled; callers must refresh their epoch and
//     back off before retrying.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use. Allocation and region
// reads are lock-free; flushing is serialized on a background goroutine.
package hlog

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/kianostad/hlstore/internal/concurrency/epoch"
	"github.com/kianostad/hlstore/internal/io/device"
	"github.com/kianostad/hlstore/internal/storage/record"
)

// FirstAddress is the lowest address ever allocated. The words below it on
// page zero stay unused so that record.InvalidAddress compares below every
// live watermark.
const FirstAddress record.Address = 64

// ErrRecordTooLarge is returned when a record cannot fit in one page.
var ErrRecordTooLarge = errors.New("hlog: record larger than page size")

// Options configures a hybrid log.
type Options struct {
	// PageBits sets the page size to 1<<PageBits bytes.
	PageBits uint
	// MemoryPages is the number of in-memory page frames (power of two).
	MemoryPages int
	// MutablePages is how many of the newest in-memory pages stay mutable.
	// Must be at least 1 and less than MemoryPages.
	MutablePages int
	// Device is the storage backend for flushed pages.
	Device device.Device
	// Epochs is the store-wide epoch manager.
	Epochs *epoch.Manager
	// ReadCacheBytes, when positive, enables a read-through cache of
	// disk-resident records of that byte capacity.
	ReadCacheBytes int64
}

// Log is the hybrid log allocator.
type Log struct {
	pageBits   uint
	pageSize   int64
	pageMask   int64
	frameCount int64
	frameMask  int64
	mutable    int64

	segmentBits uint

	begin        atomic.Int64
	head         atomic.Int64
	safeHead     atomic.Int64 // head shift drained: frames below may be recycled
	safeReadOnly atomic.Int64
	readOnly     atomic.Int64
	tail         atomic.Int64
	flushedUntil atomic.Int64
	flushTarget  atomic.Int64

	frames     [][]byte
	frameState []atomic.Int64 // page currently installed in each frame

	epochs *epoch.Manager
	dev    device.Device
	cache  *ristretto.Cache[int64, []byte]

	flushKick chan struct{}
	flushDone sync.WaitGroup

	waitMu  sync.Mutex
	waiters []flushWaiter

	closed atomic.Bool
}

type flushWaiter struct {
	target record.Address
	ch     chan struct{}
}

// New creates a hybrid log. MemoryPages must be a power of two and
// MutablePages in [1, MemoryPages).
func New(opts Options) (*Log, error) {
	if opts.MemoryPages <= 0 || opts.MemoryPages&(opts.MemoryPages-1) != 0 {
		return nil, fmt.Errorf("hlog: memory pages %d is not a power of two", opts.MemoryPages)
	}
	if opts.MutablePages < 1 || opts.MutablePages >= opts.MemoryPages {
		return nil, fmt.Errorf("hlog: mutable pages %d out of range [1,%d)", opts.MutablePages, opts.MemoryPages)
	}
	if opts.PageBits < 10 || opts.PageBits > 30 {
		return nil, fmt.Errorf("hlog: page bits %d out of range [10,30]", opts.PageBits)
	}
	l := &Log{
		pageBits:   opts.PageBits,
		pageSize:   1 << opts.PageBits,
		pageMask:   (1 << opts.PageBits) - 1,
		frameCount: int64(opts.MemoryPages),
		frameMask:  int64(opts.MemoryPages - 1),
		mutable:    int64(opts.MutablePages),
		epochs:     opts.Epochs,
		dev:        opts.Device,
		flushKick:  make(chan struct{}, 1),
	}
	segSize := opts.Device.SegmentSize()
	if segSize == -1 {
		l.segmentBits = 64
	} else {
		if segSize < l.pageSize || segSize&(segSize-1) != 0 {
			return nil, fmt.Errorf("hlog: segment size %d is not a power-of-two multiple of the page size", segSize)
		}
		bits := uint(0)
		for s := segSize; s > 1; s >>= 1 {
			bits++
		}
		l.segmentBits = bits
	}
	l.frames = make([][]byte, opts.MemoryPages)
	l.frameState = make([]atomic.Int64, opts.MemoryPages)
	for i := range l.frames {
		l.frames[i] = make([]byte, l.pageSize)
		l.frameState[i].Store(int64(i)) // first generation is pre-zeroed
	}
	if opts.ReadCacheBytes > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config[int64, []byte]{
			NumCounters: 1 << 16,
			MaxCost:     opts.ReadCacheBytes,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("hlog: read cache: %w", err)
		}
		l.cache = cache
	}
	l.begin.Store(FirstAddress)
	l.head.Store(FirstAddress)
	l.safeHead.Store(FirstAddress)
	l.safeReadOnly.Store(FirstAddress)
	l.readOnly.Store(FirstAddress)
	l.tail.Store(FirstAddress)
	l.flushedUntil.Store(FirstAddress)
	l.flushTarget.Store(FirstAddress)
	l.flushDone.Add(1)
	go l.flusher()
	return l, nil
}

// PageSize returns the page size in bytes.
func (l *Log) PageSize() int64 { return l.pageSize }

// Watermark accessors. All are plain atomic loads.

func (l *Log) BeginAddress() record.Address        { return l.begin.Load() }
func (l *Log) HeadAddress() record.Address         { return l.head.Load() }
func (l *Log) SafeReadOnlyAddress() record.Address { return l.safeReadOnly.Load() }
func (l *Log) ReadOnlyAddress() record.Address     { return l.readOnly.Load() }
func (l *Log) TailAddress() record.Address         { return l.tail.Load() }
func (l *Log) FlushedUntilAddress() record.Address { return l.flushedUntil.Load() }

func (l *Log) page(addr record.Address) int64   { return addr >> l.pageBits }
func (l *Log) offset(addr record.Address) int64 { return addr & l.pageMask }

func (l *Log) segment(addr record.Address) (uint64, uint64) {
	if l.segmentBits == 64 {
		return 0, uint64(addr)
	}
	return uint64(addr) >> l.segmentBits, uint64(addr) & ((1 << l.segmentBits) - 1)
}

// Allocate reserves size bytes at the log tail and returns the logical
// address. A negative return value -pendingAddr means the target page's
// frame is not recycled yet; the caller must refresh its epoch, back off,
// and retry. Sizes are rounded up to 8-byte alignment.
func (l *Log) Allocate(size int) (record.Address, error) {
	sz := int64(record.Align8(size))
	if sz > l.pageSize {
		return 0, ErrRecordTooLarge
	}
	for {
		old := l.tail.Load()
		off := l.offset(old)
		if off+sz <= l.pageSize {
			if l.tail.CompareAndSwap(old, old+sz) {
				return old, nil
			}
			continue
		}
		// Crossing a page boundary: the next page's frame must be recycled
		// before the tail may move onto it. The rest of the current page
		// stays zero, which chain walks and flushes treat as a hole.
		newPage := l.page(old) + 1
		newAddr := newPage << l.pageBits
		if !l.prepareFrame(newPage) {
			return -newAddr, nil
		}
		if l.tail.CompareAndSwap(old, newAddr+sz) {
			l.onPageClosed(newPage - 1)
			return newAddr, nil
		}
	}
}

// CheckForAllocateComplete reports whether the page holding pendingAddr
// (as returned negative by Allocate) has become allocatable.
func (l *Log) CheckForAllocateComplete(pendingAddr record.Address) bool {
	return l.prepareFrame(l.page(pendingAddr))
}

// prepareFrame makes the frame for page p usable, returning false when the
// previous occupant has not been flushed and drained out yet.
func (l *Log) prepareFrame(p int64) bool {
	f := p & l.frameMask
	state := l.frameState[f].Load()
	if state == p {
		return true
	}
	if state == -p {
		return false // another thread is zeroing it
	}
	prev := p - l.frameCount
	if state != prev {
		return false
	}
	prevEnd := (prev + 1) << l.pageBits
	if l.flushedUntil.Load() < prevEnd {
		// The old page is not durable yet; make sure it is on its way.
		l.tryShiftReadOnly(prevEnd)
		return false
	}
	if l.safeHead.Load() < prevEnd {
		l.tryShiftHead(prevEnd)
		return false
	}
	if !l.frameState[f].CompareAndSwap(prev, -p) {
		return false
	}
	frame := l.frames[f]
	for i := range frame {
		frame[i] = 0
	}
	l.frameState[f].Store(p)
	return true
}

// onPageClosed runs once per closed page, on the thread that moved the
// tail off it. It advances the read-only watermark so that at most
// `mutable` pages (including the newly opened one) stay mutable.
func (l *Log) onPageClosed(p int64) {
	target := (p + 2 - l.mutable) << l.pageBits
	if target > 0 {
		l.tryShiftReadOnly(target)
	}
}

// tryShiftReadOnly advances ReadOnly to target (monotonically) and, once
// every session has observed the shift, advances SafeReadOnly and flushes
// the newly frozen range.
func (l *Log) tryShiftReadOnly(target record.Address) {
	if t := l.tail.Load(); target > t {
		target = t
	}
	for {
		cur := l.readOnly.Load()
		if target <= cur {
			return
		}
		if l.readOnly.CompareAndSwap(cur, target) {
			l.epochs.Bump(func() {
				l.shiftSafeReadOnly(target)
			})
			return
		}
	}
}

// ShiftReadOnlyToTail freezes everything currently allocated. Used by the
// fold-over checkpoint to force the whole log onto storage.
func (l *Log) ShiftReadOnlyToTail() record.Address {
	tail := l.tail.Load()
	l.tryShiftReadOnly(tail)
	return tail
}

func (l *Log) shiftSafeReadOnly(target record.Address) {
	for {
		cur := l.safeReadOnly.Load()
		if target <= cur {
			break
		}
		if l.safeReadOnly.CompareAndSwap(cur, target) {
			break
		}
	}
	l.requestFlush(l.safeReadOnly.Load())
}

// tryShiftHead advances Head to target once the range below target has
// been flushed, and allows frame recycling after the epoch drains.
func (l *Log) tryShiftHead(target record.Address) {
	if f := l.flushedUntil.Load(); target > f {
		target = f
	}
	for {
		cur := l.head.Load()
		if target <= cur {
			return
		}
		if l.head.CompareAndSwap(cur, target) {
			l.epochs.Bump(func() {
				for {
					sh := l.safeHead.Load()
					if target <= sh || l.safeHead.CompareAndSwap(sh, target) {
						break
					}
				}
			})
			return
		}
	}
}

// requestFlush asks the flusher to bring flushed-until up to target.
func (l *Log) requestFlush(target record.Address) {
	for {
		cur := l.flushTarget.Load()
		if target <= cur {
			break
		}
		if l.flushTarget.CompareAndSwap(cur, target) {
			break
		}
	}
	if l.closed.Load() {
		return
	}
	select {
	case l.flushKick <- struct{}{}:
	default:
	}
}

// flusher writes frozen ranges to the device strictly in address order, so
// the flushed-until watermark never covers an unwritten byte.
func (l *Log) flusher() {
	defer l.flushDone.Done()
	for !l.closed.Load() {
		<-l.flushKick
		for {
			target := l.flushTarget.Load()
			// Never flush bytes that sessions may still be mutating.
			if sro := l.safeReadOnly.Load(); target > sro {
				target = sro
			}
			from := l.flushedUntil.Load()
			if from >= target {
				break
			}
			pageEnd := (l.page(from) + 1) << l.pageBits
			to := target
			if to > pageEnd {
				to = pageEnd
			}
			frame := l.frames[l.page(from)&l.frameMask]
			src := frame[l.offset(from) : l.offset(to-1)+1]
			seg, segOff := l.segment(from)
			done := make(chan error, 1)
			l.dev.WriteAsync(src, seg, segOff, func(err error) { done <- err })
			if err := <-done; err != nil {
				// A device failure pins the watermark; durability waiters
				// keep blocking rather than observing a false flush.
				break
			}
			l.advanceFlushedUntil(to)
		}
	}
}

func (l *Log) advanceFlushedUntil(to record.Address) {
	for {
		cur := l.flushedUntil.Load()
		if to <= cur {
			break
		}
		if l.flushedUntil.CompareAndSwap(cur, to) {
			break
		}
	}
	fu := l.flushedUntil.Load()
	l.waitMu.Lock()
	remaining := l.waiters[:0]
	for _, w := range l.waiters {
		if fu >= w.target {
			close(w.ch)
		} else {
			remaining = append(remaining, w)
		}
	}
	l.waiters = remaining
	l.waitMu.Unlock()
}

// FlushUntil queues flushing of every byte below target and returns a
// channel closed once the flushed-until watermark passes it. The range
// below target must already be read-only.
func (l *Log) FlushUntil(target record.Address) <-chan struct{} {
	ch := make(chan struct{})
	if l.flushedUntil.Load() >= target {
		close(ch)
		return ch
	}
	l.waitMu.Lock()
	l.waiters = append(l.waiters, flushWaiter{target: target, ch: ch})
	l.waitMu.Unlock()
	l.requestFlush(target)
	// The flush may have raced past the registration.
	l.advanceFlushedUntil(l.flushedUntil.Load())
	return ch
}

// GetPhysical returns the in-memory bytes of the record at addr, spanning
// to the end of its page. Valid only while addr >= HeadAddress and the
// caller holds the current epoch.
func (l *Log) GetPhysical(addr record.Address) []byte {
	p := l.page(addr)
	return l.frames[p&l.frameMask][l.offset(addr):]
}

// ShiftBeginAddress publishes a new begin address. Storage wholly below the
// new begin is deleted once every session has observed the shift.
func (l *Log) ShiftBeginAddress(addr record.Address) {
	for {
		cur := l.begin.Load()
		if addr <= cur {
			return
		}
		if l.begin.CompareAndSwap(cur, addr) {
			break
		}
	}
	l.epochs.Bump(func() {
		if l.segmentBits == 64 {
			return // single-segment device; nothing to drop
		}
		seg, _ := l.segment(addr)
		if seg > 0 {
			_ = l.dev.DeleteSegmentRange(0, seg)
		}
	})
}

// AsyncGetFromDisk reads the record at addr from storage. estimate is a
// lower bound on the record size (at least the header). The callback
// receives the complete record bytes; when the first sector-aligned read
// turns out short, the read is re-issued at the exact size.
func (l *Log) AsyncGetFromDisk(addr record.Address, estimate int, cb func(rec []byte, err error)) {
	if l.cache != nil {
		if rec, ok := l.cache.Get(addr); ok {
			cb(rec, nil)
			return
		}
	}
	if estimate < record.HeaderSize {
		estimate = record.HeaderSize
	}
	sector := l.dev.SectorSize()
	n := (estimate + sector - 1) / sector * sector
	if max := int(l.pageSize - l.offset(addr)); n > max {
		n = max
	}
	buf := make([]byte, n)
	seg, segOff := l.segment(addr)
	l.dev.ReadAsync(seg, segOff, buf, func(err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		total := record.TotalSize(buf)
		if total <= len(buf) {
			l.finishDiskRead(addr, buf[:total], cb)
			return
		}
		full := make([]byte, total)
		l.dev.ReadAsync(seg, segOff, full, func(err error) {
			if err != nil {
				cb(nil, err)
				return
			}
			l.finishDiskRead(addr, full, cb)
		})
	})
}

func (l *Log) finishDiskRead(addr record.Address, rec []byte, cb func([]byte, error)) {
	if l.cache != nil {
		l.cache.Set(addr, rec, int64(len(rec)))
	}
	cb(rec, nil)
}

// CopyRange copies the in-memory byte range [from, to) out of the log.
// Used by snapshot checkpoints; from must be at or above HeadAddress.
func (l *Log) CopyRange(from, to record.Address) []byte {
	out := make([]byte, 0, to-from)
	for addr := from; addr < to; {
		pageEnd := (l.page(addr) + 1) << l.pageBits
		end := to
		if end > pageEnd {
			end = pageEnd
		}
		frame := l.frames[l.page(addr)&l.frameMask]
		out = append(out, frame[l.offset(addr):l.offset(end-1)+1]...)
		addr = end
	}
	return out
}

// WriteRange writes raw log bytes back to the device at their home
// addresses. Used during recovery to restore a snapshot side file into the
// main log address space.
func (l *Log) WriteRange(from record.Address, data []byte, done func(error)) {
	var pending atomic.Int64
	var firstErr atomic.Value
	pending.Store(1)
	finish := func() {
		if pending.Add(-1) == 0 {
			if e, ok := firstErr.Load().(error); ok {
				done(e)
				return
			}
			done(nil)
		}
	}
	for off := int64(0); off < int64(len(data)); {
		addr := from + off
		pageEnd := (l.page(addr) + 1) << l.pageBits
		n := int64(len(data)) - off
		if n > pageEnd-addr {
			n = pageEnd - addr
		}
		seg, segOff := l.segment(addr)
		pending.Add(1)
		l.dev.WriteAsync(data[off:off+n], seg, segOff, func(err error) {
			if err != nil {
				firstErr.CompareAndSwap(nil, err)
			}
			finish()
		})
		off += n
	}
	finish()
}

// RestoreAfterRecovery resets the watermarks after the index and log have
// been reloaded. Everything below the recovered tail is treated as
// disk-resident; allocation resumes on a fresh page.
func (l *Log) RestoreAfterRecovery(begin, recoveredTail record.Address) {
	tail := FirstAddress
	if recoveredTail > FirstAddress {
		tail = (l.page(recoveredTail-1) + 1) << l.pageBits
	}
	l.begin.Store(begin)
	l.head.Store(tail)
	l.safeHead.Store(tail)
	l.safeReadOnly.Store(tail)
	l.readOnly.Store(tail)
	l.flushedUntil.Store(tail)
	l.flushTarget.Store(tail)
	l.tail.Store(tail)
	p := l.page(tail)
	for f := int64(0); f < l.frameCount; f++ {
		// The frame ring restarts at the tail page: frame f next hosts the
		// smallest page >= p congruent to f.
		installed := p + ((f - (p & l.frameMask) + l.frameCount) & l.frameMask)
		l.frameState[f].Store(installed)
		frame := l.frames[f]
		for i := range frame {
			frame[i] = 0
		}
	}
}

// Close stops the background flusher and releases the read cache. The
// device is owned by the caller.
func (l *Log) Close() {
	if !l.closed.CompareAndSwap(false, true) {
		return
	}
	select {
	case l.flushKick <- struct{}{}:
	default:
	}
	l.flushDone.Wait()
	if l.cache != nil {
		l.cache.Close()
	}
}
