// Licensed under the MIT License. See LICENSE file in the project root for details.

package device

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sys/unix"
)

const (
	defaultSectorSize = 512
	requestQueueSize  = 256
)

type opKind int

const (
	opRead opKind = iota
	opWrite
)

type request struct {
	kind    opKind
	segment uint64
	offset  uint64
	buf     []byte
	cb      CompletionFunc
}

// FileDevice stores each segment as one file "log.<segment>" inside a
// directory and serves transfers from a small pool of worker goroutines
// using positioned reads and writes.
type FileDevice struct {
	dir         string
	prefix      string
	sectorSize  int
	segmentSize int64
	syncWrites  bool

	files    *xsync.MapOf[uint64, *os.File]
	openMu   sync.Mutex // serializes file creation per device
	requests chan request
	wg       sync.WaitGroup
	closed   atomic.Bool
}

// FileDeviceOptions configures a FileDevice.
type FileDeviceOptions struct {
	SectorSize  int   // 0 = 512
	SegmentSize int64 // bytes per segment file, -1 = single file
	Workers     int   // 0 = 4
	SyncWrites  bool  // fdatasync after every write
	Prefix      string
}

// NewFileDevice opens (creating if needed) a file-backed device rooted at
// dir. SegmentSize must be -1 or a power of two.
func NewFileDevice(dir string, opts FileDeviceOptions) (*FileDevice, error) {
	if opts.SegmentSize != -1 && (opts.SegmentSize <= 0 || opts.SegmentSize&(opts.SegmentSize-1) != 0) {
		return nil, fmt.Errorf("device: segment size %d is not a power of two", opts.SegmentSize)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("device: create dir: %w", err)
	}
	if opts.SectorSize == 0 {
		opts.SectorSize = defaultSectorSize
	}
	if opts.Workers == 0 {
		opts.Workers = 4
	}
	if opts.Prefix == "" {
		opts.Prefix = "log"
	}
	d := &FileDevice{
		dir:         dir,
		prefix:      opts.Prefix,
		sectorSize:  opts.SectorSize,
		segmentSize: opts.SegmentSize,
		syncWrites:  opts.SyncWrites,
		files:       xsync.NewMapOf[uint64, *os.File](),
		requests:    make(chan request, requestQueueSize),
	}
	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d, nil
}

func (d *FileDevice) segmentPath(segment uint64) string {
	return filepath.Join(d.dir, fmt.Sprintf("%s.%d", d.prefix, segment))
}

func (d *FileDevice) file(segment uint64) (*os.File, error) {
	if f, ok := d.files.Load(segment); ok {
		return f, nil
	}
	d.openMu.Lock()
	defer d.openMu.Unlock()
	if f, ok := d.files.Load(segment); ok {
		return f, nil
	}
	f, err := os.OpenFile(d.segmentPath(segment), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	d.files.Store(segment, f)
	return f, nil
}

func (d *FileDevice) worker() {
	defer d.wg.Done()
	for req := range d.requests {
		switch req.kind {
		case opRead:
			req.cb(d.read(req.segment, req.offset, req.buf))
		case opWrite:
			req.cb(d.write(req.segment, req.offset, req.buf))
		}
	}
}

func (d *FileDevice) read(segment, offset uint64, dst []byte) error {
	f, err := d.file(segment)
	if err != nil {
		return err
	}
	n := 0
	for n < len(dst) {
		r, err := unix.Pread(int(f.Fd()), dst[n:], int64(offset)+int64(n))
		if err != nil {
			return fmt.Errorf("device: pread segment %d: %w", segment, err)
		}
		if r == 0 {
			// Past the written extent: zero-fill.
			for i := n; i < len(dst); i++ {
				dst[i] = 0
			}
			return nil
		}
		n += r
	}
	return nil
}

func (d *FileDevice) write(segment, offset uint64, src []byte) error {
	f, err := d.file(segment)
	if err != nil {
		return err
	}
	n := 0
	for n < len(src) {
		w, err := unix.Pwrite(int(f.Fd()), src[n:], int64(offset)+int64(n))
		if err != nil {
			return fmt.Errorf("device: pwrite segment %d: %w", segment, err)
		}
		n += w
	}
	if d.syncWrites {
		if err := unix.Fdatasync(int(f.Fd())); err != nil {
			return fmt.Errorf("device: fdatasync segment %d: %w", segment, err)
		}
	}
	return nil
}

// WriteAsync implements Device.
func (d *FileDevice) WriteAsync(src []byte, segment uint64, offset uint64, cb CompletionFunc) {
	if d.closed.Load() {
		cb(ErrClosed)
		return
	}
	d.requests <- request{kind: opWrite, segment: segment, offset: offset, buf: src, cb: cb}
}

// ReadAsync implements Device.
func (d *FileDevice) ReadAsync(segment uint64, offset uint64, dst []byte, cb CompletionFunc) {
	if d.closed.Load() {
		cb(ErrClosed)
		return
	}
	d.requests <- request{kind: opRead, segment: segment, offset: offset, buf: dst, cb: cb}
}

// DeleteSegmentRange implements Device.
func (d *FileDevice) DeleteSegmentRange(from, to uint64) error {
	for seg := from; seg < to; seg++ {
		if f, ok := d.files.LoadAndDelete(seg); ok {
			f.Close()
		}
		if err := os.Remove(d.segmentPath(seg)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("device: remove segment %d: %w", seg, err)
		}
	}
	return nil
}

// SectorSize implements Device.
func (d *FileDevice) SectorSize() int { return d.sectorSize }

// SegmentSize implements Device.
func (d *FileDevice) SegmentSize() int64 { return d.segmentSize }

// Close implements Device. It drains the request queue, stops the workers
// and closes all segment files.
func (d *FileDevice) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(d.requests)
	d.wg.Wait()
	var firstErr error
	d.files.Range(func(seg uint64, f *os.File) bool {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		d.files.Delete(seg)
		return true
	})
	return firstErr
}
