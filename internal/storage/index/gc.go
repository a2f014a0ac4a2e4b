// Licensed under the MIT License. See LICENSE file in the project root for details.

package index

import (
	"runtime"
	"sync/atomic"
)

// StartGC arms a chunked truncation sweep: every entry whose address lies
// in (0, begin) is cleared. onDone fires on the thread finishing the last
// chunk. Returns false when a sweep is already in flight.
func (idx *Index) StartGC(begin int64, onDone func()) bool {
	if !idx.collecting.CompareAndSwap(false, true) {
		return false
	}
	size := int64(idx.active().size)
	chunks := size / chunkBuckets
	if chunks == 0 {
		chunks = 1
	}
	idx.gcBegin = begin
	idx.gcStatus = make([]atomic.Int32, chunks)
	idx.gcPending.Store(chunks)
	idx.gcDone = onDone
	return true
}

// IsCollecting reports whether a truncation sweep is in flight.
func (idx *Index) IsCollecting() bool { return idx.collecting.Load() }

// CleanBuckets claims and sweeps free chunks until none remain.
// Operations entering the index during the GC phase call this once per
// entry.
func (idx *Index) CleanBuckets() {
	if !idx.collecting.Load() {
		return
	}
	claimed := false
	for c := int64(0); c < int64(len(idx.gcStatus)); c++ {
		if idx.gcStatus[c].Load() == 0 && idx.gcStatus[c].CompareAndSwap(0, 1) {
			idx.gcChunk(c)
			claimed = true
		}
	}
	if !claimed {
		runtime.Gosched()
	}
}

// CompleteGCMainLoop sweeps until the collection finishes, so the sweep
// completes without operation traffic.
func (idx *Index) CompleteGCMainLoop() {
	for idx.collecting.Load() {
		idx.CleanBuckets()
	}
}

func (idx *Index) gcChunk(chunk int64) {
	gen := idx.active()
	chunks := int64(len(idx.gcStatus))
	per := int64(gen.size) / chunks
	if per == 0 {
		per = int64(gen.size)
	}
	lo := chunk * per
	hi := lo + per
	if hi > int64(gen.size) {
		hi = int64(gen.size)
	}
	begin := idx.gcBegin
	for bi := lo; bi < hi; bi++ {
		b := &gen.buckets[bi]
		for {
			for i := 0; i < SlotsPerBucket; i++ {
				e := b.Load(i)
				if e.Unused() || e.Tentative() {
					continue
				}
				if a := e.Address(); a > 0 && a < begin {
					b.CompareAndSwap(i, e, 0)
				}
			}
			nb := gen.overflow.get(b.overflowRef())
			if nb == nil {
				break
			}
			b = nb
		}
	}
	idx.gcStatus[chunk].Store(2)
	if idx.gcPending.Add(-1) == 0 {
		idx.collecting.Store(false)
		if done := idx.gcDone; done != nil {
			idx.gcDone = nil
			done()
		}
	}
}
