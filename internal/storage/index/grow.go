// Licensed under the MIT License. See LICENSE file in the project root for details.

package index

import (
	"runtime"
	"sync/atomic"
)

// KeyResolver lets the index re-hash records during a split. It is
// implemented by the operation engine, which owns the hybrid log.
type KeyResolver interface {
	// HeadAddress is the lowest memory-resident log address.
	HeadAddress() int64
	// BeginAddress is the lowest logically present log address.
	BeginAddress() int64
	// KeyHash returns the full hash of the key of the record at addr.
	// addr must be at or above HeadAddress.
	KeyHash(addr int64) uint64
	// PreviousAddress returns the chain predecessor of the record at addr.
	PreviousAddress(addr int64) int64
}

// StartGrow allocates the next generation at double the size and arms the
// chunked split. onDone fires on whichever thread finishes the last chunk.
// Returns false if a grow is already in flight.
func (idx *Index) StartGrow(resolver KeyResolver, onDone func()) bool {
	if !idx.growing.CompareAndSwap(false, true) {
		return false
	}
	old := idx.active()
	next := 1 - idx.version.Load()
	idx.state[next] = newGeneration(old.size * 2)

	chunks := int64(old.size) / chunkBuckets
	if chunks == 0 {
		chunks = 1
	}
	idx.splitStatus = make([]atomic.Int32, chunks)
	idx.splitPending.Store(chunks)
	idx.splitResolver = resolver
	idx.growDone = onDone
	return true
}

// IsGrowing reports whether a split is in flight.
func (idx *Index) IsGrowing() bool { return idx.growing.Load() }

// SplitBuckets makes sure the chunk holding hash's bucket is split before
// returning, helping with other chunks while it waits. Every operation
// entering the index during IN_PROGRESS_GROW calls this.
func (idx *Index) SplitBuckets(hash uint64) {
	if !idx.growing.Load() {
		return
	}
	old := idx.state[idx.version.Load()]
	chunks := int64(len(idx.splitStatus))
	want := int64(hash&old.mask) * chunks / int64(old.size)
	for {
		switch idx.splitStatus[want].Load() {
		case 2:
			return
		case 0:
			if idx.splitStatus[want].CompareAndSwap(0, 1) {
				idx.splitChunk(want)
				return
			}
		case 1:
			// Someone owns our chunk; split another free chunk instead of
			// spinning cold.
			if !idx.helpSplit() {
				runtime.Gosched()
			}
		}
		if !idx.growing.Load() {
			return
		}
	}
}

// helpSplit claims any free chunk. Returns false when none was free.
func (idx *Index) helpSplit() bool {
	for c := int64(0); c < int64(len(idx.splitStatus)); c++ {
		if idx.splitStatus[c].Load() == 0 && idx.splitStatus[c].CompareAndSwap(0, 1) {
			idx.splitChunk(c)
			return true
		}
	}
	return false
}

// CompleteGrowMainLoop splits chunks until none remain. The grow
// coordinator parks one call here so the split finishes even when no
// operations arrive.
func (idx *Index) CompleteGrowMainLoop() {
	for idx.growing.Load() {
		if !idx.helpSplit() {
			runtime.Gosched()
		}
	}
}

// splitChunk rehashes every entry of the chunk's old buckets into the two
// child buckets of the next generation.
func (idx *Index) splitChunk(chunk int64) {
	oldVer := idx.version.Load()
	old := idx.state[oldVer]
	next := idx.state[1-oldVer]
	chunks := int64(len(idx.splitStatus))
	per := int64(old.size) / chunks
	if per == 0 {
		per = int64(old.size)
	}
	lo := chunk * per
	hi := lo + per
	if hi > int64(old.size) {
		hi = int64(old.size)
	}
	for ob := lo; ob < hi; ob++ {
		idx.splitBucketChain(old, next, uint64(ob))
	}
	idx.splitStatus[chunk].Store(2)
	if idx.splitPending.Add(-1) == 0 {
		// Last chunk: flip to the new generation. The old table stays in
		// place until the next grow overwrites it, so stragglers holding a
		// pre-flip version never dereference a nil generation.
		idx.version.Store(1 - oldVer)
		idx.growing.Store(false)
		if done := idx.growDone; done != nil {
			idx.growDone = nil
			done()
		}
	}
}

func (idx *Index) splitBucketChain(old, next *generation, ob uint64) {
	res := idx.splitResolver
	head := res.HeadAddress()
	begin := res.BeginAddress()
	newMask := next.mask
	b := &old.buckets[ob]
	for {
		for i := 0; i < SlotsPerBucket; i++ {
			e := b.Load(i)
			if e.Unused() || e.Tentative() {
				continue
			}
			addr := e.Address()
			if addr < begin {
				continue
			}
			if addr < head {
				// Chain head already on disk: duplicate to both children.
				// Both copies stay; a lookup in either child walks the
				// chain and matches records by key.
				addToChild(next, ob, e)
				addToChild(next, ob+old.size, e)
				continue
			}
			h := res.KeyHash(addr)
			dest := h & newMask
			addToChild(next, dest, e)
			other := dest ^ old.size
			if start := idx.traceBackForOtherChainStart(res, addr, other, newMask, head); start >= begin && start != 0 {
				addToChild(next, other, e.WithAddress(start))
			}
		}
		nb := old.overflow.get(b.overflowRef())
		if nb == nil {
			return
		}
		b = nb
	}
}

// traceBackForOtherChainStart walks addr's chain for the first record that
// hashes into the other child bucket, or the first address below the head
// watermark (whose side cannot be decided without a disk read).
func (idx *Index) traceBackForOtherChainStart(res KeyResolver, addr int64, other, newMask uint64, head int64) int64 {
	for a := res.PreviousAddress(addr); a != 0; a = res.PreviousAddress(a) {
		if a < head {
			return a
		}
		if res.KeyHash(a)&newMask == other {
			return a
		}
	}
	return 0
}

// addToChild appends an entry to a child bucket chain. Each child is
// owned by exactly one splitting thread, so plain stores suffice; readers
// racing on the new generation see either nothing or a committed entry.
func addToChild(gen *generation, bucketIdx uint64, e Entry) {
	b := &gen.buckets[bucketIdx]
	for {
		for i := 0; i < SlotsPerBucket; i++ {
			if b.Load(i).Unused() {
				b.Store(i, e)
				return
			}
		}
		next := gen.overflow.get(b.overflowRef())
		if next == nil {
			ref, fresh := gen.overflow.alloc()
			if !b.setOverflowRef(ref) {
				fresh = gen.overflow.get(b.overflowRef())
			}
			next = fresh
		}
		b = next
	}
}
