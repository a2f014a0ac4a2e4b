// Licensed under the MIT License. See LICENSE file in the project root for details.

package index

import (
	"fmt"
	"sync/atomic"
)

// generation is one hash table generation: the bucket array plus its
// overflow pool.
type generation struct {
	buckets  []Bucket
	size     uint64
	mask     uint64
	overflow overflowPool
}

func newGeneration(size uint64) *generation {
	return &generation{
		buckets: make([]Bucket, size),
		size:    size,
		mask:    size - 1,
	}
}

// Slot names one entry position so callers can CAS the published entry.
type Slot struct {
	Bucket *Bucket // bucket holding the entry (may be an overflow bucket)
	First  *Bucket // first bucket of the chain; carries the latches
	Index  int
}

// Load re-reads the entry at the slot.
func (s Slot) Load() Entry { return s.Bucket.Load(s.Index) }

// CompareAndSwap publishes a new entry if the slot still holds old.
func (s Slot) CompareAndSwap(old, new Entry) bool {
	return s.Bucket.CompareAndSwap(s.Index, old, new)
}

// Index is the two-generation resizable hash index.
type Index struct {
	state   [2]*generation
	version atomic.Int32 // active generation

	// split progress; valid while growing is set
	growing       atomic.Bool
	splitStatus   []atomic.Int32 // per chunk: 0 free, 1 claimed, 2 done
	splitPending  atomic.Int64   // numPendingChunksToBeSplit
	splitResolver KeyResolver
	growDone      func()

	// truncation sweep; valid while collecting is set
	collecting atomic.Bool
	gcStatus   []atomic.Int32
	gcPending  atomic.Int64
	gcBegin    int64
	gcDone     func()
}

// chunkBuckets is how many buckets one split or GC chunk covers. Both the
// chunk size and every table size are powers of two, so the chunk count
// always divides evenly.
const chunkBuckets = 1024

// New creates an index with the given bucket count (a power of two).
func New(size uint64) (*Index, error) {
	if size == 0 || size&(size-1) != 0 {
		return nil, fmt.Errorf("index: size %d is not a power of two", size)
	}
	idx := &Index{}
	idx.state[0] = newGeneration(size)
	return idx, nil
}

// Version returns the active generation number (0 or 1).
func (idx *Index) Version() int32 { return idx.version.Load() }

// Size returns the bucket count of the active generation.
func (idx *Index) Size() uint64 { return idx.active().size }

func (idx *Index) active() *generation {
	return idx.state[idx.version.Load()]
}

// routedGen picks the generation serving hash. While a split is in
// flight, buckets whose chunk has already been rehashed are served by the
// next generation; callers guarantee (via SplitBuckets) that their own
// chunk is done before operating.
func (idx *Index) routedGen(hash uint64) *generation {
	v := idx.version.Load()
	gen := idx.state[v]
	if !idx.growing.Load() {
		return gen
	}
	next := idx.state[1-v]
	if next == nil || next.size <= gen.size {
		// Either no split is live for this view, or the flip already
		// happened and gen is the new generation.
		return gen
	}
	status := idx.splitStatus
	chunk := int64(hash&gen.mask) * int64(len(status)) / int64(gen.size)
	if chunk < int64(len(status)) && status[chunk].Load() == 2 {
		return next
	}
	return gen
}

// bucketFor returns the first bucket of the chain for hash in gen.
func (gen *generation) bucketFor(hash uint64) *Bucket {
	return &gen.buckets[hash&gen.mask]
}

// FindTag walks the bucket chain for hash looking for a committed entry
// with a matching tag. It returns the slot and entry on success.
func (idx *Index) FindTag(hash uint64) (Slot, Entry, bool) {
	gen := idx.routedGen(hash)
	first := gen.bucketFor(hash)
	return idx.findTagIn(gen, first, TagOf(hash))
}

// FindOrCreateTag finds the committed entry for hash's tag, or reserves a
// fresh slot for it. A reserved slot is published tentative, re-checked
// for a racing duplicate, then committed with an invalid (zero) address;
// the caller installs the real chain head with Slot.CompareAndSwap.
func (idx *Index) FindOrCreateTag(hash uint64) (Slot, Entry) {
	gen := idx.routedGen(hash)
	tag := TagOf(hash)
	first := gen.bucketFor(hash)
	for {
		if slot, entry, ok := idx.findTagIn(gen, first, tag); ok {
			return slot, entry
		}
		slot, ok := idx.reserveSlot(gen, first, tag)
		if !ok {
			continue
		}
		// Two inserters may have reserved slots for the same tag at the
		// same time; both re-scan and the one that finds another
		// tentative or committed twin backs out.
		if idx.hasDuplicate(gen, first, tag, slot) {
			slot.Bucket.Store(slot.Index, 0)
			continue
		}
		committed := NewEntry(0, tag, false)
		slot.Bucket.Store(slot.Index, committed)
		return slot, committed
	}
}

func (idx *Index) findTagIn(gen *generation, first *Bucket, tag uint16) (Slot, Entry, bool) {
	b := first
	for {
		for i := 0; i < SlotsPerBucket; i++ {
			e := b.Load(i)
			if e.Unused() || e.Tentative() {
				continue
			}
			if e.Tag() == tag {
				return Slot{Bucket: b, First: first, Index: i}, e, true
			}
		}
		next := gen.overflow.get(b.overflowRef())
		if next == nil {
			return Slot{}, 0, false
		}
		b = next
	}
}

// reserveSlot claims a free slot in the chain with a tentative entry,
// growing the chain by one overflow bucket when every slot is taken.
func (idx *Index) reserveSlot(gen *generation, first *Bucket, tag uint16) (Slot, bool) {
	tentative := NewEntry(0, tag, true)
	b := first
	for {
		for i := 0; i < SlotsPerBucket; i++ {
			if b.Load(i).Unused() {
				if b.CompareAndSwap(i, 0, tentative) {
					return Slot{Bucket: b, First: first, Index: i}, true
				}
			}
		}
		next := gen.overflow.get(b.overflowRef())
		if next == nil {
			ref, fresh := gen.overflow.alloc()
			if b.setOverflowRef(ref) {
				next = fresh
			} else {
				next = gen.overflow.get(b.overflowRef())
			}
		}
		b = next
	}
}

// hasDuplicate reports whether any other slot in the chain carries the
// same tag (tentative or committed).
func (idx *Index) hasDuplicate(gen *generation, first *Bucket, tag uint16, own Slot) bool {
	b := first
	for {
		for i := 0; i < SlotsPerBucket; i++ {
			if b == own.Bucket && i == own.Index {
				continue
			}
			e := b.Load(i)
			if !e.Unused() && e.Tag() == tag {
				return true
			}
		}
		next := gen.overflow.get(b.overflowRef())
		if next == nil {
			return false
		}
		b = next
	}
}

// FirstBucket returns the latch-carrying bucket for hash in the
// generation currently serving it.
func (idx *Index) FirstBucket(hash uint64) *Bucket {
	return idx.routedGen(hash).bucketFor(hash)
}

// EntryCount walks the active generation and counts committed entries
// with a live address.
func (idx *Index) EntryCount() int64 {
	gen := idx.active()
	var n int64
	for i := range gen.buckets {
		b := &gen.buckets[i]
		for {
			for s := 0; s < SlotsPerBucket; s++ {
				e := b.Load(s)
				if !e.Unused() && !e.Tentative() && e.Address() != 0 {
					n++
				}
			}
			b = gen.overflow.get(b.overflowRef())
			if b == nil {
				break
			}
		}
	}
	return n
}

// DumpDistribution returns a histogram of chain occupancy, for debugging.
func (idx *Index) DumpDistribution() map[int]int {
	gen := idx.active()
	hist := make(map[int]int)
	for i := range gen.buckets {
		b := &gen.buckets[i]
		n := 0
		for {
			for s := 0; s < SlotsPerBucket; s++ {
				e := b.Load(s)
				if !e.Unused() && !e.Tentative() {
					n++
				}
			}
			b = gen.overflow.get(b.overflowRef())
			if b == nil {
				break
			}
		}
		hist[n]++
	}
	return hist
}
