// Licensed under the MIT License. See LICENSE file in the project root for details.

package index

import (
	"bytes"
	"sync"
	"testing"
)

func TestFindOrCreateTag(t *testing.T) {
	t.Parallel()
	idx, err := New(16)
	if err != nil {
		t.Fatal(err)
	}

	hash := uint64(0xABCD1234_5678EF00)
	slot, entry := idx.FindOrCreateTag(hash)
	if entry.Address() != 0 {
		t.Errorf("fresh entry address = %d, want 0", entry.Address())
	}
	if entry.Tentative() {
		t.Error("committed entry still tentative")
	}
	if entry.Tag() != TagOf(hash) {
		t.Errorf("entry tag = %d, want %d", entry.Tag(), TagOf(hash))
	}

	if !slot.CompareAndSwap(entry, entry.WithAddress(4096)) {
		t.Fatal("publish CAS failed on a fresh slot")
	}

	found, e2, ok := idx.FindTag(hash)
	if !ok {
		t.Fatal("FindTag missed a committed entry")
	}
	if e2.Address() != 4096 {
		t.Errorf("address = %d, want 4096", e2.Address())
	}
	if found.Bucket != slot.Bucket || found.Index != slot.Index {
		t.Error("FindTag resolved a different slot")
	}
}

func TestFindTagMiss(t *testing.T) {
	t.Parallel()
	idx, _ := New(16)
	if _, _, ok := idx.FindTag(12345); ok {
		t.Error("FindTag hit on an empty index")
	}
}

func TestNonPowerOfTwoSize(t *testing.T) {
	t.Parallel()
	if _, err := New(48); err == nil {
		t.Error("expected an error for a non-power-of-two size")
	}
	if _, err := New(0); err == nil {
		t.Error("expected an error for size zero")
	}
}

func TestOverflowChaining(t *testing.T) {
	t.Parallel()
	idx, _ := New(1) // every key lands in one bucket

	// More distinct tags than inline slots forces overflow buckets.
	const n = 40
	for i := 0; i < n; i++ {
		hash := uint64(i) << (64 - tagBits)
		slot, entry := idx.FindOrCreateTag(hash)
		if !slot.CompareAndSwap(entry, entry.WithAddress(int64(64+8*i))) {
			t.Fatalf("publish failed for tag %d", i)
		}
	}
	for i := 0; i < n; i++ {
		hash := uint64(i) << (64 - tagBits)
		_, e, ok := idx.FindTag(hash)
		if !ok {
			t.Fatalf("tag %d lost after overflow growth", i)
		}
		if e.Address() != int64(64+8*i) {
			t.Errorf("tag %d address = %d", i, e.Address())
		}
	}
}

func TestConcurrentFindOrCreate(t *testing.T) {
	t.Parallel()
	idx, _ := New(8)
	const goroutines = 8
	const tags = 64

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < tags; i++ {
				hash := uint64(i) * 0x9E3779B97F4A7C15
				slot, entry := idx.FindOrCreateTag(hash)
				if entry.Address() == 0 {
					slot.CompareAndSwap(entry, entry.WithAddress(int64(64+i)))
				}
			}
		}()
	}
	wg.Wait()

	// No duplicate tags within any chain.
	for i := 0; i < tags; i++ {
		hash := uint64(i) * 0x9E3779B97F4A7C15
		gen := idx.active()
		first := gen.bucketFor(hash)
		tag := TagOf(hash)
		count := 0
		b := first
		for b != nil {
			for s := 0; s < SlotsPerBucket; s++ {
				e := b.Load(s)
				if !e.Unused() && !e.Tentative() && e.Tag() == tag {
					count++
				}
			}
			b = gen.overflow.get(b.overflowRef())
		}
		if count > 1 {
			t.Errorf("tag %d appears %d times in its chain", tag, count)
		}
	}
}

func TestBucketLatches(t *testing.T) {
	t.Parallel()
	b := &Bucket{}

	if !b.TryAcquireSharedLatch() {
		t.Fatal("shared latch refused on an idle bucket")
	}
	if !b.TryAcquireSharedLatch() {
		t.Fatal("second shared latch refused")
	}
	if b.NoSharedLatches() {
		t.Error("NoSharedLatches with two holders")
	}
	if b.TryAcquireExclusiveLatch() {
		t.Error("exclusive acquired alongside shared")
	}
	b.ReleaseSharedLatch()
	b.ReleaseSharedLatch()
	if !b.NoSharedLatches() {
		t.Error("shared count not back to zero")
	}

	if !b.TryAcquireExclusiveLatch() {
		t.Fatal("exclusive latch refused on an idle bucket")
	}
	if b.TryAcquireSharedLatch() {
		t.Error("shared acquired under exclusive")
	}
	if b.TryAcquireExclusiveLatch() {
		t.Error("double exclusive")
	}
	b.ReleaseExclusiveLatch()
	if !b.TryAcquireSharedLatch() {
		t.Error("shared refused after exclusive release")
	}
	b.ReleaseSharedLatch()
}

func TestLatchesPreserveOverflowRef(t *testing.T) {
	t.Parallel()
	idx, _ := New(1)
	gen := idx.active()
	b := &gen.buckets[0]
	ref, _ := gen.overflow.alloc()
	if !b.setOverflowRef(ref) {
		t.Fatal("setOverflowRef failed")
	}
	b.TryAcquireSharedLatch()
	b.TryAcquireSharedLatch()
	b.ReleaseSharedLatch()
	if b.overflowRef() != ref {
		t.Error("latch traffic corrupted the overflow reference")
	}
	b.ReleaseSharedLatch()
	if b.overflowRef() != ref {
		t.Error("final release corrupted the overflow reference")
	}
}

// memResolver is a KeyResolver over a synthetic record space: the hash of
// the record at address a is hashes[a].
type memResolver struct {
	head   int64
	begin  int64
	hashes map[int64]uint64
	prev   map[int64]int64
}

func (r *memResolver) HeadAddress() int64  { return r.head }
func (r *memResolver) BeginAddress() int64 { return r.begin }
func (r *memResolver) KeyHash(a int64) uint64 {
	return r.hashes[a]
}
func (r *memResolver) PreviousAddress(a int64) int64 { return r.prev[a] }

func TestGrowPreservesEntries(t *testing.T) {
	t.Parallel()
	idx, _ := New(16)
	res := &memResolver{
		head:   64,
		begin:  64,
		hashes: make(map[int64]uint64),
		prev:   make(map[int64]int64),
	}

	const n = 100
	for i := 0; i < n; i++ {
		hash := uint64(i) * 0x9E3779B97F4A7C15
		addr := int64(64 + 8*i)
		res.hashes[addr] = hash
		slot, entry := idx.FindOrCreateTag(hash)
		if !slot.CompareAndSwap(entry, entry.WithAddress(addr)) {
			t.Fatalf("publish %d failed", i)
		}
	}

	oldSize := idx.Size()
	done := false
	if !idx.StartGrow(res, func() { done = true }) {
		t.Fatal("StartGrow refused")
	}
	idx.CompleteGrowMainLoop()
	if !done {
		t.Fatal("grow completion callback never fired")
	}
	if idx.Size() != oldSize*2 {
		t.Errorf("size = %d, want %d", idx.Size(), oldSize*2)
	}

	for i := 0; i < n; i++ {
		hash := uint64(i) * 0x9E3779B97F4A7C15
		_, e, ok := idx.FindTag(hash)
		if !ok {
			t.Fatalf("key %d lost by the split", i)
		}
		if e.Address() != int64(64+8*i) {
			t.Errorf("key %d address = %d after split", i, e.Address())
		}
	}
}

func TestGCClearsTruncatedEntries(t *testing.T) {
	t.Parallel()
	idx, _ := New(16)
	for i := 0; i < 32; i++ {
		hash := uint64(i) * 0x9E3779B97F4A7C15
		slot, entry := idx.FindOrCreateTag(hash)
		slot.CompareAndSwap(entry, entry.WithAddress(int64(64+8*i)))
	}

	begin := int64(64 + 8*16) // truncate the first sixteen
	done := false
	if !idx.StartGC(begin, func() { done = true }) {
		t.Fatal("StartGC refused")
	}
	idx.CompleteGCMainLoop()
	if !done {
		t.Fatal("GC completion callback never fired")
	}

	for i := 0; i < 32; i++ {
		hash := uint64(i) * 0x9E3779B97F4A7C15
		_, e, ok := idx.FindTag(hash)
		below := int64(64+8*i) < begin
		if below && ok {
			t.Errorf("entry %d survived truncation", i)
		}
		if !below && (!ok || e.Address() != int64(64+8*i)) {
			t.Errorf("entry %d above begin was damaged", i)
		}
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	t.Parallel()
	idx, _ := New(8)
	for i := 0; i < 60; i++ {
		hash := uint64(i) * 0x9E3779B97F4A7C15
		slot, entry := idx.FindOrCreateTag(hash)
		slot.CompareAndSwap(entry, entry.WithAddress(int64(64+8*i)))
	}

	var ht, ofb bytes.Buffer
	if _, err := idx.WriteTable(&ht); err != nil {
		t.Fatal(err)
	}
	if _, err := idx.WriteOverflow(&ofb); err != nil {
		t.Fatal(err)
	}

	restored, _ := New(8)
	if err := restored.ReadTable(&ht, &ofb); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 60; i++ {
		hash := uint64(i) * 0x9E3779B97F4A7C15
		_, e, ok := restored.FindTag(hash)
		if !ok || e.Address() != int64(64+8*i) {
			t.Fatalf("entry %d lost in the round trip", i)
		}
	}
}
