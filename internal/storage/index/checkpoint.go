// Licensed under the MIT License. See LICENSE file in the project root for details.

package index

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// WriteTable serializes the active generation's primary bucket array.
// Latch state and uncommitted (tentative/pending) bits are stripped; the
// overflow references are preserved so WriteOverflow pairs with it.
func (idx *Index) WriteTable(w io.Writer) (int64, error) {
	gen := idx.active()
	bw := bufio.NewWriter(w)
	var n int64
	var word [8]byte
	binary.LittleEndian.PutUint64(word[:], gen.size)
	if _, err := bw.Write(word[:]); err != nil {
		return n, err
	}
	n += 8
	for i := range gen.buckets {
		b := &gen.buckets[i]
		for s := 0; s < SlotsPerBucket; s++ {
			binary.LittleEndian.PutUint64(word[:], sanitizeEntry(b.Load(s)))
			if _, err := bw.Write(word[:]); err != nil {
				return n, err
			}
			n += 8
		}
		binary.LittleEndian.PutUint64(word[:], b.overflowRef())
		if _, err := bw.Write(word[:]); err != nil {
			return n, err
		}
		n += 8
	}
	return n, bw.Flush()
}

// WriteOverflow serializes the active generation's overflow buckets.
func (idx *Index) WriteOverflow(w io.Writer) (int64, error) {
	gen := idx.active()
	bw := bufio.NewWriter(w)
	var n int64
	var word [8]byte
	count := gen.overflow.len()
	binary.LittleEndian.PutUint64(word[:], uint64(count))
	if _, err := bw.Write(word[:]); err != nil {
		return n, err
	}
	n += 8
	for ref := uint64(1); ref <= uint64(count); ref++ {
		b := gen.overflow.get(ref)
		for s := 0; s < SlotsPerBucket; s++ {
			binary.LittleEndian.PutUint64(word[:], sanitizeEntry(b.Load(s)))
			if _, err := bw.Write(word[:]); err != nil {
				return n, err
			}
			n += 8
		}
		binary.LittleEndian.PutUint64(word[:], b.overflowRef())
		if _, err := bw.Write(word[:]); err != nil {
			return n, err
		}
		n += 8
	}
	return n, bw.Flush()
}

// sanitizeEntry drops tentative entries and the pending bit: neither may
// survive into a checkpoint.
func sanitizeEntry(e Entry) uint64 {
	if e.Tentative() {
		return 0
	}
	return uint64(e.WithoutTentative()) &^ pendingBit
}

// ReadTable replaces the active generation with one deserialized from the
// two readers. Only valid before the index serves operations.
func (idx *Index) ReadTable(table io.Reader, overflow io.Reader) error {
	br := bufio.NewReader(table)
	var word [8]byte
	if _, err := io.ReadFull(br, word[:]); err != nil {
		return fmt.Errorf("index: table header: %w", err)
	}
	size := binary.LittleEndian.Uint64(word[:])
	if size == 0 || size&(size-1) != 0 {
		return fmt.Errorf("index: recovered size %d is not a power of two", size)
	}
	gen := newGeneration(size)
	for i := uint64(0); i < size; i++ {
		b := &gen.buckets[i]
		for s := 0; s < SlotsPerBucket+1; s++ {
			if _, err := io.ReadFull(br, word[:]); err != nil {
				return fmt.Errorf("index: table bucket %d: %w", i, err)
			}
			b.words[s].Store(binary.LittleEndian.Uint64(word[:]))
		}
	}
	or := bufio.NewReader(overflow)
	if _, err := io.ReadFull(or, word[:]); err != nil {
		return fmt.Errorf("index: overflow header: %w", err)
	}
	count := binary.LittleEndian.Uint64(word[:])
	for i := uint64(0); i < count; i++ {
		ref, b := gen.overflow.alloc()
		if ref != i+1 {
			return fmt.Errorf("index: overflow pool out of order")
		}
		for s := 0; s < SlotsPerBucket+1; s++ {
			if _, err := io.ReadFull(or, word[:]); err != nil {
				return fmt.Errorf("index: overflow bucket %d: %w", i, err)
			}
			b.words[s].Store(binary.LittleEndian.Uint64(word[:]))
		}
	}
	idx.state[idx.version.Load()] = gen
	return nil
}
