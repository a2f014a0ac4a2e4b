// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import "encoding/binary"

// Functions is the user callback capability. The engine stays agnostic of
// value semantics: it hands out byte-slice views into the hybrid log and
// the callbacks interpret them.
//
// Single* variants run when no other session can touch the record (new
// records, immutable-region reads, disk-read continuations). Concurrent*
// variants and InPlaceUpdater run against the mutable region and must be
// safe under concurrent invocation for the same record.
//
// The Concurrent* writers and InPlaceUpdater return false when the new
// value does not fit the record in place; the engine then relocates the
// record to the tail.
type Functions interface {
	// SingleReader produces output from a stable record value.
	SingleReader(key, input, value []byte, output *[]byte)
	// ConcurrentReader produces output from a value that may be updated
	// in place concurrently.
	ConcurrentReader(key, input, value []byte, output *[]byte)

	// SingleWriter fills the value of a freshly allocated record.
	SingleWriter(key, value, dst []byte)
	// ConcurrentWriter overwrites a mutable record value in place.
	ConcurrentWriter(key, value, dst []byte) bool

	// InitialValueLength sizes the value of a record created by a
	// read-modify-write on an absent key.
	InitialValueLength(key, input []byte) int
	// CopyValueLength sizes the value of a record created by copying and
	// updating oldValue.
	CopyValueLength(key, input, oldValue []byte) int
	// InitialUpdater fills the value for an absent key.
	InitialUpdater(key, input, dst []byte)
	// CopyUpdater derives a new value from the old one into newDst.
	CopyUpdater(key, input, oldValue, newDst []byte)
	// InPlaceUpdater updates a mutable record value in place.
	InPlaceUpdater(key, input, value []byte) bool
}

// BlobFunctions treats values as opaque byte strings: upserts overwrite,
// RMW appends input to the value. It is the repl's and many tests'
// functions capability.
type BlobFunctions struct{}

func (BlobFunctions) SingleReader(key, input, value []byte, output *[]byte) {
	*output = append((*output)[:0], value...)
}

func (BlobFunctions) ConcurrentReader(key, input, value []byte, output *[]byte) {
	*output = append((*output)[:0], value...)
}

func (BlobFunctions) SingleWriter(key, value, dst []byte) {
	copy(dst, value)
}

func (BlobFunctions) ConcurrentWriter(key, value, dst []byte) bool {
	if len(value) != len(dst) {
		return false
	}
	copy(dst, value)
	return true
}

func (BlobFunctions) InitialValueLength(key, input []byte) int { return len(input) }

func (BlobFunctions) CopyValueLength(key, input, oldValue []byte) int {
	return len(oldValue) + len(input)
}

func (BlobFunctions) InitialUpdater(key, input, dst []byte) {
	copy(dst, input)
}

func (BlobFunctions) CopyUpdater(key, input, oldValue, newDst []byte) {
	n := copy(newDst, oldValue)
	copy(newDst[n:], input)
}

func (BlobFunctions) InPlaceUpdater(key, input, value []byte) bool {
	return false // append-style update never fits in place
}

// AdderFunctions treats values as little-endian uint64 counters: upserts
// overwrite, RMW adds the input counter to the value. The canonical
// commutative-update capability.
type AdderFunctions struct{}

const counterSize = 8

func counter(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }

func putCounter(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }

func (AdderFunctions) SingleReader(key, input, value []byte, output *[]byte) {
	*output = append((*output)[:0], value[:counterSize]...)
}

func (AdderFunctions) ConcurrentReader(key, input, value []byte, output *[]byte) {
	out := make([]byte, counterSize)
	binary.LittleEndian.PutUint64(out, atomicLoadCounter(value))
	*output = out
}

func (AdderFunctions) SingleWriter(key, value, dst []byte) {
	copy(dst, value[:counterSize])
}

func (AdderFunctions) ConcurrentWriter(key, value, dst []byte) bool {
	atomicStoreCounter(dst, counter(value))
	return true
}

func (AdderFunctions) InitialValueLength(key, input []byte) int { return counterSize }

func (AdderFunctions) CopyValueLength(key, input, oldValue []byte) int { return counterSize }

func (AdderFunctions) InitialUpdater(key, input, dst []byte) {
	putCounter(dst, counter(input))
}

func (AdderFunctions) CopyUpdater(key, input, oldValue, newDst []byte) {
	putCounter(newDst, counter(oldValue)+counter(input))
}

func (AdderFunctions) InPlaceUpdater(key, input, value []byte) bool {
	atomicAddCounter(value, counter(input))
	return true
}

// EncodeCounter renders v as an AdderFunctions value or input.
func EncodeCounter(v uint64) []byte {
	b := make([]byte, counterSize)
	putCounter(b, v)
	return b
}

// DecodeCounter parses an AdderFunctions output.
func DecodeCounter(b []byte) uint64 { return counter(b) }
