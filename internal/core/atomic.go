// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"sync/atomic"
	"unsafe"
)

// Counter values live inside log records at 8-byte aligned offsets, so
// they can be accessed word-atomically while the record is mutable.

func counterWord(b []byte) *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(&b[0]))
}

func atomicLoadCounter(b []byte) uint64 { return counterWord(b).Load() }

func atomicStoreCounter(b []byte, v uint64) { counterWord(b).Store(v) }

func atomicAddCounter(b []byte, delta uint64) { counterWord(b).Add(delta) }
