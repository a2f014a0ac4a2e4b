// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"github.com/kianostad/hlstore/internal/storage/index"
	"github.com/kianostad/hlstore/internal/storage/record"
)

// pendingContext carries everything needed to resume an operation that
// went pending: the operation inputs, the index position observed at issue
// time, the session version/phase the operation runs under, and the disk
// buffer once the read completes.
type pendingContext struct {
	kind    opKind
	key     []byte
	input   []byte
	value   []byte // upsert payload
	serial  uint64
	version uint32

	hash  uint64
	slot  index.Slot
	entry index.Entry // entry word observed when the operation parked

	logicalAddress record.Address // address being read from disk

	heldSharedLatch bool          // bucket shared latch retained across the pend
	latchBucket     *index.Bucket // bucket the latch was taken on

	id     uint64 // pending I/O id
	rec    []byte // disk read result
	ioErr  error
	output []byte
}

// CompletedOp is the resolution of a previously pending operation,
// surfaced by CompletePending.
type CompletedOp struct {
	Kind   string
	Key    []byte
	Serial uint64
	Status Status
	Output []byte
}

// releaseLatch drops a shared latch retained across a pend, if any.
func (ctx *pendingContext) releaseLatch() {
	if ctx.heldSharedLatch && ctx.latchBucket != nil {
		ctx.latchBucket.ReleaseSharedLatch()
		ctx.heldSharedLatch = false
	}
}
