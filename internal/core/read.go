// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"bytes"

	"github.com/kianostad/hlstore/internal/concurrency/epoch"
	"github.com/kianostad/hlstore/internal/storage/record"
)

// internalRead is the READ state machine: find the tag, trace the chain
// for the key, then dispatch on the region holding the resolved address.
func (st *Store) internalRead(s *Session, ctx *pendingContext) internalStatus {
	h := st.hashKey(ctx.key)
	ctx.hash = h
	if s.phase != epoch.PhaseRest {
		st.heavyEnter(s, h)
	}
	slot, entry, ok := st.idx.FindTag(h)
	if !ok {
		st.metrics.NotFound.Inc()
		return opNotFound
	}
	ctx.slot, ctx.entry = slot, entry

	begin := st.log.BeginAddress()
	head := st.log.HeadAddress()
	safeReadOnly := st.log.SafeReadOnlyAddress()

	addr := entry.Address()
	var latestVersion uint32
	if addr >= head {
		buf := st.log.GetPhysical(addr)
		info := record.LoadInfo(buf)
		latestVersion = info.Version()
		if info.Invalid() || !bytes.Equal(record.Key(buf), ctx.key) {
			addr = st.traceBackForKeyMatch(ctx.key, info.PreviousAddress(), head)
		}
	}

	// A larger record version means the checkpoint version shifted under
	// us; the session must refresh before operating.
	if s.phase == epoch.PhasePrepare && latestVersion > s.version {
		return opCPRShiftDetected
	}

	ctx.logicalAddress = addr
	switch {
	case addr >= safeReadOnly:
		buf := st.log.GetPhysical(addr)
		if record.LoadInfo(buf).Tombstone() {
			st.metrics.NotFound.Inc()
			return opNotFound
		}
		st.fns.ConcurrentReader(ctx.key, ctx.input, record.Value(buf), &ctx.output)
		return opSuccess
	case addr >= head:
		buf := st.log.GetPhysical(addr)
		if record.LoadInfo(buf).Tombstone() {
			st.metrics.NotFound.Inc()
			return opNotFound
		}
		st.fns.SingleReader(ctx.key, ctx.input, record.Value(buf), &ctx.output)
		return opSuccess
	case addr >= begin:
		if s.phase == epoch.PhasePrepare {
			// The pending read must pin the bucket's version: failing the
			// shared latch means a shift is underway.
			if !slot.First.TryAcquireSharedLatch() {
				st.metrics.LatchRetries.Inc()
				return opCPRShiftDetected
			}
			ctx.heldSharedLatch = true
			ctx.latchBucket = slot.First
		}
		return opRecordOnDisk
	default:
		st.metrics.NotFound.Inc()
		return opNotFound
	}
}
