// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"bytes"

	"github.com/kianostad/hlstore/internal/concurrency/epoch"
	"github.com/kianostad/hlstore/internal/storage/record"
)

// internalRMWWithRetries re-enters the RMW machine on lost publish races,
// demoting to the retry queue beyond the spin bound. isRetry selects the
// relaxed latch rules of the retry path.
func (st *Store) internalRMWWithRetries(s *Session, ctx *pendingContext, isRetry bool) internalStatus {
	for spin := 0; ; spin++ {
		status := st.internalRMW(s, ctx, isRetry)
		if status != opRetryNow {
			return status
		}
		st.metrics.RetryNow.Inc()
		if spin >= maxRetryNowSpins {
			return opRetryLater
		}
	}
}

// internalRMW is the read-modify-write state machine. The primary path
// (isRetry false) follows the full CPR entry protocol; the retry path
// applies the relaxed rules for requests that already went pending: no
// latching at PREPARE, and a direct new-version record above it. A shared
// latch retained by the pending context is never released here; it drops
// when the operation resolves.
func (st *Store) internalRMW(s *Session, ctx *pendingContext, isRetry bool) internalStatus {
	h := st.hashKey(ctx.key)
	ctx.hash = h
	if s.phase != epoch.PhaseRest {
		st.heavyEnter(s, h)
	}
	slot, entry := st.idx.FindOrCreateTag(h)
	ctx.slot, ctx.entry = slot, entry

	begin := st.log.BeginAddress()
	head := st.log.HeadAddress()
	safeReadOnly := st.log.SafeReadOnlyAddress()
	readOnly := st.log.ReadOnlyAddress()

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

	// Fast path: at rest with the record in the mutable region.
	if s.phase == epoch.PhaseRest && addr >= readOnly {
		buf := st.log.GetPhysical(addr)
		if !record.LoadInfo(buf).Tombstone() &&
			st.fns.InPlaceUpdater(ctx.key, ctx.input, record.Value(buf)) {
			return opSuccess
		}
	}

	latched := noLatch
	createNew := false
	if !isRetry {
		switch s.phase {
		case epoch.PhasePrepare:
			if !slot.First.TryAcquireSharedLatch() {
				st.metrics.LatchRetries.Inc()
				return opCPRShiftDetected
			}
			latched = sharedLatch
			if latestVersion > s.version {
				slot.First.ReleaseSharedLatch()
				return opCPRShiftDetected
			}
		case epoch.PhaseInProgress:
			if latestVersion < s.version {
				if !slot.First.TryAcquireExclusiveLatch() {
					st.metrics.LatchRetries.Inc()
					return opRetryLater
				}
				latched = exclusiveLatch
				createNew = true
			}
		case epoch.PhaseWaitPending:
			if latestVersion < s.version {
				if !slot.First.NoSharedLatches() {
					st.metrics.LatchRetries.Inc()
					return opRetryLater
				}
				createNew = true
			}
		case epoch.PhaseWaitFlush:
			if latestVersion < s.version {
				createNew = true
			}
		}
	} else {
		// Retry path: pending requests admitted under the old version may
		// publish a new-version record directly once past PREPARE.
		switch s.phase {
		case epoch.PhaseInProgress, epoch.PhaseWaitPending, epoch.PhaseWaitFlush:
			if latestVersion < s.version {
				createNew = true
			}
		}
	}

	status := st.dispatchRMW(s, ctx, addr, begin, head, safeReadOnly, readOnly, createNew, &latched)

	switch latched {
	case sharedLatch:
		slot.First.ReleaseSharedLatch()
	case exclusiveLatch:
		slot.First.ReleaseExclusiveLatch()
	}
	return status
}

// dispatchRMW performs the region dispatch. When the operation parks
// (fuzzy-region retry or disk read), an acquired shared latch transfers
// into the pending context so the bucket keeps rejecting conflicting
// version transitions until the operation resolves.
func (st *Store) dispatchRMW(s *Session, ctx *pendingContext,
	addr, begin, head, safeReadOnly, readOnly record.Address,
	createNew bool, latched *latchKind) internalStatus {

	if createNew {
		// The new-version record still derives from the old value: copy
		// from memory when resident, fault it in when it sits on disk.
		switch {
		case addr >= head:
			return st.createRecordForRMW(s, ctx, addr, head)
		case addr >= begin:
			st.transferLatch(ctx, latched)
			ctx.logicalAddress = addr
			return opRecordOnDisk
		default:
			return st.createRecordForRMW(s, ctx, record.InvalidAddress, head)
		}
	}

	switch {
	case addr >= readOnly:
		buf := st.log.GetPhysical(addr)
		if !record.LoadInfo(buf).Tombstone() &&
			st.fns.InPlaceUpdater(ctx.key, ctx.input, record.Value(buf)) {
			return opSuccess
		}
		return st.createRecordForRMW(s, ctx, addr, head)
	case addr >= safeReadOnly:
		// Fuzzy region: a concurrent reader may still observe in-place
		// updates, so mutation must wait. The shared latch rides along to
		// keep a conflicting new-version update out of this bucket.
		st.transferLatch(ctx, latched)
		return opRetryLater
	case addr >= head:
		return st.createRecordForRMW(s, ctx, addr, head)
	case addr >= begin:
		st.transferLatch(ctx, latched)
		ctx.logicalAddress = addr
		return opRecordOnDisk
	default:
		return st.createRecordForRMW(s, ctx, record.InvalidAddress, head)
	}
}

func (st *Store) transferLatch(ctx *pendingContext, latched *latchKind) {
	if *latched == sharedLatch {
		ctx.heldSharedLatch = true
		ctx.latchBucket = ctx.slot.First
		*latched = noLatch
	}
}

// createRecordForRMW appends the updated record. oldAddr names the source
// record: a memory-resident address for a copy-update, InvalidAddress for
// a first creation (reported as NOTFOUND to distinguish create from
// modify).
func (st *Store) createRecordForRMW(s *Session, ctx *pendingContext, oldAddr, head record.Address) internalStatus {
	var oldValue []byte
	initial := true
	if oldAddr >= head && oldAddr != record.InvalidAddress {
		buf := st.log.GetPhysical(oldAddr)
		if !record.LoadInfo(buf).Tombstone() {
			// Copy out: allocation below may refresh the epoch, and the
			// source page can be evicted under us once it does.
			oldValue = append([]byte(nil), record.Value(buf)...)
			initial = false
		}
	}
	return st.publishRMWRecord(s, ctx, oldValue, initial)
}

// publishRMWRecord builds and publishes the new record from oldValue;
// initial marks a first creation.
func (st *Store) publishRMWRecord(s *Session, ctx *pendingContext, oldValue []byte, initial bool) internalStatus {
	var valueLen int
	if initial {
		valueLen = st.fns.InitialValueLength(ctx.key, ctx.input)
	} else {
		valueLen = st.fns.CopyValueLength(ctx.key, ctx.input, oldValue)
	}
	size := record.PhysicalSize(len(ctx.key), valueLen)
	addr, err := st.blockAllocate(s, size)
	if err != nil {
		return opError
	}
	buf := st.log.GetPhysical(addr)
	info := record.NewInfo(ctx.version, ctx.entry.Address(), false, false)
	record.Write(buf, info, ctx.key, valueLen)
	if initial {
		st.fns.InitialUpdater(ctx.key, ctx.input, record.Value(buf))
	} else {
		st.fns.CopyUpdater(ctx.key, ctx.input, oldValue, record.Value(buf))
	}
	updated := ctx.entry.WithAddress(addr)
	if !ctx.slot.CompareAndSwap(ctx.entry, updated) {
		record.SetInvalid(buf)
		return opRetryNow
	}
	if initial {
		return opNotFound
	}
	return opSuccess
}
