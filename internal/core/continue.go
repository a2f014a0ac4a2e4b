// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"bytes"

	"github.com/kianostad/hlstore/internal/storage/record"
)

// handleOperationStatus is the central dispatcher for non-terminal
// internal statuses: version shifts retry once at the new version, disk
// reads and deferred retries park the context and report Pending.
func (st *Store) handleOperationStatus(s *Session, ctx *pendingContext, status internalStatus) Status {
	return st.handleOpStatus(s, ctx, status, true)
}

func (st *Store) handleOpStatus(s *Session, ctx *pendingContext, status internalStatus, allowShift bool) Status {
	switch status {
	case opSuccess:
		return OK
	case opNotFound:
		return NotFound
	case opError:
		return Error
	case opCPRShiftDetected:
		if !allowShift {
			// A single refresh must resolve a shift; a second one in the
			// same operation indicates a protocol bug.
			return Error
		}
		st.metrics.CPRShifts.Inc()
		s.Refresh()
		ctx.version = s.version
		var next internalStatus
		switch ctx.kind {
		case opRead:
			next = st.internalRead(s, ctx)
		case opRMW:
			next = st.internalRMWWithRetries(s, ctx, false)
		default:
			next = st.internalUpsertWithRetries(s, ctx)
		}
		return st.handleOpStatus(s, ctx, next, false)
	case opRetryLater:
		st.metrics.RetryLater.Inc()
		s.retry = append(s.retry, ctx)
		return Pending
	case opRecordOnDisk:
		st.metrics.PendingIO.Inc()
		ctx.id = s.totalPending
		s.totalPending++
		s.pendingIO.Store(ctx.id, ctx)
		estimate := record.PhysicalSize(len(ctx.key), 8)
		st.log.AsyncGetFromDisk(ctx.logicalAddress, estimate, func(rec []byte, err error) {
			ctx.rec, ctx.ioErr = rec, err
			s.ioResponses <- ctx
		})
		return Pending
	default:
		return Error
	}
}

// continuePending resumes a parked operation whose disk read completed.
func (st *Store) continuePending(s *Session, ctx *pendingContext) {
	if ctx.ioErr != nil {
		s.complete(ctx, Error)
		return
	}
	switch ctx.kind {
	case opRead:
		st.continuePendingRead(s, ctx)
	case opRMW:
		st.continuePendingRMW(s, ctx)
	default:
		s.complete(ctx, Error)
	}
}

// continuePendingRead resolves a read against the fetched record, walking
// further down the on-disk chain when the key does not match.
func (st *Store) continuePendingRead(s *Session, ctx *pendingContext) {
	rec := ctx.rec
	info := record.LoadInfo(rec)
	if info.Invalid() || !bytes.Equal(record.Key(rec), ctx.key) {
		prev := info.PreviousAddress()
		if prev >= st.log.BeginAddress() && prev != record.InvalidAddress {
			st.metrics.IOReissue.Inc()
			ctx.logicalAddress = prev
			st.handleOperationStatus(s, ctx, opRecordOnDisk)
			return
		}
		s.complete(ctx, NotFound)
		return
	}
	if info.Tombstone() {
		s.complete(ctx, NotFound)
		return
	}
	st.fns.SingleReader(ctx.key, ctx.input, record.Value(rec), &ctx.output)
	if st.cfg.CopyReadsToTail {
		st.tryCopyToTail(s, ctx, rec)
	}
	s.complete(ctx, OK)
}

// tryCopyToTail promotes a disk-read record to the log tail so subsequent
// reads stay in memory. If the chain head advanced past the observed
// entry, a newer write exists and the promotion is abandoned; likewise if
// the publishing CAS fails, the loser gives up rather than retrying.
func (st *Store) tryCopyToTail(s *Session, ctx *pendingContext, rec []byte) {
	slot, entry, ok := st.idx.FindTag(ctx.hash)
	if !ok || entry.Address() != ctx.entry.Address() {
		return
	}
	value := record.Value(rec)
	size := record.PhysicalSize(len(ctx.key), len(value))
	addr, err := st.blockAllocate(s, size)
	if err != nil {
		return
	}
	buf := st.log.GetPhysical(addr)
	info := record.NewInfo(s.version, entry.Address(), false, false)
	record.Write(buf, info, ctx.key, len(value))
	copy(record.Value(buf), value)
	if !slot.CompareAndSwap(entry, entry.WithAddress(addr)) {
		record.SetInvalid(buf)
	}
}

// continuePendingRMW resumes an RMW whose source record arrived from disk.
// If the chain head advanced while the read was in flight, the operation
// re-runs against the new head instead.
func (st *Store) continuePendingRMW(s *Session, ctx *pendingContext) {
	slot, entry := st.idx.FindOrCreateTag(ctx.hash)
	if entry.Address() != ctx.entry.Address() {
		ctx.slot, ctx.entry = slot, entry
		st.retryPending(s, ctx)
		return
	}
	ctx.slot, ctx.entry = slot, entry

	rec := ctx.rec
	info := record.LoadInfo(rec)
	if info.Invalid() || !bytes.Equal(record.Key(rec), ctx.key) {
		prev := info.PreviousAddress()
		if prev >= st.log.BeginAddress() && prev != record.InvalidAddress {
			st.metrics.IOReissue.Inc()
			ctx.logicalAddress = prev
			st.handleOperationStatus(s, ctx, opRecordOnDisk)
			return
		}
		// Chain exhausted below the begin address: first creation.
		st.finishPendingRMW(s, ctx, nil, true)
		return
	}
	if info.Tombstone() {
		st.finishPendingRMW(s, ctx, nil, true)
		return
	}
	st.finishPendingRMW(s, ctx, record.Value(rec), false)
}

func (st *Store) finishPendingRMW(s *Session, ctx *pendingContext, oldValue []byte, initial bool) {
	status := st.publishRMWRecord(s, ctx, oldValue, initial)
	if status == opRetryNow {
		st.metrics.RetryNow.Inc()
		st.retryPending(s, ctx)
		return
	}
	s.complete(ctx, st.handleOpStatus(s, ctx, status, true))
}

// retryPending re-runs a parked operation against the current phase. For
// RMW this is the retry path with its relaxed latch rules; shared latches
// retained by the context stay held until the operation resolves.
func (st *Store) retryPending(s *Session, ctx *pendingContext) {
	// Retried requests run under the session's current version; only I/O
	// continuations keep the version they were admitted at.
	ctx.version = s.version
	var status internalStatus
	switch ctx.kind {
	case opRead:
		status = st.internalRead(s, ctx)
	case opRMW:
		status = st.internalRMWWithRetries(s, ctx, true)
	default:
		status = st.internalUpsertWithRetries(s, ctx)
	}
	public := st.handleOpStatus(s, ctx, status, true)
	if public != Pending {
		s.complete(ctx, public)
	}
}
